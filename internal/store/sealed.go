package store

import (
	"context"
	"fmt"

	"cmc_manager/internal/secrets"
)

// Sealed encrypts CMC passwords on the way in and decrypts them on the way
// out. Rows written before encryption was enabled are returned as stored.
type Sealed struct {
	Store
	sealer *secrets.Sealer
}

func NewSealed(inner Store, sealer *secrets.Sealer) *Sealed {
	return &Sealed{Store: inner, sealer: sealer}
}

func (s *Sealed) seal(in CMCInput) (CMCInput, error) {
	sealed, err := s.sealer.Seal(in.Password)
	if err != nil {
		return CMCInput{}, fmt.Errorf("seal password: %w", err)
	}
	in.Password = sealed
	return in, nil
}

func (s *Sealed) open(c CMC) (CMC, error) {
	if !secrets.IsSealed(c.Password) {
		return c, nil
	}
	plain, err := s.sealer.Open(c.Password)
	if err != nil {
		return CMC{}, fmt.Errorf("open password for cmc %s: %w", c.ID, err)
	}
	c.Password = plain
	return c, nil
}

func (s *Sealed) openAll(list []CMC, err error) ([]CMC, error) {
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i], err = s.open(list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (s *Sealed) ListCMCs(ctx context.Context) ([]CMC, error) {
	return s.openAll(s.Store.ListCMCs(ctx))
}

func (s *Sealed) SearchCMCs(ctx context.Context, query string) ([]CMC, error) {
	return s.openAll(s.Store.SearchCMCs(ctx, query))
}

func (s *Sealed) GetCMC(ctx context.Context, id string) (CMC, error) {
	c, err := s.Store.GetCMC(ctx, id)
	if err != nil {
		return CMC{}, err
	}
	return s.open(c)
}

func (s *Sealed) CreateCMC(ctx context.Context, in CMCInput) (CMC, error) {
	in, err := s.seal(in)
	if err != nil {
		return CMC{}, err
	}
	c, err := s.Store.CreateCMC(ctx, in)
	if err != nil {
		return CMC{}, err
	}
	return s.open(c)
}

func (s *Sealed) UpdateCMC(ctx context.Context, id string, in CMCInput) (CMC, error) {
	in, err := s.seal(in)
	if err != nil {
		return CMC{}, err
	}
	c, err := s.Store.UpdateCMC(ctx, id, in)
	if err != nil {
		return CMC{}, err
	}
	return s.open(c)
}
