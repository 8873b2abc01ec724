package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"cmc_manager/internal/db"
	"cmc_manager/internal/sqlcgen"
)

// Postgres adapts the generated queries to Store.
type Postgres struct {
	pool *db.Pool
	q    *sqlcgen.Queries
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool, q: pool.Queries()}
}

func pgErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == "23505" {
		return ErrConflict
	}
	return err
}

func fromPgCMC(c sqlcgen.Cmc) CMC {
	return CMC{
		ID:        c.ID,
		Name:      c.Name,
		Address:   c.Address,
		Username:  c.Username,
		Password:  c.Password,
		Notes:     c.Notes,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func fromPgCMCs(rows []sqlcgen.Cmc) []CMC {
	out := make([]CMC, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromPgCMC(r))
	}
	return out
}

func fromPgUser(u sqlcgen.User) User {
	return User{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
		CreatedAt:    u.CreatedAt,
		LastLogin:    u.LastLogin,
	}
}

func (p *Postgres) ListCMCs(ctx context.Context) ([]CMC, error) {
	rows, err := p.q.ListCmcs(ctx)
	if err != nil {
		return nil, err
	}
	return fromPgCMCs(rows), nil
}

func (p *Postgres) SearchCMCs(ctx context.Context, query string) ([]CMC, error) {
	rows, err := p.q.SearchCmcs(ctx, query)
	if err != nil {
		return nil, err
	}
	return fromPgCMCs(rows), nil
}

func (p *Postgres) GetCMC(ctx context.Context, id string) (CMC, error) {
	c, err := p.q.GetCmc(ctx, id)
	if err != nil {
		return CMC{}, pgErr(err)
	}
	return fromPgCMC(c), nil
}

func (p *Postgres) CreateCMC(ctx context.Context, in CMCInput) (CMC, error) {
	c, err := p.q.CreateCmc(ctx, sqlcgen.CreateCmcParams{
		ID:       uuid.NewString(),
		Name:     in.Name,
		Address:  in.Address,
		Username: in.Username,
		Password: in.Password,
		Notes:    in.Notes,
	})
	if err != nil {
		return CMC{}, pgErr(err)
	}
	return fromPgCMC(c), nil
}

func (p *Postgres) UpdateCMC(ctx context.Context, id string, in CMCInput) (CMC, error) {
	c, err := p.q.UpdateCmc(ctx, sqlcgen.UpdateCmcParams{
		ID:       id,
		Name:     in.Name,
		Address:  in.Address,
		Username: in.Username,
		Password: in.Password,
		Notes:    in.Notes,
	})
	if err != nil {
		return CMC{}, pgErr(err)
	}
	return fromPgCMC(c), nil
}

func (p *Postgres) DeleteCMC(ctx context.Context, id string) error {
	n, err := p.q.DeleteCmc(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (User, error) {
	u, err := p.q.GetUserByUsername(ctx, username)
	if err != nil {
		return User{}, pgErr(err)
	}
	return fromPgUser(u), nil
}

func (p *Postgres) GetUserByID(ctx context.Context, id string) (User, error) {
	u, err := p.q.GetUserByID(ctx, id)
	if err != nil {
		return User{}, pgErr(err)
	}
	return fromPgUser(u), nil
}

func (p *Postgres) CreateUser(ctx context.Context, username, passwordHash, role string) (User, error) {
	u, err := p.q.CreateUser(ctx, sqlcgen.CreateUserParams{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
	})
	if err != nil {
		return User{}, pgErr(err)
	}
	return fromPgUser(u), nil
}

func (p *Postgres) TouchLastLogin(ctx context.Context, id string) error {
	return p.q.TouchUserLastLogin(ctx, id)
}

func (p *Postgres) CountUsers(ctx context.Context) (int64, error) {
	return p.q.CountUsers(ctx)
}

func (p *Postgres) InsertAuditEvent(ctx context.Context, ev AuditEvent) error {
	return p.q.InsertAuditEvent(ctx, sqlcgen.InsertAuditEventParams{
		Actor:      ev.Actor,
		ActorRole:  optional(ev.ActorRole),
		Action:     ev.Action,
		TargetType: optional(ev.TargetType),
		TargetID:   optional(ev.TargetID),
		Details:    ev.Details,
	})
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
