// Package store persists CMC records, operator accounts and the audit trail.
// Postgres and SQLite backends implement the same Store interface.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

const (
	RoleAdmin = "admin"
	RoleGuest = "guest"
)

// CMC is one managed chassis controller and the credentials used to reach it.
type CMC struct {
	ID        string
	Name      string
	Address   string
	Username  string
	Password  string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CMCInput struct {
	Name     string
	Address  string
	Username string
	Password string
	Notes    string
}

type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

type AuditEvent struct {
	Actor      string
	ActorRole  string
	Action     string
	TargetType string
	TargetID   string
	Details    map[string]any
}

type Store interface {
	ListCMCs(ctx context.Context) ([]CMC, error)
	SearchCMCs(ctx context.Context, query string) ([]CMC, error)
	GetCMC(ctx context.Context, id string) (CMC, error)
	CreateCMC(ctx context.Context, in CMCInput) (CMC, error)
	UpdateCMC(ctx context.Context, id string, in CMCInput) (CMC, error)
	DeleteCMC(ctx context.Context, id string) error

	GetUserByUsername(ctx context.Context, username string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, username, passwordHash, role string) (User, error)
	TouchLastLogin(ctx context.Context, id string) error
	CountUsers(ctx context.Context) (int64, error)

	InsertAuditEvent(ctx context.Context, ev AuditEvent) error

	Ping(ctx context.Context) error
	Close()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
