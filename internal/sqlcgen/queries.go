package sqlcgen

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const insertAuditEvent = `-- name: InsertAuditEvent :exec
INSERT INTO audit_events (
  actor,
  actor_role,
  action,
  target_type,
  target_id,
  details
)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, '{}'::jsonb))
`

type InsertAuditEventParams struct {
	Actor      string
	ActorRole  *string
	Action     string
	TargetType *string
	TargetID   *string
	Details    map[string]any
}

func (q *Queries) InsertAuditEvent(ctx context.Context, arg InsertAuditEventParams) error {
	_, err := q.db.Exec(ctx, insertAuditEvent, arg.Actor, arg.ActorRole, arg.Action, arg.TargetType, arg.TargetID, arg.Details)
	return err
}

const listCmcs = `-- name: ListCmcs :many
SELECT id, name, address, username, password, notes, created_at, updated_at
FROM cmcs
ORDER BY name ASC, id ASC
`

func (q *Queries) ListCmcs(ctx context.Context) ([]Cmc, error) {
	rows, err := q.db.Query(ctx, listCmcs)
	if err != nil {
		return nil, err
	}
	return scanCmcs(rows)
}

const searchCmcs = `-- name: SearchCmcs :many
SELECT id, name, address, username, password, notes, created_at, updated_at
FROM cmcs
WHERE name ILIKE '%' || $1 || '%'
   OR address ILIKE '%' || $1 || '%'
   OR notes ILIKE '%' || $1 || '%'
ORDER BY name ASC, id ASC
`

func (q *Queries) SearchCmcs(ctx context.Context, query string) ([]Cmc, error) {
	rows, err := q.db.Query(ctx, searchCmcs, query)
	if err != nil {
		return nil, err
	}
	return scanCmcs(rows)
}

func scanCmcs(rows pgx.Rows) ([]Cmc, error) {
	defer rows.Close()
	items := []Cmc{}
	for rows.Next() {
		var i Cmc
		if err := rows.Scan(&i.ID, &i.Name, &i.Address, &i.Username, &i.Password, &i.Notes, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const getCmc = `-- name: GetCmc :one
SELECT id, name, address, username, password, notes, created_at, updated_at
FROM cmcs
WHERE id = $1
`

func (q *Queries) GetCmc(ctx context.Context, id string) (Cmc, error) {
	row := q.db.QueryRow(ctx, getCmc, id)
	var i Cmc
	err := row.Scan(&i.ID, &i.Name, &i.Address, &i.Username, &i.Password, &i.Notes, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

const createCmc = `-- name: CreateCmc :one
INSERT INTO cmcs (id, name, address, username, password, notes)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, name, address, username, password, notes, created_at, updated_at
`

type CreateCmcParams struct {
	ID       string
	Name     string
	Address  string
	Username string
	Password string
	Notes    string
}

func (q *Queries) CreateCmc(ctx context.Context, arg CreateCmcParams) (Cmc, error) {
	row := q.db.QueryRow(ctx, createCmc, arg.ID, arg.Name, arg.Address, arg.Username, arg.Password, arg.Notes)
	var i Cmc
	err := row.Scan(&i.ID, &i.Name, &i.Address, &i.Username, &i.Password, &i.Notes, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

const updateCmc = `-- name: UpdateCmc :one
UPDATE cmcs
SET name = $2,
    address = $3,
    username = $4,
    password = $5,
    notes = $6,
    updated_at = now()
WHERE id = $1
RETURNING id, name, address, username, password, notes, created_at, updated_at
`

type UpdateCmcParams struct {
	ID       string
	Name     string
	Address  string
	Username string
	Password string
	Notes    string
}

func (q *Queries) UpdateCmc(ctx context.Context, arg UpdateCmcParams) (Cmc, error) {
	row := q.db.QueryRow(ctx, updateCmc, arg.ID, arg.Name, arg.Address, arg.Username, arg.Password, arg.Notes)
	var i Cmc
	err := row.Scan(&i.ID, &i.Name, &i.Address, &i.Username, &i.Password, &i.Notes, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

const deleteCmc = `-- name: DeleteCmc :execrows
DELETE FROM cmcs
WHERE id = $1
`

func (q *Queries) DeleteCmc(ctx context.Context, id string) (int64, error) {
	tag, err := q.db.Exec(ctx, deleteCmc, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const getUserByUsername = `-- name: GetUserByUsername :one
SELECT id, username, password_hash, role, created_at, last_login
FROM users
WHERE username = $1
`

func (q *Queries) GetUserByUsername(ctx context.Context, username string) (User, error) {
	row := q.db.QueryRow(ctx, getUserByUsername, username)
	var i User
	err := row.Scan(&i.ID, &i.Username, &i.PasswordHash, &i.Role, &i.CreatedAt, &i.LastLogin)
	return i, err
}

const getUserByID = `-- name: GetUserByID :one
SELECT id, username, password_hash, role, created_at, last_login
FROM users
WHERE id = $1
`

func (q *Queries) GetUserByID(ctx context.Context, id string) (User, error) {
	row := q.db.QueryRow(ctx, getUserByID, id)
	var i User
	err := row.Scan(&i.ID, &i.Username, &i.PasswordHash, &i.Role, &i.CreatedAt, &i.LastLogin)
	return i, err
}

const createUser = `-- name: CreateUser :one
INSERT INTO users (id, username, password_hash, role)
VALUES ($1, $2, $3, $4)
RETURNING id, username, password_hash, role, created_at, last_login
`

type CreateUserParams struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
}

func (q *Queries) CreateUser(ctx context.Context, arg CreateUserParams) (User, error) {
	row := q.db.QueryRow(ctx, createUser, arg.ID, arg.Username, arg.PasswordHash, arg.Role)
	var i User
	err := row.Scan(&i.ID, &i.Username, &i.PasswordHash, &i.Role, &i.CreatedAt, &i.LastLogin)
	return i, err
}

const touchUserLastLogin = `-- name: TouchUserLastLogin :exec
UPDATE users
SET last_login = now()
WHERE id = $1
`

func (q *Queries) TouchUserLastLogin(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, touchUserLastLogin, id)
	return err
}

const countUsers = `-- name: CountUsers :one
SELECT count(*) FROM users
`

func (q *Queries) CountUsers(ctx context.Context) (int64, error) {
	row := q.db.QueryRow(ctx, countUsers)
	var n int64
	err := row.Scan(&n)
	return n, err
}
