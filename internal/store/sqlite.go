package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLite implements Store for single-node installs. Timestamps are stored as
// unix milliseconds.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	connStr := path
	if path != ":memory:" {
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cmcs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cmcs_name ON cmcs(name);
	CREATE INDEX IF NOT EXISTS idx_cmcs_created_at ON cmcs(created_at);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('admin', 'guest')),
		created_at INTEGER NOT NULL,
		last_login INTEGER
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor TEXT NOT NULL,
		actor_role TEXT,
		action TEXT NOT NULL,
		target_type TEXT,
		target_id TEXT,
		details TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func liteErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	return err
}

const cmcColumns = `id, name, address, username, password, notes, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCMC(row scanner) (CMC, error) {
	var c CMC
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Name, &c.Address, &c.Username, &c.Password, &c.Notes, &created, &updated); err != nil {
		return CMC{}, err
	}
	c.CreatedAt, c.UpdatedAt = fromMS(created), fromMS(updated)
	return c, nil
}

func (s *SQLite) queryCMCs(ctx context.Context, query string, args ...any) ([]CMC, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []CMC{}
	for rows.Next() {
		c, err := scanCMC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) ListCMCs(ctx context.Context) ([]CMC, error) {
	return s.queryCMCs(ctx, `SELECT `+cmcColumns+` FROM cmcs ORDER BY name ASC, id ASC`)
}

func (s *SQLite) SearchCMCs(ctx context.Context, query string) ([]CMC, error) {
	like := "%" + query + "%"
	return s.queryCMCs(ctx, `SELECT `+cmcColumns+` FROM cmcs
		WHERE name LIKE ? OR address LIKE ? OR notes LIKE ?
		ORDER BY name ASC, id ASC`, like, like, like)
}

func (s *SQLite) GetCMC(ctx context.Context, id string) (CMC, error) {
	c, err := scanCMC(s.db.QueryRowContext(ctx, `SELECT `+cmcColumns+` FROM cmcs WHERE id = ?`, id))
	if err != nil {
		return CMC{}, liteErr(err)
	}
	return c, nil
}

func (s *SQLite) CreateCMC(ctx context.Context, in CMCInput) (CMC, error) {
	id := uuid.NewString()
	now := ms(s.now())
	_, err := s.db.ExecContext(ctx, `INSERT INTO cmcs (`+cmcColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Name, in.Address, in.Username, in.Password, in.Notes, now, now)
	if err != nil {
		return CMC{}, liteErr(err)
	}
	return s.GetCMC(ctx, id)
}

func (s *SQLite) UpdateCMC(ctx context.Context, id string, in CMCInput) (CMC, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE cmcs
		SET name = ?, address = ?, username = ?, password = ?, notes = ?, updated_at = ?
		WHERE id = ?`, in.Name, in.Address, in.Username, in.Password, in.Notes, ms(s.now()), id)
	if err != nil {
		return CMC{}, liteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return CMC{}, ErrNotFound
	}
	return s.GetCMC(ctx, id)
}

func (s *SQLite) DeleteCMC(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cmcs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `id, username, password_hash, role, created_at, last_login`

func scanUser(row scanner) (User, error) {
	var u User
	var created int64
	var last sql.NullInt64
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &created, &last); err != nil {
		return User{}, err
	}
	u.CreatedAt = fromMS(created)
	if last.Valid {
		t := fromMS(last.Int64)
		u.LastLogin = &t
	}
	return u, nil
}

func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err != nil {
		return User{}, liteErr(err)
	}
	return u, nil
}

func (s *SQLite) GetUserByID(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return User{}, liteErr(err)
	}
	return u, nil
}

func (s *SQLite) CreateUser(ctx context.Context, username, passwordHash, role string) (User, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, username, passwordHash, role, ms(s.now()))
	if err != nil {
		return User{}, liteErr(err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *SQLite) TouchLastLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, ms(s.now()), id)
	return err
}

func (s *SQLite) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n)
	return n, err
}

func (s *SQLite) InsertAuditEvent(ctx context.Context, ev AuditEvent) error {
	details := "{}"
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(b)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events (actor, actor_role, action, target_type, target_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Actor, optional(ev.ActorRole), ev.Action, optional(ev.TargetType), optional(ev.TargetID), details, ms(s.now()))
	return err
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}
