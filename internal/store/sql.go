package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"ircgate/internal/migrations"
)

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect migrations.Dialect
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewSQLStore(db *sql.DB, dialect migrations.Dialect, logger *slog.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	switch dialect {
	case migrations.Postgres, migrations.SQLite:
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger.With("component", "store"), nowFunc: time.Now}, nil
}

// Open connects to Postgres when databaseURL is set and to the SQLite file
// at sqlitePath otherwise, then migrates the schema.
func Open(ctx context.Context, databaseURL, sqlitePath string, logger *slog.Logger) (*SQLStore, *migrations.Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		db      *sql.DB
		dialect migrations.Dialect
		err     error
	)
	if databaseURL != "" {
		dialect = migrations.Postgres
		db, err = sql.Open("postgres", databaseURL)
	} else {
		dialect = migrations.SQLite
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database dir: %w", err)
		}
		db, err = sql.Open("sqlite", "file:"+sqlitePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err == nil {
			db.SetMaxOpenConns(5)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	mig, err := migrations.NewService(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	version, err := mig.Up(ctx)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logger.Info("database ready", "dialect", string(dialect), "schema_version", version)

	s, err := NewSQLStore(db, dialect, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, mig, nil
}

// rebind rewrites ? placeholders for the store's dialect.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != migrations.Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Touch(ctx context.Context, username string, isAdmin bool) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	now := s.nowFunc().UnixMilli()
	q := s.rebind(`
INSERT INTO users (username, first_seen, last_seen, is_admin)
VALUES (?, ?, ?, ?)
ON CONFLICT (username) DO UPDATE
SET last_seen = excluded.last_seen,
	is_admin = excluded.is_admin`)
	if _, err := s.db.ExecContext(ctx, q, username, now, now, isAdmin); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

func (s *SQLStore) ListUsers(ctx context.Context) ([]User, error) {
	const q = `SELECT username, first_seen, last_seen, is_admin FROM users ORDER BY last_seen DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	out := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Username, &u.FirstSeen, &u.LastSeen, &u.IsAdmin); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE username = ?`), username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLStore) UserCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (s *SQLStore) GetSetting(ctx context.Context, key, def string) string {
	var v string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM settings WHERE key = ?`), key).Scan(&v)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("read setting failed", "key", key, "error", err)
		}
		return def
	}
	return v
}

func (s *SQLStore) SetSetting(ctx context.Context, key, value string) error {
	q := s.rebind(`
INSERT INTO settings (key, value)
VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`)
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
