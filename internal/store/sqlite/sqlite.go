package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/berthd/berth/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file; ":memory:" works for tests.
type DB struct {
	db *sql.DB
}

func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS restart_counts(
			service TEXT PRIMARY KEY,
			count INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS port_claims(
			service TEXT PRIMARY KEY,
			port INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS health_configs(
			service TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			target TEXT NOT NULL,
			expect_status INTEGER NOT NULL,
			expect_exit INTEGER NOT NULL,
			interval TEXT NOT NULL,
			timeout TEXT NOT NULL,
			retries INTEGER NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) SaveRestartCount(ctx context.Context, service string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restart_counts(service, count) VALUES(?, ?)
		ON CONFLICT(service) DO UPDATE SET count=excluded.count;`,
		service, count)
	return err
}

func (s *DB) RestartCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service, count FROM restart_counts`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int)
	for rows.Next() {
		var svc string
		var n int
		if err := rows.Scan(&svc, &n); err != nil {
			return nil, err
		}
		out[svc] = n
	}
	return out, rows.Err()
}

func (s *DB) SavePortClaim(ctx context.Context, service string, port int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO port_claims(service, port) VALUES(?, ?)
		ON CONFLICT(service) DO UPDATE SET port=excluded.port;`,
		service, port)
	return err
}

func (s *DB) PortClaims(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service, port FROM port_claims`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int)
	for rows.Next() {
		var svc string
		var p int
		if err := rows.Scan(&svc, &p); err != nil {
			return nil, err
		}
		out[svc] = p
	}
	return out, rows.Err()
}

func (s *DB) SaveHealthConfig(ctx context.Context, cfg store.HealthConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_configs(service, type, target, expect_status, expect_exit, interval, timeout, retries)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			type=excluded.type,
			target=excluded.target,
			expect_status=excluded.expect_status,
			expect_exit=excluded.expect_exit,
			interval=excluded.interval,
			timeout=excluded.timeout,
			retries=excluded.retries;`,
		cfg.Service, cfg.Type, cfg.Target, cfg.ExpectStatus, cfg.ExpectExit, cfg.Interval, cfg.Timeout, cfg.Retries)
	return err
}

func (s *DB) HealthConfigs(ctx context.Context) ([]store.HealthConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, type, target, expect_status, expect_exit, interval, timeout, retries
		FROM health_configs`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.HealthConfig
	for rows.Next() {
		var c store.HealthConfig
		if err := rows.Scan(&c.Service, &c.Type, &c.Target, &c.ExpectStatus, &c.ExpectExit, &c.Interval, &c.Timeout, &c.Retries); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DB) DeleteService(ctx context.Context, service string) error {
	for _, q := range []string{
		`DELETE FROM restart_counts WHERE service=?`,
		`DELETE FROM port_claims WHERE service=?`,
		`DELETE FROM health_configs WHERE service=?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, service); err != nil {
			return err
		}
	}
	return nil
}
