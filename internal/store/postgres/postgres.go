package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/berthd/berth/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
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
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) SaveRestartCount(ctx context.Context, service string, count int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO restart_counts(service, count) VALUES($1, $2)
		ON CONFLICT(service) DO UPDATE SET count=EXCLUDED.count;`,
		service, count)
	return err
}

func (p *DB) RestartCounts(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT service, count FROM restart_counts`)
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

func (p *DB) SavePortClaim(ctx context.Context, service string, port int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO port_claims(service, port) VALUES($1, $2)
		ON CONFLICT(service) DO UPDATE SET port=EXCLUDED.port;`,
		service, port)
	return err
}

func (p *DB) PortClaims(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT service, port FROM port_claims`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int)
	for rows.Next() {
		var svc string
		var port int
		if err := rows.Scan(&svc, &port); err != nil {
			return nil, err
		}
		out[svc] = port
	}
	return out, rows.Err()
}

func (p *DB) SaveHealthConfig(ctx context.Context, cfg store.HealthConfig) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO health_configs(service, type, target, expect_status, expect_exit, interval, timeout, retries)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(service) DO UPDATE SET
			type=EXCLUDED.type,
			target=EXCLUDED.target,
			expect_status=EXCLUDED.expect_status,
			expect_exit=EXCLUDED.expect_exit,
			interval=EXCLUDED.interval,
			timeout=EXCLUDED.timeout,
			retries=EXCLUDED.retries;`,
		cfg.Service, cfg.Type, cfg.Target, cfg.ExpectStatus, cfg.ExpectExit, cfg.Interval, cfg.Timeout, cfg.Retries)
	return err
}

func (p *DB) HealthConfigs(ctx context.Context) ([]store.HealthConfig, error) {
	rows, err := p.db.QueryContext(ctx, `
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

func (p *DB) DeleteService(ctx context.Context, service string) error {
	for _, q := range []string{
		`DELETE FROM restart_counts WHERE service=$1`,
		`DELETE FROM port_claims WHERE service=$1`,
		`DELETE FROM health_configs WHERE service=$1`,
	} {
		if _, err := p.db.ExecContext(ctx, q, service); err != nil {
			return err
		}
	}
	return nil
}
