package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/berthd/berth/internal/history"
)

// Sink sends lifecycle events to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, database, username, password, table string) (*Sink, error) {
	if database == "" {
		database = "default"
	}
	if table == "" {
		table = "berth_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return &Sink{conn: conn, table: table}, nil
}

// EnsureTable creates the events table when absent.
func (s *Sink) EnsureTable(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type String,
		service String,
		occurred_at DateTime64(3),
		exit_code Int32,
		attempt Int32,
		health String,
		detail String
	) ENGINE = MergeTree() ORDER BY (service, occurred_at)`, s.table)
	return s.conn.Exec(ctx, q)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	q := fmt.Sprintf(
		`INSERT INTO %s (type, service, occurred_at, exit_code, attempt, health, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.table)
	if err := s.conn.Exec(ctx, q,
		e.Type, e.Service, e.OccurredAt, int32(e.ExitCode), int32(e.Attempt), e.Health, e.Detail,
	); err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
