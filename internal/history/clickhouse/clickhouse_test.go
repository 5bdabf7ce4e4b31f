package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/berthd/berth/internal/history"
)

// setupClickHouseContainer starts a ClickHouse container. It skips the test
// if Docker is unavailable.
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start ClickHouse container: %v", err)
		return nil, ""
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Skipf("Failed to get container host: %v", err)
		return nil, ""
	}

	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Skipf("Failed to get mapped port: %v", err)
		return nil, ""
	}

	return container, host + ":" + port.Port()
}

func TestSinkSendAndQuery(t *testing.T) {
	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if container != nil {
			_ = container.Terminate(ctx)
		}
	}()

	sink, err := New(addr, "default", "default", "", "test_events")
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	// idempotent
	if err := sink.EnsureTable(ctx); err != nil {
		t.Fatalf("second ensure table: %v", err)
	}

	events := []history.Event{
		{Type: "started", Service: "web", OccurredAt: time.Now().UTC()},
		{Type: "crashed", Service: "web", OccurredAt: time.Now().UTC(), ExitCode: 137},
		{Type: "restart", Service: "web", OccurredAt: time.Now().UTC(), Attempt: 1},
		{Type: "health-changed", Service: "web", OccurredAt: time.Now().UTC(), Health: "healthy"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	rows, err := sink.conn.Query(ctx, "SELECT type, service, exit_code FROM test_events ORDER BY occurred_at")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var n int
	for rows.Next() {
		var typ, svc string
		var code int32
		if err := rows.Scan(&typ, &svc, &code); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if svc != "web" {
			t.Fatalf("service = %q", svc)
		}
		if typ == "crashed" && code != 137 {
			t.Fatalf("crashed exit code = %d", code)
		}
		n++
	}
	if n != len(events) {
		t.Fatalf("rows = %d, want %d", n, len(events))
	}
}
