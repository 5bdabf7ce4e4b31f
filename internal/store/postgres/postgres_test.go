package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/berthd/berth/internal/store"
)

// startPostgresContainer starts a PostgreSQL container and returns a DSN for
// the pgx stdlib driver. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	// restart counts upsert
	if err := db.SaveRestartCount(ctx, "web", 1); err != nil {
		t.Fatalf("save count: %v", err)
	}
	if err := db.SaveRestartCount(ctx, "web", 2); err != nil {
		t.Fatalf("upsert count: %v", err)
	}
	counts, err := db.RestartCounts(ctx)
	if err != nil {
		t.Fatalf("load counts: %v", err)
	}
	if counts["web"] != 2 {
		t.Fatalf("counts = %v", counts)
	}

	// port claims
	if err := db.SavePortClaim(ctx, "web", 3002); err != nil {
		t.Fatalf("save claim: %v", err)
	}
	claims, err := db.PortClaims(ctx)
	if err != nil {
		t.Fatalf("load claims: %v", err)
	}
	if claims["web"] != 3002 {
		t.Fatalf("claims = %v", claims)
	}

	// health configs
	cfg := store.HealthConfig{
		Service:      "web",
		Type:         "http",
		Target:       "http://localhost:3002/healthz",
		ExpectStatus: 200,
		Interval:     "10s",
		Timeout:      "2s",
		Retries:      3,
	}
	if err := db.SaveHealthConfig(ctx, cfg); err != nil {
		t.Fatalf("save health: %v", err)
	}
	cfgs, err := db.HealthConfigs(ctx)
	if err != nil {
		t.Fatalf("load health: %v", err)
	}
	if len(cfgs) != 1 || cfgs[0] != cfg {
		t.Fatalf("configs = %+v", cfgs)
	}

	// delete clears all rows for the service
	if err := db.DeleteService(ctx, "web"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	counts, _ = db.RestartCounts(ctx)
	claims, _ = db.PortClaims(ctx)
	cfgs, _ = db.HealthConfigs(ctx)
	if len(counts) != 0 || len(claims) != 0 || len(cfgs) != 0 {
		t.Fatalf("rows survived delete: %v %v %v", counts, claims, cfgs)
	}
}
