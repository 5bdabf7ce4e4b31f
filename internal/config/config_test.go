package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "berth.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const fullConfig = `
env = ["APP_ENV=dev"]
log_level = "debug"

[log]
dir = "/tmp/berth-logs"
max_size_mb = 10

[server]
listen = ":9090"
base_path = "/api"

[metrics]
listen = ":9091"

[store]
dsn = "state.db"

[ports]
floor = 4000
ceiling = 5000

[[services]]
id = "db"
command = "postgres -D /data"
port = 5432

[[services]]
id = "web"
command = "./web"
workdir = "/srv/web"
port = 3000

[services.env]
DATABASE_URL = "postgres://localhost:5432/app"

[services.health]
type = "http"
target = "http://localhost:3000/healthz"
interval = "10s"
timeout = "2s"
retries = 4

[services.restart]
enabled = true
max_restarts = 3
strategy = "exponential"

[[dependencies]]
service = "web"
depends_on = "db"
wait_for_health = true
startup_delay = "500ms"
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if cfg.Log.Dir != "/tmp/berth-logs" || cfg.Log.MaxSizeMB != 10 {
		t.Fatalf("log = %+v", cfg.Log)
	}
	if cfg.Server.Listen != ":9090" || cfg.Server.BasePath != "/api" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Metrics.Listen != ":9091" {
		t.Fatalf("metrics = %+v", cfg.Metrics)
	}
	if cfg.Store.DSN != "state.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Ports.Floor != 4000 || cfg.Ports.Ceiling != 5000 {
		t.Fatalf("ports = %+v", cfg.Ports)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("services = %d", len(cfg.Services))
	}

	web := cfg.Services[1]
	if web.ID != "web" || web.WorkDir != "/srv/web" || web.Port != 3000 {
		t.Fatalf("web = %+v", web)
	}
	if web.Env["DATABASE_URL"] == "" {
		t.Fatalf("web env missing")
	}

	hc, ok := web.HealthCheck()
	if !ok {
		t.Fatalf("health missing")
	}
	if hc.Interval != 10*time.Second || hc.Timeout != 2*time.Second || hc.Retries != 4 {
		t.Fatalf("health = %+v", hc)
	}

	rp, ok := web.RestartPolicy()
	if !ok {
		t.Fatalf("restart missing")
	}
	if !rp.Enabled || rp.MaxRestarts != 3 || rp.Strategy != "exponential" {
		t.Fatalf("restart = %+v", rp)
	}

	db := cfg.Services[0]
	if _, ok := db.HealthCheck(); ok {
		t.Fatalf("db has no health section")
	}
	if _, ok := db.RestartPolicy(); ok {
		t.Fatalf("db has no restart section")
	}

	edges := cfg.Edges()
	if len(edges) != 1 {
		t.Fatalf("edges = %v", edges)
	}
	e := edges[0]
	if e.Service != "web" || e.DependsOn != "db" || !e.WaitForHealth || e.StartupDelay != 500*time.Millisecond {
		t.Fatalf("edge = %+v", e)
	}

	defs := cfg.ServiceDefs()
	if len(defs) != 2 || defs[0].ID != "db" {
		t.Fatalf("defs = %v", defs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateDuplicateID(t *testing.T) {
	body := `
[[services]]
id = "dup"
command = "true"

[[services]]
id = "dup"
command = "true"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}

func TestValidateUnknownDependency(t *testing.T) {
	body := `
[[services]]
id = "web"
command = "true"

[[dependencies]]
service = "web"
depends_on = "ghost"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected unknown dependency error")
	}
}

func TestValidateEmptyServiceID(t *testing.T) {
	body := `
[[services]]
command = "true"
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected empty id error")
	}
}
