package store

import "context"

// HealthConfig is the persisted form of a service's probe configuration.
// Durations are serialized strings (time.Duration format) so rows stay
// readable from SQL tooling.
type HealthConfig struct {
	Service      string `json:"service"`
	Type         string `json:"type"`
	Target       string `json:"target"`
	ExpectStatus int    `json:"expect_status"`
	ExpectExit   int    `json:"expect_exit"`
	Interval     string `json:"interval"`
	Timeout      string `json:"timeout"`
	Retries      int    `json:"retries"`
}

// Store persists the orchestration state that must survive restarts of the
// orchestrator itself: restart counts, port claims, and health check
// configuration. Service definitions live elsewhere and are not stored here.
type Store interface {
	EnsureSchema(ctx context.Context) error

	SaveRestartCount(ctx context.Context, service string, count int) error
	RestartCounts(ctx context.Context) (map[string]int, error)

	SavePortClaim(ctx context.Context, service string, port int) error
	PortClaims(ctx context.Context) (map[string]int, error)

	SaveHealthConfig(ctx context.Context, cfg HealthConfig) error
	HealthConfigs(ctx context.Context) ([]HealthConfig, error)

	// DeleteService clears all persisted rows for a deleted service.
	DeleteService(ctx context.Context, service string) error

	Close() error
}
