package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/berthd/berth/internal/depgraph"
	"github.com/berthd/berth/internal/health"
	"github.com/berthd/berth/internal/logger"
	"github.com/berthd/berth/internal/restart"
	"github.com/berthd/berth/internal/service"
)

// Config is the top-level TOML structure for the daemon.
type Config struct {
	Env      []string         `toml:"env" mapstructure:"env"`
	LogLevel string           `toml:"log_level" mapstructure:"log_level"`
	Log      logger.Config    `toml:"log" mapstructure:"log"`
	Server   ServerConfig     `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig    `toml:"metrics" mapstructure:"metrics"`
	Store    StoreConfig      `toml:"store" mapstructure:"store"`
	History  HistoryConfig    `toml:"history" mapstructure:"history"`
	Ports    PortsConfig      `toml:"ports" mapstructure:"ports"`
	Services []ServiceConfig  `toml:"services" mapstructure:"services"`
	Deps     []DependencyEdge `toml:"dependencies" mapstructure:"dependencies"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	ClickHouseAddr     string `toml:"clickhouse_addr" mapstructure:"clickhouse_addr"`
	ClickHouseDatabase string `toml:"clickhouse_database" mapstructure:"clickhouse_database"`
	ClickHouseUser     string `toml:"clickhouse_user" mapstructure:"clickhouse_user"`
	ClickHousePassword string `toml:"clickhouse_password" mapstructure:"clickhouse_password"`
	Table              string `toml:"table" mapstructure:"table"`
}

type PortsConfig struct {
	Floor   int `toml:"floor" mapstructure:"floor"`
	Ceiling int `toml:"ceiling" mapstructure:"ceiling"`
}

type ServiceConfig struct {
	ID      string            `toml:"id" mapstructure:"id"`
	Command string            `toml:"command" mapstructure:"command"`
	WorkDir string            `toml:"workdir" mapstructure:"workdir"`
	Port    int               `toml:"port" mapstructure:"port"`
	Env     map[string]string `toml:"env" mapstructure:"env"`
	Health  *HealthEntry      `toml:"health" mapstructure:"health"`
	Restart *RestartEntry     `toml:"restart" mapstructure:"restart"`
}

type HealthEntry struct {
	Type         string        `toml:"type" mapstructure:"type"`
	Target       string        `toml:"target" mapstructure:"target"`
	ExpectStatus int           `toml:"expect_status" mapstructure:"expect_status"`
	ExpectExit   int           `toml:"expect_exit" mapstructure:"expect_exit"`
	Interval     time.Duration `toml:"interval" mapstructure:"interval"`
	Timeout      time.Duration `toml:"timeout" mapstructure:"timeout"`
	Retries      int           `toml:"retries" mapstructure:"retries"`
}

type RestartEntry struct {
	Enabled     bool   `toml:"enabled" mapstructure:"enabled"`
	MaxRestarts int    `toml:"max_restarts" mapstructure:"max_restarts"`
	Strategy    string `toml:"strategy" mapstructure:"strategy"`
}

type DependencyEdge struct {
	Service       string        `toml:"service" mapstructure:"service"`
	DependsOn     string        `toml:"depends_on" mapstructure:"depends_on"`
	WaitForHealth bool          `toml:"wait_for_health" mapstructure:"wait_for_health"`
	StartupDelay  time.Duration `toml:"startup_delay" mapstructure:"startup_delay"`
}

// Load parses a TOML config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks referential integrity: every dependency edge must point at
// declared services, and service ids must be unique.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s.ID == "" {
			return fmt.Errorf("service with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate service id %q", s.ID)
		}
		seen[s.ID] = true
	}
	for _, d := range c.Deps {
		if !seen[d.Service] {
			return fmt.Errorf("dependency references unknown service %q", d.Service)
		}
		if !seen[d.DependsOn] {
			return fmt.Errorf("dependency references unknown service %q", d.DependsOn)
		}
	}
	return nil
}

// ServiceDefs converts the services section to registry entries.
func (c *Config) ServiceDefs() []service.Service {
	out := make([]service.Service, 0, len(c.Services))
	for _, s := range c.Services {
		out = append(out, service.Service{
			ID:      s.ID,
			Command: s.Command,
			WorkDir: s.WorkDir,
			Port:    s.Port,
			Env:     s.Env,
		})
	}
	return out
}

// Edges converts the dependencies section to graph edges.
func (c *Config) Edges() []depgraph.Edge {
	out := make([]depgraph.Edge, 0, len(c.Deps))
	for _, d := range c.Deps {
		out = append(out, depgraph.Edge{
			Service:       d.Service,
			DependsOn:     d.DependsOn,
			WaitForHealth: d.WaitForHealth,
			StartupDelay:  d.StartupDelay,
		})
	}
	return out
}

// HealthCheck returns the probe config for a service entry, if declared.
func (s ServiceConfig) HealthCheck() (health.CheckConfig, bool) {
	if s.Health == nil {
		return health.CheckConfig{}, false
	}
	return health.CheckConfig{
		Type:         health.CheckType(s.Health.Type),
		Target:       s.Health.Target,
		ExpectStatus: s.Health.ExpectStatus,
		ExpectExit:   s.Health.ExpectExit,
		Interval:     s.Health.Interval,
		Timeout:      s.Health.Timeout,
		Retries:      s.Health.Retries,
	}, true
}

// RestartPolicy returns the restart policy for a service entry, if declared.
func (s ServiceConfig) RestartPolicy() (restart.Policy, bool) {
	if s.Restart == nil {
		return restart.Policy{}, false
	}
	return restart.Policy{
		Enabled:     s.Restart.Enabled,
		MaxRestarts: s.Restart.MaxRestarts,
		Strategy:    restart.Strategy(s.Restart.Strategy),
	}, true
}
