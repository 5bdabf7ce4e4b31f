package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/berthd/berth"
	"github.com/berthd/berth/internal/history/clickhouse"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath   string
	Start        bool
	ResolvePorts bool
}

func newServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the berth daemon",
		Long: `Start the berth daemon. Services, dependency edges, health checks and
restart policies are loaded from the TOML config file.

Examples:
  berth serve config.toml                  # Load config, expose the API
  berth serve config.toml --start          # Also start every service
  berth serve config.toml --start --resolve-ports`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			serveFlags.ConfigPath = configPath
			return runServe(serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Start, "start", false, "start all configured services after boot")
	cmd.Flags().BoolVar(&serveFlags.ResolvePorts, "resolve-ports", false, "auto-assign conflicting ports before starting")

	return cmd
}

func runServe(flags *ServeFlags) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("config file required. Use --config=berth.toml or provide as argument")
	}

	cfg, err := berth.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	log := berth.NewLogger(cfg.LogLevel)

	opts := []berth.Option{berth.WithLogger(log)}
	if len(cfg.Env) > 0 {
		opts = append(opts, berth.WithGlobalEnv(cfg.Env))
	}
	if cfg.Log.Dir != "" {
		opts = append(opts, berth.WithFileMirror(cfg.Log))
	}
	if cfg.Ports.Floor > 0 || cfg.Ports.Ceiling > 0 {
		opts = append(opts, berth.WithPortRange(cfg.Ports.Floor, cfg.Ports.Ceiling))
	}

	sys := berth.New(opts...)
	defer sys.Close()
	sys.Apply(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Store.DSN != "" {
		if err := sys.UseStore(ctx, cfg.Store.DSN); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}

	if cfg.History.ClickHouseAddr != "" {
		sink, err := clickhouse.New(
			cfg.History.ClickHouseAddr,
			cfg.History.ClickHouseDatabase,
			cfg.History.ClickHouseUser,
			cfg.History.ClickHousePassword,
			cfg.History.Table,
		)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		if err := sink.EnsureTable(ctx); err != nil {
			return fmt.Errorf("history schema: %w", err)
		}
		sys.ForwardHistory(ctx, sink)
	}

	if cfg.Metrics.Listen != "" {
		if err := berth.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		go func() {
			if err := berth.ServeMetrics(cfg.Metrics.Listen); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	listen := cfg.Server.Listen
	if listen == "" {
		listen = ":8080"
	}
	basePath := cfg.Server.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	server, router := berth.NewHTTPServer(listen, basePath, sys)
	defer router.Close()

	fmt.Printf("Starting berth server on %s%s\n", listen, basePath)

	if flags.Start {
		report, err := sys.Start(ctx, nil, berth.StartOptions{ResolvePorts: flags.ResolvePorts})
		if err != nil {
			fmt.Printf("Warning: start: %v\n", err)
		}
		for _, r := range report.Reassigned {
			fmt.Printf("Port %d in use; %s moved to %d\n", r.OldPort, r.Service, r.NewPort)
		}
		if len(report.Cycles) > 0 {
			fmt.Printf("Warning: dependency cycle, not started: %s\n", strings.Join(report.Cycles, ", "))
		}
		for id, msg := range report.Failures {
			fmt.Printf("Warning: %s failed to start: %s\n", id, msg)
		}
		fmt.Printf("Started %d service(s)\n", len(report.Started))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	for id, err := range sys.StopAll() {
		fmt.Printf("Warning: stop %s: %v\n", id, err)
	}
	// give procs a moment to exit before the grace timers fire
	deadline := time.Now().Add(6 * time.Second)
	for _, st := range sys.Statuses() {
		if st.Status != "running" {
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		sys.Wait(st.Service, remaining)
	}
	return server.Close()
}
