package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func clientFor(globalFlags *GlobalFlags) *APIClient {
	return NewAPIClient(globalFlags.APIUrl, 10*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStartCommand(globalFlags *GlobalFlags) *cobra.Command {
	var resolvePorts bool

	cmd := &cobra.Command{
		Use:   "start [service...]",
		Short: "Start services in dependency order",
		Long: `Start the named services (or all registered services) via the daemon.
Dependencies start first; services in a dependency cycle are skipped.

Examples:
  berth start                              # Start everything
  berth start web api                      # Start two services and their deps
  berth start web --resolve-ports          # Move conflicting ports first`,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := clientFor(globalFlags).StartServices(args, resolvePorts)
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}

	cmd.Flags().BoolVar(&resolvePorts, "resolve-ports", false, "auto-assign conflicting ports before starting")

	return cmd
}

func newStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "stop [service...]",
		Short: "Stop running services",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFor(globalFlags)
			if all {
				return client.StopAll()
			}
			if len(args) == 0 {
				return fmt.Errorf("service name required (or use --all)")
			}
			for _, id := range args {
				if err := client.StopService(id); err != nil {
					return fmt.Errorf("stop %s: %w", id, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "stop every running service")

	return cmd
}

func newStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service]",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			st, err := clientFor(globalFlags).Status(id)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func newLogsCommand(globalFlags *GlobalFlags) *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Show recent service output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := clientFor(globalFlags).Logs(args[0], lines)
			if err != nil {
				return err
			}
			for _, line := range out {
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&lines, "lines", 100, "maximum lines to fetch")

	return cmd
}

func newOrderCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "Print the computed startup order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ord, err := clientFor(globalFlags).Order()
			if err != nil {
				return err
			}
			return printJSON(ord)
		},
	}
}

func newGraphCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := clientFor(globalFlags).Graph()
			if err != nil {
				return err
			}
			return printJSON(g)
		},
	}
}

func newPortsCommand(globalFlags *GlobalFlags) *cobra.Command {
	var autoAssign bool

	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Show port conflicts",
		Long: `List services whose declared port collides with the host or another
service. With --auto-assign, move each conflicting service to a free port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFor(globalFlags)
			if autoAssign {
				moved, err := client.AutoAssignPorts(nil)
				if err != nil {
					return err
				}
				return printJSON(moved)
			}
			conflicts, err := client.PortConflicts()
			if err != nil {
				return err
			}
			return printJSON(conflicts)
		},
	}

	cmd.Flags().BoolVar(&autoAssign, "auto-assign", false, "resolve conflicts by moving services to free ports")

	return cmd
}

func newHealthCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health [service]",
		Short: "Show health probe records",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			recs, err := clientFor(globalFlags).Health(id)
			if err != nil {
				return err
			}
			return printJSON(recs)
		},
	}
}

func newRestartsCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restarts",
		Short: "Manage crash-restart state",
	}

	reset := &cobra.Command{
		Use:   "reset <service>",
		Short: "Zero a service's restart count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(globalFlags).ResetRestarts(args[0])
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <service>",
		Short: "Cancel a pending restart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(globalFlags).CancelRestart(args[0])
		},
	}

	cmd.AddCommand(reset, cancel)
	return cmd
}

func newEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := clientFor(globalFlags).Events(limit)
			if err != nil {
				return err
			}
			return printJSON(evs)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to fetch")

	return cmd
}
