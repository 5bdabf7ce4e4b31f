package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "berth",
		Short: "Local service orchestration tool",
		Long: `Berth starts, supervises and restarts local development services,
resolving dependency order and port conflicts along the way.

Examples:
  berth serve --config=berth.toml          # Start the daemon
  berth start web api                      # Start services via the daemon
  berth status                             # Show all service statuses
  berth order                              # Print the computed startup order
  berth ports                              # List port conflicts`,
	}

	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "", "daemon URL (default http://localhost:8080/api)")

	root.AddCommand(
		newServeCommand(globalFlags),
		newStartCommand(globalFlags),
		newStopCommand(globalFlags),
		newStatusCommand(globalFlags),
		newLogsCommand(globalFlags),
		newOrderCommand(globalFlags),
		newGraphCommand(globalFlags),
		newPortsCommand(globalFlags),
		newHealthCommand(globalFlags),
		newRestartsCommand(globalFlags),
		newEventsCommand(globalFlags),
	)

	return root
}
