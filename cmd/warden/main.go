package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	wardenCommand := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(wardenCommand),
		createServiceCommand(wardenCommand),
		createEventsCommand(wardenCommand),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Supervisor for model, retrieval and SQL engine services",
		Long: `Warden starts, stops and tracks local model deployments, retrieval
services and SQL engines, and relays chat completions into replayable
event logs.

Examples:
  warden serve --config=warden.toml
  warden service list models
  warden service start rags my-docs
  warden events 6f1d3a2e-3b1c-4c55-9d0e-8f8f9a1b2c3d --follow`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createServeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API until interrupted. Services started through it keep
running after the daemon exits.

Examples:
  warden serve                     # defaults and WARDEN_* environment
  warden serve warden.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return c.Serve(cmd.Context(), path)
		},
	}
}
