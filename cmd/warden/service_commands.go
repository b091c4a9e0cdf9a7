package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/warden/internal/logger"
)

// createServiceCommand groups the commands that operate on the registries
// directly. They are safe to run next to a serving daemon.
func createServiceCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage registered services",
		Long: `Manage registered services. KIND is one of models, rags or byzer-sql
(model, retrieval and sql_engine are accepted too).`,
	}
	cmd.AddCommand(
		createServiceListCommand(c),
		createServiceAddCommand(c),
		createServiceDeleteCommand(c),
		createServiceActionCommand(c, "start", "Start a service and record its PID"),
		createServiceActionCommand(c, "stop", "Stop a service and every process it spawned"),
		createServiceStatusCommand(c),
		createServiceLogsCommand(c),
	)
	return cmd
}

func createServiceListCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "list KIND",
		Short: "List services of one kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceList(cmd.OutOrStdout(), args[0])
		},
	}
}

func createServiceAddCommand(c command) *cobra.Command {
	flags := &ServiceAddFlags{}
	cmd := &cobra.Command{
		Use:   "add KIND --file record.json",
		Short: "Register a service from a JSON record",
		Long: `Register a service from a JSON record.

Examples:
  warden service add models --file=qwen.json
  echo '{"name":"docs","retrieval":{"doc_dir":"/srv/docs","port":8001}}' | warden service add rags --file=-`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceAdd(cmd.OutOrStdout(), cmd.InOrStdin(), args[0], *flags)
		},
	}
	cmd.Flags().StringVar(&flags.File, "file", "", "JSON record file, - for stdin (required)")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}

func createServiceDeleteCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "delete KIND NAME",
		Short: "Remove a stopped service and its logs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceDelete(cmd.OutOrStdout(), args[0], args[1])
		},
	}
}

func createServiceActionCommand(c command, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " KIND NAME",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceAction(cmd.Context(), cmd.OutOrStdout(), action, args[0], args[1])
		},
	}
}

func createServiceStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status KIND NAME",
		Short: "Show the reconciled status of a service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceStatus(cmd.Context(), cmd.OutOrStdout(), args[0], args[1])
		},
	}
}

func createServiceLogsCommand(c command) *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs KIND NAME",
		Short: "Print a service's captured output",
		Long: `Print a service's captured output. A negative --offset prints the last
bytes of the stream; -1 prints nothing and is useful with --follow.

Examples:
  warden service logs models qwen --offset=-4096
  warden service logs byzer-sql sql1 --stream=err --offset=-1 --follow`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ServiceLogs(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Stream, "stream", logger.StreamOut, "out or err")
	cmd.Flags().Int64Var(&flags.Offset, "offset", 0, "byte offset; negative reads the tail")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "keep printing appended output")
	return cmd
}

func createEventsCommand(c command) *cobra.Command {
	flags := &EventsFlags{}
	cmd := &cobra.Command{
		Use:   "events REQUEST_ID",
		Short: "Print the event log of a chat request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Events(cmd.Context(), cmd.OutOrStdout(), args[0], *flags)
		},
	}
	cmd.Flags().IntVar(&flags.From, "from", 0, "first event index")
	cmd.Flags().BoolVarP(&flags.Follow, "follow", "f", false, "wait for new events until done")
	return cmd
}
