package main

import (
	"os/signal"
	"syscall"

	"runway/daemon"

	"github.com/spf13/cobra"
)

// daemonCmd runs runwayd in-process. Hidden: packaged installs run the
// runwayd binary under systemd, this exists for development setups.
func daemonCmd() *cobra.Command {
	cfg := daemon.LoadConfig()

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the runway daemon in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Socket, "socket", cfg.Socket, "Unix socket path for the control API")
	cmd.Flags().StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "Directory for environments, logs, and state")
	return cmd
}
