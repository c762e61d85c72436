package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"runway/daemon"
	"runway/internal/logging"
	"runway/internal/support/buildinfo"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	// Flags bind straight onto the env-resolved config, so an explicit
	// flag overrides the environment.
	cfg := daemon.LoadConfig()
	var debug bool

	cmd := &cobra.Command{
		Use:     "runwayd",
		Short:   "Runway bootstrap daemon",
		Long:    "runwayd builds isolated Python environments and supervises app runs.\nClients talk to it over a unix socket through the runway CLI.",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				cfg.LogLevel = logging.LevelDebug
			}
			return logging.Configure(cfg.LogLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&cfg.Socket, "socket", cfg.Socket, "Unix socket path for the control API")
	cmd.Flags().StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "Directory for environments, logs, and state")
	cmd.Flags().StringVar(&cfg.OTLPEndpoint, "otlp-endpoint", cfg.OTLPEndpoint, "OTLP trace endpoint (empty disables export)")
	cmd.AddCommand(dialStdioCmd())
	return cmd
}
