package main

import (
	"fmt"
	"os"

	"runway/cmd/runway/contextcmd"
	"runway/cmd/runway/ui"
	"runway/internal/logging"
	"runway/internal/support/buildinfo"

	"github.com/spf13/cobra"
)

func main() {
	var (
		debug         bool
		noInteraction bool
		host          string
		contextName   string
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "runway",
		Short:         "Build and run Python apps in isolated environments",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.ConfigureInteraction(noInteraction)

			// Resolve hidden --host aliases: first one set wins.
			if host == "" {
				for _, alias := range []string{"connect", "server", "target"} {
					if v, _ := cmd.Flags().GetString(alias); v != "" {
						host = v
						break
					}
				}
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Disable prompts and live progress output")

	// Connection flags — available to all subcommands.
	root.PersistentFlags().StringVar(&host, "host", "", "Connect directly to socket path or user@host")
	root.PersistentFlags().StringVar(&contextName, "context", "", "Context name to use")

	// Hidden aliases for --host so any first guess hits.
	for _, alias := range []string{"connect", "server", "target"} {
		root.PersistentFlags().String(alias, "", "")
		_ = root.PersistentFlags().MarkHidden(alias)
	}

	root.AddCommand(initCmd())
	root.AddCommand(buildCmd(&host, &contextName))
	root.AddCommand(runCmd(&host, &contextName))
	root.AddCommand(upCmd(&host, &contextName))
	root.AddCommand(psCmd(&host, &contextName))
	root.AddCommand(statusCmd(&host, &contextName))
	root.AddCommand(logsCmd(&host, &contextName))
	root.AddCommand(stopCmd(&host, &contextName))
	root.AddCommand(removeCmd(&host, &contextName))
	root.AddCommand(doctorCmd(&host, &contextName))
	root.AddCommand(versionCmd())
	root.AddCommand(contextcmd.Cmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
