package main

import (
	"fmt"
	"os"

	"runway/cmd/runway/cmdutil"

	"github.com/spf13/cobra"
)

func logsCmd(hostFlag, contextFlag *string) *cobra.Command {
	var (
		kind string
		id   string
		tail int
	)

	cmd := &cobra.Command{
		Use:   "logs <app>",
		Short: "Print captured build or run output",
		Long: `Print the captured output of an app's run or build.

Without --id the latest record of the requested kind is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != "run" && kind != "build" {
				return fmt.Errorf("invalid --kind %q, want run or build", kind)
			}
			client, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer client.Close()

			data, err := client.Logs(cmd.Context(), args[0], kind, id, tail)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "run", "Log kind: run or build")
	cmd.Flags().StringVar(&id, "id", "", "Specific build or run ID (defaults to the latest)")
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "Only print the last N lines")
	return cmd
}
