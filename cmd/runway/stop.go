package main

import (
	"context"
	"fmt"
	"strconv"

	"runway"
	"runway/cmd/runway/cmdutil"
	"runway/cmd/runway/ui"
	"runway/sdk"

	"github.com/spf13/cobra"
)

func stopCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <app>",
		Short: "Stop an app's active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			var (
				client *sdk.Client
				run    runway.Run
			)
			err := ui.RunWithSpinner(cmd.Context(), "Stopping "+name, func(ctx context.Context) error {
				var err error
				client, err = cmdutil.Connect(ctx, *hostFlag, *contextFlag)
				if err != nil {
					return err
				}
				run, err = client.Stop(ctx, name)
				return err
			})
			if client != nil {
				defer client.Close()
			}
			if err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Stopped %s.", name))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("run", run.ID),
				ui.KV("exit code", strconv.Itoa(run.ExitCode)),
				ui.KV("restarts", strconv.Itoa(run.Restarts)),
			))
			return nil
		},
	}
}
