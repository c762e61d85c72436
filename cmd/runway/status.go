package main

import (
	"context"
	"fmt"
	"strconv"

	"runway/api"
	"runway/cmd/runway/cmdutil"
	"runway/cmd/runway/ui"
	"runway/sdk"

	"github.com/spf13/cobra"
)

func statusCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and app status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				client *sdk.Client
				status api.StatusResponse
			)
			err := ui.RunWithSpinner(cmd.Context(), "Connecting", func(ctx context.Context) error {
				var err error
				client, err = cmdutil.Connect(ctx, *hostFlag, *contextFlag)
				if err != nil {
					return err
				}
				status, err = client.Status(ctx)
				return err
			})
			if client != nil {
				defer client.Close()
			}
			if err != nil {
				return err
			}

			fmt.Println(ui.SuccessMsg("Daemon is up."))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("version", status.Version),
				ui.KV("data root", status.DataRoot),
				ui.KV("socket", status.Socket),
				ui.KV("apps", strconv.Itoa(len(status.Apps))),
			))

			if len(status.Apps) == 0 {
				return nil
			}

			fmt.Println()
			headers := []string{"APP", "BUILD", "RUN", "PORT"}
			rows := make([][]string, 0, len(status.Apps))
			for _, app := range status.Apps {
				rows = append(rows, []string{
					app.App,
					buildCell(app),
					runCell(app),
					portCell(app),
				})
			}
			fmt.Println(ui.Table(headers, rows))
			return nil
		},
	}
}

func buildCell(app api.AppStatus) string {
	if app.Build == nil {
		return "-"
	}
	return shortID(app.Build.ID) + " " + ui.PhaseBadge(app.Build.Phase.String())
}

func runCell(app api.AppStatus) string {
	if app.Run == nil {
		return "-"
	}
	return shortID(app.Run.ID) + " " + ui.PhaseBadge(app.Run.Phase.String())
}

func portCell(app api.AppStatus) string {
	switch {
	case app.Run != nil:
		return strconv.Itoa(app.Run.Port)
	case app.Build != nil:
		return strconv.Itoa(app.Build.Port)
	default:
		return "-"
	}
}
