package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"runway"
	"runway/cmd/runway/cmdutil"
	"runway/cmd/runway/ui"
	"runway/sdk"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func buildCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build [path]",
		Short: "Build an isolated environment for an app",
		Long: "Provisions an isolated Python environment, installs every dependency from\n" +
			"the requirements manifest, and promotes the result. A failed install leaves\n" +
			"no environment behind.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.LoadAppArg(args)
			if err != nil {
				return err
			}

			var (
				client *sdk.Client
				build  runway.Build
			)
			err = ui.RunWithSpinner(cmd.Context(), "Building "+app.Name, func(ctx context.Context) error {
				client, err = cmdutil.Connect(ctx, *hostFlag, *contextFlag)
				if err != nil {
					return err
				}
				build, err = client.Build(ctx, app.Name, app.Root)
				return err
			})
			if client != nil {
				defer client.Close()
			}
			if err != nil {
				if build.ID != "" {
					fmt.Println(ui.Muted("full log: runway logs " + app.Name + " --kind build --id " + build.ID))
				}
				return err
			}

			fmt.Println(ui.SuccessMsg("Built %s.", ui.Bold(app.Name)))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("build", build.ID),
				ui.KV("backend", string(build.Backend)),
				ui.KV("python", build.Python),
				ui.KV("requirements", strconv.Itoa(build.Requirements)),
				ui.KV("port", strconv.Itoa(build.Port)),
				ui.KV("took", buildDuration(build)),
			))
			return nil
		},
	}
}

func buildDuration(b runway.Build) string {
	if b.FinishedAt.IsZero() || b.FinishedAt.Before(b.CreatedAt) {
		return "unknown"
	}
	d := b.FinishedAt.Sub(b.CreatedAt)
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return units.HumanDuration(d)
}
