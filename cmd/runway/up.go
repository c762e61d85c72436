package main

import (
	"context"
	"fmt"

	"runway"
	"runway/api"
	"runway/cmd/runway/cmdutil"
	"runway/cmd/runway/ui"
	"runway/internal/telemetry"

	"github.com/spf13/cobra"
)

func upCmd(hostFlag, contextFlag *string) *cobra.Command {
	var (
		restart string
		envVars []string
	)

	cmd := &cobra.Command{
		Use:   "up [path]",
		Short: "Build an app and launch it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := cmdutil.LoadAppArg(args)
			if err != nil {
				return err
			}
			env, err := parseEnvFlags(envVars)
			if err != nil {
				return err
			}

			client, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer client.Close()

			progress := ui.NewProgress()
			defer progress.Close()

			op, err := telemetry.EmitPlan(cmd.Context(), progress.Tracer("runway/cli"), "up "+app.Name, telemetry.Plan{
				Steps: []telemetry.PlannedStep{
					{ID: "build", Title: "Building environment"},
					{ID: "launch", Title: "Launching " + app.Entrypoint},
				},
			})
			if err != nil {
				return err
			}

			var (
				build runway.Build
				run   runway.Run
			)
			err = op.RunStep(op.Context(), "build", func(ctx context.Context) error {
				build, err = client.Build(ctx, app.Name, app.Root)
				return err
			})
			if err == nil {
				err = op.RunStep(op.Context(), "launch", func(ctx context.Context) error {
					run, err = client.Run(ctx, app.Name, api.RunRequest{
						AppRoot: app.Root,
						Restart: restart,
						Env:     env,
					})
					return err
				})
			}
			op.End(err)

			// Stop the live checklist before printing results.
			progress.Close()

			if err != nil {
				switch {
				case build.ID != "" && build.Phase == runway.BuildFailed:
					fmt.Println(ui.Muted("full log: runway logs " + app.Name + " --kind build --id " + build.ID))
				case run.ID != "":
					fmt.Println(ui.Muted("full log: runway logs " + app.Name + " --id " + run.ID))
				}
				return err
			}

			printRun(app.Name, run)
			return nil
		},
	}

	cmd.Flags().StringVar(&restart, "restart", "", "Restart policy: never, on-failure, or always")
	cmd.Flags().StringArrayVarP(&envVars, "env", "e", nil, "Extra environment variables (KEY=VALUE)")
	return cmd
}
