package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"runway"
	"runway/api"
	"runway/cmd/runway/cmdutil"
	"runway/cmd/runway/ui"
	"runway/sdk"

	"github.com/spf13/cobra"
)

func runCmd(hostFlag, contextFlag *string) *cobra.Command {
	var (
		restart string
		envVars []string
	)

	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Launch an app's built environment",
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

			var (
				client *sdk.Client
				run    runway.Run
			)
			err = ui.RunWithSpinner(cmd.Context(), "Launching "+app.Name, func(ctx context.Context) error {
				client, err = cmdutil.Connect(ctx, *hostFlag, *contextFlag)
				if err != nil {
					return err
				}
				run, err = client.Run(ctx, app.Name, api.RunRequest{
					AppRoot: app.Root,
					Restart: restart,
					Env:     env,
				})
				return err
			})
			if client != nil {
				defer client.Close()
			}
			if err != nil {
				if run.ID != "" {
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

func printRun(app string, run runway.Run) {
	fmt.Println(ui.SuccessMsg("Run %s is %s.", ui.Bold(app), ui.PhaseBadge(run.Phase.String())))

	pairs := []ui.Pair{
		ui.KV("run", run.ID),
		ui.KV("build", run.BuildID),
		ui.KV("backend", string(run.Backend)),
	}
	if run.PID != 0 {
		pairs = append(pairs, ui.KV("pid", strconv.Itoa(run.PID)))
	}
	if run.ContainerID != "" {
		pairs = append(pairs, ui.KV("container", shortID(run.ContainerID)))
	}
	pairs = append(pairs,
		ui.KV("port", strconv.Itoa(run.Port)+" (declared)"),
		ui.KV("restart", string(run.Restart)),
	)
	if run.Error != "" {
		pairs = append(pairs, ui.KV("last error", run.Error))
	}
	fmt.Print(ui.KeyValues("  ", pairs...))
}

func parseEnvFlags(envVars []string) (map[string]string, error) {
	if len(envVars) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(envVars))
	for _, kv := range envVars {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		env[key] = value
	}
	return env, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
