package main

import (
	"context"
	"errors"
	"fmt"

	"runway/api"
	"runway/cmd/runway/cmdutil"
	"runway/cmd/runway/ui"
	"runway/sdk"

	"github.com/spf13/cobra"
)

func doctorCmd(hostFlag, contextFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the daemon host for bootstrap problems",
		Long: `Run host diagnostics: Python availability, venv support, the pip
cache, data root permissions, and the Docker daemon when configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				client *sdk.Client
				report api.DoctorResponse
			)
			err := ui.RunWithSpinner(cmd.Context(), "Running diagnostics", func(ctx context.Context) error {
				var err error
				client, err = cmdutil.Connect(ctx, *hostFlag, *contextFlag)
				if err != nil {
					return err
				}
				report, err = client.Doctor(ctx)
				return err
			})
			if client != nil {
				defer client.Close()
			}
			if err != nil {
				return err
			}

			for _, res := range report.Results {
				printDoctorResult(res)
			}
			fmt.Println()
			if !report.Healthy {
				return errors.New("doctor found problems")
			}
			fmt.Println(ui.SuccessMsg("Host looks ready."))
			return nil
		},
	}
}

func printDoctorResult(res api.DoctorResult) {
	line := res.Check
	if res.Detail != "" {
		line += ": " + res.Detail
	}
	switch res.Status {
	case "pass":
		fmt.Println(ui.SuccessMsg("%s", line))
	case "warn":
		fmt.Println(ui.WarnMsg("%s", line))
	case "fail":
		fmt.Println(ui.ErrorMsg("%s", line))
	default:
		fmt.Println(ui.Muted("- " + line))
	}
	if res.Fix != "" && res.Status != "pass" {
		fmt.Println(ui.Muted("  fix: " + res.Fix))
	}
}
