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

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func psCmd(hostFlag, contextFlag *string) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List runs",
		Long:  "List active runs across all apps. Use --all to include stopped and failed runs.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				client *sdk.Client
				runs   []runway.Run
			)
			err := ui.RunWithSpinner(cmd.Context(), "Listing runs", func(ctx context.Context) error {
				var err error
				client, err = cmdutil.Connect(ctx, *hostFlag, *contextFlag)
				if err != nil {
					return err
				}
				runs, err = client.Runs(ctx, "")
				return err
			})
			if client != nil {
				defer client.Close()
			}
			if err != nil {
				return err
			}

			if !all {
				active := runs[:0]
				for _, r := range runs {
					if r.Phase.Active() {
						active = append(active, r)
					}
				}
				runs = active
			}
			if len(runs) == 0 {
				if all {
					fmt.Println(ui.InfoMsg("No runs recorded."))
				} else {
					fmt.Println(ui.InfoMsg("No active runs. Use --all to include finished ones."))
				}
				return nil
			}

			headers := []string{"APP", "RUN", "PHASE", "STATUS", "PID", "PORT", "RESTARTS"}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				pid := "-"
				if r.PID > 0 {
					pid = strconv.Itoa(r.PID)
				}
				rows = append(rows, []string{
					r.App,
					shortID(r.ID),
					ui.PhaseBadge(r.Phase.String()),
					runStatus(r),
					pid,
					strconv.Itoa(r.Port),
					strconv.Itoa(r.Restarts),
				})
			}

			selected, err := ui.InteractiveTable(headers, rows)
			if err != nil {
				return err
			}
			if selected >= 0 && selected < len(runs) {
				fmt.Println()
				printRun(runs[selected].App, runs[selected])
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include stopped and failed runs")
	return cmd
}

// runStatus renders a run's state the way docker ps does, so the column
// reads as "Up 2 hours" or "Exited (1) 3 minutes ago".
func runStatus(r runway.Run) string {
	switch r.Phase {
	case runway.RunStarting:
		return "Starting"
	case runway.RunRunning:
		if r.StartedAt.IsZero() {
			return "Up"
		}
		return "Up " + units.HumanDuration(time.Since(r.StartedAt))
	case runway.RunRestarting:
		return fmt.Sprintf("Restarting (%d)", r.Restarts)
	case runway.RunStopped, runway.RunFailed:
		if r.FinishedAt.IsZero() {
			return fmt.Sprintf("Exited (%d)", r.ExitCode)
		}
		return fmt.Sprintf("Exited (%d) %s ago", r.ExitCode, units.HumanDuration(time.Since(r.FinishedAt)))
	default:
		return r.Phase.String()
	}
}
