package main

import (
	"fmt"

	"runway/cmd/runway/cmdutil"
	"runway/cmd/runway/ui"

	"github.com/spf13/cobra"
)

func removeCmd(hostFlag, contextFlag *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "remove <app>",
		Aliases: []string{"rm"},
		Short:   "Remove an app and its environments",
		Long: `Remove an app from the daemon: stop its active run, delete its
build environments, and drop its records.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			if !yes {
				ok, err := ui.Confirm(fmt.Sprintf("Remove %s and all its environments?", name), "use --yes to skip")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println(ui.InfoMsg("Aborted."))
					return nil
				}
			}

			client, err := cmdutil.Connect(cmd.Context(), *hostFlag, *contextFlag)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Remove(cmd.Context(), name); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Removed %s.", name))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
