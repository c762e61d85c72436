package main

import (
	"fmt"

	"runway/internal/support/buildinfo"

	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runway version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Printf("runway %s (%s)\n", buildinfo.Version, buildinfo.Commit)
		},
	}
}
