package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/locus/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "locus %s\n", version.Version)
			fmt.Fprintf(out, "  git sha:    %s\n", version.GitSHA)
			fmt.Fprintf(out, "  build time: %s\n", version.BuildTime)
		},
	}
}
