package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/tilth"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of tilth",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tilth version %s\n", strings.TrimSpace(tilth.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
