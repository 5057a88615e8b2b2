package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aretw0/tilth"
	"github.com/aretw0/tilth/pkg/git"
)

var (
	gitless bool
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a file-based store",
	Long: `Initialize a file-based store in the given directory (default: current directory).
Unless --gitless is set this runs 'git init' and commits the ignore rules.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		if len(args) == 1 {
			dir = args[0]
		}
		if !gitless && !git.IsInstalled() {
			return fmt.Errorf("git is required for init, use --gitless for plain files")
		}

		eng, err := tilth.New(cmd.Context(), dir,
			tilth.WithAdapter(tilth.AdapterFS),
			tilth.WithAutoInit(true),
			tilth.WithVersioning(!gitless),
			tilth.WithDevSafety(false),
			tilth.WithLogger(slog.Default()),
		)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		defer eng.Close()

		fmt.Fprintln(cmd.OutOrStdout(), "Initialized empty tilth store in", dir)
		return nil
	},
}

var logLimit int

var logCmd = &cobra.Command{
	Use:   "log [dir]",
	Short: "Show the commits of a versioned store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		root, err := tilth.FindRoot(dir)
		if err != nil {
			return err
		}
		client := git.NewClient(root, slog.Default())
		if !client.IsRepo(cmd.Context()) {
			return fmt.Errorf("%s is not a versioned store", root)
		}
		lines, err := client.Log(cmd.Context(), logLimit)
		if err != nil {
			return fmt.Errorf("failed to read log: %w", err)
		}
		for _, l := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), l)
		}
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&gitless, "gitless", false, "Store plain files without git")
	logCmd.Flags().IntVarP(&logLimit, "number", "n", 10, "Number of commits to show")
	rootCmd.AddCommand(initCmd, logCmd)
}
