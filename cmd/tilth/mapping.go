package main

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/tilth/pkg/mapping"
	"github.com/aretw0/tilth/pkg/uow"
)

var (
	mappingPattern string
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Inspect mapping files",
}

var validateCmd = &cobra.Command{
	Use:   "validate <dir>",
	Short: "Compile and validate the mapping files of a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metas, err := loadMappings(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d types OK\n", len(metas))
		return nil
	},
}

var orderCmd = &cobra.Command{
	Use:   "order <dir>",
	Short: "Print the order in which types are inserted on commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metas, err := loadMappings(args[0])
		if err != nil {
			return err
		}
		reg := mapping.NewRegistry()
		if err := reg.Replace(metas); err != nil {
			return err
		}

		var persistable []*mapping.ClassMetadata
		for _, m := range reg.Types() {
			if m.Persistable() {
				persistable = append(persistable, m)
			}
		}
		ordered, broken := uow.CommitOrder(reg, persistable)

		out := cmd.OutOrStdout()
		for i, m := range ordered {
			fmt.Fprintf(out, "%d. %s\n", i+1, m.Name)
		}
		for _, e := range broken {
			note := ""
			if e.Required {
				note = " (required)"
			}
			fmt.Fprintf(out, "cycle broken at %s%s\n", e, note)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <dir> [type...]",
	Short: "Print the compiled mapping of some or all types",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metas, err := loadMappings(args[0])
		if err != nil {
			return err
		}

		wanted := make(map[string]bool)
		for _, name := range args[1:] {
			wanted[name] = true
		}
		out := mapping.File{Types: make(map[string]mapping.ClassSpec)}
		for _, m := range metas {
			if len(wanted) == 0 || wanted[m.Name] {
				out.Types[m.Name] = mapping.SpecOf(m)
				delete(wanted, m.Name)
			}
		}
		if len(wanted) > 0 {
			missing := make([]string, 0, len(wanted))
			for name := range wanted {
				missing = append(missing, name)
			}
			sort.Strings(missing)
			return fmt.Errorf("unknown types: %s", strings.Join(missing, ", "))
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(out)
	},
}

// loadMappings compiles the files below dir without binding Go types.
func loadMappings(dir string) ([]*mapping.ClassMetadata, error) {
	loader := &mapping.Loader{Logger: slog.Default()}
	metas, err := loader.LoadFiles(dir, mappingPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings from %s: %w", dir, err)
	}
	return metas, nil
}

func init() {
	mappingCmd.PersistentFlags().StringVar(&mappingPattern, "pattern", mapping.DefaultPattern, "Glob of mapping files below the directory")
	mappingCmd.AddCommand(validateCmd, orderCmd, showCmd)
	rootCmd.AddCommand(mappingCmd)
}
