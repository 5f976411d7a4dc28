package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eachlabs/modflow/internal/module"
	"github.com/eachlabs/modflow/internal/pipeline"
	"github.com/eachlabs/modflow/internal/tui"
)

var (
	modulesPath     string
	modulesCategory string
	modulesFormat   string
)

var modulesCmd = &cobra.Command{
	Use:     "modules",
	Aliases: []string{"module", "mod"},
	Short:   "Inspect module definitions",
	Long: `Inspect module definitions.

Subcommands:
  list          List modules
  show <id>     Show one module`,
}

func init() {
	modulesCmd.PersistentFlags().StringVarP(&modulesPath, "modules", "m", "", "modules file or directory (default: pipeline.modules_file)")

	modulesListCmd.Flags().StringVarP(&modulesCategory, "category", "c", "", "only modules in this category")
	modulesShowCmd.Flags().StringVarP(&modulesFormat, "output", "o", "", "print the definition as toml or yaml")

	modulesCmd.AddCommand(modulesListCmd)
	modulesCmd.AddCommand(modulesShowCmd)
}

func loadModules() ([]module.Module, error) {
	path := modulesPath
	if path == "" {
		path = cfg.ModulesPath()
	}
	return module.Load(path)
}

var modulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		mods, err := loadModules()
		if err != nil {
			return err
		}
		if modulesCategory != "" {
			var filtered []module.Module
			for _, m := range mods {
				if m.HasCategory(modulesCategory) {
					filtered = append(filtered, m)
				}
			}
			mods = filtered
		}

		out := cmd.OutOrStdout()
		if jsonOut {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(mods)
		}

		if len(mods) == 0 {
			fmt.Fprintln(out, "No modules.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTREAM\tMESSAGES\tCATEGORIES")
		for _, m := range mods {
			fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", m.ID, m.Title, m.Streaming, m.Messages.Len(), strings.Join(m.Categories, ","))
		}
		return w.Flush()
	},
}

var modulesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mods, err := loadModules()
		if err != nil {
			return err
		}

		var found *module.Module
		for i := range mods {
			if mods[i].ID == args[0] {
				found = &mods[i]
				break
			}
		}
		if found == nil {
			return fmt.Errorf("module not found: %s", args[0])
		}

		out := cmd.OutOrStdout()
		switch {
		case jsonOut:
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(found)
		case modulesFormat != "":
			data, err := module.Encode([]module.Module{*found}, module.Format(modulesFormat))
			if err != nil {
				return err
			}
			_, err = out.Write(data)
			return err
		}

		status := pipeline.StatusSettled
		if found.Streaming {
			status = pipeline.StatusPending
		}
		fmt.Fprintln(out, tui.NewRenderer(false, 0).Module(pipeline.ModuleState{Module: *found, Status: status}))
		return nil
	},
}
