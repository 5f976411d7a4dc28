package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eachlabs/modflow/internal/config"
	"github.com/eachlabs/modflow/internal/module"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize modflow",
	Long: `Write a starter configuration and modules file.

Creates:
  ~/.modflow/config.toml     Configuration file
  ~/.modflow/modules.toml    Example modules
  ~/.modflow/logs/           Log directory

Existing files are left alone.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if err := config.EnsureDirs(); err != nil {
		return err
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = config.ConfigPath()
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := cfg.Save(cfgPath); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintf(out, "Created %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Exists: %s\n", cfgPath)
	}

	modPath := cfg.ModulesPath()
	if _, err := os.Stat(modPath); os.IsNotExist(err) {
		format, err := module.FormatFor(modPath)
		if err != nil {
			return err
		}
		sample := defaultModulesTOML
		if format == module.FormatYAML {
			mods, err := module.Parse([]byte(defaultModulesTOML), module.FormatTOML)
			if err != nil {
				return err
			}
			data, err := module.Encode(mods, module.FormatYAML)
			if err != nil {
				return err
			}
			sample = string(data)
		}
		if err := os.WriteFile(modPath, []byte(sample), 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", modPath, err)
		}
		fmt.Fprintf(out, "Created %s\n", modPath)
	} else {
		fmt.Fprintf(out, "Exists: %s\n", modPath)
	}

	fmt.Fprintln(out, "\nmodflow initialized!")
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Set your stream token or provider key:")
	fmt.Fprintln(out, "     export MODFLOW_API_TOKEN=...   or   export OPENAI_API_KEY=sk-...")
	fmt.Fprintln(out, "  2. Run the modules against a page:")
	fmt.Fprintln(out, "     modflow run --url https://go.dev/blog")

	return nil
}

const defaultModulesTOML = `# Modules are run in order. {scrapedContent} is replaced with the text of
# the page given to "modflow run --url".

[[module]]
id = "summary"
title = "Summary"
description = "A short summary of the page"
icon = "📝"
categories = ["reading"]
stream = true

  [[module.messages]]
  role = "user"
  content = """
Summarize the following page in five short lines, one idea per line:

{scrapedContent}"""

[[module]]
id = "questions"
title = "Questions"
description = "Questions a reader might ask next"
icon = "❓"
categories = ["reading", "study"]
stream = true

  [[module.messages]]
  role = "user"
  content = """
List three questions, one per line, that the following page leaves open:

{scrapedContent}"""

[[module]]
id = "source"
title = "Source"
description = "The extracted page text"
categories = ["debug"]

  [[module.messages]]
  role = "bot"
  content = "{scrapedContent}"
`
