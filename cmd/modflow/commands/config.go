package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/eachlabs/modflow/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
	Long: `Inspect modflow configuration.

Subcommands:
  get [key]   Show configuration value(s)
  path        Show config file path
  keys        List known keys`,
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configKeysCmd)
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show configuration",
	Long: `Show configuration values. Secrets are masked.

Examples:
  modflow config get
  modflow config get stream.endpoint
  modflow config get provider.openai.model`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		masked := maskedConfig(cfg)

		if len(args) == 0 {
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(masked)
			}
			return toml.NewEncoder(out).Encode(masked)
		}

		value, err := masked.Get(args[0])
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(out).Encode(value)
		}
		fmt.Fprintln(out, value)
		return nil
	},
}

// maskedConfig copies c with every token and key masked.
func maskedConfig(c *config.Config) *config.Config {
	m := *c
	m.Stream.APIToken = maskToken(c.Stream.APIToken)
	m.Provider = make(map[string]config.ProviderConfig, len(c.Provider))
	for name, p := range c.Provider {
		p.APIKey = maskToken(p.APIKey)
		m.Provider[name] = p
	}
	return &m
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show config file path",
	Run: func(cmd *cobra.Command, args []string) {
		path := cfgFile
		if path == "" {
			path = config.ConfigPath()
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(config.Keys(), "\n"))
		fmt.Fprintln(cmd.OutOrStdout(), "provider.<name>.{api_key,base_url,model,max_tokens}")
	},
}
