package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eachlabs/modflow/internal/config"
	"github.com/eachlabs/modflow/internal/logging"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool

	cfg    *config.Config
	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "modflow",
	Short: "modflow - run prompt modules against a web page",
	Long: `modflow fills prompt modules with the text of a web page and streams
the answers into each module's transcript.

Commands:
  modflow run                Run every module in the modules file
  modflow modules list       List module definitions
  modflow modules show <id>  Show one module
  modflow config             Inspect configuration
  modflow init               Write a starter config and modules file`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		path := cfgFile
		if path == "" {
			path = config.ConfigPath()
		}
		cfg, err = config.LoadFile(path)
		if err != nil {
			return err
		}

		// The live view owns the terminal.
		lc := cfg.Logging
		if lc.File == "" && cmd == runCmd && !runSimple && !jsonOut {
			lc.File = filepath.Join(config.LogsDir(), "modflow.log")
		}
		logger, err = logging.New(lc, verbose)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.modflow/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modulesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}

func Execute(ver string) error {
	version = ver
	return rootCmd.Execute()
}

var version string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "modflow %s\n", version)
	},
}

func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) < 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
