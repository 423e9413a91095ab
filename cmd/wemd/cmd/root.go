// Package cmd implements the wemd command-line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/we-ensemble/pkg/config"
	apperrors "github.com/we-ensemble/pkg/errors"
	"github.com/we-ensemble/pkg/utils"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger utils.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wemd",
	Short: "A weighted-ensemble molecular-simulation driver",
	Long: `wemd drives weighted-ensemble simulations: it evolves a population of
trajectory segments iteration by iteration, records their progress
coordinates and lineage into a persistent archive, and farms per-segment
propagation out to remote workers over an announcement channel and a
request/reply task channel.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := utils.LevelInfo
		if verbose {
			logLevel = utils.LevelDebug
		}
		logger = utils.NewDefaultLogger(logLevel, os.Stderr)
	},
}

// Execute runs the CLI and returns the process exit code: 0 clean,
// 2 interrupted, 4 internal error.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	if logger != nil {
		logger.Error("%v", err)
	}
	return apperrors.ExitCode(err)
}

// GetLogger returns the logger configured by the root command.
func GetLogger() utils.Logger {
	if logger == nil {
		logger = utils.NewDefaultLogger(utils.LevelInfo, os.Stderr)
	}
	return logger
}

// loadConfig loads the runtime configuration named by --rcfile.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigError, "load runtime config", err)
	}
	if cfg.Log.Level != "" && !verbose {
		if dl, ok := logger.(*utils.DefaultLogger); ok {
			dl.SetLevel(utils.ParseLogLevel(cfg.Log.Level))
		}
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "rcfile", "r", "",
		"Runtime config file (default: ./"+config.DefaultConfigFile+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}
