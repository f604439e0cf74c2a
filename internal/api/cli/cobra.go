// internal/api/cli/cobra.go
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openrle/openrle/internal/api/cli/commands"
	"github.com/openrle/openrle/internal/observability/logging"
	"github.com/openrle/openrle/pkg/config"
)

var (
	// global configuration file path
	cfgFile string
	// global configuration object
	cfg *config.Config
	// global logger
	logger logging.Logger
	// output directory override
	outputDir string
	// seed override
	seed int64
	// verbose mode
	verbose bool
)

// rootCmd is the root command
var rootCmd = &cobra.Command{
	Use:   "openrle",
	Short: "OpenRLE - staged reinforcement-learning training engine",
	Long: `OpenRLE trains actor-critic policies through a staged on-policy pipeline
with asynchronous rollout collection, crash-safe checkpointing, and a
validator that evaluates checkpoints as training produces them.

Subcommands:
  train  run the staged training pipeline
  valid  evaluate a single checkpoint
  test   sweep every checkpoint of a finished run`,
	Version: "1.0.0",
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build-time version metadata on the root command.
func SetVersionInfo(version, buildTime, gitCommit string) {
	rootCmd.Version = fmt.Sprintf("%s (built %s, commit %s)", version, buildTime, gitCommit)
}

func init() {
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if err := initLogger(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./openrle.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputDir, "output", "", "override the experiment output directory")
	rootCmd.PersistentFlags().Int64Var(&seed, "seed", 0, "override the experiment seed")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	addSubCommands()
}

func addSubCommands() {
	rootCmd.AddCommand(commands.TrainCommand(GetConfig, GetLogger))
	rootCmd.AddCommand(commands.ValidCommand(GetConfig, GetLogger))
	rootCmd.AddCommand(commands.TestCommand(GetConfig, GetLogger))
}

// initConfig loads and validates the configuration, applying flag overrides.
func initConfig() error {
	loader, err := config.NewLoader(config.LoaderOptions{
		ConfigFile:  cfgFile,
		ConfigPaths: []string{".", "./configs"},
	})
	if err != nil {
		return err
	}
	cfg, err = loader.Load()
	if err != nil {
		return err
	}

	if outputDir != "" {
		cfg.Experiment.OutputDir = outputDir
	}
	if rootCmd.PersistentFlags().Changed("seed") {
		s := seed
		cfg.Experiment.Seed = &s
	}
	return nil
}

// initLogger builds the process logger from config, with --verbose forcing
// debug level.
func initLogger() error {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}

	var err error
	logger, err = logging.NewZapLogger(logging.LogConfig{
		Level:    level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	return nil
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	return cfg
}

// GetLogger returns the process logger.
func GetLogger() logging.Logger {
	return logger
}

//Personal.AI order the ending
