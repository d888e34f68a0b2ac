// Package commands implements the mariner CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mariner-sh/mariner/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// exitCode carries the convergence outcome out of cobra's error path.
	exitCode int
)

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) (int, error) {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	return exitCode, err
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mariner",
		Short: "Mariner - declarative host convergence",
		Long: `Mariner converges a host toward the state declared in a recipe.

Recipes declare typed resources (files, packages, services, ...) that are
applied in order, each at most once per run. Resources that change host
state can notify other resources, immediately or at the end of the run.
Applies are idempotent: a second run over a converged host changes nothing.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadSettings merges the optional settings file over the defaults and
// applies global flag overrides.
func loadSettings() (*telemetry.Config, error) {
	cfg := telemetry.DefaultConfig()
	if configPath != "" {
		loaded, err := telemetry.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	return cfg, nil
}

func newLogger(cfg *telemetry.Config) (*telemetry.Logger, error) {
	log, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return log, nil
}
