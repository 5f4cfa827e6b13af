// Package commands implements the jarvisd CLI.
package commands

import (
	"os"

	"github.com/jarvis-dash/jarvis-core/internal/config"
	"github.com/jarvis-dash/jarvis-core/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	logLevel     string
	servicesFile string
)

var rootCmd = &cobra.Command{
	Use:   "jarvisd",
	Short: "JARVIS boot core",
	Long: `jarvisd runs the JARVIS boot core headless: the secure key store, the
service lifecycle manager, the health aggregator and the startup orchestrator.

Configuration is read from JARVIS_* environment variables and an optional .env
file in the working directory.

Use "jarvisd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides JARVIS_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&servicesFile, "services", "", "services manifest path or URL (overrides JARVIS_SERVICES_FILE)")

	rootCmd.AddCommand(bootCmd)
	rootCmd.AddCommand(secretsCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig reads the environment and applies the global flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if servicesFile != "" {
		cfg.ServicesFile = servicesFile
	}
	return cfg, nil
}

// cliLogger writes human-readable lines to stderr; stdout carries command output.
func cliLogger(cfg config.Config) zerolog.Logger {
	return logging.NewConsole(os.Stderr, cfg.LogLevel)
}
