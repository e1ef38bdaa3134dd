package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halim/nia/internal/config"
	"github.com/halim/nia/internal/logger"
	"github.com/halim/nia/internal/runtime"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nia",
	Short: "Nia - a personal AI assistant",
	Long: `Nia is a personal AI assistant that runs on your own machine.
It keeps long-lived conversations in persistent sessions, runs tools on
your behalf, remembers things across restarts, and reaches you through
the terminal, Telegram, or the local WebSocket gateway.`,
	Version: runtime.Version,
}

// Execute runs the CLI. It is called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nia/nia.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the CLI version
func GetVersion() string {
	return runtime.Version
}

// loadConfig loads the config honoring the global flags. A missing file is
// first-run territory and yields defaults, so commands that need
// credentials surface that through Validate rather than a read error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// buildLogger assembles the process logger. Foreground commands get pretty
// console output on top of the file sink; background-ish ones keep the
// terminal clean and log to the file only.
func buildLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    console,
		Redaction: cfg.Logging.Redaction,
		MaxSizeMB: cfg.Logging.MaxSize,
		MaxAgeDay: cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
}
