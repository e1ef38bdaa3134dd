package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halim/nia/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run the interactive setup wizard",
	Long: `Run the interactive setup wizard. It asks for provider API keys,
the assistant name, Telegram access, and the basics, then writes the
config file. Existing settings not covered by the wizard keep their
defaults.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	wizard := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout())
	cfg, err := wizard.Run()
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("\nConfiguration saved to: %s\n", loader.GetConfigPath())
	cmd.Println("Start chatting with: nia run")
	return nil
}
