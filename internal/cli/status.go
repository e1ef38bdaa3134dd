package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/halim/nia/internal/config"
	"github.com/halim/nia/internal/runtime"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long: `Show the configured setup and, when the gateway is enabled, probe
it to tell whether an engine is currently running.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	cmd.Printf("Version: %s\n", runtime.Version)
	cmd.Printf("Config: %s\n", config.NewLoader(cfgFile).GetConfigPath())
	cmd.Printf("Data dir: %s\n", cfg.DataDir)
	cmd.Printf("Model: %s\n", defaultModel(cfg))
	cmd.Printf("Channels: %s\n", enabledChannels(cfg))

	if !cfg.Channels.Gateway.Enabled {
		cmd.Println("Engine: unknown (enable the gateway to probe a running instance)")
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthzURL(cfg))
	if err != nil {
		cmd.Println("Engine: stopped")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		cmd.Println("Engine: running")
	} else {
		cmd.Printf("Engine: unhealthy (%s)\n", resp.Status)
	}
	return nil
}

func healthzURL(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d/healthz", cfg.Gateway.Host, cfg.Gateway.Port)
}

func defaultModel(cfg *config.Config) string {
	model := cfg.Models.Default
	if alias, ok := cfg.Models.Aliases[model]; ok {
		model = alias
	}
	return model
}

func enabledChannels(cfg *config.Config) string {
	out := ""
	add := func(name string, enabled bool) {
		if !enabled {
			return
		}
		if out != "" {
			out += ", "
		}
		out += name
	}
	add("cli", cfg.Channels.CLI.Enabled)
	add("telegram", cfg.Channels.Telegram.Enabled)
	add("gateway", cfg.Channels.Gateway.Enabled)
	if out == "" {
		return "none"
	}
	return out
}
