package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halim/nia/internal/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant engine in the foreground",
	Long: `Run the assistant engine in the foreground until interrupted.
Every configured channel comes up (Telegram polling, the WebSocket
gateway), reminders resume from their ledger, and background session
maintenance runs. Stop it with Ctrl-C.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	rt, err := runtime.New(cfg, log, runtime.Options{})
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return err
	}

	cmd.Printf("%s %s is up. Channels: %s\n",
		cfg.Persona.Name, runtime.Version, strings.Join(rt.Status().Channels, ", "))
	if cfg.Channels.Gateway.Enabled {
		cmd.Printf("Gateway: ws://%s:%d/ws\n", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	cmd.Println("Press Ctrl-C to stop.")

	rt.Wait()
	return nil
}
