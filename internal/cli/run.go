package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halim/nia/internal/runtime"
	"github.com/halim/nia/pkg/channels"
	"github.com/halim/nia/pkg/fault"
)

var runChatID string

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Chat with the assistant from the terminal",
	Long: `Chat with the assistant over the cli channel. With a message
argument the reply prints and the command exits; without one an
interactive session starts. Long-lived channels like Telegram and the
gateway stay down here; they belong to 'nia serve'. History lands in the
same session either way, so one-shot questions and interactive chats
share context.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runChatID, "session", "local", "chat id under the cli channel")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Terminal sessions never own the long-lived channels; a concurrently
	// running serve does.
	cfg.Channels.Telegram.Enabled = false
	cfg.Channels.Gateway.Enabled = false

	log, err := buildLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	out := cmd.OutOrStdout()
	rt, err := runtime.New(cfg, log, runtime.Options{
		CLISink: func(msg channels.OutboundMessage) {
			fmt.Fprintf(out, "\n[%s] %s\n", cfg.Persona.Name, msg.Content)
		},
	})
	if err != nil {
		return err
	}
	if err := rt.Start(); err != nil {
		return err
	}
	defer func() {
		if rt.Status().Running {
			_ = rt.Stop()
		}
	}()

	ask := func(text string) error {
		reply, err := rt.Dispatch(cmd.Context(), channels.InboundMessage{
			Channel:  "cli",
			SenderID: "cli",
			ChatID:   runChatID,
			Content:  text,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, reply)
		return nil
	}

	if len(args) > 0 {
		return ask(strings.Join(args, " "))
	}

	fmt.Fprintf(out, "%s %s. Type /help for commands, /quit to leave.\n",
		cfg.Persona.Name, runtime.Version)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		if err := ask(line); err != nil {
			fmt.Fprintf(out, "error: %s\n", fault.UserMessage(err))
		}
	}
	return scanner.Err()
}
