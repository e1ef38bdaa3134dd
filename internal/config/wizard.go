package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard walks a user through first-time setup on a terminal. It builds a
// Config but does not save it; the caller owns persistence.
type Wizard struct {
	reader    *bufio.Reader
	out       io.Writer
	validator *Validator
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader:    bufio.NewReader(in),
		out:       out,
		validator: NewValidator(),
	}
}

// Run prompts for credentials, channels, and the basics, and returns the
// assembled config. At least one provider key is required; everything else
// keeps its default when the answer is empty.
func (w *Wizard) Run() (*Config, error) {
	cfg := DefaultConfig()

	fmt.Fprintln(w.out, "=== Nia Setup ===")
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Provider credentials (at least one is required):")
	fmt.Fprintln(w.out)

	priority := 1
	for _, provider := range []struct{ id, label string }{
		{"anthropic", "Anthropic"},
		{"openai", "OpenAI"},
		{"gemini", "Gemini"},
	} {
		key, err := w.promptAPIKey(provider.id, provider.label)
		if err != nil {
			return nil, err
		}
		if key == "" {
			continue
		}
		cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
			ID:       provider.id,
			Provider: provider.id,
			APIKey:   key,
			Priority: priority,
		})
		priority++
	}
	if len(cfg.AI.Profiles) == 0 {
		return nil, fmt.Errorf("at least one provider API key is required")
	}

	fmt.Fprintln(w.out)
	name, err := w.prompt("Assistant name [Nia]: ")
	if err != nil {
		return nil, err
	}
	if name != "" {
		cfg.Persona.Name = name
	}

	fmt.Fprintln(w.out)
	if err := w.promptTelegram(cfg); err != nil {
		return nil, err
	}

	fmt.Fprintln(w.out)
	model, err := w.prompt(fmt.Sprintf("Default model [%s]: ", cfg.Models.Default))
	if err != nil {
		return nil, err
	}
	if model != "" {
		if err := w.validator.ValidateModel(model); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Models.Default)
		} else {
			cfg.Models.Default = model
		}
	}

	fmt.Fprintln(w.out)
	memory, err := w.prompt("Enable long-term memory? (y/n) [y]: ")
	if err != nil {
		return nil, err
	}
	cfg.Memory.Enabled = memory == "" || strings.EqualFold(memory, "y")

	fmt.Fprintln(w.out)
	level, err := w.prompt("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := w.validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping info\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Setup complete.")
	return cfg, nil
}

func (w *Wizard) promptAPIKey(provider, label string) (string, error) {
	for {
		key, err := w.prompt(fmt.Sprintf("%s API key (press Enter to skip): ", label))
		if err != nil {
			return "", err
		}
		if key == "" {
			return "", nil
		}
		if err := w.validator.ValidateAPIKey(key, provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return key, nil
	}
}

func (w *Wizard) promptTelegram(cfg *Config) error {
	enable, err := w.prompt("Enable Telegram? (y/n) [n]: ")
	if err != nil {
		return err
	}
	if !strings.EqualFold(enable, "y") {
		cfg.Channels.Telegram.Enabled = false
		return nil
	}
	cfg.Channels.Telegram.Enabled = true

	for {
		token, err := w.prompt("Telegram bot token: ")
		if err != nil {
			return err
		}
		if err := w.validator.ValidateTelegramToken(token); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Telegram.BotToken = token
		break
	}

	fmt.Fprintln(w.out, "DM policy: allowlist (only listed ids), open (anyone), disabled (no DMs)")
	policy, err := w.prompt("DM policy [allowlist]: ")
	if err != nil {
		return err
	}
	if policy == "" {
		policy = "allowlist"
	}
	if err := w.validator.ValidateDMPolicy(policy); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, using allowlist\n", err)
		policy = "allowlist"
	}
	cfg.Telegram.DMPolicy = policy

	if policy == "allowlist" {
		ids, err := w.prompt("Allowed Telegram user ids (comma separated, Enter to add later): ")
		if err != nil {
			return err
		}
		allowlist, bad := parseAllowlist(ids)
		if len(bad) > 0 {
			fmt.Fprintf(w.out, "Warning: skipped invalid ids: %s\n", strings.Join(bad, ", "))
		}
		cfg.Telegram.Allowlist = allowlist
	}
	return nil
}

func (w *Wizard) prompt(label string) (string, error) {
	fmt.Fprint(w.out, label)
	line, err := w.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// parseAllowlist splits a comma-separated id list, returning the valid ids
// and the rejects.
func parseAllowlist(input string) ([]int64, []string) {
	var ids []int64
	var bad []string
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			bad = append(bad, part)
			continue
		}
		ids = append(ids, id)
	}
	return ids, bad
}
