package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/nia/internal/config"
)

func TestConfigureCommand(t *testing.T) {
	t.Run("should write the wizard result to the config file", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "nia.json")

		answers := strings.Join([]string{
			"sk-ant-test123", // anthropic key
			"",               // skip openai
			"",               // skip gemini
			"",               // persona default
			"n",              // no telegram
			"",               // model default
			"",               // memory default
			"",               // log level default
		}, "\n") + "\n"

		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--config", cfgPath, "configure"})
		cmd.SetIn(strings.NewReader(answers))

		output := &bytes.Buffer{}
		cmd.SetOut(output)
		cmd.SetErr(output)

		require.NoError(t, cmd.Execute())
		assert.Contains(t, output.String(), "Configuration saved to: "+cfgPath)

		_, err := os.Stat(cfgPath)
		require.NoError(t, err)

		saved, err := config.NewLoader(cfgPath).Load()
		require.NoError(t, err)
		require.Len(t, saved.AI.Profiles, 1)
		assert.Equal(t, "anthropic", saved.AI.Profiles[0].Provider)
		assert.Equal(t, "sk-ant-test123", saved.AI.Profiles[0].APIKey)
		assert.False(t, saved.Channels.Telegram.Enabled)
	})

	t.Run("should surface a failed wizard", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "nia.json")

		cmd := GetRootCmd()
		cmd.SetArgs([]string{"--config", cfgPath, "configure"})
		cmd.SetIn(strings.NewReader("\n\n\n"))

		output := &bytes.Buffer{}
		cmd.SetOut(output)
		cmd.SetErr(output)

		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "setup failed")

		_, statErr := os.Stat(cfgPath)
		assert.True(t, os.IsNotExist(statErr), "no config should be written on failure")
	})
}
