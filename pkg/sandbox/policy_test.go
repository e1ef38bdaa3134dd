package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckCommand_Allowed(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{name: "bare command", line: "pwd", want: []string{"pwd"}},
		{name: "with args", line: "git status --short", want: []string{"git", "status", "--short"}},
		{name: "quoted arg", line: `grep "two words" notes.md`, want: []string{"grep", "two words", "notes.md"}},
		{name: "single quotes", line: "echo 'two words'", want: []string{"echo", "two words"}},
		{name: "absolute program path", line: "/usr/bin/git log", want: []string{"/usr/bin/git", "log"}},
		{name: "extra whitespace", line: "  ls   -la  ", want: []string{"ls", "-la"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, err := CheckCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, argv)
		})
	}
}

func TestCheckCommand_Metacharacters(t *testing.T) {
	lines := []string{
		"ls; rm x",
		"cat foo | grep bar",
		"sleep 100 &",
		"echo $HOME",
		"echo `id`",
		"echo $(id)",
		"cat < input.txt",
		"echo hi > out.txt",
		"echo a\necho b",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			_, err := CheckCommand(line)
			assert.ErrorIs(t, err, ErrUnsafeCommand)
		})
	}
}

func TestCheckCommand_DeniedPatterns(t *testing.T) {
	lines := []string{
		"rm -rf /",
		"rm -fr build",
		"rm build -r",
		"sudo apt install x",
		"dd if=/dev/zero of=/dev/sda",
		"chmod 777 secrets",
		"cat /etc/passwd",
		"ls ~/.ssh",
		"cat .env",
		"su postgres",
		"shutdown now",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			_, err := CheckCommand(line)
			assert.ErrorIs(t, err, ErrCommandNotAllowed)
		})
	}
}

func TestCheckCommand_DenyDoesNotOverreach(t *testing.T) {
	// Near misses of the denied patterns still pass.
	lines := []string{
		"cp -r src backup",
		"tar -rf archive.tar notes.md",
		"git log --summary",
		"grep -r environment docs",
		"cat suite.txt",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			_, err := CheckCommand(line)
			assert.NoError(t, err)
		})
	}
}

func TestCheckCommand_NotAllowlisted(t *testing.T) {
	// rm stays off the allowlist even without force or recursive flags.
	for _, line := range []string{"vim notes.md", "bash script.sh", "nc -l 8080", "rm stale.log"} {
		t.Run(line, func(t *testing.T) {
			_, err := CheckCommand(line)
			assert.ErrorIs(t, err, ErrCommandNotAllowed)
		})
	}
}

func TestCheckCommand_Malformed(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := CheckCommand("   ")
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})

	t.Run("unterminated quote", func(t *testing.T) {
		_, err := CheckCommand(`echo "unclosed`)
		assert.ErrorIs(t, err, ErrUnsafeCommand)
	})
}

func TestAllowedCommands(t *testing.T) {
	names := AllowedCommands()

	assert.Contains(t, names, "git")
	assert.Contains(t, names, "ls")
	assert.NotContains(t, names, "bash")
	assert.NotContains(t, names, "rm")
}
