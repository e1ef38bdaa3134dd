package sandbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningHost(t *testing.T, cfg Config) *HostSandbox {
	t.Helper()

	sb, err := NewHostSandbox(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sb.Start(ctx))
	t.Cleanup(func() { _ = sb.Stop(ctx) })

	return sb
}

func TestNewHostSandbox(t *testing.T) {
	cfg := DefaultConfig()
	sb, err := NewHostSandbox(cfg, zerolog.Nop())

	require.NoError(t, err)
	assert.NotNil(t, sb)
	assert.False(t, sb.IsRunning())
	assert.Equal(t, cfg, sb.GetConfig())
}

func TestNewHostSandbox_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResourceLimits.MaxCPU = 500

	sb, err := NewHostSandbox(cfg, zerolog.Nop())

	assert.Nil(t, sb)
	assert.ErrorIs(t, err, ErrInvalidCPULimit)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestHostSandbox_StartStop(t *testing.T) {
	sb, err := NewHostSandbox(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, sb.Start(ctx))
	assert.True(t, sb.IsRunning())

	assert.ErrorIs(t, sb.Start(ctx), ErrSandboxAlreadyRunning)

	require.NoError(t, sb.Stop(ctx))
	assert.False(t, sb.IsRunning())

	assert.ErrorIs(t, sb.Stop(ctx), ErrSandboxNotRunning)
}

func TestHostSandbox_Execute(t *testing.T) {
	sb := newRunningHost(t, DefaultConfig())
	ctx := context.Background()

	t.Run("simple command", func(t *testing.T) {
		result, err := sb.Execute(ctx, ExecuteRequest{
			Command: "echo",
			Args:    []string{"hello", "world"},
			Timeout: 5 * time.Second,
		})

		require.NoError(t, err)
		assert.Equal(t, 0, result.ExitCode)
		assert.Contains(t, string(result.Stdout), "hello world")
		assert.Empty(t, result.Stderr)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		result, err := sb.Execute(ctx, ExecuteRequest{
			Command: "sh",
			Args:    []string{"-c", "exit 42"},
			Timeout: 5 * time.Second,
		})

		require.NoError(t, err)
		assert.Equal(t, 42, result.ExitCode)
	})

	t.Run("stdin", func(t *testing.T) {
		result, err := sb.Execute(ctx, ExecuteRequest{
			Command: "cat",
			Stdin:   []byte("test input"),
			Timeout: 5 * time.Second,
		})

		require.NoError(t, err)
		assert.Equal(t, "test input", string(result.Stdout))
	})

	t.Run("env passthrough", func(t *testing.T) {
		result, err := sb.Execute(ctx, ExecuteRequest{
			Command: "sh",
			Args:    []string{"-c", "echo $TEST_VAR"},
			Env:     map[string]string{"TEST_VAR": "test_value"},
			Timeout: 5 * time.Second,
		})

		require.NoError(t, err)
		assert.Contains(t, string(result.Stdout), "test_value")
	})

	t.Run("environment is minimal", func(t *testing.T) {
		t.Setenv("NIA_LEAK_CHECK", "secret")

		result, err := sb.Execute(ctx, ExecuteRequest{
			Command: "sh",
			Args:    []string{"-c", "echo HOME=$HOME LEAK=$NIA_LEAK_CHECK"},
			Timeout: 5 * time.Second,
		})

		require.NoError(t, err)
		assert.Contains(t, string(result.Stdout), "HOME=/tmp")
		assert.NotContains(t, string(result.Stdout), "secret")
	})

	t.Run("timeout", func(t *testing.T) {
		result, err := sb.Execute(ctx, ExecuteRequest{
			Command: "sleep",
			Args:    []string{"10"},
			Timeout: 100 * time.Millisecond,
		})

		assert.ErrorIs(t, err, ErrExecutionTimeout)
		assert.Equal(t, -1, result.ExitCode)
	})

	t.Run("working directory", func(t *testing.T) {
		dir := t.TempDir()
		resolved, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)

		result, err := sb.Execute(ctx, ExecuteRequest{
			Command:    "pwd",
			WorkingDir: dir,
			Timeout:    5 * time.Second,
		})

		require.NoError(t, err)
		assert.Contains(t, string(result.Stdout), filepath.Base(resolved))
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := sb.Execute(ctx, ExecuteRequest{Command: "  "})
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})
}

func TestHostSandbox_Execute_NotRunning(t *testing.T) {
	sb, err := NewHostSandbox(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	_, err = sb.Execute(context.Background(), ExecuteRequest{Command: "echo"})
	assert.ErrorIs(t, err, ErrSandboxNotRunning)
}

func TestHostSandbox_DeniedWorkingDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilesystemAccess.DeniedPaths = []string{"/etc"}
	sb := newRunningHost(t, cfg)

	_, err := sb.Execute(context.Background(), ExecuteRequest{
		Command:    "ls",
		WorkingDir: "/etc/ssl",
	})
	assert.ErrorIs(t, err, ErrFilesystemAccessDenied)
}

func TestCheckFilesystemAccess(t *testing.T) {
	fs := FilesystemAccess{
		AllowedPaths: []string{"/tmp", "/home"},
		DeniedPaths:  []string{"/etc", "/sys"},
	}

	t.Run("allowed", func(t *testing.T) {
		assert.NoError(t, checkFilesystemAccess(fs, "/tmp/test"))
		assert.NoError(t, checkFilesystemAccess(fs, "/home/user"))
		assert.NoError(t, checkFilesystemAccess(fs, ""))
	})

	t.Run("denied", func(t *testing.T) {
		assert.ErrorIs(t, checkFilesystemAccess(fs, "/etc/passwd"), ErrFilesystemAccessDenied)
		assert.ErrorIs(t, checkFilesystemAccess(fs, "/sys/kernel"), ErrFilesystemAccessDenied)
	})

	t.Run("outside allowed set", func(t *testing.T) {
		assert.ErrorIs(t, checkFilesystemAccess(fs, "/var/log"), ErrFilesystemAccessDenied)
	})

	t.Run("sibling of denied prefix", func(t *testing.T) {
		open := FilesystemAccess{DeniedPaths: []string{"/etc"}}
		assert.NoError(t, checkFilesystemAccess(open, "/etc2/conf"))
		assert.ErrorIs(t, checkFilesystemAccess(open, "/etc"), ErrFilesystemAccessDenied)
	})

	t.Run("empty rules allow everything", func(t *testing.T) {
		assert.NoError(t, checkFilesystemAccess(FilesystemAccess{}, "/anywhere/at/all"))
	})
}

func TestUnderPath(t *testing.T) {
	assert.True(t, underPath("/tmp/work", "/tmp"))
	assert.True(t, underPath("/tmp", "/tmp"))
	assert.False(t, underPath("/tmpfoo", "/tmp"))
	assert.False(t, underPath("/", "/tmp"))
}

func TestBuildEnvironment(t *testing.T) {
	env := buildEnvironment(map[string]string{"FOO": "bar"})

	assert.Contains(t, env, "HOME=/tmp")
	assert.Contains(t, env, "FOO=bar")
	assert.Len(t, env, 3)
}
