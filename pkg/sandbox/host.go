package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HostSandbox runs commands directly on the host. Isolation is limited to
// a minimal environment, working-directory restrictions, and timeouts.
type HostSandbox struct {
	config  Config
	logger  zerolog.Logger
	running bool
	mu      sync.RWMutex
}

// NewHostSandbox creates a host-based sandbox.
func NewHostSandbox(config Config, logger zerolog.Logger) (*HostSandbox, error) {
	if config.Runtime == "" {
		config.Runtime = RuntimeHost
	}
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &HostSandbox{
		config: config,
		logger: logger.With().Str("module", "sandbox").Logger(),
	}, nil
}

// Start initializes the sandbox.
func (h *HostSandbox) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrSandboxAlreadyRunning
	}

	h.logger.Info().
		Str("runtime", string(RuntimeHost)).
		Dur("timeout", h.config.ResourceLimits.Timeout).
		Msg("Starting host sandbox")

	h.running = true
	return nil
}

// Stop cleans up the sandbox.
func (h *HostSandbox) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrSandboxNotRunning
	}

	h.logger.Info().Msg("Stopping host sandbox")
	h.running = false
	return nil
}

// IsRunning reports whether the sandbox accepts commands.
func (h *HostSandbox) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// GetConfig returns the sandbox configuration.
func (h *HostSandbox) GetConfig() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Execute runs a command on the host with a minimal environment.
func (h *HostSandbox) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ExecuteResult{}, ErrSandboxNotRunning
	}
	cfg := h.config
	h.mu.RUnlock()

	if strings.TrimSpace(req.Command) == "" {
		return ExecuteResult{}, ErrEmptyCommand
	}

	if err := checkFilesystemAccess(cfg.FilesystemAccess, req.WorkingDir); err != nil {
		return ExecuteResult{}, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = cfg.ResourceLimits.Timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = buildEnvironment(req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecuteResult{
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			ExitCode: -1,
			Duration: duration,
			Error:    ErrExecutionTimeout,
		}, ErrExecutionTimeout
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	result := ExecuteResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
	}
	if err != nil && exitCode == 0 {
		result.Error = err
	}

	h.logger.Debug().
		Str("command", req.Command).
		Strs("args", req.Args).
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("Command executed in host sandbox")

	return result, nil
}

// checkFilesystemAccess rejects working directories outside the allowed
// path prefixes. Prefix matching is segment aware, so /etc2 does not fall
// under a denied /etc.
func checkFilesystemAccess(fs FilesystemAccess, path string) error {
	if path == "" {
		return nil
	}

	cleanPath := filepath.Clean(path)

	for _, denied := range fs.DeniedPaths {
		if underPath(cleanPath, denied) {
			return fmt.Errorf("%w: %s", ErrFilesystemAccessDenied, path)
		}
	}

	if len(fs.AllowedPaths) == 0 {
		return nil
	}
	for _, allowed := range fs.AllowedPaths {
		if underPath(cleanPath, allowed) {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrFilesystemAccessDenied, path)
}

func underPath(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	return path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// buildEnvironment keeps commands away from the host process environment.
// Only PATH, a throwaway HOME, and the caller's explicit variables are
// passed through.
func buildEnvironment(env map[string]string) []string {
	result := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
	}
	for key, value := range env {
		result = append(result, fmt.Sprintf("%s=%s", key, value))
	}
	return result
}
