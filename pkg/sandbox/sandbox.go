package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Runtime selects how commands are isolated.
type Runtime string

const (
	// RuntimeHost runs commands directly on the host with a minimal
	// environment and path restrictions.
	RuntimeHost Runtime = "host"
	// RuntimeDocker runs each command in an ephemeral container.
	RuntimeDocker Runtime = "docker"
)

// Config defines sandbox configuration.
type Config struct {
	// Runtime selects the isolation backend (host, docker).
	Runtime Runtime `json:"runtime"`

	// ResourceLimits defines resource constraints.
	ResourceLimits ResourceLimits `json:"resource_limits"`

	// FilesystemAccess defines filesystem access rules.
	FilesystemAccess FilesystemAccess `json:"filesystem_access"`

	// NetworkAccess defines network access rules.
	NetworkAccess NetworkAccess `json:"network_access"`

	// Docker configures the container runtime. Ignored for RuntimeHost.
	Docker DockerConfig `json:"docker"`
}

// ResourceLimits defines resource constraints for sandboxed execution.
// The host runtime enforces only Timeout; the docker runtime enforces all.
type ResourceLimits struct {
	// MaxCPU limits CPU usage (percentage, 0-100).
	MaxCPU int `json:"max_cpu"`

	// MaxMemoryMB limits memory usage in megabytes.
	MaxMemoryMB int `json:"max_memory_mb"`

	// MaxProcesses limits number of processes.
	MaxProcesses int `json:"max_processes"`

	// Timeout limits execution time per command.
	Timeout time.Duration `json:"timeout"`
}

// FilesystemAccess defines filesystem access rules.
type FilesystemAccess struct {
	// AllowedPaths lists path prefixes a command may run under.
	// Empty means everything not denied.
	AllowedPaths []string `json:"allowed_paths"`

	// DeniedPaths lists path prefixes that are always refused.
	DeniedPaths []string `json:"denied_paths"`

	// ReadOnly mounts workspace paths read-only (docker runtime).
	ReadOnly bool `json:"read_only"`
}

// NetworkAccess defines network access rules for the docker runtime.
type NetworkAccess struct {
	// Enabled allows outbound network access.
	Enabled bool `json:"enabled"`
}

// DockerConfig configures ephemeral container execution.
type DockerConfig struct {
	// Image is the container image commands run in.
	Image string `json:"image"`

	// Network overrides the docker network mode. Empty derives it
	// from NetworkAccess.Enabled.
	Network string `json:"network"`

	// User runs commands as the given uid[:gid] inside the container.
	User string `json:"user"`

	// SecurityOpt passes --security-opt flags to docker run.
	SecurityOpt []string `json:"security_opt"`

	// CapDrop lists capabilities to drop.
	CapDrop []string `json:"cap_drop"`

	// ExtraArgs appends raw docker run arguments.
	ExtraArgs []string `json:"extra_args"`
}

// ExecuteRequest represents a sandbox execution request.
type ExecuteRequest struct {
	// Command is the program to execute.
	Command string `json:"command"`

	// Args are the command arguments.
	Args []string `json:"args"`

	// Env are extra environment variables.
	Env map[string]string `json:"env"`

	// WorkingDir is the working directory.
	WorkingDir string `json:"working_dir"`

	// Stdin is the standard input.
	Stdin []byte `json:"stdin"`

	// Timeout overrides ResourceLimits.Timeout when non-zero.
	Timeout time.Duration `json:"timeout"`
}

// ExecuteResult represents a sandbox execution result.
type ExecuteResult struct {
	// Stdout is the captured standard output.
	Stdout []byte `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr []byte `json:"stderr"`

	// ExitCode is the process exit code. -1 on timeout.
	ExitCode int `json:"exit_code"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	// Error is any execution error other than a non-zero exit.
	Error error `json:"error,omitempty"`
}

// Sandbox is the interface for isolated command execution.
type Sandbox interface {
	// Execute runs a command in the sandbox.
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)

	// Start initializes the sandbox.
	Start(ctx context.Context) error

	// Stop cleans up the sandbox.
	Stop(ctx context.Context) error

	// IsRunning reports whether the sandbox accepts commands.
	IsRunning() bool

	// GetConfig returns the sandbox configuration.
	GetConfig() Config
}

// New builds a sandbox for the configured runtime.
func New(cfg Config, logger zerolog.Logger) (Sandbox, error) {
	switch cfg.Runtime {
	case RuntimeHost, "":
		return NewHostSandbox(cfg, logger)
	case RuntimeDocker:
		return NewDockerSandbox(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidRuntime, cfg.Runtime)
	}
}

// DefaultConfig returns a default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		Runtime: RuntimeHost,
		ResourceLimits: ResourceLimits{
			MaxCPU:       50,
			MaxMemoryMB:  512,
			MaxProcesses: 10,
			Timeout:      30 * time.Second,
		},
		FilesystemAccess: FilesystemAccess{
			AllowedPaths: []string{},
			DeniedPaths:  []string{"/etc", "/sys", "/proc"},
			ReadOnly:     false,
		},
		NetworkAccess: NetworkAccess{
			Enabled: false,
		},
		Docker: DockerConfig{
			Image: "debian:bookworm-slim",
		},
	}
}

// ValidateConfig validates a sandbox configuration.
func ValidateConfig(cfg Config) error {
	switch cfg.Runtime {
	case RuntimeHost, RuntimeDocker, "":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidRuntime, cfg.Runtime)
	}

	if cfg.Runtime == RuntimeDocker && cfg.Docker.Image == "" {
		return ErrDockerImageRequired
	}

	if cfg.ResourceLimits.MaxCPU < 0 || cfg.ResourceLimits.MaxCPU > 100 {
		return ErrInvalidCPULimit
	}
	if cfg.ResourceLimits.MaxMemoryMB < 0 {
		return ErrInvalidMemoryLimit
	}
	if cfg.ResourceLimits.MaxProcesses < 0 {
		return ErrInvalidProcessLimit
	}
	if cfg.ResourceLimits.Timeout < 0 {
		return ErrInvalidTimeout
	}

	return nil
}
