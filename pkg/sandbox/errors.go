package sandbox

import "errors"

var (
	// ErrInvalidRuntime is returned when the sandbox runtime is invalid.
	ErrInvalidRuntime = errors.New("invalid sandbox runtime")

	// ErrInvalidCPULimit is returned when the CPU limit is invalid.
	ErrInvalidCPULimit = errors.New("invalid CPU limit (must be 0-100)")

	// ErrInvalidMemoryLimit is returned when the memory limit is invalid.
	ErrInvalidMemoryLimit = errors.New("invalid memory limit (must be >= 0)")

	// ErrInvalidProcessLimit is returned when the process limit is invalid.
	ErrInvalidProcessLimit = errors.New("invalid process limit (must be >= 0)")

	// ErrInvalidTimeout is returned when the timeout is invalid.
	ErrInvalidTimeout = errors.New("invalid timeout (must be >= 0)")

	// ErrSandboxNotRunning is returned when the sandbox is not running.
	ErrSandboxNotRunning = errors.New("sandbox is not running")

	// ErrSandboxAlreadyRunning is returned when the sandbox is already running.
	ErrSandboxAlreadyRunning = errors.New("sandbox is already running")

	// ErrExecutionTimeout is returned when execution times out.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrFilesystemAccessDenied is returned when filesystem access is denied.
	ErrFilesystemAccessDenied = errors.New("filesystem access denied")

	// ErrDockerImageRequired is returned when the docker runtime is selected
	// without an image.
	ErrDockerImageRequired = errors.New("docker image is required for docker runtime")

	// ErrCommandNotAllowed is returned when a command is not on the allowlist.
	ErrCommandNotAllowed = errors.New("command is not allowed")

	// ErrUnsafeCommand is returned when a command line carries shell
	// metacharacters that could chain or redirect execution.
	ErrUnsafeCommand = errors.New("command contains unsafe shell metacharacters")

	// ErrEmptyCommand is returned when the command line is blank.
	ErrEmptyCommand = errors.New("command is empty")
)
