package coretools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/sandbox"
	"github.com/halim/nia/pkg/tools"
)

const (
	defaultExecTimeout = 30 * time.Second
	maxExecTimeout     = 5 * time.Minute

	// maxExecOutput bounds what a command can put into the model context.
	maxExecOutput = 16 * 1024
)

func execTool(opts Options) tools.Definition {
	return tools.Definition{
		Name: "exec",
		Description: "Run a command in the workspace. Commands run without a shell: pipes, redirection, " +
			"and variable expansion are not available, and only allowlisted programs may run.",
		Parameters: []tools.Parameter{
			{Name: "command", Type: "string", Description: "The command line to run, e.g. 'git status --short'", Required: true},
			{Name: "working_dir", Type: "string", Description: "Directory to run in, relative to the workspace", Required: false},
			{Name: "timeout_seconds", Type: "integer", Description: "Maximum run time in seconds (default 30, max 300)", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			const op = "tools.exec"

			if opts.Sandbox == nil {
				return nil, fault.New(fault.KindExecution, op, "command execution is not available")
			}

			line, _ := args["command"].(string)
			argv, err := sandbox.CheckCommand(line)
			if err != nil {
				switch {
				case errors.Is(err, sandbox.ErrEmptyCommand):
					return nil, fault.Wrap(fault.KindValidation, op, err)
				default:
					return nil, fault.Wrap(fault.KindSecurity, op, err)
				}
			}

			workingDir := opts.Workspace
			if raw, ok := args["working_dir"].(string); ok && strings.TrimSpace(raw) != "" {
				workingDir, err = resolveWorkspacePath(opts.Workspace, raw)
				if err != nil {
					return nil, err
				}
			}

			timeout := defaultExecTimeout
			if raw, ok := args["timeout_seconds"].(float64); ok && raw > 0 {
				timeout = time.Duration(raw) * time.Second
				if timeout > maxExecTimeout {
					timeout = maxExecTimeout
				}
			}

			result, err := opts.Sandbox.Execute(ctx, sandbox.ExecuteRequest{
				Command:    argv[0],
				Args:       argv[1:],
				WorkingDir: workingDir,
				Timeout:    timeout,
			})
			if err != nil {
				switch {
				case errors.Is(err, sandbox.ErrExecutionTimeout):
					return nil, fault.Wrapf(fault.KindTimeout, op, err, "command timed out after %s", timeout)
				case errors.Is(err, sandbox.ErrFilesystemAccessDenied):
					return nil, fault.Wrap(fault.KindSecurity, op, err)
				default:
					return nil, fault.Wrap(fault.KindExecution, op, err)
				}
			}

			return renderExecResult(result), nil
		},
	}
}

// renderExecResult flattens a sandbox result into the text the model sees.
func renderExecResult(result sandbox.ExecuteResult) string {
	var b strings.Builder

	if out := strings.TrimSpace(string(result.Stdout)); out != "" {
		b.WriteString(out)
	}
	if errOut := strings.TrimSpace(string(result.Stderr)); errOut != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[stderr]\n")
		b.WriteString(errOut)
	}
	if result.ExitCode != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "(exit code %d)", result.ExitCode)
	}

	if b.Len() == 0 {
		return "(no output)"
	}

	rendered := b.String()
	if len(rendered) > maxExecOutput {
		rendered = rendered[:maxExecOutput] + "\n... [output truncated]"
	}
	return rendered
}
