package coretools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/tools"
)

// defaultMaxReadBytes bounds read_file output so a large file cannot
// flood the model context.
const defaultMaxReadBytes = 64 * 1024

// resolveWorkspacePath turns a user-supplied path into an absolute path
// inside the workspace. Relative paths resolve against the workspace
// root; anything that escapes it is refused.
func resolveWorkspacePath(workspace, raw string) (string, error) {
	const op = "tools.files"

	if strings.TrimSpace(workspace) == "" {
		return "", fault.New(fault.KindExecution, op, "workspace is not configured")
	}

	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fault.New(fault.KindValidation, op, "path is required")
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", fault.New(fault.KindSecurity, op, "path contains invalid characters")
	}

	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
		}
	}

	root := filepath.Clean(workspace)
	path := trimmed
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fault.New(fault.KindSecurity, op, "access denied: path is outside the workspace")
	}
	return path, nil
}

func readFileTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace. Relative paths resolve against the workspace root.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File path, relative to the workspace or absolute within it", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to return (default 65536)", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			rawPath, _ := args["path"].(string)
			path, err := resolveWorkspacePath(opts.Workspace, rawPath)
			if err != nil {
				return nil, err
			}

			maxBytes := defaultMaxReadBytes
			if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
				maxBytes = int(raw)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, fault.New(fault.KindValidation, "tools.read_file", fmt.Sprintf("file not found: %s", strings.TrimSpace(rawPath)))
				}
				return nil, fault.Wrap(fault.KindStorage, "tools.read_file", err)
			}

			if len(data) > maxBytes {
				return fmt.Sprintf("%s\n... [truncated, showing %d of %d bytes]", data[:maxBytes], maxBytes, len(data)), nil
			}
			return string(data), nil
		},
	}
}

func writeFileTool(opts Options) tools.Definition {
	return tools.Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating parent directories as needed.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File path, relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "Content to write", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwriting", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			rawPath, _ := args["path"].(string)
			content, _ := args["content"].(string)

			path, err := resolveWorkspacePath(opts.Workspace, rawPath)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fault.Wrap(fault.KindStorage, "tools.write_file", err)
			}

			if doAppend, _ := args["append"].(bool); doAppend {
				f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, fault.Wrap(fault.KindStorage, "tools.write_file", err)
				}
				_, werr := f.WriteString(content)
				cerr := f.Close()
				if werr != nil {
					return nil, fault.Wrap(fault.KindStorage, "tools.write_file", werr)
				}
				if cerr != nil {
					return nil, fault.Wrap(fault.KindStorage, "tools.write_file", cerr)
				}
				return fmt.Sprintf("Appended %d bytes to %s", len(content), strings.TrimSpace(rawPath)), nil
			}

			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fault.Wrap(fault.KindStorage, "tools.write_file", err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), strings.TrimSpace(rawPath)), nil
		},
	}
}

func editFileTool(opts Options) tools.Definition {
	return tools.Definition{
		Name: "edit_file",
		Description: "Replace text in a workspace file. old_text must match the file contents exactly " +
			"and exactly once; include surrounding lines to disambiguate.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File path, relative to the workspace", Required: true},
			{Name: "old_text", Type: "string", Description: "Exact text to replace", Required: true},
			{Name: "new_text", Type: "string", Description: "Replacement text", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			const op = "tools.edit_file"

			rawPath, _ := args["path"].(string)
			oldText, _ := args["old_text"].(string)
			newText, _ := args["new_text"].(string)

			if oldText == "" {
				return nil, fault.New(fault.KindValidation, op, "old_text is required")
			}

			path, err := resolveWorkspacePath(opts.Workspace, rawPath)
			if err != nil {
				return nil, err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, fault.New(fault.KindValidation, op, fmt.Sprintf("file not found: %s", strings.TrimSpace(rawPath)))
				}
				return nil, fault.Wrap(fault.KindStorage, op, err)
			}

			content := string(data)
			switch count := strings.Count(content, oldText); {
			case count == 0:
				return nil, fault.New(fault.KindValidation, op, "old_text not found in file; it must match the contents exactly")
			case count > 1:
				return nil, fault.New(fault.KindValidation, op,
					fmt.Sprintf("old_text appears %d times; include more context so the match is unique", count))
			}

			updated := strings.Replace(content, oldText, newText, 1)
			if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
				return nil, fault.Wrap(fault.KindStorage, op, err)
			}
			return fmt.Sprintf("Edited %s", strings.TrimSpace(rawPath)), nil
		},
	}
}
