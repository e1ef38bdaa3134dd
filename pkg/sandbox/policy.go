package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"
)

// allowedCommands is the set of programs a command line may invoke.
// Shell builtins and anything that can escalate or destroy state stay off
// the list; deniedPatterns catches the rest.
var allowedCommands = map[string]struct{}{}

func init() {
	names := []string{
		// version control
		"git", "hg", "svn",
		// package managers
		"npm", "npx", "yarn", "pnpm", "pip", "pip3", "pipx", "poetry",
		"cargo", "go", "gem", "bundle", "composer", "mvn", "gradle",
		// language runtimes and compilers
		"python", "python3", "node", "ruby", "php", "java", "javac",
		"rustc", "gcc", "g++", "clang", "make", "cmake",
		// file inspection
		"ls", "cat", "head", "tail", "grep", "find", "wc", "sort", "uniq",
		"diff", "file", "stat", "du", "df", "pwd", "basename", "dirname",
		"realpath", "readlink",
		// file manipulation
		"mkdir", "cp", "mv", "touch", "chmod",
		// text processing
		"sed", "awk", "cut", "tr", "tee",
		// archives
		"tar", "zip", "unzip", "gzip", "gunzip", "bzip2",
		// network, read only
		"curl", "wget", "ping", "host", "dig", "nslookup",
		// process info
		"ps", "uptime", "whoami", "id", "groups",
		// containers
		"docker", "docker-compose", "podman",
		// test and lint
		"pytest", "jest", "mocha", "eslint", "prettier", "black", "flake8", "mypy",
		// misc
		"echo", "printf", "date", "which", "whereis", "true", "false", "test", "expr",
	}
	for _, n := range names {
		allowedCommands[n] = struct{}{}
	}
}

// dangerousMetacharacters would let a single argv chain, substitute, or
// redirect into further commands. Commands are run without a shell, so
// none of these have a legitimate use here.
const dangerousMetacharacters = ";|&$`(){}<>\n\r"

// deniedPatterns rejects destructive or escalating idioms before any
// splitting happens, including ones smuggled through allowed programs
// (env, xargs, find -exec).
var deniedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(\S+\s+)*-\w*[rf]`),
	regexp.MustCompile(`\b(mkfs|fdisk|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+\w*if=`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff|halt)\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`(^|\s)su\s`),
	regexp.MustCompile(`\bchmod\s+([ugoa+rwxs-]+\s+)*0?777\b`),
	regexp.MustCompile(`\beval\b`),
	regexp.MustCompile(`/etc/(passwd|shadow|sudoers)`),
	regexp.MustCompile(`(^|[\s/])\.ssh(/|\b)`),
	regexp.MustCompile(`(^|[\s/])\.env\b`),
}

// CheckCommand validates a raw command line against the execution policy
// and splits it into argv. The line is rejected when it is empty, matches
// a denied pattern, carries shell metacharacters, cannot be tokenized, or
// names a program outside the allowlist.
func CheckCommand(line string) ([]string, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, ErrEmptyCommand
	}

	for _, pat := range deniedPatterns {
		if pat.MatchString(trimmed) {
			return nil, fmt.Errorf("%w: matches denied pattern %s", ErrCommandNotAllowed, pat.String())
		}
	}

	if i := strings.IndexAny(trimmed, dangerousMetacharacters); i >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsafeCommand, trimmed[i:i+1])
	}

	argv, err := shellquote.Split(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsafeCommand, err)
	}
	if len(argv) == 0 {
		return nil, ErrEmptyCommand
	}

	program := filepath.Base(argv[0])
	if _, ok := allowedCommands[program]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotAllowed, program)
	}

	return argv, nil
}

// AllowedCommands returns the allowlisted program names, unsorted.
func AllowedCommands() []string {
	out := make([]string, 0, len(allowedCommands))
	for name := range allowedCommands {
		out = append(out, name)
	}
	return out
}
