package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halim/nia/pkg/fault"
)

// maxFileSize bounds a single SKILL.md read (10MB).
const maxFileSize = 10 * 1024 * 1024

// Skill is one capability description loaded from a SKILL.md file. The
// instruction body is not injected into the prompt wholesale; the digest
// advertises the skill and the model reads the file when it needs the steps.
type Skill struct {
	Name        string
	Description string
	Dir         string
	Path        string
	Instruction string
	Hash        string
	Size        int64
	LoadedAt    time.Time
}

type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

var frontmatterPattern = regexp.MustCompile(`(?s)^---\r?\n(.+?)\r?\n---\r?\n?`)

// ParseFile loads and parses one SKILL.md from disk.
func ParseFile(path string) (*Skill, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fault.Wrapf(fault.KindStorage, "skills", err, "failed to stat skill file")
	}
	if info.Size() > maxFileSize {
		return nil, fault.New(fault.KindValidation, "skills", "skill file exceeds the size limit")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrapf(fault.KindStorage, "skills", err, "failed to read skill file")
	}

	skill, err := Parse(path, content)
	if err != nil {
		return nil, err
	}
	skill.Size = info.Size()
	return skill, nil
}

// Parse extracts a skill from SKILL.md content. The file must start with a
// YAML frontmatter block; the name falls back to the directory name.
func Parse(path string, content []byte) (*Skill, error) {
	match := frontmatterPattern.FindSubmatch(content)
	if match == nil {
		return nil, fault.New(fault.KindValidation, "skills", "skill file has no frontmatter block")
	}

	var fm frontmatter
	if err := yaml.Unmarshal(match[1], &fm); err != nil {
		return nil, fault.Wrapf(fault.KindValidation, "skills", err, "skill frontmatter is not valid YAML")
	}

	dir := filepath.Dir(path)
	name := strings.TrimSpace(fm.Name)
	if name == "" {
		name = filepath.Base(dir)
	}

	hash := sha256.Sum256(content)

	return &Skill{
		Name:        name,
		Description: strings.TrimSpace(fm.Description),
		Dir:         dir,
		Path:        path,
		Instruction: strings.TrimSpace(string(content[len(match[0]):])),
		Hash:        hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now(),
	}, nil
}
