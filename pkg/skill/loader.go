package skill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/quarry/pkg/logging"
)

// Loader reads skill files from directories.
type Loader struct {
	logger *logging.Logger
}

// NewLoader creates a loader. logger may be nil.
func NewLoader(logger *logging.Logger) *Loader {
	return &Loader{logger: logging.OrNop(logger).Component("skill")}
}

// LoadPersonal loads skills from ~/.quarry/skills/.
func (l *Loader) LoadPersonal(skills map[string]*Skill) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return l.LoadDir(filepath.Join(homeDir, ".quarry", "skills"), "personal", skills)
}

// LoadProject loads skills from ./.quarry/skills/.
func (l *Loader) LoadProject(skills map[string]*Skill) error {
	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	return l.LoadDir(filepath.Join(cwd, ".quarry", "skills"), "project", skills)
}

// LoadDir loads every <name>/SKILL.md and top-level *.md file in dir. A
// missing directory is not an error; individual bad files are logged and
// skipped.
func (l *Loader) LoadDir(dir, source string, skills map[string]*Skill) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		var path string
		switch {
		case entry.IsDir():
			path = filepath.Join(dir, entry.Name(), "SKILL.md")
			if _, err := os.Stat(path); err != nil {
				continue
			}
		case strings.HasSuffix(entry.Name(), ".md"):
			path = filepath.Join(dir, entry.Name())
		default:
			continue
		}
		if err := l.loadSkillFile(path, source, skills); err != nil {
			l.logger.Warn("skipping skill file", "path", path, "error", err)
		}
	}
	return nil
}

func (l *Loader) loadSkillFile(path, source string, skills map[string]*Skill) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	skill, err := Parse(string(content))
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	skill.Source = source
	skill.FilePath = path
	skill.LoadedAt = time.Now()

	if err := skill.Validate(); err != nil {
		var invalid ErrInvalidSkill
		if errors.As(err, &invalid) {
			invalid.Path = path
			return invalid
		}
		return err
	}
	skills[skill.Name] = skill
	return nil
}

// Parse reads a skill document: YAML front matter between "---" lines
// followed by markdown.
func Parse(content string) (*Skill, error) {
	content = strings.TrimLeft(content, "\ufeff \t\r\n")
	if !strings.HasPrefix(content, "---") {
		return nil, fmt.Errorf("invalid skill file: missing YAML frontmatter")
	}
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid skill file: missing YAML frontmatter")
	}

	var skill Skill
	if err := yaml.Unmarshal([]byte(parts[1]), &skill); err != nil {
		return nil, fmt.Errorf("failed to parse YAML frontmatter: %w", err)
	}
	skill.Content = strings.TrimSpace(parts[2])
	return &skill, nil
}
