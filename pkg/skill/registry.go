package skill

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/odvcencio/quarry/pkg/logging"
)

// Registry holds discovered skills by name.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	loader *Loader
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		skills: make(map[string]*Skill),
		loader: NewLoader(logger),
	}
}

// LoadAll loads personal skills, then project skills, then each extra
// directory. Later sources override earlier ones by name.
func (r *Registry) LoadAll(extraDirs ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loader.LoadPersonal(r.skills); err != nil {
		return fmt.Errorf("failed to load personal skills: %w", err)
	}
	if err := r.loader.LoadProject(r.skills); err != nil {
		return fmt.Errorf("failed to load project skills: %w", err)
	}
	for _, dir := range extraDirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := r.loader.LoadDir(dir, "dir", r.skills); err != nil {
			return fmt.Errorf("failed to load skills from %s: %w", dir, err)
		}
	}
	return nil
}

// LoadDir loads one directory.
func (r *Registry) LoadDir(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loader.LoadDir(dir, "dir", r.skills)
}

// Add registers s after validating it.
func (r *Registry) Add(s *Skill) error {
	if s == nil {
		return ErrInvalidSkill{Field: "skill", Reason: "nil"}
	}
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name] = s
	return nil
}

// Get returns the named skill.
func (r *Registry) Get(name string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	if !ok {
		return nil, ErrSkillNotFound{Name: name}
	}
	return s, nil
}

// List returns all skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of skills.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// Descriptions lists "name: description" lines for prompts and tool schemas.
func (r *Registry) Descriptions() string {
	var b strings.Builder
	for _, s := range r.List() {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
