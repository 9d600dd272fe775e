package skill

import "fmt"

// ErrSkillNotFound reports a lookup of an unregistered playbook.
type ErrSkillNotFound struct {
	Name string
}

func (e ErrSkillNotFound) Error() string {
	return fmt.Sprintf("no skill named %q", e.Name)
}

// Is matches any ErrSkillNotFound with an empty or equal name.
func (e ErrSkillNotFound) Is(target error) bool {
	t, ok := target.(ErrSkillNotFound)
	return ok && (t.Name == "" || t.Name == e.Name)
}

// ErrInvalidSkill reports a malformed SKILL.md. Path is set when the skill
// came from disk.
type ErrInvalidSkill struct {
	Path   string
	Field  string
	Reason string
}

func (e ErrInvalidSkill) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("skill %s: %s: %s", e.Path, e.Field, e.Reason)
	}
	return fmt.Sprintf("skill %s: %s", e.Field, e.Reason)
}
