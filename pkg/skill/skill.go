// Package skill loads research playbooks: markdown documents with YAML front
// matter that the agent can pull into its context once per query.
package skill

import (
	"fmt"
	"strings"
	"time"
)

// Skill is one playbook.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags,omitempty"`
	// SuggestedTools names tools the playbook expects to be useful.
	SuggestedTools []string `yaml:"suggested_tools,omitempty"`

	// Content is the markdown body after the front matter.
	Content string `yaml:"-"`

	Source   string    `yaml:"-"` // personal|project|dir
	FilePath string    `yaml:"-"`
	LoadedAt time.Time `yaml:"-"`
}

// Validate checks required fields and limits.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return ErrInvalidSkill{Field: "name", Reason: "name is required"}
	}
	if s.Description == "" {
		return ErrInvalidSkill{Field: "description", Reason: "description is required"}
	}
	if len(s.Name) > 64 {
		return ErrInvalidSkill{Field: "name", Reason: "name must be 64 characters or less"}
	}
	if len(s.Description) > 1024 {
		return ErrInvalidSkill{Field: "description", Reason: "description must be 1024 characters or less"}
	}
	if strings.ContainsAny(s.Name, " \t\n/\\") {
		return ErrInvalidSkill{Field: "name", Reason: "name must not contain whitespace or path separators"}
	}
	return nil
}

// Render formats the skill as a tool result.
func (s *Skill) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Skill: %s\n\n%s\n", s.Name, s.Description)
	if len(s.SuggestedTools) > 0 {
		fmt.Fprintf(&b, "\nSuggested tools: %s\n", strings.Join(s.SuggestedTools, ", "))
	}
	if s.Content != "" {
		b.WriteString("\n")
		b.WriteString(s.Content)
		b.WriteString("\n")
	}
	return b.String()
}
