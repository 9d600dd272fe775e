package tools

import (
	"context"
	"fmt"

	"github.com/odvcencio/quarry/pkg/skill"
	"github.com/odvcencio/quarry/pkg/tool"
)

// SkillTool loads a research playbook into the agent's context. It runs at
// most once per skill name per query.
type SkillTool struct {
	Skills *skill.Registry
}

// NewSkillTool wraps a skill registry.
func NewSkillTool(skills *skill.Registry) *SkillTool {
	return &SkillTool{Skills: skills}
}

func (t *SkillTool) Name() string { return "skill" }

func (t *SkillTool) Description() string {
	desc := "Load a research playbook with step-by-step guidance for a kind of question. Each skill can be loaded once per query."
	if t.Skills != nil {
		if list := t.Skills.Descriptions(); list != "" {
			desc += "\nAvailable skills:\n" + list
		}
	}
	return desc
}

func (t *SkillTool) Parameters() tool.ParameterSchema {
	var names []string
	if t.Skills != nil {
		for _, s := range t.Skills.List() {
			names = append(names, s.Name)
		}
	}
	return tool.ParameterSchema{
		Type: "object",
		Properties: map[string]tool.PropertySchema{
			"name": {Type: "string", Description: "Skill name", Enum: names},
		},
		Required: []string{"name"},
	}
}

// RunOnceKey implements tool.RunOnce.
func (t *SkillTool) RunOnceKey(args map[string]any) (string, bool) {
	name := tool.StringArg(args, "name")
	if name == "" {
		return "", false
	}
	return "skill:" + name, true
}

// QueryArgument tracks the skill name for similarity warnings.
func (t *SkillTool) QueryArgument() string { return "name" }

func (t *SkillTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	name := tool.StringArg(args, "name")
	if name == "" {
		return "", fmt.Errorf("name parameter must be a non-empty string")
	}
	if t.Skills == nil {
		return "", skill.ErrSkillNotFound{Name: name}
	}
	s, err := t.Skills.Get(name)
	if err != nil {
		return "", err
	}
	return s.Render(), nil
}
