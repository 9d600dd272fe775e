package tools

import (
	"github.com/odvcencio/quarry/pkg/config"
	"github.com/odvcencio/quarry/pkg/logging"
	"github.com/odvcencio/quarry/pkg/skill"
	"github.com/odvcencio/quarry/pkg/tool"
)

// NewRegistry builds the tool registry with the built-in tools and the panic
// recovery, timeout and result size middleware. The skill tool is registered
// only when skills is non-empty.
func NewRegistry(cfg config.ToolsConfig, skills *skill.Registry) (*tool.Registry, error) {
	reg := tool.NewRegistry()
	reg.Use(tool.PanicRecovery())
	reg.Use(tool.Timeout(cfg.Timeout, nil))
	reg.Use(tool.ResultSizeLimit(cfg.MaxResultBytes, "\n[truncated]"))

	if err := reg.Register(NewFetchURL(cfg.FetchUserAgent)); err != nil {
		return nil, err
	}
	if skills != nil && skills.Count() > 0 {
		if err := reg.Register(NewSkillTool(skills)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// LoadSkills loads personal, project and configured skill directories.
func LoadSkills(cfg config.ToolsConfig, logger *logging.Logger) (*skill.Registry, error) {
	skills := skill.NewRegistry(logger)
	if err := skills.LoadAll(cfg.SkillsDir); err != nil {
		return nil, err
	}
	return skills, nil
}
