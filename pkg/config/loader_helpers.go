package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge loads a YAML file and merges it into the config. Keys absent
// from the file keep their current values; per-tool limit maps merge by key.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	limits := cfg.Tools.Limits
	cfg.Tools.Limits = nil

	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg.Tools.Limits = limits
		return fmt.Errorf("parsing YAML: %w", err)
	}

	cfg.Tools.Limits = mergeLimits(limits, cfg.Tools.Limits)
	return nil
}

func mergeLimits(base, override map[string]ToolLimit) map[string]ToolLimit {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]ToolLimit, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
