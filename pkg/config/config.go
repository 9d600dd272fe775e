package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Operating modes for the agent loop.
const (
	ModeSummarize = "summarize"
	ModeFull      = "full"
)

// Config is the full quarry configuration.
type Config struct {
	Models    ModelConfig     `yaml:"models"`
	Provider  ProviderConfig  `yaml:"provider"`
	Agent     AgentConfig     `yaml:"agent"`
	Budget    BudgetConfig    `yaml:"budget"`
	Tools     ToolsConfig     `yaml:"tools"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ModelConfig selects models. Fast is used for summaries, selection and goal checks.
type ModelConfig struct {
	Primary     string  `yaml:"primary"`
	Fast        string  `yaml:"fast"`
	Temperature float64 `yaml:"temperature"`
}

// ProviderConfig describes the OpenAI-compatible endpoint.
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// AgentConfig controls the iterative loop.
type AgentConfig struct {
	MaxIterations int    `yaml:"max_iterations"`
	Mode          string `yaml:"mode"`
	GoalCheck     bool   `yaml:"goal_check"`
	// MaxTotalTokens stops tool iterations once usage reaches it; 0 disables.
	MaxTotalTokens int    `yaml:"max_total_tokens"`
	SystemPrompt   string `yaml:"system_prompt"`
}

// BudgetConfig controls context assembly.
type BudgetConfig struct {
	AnswerBudget     int     `yaml:"answer_budget"`
	ContextThreshold int     `yaml:"context_threshold"`
	KeepRecent       int     `yaml:"keep_recent"`
	Tokenizer        string  `yaml:"tokenizer"`
	CharsPerToken    float64 `yaml:"chars_per_token"`
	UseToon          bool    `yaml:"use_toon"`
}

// ToolLimit overrides the default call limits for a single tool.
type ToolLimit struct {
	SoftLimit int `yaml:"soft_limit"`
	HardLimit int `yaml:"hard_limit"`
}

// ToolsConfig controls the dispatcher.
type ToolsConfig struct {
	LoopGuardWindow     int                  `yaml:"loop_guard_window"`
	SoftLimit           int                  `yaml:"soft_limit"`
	HardLimit           int                  `yaml:"hard_limit"`
	SimilarityThreshold float64              `yaml:"similarity_threshold"`
	MaxParallel         int                  `yaml:"max_parallel"`
	Timeout             time.Duration        `yaml:"timeout"`
	MaxResultBytes      int                  `yaml:"max_result_bytes"`
	Limits              map[string]ToolLimit `yaml:"limits"`
	SkillsDir           string               `yaml:"skills_dir"`
	FetchUserAgent      string               `yaml:"fetch_user_agent"`
}

// StorageConfig selects where results, scratchpads and event logs live.
type StorageConfig struct {
	Dir     string `yaml:"dir"`
	Backend string `yaml:"backend"`
}

// TelemetryConfig controls event forwarding and tracing.
type TelemetryConfig struct {
	EventLog      bool   `yaml:"event_log"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Tracing       bool   `yaml:"tracing"`
}

// TasksConfig controls the task graph executor.
type TasksConfig struct {
	MaxParallel int `yaml:"max_parallel"`
}

// LoggingConfig controls diagnostic logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelConfig{
			Primary: "openai/gpt-4o",
			Fast:    "openai/gpt-4o-mini",
		},
		Provider: ProviderConfig{
			BaseURL:           "https://openrouter.ai/api/v1",
			Timeout:           2 * time.Minute,
			MaxRetries:        3,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			Mode:          ModeSummarize,
		},
		Budget: BudgetConfig{
			AnswerBudget:     60000,
			ContextThreshold: 100000,
			KeepRecent:       5,
			Tokenizer:        "ratio",
			CharsPerToken:    3.5,
		},
		Tools: ToolsConfig{
			LoopGuardWindow:     4,
			SoftLimit:           3,
			HardLimit:           5,
			SimilarityThreshold: 0.7,
			MaxParallel:         8,
			Timeout:             60 * time.Second,
			MaxResultBytes:      200000,
			SkillsDir:           filepath.Join(".quarry", "skills"),
			FetchUserAgent:      "quarry/1.0",
		},
		Storage: StorageConfig{
			Dir:     ".quarry",
			Backend: "file",
		},
		Telemetry: TelemetryConfig{
			EventLog:      true,
			SubjectPrefix: "quarry.events",
		},
		Tasks: TasksConfig{
			MaxParallel: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, ~/.quarry/config.yaml, ./.quarry/config.yaml, environment.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".quarry", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".quarry", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg, loadConfigEnvVars(home))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads defaults, then the given file, then environment overrides.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	home, _ := os.UserHomeDir()
	applyEnvOverrides(cfg, loadConfigEnvVars(home))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. configEnv holds
// values read from ~/.quarry/config.env and loses to the process environment.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) {
	get := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(configEnv[key])
	}

	if v := get("QUARRY_MODEL"); v != "" {
		cfg.Models.Primary = v
	}
	if v := get("QUARRY_FAST_MODEL"); v != "" {
		cfg.Models.Fast = v
	}
	if v := get("QUARRY_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	for _, key := range []string{"QUARRY_API_KEY", "OPENROUTER_API_KEY", "OPENAI_API_KEY"} {
		if v := get(key); v != "" && cfg.Provider.APIKey == "" {
			cfg.Provider.APIKey = v
		}
	}
	if v := get("QUARRY_MODE"); v != "" {
		cfg.Agent.Mode = strings.ToLower(v)
	}
	if v, ok := envInt(get("QUARRY_MAX_ITERATIONS")); ok {
		cfg.Agent.MaxIterations = v
	}
	if v, ok := envBool(get("QUARRY_GOAL_CHECK")); ok {
		cfg.Agent.GoalCheck = v
	}
	if v, ok := envInt(get("QUARRY_ANSWER_BUDGET")); ok {
		cfg.Budget.AnswerBudget = v
	}
	if v := get("QUARRY_TOKENIZER"); v != "" {
		cfg.Budget.Tokenizer = strings.ToLower(v)
	}
	if v, ok := envBool(get("QUARRY_USE_TOON")); ok {
		cfg.Budget.UseToon = v
	}
	if v := get("QUARRY_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
	}
	if v := get("QUARRY_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := get("QUARRY_NATS_URL"); v != "" {
		cfg.Telemetry.NATSURL = v
	}
	if v, ok := envBool(get("QUARRY_TRACING")); ok {
		cfg.Telemetry.Tracing = v
	}
	if v := get("QUARRY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envBool(raw string) (bool, bool) {
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func envInt(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Agent.Mode {
	case ModeSummarize, ModeFull:
	default:
		return fmt.Errorf("invalid agent mode: %s (valid: summarize, full)", c.Agent.Mode)
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.MaxTotalTokens < 0 {
		return fmt.Errorf("agent.max_total_tokens must not be negative")
	}

	if c.Budget.AnswerBudget <= 0 {
		return fmt.Errorf("budget.answer_budget must be positive")
	}
	if c.Budget.ContextThreshold <= 0 {
		return fmt.Errorf("budget.context_threshold must be positive")
	}
	if c.Budget.KeepRecent < 0 {
		return fmt.Errorf("budget.keep_recent must not be negative")
	}
	switch c.Budget.Tokenizer {
	case "ratio", "tiktoken":
	default:
		return fmt.Errorf("invalid budget.tokenizer: %s (valid: ratio, tiktoken)", c.Budget.Tokenizer)
	}
	if c.Budget.CharsPerToken <= 0 {
		return fmt.Errorf("budget.chars_per_token must be positive")
	}

	if c.Tools.LoopGuardWindow < 2 {
		return fmt.Errorf("tools.loop_guard_window must be at least 2")
	}
	if err := validateLimits("tools", c.Tools.SoftLimit, c.Tools.HardLimit); err != nil {
		return err
	}
	for name, lim := range c.Tools.Limits {
		soft, hard := c.Tools.ResolveLimits(name)
		if lim.SoftLimit < 0 || lim.HardLimit < 0 {
			return fmt.Errorf("tools.limits.%s: limits must not be negative", name)
		}
		if err := validateLimits("tools.limits."+name, soft, hard); err != nil {
			return err
		}
	}
	if c.Tools.SimilarityThreshold <= 0 || c.Tools.SimilarityThreshold > 1 {
		return fmt.Errorf("tools.similarity_threshold must be in (0, 1], got %v", c.Tools.SimilarityThreshold)
	}
	if c.Tools.MaxParallel < 1 {
		return fmt.Errorf("tools.max_parallel must be at least 1")
	}

	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid storage.backend: %s (valid: file, sqlite)", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.Tasks.MaxParallel < 1 {
		return fmt.Errorf("tasks.max_parallel must be at least 1")
	}
	if c.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider.requests_per_second must not be negative")
	}
	return nil
}

func validateLimits(prefix string, soft, hard int) error {
	if soft < 1 || hard < 1 {
		return fmt.Errorf("%s: soft_limit and hard_limit must be at least 1", prefix)
	}
	if soft > hard {
		return fmt.Errorf("%s: soft_limit (%d) exceeds hard_limit (%d)", prefix, soft, hard)
	}
	return nil
}

// ResolveLimits returns the soft and hard call limits for a tool, applying
// per-tool overrides over the defaults.
func (t ToolsConfig) ResolveLimits(tool string) (soft, hard int) {
	soft, hard = t.SoftLimit, t.HardLimit
	if lim, ok := t.Limits[tool]; ok {
		if lim.SoftLimit > 0 {
			soft = lim.SoftLimit
		}
		if lim.HardLimit > 0 {
			hard = lim.HardLimit
		}
	}
	return soft, hard
}

// ResolveDir returns Storage.Dir with ~ expanded.
func (c *Config) ResolveDir() string {
	return expandHomeDir(c.Storage.Dir)
}

func loadConfigEnvVars(home string) map[string]string {
	if strings.TrimSpace(home) == "" {
		return nil
	}
	vars, err := godotenv.Read(filepath.Join(home, ".quarry", "config.env"))
	if err != nil {
		return nil
	}
	return vars
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
