// Package config loads and validates the guardloop configuration file.
//
// Configuration lives at ~/.guardloop/config.yaml by default. Unknown keys
// are preserved on round-trip, paths beginning with "~" are expanded, and a
// small set of GUARDLOOP_* environment variables override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode is the enforcement posture for a request.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeStrict   Mode = "strict"
)

// ToolConfig describes one wrapped CLI tool.
type ToolConfig struct {
	CLIPath string `yaml:"cli_path"`
	Enabled bool   `yaml:"enabled"`
	Timeout int    `yaml:"timeout"` // seconds per attempt
}

// GuardrailsConfig locates the static policy markdown tree.
type GuardrailsConfig struct {
	BasePath   string   `yaml:"base_path"`
	AgentsPath string   `yaml:"agents_path"`
	Files      []string `yaml:"files"`
}

// DatabaseConfig locates the sqlite store and its backups.
type DatabaseConfig struct {
	Path                string `yaml:"path"`
	BackupEnabled       bool   `yaml:"backup_enabled"`
	BackupIntervalHours int    `yaml:"backup_interval_hours"`
	BackupPath          string `yaml:"backup_path"`
}

// LoggingConfig controls the zap sink.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	BackupCount int    `yaml:"backup_count"`
}

// FeatureFlags gates optional subsystems.
type FeatureFlags struct {
	BackgroundAnalysis    bool `yaml:"background_analysis"`
	V2AdaptiveLearning    bool `yaml:"v2_adaptive_learning"`
	V2TaskClassification  bool `yaml:"v2_task_classification"`
	V2AutoSaveFiles       bool `yaml:"v2_auto_save_files"`
	V2ConversationHistory bool `yaml:"v2_conversation_history"`
	V2DynamicGuardrails   bool `yaml:"v2_dynamic_guardrails"`
	AnalysisWorker        bool `yaml:"analysis_worker"`
	MetricsWorker         bool `yaml:"metrics_worker"`
	MarkdownExport        bool `yaml:"markdown_export"`
	CleanupWorker         bool `yaml:"cleanup_worker"`
}

// TeamConfig configures optional guardrail sync with a shared repo.
type TeamConfig struct {
	Enabled           bool   `yaml:"enabled"`
	SyncRepo          string `yaml:"sync_repo"`
	SyncIntervalHours int    `yaml:"sync_interval_hours"`
	Branch            string `yaml:"branch"`
}

// Config is the root configuration consumed by the daemon.
type Config struct {
	Mode         Mode                  `yaml:"mode"`
	DefaultAgent string                `yaml:"default_agent"`
	Tools        map[string]ToolConfig `yaml:"tools"`
	Guardrails   GuardrailsConfig      `yaml:"guardrails"`
	Database     DatabaseConfig        `yaml:"database"`
	Logging      LoggingConfig         `yaml:"logging"`
	Features     FeatureFlags          `yaml:"features"`
	Team         TeamConfig            `yaml:"team"`

	// Extra preserves keys this version does not recognise.
	Extra map[string]any `yaml:",inline"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	home := homeDir()
	base := filepath.Join(home, ".guardloop")
	return &Config{
		Mode:         ModeStandard,
		DefaultAgent: "auto",
		Tools: map[string]ToolConfig{
			"claude": {CLIPath: "claude", Enabled: true, Timeout: 120},
			"gemini": {CLIPath: "gemini", Enabled: false, Timeout: 120},
			"codex":  {CLIPath: "codex", Enabled: false, Timeout: 120},
		},
		Guardrails: GuardrailsConfig{
			BasePath:   filepath.Join(base, "guardrails"),
			AgentsPath: filepath.Join(base, "guardrails", "agents"),
		},
		Database: DatabaseConfig{
			Path:                filepath.Join(base, "data", "guardloop.db"),
			BackupEnabled:       true,
			BackupIntervalHours: 24,
			BackupPath:          filepath.Join(base, "backups"),
		},
		Logging: LoggingConfig{
			Level:       "info",
			File:        filepath.Join(base, "logs", "guardloop.log"),
			MaxSizeMB:   50,
			BackupCount: 3,
		},
		Features: FeatureFlags{
			BackgroundAnalysis:    true,
			V2AdaptiveLearning:    true,
			V2TaskClassification:  true,
			V2AutoSaveFiles:       false,
			V2ConversationHistory: true,
			V2DynamicGuardrails:   true,
			AnalysisWorker:        true,
			MetricsWorker:         true,
			MarkdownExport:        true,
			CleanupWorker:         true,
		},
		Team: TeamConfig{SyncIntervalHours: 24, Branch: "main"},
	}
}

// Load reads the YAML file at path, applies defaults for absent sections,
// expands "~" in paths, and applies environment overrides. A missing file
// yields DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.expandPaths()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum domains and required paths.
func (c *Config) Validate() error {
	if c.Mode != ModeStandard && c.Mode != ModeStrict {
		return fmt.Errorf("invalid mode %q: must be standard or strict", c.Mode)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	for name, tool := range c.Tools {
		if tool.Enabled && tool.CLIPath == "" {
			return fmt.Errorf("tool %q is enabled but has no cli_path", name)
		}
	}
	return nil
}

// Tool returns the config for a named tool, case-insensitively.
func (c *Config) Tool(name string) (ToolConfig, bool) {
	tc, ok := c.Tools[strings.ToLower(name)]
	return tc, ok
}

// Save writes the config back to path, preserving unknown keys.
func (c *Config) Save(path string) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ExpandPath expands a leading "~" to the user home directory.
func ExpandPath(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func (c *Config) expandPaths() {
	c.Guardrails.BasePath = ExpandPath(c.Guardrails.BasePath)
	c.Guardrails.AgentsPath = ExpandPath(c.Guardrails.AgentsPath)
	c.Database.Path = ExpandPath(c.Database.Path)
	c.Database.BackupPath = ExpandPath(c.Database.BackupPath)
	c.Logging.File = ExpandPath(c.Logging.File)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GUARDLOOP_MODE"); v != "" {
		c.Mode = Mode(strings.ToLower(v))
	}
	if v := os.Getenv("GUARDLOOP_DB_PATH"); v != "" {
		c.Database.Path = ExpandPath(v)
	}
	if v := os.Getenv("GUARDLOOP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GUARDLOOP_DEFAULT_AGENT"); v != "" {
		c.DefaultAgent = v
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
