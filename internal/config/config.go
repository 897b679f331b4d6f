// Package config loads the orchestrator's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orchestrator/devchain/internal/logging"
)

// Config is the top-level orchestrator configuration loaded from YAML.
// Use Load to read from a file or DefaultConfig for sensible defaults.
type Config struct {
	Version   string           `yaml:"version"`
	Mode      string           `yaml:"mode"` // "normal" or "main", mirrors DEVCHAIN_MODE
	HTTP      *HTTPConfig      `yaml:"http"`
	Worktrees *WorktreesConfig `yaml:"worktrees"`
	Logging   *logging.Config  `yaml:"logging"`
	Providers []*ProviderSpec  `yaml:"providers"`
	Projects  []*ProjectConfig `yaml:"projects"`
}

// HTTPConfig configures the port the MCP endpoint and worktree proxy are
// served from.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// WorktreesConfig configures the worktree lifecycle service.
type WorktreesConfig struct {
	Root                 string `yaml:"root"`                    // WORKTREES_ROOT
	DataRoot             string `yaml:"data_root"`               // WORKTREES_DATA_ROOT
	TemplatesDir         string `yaml:"templates_dir"`           // TEMPLATES_DIR
	PoolSize             int    `yaml:"pool_size"`               // warm-pool size, 0 disables pooling
	DockerAvailabilityMS int    `yaml:"docker_availability_ms"`  // WORKTREES_DOCKER_AVAILABILITY_TTL_MS
	HealthWaitSeconds    int    `yaml:"health_wait_seconds"`
}

// ProviderSpec configures one registered provider (Claude, Codex, Gemini).
type ProviderSpec struct {
	Name                 string `yaml:"name"`
	BinPath              string `yaml:"bin_path"`
	AutoCompactThreshold int    `yaml:"auto_compact_threshold,omitempty"`
}

// ProjectConfig is a registered project (git repository) the orchestrator
// can attach worktrees to.
type ProjectConfig struct {
	Name          string `yaml:"name"`
	Path          string `yaml:"path"`
	DefaultBranch string `yaml:"default_branch"`
}

// DefaultConfig returns a Config with sensible defaults: HTTP on
// 127.0.0.1:9191, no worktree root override (Root left empty), normal
// mode.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Mode:    "normal",
		HTTP:    &HTTPConfig{Port: 9191},
		Worktrees: &WorktreesConfig{
			PoolSize:             0,
			DockerAvailabilityMS: 60000,
			HealthWaitSeconds:    30,
		},
		Logging:   logging.DefaultConfig(),
		Providers: defaultProviders(),
		Projects:  []*ProjectConfig{},
	}
}

func defaultProviders() []*ProviderSpec {
	return []*ProviderSpec{
		{Name: "claude", BinPath: "claude"},
		{Name: "codex", BinPath: "codex"},
		{Name: "gemini", BinPath: "gemini"},
	}
}

// Load reads and parses configuration from a YAML file. Environment
// variables in the file are expanded via os.ExpandEnv. If the file does
// not exist, defaults are returned rather than an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	for _, p := range cfg.Projects {
		p.Path = expandPath(p.Path)
	}
	if cfg.Worktrees != nil {
		cfg.Worktrees.Root = expandPath(cfg.Worktrees.Root)
		cfg.Worktrees.DataRoot = expandPath(cfg.Worktrees.DataRoot)
	}

	return cfg, nil
}

// Save writes cfg to path as YAML, creating the parent directory if
// needed.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultConfigPath returns ~/.devchain/config.yaml.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".devchain", "config.yaml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate checks port ranges and required fields.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("http configuration is required")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTP.Port)
	}
	if c.Mode != "normal" && c.Mode != "main" {
		return fmt.Errorf("invalid mode: %q (want normal or main)", c.Mode)
	}
	return nil
}

// GetProjectByPath returns the project configured for path, or nil.
func (c *Config) GetProjectByPath(path string) *ProjectConfig {
	for _, p := range c.Projects {
		if p.Path == path {
			return p
		}
	}
	return nil
}

// GetProjectByName returns the project matching name case-insensitively,
// or nil.
func (c *Config) GetProjectByName(name string) *ProjectConfig {
	lower := strings.ToLower(name)
	for _, p := range c.Projects {
		if strings.ToLower(p.Name) == lower {
			return p
		}
	}
	return nil
}

// MCPEndpoint returns the local MCP endpoint URL the orchestrator serves,
// derived from the configured HTTP port.
func (c *Config) MCPEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", c.HTTP.Port)
}
