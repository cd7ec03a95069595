package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stageline/internal/stage"
)

// Config models stageline.yml: the agent command catalog the director
// dispatches through, director defaults, and webhook targets.
type Config struct {
	Agents   map[string]AgentConfig `yaml:"agents"`
	Director DirectorDefaults       `yaml:"director"`
	Webhooks []WebhookConfig        `yaml:"webhooks"`
}

// AgentConfig describes how to execute one agent role. The command is run as
// a subprocess: task context on stdin, structured report on stdout.
type AgentConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// DirectorDefaults seed the director_settings row on first init; the DB row
// is authoritative afterwards.
type DirectorDefaults struct {
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
	EnforceTDD           bool   `yaml:"enforce_tdd"`
	EnforceNoDuplication bool   `yaml:"enforce_no_duplication"`
	EnforceSecurity      bool   `yaml:"enforce_security"`
	VisionModel          string `yaml:"vision_model"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for role, agent := range c.Agents {
		if _, err := stage.ParseRole(role); err != nil {
			return fmt.Errorf("agents: %w", err)
		}
		if agent.Command == "" {
			return fmt.Errorf("agent %s has no command", role)
		}
		if agent.TimeoutSeconds < 0 {
			return fmt.Errorf("agent %s has negative timeout", role)
		}
	}
	if c.Director.PollIntervalSeconds < 0 {
		return fmt.Errorf("director.poll_interval_seconds must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sgl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config: sane director defaults, no agents.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns the default config YAML for sgl config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# Agent command catalog: each role is executed as a subprocess with the
# task context on stdin and a JSON report expected on stdout.
agents: {}
# Example:
#   developer:
#     command: ./agents/developer.sh
#     timeout_seconds: 600

director:
  poll_interval_seconds: 30
  enforce_tdd: false
  enforce_no_duplication: false
  enforce_security: false
  vision_model: ""

webhooks: []
# Example:
#   - url: https://ci.example.com/hooks/stageline
#     events: [run.advanced, run.report]
#     secret: change-me
`
