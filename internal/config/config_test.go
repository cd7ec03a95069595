package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"stageline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Director.PollIntervalSeconds != 30 {
		t.Fatalf("default poll interval %d", cfg.Director.PollIntervalSeconds)
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template does not parse: %v", err)
	}
	if len(cfg.Agents) != 0 {
		t.Fatalf("template ships %d agents, want none", len(cfg.Agents))
	}
}

func TestFromYAMLRejectsUnknownAgentRole(t *testing.T) {
	_, err := config.FromYAML([]byte(`
agents:
  intern:
    command: ./agent.sh
`))
	if err == nil {
		t.Fatal("unknown role must be rejected")
	}
}

func TestFromYAMLRejectsAgentWithoutCommand(t *testing.T) {
	_, err := config.FromYAML([]byte(`
agents:
  developer:
    timeout_seconds: 60
`))
	if err == nil {
		t.Fatal("agent without command must be rejected")
	}
}

func TestFromYAMLRejectsEmptyWebhookURL(t *testing.T) {
	_, err := config.FromYAML([]byte(`
webhooks:
  - url: ""
`))
	if err == nil {
		t.Fatal("webhook without url must be rejected")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg == nil || len(cfg.Agents) != 0 {
		t.Fatal("missing file must yield defaults")
	}

	yml := `
agents:
  developer:
    command: ./agents/dev.sh
    timeout_seconds: 120
director:
  poll_interval_seconds: 5
`
	if err := os.WriteFile(filepath.Join(dir, "stageline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	agent, ok := cfg.Agents["developer"]
	if !ok || agent.Command != "./agents/dev.sh" || agent.TimeoutSeconds != 120 {
		t.Fatalf("agent not loaded: %+v", cfg.Agents)
	}
	if cfg.Director.PollIntervalSeconds != 5 {
		t.Fatalf("poll interval %d", cfg.Director.PollIntervalSeconds)
	}
}

func TestLoadRequiresFile(t *testing.T) {
	if _, err := config.Load(t.TempDir()); err == nil {
		t.Fatal("Load must fail without a config file")
	}
}
