package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	if cfg.Model.Dimension != 1536 {
		t.Errorf("Dimension = %d, want 1536", cfg.Model.Dimension)
	}
	if cfg.Training.Beta1 != 0.9 || cfg.Training.Beta2 != 0.999 {
		t.Errorf("betas = %g/%g, want 0.9/0.999", cfg.Training.Beta1, cfg.Training.Beta2)
	}
	if cfg.Scheduler.MinSamples != 50 || cfg.Scheduler.Cooldown != 5*time.Minute {
		t.Errorf("scheduler = %d/%v, want 50/5m", cfg.Scheduler.MinSamples, cfg.Scheduler.Cooldown)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	if got := cfg.ListenAddr(); got != "127.0.0.1:37778" {
		t.Errorf("ListenAddr = %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attune.toml")
	content := `
[model]
dimension = 16

[training]
epochs = 3
batch_size = 4

[scheduler]
min_samples = 10
max_buffer_size = 20
cooldown = "30s"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model.Dimension != 16 {
		t.Errorf("Dimension = %d, want 16", cfg.Model.Dimension)
	}
	if cfg.Training.Epochs != 3 || cfg.Training.BatchSize != 4 {
		t.Errorf("training = %d/%d, want 3/4", cfg.Training.Epochs, cfg.Training.BatchSize)
	}
	if cfg.Scheduler.Cooldown != 30*time.Second {
		t.Errorf("Cooldown = %v, want 30s", cfg.Scheduler.Cooldown)
	}
	// Untouched keys keep their defaults
	if cfg.Training.Margin != 0.5 {
		t.Errorf("Margin = %g, want 0.5", cfg.Training.Margin)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load missing: %v", err)
	}
	if cfg.Model.Dimension != 1536 {
		t.Errorf("Dimension = %d, want default", cfg.Model.Dimension)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ATTUNE_DATA_DIR", "/tmp/attune-test")
	t.Setenv("ATTUNE_PORT", "40000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Data.Dir != "/tmp/attune-test" {
		t.Errorf("Data.Dir = %q", cfg.Data.Dir)
	}
	if cfg.Server.Port != 40000 {
		t.Errorf("Port = %d, want 40000", cfg.Server.Port)
	}
}

func TestLoadBadPort(t *testing.T) {
	t.Setenv("ATTUNE_PORT", "not-a-port")
	if _, err := Load(""); err == nil {
		t.Error("expected error for bad ATTUNE_PORT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dimension", func(c *Config) { c.Model.Dimension = 0 }},
		{"no layers", func(c *Config) { c.Model.Layers = nil }},
		{"blend out of range", func(c *Config) { c.Model.AttentionBlend = 1.5 }},
		{"zero batch", func(c *Config) { c.Training.BatchSize = 0 }},
		{"thresholds inverted", func(c *Config) { c.Training.NegativeThreshold = 0.9 }},
		{"split of one", func(c *Config) { c.Training.ValidationSplit = 1 }},
		{"buffer below min", func(c *Config) { c.Scheduler.MaxBufferSize = 10 }},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
