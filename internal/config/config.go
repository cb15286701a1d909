package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all attune configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Data      DataConfig      `toml:"data"`
	Model     ModelConfig     `toml:"model"`
	Cache     CacheConfig     `toml:"cache"`
	Training  TrainingConfig  `toml:"training"`
	EWC       EWCConfig       `toml:"ewc"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Embedder  EmbedderConfig  `toml:"embedder"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DataConfig struct {
	Dir string `toml:"dir"` // resolved at runtime via DefaultDataDir() when empty
}

// LayerConfig describes one stage of the transform stack.
type LayerConfig struct {
	Out        int    `toml:"out"`        // 0 means the embedding dimension
	Activation string `toml:"activation"` // "relu", "tanh", "sigmoid", "leaky-relu", "linear"
	Normalize  bool   `toml:"normalize"`
}

type ModelConfig struct {
	Dimension      int           `toml:"dimension"`
	Layers         []LayerConfig `toml:"layers"`
	AttentionBlend float64       `toml:"attention_blend"` // weight of the neighbor aggregate vs the center
	MaxGraphNodes  int           `toml:"max_graph_nodes"`
	InitScale      float64       `toml:"init_scale"`
	Seed           int64         `toml:"seed"`
}

type CacheConfig struct {
	MaxBytes int64 `toml:"max_bytes"`
}

type TrainingConfig struct {
	Epochs                int     `toml:"epochs"`
	BatchSize             int     `toml:"batch_size"`
	LearningRate          float64 `toml:"learning_rate"`
	LRDecay               float64 `toml:"lr_decay"` // multiplied into the learning rate after each epoch
	Beta1                 float64 `toml:"beta1"`
	Beta2                 float64 `toml:"beta2"`
	Epsilon               float64 `toml:"epsilon"`
	MaxGradNorm           float64 `toml:"max_grad_norm"`
	Margin                float64 `toml:"margin"`
	PositiveThreshold     float64 `toml:"positive_threshold"`
	NegativeThreshold     float64 `toml:"negative_threshold"`
	ValidationSplit       float64 `toml:"validation_split"`
	EarlyStoppingPatience int     `toml:"early_stopping_patience"`
	MinDelta              float64 `toml:"min_delta"`
	YieldInterval         int     `toml:"yield_interval"` // batches between cooperative yields
	Parallelism           int     `toml:"parallelism"`    // 0 = physical cores
}

type EWCConfig struct {
	Lambda             float64 `toml:"lambda"`
	ConsolidateOnTrain bool    `toml:"consolidate_on_train"` // run completeTask after every successful run
}

type SchedulerConfig struct {
	MinSamples       int           `toml:"min_samples"`
	MaxBufferSize    int           `toml:"max_buffer_size"`
	Cooldown         time.Duration `toml:"cooldown"`
	ForceWaitTimeout time.Duration `toml:"force_wait_timeout"`
	EnhanceTimeout   time.Duration `toml:"enhance_timeout"` // bound on context-graph lookups
	HistoryRetention time.Duration `toml:"history_retention"`
}

// EmbedderConfig selects how text is turned into a base embedding for the
// text enhance path.
type EmbedderConfig struct {
	Provider  string `toml:"provider"` // "ollama", "hash", or "" to probe ollama then fall back to hash
	OllamaURL string `toml:"ollama_url"`
	Model     string `toml:"model"` // e.g. "nomic-embed-text"
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Data: DataConfig{
			Dir: "", // resolved at runtime via DefaultDataDir()
		},
		Model: ModelConfig{
			Dimension: 1536,
			Layers: []LayerConfig{
				{Activation: "leaky-relu", Normalize: true},
				{Activation: "tanh"},
			},
			AttentionBlend: 0.5,
			MaxGraphNodes:  64,
			InitScale:      0.02,
			Seed:           1,
		},
		Cache: CacheConfig{
			MaxBytes: 64 << 20,
		},
		Training: TrainingConfig{
			Epochs:                10,
			BatchSize:             32,
			LearningRate:          1e-3,
			LRDecay:               0.95,
			Beta1:                 0.9,
			Beta2:                 0.999,
			Epsilon:               1e-8,
			MaxGradNorm:           1.0,
			Margin:                0.5,
			PositiveThreshold:     0.7,
			NegativeThreshold:     0.5,
			ValidationSplit:       0.2,
			EarlyStoppingPatience: 3,
			MinDelta:              1e-4,
			YieldInterval:         1,
		},
		EWC: EWCConfig{
			Lambda:             1000,
			ConsolidateOnTrain: true,
		},
		Scheduler: SchedulerConfig{
			MinSamples:       50,
			MaxBufferSize:    1000,
			Cooldown:         5 * time.Minute,
			ForceWaitTimeout: 30 * time.Second,
			EnhanceTimeout:   250 * time.Millisecond,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		Embedder: EmbedderConfig{
			OllamaURL: "http://localhost:11434",
			Model:     "nomic-embed-text",
		},
	}
}

// DefaultDataDir returns the default state directory: ~/.attune
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".attune"), nil
}

// Load reads a TOML config file over the defaults, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if dir := os.Getenv("ATTUNE_DATA_DIR"); dir != "" {
		c.Data.Dir = dir
	}
	if bind := os.Getenv("ATTUNE_BIND"); bind != "" {
		c.Server.Bind = bind
	}
	if port := os.Getenv("ATTUNE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("ATTUNE_PORT: %w", err)
		}
		c.Server.Port = p
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Model.Dimension <= 0 {
		return fmt.Errorf("model.dimension must be positive, got %d", c.Model.Dimension)
	}
	if len(c.Model.Layers) == 0 {
		return fmt.Errorf("model.layers must not be empty")
	}
	if c.Model.AttentionBlend < 0 || c.Model.AttentionBlend > 1 {
		return fmt.Errorf("model.attention_blend must be in [0,1], got %g", c.Model.AttentionBlend)
	}
	if c.Training.BatchSize <= 0 {
		return fmt.Errorf("training.batch_size must be positive, got %d", c.Training.BatchSize)
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.NegativeThreshold > c.Training.PositiveThreshold {
		return fmt.Errorf("training.negative_threshold (%g) above positive_threshold (%g)",
			c.Training.NegativeThreshold, c.Training.PositiveThreshold)
	}
	if c.Training.ValidationSplit < 0 || c.Training.ValidationSplit >= 1 {
		return fmt.Errorf("training.validation_split must be in [0,1), got %g", c.Training.ValidationSplit)
	}
	switch c.Embedder.Provider {
	case "", "ollama", "hash":
	default:
		return fmt.Errorf("embedder.provider must be ollama or hash, got %q", c.Embedder.Provider)
	}
	if c.Scheduler.MinSamples <= 0 {
		return fmt.Errorf("scheduler.min_samples must be positive, got %d", c.Scheduler.MinSamples)
	}
	if c.Scheduler.MaxBufferSize < c.Scheduler.MinSamples {
		return fmt.Errorf("scheduler.max_buffer_size (%d) below min_samples (%d)",
			c.Scheduler.MaxBufferSize, c.Scheduler.MinSamples)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
