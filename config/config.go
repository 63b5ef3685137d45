// Package config loads and validates the YAML experiment configuration.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "configs/exp_resnet18.yaml"

var (
	ErrMissingKey   = errors.New("missing required config key")
	ErrInvalidValue = errors.New("invalid config value")
)

// requiredKeys must appear in every configuration file.
var requiredKeys = []string{
	"batch_size",
	"num_workers",
	"learning_rate",
	"weight_decay",
	"num_classes",
	"num_epochs",
	"device",
}

// Config is the experiment configuration. It is not modified after Load.
type Config struct {
	BatchSize    int     `yaml:"batch_size"`
	NumWorkers   int     `yaml:"num_workers"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	NumClasses   int     `yaml:"num_classes"`
	NumEpochs    int     `yaml:"num_epochs"`
	Device       string  `yaml:"device"`
	Seed         *int64  `yaml:"seed,omitempty"`
	UseAMP       bool    `yaml:"use_amp"`

	DataRoot         string   `yaml:"data_root"`
	ImageSize        int      `yaml:"image_size"`
	InChannels       int      `yaml:"in_channels"`
	Momentum         float64  `yaml:"momentum"`
	CheckpointDir    string   `yaml:"checkpoint_dir"`
	CheckpointURI    string   `yaml:"checkpoint_uri,omitempty"`
	CheckpointFormat string   `yaml:"checkpoint_format"`
	AWSRegion        string   `yaml:"aws_region,omitempty"`
	CacheSize        int      `yaml:"cache_size"`
	LogPath          string   `yaml:"log_path"`
	LogLevel         string   `yaml:"log_level"`
	ResultsDSN       string   `yaml:"results_dsn,omitempty"`
	LRSchedule       string   `yaml:"lr_schedule"`
	LRStepSize       int      `yaml:"lr_step_size"`
	LRGamma          *float64 `yaml:"lr_gamma,omitempty"` // schedule default when unset
}

func defaults() Config {
	return Config{
		DataRoot:         "data",
		ImageSize:        64,
		InChannels:       1,
		CheckpointDir:    "model_states",
		CheckpointFormat: "binary",
		CacheSize:        1024,
		LogPath:          "logs/train.log",
		LogLevel:         "info",
		LRSchedule:       "constant",
		LRStepSize:       10,
	}
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s failed", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML, applies defaults for optional keys and validates.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrInvalidValue, "unmarshal config failed: %v", err)
	}
	for _, key := range requiredKeys {
		if v, ok := raw[key]; !ok || v == nil {
			return nil, errors.Wrapf(ErrMissingKey, "%q", key)
		}
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(ErrInvalidValue, "unmarshal config failed: %v", err)
	}
	cfg.Device = strings.TrimSpace(cfg.Device)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	invalid := func(key string, v any, rule string) error {
		return errors.Wrapf(ErrInvalidValue, "%s=%v: %s", key, v, rule)
	}
	switch {
	case c.BatchSize < 1:
		return invalid("batch_size", c.BatchSize, "must be at least 1")
	case c.NumWorkers < 0:
		return invalid("num_workers", c.NumWorkers, "cannot be negative")
	case c.LearningRate < 0:
		return invalid("learning_rate", c.LearningRate, "cannot be negative")
	case c.WeightDecay < 0:
		return invalid("weight_decay", c.WeightDecay, "cannot be negative")
	case c.NumClasses < 2:
		return invalid("num_classes", c.NumClasses, "must be at least 2")
	case c.NumEpochs < 0:
		return invalid("num_epochs", c.NumEpochs, "cannot be negative")
	case c.Device == "":
		return invalid("device", c.Device, "cannot be empty")
	case c.Momentum < 0 || c.Momentum > 1:
		return invalid("momentum", c.Momentum, "must be in [0, 1]")
	case c.ImageSize < 4:
		return invalid("image_size", c.ImageSize, "must be at least 4")
	case c.InChannels != 1 && c.InChannels != 3:
		return invalid("in_channels", c.InChannels, "must be 1 or 3")
	case c.CacheSize < 0:
		return invalid("cache_size", c.CacheSize, "cannot be negative")
	case c.LRStepSize < 1:
		return invalid("lr_step_size", c.LRStepSize, "must be at least 1")
	case c.LRGamma != nil && !(*c.LRGamma >= 0 && *c.LRGamma <= 1):
		return invalid("lr_gamma", *c.LRGamma, "must be in [0, 1]")
	}
	switch c.LRSchedule {
	case "constant", "step", "exponential", "cosine":
	default:
		return invalid("lr_schedule", c.LRSchedule, "must be constant, step, exponential or cosine")
	}
	switch c.CheckpointFormat {
	case "binary", "json":
	default:
		return invalid("checkpoint_format", c.CheckpointFormat, "must be binary or json")
	}
	if c.CheckpointURI != "" && !strings.HasPrefix(c.CheckpointURI, "s3://") {
		return invalid("checkpoint_uri", c.CheckpointURI, "must start with s3://")
	}
	if c.CheckpointURI == "" && c.CheckpointDir == "" {
		return invalid("checkpoint_dir", c.CheckpointDir, "cannot be empty without checkpoint_uri")
	}
	return nil
}

// Snapshot serializes the effective configuration, defaults included.
func (c *Config) Snapshot() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config failed")
	}
	return data, nil
}
