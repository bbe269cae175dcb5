// Package config loads the YAML run configuration
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-lesion/checkpoints"
	"github.com/tsawler/go-lesion/training"
)

type Config struct {
	Corpora     []CorpusConfig           `yaml:"corpora"`
	Training    TrainingConfig           `yaml:"training"`
	Scheduler   training.SchedulerConfig `yaml:"scheduler"`
	Image       ImageConfig              `yaml:"image"`
	Checkpoints CheckpointConfig         `yaml:"checkpoints"`
	Metrics     MetricsConfig            `yaml:"metrics"`
	Logging     LoggingConfig            `yaml:"logging"`
}

// CorpusConfig is one labeled image corpus. A positive ValidationFraction holds out that share
// of the corpus for validation.
type CorpusConfig struct {
	Name               string  `yaml:"name"`
	Labels             string  `yaml:"labels"` // CSV label table
	Images             string  `yaml:"images"` // directory holding <identifier>.jpg
	ValidationFraction float64 `yaml:"validation_fraction"`
}

type TrainingConfig struct {
	Epochs       int       `yaml:"epochs"`
	BatchSize    int       `yaml:"batch_size"`
	Workers      int       `yaml:"workers"` // 0 picks one per physical core
	Prefetch     int       `yaml:"prefetch"`
	LearningRate float64   `yaml:"learning_rate"`
	WeightDecay  float64   `yaml:"weight_decay"`
	LossWeights  []float64 `yaml:"loss_weights"`
	WeightSource string    `yaml:"weight_source"` // unified or per-class
	ClassSources [2]string `yaml:"class_sources"`
	SplitSeed    int64     `yaml:"split_seed"`
	SamplerSeed  int64     `yaml:"sampler_seed"`
	VerifyImages bool      `yaml:"verify_images"`
	ShowProgress bool      `yaml:"show_progress"`
}

type ImageConfig struct {
	Size      int        `yaml:"size"`
	Mean      [3]float32 `yaml:"mean"`
	Std       [3]float32 `yaml:"std"`
	CacheSize int        `yaml:"cache_size"`
	Seed      int64      `yaml:"seed"`
}

type CheckpointConfig struct {
	Directory string `yaml:"directory"`
	ModelName string `yaml:"model_name"`
	Tag       string `yaml:"tag"`
	Extension string `yaml:"extension"`
	Format    string `yaml:"format"` // raw or proto
}

type MetricsConfig struct {
	Database string `yaml:"database"` // SQLite file; empty keeps metrics in memory only
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the configuration of the reference run
func Default() *Config {
	return &Config{
		Corpora: []CorpusConfig{
			{
				Name:               "isic-2020",
				Labels:             "isic-2020-resized/train-labels.csv",
				Images:             "isic-2020-resized/train-resized",
				ValidationFraction: 0.1,
			},
			{
				Name:   "isic-2019",
				Labels: "isic-2019-resized/train-labels.csv",
				Images: "isic-2019-resized/train-resized",
			},
		},
		Training: TrainingConfig{
			Epochs:       20,
			BatchSize:    16,
			Workers:      4,
			Prefetch:     2,
			LearningRate: 0.001,
			WeightDecay:  0.0001,
			LossWeights:  []float64{1.0, 13.0},
			WeightSource: string(training.WeightsPerClass),
			ClassSources: [2]string{"isic-2020", "isic-2019"},
			SplitSeed:    42,
			ShowProgress: true,
		},
		Scheduler: training.SchedulerConfig{
			Name:     "step",
			StepSize: 1,
			Gamma:    0.1,
		},
		Image: ImageConfig{
			Size:      224,
			Mean:      [3]float32{0.485, 0.456, 0.406},
			Std:       [3]float32{0.229, 0.224, 0.225},
			CacheSize: 1000,
		},
		Checkpoints: CheckpointConfig{
			Directory: "checkpoints",
			ModelName: "EfficientNet",
			Tag:       "l2reg0.001",
			Extension: "pth",
			Format:    "raw",
		},
		Metrics: MetricsConfig{
			Database: "logs/metrics.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configPath over the defaults. An empty path searches configs/lesion.yaml and
// lesion.yaml and falls back to the defaults when neither exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		for _, p := range []string{"configs/lesion.yaml", "lesion.yaml"} {
			data, err := os.ReadFile(p)
			if err == nil {
				if err := yaml.Unmarshal(data, cfg); err != nil {
					return cfg, errors.Wrapf(err, "failed to parse %s", p)
				}
				applyDefaults(cfg)
				return cfg, nil
			}
		}
		applyDefaults(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse %s", configPath)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Training.Prefetch <= 0 {
		cfg.Training.Prefetch = 2
	}
	if cfg.Training.WeightSource == "" {
		cfg.Training.WeightSource = string(training.WeightsUnified)
	}
	if cfg.Scheduler.Name == "" {
		cfg.Scheduler.Name = "step"
	}
	if cfg.Checkpoints.Format == "" {
		cfg.Checkpoints.Format = "raw"
	}
}

// Validate reports the first setting that cannot produce a run
func (c *Config) Validate() error {
	t := c.Training
	if t.Epochs <= 0 {
		return errors.Errorf("training.epochs must be positive, got %d", t.Epochs)
	}
	if t.BatchSize <= 0 {
		return errors.Errorf("training.batch_size must be positive, got %d", t.BatchSize)
	}
	if t.Workers < 0 {
		return errors.Errorf("training.workers must not be negative, got %d", t.Workers)
	}
	if t.LearningRate <= 0 {
		return errors.Errorf("training.learning_rate must be positive, got %v", t.LearningRate)
	}
	if t.WeightDecay < 0 {
		return errors.Errorf("training.weight_decay must not be negative, got %v", t.WeightDecay)
	}
	if len(t.LossWeights) != 2 {
		return errors.Errorf("training.loss_weights needs one weight per class, got %d", len(t.LossWeights))
	}
	for class, w := range t.LossWeights {
		if w <= 0 {
			return errors.Errorf("training.loss_weights[%d] must be positive, got %v", class, w)
		}
	}

	if len(c.Corpora) == 0 {
		return errors.New("at least one corpus is required")
	}
	names := make(map[string]bool)
	hasValidation := false
	for i, corpus := range c.Corpora {
		if corpus.Name == "" || corpus.Labels == "" || corpus.Images == "" {
			return errors.Errorf("corpora[%d] needs name, labels and images", i)
		}
		if names[corpus.Name] {
			return errors.Errorf("corpus %q is listed twice", corpus.Name)
		}
		names[corpus.Name] = true
		if corpus.ValidationFraction < 0 || corpus.ValidationFraction >= 1 {
			return errors.Errorf("corpus %q validation_fraction must be in [0, 1), got %v",
				corpus.Name, corpus.ValidationFraction)
		}
		if corpus.ValidationFraction > 0 {
			hasValidation = true
		}
	}
	if !hasValidation {
		return errors.New("no corpus provides a validation partition")
	}

	switch training.WeightSource(t.WeightSource) {
	case training.WeightsUnified:
	case training.WeightsPerClass:
		for class, name := range t.ClassSources {
			if !names[name] {
				return errors.Errorf("training.class_sources[%d] names unknown corpus %q", class, name)
			}
		}
	default:
		return errors.Errorf("unknown training.weight_source %q", t.WeightSource)
	}

	if _, err := training.NewScheduler(c.Scheduler); err != nil {
		return errors.Wrap(err, "invalid scheduler")
	}
	if c.Image.Size <= 0 {
		return errors.Errorf("image.size must be positive, got %d", c.Image.Size)
	}
	if _, err := checkpoints.ParseFormat(c.Checkpoints.Format); err != nil {
		return err
	}
	return nil
}

// CheckpointManagerConfig converts the checkpoint section for checkpoints.NewManager
func (c *Config) CheckpointManagerConfig() (checkpoints.Config, error) {
	format, err := checkpoints.ParseFormat(c.Checkpoints.Format)
	if err != nil {
		return checkpoints.Config{}, err
	}
	return checkpoints.Config{
		Directory: c.Checkpoints.Directory,
		ModelName: c.Checkpoints.ModelName,
		Tag:       c.Checkpoints.Tag,
		Extension: c.Checkpoints.Extension,
		Format:    format,
	}, nil
}

// LossWeights returns the loss weights as a per-class table. Call after Validate.
func (c *Config) LossWeights() [2]float64 {
	var w [2]float64
	copy(w[:], c.Training.LossWeights)
	return w
}
