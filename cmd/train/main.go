package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-lesion/checkpoints"
	"github.com/tsawler/go-lesion/config"
	"github.com/tsawler/go-lesion/device"
	"github.com/tsawler/go-lesion/layers"
	"github.com/tsawler/go-lesion/logging"
	"github.com/tsawler/go-lesion/optimizer"
	"github.com/tsawler/go-lesion/training"
	"github.com/tsawler/go-lesion/vision/dataset"
	"github.com/tsawler/go-lesion/vision/preprocessing"
)

type args struct {
	Config        string  `arg:"--config" help:"YAML configuration file (default: configs/lesion.yaml or lesion.yaml)"`
	Epochs        int     `arg:"--epochs" help:"override training.epochs"`
	BatchSize     int     `arg:"--batch-size" help:"override training.batch_size"`
	Workers       *int    `arg:"--workers" help:"override training.workers (0 = one per physical core)"`
	CheckpointDir string  `arg:"--checkpoint-dir" help:"override checkpoints.directory"`
	MetricsDB     *string `arg:"--metrics-db" help:"override metrics.database (empty disables the SQLite sink)"`
	LogLevel      string  `arg:"--log-level" help:"debug, info, warn or error"`
	Console       bool    `arg:"--console" help:"human-readable log output"`
	DryRun        bool    `arg:"--dry-run" help:"run the pre-flight checks and exit"`
}

func (args) Description() string {
	return "Fine-tunes a binary skin lesion classifier over class-imbalanced image corpora."
}

func main() {
	var a args
	arg.MustParse(&a)

	if err := run(a); err != nil {
		fmt.Fprintf(os.Stderr, "train: %v\n", err)
		os.Exit(1)
	}
}

func run(a args) error {
	cfg, err := config.Load(a.Config)
	if err != nil {
		return err
	}
	applyOverrides(cfg, a)
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Console: cfg.Logging.Console})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	dev := device.Select(nil, logger)
	if cfg.Training.Workers == 0 {
		cfg.Training.Workers = device.DefaultWorkers()
	}

	data, err := loadData(fs, cfg, logger)
	if err != nil {
		return err
	}

	model, err := layers.NewPooledLinear(3, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		return err
	}
	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = cfg.Training.LearningRate
	adamConfig.WeightDecay = cfg.Training.WeightDecay
	opt, err := optimizer.NewAdamW(model.Parameters(), adamConfig)
	if err != nil {
		return err
	}
	logger.Info("model ready", zap.String("model", model.Summary()), zap.Stringer("device", dev))

	ckptConfig, err := cfg.CheckpointManagerConfig()
	if err != nil {
		return err
	}
	manager, err := checkpoints.NewManager(fs, ckptConfig, logger)
	if err != nil {
		return err
	}

	scheduler, err := training.NewScheduler(cfg.Scheduler)
	if err != nil {
		return err
	}

	recorder, err := newRecorder(cfg.Metrics.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Error("failed to close metrics recorder", zap.Error(err))
		}
	}()

	orch, err := training.NewOrchestrator(
		training.Context{Device: dev, Model: model, Optimizer: opt},
		training.OrchestratorConfig{
			Epochs:        cfg.Training.Epochs,
			BatchSize:     cfg.Training.BatchSize,
			Workers:       cfg.Training.Workers,
			PrefetchDepth: cfg.Training.Prefetch,
			LossWeights:   cfg.LossWeights(),
			WeightSource:  training.WeightSource(cfg.Training.WeightSource),
			ClassSources:  cfg.Training.ClassSources,
			SamplerSeed:   cfg.Training.SamplerSeed,
			VerifyImages:  cfg.Training.VerifyImages,
			ShowProgress:  cfg.Training.ShowProgress,
		},
		data,
		training.Components{
			Checkpoints: manager,
			Scheduler:   scheduler,
			Recorder:    recorder,
			Logger:      logger,
		},
	)
	if err != nil {
		return err
	}
	orch.OnTransition(func(from, to training.State) {
		logger.Debug("state change", zap.Stringer("from", from), zap.Stringer("to", to))
	})

	if a.DryRun {
		sampler, err := orch.Preflight()
		if err != nil {
			return err
		}
		logger.Info("dry run complete",
			zap.Int("train_samples", sampler.Len()),
			zap.Float64("expected_positive_fraction", sampler.ExpectedPositiveFraction()),
		)
		return nil
	}

	return orch.Run(ctx)
}

func applyOverrides(cfg *config.Config, a args) {
	if a.Epochs > 0 {
		cfg.Training.Epochs = a.Epochs
	}
	if a.BatchSize > 0 {
		cfg.Training.BatchSize = a.BatchSize
	}
	if a.Workers != nil {
		cfg.Training.Workers = *a.Workers
	}
	if a.CheckpointDir != "" {
		cfg.Checkpoints.Directory = a.CheckpointDir
	}
	if a.MetricsDB != nil {
		cfg.Metrics.Database = *a.MetricsDB
	}
	if a.LogLevel != "" {
		cfg.Logging.Level = a.LogLevel
	}
	if a.Console {
		cfg.Logging.Console = true
	}
}

// loadData reads every corpus, holds out its validation share and assembles the two composites
func loadData(fs afero.Fs, cfg *config.Config, logger *zap.Logger) (training.Data, error) {
	var train, validation []*dataset.SampleIndex
	for _, corpus := range cfg.Corpora {
		index, err := dataset.LoadSampleIndex(fs, corpus.Name, corpus.Labels, corpus.Images)
		if err != nil {
			return training.Data{}, err
		}

		if corpus.ValidationFraction == 0 {
			train = append(train, index)
			continue
		}
		t, v, err := dataset.Split(index, corpus.ValidationFraction, cfg.Training.SplitSeed)
		if err != nil {
			return training.Data{}, err
		}
		train = append(train, t)
		validation = append(validation, v)

		logger.Info("split corpus",
			zap.String("corpus", corpus.Name),
			zap.Int("train", t.Len()),
			zap.Int("validation", v.Len()),
		)
	}

	trainSet, err := dataset.NewCompositeDataset(train...)
	if err != nil {
		return training.Data{}, err
	}
	validationSet, err := dataset.NewCompositeDataset(validation...)
	if err != nil {
		return training.Data{}, err
	}

	pipeline, err := preprocessing.NewImagePipeline(fs, preprocessing.Options{
		Size:      cfg.Image.Size,
		Mean:      cfg.Image.Mean,
		Std:       cfg.Image.Std,
		CacheSize: cfg.Image.CacheSize,
		Seed:      cfg.Image.Seed,
	})
	if err != nil {
		return training.Data{}, err
	}

	return training.Data{
		Train:          trainSet,
		Validation:     validationSet,
		TrainTransform: pipeline.Variant(preprocessing.Train),
		EvalTransform:  pipeline.Variant(preprocessing.Eval),
	}, nil
}

func newRecorder(database string, logger *zap.Logger) (*training.MetricsRecorder, error) {
	if database == "" {
		return training.NewMetricsRecorder(), nil
	}
	if err := os.MkdirAll(filepath.Dir(database), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create metrics directory")
	}
	sink, err := training.NewSQLiteSink(database)
	if err != nil {
		return nil, err
	}
	logger.Info("recording metrics", zap.String("database", database), zap.String("run", sink.Run()))
	return training.NewMetricsRecorder(sink), nil
}
