package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-lesion/checkpoints"
	"github.com/tsawler/go-lesion/vision/dataloader"
	"github.com/tsawler/go-lesion/vision/dataset"
)

// State is the orchestrator's position in the run
type State int

const (
	Idle State = iota
	TrainingEpoch
	ValidatingEpoch
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TrainingEpoch:
		return "training"
	case ValidatingEpoch:
		return "validating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// OrchestratorConfig holds the run parameters
type OrchestratorConfig struct {
	Epochs        int
	BatchSize     int
	Workers       int
	PrefetchDepth int
	LossWeights   [2]float64
	WeightSource  WeightSource
	ClassSources  [2]string // corpus per class, used with WeightsPerClass
	SamplerSeed   int64     // 0 seeds from the clock
	VerifyImages  bool      // check every image exists before the first batch
	ShowProgress  bool
}

// Data is what the run trains and validates on
type Data struct {
	Train          *dataset.CompositeDataset
	Validation     *dataset.CompositeDataset
	TrainTransform dataset.Transform
	EvalTransform  dataset.Transform
}

// Components are the services the orchestrator drives. Recorder, Scheduler and Logger are
// optional.
type Components struct {
	Checkpoints *checkpoints.Manager
	Scheduler   LRScheduler
	Recorder    *MetricsRecorder
	Logger      *zap.Logger
}

// Orchestrator runs the epoch loop: sample, train, checkpoint, decay, validate
type Orchestrator struct {
	tc     Context
	cfg    OrchestratorConfig
	data   Data
	loss   *WeightedCrossEntropy
	comps  Components
	logger *zap.Logger

	state        State
	onTransition func(from, to State)
}

// NewOrchestrator validates the configuration and wires the collaborators
func NewOrchestrator(tc Context, cfg OrchestratorConfig, data Data, comps Components) (*Orchestrator, error) {
	if tc.Model == nil || tc.Optimizer == nil {
		return nil, errors.New("model and optimizer are required")
	}
	if data.Train == nil || data.Validation == nil {
		return nil, errors.New("training and validation datasets are required")
	}
	if data.TrainTransform == nil || data.EvalTransform == nil {
		return nil, errors.New("training and evaluation transforms are required")
	}
	if comps.Checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}

	loss, err := NewWeightedCrossEntropy(cfg.LossWeights)
	if err != nil {
		return nil, err
	}

	if comps.Scheduler == nil {
		comps.Scheduler = &NoOpScheduler{}
	}
	if comps.Recorder == nil {
		comps.Recorder = NewMetricsRecorder()
	}
	if comps.Logger == nil {
		comps.Logger = zap.NewNop()
	}

	return &Orchestrator{
		tc:     tc,
		cfg:    cfg,
		data:   data,
		loss:   loss,
		comps:  comps,
		logger: comps.Logger,
		state:  Idle,
	}, nil
}

// OnTransition registers a hook called on every state change, on the run goroutine
func (o *Orchestrator) OnTransition(hook func(from, to State)) {
	o.onTransition = hook
}

// State returns the current state
func (o *Orchestrator) State() State {
	return o.state
}

// History returns every recorded EpochMetrics
func (o *Orchestrator) History() []EpochMetrics {
	return o.comps.Recorder.History()
}

// Recorder returns the metrics recorder
func (o *Orchestrator) Recorder() *MetricsRecorder {
	return o.comps.Recorder
}

func (o *Orchestrator) transition(to State) {
	from := o.state
	o.state = to
	if o.onTransition != nil {
		o.onTransition(from, to)
	}
}

func (o *Orchestrator) fail(err error) error {
	o.transition(Failed)
	o.logger.Error("training failed", zap.Error(err), zap.String("state", o.state.String()))
	return err
}

// Preflight runs every check that must pass before the first batch and returns the sampler
// the run would use
func (o *Orchestrator) Preflight() (*ImbalanceSampler, error) {
	if o.data.Train.Len() == 0 {
		return nil, errors.New("training set is empty")
	}
	if o.data.Validation.Len() == 0 {
		return nil, errors.New("validation set is empty")
	}

	for _, d := range []*dataset.CompositeDataset{o.data.Train, o.data.Validation} {
		if err := d.ValidateLabels(); err != nil {
			return nil, err
		}
	}

	weights, err := ClassWeightsFor(o.data.Train, o.cfg.WeightSource, o.cfg.ClassSources)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if o.cfg.SamplerSeed != 0 {
		rng = rand.New(rand.NewSource(o.cfg.SamplerSeed))
	}
	sampler, err := NewImbalanceSampler(o.data.Train.Labels(), weights, rng)
	if err != nil {
		return nil, err
	}

	conflicts, err := o.comps.Checkpoints.Conflicts(o.cfg.Epochs)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, &checkpoints.ExistsError{Path: conflicts[0]}
	}

	if o.cfg.VerifyImages {
		for _, d := range []*dataset.CompositeDataset{o.data.Train, o.data.Validation} {
			if err := d.VerifyAll(); err != nil {
				return nil, err
			}
		}
	}

	o.logger.Info("pre-flight passed",
		zap.Stringer("train", o.data.Train),
		zap.Stringer("validation", o.data.Validation),
		zap.Float64("weight_class0", weights[0]),
		zap.Float64("weight_class1", weights[1]),
		zap.Float64("expected_positive_fraction", sampler.ExpectedPositiveFraction()),
		zap.Stringer("device", o.tc.Device),
	)
	return sampler, nil
}

// Run trains for the configured number of epochs. Any error moves the orchestrator to Failed
// and is returned unchanged; there are no retries.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.state != Idle {
		return errors.Errorf("orchestrator already ran (state %s)", o.state)
	}

	sampler, err := o.Preflight()
	if err != nil {
		return o.fail(err)
	}

	stepper := NewLRStepper(o.comps.Scheduler, o.tc.Optimizer)
	start := time.Now()

	for epoch := 0; epoch < o.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return o.fail(errors.Wrapf(err, "training cancelled before epoch %d", epoch+1))
		}

		o.transition(TrainingEpoch)
		train, err := o.trainEpoch(ctx, epoch, sampler)
		if err != nil {
			return o.fail(err)
		}
		if err := o.comps.Recorder.Record(train); err != nil {
			return o.fail(err)
		}
		sinceStart := time.Since(start).Round(time.Millisecond)
		o.logger.Info(FormatTrainingSummary(train, o.cfg.Epochs, sinceStart),
			zap.Int("epoch", epoch+1),
			zap.Float64("loss", train.MeanLoss),
			zap.Duration("elapsed", sinceStart),
			zap.Duration("epoch_duration", train.Elapsed),
			zap.Float64("acc", train.Accuracy),
			zap.Float64("acc_class0", train.ClassAccuracy[0]),
			zap.Float64("acc_class1", train.ClassAccuracy[1]),
			zap.Float64("lr", train.LearningRate),
		)

		meta := checkpoints.Metadata{
			LearningRate:  train.LearningRate,
			TrainLoss:     train.MeanLoss,
			TrainAccuracy: train.Accuracy,
		}
		if _, err := o.comps.Checkpoints.Save(epoch+1, meta, o.tc.Model.SaveParameters); err != nil {
			return o.fail(err)
		}

		stepper.Step()

		o.transition(ValidatingEpoch)
		validation, err := o.validateEpoch(ctx, epoch)
		if err != nil {
			return o.fail(err)
		}
		if err := o.comps.Recorder.Record(validation); err != nil {
			return o.fail(err)
		}
		o.logger.Info(FormatValidationSummary(validation),
			zap.Int("epoch", epoch+1),
			zap.Float64("val_acc", validation.Accuracy),
			zap.Float64("val_acc_class0", validation.ClassAccuracy[0]),
			zap.Float64("val_acc_class1", validation.ClassAccuracy[1]),
		)
	}

	o.transition(Done)
	return nil
}

func (o *Orchestrator) newLoader(ctx context.Context, d *dataset.CompositeDataset, t dataset.Transform, indices []int) (*dataloader.DataLoader, error) {
	loader, err := dataloader.NewDataLoader(d, t, indices, dataloader.Config{
		BatchSize:     o.cfg.BatchSize,
		Workers:       o.cfg.Workers,
		PrefetchDepth: o.cfg.PrefetchDepth,
	})
	if err != nil {
		return nil, err
	}
	if err := loader.Start(ctx); err != nil {
		return nil, err
	}
	return loader, nil
}

func (o *Orchestrator) trainEpoch(ctx context.Context, epoch int, sampler *ImbalanceSampler) (EpochMetrics, error) {
	indices := sampler.Draw()
	loader, err := o.newLoader(ctx, o.data.Train, o.data.TrainTransform, indices)
	if err != nil {
		return EpochMetrics{}, err
	}
	defer loader.Stop()

	o.tc.Model.SetTrainMode(true)
	lr := o.tc.Optimizer.LearningRate()
	acc := NewEpochAccumulator(epoch, PhaseTraining)

	description := fmt.Sprintf("Epoch %d/%d", epoch+1, o.cfg.Epochs)
	err = runBatches(loader.NumBatches(), description, o.cfg.ShowProgress, func(b int) error {
		batch, err := o.nextBatch(loader, epoch, PhaseTraining)
		if err != nil {
			return err
		}

		o.tc.Optimizer.ZeroGrad()
		logits, err := o.tc.Model.Forward(batch.Inputs, batch.Shape)
		if err != nil {
			return errors.Wrapf(err, "forward pass failed at epoch %d, batch %d", epoch+1, b)
		}
		loss, grad, err := o.loss.Compute(logits, batch.Labels)
		if err != nil {
			return errors.Wrapf(err, "loss failed at epoch %d, batch %d", epoch+1, b)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return &NonFiniteLossError{Epoch: epoch, Batch: b, Phase: PhaseTraining, Loss: loss}
		}
		if err := o.tc.Model.Backward(grad); err != nil {
			return errors.Wrapf(err, "backward pass failed at epoch %d, batch %d", epoch+1, b)
		}
		if err := o.tc.Optimizer.Step(); err != nil {
			return errors.Wrapf(err, "optimizer step failed at epoch %d, batch %d", epoch+1, b)
		}
		return acc.AddBatch(loss, logits, batch.Labels)
	})
	if err != nil {
		return EpochMetrics{}, err
	}

	return o.finalize(acc, lr)
}

func (o *Orchestrator) validateEpoch(ctx context.Context, epoch int) (EpochMetrics, error) {
	indices := make([]int, o.data.Validation.Len())
	for i := range indices {
		indices[i] = i
	}
	loader, err := o.newLoader(ctx, o.data.Validation, o.data.EvalTransform, indices)
	if err != nil {
		return EpochMetrics{}, err
	}
	defer loader.Stop()

	o.tc.Model.SetTrainMode(false)
	acc := NewEpochAccumulator(epoch, PhaseValidation)

	description := fmt.Sprintf("Validation %d/%d", epoch+1, o.cfg.Epochs)
	err = runBatches(loader.NumBatches(), description, o.cfg.ShowProgress, func(b int) error {
		batch, err := o.nextBatch(loader, epoch, PhaseValidation)
		if err != nil {
			return err
		}

		logits, err := o.tc.Model.Forward(batch.Inputs, batch.Shape)
		if err != nil {
			return errors.Wrapf(err, "forward pass failed during validation %d, batch %d", epoch+1, b)
		}
		loss, _, err := o.loss.Compute(logits, batch.Labels)
		if err != nil {
			return errors.Wrapf(err, "loss failed during validation %d, batch %d", epoch+1, b)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return &NonFiniteLossError{Epoch: epoch, Batch: b, Phase: PhaseValidation, Loss: loss}
		}
		return acc.AddBatch(loss, logits, batch.Labels)
	})
	if err != nil {
		return EpochMetrics{}, err
	}

	return o.finalize(acc, o.tc.Optimizer.LearningRate())
}

// nextBatch pulls one batch and wraps dataset failures in a DataIntegrityError
func (o *Orchestrator) nextBatch(loader *dataloader.DataLoader, epoch int, phase Phase) (*dataloader.Batch, error) {
	batch, err := loader.Next()
	if err != nil {
		var missing *dataset.MissingResourceError
		var malformed *dataset.MalformedLabelError
		if errors.As(err, &missing) || errors.As(err, &malformed) {
			return nil, &DataIntegrityError{Epoch: epoch, Phase: phase, Err: err}
		}
		return nil, errors.Wrapf(err, "failed to load %s batch in epoch %d", phase, epoch+1)
	}
	if batch == nil {
		return nil, errors.Errorf("loader ran out of %s batches in epoch %d", phase, epoch+1)
	}
	return batch, nil
}

func (o *Orchestrator) finalize(acc *EpochAccumulator, lr float64) (EpochMetrics, error) {
	m, missing, err := acc.Finalize(lr)
	if err != nil {
		return EpochMetrics{}, err
	}
	for _, class := range missing {
		o.logger.Warn("class absent from epoch, accuracy reported as 0",
			zap.Int("epoch", m.Epoch+1),
			zap.Stringer("phase", m.Phase),
			zap.Int("class", class),
		)
	}
	m.Elapsed = m.Elapsed.Round(time.Millisecond)
	return m, nil
}
