package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/ct-classifier/amp"
	"github.com/tsawler/ct-classifier/checkpoints"
	"github.com/tsawler/ct-classifier/layers"
	"github.com/tsawler/ct-classifier/optimizer"
)

// Stat keys stored in every checkpoint.
const (
	StatLossTrain = "loss_train"
	StatLossVal   = "loss_val"
	StatOATrain   = "oa_train"
	StatOAVal     = "oa_val"
)

// EpochRecord is the outcome of one completed epoch.
type EpochRecord struct {
	RunID     string
	Epoch     int
	Train     EpochStats
	Val       EpochStats
	Location  string
	Scale     float64
	CreatedAt time.Time
}

// ResultSink receives a record after each checkpoint is saved.
type ResultSink interface {
	RecordEpoch(ctx context.Context, rec EpochRecord) error
}

// Options wires the collaborators of a training run.
type Options struct {
	NumEpochs      int
	UseAMP         bool
	ConfigSnapshot []byte

	Model     layers.Module
	Optimizer optimizer.Optimizer
	Scaler    *amp.GradScaler
	Store     checkpoints.Store
	Train     BatchSource
	Val       BatchSource

	Scheduler LRScheduler // optional; applied to BaseLR before every epoch
	BaseLR    float64

	Device  Device
	Results ResultSink // optional
	Logger  *slog.Logger
	Out     io.Writer
	Clock   func() time.Time
	RunID   string // generated when empty
}

// RunSummary reports what Run did.
type RunSummary struct {
	RunID      string
	StartEpoch int // last epoch completed before this run, 0 for a new model
	Epochs     []EpochRecord
}

// Orchestrator drives the epoch loop: resume from the latest checkpoint,
// then train, validate and checkpoint until NumEpochs is reached.
type Orchestrator struct {
	opts  Options
	runID string
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Model == nil:
		return nil, fmt.Errorf("model is required")
	case opts.Optimizer == nil:
		return nil, fmt.Errorf("optimizer is required")
	case opts.Scaler == nil:
		return nil, fmt.Errorf("gradient scaler is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("checkpoint store is required")
	case opts.Train == nil || opts.Val == nil:
		return nil, fmt.Errorf("train and val batch sources are required")
	case opts.NumEpochs < 0:
		return nil, fmt.Errorf("num epochs must be non-negative, got %d", opts.NumEpochs)
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Orchestrator{opts: opts, runID: opts.RunID}, nil
}

// RunID identifies the run in checkpoint metadata and result rows.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Resume restores model, optimizer and scaler from the latest checkpoint and
// returns its epoch, or 0 when the store is empty. Any load or apply error
// is fatal.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	epoch, ok, err := checkpoints.FindLatest(ctx, o.opts.Store)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list checkpoints")
	}
	if !ok {
		fmt.Fprintln(o.opts.Out, "Starting new model")
		o.opts.Logger.Info("starting new model")
		if o.runID == "" {
			o.runID = uuid.NewString()
		}
		return 0, nil
	}

	fmt.Fprintf(o.opts.Out, "Resuming from epoch %d\n", epoch)
	o.opts.Logger.Info("resuming from checkpoint", "epoch", epoch, "location", o.opts.Store.Location(epoch))

	ck, err := o.opts.Store.Load(ctx, epoch)
	if err != nil {
		return 0, err
	}
	if err := layers.LoadStateDict(o.opts.Model, ck.Weights); err != nil {
		return 0, errors.Wrapf(err, "checkpoint %d model state", epoch)
	}
	if ck.OptimizerState == nil {
		return 0, errors.Wrapf(checkpoints.ErrCorruptState, "checkpoint %d has no optimizer state", epoch)
	}
	if err := o.opts.Optimizer.LoadState(ck.OptimizerState); err != nil {
		return 0, errors.Wrapf(err, "checkpoint %d optimizer state", epoch)
	}
	if err := o.opts.Scaler.LoadState(ck.ScalerState); err != nil {
		return 0, errors.Wrapf(err, "checkpoint %d scaler state", epoch)
	}
	if o.runID == "" {
		o.runID = ck.Metadata.RunID
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	return epoch, nil
}

// Run resumes and then runs epochs until NumEpochs is reached. The context
// is checked between epochs and passed to store and sink I/O.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	current, err := o.Resume(ctx)
	if err != nil {
		return nil, err
	}
	summary := &RunSummary{RunID: o.runID, StartEpoch: current}
	o.opts.Logger.Info("training",
		"run_id", o.runID,
		"start_epoch", current,
		"num_epochs", o.opts.NumEpochs,
		"parameters", formatParameterCount(layers.CountParameters(o.opts.Model)),
	)

	epochOpts := EpochOptions{
		Device: o.opts.Device,
		UseAMP: o.opts.UseAMP,
		Out:    o.opts.Out,
		Logger: o.opts.Logger,
	}

	for current < o.opts.NumEpochs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		current++
		fmt.Fprintf(o.opts.Out, "Epoch %d/%d\n", current, o.opts.NumEpochs)

		rec, err := o.runEpoch(ctx, current, epochOpts)
		if err != nil {
			return summary, errors.Wrapf(err, "epoch %d", current)
		}
		summary.Epochs = append(summary.Epochs, rec)
	}
	return summary, nil
}

func (o *Orchestrator) runEpoch(ctx context.Context, epoch int, epochOpts EpochOptions) (EpochRecord, error) {
	if o.opts.Scheduler != nil {
		lr := o.opts.Scheduler.GetLR(epoch-1, o.opts.BaseLR)
		o.opts.Optimizer.UpdateLearningRate(float32(lr))
		o.opts.Logger.Debug("learning rate", "scheduler", o.opts.Scheduler.GetName(), "epoch", epoch, "lr", lr)
	}
	if err := o.opts.Train.SetEpoch(epoch); err != nil {
		return EpochRecord{}, err
	}
	train, err := TrainEpoch(o.opts.Train, o.opts.Model, o.opts.Optimizer, o.opts.Scaler, epochOpts)
	if err != nil {
		return EpochRecord{}, errors.Wrap(err, "training")
	}

	if err := o.opts.Val.SetEpoch(epoch); err != nil {
		return EpochRecord{}, err
	}
	val, err := ValidateEpoch(o.opts.Val, o.opts.Model, epochOpts)
	if err != nil {
		return EpochRecord{}, errors.Wrap(err, "validation")
	}

	rec := EpochRecord{
		RunID:     o.runID,
		Epoch:     epoch,
		Train:     train,
		Val:       val,
		Location:  o.opts.Store.Location(epoch),
		Scale:     o.opts.Scaler.GetScale(),
		CreatedAt: o.opts.Clock(),
	}
	if err := o.save(ctx, rec); err != nil {
		return EpochRecord{}, err
	}

	o.opts.Logger.Info("epoch complete",
		"epoch", epoch,
		StatLossTrain, train.Loss,
		StatOATrain, train.Accuracy,
		StatLossVal, val.Loss,
		StatOAVal, val.Accuracy,
		"skipped_steps", train.SkippedSteps,
		"scale", rec.Scale,
		"checkpoint", rec.Location,
	)
	if val.Confusion != nil {
		o.opts.Logger.Debug("validation metrics",
			"accuracy", val.Confusion.GetAccuracy(),
			"macro_f1", val.Confusion.GetMetric(MacroF1),
			"confusion", "\n"+val.Confusion.String(),
		)
	}

	if o.opts.Results != nil {
		if err := o.opts.Results.RecordEpoch(ctx, rec); err != nil {
			return EpochRecord{}, errors.Wrap(err, "failed to record epoch results")
		}
	}
	return rec, nil
}

func (o *Orchestrator) save(ctx context.Context, rec EpochRecord) error {
	optState, err := o.opts.Optimizer.GetState()
	if err != nil {
		return errors.Wrap(err, "failed to capture optimizer state")
	}
	ck := &checkpoints.Checkpoint{
		Epoch:          rec.Epoch,
		Weights:        layers.StateDict(o.opts.Model),
		OptimizerState: optState,
		ScalerState:    o.opts.Scaler.State(),
		Stats: map[string]float64{
			StatLossTrain: rec.Train.Loss,
			StatLossVal:   rec.Val.Loss,
			StatOATrain:   rec.Train.Accuracy,
			StatOAVal:     rec.Val.Accuracy,
		},
		Metadata: checkpoints.CheckpointMetadata{
			RunID:     o.runID,
			CreatedAt: rec.CreatedAt,
		},
	}
	if err := o.opts.Store.Save(ctx, ck); err != nil {
		return errors.Wrapf(err, "failed to save checkpoint %d", rec.Epoch)
	}
	if o.opts.ConfigSnapshot != nil {
		written, err := o.opts.Store.SaveConfig(ctx, o.opts.ConfigSnapshot)
		if err != nil {
			return errors.Wrap(err, "failed to save config snapshot")
		}
		if written {
			o.opts.Logger.Info("saved config snapshot", "file", checkpoints.ConfigFileName)
		}
	}
	return nil
}
