// Package training runs train and validation epochs and orchestrates a
// resumable multi-epoch run with per-epoch checkpoints.
package training

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tsawler/ct-classifier/amp"
	"github.com/tsawler/ct-classifier/dataloader"
	"github.com/tsawler/ct-classifier/tensor"
)

// BatchSource yields the batches of one epoch in order. Next returns nil
// once the epoch is exhausted.
type BatchSource interface {
	Len() int
	SetEpoch(epoch int) error
	Next() (*dataloader.Batch, error)
}

// Model is the part of a network the epoch runners use.
type Model interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
}

// Optimizer is the part of an optimizer the training runner uses.
type Optimizer interface {
	Step() error
	ZeroGrad()
	Parameters() []*tensor.Tensor
}

// Device moves batches to where the model runs and waits for queued work.
type Device interface {
	Transfer(t *tensor.Tensor) *tensor.Tensor
	Synchronize()
}

// EpochOptions are shared by TrainEpoch and ValidateEpoch.
type EpochOptions struct {
	Device Device
	UseAMP bool
	Loss   Loss
	Out    io.Writer // progress bar and timing totals
	Logger *slog.Logger
	Clock  func() time.Time
}

func (o EpochOptions) withDefaults() EpochOptions {
	if o.Device == nil {
		o.Device = hostDevice{}
	}
	if o.Loss == nil {
		o.Loss = NewCrossEntropyLoss("mean")
	}
	if o.Out == nil {
		o.Out = io.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

type hostDevice struct{}

func (hostDevice) Transfer(t *tensor.Tensor) *tensor.Tensor { return t }
func (hostDevice) Synchronize()                             { tensor.Synchronize() }

// forward runs the model and the loss, under autocast when enabled.
func forward(m Model, input *tensor.Tensor, labels []int32, opts EpochOptions, lossInAutocast bool) (logits, loss *tensor.Tensor, err error) {
	restore := tensor.Autocast(opts.UseAMP)
	logits, err = m.Forward(input)
	if err != nil {
		restore()
		return nil, nil, fmt.Errorf("forward pass failed: %v", err)
	}
	if !lossInAutocast {
		restore()
		restore = func() {}
	}
	loss, err = opts.Loss.Forward(logits, labels)
	restore()
	if err != nil {
		return nil, nil, fmt.Errorf("loss computation failed: %v", err)
	}
	return logits, loss, nil
}

// recordBatch folds a finished batch into the accumulator and confusion
// matrix.
func recordBatch(acc *Accumulator, confusion **ConfusionMatrix, logits, loss *tensor.Tensor, labels []int32) error {
	lossValue, err := loss.Item()
	if err != nil {
		return fmt.Errorf("failed to get loss value: %v", err)
	}
	accuracy, err := tensor.Accuracy(logits, labels)
	if err != nil {
		return err
	}
	acc.Record(BatchResult{Loss: float64(lossValue), Accuracy: accuracy})

	preds, err := tensor.Argmax(logits)
	if err != nil {
		return err
	}
	if *confusion == nil {
		*confusion = NewConfusionMatrix(logits.Shape[1])
	}
	return (*confusion).Update(preds, labels)
}

// TrainEpoch runs one pass over src in training mode. Every batch goes
// through forward, scaled backward, a scaler-guarded optimizer step, scale
// update and gradient reset. The returned loss is the mean of the unscaled
// per-batch losses.
func TrainEpoch(src BatchSource, m Model, opt Optimizer, scaler *amp.GradScaler, opts EpochOptions) (EpochStats, error) {
	opts = opts.withDefaults()
	m.Train()

	var (
		acc       Accumulator
		confusion *ConfusionMatrix
		attempts  int
		skipped   int
	)
	bar := NewProgressBar(opts.Out, describe("Train", 0, 0), src.Len())
	timer := NewPhaseTimer(opts.Device.Synchronize, opts.Clock)

	for {
		batch, err := src.Next()
		if err != nil {
			return EpochStats{}, fmt.Errorf("failed to load batch %d: %v", acc.Batches(), err)
		}
		if batch == nil {
			break
		}
		input := opts.Device.Transfer(batch.Inputs)
		timer.Mark(PhaseData)

		logits, loss, err := forward(m, input, batch.Labels, opts, true)
		if err != nil {
			return EpochStats{}, err
		}
		scaled, err := scaler.Scale(loss)
		if err != nil {
			return EpochStats{}, fmt.Errorf("loss scaling failed: %v", err)
		}
		if err := tensor.Backward(scaled); err != nil {
			return EpochStats{}, fmt.Errorf("backward pass failed: %v", err)
		}
		applied, err := scaler.Step(opt)
		if err != nil {
			return EpochStats{}, fmt.Errorf("optimizer step failed: %v", err)
		}
		attempts++
		if !applied {
			skipped++
			opts.Logger.Debug("skipped optimizer step on non-finite gradients",
				"batch", acc.Batches(), "scale", scaler.GetScale())
		}
		scaler.Update()
		opt.ZeroGrad()
		timer.Mark(PhaseModel)

		if err := recordBatch(&acc, &confusion, logits, loss, batch.Labels); err != nil {
			return EpochStats{}, err
		}
		meanLoss, meanAcc := acc.Mean()
		bar.SetDescription(describe("Train", meanLoss, meanAcc))
		bar.Update(acc.Batches(), nil)
		timer.Mark(PhaseBookkeeping)
	}
	bar.Finish()

	stats, err := acc.Finalize()
	if err != nil {
		return EpochStats{}, err
	}
	stats.StepAttempts = attempts
	stats.SkippedSteps = skipped
	stats.Timing = timer.Timing()
	stats.Confusion = confusion
	stats.Timing.Print(opts.Out)
	return stats, nil
}

// ValidateEpoch runs one pass over src in evaluation mode with gradient
// recording disabled. Parameters are never modified.
func ValidateEpoch(src BatchSource, m Model, opts EpochOptions) (EpochStats, error) {
	opts = opts.withDefaults()
	m.Eval()
	restoreGrad := tensor.NoGrad()
	defer restoreGrad()

	var (
		acc       Accumulator
		confusion *ConfusionMatrix
	)
	bar := NewProgressBar(opts.Out, describe("Val ", 0, 0), src.Len())
	timer := NewPhaseTimer(opts.Device.Synchronize, opts.Clock)

	for {
		batch, err := src.Next()
		if err != nil {
			return EpochStats{}, fmt.Errorf("failed to load batch %d: %v", acc.Batches(), err)
		}
		if batch == nil {
			break
		}
		input := opts.Device.Transfer(batch.Inputs)
		timer.Mark(PhaseData)

		logits, loss, err := forward(m, input, batch.Labels, opts, false)
		if err != nil {
			return EpochStats{}, err
		}
		timer.Mark(PhaseModel)

		if err := recordBatch(&acc, &confusion, logits, loss, batch.Labels); err != nil {
			return EpochStats{}, err
		}
		meanLoss, meanAcc := acc.Mean()
		bar.SetDescription(describe("Val ", meanLoss, meanAcc))
		bar.Update(acc.Batches(), nil)
		timer.Mark(PhaseBookkeeping)
	}
	bar.Finish()

	stats, err := acc.Finalize()
	if err != nil {
		return EpochStats{}, err
	}
	stats.Timing = timer.Timing()
	stats.Confusion = confusion
	stats.Timing.Print(opts.Out)
	return stats, nil
}
