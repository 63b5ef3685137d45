package training

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
)

// ErrEmptyEpoch is returned when an epoch produced no batches.
var ErrEmptyEpoch = errors.New("epoch produced no batches")

// BatchResult is what one batch contributes to the epoch statistics.
type BatchResult struct {
	Loss     float64
	Accuracy float64
}

// Accumulator keeps running sums of per-batch loss and accuracy. Every batch
// has equal weight regardless of its size.
type Accumulator struct {
	lossTotal float64
	accTotal  float64
	batches   int
}

func (a *Accumulator) Record(r BatchResult) {
	a.lossTotal += r.Loss
	a.accTotal += r.Accuracy
	a.batches++
}

func (a *Accumulator) Batches() int {
	return a.batches
}

// Mean returns the running means, zero before the first batch.
func (a *Accumulator) Mean() (loss, accuracy float64) {
	if a.batches == 0 {
		return 0, 0
	}
	n := float64(a.batches)
	return a.lossTotal / n, a.accTotal / n
}

// Finalize returns the epoch means. It fails with ErrEmptyEpoch when nothing
// was recorded.
func (a *Accumulator) Finalize() (EpochStats, error) {
	if a.batches == 0 {
		return EpochStats{}, ErrEmptyEpoch
	}
	loss, acc := a.Mean()
	return EpochStats{Loss: loss, Accuracy: acc, Batches: a.batches}, nil
}

// EpochStats summarises one training or validation epoch.
type EpochStats struct {
	Loss         float64
	Accuracy     float64
	Batches      int
	StepAttempts int // training only
	SkippedSteps int // optimizer steps skipped for non-finite gradients
	Timing       Timing
	Confusion    *ConfusionMatrix
}

// Phase names a wall-clock bucket of the batch loop.
type Phase int

const (
	PhaseData Phase = iota
	PhaseModel
	PhaseBookkeeping
)

func (p Phase) String() string {
	switch p {
	case PhaseData:
		return "data"
	case PhaseModel:
		return "model"
	case PhaseBookkeeping:
		return "bookkeeping"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Timing holds the total time spent per phase.
type Timing struct {
	Data        time.Duration
	Model       time.Duration
	Bookkeeping time.Duration
}

// Print writes the three totals in seconds.
func (t Timing) Print(w io.Writer) {
	fmt.Fprintf(w, "Dataloader time in seconds: %.2f\n", t.Data.Seconds())
	fmt.Fprintf(w, "Model time in seconds: %.2f\n", t.Model.Seconds())
	fmt.Fprintf(w, "Postprocessing time in seconds: %.2f\n", t.Bookkeeping.Seconds())
}

// PhaseTimer attributes the time since the previous mark to a phase. It
// waits for outstanding device work before every clock read.
type PhaseTimer struct {
	sync   func()
	now    func() time.Time
	last   time.Time
	timing Timing
}

// NewPhaseTimer starts timing immediately. Either argument may be nil.
func NewPhaseTimer(sync func(), now func() time.Time) *PhaseTimer {
	if sync == nil {
		sync = func() {}
	}
	if now == nil {
		now = time.Now
	}
	pt := &PhaseTimer{sync: sync, now: now}
	pt.sync()
	pt.last = pt.now()
	return pt
}

// Mark closes the current interval and adds it to phase.
func (pt *PhaseTimer) Mark(phase Phase) {
	pt.sync()
	now := pt.now()
	elapsed := now.Sub(pt.last)
	pt.last = now
	switch phase {
	case PhaseData:
		pt.timing.Data += elapsed
	case PhaseModel:
		pt.timing.Model += elapsed
	case PhaseBookkeeping:
		pt.timing.Bookkeeping += elapsed
	}
}

func (pt *PhaseTimer) Timing() Timing {
	return pt.timing
}
