// Package amp implements dynamic loss scaling for reduced-precision training.
package amp

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/ct-classifier/checkpoints"
	"github.com/tsawler/ct-classifier/tensor"
)

// Optimizer is the part of an optimizer the scaler drives.
type Optimizer interface {
	Step() error
	Parameters() []*tensor.Tensor
}

// Config holds the loss-scaling schedule.
type Config struct {
	Enabled        bool
	InitScale      float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int
}

// DefaultConfig starts at 65536, halves on overflow and doubles after 2000
// consecutive clean steps.
func DefaultConfig(enabled bool) Config {
	return Config{
		Enabled:        enabled,
		InitScale:      65536.0,
		GrowthFactor:   2.0,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// GradScaler multiplies the loss by a dynamic scale before backward, unscales
// gradients before the optimizer step and skips steps whose gradients are
// not finite. A disabled scaler passes everything through unchanged.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int

	foundInf     bool
	pendingSteps int
}

func NewGradScaler(config Config) (*GradScaler, error) {
	if config.Enabled {
		if config.InitScale <= 0 || math.IsInf(config.InitScale, 0) || math.IsNaN(config.InitScale) {
			return nil, errors.Errorf("initial scale must be positive and finite: %v", config.InitScale)
		}
		if err := checkSchedule(config.GrowthFactor, config.BackoffFactor, config.GrowthInterval); err != nil {
			return nil, err
		}
	}
	return &GradScaler{
		enabled:        config.Enabled,
		scale:          config.InitScale,
		growthFactor:   config.GrowthFactor,
		backoffFactor:  config.BackoffFactor,
		growthInterval: config.GrowthInterval,
	}, nil
}

func checkSchedule(growth, backoff float64, interval int) error {
	if growth <= 1 || math.IsInf(growth, 0) || math.IsNaN(growth) {
		return errors.Errorf("growth factor must be greater than 1: %v", growth)
	}
	if !(backoff > 0 && backoff < 1) {
		return errors.Errorf("backoff factor must be in (0, 1): %v", backoff)
	}
	if interval < 1 {
		return errors.Errorf("growth interval must be positive: %d", interval)
	}
	return nil
}

func (s *GradScaler) Enabled() bool {
	return s.enabled
}

// GetScale returns the current scale, 1 when disabled.
func (s *GradScaler) GetScale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// Scale returns loss multiplied by the current scale.
func (s *GradScaler) Scale(loss *tensor.Tensor) (*tensor.Tensor, error) {
	if !s.enabled {
		return loss, nil
	}
	return tensor.Scale(loss, float32(s.scale))
}

// unscale divides every gradient by the scale in place and reports whether
// any element is NaN or infinite.
func (s *GradScaler) unscale(params []*tensor.Tensor) bool {
	inv := float32(1.0 / s.scale)
	found := false
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		for i := range g.Data {
			g.Data[i] *= inv
		}
		if !g.IsFinite() {
			found = true
		}
	}
	return found
}

// Step unscales the gradients and runs the optimizer unless they contain a
// non-finite value. It reports whether the optimizer step ran.
func (s *GradScaler) Step(opt Optimizer) (bool, error) {
	if !s.enabled {
		if err := opt.Step(); err != nil {
			return false, err
		}
		return true, nil
	}

	s.pendingSteps++
	if s.unscale(opt.Parameters()) {
		s.foundInf = true
		return false, nil
	}
	if err := opt.Step(); err != nil {
		return false, err
	}
	return true, nil
}

// Update adjusts the scale after a step: back off on overflow, grow after
// GrowthInterval consecutive clean steps.
func (s *GradScaler) Update() {
	if !s.enabled || s.pendingSteps == 0 {
		return
	}
	if s.foundInf {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
	} else {
		s.growthTracker++
		if s.growthTracker >= s.growthInterval {
			s.scale *= s.growthFactor
			s.growthTracker = 0
		}
	}
	s.foundInf = false
	s.pendingSteps = 0
}

// State captures the scaler for checkpointing.
func (s *GradScaler) State() *checkpoints.ScalerState {
	if !s.enabled {
		return &checkpoints.ScalerState{Enabled: false}
	}
	return &checkpoints.ScalerState{
		Enabled:        true,
		Scale:          s.scale,
		GrowthFactor:   s.growthFactor,
		BackoffFactor:  s.backoffFactor,
		GrowthInterval: s.growthInterval,
		GrowthTracker:  s.growthTracker,
	}
}

// LoadState restores a saved scaler. A disabled scaler ignores the state; an
// enabled one rejects state saved by a disabled scaler.
func (s *GradScaler) LoadState(st *checkpoints.ScalerState) error {
	if !s.enabled {
		return nil
	}
	if st == nil || !st.Enabled {
		return errors.Wrap(checkpoints.ErrCorruptState, "scaler state was saved with mixed precision disabled")
	}
	if st.Scale <= 0 || math.IsInf(st.Scale, 0) || math.IsNaN(st.Scale) {
		return errors.Wrapf(checkpoints.ErrCorruptState, "invalid saved scale %v", st.Scale)
	}
	if err := checkSchedule(st.GrowthFactor, st.BackoffFactor, st.GrowthInterval); err != nil {
		return errors.Wrapf(checkpoints.ErrCorruptState, "saved scaler schedule: %v", err)
	}
	if st.GrowthTracker < 0 {
		return errors.Wrapf(checkpoints.ErrCorruptState, "invalid growth tracker %d", st.GrowthTracker)
	}
	s.scale = st.Scale
	s.growthFactor = st.GrowthFactor
	s.backoffFactor = st.BackoffFactor
	s.growthInterval = st.GrowthInterval
	s.growthTracker = st.GrowthTracker
	s.foundInf = false
	s.pendingSteps = 0
	return nil
}
