package optimizer

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/tsawler/ct-classifier/checkpoints"
	"github.com/tsawler/ct-classifier/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD is stochastic gradient descent with L2 weight decay and optional
// (Nesterov) momentum.
type SGD struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool

	params          []*tensor.Tensor
	momentumBuffers [][]float32
	stepCount       uint64
	mu              sync.Mutex
}

// NewSGD creates an optimizer over params. The slice order is the order in
// which state is saved and restored.
func NewSGD(params []*tensor.Tensor, config SGDConfig) (*SGD, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGD{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	return sgd, nil
}

func (sgd *SGD) allocateMomentum() {
	sgd.momentumBuffers = make([][]float32, len(sgd.params))
	for i, p := range sgd.params {
		sgd.momentumBuffers[i] = make([]float32, p.NumElems)
	}
}

func (sgd *SGD) Parameters() []*tensor.Tensor {
	return sgd.params
}

// Step applies p -= lr * d where d is the gradient plus weight decay,
// optionally passed through the momentum buffer. Parameters without a
// gradient are left untouched. Momentum buffers are created on the first
// step.
func (sgd *SGD) Step() error {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	if sgd.Momentum > 0 && sgd.momentumBuffers == nil {
		sgd.allocateMomentum()
	}

	for i, p := range sgd.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != p.NumElems {
			return fmt.Errorf("gradient size %d does not match parameter %d size %d", grad.NumElems, i, p.NumElems)
		}

		var buf []float32
		if sgd.momentumBuffers != nil {
			buf = sgd.momentumBuffers[i]
		}
		for j, g := range grad.Data {
			d := g
			if sgd.WeightDecay != 0 {
				d += sgd.WeightDecay * p.Data[j]
			}
			if buf != nil {
				buf[j] = sgd.Momentum*buf[j] + d
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}
			p.Data[j] -= sgd.LearningRate * d
		}
	}
	sgd.stepCount++
	return nil
}

func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.params)
}

func (sgd *SGD) UpdateLearningRate(newLR float32) {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	sgd.LearningRate = newLR
}

func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.momentumBuffers))
	for i, buffer := range sgd.momentumBuffers {
		t := extractBufferState(buffer, sgd.params[i].Shape, fmt.Sprintf("momentum_%d", i), "momentum")
		if t != nil {
			stateData = append(stateData, *t)
		}
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": float64(sgd.LearningRate),
			"momentum":      float64(sgd.Momentum),
			"weight_decay":  float64(sgd.WeightDecay),
			"nesterov":      boolParam(sgd.Nesterov),
			"step_count":    float64(sgd.stepCount),
			"num_params":    float64(len(sgd.params)),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint. A state saved for a
// different parameter layout is rejected with checkpoints.ErrCorruptState.
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return errors.Wrap(checkpoints.ErrCorruptState, err.Error())
	}
	if n := extractUint64Param(state.Parameters, "num_params", uint64(len(sgd.params))); n != uint64(len(sgd.params)) {
		return errors.Wrapf(checkpoints.ErrCorruptState, "optimizer state covers %d parameters, model has %d", n, len(sgd.params))
	}

	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", sgd.stepCount)

	// Buffers absent from the state were never created; Step creates them.
	sgd.momentumBuffers = nil
	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return errors.Wrapf(checkpoints.ErrCorruptState, "invalid buffer index in tensor name: %s", t.Name)
		}
		if sgd.Momentum == 0 {
			return errors.Wrapf(checkpoints.ErrCorruptState, "momentum buffer %d present but momentum is disabled", idx)
		}
		if sgd.momentumBuffers == nil {
			sgd.allocateMomentum()
		}
		if err := restoreBufferState(sgd.momentumBuffers[idx], t.Data, t.Name); err != nil {
			return errors.Wrap(checkpoints.ErrCorruptState, err.Error())
		}
	}
	return nil
}
