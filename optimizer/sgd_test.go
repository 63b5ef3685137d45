package optimizer

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/tsawler/ct-classifier/checkpoints"
	"github.com/tsawler/ct-classifier/tensor"
)

// paramWithGrad builds a leaf tensor and gives it a gradient by running a
// backward pass through Scale.
func paramWithGrad(t *testing.T, values []float32, grads []float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.New([]int{len(values)}, append([]float32(nil), values...))
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	p.SetRequiresGrad(true)
	setGrad(t, p, grads)
	return p
}

// setGrad replaces p's gradient with grads.
func setGrad(t *testing.T, p *tensor.Tensor, grads []float32) {
	t.Helper()
	tensor.ZeroGrad([]*tensor.Tensor{p})
	for i, g := range grads {
		// d/dp_i of (g * p_i) summed is g.
		pick, _ := tensor.New([]int{1, len(grads)}, nil)
		pick.Data[i] = 1
		row, _ := tensor.Reshape(p, []int{len(grads), 1})
		sel, _ := tensor.MatMul(pick, row)
		flat, _ := tensor.Reshape(sel, []int{1})
		out, _ := tensor.Scale(flat, g)
		if err := tensor.Backward(out); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}
}

func TestNewSGDValidatesConfig(t *testing.T) {
	p := paramWithGrad(t, []float32{1}, []float32{0})
	cases := []SGDConfig{
		{LearningRate: -0.1},
		{LearningRate: 0.1, Momentum: -0.5},
		{LearningRate: 0.1, Momentum: 1.5},
		{LearningRate: 0.1, WeightDecay: -1},
		{LearningRate: 0.1, Nesterov: true},
	}
	for _, c := range cases {
		if _, err := NewSGD([]*tensor.Tensor{p}, c); err == nil {
			t.Errorf("Expected error for config %+v", c)
		}
	}
	if _, err := NewSGD(nil, DefaultSGDConfig()); err == nil {
		t.Error("Expected error for empty parameter list")
	}
}

func TestSGDStepWithWeightDecay(t *testing.T) {
	p := paramWithGrad(t, []float32{1, -2}, []float32{0.5, 0.25})
	sgd, err := NewSGD([]*tensor.Tensor{p}, SGDConfig{LearningRate: 0.1, WeightDecay: 0.01})
	if err != nil {
		t.Fatalf("Failed to create SGD: %v", err)
	}
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// p - lr * (g + wd * p)
	want := []float32{1 - 0.1*(0.5+0.01*1), -2 - 0.1*(0.25+0.01*-2)}
	for i, w := range want {
		if math.Abs(float64(p.Data[i]-w)) > 1e-6 {
			t.Errorf("Param %d: expected %v, got %v", i, w, p.Data[i])
		}
	}
	if sgd.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", sgd.GetStepCount())
	}

	sgd.ZeroGrad()
	if p.Grad().Data[0] != 0 {
		t.Errorf("Expected zeroed gradient, got %v", p.Grad().Data)
	}
}

func TestSGDSkipsParametersWithoutGradient(t *testing.T) {
	p, _ := tensor.New([]int{2}, []float32{3, 4})
	p.SetRequiresGrad(true)
	sgd, _ := NewSGD([]*tensor.Tensor{p}, SGDConfig{LearningRate: 1, WeightDecay: 1})
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if p.Data[0] != 3 || p.Data[1] != 4 {
		t.Errorf("Expected untouched parameter, got %v", p.Data)
	}
}

func TestSGDMomentum(t *testing.T) {
	p := paramWithGrad(t, []float32{0}, []float32{1})
	sgd, _ := NewSGD([]*tensor.Tensor{p}, SGDConfig{LearningRate: 0.1, Momentum: 0.9})

	_ = sgd.Step() // buf = 1, p = -0.1
	_ = sgd.Step() // buf = 1.9, p = -0.29
	if math.Abs(float64(p.Data[0]+0.29)) > 1e-6 {
		t.Errorf("Expected -0.29 after two momentum steps, got %v", p.Data[0])
	}
}

func TestSGDMomentumBuffersCreatedOnFirstStep(t *testing.T) {
	p := paramWithGrad(t, []float32{0, 0}, []float32{1, 1})
	sgd, _ := NewSGD([]*tensor.Tensor{p}, SGDConfig{LearningRate: 0.1, Momentum: 0.9})

	fresh, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(fresh.StateData) != 0 {
		t.Fatalf("Expected no momentum buffers before the first step, got %d", len(fresh.StateData))
	}

	_ = sgd.Step()
	stepped, _ := sgd.GetState()
	if len(stepped.StateData) != 1 {
		t.Fatalf("Expected 1 momentum buffer after a step, got %d", len(stepped.StateData))
	}

	// Loading the fresh state drops the buffer again, so the next step
	// starts from an empty velocity.
	if err := sgd.LoadState(fresh); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	copy(p.Data, []float32{0, 0})
	_ = sgd.Step()
	if math.Abs(float64(p.Data[0]+0.1)) > 1e-6 {
		t.Errorf("Expected -0.1 after restoring an unstepped state, got %v", p.Data[0])
	}
}

func TestSGDStateRoundTrip(t *testing.T) {
	a := paramWithGrad(t, []float32{1, 2}, []float32{0.1, 0.2})
	b := paramWithGrad(t, []float32{3}, []float32{0.3})
	sgd, _ := NewSGD([]*tensor.Tensor{a, b}, SGDConfig{LearningRate: 0.05, Momentum: 0.5, WeightDecay: 0.001})
	_ = sgd.Step()
	_ = sgd.Step()

	state, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("Expected 2 momentum buffers, got %d", len(state.StateData))
	}

	a2 := paramWithGrad(t, []float32{1, 2}, []float32{0.1, 0.2})
	b2 := paramWithGrad(t, []float32{3}, []float32{0.3})
	restored, _ := NewSGD([]*tensor.Tensor{a2, b2}, SGDConfig{LearningRate: 1, Momentum: 0.5})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 2 {
		t.Errorf("Step count mismatch: expected 2, got %d", restored.GetStepCount())
	}
	if math.Abs(float64(restored.LearningRate-0.05)) > 1e-7 {
		t.Errorf("Learning rate mismatch: expected 0.05, got %v", restored.LearningRate)
	}

	// Continuing from the same parameters must produce the same update.
	copy(a2.Data, a.Data)
	copy(b2.Data, b.Data)
	_ = sgd.Step()
	_ = restored.Step()
	for i := range a.Data {
		if a.Data[i] != a2.Data[i] {
			t.Errorf("Param a[%d] diverged: %v vs %v", i, a.Data[i], a2.Data[i])
		}
	}
}

func TestSGDLoadStateRejectsMismatch(t *testing.T) {
	a := paramWithGrad(t, []float32{1, 2}, []float32{0, 0})
	sgd, _ := NewSGD([]*tensor.Tensor{a}, SGDConfig{LearningRate: 0.1, Momentum: 0.9})

	cases := map[string]*checkpoints.OptimizerState{
		"wrong type": {Type: "Adam"},
		"param count": {Type: "SGD", Parameters: map[string]float64{"num_params": 3}},
		"bad index": {Type: "SGD", Parameters: map[string]float64{"momentum": 0.9}, StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum_4", Data: []float32{1, 2}, StateType: "momentum"},
		}},
		"bad size": {Type: "SGD", Parameters: map[string]float64{"momentum": 0.9}, StateData: []checkpoints.OptimizerTensor{
			{Name: "momentum_0", Data: []float32{1, 2, 3}, StateType: "momentum"},
		}},
	}
	for name, st := range cases {
		if err := sgd.LoadState(st); !errors.Is(err, checkpoints.ErrCorruptState) {
			t.Errorf("%s: expected ErrCorruptState, got %v", name, err)
		}
	}
}

func TestExtractBufferIndex(t *testing.T) {
	if idx := extractBufferIndex("momentum_12"); idx != 12 {
		t.Errorf("Expected 12, got %d", idx)
	}
	if idx := extractBufferIndex("momentum"); idx != -1 {
		t.Errorf("Expected -1, got %d", idx)
	}
}
