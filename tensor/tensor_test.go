package tensor

import (
	"math"
	"testing"
)

func TestNewValidatesShapeAndData(t *testing.T) {
	if _, err := New([]int{2, 0}, nil); err == nil {
		t.Error("Expected error for zero dimension")
	}
	if _, err := New([]int{}, nil); err == nil {
		t.Error("Expected error for empty shape")
	}
	if _, err := New([]int{2, 2}, []float32{1, 2, 3}); err == nil {
		t.Error("Expected error for mismatched data length")
	}

	tensor, err := New([]int{2, 3}, nil)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	if tensor.NumElems != 6 {
		t.Errorf("Expected 6 elements, got %d", tensor.NumElems)
	}
	if tensor.Strides[0] != 3 || tensor.Strides[1] != 1 {
		t.Errorf("Unexpected strides %v", tensor.Strides)
	}
}

func TestItemRequiresSingleElement(t *testing.T) {
	v, err := Scalar(2.5).Item()
	if err != nil || v != 2.5 {
		t.Errorf("Expected 2.5, got %v (err %v)", v, err)
	}
	m, _ := Zeros([]int{2})
	if _, err := m.Item(); err == nil {
		t.Error("Expected error for multi-element Item")
	}
}

func TestIsFinite(t *testing.T) {
	a, _ := New([]int{3}, []float32{1, 2, 3})
	if !a.IsFinite() {
		t.Error("Expected finite tensor")
	}
	a.Data[1] = float32(math.Inf(1))
	if a.IsFinite() {
		t.Error("Expected +Inf to be detected")
	}
	a.Data[1] = float32(math.NaN())
	if a.IsFinite() {
		t.Error("Expected NaN to be detected")
	}
}

func TestSetSeedReproducesUniform(t *testing.T) {
	SetSeed(7)
	a, _ := Uniform([]int{16}, 1)
	SetSeed(7)
	b, _ := Uniform([]int{16}, 1)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("Uniform not reproducible at %d: %v vs %v", i, a.Data[i], b.Data[i])
		}
		if a.Data[i] < -1 || a.Data[i] > 1 {
			t.Fatalf("Value %v outside bound", a.Data[i])
		}
	}
}

func TestStack(t *testing.T) {
	a, _ := New([]int{2}, []float32{1, 2})
	b, _ := New([]int{2}, []float32{3, 4})
	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !shapesEqual(s.Shape, []int{2, 2}) {
		t.Errorf("Expected shape [2 2], got %v", s.Shape)
	}
	if s.Data[2] != 3 {
		t.Errorf("Expected 3 at index 2, got %v", s.Data[2])
	}
	c, _ := New([]int{3}, nil)
	if _, err := Stack([]*Tensor{a, c}); err == nil {
		t.Error("Expected error stacking mismatched shapes")
	}
}
