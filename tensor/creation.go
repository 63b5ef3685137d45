package tensor

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// SetSeed reseeds the generator used for parameter initialisation.
func SetSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}
	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: numElems,
	}, nil
}

func Zeros(shape []int) (*Tensor, error) {
	return New(shape, nil)
}

func Full(shape []int, value float32) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// Scalar returns a [1] tensor holding v.
func Scalar(v float32) *Tensor {
	return empty([]int{1}).fill(v)
}

// Uniform samples from U(-bound, bound) using the seeded generator.
func Uniform(shape []int, bound float64) (*Tensor, error) {
	t, err := New(shape, nil)
	if err != nil {
		return nil, err
	}
	rngMu.Lock()
	for i := range t.Data {
		t.Data[i] = float32((globalRng.Float64()*2 - 1) * bound)
	}
	rngMu.Unlock()
	return t, nil
}

// empty allocates a zeroed tensor for a shape already known to be valid.
func empty(shape []int) *Tensor {
	numElems := calculateNumElements(shape)
	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		Data:     make([]float32, numElems),
		NumElems: numElems,
	}
}

func (t *Tensor) fill(v float32) *Tensor {
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}
