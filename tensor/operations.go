package tensor

import (
	"fmt"
)

type addOp struct {
	a, b *Tensor
}

func (op *addOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{gradOut.Clone(), gradOut.Clone()}, nil
}

// Add returns a + b for tensors of identical shape.
func Add(a, b *Tensor) (*Tensor, error) {
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, fmt.Errorf("tensors must have the same shape: %v vs %v", a.Shape, b.Shape)
	}
	result := empty(a.Shape)
	for i := range result.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return record(result, &addOp{a: a, b: b}), nil
}

type addBiasOp struct {
	input, bias *Tensor
}

func (op *addBiasOp) Inputs() []*Tensor { return []*Tensor{op.input, op.bias} }

func (op *addBiasOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	channels := op.bias.NumElems
	outer, inner := splitAroundChannel(op.input.Shape)
	gradBias := empty(op.bias.Shape)
	for n := 0; n < outer; n++ {
		for c := 0; c < channels; c++ {
			base := (n*channels + c) * inner
			var sum float32
			for k := 0; k < inner; k++ {
				sum += gradOut.Data[base+k]
			}
			gradBias.Data[c] += sum
		}
	}
	return []*Tensor{gradOut.Clone(), gradBias}, nil
}

// AddBias adds a per-channel bias along dimension 1 of input, which must be
// [N, C] or [N, C, ...].
func AddBias(input, bias *Tensor) (*Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("input must have at least 2 dimensions, got %v", input.Shape)
	}
	channels := input.Shape[1]
	if bias.NumElems != channels {
		return nil, fmt.Errorf("bias size %d does not match channel dimension %d", bias.NumElems, channels)
	}
	outer, inner := splitAroundChannel(input.Shape)
	result := empty(input.Shape)
	for n := 0; n < outer; n++ {
		for c := 0; c < channels; c++ {
			base := (n*channels + c) * inner
			b := bias.Data[c]
			for k := 0; k < inner; k++ {
				result.Data[base+k] = input.Data[base+k] + b
			}
		}
	}
	return record(result, &addBiasOp{input: input, bias: bias}), nil
}

func splitAroundChannel(shape []int) (outer, inner int) {
	outer = shape[0]
	inner = 1
	for _, d := range shape[2:] {
		inner *= d
	}
	return outer, inner
}

type reluOp struct {
	input *Tensor
}

func (op *reluOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reluOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := empty(op.input.Shape)
	for i, v := range op.input.Data {
		if v > 0 {
			grad.Data[i] = gradOut.Data[i]
		}
	}
	return []*Tensor{grad}, nil
}

func ReLU(input *Tensor) (*Tensor, error) {
	result := empty(input.Shape)
	for i, v := range input.Data {
		if v > 0 {
			result.Data[i] = v
		}
	}
	return record(result, &reluOp{input: input}), nil
}

type scaleOp struct {
	input  *Tensor
	factor float32
}

func (op *scaleOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *scaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := empty(op.input.Shape)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.factor
	}
	return []*Tensor{grad}, nil
}

// Scale multiplies every element by factor.
func Scale(input *Tensor, factor float32) (*Tensor, error) {
	result := empty(input.Shape)
	for i, v := range input.Data {
		result.Data[i] = v * factor
	}
	return record(result, &scaleOp{input: input, factor: factor}), nil
}

type reshapeOp struct {
	input *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := gradOut.Clone()
	grad.Shape = copyShape(op.input.Shape)
	grad.Strides = calculateStrides(grad.Shape)
	return []*Tensor{grad}, nil
}

func Reshape(input *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != input.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", input.NumElems, newShape)
	}
	result := &Tensor{
		Shape:    copyShape(newShape),
		Strides:  calculateStrides(newShape),
		Data:     input.Data,
		NumElems: input.NumElems,
	}
	return record(result, &reshapeOp{input: input}), nil
}

// Flatten collapses every dimension after the first.
func Flatten(input *Tensor) (*Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("flatten requires at least 2 dimensions, got %v", input.Shape)
	}
	return Reshape(input, []int{input.Shape[0], input.NumElems / input.Shape[0]})
}

// Stack joins equally shaped tensors along a new leading dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("cannot stack an empty list")
	}
	shape := items[0].Shape
	out := empty(append([]int{len(items)}, shape...))
	size := items[0].NumElems
	for i, it := range items {
		if !shapesEqual(it.Shape, shape) {
			return nil, fmt.Errorf("item %d has shape %v, expected %v", i, it.Shape, shape)
		}
		copy(out.Data[i*size:(i+1)*size], it.Data)
	}
	return out, nil
}
