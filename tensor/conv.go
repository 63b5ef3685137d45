package tensor

import (
	"fmt"
	"math"
	"sync"
)

// ConvParams describes a square-kernel 2D convolution.
type ConvParams struct {
	Stride  int
	Padding int
}

type convGeometry struct {
	batch, inC, h, w int
	outC, k          int
	stride, pad      int
	oh, ow           int
}

func (g convGeometry) colRows() int { return g.inC * g.k * g.k }
func (g convGeometry) colCols() int { return g.oh * g.ow }

func newConvGeometry(input, weight *Tensor, p ConvParams) (convGeometry, error) {
	if len(input.Shape) != 4 {
		return convGeometry{}, fmt.Errorf("conv2d input must be [N, C, H, W], got %v", input.Shape)
	}
	if len(weight.Shape) != 4 || weight.Shape[2] != weight.Shape[3] {
		return convGeometry{}, fmt.Errorf("conv2d weight must be [O, C, K, K], got %v", weight.Shape)
	}
	if input.Shape[1] != weight.Shape[1] {
		return convGeometry{}, fmt.Errorf("input channels %d do not match weight channels %d", input.Shape[1], weight.Shape[1])
	}
	if p.Stride < 1 || p.Padding < 0 {
		return convGeometry{}, fmt.Errorf("invalid stride %d or padding %d", p.Stride, p.Padding)
	}
	g := convGeometry{
		batch: input.Shape[0], inC: input.Shape[1], h: input.Shape[2], w: input.Shape[3],
		outC: weight.Shape[0], k: weight.Shape[2],
		stride: p.Stride, pad: p.Padding,
	}
	g.oh = (g.h+2*g.pad-g.k)/g.stride + 1
	g.ow = (g.w+2*g.pad-g.k)/g.stride + 1
	if g.oh <= 0 || g.ow <= 0 {
		return convGeometry{}, fmt.Errorf("kernel %d larger than padded input %dx%d", g.k, g.h, g.w)
	}
	return g, nil
}

func im2col(x []float32, g convGeometry, col []float32) {
	cols := g.colCols()
	for c := 0; c < g.inC; c++ {
		for ki := 0; ki < g.k; ki++ {
			for kj := 0; kj < g.k; kj++ {
				base := ((c*g.k+ki)*g.k + kj) * cols
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.pad + ki
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.pad + kj
						idx := base + oy*g.ow + ox
						if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
							col[idx] = 0
						} else {
							col[idx] = x[(c*g.h+iy)*g.w+ix]
						}
					}
				}
			}
		}
	}
}

func col2im(col []float32, g convGeometry, dx []float32) {
	cols := g.colCols()
	for c := 0; c < g.inC; c++ {
		for ki := 0; ki < g.k; ki++ {
			for kj := 0; kj < g.k; kj++ {
				base := ((c*g.k+ki)*g.k + kj) * cols
				for oy := 0; oy < g.oh; oy++ {
					iy := oy*g.stride - g.pad + ki
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.ow; ox++ {
						ix := ox*g.stride - g.pad + kj
						if ix < 0 || ix >= g.w {
							continue
						}
						dx[(c*g.h+iy)*g.w+ix] += col[base+oy*g.ow+ox]
					}
				}
			}
		}
	}
}

type conv2dOp struct {
	input, weight *Tensor
	geom          convGeometry
	half          bool
}

func (op *conv2dOp) Inputs() []*Tensor { return []*Tensor{op.input, op.weight} }

func (op *conv2dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := op.geom
	rows, cols := g.colRows(), g.colCols()
	inSize := g.inC * g.h * g.w
	outSize := g.outC * cols
	wSize := op.weight.NumElems

	xData, wData, gData := op.input.Data, op.weight.Data, gradOut.Data
	if op.half {
		xData, wData, gData = halfCopy(xData), halfCopy(wData), halfCopy(gData)
	}
	w := general(g.outC, rows, wData)

	gradInput := empty(op.input.Shape)
	gradWeight := empty(op.weight.Shape)

	// Per-sample weight gradients are either kept apart and summed in
	// index order, or folded into the shared buffer as workers finish.
	var partials [][]float32
	var mu sync.Mutex
	if IsDeterministic() {
		partials = make([][]float32, g.batch)
	}

	parallelFor(g.batch, func(n int) {
		col := make([]float32, rows*cols)
		im2col(xData[n*inSize:(n+1)*inSize], g, col)
		dy := general(g.outC, cols, gData[n*outSize:(n+1)*outSize])

		dw := make([]float32, wSize)
		gemm(false, true, dy, general(rows, cols, col), general(g.outC, rows, dw), 0)
		if partials != nil {
			partials[n] = dw
		} else {
			mu.Lock()
			addInto(gradWeight.Data, dw)
			mu.Unlock()
		}

		dcol := make([]float32, rows*cols)
		gemm(true, false, w, dy, general(rows, cols, dcol), 0)
		col2im(dcol, g, gradInput.Data[n*inSize:(n+1)*inSize])
	})

	for _, dw := range partials {
		addInto(gradWeight.Data, dw)
	}

	if op.half {
		roundHalf(gradInput.Data)
		roundHalf(gradWeight.Data)
	}
	return []*Tensor{gradInput, gradWeight}, nil
}

// Conv2D convolves input [N, C, H, W] with weight [O, C, K, K]. Bias is
// applied separately with AddBias.
func Conv2D(input, weight *Tensor, p ConvParams) (*Tensor, error) {
	g, err := newConvGeometry(input, weight, p)
	if err != nil {
		return nil, err
	}
	half := IsAutocastEnabled()
	xData, wData := input.Data, weight.Data
	if half {
		xData, wData = halfCopy(xData), halfCopy(wData)
	}

	rows, cols := g.colRows(), g.colCols()
	inSize := g.inC * g.h * g.w
	outSize := g.outC * cols
	w := general(g.outC, rows, wData)

	result := empty([]int{g.batch, g.outC, g.oh, g.ow})
	parallelFor(g.batch, func(n int) {
		col := make([]float32, rows*cols)
		im2col(xData[n*inSize:(n+1)*inSize], g, col)
		gemm(false, false, w, general(rows, cols, col), general(g.outC, cols, result.Data[n*outSize:(n+1)*outSize]), 0)
	})
	if half {
		roundHalf(result.Data)
	}
	return record(result, &conv2dOp{input: input, weight: weight, geom: g, half: half}), nil
}

type maxPoolOp struct {
	input  *Tensor
	argmax []int
}

func (op *maxPoolOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *maxPoolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := empty(op.input.Shape)
	for i, src := range op.argmax {
		grad.Data[src] += gradOut.Data[i]
	}
	return []*Tensor{grad}, nil
}

// MaxPool2D takes the maximum over kernel x kernel windows without padding.
func MaxPool2D(input *Tensor, kernel, stride int) (*Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("maxpool2d input must be [N, C, H, W], got %v", input.Shape)
	}
	if kernel < 1 || stride < 1 {
		return nil, fmt.Errorf("invalid kernel %d or stride %d", kernel, stride)
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh := (h-kernel)/stride + 1
	ow := (w-kernel)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("pool kernel %d larger than input %dx%d", kernel, h, w)
	}

	result := empty([]int{n, c, oh, ow})
	argmax := make([]int, result.NumElems)
	planes := n * c
	parallelFor(planes, func(p int) {
		inBase := p * h * w
		outBase := p * oh * ow
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := inBase + oy*stride*w + ox*stride
				for ky := 0; ky < kernel; ky++ {
					row := inBase + (oy*stride+ky)*w + ox*stride
					for kx := 0; kx < kernel; kx++ {
						if v := input.Data[row+kx]; v > best {
							best = v
							bestIdx = row + kx
						}
					}
				}
				result.Data[outBase+oy*ow+ox] = input.Data[bestIdx]
				argmax[outBase+oy*ow+ox] = bestIdx
			}
		}
	})
	return record(result, &maxPoolOp{input: input, argmax: argmax}), nil
}

type globalAvgPoolOp struct {
	input *Tensor
}

func (op *globalAvgPoolOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *globalAvgPoolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	area := op.input.Shape[2] * op.input.Shape[3]
	grad := empty(op.input.Shape)
	for p, g := range gradOut.Data {
		v := g / float32(area)
		for i := p * area; i < (p+1)*area; i++ {
			grad.Data[i] = v
		}
	}
	return []*Tensor{grad}, nil
}

// GlobalAvgPool averages each channel plane, mapping [N, C, H, W] to [N, C].
func GlobalAvgPool(input *Tensor) (*Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("global average pool input must be [N, C, H, W], got %v", input.Shape)
	}
	n, c := input.Shape[0], input.Shape[1]
	area := input.Shape[2] * input.Shape[3]
	result := empty([]int{n, c})
	for p := 0; p < n*c; p++ {
		var sum float32
		for _, v := range input.Data[p*area : (p+1)*area] {
			sum += v
		}
		result.Data[p] = sum / float32(area)
	}
	return record(result, &globalAvgPoolOp{input: input}), nil
}
