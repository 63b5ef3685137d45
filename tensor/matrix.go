package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// gemm computes c = op(a)·op(b) + beta·c where a and b are given in their
// stored layout.
func gemm(transA, transB bool, a, b, c blas32.General, beta float32) {
	blas32.Gemm(transpose(transA), transpose(transB), 1, a, b, beta, c)
}

type matMulOp struct {
	a, b *Tensor
	half bool
}

func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	m, k := op.a.Shape[0], op.a.Shape[1]
	n := op.b.Shape[1]

	aData, bData, gData := op.a.Data, op.b.Data, gradOut.Data
	if op.half {
		aData, bData, gData = halfCopy(aData), halfCopy(bData), halfCopy(gData)
	}

	gradA := empty(op.a.Shape)
	gradB := empty(op.b.Shape)
	gemm(false, true, general(m, n, gData), general(k, n, bData), general(m, k, gradA.Data), 0)
	gemm(true, false, general(m, k, aData), general(m, n, gData), general(k, n, gradB.Data), 0)

	if op.half {
		roundHalf(gradA.Data)
		roundHalf(gradB.Data)
	}
	return []*Tensor{gradA, gradB}, nil
}

// MatMul multiplies a [M, K] by b [K, N].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("incompatible shapes for matrix multiplication: %v and %v", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	half := IsAutocastEnabled()

	aData, bData := a.Data, b.Data
	if half {
		aData, bData = halfCopy(aData), halfCopy(bData)
	}

	result := empty([]int{m, n})
	gemm(false, false, general(m, k, aData), general(k, n, bData), general(m, n, result.Data), 0)
	if half {
		roundHalf(result.Data)
	}
	return record(result, &matMulOp{a: a, b: b, half: half}), nil
}
