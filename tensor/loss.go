package tensor

import (
	"fmt"
	"math"
)

type crossEntropyOp struct {
	logits *Tensor
	labels []int32
	probs  []float32
	scale  float32
}

func (op *crossEntropyOp) Inputs() []*Tensor { return []*Tensor{op.logits} }

func (op *crossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	classes := op.logits.Shape[1]
	g := gradOut.Data[0] * op.scale
	grad := empty(op.logits.Shape)
	for i, label := range op.labels {
		row := i * classes
		for c := 0; c < classes; c++ {
			v := op.probs[row+c]
			if int32(c) == label {
				v -= 1
			}
			grad.Data[row+c] = v * g
		}
	}
	return []*Tensor{grad}, nil
}

// CrossEntropy computes softmax cross-entropy between logits [N, C] and
// integer class labels. Reduction is "mean" or "sum".
func CrossEntropy(logits *Tensor, labels []int32, reduction string) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("logits must be [N, C], got %v", logits.Shape)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labels) != batch {
		return nil, fmt.Errorf("got %d labels for batch of %d", len(labels), batch)
	}
	var scale float32
	switch reduction {
	case "", "mean":
		scale = 1 / float32(batch)
	case "sum":
		scale = 1
	default:
		return nil, fmt.Errorf("unsupported reduction %q", reduction)
	}

	probs := make([]float32, logits.NumElems)
	var total float64
	for i, label := range labels {
		if label < 0 || int(label) >= classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}
		row := logits.Data[i*classes : (i+1)*classes]

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for c, v := range row {
			e := math.Exp(float64(v - maxVal))
			probs[i*classes+c] = float32(e)
			sum += e
		}
		for c := range row {
			probs[i*classes+c] = float32(float64(probs[i*classes+c]) / sum)
		}

		total += math.Log(sum) - float64(row[label]-maxVal)
	}

	result := Scalar(float32(total) * scale)
	return record(result, &crossEntropyOp{logits: logits, labels: labels, probs: probs, scale: scale}), nil
}

// Argmax returns the index of the largest value in each row of a [N, C]
// tensor. Ties resolve to the lowest index.
func Argmax(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("argmax requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[i] = best
	}
	return out, nil
}

// Accuracy returns the fraction of rows whose argmax equals the label.
func Accuracy(logits *Tensor, labels []int32) (float64, error) {
	preds, err := Argmax(logits)
	if err != nil {
		return 0, err
	}
	if len(preds) != len(labels) {
		return 0, fmt.Errorf("got %d labels for %d predictions", len(labels), len(preds))
	}
	if len(preds) == 0 {
		return 0, fmt.Errorf("cannot compute accuracy of an empty batch")
	}
	correct := 0
	for i, p := range preds {
		if int32(p) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(preds)), nil
}
