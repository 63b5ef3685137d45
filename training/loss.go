package training

import (
	"fmt"

	"github.com/tsawler/ct-classifier/tensor"
)

// Loss interface defines methods that all loss functions must implement
type Loss interface {
	Forward(logits *tensor.Tensor, labels []int32) (*tensor.Tensor, error)
}

// CrossEntropyLoss implements softmax cross-entropy over integer class labels.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new cross-entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the loss of logits [N, C] against labels of length N.
func (ce *CrossEntropyLoss) Forward(logits *tensor.Tensor, labels []int32) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects [batch, classes] logits, got %v", logits.Shape)
	}
	if logits.Shape[0] != len(labels) {
		return nil, fmt.Errorf("batch size mismatch: logits %d, labels %d", logits.Shape[0], len(labels))
	}
	return tensor.CrossEntropy(logits, labels, ce.reduction)
}
