package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/ct-classifier/checkpoints"
)

// StateDict copies every parameter of m into checkpoint weight tensors.
func StateDict(m Module) []checkpoints.WeightTensor {
	named := m.NamedParameters()
	weights := make([]checkpoints.WeightTensor, len(named))
	for i, p := range named {
		data := make([]float32, len(p.Tensor.Data))
		copy(data, p.Tensor.Data)
		shape := make([]int, len(p.Tensor.Shape))
		copy(shape, p.Tensor.Shape)
		weights[i] = checkpoints.WeightTensor{Name: p.Name, Shape: shape, Data: data}
	}
	return weights
}

// LoadStateDict copies saved weights into m. Names, order and shapes must
// match exactly; on mismatch m is left unchanged and the error wraps
// checkpoints.ErrCorruptState.
func LoadStateDict(m Module, weights []checkpoints.WeightTensor) error {
	named := m.NamedParameters()
	if len(weights) != len(named) {
		return errors.Wrapf(checkpoints.ErrCorruptState, "checkpoint has %d weight tensors, model has %d", len(weights), len(named))
	}
	for i, p := range named {
		w := weights[i]
		if w.Name != p.Name {
			return errors.Wrapf(checkpoints.ErrCorruptState, "weight %d: expected %q, got %q", i, p.Name, w.Name)
		}
		if !sameShape(w.Shape, p.Tensor.Shape) || len(w.Data) != len(p.Tensor.Data) {
			return errors.Wrapf(checkpoints.ErrCorruptState, "weight %q: expected shape %v, got %v", w.Name, p.Tensor.Shape, w.Shape)
		}
	}
	for i, p := range named {
		copy(p.Tensor.Data, weights[i].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CountParameters returns the number of trainable scalars in m.
func CountParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElems
	}
	return total
}

// Summary renders the module tree, one layer per line.
func Summary(m Module) string {
	var sb strings.Builder
	writeSummary(&sb, m, "", 0)
	fmt.Fprintf(&sb, "Trainable parameters: %d\n", CountParameters(m))
	return sb.String()
}

func writeSummary(sb *strings.Builder, m Module, label string, depth int) {
	indent := strings.Repeat("  ", depth)
	if label != "" {
		label += ": "
	}
	switch v := m.(type) {
	case *Sequential:
		fmt.Fprintf(sb, "%s%sSequential\n", indent, label)
		for i, child := range v.modules {
			writeSummary(sb, child, fmt.Sprintf("(%d)", i), depth+1)
		}
	case *Residual:
		fmt.Fprintf(sb, "%s%sResidual\n", indent, label)
		writeSummary(sb, v.body, "body", depth+1)
		if v.shortcut != nil {
			writeSummary(sb, v.shortcut, "shortcut", depth+1)
		}
	case fmt.Stringer:
		fmt.Fprintf(sb, "%s%s%s\n", indent, label, v.String())
	default:
		fmt.Fprintf(sb, "%s%s%T\n", indent, label, m)
	}
}
