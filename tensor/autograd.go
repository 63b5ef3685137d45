package tensor

import (
	"fmt"
)

// record attaches op as the creator of result when graph recording is on
// and at least one input needs a gradient.
func record(result *Tensor, op Operation) *Tensor {
	if !IsGradEnabled() {
		return result
	}
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

// Backward computes gradients of the scalar t with respect to every leaf
// tensor that requires them. Gradients accumulate into existing buffers.
// The graph is released afterwards.
func Backward(t *Tensor) error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar output, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require gradients")
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: Scalar(1)}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			accumulateGrad(node, g)
			continue
		}

		inputs := node.creator.Inputs()
		inGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}
		for j, in := range inputs {
			if in == nil || !in.requiresGrad || j >= len(inGrads) || inGrads[j] == nil {
				continue
			}
			if prev, ok := grads[in]; ok {
				addInto(prev.Data, inGrads[j].Data)
			} else {
				grads[in] = inGrads[j]
			}
		}
	}

	for _, node := range order {
		node.creator = nil
	}
	return nil
}

// topoSort returns the graph feeding t with every node after its inputs.
func topoSort(t *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node     *Tensor
		expanded bool
	}
	stack := []frame{{node: t}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.expanded {
			order = append(order, top.node)
			continue
		}
		if visited[top.node] {
			continue
		}
		visited[top.node] = true
		stack = append(stack, frame{node: top.node, expanded: true})
		if top.node.creator != nil {
			for _, in := range top.node.creator.Inputs() {
				if in != nil && in.requiresGrad && !visited[in] {
					stack = append(stack, frame{node: in})
				}
			}
		}
	}
	return order
}

func accumulateGrad(leaf *Tensor, g *Tensor) {
	if leaf.grad == nil {
		leaf.grad = g.Clone()
		return
	}
	addInto(leaf.grad.Data, g.Data)
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
