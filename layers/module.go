package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/ct-classifier/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters in a stable order
	NamedParameters() []Parameter // Same order as Parameters, with dotted names
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Parameter pairs a trainable tensor with its path inside the module tree,
// e.g. "3.body.0.weight".
type Parameter struct {
	Name   string
	Tensor *tensor.Tensor
}

func tensorsOf(named []Parameter) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(named))
	for i, p := range named {
		out[i] = p.Tensor
	}
	return out
}

func prefixed(prefix string, named []Parameter) []Parameter {
	out := make([]Parameter, len(named))
	for i, p := range named {
		out[i] = Parameter{Name: prefix + "." + p.Name, Tensor: p.Tensor}
	}
	return out
}

// xavierUniform draws W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
func xavierUniform(shape []int, fanIn, fanOut int) (*tensor.Tensor, error) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	t, err := tensor.Uniform(shape, bound)
	if err != nil {
		return nil, err
	}
	t.SetRequiresGrad(true)
	return t, nil
}

func zeroParam(shape []int) (*tensor.Tensor, error) {
	t, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}
	t.SetRequiresGrad(true)
	return t, nil
}

// Linear implements a fully connected layer: y = xW + b with W stored as
// [in, out].
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear dimensions %d -> %d", inputSize, outputSize)
	}
	weight, err := xavierUniform([]int{inputSize, outputSize}, inputSize, outputSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	l := &Linear{weight: weight, training: true}
	if bias {
		if l.bias, err = zeroParam([]int{outputSize}); err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
	}
	return l, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.MatMul(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("linear forward failed: %v", err)
	}
	if l.bias == nil {
		return out, nil
	}
	return tensor.AddBias(out, l.bias)
}

func (l *Linear) NamedParameters() []Parameter {
	params := []Parameter{{Name: "weight", Tensor: l.weight}}
	if l.bias != nil {
		params = append(params, Parameter{Name: "bias", Tensor: l.bias})
	}
	return params
}

func (l *Linear) Parameters() []*tensor.Tensor { return tensorsOf(l.NamedParameters()) }
func (l *Linear) Train()                       { l.training = true }
func (l *Linear) Eval()                        { l.training = false }
func (l *Linear) IsTraining() bool             { return l.training }

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(%d -> %d, bias=%t)", l.weight.Shape[0], l.weight.Shape[1], l.bias != nil)
}

// Conv2D is a square-kernel 2D convolution with weight [out, in, k, k].
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	params   tensor.ConvParams
	training bool
}

func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid conv2d configuration: in=%d out=%d kernel=%d", inputChannels, outputChannels, kernelSize)
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv2d stride %d or padding %d", stride, padding)
	}
	fanIn := inputChannels * kernelSize * kernelSize
	fanOut := outputChannels * kernelSize * kernelSize
	weight, err := xavierUniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, fanIn, fanOut)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	c := &Conv2D{
		weight:   weight,
		params:   tensor.ConvParams{Stride: stride, Padding: padding},
		training: true,
	}
	if bias {
		if c.bias, err = zeroParam([]int{outputChannels}); err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
	}
	return c, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.Conv2D(input, c.weight, c.params)
	if err != nil {
		return nil, fmt.Errorf("conv2d forward failed: %v", err)
	}
	if c.bias == nil {
		return out, nil
	}
	return tensor.AddBias(out, c.bias)
}

func (c *Conv2D) NamedParameters() []Parameter {
	params := []Parameter{{Name: "weight", Tensor: c.weight}}
	if c.bias != nil {
		params = append(params, Parameter{Name: "bias", Tensor: c.bias})
	}
	return params
}

func (c *Conv2D) Parameters() []*tensor.Tensor { return tensorsOf(c.NamedParameters()) }
func (c *Conv2D) Train()                       { c.training = true }
func (c *Conv2D) Eval()                        { c.training = false }
func (c *Conv2D) IsTraining() bool             { return c.training }

func (c *Conv2D) String() string {
	s := c.weight.Shape
	return fmt.Sprintf("Conv2D(%d -> %d, kernel=%d, stride=%d, padding=%d)", s[1], s[0], s[2], c.params.Stride, c.params.Padding)
}

// stateless holds the training flag for layers without parameters.
type stateless struct {
	training bool
}

func (s *stateless) Parameters() []*tensor.Tensor { return nil }
func (s *stateless) NamedParameters() []Parameter { return nil }
func (s *stateless) Train()                       { s.training = true }
func (s *stateless) Eval()                        { s.training = false }
func (s *stateless) IsTraining() bool             { return s.training }

type ReLU struct {
	stateless
}

func NewReLU() *ReLU {
	return &ReLU{stateless{training: true}}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(input)
}

func (r *ReLU) String() string { return "ReLU" }

type MaxPool2D struct {
	stateless
	kernelSize int
	stride     int
}

func NewMaxPool2D(kernelSize, stride int) *MaxPool2D {
	return &MaxPool2D{stateless: stateless{training: true}, kernelSize: kernelSize, stride: stride}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2D(input, m.kernelSize, m.stride)
}

func (m *MaxPool2D) String() string {
	return fmt.Sprintf("MaxPool2D(kernel=%d, stride=%d)", m.kernelSize, m.stride)
}

// GlobalAvgPool maps [N, C, H, W] to [N, C].
type GlobalAvgPool struct {
	stateless
}

func NewGlobalAvgPool() *GlobalAvgPool {
	return &GlobalAvgPool{stateless{training: true}}
}

func (g *GlobalAvgPool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPool(input)
}

func (g *GlobalAvgPool) String() string { return "GlobalAvgPool" }

type Flatten struct {
	stateless
}

func NewFlatten() *Flatten {
	return &Flatten{stateless{training: true}}
}

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Flatten(input)
}

func (f *Flatten) String() string { return "Flatten" }

// Sequential runs modules in order. Parameter names are prefixed with the
// module index.
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

func (s *Sequential) Modules() []Module {
	return s.modules
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	for i, m := range s.modules {
		out, err := m.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("module %d (%T) failed: %v", i, m, err)
		}
		x = out
	}
	return x, nil
}

func (s *Sequential) NamedParameters() []Parameter {
	var params []Parameter
	for i, m := range s.modules {
		params = append(params, prefixed(fmt.Sprintf("%d", i), m.NamedParameters())...)
	}
	return params
}

func (s *Sequential) Parameters() []*tensor.Tensor { return tensorsOf(s.NamedParameters()) }

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// Residual computes relu(body(x) + shortcut(x)). A nil shortcut is the
// identity.
type Residual struct {
	body     Module
	shortcut Module
	training bool
}

func NewResidual(body, shortcut Module) *Residual {
	return &Residual{body: body, shortcut: shortcut, training: true}
}

func (r *Residual) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := r.body.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("residual body failed: %v", err)
	}
	skip := input
	if r.shortcut != nil {
		if skip, err = r.shortcut.Forward(input); err != nil {
			return nil, fmt.Errorf("residual shortcut failed: %v", err)
		}
	}
	sum, err := tensor.Add(out, skip)
	if err != nil {
		return nil, fmt.Errorf("residual add failed: %v", err)
	}
	return tensor.ReLU(sum)
}

func (r *Residual) NamedParameters() []Parameter {
	params := prefixed("body", r.body.NamedParameters())
	if r.shortcut != nil {
		params = append(params, prefixed("shortcut", r.shortcut.NamedParameters())...)
	}
	return params
}

func (r *Residual) Parameters() []*tensor.Tensor { return tensorsOf(r.NamedParameters()) }

func (r *Residual) Train() {
	r.training = true
	r.body.Train()
	if r.shortcut != nil {
		r.shortcut.Train()
	}
}

func (r *Residual) Eval() {
	r.training = false
	r.body.Eval()
	if r.shortcut != nil {
		r.shortcut.Eval()
	}
}

func (r *Residual) IsTraining() bool { return r.training }
