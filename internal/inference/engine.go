package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorgonia.org/tensor"
)

var (
	// ErrShapeMismatch is returned when an input disagrees with the model's
	// input descriptor.
	ErrShapeMismatch = errors.New("tensor shape mismatch")
	// ErrInference is returned when the runtime fails to execute.
	ErrInference = errors.New("inference failed")
)

// Engine owns a Runtime and its descriptors. Descriptors are fixed at
// construction; Run calls are serialized.
type Engine struct {
	mu     sync.Mutex
	rt     Runtime
	input  TensorDescriptor
	output TensorDescriptor
	closed bool
	logger *zap.Logger
}

// NewEngine validates the runtime's descriptors and takes ownership of rt.
func NewEngine(rt Runtime, logger *zap.Logger) (*Engine, error) {
	inputs, outputs := rt.Inputs(), rt.Outputs()
	if len(inputs) != 1 {
		return nil, fmt.Errorf("inference: model has %d inputs, want 1", len(inputs))
	}
	if len(outputs) == 0 {
		return nil, errors.New("inference: model has no outputs")
	}
	if err := checkDescriptor(inputs[0]); err != nil {
		return nil, fmt.Errorf("inference: input: %w", err)
	}
	if err := checkDescriptor(outputs[0]); err != nil {
		return nil, fmt.Errorf("inference: output: %w", err)
	}

	e := &Engine{
		rt:     rt,
		input:  cloneDescriptor(inputs[0]),
		output: cloneDescriptor(outputs[0]),
		logger: logger.Named("inference"),
	}
	e.logger.Info("model ready",
		zap.Stringer("input", e.input),
		zap.Stringer("output", e.output),
	)
	return e, nil
}

func checkDescriptor(d TensorDescriptor) error {
	if d.DType != Float32 {
		return fmt.Errorf("%s has dtype %q, want %q", d.Name, d.DType, Float32)
	}
	if len(d.Shape) == 0 {
		return fmt.Errorf("%s has no shape", d.Name)
	}
	for _, dim := range d.Shape {
		if dim <= 0 {
			return fmt.Errorf("%s has unresolved shape %v", d.Name, d.Shape)
		}
	}
	return nil
}

func cloneDescriptor(d TensorDescriptor) TensorDescriptor {
	d.Shape = append([]int64(nil), d.Shape...)
	return d
}

// InputDescriptor returns the expected input layout.
func (e *Engine) InputDescriptor() TensorDescriptor { return cloneDescriptor(e.input) }

// OutputDescriptor returns the produced output layout.
func (e *Engine) OutputDescriptor() TensorDescriptor { return cloneDescriptor(e.output) }

// Run executes one forward pass. The input must match the input descriptor
// exactly in shape and dtype.
func (e *Engine) Run(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
	if err := e.checkInput(in); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := in.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: input backing is %T", ErrShapeMismatch, in.Data())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("%w: engine closed", ErrInference)
	}

	out, err := e.rt.Invoke(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if want := e.output.Elements(); len(out) != want {
		return nil, fmt.Errorf("%w: runtime returned %d values, want %d", ErrInference, len(out), want)
	}

	shape := make([]int, len(e.output.Shape))
	for i, dim := range e.output.Shape {
		shape[i] = int(dim)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(out)), nil
}

func (e *Engine) checkInput(in *tensor.Dense) error {
	if in == nil {
		return fmt.Errorf("%w: nil input", ErrShapeMismatch)
	}
	if in.Dtype() != tensor.Float32 {
		return fmt.Errorf("%w: dtype %v, want %s", ErrShapeMismatch, in.Dtype(), e.input.DType)
	}
	shape := in.Shape()
	if len(shape) != len(e.input.Shape) {
		return fmt.Errorf("%w: shape %v, want %v", ErrShapeMismatch, shape, e.input.Shape)
	}
	for i, dim := range shape {
		if int64(dim) != e.input.Shape[i] {
			return fmt.Errorf("%w: shape %v, want %v", ErrShapeMismatch, shape, e.input.Shape)
		}
	}
	return nil
}

// Close releases the runtime. Subsequent Run calls fail.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.rt.Close()
}
