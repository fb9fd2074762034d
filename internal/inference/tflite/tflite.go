//go:build !no_tflite && cgo

// Package tflite runs TensorFlow Lite models on the host CPU through
// libtensorflowlite_c. Importing it registers the "tflite" runtime.
package tflite

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/mattn/go-tflite"
	"go.uber.org/zap"

	"github.com/example/aneurysm-check/internal/inference"
)

func init() {
	inference.Register("tflite", Open)
}

// Runtime is a tflite interpreter with tensors allocated at open time.
type Runtime struct {
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	inputs      []inference.TensorDescriptor
	outputs     []inference.TensorDescriptor
}

// Open loads the model at opts.ModelPath and allocates its tensors.
func Open(opts inference.Options, logger *zap.Logger) (inference.Runtime, error) {
	logger = logger.Named("tflite")

	model := tflite.NewModelFromFile(opts.ModelPath)
	if model == nil {
		return nil, fmt.Errorf("failed to load model %s", opts.ModelPath)
	}

	threads := opts.NumThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	if options == nil {
		model.Delete()
		return nil, errors.New("interpreter options failed to be created")
	}
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		logger.Warn("tflite runtime", zap.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("failed to allocate tensors: %v", status)
	}

	rt := &Runtime{model: model, options: options, interpreter: interpreter}
	for i := 0; i < interpreter.GetInputTensorCount(); i++ {
		rt.inputs = append(rt.inputs, describe(interpreter.GetInputTensor(i), i))
	}
	for i := 0; i < interpreter.GetOutputTensorCount(); i++ {
		rt.outputs = append(rt.outputs, describe(interpreter.GetOutputTensor(i), i))
	}
	logger.Debug("interpreter allocated", zap.String("model", opts.ModelPath), zap.Int("threads", threads))
	return rt, nil
}

// tensorInfo is the metadata side of *tflite.Tensor.
type tensorInfo interface {
	Name() string
	NumDims() int
	Dim(i int) int
	Type() tflite.TensorType
}

func describe(t tensorInfo, index int) inference.TensorDescriptor {
	shape := make([]int64, t.NumDims())
	for i := range shape {
		shape[i] = int64(t.Dim(i))
	}
	dtype := inference.DType(t.Type().String())
	if t.Type() == tflite.Float32 {
		dtype = inference.Float32
	}
	return inference.TensorDescriptor{Name: t.Name(), Index: index, Shape: shape, DType: dtype}
}

// Inputs implements inference.Runtime.
func (r *Runtime) Inputs() []inference.TensorDescriptor { return r.inputs }

// Outputs implements inference.Runtime.
func (r *Runtime) Outputs() []inference.TensorDescriptor { return r.outputs }

// Invoke copies input into the first input tensor, runs the interpreter and
// copies the first output tensor out.
func (r *Runtime) Invoke(input []float32) ([]float32, error) {
	in := r.interpreter.GetInputTensor(0)
	if status := in.CopyFromBuffer(input); status != tflite.OK {
		return nil, fmt.Errorf("copying to input buffer failed: %v", status)
	}
	if status := r.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("invoke failed: %v", status)
	}

	out := r.interpreter.GetOutputTensor(0)
	values := out.Float32s()
	if values == nil {
		return nil, fmt.Errorf("output tensor %s is %v, not float32", out.Name(), out.Type())
	}
	return append([]float32(nil), values...), nil
}

// Close deletes the interpreter, its options and the model.
func (r *Runtime) Close() error {
	r.interpreter.Delete()
	r.options.Delete()
	r.model.Delete()
	return nil
}
