//go:build cgo

// Package onnx runs ONNX models through the onnxruntime shared library.
// Importing it registers the "onnx" runtime.
package onnx

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/aneurysm-check/internal/inference"
)

func init() {
	inference.Register("onnx", Open)
}

// Runtime is an onnxruntime session bound to preallocated tensors.
type Runtime struct {
	session *ort.AdvancedSession
	options *ort.SessionOptions
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	inputs  []inference.TensorDescriptor
	outputs []inference.TensorDescriptor
}

// Open initializes the onnxruntime environment and loads opts.ModelPath.
// Dynamic dimensions are fixed to 1.
func Open(opts inference.Options, logger *zap.Logger) (inference.Runtime, error) {
	logger = logger.Named("onnx")

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model info: %w", err)
	}
	if len(inInfo) == 0 || len(outInfo) == 0 {
		return nil, errors.New("model declares no inputs or outputs")
	}

	rt := &Runtime{
		inputs:  describeAll(inInfo),
		outputs: describeAll(outInfo),
	}
	if rt.inputs[0].DType != inference.Float32 || rt.outputs[0].DType != inference.Float32 {
		return rt, nil
	}

	rt.input, err = ort.NewEmptyTensor[float32](ort.NewShape(rt.inputs[0].Shape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	rt.output, err = ort.NewEmptyTensor[float32](ort.NewShape(rt.outputs[0].Shape...))
	if err != nil {
		rt.input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	if opts.NumThreads > 0 {
		rt.options, err = ort.NewSessionOptions()
		if err != nil {
			rt.destroyTensors()
			return nil, fmt.Errorf("failed to create session options: %w", err)
		}
		if err := rt.options.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			rt.destroyTensors()
			rt.options.Destroy()
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	rt.session, err = ort.NewAdvancedSession(opts.ModelPath,
		[]string{inInfo[0].Name}, []string{outInfo[0].Name},
		[]ort.ArbitraryTensor{rt.input}, []ort.ArbitraryTensor{rt.output},
		rt.options)
	if err != nil {
		rt.destroyTensors()
		if rt.options != nil {
			rt.options.Destroy()
		}
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Debug("session created",
		zap.String("model", opts.ModelPath),
		zap.String("input", inInfo[0].Name),
		zap.String("output", outInfo[0].Name),
	)
	return rt, nil
}

func describeAll(infos []ort.InputOutputInfo) []inference.TensorDescriptor {
	out := make([]inference.TensorDescriptor, len(infos))
	for i, info := range infos {
		shape := make([]int64, len(info.Dimensions))
		for j, dim := range info.Dimensions {
			if dim < 0 {
				dim = 1
			}
			shape[j] = dim
		}
		dtype := inference.DType(fmt.Sprint(info.DataType))
		if info.DataType == ort.TensorElementDataTypeFloat {
			dtype = inference.Float32
		}
		out[i] = inference.TensorDescriptor{Name: info.Name, Index: i, Shape: shape, DType: dtype}
	}
	return out
}

// Inputs implements inference.Runtime.
func (r *Runtime) Inputs() []inference.TensorDescriptor { return r.inputs }

// Outputs implements inference.Runtime.
func (r *Runtime) Outputs() []inference.TensorDescriptor { return r.outputs }

// Invoke implements inference.Runtime.
func (r *Runtime) Invoke(input []float32) ([]float32, error) {
	if r.session == nil {
		return nil, errors.New("session not created for non-float32 model")
	}
	dst := r.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, session expects %d", len(input), len(dst))
	}
	copy(dst, input)
	if err := r.session.Run(); err != nil {
		return nil, err
	}
	return append([]float32(nil), r.output.GetData()...), nil
}

func (r *Runtime) destroyTensors() {
	if r.input != nil {
		r.input.Destroy()
	}
	if r.output != nil {
		r.output.Destroy()
	}
}

// Close destroys the session, tensors and the onnxruntime environment.
func (r *Runtime) Close() error {
	if r.session != nil {
		r.session.Destroy()
	}
	r.destroyTensors()
	if r.options != nil {
		r.options.Destroy()
	}
	return ort.DestroyEnvironment()
}
