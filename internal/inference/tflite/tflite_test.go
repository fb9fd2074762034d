//go:build !no_tflite && cgo

package tflite

import (
	"testing"

	"github.com/mattn/go-tflite"
	"github.com/stretchr/testify/assert"

	"github.com/example/aneurysm-check/internal/inference"
)

type fakeTensor struct {
	name  string
	dims  []int
	dtype tflite.TensorType
}

func (f fakeTensor) Name() string            { return f.name }
func (f fakeTensor) NumDims() int            { return len(f.dims) }
func (f fakeTensor) Dim(i int) int           { return f.dims[i] }
func (f fakeTensor) Type() tflite.TensorType { return f.dtype }

func TestRegistersRuntime(t *testing.T) {
	assert.Contains(t, inference.Registered(), "tflite")
	assert.Equal(t, "tflite", inference.RuntimeForPath("model/brain_aneurysm_model.tflite"))
}

func TestDescribeFloatInput(t *testing.T) {
	got := describe(fakeTensor{name: "serving_default_input", dims: []int{1, 256, 256, 3}, dtype: tflite.Float32}, 0)
	assert.Equal(t, inference.TensorDescriptor{
		Name:  "serving_default_input",
		Index: 0,
		Shape: []int64{1, 256, 256, 3},
		DType: inference.Float32,
	}, got)
	assert.Equal(t, 256*256*3, got.Elements())
}

func TestDescribeQuantizedOutput(t *testing.T) {
	got := describe(fakeTensor{name: "scores", dims: []int{1, 2}, dtype: tflite.UInt8}, 1)
	assert.Equal(t, 1, got.Index)
	assert.Equal(t, []int64{1, 2}, got.Shape)
	assert.NotEqual(t, inference.Float32, got.DType)
}
