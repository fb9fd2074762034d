//go:build cgo

package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/aneurysm-check/internal/inference"
)

func TestRegistersRuntime(t *testing.T) {
	assert.Contains(t, inference.Registered(), "onnx")
	assert.Equal(t, "onnx", inference.RuntimeForPath("model/brain_aneurysm_model.onnx"))
}

func TestDescribeAllResolvesDynamicDims(t *testing.T) {
	infos := []ort.InputOutputInfo{
		{Name: "input", Dimensions: ort.NewShape(-1, 256, 256, 3), DataType: ort.TensorElementDataTypeFloat},
		{Name: "mask", Dimensions: ort.NewShape(1, 4), DataType: ort.TensorElementDataTypeUint8},
	}

	got := describeAll(infos)
	assert.Equal(t, inference.TensorDescriptor{Name: "input", Index: 0, Shape: []int64{1, 256, 256, 3}, DType: inference.Float32}, got[0])
	assert.Equal(t, []int64{1, 4}, got[1].Shape)
	assert.NotEqual(t, inference.Float32, got[1].DType)
}
