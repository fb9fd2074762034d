package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/example/aneurysm-check/internal/classify"
	"github.com/example/aneurysm-check/internal/inference"
	"github.com/example/aneurysm-check/internal/nifti"
	"github.com/example/aneurysm-check/internal/preprocess"
)

// meanRuntime scores the mean input intensity: high mean favours class 1.
type meanRuntime struct {
	inputShape []int64
}

func (m *meanRuntime) Inputs() []inference.TensorDescriptor {
	return []inference.TensorDescriptor{{Name: "input", Shape: m.inputShape, DType: inference.Float32}}
}

func (m *meanRuntime) Outputs() []inference.TensorDescriptor {
	return []inference.TensorDescriptor{{Name: "output", Shape: []int64{1, 2}, DType: inference.Float32}}
}

func (m *meanRuntime) Invoke(input []float32) ([]float32, error) {
	var sum float32
	for _, v := range input {
		sum += v
	}
	mean := sum / float32(len(input))
	return []float32{1 - mean, mean}, nil
}

func (m *meanRuntime) Close() error { return nil }

type stubScorer struct {
	out *tensor.Dense
	err error
	in  *tensor.Dense
}

func (s *stubScorer) Run(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error) {
	s.in = in
	return s.out, s.err
}

func newEnginePipeline(t *testing.T) *Pipeline {
	t.Helper()
	engine, err := inference.NewEngine(&meanRuntime{inputShape: []int64{1, 256, 256, 3}}, zap.NewNop())
	require.NoError(t, err)
	interp, err := classify.NewInterpreter(classify.DefaultLabels)
	require.NoError(t, err)
	return New(engine, interp, 256, zap.NewNop())
}

func writeVolume(t *testing.T, dims [3]int, fill func(x, y, z int) float64) string {
	t.Helper()
	vol := &nifti.Volume{Dims: dims, Data: make([]float64, dims[0]*dims[1]*dims[2])}
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				vol.Data[x+dims[0]*(y+dims[1]*z)] = fill(x, y, z)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "scan.nii")
	require.NoError(t, nifti.WriteFile(path, vol))
	return path
}

func TestPredictConstantVolumeEndToEnd(t *testing.T) {
	p := newEnginePipeline(t)
	path := writeVolume(t, [3]int{64, 64, 10}, func(x, y, z int) float64 { return 100 })

	pred, err := p.Predict(context.Background(), path)
	require.NoError(t, err)
	assert.Contains(t, classify.DefaultLabels, pred.Label)
	assert.Equal(t, 5, pred.SliceIndex)
	assert.Equal(t, [3]int{64, 64, 10}, pred.VolumeDims)
	// constant slice normalizes to zeros, so the mean scorer picks class 0
	assert.Equal(t, "No Brain Aneurysm", pred.Label)
}

func TestPredictUsesMiddleSlice(t *testing.T) {
	p := newEnginePipeline(t)
	// only the middle slice is bright and varied
	path := writeVolume(t, [3]int{32, 32, 5}, func(x, y, z int) float64 {
		if z != 2 {
			return 0
		}
		if x == 0 && y == 0 {
			return 0
		}
		return 1000
	})

	pred, err := p.Predict(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, pred.SliceIndex)
	assert.Equal(t, "Brain Aneurysm Detected!", pred.Label)
}

func TestPredictPropagatesFormatError(t *testing.T) {
	p := newEnginePipeline(t)
	path := filepath.Join(t.TempDir(), "scan.nii")
	require.NoError(t, os.WriteFile(path, []byte("not a volume"), 0o644))

	_, err := p.Predict(context.Background(), path)
	assert.ErrorIs(t, err, nifti.ErrFormat)
}

func TestPredictPropagatesShapeMismatch(t *testing.T) {
	engine, err := inference.NewEngine(&meanRuntime{inputShape: []int64{1, 128, 128, 3}}, zap.NewNop())
	require.NoError(t, err)
	interp, err := classify.NewInterpreter(classify.DefaultLabels)
	require.NoError(t, err)
	p := New(engine, interp, 256, zap.NewNop())

	path := writeVolume(t, [3]int{16, 16, 3}, func(x, y, z int) float64 { return float64(x) })
	_, err = p.Predict(context.Background(), path)
	assert.ErrorIs(t, err, inference.ErrShapeMismatch)
}

func TestPredictReaderWithStubScorer(t *testing.T) {
	scorer := &stubScorer{out: tensor.New(tensor.WithShape(1, 2), tensor.WithBacking([]float32{0.1, 0.9}))}
	interp, err := classify.NewInterpreter(classify.DefaultLabels)
	require.NoError(t, err)
	p := New(scorer, interp, 256, zap.NewNop())

	path := writeVolume(t, [3]int{8, 8, 1}, func(x, y, z int) float64 { return float64(x + y) })
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	pred, err := p.PredictReader(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, "Brain Aneurysm Detected!", pred.Label)
	assert.Equal(t, 0, pred.SliceIndex)
	require.NotNil(t, scorer.in)
	assert.Equal(t, tensor.Shape{1, 256, 256, 3}, scorer.in.Shape())
}

func TestPredictPropagatesScorerError(t *testing.T) {
	scorer := &stubScorer{err: inference.ErrInference}
	interp, err := classify.NewInterpreter(classify.DefaultLabels)
	require.NoError(t, err)
	p := New(scorer, interp, 256, zap.NewNop())

	path := writeVolume(t, [3]int{4, 4, 2}, func(x, y, z int) float64 { return 1 })
	_, err = p.Predict(context.Background(), path)
	assert.True(t, errors.Is(err, inference.ErrInference))
}

func TestPrepareRejectsEmptyVolume(t *testing.T) {
	p := newEnginePipeline(t)
	_, _, err := p.Prepare(&nifti.Volume{Dims: [3]int{4, 4, 0}})
	assert.ErrorIs(t, err, preprocess.ErrDimension)
}
