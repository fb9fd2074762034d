package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/aneurysm-check/internal/classify"
	"github.com/example/aneurysm-check/internal/nifti"
	"github.com/example/aneurysm-check/internal/pipeline"
)

type stubPredictor struct {
	paths    []string
	contents []string
	err      error
}

func (s *stubPredictor) Predict(_ context.Context, path string) (*pipeline.Prediction, error) {
	s.paths = append(s.paths, path)
	data, _ := os.ReadFile(path)
	s.contents = append(s.contents, string(data))
	if s.err != nil {
		return nil, s.err
	}
	return &pipeline.Prediction{Result: classify.Result{Index: 1, Label: classify.DefaultLabels[1]}}, nil
}

var niftiExtensions = []string{".nii", ".nii.gz"}

func TestAllowedExtension(t *testing.T) {
	tests := []struct {
		filename string
		want     string
		ok       bool
	}{
		{"scan.nii", ".nii", true},
		{"SCAN.NII", ".nii", true},
		{"scan.nii.gz", ".nii.gz", true},
		{"scan.txt", "", false},
		{"scan.nii.bak", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := AllowedExtension(tt.filename, niftiExtensions)
		assert.Equal(t, tt.ok, ok, tt.filename)
		assert.Equal(t, tt.want, got, tt.filename)
	}
}

func TestPredictUploadStoresUnderGeneratedName(t *testing.T) {
	dir := t.TempDir()
	predictor := &stubPredictor{}
	uc, err := NewPredictionUseCase(predictor, dir, niftiExtensions, true, zap.NewNop())
	require.NoError(t, err)

	requestID, prediction, err := uc.PredictUpload(context.Background(), "../../etc/evil.nii", strings.NewReader("volume"))
	require.NoError(t, err)
	assert.Equal(t, classify.DefaultLabels[1], prediction.Label)

	require.Len(t, predictor.paths, 1)
	assert.Equal(t, filepath.Join(dir, requestID+".nii"), predictor.paths[0])
	assert.Equal(t, "volume", predictor.contents[0])
	assert.FileExists(t, predictor.paths[0])
}

func TestPredictUploadRemovesFileWhenNotKept(t *testing.T) {
	dir := t.TempDir()
	predictor := &stubPredictor{}
	uc, err := NewPredictionUseCase(predictor, dir, niftiExtensions, false, zap.NewNop())
	require.NoError(t, err)

	_, _, err = uc.PredictUpload(context.Background(), "scan.nii.gz", strings.NewReader("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(predictor.paths[0], ".nii.gz"))
	assert.NoFileExists(t, predictor.paths[0])
}

func TestPredictUploadRejectsExtension(t *testing.T) {
	predictor := &stubPredictor{}
	uc, err := NewPredictionUseCase(predictor, t.TempDir(), niftiExtensions, true, zap.NewNop())
	require.NoError(t, err)

	_, _, err = uc.PredictUpload(context.Background(), "scan.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, predictor.paths)
}

func TestPredictUploadPropagatesPipelineError(t *testing.T) {
	predictor := &stubPredictor{err: nifti.ErrFormat}
	uc, err := NewPredictionUseCase(predictor, t.TempDir(), niftiExtensions, true, zap.NewNop())
	require.NoError(t, err)

	_, _, err = uc.PredictUpload(context.Background(), "scan.nii", strings.NewReader("x"))
	assert.ErrorIs(t, err, nifti.ErrFormat)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func TestPredictUploadCleansUpPartialWrite(t *testing.T) {
	dir := t.TempDir()
	predictor := &stubPredictor{}
	uc, err := NewPredictionUseCase(predictor, dir, niftiExtensions, true, zap.NewNop())
	require.NoError(t, err)

	_, _, err = uc.PredictUpload(context.Background(), "scan.nii", failingReader{})
	require.Error(t, err)
	assert.Empty(t, predictor.paths)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPredictBytesDetectsGzip(t *testing.T) {
	predictor := &stubPredictor{}
	uc, err := NewPredictionUseCase(predictor, t.TempDir(), niftiExtensions, true, zap.NewNop())
	require.NoError(t, err)

	_, _, err = uc.PredictBytes(context.Background(), []byte{0x1f, 0x8b, 0x08})
	require.NoError(t, err)
	_, _, err = uc.PredictBytes(context.Background(), []byte{0x5c, 0x01})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(predictor.paths[0], ".nii.gz"))
	assert.True(t, strings.HasSuffix(predictor.paths[1], ".nii"))
	assert.False(t, strings.HasSuffix(predictor.paths[1], ".gz"))
}
