package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/aneurysm-check/internal/logging"
	"github.com/example/aneurysm-check/internal/pipeline"
	"github.com/example/aneurysm-check/internal/security"
)

// Predictor classifies a NIfTI file on disk. *pipeline.Pipeline satisfies
// it.
type Predictor interface {
	Predict(ctx context.Context, path string) (*pipeline.Prediction, error)
}

// PredictionUseCase stores uploads and runs them through the predictor.
type PredictionUseCase struct {
	predictor  Predictor
	uploadDir  string
	extensions []string
	keep       bool
	logger     *zap.Logger
}

// NewPredictionUseCase constructs a new use case instance. Uploads land in
// uploadDir, which is created if missing.
func NewPredictionUseCase(predictor Predictor, uploadDir string, extensions []string, keep bool, logger *zap.Logger) (*PredictionUseCase, error) {
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &PredictionUseCase{
		predictor:  predictor,
		uploadDir:  uploadDir,
		extensions: extensions,
		keep:       keep,
		logger:     logger.Named("prediction_usecase"),
	}, nil
}

// AllowedExtension reports the entry of allowed that filename ends with,
// ignoring case. Longer entries win so ".nii.gz" is preferred over ".gz".
func AllowedExtension(filename string, allowed []string) (string, bool) {
	lower := strings.ToLower(filename)
	best := ""
	for _, ext := range allowed {
		ext = strings.ToLower(ext)
		if ext != "" && strings.HasSuffix(lower, ext) && len(ext) > len(best) {
			best = ext
		}
	}
	return best, best != ""
}

// CheckFilename validates an upload's client name before anything is read.
func (uc *PredictionUseCase) CheckFilename(filename string) (string, error) {
	ext, ok := AllowedExtension(filename, uc.extensions)
	if !ok {
		return "", &ValidationError{Field: "file", Message: "unsupported extension"}
	}
	return ext, nil
}

// PredictUpload saves the upload under a generated name and classifies it.
// The client filename only contributes its extension.
func (uc *PredictionUseCase) PredictUpload(ctx context.Context, filename string, body io.Reader) (string, *pipeline.Prediction, error) {
	ext, err := uc.CheckFilename(filename)
	if err != nil {
		return "", nil, err
	}
	return uc.predict(ctx, ext, body, zap.String("filename", filepath.Base(filename)))
}

// PredictBytes classifies raw NIfTI bytes, picking the stored extension
// from the gzip magic.
func (uc *PredictionUseCase) PredictBytes(ctx context.Context, data []byte) (string, *pipeline.Prediction, error) {
	ext := ".nii"
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		ext = ".nii.gz"
	}
	return uc.predict(ctx, ext, bytes.NewReader(data), zap.Int("bytes", len(data)))
}

func (uc *PredictionUseCase) predict(ctx context.Context, ext string, body io.Reader, field zap.Field) (string, *pipeline.Prediction, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict_upload", requestID).With(field)

	path, err := uc.save(requestID, ext, body)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_upload", requestID, err)
		opLogger.Error("failed to store upload", zap.Error(wrapped))
		return requestID, nil, wrapped
	}
	if !uc.keep {
		defer func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				opLogger.Warn("failed to remove upload", zap.Error(err))
			}
		}()
	}

	prediction, err := uc.predictor.Predict(ctx, path)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.predict", requestID, err)
		opLogger.Warn("prediction failed", zap.Error(wrapped))
		return requestID, nil, wrapped
	}

	opLogger.Info("prediction served",
		zap.String("label", prediction.Label),
		zap.Int("slice_index", prediction.SliceIndex),
	)
	return requestID, prediction, nil
}

func (uc *PredictionUseCase) save(requestID, ext string, body io.Reader) (string, error) {
	path := filepath.Join(uc.uploadDir, requestID+ext)
	if err := security.ValidatePathWithinDirectory(path, uc.uploadDir); err != nil {
		return "", err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
