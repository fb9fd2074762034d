// Package pipeline chains volume loading, preprocessing, inference and
// interpretation into a single prediction call.
package pipeline

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/example/aneurysm-check/internal/classify"
	"github.com/example/aneurysm-check/internal/logging"
	"github.com/example/aneurysm-check/internal/nifti"
	"github.com/example/aneurysm-check/internal/preprocess"
)

// Scorer runs the model on a prepared input tensor. *inference.Engine
// satisfies it.
type Scorer interface {
	Run(ctx context.Context, in *tensor.Dense) (*tensor.Dense, error)
}

// Prediction is the outcome of one pipeline run.
type Prediction struct {
	classify.Result
	SliceIndex int    `json:"slice_index"`
	VolumeDims [3]int `json:"volume_dims"`
}

// Pipeline is safe for concurrent use when its Scorer is.
type Pipeline struct {
	scorer      Scorer
	interpreter *classify.Interpreter
	size        int
	logger      *zap.Logger
}

// New builds a pipeline that resizes slices to size x size.
func New(scorer Scorer, interpreter *classify.Interpreter, size int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		scorer:      scorer,
		interpreter: interpreter,
		size:        size,
		logger:      logger.Named("pipeline"),
	}
}

// Predict loads the volume at path and classifies its middle slice. The
// file is read from disk on every call.
func (p *Pipeline) Predict(ctx context.Context, path string) (*Prediction, error) {
	vol, err := nifti.Load(path)
	if err != nil {
		return nil, logging.NewOperationError("pipeline.load_volume", "", err)
	}
	return p.predictVolume(ctx, vol)
}

// PredictReader classifies a volume streamed from r.
func (p *Pipeline) PredictReader(ctx context.Context, r io.Reader) (*Prediction, error) {
	vol, err := nifti.Decode(r)
	if err != nil {
		return nil, logging.NewOperationError("pipeline.load_volume", "", err)
	}
	return p.predictVolume(ctx, vol)
}

func (p *Pipeline) predictVolume(ctx context.Context, vol *nifti.Volume) (*Prediction, error) {
	start := time.Now()

	input, index, err := p.Prepare(vol)
	if err != nil {
		return nil, err
	}

	out, err := p.scorer.Run(ctx, input)
	if err != nil {
		return nil, logging.NewOperationError("pipeline.run_model", "", err)
	}

	res, err := p.interpreter.Interpret(out)
	if err != nil {
		return nil, logging.NewOperationError("pipeline.interpret", "", err)
	}

	p.logger.Debug("prediction complete",
		zap.Ints("dims", vol.Dims[:]),
		zap.Int("slice_index", index),
		zap.String("label", res.Label),
		zap.Float32("score", res.Score),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &Prediction{Result: res, SliceIndex: index, VolumeDims: vol.Dims}, nil
}

// Prepare turns a volume into the model input tensor and reports the slice
// index it used.
func (p *Pipeline) Prepare(vol *nifti.Volume) (*tensor.Dense, int, error) {
	slice, index, err := preprocess.MiddleSlice(vol)
	if err != nil {
		return nil, 0, logging.NewOperationError("pipeline.extract_slice", "", err)
	}
	normalized, err := preprocess.Normalize(slice, p.size)
	if err != nil {
		return nil, 0, logging.NewOperationError("pipeline.normalize", "", err)
	}
	input, err := preprocess.AssembleTensor(normalized)
	if err != nil {
		return nil, 0, logging.NewOperationError("pipeline.assemble_tensor", "", err)
	}
	return input, index, nil
}
