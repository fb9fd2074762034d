// Package classify reduces model scores to a labelled class.
package classify

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// ErrClassCount is returned when the score count and label table disagree.
var ErrClassCount = errors.New("class count mismatch")

// DefaultLabels is the two-class table of the aneurysm model: index 0 is
// negative, index 1 positive.
var DefaultLabels = []string{"No Brain Aneurysm", "Brain Aneurysm Detected!"}

// Result is an interpreted model output.
type Result struct {
	Index  int       `json:"class_index"`
	Label  string    `json:"label"`
	Score  float32   `json:"score"`
	Scores []float32 `json:"scores"`
}

// ArgMax returns the index of the largest score, the lowest index on ties.
// A NaN counts as the maximum.
func ArgMax(scores []float32) (int, error) {
	if len(scores) == 0 {
		return 0, errors.New("classify: no scores")
	}
	best := 0
	for i, v := range scores {
		if math.IsNaN(float64(v)) {
			return i, nil
		}
		if v > scores[best] {
			best = i
		}
	}
	return best, nil
}

// Interpreter maps arg-max indices onto a fixed label table.
type Interpreter struct {
	labels []string
}

// NewInterpreter builds an interpreter over labels, one per model class.
func NewInterpreter(labels []string) (*Interpreter, error) {
	if len(labels) < 2 {
		return nil, fmt.Errorf("classify: need at least 2 labels, got %d", len(labels))
	}
	return &Interpreter{labels: append([]string(nil), labels...)}, nil
}

// NumClasses returns the size of the label table.
func (i *Interpreter) NumClasses() int { return len(i.labels) }

// Labels returns a copy of the label table.
func (i *Interpreter) Labels() []string { return append([]string(nil), i.labels...) }

// CheckOutputSize fails unless a model output of n values has one score
// per label.
func (i *Interpreter) CheckOutputSize(n int) error {
	if n != len(i.labels) {
		return fmt.Errorf("%w: model produces %d scores for %d labels", ErrClassCount, n, len(i.labels))
	}
	return nil
}

// Interpret flattens out and labels its arg-max.
func (i *Interpreter) Interpret(out *tensor.Dense) (Result, error) {
	if out == nil {
		return Result{}, errors.New("classify: nil output")
	}
	scores, ok := out.Data().([]float32)
	if !ok {
		return Result{}, fmt.Errorf("classify: output backing is %T, want []float32", out.Data())
	}
	return i.InterpretScores(scores)
}

// InterpretScores labels the arg-max of scores.
func (i *Interpreter) InterpretScores(scores []float32) (Result, error) {
	if err := i.CheckOutputSize(len(scores)); err != nil {
		return Result{}, err
	}
	idx, err := ArgMax(scores)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Index:  idx,
		Label:  i.labels[idx],
		Score:  scores[idx],
		Scores: append([]float32(nil), scores...),
	}, nil
}
