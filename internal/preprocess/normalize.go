package preprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// MaxIntensity is the upper bound of a normalized slice.
const MaxIntensity = 255.0

// MinMaxScale maps finite values linearly onto [0, 255]. A slice with no
// spread (max == min) maps to all zeros, as do NaN and infinite values.
func MinMaxScale(s Slice) (Slice, error) {
	if err := s.validate(); err != nil {
		return Slice{}, err
	}

	finite := make([]float64, 0, len(s.Data))
	for _, v := range s.Data {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}

	out := Slice{Rows: s.Rows, Cols: s.Cols, Data: make([]float64, len(s.Data))}
	if len(finite) == 0 {
		return out, nil
	}
	lo, hi := floats.Min(finite), floats.Max(finite)
	if hi == lo {
		return out, nil
	}

	copy(out.Data, s.Data)
	floats.AddConst(-lo, out.Data)
	floats.Scale(MaxIntensity/(hi-lo), out.Data)
	for i, v := range out.Data {
		if math.IsInf(s.Data[i], 0) {
			out.Data[i] = 0
			continue
		}
		out.Data[i] = clamp(v, 0, MaxIntensity)
	}
	return out, nil
}

// Resize rescales a slice to size x size with bilinear interpolation.
// Each output pixel samples the source at (dst+0.5)*in/out-0.5, clamped to
// the edge, from its 2x2 neighbourhood. The filter never widens, so
// downscaling does not smooth the image.
func Resize(s Slice, size int) (Slice, error) {
	if err := s.validate(); err != nil {
		return Slice{}, err
	}
	if size <= 0 {
		return Slice{}, fmt.Errorf("%w: target size %d", ErrDimension, size)
	}

	rows := linearTaps(s.Rows, size)
	cols := linearTaps(s.Cols, size)

	out := Slice{Rows: size, Cols: size, Data: make([]float64, size*size)}
	for r, rt := range rows {
		for c, ct := range cols {
			top := lerp(s.At(rt.lo, ct.lo), s.At(rt.lo, ct.hi), ct.frac)
			bottom := lerp(s.At(rt.hi, ct.lo), s.At(rt.hi, ct.hi), ct.frac)
			out.Data[r*size+c] = lerp(top, bottom, rt.frac)
		}
	}
	return out, nil
}

// tap is the pair of source indices one output index interpolates between.
type tap struct {
	lo, hi int
	frac   float64
}

func linearTaps(in, out int) []tap {
	scale := float64(in) / float64(out)
	taps := make([]tap, out)
	for d := range taps {
		src := (float64(d)+0.5)*scale - 0.5
		lo := int(math.Floor(src))
		frac := src - float64(lo)
		switch {
		case lo < 0:
			lo, frac = 0, 0
		case lo >= in-1:
			lo, frac = in-1, 0
		}
		taps[d] = tap{lo: lo, hi: min(lo+1, in-1), frac: frac}
	}
	return taps
}

func lerp(a, b, t float64) float64 {
	if t == 0 {
		return a
	}
	return a + (b-a)*t
}

// Normalize applies MinMaxScale followed by Resize.
func Normalize(s Slice, size int) (Slice, error) {
	scaled, err := MinMaxScale(s)
	if err != nil {
		return Slice{}, err
	}
	return Resize(scaled, size)
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case math.IsNaN(v):
		return lo
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}
