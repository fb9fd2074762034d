// Package preprocess turns a loaded volume into the model input tensor:
// middle-slice extraction, min-max normalization with resize, and channel
// replication into an NHWC float32 tensor.
package preprocess

import (
	"errors"
	"fmt"

	"github.com/example/aneurysm-check/internal/nifti"
)

// ErrDimension reports a degenerate volume or slice shape.
var ErrDimension = errors.New("invalid dimensions")

// Slice is a 2D plane stored row-major. Rows follow the volume X axis and
// columns the Y axis.
type Slice struct {
	Rows, Cols int
	Data       []float64
}

// At returns the value at (row, col).
func (s Slice) At(row, col int) float64 {
	return s.Data[row*s.Cols+col]
}

func (s Slice) validate() error {
	if s.Rows <= 0 || s.Cols <= 0 {
		return fmt.Errorf("%w: slice is %dx%d", ErrDimension, s.Rows, s.Cols)
	}
	if len(s.Data) != s.Rows*s.Cols {
		return fmt.Errorf("%w: slice %dx%d holds %d values", ErrDimension, s.Rows, s.Cols, len(s.Data))
	}
	return nil
}

// MiddleIndex returns floor(depth/2).
func MiddleIndex(depth int) (int, error) {
	if depth <= 0 {
		return 0, fmt.Errorf("%w: depth %d", ErrDimension, depth)
	}
	return depth / 2, nil
}

// MiddleSlice extracts the plane at floor(Z/2) along the third axis and
// returns it with its index.
func MiddleSlice(vol *nifti.Volume) (Slice, int, error) {
	if vol == nil {
		return Slice{}, 0, fmt.Errorf("%w: nil volume", ErrDimension)
	}
	nx, ny, nz := vol.Dims[0], vol.Dims[1], vol.Dims[2]
	if nx <= 0 || ny <= 0 {
		return Slice{}, 0, fmt.Errorf("%w: volume is %dx%dx%d", ErrDimension, nx, ny, nz)
	}
	z, err := MiddleIndex(nz)
	if err != nil {
		return Slice{}, 0, err
	}
	if len(vol.Data) != nx*ny*nz {
		return Slice{}, 0, fmt.Errorf("%w: volume %dx%dx%d holds %d values", ErrDimension, nx, ny, nz, len(vol.Data))
	}

	s := Slice{Rows: nx, Cols: ny, Data: make([]float64, nx*ny)}
	plane := vol.Data[nx*ny*z : nx*ny*(z+1)]
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			s.Data[x*ny+y] = plane[x+nx*y]
		}
	}
	return s, z, nil
}
