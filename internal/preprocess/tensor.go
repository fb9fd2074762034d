package preprocess

import (
	"gorgonia.org/tensor"
)

// Channels is the channel count of the model input.
const Channels = 3

// AssembleTensor replicates a normalized slice into three channels, maps
// values to [0, 1] and adds a leading batch axis: (1, rows, cols, 3) float32.
func AssembleTensor(s Slice) (*tensor.Dense, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}

	data := make([]float32, len(s.Data)*Channels)
	for i, v := range s.Data {
		f := float32(clamp(v, 0, MaxIntensity) / MaxIntensity)
		for c := 0; c < Channels; c++ {
			data[i*Channels+c] = f
		}
	}
	return tensor.New(
		tensor.WithShape(1, s.Rows, s.Cols, Channels),
		tensor.WithBacking(data),
	), nil
}
