// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and
// gzip-compressed .nii.gz).
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
)

// ErrFormat is returned for anything that cannot be read as a volume.
var ErrFormat = errors.New("invalid volumetric image")

const (
	headerSize   = 348
	dataOffset   = 352
	maxVoxels    = 1 << 28
	gzipMagicLen = 2
)

// NIfTI-1 datatype codes.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

var bytesPerVoxel = map[int16]int{
	DTUint8: 1, DTInt8: 1,
	DTInt16: 2, DTUint16: 2,
	DTInt32: 4, DTUint32: 4, DTFloat32: 4,
	DTInt64: 8, DTUint64: 8, DTFloat64: 8,
}

// Header holds the NIfTI-1 header fields the loader relies on.
type Header struct {
	Dim       [8]int16
	Datatype  int16
	BitPix    int16
	PixDim    [8]float32
	VoxOffset float32
	SclSlope  float32
	SclInter  float32
	Magic     [4]byte
	ByteOrder binary.ByteOrder
}

// Volume is a 3D intensity array with X varying fastest.
type Volume struct {
	Dims   [3]int
	Data   []float64
	Header Header
}

// At returns the voxel at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[x+v.Dims[0]*(y+v.Dims[1]*z)]
}

// Load reads the volume stored at path.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	defer f.Close()

	vol, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return vol, nil
}

// Decode reads a volume from r, transparently inflating gzip input.
func Decode(r io.Reader) (*Volume, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(gzipMagicLen)
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrFormat, err)
	}

	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrFormat, err)
		}
		defer zr.Close()
		src = zr
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	hdr, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	dims, count, err := hdr.volumeDims()
	if err != nil {
		return nil, err
	}

	skip := int64(hdr.VoxOffset) - headerSize
	if _, err := io.CopyN(io.Discard, src, skip); err != nil {
		return nil, fmt.Errorf("%w: seeking to voxel data: %v", ErrFormat, err)
	}

	want := count * bytesPerVoxel[hdr.Datatype]
	buf, err := io.ReadAll(io.LimitReader(src, int64(want)))
	if err != nil {
		return nil, fmt.Errorf("%w: reading voxel data: %v", ErrFormat, err)
	}
	if len(buf) != want {
		return nil, fmt.Errorf("%w: truncated voxel data: got %d of %d bytes", ErrFormat, len(buf), want)
	}

	data := decodeVoxels(buf, hdr.Datatype, hdr.ByteOrder, count)
	slope, inter := hdr.scaling()
	if slope != 1 || inter != 0 {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &Volume{Dims: dims, Data: data, Header: hdr}, nil
}

func parseHeader(raw []byte) (Header, error) {
	var hdr Header
	switch {
	case binary.LittleEndian.Uint32(raw[0:4]) == headerSize:
		hdr.ByteOrder = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[0:4]) == headerSize:
		hdr.ByteOrder = binary.BigEndian
	default:
		return hdr, fmt.Errorf("%w: sizeof_hdr is not %d", ErrFormat, headerSize)
	}
	bo := hdr.ByteOrder

	copy(hdr.Magic[:], raw[344:348])
	switch string(hdr.Magic[:]) {
	case "n+1\x00", "ni1\x00":
	default:
		return hdr, fmt.Errorf("%w: bad magic %q", ErrFormat, hdr.Magic[:])
	}

	for i := range hdr.Dim {
		hdr.Dim[i] = int16(bo.Uint16(raw[40+2*i:]))
	}
	hdr.Datatype = int16(bo.Uint16(raw[70:]))
	hdr.BitPix = int16(bo.Uint16(raw[72:]))
	for i := range hdr.PixDim {
		hdr.PixDim[i] = math.Float32frombits(bo.Uint32(raw[76+4*i:]))
	}
	hdr.VoxOffset = math.Float32frombits(bo.Uint32(raw[108:]))
	hdr.SclSlope = math.Float32frombits(bo.Uint32(raw[112:]))
	hdr.SclInter = math.Float32frombits(bo.Uint32(raw[116:]))

	if _, ok := bytesPerVoxel[hdr.Datatype]; !ok {
		return hdr, fmt.Errorf("%w: unsupported datatype %d", ErrFormat, hdr.Datatype)
	}
	switch {
	case string(hdr.Magic[:]) == "ni1\x00" && hdr.VoxOffset < headerSize:
		return hdr, fmt.Errorf("%w: detached .hdr/.img pairs are not supported", ErrFormat)
	case string(hdr.Magic[:]) == "n+1\x00" && (hdr.VoxOffset < dataOffset || math.IsNaN(float64(hdr.VoxOffset))):
		// older writers leave vox_offset at 0 in single files
		hdr.VoxOffset = dataOffset
	}
	return hdr, nil
}

// volumeDims returns the three spatial dimensions. Only the first 3D
// volume of a 4D+ series is read.
func (h Header) volumeDims() ([3]int, int, error) {
	var dims [3]int
	if h.Dim[0] < 3 || h.Dim[0] > 7 {
		return dims, 0, fmt.Errorf("%w: need at least 3 spatial axes, dim[0]=%d", ErrFormat, h.Dim[0])
	}
	count := 1
	for i := 0; i < 3; i++ {
		if h.Dim[i+1] <= 0 {
			return dims, 0, fmt.Errorf("%w: dim[%d]=%d", ErrFormat, i+1, h.Dim[i+1])
		}
		dims[i] = int(h.Dim[i+1])
		count *= dims[i]
	}
	if count > maxVoxels {
		return dims, 0, fmt.Errorf("%w: %d voxels exceeds limit", ErrFormat, count)
	}
	return dims, count, nil
}

func (h Header) scaling() (float64, float64) {
	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 1, 0
	}
	if math.IsNaN(inter) || math.IsInf(inter, 0) {
		inter = 0
	}
	return slope, inter
}

func decodeVoxels(buf []byte, datatype int16, bo binary.ByteOrder, count int) []float64 {
	out := make([]float64, count)
	switch datatype {
	case DTUint8:
		for i := range out {
			out[i] = float64(buf[i])
		}
	case DTInt8:
		for i := range out {
			out[i] = float64(int8(buf[i]))
		}
	case DTInt16:
		for i := range out {
			out[i] = float64(int16(bo.Uint16(buf[2*i:])))
		}
	case DTUint16:
		for i := range out {
			out[i] = float64(bo.Uint16(buf[2*i:]))
		}
	case DTInt32:
		for i := range out {
			out[i] = float64(int32(bo.Uint32(buf[4*i:])))
		}
	case DTUint32:
		for i := range out {
			out[i] = float64(bo.Uint32(buf[4*i:]))
		}
	case DTFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(bo.Uint32(buf[4*i:])))
		}
	case DTInt64:
		for i := range out {
			out[i] = float64(int64(bo.Uint64(buf[8*i:])))
		}
	case DTUint64:
		for i := range out {
			out[i] = float64(bo.Uint64(buf[8*i:]))
		}
	case DTFloat64:
		for i := range out {
			out[i] = math.Float64frombits(bo.Uint64(buf[8*i:]))
		}
	}
	return out
}

// Encode writes vol as an uncompressed little-endian float32 NIfTI-1 file.
func Encode(w io.Writer, vol *Volume) error {
	count := vol.Dims[0] * vol.Dims[1] * vol.Dims[2]
	if count <= 0 || len(vol.Data) != count {
		return fmt.Errorf("encode: dims %v do not match %d voxels", vol.Dims, len(vol.Data))
	}
	for _, d := range vol.Dims {
		if d > math.MaxInt16 {
			return fmt.Errorf("encode: dimension %d too large", d)
		}
	}

	var buf bytes.Buffer
	buf.Grow(dataOffset + 4*count)

	hdr := make([]byte, dataOffset)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:], headerSize)
	le.PutUint16(hdr[40:], 3)
	for i, d := range vol.Dims {
		le.PutUint16(hdr[42+2*i:], uint16(d))
	}
	for i := 4; i < 8; i++ {
		le.PutUint16(hdr[40+2*i:], 1)
	}
	le.PutUint16(hdr[70:], uint16(DTFloat32))
	le.PutUint16(hdr[72:], 32)
	for i := 0; i < 4; i++ {
		le.PutUint32(hdr[76+4*i:], math.Float32bits(1))
	}
	le.PutUint32(hdr[108:], math.Float32bits(dataOffset))
	le.PutUint32(hdr[112:], math.Float32bits(1))
	copy(hdr[344:], "n+1\x00")
	buf.Write(hdr)

	word := make([]byte, 4)
	for _, v := range vol.Data {
		le.PutUint32(word, math.Float32bits(float32(v)))
		buf.Write(word)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteFile encodes vol to path.
func WriteFile(path string, vol *Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, vol); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
