// Package nifti implements the minimal subset of the NIfTI-1 format the
// pipeline needs: a 3-D array on a voxel grid with an affine/spacing
// record, written and read as a single-file .nii or gzip-compressed .nii.gz.
//
// NIfTI-1 is a fixed 348-byte header followed by the voxel payload; this
// codec is a small, self-contained implementation of the public header
// layout, which is all the pipeline's artifacts need.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// niftiHeaderSize is the fixed size, in bytes, of the NIfTI-1 header.
const niftiHeaderSize = 348

// DataType enumerates the voxel element types this package round-trips.
type DataType int16

const (
	DTUint8   DataType = 2
	DTInt16   DataType = 4
	DTFloat32 DataType = 16
	DTFloat64 DataType = 64
)

func (d DataType) size() int {
	switch d {
	case DTUint8:
		return 1
	case DTInt16:
		return 2
	case DTFloat32:
		return 4
	case DTFloat64:
		return 8
	default:
		return 0
	}
}

// Image is an in-memory NIfTI volume. Shape is (X, Y, Z) in voxel-index
// order as stored on disk; the pipeline's simulation-grid code is
// responsible for the (Z, Y, X) reorientation onto the simulation grid.
type Image struct {
	Shape      [3]int
	SpacingMM  [3]float64 // voxel spacing in millimeters, (X, Y, Z)
	DataType   DataType
	Float32    []float32 // populated when DataType == DTFloat32
	Float64    []float64 // populated when DataType == DTFloat64
	Uint8      []uint8   // populated when DataType == DTUint8 (multilabel masks)
	Int16      []int16   // populated when DataType == DTInt16 (lesion labelmaps)
}

// NVoxels returns the number of voxels in the volume.
func (im *Image) NVoxels() int { return im.Shape[0] * im.Shape[1] * im.Shape[2] }

// AsFloat32 returns the voxel payload widened to float32, regardless of the
// stored element type.
func (im *Image) AsFloat32() []float32 {
	switch im.DataType {
	case DTFloat32:
		return im.Float32
	case DTFloat64:
		out := make([]float32, len(im.Float64))
		for i, v := range im.Float64 {
			out[i] = float32(v)
		}
		return out
	case DTUint8:
		out := make([]float32, len(im.Uint8))
		for i, v := range im.Uint8 {
			out[i] = float32(v)
		}
		return out
	case DTInt16:
		out := make([]float32, len(im.Int16))
		for i, v := range im.Int16 {
			out[i] = float32(v)
		}
		return out
	default:
		return nil
	}
}

// SameGrid reports whether two images share shape and spacing.
func SameGrid(a, b *Image) bool {
	if a.Shape != b.Shape {
		return false
	}
	const tol = 1e-6
	for i := 0; i < 3; i++ {
		if math.Abs(a.SpacingMM[i]-b.SpacingMM[i]) > tol {
			return false
		}
	}
	return true
}

// NewUint8Like allocates a zero uint8 volume with the same shape/spacing as ref.
func NewUint8Like(ref *Image) *Image {
	return &Image{
		Shape:     ref.Shape,
		SpacingMM: ref.SpacingMM,
		DataType:  DTUint8,
		Uint8:     make([]uint8, ref.NVoxels()),
	}
}

// Write encodes im as a NIfTI-1 file at path. Paths ending in .gz are
// gzip-compressed.
func Write(path string, im *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create nifti %s: %w", path, err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	if err := encode(w, im); err != nil {
		return fmt.Errorf("encode nifti %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("close gzip writer for %s: %w", path, err)
		}
	}
	return nil
}

func encode(w io.Writer, im *Image) error {
	hdr := make([]byte, niftiHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], niftiHeaderSize)

	dim := [8]int16{3, int16(im.Shape[0]), int16(im.Shape[1]), int16(im.Shape[2]), 1, 1, 1, 1}
	for i, v := range dim {
		binary.LittleEndian.PutUint16(hdr[40+i*2:], uint16(v))
	}
	binary.LittleEndian.PutUint16(hdr[70:], uint16(im.DataType))
	binary.LittleEndian.PutUint16(hdr[72:], uint16(im.DataType.size()*8))

	pixdim := [8]float32{1, float32(im.SpacingMM[0]), float32(im.SpacingMM[1]), float32(im.SpacingMM[2]), 0, 0, 0, 0}
	for i, v := range pixdim {
		binary.LittleEndian.PutUint32(hdr[76+i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(hdr[108:], math.Float32bits(float32(niftiHeaderSize+4))) // vox_offset
	copy(hdr[344:348], []byte("n+1\x00"))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	// 4-byte "extension" flag field required between header and data for n+1 files.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := new(bytes.Buffer)
	switch im.DataType {
	case DTUint8:
		buf.Write(im.Uint8)
	case DTInt16:
		for _, v := range im.Int16 {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(v))
			buf.Write(b[:])
		}
	case DTFloat32:
		for _, v := range im.Float32 {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			buf.Write(b[:])
		}
	case DTFloat64:
		for _, v := range im.Float64 {
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			buf.Write(b[:])
		}
	default:
		return fmt.Errorf("unsupported nifti datatype %d", im.DataType)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Read decodes a NIfTI-1 file at path (gzip-transparent on .nii.gz).
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open nifti %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gunzip nifti %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	all, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read nifti %s: %w", path, err)
	}
	return decode(all)
}

func decode(all []byte) (*Image, error) {
	if len(all) < niftiHeaderSize {
		return nil, fmt.Errorf("truncated nifti header (%d bytes)", len(all))
	}
	hdr := all[:niftiHeaderSize]

	shape := [3]int{
		int(int16(binary.LittleEndian.Uint16(hdr[42:]))),
		int(int16(binary.LittleEndian.Uint16(hdr[44:]))),
		int(int16(binary.LittleEndian.Uint16(hdr[46:]))),
	}
	dtype := DataType(int16(binary.LittleEndian.Uint16(hdr[70:])))
	spacing := [3]float64{
		float64(math.Float32frombits(binary.LittleEndian.Uint32(hdr[80:]))),
		float64(math.Float32frombits(binary.LittleEndian.Uint32(hdr[84:]))),
		float64(math.Float32frombits(binary.LittleEndian.Uint32(hdr[88:]))),
	}
	voxOffset := int(math.Float32frombits(binary.LittleEndian.Uint32(hdr[108:])))
	if voxOffset == 0 {
		voxOffset = niftiHeaderSize + 4
	}
	if voxOffset > len(all) {
		return nil, fmt.Errorf("nifti vox_offset %d beyond file length %d", voxOffset, len(all))
	}

	im := &Image{Shape: shape, SpacingMM: spacing, DataType: dtype}
	n := im.NVoxels()
	data := all[voxOffset:]

	switch dtype {
	case DTUint8:
		if len(data) < n {
			return nil, fmt.Errorf("truncated uint8 nifti payload")
		}
		im.Uint8 = append([]byte(nil), data[:n]...)
	case DTInt16:
		if len(data) < n*2 {
			return nil, fmt.Errorf("truncated int16 nifti payload")
		}
		im.Int16 = make([]int16, n)
		for i := range im.Int16 {
			im.Int16[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case DTFloat32:
		if len(data) < n*4 {
			return nil, fmt.Errorf("truncated float32 nifti payload")
		}
		im.Float32 = make([]float32, n)
		for i := range im.Float32 {
			im.Float32[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case DTFloat64:
		if len(data) < n*8 {
			return nil, fmt.Errorf("truncated float64 nifti payload")
		}
		im.Float64 = make([]float64, n)
		for i := range im.Float64 {
			im.Float64[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
	default:
		return nil, fmt.Errorf("unsupported nifti datatype %d", dtype)
	}
	return im, nil
}

// WriteBin writes raw little-endian float32 data in C-order, the
// binary blob format.
func WriteBin(path string, data []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create bin %s: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err = f.Write(buf)
	return err
}

// ReadBin reads raw little-endian float32 data, sized exactly n*4 bytes.
func ReadBin(path string, n int) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bin %s: %w", path, err)
	}
	if len(raw) != n*4 {
		return nil, fmt.Errorf("bin %s has %d bytes, want %d (n=%d float32)", path, len(raw), n*4, n)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
