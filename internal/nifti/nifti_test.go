package nifti

import (
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip_Float32(t *testing.T) {
	im := &Image{
		Shape:     [3]int{2, 3, 4},
		SpacingMM: [3]float64{1.5, 1.5, 3.0},
		DataType:  DTFloat32,
		Float32:   make([]float32, 2*3*4),
	}
	for i := range im.Float32 {
		im.Float32[i] = float32(i) * 0.5
	}

	path := filepath.Join(t.TempDir(), "vol.nii.gz")
	if err := Write(path, im); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Shape != im.Shape {
		t.Errorf("Shape = %v, want %v", got.Shape, im.Shape)
	}
	if !SameGrid(got, im) {
		t.Errorf("SameGrid reported false for a round-tripped image")
	}
	for i := range im.Float32 {
		if got.Float32[i] != im.Float32[i] {
			t.Fatalf("voxel %d = %v, want %v", i, got.Float32[i], im.Float32[i])
		}
	}
}

func TestWriteReadRoundTrip_Uint8Labels(t *testing.T) {
	im := &Image{
		Shape:     [3]int{4, 4, 4},
		SpacingMM: [3]float64{2, 2, 2},
		DataType:  DTUint8,
		Uint8:     make([]uint8, 64),
	}
	im.Uint8[10] = 3
	im.Uint8[20] = 7

	path := filepath.Join(t.TempDir(), "seg.nii")
	if err := Write(path, im); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Uint8[10] != 3 || got.Uint8[20] != 7 {
		t.Fatalf("label voxels not preserved: %v", got.Uint8)
	}
}

func TestBinRoundTrip(t *testing.T) {
	data := []float32{1, 2, 3.5, -4, 0}
	path := filepath.Join(t.TempDir(), "atn_av.bin")
	if err := WriteBin(path, data); err != nil {
		t.Fatalf("WriteBin: %v", err)
	}
	got, err := ReadBin(path, len(data))
	if err != nil {
		t.Fatalf("ReadBin: %v", err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("value %d = %v, want %v", i, got[i], data[i])
		}
	}
}

func TestReadBin_WrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	if err := WriteBin(path, []float32{1, 2, 3}); err != nil {
		t.Fatalf("WriteBin: %v", err)
	}
	if _, err := ReadBin(path, 5); err == nil {
		t.Fatalf("expected size-mismatch error")
	}
}
