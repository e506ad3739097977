package lesions

import (
	"testing"

	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
)

func testRegistry() *labels.Registry {
	return labels.RegistryFromMaps(
		map[int]string{},
		map[int]string{},
		map[int]string{0: "background", 1: "prostate", 2: "synthetic_lesion"},
	)
}

// bigBlockSeg returns a seg with a large cuboid prostate region, big enough
// to admit a handful of well-separated small lesions.
func bigBlockSeg() *nifti.Image {
	shape := [3]int{20, 20, 20}
	n := shape[0] * shape[1] * shape[2]
	data := make([]uint8, n)
	for z := 2; z < 18; z++ {
		for y := 2; y < 18; y++ {
			for x := 2; x < 18; x++ {
				data[(z*shape[1]+y)*shape[2]+x] = 1 // prostate
			}
		}
	}
	return &nifti.Image{Shape: shape, SpacingMM: [3]float64{2, 2, 2}, DataType: nifti.DTUint8, Uint8: data}
}

func TestInsertAll_UniformPlacement(t *testing.T) {
	seg := bigBlockSeg()
	reg := testRegistry()
	margin := 2.0
	specs := map[string]pipeline.LesionSpec{
		"prostate": {
			NLesions: 3,
			RadiiMM:  []float64{4, 4, 4},
			Prob:     pipeline.ProbUniform,
			MarginMM: &margin,
			Seed:     42,
		},
	}

	res, err := InsertAll(seg, specs, reg)
	if err != nil {
		t.Fatalf("InsertAll: %v", err)
	}
	if len(res.Descriptors) != 3 {
		t.Fatalf("got %d descriptors, want 3", len(res.Descriptors))
	}

	synthID, _ := reg.TDTID("synthetic_lesion")
	var painted int
	for i, v := range res.Seg.Uint8 {
		if v == uint8(synthID) {
			painted++
			if res.BinaryMask.Uint8[i] == 0 {
				t.Errorf("voxel %d painted synthetic_lesion but BinaryMask is 0", i)
			}
		}
	}
	if painted == 0 {
		t.Errorf("no voxels painted with synthetic_lesion id")
	}

	// Every pair of placed lesions must respect the separation constraint.
	for i := 0; i < len(res.Descriptors); i++ {
		for j := i + 1; j < len(res.Descriptors); j++ {
			a, b := res.Descriptors[i], res.Descriptors[j]
			d := physDist(
				[3]float64{float64(a.CenterZYX[0]) * 2, float64(a.CenterZYX[1]) * 2, float64(a.CenterZYX[2]) * 2},
				[3]float64{float64(b.CenterZYX[0]) * 2, float64(b.CenterZYX[1]) * 2, float64(b.CenterZYX[2]) * 2},
			)
			if d < a.RadiusMM+b.RadiusMM+margin-1e-9 {
				t.Errorf("lesions %d,%d separated by %.2f, want >= %.2f", i, j, d, a.RadiusMM+b.RadiusMM+margin)
			}
		}
	}
}

func TestInsertAll_UserDefinedRejectsBoundaryCenter(t *testing.T) {
	seg := bigBlockSeg()
	reg := testRegistry()
	specs := map[string]pipeline.LesionSpec{
		"prostate": {
			NLesions:       1,
			RadiiMM:        []float64{10},
			Prob:           pipeline.ProbUserDefined,
			Seed:           1,
			UserCentersZYX: [][3]int{{2, 2, 2}}, // right on the mask boundary
		},
	}

	_, err := InsertAll(seg, specs, reg)
	if err == nil {
		t.Fatalf("expected LesionPlacementFailed for boundary center")
	}
	se, ok := err.(*pipeline.StageError)
	if !ok || se.Kind != pipeline.KindLesionPlacementFailed {
		t.Errorf("expected KindLesionPlacementFailed, got %v", err)
	}
}

func TestInsertAll_ExhaustsAttemptsWhenTooManyLesions(t *testing.T) {
	seg := bigBlockSeg()
	reg := testRegistry()
	margin := 2.0
	specs := map[string]pipeline.LesionSpec{
		"prostate": {
			NLesions:             20,
			RadiiMM:              repeat(9.0, 20),
			Prob:                 pipeline.ProbUniform,
			MarginMM:             &margin,
			Seed:                 7,
			MaxAttemptsPerLesion: 20,
		},
	}

	_, err := InsertAll(seg, specs, reg)
	if err == nil {
		t.Fatalf("expected LesionPlacementFailed when lesions cannot all fit")
	}
	se, ok := err.(*pipeline.StageError)
	if !ok || se.Kind != pipeline.KindLesionPlacementFailed {
		t.Errorf("expected KindLesionPlacementFailed, got %v", err)
	}
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
