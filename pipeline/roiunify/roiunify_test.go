package roiunify

import (
	"testing"

	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
)

func testRegistry(t *testing.T) *labels.Registry {
	t.Helper()
	doc := map[string]map[int]string{
		"total": {
			1: "kidney_left", 2: "kidney_right", 3: "liver", 4: "spleen", 5: "heart", 6: "prostate",
		},
		"head_glands_cavities": {
			10: "parotid_gland_left", 11: "parotid_gland_right",
			12: "submandibular_gland_left", 13: "submandibular_gland_right",
		},
		"TDT_Pipeline": {
			0: "background", 1: "body", 2: "kidney", 3: "liver", 4: "prostate",
			5: "spleen", 6: "heart", 7: "salivary_glands", 8: "synthetic_lesion",
		},
	}
	return labels.RegistryFromMaps(doc["total"], doc["head_glands_cavities"], doc["TDT_Pipeline"])
}

func flatImage(shape [3]int, vals []uint8) *nifti.Image {
	return &nifti.Image{Shape: shape, SpacingMM: [3]float64{1, 1, 1}, DataType: nifti.DTUint8, Uint8: vals}
}

func TestUnify_PaintOrder(t *testing.T) {
	shape := [3]int{1, 1, 4}
	ct := &nifti.Image{Shape: shape, SpacingMM: [3]float64{1, 1, 1}, DataType: nifti.DTFloat32, Float32: make([]float32, 4)}

	body := flatImage(shape, []uint8{1, 1, 1, 1})
	total := flatImage(shape, []uint8{1 /* kidney_left */, 0, 0, 0})
	head := flatImage(shape, []uint8{0, 10 /* parotid_gland_left */, 0, 0})

	reg := testRegistry(t)
	out, err := Unify(Inputs{CT: ct, Body: body, Total: total, Head: head}, []string{"body", "kidney", "salivary_glands"}, reg)
	if err != nil {
		t.Fatalf("Unify: %v", err)
	}

	bodyID, _ := reg.TDTID("body")
	kidneyID, _ := reg.TDTID("kidney")
	salivaryID, _ := reg.TDTID("salivary_glands")

	want := []uint8{uint8(kidneyID), uint8(salivaryID), uint8(bodyID), uint8(bodyID)}
	for i, w := range want {
		if out.Uint8[i] != w {
			t.Errorf("voxel %d = %d, want %d", i, out.Uint8[i], w)
		}
	}
}

func TestUnify_ShapeMismatch(t *testing.T) {
	ct := &nifti.Image{Shape: [3]int{2, 2, 2}, SpacingMM: [3]float64{1, 1, 1}, DataType: nifti.DTFloat32, Float32: make([]float32, 8)}
	body := flatImage([3]int{1, 1, 1}, []uint8{1})

	_, err := Unify(Inputs{CT: ct, Body: body}, []string{"body"}, testRegistry(t))
	if err == nil {
		t.Fatalf("expected shape mismatch error")
	}
	se, ok := err.(*pipeline.StageError)
	if !ok || se.Kind != pipeline.KindShapeMismatch {
		t.Errorf("expected KindShapeMismatch, got %v", err)
	}
}

func TestUnify_NotRequestedROIIsNotPainted(t *testing.T) {
	shape := [3]int{1, 1, 1}
	ct := &nifti.Image{Shape: shape, SpacingMM: [3]float64{1, 1, 1}, DataType: nifti.DTFloat32, Float32: make([]float32, 1)}
	body := flatImage(shape, []uint8{1})
	total := flatImage(shape, []uint8{1})

	out, err := Unify(Inputs{CT: ct, Body: body, Total: total}, []string{"body"}, testRegistry(t))
	if err != nil {
		t.Fatalf("Unify: %v", err)
	}
	bodyID, _ := testRegistry(t).TDTID("body")
	if out.Uint8[0] != uint8(bodyID) {
		t.Errorf("voxel = %d, want body id %d (kidney not requested, must not overwrite)", out.Uint8[0], bodyID)
	}
}
