package edt

import (
	"math"
	"testing"
)

func TestTransform_IsotropicSinglePoint(t *testing.T) {
	// 5x5x5 cube, all inside, single background voxel at center.
	shape := [3]int{5, 5, 5}
	mask := make([]uint8, 5*5*5)
	for i := range mask {
		mask[i] = 1
	}
	centerIdx := (2*5+2)*5 + 2
	mask[centerIdx] = 0

	dist := Transform(mask, shape, [3]float64{1, 1, 1})
	if dist[centerIdx] != 0 {
		t.Fatalf("background voxel distance = %v, want 0", dist[centerIdx])
	}
	// Voxel one step away along X should have distance 1.
	neighborIdx := (2*5+2)*5 + 3
	if math.Abs(dist[neighborIdx]-1) > 1e-9 {
		t.Fatalf("neighbor distance = %v, want 1", dist[neighborIdx])
	}
	// Corner voxel of the cube should be farther than the neighbor.
	cornerIdx := 0
	if dist[cornerIdx] <= dist[neighborIdx] {
		t.Fatalf("expected corner distance > neighbor distance, got %v <= %v", dist[cornerIdx], dist[neighborIdx])
	}
}

func TestTransform_AnisotropicSpacingScalesDistance(t *testing.T) {
	shape := [3]int{1, 1, 3}
	mask := []uint8{1, 1, 1}
	mask[0] = 0 // background at one end of the 2mm-spaced axis

	dist := Transform(mask, shape, [3]float64{1, 1, 2.0})
	// One voxel from background is 2mm away; two voxels is 4mm.
	if math.Abs(dist[1]-2.0) > 1e-9 {
		t.Fatalf("dist[1] = %v, want 2.0", dist[1])
	}
	if math.Abs(dist[2]-4.0) > 1e-9 {
		t.Fatalf("dist[2] = %v, want 4.0", dist[2])
	}
}

func TestTransform_AllBackgroundIsZero(t *testing.T) {
	shape := [3]int{2, 2, 2}
	mask := make([]uint8, 8)
	dist := Transform(mask, shape, [3]float64{1, 1, 1})
	for i, v := range dist {
		if v != 0 {
			t.Fatalf("voxel %d distance = %v, want 0 (no foreground)", i, v)
		}
	}
}
