// Package preprocess reorients CT and masks onto the canonical simulation
// grid, computes the attenuation map, and assembles the per-label mask
// dictionary the downstream PBPK/SIMIND stages consume.
package preprocess

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/tdt-pipeline/tdt/internal/floatimage"
	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
)

// Attenuation coefficients at ~140 keV.
const (
	MuWaterPerCm = 0.1537
	MuBonePerCm  = 0.2234
)

// Grid is a volume on the canonical simulation grid: shape (Z, Y, X),
// C-order with X fastest-varying, the binary blob layout the simulator
// consumes.
type Grid struct {
	ShapeZYX [3]int
	Data     []float32
}

func (g Grid) NVoxels() int { return g.ShapeZYX[0] * g.ShapeZYX[1] * g.ShapeZYX[2] }

// ToSimGrid reorients src (shape X,Y,Z, X fastest per nifti.Image's
// convention) into the (Z,Y,X) simulation-grid layout: transpose then flip
// the Y axis. If xyDim > 0, an isotropic zoom is additionally applied to
// all three axes, using nearest-neighbor (order 0, for masks) or bilinear
// (order 1, for CT intensity) interpolation. The in-plane dims must be
// square before the zoom.
//
// Returns the resulting grid and the scale factor actually applied (1.0 if
// xyDim <= 0).
func ToSimGrid(src *nifti.Image, xyDim int, order int) (Grid, float64, error) {
	nx, ny, nz := src.Shape[0], src.Shape[1], src.Shape[2]
	data := src.AsFloat32()
	out := make([]float32, nx*ny*nz)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			yFlipped := ny - 1 - y
			srcBase := (z*ny + y) * nx
			dstBase := (z*ny + yFlipped) * nx
			copy(out[dstBase:dstBase+nx], data[srcBase:srcBase+nx])
		}
	}
	grid := Grid{ShapeZYX: [3]int{nz, ny, nx}, Data: out}

	if xyDim <= 0 {
		return grid, 1.0, nil
	}
	if ny != nx {
		return Grid{}, 0, fmt.Errorf("preprocess: in-plane dims must be square (got Y=%d, X=%d)", ny, nx)
	}
	scale := float64(xyDim) / float64(ny)
	grid = zoomIsotropic(grid, scale, order == 0)
	return grid, scale, nil
}

// zoomIsotropic scales all three axes of g by scale, using per-axis
// separable nearest or linear resampling — mathematically equivalent to a
// single-pass tensor-product zoom for these two interpolation orders.
func zoomIsotropic(g Grid, scale float64, nearest bool) Grid {
	nz, ny, nx := g.ShapeZYX[0], g.ShapeZYX[1], g.ShapeZYX[2]
	newY := int(math.Round(float64(ny) * scale))
	newX := int(math.Round(float64(nx) * scale))
	newZ := int(math.Round(float64(nz) * scale))

	// In-plane resize, per Z slice.
	inPlane := make([]float32, nz*newY*newX)
	for z := 0; z < nz; z++ {
		slice := &floatimage.Grid{Data: g.Data[z*ny*nx : (z+1)*ny*nx], Rows: ny, Cols: nx}
		var resized *floatimage.Grid
		if nearest {
			resized = floatimage.ResizeNearest(slice, newY, newX)
		} else {
			resized = floatimage.ResizeBilinear(slice, newY, newX)
		}
		copy(inPlane[z*newY*newX:(z+1)*newY*newX], resized.Data)
	}

	// Z-axis resample.
	out := resampleZ(inPlane, nz, newY*newX, newZ, nearest)
	return Grid{ShapeZYX: [3]int{newZ, newY, newX}, Data: out}
}

// resampleZ resamples the slowest-varying axis (length oldZ, plane size
// planeLen per slice) to newZ slices.
func resampleZ(data []float32, oldZ, planeLen, newZ int, nearest bool) []float32 {
	out := make([]float32, newZ*planeLen)
	scale := float64(oldZ) / float64(newZ)
	for z := 0; z < newZ; z++ {
		if nearest {
			src := int((float64(z) + 0.5) * scale)
			if src >= oldZ {
				src = oldZ - 1
			}
			if src < 0 {
				src = 0
			}
			copy(out[z*planeLen:(z+1)*planeLen], data[src*planeLen:(src+1)*planeLen])
			continue
		}
		sz := (float64(z)+0.5)*scale - 0.5
		z0 := int(math.Floor(sz))
		fz := sz - float64(z0)
		z0c, z1c := clampInt(z0, 0, oldZ-1), clampInt(z0+1, 0, oldZ-1)
		for i := 0; i < planeLen; i++ {
			v0, v1 := float64(data[z0c*planeLen+i]), float64(data[z1c*planeLen+i])
			out[z*planeLen+i] = float32(v0*(1-fz) + v1*fz)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SpacingCm derives the simulation-grid spacing from the source NIfTI's
// header spacing (X,Y,Z order, mm) and the applied scale, reordered to
// (Z,Y,X) and converted to centimeters.
func SpacingCm(srcSpacingMM [3]float64, scale float64) [3]float64 {
	x := srcSpacingMM[0] / scale
	y := srcSpacingMM[1] / scale
	z := srcSpacingMM[2] / scale
	return [3]float64{z * 0.1, y * 0.1, x * 0.1}
}

// HUToMu converts a Hounsfield-unit CT grid to per-voxel linear attenuation
// scaled by the effective in-plane pixel size.
func HUToMu(huGrid Grid, pixelSizeCm float64) []float32 {
	muWaterPx := MuWaterPerCm * pixelSizeCm
	muBonePx := MuBonePerCm * pixelSizeCm
	out := make([]float32, len(huGrid.Data))
	for i, hu := range huGrid.Data {
		h := float64(hu)
		if h <= 0 {
			out[i] = float32(muWaterPx * (1 + h/1000.0))
		} else {
			out[i] = float32(muWaterPx + (h/1000.0)*(muBonePx-muWaterPx))
		}
	}
	return out
}

// Inputs bundles the stage's source artifacts.
type Inputs struct {
	CT       *nifti.Image // standardized CT from the segmentation stage
	BodyMask *nifti.Image // raw body task output, >0 = body
	TDTSeg   *nifti.Image // unified canonical-label seg, lesions included
}

// Result holds the computed simulation-grid arrays and derived metadata.
type Result struct {
	ShapeZYX      [3]int
	SpacingCmZYX  [3]float64
	CTGrid        Grid // HU on the sim grid
	BodySegArr    []float32
	ROIBodySegArr []float32
	ROISegArr     []uint8 // organ-only labels (body stripped), canonical TDT ids
	AtnMap        []float32
	MaskROIBody   map[string][]uint8
}

// Run executes the stage end to end against a pipeline Context,
// writing the attenuation map and the three `*_seg.bin` artifacts and
// populating the Context's preprocessing fields.
func Run(ctx *pipeline.Context, in Inputs, registry *labels.Registry, prefix string) error {
	if err := ctx.Require("CTNiiPath", "TDTROISeg"); err != nil {
		return err
	}
	xyDim := ctx.Config.SpectPreprocessing.XYDim

	ctGrid, scale, err := ToSimGrid(in.CT, xyDim, 1)
	if err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	bodyGrid, _, err := ToSimGrid(in.BodyMask, xyDim, 0)
	if err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	roiBodyNiftiGrid, _, err := ToSimGrid(toFloatImage(in.TDTSeg), xyDim, 0)
	if err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	if !sameShape(ctGrid.ShapeZYX, bodyGrid.ShapeZYX) || !sameShape(ctGrid.ShapeZYX, roiBodyNiftiGrid.ShapeZYX) {
		return pipeline.NewStageError("preprocess", pipeline.KindShapeMismatch,
			fmt.Errorf("sim grid shapes disagree: ct=%v body=%v roi=%v", ctGrid.ShapeZYX, bodyGrid.ShapeZYX, roiBodyNiftiGrid.ShapeZYX))
	}

	spacingCm := SpacingCm(in.CT.SpacingMM, scale)
	pixelSizeCm := (spacingCm[1] + spacingCm[2]) / 2.0 // scalar in-plane average

	// Binarize body mask to {0,1} (nearest-neighbor preserves exact values).
	bodyBinary := make([]float32, len(bodyGrid.Data))
	for i, v := range bodyGrid.Data {
		if v > 0 {
			bodyBinary[i] = 1
		}
	}

	atnMap := HUToMu(ctGrid, pixelSizeCm)
	for i := range atnMap {
		atnMap[i] *= bodyBinary[i]
	}

	bodyID, ok := registry.TDTID(labels.ROIBody)
	if !ok {
		return pipeline.NewStageError("preprocess", pipeline.KindMissingContextField, fmt.Errorf("registry has no TDT id for body"))
	}

	// roiBody: the already-unified TDTROISeg reoriented onto the sim grid
	// (body+organs; unification already applied the body-then-organs
	// paint order), filtered down to the requested ROI subset plus body.
	// roiOnly strips the body label out of it.
	allowed := map[int]bool{0: true, bodyID: true}
	for _, name := range ctx.EffectiveROISubset() {
		if id, ok := registry.TDTID(name); ok {
			allowed[id] = true
		}
	}
	roiBody := roiBodyNiftiGrid.Data
	for i, v := range roiBody {
		if !allowed[int(math.Round(float64(v)))] {
			roiBody[i] = 0
		}
	}
	roiOnly := make([]uint8, len(roiBody))
	for i, v := range roiBody {
		id := int(math.Round(float64(v)))
		if id != bodyID {
			roiOnly[i] = uint8(id)
		}
	}

	maskROIBody, err := buildLabelMasks(roiBody, registry)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(ctx.Subdirs.Segmentation, 0o755); err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	atnPath := filepath.Join(ctx.Subdirs.Segmentation, prefix+"_atn_av.bin")
	if err := nifti.WriteBin(atnPath, atnMap); err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	roiPath := filepath.Join(ctx.Subdirs.Segmentation, prefix+"_roi_seg.bin")
	if err := nifti.WriteBin(roiPath, uint8ToFloat32(roiOnly)); err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	bodyPath := filepath.Join(ctx.Subdirs.Segmentation, prefix+"_body_seg.bin")
	if err := nifti.WriteBin(bodyPath, bodyBinary); err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	roiBodyPath := filepath.Join(ctx.Subdirs.Segmentation, prefix+"_roi_body_seg.bin")
	if err := nifti.WriteBin(roiBodyPath, roiBody); err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}

	ctx.BodySegArr = bodyBinary
	ctx.ROIBodySegArr = roiBody
	ctx.ClassSeg = roiOnly
	ctx.MaskROIBody = maskROIBody
	ctx.AtnAvPath = atnPath
	ctx.ArrShapeNewZYX = ctGrid.ShapeZYX
	ctx.ArrPxSpacingCm = spacingCm
	ctx.LogAssignment("ArrShapeNewZYX", ctGrid.ShapeZYX)
	ctx.LogAssignment("AtnAvPath", atnPath)
	return nil
}

// buildLabelMasks returns, for every distinct nonzero canonical TDT label
// present in roiBody, its binary mask keyed by ROI name. An all-background volume fails with EmptySegmentation.
func buildLabelMasks(roiBody []float32, registry *labels.Registry) (map[string][]uint8, error) {
	present := map[int]bool{}
	for _, v := range roiBody {
		id := int(math.Round(float64(v)))
		if id != 0 {
			present[id] = true
		}
	}
	if len(present) == 0 {
		return nil, pipeline.NewStageError("preprocess", pipeline.KindEmptySegmentation,
			fmt.Errorf("unified segmentation has only background after grid transform"))
	}

	ids := make([]int, 0, len(present))
	for id := range present {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make(map[string][]uint8, len(ids))
	for _, id := range ids {
		name, ok := registry.TDTPipeline[id]
		if !ok {
			continue
		}
		mask := make([]uint8, len(roiBody))
		for i, v := range roiBody {
			if int(math.Round(float64(v))) == id {
				mask[i] = 1
			}
		}
		out[name] = mask
	}
	return out, nil
}

func sameShape(a, b [3]int) bool { return a == b }

func uint8ToFloat32(in []uint8) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// toFloatImage wraps a uint8-typed label volume as a float32 nifti.Image so
// it can share ToSimGrid's resampling code path with CT intensity data.
func toFloatImage(im *nifti.Image) *nifti.Image {
	data := make([]float32, len(im.Uint8))
	for i, v := range im.Uint8 {
		data[i] = float32(v)
	}
	return &nifti.Image{Shape: im.Shape, SpacingMM: im.SpacingMM, DataType: nifti.DTFloat32, Float32: data}
}
