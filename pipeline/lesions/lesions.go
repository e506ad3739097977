// Package lesions inserts synthetic spherical lesions
// into named ROIs of the unified segmentation under geometric admissibility
// and non-overlap constraints.
package lesions

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tdt-pipeline/tdt/internal/edt"
	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
)

// LesionDescriptor records one placed lesion's metadata.
type LesionDescriptor struct {
	ROI       string
	ID        int16
	CenterZYX [3]int // voxel-index triplet, component i paired with seg.Shape[i]/seg.SpacingMM[i]
	RadiusMM             float64
	DistanceToBoundaryMM float64
}

// Result is the outcome of InsertAll: the overwritten unified seg plus the
// global lesion mask/labelmap and every placed lesion's descriptor.
type Result struct {
	Seg         *nifti.Image // unified seg with synthetic_lesion voxels painted in
	BinaryMask  *nifti.Image // uint8, 1 where any lesion was placed
	LabelMap    *nifti.Image // int16, unique per-lesion id, 0 elsewhere
	Descriptors []LesionDescriptor
}

type placed struct {
	center [3]int
	radius float64
}

// InsertAll generates and places the lesions described by specs (keyed by
// ROI name) into seg, in deterministic ROI-name order, and returns the
// overwritten seg plus QC masks.
func InsertAll(seg *nifti.Image, specs map[string]pipeline.LesionSpec, registry *labels.Registry) (*Result, error) {
	shape := seg.Shape
	spacing := seg.SpacingMM
	n := seg.NVoxels()

	binaryMask := make([]uint8, n)
	labelMap := make([]int16, n)
	var descriptors []LesionDescriptor
	var nextID int16 = 1

	roiNames := make([]string, 0, len(specs))
	for roi := range specs {
		roiNames = append(roiNames, roi)
	}
	sort.Strings(roiNames)

	for _, roi := range roiNames {
		spec := specs[roi]
		tdtID, ok := registry.TDTID(roi)
		if !ok {
			return nil, pipeline.NewStageError("lesions", pipeline.KindInvalidROI, fmt.Errorf("no TDT id for ROI %q", roi))
		}

		mask := make([]uint8, n)
		for i, v := range seg.Uint8 {
			if int(v) == tdtID {
				mask[i] = 1
			}
		}
		dist := edt.Transform(mask, shape, spacing)
		centroid := centroidMM(mask, shape, spacing)

		src := rand.New(rand.NewPCG(uint64(spec.Seed), uint64(spec.Seed)^0x9e3779b97f4a7c15))
		margin := spec.EffectiveMarginMM()
		maxAttempts := spec.EffectiveMaxAttempts()

		var roiPlaced []placed
		for i := 0; i < spec.NLesions; i++ {
			if i >= len(spec.RadiiMM) {
				return nil, pipeline.NewStageError("lesions", pipeline.KindBadInput,
					fmt.Errorf("ROI %q: radii_mm has %d entries, need %d", roi, len(spec.RadiiMM), spec.NLesions))
			}
			radius := spec.RadiiMM[i]
			threshold := radius + margin

			var center [3]int
			var distToBoundary float64
			var err error

			if spec.Prob == pipeline.ProbUserDefined {
				if i >= len(spec.UserCentersZYX) {
					return nil, pipeline.NewStageError("lesions", pipeline.KindLesionPlacementFailed,
						fmt.Errorf("ROI %q: user_centers_zyx has %d entries, need %d", roi, len(spec.UserCentersZYX), spec.NLesions))
				}
				center = spec.UserCentersZYX[i]
				idx, ok := voxelIndex(center, shape)
				if !ok || mask[idx] == 0 || dist[idx] < threshold || !separated(center, radius, margin, roiPlaced, spacing) {
					return nil, pipeline.NewStageError("lesions", pipeline.KindLesionPlacementFailed,
						fmt.Errorf("ROI %q lesion %d: user-defined center %v is inadmissible (boundary or overlap)", roi, i, center))
				}
				distToBoundary = dist[idx]
			} else {
				center, distToBoundary, err = sampleCenter(spec.Prob, mask, dist, shape, spacing, threshold, centroid, spec.SigmaMM, roiPlaced, radius, margin, maxAttempts, src)
				if err != nil {
					return nil, pipeline.NewStageError("lesions", pipeline.KindLesionPlacementFailed, fmt.Errorf("ROI %q lesion %d: %w", roi, i, err))
				}
			}

			roiPlaced = append(roiPlaced, placed{center: center, radius: radius})
			descriptors = append(descriptors, LesionDescriptor{
				ROI: roi, ID: nextID, CenterZYX: center, RadiusMM: radius, DistanceToBoundaryMM: distToBoundary,
			})
			rasterizeSphere(center, radius, spacing, shape, mask, binaryMask, labelMap, nextID)
			nextID++
		}
	}

	outSeg := &nifti.Image{Shape: shape, SpacingMM: spacing, DataType: nifti.DTUint8, Uint8: append([]uint8(nil), seg.Uint8...)}
	synthID, ok := registry.TDTID(labels.ROISyntheticLesion)
	if !ok {
		return nil, pipeline.NewStageError("lesions", pipeline.KindMissingContextField, fmt.Errorf("registry has no TDT id for synthetic_lesion"))
	}
	for i, v := range binaryMask {
		if v != 0 {
			outSeg.Uint8[i] = uint8(synthID)
		}
	}

	return &Result{
		Seg:         outSeg,
		BinaryMask:  &nifti.Image{Shape: shape, SpacingMM: spacing, DataType: nifti.DTUint8, Uint8: binaryMask},
		LabelMap:    &nifti.Image{Shape: shape, SpacingMM: spacing, DataType: nifti.DTInt16, Int16: labelMap},
		Descriptors: descriptors,
	}, nil
}

// sampleCenter draws admissible candidates repeatedly (up to maxAttempts)
// until one satisfies the separation constraint against already-placed
// lesions.
func sampleCenter(prob pipeline.LesionProb, mask []uint8, dist []float64, shape [3]int, spacing [3]float64,
	threshold float64, centroid [3]float64, sigmaMM float64, placedSoFar []placed, radius, margin float64,
	maxAttempts int, src *rand.Rand) ([3]int, float64, error) {

	admissible, weights := admissibleSet(prob, mask, dist, shape, spacing, threshold, centroid, sigmaMM)
	if len(admissible) == 0 {
		return [3]int{}, 0, fmt.Errorf("no admissible centers for radius %.2fmm + margin %.2fmm", radius, margin)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		idx := weightedPick(weights, src)
		center := admissible[idx]
		if separated(center, radius, margin, placedSoFar, spacing) {
			linIdx, _ := voxelIndex(center, shape)
			return center, dist[linIdx], nil
		}
	}
	return [3]int{}, 0, fmt.Errorf("exhausted %d placement attempts", maxAttempts)
}

// admissibleSet collects every voxel whose distance to the ROI boundary
// meets threshold, and its sampling weight under prob.
func admissibleSet(prob pipeline.LesionProb, mask []uint8, dist []float64, shape [3]int, spacing [3]float64,
	threshold float64, centroid [3]float64, sigmaMM float64) ([][3]int, []float64) {

	var centers [][3]int
	var weights []float64
	normal := distuv.Normal{Mu: 0, Sigma: sigmaMM}

	nx, ny, nz := shape[0], shape[1], shape[2]
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				i := (z*ny+y)*nx + x
				if mask[i] == 0 || dist[i] < threshold {
					continue
				}
				center := [3]int{x, y, z}
				centers = append(centers, center)
				switch prob {
				case pipeline.ProbGaussian:
					d := physDist(centroid, physPos(center, spacing))
					weights = append(weights, normal.Prob(d))
				default: // uniform
					weights = append(weights, 1)
				}
			}
		}
	}
	return centers, weights
}

// weightedPick samples an index from weights (assumed non-negative, not all
// zero) proportionally using src.
func weightedPick(weights []float64, src *rand.Rand) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return src.IntN(len(weights))
	}
	target := src.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if target <= cum {
			return i
		}
	}
	return len(weights) - 1
}

// separated reports whether center is at least radius+r_j+margin away
// from every already-placed lesion in physical coordinates.
func separated(center [3]int, radius, margin float64, placedSoFar []placed, spacing [3]float64) bool {
	cp := physPos(center, spacing)
	for _, p := range placedSoFar {
		pp := physPos(p.center, spacing)
		if physDist(cp, pp) < radius+p.radius+margin {
			return false
		}
	}
	return true
}

// physPos converts a voxel-index triplet to physical millimeters, pairing
// component i with shape/spacing component i (nifti.Image's own convention:
// component 0 is fastest-varying in the flat array).
func physPos(c [3]int, spacing [3]float64) [3]float64 {
	return [3]float64{float64(c[0]) * spacing[0], float64(c[1]) * spacing[1], float64(c[2]) * spacing[2]}
}

func physDist(a, b [3]float64) float64 {
	d0, d1, d2 := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(d0*d0 + d1*d1 + d2*d2)
}

// voxelIndex flattens a voxel-index triplet the same way nifti.Image
// stores its data: component 0 fastest-varying, component 2 slowest.
func voxelIndex(c [3]int, shape [3]int) (int, bool) {
	x, y, z := c[0], c[1], c[2]
	if x < 0 || x >= shape[0] || y < 0 || y >= shape[1] || z < 0 || z >= shape[2] {
		return 0, false
	}
	return (z*shape[1]+y)*shape[0] + x, true
}

// centroidMM returns the physical-mm centroid of mask's nonzero voxels.
func centroidMM(mask []uint8, shape [3]int, spacing [3]float64) [3]float64 {
	var s0, s1, s2, cnt float64
	nx, ny, nz := shape[0], shape[1], shape[2]
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				if mask[(z*ny+y)*nx+x] == 0 {
					continue
				}
				s0 += float64(x)
				s1 += float64(y)
				s2 += float64(z)
				cnt++
			}
		}
	}
	if cnt == 0 {
		return [3]float64{}
	}
	return [3]float64{s0 / cnt * spacing[0], s1 / cnt * spacing[1], s2 / cnt * spacing[2]}
}

// rasterizeSphere fills a filled sphere of radius radiusMM centered at
// center (voxel index triplet) into binaryMask/labelMap, intersected with
// mask.
func rasterizeSphere(center [3]int, radiusMM float64, spacing [3]float64, shape [3]int, mask []uint8, binaryMask []uint8, labelMap []int16, id int16) {
	r0 := int(math.Ceil(radiusMM / spacing[0]))
	r1 := int(math.Ceil(radiusMM / spacing[1]))
	r2 := int(math.Ceil(radiusMM / spacing[2]))

	for d2 := -r2; d2 <= r2; d2++ {
		z := center[2] + d2
		if z < 0 || z >= shape[2] {
			continue
		}
		for d1 := -r1; d1 <= r1; d1++ {
			y := center[1] + d1
			if y < 0 || y >= shape[1] {
				continue
			}
			for d0 := -r0; d0 <= r0; d0++ {
				x := center[0] + d0
				if x < 0 || x >= shape[0] {
					continue
				}
				p0, p1, p2 := float64(d0)*spacing[0], float64(d1)*spacing[1], float64(d2)*spacing[2]
				if math.Sqrt(p0*p0+p1*p1+p2*p2) > radiusMM {
					continue
				}
				i := (z*shape[1]+y)*shape[0] + x
				if mask[i] == 0 {
					continue
				}
				binaryMask[i] = 1
				labelMap[i] = id
			}
		}
	}
}

// WriteQC writes the per-ROI and global QC artifacts:
// lesion labelmaps, binary masks, and organ-minus-lesions volumes.
func WriteQC(outputsDir string, res *Result, seg *nifti.Image, registry *labels.Registry) error {
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		return fmt.Errorf("create QC output dir %s: %w", outputsDir, err)
	}
	if err := nifti.Write(filepath.Join(outputsDir, "global_lesion_binary.nii.gz"), res.BinaryMask); err != nil {
		return err
	}
	if err := nifti.Write(filepath.Join(outputsDir, "global_lesion_labels.nii.gz"), res.LabelMap); err != nil {
		return err
	}
	if err := writeThumbnail(filepath.Join(outputsDir, "global_lesion_binary_thumb.png"), res.BinaryMask, 4); err != nil {
		return err
	}

	byROI := make(map[string]bool)
	for _, d := range res.Descriptors {
		byROI[d.ROI] = true
	}
	roiNames := make([]string, 0, len(byROI))
	for roi := range byROI {
		roiNames = append(roiNames, roi)
	}
	sort.Strings(roiNames)

	for _, roi := range roiNames {
		tdtID, ok := registry.TDTID(roi)
		if !ok {
			continue
		}
		roiIDs := make(map[int16]bool)
		for _, d := range res.Descriptors {
			if d.ROI == roi {
				roiIDs[d.ID] = true
			}
		}

		n := seg.NVoxels()
		roiLabels := &nifti.Image{Shape: seg.Shape, SpacingMM: seg.SpacingMM, DataType: nifti.DTInt16, Int16: make([]int16, n)}
		roiBinary := &nifti.Image{Shape: seg.Shape, SpacingMM: seg.SpacingMM, DataType: nifti.DTUint8, Uint8: make([]uint8, n)}
		organMinusLesions := &nifti.Image{Shape: seg.Shape, SpacingMM: seg.SpacingMM, DataType: nifti.DTUint8, Uint8: make([]uint8, n)}
		for i, v := range seg.Uint8 {
			if id := res.LabelMap.Int16[i]; roiIDs[id] {
				roiLabels.Int16[i] = id
				roiBinary.Uint8[i] = 1
			}
			if int(v) == tdtID && res.BinaryMask.Uint8[i] == 0 {
				organMinusLesions.Uint8[i] = 1
			}
		}
		if err := nifti.Write(filepath.Join(outputsDir, roi+"_lesion_labels.nii.gz"), roiLabels); err != nil {
			return err
		}
		if err := nifti.Write(filepath.Join(outputsDir, roi+"_lesion_binary.nii.gz"), roiBinary); err != nil {
			return err
		}
		if err := nifti.Write(filepath.Join(outputsDir, roi+"_organ_minus_lesions.nii.gz"), organMinusLesions); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the stage end to end against a pipeline Context: backs up the
// unified seg, inserts lesions, writes QC artifacts, overwrites the unified
// seg on disk, and records the roi_subset side effect in-memory.
func Run(ctx *pipeline.Context, cfg pipeline.SyntheticLesionsConfig, registry *labels.Registry) error {
	if err := ctx.Require("TDTROISeg", "TDTROISegPath"); err != nil {
		return err
	}

	res, err := InsertAll(ctx.TDTROISeg, cfg.Specs, registry)
	if err != nil {
		return err
	}

	backupPath := ctx.TDTROISegPath + ".pre_lesion.bak"
	if err := nifti.Write(backupPath, ctx.TDTROISeg); err != nil {
		return pipeline.NewStageError("lesions", pipeline.KindBadInput, fmt.Errorf("back up unified seg: %w", err))
	}

	outputsDir := filepath.Join(ctx.Subdirs.Segmentation, "lesion_outputs")
	if err := WriteQC(outputsDir, res, ctx.TDTROISeg, registry); err != nil {
		return pipeline.NewStageError("lesions", pipeline.KindBadInput, err)
	}

	if err := nifti.Write(ctx.TDTROISegPath, res.Seg); err != nil {
		return pipeline.NewStageError("lesions", pipeline.KindBadInput, fmt.Errorf("overwrite unified seg: %w", err))
	}

	ctx.TDTROISeg = res.Seg
	ctx.LesionsInserted = true
	ctx.LogAssignment("TDTROISeg", res.Seg)
	return nil
}
