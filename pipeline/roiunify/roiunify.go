// Package roiunify paints the per-task multilabel outputs
// into a single canonical-label volume restricted to the requested ROI
// subset.
package roiunify

import (
	"fmt"

	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
)

// Inputs bundles the per-task segmentation artifacts the unification
// paints from.
// Total and Head may be nil when their task was not run.
type Inputs struct {
	CT    *nifti.Image // reference shape/affine/header
	Body  *nifti.Image // may be nil only if "body" was never requested
	Total *nifti.Image
	Head  *nifti.Image
}

// Unify paints a zero volume shaped like CT, then body, then the requested
// organ ROIs (overwriting body), then salivary glands.
func Unify(in Inputs, requested []string, registry *labels.Registry) (*nifti.Image, error) {
	out := nifti.NewUint8Like(in.CT)

	if in.Body != nil && !nifti.SameGrid(in.Body, in.CT) {
		return nil, pipeline.NewStageError("roiunify", pipeline.KindShapeMismatch,
			fmt.Errorf("body segmentation shape %v != CT shape %v", in.Body.Shape, in.CT.Shape))
	}
	if in.Total != nil && !nifti.SameGrid(in.Total, in.CT) {
		return nil, pipeline.NewStageError("roiunify", pipeline.KindShapeMismatch,
			fmt.Errorf("total segmentation shape %v != CT shape %v", in.Total.Shape, in.CT.Shape))
	}
	if in.Head != nil && !nifti.SameGrid(in.Head, in.CT) {
		return nil, pipeline.NewStageError("roiunify", pipeline.KindShapeMismatch,
			fmt.Errorf("head_glands_cavities segmentation shape %v != CT shape %v", in.Head.Shape, in.CT.Shape))
	}

	bodyID, ok := registry.TDTID(labels.ROIBody)
	if !ok {
		return nil, pipeline.NewStageError("roiunify", pipeline.KindMissingContextField, fmt.Errorf("registry has no TDT id for %q", labels.ROIBody))
	}

	wantsROI := make(map[string]bool, len(requested))
	for _, roi := range requested {
		wantsROI[roi] = true
	}

	// Paint body first. Body is painted whenever the body task ran, even
	// when not named in the requested subset, so organ voxels always have
	// a body background to overwrite.
	if in.Body != nil {
		for i, v := range in.Body.Uint8 {
			if v > 0 {
				out.Uint8[i] = uint8(bodyID)
			}
		}
	}

	// Then organs from the total task, overwriting body.
	for _, roi := range []string{labels.ROIKidney, labels.ROILiver, labels.ROIProstate, labels.ROISpleen, labels.ROIHeart} {
		if !wantsROI[roi] || in.Total == nil {
			continue
		}
		exp, err := labels.ExpandROI(roi)
		if err != nil {
			return nil, pipeline.NewStageError("roiunify", pipeline.KindInvalidROI, err)
		}
		tdtID, ok := registry.TDTID(roi)
		if !ok {
			return nil, pipeline.NewStageError("roiunify", pipeline.KindMissingContextField, fmt.Errorf("registry has no TDT id for %q", roi))
		}
		externalIDs := make(map[int]bool, len(exp.ExternalNames))
		for _, name := range exp.ExternalNames {
			if id, ok := registry.TotalID(name); ok {
				externalIDs[id] = true
			}
		}
		for i, v := range in.Total.Uint8 {
			if externalIDs[int(v)] {
				out.Uint8[i] = uint8(tdtID)
			}
		}
	}

	// Finally salivary glands from the head task, overwriting everything
	// else.
	if wantsROI[labels.ROISalivaryGlands] && in.Head != nil {
		tdtID, ok := registry.TDTID(labels.ROISalivaryGlands)
		if !ok {
			return nil, pipeline.NewStageError("roiunify", pipeline.KindMissingContextField, fmt.Errorf("registry has no TDT id for salivary_glands"))
		}
		exp, err := labels.ExpandROI(labels.ROISalivaryGlands)
		if err != nil {
			return nil, pipeline.NewStageError("roiunify", pipeline.KindInvalidROI, err)
		}
		externalIDs := make(map[int]bool, len(exp.ExternalNames))
		for _, name := range exp.ExternalNames {
			if id, ok := registry.HeadID(name); ok {
				externalIDs[id] = true
			}
		}
		for i, v := range in.Head.Uint8 {
			if externalIDs[int(v)] {
				out.Uint8[i] = uint8(tdtID)
			}
		}
	}

	return out, nil
}
