// Package segmentation standardizes the CT input to NIfTI and invokes
// the external multilabel segmenter once per required task. The segmenter
// itself is an opaque collaborator; this package only defines the
// Segmenter interface and the execution plan/resumability logic around it.
package segmentation

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tdt-pipeline/tdt/internal/dicomio"
	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
)

// Task names one of the three external segmenter invocations.
type Task = labels.ExternalTask

// Segmenter is the opaque external multilabel segmentation model: given a
// task and an optional ROI subset of external names, it writes one
// multilabel NIfTI to outPath.
type Segmenter interface {
	Run(task Task, ctSource string, roiSubset []string, outPath string) error
}

// ExecSegmenter shells out to an external CLI segmenter binary.
type ExecSegmenter struct {
	BinaryPath string
}

func (s *ExecSegmenter) Run(task Task, ctSource string, roiSubset []string, outPath string) error {
	args := []string{"-i", ctSource, "-o", outPath, "--task", string(task), "--ml"}
	for _, roi := range roiSubset {
		args = append(args, "--roi_subset", roi)
	}
	cmd := exec.Command(s.BinaryPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("external segmenter failed for task %s: %w (output: %s)", task, err, out)
	}
	return nil
}

// ExecutionPlan records which external tasks are required, derived from
// the requested ROI subset.
type ExecutionPlan struct {
	RunBody               bool
	RunTotal              bool
	RunHeadGlandsCavities bool
}

// Plan builds an ExecutionPlan from the user's requested ROI subset.
func Plan(roiSubset []string) (ExecutionPlan, error) {
	if len(roiSubset) == 0 {
		return ExecutionPlan{}, nil
	}
	plan := ExecutionPlan{RunBody: true}
	for _, roi := range roiSubset {
		if roi == labels.ROISyntheticLesion {
			continue // inserted post-hoc by lesion insertion, not a segmentation target
		}
		exp, err := labels.ExpandROI(roi)
		if err != nil {
			return ExecutionPlan{}, err
		}
		switch exp.Task {
		case labels.TaskTotal:
			plan.RunTotal = true
		case labels.TaskHeadGlandsCavities:
			plan.RunHeadGlandsCavities = true
		}
	}
	return plan, nil
}

// expandedNames collects the external names requested for a given task
// across the whole ROI subset (e.g. both kidney_left and kidney_right for
// task=total when roi_subset includes "kidney").
func expandedNames(roiSubset []string, task labels.ExternalTask) []string {
	var names []string
	for _, roi := range roiSubset {
		exp, err := labels.ExpandROI(roi)
		if err != nil || exp.Task != task {
			continue
		}
		names = append(names, exp.ExternalNames...)
	}
	return names
}

// Standardize converts the CT input to a standardized NIfTI at
// ctx.Subdirs.Segmentation/<prefix>_ct.nii.gz, idempotently. If the file already exists, the stage is skipped (resumable).
func Standardize(ctx *pipeline.Context, prefix string) error {
	if err := os.MkdirAll(ctx.Subdirs.Segmentation, 0o755); err != nil {
		return pipeline.NewStageError("segmentation", pipeline.KindBadInput, err)
	}
	outPath := filepath.Join(ctx.Subdirs.Segmentation, prefix+"_ct.nii.gz")
	if _, err := os.Stat(outPath); err == nil {
		ctx.CTNiiPath = outPath
		ctx.LogAssignment("CTNiiPath", outPath)
		return nil
	}

	var im *nifti.Image
	var err error
	switch ctx.CTInputKind {
	case pipeline.CTInputDicom:
		im, err = dicomio.ReadSeries(ctx.CTInputPath)
	case pipeline.CTInputNifti:
		im, err = nifti.Read(ctx.CTInputPath)
	default:
		err = fmt.Errorf("unrecognized CT input kind %q", ctx.CTInputKind)
	}
	if err != nil {
		return pipeline.NewStageError("segmentation", pipeline.KindBadInput, err)
	}
	if err := nifti.Write(outPath, im); err != nil {
		return pipeline.NewStageError("segmentation", pipeline.KindBadInput, err)
	}
	ctx.CTNiiPath = outPath
	ctx.LogAssignment("CTNiiPath", outPath)
	return nil
}

// Run executes the stage end to end: standardize, plan, invoke the segmenter for
// each enabled task (skipping tasks whose output already exists), and
// verify every enabled task produced its output.
func Run(ctx *pipeline.Context, seg Segmenter, prefix string, roiSubset []string) error {
	if err := Standardize(ctx, prefix); err != nil {
		return err
	}

	plan, err := Plan(roiSubset)
	if err != nil {
		return pipeline.NewStageError("segmentation", pipeline.KindInvalidROI, err)
	}

	runTask := func(task labels.ExternalTask, fieldSetter func(string), names []string) error {
		outPath := filepath.Join(ctx.Subdirs.Segmentation, fmt.Sprintf("%s_%s_ml.nii.gz", prefix, task))
		if _, statErr := os.Stat(outPath); statErr != nil {
			if err := seg.Run(task, ctx.CTNiiPath, names, outPath); err != nil {
				return pipeline.NewStageError("segmentation", pipeline.KindSegmentationMissingOutput, err)
			}
		}
		if _, statErr := os.Stat(outPath); statErr != nil {
			return pipeline.NewStageError("segmentation", pipeline.KindSegmentationMissingOutput,
				fmt.Errorf("expected output %s not produced for task %s", outPath, task))
		}
		fieldSetter(outPath)
		return nil
	}

	if plan.RunBody {
		if err := runTask(labels.TaskBody, func(p string) { ctx.BodyMLPath = p }, nil); err != nil {
			return err
		}
	}
	if plan.RunTotal {
		names := expandedNames(roiSubset, labels.TaskTotal)
		if err := runTask(labels.TaskTotal, func(p string) { ctx.TotalMLPath = p }, names); err != nil {
			return err
		}
	}
	if plan.RunHeadGlandsCavities {
		names := expandedNames(roiSubset, labels.TaskHeadGlandsCavities)
		if err := runTask(labels.TaskHeadGlandsCavities, func(p string) { ctx.HeadGlandsCavitiesMLPath = p }, names); err != nil {
			return err
		}
	}
	return nil
}
