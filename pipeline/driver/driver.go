// Package driver sequences the pipeline stages for each CT in a
// batch, in isolation, recording per-stage timings and continuing past a
// failed CT instead of aborting the whole batch.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
	"github.com/tdt-pipeline/tdt/pipeline/lesions"
	"github.com/tdt-pipeline/tdt/pipeline/pbpk"
	"github.com/tdt-pipeline/tdt/pipeline/preprocess"
	"github.com/tdt-pipeline/tdt/pipeline/recon"
	"github.com/tdt-pipeline/tdt/pipeline/roiunify"
	"github.com/tdt-pipeline/tdt/pipeline/segmentation"
	"github.com/tdt-pipeline/tdt/pipeline/simind"
)

// Collaborators bundles every opaque external system the driver wires
// through to individual stages.
type Collaborators struct {
	Segmenter        segmentation.Segmenter
	Solver           pbpk.Solver
	Simulator        simind.Simulator
	ProjectionReader simind.ProjectionReader
	Reconstructor    recon.Reconstructor
	Registry         *labels.Registry
}

// CTResult records the outcome of running the whole pipeline against one
// CT input.
type CTResult struct {
	Index        int
	Input        string
	Err          error
	StageTimings map[string]time.Duration
}

// Options controls batch-wide behavior not tied to a specific collaborator.
type Options struct {
	Mode      pipeline.Mode
	LoggingOn bool
	// SaveCTScan copies an original NIfTI CT input into the per-CT output
	// root as an audit copy; DICOM series directories are not copied. The
	// standardized NIfTI is always kept; it is the canonical downstream
	// reference either way.
	SaveCTScan bool
	// SaveConfig writes a YAML snapshot of the resolved config into each
	// CT's output root.
	SaveConfig bool
}

// RunBatch executes the pipeline for every CT input in inputs, in the
// order given, isolating failures per-CT: a *StageError from one CT is
// recorded in its CTResult, stamped with that CT's index and input path,
// and the batch continues.
func RunBatch(pctx context.Context, cfg *pipeline.Config, inputs []string, opts Options, collab Collaborators) []CTResult {
	results := make([]CTResult, len(inputs))
	for i, input := range inputs {
		results[i] = runOne(pctx, cfg, input, i, opts, collab)
		if se, ok := results[i].Err.(*pipeline.StageError); ok {
			se.CT, se.Input = i, input
		}
	}
	return results
}

// SortedInputs returns a copy of inputs in deterministic (lexical) order,
// so a batch processes CT inputs in sorted-name order.
func SortedInputs(inputs []string) []string {
	out := append([]string(nil), inputs...)
	sort.Strings(out)
	return out
}

func runOne(pctx context.Context, cfg *pipeline.Config, input string, index int, opts Options, collab Collaborators) CTResult {
	res := CTResult{Index: index, Input: input, StageTimings: make(map[string]time.Duration)}

	logger, err := pipeline.NewCTLogger(fmt.Sprintf("%s_CT_%d", cfg.OutputFolder.Title, index), index, opts.LoggingOn)
	if err != nil {
		res.Err = pipeline.NewStageError("driver", pipeline.KindBadInput, err)
		return res
	}

	ctx, err := pipeline.NewContext(cfg, input, index, opts.Mode, logger)
	if err != nil {
		res.Err = err
		return res
	}

	if opts.SaveConfig {
		if err := writeConfigSnapshot(ctx.OutputRoot, cfg); err != nil {
			res.Err = pipeline.NewStageError("driver", pipeline.KindBadInput, err)
			return res
		}
	}

	prefix := fmt.Sprintf("ct_%d", index)
	roiSubset := ctx.Config.SpectPreprocessing.ROISubset
	if err := labels.ValidateROISubset(roiSubset); err != nil {
		res.Err = pipeline.NewStageError("driver", pipeline.KindInvalidROI, err)
		return res
	}

	stages := []struct {
		name string
		run  func() error
	}{
		{"segmentation", func() error {
			return segmentation.Run(ctx, collab.Segmenter, prefix, roiSubset)
		}},
		{"roiunify", func() error {
			return runUnify(ctx, collab.Registry, roiSubset, prefix)
		}},
	}
	if cfg.SyntheticLesions != nil {
		stages = append(stages, struct {
			name string
			run  func() error
		}{"lesions", func() error {
			return lesions.Run(ctx, *cfg.SyntheticLesions, collab.Registry)
		}})
	}
	stages = append(stages,
		struct {
			name string
			run  func() error
		}{"preprocess", func() error {
			return runPreprocess(ctx, collab.Registry, prefix)
		}},
		struct {
			name string
			run  func() error
		}{"pbpk", func() error {
			return pbpk.Run(pctx, ctx, collab.Solver, prefix)
		}},
		struct {
			name string
			run  func() error
		}{"simind", func() error {
			return simind.Run(pctx, ctx, collab.Simulator, collab.ProjectionReader, prefix)
		}},
		struct {
			name string
			run  func() error
		}{"recon", func() error {
			return recon.Run(ctx, collab.Reconstructor, prefix)
		}},
	)

	for _, st := range stages {
		start := time.Now()
		err := st.run()
		res.StageTimings[st.name] = time.Since(start)
		if err != nil {
			res.Err = err
			return res
		}
	}

	if opts.SaveCTScan {
		if err := saveCTInputCopy(ctx); err != nil {
			ctx.Logger.Warnf("save_ct_scan: %v", err)
		}
	}
	return res
}

// saveCTInputCopy writes an audit copy of the original CT input into the
// per-CT output root. DICOM series directories are not duplicated; the
// standardized NIfTI already preserves their voxel data.
func saveCTInputCopy(ctx *pipeline.Context) error {
	if ctx.CTInputKind != pipeline.CTInputNifti {
		ctx.Logger.Info("save_ct_scan: DICOM input, standardized NIfTI serves as the audit copy")
		return nil
	}
	raw, err := os.ReadFile(ctx.CTInputPath)
	if err != nil {
		return fmt.Errorf("read CT input %s: %w", ctx.CTInputPath, err)
	}
	dst := filepath.Join(ctx.OutputRoot, "ct_input_"+filepath.Base(ctx.CTInputPath))
	return os.WriteFile(dst, raw, 0o644)
}

// writeConfigSnapshot marshals cfg as YAML into outputRoot/config_snapshot.yaml
// for --save_config.
func writeConfigSnapshot(outputRoot string, cfg *pipeline.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}
	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return fmt.Errorf("create output root %s: %w", outputRoot, err)
	}
	return os.WriteFile(filepath.Join(outputRoot, "config_snapshot.yaml"), raw, 0o644)
}

// runUnify loads the per-task segmentation outputs and the standardized
// CT, unifies them into the canonical TDT label space, and writes the
// result, recording it on the Context for downstream stages.
func runUnify(ctx *pipeline.Context, registry *labels.Registry, roiSubset []string, prefix string) error {
	if err := ctx.Require("CTNiiPath"); err != nil {
		return err
	}
	ct, err := nifti.Read(ctx.CTNiiPath)
	if err != nil {
		return pipeline.NewStageError("roiunify", pipeline.KindBadInput, err)
	}
	in := roiunify.Inputs{CT: ct}
	if ctx.BodyMLPath != "" {
		if in.Body, err = nifti.Read(ctx.BodyMLPath); err != nil {
			return pipeline.NewStageError("roiunify", pipeline.KindBadInput, err)
		}
	}
	if ctx.TotalMLPath != "" {
		if in.Total, err = nifti.Read(ctx.TotalMLPath); err != nil {
			return pipeline.NewStageError("roiunify", pipeline.KindBadInput, err)
		}
	}
	if ctx.HeadGlandsCavitiesMLPath != "" {
		if in.Head, err = nifti.Read(ctx.HeadGlandsCavitiesMLPath); err != nil {
			return pipeline.NewStageError("roiunify", pipeline.KindBadInput, err)
		}
	}

	unified, err := roiunify.Unify(in, roiSubset, registry)
	if err != nil {
		return err
	}

	outPath := filepath.Join(ctx.Subdirs.Segmentation, prefix+"_tdt_roi_seg.nii.gz")
	if err := nifti.Write(outPath, unified); err != nil {
		return pipeline.NewStageError("roiunify", pipeline.KindBadInput, err)
	}
	ctx.TDTROISeg = unified
	ctx.TDTROISegPath = outPath
	ctx.LogAssignment("TDTROISeg", unified)
	return nil
}

// runPreprocess loads the preprocessing inputs from Context-recorded paths and
// invokes pipeline/preprocess.
func runPreprocess(ctx *pipeline.Context, registry *labels.Registry, prefix string) error {
	if err := ctx.Require("CTNiiPath", "BodyMLPath", "TDTROISeg"); err != nil {
		return err
	}
	ct, err := nifti.Read(ctx.CTNiiPath)
	if err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	body, err := nifti.Read(ctx.BodyMLPath)
	if err != nil {
		return pipeline.NewStageError("preprocess", pipeline.KindBadInput, err)
	}
	return preprocess.Run(ctx, preprocess.Inputs{CT: ct, BodyMask: body, TDTSeg: ctx.TDTROISeg}, registry, prefix)
}
