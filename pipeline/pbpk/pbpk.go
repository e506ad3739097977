// Package pbpk maps ROI masks to physiological
// compartments (VOIs), generating per-frame time-activity curves, and
// painting a uniform activity concentration into each VOI's voxels to build
// the per-frame activity maps SIMIND simulates.
package pbpk

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tdt-pipeline/tdt/internal/dicomio"
	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
)

// TACRequest is the call made to the opaque physiological compartment
// solver, requesting one curve per observable.
type TACRequest struct {
	Model          string
	HotAmountMBq   float64
	ColdAmountNmol float64
	// Params carries per-CT sampled physiological overrides (the sampled
	// kidney/salivary-gland receptor densities and release rates, and any
	// patient biometrics), keyed "<VOI>.<param>" / "patient_*".
	Params map[string]float64
	// Observables is the VOI name list the solver must return curves for.
	Observables []string
}

// TACResult is the solver's response: a shared model time grid (minutes)
// and one total-activity curve (MBq in the whole compartment) per
// requested observable, keyed by VOI name.
type TACResult struct {
	TimesMin  []float64
	ValuesMBq map[string][]float64
}

// Solver abstracts the external PBPK compartment model. The real solver
// is opaque native code; DefaultSolver is this module's built-in
// stand-in with idealized per-VOI kinetics.
type Solver interface {
	Generate(ctx context.Context, req TACRequest) (TACResult, error)
}

// DefaultSolver answers TACRequests from the built-in defaultProfiles
// table. Sampled receptor density scales a compartment's uptake
// amplitude; a sampled release rate bends its washout relative to the
// population default.
type DefaultSolver struct{}

func (DefaultSolver) Generate(_ context.Context, req TACRequest) (TACResult, error) {
	profiles := defaultProfiles()
	timesMin := profiles["remainder"].TimesMin
	values := make(map[string][]float64, len(req.Observables))
	for _, voi := range req.Observables {
		profile, ok := profiles[voi]
		if !ok {
			return TACResult{}, fmt.Errorf("no TAC profile for VOI %q", voi)
		}
		curve := append([]float64(nil), profile.ActivityMBq...)
		for _, ps := range randomizableParams[voi] {
			v, ok := req.Params[voi+"."+ps.Name]
			if !ok {
				continue
			}
			switch ps.Name {
			case paramRden:
				scale := v / ps.Mean
				for i := range curve {
					curve[i] *= scale
				}
			case paramLambdaRel:
				for i, t := range timesMin {
					curve[i] *= math.Exp(-(v - ps.Mean) * t * 60)
				}
			}
		}
		values[voi] = curve
	}
	return TACResult{TimesMin: timesMin, ValuesMBq: values}, nil
}

// roiToVOI maps a canonical TDT ROI name to the physiological compartment
// name its activity curve is modeled under. "body" carries the residual
// activity of everything outside the named organs; its mask already
// excludes organ voxels because organ labels overwrite the body label
// during unification. An ROI with no entry here falls back to
// "remainder" too.
var roiToVOI = map[string]string{
	labels.ROIBody:            "remainder",
	labels.ROIKidney:          "kidneys",
	labels.ROILiver:           "liver",
	labels.ROIProstate:        "prostate",
	labels.ROISpleen:          "spleen",
	labels.ROIHeart:           "heart",
	labels.ROISalivaryGlands:  "salivary_glands",
	labels.ROISyntheticLesion: "tumor",
}

// VOIProfile is an idealized total-activity curve (MBq in the whole
// compartment), sampled at TimesMin (minutes post injection).
type VOIProfile struct {
	TimesMin    []float64
	ActivityMBq []float64
}

// defaultProfiles are representative compartment curves for a ~7400 MBq
// Lu-177 PSMA administration.
func defaultProfiles() map[string]VOIProfile {
	return map[string]VOIProfile{
		"kidneys": {
			TimesMin:    []float64{0, 15, 30, 60, 120, 240},
			ActivityMBq: []float64{0, 180, 240, 200, 120, 60},
		},
		"liver": {
			TimesMin:    []float64{0, 15, 30, 60, 120, 240},
			ActivityMBq: []float64{0, 80, 100, 88, 64, 40},
		},
		"prostate": {
			TimesMin:    []float64{0, 15, 30, 60, 120, 240},
			ActivityMBq: []float64{0, 10, 24, 40, 44, 36},
		},
		"spleen": {
			TimesMin:    []float64{0, 15, 30, 60, 120, 240},
			ActivityMBq: []float64{0, 45, 52, 42, 27, 15},
		},
		"heart": {
			TimesMin:    []float64{0, 15, 30, 60, 120, 240},
			ActivityMBq: []float64{0, 60, 30, 15, 9, 4.5},
		},
		"salivary_glands": {
			TimesMin:    []float64{0, 15, 30, 60, 120, 240},
			ActivityMBq: []float64{0, 52, 68, 60, 42, 22},
		},
		"tumor": {
			TimesMin:    []float64{0, 15, 30, 60, 120, 240},
			ActivityMBq: []float64{0, 5, 12, 18, 20, 19},
		},
		"remainder": {
			TimesMin:    []float64{0, 15, 30, 60, 120, 240},
			ActivityMBq: []float64{0, 5920, 5180, 3700, 2220, 1480},
		},
	}
}

const (
	paramRden      = "Rden_nmol_per_L"
	paramLambdaRel = "lambda_rel_per_s"
)

// paramSpec names one sampled physiological parameter and its population
// mean/sd.
type paramSpec struct {
	Name string
	Mean float64
	SD   float64
}

// randomizableParams lists the receptor-density (nmol/L) and release-rate
// (1/s) parameters sampled per VOI when Randomization_Kidney_SG_Para is
// enabled.
var randomizableParams = map[string][]paramSpec{
	"kidneys": {
		{Name: paramRden, Mean: 30, SD: 10},
		{Name: paramLambdaRel, Mean: 2.88e-4, SD: 0.55e-4},
	},
	"salivary_glands": {
		{Name: paramRden, Mean: 60, SD: 20},
		{Name: paramLambdaRel, Mean: 3.9e-4, SD: 0.63e-4},
	},
}

// lognormalParams derives the Mu/Sigma of a lognormal distribution whose
// mean and standard deviation equal the given target mean/sd.
func lognormalParams(mean, sd float64) (mu, sigma float64) {
	sigma2 := math.Log(1 + (sd*sd)/(mean*mean))
	sigma = math.Sqrt(sigma2)
	mu = math.Log(mean) - sigma2/2
	return mu, sigma
}

// TAC is one VOI's resolved per-frame total-activity curve plus the
// physiological parameters actually sampled for it, saved once per VOI as
// provenance.
type TAC struct {
	VOI           string             `json:"voi"`
	FrameTimesMin []float64          `json:"frame_times_min"`
	ActivityMBq   []float64          `json:"activity_mbq"`
	SampledParams map[string]float64 `json:"sampled_params,omitempty"`
	Randomized    bool               `json:"randomized"`
}

// generateTAC interpolates profile onto frameTimesMin (minutes, the
// midpoint of each frame), clamping to the profile's time range.
func generateTAC(voi string, profile VOIProfile, frameTimesMin []float64) (TAC, error) {
	var pl interp.PiecewiseLinear
	if err := pl.Fit(profile.TimesMin, profile.ActivityMBq); err != nil {
		return TAC{}, fmt.Errorf("fit TAC for VOI %q: %w", voi, err)
	}

	act := make([]float64, len(frameTimesMin))
	lo, hi := profile.TimesMin[0], profile.TimesMin[len(profile.TimesMin)-1]
	for i, t := range frameTimesMin {
		tt := t
		if tt < lo {
			tt = lo
		}
		if tt > hi {
			tt = hi
		}
		act[i] = pl.Predict(tt)
	}

	return TAC{VOI: voi, FrameTimesMin: frameTimesMin, ActivityMBq: act}, nil
}

// sampleRandomizedParams draws each randomizable VOI's receptor density
// and release rate from lognormal distributions matching the population
// mean/sd, returning the flat TACRequest.Params map the solver consumes
// plus the per-VOI values for TAC provenance.
func sampleRandomizedParams(requestedVOIs []string, randomize bool) (map[string]float64, map[string]map[string]float64) {
	params := make(map[string]float64)
	byVOI := make(map[string]map[string]float64)
	if !randomize {
		return params, byVOI
	}
	for _, voi := range requestedVOIs {
		for _, ps := range randomizableParams[voi] {
			mu, sigma := lognormalParams(ps.Mean, ps.SD)
			v := distuv.LogNormal{Mu: mu, Sigma: sigma}.Rand()
			params[voi+"."+ps.Name] = v
			if byVOI[voi] == nil {
				byVOI[voi] = make(map[string]float64)
			}
			byVOI[voi][ps.Name] = v
		}
	}
	return params, byVOI
}

// frameMidpointsMin converts config frame start times (minutes) and
// durations (seconds) into per-frame midpoint times in minutes.
func frameMidpointsMin(startTimesMin, durationsSec []float64) []float64 {
	out := make([]float64, len(startTimesMin))
	for i, start := range startTimesMin {
		out[i] = start + (durationsSec[i]/60.0)/2.0
	}
	return out
}

// Result is the stage output: per-frame total activity, per-organ per-frame
// activity, and the TAC provenance actually used.
type Result struct {
	ActivityMapSum   []float64            // per-frame total activity (MBq), length nFrames
	ActivityOrganSum map[string][]float64 // ROI name -> per-frame total activity (MBq)
	TACsUsed         map[string]TAC
}

// Run executes the stage end to end against a pipeline Context: samples
// kidney/salivary-gland uptake parameters when randomization is enabled,
// calls solver once for every requested VOI's model-grid TAC, interpolates
// each onto the configured frame times, paints uniform per-voxel
// concentration into each ROI's mask per frame, sums across organs, and
// writes the per-organ first-frame and per-frame whole-volume activity
// maps plus TAC provenance to disk.
func Run(pctx context.Context, ctx *pipeline.Context, solver Solver, prefix string) error {
	if err := ctx.Require("MaskROIBody", "ArrShapeNewZYX", "ArrPxSpacingCm"); err != nil {
		return err
	}
	cfg := ctx.Config.PBPK
	nFrames := len(cfg.FrameStartTimes)
	if nFrames == 0 || nFrames != len(cfg.FrameDurations) {
		return pipeline.NewStageError("pbpk", pipeline.KindBadInput,
			fmt.Errorf("FrameStartTimes (%d) and FrameDurations (%d) must be equal length and nonzero", nFrames, len(cfg.FrameDurations)))
	}
	frameMid := frameMidpointsMin(cfg.FrameStartTimes, cfg.FrameDurations)

	voxelVolumeML := ctx.ArrPxSpacingCm[0] * ctx.ArrPxSpacingCm[1] * ctx.ArrPxSpacingCm[2]
	nVoxels := ctx.ArrShapeNewZYX[0] * ctx.ArrShapeNewZYX[1] * ctx.ArrShapeNewZYX[2]

	profiles := defaultProfiles()
	requestedVOIs := cfg.VOIs
	if len(requestedVOIs) == 0 {
		requestedVOIs = sortedKeys(profiles)
	}

	params, sampledByVOI := sampleRandomizedParams(requestedVOIs, cfg.RandomizationKidneySGParam)
	if ctx.CTInputKind == pipeline.CTInputDicom {
		if b, err := dicomio.ExtractPatientBiometrics(ctx.CTInputPath); err == nil {
			if b.HeightM > 0 {
				params["patient_height_m"] = b.HeightM
			}
			if b.WeightKG > 0 {
				params["patient_weight_kg"] = b.WeightKG
			}
			ctx.LogAssignment("PatientBiometrics", fmt.Sprintf("height=%v weight=%v", b.HeightM, b.WeightKG))
		}
	}
	req := TACRequest{Model: "PSMA", Observables: requestedVOIs, Params: params}
	solved, err := solver.Generate(pctx, req)
	if err != nil {
		return pipeline.NewStageError("pbpk", pipeline.KindNoVoiMapping, fmt.Errorf("solver.Generate: %w", err))
	}

	rois := make([]string, 0, len(ctx.MaskROIBody))
	for roi := range ctx.MaskROIBody {
		rois = append(rois, roi)
	}
	sort.Strings(rois)

	activityOrganSum := make(map[string][]float64, len(rois))
	tacsUsed := make(map[string]TAC, len(rois))
	activityMapSum := make([]float64, nFrames)
	wholeVolume := make([]float64, nFrames*nVoxels)
	activityMapPathsByOrgan := make(map[string]string, len(rois))

	if err := os.MkdirAll(ctx.Subdirs.PBPK, 0o755); err != nil {
		return pipeline.NewStageError("pbpk", pipeline.KindBadInput, err)
	}

	for _, roi := range rois {
		voi, explicit := roiToVOI[roi]
		if !explicit {
			voi = "remainder"
		}
		curve, ok := solved.ValuesMBq[voi]
		if !ok {
			voi = "remainder"
			if curve, ok = solved.ValuesMBq[voi]; !ok {
				return pipeline.NewStageError("pbpk", pipeline.KindNoVoiMapping,
					fmt.Errorf("ROI %q: no solver curve for its VOI and no remainder curve to fall back to", roi))
			}
		}

		tac, haveTAC := tacsUsed[voi]
		if !haveTAC {
			profile := VOIProfile{TimesMin: solved.TimesMin, ActivityMBq: curve}
			tac, err = generateTAC(voi, profile, frameMid)
			if err != nil {
				return pipeline.NewStageError("pbpk", pipeline.KindBadInput, err)
			}
			if sampled, ok := sampledByVOI[voi]; ok {
				tac.Randomized = true
				tac.SampledParams = sampled
			}
			tacsUsed[voi] = tac
		}

		mask := ctx.MaskROIBody[roi]
		var nMaskVoxels int
		for _, m := range mask {
			if m != 0 {
				nMaskVoxels++
			}
		}
		if nMaskVoxels == 0 {
			continue
		}

		// The frame's total activity spreads uniformly over the ROI: each
		// voxel holds the concentration A(t) / (n_vox * voxel_vol), so the
		// sum of voxel * voxel_vol recovers the TAC total regardless of
		// how many voxels the ROI happens to cover.
		organSum := make([]float64, nFrames)
		firstFrame := make([]float64, nVoxels)
		for f := 0; f < nFrames; f++ {
			concPerML := tac.ActivityMBq[f] / (float64(nMaskVoxels) * voxelVolumeML)
			frameOffset := f * nVoxels
			var sum float64
			for i, m := range mask {
				if m == 0 {
					continue
				}
				wholeVolume[frameOffset+i] += concPerML
				if f == 0 {
					firstFrame[i] = concPerML
				}
				sum += concPerML * voxelVolumeML
			}
			organSum[f] = sum
			activityMapSum[f] += sum
		}
		activityOrganSum[roi] = organSum

		path := filepath.Join(ctx.Subdirs.PBPK, fmt.Sprintf("%s_%s_act_av.bin", prefix, roi))
		if err := nifti.WriteBin(path, float64To32(firstFrame)); err != nil {
			return pipeline.NewStageError("pbpk", pipeline.KindBadInput, err)
		}
		activityMapPathsByOrgan[roi] = path
	}
	if len(activityOrganSum) == 0 {
		return pipeline.NewStageError("pbpk", pipeline.KindEmptySegmentation,
			fmt.Errorf("no ROI mask has any voxels on the simulation grid"))
	}

	for f := 0; f < nFrames; f++ {
		path := filepath.Join(ctx.Subdirs.PBPK, fmt.Sprintf("%s_%gmin_act_av.bin", prefix, cfg.FrameStartTimes[f]))
		if err := nifti.WriteBin(path, float64To32(wholeVolume[f*nVoxels:(f+1)*nVoxels])); err != nil {
			return pipeline.NewStageError("pbpk", pipeline.KindBadInput, err)
		}
	}

	if err := writeTACProvenance(ctx.Subdirs.PBPK, prefix, tacsUsed); err != nil {
		return pipeline.NewStageError("pbpk", pipeline.KindBadInput, err)
	}

	ctx.ActivityMapSum = activityMapSum
	ctx.ActivityOrganSum = activityOrganSum
	ctx.ActivityMapPathsByOrgan = activityMapPathsByOrgan
	ctx.LogAssignment("ActivityMapSum", activityMapSum)
	return nil
}

func sortedKeys(m map[string]VOIProfile) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func float64To32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// writeTACProvenance saves each VOI's resolved TAC exactly once, named by
// VOI.
func writeTACProvenance(dir, prefix string, tacs map[string]TAC) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	names := make([]string, 0, len(tacs))
	for name := range tacs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s_tac.json", prefix, name))
		raw, err := json.MarshalIndent(tacs[name], "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return err
		}
	}
	return nil
}
