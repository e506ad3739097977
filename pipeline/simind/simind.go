// Package simind fans each organ's activity map out
// across per-core Monte Carlo SIMIND subprocess runs, aggregating their
// projections, and combining per-organ projections into calibrated
// per-frame totals.
package simind

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
)

// Simulator abstracts the external SIMIND Monte Carlo binary, the same way
// pipeline/segmentation.Segmenter abstracts the external TotalSegmentator
// invocation: the real binary is opaque, only its CLI contract matters.
type Simulator interface {
	Run(ctx context.Context, workDir string, args []string, env []string) error
}

// ExecSimulator invokes the real SIMIND executable as a subprocess.
type ExecSimulator struct {
	BinaryPath string
}

func (s ExecSimulator) Run(ctx context.Context, workDir string, args []string, env []string) error {
	cmd := exec.CommandContext(ctx, s.BinaryPath, args...)
	cmd.Dir = workDir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("simind exec failed: %w\n%s", err, out)
	}
	return nil
}

// Window names one of the three energy windows carried through every
// SIMIND projection artifact (lower scatter / photopeak / upper scatter,
// the TEW triple).
type Window string

const (
	WindowLower      Window = "lower"
	WindowPhotopeak  Window = "photopeak"
	WindowUpper      Window = "upper"
)

// Windows lists the three energy windows in the fixed order the
// `_tot_w{1,2,3}` file naming enumerates them.
var Windows = []Window{WindowLower, WindowPhotopeak, WindowUpper}

// OrganTotalPath names one organ's aggregated projection file for the
// 1-based window index wi.
func OrganTotalPath(dir, prefix, organ string, wi int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_tot_w%d.a00", prefix, organ, wi))
}

// FrameTotalPath names one frame's recombined projection file for the
// 1-based window index wi, keyed by the frame's start time in minutes.
func FrameTotalPath(dir, prefix string, startMin float64, wi int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%gmin_tot_w%d.a00", prefix, startMin, wi))
}

// ProjectionReader loads one core's simulated per-window projection data
// once its SIMIND run completes. SIMIND's own native output format is
// opaque to this module; BinProjectionReader is the raw
// float32 format this package's own fakes and any SIMIND-output converter
// agree on.
type ProjectionReader interface {
	ReadProjection(coreDir string, window Window, numProjections, imgSize int) ([]float64, error)
}

// BinProjectionReader reads a post-processed "<window>.bin" file.
type BinProjectionReader struct{}

func (BinProjectionReader) ReadProjection(coreDir string, window Window, numProjections, imgSize int) ([]float64, error) {
	n := numProjections * imgSize * imgSize
	f32, err := nifti.ReadBin(filepath.Join(coreDir, string(window)+".bin"), n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, v := range f32 {
		out[i] = float64(v)
	}
	return out, nil
}

// switches builds the SIMIND command-line switch string for one
// organ/core simulation run.
func switches(cfg pipeline.SpectSimulationConfig, detectorLengthCm, numPhotons float64) []string {
	return []string{
		fmt.Sprintf("/CC:%s", cfg.Collimator),
		fmt.Sprintf("/FI:%s", cfg.Isotope),
		fmt.Sprintf("/29:%d", cfg.NumProjections),
		fmt.Sprintf("/12:%.4f", cfg.DetectorDistance),
		fmt.Sprintf("/28:%d", cfg.OutputImgSize),
		fmt.Sprintf("/76:%.4f", cfg.OutputPixelWidth),
		fmt.Sprintf("/77:%.4f", cfg.OutputSliceWidth),
		fmt.Sprintf("/84:%.0f", numPhotons),
		fmt.Sprintf("/53:%.4f", cfg.EnergyWindowWidth),
		fmt.Sprintf("/DI:%.4f", cfg.DetectorWidth),
		fmt.Sprintf("/LE:%.4f", detectorLengthCm),
	}
}

// EffectiveDetectorLength resolves the DetectorLength==0 sentinel
// documented on SpectSimulationConfig: when unset, use the CT volume's
// full axial length on the simulation grid.
func EffectiveDetectorLength(cfg pipeline.SpectSimulationConfig, shapeZYX [3]int, spacingCmZYX [3]float64) float64 {
	if cfg.DetectorLength > 0 {
		return cfg.DetectorLength
	}
	return float64(shapeZYX[0]) * spacingCmZYX[0]
}

// RunOrganCores fans one organ's activity map out across NumCores SIMIND
// subprocess invocations, each scoped to its own environment variables
// and `/rr` random seed, and waits for all to finish. numPhotons is the
// organ's activity-weighted photon budget, split evenly across cores.
func RunOrganCores(pctx context.Context, sim Simulator, cfg pipeline.SpectSimulationConfig, organ string, activityMapPath, atnMapPath, workDir string, detectorLengthCm, numPhotons float64) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return pipeline.NewStageError("simind", pipeline.KindBadInput, err)
	}
	numCores := cfg.NumCores
	if numCores < 1 {
		numCores = 1
	}
	photonsPerCore := numPhotons / float64(numCores)

	var wg sync.WaitGroup
	errs := make([]error, numCores)
	for core := 0; core < numCores; core++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			coreDir := filepath.Join(workDir, fmt.Sprintf("core_%d", core))
			if err := os.MkdirAll(coreDir, 0o755); err != nil {
				errs[core] = err
				return
			}
			donePath := filepath.Join(coreDir, "done")
			if _, err := os.Stat(donePath); err == nil {
				return // resumable: a prior run already completed this core
			}
			// SMC_DIR and PATH are overridden per child process, never
			// mutated on the parent.
			env := append(os.Environ(),
				fmt.Sprintf("SMC_DIR=%s", cfg.SIMINDDirectory),
				fmt.Sprintf("PATH=%s%c%s", cfg.SIMINDDirectory, os.PathListSeparator, os.Getenv("PATH")),
				fmt.Sprintf("SIMIND_ACTIVITY_MAP=%s", activityMapPath),
				fmt.Sprintf("SIMIND_ATN_MAP=%s", atnMapPath),
				fmt.Sprintf("SIMIND_CORE_INDEX=%d", core),
				fmt.Sprintf("SIMIND_ORGAN=%s", organ),
			)
			args := append(switches(cfg, detectorLengthCm, photonsPerCore), fmt.Sprintf("/rr:%d", core))
			if err := sim.Run(pctx, coreDir, args, env); err != nil {
				errs[core] = err
				return
			}
			os.WriteFile(donePath, []byte("ok"), 0o644)
		}(core)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return pipeline.NewStageError("simind", pipeline.KindSimulatorProcessFailed, err)
		}
	}
	return nil
}

// AggregateCoreTotals sums per-core projection arrays for one organ into a
// single organ total.
func AggregateCoreTotals(coreProjections [][]float64) ([]float64, error) {
	if len(coreProjections) == 0 {
		return nil, fmt.Errorf("no core projections to aggregate")
	}
	n := len(coreProjections[0])
	out := make([]float64, n)
	for _, proj := range coreProjections {
		if len(proj) != n {
			return nil, fmt.Errorf("core projection length mismatch: %d vs %d", len(proj), n)
		}
		for i, v := range proj {
			out[i] += v
		}
	}
	return out, nil
}

// CombineOrgansIntoFrameTotals sums every organ's aggregated projection for
// one frame, weighting each organ by its per-frame total activity (MBq)
// times the frame duration (seconds).
func CombineOrgansIntoFrameTotals(organProjections map[string][]float64, organActivity map[string][]float64, frame int, frameDurationSec float64) ([]float64, error) {
	if len(organProjections) == 0 {
		return nil, fmt.Errorf("no organ projections for frame %d", frame)
	}
	var n int
	for _, p := range organProjections {
		n = len(p)
		break
	}
	total := make([]float64, n)
	names := make([]string, 0, len(organProjections))
	for name := range organProjections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		proj := organProjections[name]
		weight := frameDurationSec
		if act, ok := organActivity[name]; ok && frame < len(act) {
			weight = act[frame] * frameDurationSec
		}
		for i, v := range proj {
			total[i] += v * weight
		}
	}
	return total, nil
}

// RunCalibration performs the one-shot Jaszczak phantom calibration run,
// producing the calib.res sensitivity file reconstruction parses. A
// calib.res already present in workDir short-circuits a repeat run.
func RunCalibration(pctx context.Context, sim Simulator, cfg pipeline.SpectSimulationConfig, workDir string) (string, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", pipeline.NewStageError("simind", pipeline.KindBadInput, err)
	}
	resPath := filepath.Join(workDir, "calib.res")
	if _, err := os.Stat(resPath); err == nil {
		return resPath, nil
	}
	args := switches(cfg, cfg.DetectorWidth, cfg.NumPhotons)
	if err := sim.Run(pctx, workDir, args, nil); err != nil {
		return "", pipeline.NewStageError("simind", pipeline.KindSimulatorProcessFailed, err)
	}
	if _, err := os.Stat(resPath); err != nil {
		return "", pipeline.NewStageError("simind", pipeline.KindCalibrationParseFailed,
			fmt.Errorf("calibration run did not produce %s", resPath))
	}
	return resPath, nil
}

// readExistingOrganTotals loads an organ's three aggregated window files
// when all of them are present, for resume.
func readExistingOrganTotals(dir, prefix, organ string, cfg pipeline.SpectSimulationConfig) (map[Window][]float64, bool) {
	n := cfg.NumProjections * cfg.OutputImgSize * cfg.OutputImgSize
	out := make(map[Window][]float64, len(Windows))
	for wi, window := range Windows {
		f32, err := nifti.ReadBin(OrganTotalPath(dir, prefix, organ, wi+1), n)
		if err != nil {
			return nil, false
		}
		vals := make([]float64, n)
		for i, v := range f32 {
			vals[i] = float64(v)
		}
		out[window] = vals
	}
	return out, true
}

func sortedOrganNames(m map[string]string) []string {
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

// Run executes the stage end to end against a pipeline Context: calibrates,
// fans every organ's activity map out across per-core SIMIND runs,
// aggregates, and combines into calibrated per-frame total projections
// written to ctx.Subdirs.SpectSimulation.
func Run(pctx context.Context, ctx *pipeline.Context, sim Simulator, reader ProjectionReader, prefix string) error {
	if err := ctx.Require("ActivityMapPathsByOrgan", "ActivityOrganSum", "ActivityMapSum", "AtnAvPath", "ArrShapeNewZYX", "ArrPxSpacingCm"); err != nil {
		return err
	}
	cfg := ctx.Config.SpectSimulation
	detLen := EffectiveDetectorLength(cfg, ctx.ArrShapeNewZYX, ctx.ArrPxSpacingCm)
	totalActivityMBq := ctx.ActivityMapSum[0]
	if totalActivityMBq <= 0 {
		return pipeline.NewStageError("simind", pipeline.KindBadInput,
			fmt.Errorf("first-frame total activity is %v MBq, cannot scale photon budgets", totalActivityMBq))
	}

	simRoot := filepath.Join(ctx.Subdirs.SpectSimulation, prefix)
	if err := os.MkdirAll(simRoot, 0o755); err != nil {
		return pipeline.NewStageError("simind", pipeline.KindBadInput, err)
	}

	calibRes, err := RunCalibration(pctx, sim, cfg, filepath.Join(simRoot, "calibration"))
	if err != nil {
		return err
	}

	organs := sortedOrganNames(ctx.ActivityMapPathsByOrgan)
	numCores := cfg.NumCores
	if numCores < 1 {
		numCores = 1
	}
	nFrames := len(ctx.Config.PBPK.FrameDurations)
	organTotals := make(map[string]map[Window][]float64, len(organs))

	for _, organ := range organs {
		activityPath := ctx.ActivityMapPathsByOrgan[organ]
		workDir := filepath.Join(simRoot, organ)

		// Resume: an organ whose three window aggregates already exist on
		// disk skips its whole fan-out.
		if agg, ok := readExistingOrganTotals(simRoot, prefix, organ, cfg); ok {
			organTotals[organ] = agg
			continue
		}

		// Photon budget proportional to the organ's share of the total
		// first-frame activity, normalized so the recombined organ
		// contributions track the total.
		var ratio float64
		if act, ok := ctx.ActivityOrganSum[organ]; ok && len(act) > 0 {
			ratio = act[0] / totalActivityMBq
		}
		organPhotons := cfg.NumPhotons * ratio / totalActivityMBq

		if err := RunOrganCores(pctx, sim, cfg, organ, activityPath, ctx.AtnAvPath, workDir, detLen, organPhotons); err != nil {
			return err
		}

		perWindow := make(map[Window][]float64, len(Windows))
		for wi, window := range Windows {
			coreProjs := make([][]float64, numCores)
			for core := 0; core < numCores; core++ {
				proj, err := reader.ReadProjection(filepath.Join(workDir, fmt.Sprintf("core_%d", core)), window, cfg.NumProjections, cfg.OutputImgSize)
				if err != nil {
					return pipeline.NewStageError("simind", pipeline.KindSimulatorProcessFailed, err)
				}
				coreProjs[core] = proj
			}
			aggregate, err := AggregateCoreTotals(coreProjs)
			if err != nil {
				return pipeline.NewStageError("simind", pipeline.KindSimulatorProcessFailed, err)
			}
			for i := range aggregate {
				aggregate[i] /= float64(numCores)
			}
			perWindow[window] = aggregate
			if err := nifti.WriteBin(OrganTotalPath(simRoot, prefix, organ, wi+1), float64To32(aggregate)); err != nil {
				return pipeline.NewStageError("simind", pipeline.KindBadInput, err)
			}
		}
		organTotals[organ] = perWindow

		if ctx.Mode == pipeline.ModeProduction {
			os.RemoveAll(workDir)
		}
	}

	for f := 0; f < nFrames; f++ {
		for wi, window := range Windows {
			byOrgan := make(map[string][]float64, len(organTotals))
			for organ, perWindow := range organTotals {
				byOrgan[organ] = perWindow[window]
			}
			total, err := CombineOrgansIntoFrameTotals(byOrgan, ctx.ActivityOrganSum, f, ctx.Config.PBPK.FrameDurations[f])
			if err != nil {
				return pipeline.NewStageError("simind", pipeline.KindSimulatorProcessFailed, err)
			}
			path := FrameTotalPath(simRoot, prefix, ctx.Config.PBPK.FrameStartTimes[f], wi+1)
			if err := nifti.WriteBin(path, float64To32(total)); err != nil {
				return pipeline.NewStageError("simind", pipeline.KindBadInput, err)
			}
		}
	}

	ctx.SpectSimOutputDir = simRoot
	ctx.CalibResPath = calibRes
	ctx.LogAssignment("SpectSimOutputDir", simRoot)
	ctx.LogAssignment("CalibResPath", calibRes)
	return nil
}
