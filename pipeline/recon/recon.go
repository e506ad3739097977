// Package recon performs scatter estimation, Poisson noise
// realization, system-matrix/OSEM reconstruction (treated as opaque, like
// the external segmenter and simulator), and calibrated activity-
// concentration conversion of the reconstructed frames.
package recon

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/simind"
)

// Reconstructor abstracts the external SPECT system-matrix/OSEM engine:
// attenuation/PSF modeling and the iterative reconstruction itself are
// opaque, the same way pipeline/segmentation.Segmenter treats the
// external organ segmenter as opaque. It takes the noisy photopeak
// projection and the TEW scatter estimate separately, the same split
// SIMIND's own scatter-corrected system matrix expects.
type Reconstructor interface {
	Reconstruct(photopeak, scatter []float64, atnMap []float32, shapeZYX [3]int, iterations, subsets int) ([]float32, error)
}

// ExecReconstructor shells out to an external SPECT reconstruction binary
// once per frame, round-tripping the photopeak projection, scatter
// estimate, and attenuation map as raw float32 blobs.
type ExecReconstructor struct {
	BinaryPath string
	WorkDir    string
}

func (r ExecReconstructor) Reconstruct(photopeak, scatter []float64, atnMap []float32, shapeZYX [3]int, iterations, subsets int) ([]float32, error) {
	if err := os.MkdirAll(r.WorkDir, 0o755); err != nil {
		return nil, err
	}
	projPath := filepath.Join(r.WorkDir, "projection_in.bin")
	scatterPath := filepath.Join(r.WorkDir, "scatter_in.bin")
	atnPath := filepath.Join(r.WorkDir, "atn_in.bin")
	outPath := filepath.Join(r.WorkDir, "recon_out.bin")

	if err := nifti.WriteBin(projPath, float64To32(photopeak)); err != nil {
		return nil, err
	}
	if err := nifti.WriteBin(scatterPath, float64To32(scatter)); err != nil {
		return nil, err
	}
	if err := nifti.WriteBin(atnPath, atnMap); err != nil {
		return nil, err
	}

	args := []string{
		"--projection", projPath,
		"--scatter", scatterPath,
		"--attenuation", atnPath,
		"--out", outPath,
		"--iterations", strconv.Itoa(iterations),
		"--subsets", strconv.Itoa(subsets),
		"--shape", fmt.Sprintf("%d,%d,%d", shapeZYX[0], shapeZYX[1], shapeZYX[2]),
	}
	cmd := exec.Command(r.BinaryPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("external reconstructor failed: %w (output: %s)", err, out)
	}
	n := shapeZYX[0] * shapeZYX[1] * shapeZYX[2]
	return nifti.ReadBin(outPath, n)
}

func float64To32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// Header is a parsed Interfile-like `key := value` text header, the
// format SIMIND's own .h00/.hct/.cor sidecar files and calib.res use.
type Header map[string]string

// ParseHeader reads a `key := value` text file, one assignment per line,
// tolerating blank lines and `;`-prefixed comments.
func ParseHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open header %s: %w", path, err)
	}
	defer f.Close()

	h := make(Header)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "!") && !strings.Contains(line, ":=") {
			continue
		}
		parts := strings.SplitN(line, ":=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(parts[0], "!")))
		h[key] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan header %s: %w", path, err)
	}
	return h, nil
}

// Float returns a header value parsed as float64.
func (h Header) Float(key string) (float64, bool) {
	v, ok := h[strings.ToLower(key)]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Int returns a header value parsed as int.
func (h Header) Int(key string) (int, bool) {
	f, ok := h.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// ParseSensitivity extracts the calibrated system sensitivity
// (counts-per-second per MBq) from a calib.res file by key. Line offsets
// in calib.res shift across SIMIND versions; the key does not. Both the
// Interfile `sensitivity_cps_per_mbq := <v>` form and SIMIND's own
// `Sensitivity Cps/MBq: <v>` result line are accepted.
func ParseSensitivity(calibResPath string) (float64, error) {
	h, err := ParseHeader(calibResPath)
	if err != nil {
		return 0, err
	}
	v, ok := h.Float("sensitivity_cps_per_mbq")
	if !ok {
		v, ok = scanSensitivityLine(calibResPath)
	}
	if !ok {
		return 0, fmt.Errorf("calib.res %s has no sensitivity key", calibResPath)
	}
	if v <= 0 {
		return 0, fmt.Errorf("calib.res %s has non-positive sensitivity %v", calibResPath, v)
	}
	return v, nil
}

func scanSensitivityLine(path string) (float64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if rest, ok := strings.CutPrefix(line, "Sensitivity Cps/MBq:"); ok {
			v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}

// EstimateScatterTEW computes the triple-energy-window scatter estimate
// per projection bin: the trapezoidal average of the lower and
// upper scatter-window count densities, scaled to the main window's width.
func EstimateScatterTEW(lower, upper []float64, lowerWidth, upperWidth, mainWidth float64) ([]float64, error) {
	if len(lower) != len(upper) {
		return nil, fmt.Errorf("TEW window length mismatch: lower=%d upper=%d", len(lower), len(upper))
	}
	out := make([]float64, len(lower))
	for i := range out {
		out[i] = (lower[i]/lowerWidth + upper[i]/upperWidth) * mainWidth / 2
	}
	return out, nil
}

// PoissonRealize draws an independent Poisson-distributed count for every
// mean value.
func PoissonRealize(mean []float64) []float64 {
	out := make([]float64, len(mean))
	var p distuv.Poisson
	for i, m := range mean {
		if m < 0 {
			m = 0
		}
		p.Lambda = m
		out[i] = p.Rand()
	}
	return out
}

// CountsToActivityConcentration converts reconstructed voxel counts to
// calibrated MBq/mL using the given frame's own duration.
func CountsToActivityConcentration(counts []float32, sensitivityCpsPerMBq, frameDurationSec, voxelVolumeML float64) []float32 {
	out := make([]float32, len(counts))
	for i, c := range counts {
		cps := float64(c) / frameDurationSec
		mbq := cps / sensitivityCpsPerMBq
		out[i] = float32(mbq / voxelVolumeML)
	}
	return out
}

func projectionFrameData(simOutputDir, prefix string, frameStartMin float64, windowIdx int) ([]float64, error) {
	path := simind.FrameTotalPath(simOutputDir, prefix, frameStartMin, windowIdx)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat projection %s: %w", path, err)
	}
	n := int(info.Size() / 4)
	f32, err := nifti.ReadBin(path, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i, v := range f32 {
		out[i] = float64(v)
	}
	return out, nil
}

// Run executes the stage end to end against a pipeline Context: for each frame,
// realizes Poisson noise over the simulated total projection, reconstructs
// through the opaque Reconstructor, converts to calibrated MBq/mL using
// the per-frame duration, and writes the result plus a one-time
// attenuation-map NIfTI.
func Run(ctx *pipeline.Context, recon Reconstructor, prefix string) error {
	if err := ctx.Require("SpectSimOutputDir", "CalibResPath", "AtnAvPath", "ArrShapeNewZYX", "ArrPxSpacingCm"); err != nil {
		return err
	}
	cfg := ctx.Config.SpectSimulation
	sensitivity, err := ParseSensitivity(ctx.CalibResPath)
	if err != nil {
		return pipeline.NewStageError("recon", pipeline.KindCalibrationParseFailed, err)
	}

	shape := ctx.ArrShapeNewZYX
	nVoxels := shape[0] * shape[1] * shape[2]
	atnMap, err := nifti.ReadBin(ctx.AtnAvPath, nVoxels)
	if err != nil {
		return pipeline.NewStageError("recon", pipeline.KindBadInput, err)
	}
	voxelVolumeML := ctx.ArrPxSpacingCm[0] * ctx.ArrPxSpacingCm[1] * ctx.ArrPxSpacingCm[2]

	if err := os.MkdirAll(ctx.Subdirs.Reconstruction, 0o755); err != nil {
		return pipeline.NewStageError("recon", pipeline.KindBadInput, err)
	}
	atnOutPath := filepath.Join(ctx.Subdirs.Reconstruction, prefix+"_atn_img.nii")
	if err := nifti.Write(atnOutPath, &nifti.Image{Shape: [3]int{shape[2], shape[1], shape[0]}, SpacingMM: mmFromCm(ctx.ArrPxSpacingCm), DataType: nifti.DTFloat32, Float32: atnMap}); err != nil {
		return pipeline.NewStageError("recon", pipeline.KindBadInput, err)
	}

	// The config carries a single EnergyWindowWidth; all three TEW
	// windows (lower scatter, photopeak, upper scatter) share it.
	windowWidth := cfg.EnergyWindowWidth

	nFrames := len(ctx.Config.PBPK.FrameDurations)
	framePaths := make([]string, nFrames)
	for f := 0; f < nFrames; f++ {
		startMin := ctx.Config.PBPK.FrameStartTimes[f]
		meanLower, err := projectionFrameData(ctx.SpectSimOutputDir, prefix, startMin, 1)
		if err != nil {
			return pipeline.NewStageError("recon", pipeline.KindBadInput, err)
		}
		meanPhotopeak, err := projectionFrameData(ctx.SpectSimOutputDir, prefix, startMin, 2)
		if err != nil {
			return pipeline.NewStageError("recon", pipeline.KindBadInput, err)
		}
		meanUpper, err := projectionFrameData(ctx.SpectSimOutputDir, prefix, startMin, 3)
		if err != nil {
			return pipeline.NewStageError("recon", pipeline.KindBadInput, err)
		}

		noisyLower := PoissonRealize(meanLower)
		noisyPhotopeak := PoissonRealize(meanPhotopeak)
		noisyUpper := PoissonRealize(meanUpper)

		scatter, err := EstimateScatterTEW(noisyLower, noisyUpper, windowWidth, windowWidth, windowWidth)
		if err != nil {
			return pipeline.NewStageError("recon", pipeline.KindShapeMismatch, err)
		}

		reconstructed, err := recon.Reconstruct(noisyPhotopeak, scatter, atnMap, shape, cfg.Iterations, cfg.Subsets)
		if err != nil {
			return pipeline.NewStageError("recon", pipeline.KindSimulatorProcessFailed, err)
		}

		calibrated := CountsToActivityConcentration(reconstructed, sensitivity, ctx.Config.PBPK.FrameDurations[f], voxelVolumeML)

		path := filepath.Join(ctx.Subdirs.Reconstruction, fmt.Sprintf("%s_%gmin.nii", prefix, startMin))
		img := &nifti.Image{Shape: [3]int{shape[2], shape[1], shape[0]}, SpacingMM: mmFromCm(ctx.ArrPxSpacingCm), DataType: nifti.DTFloat32, Float32: calibrated}
		if err := nifti.Write(path, img); err != nil {
			return pipeline.NewStageError("recon", pipeline.KindBadInput, err)
		}
		framePaths[f] = path
	}

	ctx.ReconFramePaths = framePaths
	ctx.LogAssignment("ReconFramePaths", framePaths)
	return nil
}

// mmFromCm reorders a (Z,Y,X) centimeter spacing triplet to the (X,Y,Z)
// millimeter convention nifti.Image stores on disk.
func mmFromCm(spacingCmZYX [3]float64) [3]float64 {
	return [3]float64{spacingCmZYX[2] * 10, spacingCmZYX[1] * 10, spacingCmZYX[0] * 10}
}
