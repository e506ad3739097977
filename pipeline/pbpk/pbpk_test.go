package pbpk

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tdt-pipeline/tdt/internal/nifti"
	"github.com/tdt-pipeline/tdt/pipeline"
)

func TestLognormalParamsRoundTrip(t *testing.T) {
	mean, sd := 100.0, 20.0
	mu, sigma := lognormalParams(mean, sd)
	ln := distuv.LogNormal{Mu: mu, Sigma: sigma}
	// Analytic mean/variance of a lognormal from its Mu/Sigma.
	gotMean := math.Exp(mu + sigma*sigma/2)
	gotVar := (math.Exp(sigma*sigma) - 1) * math.Exp(2*mu+sigma*sigma)
	if math.Abs(gotMean-mean) > 1e-6 {
		t.Errorf("mean = %v, want %v", gotMean, mean)
	}
	if math.Abs(math.Sqrt(gotVar)-sd) > 1e-6 {
		t.Errorf("sd = %v, want %v", math.Sqrt(gotVar), sd)
	}
	_ = ln
}

func TestFrameMidpointsMin(t *testing.T) {
	starts := []float64{0, 10, 20}
	durations := []float64{60, 60, 120} // seconds
	got := frameMidpointsMin(starts, durations)
	want := []float64{0.5, 10.5, 21.0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("frame %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestGenerateTACInterpolatesAndClamps(t *testing.T) {
	profile := VOIProfile{
		TimesMin:    []float64{0, 10, 20},
		ActivityMBq: []float64{0, 1, 0},
	}
	tac, err := generateTAC("liver", profile, []float64{-5, 5, 25})
	if err != nil {
		t.Fatalf("generateTAC: %v", err)
	}
	if math.Abs(tac.ActivityMBq[0]-0) > 1e-9 {
		t.Errorf("below-range time should clamp to first sample, got %v", tac.ActivityMBq[0])
	}
	if math.Abs(tac.ActivityMBq[1]-0.5) > 1e-9 {
		t.Errorf("midpoint interpolation wrong: got %v want 0.5", tac.ActivityMBq[1])
	}
	if math.Abs(tac.ActivityMBq[2]-0) > 1e-9 {
		t.Errorf("above-range time should clamp to last sample, got %v", tac.ActivityMBq[2])
	}
}

func TestSampleRandomizedParamsCoversSpecifiedVOIs(t *testing.T) {
	params, byVOI := sampleRandomizedParams([]string{"kidneys", "liver", "salivary_glands"}, true)
	for _, key := range []string{
		"kidneys." + paramRden, "kidneys." + paramLambdaRel,
		"salivary_glands." + paramRden, "salivary_glands." + paramLambdaRel,
	} {
		if v, ok := params[key]; !ok || v <= 0 {
			t.Errorf("expected positive sampled param %q, got %v (present=%v)", key, v, ok)
		}
	}
	if _, ok := byVOI["liver"]; ok {
		t.Error("liver has no randomizable parameters and must not be sampled")
	}
	if len(byVOI["kidneys"]) != 2 {
		t.Errorf("kidneys should sample Rden and lambda_rel, got %v", byVOI["kidneys"])
	}

	params, byVOI = sampleRandomizedParams([]string{"kidneys"}, false)
	if len(params) != 0 || len(byVOI) != 0 {
		t.Errorf("randomize=false must sample nothing, got %v / %v", params, byVOI)
	}
}

func TestRunPaintsUniformActivityAndBalances(t *testing.T) {
	dir := t.TempDir()
	cfg := &pipeline.Config{
		PBPK: pipeline.PBPKConfig{
			FrameStartTimes: []float64{60, 120}, // minutes
			FrameDurations:  []float64{600, 600},
		},
	}
	// 2x2x2 grid with deliberately non-unit, anisotropic spacing so the
	// voxel-volume factor cannot cancel out of any of the checks.
	body := []uint8{1, 1, 1, 1, 1, 1, 0, 0}
	liver := []uint8{0, 0, 0, 0, 0, 0, 1, 1}
	spacing := [3]float64{0.4, 0.2, 0.2}
	voxelVol := spacing[0] * spacing[1] * spacing[2]
	ctx := &pipeline.Context{
		CTInputKind:    pipeline.CTInputNifti,
		Config:         cfg,
		Subdirs:        pipeline.Subdirs{PBPK: dir},
		MaskROIBody:    map[string][]uint8{"body": body, "liver": liver},
		ArrShapeNewZYX: [3]int{2, 2, 2},
		ArrPxSpacingCm: spacing,
	}

	if err := Run(context.Background(), ctx, DefaultSolver{}, "ct_0"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// "body" falls back to the remainder compartment; "liver" maps 1:1.
	for _, roi := range []string{"body", "liver"} {
		sums, ok := ctx.ActivityOrganSum[roi]
		if !ok {
			t.Fatalf("ActivityOrganSum missing ROI %q", roi)
		}
		if len(sums) != 2 {
			t.Fatalf("ROI %q: got %d frames, want 2", roi, len(sums))
		}
		if sums[0] <= 0 {
			t.Errorf("ROI %q first-frame activity = %v, want > 0", roi, sums[0])
		}
	}

	// An organ's total is pinned to its TAC, not its voxel count: the
	// 2-voxel liver must carry the interpolated liver curve total.
	liverTAC, err := generateTAC("liver", defaultProfiles()["liver"], frameMidpointsMin(cfg.PBPK.FrameStartTimes, cfg.PBPK.FrameDurations))
	if err != nil {
		t.Fatalf("generateTAC: %v", err)
	}
	for f := 0; f < 2; f++ {
		if got, want := ctx.ActivityOrganSum["liver"][f], liverTAC.ActivityMBq[f]; math.Abs(got-want) > 1e-9*want {
			t.Errorf("frame %d: liver total = %v MBq, want TAC value %v", f, got, want)
		}
	}

	// Mass balance: per-frame totals equal the sum over organs, and the
	// written frame volume integrates back to the same total.
	for f := 0; f < 2; f++ {
		var organTotal float64
		for _, sums := range ctx.ActivityOrganSum {
			organTotal += sums[f]
		}
		if math.Abs(ctx.ActivityMapSum[f]-organTotal) > 1e-9*organTotal {
			t.Errorf("frame %d: ActivityMapSum = %v, organ total = %v", f, ctx.ActivityMapSum[f], organTotal)
		}
	}

	frame0, err := nifti.ReadBin(filepath.Join(dir, "ct_0_60min_act_av.bin"), 8)
	if err != nil {
		t.Fatalf("read frame volume: %v", err)
	}
	var integrated float64
	for _, v := range frame0 {
		integrated += float64(v) * voxelVol
	}
	if math.Abs(integrated-ctx.ActivityMapSum[0]) > 1e-4*ctx.ActivityMapSum[0] {
		t.Errorf("frame volume integrates to %v MBq, want %v", integrated, ctx.ActivityMapSum[0])
	}

	// Concentration is uniform inside each ROI.
	for i := 1; i < 6; i++ {
		if frame0[i] != frame0[0] {
			t.Errorf("body voxel %d concentration %v != voxel 0 %v", i, frame0[i], frame0[0])
		}
	}
	if frame0[7] != frame0[6] {
		t.Errorf("liver voxels differ: %v vs %v", frame0[6], frame0[7])
	}

	for _, name := range []string{"ct_0_body_act_av.bin", "ct_0_liver_act_av.bin", "ct_0_60min_act_av.bin", "ct_0_120min_act_av.bin"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected artifact %s: %v", name, err)
		}
	}
}
