package simind

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tdt-pipeline/tdt/pipeline"
)

type fakeSimulator struct {
	calls int
	fail  bool
}

func (f *fakeSimulator) Run(ctx context.Context, workDir string, args []string, env []string) error {
	f.calls++
	if f.fail {
		return os.ErrInvalid
	}
	if filepath.Base(workDir) == "calibration" {
		return os.WriteFile(filepath.Join(workDir, "calib.res"), []byte("sensitivity = 1.0\n"), 0o644)
	}
	return os.WriteFile(filepath.Join(workDir, "done"), []byte("ok"), 0o644)
}

type fakeReader struct{}

func (fakeReader) ReadProjection(coreDir string, window Window, numProjections, imgSize int) ([]float64, error) {
	n := numProjections * imgSize * imgSize
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out, nil
}

func TestRunOrganCoresResumable(t *testing.T) {
	dir := t.TempDir()
	cfg := pipeline.SpectSimulationConfig{NumCores: 3, NumPhotons: 3e6, OutputImgSize: 2, NumProjections: 2}
	sim := &fakeSimulator{}
	if err := RunOrganCores(context.Background(), sim, cfg, "liver", "act.bin", "atn.bin", dir, 40, 3e6); err != nil {
		t.Fatalf("RunOrganCores: %v", err)
	}
	if sim.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", sim.calls)
	}
	// Re-run: all cores already "done", should skip every subprocess call.
	sim2 := &fakeSimulator{}
	if err := RunOrganCores(context.Background(), sim2, cfg, "liver", "act.bin", "atn.bin", dir, 40, 3e6); err != nil {
		t.Fatalf("RunOrganCores (resume): %v", err)
	}
	if sim2.calls != 0 {
		t.Fatalf("expected 0 calls on resume, got %d", sim2.calls)
	}
}

func TestRunOrganCoresPropagatesFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := pipeline.SpectSimulationConfig{NumCores: 2, NumPhotons: 1e6}
	sim := &fakeSimulator{fail: true}
	err := RunOrganCores(context.Background(), sim, cfg, "liver", "act.bin", "atn.bin", dir, 40, 3e6)
	if err == nil {
		t.Fatal("expected error when simulator fails")
	}
	se, ok := err.(*pipeline.StageError)
	if !ok || se.Kind != pipeline.KindSimulatorProcessFailed {
		t.Fatalf("expected SimulatorProcessFailed, got %v", err)
	}
}

func TestAggregateCoreTotals(t *testing.T) {
	got, err := AggregateCoreTotals([][]float64{{1, 2}, {3, 4}, {5, 6}})
	if err != nil {
		t.Fatalf("AggregateCoreTotals: %v", err)
	}
	want := []float64{9, 12}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestAggregateCoreTotalsLengthMismatch(t *testing.T) {
	if _, err := AggregateCoreTotals([][]float64{{1, 2}, {3}}); err == nil {
		t.Fatal("expected error on length mismatch")
	}
}

func TestCombineOrgansIntoFrameTotalsWeightsByActivityAndDuration(t *testing.T) {
	organProj := map[string][]float64{
		"liver": {1, 1},
		"heart": {1, 1},
	}
	organActivity := map[string][]float64{
		"liver": {2, 0},
		"heart": {1, 0},
	}
	got, err := CombineOrgansIntoFrameTotals(organProj, organActivity, 0, 10)
	if err != nil {
		t.Fatalf("CombineOrgansIntoFrameTotals: %v", err)
	}
	// liver: 2*10=20, heart: 1*10=10, total = 30 per voxel.
	if got[0] != 30 || got[1] != 30 {
		t.Errorf("got %v, want [30 30]", got)
	}
}

func TestEffectiveDetectorLengthSentinel(t *testing.T) {
	cfg := pipeline.SpectSimulationConfig{DetectorLength: 0}
	got := EffectiveDetectorLength(cfg, [3]int{100, 50, 50}, [3]float64{0.4, 0.4, 0.4})
	if got != 40 {
		t.Errorf("got %v, want 40", got)
	}
	cfg.DetectorLength = 25
	if EffectiveDetectorLength(cfg, [3]int{100, 50, 50}, [3]float64{0.4, 0.4, 0.4}) != 25 {
		t.Error("explicit DetectorLength should win")
	}
}

func TestRunCalibrationResumable(t *testing.T) {
	// Run calibrates in a "calibration" subdirectory; the fake simulator
	// only writes calib.res there.
	dir := filepath.Join(t.TempDir(), "calibration")
	cfg := pipeline.SpectSimulationConfig{NumPhotons: 1e6, DetectorWidth: 40}
	sim := &fakeSimulator{}
	path, err := RunCalibration(context.Background(), sim, cfg, dir)
	if err != nil {
		t.Fatalf("RunCalibration: %v", err)
	}
	if sim.calls != 1 {
		t.Fatalf("expected 1 call, got %d", sim.calls)
	}
	sim2 := &fakeSimulator{}
	path2, err := RunCalibration(context.Background(), sim2, cfg, dir)
	if err != nil {
		t.Fatalf("RunCalibration (resume): %v", err)
	}
	if sim2.calls != 0 {
		t.Fatal("expected resumed calibration to skip the subprocess call")
	}
	if path != path2 {
		t.Errorf("path mismatch: %v vs %v", path, path2)
	}
}

func TestTotalPathNaming(t *testing.T) {
	if got := OrganTotalPath("out", "ct_0", "liver", 2); filepath.Base(got) != "ct_0_liver_tot_w2.a00" {
		t.Errorf("OrganTotalPath = %q", got)
	}
	if got := FrameTotalPath("out", "ct_0", 240, 1); filepath.Base(got) != "ct_0_240min_tot_w1.a00" {
		t.Errorf("FrameTotalPath = %q", got)
	}
}
