package recon

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeHeader(t *testing.T, path string, lines []string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write header: %v", err)
	}
}

func TestParseHeaderAndSensitivity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calib.res")
	writeHeader(t, path, []string{
		"; comment line",
		"sensitivity_cps_per_mbq := 12.5",
		"other_key := hello",
	})
	v, err := ParseSensitivity(path)
	if err != nil {
		t.Fatalf("ParseSensitivity: %v", err)
	}
	if math.Abs(v-12.5) > 1e-9 {
		t.Errorf("got %v, want 12.5", v)
	}
}

func TestParseSensitivitySimindResultLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calib.res")
	writeHeader(t, path, []string{
		"Jaszczak calibration summary",
		"Sensitivity Cps/MBq: 7.25",
	})
	v, err := ParseSensitivity(path)
	if err != nil {
		t.Fatalf("ParseSensitivity: %v", err)
	}
	if math.Abs(v-7.25) > 1e-9 {
		t.Errorf("got %v, want 7.25", v)
	}
}

func TestParseSensitivityMissingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calib.res")
	writeHeader(t, path, []string{"foo := 1"})
	if _, err := ParseSensitivity(path); err == nil {
		t.Fatal("expected error for missing sensitivity key")
	}
}

func TestParseSensitivityNonPositive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calib.res")
	writeHeader(t, path, []string{"sensitivity_cps_per_mbq := 0"})
	if _, err := ParseSensitivity(path); err == nil {
		t.Fatal("expected error for non-positive sensitivity")
	}
}

func TestEstimateScatterTEW(t *testing.T) {
	lower := []float64{10, 20}
	upper := []float64{10, 0}
	out, err := EstimateScatterTEW(lower, upper, 2, 2, 4)
	if err != nil {
		t.Fatalf("EstimateScatterTEW: %v", err)
	}
	// (10/2 + 10/2) * 4/2 = 20 ; (20/2 + 0/2) * 4/2 = 20
	want := []float64{20, 20}
	for i := range want {
		if math.Abs(out[i]-want[i]) > 1e-9 {
			t.Errorf("[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestEstimateScatterTEWLengthMismatch(t *testing.T) {
	if _, err := EstimateScatterTEW([]float64{1}, []float64{1, 2}, 1, 1, 1); err == nil {
		t.Fatal("expected error on length mismatch")
	}
}

func TestPoissonRealizeNonNegative(t *testing.T) {
	out := PoissonRealize([]float64{0, 5, 100})
	for i, v := range out {
		if v < 0 {
			t.Errorf("PoissonRealize[%d] = %v, want >= 0", i, v)
		}
	}
}

func TestCountsToActivityConcentration(t *testing.T) {
	counts := []float32{100}
	out := CountsToActivityConcentration(counts, 10.0, 10.0, 2.0)
	// cps = 100/10 = 10 ; mbq = 10/10 = 1 ; conc = 1/2 = 0.5
	if math.Abs(float64(out[0])-0.5) > 1e-6 {
		t.Errorf("got %v, want 0.5", out[0])
	}
}
