package floatimage

import "testing"

func TestResizeNearest_PreservesLabelValues(t *testing.T) {
	g := &Grid{Data: []float32{1, 1, 2, 2}, Rows: 2, Cols: 2}
	out := ResizeNearest(g, 4, 4)
	seen := map[float32]bool{}
	for _, v := range out.Data {
		seen[v] = true
	}
	for _, want := range []float32{1, 2} {
		if !seen[want] {
			t.Fatalf("expected label %v to survive nearest-neighbor resize, got %v", want, out.Data)
		}
	}
	// No interpolated fractional labels should appear.
	for _, v := range out.Data {
		if v != 1 && v != 2 {
			t.Fatalf("nearest resize produced non-label value %v", v)
		}
	}
}

func TestResizeBilinear_ConstantFieldUnchanged(t *testing.T) {
	g := &Grid{Data: []float32{5, 5, 5, 5, 5, 5, 5, 5, 5}, Rows: 3, Cols: 3}
	out := ResizeBilinear(g, 6, 6)
	for _, v := range out.Data {
		if v != 5 {
			t.Fatalf("bilinear resize of constant field produced %v, want 5", v)
		}
	}
}

func TestResizeBilinear_MonotonicRamp(t *testing.T) {
	g := &Grid{Data: []float32{0, 10, 0, 10}, Rows: 2, Cols: 2}
	out := ResizeBilinear(g, 2, 8)
	for c := 1; c < len(out.Data)/2; c++ {
		if out.Data[c] < out.Data[c-1] {
			t.Fatalf("expected monotonic ramp, got %v at col %d < %v at col %d", out.Data[c], c, out.Data[c-1], c-1)
		}
	}
}
