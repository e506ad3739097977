// Package floatimage resamples 2-D float32 grids in the plane, implementing
// the order-0 (nearest) and order-1 (bilinear) interpolation the simulation
// grid transform requires for masks and CT intensity respectively.
//
// golang.org/x/image/draw (wired elsewhere in this module for 8-bit QC
// thumbnails, see pipeline/lesions/qc.go) is not used here: its scalers
// operate on image.Image/color.Color, which round-trips through 16-bit
// RGBA() channels — too lossy for Hounsfield-unit CT intensity and
// sub-millibecquerel activity concentrations. This package reimplements the
// same nearest/bilinear semantics directly over []float32, preserving full
// float32 precision.
package floatimage

import "math"

// Grid is a row-major (Y, X) float32 plane.
type Grid struct {
	Data    []float32
	Rows    int
	Cols    int
}

// At returns the value at (row, col), clamping indices to the grid bounds.
func (g *Grid) At(row, col int) float32 {
	if row < 0 {
		row = 0
	}
	if row >= g.Rows {
		row = g.Rows - 1
	}
	if col < 0 {
		col = 0
	}
	if col >= g.Cols {
		col = g.Cols - 1
	}
	return g.Data[row*g.Cols+col]
}

// ResizeNearest resamples g to newRows x newCols using nearest-neighbor
// interpolation.
func ResizeNearest(g *Grid, newRows, newCols int) *Grid {
	out := &Grid{Data: make([]float32, newRows*newCols), Rows: newRows, Cols: newCols}
	rowScale := float64(g.Rows) / float64(newRows)
	colScale := float64(g.Cols) / float64(newCols)
	for r := 0; r < newRows; r++ {
		srcR := int((float64(r) + 0.5) * rowScale)
		for c := 0; c < newCols; c++ {
			srcC := int((float64(c) + 0.5) * colScale)
			out.Data[r*newCols+c] = g.At(srcR, srcC)
		}
	}
	return out
}

// ResizeBilinear resamples g to newRows x newCols using bilinear
// interpolation.
func ResizeBilinear(g *Grid, newRows, newCols int) *Grid {
	out := &Grid{Data: make([]float32, newRows*newCols), Rows: newRows, Cols: newCols}
	rowScale := float64(g.Rows) / float64(newRows)
	colScale := float64(g.Cols) / float64(newCols)
	for r := 0; r < newRows; r++ {
		sy := (float64(r)+0.5)*rowScale - 0.5
		y0 := int(math.Floor(sy))
		fy := sy - float64(y0)
		for c := 0; c < newCols; c++ {
			sx := (float64(c)+0.5)*colScale - 0.5
			x0 := int(math.Floor(sx))
			fx := sx - float64(x0)

			v00 := float64(g.At(y0, x0))
			v01 := float64(g.At(y0, x0+1))
			v10 := float64(g.At(y0+1, x0))
			v11 := float64(g.At(y0+1, x0+1))

			top := v00*(1-fx) + v01*fx
			bot := v10*(1-fx) + v11*fx
			out.Data[r*newCols+c] = float32(top*(1-fy) + bot*fy)
		}
	}
	return out
}
