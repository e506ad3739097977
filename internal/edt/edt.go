// Package edt computes an anisotropic Euclidean distance transform over a
// 3-D binary mask, used by pipeline/lesions to find admissible lesion
// centers. It is a separable Felzenszwalb–Huttenlocher transform over
// plain float64 slices: three 1-D lower-envelope passes, one per axis.
package edt

import "math"

const inf = math.MaxFloat64 / 4

// Transform computes, for every voxel in a binary mask (nonzero = inside),
// the physical distance in millimeters to the nearest zero voxel (or to
// outside the volume bounds), honoring anisotropic voxel spacing.
//
// shape and spacingMM follow nifti.Image's own (axis0, axis1, axis2)
// convention, axis0 fastest-varying in the flat array — callers pass
// seg.Shape/seg.SpacingMM straight through with no reordering.
func Transform(mask []uint8, shape [3]int, spacingMM [3]float64) []float64 {
	nx, ny, nz := shape[0], shape[1], shape[2]
	sq := make([]float64, len(mask))
	for i, v := range mask {
		if v != 0 {
			sq[i] = inf
		}
	}

	// axis0 (fastest-varying).
	line := make([]float64, nx)
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			base := (z*ny + y) * nx
			copy(line, sq[base:base+nx])
			out := edt1D(line, spacingMM[0])
			copy(sq[base:base+nx], out)
		}
	}
	// axis1.
	line = make([]float64, ny)
	for z := 0; z < nz; z++ {
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				line[y] = sq[(z*ny+y)*nx+x]
			}
			out := edt1D(line, spacingMM[1])
			for y := 0; y < ny; y++ {
				sq[(z*ny+y)*nx+x] = out[y]
			}
		}
	}
	// axis2 (slowest-varying).
	line = make([]float64, nz)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			for z := 0; z < nz; z++ {
				line[z] = sq[(z*ny+y)*nx+x]
			}
			out := edt1D(line, spacingMM[2])
			for z := 0; z < nz; z++ {
				sq[(z*ny+y)*nx+x] = out[z]
			}
		}
	}

	dist := make([]float64, len(sq))
	for i, v := range sq {
		if mask[i] == 0 {
			dist[i] = 0
			continue
		}
		if v >= inf {
			dist[i] = 0
			continue
		}
		dist[i] = math.Sqrt(v)
	}
	return dist
}

// edt1D is the Felzenszwalb–Huttenlocher lower-envelope-of-parabolas 1-D
// squared distance transform. f holds per-sample squared distance so far;
// positions advance by spacing (mm) per index, so the parabola envelope is
// built directly in physical coordinates.
func edt1D(f []float64, spacing float64) []float64 {
	n := len(f)
	pos := func(i int) float64 { return float64(i) * spacing }

	d := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)
	k := 0
	v[0] = 0
	z[0] = -inf
	z[1] = inf

	for q := 1; q < n; q++ {
		s := intersect(f, pos, q, v[k])
		for k > 0 && s <= z[k] {
			k--
			s = intersect(f, pos, q, v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = inf
	}

	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < pos(q) {
			k++
		}
		p := v[k]
		if f[p] >= inf {
			d[q] = inf
			continue
		}
		dx := pos(q) - pos(p)
		d[q] = dx*dx + f[p]
	}
	return d
}

// intersect returns the physical-coordinate x where the parabolas rooted at
// samples q and p (in the lower envelope) cross.
func intersect(f []float64, pos func(int) float64, q, p int) float64 {
	if f[q] >= inf {
		return inf
	}
	if f[p] >= inf {
		return -inf
	}
	pq, pp := pos(q), pos(p)
	return ((f[q]+pq*pq) - (f[p]+pp*pp)) / (2 * (pq - pp))
}
