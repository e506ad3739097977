package lesions

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"

	"github.com/tdt-pipeline/tdt/internal/nifti"
)

// writeThumbnail renders the center Z-slice of a binary mask as an
// upscaled PNG quick-look. This is the one
// place in the module that legitimately uses golang.org/x/image/draw: an
// 8-bit visual thumbnail has no precision requirement, unlike the
// HU/activity-valued grids internal/floatimage resamples.
func writeThumbnail(path string, mask *nifti.Image, scale int) error {
	nx, ny, nz := mask.Shape[0], mask.Shape[1], mask.Shape[2]
	z := nz / 2

	src := image.NewGray(image.Rect(0, 0, nx, ny))
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			v := mask.Uint8[(z*ny+y)*nx+x]
			g := uint8(0)
			if v != 0 {
				g = 255
			}
			src.SetGray(x, y, color.Gray{Y: g})
		}
	}

	dstRect := image.Rect(0, 0, nx*scale, ny*scale)
	dst := image.NewGray(dstRect)
	xdraw.NearestNeighbor.Scale(dst, dstRect, src, src.Bounds(), draw.Over, nil)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create QC thumbnail %s: %w", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, dst); err != nil {
		return fmt.Errorf("encode QC thumbnail %s: %w", path, err)
	}
	return nil
}
