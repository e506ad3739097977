// Package dicomio reads a DICOM series directory and assembles it into the
// pipeline's internal nifti.Image representation.
package dicomio

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/tdt-pipeline/tdt/internal/nifti"
)

// sliceFile pairs a parsed DICOM dataset with its file path, kept together
// so the series can be sorted by ImagePositionPatient before stacking.
type sliceFile struct {
	path string
	ds   dicom.Dataset
	z    float64
}

// ListSeries returns the DICOM files in dir in deterministic file-name
// order; ReadSeries re-sorts the parsed slices by position. Hidden entries
// (dotfiles) are ignored.
func ListSeries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dicom dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) == 0 || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// ReadSeries parses every file in dir and stacks it into a single volume,
// ordered by ImagePositionPatient's third coordinate (ascending).
func ReadSeries(dir string) (*nifti.Image, error) {
	paths, err := ListSeries(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no DICOM files found in %s", dir)
	}

	slices := make([]sliceFile, 0, len(paths))
	for _, p := range paths {
		ds, err := dicom.ParseFile(p, nil)
		if err != nil {
			return nil, fmt.Errorf("parse dicom %s: %w", p, err)
		}
		z, _ := sliceZ(ds, float64(len(slices)))
		slices = append(slices, sliceFile{path: p, ds: ds, z: z})
	}
	sort.SliceStable(slices, func(i, j int) bool { return slices[i].z < slices[j].z })

	rows, cols, err := rowsCols(slices[0].ds)
	if err != nil {
		return nil, err
	}
	rowSpacing, colSpacing, err := pixelSpacing(slices[0].ds)
	if err != nil {
		return nil, err
	}
	sliceThickness := sliceSpacing(slices)

	im := &nifti.Image{
		Shape:     [3]int{cols, rows, len(slices)},
		SpacingMM: [3]float64{colSpacing, rowSpacing, sliceThickness},
		DataType:  nifti.DTFloat32,
		Float32:   make([]float32, cols*rows*len(slices)),
	}

	for zi, sf := range slices {
		px, err := pixelData(sf.ds)
		if err != nil {
			return nil, fmt.Errorf("pixel data %s: %w", sf.path, err)
		}
		if len(px) != rows*cols {
			return nil, fmt.Errorf("slice %s has %d pixels, want %d", sf.path, len(px), rows*cols)
		}
		slope, intercept := rescale(sf.ds)
		if slope != 1 || intercept != 0 {
			for i := range px {
				px[i] = px[i]*float32(slope) + float32(intercept)
			}
		}
		copy(im.Float32[zi*rows*cols:(zi+1)*rows*cols], px)
	}
	return im, nil
}

// rescale returns RescaleSlope/RescaleIntercept, defaulting to identity
// when absent, so stored pixel values land in Hounsfield units.
func rescale(ds dicom.Dataset) (slope, intercept float64) {
	slope, intercept = 1, 0
	if elem, err := ds.FindElementByTag(tag.RescaleSlope); err == nil {
		if v, ok := floatValue(elem); ok && v != 0 {
			slope = v
		}
	}
	if elem, err := ds.FindElementByTag(tag.RescaleIntercept); err == nil {
		if v, ok := floatValue(elem); ok {
			intercept = v
		}
	}
	return slope, intercept
}

func sliceZ(ds dicom.Dataset, fallback float64) (float64, error) {
	elem, err := ds.FindElementByTag(tag.ImagePositionPatient)
	if err != nil {
		return fallback, err
	}
	vals, ok := elem.Value.GetValue().([]string)
	if !ok || len(vals) < 3 {
		return fallback, fmt.Errorf("unexpected ImagePositionPatient value")
	}
	var z float64
	if _, err := fmt.Sscanf(vals[2], "%f", &z); err != nil {
		return fallback, err
	}
	return z, nil
}

func rowsCols(ds dicom.Dataset) (rows, cols int, err error) {
	rowsElem, err := ds.FindElementByTag(tag.Rows)
	if err != nil {
		return 0, 0, fmt.Errorf("find Rows: %w", err)
	}
	colsElem, err := ds.FindElementByTag(tag.Columns)
	if err != nil {
		return 0, 0, fmt.Errorf("find Columns: %w", err)
	}
	r, ok := intValue(rowsElem)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected Rows value type")
	}
	c, ok := intValue(colsElem)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected Columns value type")
	}
	return r, c, nil
}

func intValue(elem *dicom.Element) (int, bool) {
	switch v := elem.Value.GetValue().(type) {
	case int:
		return v, true
	case []int:
		if len(v) == 0 {
			return 0, false
		}
		return v[0], true
	default:
		return 0, false
	}
}

func pixelSpacing(ds dicom.Dataset) (rowSpacing, colSpacing float64, err error) {
	elem, err := ds.FindElementByTag(tag.PixelSpacing)
	if err != nil {
		return 1, 1, nil // default to 1mm isotropic if absent (debug inputs)
	}
	vals, ok := elem.Value.GetValue().([]string)
	if !ok || len(vals) < 2 {
		return 1, 1, nil
	}
	fmt.Sscanf(vals[0], "%f", &rowSpacing)
	fmt.Sscanf(vals[1], "%f", &colSpacing)
	return rowSpacing, colSpacing, nil
}

func sliceSpacing(slices []sliceFile) float64 {
	if len(slices) < 2 {
		return 1
	}
	sum := 0.0
	for i := 1; i < len(slices); i++ {
		sum += slices[i].z - slices[i-1].z
	}
	d := sum / float64(len(slices)-1)
	if d <= 0 {
		return 1
	}
	return d
}

// pixelData extracts raw pixel values as float32, widening whatever native
// integer representation the dataset carries.
func pixelData(ds dicom.Dataset) ([]float32, error) {
	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("find PixelData: %w", err)
	}
	pd, ok := elem.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || len(pd.Frames) == 0 {
		return nil, fmt.Errorf("unexpected PixelData value")
	}
	nf, err := pd.Frames[0].GetNativeFrame()
	if err != nil {
		return nil, fmt.Errorf("native frame: %w", err)
	}
	out := make([]float32, len(nf.Data))
	for i, px := range nf.Data {
		out[i] = float32(px[0])
	}
	return out, nil
}

// PatientBiometrics holds the optional height/weight overrides fed into
// the PBPK parameter construction, when present and positive.
type PatientBiometrics struct {
	HeightM  float64
	WeightKG float64
	HasHeight bool
	HasWeight bool
}

// ExtractPatientBiometrics reads PatientSize (m) and PatientWeight (kg) from
// the first file in a DICOM series directory. Returns a zero-value result
// (no error) if the series has no such tags; absence is not a failure.
func ExtractPatientBiometrics(dir string) (PatientBiometrics, error) {
	paths, err := ListSeries(dir)
	if err != nil {
		return PatientBiometrics{}, err
	}
	if len(paths) == 0 {
		return PatientBiometrics{}, fmt.Errorf("no DICOM files found in %s", dir)
	}
	ds, err := dicom.ParseFile(paths[0], nil)
	if err != nil {
		return PatientBiometrics{}, fmt.Errorf("parse dicom %s: %w", paths[0], err)
	}

	var out PatientBiometrics
	if elem, err := ds.FindElementByTag(tag.PatientSize); err == nil {
		if v, ok := floatValue(elem); ok && v > 0 {
			out.HeightM, out.HasHeight = v, true
		}
	}
	if elem, err := ds.FindElementByTag(tag.PatientWeight); err == nil {
		if v, ok := floatValue(elem); ok && v > 0 {
			out.WeightKG, out.HasWeight = v, true
		}
	}
	return out, nil
}

func floatValue(elem *dicom.Element) (float64, bool) {
	switch v := elem.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return 0, false
		}
		var f float64
		if _, err := fmt.Sscanf(v[0], "%f", &f); err != nil {
			return 0, false
		}
		return f, true
	case []float64:
		if len(v) == 0 {
			return 0, false
		}
		return v[0], true
	default:
		return 0, false
	}
}
