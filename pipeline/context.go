package pipeline

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tdt-pipeline/tdt/internal/nifti"
)

// Mode selects DEBUG or PRODUCTION behavior. PRODUCTION mode
// deletes per-core SIMIND intermediates after aggregation.
type Mode string

const (
	ModeDebug      Mode = "DEBUG"
	ModeProduction Mode = "PRODUCTION"
)

// CTInputKind distinguishes a NIfTI file input from a DICOM series
// directory input.
type CTInputKind string

const (
	CTInputNifti CTInputKind = "nii"
	CTInputDicom CTInputKind = "dicom"
)

// Subdirs is the fixed set of per-CT output subdirectories, resolved
// under the CT's output root.
type Subdirs struct {
	Segmentation     string
	PBPK             string
	SpectSimulation  string
	Reconstruction   string
}

// Context is the mutable, per-CT record every stage reads and writes.
// Fields are nil/zero until the stage that produces them runs; Require
// enforces that only already-populated fields are read.
//
// roiunify.Unify and preprocess.Run additionally take their source
// artifacts as a typed Inputs struct; the other stage Run functions read
// the Context and call Require at entry.
type Context struct {
	// Initial setup fields (populated by NewContext).
	Mode          Mode
	CTInputPath   string
	CTInputKind   CTInputKind
	CTIndex       int
	OutputRoot    string
	Subdirs       Subdirs
	Config        *Config
	Logger        *logrus.Logger
	// RunID is a stable per-CT identifier derived from the CT input path
	// and index (see deterministicRunID), used to correlate a CT's log
	// lines and output artifacts across re-runs of the same batch.
	RunID string

	// Segmentation stage outputs.
	CTNiiPath                 string
	BodyMLPath                string
	HeadGlandsCavitiesMLPath  string
	TotalMLPath               string

	// ROI unification stage outputs.
	TDTROISegPath string
	TDTROISeg     *nifti.Image

	// Preprocessing stage outputs.
	BodySegArr     []float32
	ROIBodySegArr  []float32
	MaskROIBody    map[string][]uint8
	ClassSeg       []uint8
	AtnAvPath      string
	ArrShapeNewZYX [3]int
	ArrPxSpacingCm [3]float64

	// PBPK stage outputs.
	ActivityMapSum          []float64            // per-frame total activity (MBq)
	ActivityOrganSum        map[string][]float64 // ROI -> per-frame activity (MBq)
	ActivityMapPathsByOrgan map[string]string    // ROI -> first-frame activity binary

	// SIMIND simulation stage outputs.
	SpectSimOutputDir string
	CalibResPath      string

	// Reconstruction stage outputs.
	ReconFramePaths []string

	// Synthetic-lesion side effect. Lesion insertion is never written back
	// into the on-disk config file; EffectiveROISubset is what downstream
	// stages must consult.
	LesionsInserted bool
}

// EffectiveROISubset returns the configured roi_subset, with
// "synthetic_lesion" appended when lesions were inserted.
func (c *Context) EffectiveROISubset() []string {
	base := c.Config.SpectPreprocessing.ROISubset
	if !c.LesionsInserted {
		return base
	}
	out := make([]string, len(base), len(base)+1)
	copy(out, base)
	return append(out, "synthetic_lesion")
}

// NewContext builds an empty Context with the initial setup fields
// resolved: CT input classification, the deterministic per-CT output root,
// and the fixed subdirectory paths (each stage creates its own on first
// write).
func NewContext(cfg *Config, ctInputPath string, ctIndex int, mode Mode, logger *logrus.Logger) (*Context, error) {
	kind, err := ClassifyCTInput(ctInputPath)
	if err != nil {
		return nil, &StageError{Stage: "context", Kind: KindBadInput, CT: ctIndex, Input: ctInputPath, Err: err}
	}

	root := fmt.Sprintf("%s_CT_%d", cfg.OutputFolder.Title, ctIndex)
	ctx := &Context{
		Mode:        mode,
		CTInputPath: ctInputPath,
		CTInputKind: kind,
		CTIndex:     ctIndex,
		OutputRoot:  root,
		Config:      cfg,
		Logger:      logger,
		RunID:       deterministicRunID(ctInputPath, ctIndex),
	}
	ctx.Subdirs = Subdirs{
		Segmentation:    filepath.Join(root, cfg.SubdirNames["segmentation"]),
		PBPK:            filepath.Join(root, cfg.SubdirNames["pbpk"]),
		SpectSimulation: filepath.Join(root, cfg.SubdirNames["spect_simulation"]),
		Reconstruction:  filepath.Join(root, cfg.SubdirNames["reconstruction"]),
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{"run_id": ctx.RunID, "ct_index": ctIndex}).Info("context initialized")
	}
	return ctx, nil
}

// deterministicRunID hashes a CT input's path and batch index into a
// UUID string. Re-running the same batch against the same inputs
// reproduces the same RunID for log correlation.
func deterministicRunID(ctInputPath string, ctIndex int) string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s#%d", ctInputPath, ctIndex)))
	id, err := uuid.FromBytes(hash[:16])
	if err != nil {
		return ""
	}
	return id.String()
}

// ClassifyCTInput validates and classifies a CT input path: a file ending
// in .nii/.nii.gz is a NIfTI input; a directory is treated as a DICOM
// series; anything else is BadInput.
func ClassifyCTInput(path string) (CTInputKind, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat CT input %s: %w", path, err)
	}
	if info.IsDir() {
		return CTInputDicom, nil
	}
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz") {
		return CTInputNifti, nil
	}
	return "", fmt.Errorf("CT input %s is neither a .nii/.nii.gz file nor a directory", path)
}

// Require fails with a structured error naming every currently-nil/zero
// named field. Field names are the Context struct field names
// (e.g. "CTNiiPath", "TDTROISeg").
func (c *Context) Require(names ...string) error {
	v := reflect.ValueOf(c).Elem()
	var missing []string
	for _, name := range names {
		f := v.FieldByName(name)
		if !f.IsValid() {
			missing = append(missing, name+" (unknown field)")
			continue
		}
		if isZeroValue(f) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &StageError{
			Stage: "context",
			Kind:  KindMissingContextField,
			CT:    c.CTIndex,
			Input: c.CTInputPath,
			Err:   fmt.Errorf("context missing required fields: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}

func isZeroValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	case reflect.String:
		return v.String() == ""
	case reflect.Array:
		return v.IsZero()
	default:
		return v.IsZero()
	}
}

// LogAssignment summarizes an assigned field's shape/dtype into the
// Context's logger instead of dumping the full value.
func (c *Context) LogAssignment(field string, v any) {
	if c.Logger == nil {
		return
	}
	switch val := v.(type) {
	case []float32:
		c.Logger.WithFields(logrus.Fields{"field": field, "dtype": "float32", "n": len(val)}).Info("context field assigned")
	case []float64:
		c.Logger.WithFields(logrus.Fields{"field": field, "dtype": "float64", "n": len(val)}).Info("context field assigned")
	case []uint8:
		c.Logger.WithFields(logrus.Fields{"field": field, "dtype": "uint8", "n": len(val)}).Info("context field assigned")
	case *nifti.Image:
		c.Logger.WithFields(logrus.Fields{"field": field, "dtype": val.DataType, "shape": val.Shape}).Info("context field assigned")
	default:
		c.Logger.WithFields(logrus.Fields{"field": field}).Infof("context field assigned: %v", v)
	}
}
