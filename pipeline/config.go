package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Config is the top-level parsed structure of the pipeline's JSON config
// file. Comments are tolerated in the source file and stripped
// before unmarshaling.
type Config struct {
	OutputFolder       OutputFolderConfig       `json:"output_folder"`
	SubdirNames        map[string]string        `json:"subdir_names"`
	SpectPreprocessing SpectPreprocessingConfig `json:"spect_preprocessing"`
	PBPK               PBPKConfig               `json:"pbpk"`
	SpectSimulation    SpectSimulationConfig    `json:"spect_simulation"`
	SyntheticLesions   *SyntheticLesionsConfig  `json:"synthetic_lesions,omitempty"`
}

// OutputFolderConfig names the per-run output root.
type OutputFolderConfig struct {
	Title string `json:"title"`
}

// SpectPreprocessingConfig configures the preprocessing stage.
type SpectPreprocessingConfig struct {
	Name     string   `json:"name"`
	XYDim    int      `json:"xy_dim"`
	ROISubset []string `json:"roi_subset"`
}

// PBPKConfig configures the PBPK stage.
type PBPKConfig struct {
	Name                       string    `json:"name"`
	VOIs                       []string  `json:"VOIs"`
	FrameStartTimes            []float64 `json:"FrameStartTimes"`  // minutes
	FrameDurations             []float64 `json:"FrameDurations"`   // seconds
	RandomizationKidneySGParam bool      `json:"Randomization_Kidney_SG_Para"`
}

// SpectSimulationConfig configures the SIMIND simulation and
// reconstruction stages.
//
// DetectorLength == 0 is an explicit sentinel meaning "use the CT's
// length" (shape[0] * slice width).
type SpectSimulationConfig struct {
	Name              string  `json:"name"`
	Collimator        string  `json:"Collimator"`
	Isotope           string  `json:"Isotope"`
	NumProjections    int     `json:"NumProjections"`
	DetectorDistance  float64 `json:"DetectorDistance"`
	OutputImgSize     int     `json:"OutputImgSize"`
	OutputPixelWidth  float64 `json:"OutputPixelWidth"`
	OutputSliceWidth  float64 `json:"OutputSliceWidth"`
	NumPhotons        float64 `json:"NumPhotons"`
	SIMINDDirectory   string  `json:"SIMINDDirectory"`
	EnergyWindowWidth float64 `json:"EnergyWindowWidth"`
	DetectorWidth     float64 `json:"DetectorWidth"`
	DetectorLength    float64 `json:"DetectorLength"` // 0 = use CT length, see doc comment above
	NumCores          int     `json:"NumCores"`
	Iterations        int     `json:"Iterations"`
	Subsets           int     `json:"Subsets"`
}

// SyntheticLesionsConfig configures the optional lesion-insertion stage.
type SyntheticLesionsConfig struct {
	Name  string                  `json:"name"`
	Specs map[string]LesionSpec   `json:"specs"`
}

// LesionProb selects the sampling scheme for lesion centers.
type LesionProb string

const (
	ProbUniform     LesionProb = "uniform"
	ProbGaussian    LesionProb = "gaussian"
	ProbUserDefined LesionProb = "user_defined"
)

// LesionSpec describes the lesions requested for a single ROI.
type LesionSpec struct {
	NLesions         int         `json:"n_lesions"`
	RadiiMM          []float64   `json:"radii_mm"`
	Prob             LesionProb  `json:"prob"`
	SigmaMM          float64     `json:"sigma_mm,omitempty"`
	MarginMM         *float64    `json:"margin_mm,omitempty"` // default 1.0
	Seed             int64       `json:"seed"`
	UserCentersZYX   [][3]int    `json:"user_centers_zyx,omitempty"`
	MaxAttemptsPerLesion int     `json:"max_attempts_per_lesion,omitempty"` // default 4000
}

// EffectiveMarginMM returns the configured margin, defaulting to 1.0mm.
func (s LesionSpec) EffectiveMarginMM() float64 {
	if s.MarginMM != nil {
		return *s.MarginMM
	}
	return 1.0
}

// EffectiveMaxAttempts returns the configured attempt budget, defaulting to
// 4000.
func (s LesionSpec) EffectiveMaxAttempts() int {
	if s.MaxAttemptsPerLesion > 0 {
		return s.MaxAttemptsPerLesion
	}
	return 4000
}

// LoadConfig reads and strictly parses a JSON config file that may contain
// `//` and `/* */` comments.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	stripped := stripJSONComments(raw)

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(stripped))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// stripJSONComments removes // line comments and /* */ block comments
// outside of string literals. This is a small hand-rolled scanner: the
// comment grammar is small enough that a single pass covers it.
func stripJSONComments(src []byte) []byte {
	out := make([]byte, 0, len(src))
	inString := false
	escaped := false
	for i := 0; i < len(src); i++ {
		c := src[i]

		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if c == '/' && i+1 < len(src) && src[i+1] == '/' {
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				out = append(out, '\n')
			}
			continue
		}
		if c == '/' && i+1 < len(src) && src[i+1] == '*' {
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i++ // land on the closing '/'
			continue
		}
		out = append(out, c)
	}
	return out
}
