package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyCTInputNifti(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ct.nii.gz")
	require.NoError(t, os.WriteFile(path, []byte{0}, 0o644))

	kind, err := ClassifyCTInput(path)
	require.NoError(t, err)
	assert.Equal(t, CTInputNifti, kind)
}

func TestClassifyCTInputDicomDir(t *testing.T) {
	dir := t.TempDir()
	kind, err := ClassifyCTInput(dir)
	require.NoError(t, err)
	assert.Equal(t, CTInputDicom, kind)
}

func TestClassifyCTInputRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ct.txt")
	require.NoError(t, os.WriteFile(path, []byte{0}, 0o644))

	_, err := ClassifyCTInput(path)
	require.Error(t, err)
}

func TestDeterministicRunIDStableAcrossCalls(t *testing.T) {
	a := deterministicRunID("/data/ct1.nii", 0)
	b := deterministicRunID("/data/ct1.nii", 0)
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)

	c := deterministicRunID("/data/ct1.nii", 1)
	assert.NotEqual(t, a, c)
}

func minimalTestConfig() *Config {
	return &Config{
		OutputFolder: OutputFolderConfig{Title: "run"},
		SubdirNames: map[string]string{
			"segmentation": "segmentation", "pbpk": "pbpk",
			"spect_simulation": "spect_simulation", "reconstruction": "reconstruction",
		},
	}
}

func TestNewContextResolvesRunIDAndSubdirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ct.nii")
	require.NoError(t, os.WriteFile(path, []byte{0}, 0o644))

	ctx, err := NewContext(minimalTestConfig(), path, 3, ModeDebug, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ctx.CTIndex)
	assert.NotEmpty(t, ctx.RunID)
	assert.Contains(t, ctx.Subdirs.Segmentation, "segmentation")
}

func TestRequireReportsMissingFields(t *testing.T) {
	ctx := &Context{CTIndex: 0, CTInputPath: "x"}
	err := ctx.Require("CTNiiPath", "TDTROISeg")
	require.Error(t, err)
	se, ok := err.(*StageError)
	require.True(t, ok)
	assert.Equal(t, KindMissingContextField, se.Kind)
}

func TestRequirePassesWhenFieldsPopulated(t *testing.T) {
	ctx := &Context{CTNiiPath: "/out/ct.nii.gz"}
	assert.NoError(t, ctx.Require("CTNiiPath"))
}

func TestEffectiveROISubsetAppendsSyntheticLesion(t *testing.T) {
	ctx := &Context{Config: &Config{SpectPreprocessing: SpectPreprocessingConfig{ROISubset: []string{"body", "liver"}}}}
	assert.Equal(t, []string{"body", "liver"}, ctx.EffectiveROISubset())

	ctx.LesionsInserted = true
	assert.Equal(t, []string{"body", "liver", "synthetic_lesion"}, ctx.EffectiveROISubset())
}
