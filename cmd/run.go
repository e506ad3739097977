package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/driver"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
	"github.com/tdt-pipeline/tdt/pipeline/pbpk"
	"github.com/tdt-pipeline/tdt/pipeline/recon"
	"github.com/tdt-pipeline/tdt/pipeline/segmentation"
	"github.com/tdt-pipeline/tdt/pipeline/simind"
)

var (
	configFilePath   string
	labelsPath       string
	inputCTDir       string
	modeFlag         string
	loggingOn        bool
	saveCTScan       bool
	saveConfig       bool
	syntheticLesions bool
	segmenterBin     string
	simindBin        string
	reconBin         string
	reconWorkRoot    string
)

// runCmd is the batch entry point: `tdtctl run --config_file
// --input_ct_dir [--logging_on] [--save_ct_scan] [--save_config]
// [--synthetic_lesions] [--mode]`.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the TDT pipeline over every CT input found under --input_ct_dir",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := pipeline.LoadConfig(configFilePath)
		if err != nil {
			fatalf("load config: %v", err)
		}
		if !syntheticLesions {
			// --no-synthetic_lesions (the default) skips lesion insertion even if the
			// config file carries a synthetic_lesions section.
			cfg.SyntheticLesions = nil
		}

		registry := labels.DefaultRegistry()
		if labelsPath != "" {
			registry, err = labels.LoadRegistry(labelsPath)
			if err != nil {
				fatalf("load label registry: %v", err)
			}
		}

		inputs, err := resolveInputs(inputCTDir)
		if err != nil {
			fatalf("resolve inputs: %v", err)
		}
		if len(inputs) == 0 {
			fatalf("no CT inputs found under --input_ct_dir %q", inputCTDir)
		}
		inputs = driver.SortedInputs(inputs)

		mode := pipeline.Mode(strings.ToUpper(modeFlag))
		if mode != pipeline.ModeDebug && mode != pipeline.ModeProduction {
			fatalf("invalid --mode %q: must be DEBUG or PRODUCTION", modeFlag)
		}

		collab := driver.Collaborators{
			Segmenter:        &segmentation.ExecSegmenter{BinaryPath: segmenterBin},
			Solver:           pbpk.DefaultSolver{},
			Simulator:        simind.ExecSimulator{BinaryPath: simindBin},
			ProjectionReader: simind.BinProjectionReader{},
			Reconstructor:    recon.ExecReconstructor{BinaryPath: reconBin, WorkDir: reconWorkRoot},
			Registry:         registry,
		}

		opts := driver.Options{Mode: mode, LoggingOn: loggingOn, SaveCTScan: saveCTScan, SaveConfig: saveConfig}

		logrus.Infof("running TDT pipeline over %d CT input(s), mode=%s", len(inputs), mode)
		results := driver.RunBatch(context.Background(), cfg, inputs, opts, collab)

		var failed int
		for _, res := range results {
			if res.Err == nil {
				logrus.Infof("CT index %d (%s): ok, stages=%v", res.Index, res.Input, res.StageTimings)
				continue
			}
			failed++
			if se, ok := res.Err.(*pipeline.StageError); ok {
				fmt.Fprintln(os.Stderr, se.Report())
			} else {
				fmt.Fprintf(os.Stderr, "[ERROR] CT index %d failed for input: %s\n%v\n", res.Index, res.Input, res.Err)
			}
		}
		// Per-CT failures are reported above but do not change the exit
		// code; only a failure to start the batch at all is fatal.
		logrus.Infof("batch complete: %d/%d succeeded", len(results)-failed, len(results))
	},
}

// resolveInputs iterates --input_ct_dir's entries in sorted-name order,
// ignoring hidden entries: each subdirectory is a DICOM series
// input, each .nii/.nii.gz file a NIfTI input.
func resolveInputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read --input_ct_dir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if len(e.Name()) == 0 || e.Name()[0] == '.' {
			continue
		}
		if e.IsDir() {
			names = append(names, e.Name())
			continue
		}
		lower := strings.ToLower(e.Name())
		if strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, filepath.Join(dir, n))
	}
	return out, nil
}

func init() {
	runCmd.Flags().StringVar(&configFilePath, "config_file", "", "Path to the pipeline config JSON file")
	runCmd.Flags().StringVar(&labelsPath, "labels", "", "Path to a TDT label registry JSON file overriding the built-in maps")
	runCmd.Flags().StringVar(&inputCTDir, "input_ct_dir", "", "Directory whose entries are each treated as a separate CT input")
	runCmd.Flags().StringVar(&modeFlag, "mode", "PRODUCTION", "DEBUG or PRODUCTION")
	runCmd.Flags().BoolVar(&loggingOn, "logging_on", true, "Write a per-CT rotated log file")
	runCmd.Flags().BoolVar(&saveCTScan, "save_ct_scan", false, "Keep an audit copy of the original CT input in the per-CT output root")
	runCmd.Flags().BoolVar(&saveConfig, "save_config", false, "Write a YAML snapshot of the resolved config into each CT's output root")
	runCmd.Flags().BoolVar(&syntheticLesions, "synthetic_lesions", false, "Run the optional synthetic lesion insertion stage")
	runCmd.Flags().StringVar(&segmenterBin, "segmenter-bin", "TotalSegmentator", "Path to the external multilabel segmenter binary")
	runCmd.Flags().StringVar(&simindBin, "simind-bin", "simind", "Path to the SIMIND Monte Carlo binary")
	runCmd.Flags().StringVar(&reconBin, "recon-bin", "tdt-recon", "Path to the external SPECT reconstruction binary")
	runCmd.Flags().StringVar(&reconWorkRoot, "recon-workdir", "recon_work", "Scratch directory for reconstruction I/O")
	_ = runCmd.MarkFlagRequired("config_file")
	_ = runCmd.MarkFlagRequired("input_ct_dir")
}
