package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tdt-pipeline/tdt/pipeline"
	"github.com/tdt-pipeline/tdt/pipeline/labels"
)

var (
	validateConfigPath string
	validateLabelsPath string
)

// validateConfigCmd is a convenience check for CI and operator use: load a
// config and label registry and confirm the configured ROI subset resolves
// against the registry, without running any pipeline stage.
var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate a pipeline config and label registry without running the pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := pipeline.LoadConfig(validateConfigPath)
		if err != nil {
			fatalf("load config: %v", err)
		}
		registry := labels.DefaultRegistry()
		if validateLabelsPath != "" {
			registry, err = labels.LoadRegistry(validateLabelsPath)
			if err != nil {
				fatalf("load label registry: %v", err)
			}
		}
		if err := labels.ValidateROISubset(cfg.SpectPreprocessing.ROISubset); err != nil {
			fatalf("invalid roi_subset: %v", err)
		}
		for _, name := range cfg.SpectPreprocessing.ROISubset {
			if _, ok := registry.TDTID(name); !ok {
				fatalf("roi_subset entry %q not found in label registry", name)
			}
		}
		source := validateLabelsPath
		if source == "" {
			source = "built-in"
		}
		fmt.Printf("config %s and label registry %s are valid (%d ROIs requested)\n",
			validateConfigPath, source, len(cfg.SpectPreprocessing.ROISubset))
	},
}

func init() {
	validateConfigCmd.Flags().StringVar(&validateConfigPath, "config_file", "", "Path to the pipeline config JSON file")
	validateConfigCmd.Flags().StringVar(&validateLabelsPath, "labels", "", "Path to a TDT label registry JSON file overriding the built-in maps")
	_ = validateConfigCmd.MarkFlagRequired("config_file")
}
