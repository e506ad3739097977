// cmd/root.go
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tdtctl",
	Short: "Theranostic Digital Twin SPECT simulation pipeline",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func fatalf(format string, args ...interface{}) {
	logrus.Fatalf(format, args...)
}
