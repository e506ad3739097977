package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewCTLogger builds the per-CT logger writing to
// logging_file_CT_<idx>.log under the CT's output root, rotated
// with lumberjack so long batches cannot grow the file without bound.
// When loggingOn is false, output is discarded but the logger still exists
// so callers never need a nil check.
func NewCTLogger(outputRoot string, ctIndex int, loggingOn bool) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if !loggingOn {
		logger.SetOutput(io.Discard)
		return logger, nil
	}

	if err := os.MkdirAll(outputRoot, 0o755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(outputRoot, fmt.Sprintf("logging_file_CT_%d.log", ctIndex))
	rotator := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // MB
		MaxBackups: 3,
		Compress:   false,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return logger, nil
}
