package logging

import (
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newFileWriter returns a lumberjack writer for <director>/kernel.log.
func newFileWriter(config Config) *lumberjack.Logger {
	// A failure here resurfaces on the first write.
	_ = os.MkdirAll(config.Director, 0o755)
	return &lumberjack.Logger{
		Filename:   filepath.Join(config.Director, "kernel.log"),
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
		LocalTime:  true,
	}
}
