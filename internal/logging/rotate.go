package logging

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures a rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Output returns the writer log entries should go to: stdout when no file is
// configured, otherwise a size-rotated file.
func Output(opts FileOptions) io.Writer {
	if opts.Path == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
}

// Setup initializes the global logger from a level string and file options.
func Setup(level string, opts FileOptions) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	Init(Output(opts), lvl)
	return nil
}
