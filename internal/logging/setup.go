package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how log entries are rendered.
type Options struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, file, multi
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup configures the global level and the shared writer.
func Setup(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"

	var w io.Writer
	switch strings.ToLower(opts.Output) {
	case "", "stdout":
		w = consoleWriter(opts, os.Stdout)
	case "file":
		w, err = fileWriter(opts)
	case "multi":
		var fw io.Writer
		fw, err = fileWriter(opts)
		w = zerolog.MultiLevelWriter(consoleWriter(opts, os.Stdout), fw)
	default:
		return fmt.Errorf("invalid log output %q", opts.Output)
	}
	if err != nil {
		return fmt.Errorf("setup %s writer: %w", opts.Output, err)
	}

	SetOutput(w)
	return nil
}

// ParseLevel maps a textual level onto zerolog.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown level")
	}
}

func consoleWriter(opts Options, out io.Writer) io.Writer {
	if strings.EqualFold(opts.Format, "console") {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}
	return out
}

func fileWriter(opts Options) (io.Writer, error) {
	if opts.FilePath == "" {
		return nil, fmt.Errorf("file output requires a file path")
	}
	if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}, nil
}
