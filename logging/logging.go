// Package logging builds the process logger: slog text records on the console
// and, optionally, in a size-rotated log file.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Path of the rotated log file. Empty disables the file sink. A path
	// without an extension is treated as a directory holding train.log.
	Path string
	// Level is one of debug, info, warn or error.
	Level string
	// Console receives records alongside the file; defaults to os.Stdout.
	Console io.Writer
	// AddSource annotates records with file:line.
	AddSource bool
}

// ParseLevel maps a level name onto an slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(name) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, errors.Errorf("unknown log level %q", name)
	}
	return level, nil
}

func ensureLogDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// New returns the logger and a closer for the file sink.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	var closer io.Closer = nopCloser{}
	out := console
	if path := strings.TrimSpace(opts.Path); path != "" {
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "train.log")
		}
		if err := ensureLogDir(path); err != nil {
			return nil, nil, errors.Wrap(err, "failed to create log directory")
		}
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(console, rotating)
		closer = rotating
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.AddSource,
	})
	logger := slog.New(handler)

	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
