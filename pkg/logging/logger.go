// Package logging builds the process logger. All output goes through a
// Router so that a Gate can hold file output back around short critical
// sections.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Level logrus.Level
	// Terminal receives every entry at Level; os.Stderr when nil.
	Terminal io.Writer
	// LogPath, when set, appends every entry at Level to a file.
	LogPath string
	// ErrorLogPath, when set, appends error and more severe entries to a file.
	ErrorLogPath string
	JSON         bool
}

// New returns a logger whose output is owned by the returned Router.
// Close the router to close log files.
func New(opts Options) (*logrus.Logger, *Router, error) {
	formatter := logrus.Formatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.JSON {
		formatter = &logrus.JSONFormatter{}
	}

	terminal := opts.Terminal
	if terminal == nil {
		terminal = os.Stderr
	}
	router := NewRouter(NewWriterSink("terminal", SinkTerminal, terminal, formatter, opts.Level))

	if opts.LogPath != "" {
		f, err := openLogFile(opts.LogPath)
		if err != nil {
			return nil, nil, err
		}
		router.Attach(NewWriterSink("file", SinkFile, f, &logrus.JSONFormatter{}, opts.Level))
	}
	if opts.ErrorLogPath != "" {
		f, err := openLogFile(opts.ErrorLogPath)
		if err != nil {
			_ = router.Close()
			return nil, nil, err
		}
		router.Attach(NewWriterSink("errors", SinkFile, f, &logrus.JSONFormatter{}, logrus.ErrorLevel))
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(opts.Level)
	logger.AddHook(router)
	return logger, router, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// ParseLevel maps LOG_LEVEL values onto logrus levels; unknown values mean error.
func ParseLevel(s string) logrus.Level {
	switch s {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}
