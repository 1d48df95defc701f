// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// Options selects level, format and an optional file that receives a copy
// of every line written to stdout.
type Options struct {
	Level  string
	Format string
	File   string
}

// New returns a configured logger and a close function for the log file.
// An unknown level falls back to info and is reported on the logger itself.
func New(opts Options, stdout io.Writer) (*log.Logger, func() error, error) {
	logger := log.New()
	closeFn := func() error { return nil }

	out := stdout
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closeFn = f.Close
	}
	logger.SetOutput(out)

	if opts.Format == "text" {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		level = log.InfoLevel
		logger.SetLevel(level)
		logger.WithField("log_level", opts.Level).Warn("unknown log level, using info")
	} else {
		logger.SetLevel(level)
	}
	return logger, closeFn, nil
}
