package main

import (
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"diskimager/config"
)

// newLogger builds the process logger. With a log file set, output goes to
// a size-rotated file and w is ignored; the returned closer is then non-nil.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, io.Closer, error) {
	lvl, err := cfg.LogLevel()
	if err != nil {
		return nil, nil, err
	}
	c := cfg.Log

	var closer io.Closer
	if c.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
		}
		w, closer = lj, lj
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch c.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h).With("component", "cli"), closer, nil
}
