package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/tidwall/sjson"

	"diskimager/imaging"
)

// session identifies what a report describes.
type session struct {
	Operation string // "write" or "read"
	Device    string
	Image     string
}

// buildReport renders a finished session as a JSON document.
func buildReport(s session, r imaging.Result, runErr error, at time.Time) (string, error) {
	fields := []struct {
		path  string
		value any
	}{
		{"operation", s.Operation},
		{"device", s.Device},
		{"physical_path", r.PhysicalPath},
		{"image", s.Image},
		{"format", r.Format.String()},
		{"status", r.Status.String()},
		{"bytes", r.Offset},
		{"target_size", r.TargetSize},
		{"device_size", r.DeviceSize},
		{"chunks", r.Chunks},
		{"truncated", r.Truncated},
		{"elapsed_ms", r.Elapsed.Milliseconds()},
		{"finished_at", at.UTC().Format(time.RFC3339)},
	}
	json := "{}"
	var err error
	for _, f := range fields {
		if json, err = sjson.Set(json, f.path, f.value); err != nil {
			return "", fmt.Errorf("report %s: %w", f.path, err)
		}
	}
	if runErr != nil {
		if json, err = sjson.Set(json, "error", runErr.Error()); err != nil {
			return "", fmt.Errorf("report error: %w", err)
		}
		var ie *imaging.Error
		if errors.As(runErr, &ie) {
			if json, err = sjson.Set(json, "error_kind", ie.Kind.Error()); err != nil {
				return "", fmt.Errorf("report error_kind: %w", err)
			}
			if json, err = sjson.Set(json, "error_offset", ie.Offset); err != nil {
				return "", fmt.Errorf("report error_offset: %w", err)
			}
		}
	}
	return json, nil
}

func writeReport(fs afero.Fs, path string, s session, r imaging.Result, runErr error, at time.Time) error {
	doc, err := buildReport(s, r, runErr, at)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, []byte(doc+"\n"), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
