// Package codec wraps image files in the compression layer selected for an
// imaging run. Every archive produced or consumed holds exactly one entry:
// the drive image.
package codec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format selects the compression applied to an image file.
type Format int

// Supported image formats.
const (
	None Format = iota
	Zip
	Gzip
	TarGzip
	Zstd
	Lz4
)

var (
	// ErrUnknownFormat is returned by ParseFormat for unrecognised names.
	ErrUnknownFormat = errors.New("unknown compression format")
	// ErrNoEntry is returned when an archive holds no file entry.
	ErrNoEntry = errors.New("archive contains no file entry")
)

// String returns the canonical flag value for f.
func (f Format) String() string {
	switch f {
	case None:
		return "none"
	case Zip:
		return "zip"
	case Gzip:
		return "gzip"
	case TarGzip:
		return "targz"
	case Zstd:
		return "zstd"
	case Lz4:
		return "lz4"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ParseFormat maps a user supplied name to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw", "img":
		return None, nil
	case "zip":
		return Zip, nil
	case "gzip", "gz":
		return Gzip, nil
	case "targz", "tar.gz", "tgz", "tar+gzip":
		return TarGzip, nil
	case "zstd", "zst":
		return Zstd, nil
	case "lz4":
		return Lz4, nil
	}
	return None, fmt.Errorf("%w %q", ErrUnknownFormat, s)
}

// FormatFromPath infers the format from the file extension.
func FormatFromPath(path string) Format {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return TarGzip
	case strings.HasSuffix(name, ".zip"):
		return Zip
	case strings.HasSuffix(name, ".gz"):
		return Gzip
	case strings.HasSuffix(name, ".zst"), strings.HasSuffix(name, ".zstd"):
		return Zstd
	case strings.HasSuffix(name, ".lz4"):
		return Lz4
	}
	return None
}

// EntryName derives the name of the single archive entry from the
// destination path: base name, lower-cased, with the format's extension
// removed.
func EntryName(path string, f Format) string {
	name := strings.ToLower(filepath.Base(path))
	var suffixes []string
	switch f {
	case Zip:
		suffixes = []string{".zip"}
	case Gzip:
		suffixes = []string{".gz"}
	case TarGzip:
		suffixes = []string{".tar.gz", ".tgz"}
	case Zstd:
		suffixes = []string{".zst", ".zstd"}
	case Lz4:
		suffixes = []string{".lz4"}
	}
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			name = strings.TrimSuffix(name, s)
			break
		}
	}
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "image"
	}
	return name
}
