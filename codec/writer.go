package codec

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DefaultLevel is the compression level used when none is configured.
const DefaultLevel = 3

// WriterOptions describe the single entry an archive writer produces.
type WriterOptions struct {
	EntryName string
	ModTime   time.Time
	// Size is the exact number of bytes that will be written. Tar needs it
	// up front; the other formats ignore it.
	Size  int64
	Level int
}

// Writer compresses image bytes into a destination file. Close must be
// called to flush trailers; it does not close the destination.
type Writer struct {
	w       io.Writer
	closers []func() error
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

// Close finalizes every layer, innermost first, and joins their errors.
func (w *Writer) Close() error {
	var errs []error
	for _, c := range w.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}

// NewWriter wraps dst in the encoder for f.
func NewWriter(dst io.Writer, f Format, opts WriterOptions) (*Writer, error) {
	if opts.ModTime.IsZero() {
		opts.ModTime = time.Now()
	}
	if opts.EntryName == "" {
		opts.EntryName = "image"
	}
	level := clampLevel(opts.Level)

	switch f {
	case None:
		return &Writer{w: dst}, nil

	case Zip:
		zw := zip.NewWriter(dst)
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, level)
		})
		ew, err := zw.CreateHeader(&zip.FileHeader{
			Name:     opts.EntryName,
			Method:   zip.Deflate,
			Modified: opts.ModTime,
		})
		if err != nil {
			return nil, fmt.Errorf("create zip entry: %w", err)
		}
		return &Writer{w: ew, closers: []func() error{zw.Close}}, nil

	case Gzip:
		gz, err := gzip.NewWriterLevel(dst, level)
		if err != nil {
			return nil, fmt.Errorf("create gzip: %w", err)
		}
		gz.Name = opts.EntryName
		gz.ModTime = opts.ModTime
		return &Writer{w: gz, closers: []func() error{gz.Close}}, nil

	case TarGzip:
		gz, err := gzip.NewWriterLevel(dst, level)
		if err != nil {
			return nil, fmt.Errorf("create gzip: %w", err)
		}
		tw := tar.NewWriter(gz)
		err = tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     opts.EntryName,
			Size:     opts.Size,
			Mode:     0o644,
			ModTime:  opts.ModTime,
			Format:   tar.FormatPAX,
		})
		if err != nil {
			gz.Close()
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		return &Writer{w: tw, closers: []func() error{tw.Close, gz.Close}}, nil

	case Zstd:
		zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("create zstd: %w", err)
		}
		return &Writer{w: zw, closers: []func() error{zw.Close}}, nil

	case Lz4:
		lw := lz4.NewWriter(dst)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, fmt.Errorf("configure lz4: %w", err)
		}
		return &Writer{w: lw, closers: []func() error{lw.Close}}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, f)
}

func clampLevel(l int) int {
	switch {
	case l < 0:
		return DefaultLevel
	case l > 9:
		return 9
	}
	return l
}

func lz4Level(l int) lz4.CompressionLevel {
	levels := [...]lz4.CompressionLevel{
		lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
		lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
	}
	return levels[clampLevel(l)]
}
