package codec

import (
	"archive/tar"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// File is the subset of afero.File / *os.File an image source must offer.
type File interface {
	io.Reader
	io.ReaderAt
	Stat() (os.FileInfo, error)
}

// Reader yields the uncompressed image bytes of a source file.
type Reader struct {
	r io.Reader

	// Length is the uncompressed image length. When Exact is false it is an
	// estimate suitable only as a progress denominator.
	Length int64
	Exact  bool
	// EntryName is the archive entry being read, empty for raw streams.
	EntryName string

	closers []func() error
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

// Close releases the decoder layers. It does not close the underlying file.
func (r *Reader) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewReader positions a decoder at the start of the image held in src.
func NewReader(src File, f Format) (*Reader, error) {
	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	size := info.Size()

	switch f {
	case None:
		return &Reader{r: src, Length: size, Exact: true}, nil

	case Zip:
		zr, err := zip.NewReader(src, size)
		if err != nil {
			return nil, fmt.Errorf("open zip: %w", err)
		}
		for _, zf := range zr.File {
			if zf.FileInfo().IsDir() {
				continue
			}
			rc, err := zf.Open()
			if err != nil {
				return nil, fmt.Errorf("open zip entry %s: %w", zf.Name, err)
			}
			return &Reader{
				r:         rc,
				Length:    int64(zf.UncompressedSize64),
				Exact:     true,
				EntryName: zf.Name,
				closers:   []func() error{rc.Close},
			}, nil
		}
		return nil, fmt.Errorf("zip: %w", ErrNoEntry)

	case Gzip:
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		return &Reader{
			r:         gz,
			Length:    gzipLengthHint(src, size),
			EntryName: gz.Name,
			closers:   []func() error{gz.Close},
		}, nil

	case TarGzip:
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		tr := tar.NewReader(gz)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				gz.Close()
				return nil, fmt.Errorf("tar: %w", ErrNoEntry)
			}
			if err != nil {
				gz.Close()
				return nil, fmt.Errorf("read tar header: %w", err)
			}
			if hdr.Typeflag == tar.TypeDir {
				continue
			}
			return &Reader{
				r:         tr,
				Length:    hdr.Size,
				Exact:     true,
				EntryName: hdr.Name,
				closers:   []func() error{gz.Close},
			}, nil
		}

	case Zstd:
		zd, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("open zstd: %w", err)
		}
		return &Reader{
			r:      zd,
			Length: size,
			closers: []func() error{func() error {
				zd.Close()
				return nil
			}},
		}, nil

	case Lz4:
		return &Reader{r: lz4.NewReader(src), Length: size}, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, f)
}

// gzipLengthHint reads the ISIZE trailer (uncompressed length mod 2^32) and
// lifts it in 2^32 steps until it is no smaller than the compressed length
// minus deflate's worst-case expansion. The result is exact for images under
// 4 GiB and an estimate beyond.
func gzipLengthHint(src io.ReaderAt, size int64) int64 {
	if size < 18 {
		return size
	}
	var trailer [4]byte
	if _, err := src.ReadAt(trailer[:], size-4); err != nil {
		return size
	}
	n := int64(binary.LittleEndian.Uint32(trailer[:]))
	floor := size - size/100 - 1024
	for n < floor {
		n += 1 << 32
	}
	return n
}
