// Package imaging copies raw bytes between a removable drive and an image
// file. It owns the chunked transfer loop, progress reporting, cancellation
// and the guaranteed release of device locks and handles.
package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/afero"

	"diskimager/codec"
	"diskimager/drive"
	"diskimager/mbr"
)

// Engine runs one imaging session at a time against a drive.Access.
type Engine struct {
	access drive.Access
	fs     afero.Fs
	log    *slog.Logger
	obs    Observer
	cfg    Config
	now    func() time.Time

	cancel atomic.Bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithFs sets the filesystem image files are opened on.
func WithFs(fs afero.Fs) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithObserver sets the progress receiver.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.obs = o }
}

// WithConfig replaces DefaultConfig.
func WithConfig(c Config) Option {
	return func(e *Engine) { e.cfg = c }
}

// New builds an engine over access.
func New(access drive.Access, opts ...Option) (*Engine, error) {
	if access == nil {
		return nil, errors.New("imaging: nil drive access")
	}
	e := &Engine{
		access: access,
		fs:     afero.NewOsFs(),
		log:    slog.Default(),
		obs:    nopObserver{},
		cfg:    DefaultConfig(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.obs == nil {
		e.obs = nopObserver{}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("imaging: %w", err)
	}
	e.log = e.log.With("component", "imaging")
	return e, nil
}

// Cancel asks the running session to stop before its next chunk. The chunk
// in flight always completes. A Cancel made while no session is running
// stops the next session before its first chunk.
func (e *Engine) Cancel() {
	e.cancel.Store(true)
}

// Config returns the settings the engine runs with.
func (e *Engine) Config() Config {
	return e.cfg
}

// session is the transient state of one engine call.
type session struct {
	ctx       context.Context
	verb      string
	format    codec.Format
	start     time.Time
	offset    int64
	target    int64
	device    int64
	chunks    int
	physical  string
	truncated bool
	cancelled bool
}

func (e *Engine) begin(ctx context.Context, verb string, format codec.Format) *session {
	return &session{ctx: ctx, verb: verb, format: format, start: e.now()}
}

func (e *Engine) cancelRequested(s *session) bool {
	if !s.cancelled && (e.cancel.Load() || s.ctx.Err() != nil) {
		s.cancelled = true
	}
	return s.cancelled
}

// WriteImageToDrive copies the decompressed contents of filePath onto the
// physical disk behind logicalPath. A cancelled session returns a Cancelled
// result and a nil error.
func (e *Engine) WriteImageToDrive(ctx context.Context, logicalPath, filePath string, format codec.Format) (Result, error) {
	s := e.begin(ctx, "Wrote", format)
	e.log.Info("writing image to drive", "image", filePath, "drive", logicalPath, "format", format)
	err := e.writeImage(s, logicalPath, filePath, format)
	return e.finish(s, err)
}

// ReadDriveToImage copies the physical disk behind logicalPath into
// filePath. With truncate set, only the span covered by the partitions in
// the disk's MBR is read.
func (e *Engine) ReadDriveToImage(ctx context.Context, logicalPath, filePath string, format codec.Format, truncate bool) (Result, error) {
	s := e.begin(ctx, "Read", format)
	e.log.Info("reading drive to image", "drive", logicalPath, "image", filePath, "format", format, "truncate", truncate)
	err := e.readImage(s, logicalPath, filePath, format, truncate)
	return e.finish(s, err)
}

func (e *Engine) writeImage(s *session, logicalPath, filePath string, format codec.Format) (err error) {
	if err := e.prepare(s, logicalPath); err != nil {
		if s.cancelled {
			return nil
		}
		return err
	}
	defer e.unlock()

	h, err := e.access.Open(s.physical, drive.ReadWrite)
	if err != nil {
		return newError(ErrOpen, 0, err)
	}
	defer e.closeHandle(s, h, &err)

	f, err := e.fs.Open(filePath)
	if err != nil {
		return newError(ErrImage, 0, err)
	}
	defer f.Close()

	src, err := codec.NewReader(f, format)
	if err != nil {
		return newError(ErrImage, 0, err)
	}
	defer src.Close()

	s.target = src.Length
	if src.EntryName != "" {
		e.log.Info("image entry", "entry", src.EntryName, "bytes", src.Length, "exact", src.Exact)
	}
	var r io.Reader = src
	if src.Exact {
		r = io.LimitReader(src, src.Length)
		if src.Length > s.device {
			e.log.Warn("image is larger than the device",
				"image_bytes", src.Length, "device_bytes", s.device)
		}
	}

	al := NewAligner(e.cfg.BufferSize)
	for !e.cancelRequested(s) {
		if src.Exact && s.offset >= s.target {
			break
		}
		emit, _, err := al.Accumulate(r)
		if err != nil {
			return newError(ErrRead, s.offset, fmt.Errorf("read image: %w", err))
		}
		if emit == 0 {
			if src.Exact && s.offset < s.target {
				return newError(ErrRead, s.offset, fmt.Errorf("image ended %d bytes early: %w",
					s.target-s.offset, io.ErrUnexpectedEOF))
			}
			break
		}

		wrote, err := h.Write(al.Bytes())
		s.offset += int64(wrote)
		if err != nil {
			return newError(ErrWrite, s.offset, err)
		}
		if wrote != emit {
			return newError(ErrWrite, s.offset, fmt.Errorf("wrote %d of %d bytes, past end of device? %w",
				wrote, emit, io.ErrShortWrite))
		}
		al.Advance()
		s.chunks++
		e.progress(s)
	}
	if !src.Exact && al.Exhausted() {
		s.target = s.offset
	}
	return nil
}

func (e *Engine) readImage(s *session, logicalPath, filePath string, format codec.Format, truncate bool) (err error) {
	if err := e.prepare(s, logicalPath); err != nil {
		if s.cancelled {
			return nil
		}
		return err
	}
	defer e.unlock()

	h, err := e.access.Open(s.physical, drive.ReadOnly)
	if err != nil {
		return newError(ErrOpen, 0, err)
	}
	defer e.closeHandle(s, h, &err)

	out, err := e.fs.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return newError(ErrImage, 0, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = newError(ErrWrite, s.offset, fmt.Errorf("close image: %w", cerr))
		}
	}()

	// The encoder is created after the MBR probe so the tar header carries
	// the final size and nothing reaches the file if the probe fails.
	var enc *codec.Writer
	defer func() {
		if enc == nil {
			return
		}
		cerr := enc.Close()
		if cerr == nil {
			return
		}
		if err == nil && !s.cancelled {
			err = newError(ErrWrite, s.offset, fmt.Errorf("finalize %s image: %w", format, cerr))
			return
		}
		e.log.Warn("finalize image", "format", format, "err", cerr)
	}()

	s.target = s.device
	buf := make([]byte, e.cfg.BufferSize)
	for s.offset < s.target && !e.cancelRequested(s) {
		want := int64(len(buf))
		if rem := s.target - s.offset; rem < want {
			want = rem
		}
		n, rerr := h.Read(buf[:want])
		if rerr != nil && !(rerr == io.EOF && n > 0) {
			return newError(ErrRead, s.offset, rerr)
		}
		if n == 0 {
			return newError(ErrRead, s.offset, fmt.Errorf("read returned no data, past end of device? %w", io.ErrUnexpectedEOF))
		}
		chunk := buf[:n]

		if s.offset == 0 && truncate {
			used, err := e.probeMBR(s, chunk)
			if err != nil {
				return err
			}
			s.target = used
			s.truncated = true
			if int64(len(chunk)) > used {
				chunk = chunk[:used]
			}
		}

		if enc == nil {
			enc, err = codec.NewWriter(out, format, codec.WriterOptions{
				EntryName: codec.EntryName(filePath, format),
				ModTime:   e.now(),
				Size:      s.target,
				Level:     e.cfg.CompressionLevel,
			})
			if err != nil {
				return newError(ErrImage, s.offset, err)
			}
		}

		wrote, err := enc.Write(chunk)
		s.offset += int64(wrote)
		if err != nil {
			return newError(ErrWrite, s.offset, err)
		}
		s.chunks++
		e.progress(s)
	}
	return nil
}

// probeMBR sizes the read from the partition table in the first chunk.
func (e *Engine) probeMBR(s *session, chunk []byte) (int64, error) {
	rec, err := mbr.Parse(chunk)
	if err != nil {
		return 0, newError(ErrInvalidMBR, 0, err)
	}
	if !rec.Valid() {
		return 0, newError(ErrInvalidMBR, 0, fmt.Errorf("signature %#04x", rec.Signature))
	}
	if rec.Protective() {
		e.log.Warn("drive has a GPT protective MBR, truncation only covers the protective entry")
	}
	used := rec.UsedBytes()
	switch {
	case used > s.device:
		return 0, newError(ErrInconsistentPartition, 0,
			fmt.Errorf("partitions end at %d bytes, device has %d", used, s.device))
	case used == 0:
		return 0, newError(ErrNoPartitions, 0, nil)
	}
	active := -1
	for i, p := range rec.Partitions {
		if !p.Empty() && p.Active() {
			active = i + 1
			break
		}
	}
	e.log.Info("truncating read to partition table", "used_bytes", used, "device_bytes", s.device, "active_partition", active)
	return used, nil
}

// errStopped ends prepare when the session was cancelled before or while
// taking the lock. Nothing is held when it is returned.
var errStopped = errors.New("stopped before the device was claimed")

// prepare maps, locks and sizes the device. On success the caller owns the
// lock and must release it with unlock.
func (e *Engine) prepare(s *session, logicalPath string) error {
	if e.cancelRequested(s) {
		return errStopped
	}
	physical, err := e.access.PhysicalPath(logicalPath)
	if err != nil {
		return newError(ErrMapping, 0, err)
	}
	if physical == "" {
		return newError(ErrMapping, 0, fmt.Errorf("%s: %w", logicalPath, drive.ErrNotFound))
	}
	s.physical = physical

	err = retry.Do(
		func() error { return e.access.Lock(logicalPath) },
		retry.Attempts(e.cfg.LockRetries+1),
		retry.Delay(e.cfg.LockRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(s.ctx),
		retry.OnRetry(func(n uint, err error) {
			e.log.Warn("lock attempt failed", "drive", logicalPath, "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		if e.cancelRequested(s) {
			return errStopped
		}
		return newError(ErrLock, 0, err)
	}

	size, err := e.access.Size(physical)
	if err == nil && size <= 0 {
		err = fmt.Errorf("device reported %d bytes", size)
	}
	if err != nil {
		e.unlock()
		return newError(ErrSize, 0, err)
	}
	s.device = size
	return nil
}

func (e *Engine) unlock() {
	if err := e.access.Unlock(); err != nil {
		e.log.Warn("unlock device", "err", err)
	}
}

type syncer interface {
	Sync() error
}

// closeHandle flushes and closes h. Its failure becomes the session error
// only when nothing failed earlier.
func (e *Engine) closeHandle(s *session, h drive.Handle, errp *error) {
	var errs []error
	if sh, ok := h.(syncer); ok && s.chunks > 0 {
		if err := sh.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync device: %w", err))
		}
	}
	if err := h.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	cerr := errors.Join(errs...)
	if cerr == nil {
		return
	}
	if *errp == nil && !s.cancelled {
		*errp = newError(ErrWrite, s.offset, cerr)
		return
	}
	e.log.Warn("release device", "err", cerr)
}

func (e *Engine) progress(s *session) {
	elapsed := e.now().Sub(s.start)
	pct := percent(s.offset, s.target)
	var rate float64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(s.offset) / secs
	}
	e.obs.OnProgress(pct)
	e.obs.OnLogMessage(fmt.Sprintf("%s %d%%, %d MB / %d MB, %.2f MB/sec, Elapsed time: %s",
		s.verb, pct, s.offset/(1<<20), s.target/(1<<20), rate/(1<<20), formatElapsed(elapsed)))
	e.log.Debug("chunk done", "chunk", s.chunks, "offset", s.offset, "target", s.target, "percent", pct)
}

// finish runs after every release on the call path and emits the final
// status.
func (e *Engine) finish(s *session, err error) (Result, error) {
	// The request, if any, has been consumed by this session.
	e.cancel.Store(false)
	elapsed := e.now().Sub(s.start)
	res := Result{
		Offset:       s.offset,
		TargetSize:   s.target,
		DeviceSize:   s.device,
		Chunks:       s.chunks,
		Elapsed:      elapsed,
		Format:       s.format,
		Truncated:    s.truncated,
		PhysicalPath: s.physical,
	}
	switch {
	case err != nil:
		res.Status = Failed
		e.obs.OnLogMessage(err.Error() + " - Elapsed time " + formatElapsed(elapsed))
		e.log.Error("imaging failed", "err", err, "offset", s.offset, "chunks", s.chunks)
	case s.cancelled:
		res.Status = Cancelled
		e.obs.OnLogMessage("Cancelled")
		e.log.Info("imaging cancelled", "offset", s.offset, "chunks", s.chunks)
	default:
		res.Status = Succeeded
		e.obs.OnLogMessage("All Done - Elapsed time " + formatElapsed(elapsed))
		e.log.Info("imaging done", "bytes", s.offset, "elapsed", elapsed)
	}
	e.obs.OnProgress(0)
	return res, err
}

func percent(offset, target int64) int {
	if target <= 0 {
		if offset > 0 {
			return 100
		}
		return 0
	}
	p := offset * 100 / target
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return int(p)
}

// formatElapsed renders d as dd.hh:mm:ss.
func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d.%02d:%02d:%02d", secs/86400, secs/3600%24, secs/60%60, secs%60)
}
