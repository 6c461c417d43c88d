package imaging

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskimager/codec"
	"diskimager/drive"
)

var errIO = errors.New("device I/O error")

// fakeDrive records how the engine drives an Access.
type fakeDrive struct {
	physical  string
	size      int64
	sizeErr   error
	lockFails int
	failWrite int // 1-based write call that fails; 0 never
	content   []byte

	lockCalls   int
	unlockCalls int
	locked      bool
	openMode    drive.Mode
	writes      int
	written     bytes.Buffer
	closed      bool
}

func (d *fakeDrive) PhysicalPath(string) (string, error) { return d.physical, nil }

func (d *fakeDrive) Lock(string) error {
	d.lockCalls++
	if d.lockCalls <= d.lockFails {
		return drive.ErrBusy
	}
	d.locked = true
	return nil
}

func (d *fakeDrive) Unlock() error {
	d.unlockCalls++
	d.locked = false
	return nil
}

func (d *fakeDrive) Size(string) (int64, error) { return d.size, d.sizeErr }

func (d *fakeDrive) Open(_ string, mode drive.Mode) (drive.Handle, error) {
	d.openMode = mode
	return &fakeHandle{d: d, r: bytes.NewReader(d.content)}, nil
}

type fakeHandle struct {
	d *fakeDrive
	r *bytes.Reader
}

func (h *fakeHandle) Read(p []byte) (int, error) { return h.r.Read(p) }

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.d.writes++
	if h.d.writes == h.d.failWrite {
		return 0, errIO
	}
	return h.d.written.Write(p)
}

func (h *fakeHandle) Close() error {
	h.d.closed = true
	return nil
}

// recorder keeps every observer callback.
type recorder struct {
	progress []int
	messages []string
	onChunk  func(n int)
}

func (r *recorder) OnProgress(p int) {
	r.progress = append(r.progress, p)
	if p != 0 && r.onChunk != nil {
		r.onChunk(len(r.progress))
	}
}

func (r *recorder) OnLogMessage(m string) { r.messages = append(r.messages, m) }

func (r *recorder) last() string {
	if len(r.messages) == 0 {
		return ""
	}
	return r.messages[len(r.messages)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, access drive.Access, fs afero.Fs, obs Observer, cfg Config) *Engine {
	t.Helper()
	e, err := New(access, WithFs(fs), WithLogger(quietLogger()), WithObserver(obs), WithConfig(cfg))
	require.NoError(t, err)
	return e
}

func writeFile(t *testing.T, fs afero.Fs, name string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, name, data, 0o644))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(&fakeDrive{}, WithConfig(Config{BufferSize: 1000}))
	assert.Error(t, err)
	_, err = New(&fakeDrive{}, WithConfig(Config{BufferSize: 4096, CompressionLevel: 12}))
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}

func TestWriteFailsOnFifthChunk(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 10_000_000))

	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 30, failWrite: 5}
	rec := &recorder{}
	e := newTestEngine(t, d, fs, rec, DefaultConfig())

	res, err := e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrite)
	assert.ErrorIs(t, err, errIO)

	var ierr *Error
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, int64(4*DefaultBufferSize), ierr.Offset)

	assert.Equal(t, Failed, res.Status)
	assert.Equal(t, int64(4*DefaultBufferSize), res.Offset)
	assert.Equal(t, int64(10_000_000), res.TargetSize)
	assert.Equal(t, 4, res.Chunks)
	assert.False(t, d.locked)
	assert.Equal(t, 1, d.unlockCalls)
	assert.True(t, d.closed)
	assert.Equal(t, drive.ReadWrite, d.openMode)
	assert.Equal(t, 0, rec.progress[len(rec.progress)-1])
}

func TestWriteCancelledAfterChunks(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 10*DefaultBufferSize))

	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 30}
	rec := &recorder{}
	e := newTestEngine(t, d, fs, rec, DefaultConfig())
	rec.onChunk = func(n int) {
		if n == 3 {
			e.Cancel()
		}
	}

	res, err := e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.Status)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, d.writes)
	assert.Equal(t, int64(3*DefaultBufferSize), res.Offset)
	assert.Equal(t, "Cancelled", rec.last())
	assert.Equal(t, []int{10, 20, 30, 0}, rec.progress)
	assert.False(t, d.locked)
	assert.True(t, d.closed)
}

func TestWriteCancelledByContext(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 4*DefaultBufferSize))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 30}
	rec := &recorder{onChunk: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	e := newTestEngine(t, d, fs, rec, DefaultConfig())

	res, err := e.WriteImageToDrive(ctx, "/media/card", "/img.bin", codec.None)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.Status)
	assert.Equal(t, 1, res.Chunks)
}

func TestCancelBeforeSessionStarts(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 4*DefaultBufferSize))

	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 30}
	rec := &recorder{}
	e := newTestEngine(t, d, fs, rec, DefaultConfig())
	e.Cancel()

	res, err := e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.Status)
	assert.Zero(t, res.Offset)
	assert.Zero(t, d.writes)
	assert.Equal(t, "Cancelled", rec.last())
	assert.Zero(t, d.lockCalls)
}

func TestCancelWhileWaitingForLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 2048))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 20, lockFails: 10}
	cfg := DefaultConfig()
	cfg.LockRetries = 5
	cfg.LockRetryDelay = time.Hour
	e := newTestEngine(t, d, fs, nil, cfg)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := e.WriteImageToDrive(ctx, "/media/card", "/img.bin", codec.None)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.Status)
	assert.Equal(t, 1, d.lockCalls)
	assert.Zero(t, d.unlockCalls)
	assert.Zero(t, d.writes)
}

// A Cancel from another goroutine that lands before the session begins is
// kept for that session.
func TestCancelFromWatcherBeforeSessionStarts(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 8*DefaultBufferSize))

	for i := 0; i < 20; i++ {
		d := &fakeDrive{physical: "/dev/sdx", size: 1 << 30}
		e := newTestEngine(t, d, fs, nil, DefaultConfig())

		stop := make(chan struct{})
		close(stop)
		watched := make(chan struct{})
		go func() {
			defer close(watched)
			<-stop
			e.Cancel()
		}()
		<-watched

		res, err := e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
		require.NoError(t, err)
		require.Equal(t, Cancelled, res.Status, "iteration %d", i)
	}
}

func TestCancelResetsBetweenSessions(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 4*DefaultBufferSize))

	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 30}
	rec := &recorder{}
	e := newTestEngine(t, d, fs, rec, DefaultConfig())
	rec.onChunk = func(n int) {
		if n == 2 {
			e.Cancel()
		}
	}

	res, err := e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
	require.NoError(t, err)
	require.Equal(t, Cancelled, res.Status)

	rec.onChunk = nil
	res, err = e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.Status)
	assert.Equal(t, int64(4*DefaultBufferSize), res.Offset)
}

func TestWriteZeroLengthSource(t *testing.T) {
	for _, f := range []codec.Format{codec.None, codec.Zip, codec.Gzip, codec.TarGzip} {
		t.Run(f.String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			out, err := fs.Create("/empty")
			require.NoError(t, err)
			w, err := codec.NewWriter(out, f, codec.WriterOptions{})
			require.NoError(t, err)
			require.NoError(t, w.Close())
			require.NoError(t, out.Close())

			d := &fakeDrive{physical: "/dev/sdx", size: 1 << 20}
			rec := &recorder{}
			e := newTestEngine(t, d, fs, rec, DefaultConfig())

			res, err := e.WriteImageToDrive(context.Background(), "/media/card", "/empty", f)
			require.NoError(t, err)
			assert.Equal(t, Succeeded, res.Status)
			assert.Zero(t, res.Offset)
			assert.Zero(t, res.Chunks)
			assert.Zero(t, d.writes)
			assert.True(t, strings.HasPrefix(rec.last(), "All Done - Elapsed time "))
			assert.Equal(t, []int{0}, rec.progress)
		})
	}
}

func TestWriteDeviceTooSmall(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, drive.CreateFileDevice(fs, "/dev/sim", 0))
	writeFile(t, fs, "/img.bin", make([]byte, 3*DefaultBufferSize))

	access := drive.NewFileAccess(fs, "/dev/sim", DefaultBufferSize)
	e := newTestEngine(t, access, fs, nil, DefaultConfig())

	res, err := e.WriteImageToDrive(context.Background(), "/dev/sim", "/img.bin", codec.None)
	assert.ErrorIs(t, err, ErrWrite)
	assert.ErrorIs(t, err, drive.ErrEndOfDevice)
	assert.Equal(t, int64(DefaultBufferSize), res.Offset)
	assert.False(t, access.Locked())
}

func TestSetupFailures(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 1024))

	tests := []struct {
		name     string
		d        *fakeDrive
		want     error
		unlocked bool
	}{
		{"no physical disk", &fakeDrive{size: 1 << 20}, ErrMapping, false},
		{"lock busy", &fakeDrive{physical: "/dev/sdx", size: 1 << 20, lockFails: 10}, ErrLock, false},
		{"zero size", &fakeDrive{physical: "/dev/sdx"}, ErrSize, true},
		{"size error", &fakeDrive{physical: "/dev/sdx", size: 1 << 20, sizeErr: errIO}, ErrSize, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.LockRetryDelay = 0
			rec := &recorder{}
			e := newTestEngine(t, tt.d, fs, rec, cfg)

			res, err := e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, Failed, res.Status)
			assert.False(t, tt.d.locked)
			assert.Equal(t, tt.unlocked, tt.d.unlockCalls == 1)
			assert.Zero(t, tt.d.writes)
			assert.True(t, strings.HasPrefix(rec.last(), err.Error()+" - Elapsed time "), rec.last())
		})
	}
}

func TestLockRetry(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/img.bin", make([]byte, 1024))
	cfg := DefaultConfig()
	cfg.LockRetries = 2
	cfg.LockRetryDelay = time.Millisecond

	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 20, lockFails: 2}
	e := newTestEngine(t, d, fs, nil, cfg)
	res, err := e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.Status)
	assert.Equal(t, 3, d.lockCalls)

	cfg.LockRetries = 1
	d = &fakeDrive{physical: "/dev/sdx", size: 1 << 20, lockFails: 2}
	e = newTestEngine(t, d, fs, nil, cfg)
	_, err = e.WriteImageToDrive(context.Background(), "/media/card", "/img.bin", codec.None)
	assert.ErrorIs(t, err, ErrLock)
	assert.ErrorIs(t, err, drive.ErrBusy)
	assert.Equal(t, 2, d.lockCalls)
}

func TestWriteMissingImage(t *testing.T) {
	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 20}
	e := newTestEngine(t, d, afero.NewMemMapFs(), nil, DefaultConfig())
	_, err := e.WriteImageToDrive(context.Background(), "/media/card", "/nope.img", codec.None)
	assert.ErrorIs(t, err, ErrImage)
	assert.False(t, d.locked)
	assert.True(t, d.closed)
}

// mbrSector builds a boot sector with one partition per (first, count) pair.
func mbrSector(sig uint16, parts ...[2]uint32) []byte {
	sec := make([]byte, 512)
	for i, p := range parts {
		off := 446 + i*16
		sec[off+4] = 0x0C
		binary.LittleEndian.PutUint32(sec[off+8:], p[0])
		binary.LittleEndian.PutUint32(sec[off+12:], p[1])
	}
	binary.LittleEndian.PutUint16(sec[510:], sig)
	return sec
}

func TestReadTruncationFailures(t *testing.T) {
	const devSize = 1 << 20
	tests := []struct {
		name   string
		sector []byte
		want   error
	}{
		{"partition past device end", mbrSector(0xAA55, [2]uint32{2048, 4096}), ErrInconsistentPartition},
		{"bad signature", mbrSector(0x0000, [2]uint32{1, 10}), ErrInvalidMBR},
		{"empty table", mbrSector(0xAA55), ErrNoPartitions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := make([]byte, devSize)
			copy(content, tt.sector)
			d := &fakeDrive{physical: "/dev/sdx", size: devSize, content: content}
			fs := afero.NewMemMapFs()
			e := newTestEngine(t, d, fs, nil, DefaultConfig())

			res, err := e.ReadDriveToImage(context.Background(), "/media/card", "/out.img.gz", codec.Gzip, true)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, Failed, res.Status)
			assert.False(t, d.locked)
			assert.True(t, d.closed)
			assert.Equal(t, drive.ReadOnly, d.openMode)

			fi, err := fs.Stat("/out.img.gz")
			require.NoError(t, err)
			assert.Zero(t, fi.Size(), "nothing may reach the image before the probe passes")
		})
	}
}

func TestLogsEntryAndActivePartition(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	fs := afero.NewMemMapFs()
	out, err := fs.Create("/card.img.zip")
	require.NoError(t, err)
	w, err := codec.NewWriter(out, codec.Zip, codec.WriterOptions{EntryName: "card.img"})
	require.NoError(t, err)
	_, err = w.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())

	d := &fakeDrive{physical: "/dev/sdx", size: 1 << 20}
	e, err := New(d, WithFs(fs), WithLogger(log))
	require.NoError(t, err)
	_, err = e.WriteImageToDrive(context.Background(), "/media/card", "/card.img.zip", codec.Zip)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "entry=card.img")

	content := make([]byte, 4096)
	copy(content, mbrSector(0xAA55, [2]uint32{1, 2}, [2]uint32{3, 2}))
	content[446+16] = 0x80
	d = &fakeDrive{physical: "/dev/sdx", size: int64(len(content)), content: content}
	e, err = New(d, WithFs(fs), WithLogger(log), WithConfig(Config{BufferSize: 1024}))
	require.NoError(t, err)
	_, err = e.ReadDriveToImage(context.Background(), "/media/card", "/out.img", codec.None, true)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "active_partition=2")
}

func TestReadPastEndOfDevice(t *testing.T) {
	d := &fakeDrive{physical: "/dev/sdx", size: 4096, content: make([]byte, 1024)}
	e := newTestEngine(t, d, afero.NewMemMapFs(), nil, Config{BufferSize: 512})
	res, err := e.ReadDriveToImage(context.Background(), "/media/card", "/out.img", codec.None, false)
	assert.ErrorIs(t, err, ErrRead)
	assert.Equal(t, int64(1024), res.Offset)
}

func TestReadClampsToTarget(t *testing.T) {
	content := make([]byte, 8192)
	copy(content, mbrSector(0xAA55, [2]uint32{1, 4})) // ends at 2560 bytes
	d := &fakeDrive{physical: "/dev/sdx", size: int64(len(content)), content: content}
	fs := afero.NewMemMapFs()
	rec := &recorder{}
	e := newTestEngine(t, d, fs, rec, Config{BufferSize: 1024})

	res, err := e.ReadDriveToImage(context.Background(), "/media/card", "/out.img", codec.None, true)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, int64(2560), res.TargetSize)
	assert.Equal(t, int64(2560), res.Offset)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, []int{40, 80, 100, 0}, rec.progress)
	assert.Contains(t, rec.messages[0], "Read 40%, 0 MB / 0 MB")

	got, err := afero.ReadFile(fs, "/out.img")
	require.NoError(t, err)
	assert.Equal(t, content[:2560], got)
}

func TestRoundTripThroughFileDevice(t *testing.T) {
	// One partition from sector 1 to 6002: a size that is neither a power of
	// two nor a multiple of the buffer, so the aligner carry is exercised.
	image := make([]byte, 6002*512)
	rand.New(rand.NewSource(1)).Read(image[512 : len(image)/2])
	copy(image, mbrSector(0xAA55, [2]uint32{1, 6001}))

	names := map[codec.Format]string{
		codec.None:    "card.img",
		codec.Zip:     "card.zip",
		codec.Gzip:    "card.img.gz",
		codec.TarGzip: "card.tar.gz",
		codec.Zstd:    "card.img.zst",
		codec.Lz4:     "card.img.lz4",
	}
	for format, name := range names {
		t.Run(format.String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, drive.CreateFileDevice(fs, "/dev/sim", 8<<20))
			access := drive.NewFileAccess(fs, "/dev/sim", 0, "/media/sim")

			src, err := fs.Create("/in/" + name)
			require.NoError(t, err)
			w, err := codec.NewWriter(src, format, codec.WriterOptions{EntryName: "card.img", Size: int64(len(image))})
			require.NoError(t, err)
			_, err = w.Write(image)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			require.NoError(t, src.Close())

			e := newTestEngine(t, access, fs, nil, DefaultConfig())
			res, err := e.WriteImageToDrive(context.Background(), "/media/sim", "/in/"+name, format)
			require.NoError(t, err)
			assert.Equal(t, Succeeded, res.Status)
			assert.Equal(t, int64(len(image)), res.Offset)
			assert.Equal(t, int64(len(image)), res.TargetSize)
			assert.Equal(t, "/dev/sim", res.PhysicalPath)
			assert.False(t, access.Locked())

			res, err = e.ReadDriveToImage(context.Background(), "/media/sim", "/out/"+name, format, true)
			require.NoError(t, err)
			assert.True(t, res.Truncated)
			assert.Equal(t, int64(len(image)), res.Offset)
			assert.Equal(t, int64(8<<20), res.DeviceSize)

			out, err := fs.Open("/out/" + name)
			require.NoError(t, err)
			defer out.Close()
			r, err := codec.NewReader(out, format)
			require.NoError(t, err)
			defer r.Close()
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(image, got), "round trip mismatch")
		})
	}
}

func TestReadTarCancelledKeepsCancelledStatus(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, drive.CreateFileDevice(fs, "/dev/sim", 4<<20))
	access := drive.NewFileAccess(fs, "/dev/sim", 0)

	rec := &recorder{}
	e := newTestEngine(t, access, fs, rec, DefaultConfig())
	rec.onChunk = func(n int) {
		if n == 1 {
			e.Cancel()
		}
	}
	res, err := e.ReadDriveToImage(context.Background(), "/dev/sim", "/out.tgz", codec.TarGzip, false)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, res.Status)
	assert.Equal(t, "Cancelled", rec.last())
	assert.False(t, access.Locked())
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00.00:00:00", formatElapsed(0))
	assert.Equal(t, "00.01:02:03", formatElapsed(time.Hour+2*time.Minute+3*time.Second+400*time.Millisecond))
	assert.Equal(t, "02.03:00:00", formatElapsed(51*time.Hour))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, percent(0, 0))
	assert.Equal(t, 100, percent(5, 0))
	assert.Equal(t, 50, percent(5, 10))
	assert.Equal(t, 100, percent(15, 10))
}

func TestErrorUnwrap(t *testing.T) {
	err := error(newError(ErrRead, 42, io.ErrUnexpectedEOF))
	assert.ErrorIs(t, err, ErrRead)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrWrite)
	assert.Contains(t, err.Error(), "offset 42")

	bare := error(newError(ErrNoPartitions, 0, nil))
	assert.ErrorIs(t, bare, ErrNoPartitions)
}
