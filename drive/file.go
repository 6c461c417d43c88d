package drive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// ErrEndOfDevice is returned by a FileAccess handle when a write runs past
// the simulated capacity.
var ErrEndOfDevice = errors.New("write past end of device")

// Lock table shared by every FileAccess, so two instances over the same
// file contend the way two processes contend for a real volume.
var (
	fileLocksMu sync.Mutex
	fileLocks   = map[string]bool{}
)

// FileAccess simulates a drive with a regular file. A logical path maps to
// the file when it equals the file path or one of the aliases.
type FileAccess struct {
	fs       afero.Fs
	path     string
	capacity int64
	aliases  map[string]bool

	mu     sync.Mutex
	locked string
}

// NewFileAccess simulates a drive of capacity bytes backed by path on fs.
// A capacity of 0 uses the file's current size.
func NewFileAccess(fs afero.Fs, path string, capacity int64, aliases ...string) *FileAccess {
	a := &FileAccess{
		fs:       fs,
		path:     filepath.Clean(path),
		capacity: capacity,
		aliases:  map[string]bool{},
	}
	for _, al := range aliases {
		a.aliases[filepath.Clean(al)] = true
	}
	return a
}

// CreateFileDevice makes a zero-filled device file of size bytes.
func CreateFileDevice(fs afero.Fs, path string, size int64) error {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create device file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("size device file: %w", err)
	}
	return f.Close()
}

func (a *FileAccess) PhysicalPath(logicalPath string) (string, error) {
	p := filepath.Clean(logicalPath)
	if p == a.path || a.aliases[p] {
		return a.path, nil
	}
	return "", fmt.Errorf("%s: %w", logicalPath, ErrNotFound)
}

func (a *FileAccess) Lock(logicalPath string) error {
	if _, err := a.PhysicalPath(logicalPath); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locked != "" {
		return fmt.Errorf("%s: %w", a.path, ErrBusy)
	}
	fileLocksMu.Lock()
	defer fileLocksMu.Unlock()
	if fileLocks[a.path] {
		return fmt.Errorf("%s: %w", a.path, ErrBusy)
	}
	fileLocks[a.path] = true
	a.locked = a.path
	return nil
}

func (a *FileAccess) Unlock() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.locked == "" {
		return nil
	}
	fileLocksMu.Lock()
	delete(fileLocks, a.locked)
	fileLocksMu.Unlock()
	a.locked = ""
	return nil
}

// Locked reports whether this instance holds the lock.
func (a *FileAccess) Locked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.locked != ""
}

func (a *FileAccess) Size(physicalPath string) (int64, error) {
	if filepath.Clean(physicalPath) != a.path {
		return 0, fmt.Errorf("%s: %w", physicalPath, ErrNotFound)
	}
	if a.capacity > 0 {
		return a.capacity, nil
	}
	fi, err := a.fs.Stat(a.path)
	if err != nil {
		return 0, fmt.Errorf("stat device file: %w", err)
	}
	return fi.Size(), nil
}

func (a *FileAccess) Open(physicalPath string, mode Mode) (Handle, error) {
	size, err := a.Size(physicalPath)
	if err != nil {
		return nil, err
	}
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := a.fs.OpenFile(a.path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s %s: %w", a.path, mode, err)
	}
	return &fileHandle{f: f, size: size}, nil
}

// List reports the simulated device as the only, removable, drive.
func (a *FileAccess) List() ([]Info, error) {
	size, err := a.Size(a.path)
	if err != nil {
		return nil, err
	}
	return []Info{{
		Path:      a.path,
		Model:     "file-backed device",
		Size:      size,
		Removable: true,
		MediaType: MediaTypeBySize(size),
	}}, nil
}

// fileHandle bounds I/O to the simulated capacity.
type fileHandle struct {
	f    afero.File
	pos  int64
	size int64
}

func (h *fileHandle) Read(p []byte) (int, error) {
	if h.pos >= h.size {
		return 0, io.EOF
	}
	if rem := h.size - h.pos; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := h.f.Read(p)
	h.pos += int64(n)
	return n, err
}

func (h *fileHandle) Write(p []byte) (int, error) {
	rem := h.size - h.pos
	if rem <= 0 {
		return 0, ErrEndOfDevice
	}
	short := int64(len(p)) > rem
	if short {
		p = p[:rem]
	}
	n, err := h.f.Write(p)
	h.pos += int64(n)
	if err != nil {
		return n, err
	}
	if short {
		return n, ErrEndOfDevice
	}
	return n, nil
}

func (h *fileHandle) Sync() error {
	return h.f.Sync()
}

func (h *fileHandle) Close() error {
	return h.f.Close()
}
