// Package drive is the raw device capability consumed by the imaging
// engine: mapping a logical volume to its physical disk, locking it,
// reporting its size and handing out read/write handles. One Access
// implementation exists per platform plus a file-backed one for dry runs.
package drive

import (
	"errors"
	"io"
)

// Mode selects how Open prepares a handle.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

var (
	// ErrNotFound is returned when no device backs a path.
	ErrNotFound = errors.New("device not found")
	// ErrBusy is returned when another holder owns the device lock.
	ErrBusy = errors.New("device busy")
	// ErrUnsupported is returned on platforms without raw device access.
	ErrUnsupported = errors.New("raw device access not supported on this platform")
)

// Handle is an open device. Reads and writes are sequential from offset 0.
type Handle interface {
	io.Reader
	io.Writer
	io.Closer
}

// Access is the per-platform device capability.
type Access interface {
	// PhysicalPath maps a logical volume (mount point, drive letter or
	// partition node) to the whole disk that holds it.
	PhysicalPath(logicalPath string) (string, error)
	// Lock claims exclusive use of the volume, dismounting it if needed.
	Lock(logicalPath string) error
	// Unlock releases the claim taken by Lock. It is safe to call twice.
	Unlock() error
	// Size reports the capacity of the physical disk in bytes.
	Size(physicalPath string) (int64, error)
	Open(physicalPath string, mode Mode) (Handle, error)
}

// Info describes one device found by a Lister.
type Info struct {
	Path       string   `json:"path"`
	Model      string   `json:"model,omitempty"`
	Size       int64    `json:"size"`
	Removable  bool     `json:"removable"`
	MediaType  string   `json:"media_type,omitempty"`
	Mounts     []string `json:"mounts,omitempty"`
	Partitions []string `json:"partitions,omitempty"`
}

// Lister enumerates attached devices.
type Lister interface {
	List() ([]Info, error)
}

// MediaTypeBySize labels the classic floppy capacities; anything else is
// reported as a plain disk.
func MediaTypeBySize(size int64) string {
	switch size {
	case 360 * 1024:
		return "360K floppy"
	case 720 * 1024:
		return "720K floppy"
	case 1200 * 1024:
		return "1.2M floppy"
	case 1440 * 1024:
		return "1.44M floppy"
	case 2880 * 1024:
		return "2.88M floppy"
	}
	if size <= 0 {
		return ""
	}
	return "disk"
}

// Removable filters infos down to removable devices.
func Removable(infos []Info) []Info {
	var out []Info
	for _, in := range infos {
		if in.Removable {
			out = append(out, in)
		}
	}
	return out
}
