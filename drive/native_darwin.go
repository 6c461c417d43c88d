//go:build darwin

package drive

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	darwinPartRe  = regexp.MustCompile(`^(/dev/r?disk[0-9]+)s[0-9]+$`)
	darwinWholeRe = regexp.MustCompile(`^/dev/r?disk[0-9]+$`)
)

// Native is the macOS Access. Volumes are found with getfsstat, locked by
// unmounting every volume on the disk and taking a non-blocking flock on
// the disk node.
type Native struct {
	log *slog.Logger

	mu     sync.Mutex
	lockFd int
	locked bool
}

// NewNative returns the Access for this platform.
func NewNative(log *slog.Logger) *Native {
	if log == nil {
		log = slog.Default()
	}
	return &Native{log: log.With("component", "drive")}
}

type mountedVol struct {
	MountPoint string
	Device     string
	FSType     string
	SizeBytes  int64
}

func listMounted() []mountedVol {
	var out []mountedVol
	n, err := unix.Getfsstat(nil, unix.MNT_NOWAIT)
	if err != nil || n <= 0 {
		return out
	}
	buf := make([]unix.Statfs_t, n)
	if _, err := unix.Getfsstat(buf, unix.MNT_NOWAIT); err != nil {
		return out
	}
	for _, st := range buf {
		out = append(out, mountedVol{
			MountPoint: filepath.Clean(cString(st.Mntonname[:])),
			Device:     cString(st.Mntfromname[:]),
			FSType:     cString(st.Fstypename[:]),
			SizeBytes:  int64(st.Blocks) * int64(st.Bsize),
		})
	}
	return out
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// wholeDisk strips the slice suffix and the raw prefix: /dev/rdisk2s1 ->
// /dev/disk2.
func wholeDisk(dev string) string {
	if m := darwinPartRe.FindStringSubmatch(dev); m != nil {
		dev = m[1]
	}
	return strings.Replace(dev, "/dev/rdisk", "/dev/disk", 1)
}

func (n *Native) PhysicalPath(logicalPath string) (string, error) {
	p := filepath.Clean(logicalPath)
	if darwinWholeRe.MatchString(p) || darwinPartRe.MatchString(p) {
		return wholeDisk(p), nil
	}
	best := -1
	var dev string
	for _, v := range listMounted() {
		if !strings.HasPrefix(v.Device, "/dev/disk") {
			continue
		}
		if l := mountMatch(v.MountPoint, p); l > best {
			best, dev = l, v.Device
		}
	}
	if dev == "" {
		return "", fmt.Errorf("%s: %w", logicalPath, ErrNotFound)
	}
	return wholeDisk(dev), nil
}

func (n *Native) Lock(logicalPath string) error {
	disk, err := n.PhysicalPath(logicalPath)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.locked {
		return fmt.Errorf("%s: already locked by this process: %w", disk, ErrBusy)
	}

	for _, v := range listMounted() {
		if wholeDisk(v.Device) != disk {
			continue
		}
		n.log.Info("unmounting", "mount", v.MountPoint, "disk", disk)
		if err := unix.Unmount(v.MountPoint, 0); err != nil {
			return fmt.Errorf("unmount %s: %w: %w", v.MountPoint, err, ErrBusy)
		}
	}

	fd, err := unix.Open(disk, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("claim %s: %w", disk, err)
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%s: %w", disk, ErrBusy)
	}
	n.lockFd = fd
	n.locked = true
	return nil
}

func (n *Native) Unlock() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.locked {
		return nil
	}
	n.locked = false
	return unix.Close(n.lockFd)
}

func (n *Native) Size(physicalPath string) (int64, error) {
	f, err := os.Open(physicalPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return deviceSize(f)
}

// Open uses the raw /dev/rdiskN node, which skips the buffer cache.
func (n *Native) Open(physicalPath string, mode Mode) (Handle, error) {
	raw := strings.Replace(physicalPath, "/dev/disk", "/dev/rdisk", 1)
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_WRONLY
	}
	f, err := os.OpenFile(raw, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", raw, err)
	}
	return f, nil
}

// List enumerates whole disks under /dev. macOS offers no removable flag
// without IOKit, so every external-looking disk (not disk0) is reported
// removable.
func (n *Native) List() ([]Info, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, err
	}
	mounts := listMounted()
	var out []Info
	for _, e := range entries {
		path := filepath.Join("/dev", e.Name())
		if !strings.HasPrefix(e.Name(), "disk") || !darwinWholeRe.MatchString(path) {
			continue
		}
		in := Info{Path: path, Removable: path != "/dev/disk0"}
		if sz, err := n.Size(path); err == nil {
			in.Size = sz
			in.MediaType = MediaTypeBySize(sz)
		}
		for _, v := range mounts {
			if wholeDisk(v.Device) == path {
				in.Mounts = append(in.Mounts, v.MountPoint)
				in.Partitions = append(in.Partitions, v.Device)
			}
		}
		out = append(out, in)
	}
	return out, nil
}
