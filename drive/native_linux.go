//go:build linux

package drive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Native is the Linux Access. Mapping and listing come from lsblk; locking
// unmounts every partition of the disk and holds an O_EXCL descriptor,
// which the kernel refuses while anything else has the disk claimed.
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

func (n *Native) lsblk() ([]blockDev, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "lsblk", lsblkArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf("run lsblk: %w", err)
	}
	return parseLsblk(out)
}

func (n *Native) PhysicalPath(logicalPath string) (string, error) {
	devs, err := n.lsblk()
	if err != nil {
		return "", err
	}
	disk, _, ok := findDisk(devs, logicalPath)
	if !ok {
		return "", fmt.Errorf("%s: %w", logicalPath, ErrNotFound)
	}
	return disk.Path, nil
}

func (n *Native) Lock(logicalPath string) error {
	devs, err := n.lsblk()
	if err != nil {
		return err
	}
	disk, _, ok := findDisk(devs, logicalPath)
	if !ok {
		return fmt.Errorf("%s: %w", logicalPath, ErrNotFound)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.locked {
		return fmt.Errorf("%s: already locked by this process: %w", disk.Path, ErrBusy)
	}

	for _, m := range mountsOf(disk) {
		n.log.Info("unmounting", "mount", m, "disk", disk.Path)
		if err := unix.Unmount(m, 0); err != nil {
			return fmt.Errorf("unmount %s: %w: %w", m, err, ErrBusy)
		}
	}

	fd, err := unix.Open(disk.Path, unix.O_RDONLY|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.EBUSY) {
			return fmt.Errorf("%s: %w", disk.Path, ErrBusy)
		}
		return fmt.Errorf("claim %s: %w", disk.Path, err)
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

func (n *Native) Open(physicalPath string, mode Mode) (Handle, error) {
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_WRONLY
	}
	f, err := os.OpenFile(physicalPath, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", physicalPath, err)
	}
	return f, nil
}

// List enumerates whole disks.
func (n *Native) List() ([]Info, error) {
	devs, err := n.lsblk()
	if err != nil {
		return nil, err
	}
	return infosFromLsblk(devs), nil
}
