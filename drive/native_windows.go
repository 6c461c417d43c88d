//go:build windows

package drive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	fsctlLockVolume     = 0x90018
	fsctlDismountVolume = 0x90020
	fsctlUnlockVolume   = 0x9001c

	ioctlStorageGetDeviceNumber = 0x2D1080
	ioctlDiskGetLengthInfo      = 0x7405C

	fileFlagWriteThrough = 0x80000000
)

type storageDeviceNumber struct {
	DeviceType      uint32
	DeviceNumber    uint32
	PartitionNumber uint32
}

// Native is the Windows Access. A logical drive letter is mapped to its
// PhysicalDriveN, and locking takes FSCTL_LOCK_VOLUME then dismounts the
// volume, keeping the volume handle open until Unlock.
type Native struct {
	log *slog.Logger

	mu  sync.Mutex
	vol windows.Handle
}

// NewNative returns the Access for this platform.
func NewNative(log *slog.Logger) *Native {
	if log == nil {
		log = slog.Default()
	}
	return &Native{log: log.With("component", "drive")}
}

// volumePath normalizes E, E:, E:\ and \\.\E: to \\.\E:.
func volumePath(logical string) (string, bool) {
	p := strings.TrimPrefix(logical, `\\.\`)
	p = strings.TrimRight(p, `\/`)
	p = strings.TrimSuffix(p, ":")
	if len(p) != 1 {
		return "", false
	}
	c := strings.ToUpper(p)[0]
	if c < 'A' || c > 'Z' {
		return "", false
	}
	return `\\.\` + string(c) + `:`, true
}

func ioctl(h windows.Handle, code uint32, out unsafe.Pointer, outSize uint32) error {
	var returned uint32
	return windows.DeviceIoControl(h, code, nil, 0, (*byte)(out), outSize, &returned, nil)
}

func openVolume(path string, access, share uint32) (windows.Handle, error) {
	return windows.CreateFile(windows.StringToUTF16Ptr(path), access, share, nil, windows.OPEN_EXISTING, 0, 0)
}

func (n *Native) PhysicalPath(logicalPath string) (string, error) {
	if strings.HasPrefix(strings.ToLower(logicalPath), `\\.\physicaldrive`) {
		return logicalPath, nil
	}
	vol, ok := volumePath(logicalPath)
	if !ok {
		return "", fmt.Errorf("%s: not a drive letter: %w", logicalPath, ErrNotFound)
	}
	h, err := openVolume(vol, windows.GENERIC_READ, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE)
	if err != nil {
		return "", fmt.Errorf("open volume %s: %w", vol, err)
	}
	defer windows.CloseHandle(h)

	var num storageDeviceNumber
	if err := ioctl(h, ioctlStorageGetDeviceNumber, unsafe.Pointer(&num), uint32(unsafe.Sizeof(num))); err != nil {
		return "", fmt.Errorf("%s: device number: %w", vol, err)
	}
	return fmt.Sprintf(`\\.\PhysicalDrive%d`, num.DeviceNumber), nil
}

func (n *Native) Lock(logicalPath string) error {
	vol, ok := volumePath(logicalPath)
	if !ok {
		// PhysicalDrive paths have no volume to lock.
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vol != 0 {
		return fmt.Errorf("%s: already locked by this process: %w", vol, ErrBusy)
	}

	h, err := openVolume(vol, windows.GENERIC_READ|windows.GENERIC_WRITE, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE)
	if err != nil {
		return fmt.Errorf("open volume %s (administrator rights needed?): %w", vol, err)
	}
	if err := ioctl(h, fsctlLockVolume, nil, 0); err != nil {
		windows.CloseHandle(h)
		return fmt.Errorf("lock %s: %w: %w", vol, err, ErrBusy)
	}
	if err := ioctl(h, fsctlDismountVolume, nil, 0); err != nil {
		if !errors.Is(err, windows.ERROR_NOT_SUPPORTED) {
			ioctl(h, fsctlUnlockVolume, nil, 0)
			windows.CloseHandle(h)
			return fmt.Errorf("dismount %s: %w", vol, err)
		}
		n.log.Warn("dismount not supported", "volume", vol)
	}
	n.vol = h
	return nil
}

func (n *Native) Unlock() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.vol == 0 {
		return nil
	}
	h := n.vol
	n.vol = 0
	uerr := ioctl(h, fsctlUnlockVolume, nil, 0)
	return errors.Join(uerr, windows.CloseHandle(h))
}

func (n *Native) Size(physicalPath string) (int64, error) {
	h, err := openVolume(physicalPath, windows.GENERIC_READ, windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", physicalPath, err)
	}
	defer windows.CloseHandle(h)
	var length int64
	if err := ioctl(h, ioctlDiskGetLengthInfo, unsafe.Pointer(&length), uint32(unsafe.Sizeof(length))); err != nil {
		return 0, fmt.Errorf("%s: length info: %w", physicalPath, err)
	}
	return length, nil
}

func (n *Native) Open(physicalPath string, mode Mode) (Handle, error) {
	access := uint32(windows.GENERIC_READ)
	share := uint32(windows.FILE_SHARE_READ | windows.FILE_SHARE_WRITE)
	var flags uint32
	if mode == ReadWrite {
		access |= windows.GENERIC_WRITE
		flags = fileFlagWriteThrough
	}
	h, err := windows.CreateFile(windows.StringToUTF16Ptr(physicalPath), access, share, nil, windows.OPEN_EXISTING, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", physicalPath, err)
	}
	f := os.NewFile(uintptr(h), physicalPath)
	if f == nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("open device %s: invalid handle", physicalPath)
	}
	return f, nil
}

// List reports every lettered volume, marking removable ones.
func (n *Native) List() ([]Info, error) {
	var out []Info
	for l := 'A'; l <= 'Z'; l++ {
		root := string(l) + `:\`
		t := windows.GetDriveType(windows.StringToUTF16Ptr(root))
		if t == windows.DRIVE_UNKNOWN || t == windows.DRIVE_NO_ROOT_DIR {
			continue
		}
		in := Info{
			Path:      string(l) + ":",
			Removable: t == windows.DRIVE_REMOVABLE,
			Mounts:    []string{root},
		}
		if phys, err := n.PhysicalPath(in.Path); err == nil {
			in.Model = phys
			if sz, err := n.Size(phys); err == nil {
				in.Size = sz
				in.MediaType = MediaTypeBySize(sz)
			}
		}
		out = append(out, in)
	}
	return out, nil
}
