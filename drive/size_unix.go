//go:build linux || darwin

package drive

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BSD/macOS disk geometry ioctls.
const (
	dkiocGetBlockSize  = 0x40046418 // _IOR('d', 24, uint32)
	dkiocGetBlockCount = 0x40086419 // _IOR('d', 25, uint64)
	blkGetSize64       = 0x80081272 // Linux BLKGETSIZE64
)

// deviceSize reports the size of a regular file or block device. Seeking
// to the end covers files and Linux block devices; the ioctls cover the
// rest.
func deviceSize(f *os.File) (int64, error) {
	if size, err := f.Seek(0, io.SeekEnd); err == nil && size > 0 {
		_, _ = f.Seek(0, io.SeekStart)
		return size, nil
	}

	var blockSize uint32
	if err := ioctl(f.Fd(), dkiocGetBlockSize, unsafe.Pointer(&blockSize)); err != nil {
		var size uint64
		if err := ioctl(f.Fd(), blkGetSize64, unsafe.Pointer(&size)); err != nil {
			return 0, fmt.Errorf("cannot determine size of %s: %w", f.Name(), err)
		}
		return int64(size), nil
	}

	var blockCount uint64
	if err := ioctl(f.Fd(), dkiocGetBlockCount, unsafe.Pointer(&blockCount)); err != nil {
		return 0, fmt.Errorf("cannot get block count of %s: %w", f.Name(), err)
	}
	return int64(blockSize) * int64(blockCount), nil
}

func ioctl(fd uintptr, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
