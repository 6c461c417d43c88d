package imaging

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by the engine wraps exactly one of
// these, so callers can branch with errors.Is.
var (
	ErrMapping               = errors.New("couldn't map partition to physical drive")
	ErrLock                  = errors.New("failed to lock device")
	ErrSize                  = errors.New("failed to get device size")
	ErrOpen                  = errors.New("failed to open device")
	ErrImage                 = errors.New("failed to open image file")
	ErrWrite                 = errors.New("error writing data")
	ErrRead                  = errors.New("error reading data")
	ErrInvalidMBR            = errors.New("invalid master boot record")
	ErrInconsistentPartition = errors.New("partition table claims more space than the device has")
	ErrNoPartitions          = errors.New("no partitions found in master boot record")
)

// Error records where in the transfer a session failed.
type Error struct {
	Kind   error
	Offset int64
	Err    error
}

func newError(kind error, offset int64, err error) *Error {
	return &Error{Kind: kind, Offset: offset, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (offset %d)", e.Kind, e.Offset)
	}
	return fmt.Sprintf("%v (offset %d): %v", e.Kind, e.Offset, e.Err)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
