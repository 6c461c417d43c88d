package imaging

import (
	"time"

	"diskimager/codec"
)

// Status is the terminal state of a session.
type Status int

const (
	Succeeded Status = iota
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result summarises a finished session. It is returned on every path,
// including failures, so callers can see how far the transfer got.
type Result struct {
	Status       Status
	Offset       int64 // bytes transferred
	TargetSize   int64 // bytes the session meant to transfer
	DeviceSize   int64
	Chunks       int
	Elapsed      time.Duration
	Format       codec.Format
	Truncated    bool // read was limited by the partition table
	PhysicalPath string
}
