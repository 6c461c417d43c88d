// Package mbr decodes the master boot record found in the first sector of a
// drive and works out how much of the drive its primary partitions occupy.
package mbr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-restruct/restruct"
)

const (
	// SectorSize is the unit used by the LBA fields of a partition entry.
	SectorSize = 512
	// BootSignature marks a valid MBR (bytes 0x55,0xAA at offset 510).
	BootSignature = 0xAA55

	bootCodeLen    = 446
	entryCount     = 4
	typeUnused     = 0x00
	typeProtective = 0xEE
	statusActive   = 0x80
)

// ErrShortSector is returned when fewer than SectorSize bytes are supplied.
var ErrShortSector = errors.New("boot sector too short")

// PartitionEntry is one of the four 16-byte primary partition descriptors.
type PartitionEntry struct {
	Status      uint8
	CHSStart    [3]byte
	Type        uint8
	CHSEnd      [3]byte
	FirstSector uint32
	Sectors     uint32
}

// Record is the fixed 512-byte layout of a boot sector.
type Record struct {
	BootCode   [bootCodeLen]byte
	Partitions [entryCount]PartitionEntry
	Signature  uint16
}

// Empty reports whether the entry describes no partition.
func (e PartitionEntry) Empty() bool {
	return e.Type == typeUnused
}

// Active reports whether the entry carries the bootable flag.
func (e PartitionEntry) Active() bool {
	return e.Status == statusActive
}

// UsedBytes is the byte offset just past the end of the partition.
func (e PartitionEntry) UsedBytes() int64 {
	return (int64(e.FirstSector) + int64(e.Sectors)) * SectorSize
}

// Parse decodes the first SectorSize bytes of sector. The signature is not
// checked here; see Valid.
func Parse(sector []byte) (*Record, error) {
	if len(sector) < SectorSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortSector, len(sector))
	}
	var r Record
	if err := restruct.Unpack(sector[:SectorSize], binary.LittleEndian, &r); err != nil {
		return nil, fmt.Errorf("decode boot sector: %w", err)
	}
	return &r, nil
}

// Valid reports whether the boot signature is present.
func (r *Record) Valid() bool {
	return r.Signature == BootSignature
}

// Protective reports whether any entry is a GPT protective partition, in which
// case the real layout lives in the GPT and not in this table.
func (r *Record) Protective() bool {
	for _, p := range r.Partitions {
		if p.Type == typeProtective {
			return true
		}
	}
	return false
}

// UsedBytes returns the highest end offset across all non-empty entries.
// Overlapping or out-of-order tables are tolerated by taking the maximum.
func (r *Record) UsedBytes() int64 {
	var used int64
	for _, p := range r.Partitions {
		if p.Empty() {
			continue
		}
		if end := p.UsedBytes(); end > used {
			used = end
		}
	}
	return used
}

// ComputeUsedBytes decodes sector and returns the number of bytes covered by
// its partitions. isValid is false when the sector is short or the signature
// is not 0xAA55; a valid table with no partitions yields (0, true).
func ComputeUsedBytes(sector []byte) (usedBytes int64, isValid bool) {
	r, err := Parse(sector)
	if err != nil || !r.Valid() {
		return 0, false
	}
	return r.UsedBytes(), true
}
