package imaging

import (
	"fmt"
	"time"

	"diskimager/mbr"
)

// Defaults applied by DefaultConfig.
const (
	DefaultBufferSize       = 1 << 20
	DefaultCompressionLevel = 3
	DefaultLockRetries      = 2
	DefaultLockRetryDelay   = 500 * time.Millisecond
)

// Config tunes one engine. It is copied into the engine at construction.
type Config struct {
	// BufferSize is the chunk size for device I/O. Must be a multiple of the
	// sector size.
	BufferSize int
	// CompressionLevel is 0 (store) to 9 (best) for every codec.
	CompressionLevel int
	// LockRetries is the number of extra lock attempts after the first.
	LockRetries    uint
	LockRetryDelay time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BufferSize:       DefaultBufferSize,
		CompressionLevel: DefaultCompressionLevel,
		LockRetries:      DefaultLockRetries,
		LockRetryDelay:   DefaultLockRetryDelay,
	}
}

// Validate checks the config for values the engine cannot run with.
func (c Config) Validate() error {
	if c.BufferSize < mbr.SectorSize || c.BufferSize%mbr.SectorSize != 0 {
		return fmt.Errorf("buffer size %d must be a positive multiple of %d", c.BufferSize, mbr.SectorSize)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression level %d out of range 0-9", c.CompressionLevel)
	}
	if c.LockRetryDelay < 0 {
		return fmt.Errorf("lock retry delay must not be negative")
	}
	return nil
}
