//go:build !linux && !darwin && !windows

package drive

import "log/slog"

// Native reports ErrUnsupported for everything; use FileAccess instead.
type Native struct{}

// NewNative returns the Access for this platform.
func NewNative(_ *slog.Logger) *Native { return &Native{} }

func (*Native) PhysicalPath(string) (string, error) { return "", ErrUnsupported }
func (*Native) Lock(string) error { return ErrUnsupported }
func (*Native) Unlock() error { return nil }
func (*Native) Size(string) (int64, error) { return 0, ErrUnsupported }
func (*Native) Open(string, Mode) (Handle, error) { return nil, ErrUnsupported }
func (*Native) List() ([]Info, error) { return nil, ErrUnsupported }
