//go:build !linux

package kmaps

import (
	"errors"

	"github.com/tripwire/flamewalk/internal/config"
)

// ErrNotSupported is returned by New on platforms without BPF support,
// mirroring internal/unwind's stub_other.go precedent.
var ErrNotSupported = errors.New("kmaps: not supported on this platform")

// Maps is an opaque placeholder on non-Linux platforms. New always fails,
// so no caller ever holds a non-nil *Maps here; the methods below exist
// only so internal/session can call them unconditionally from a single
// cross-platform file.
type Maps struct{}

// New always fails on non-Linux platforms.
func New(cfg *config.Config) (*Maps, error) {
	return nil, ErrNotSupported
}

func (m *Maps) Counts() (map[uint32]uint64, error) { return nil, ErrNotSupported }

func (m *Maps) Stacks(stackID uint32) ([]uint64, error) { return nil, ErrNotSupported }

func (m *Maps) DrainEvents(fn func(raw []byte, lost uint64)) {}

func (m *Maps) Close() error { return nil }
