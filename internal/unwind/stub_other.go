//go:build !linux

// stub_other.go — non-Linux stub for the unwind package. Every exported
// symbol is available so callers can import the package unconditionally
// and branch on the returned error.

package unwind

import (
	"errors"

	"github.com/cilium/ebpf"

	"github.com/tripwire/flamewalk/internal/config"
	"github.com/tripwire/flamewalk/internal/kmaps"
)

// ErrNotSupported is returned by every Program operation on platforms
// without BPF support.
var ErrNotSupported = errors.New("unwind: in-kernel unwinding is only supported on Linux")

// Program is a no-op stub on non-Linux platforms.
type Program struct{}

// LoadSpec always fails on non-Linux platforms.
func LoadSpec(obj []byte) (*ebpf.CollectionSpec, error) {
	return nil, ErrNotSupported
}

// NewProgram always fails on non-Linux platforms.
func NewProgram(spec *ebpf.CollectionSpec, maps *kmaps.Maps) (*Program, error) {
	return nil, ErrNotSupported
}

// Attach always fails on non-Linux platforms.
func (p *Program) Attach(probe config.ProbeSpec, pid int) error {
	return ErrNotSupported
}

// Close is a no-op on non-Linux platforms.
func (p *Program) Close() {}
