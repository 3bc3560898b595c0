//go:build linux

package unwind

import (
	"bytes"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/tripwire/flamewalk/internal/config"
	"github.com/tripwire/flamewalk/internal/kmaps"
)

// ProgramName is the entry-point BPF program every probe kind attaches:
// one resident program samples the interrupted register state and walks
// the stack, whatever the triggering event was.
const ProgramName = "on_probe"

// bpfObjectBytes holds the pre-compiled eBPF program object, set by
// object_embed_linux.go when built with -tags bpf_embedded. In a standard
// build it is nil and LoadSpec returns a descriptive error.
var bpfObjectBytes []byte

// Program owns a loaded BPF collection, the kernel maps it was wired to,
// and every probe link and raw perf-event fd attached to it. A Program is
// scoped to one Session: Close detaches every probe and releases the
// collection, which is what detaches everything from the kernel.
type Program struct {
	coll    *ebpf.Collection
	links   []link.Link
	perfFDs []int
}

// LoadSpec parses a compiled BPF object (the embedded bytes, or obj if
// non-empty) into a CollectionSpec without loading it into the kernel yet.
func LoadSpec(obj []byte) (*ebpf.CollectionSpec, error) {
	if len(obj) == 0 {
		obj = bpfObjectBytes
	}
	if len(obj) == 0 {
		return nil, fmt.Errorf("unwind: no BPF object available; build with -tags bpf_embedded " +
			"or pass the compiled stackwalk.bpf.o bytes explicitly")
	}
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(obj))
	if err != nil {
		return nil, fmt.Errorf("unwind: parse BPF object: %w", err)
	}
	return spec, nil
}

// NewProgram loads spec into the kernel, replacing its own map
// declarations with maps' already-created handles (so C3's capacities,
// not whatever the compiled object's skeleton happened to declare,
// govern every map's size).
func NewProgram(spec *ebpf.CollectionSpec, maps *kmaps.Maps) (*Program, error) {
	opts := ebpf.CollectionOptions{
		MapReplacements: maps.Replacements(),
	}
	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		return nil, fmt.Errorf("unwind: load BPF collection: %w", err)
	}
	if coll.Programs[ProgramName] == nil {
		coll.Close()
		return nil, fmt.Errorf("unwind: BPF object has no %q program", ProgramName)
	}
	return &Program{coll: coll}, nil
}

// Attach installs probe according to its kind. pid is the traced
// target's process id: profile:hz:<N> is a per-target CPU-clock counter
// on all CPUs, not a system-wide one, so the sampling-timer path needs
// it. kprobe/kretprobe/tracepoint/uprobe/uretprobe ignore it: they are
// attached without a pid filter, so they fire for every process that
// reaches the probed function or tracepoint.
func (p *Program) Attach(probe config.ProbeSpec, pid int) error {
	prog := p.coll.Programs[ProgramName]

	switch probe.Kind {
	case config.ProbeKprobe:
		l, err := link.Kprobe(probe.Function, prog, nil)
		if err != nil {
			return fmt.Errorf("unwind: attach kprobe %q: %w", probe.Function, err)
		}
		p.links = append(p.links, l)

	case config.ProbeKretprobe:
		l, err := link.Kretprobe(probe.Function, prog, nil)
		if err != nil {
			return fmt.Errorf("unwind: attach kretprobe %q: %w", probe.Function, err)
		}
		p.links = append(p.links, l)

	case config.ProbeTracepoint:
		l, err := link.Tracepoint(probe.Category, probe.Name, prog, nil)
		if err != nil {
			return fmt.Errorf("unwind: attach tracepoint %s:%s: %w", probe.Category, probe.Name, err)
		}
		p.links = append(p.links, l)

	case config.ProbeUprobe, config.ProbeUretprobe:
		ex, err := link.OpenExecutable(probe.Path)
		if err != nil {
			return fmt.Errorf("unwind: open executable %q: %w", probe.Path, err)
		}
		uopts := &link.UprobeOptions{Offset: probe.Offset}
		var l link.Link
		if probe.Kind == config.ProbeUprobe {
			l, err = ex.Uprobe(probe.Symbol, prog, uopts)
		} else {
			l, err = ex.Uretprobe(probe.Symbol, prog, uopts)
		}
		if err != nil {
			return fmt.Errorf("unwind: attach %s %s:%s: %w", probe.Kind, probe.Path, probe.Symbol, err)
		}
		p.links = append(p.links, l)

	case config.ProbeProfile:
		return p.attachProfile(probe.HZ, prog, pid)

	default:
		return fmt.Errorf("unwind: unknown probe kind %q", probe.Kind)
	}

	return nil
}

// attachProfile opens one CPU-clock perf event per CPU, scoped to pid, and
// attaches prog to each, the cilium/ebpf/link package having no helper for
// sampling-timer perf events (only kprobe/uprobe/tracepoint attachment).
// Passing pid (rather than -1) scopes the counter to the target instead
// of sampling every process scheduled on the host.
func (p *Program) attachProfile(hz int, prog *ebpf.Program, pid int) error {
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		attr := unix.PerfEventAttr{
			Type:   unix.PERF_TYPE_SOFTWARE,
			Config: unix.PERF_COUNT_SW_CPU_CLOCK,
			Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
			Sample: uint64(hz),
			Bits:   unix.PerfBitDisabled | unix.PerfBitFreq,
		}
		fd, err := unix.PerfEventOpen(&attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			p.closePerfFDs()
			return fmt.Errorf("unwind: perf_event_open(pid=%d, cpu=%d, hz=%d): %w", pid, cpu, hz, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
			unix.Close(fd)
			p.closePerfFDs()
			return fmt.Errorf("unwind: attach BPF program to perf event (cpu=%d): %w", cpu, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			unix.Close(fd)
			p.closePerfFDs()
			return fmt.Errorf("unwind: enable perf event (cpu=%d): %w", cpu, err)
		}
		p.perfFDs = append(p.perfFDs, fd)
	}
	return nil
}

func (p *Program) closePerfFDs() {
	for _, fd := range p.perfFDs {
		unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
		unix.Close(fd)
	}
	p.perfFDs = nil
}

// Close detaches every probe link and perf event and releases the
// collection. Close should be called once per Program (matching
// cilium/ebpf's own Close semantics).
func (p *Program) Close() {
	for _, l := range p.links {
		l.Close()
	}
	p.closePerfFDs()
	p.coll.Close()
}
