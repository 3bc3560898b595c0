//go:build linux

// Package kmaps provides typed handles over the kernel maps the resident
// probe program reads and writes: the address map, the compacted unwind-row
// tables, the stack-trace map, the aggregation counts, and the perf-event
// diagnostic channel.
package kmaps

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/tripwire/flamewalk/internal/cfi"
	"github.com/tripwire/flamewalk/internal/config"
)

// Map names, shared with the resident probe program's own map
// definitions so a loaded `stackwalk.bpf.o` collection's maps resolve by
// name (see internal/unwind's loader).
const (
	NameAddressMaps  = "ADDRESS_MAPS"
	NameUnwindTables = "UNWIND_TABLES"
	NameStacks       = "STACKS"
	NameCounts       = "COUNTS"
	NameEvents       = "EVENTS"
)

// addressMapEntryWire is the on-the-wire form of one (vaddr_lo, vaddr_hi) ->
// object_id address-map row. Field order and
// widths are fixed so cilium/ebpf's struct marshaling produces a layout a
// matching C struct in the resident probe program can read directly.
type addressMapEntryWire struct {
	VaddrLo  uint64
	VaddrHi  uint64
	ObjectID uint32
	_        uint32 // padding to keep the struct 8-byte aligned
}

// unwindRowWire is the on-the-wire form of one cfi.UnwindRow.
type unwindRowWire struct {
	PCStart     uint64
	PCEnd       uint64
	CFARegister uint8
	_           [7]byte
	CFAOffset   int64
	RBPKind     uint8
	_           [7]byte
	RBPOffset   int64
	RAKind      uint8
	RARegister  uint8
	_           [6]byte
	RAOffset    int64
	Unsupported uint8
	_           [7]byte
}

func toWireRow(r cfi.UnwindRow) unwindRowWire {
	w := unwindRowWire{
		PCStart:     r.PCStart,
		PCEnd:       r.PCEnd,
		CFARegister: uint8(r.CFA.Register),
		CFAOffset:   r.CFA.Offset,
		RBPKind:     uint8(r.RBP.Kind),
		RBPOffset:   r.RBP.Offset,
		RAKind:      uint8(r.RA.Kind),
		RARegister:  uint8(r.RA.Register),
		RAOffset:    r.RA.Offset,
	}
	if r.Unsupported {
		w.Unsupported = 1
	}
	return w
}

// Maps owns the kernel maps for one Session and the perf reader draining
// the diagnostic channel. The zero value is not usable; construct with
// New.
type Maps struct {
	addressMaps  *ebpf.Map
	unwindTables *ebpf.Map
	stacks       *ebpf.Map
	counts       *ebpf.Map
	events       *ebpf.Map
	reader       *perf.Reader

	maxObjects       int
	maxRowsPerObject int
	maxDepth         int
	maxStacks        int
}

// New creates the five kernel maps, sized at load time from cfg's
// capacities. It removes the RLIMIT_MEMLOCK ceiling first, the same
// precondition `parca-agent`'s own loaders perform before any BPF_MAP_CREATE
// call on kernels without the cgroup-based memory accounting.
func New(cfg *config.Config) (*Maps, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("kmaps: remove memlock rlimit: %w", err)
	}

	addressMaps, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       NameAddressMaps,
		Type:       ebpf.Hash,
		KeySize:    4, // pid:u32
		ValueSize:  uint32(addressMapEntrySize) * uint32(cfg.MaxObjects),
		MaxEntries: 1, // single active target per session
	}, ebpf.MapOptions{})
	if err != nil {
		return nil, fmt.Errorf("kmaps: create %s: %w", NameAddressMaps, err)
	}

	unwindTables, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       NameUnwindTables,
		Type:       ebpf.Hash,
		KeySize:    4, // object_id:u32
		ValueSize:  uint32(unwindRowSize) * uint32(cfg.MaxRowsPerObject),
		MaxEntries: uint32(cfg.MaxObjects),
	}, ebpf.MapOptions{})
	if err != nil {
		addressMaps.Close()
		return nil, fmt.Errorf("kmaps: create %s: %w", NameUnwindTables, err)
	}

	stacks, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       NameStacks,
		Type:       ebpf.Hash,
		KeySize:    4, // stack_id:u32
		ValueSize:  8 * uint32(cfg.MaxDepth),
		MaxEntries: uint32(cfg.MaxStacks),
	}, ebpf.MapOptions{})
	if err != nil {
		addressMaps.Close()
		unwindTables.Close()
		return nil, fmt.Errorf("kmaps: create %s: %w", NameStacks, err)
	}

	counts, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       NameCounts,
		Type:       ebpf.Hash,
		KeySize:    4, // stack_id:u32
		ValueSize:  8, // u64 count
		MaxEntries: uint32(cfg.MaxStacks),
	}, ebpf.MapOptions{})
	if err != nil {
		addressMaps.Close()
		unwindTables.Close()
		stacks.Close()
		return nil, fmt.Errorf("kmaps: create %s: %w", NameCounts, err)
	}

	events, err := ebpf.NewMapWithOptions(&ebpf.MapSpec{
		Name:       NameEvents,
		Type:       ebpf.PerfEventArray,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: 0, // cilium/ebpf sizes per-CPU PerfEventArrays automatically
	}, ebpf.MapOptions{})
	if err != nil {
		addressMaps.Close()
		unwindTables.Close()
		stacks.Close()
		counts.Close()
		return nil, fmt.Errorf("kmaps: create %s: %w", NameEvents, err)
	}

	reader, err := perf.NewReader(events, 4096)
	if err != nil {
		addressMaps.Close()
		unwindTables.Close()
		stacks.Close()
		counts.Close()
		events.Close()
		return nil, fmt.Errorf("kmaps: open perf reader on %s: %w", NameEvents, err)
	}

	return &Maps{
		addressMaps:      addressMaps,
		unwindTables:     unwindTables,
		stacks:           stacks,
		counts:           counts,
		events:           events,
		reader:           reader,
		maxObjects:       cfg.MaxObjects,
		maxRowsPerObject: cfg.MaxRowsPerObject,
		maxDepth:         cfg.MaxDepth,
		maxStacks:        cfg.MaxStacks,
	}, nil
}

var (
	addressMapEntrySize = int(binarySize(addressMapEntryWire{}))
	unwindRowSize       = int(binarySize(unwindRowWire{}))
)

func binarySize(v any) int64 {
	n, err := binaryWriteLen(v)
	if err != nil {
		panic(err) // wire structs are fixed-size by construction
	}
	return n
}

func binaryWriteLen(v any) (int64, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}

// AddressMapEntry is the caller-facing shape of one address-map row; it
// mirrors addressMapEntryWire without exposing the wire padding field to
// callers outside this package.
type AddressMapEntry struct {
	VaddrLo, VaddrHi uint64
	ObjectID         uint32
}

// NewAddressMapEntry constructs one address-map row for PutAddressMap.
func NewAddressMapEntry(vaddrLo, vaddrHi uint64, objectID uint32) AddressMapEntry {
	return AddressMapEntry{VaddrLo: vaddrLo, VaddrHi: vaddrHi, ObjectID: objectID}
}

// PutAddressMap uploads the sorted, disjoint address-map entries for pid,
// padding the fixed-size array out to maxObjects with zeroed sentinel
// rows. entries must already be sorted ascending by VaddrLo.
func (m *Maps) PutAddressMap(pid uint32, entries []AddressMapEntry) error {
	buf := make([]byte, addressMapEntrySize*m.maxObjects)
	for i, e := range entries {
		if i >= m.maxObjects {
			break
		}
		w := addressMapEntryWire{VaddrLo: e.VaddrLo, VaddrHi: e.VaddrHi, ObjectID: e.ObjectID}
		encodeInto(buf[i*addressMapEntrySize:(i+1)*addressMapEntrySize], w)
	}
	if err := m.addressMaps.Put(pid, buf); err != nil {
		return fmt.Errorf("kmaps: put %s[%d]: %w", NameAddressMaps, pid, err)
	}
	return nil
}

// PutUnwindTable uploads object's compacted Table, truncating from the
// tail to maxRowsPerObject if the caller did not already enforce that
// bound.
func (m *Maps) PutUnwindTable(objectID uint32, table cfi.Table) error {
	rows := table
	if len(rows) > m.maxRowsPerObject {
		rows = rows[:m.maxRowsPerObject]
	}
	buf := make([]byte, unwindRowSize*m.maxRowsPerObject)
	for i, r := range rows {
		w := toWireRow(r)
		encodeInto(buf[i*unwindRowSize:(i+1)*unwindRowSize], w)
	}
	if err := m.unwindTables.Put(objectID, buf); err != nil {
		return fmt.Errorf("kmaps: put %s[%d]: %w", NameUnwindTables, objectID, err)
	}
	return nil
}

func encodeInto(dst []byte, v any) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		panic(err) // fixed-size wire struct, cannot fail
	}
	copy(dst, buf.Bytes())
}

// Counts reads every (stack_id -> count) pair currently in the aggregation
// map.
func (m *Maps) Counts() (map[uint32]uint64, error) {
	out := make(map[uint32]uint64)
	var key uint32
	var value uint64
	it := m.counts.Iterate()
	for it.Next(&key, &value) {
		out[key] = value
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("kmaps: iterate %s: %w", NameCounts, err)
	}
	return out, nil
}

// Stacks reads the IP vector recorded for stackID, stopping at the first
// zero entry (the kernel program leaves the remainder of the fixed-capacity
// array zeroed after an `undefined` root frame or an unsupported row).
func (m *Maps) Stacks(stackID uint32) ([]uint64, error) {
	raw, err := m.stacks.LookupBytes(stackID)
	if err != nil {
		return nil, fmt.Errorf("kmaps: lookup %s[%d]: %w", NameStacks, stackID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("kmaps: %s[%d]: not found", NameStacks, stackID)
	}
	ips := make([]uint64, m.maxDepth)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, ips); err != nil {
		return nil, fmt.Errorf("kmaps: decode %s[%d]: %w", NameStacks, stackID, err)
	}
	n := len(ips)
	for i, ip := range ips {
		if ip == 0 {
			n = i
			break
		}
	}
	return ips[:n], nil
}

// Events returns the perf.Reader over the diagnostic channel.
func (m *Maps) Events() *perf.Reader {
	return m.reader
}

// DrainEvents reads diagnostic records until the reader is closed,
// invoking fn with each record's raw payload and the count of samples
// the kernel dropped since the previous record. It only reads, so it is
// safe to run in a background goroutine while probes fire; Close
// unblocks it.
func (m *Maps) DrainEvents(fn func(raw []byte, lost uint64)) {
	for {
		rec, err := m.reader.Read()
		if err != nil {
			return
		}
		fn(rec.RawSample, rec.LostSamples)
	}
}

// Replacements returns the five maps keyed by their shared names, in the
// shape ebpf.CollectionOptions' MapReplacements takes, so the loader can
// pin them into a loaded BPF collection in place of the collection's own
// map definitions.
func (m *Maps) Replacements() map[string]*ebpf.Map {
	return map[string]*ebpf.Map{
		NameAddressMaps:  m.addressMaps,
		NameUnwindTables: m.unwindTables,
		NameStacks:       m.stacks,
		NameCounts:       m.counts,
		NameEvents:       m.events,
	}
}

// Close releases every map and the perf reader, in the reverse order they
// were created. Close is safe to call more than once.
func (m *Maps) Close() error {
	var errs []error
	if m.reader != nil {
		if err := m.reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, mp := range []*ebpf.Map{m.events, m.counts, m.stacks, m.unwindTables, m.addressMaps} {
		if mp == nil {
			continue
		}
		if err := mp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("kmaps: close: %v", errs)
}
