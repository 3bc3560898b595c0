//go:build linux

// Package addrmap implements the address-map tracker (C5): it drives one
// traced process through spawn-or-attach, waits for the dynamic loader to
// finish mapping shared objects, and registers every executable mapping
// with the object registry and CFI compiler so the in-kernel unwinder has
// something to walk.
package addrmap

import (
	"bufio"
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tripwire/flamewalk/internal/cfi"
	"github.com/tripwire/flamewalk/internal/kmaps"
	"github.com/tripwire/flamewalk/internal/objreg"
)

// State is one step of the SPAWNED -> AT_ENTRY -> MAPPED -> RUNNING ->
// EXITED state machine.
type State int

const (
	StateSpawned State = iota
	StateAtEntry
	StateMapped
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "SPAWNED"
	case StateAtEntry:
		return "AT_ENTRY"
	case StateMapped:
		return "MAPPED"
	case StateRunning:
		return "RUNNING"
	case StateExited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// Config selects spawn mode (Command/Args) or attach mode (TargetPID).
type Config struct {
	// TargetPID, if non-zero, attaches to an already-running process
	// instead of spawning one; SPAWNED/AT_ENTRY are skipped and MAPPED is
	// seeded directly from the current /proc/<pid>/maps. The dynamic
	// loader barrier guarantee spawn mode relies on does not hold here:
	// shared objects the loader maps after this snapshot are missed.
	TargetPID int

	// Command and Args spawn a traced child when TargetPID is zero.
	Command string
	Args    []string

	MaxObjects       int
	MaxRowsPerObject int
}

// Tracker drives one traced process through the state machine, feeding
// every discovered executable mapping into reg and maps.
type Tracker struct {
	cfg    Config
	reg    *objreg.Registry
	maps   *kmaps.Maps // nil in --dry-run mode: mappings are compiled but never uploaded
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	pid    int
	tables map[objreg.ObjectID]cfi.Table // kept even in --dry-run mode, for Session.Simulate

	detaching  bool
	detachedCh chan struct{}

	wg       sync.WaitGroup
	stopOnce sync.Once
	exited   chan struct{}
}

// NewTracker creates a Tracker. logger defaults to slog.Default() if nil.
func NewTracker(cfg Config, reg *objreg.Registry, maps *kmaps.Maps, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:        cfg,
		reg:        reg,
		maps:       maps,
		logger:     logger,
		tables:     make(map[objreg.ObjectID]cfi.Table),
		exited:     make(chan struct{}),
		detachedCh: make(chan struct{}),
	}
}

// State returns the tracker's current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.logger.Info("address-map tracker state transition", slog.String("state", s.String()))
}

// PID returns the tracked process id, valid once Start has returned nil.
func (t *Tracker) PID() int {
	return t.pid
}

// Done returns a channel closed once the tracked process has exited (the
// RUNNING -> EXITED transition, or a terminal signal).
func (t *Tracker) Done() <-chan struct{} {
	return t.exited
}

// Objects returns the objects registered so far.
func (t *Tracker) Objects() []*objreg.Object {
	return t.reg.Objects()
}

// CompiledTables returns a snapshot of every object's compiled unwind
// table, keyed by object id. Tables are kept here regardless of whether
// maps is set, so a --dry-run session (maps == nil) can still feed them
// to unwind.Tables/unwind.Walk via Session.Simulate.
func (t *Tracker) CompiledTables() map[objreg.ObjectID]cfi.Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[objreg.ObjectID]cfi.Table, len(t.tables))
	for id, tbl := range t.tables {
		out[id] = tbl
	}
	return out
}

// Start drives the tracker through SPAWNED/AT_ENTRY/MAPPED/RUNNING (or, in
// attach mode, straight to MAPPED/RUNNING). Any failure in that path is
// fatal for the session and is returned directly; once Start returns nil
// the target is RUNNING and a background goroutine watches for its exit.
//
// The kernel accepts ptrace requests only from the thread that traces the
// target, so every ptrace call from setup through exit or detach runs on
// one OS-locked goroutine; Start merely blocks until setup has finished
// on that goroutine.
func (t *Tracker) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		var pid int
		var err error
		if t.cfg.TargetPID != 0 {
			pid, err = t.setupAttach(ctx)
		} else {
			pid, err = t.setupSpawn(ctx)
		}
		errc <- err
		if err != nil {
			return
		}
		t.watch(pid)
	}()
	return <-errc
}

func (t *Tracker) setupSpawn(ctx context.Context) (int, error) {
	cmd := exec.CommandContext(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("addrmap: spawn %q: %w", t.cfg.Command, err)
	}
	pid := cmd.Process.Pid
	t.pid = pid
	t.setState(StateSpawned)

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("addrmap: wait for exec-stop: %w", err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("addrmap: traced child did not stop after exec (status %v)", ws)
	}
	t.setState(StateAtEntry)

	if err := t.breakAtEntry(pid); err != nil {
		return 0, fmt.Errorf("addrmap: entry breakpoint: %w", err)
	}

	if err := t.snapshotMaps(pid); err != nil {
		return 0, fmt.Errorf("addrmap: snapshot maps at entry: %w", err)
	}
	t.setState(StateMapped)

	if err := unix.PtraceCont(pid, 0); err != nil {
		return 0, fmt.Errorf("addrmap: resume after mapping: %w", err)
	}
	t.setState(StateRunning)
	return pid, nil
}

func (t *Tracker) setupAttach(ctx context.Context) (int, error) {
	pid := t.cfg.TargetPID
	t.pid = pid

	if err := unix.PtraceAttach(pid); err != nil {
		return 0, fmt.Errorf("addrmap: attach to pid %d: %w", pid, err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return 0, fmt.Errorf("addrmap: wait for attach-stop: %w", err)
	}
	if !ws.Stopped() {
		return 0, fmt.Errorf("addrmap: target did not stop after attach (status %v)", ws)
	}

	t.logger.Warn("addrmap: attaching to an already-running process; the "+
		"dynamic-loader-barrier guarantee does not hold in this mode, shared "+
		"objects mapped after this snapshot are missed",
		slog.Int("pid", pid))

	if err := t.snapshotMaps(pid); err != nil {
		return 0, fmt.Errorf("addrmap: snapshot maps on attach: %w", err)
	}
	t.setState(StateMapped)

	if err := unix.PtraceCont(pid, 0); err != nil {
		return 0, fmt.Errorf("addrmap: resume after attach snapshot: %w", err)
	}
	t.setState(StateRunning)
	return pid, nil
}

// breakAtEntry inserts a one-byte INT3 breakpoint at the executable's ELF
// entry point, resumes the child, and waits for the trap, then rewinds the
// program counter and restores the original byte. This guarantees the
// dynamic loader has finished mapping shared objects by the time it
// returns.
func (t *Tracker) breakAtEntry(pid int) error {
	exePath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return fmt.Errorf("resolve /proc/%d/exe: %w", pid, err)
	}

	f, err := elf.Open(exePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", exePath, err)
	}
	defer f.Close()

	loadBase, err := firstMappingBase(pid, exePath)
	if err != nil {
		return fmt.Errorf("locate load base of %s: %w", exePath, err)
	}

	entry := f.Entry
	if f.Type == elf.ET_DYN {
		entry += loadBase
	}

	var orig [1]byte
	if _, err := unix.PtracePeekText(pid, uintptr(entry), orig[:]); err != nil {
		return fmt.Errorf("peek entry byte at %#x: %w", entry, err)
	}
	if _, err := unix.PtracePokeText(pid, uintptr(entry), []byte{0xCC}); err != nil {
		return fmt.Errorf("poke breakpoint at %#x: %w", entry, err)
	}

	if err := unix.PtraceCont(pid, 0); err != nil {
		pokeByte(pid, entry, orig[0])
		return fmt.Errorf("continue to entry breakpoint: %w", err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return fmt.Errorf("wait for entry breakpoint: %w", err)
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		return fmt.Errorf("unexpected stop waiting for entry breakpoint: %v", ws)
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return fmt.Errorf("get regs at entry breakpoint: %w", err)
	}
	regs.Rip--
	if err := unix.PtraceSetRegs(pid, &regs); err != nil {
		return fmt.Errorf("rewind pc past breakpoint: %w", err)
	}
	if err := pokeByte(pid, entry, orig[0]); err != nil {
		return fmt.Errorf("restore entry byte: %w", err)
	}
	return nil
}

func pokeByte(pid int, addr uint64, b byte) error {
	_, err := unix.PtracePokeText(pid, uintptr(addr), []byte{b})
	return err
}

// watch blocks in Wait4 for the lifetime of pid on the tracer thread,
// forwarding any signal that stopped the target (other than the
// breakpoint trap already consumed in breakAtEntry), detaching at the
// next stop once Detach has been requested, and transitioning to EXITED
// on the first exit or terminal signal.
func (t *Tracker) watch(pid int) {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err != nil {
			if !errors.Is(err, unix.ECHILD) {
				t.logger.Warn("addrmap: wait4 error", slog.Any("error", err))
			}
			break
		}

		if ws.Exited() || ws.Signaled() {
			break
		}
		if ws.Stopped() {
			t.mu.Lock()
			detaching := t.detaching
			t.mu.Unlock()
			if detaching {
				if err := unix.PtraceDetach(pid); err != nil {
					t.logger.Warn("addrmap: detach", slog.Any("error", err))
				}
				t.logger.Info("addrmap: detached from running target", slog.Int("pid", pid))
				close(t.detachedCh)
				return
			}
			sig := ws.StopSignal()
			if sig == unix.SIGTRAP {
				sig = 0
			}
			if err := unix.PtraceCont(pid, int(sig)); err != nil {
				t.logger.Warn("addrmap: resume after stop", slog.Any("error", err))
				break
			}
		}
	}
	t.finish()
}

func (t *Tracker) finish() {
	t.stopOnce.Do(func() {
		t.setState(StateExited)
		close(t.exited)
	})
}

// Detach stops tracing the target without killing it, used when a session
// is torn down before the target exits on its own. The actual
// PTRACE_DETACH must be issued from the tracer thread, so Detach only
// nudges the target into a ptrace-stop with SIGSTOP and waits for the
// watch loop to detach at that stop.
func (t *Tracker) Detach() error {
	t.mu.Lock()
	if t.state == StateExited {
		t.mu.Unlock()
		return nil
	}
	if !t.detaching {
		t.detaching = true
		if err := unix.Kill(t.pid, unix.SIGSTOP); err != nil && !errors.Is(err, unix.ESRCH) {
			t.mu.Unlock()
			return fmt.Errorf("addrmap: stop target for detach: %w", err)
		}
	}
	t.mu.Unlock()

	select {
	case <-t.exited:
	case <-t.detachedCh:
	}
	return nil
}

// ─── /proc/<pid>/maps snapshot ─────────────────────────────────────────────

var mapsLineRE = regexp.MustCompile(`^([0-9a-fA-F]+)-([0-9a-fA-F]+)\s+(\S{4})\s+[0-9a-fA-F]+\s+\S+\s+\d+\s*(.*)$`)

type procMapping struct {
	lo, hi uint64
	perms  string
	path   string
}

// parseMapsLine parses one line of /proc/<pid>/maps, returning ok=false for
// malformed lines (there should never be any, but a scanner should not
// panic on a kernel format change).
func parseMapsLine(line string) (procMapping, bool) {
	g := mapsLineRE.FindStringSubmatch(line)
	if g == nil {
		return procMapping{}, false
	}
	lo, err1 := strconv.ParseUint(g[1], 16, 64)
	hi, err2 := strconv.ParseUint(g[2], 16, 64)
	if err1 != nil || err2 != nil {
		return procMapping{}, false
	}
	return procMapping{lo: lo, hi: hi, perms: g[3], path: strings.TrimSpace(g[4])}, true
}

func parseMapsFile(pid int) ([]procMapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []procMapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if m, ok := parseMapsLine(sc.Text()); ok {
			out = append(out, m)
		}
	}
	return out, sc.Err()
}

func firstMappingBase(pid int, path string) (uint64, error) {
	maps, err := parseMapsFile(pid)
	if err != nil {
		return 0, err
	}
	base, found := uint64(0), false
	for _, m := range maps {
		if m.path == path && (!found || m.lo < base) {
			base, found = m.lo, true
		}
	}
	if !found {
		return 0, fmt.Errorf("no mapping found for %s", path)
	}
	return base, nil
}

// classify maps a /proc/<pid>/maps pathname to an objreg.Kind. ok is false
// for mappings this tracker does not register at all (anonymous mappings
// like [heap]/[stack]/[anon:...] carry no CFI).
func classify(path string) (objreg.Kind, bool) {
	switch {
	case path == "":
		return 0, false
	case path == "[vdso]":
		return objreg.KindVDSO, true
	case path == "[vsyscall]":
		return objreg.KindVsyscall, true
	case strings.HasPrefix(path, "/"):
		return objreg.KindRegular, true
	default:
		return objreg.KindAnonymous, false
	}
}

// snapshotMaps reads /proc/<pid>/maps, registers every executable mapping
// with reg, compiles CFI for regular-file objects, and uploads the address
// map and per-object unwind tables to the kernel.
func (t *Tracker) snapshotMaps(pid int) error {
	mappings, err := parseMapsFile(pid)
	if err != nil {
		return fmt.Errorf("read /proc/%d/maps: %w", pid, err)
	}

	bases := make(map[string]uint64)
	for _, m := range mappings {
		if m.path == "" {
			continue
		}
		if b, ok := bases[m.path]; !ok || m.lo < b {
			bases[m.path] = m.lo
		}
	}

	var addrEntries []kmaps.AddressMapEntry
	for _, m := range mappings {
		if !strings.Contains(m.perms, "x") {
			continue
		}
		kind, ok := classify(m.path)
		if !ok {
			continue
		}

		var buildID []byte
		if kind == objreg.KindRegular {
			if of, err := elf.Open(m.path); err == nil {
				buildID = readBuildID(of)
				of.Close()
			}
		}

		id, err := t.reg.Register(m.path, kind, buildID, bases[m.path], m.lo, m.hi)
		if err != nil {
			t.logger.Warn("addrmap: object capacity exceeded, dropping mapping",
				slog.String("path", m.path), slog.Any("error", err))
			continue
		}
		addrEntries = append(addrEntries, kmaps.NewAddressMapEntry(m.lo, m.hi, uint32(id)))

		if kind != objreg.KindRegular {
			continue // vdso/vsyscall carry no ELF CFI to compile
		}
		t.compileAndUpload(id, m.path)
	}

	for _, w := range t.reg.Warnings() {
		t.logger.Warn("addrmap: " + w)
	}

	if t.maps != nil {
		if err := t.maps.PutAddressMap(uint32(pid), addrEntries); err != nil {
			return fmt.Errorf("upload address map: %w", err)
		}
	}
	return nil
}

func (t *Tracker) compileAndUpload(id objreg.ObjectID, path string) {
	f, err := elf.Open(path)
	if err != nil {
		t.logger.Warn("addrmap: open object for CFI compile",
			slog.String("path", path), slog.Any("error", err))
		return
	}
	defer f.Close()

	table, warnings, err := cfi.Compile(f, cfi.CompileOptions{MaxRows: t.cfg.MaxRowsPerObject})
	for _, w := range warnings {
		t.logger.Warn("addrmap: cfi compile warning",
			slog.String("path", path), slog.String("warning", w.Message))
	}
	if err != nil {
		// A failure compiling one object's CFI is non-fatal: the object's
		// unwind table stays empty and stacks truncate there.
		t.logger.Warn("addrmap: cfi compile failed, object left without unwind coverage",
			slog.String("path", path), slog.Any("error", err))
		table = nil
	}

	t.mu.Lock()
	t.tables[id] = table
	t.mu.Unlock()

	if t.maps == nil {
		return // dry-run: nothing to upload to
	}
	if err := t.maps.PutUnwindTable(uint32(id), table); err != nil {
		t.logger.Warn("addrmap: upload unwind table",
			slog.String("path", path), slog.Any("error", err))
	}
}

// readBuildID extracts the NT_GNU_BUILD_ID note from f's
// .note.gnu.build-id section, or returns nil if absent.
func readBuildID(f *elf.File) []byte {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}
	return parseBuildIDNote(data)
}

const noteTypeGNUBuildID = 3

// parseBuildIDNote walks the Elf64_Nhdr-style note records
// (namesz, descsz, type, name padded to 4 bytes, desc padded to 4 bytes)
// looking for the "GNU" build-id note.
func parseBuildIDNote(data []byte) []byte {
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:4])
		descsz := binary.LittleEndian.Uint32(data[4:8])
		typ := binary.LittleEndian.Uint32(data[8:12])

		nameStart := 12
		nameEnd := nameStart + int(align4(namesz))
		descEnd := nameEnd + int(align4(descsz))
		if nameEnd > len(data) || descEnd > len(data) {
			return nil
		}
		name := bytes.TrimRight(data[nameStart:nameStart+int(namesz)], "\x00")
		if typ == noteTypeGNUBuildID && string(name) == "GNU" {
			desc := data[nameEnd : nameEnd+int(descsz)]
			return append([]byte(nil), desc...)
		}
		data = data[descEnd:]
	}
	return nil
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}
