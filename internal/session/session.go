// Package session owns the control flow for one trace session: spawn or
// attach the target, drive it to the dynamic-loader barrier, populate
// the object registry and kernel maps, attach the configured probes,
// wait for exit, and symbolize the result.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tripwire/flamewalk/internal/addrmap"
	"github.com/tripwire/flamewalk/internal/config"
	"github.com/tripwire/flamewalk/internal/diag"
	"github.com/tripwire/flamewalk/internal/kmaps"
	"github.com/tripwire/flamewalk/internal/objreg"
	"github.com/tripwire/flamewalk/internal/symbolize"
	"github.com/tripwire/flamewalk/internal/unwind"
)

// Session runs one profiling session end to end. The zero value is not
// usable; construct with New.
type Session struct {
	cfg    *config.Config
	logger *slog.Logger
	diag   *diag.Logger
	output io.Writer

	command string
	args    []string
	dryRun  bool

	reg     *objreg.Registry
	maps    *kmaps.Maps
	tracker *addrmap.Tracker
	program *unwind.Program
	cache   *symbolize.Cache

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithDiag sets the diagnostic-channel logger. Defaults to a Logger
// discarding everything (io.Discard) if not set.
func WithDiag(d *diag.Logger) Option {
	return func(s *Session) { s.diag = d }
}

// WithOutput sets where folded-stack output is written. There is no
// default; Report requires this or an explicit writer argument.
func WithOutput(w io.Writer) Option {
	return func(s *Session) { s.output = w }
}

// WithCommand sets the command and arguments to spawn when cfg.TargetPID
// is zero. The command to spawn is a CLI concern, not part of the YAML
// config schema, so it is supplied here instead.
func WithCommand(command string, args []string) Option {
	return func(s *Session) { s.command, s.args = command, args }
}

// WithDryRun enables the supplemented --dry-run mode: every component
// runs except kernel-map creation and probe attachment, so a compiled
// unwind table can be validated via Simulate without CAP_BPF.
func WithDryRun(dryRun bool) Option {
	return func(s *Session) { s.dryRun = dryRun }
}

// New creates a Session from cfg and logger. logger defaults to
// slog.Default() if nil.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:    cfg,
		logger: logger,
		diag:   diag.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start drives the session from nothing through RUNNING: it builds the
// object registry and (unless dry-run) the kernel maps, starts the
// address-map tracker (spawning or attaching to the target), loads and
// attaches the probe program, and returns once the target is running
// freely. Any failure here is setup-fatal: recorded to the diagnostic
// channel and returned to the caller.
func (s *Session) Start(ctx context.Context) error {
	s.reg = objreg.New(s.cfg.MaxObjects)

	if !s.dryRun {
		m, err := kmaps.New(s.cfg)
		if err != nil {
			return s.fatal("create kernel maps: %v", err)
		}
		s.maps = m
	}

	s.tracker = addrmap.NewTracker(addrmap.Config{
		TargetPID:        s.cfg.TargetPID,
		Command:          s.command,
		Args:             s.args,
		MaxObjects:       s.cfg.MaxObjects,
		MaxRowsPerObject: s.cfg.MaxRowsPerObject,
	}, s.reg, s.maps, s.logger)

	if err := s.tracker.Start(ctx); err != nil {
		s.Close()
		return s.fatal("address-map tracker: %v", err)
	}

	if !s.dryRun {
		if err := s.attachProbes(); err != nil {
			s.tracker.Detach()
			s.Close()
			return err
		}
		s.wg.Add(1)
		go s.drainEvents()
	}

	s.cache = symbolize.NewCache(s.reg)
	return nil
}

// drainEvents forwards out-of-band diagnostics from the probe program's
// perf channel into the diagnostic trail. It exits when Close closes the
// underlying reader.
func (s *Session) drainEvents() {
	defer s.wg.Done()
	s.maps.DrainEvents(func(raw []byte, lost uint64) {
		if lost > 0 {
			s.logger.Warn("session: diagnostic events lost", slog.Uint64("count", lost))
		}
		if len(raw) > 0 {
			_ = s.diag.Record(diag.KindSampleSilent, "probe diagnostic: %x", raw)
		}
	})
}

func (s *Session) attachProbes() error {
	spec, err := unwind.LoadSpec(nil)
	if err != nil {
		return s.fatal("load probe program: %v", err)
	}
	prog, err := unwind.NewProgram(spec, s.maps)
	if err != nil {
		return s.fatal("load probe program: %v", err)
	}
	s.program = prog

	for _, raw := range s.cfg.Probes {
		ps, err := config.ParseProbeSpec(raw)
		if err != nil {
			// Already validated by config.Validate at load time; this
			// only fires for a Session built by hand with a bad spec.
			prog.Close()
			s.program = nil
			return s.fatal("parse probe spec %q: %v", raw, err)
		}
		if err := prog.Attach(ps, s.tracker.PID()); err != nil {
			prog.Close()
			s.program = nil
			return s.fatal("attach probe %q: %v", raw, err)
		}
	}
	return nil
}

func (s *Session) fatal(format string, args ...any) error {
	err := fmt.Errorf("session: "+format, args...)
	_ = s.diag.Record(diag.KindSetupFatal, "%s", err.Error())
	s.logger.Error("session setup failed", slog.String("error", err.Error()))
	return err
}

// Wait blocks until the target exits or ctx is cancelled, whichever
// comes first.
func (s *Session) Wait(ctx context.Context) {
	select {
	case <-s.tracker.Done():
	case <-ctx.Done():
	}
}

// PID returns the traced process id, valid once Start has returned nil.
func (s *Session) PID() int {
	return s.tracker.PID()
}

// Stop detaches the probe program (closing its links and perf-event fds,
// which atomically detaches everything from the kernel) and the tracker
// if the target is still running. The kernel maps stay open so Report
// can still read the final COUNTS/STACKS snapshot; Close releases them.
// Stop is idempotent and safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		if s.program != nil {
			s.program.Close()
		}
		if s.tracker != nil {
			if err := s.tracker.Detach(); err != nil {
				s.logger.Warn("session: error detaching tracer", slog.Any("error", err))
			}
		}
	})
}

// Close releases the kernel maps and waits for the diagnostic drain to
// wind down. Call after the last Report; idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.maps == nil {
			return
		}
		if err := s.maps.Close(); err != nil {
			s.logger.Warn("session: error closing kernel maps", slog.Any("error", err))
		}
		s.wg.Wait()
	})
}

// Report reads the final COUNTS/STACKS snapshot and writes folded-stack
// output to w (or, if w is nil, to the writer set via WithOutput). It is
// meant to be called after Wait returns. In --dry-run mode there is
// nothing to report (no kernel maps were ever created) and Report
// returns nil without writing anything.
func (s *Session) Report(w io.Writer) error {
	if s.maps == nil {
		return nil
	}
	if w == nil {
		w = s.output
	}
	if w == nil {
		return fmt.Errorf("session: Report: no output writer configured")
	}

	counts, err := s.maps.Counts()
	if err != nil {
		return fmt.Errorf("session: read counts: %w", err)
	}

	stacks := make(map[uint32][]uint64, len(counts))
	for stackID := range counts {
		ips, err := s.maps.Stacks(stackID)
		if err != nil {
			_ = s.diag.Record(diag.KindPostSession, "read stack %d: %v", stackID, err)
			continue
		}
		stacks[stackID] = ips
	}

	return symbolize.WriteFoldedStacks(w, s.cache, stacks, counts)
}

// Simulate runs the pure-Go reference unwinder against the objects and
// compiled unwind tables this session has observed so far, starting from
// regs and reading memory through mem. It requires no kernel maps or attached probes, which is what
// makes --dry-run useful in environments without CAP_BPF: a compiled
// unwind table can be validated against a live process snapshot taken
// by the address-map tracker without ever loading the BPF program.
func (s *Session) Simulate(regs unwind.Registers, mem unwind.MemReader) []uint64 {
	tables := unwind.NewTables(s.reg)
	for id, table := range s.tracker.CompiledTables() {
		tables.Set(id, table)
	}
	return unwind.Walk(regs, tables, mem, s.cfg.MaxDepth)
}
