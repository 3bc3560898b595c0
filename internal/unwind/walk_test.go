package unwind

import (
	"testing"

	"github.com/tripwire/flamewalk/internal/cfi"
	"github.com/tripwire/flamewalk/internal/objreg"
)

// fakeMem is a MemReader backed by a plain map, standing in for the
// bounded kernel memory-read helper in tests.
type fakeMem map[uint64]uint64

func (m fakeMem) ReadUint64(addr uint64) (uint64, bool) {
	v, ok := m[addr]
	return v, ok
}

func newTestTables(t *testing.T) (*Tables, objreg.ObjectID) {
	t.Helper()
	reg := objreg.New(8)
	id, err := reg.Register("/bin/app", objreg.KindRegular, nil, 0x1000, 0x1000, 0x2000)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return NewTables(reg), id
}

func TestWalk_FramePointerChain(t *testing.T) {
	tbl, id := newTestTables(t)

	// A single row spanning the whole object: CFA = rbp+16, saved rbp at
	// cfa-16, saved return address at cfa-8 — the classic
	// push-rbp/mov-rbp,rsp prologue.
	tbl.Set(id, cfi.Table{{
		PCStart: 0,
		PCEnd:   0x1000,
		CFA:     cfi.CFARule{Register: cfi.RegRBP, Offset: 16},
		RBP:     cfi.RBPRule{Kind: cfi.RBPCfaPlus, Offset: -16},
		RA:      cfi.RARule{Kind: cfi.RACfaPlus, Offset: -8},
	}})

	mem := fakeMem{
		// Frame 0: bp=0x7000, ra stored at cfa-8=0x7008, caller's bp at cfa-16=0x7000.
		0x7008: 0x2500, // return address -> caller pc, outside the object: terminates walk
		0x7000: 0x6000, // caller's saved rbp
	}

	regs := Registers{PC: 0x1200, SP: 0x6ff0, BP: 0x7000}
	ips := Walk(regs, tbl, mem, 16)

	if len(ips) != 2 {
		t.Fatalf("len(ips) = %d, want 2: %v", len(ips), ips)
	}
	if ips[0] != 0x1200 {
		t.Errorf("ips[0] = %#x, want 0x1200", ips[0])
	}
	if ips[1] != 0x2500 {
		t.Errorf("ips[1] = %#x, want 0x2500", ips[1])
	}
}

func TestWalk_UndefinedReturnAddressStopsAtRootFrame(t *testing.T) {
	tbl, id := newTestTables(t)
	tbl.Set(id, cfi.Table{{
		PCStart: 0, PCEnd: 0x1000,
		CFA: cfi.CFARule{Register: cfi.RegRSP, Offset: 8},
		RBP: cfi.RBPRule{Kind: cfi.RBPUnchanged},
		RA:  cfi.RARule{Kind: cfi.RAUndefined},
	}})

	regs := Registers{PC: 0x1100, SP: 0x6ff0, BP: 0x7000}
	ips := Walk(regs, tbl, fakeMem{}, 16)

	if len(ips) != 1 {
		t.Fatalf("len(ips) = %d, want 1 (root frame only): %v", len(ips), ips)
	}
}

func TestWalk_UnmappedPCYieldsSingleFrameStack(t *testing.T) {
	tbl, _ := newTestTables(t)
	regs := Registers{PC: 0xdeadbeef, SP: 0x6ff0, BP: 0x7000}
	ips := Walk(regs, tbl, fakeMem{}, 16)

	if len(ips) != 1 || ips[0] != 0xdeadbeef {
		t.Fatalf("ips = %v, want single-frame [0xdeadbeef]", ips)
	}
}

func TestWalk_UnsupportedRowStopsWalk(t *testing.T) {
	tbl, id := newTestTables(t)
	tbl.Set(id, cfi.Table{{PCStart: 0, PCEnd: 0x1000, Unsupported: true}})

	regs := Registers{PC: 0x1100, SP: 0x6ff0, BP: 0x7000}
	ips := Walk(regs, tbl, fakeMem{}, 16)

	if len(ips) != 1 {
		t.Fatalf("len(ips) = %d, want 1 (stopped at unsupported row)", len(ips))
	}
}

func TestWalk_FaultedReadStopsWalkButKeepsPartialStack(t *testing.T) {
	tbl, id := newTestTables(t)
	tbl.Set(id, cfi.Table{{
		PCStart: 0, PCEnd: 0x1000,
		CFA: cfi.CFARule{Register: cfi.RegRSP, Offset: 8},
		RBP: cfi.RBPRule{Kind: cfi.RBPUnchanged},
		RA:  cfi.RARule{Kind: cfi.RACfaPlus, Offset: -8},
	}})

	// No entries in fakeMem: every read faults.
	regs := Registers{PC: 0x1100, SP: 0x6ff0, BP: 0x7000}
	ips := Walk(regs, tbl, fakeMem{}, 16)

	if len(ips) != 1 {
		t.Fatalf("len(ips) = %d, want 1 (partial stack kept after fault)", len(ips))
	}
}

func TestWalk_BoundedByMaxDepth(t *testing.T) {
	tbl, id := newTestTables(t)
	// A self-referential row: CFA stays rsp+0, rbp unchanged, ra always
	// resolves back into the same object at the same PC, forcing the loop
	// to run until MAX_DEPTH rather than terminate naturally.
	tbl.Set(id, cfi.Table{{
		PCStart: 0, PCEnd: 0x1000,
		CFA: cfi.CFARule{Register: cfi.RegRSP, Offset: 0},
		RBP: cfi.RBPRule{Kind: cfi.RBPUnchanged},
		RA:  cfi.RARule{Kind: cfi.RACfaPlus, Offset: 0},
	}})
	mem := fakeMem{0x6ff0: 0x1100} // always resolves back to pc=0x1100

	regs := Registers{PC: 0x1100, SP: 0x6ff0, BP: 0x7000}
	ips := Walk(regs, tbl, mem, 8)

	if len(ips) != 8 {
		t.Fatalf("len(ips) = %d, want exactly maxDepth=8 (bounded-loop invariant)", len(ips))
	}
}
