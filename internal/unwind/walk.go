// Package unwind provides the in-kernel unwinder's loader/attach path
// and, in walk.go, a pure-Go reference implementation of the same
// bounded unwind algorithm for use in tests and the dry-run simulator.
package unwind

import (
	"sync"

	"github.com/tripwire/flamewalk/internal/cfi"
	"github.com/tripwire/flamewalk/internal/objreg"
)

// Registers is the minimal interrupted register state a frame walk needs:
// rip, rsp and rbp at the probe hit.
type Registers struct {
	PC, SP, BP uint64
}

// MemReader performs a bounded single-word read of the target's user
// memory at addr, reporting false on fault. A faulted read stops the
// walk, mirroring the bounded kernel read helper.
type MemReader interface {
	ReadUint64(addr uint64) (value uint64, ok bool)
}

// TableSource resolves an instruction pointer to its owning object and
// exposes that object's compiled unwind table, the two lookups a frame
// step needs.
type TableSource interface {
	LookupByVaddr(va uint64) (objreg.ObjectID, uint64, bool)
	Table(id objreg.ObjectID) cfi.Table
}

// Tables adapts an *objreg.Registry plus a set of compiled per-object
// tables into a TableSource. It is the reference-interpreter counterpart
// of the kernel program's own table lookups: the same object/PC
// resolution, the same row binary search, executed in Go rather than in
// the resident probe program.
type Tables struct {
	mu     sync.RWMutex
	reg    *objreg.Registry
	tables map[objreg.ObjectID]cfi.Table
}

// NewTables creates a Tables backed by reg, with no compiled tables yet.
func NewTables(reg *objreg.Registry) *Tables {
	return &Tables{reg: reg, tables: make(map[objreg.ObjectID]cfi.Table)}
}

// Set installs the compiled unwind table for object id, replacing any
// previous table. An object whose CFI failed to compile simply never
// gets a Set call, leaving its table empty.
func (t *Tables) Set(id objreg.ObjectID, table cfi.Table) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tables[id] = table
}

// LookupByVaddr delegates to the underlying registry.
func (t *Tables) LookupByVaddr(va uint64) (objreg.ObjectID, uint64, bool) {
	return t.reg.LookupByVaddr(va)
}

// Table returns the compiled table for id, or nil if none has been set
// (the opaque/anonymous-mapping and compile-failure cases, both of which
// terminate the walk at this frame).
func (t *Tables) Table(id objreg.ObjectID) cfi.Table {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tables[id]
}

// Walk performs the same bounded frame walk as the resident probe
// program, entirely in Go: src resolves objects and rows, mem serves the
// two stack reads a frame step may need. It never allocates more than
// maxDepth IP slots and always terminates.
func Walk(regs Registers, src TableSource, mem MemReader, maxDepth int) []uint64 {
	ips := make([]uint64, 0, maxDepth)
	pc, sp, bp := regs.PC, regs.SP, regs.BP
	ips = append(ips, pc)

	for len(ips) < maxDepth {
		objID, rpc, ok := src.LookupByVaddr(pc)
		if !ok {
			break
		}
		table := src.Table(objID)
		row, ok := table.Lookup(rpc)
		if !ok || row.Unsupported {
			break
		}

		var cfaBase uint64
		if row.CFA.Register == cfi.RegRSP {
			cfaBase = sp
		} else {
			cfaBase = bp
		}
		cfa := addSigned(cfaBase, row.CFA.Offset)

		newBP := bp
		if row.RBP.Kind == cfi.RBPCfaPlus {
			v, ok := mem.ReadUint64(addSigned(cfa, row.RBP.Offset))
			if !ok {
				break
			}
			newBP = v
		}
		// RBPUnchanged and RBPSameAsPrev both leave bp as the caller
		// already had it; neither implies a fresh value to read.

		var newPC uint64
		switch row.RA.Kind {
		case cfi.RACfaPlus:
			v, ok := mem.ReadUint64(addSigned(cfa, row.RA.Offset))
			if !ok {
				return ips
			}
			newPC = v
		case cfi.RARegister:
			if row.RA.Register == cfi.RegRSP {
				newPC = sp
			} else {
				newPC = bp
			}
		case cfi.RAUndefined:
			return ips // root frame reached
		}

		sp, pc, bp = cfa, newPC, newBP
		ips = append(ips, pc)
	}

	return ips
}

func addSigned(base uint64, offset int64) uint64 {
	return uint64(int64(base) + offset)
}
