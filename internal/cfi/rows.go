// Package cfi compiles an ELF object's Call-Frame Information
// (.eh_frame / .debug_frame) into the compact, restricted-vocabulary
// UnwindRow table the in-kernel unwinder (internal/unwind) consumes.
package cfi

// Register identifies the CFA base register in the restricted rule
// vocabulary: rsp or rbp on x86_64, using DWARF register numbering.
type Register uint8

const (
	RegRSP Register = 7
	RegRBP Register = 6
)

func (r Register) String() string {
	switch r {
	case RegRSP:
		return "rsp"
	case RegRBP:
		return "rbp"
	default:
		return "unknown"
	}
}

// CFARule computes the Canonical Frame Address as Register + Offset.
type CFARule struct {
	Register Register
	Offset   int64
}

// RBPKind enumerates the representable forms of the saved-frame-pointer
// rule.
type RBPKind uint8

const (
	RBPUnchanged RBPKind = iota
	RBPCfaPlus
	RBPSameAsPrev
)

// RBPRule describes how to recover the caller's rbp.
type RBPRule struct {
	Kind   RBPKind
	Offset int64 // meaningful only when Kind == RBPCfaPlus
}

// RAKind enumerates the representable forms of the saved-return-address
// rule.
type RAKind uint8

const (
	RACfaPlus RAKind = iota
	RARegister
	RAUndefined
)

// RARule describes how to recover the caller's return address.
type RARule struct {
	Kind     RAKind
	Offset   int64    // meaningful when Kind == RACfaPlus
	Register Register // meaningful when Kind == RARegister
}

// UnwindRow is the compacted form of one CFI table row. PCStart
// and PCEnd are object-relative (i.e. relative to the object's LoadBase,
// not the FDE's raw initial_location, which may itself be a link address).
type UnwindRow struct {
	PCStart, PCEnd uint64
	CFA            CFARule
	RBP            RBPRule
	RA             RARule
	// Unsupported marks a row whose original CFI rule used a vocabulary
	// this unwinder cannot express (DWARF expressions, other base
	// registers). Unwinding that reaches an Unsupported row terminates
	// there.
	Unsupported bool
}

// Covers reports whether the object-relative address rpc falls within
// this row's half-open [PCStart, PCEnd) range.
func (r UnwindRow) Covers(rpc uint64) bool {
	return rpc >= r.PCStart && rpc < r.PCEnd
}

// Table is a compiled, sorted, non-overlapping unwind-row table for one
// object. Invariant: for i < j, Table[i].PCEnd <= Table[j].PCStart.
type Table []UnwindRow

// Lookup binary-searches for the row covering rpc. ok is false if no row
// covers it.
func (t Table) Lookup(rpc uint64) (row UnwindRow, ok bool) {
	lo, hi := 0, len(t)
	for lo < hi {
		mid := (lo + hi) / 2
		if t[mid].PCEnd <= rpc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= len(t) || !t[lo].Covers(rpc) {
		return UnwindRow{}, false
	}
	return t[lo], true
}
