// Package symbolize implements the symbolizer/reducer (C6): resolving
// object-relative addresses collected by C1/C4 into human-readable
// (symbol, source-location) pairs, and emitting the resulting stacks in
// folded-stack form.
//
// Resolution order: DWARF line information first (if the object carries
// any), then the ELF symbol table, then "[unknown]".
// A name beginning with the Itanium C++ mangling prefix is demangled
// before it is returned.
package symbolize

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Frame is one resolved (symbol, source-location) pair for a single
// instruction pointer within an object.
type Frame struct {
	Symbol string
	File   string
	Line   int
}

// lineRow is one flattened DWARF line-table row: the address where a
// statement begins and the source location it maps to.
type lineRow struct {
	addr uint64
	file string
	line int
}

// elfSymbol is one function symbol pulled from .symtab or .dynsym.
type elfSymbol struct {
	value, size uint64
	name        string
}

// resolver resolves object-relative addresses (rpc, the offset returned
// by objreg.Registry.LookupByVaddr) within one ELF object to Frames. A
// resolver is built once per object and then reused for every sample
// that lands in it; see Cache.
type resolver struct {
	path string

	lineTable []lineRow   // sorted by addr; nil if the object has no DWARF
	symbols   []elfSymbol // sorted by value; may be empty
}

// newResolver opens path, an on-disk ELF object, and indexes its DWARF
// line table (if present) and its symbol tables. Line addresses and
// symbol values are link addresses; both tables are rebased against the
// image base (the lowest PT_LOAD vaddr, zero for ET_DYN objects) so
// lookups take the same load-base-relative addresses the unwinder
// produces.
func newResolver(path string) (*resolver, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbolize: open %s: %w", path, err)
	}
	defer f.Close()

	base := imageBase(f)
	r := &resolver{path: path}

	if dw, err := f.DWARF(); err == nil {
		r.lineTable = buildLineTable(dw, base)
	}
	r.symbols = buildSymbolTable(f, base)

	return r, nil
}

// imageBase returns the lowest PT_LOAD virtual address.
func imageBase(f *elf.File) uint64 {
	base, found := uint64(0), false
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !found || p.Vaddr < base {
			base, found = p.Vaddr, true
		}
	}
	return base
}

// buildLineTable flattens every compile unit's line program into one
// address-sorted slice, keeping only is_stmt rows (recommended
// breakpoint locations, the closest DWARF equivalent to "the line this
// instruction belongs to"). Grounded on the LineReader/LineEntry walk in
// the Gopher2600 DWARF source-line mapper.
func buildLineTable(dw *dwarf.Data, base uint64) []lineRow {
	var rows []lineRow

	r := dw.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			continue
		}

		lr, err := dw.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}

		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				break // io.EOF: end of this unit's line program
			}
			if !le.IsStmt || le.EndSequence {
				continue
			}
			name := ""
			if le.File != nil {
				name = le.File.Name
			}
			rows = append(rows, lineRow{addr: le.Address - base, file: name, line: le.Line})
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].addr < rows[j].addr })
	return rows
}

// buildSymbolTable collects every FUNC symbol with a non-zero value from
// both the static and dynamic symbol tables, sorted by value so the
// largest-symbol-containing-rpc lookup can binary search it.
func buildSymbolTable(f *elf.File, base uint64) []elfSymbol {
	var out []elfSymbol

	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Value == 0 || elf.ST_TYPE(s.Info) != elf.STT_FUNC {
				continue
			}
			out = append(out, elfSymbol{value: s.Value - base, size: s.Size, name: s.Name})
		}
	}

	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].value < out[j].value })
	return out
}

// lookupLine returns the source location of the line-table row with the
// largest address not exceeding rpc.
func (r *resolver) lookupLine(rpc uint64) (file string, line int, ok bool) {
	n := len(r.lineTable)
	i := sort.Search(n, func(i int) bool { return r.lineTable[i].addr > rpc })
	if i == 0 {
		return "", 0, false
	}
	row := r.lineTable[i-1]
	return row.file, row.line, true
}

// lookupSymbol returns the name of, and rpc's offset within, the symbol
// whose range contains rpc. A symbol with size 0 is treated as covering
// every address from its value onward, since many hand-written or
// stripped-but-not-fully-stripped binaries carry zero-size symbols.
func (r *resolver) lookupSymbol(rpc uint64) (name string, offset uint64, ok bool) {
	n := len(r.symbols)
	i := sort.Search(n, func(i int) bool { return r.symbols[i].value > rpc })
	if i == 0 {
		return "", 0, false
	}
	sym := r.symbols[i-1]
	if sym.size != 0 && rpc >= sym.value+sym.size {
		return "", 0, false
	}
	return sym.name, rpc - sym.value, true
}

// Resolve resolves one object-relative address to a Frame: DWARF line
// info first, then the symbol table, then "[unknown]".
func (r *resolver) Resolve(rpc uint64) Frame {
	if file, line, ok := r.lookupLine(rpc); ok {
		name := ""
		if symName, _, symOK := r.lookupSymbol(rpc); symOK {
			name = demangleName(symName)
		}
		return Frame{Symbol: name, File: file, Line: line}
	}

	if name, offset, ok := r.lookupSymbol(rpc); ok {
		sym := demangleName(name)
		if offset != 0 {
			sym = fmt.Sprintf("%s+%#x", sym, offset)
		}
		return Frame{Symbol: sym}
	}

	return Frame{Symbol: "[unknown]"}
}

// demangleName runs name through the Itanium demangler if it looks
// mangled, and returns it unchanged otherwise. demangle.Filter already
// returns its input unchanged on any error, so no error path exists here.
func demangleName(name string) string {
	if !strings.HasPrefix(name, "_Z") {
		return name
	}
	return demangle.Filter(name)
}
