package cfi

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

// DWARF register numbers used by the x86_64 System V ABI, the only
// architecture the restricted rule vocabulary covers.
const (
	dwarfRegRBP = 6
	dwarfRegRSP = 7
)

// DW_EH_PE_* pointer-encoding bytes (LSB eh_frame spec, §10.5). The low
// nibble is the value's storage format, the high nibble (masked by
// peAppMask) says how to turn a decoded value into an address, and 0x80
// marks an extra indirection this compiler never needs to follow (it only
// ever decodes initial_location/address_range, never a personality
// pointer's target).
const (
	peFormatMask = 0x0f
	peAppMask    = 0x70
	peOmit       = 0xff

	peAbsptr  = 0x00
	peULEB128 = 0x01
	peUData2  = 0x02
	peUData4  = 0x03
	peUData8  = 0x04
	peSLEB128 = 0x09
	peSData2  = 0x0a
	peSData4  = 0x0b
	peSData8  = 0x0c

	pePCRel = 0x10
)

// regRuleKind enumerates the full DWARF register-rule vocabulary
// encountered while executing a CFI program. Only a subset of these
// survive translation into an UnwindRow; the rest force the row to
// Unsupported.
type regRuleKind uint8

const (
	ruleUndefined regRuleKind = iota
	ruleSameValue
	ruleOffset // value at CFA+offset
	ruleRegister
	ruleUnsupportedExpr
)

type regRule struct {
	kind   regRuleKind
	offset int64
	reg    uint64
}

// cfiState is the DWARF call-frame table row under construction while
// executing a CIE's or FDE's instruction stream (DWARF §6.4.1).
type cfiState struct {
	cfaReg    uint64
	cfaOffset int64
	cfaUnsupported bool
	regs      map[uint64]regRule
}

func newCFIState() cfiState {
	return cfiState{regs: make(map[uint64]regRule)}
}

func (s cfiState) clone() cfiState {
	regs := make(map[uint64]regRule, len(s.regs))
	for k, v := range s.regs {
		regs[k] = v
	}
	s.regs = regs
	return s
}

// cieInfo holds the parsed, reusable fields of one Common Information
// Entry (DWARF §6.4.1).
type cieInfo struct {
	version       uint8
	augmentation  string
	codeAlignment uint64
	dataAlignment int64
	retAddrReg    uint64
	initialInstr  []byte
	initialState  cfiState // state after executing initialInstr

	// fdeEncoding is the DW_EH_PE_* encoding the 'R' augmentation letter
	// declares for every FDE's pc_begin/pc_range fields. Defaults to
	// peAbsptr (native 8-byte absolute, the .debug_frame convention and
	// the implicit .eh_frame default when no 'z' augmentation is present)
	// when the CIE carries no 'R' letter.
	fdeEncoding uint8
}

// fdeInfo holds one parsed Frame Description Entry.
type fdeInfo struct {
	cie       *cieInfo
	pcBegin   uint64 // link-time address of the function's first instruction
	pcRange   uint64
	instr     []byte
}

// CompileOptions bounds the compiled table.
type CompileOptions struct {
	// MaxRows bounds the number of rows retained per object; rows past
	// the limit are dropped from the tail.
	MaxRows int
}

// Warning is a non-fatal diagnostic produced while compiling one object's
// CFI. A warning never aborts the compile; the object just ends up with
// fewer usable rows.
type Warning struct {
	Message string
}

// Compile reads f's .eh_frame section (falling back to .debug_frame if
// .eh_frame is absent) and produces a compacted, sorted, non-overlapping
// Table plus any non-fatal warnings. A completely absent or unparseable
// section is not an error: it yields an empty Table, since opaque
// objects are expected to have none.
func Compile(f *elf.File, opts CompileOptions) (Table, []Warning, error) {
	var warnings []Warning

	sec := f.Section(".eh_frame")
	ehFrame := true
	if sec == nil {
		sec = f.Section(".debug_frame")
		ehFrame = false
	}
	if sec == nil {
		return nil, nil, nil
	}

	data, err := sec.Data()
	if err != nil {
		return nil, nil, fmt.Errorf("cfi: read %s: %w", sec.Name, err)
	}

	cies, fdes, warns := parseCIEsAndFDEs(data, f.ByteOrder, ehFrame, sec.Addr)
	warnings = append(warnings, warns...)
	_ = cies

	// FDE pc ranges are link addresses. The unwinder computes pc -
	// load_base, so every row is rebased against the image base here:
	// zero for ET_DYN objects, the fixed link base (0x400000 by
	// convention) for ET_EXEC ones.
	base := imageBase(f)

	var rows []UnwindRow
	for _, fde := range fdes {
		rawRows, warns := executeFDE(fde)
		warnings = append(warnings, warns...)
		for _, rr := range rawRows {
			row := rr.toUnwindRow()
			row.PCStart -= base
			row.PCEnd -= base
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].PCStart < rows[j].PCStart })
	rows = coalesce(rows)

	if opts.MaxRows > 0 && len(rows) > opts.MaxRows {
		warnings = append(warnings, Warning{Message: fmt.Sprintf(
			"cfi: row count %d exceeds max_rows_per_object %d; dropping tail", len(rows), opts.MaxRows)})
		rows = rows[:opts.MaxRows]
	}

	return Table(rows), warnings, nil
}

// imageBase returns the lowest PT_LOAD virtual address, the link-time
// address of the object's first mapped segment.
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

// coalesce merges adjacent rows with identical rules.
func coalesce(rows []UnwindRow) []UnwindRow {
	if len(rows) == 0 {
		return rows
	}
	out := rows[:1]
	for _, r := range rows[1:] {
		last := &out[len(out)-1]
		if last.PCEnd == r.PCStart && sameRule(*last, r) {
			last.PCEnd = r.PCEnd
			continue
		}
		out = append(out, r)
	}
	return out
}

func sameRule(a, b UnwindRow) bool {
	return a.Unsupported == b.Unsupported && a.CFA == b.CFA && a.RBP == b.RBP && a.RA == b.RA
}

// rawRow is one boundary-delimited row produced while executing a CFI
// program, in CIE/FDE-native (not yet object-relative) terms.
type rawRow struct {
	pcStart, pcEnd uint64
	state          cfiState
	retAddrReg     uint64
}

func (rr rawRow) toUnwindRow() UnwindRow {
	row := UnwindRow{PCStart: rr.pcStart, PCEnd: rr.pcEnd}

	if rr.state.cfaUnsupported || (rr.state.cfaReg != dwarfRegRSP && rr.state.cfaReg != dwarfRegRBP) {
		row.Unsupported = true
		return row
	}
	row.CFA = CFARule{Register: Register(rr.state.cfaReg), Offset: rr.state.cfaOffset}

	switch rbp := rr.state.regs[dwarfRegRBP]; rbp.kind {
	case ruleUndefined:
		row.RBP = RBPRule{Kind: RBPUnchanged}
	case ruleSameValue:
		row.RBP = RBPRule{Kind: RBPSameAsPrev}
	case ruleOffset:
		row.RBP = RBPRule{Kind: RBPCfaPlus, Offset: rbp.offset}
	default:
		row.Unsupported = true
		return row
	}

	switch ra := rr.state.regs[rr.retAddrReg]; ra.kind {
	case ruleUndefined:
		row.RA = RARule{Kind: RAUndefined}
	case ruleOffset:
		row.RA = RARule{Kind: RACfaPlus, Offset: ra.offset}
	case ruleRegister:
		if ra.reg != dwarfRegRSP && ra.reg != dwarfRegRBP {
			row.Unsupported = true
			return row
		}
		row.RA = RARule{Kind: RARegister, Register: Register(ra.reg)}
	default:
		row.Unsupported = true
		return row
	}

	return row
}

// parseCIEsAndFDEs walks the raw CFI section data, splitting it into CIE
// and FDE records (DWARF §6.4.1 / LSB eh_frame conventions). sectionAddr is
// the section's runtime/link virtual address (debug/elf's Section.Addr),
// needed to resolve a pc-relative-encoded FDE pc_begin field to an actual
// address.
func parseCIEsAndFDEs(data []byte, order binary.ByteOrder, ehFrame bool, sectionAddr uint64) (map[uint64]*cieInfo, []*fdeInfo, []Warning) {
	cies := make(map[uint64]*cieInfo)
	var fdes []*fdeInfo
	var warnings []Warning

	off := 0
	for off < len(data) {
		recordStart := off
		if off+4 > len(data) {
			break
		}
		length := uint64(order.Uint32(data[off:]))
		off += 4
		if length == 0 {
			break // zero-length terminator record
		}
		if length == 0xffffffff {
			warnings = append(warnings, Warning{Message: "cfi: 64-bit DWARF CFI length format is not supported"})
			break
		}
		if off+int(length) > len(data) {
			warnings = append(warnings, Warning{Message: "cfi: record length overruns section"})
			break
		}
		body := data[off : off+int(length)]
		next := off + int(length)

		if len(body) < 4 {
			off = next
			continue
		}
		idField := uint64(order.Uint32(body[:4]))
		rest := body[4:]

		isCIE := (ehFrame && idField == 0) || (!ehFrame && idField == 0xffffffff)
		if isCIE {
			c, err := parseCIE(rest, order)
			if err != nil {
				warnings = append(warnings, Warning{Message: "cfi: parse CIE: " + err.Error()})
				off = next
				continue
			}
			cies[uint64(recordStart)] = c
		} else {
			var cieOffset uint64
			if ehFrame {
				// idField is the backward byte distance from the field
				// itself to the CIE's record start.
				fieldPos := uint64(recordStart + 4)
				cieOffset = fieldPos - idField
			} else {
				cieOffset = idField
			}
			c, ok := cies[cieOffset]
			if !ok {
				warnings = append(warnings, Warning{Message: "cfi: FDE references unknown CIE"})
				off = next
				continue
			}
			// rest == data[off+4:next]: the field address of rest[0] (the
			// start of pc_begin) in the object's own address space is the
			// section's link address plus that same byte offset.
			fieldAddr := sectionAddr + uint64(off+4)
			fde, err := parseFDE(rest, order, c, fieldAddr)
			if err != nil {
				warnings = append(warnings, Warning{Message: "cfi: parse FDE: " + err.Error()})
				off = next
				continue
			}
			fdes = append(fdes, fde)
		}

		off = next
	}

	return cies, fdes, warnings
}

func parseCIE(body []byte, order binary.ByteOrder) (*cieInfo, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("truncated CIE")
	}
	c := &cieInfo{version: body[0]}
	p := 1

	nulIdx := -1
	for i := p; i < len(body); i++ {
		if body[i] == 0 {
			nulIdx = i
			break
		}
	}
	if nulIdx < 0 {
		return nil, fmt.Errorf("CIE augmentation string not terminated")
	}
	c.augmentation = string(body[p:nulIdx])
	p = nulIdx + 1

	if c.version == 4 || c.version == 5 {
		// address_size, segment_selector_size
		p += 2
	}

	codeAlign, n := decodeULEB128(body[p:])
	if n == 0 {
		return nil, fmt.Errorf("bad code_alignment_factor")
	}
	c.codeAlignment = codeAlign
	p += n

	dataAlign, n := decodeSLEB128(body[p:])
	if n == 0 {
		return nil, fmt.Errorf("bad data_alignment_factor")
	}
	c.dataAlignment = dataAlign
	p += n

	if c.version == 1 {
		if p >= len(body) {
			return nil, fmt.Errorf("truncated return_address_register")
		}
		c.retAddrReg = uint64(body[p])
		p++
	} else {
		raReg, n := decodeULEB128(body[p:])
		if n == 0 {
			return nil, fmt.Errorf("bad return_address_register")
		}
		c.retAddrReg = raReg
		p += n
	}

	c.fdeEncoding = peAbsptr
	if len(c.augmentation) > 0 && c.augmentation[0] == 'z' {
		augLen, n := decodeULEB128(body[p:])
		if n == 0 {
			return nil, fmt.Errorf("bad augmentation length")
		}
		p += n
		if p+int(augLen) > len(body) {
			return nil, fmt.Errorf("augmentation data overruns CIE")
		}
		enc, err := parseCIEAugmentationData(c.augmentation, body[p:p+int(augLen)], order)
		if err != nil {
			return nil, fmt.Errorf("augmentation data: %w", err)
		}
		c.fdeEncoding = enc
		p += int(augLen)
	}

	c.initialInstr = body[p:]

	state := newCFIState()
	execInstructions(c.initialInstr, &state, c, nil)
	c.initialState = state.clone()

	return c, nil
}

// parseFDE decodes an FDE's pc_begin/pc_range pair per the CIE's declared
// fdeEncoding (the 'R' augmentation letter), falling back to the native
// 8-byte absolute encoding when the CIE declared none (peAbsptr, the
// .debug_frame default and the implicit .eh_frame default pre-zR). GCC and
// Clang virtually always emit DW_EH_PE_pcrel|DW_EH_PE_sdata4 for .eh_frame
// (a 4-byte signed offset from pc_begin's own field address) rather than
// an 8-byte absolute pointer; fieldAddr is that field's address, needed to
// resolve the pc-relative case.
func parseFDE(body []byte, order binary.ByteOrder, c *cieInfo, fieldAddr uint64) (*fdeInfo, error) {
	enc := c.fdeEncoding
	if enc == peOmit {
		enc = peAbsptr
	}

	rawBegin, n, err := readEncodedValue(body, order, enc)
	if err != nil {
		return nil, fmt.Errorf("pc_begin: %w", err)
	}
	p := n
	pcBegin := applyPCRelBase(enc, fieldAddr, rawBegin)

	rawRange, n, err := readEncodedValue(body[p:], order, enc)
	if err != nil {
		return nil, fmt.Errorf("pc_range: %w", err)
	}
	p += n
	pcRange := uint64(rawRange)

	if len(c.augmentation) > 0 && c.augmentation[0] == 'z' {
		augLen, n := decodeULEB128(body[p:])
		if n == 0 {
			return nil, fmt.Errorf("bad FDE augmentation length")
		}
		p += n + int(augLen)
		if p > len(body) {
			return nil, fmt.Errorf("FDE augmentation data overruns record")
		}
	}

	return &fdeInfo{
		cie:     c,
		pcBegin: pcBegin,
		pcRange: pcRange,
		instr:   body[p:],
	}, nil
}

// parseCIEAugmentationData walks augStr (the CIE's full augmentation
// string, leading 'z' included) alongside augData (the bytes the 'z'
// length-prefix bounds) to find the 'R' letter's FDE pointer-encoding
// byte. The augmentation letters that can precede or follow 'R' ('L' the
// LSDA encoding byte, 'P' a personality-routine encoding byte plus its
// encoded pointer) are skipped by their own declared width so that 'R',
// wherever it falls, is read from the right offset.
func parseCIEAugmentationData(augStr string, augData []byte, order binary.ByteOrder) (fdeEncoding uint8, err error) {
	fdeEncoding = peAbsptr
	pos := 0
	for i := 1; i < len(augStr); i++ { // augStr[0] == 'z', already consumed
		switch augStr[i] {
		case 'L':
			if pos >= len(augData) {
				return fdeEncoding, fmt.Errorf("truncated L augmentation data")
			}
			pos++ // LSDA encoding byte; this compiler never resolves an LSDA
		case 'P':
			if pos >= len(augData) {
				return fdeEncoding, fmt.Errorf("truncated P augmentation data")
			}
			personalityEnc := augData[pos]
			pos++
			_, n, perr := readEncodedValue(augData[pos:], order, personalityEnc)
			if perr != nil {
				return fdeEncoding, fmt.Errorf("personality pointer: %w", perr)
			}
			pos += n
		case 'R':
			if pos >= len(augData) {
				return fdeEncoding, fmt.Errorf("truncated R augmentation data")
			}
			fdeEncoding = augData[pos]
			pos++
		case 'S', 'B', 'G':
			// Signal-frame / BTI / MTE markers: no augmentation data.
		default:
			// An unrecognized letter's data width is unknowable, but the
			// CIE's own augmentation-length prefix already bounds the
			// whole block for the caller, so stop looking for 'R' rather
			// than mis-parse the rest.
			return fdeEncoding, nil
		}
	}
	return fdeEncoding, nil
}

// readEncodedValue decodes one DW_EH_PE_*-encoded value from the front of
// buf, per its low-nibble storage format (the high "application" nibble is
// interpreted by the caller, not here — it changes how the decoded value
// is turned into an address, not how many bytes it occupies). Returns the
// raw decoded value (sign-extended for signed formats) and the number of
// bytes consumed.
func readEncodedValue(buf []byte, order binary.ByteOrder, enc uint8) (value int64, n int, err error) {
	if enc == peOmit {
		return 0, 0, nil
	}
	switch enc & peFormatMask {
	case peAbsptr, peUData8:
		if len(buf) < 8 {
			return 0, 0, fmt.Errorf("truncated encoded value")
		}
		return int64(order.Uint64(buf)), 8, nil
	case peUData2:
		if len(buf) < 2 {
			return 0, 0, fmt.Errorf("truncated encoded value")
		}
		return int64(order.Uint16(buf)), 2, nil
	case peUData4:
		if len(buf) < 4 {
			return 0, 0, fmt.Errorf("truncated encoded value")
		}
		return int64(order.Uint32(buf)), 4, nil
	case peSData2:
		if len(buf) < 2 {
			return 0, 0, fmt.Errorf("truncated encoded value")
		}
		return int64(int16(order.Uint16(buf))), 2, nil
	case peSData4:
		if len(buf) < 4 {
			return 0, 0, fmt.Errorf("truncated encoded value")
		}
		return int64(int32(order.Uint32(buf))), 4, nil
	case peSData8:
		if len(buf) < 8 {
			return 0, 0, fmt.Errorf("truncated encoded value")
		}
		return int64(order.Uint64(buf)), 8, nil
	case peULEB128:
		v, n := decodeULEB128(buf)
		if n == 0 {
			return 0, 0, fmt.Errorf("bad uleb128 encoded value")
		}
		return int64(v), n, nil
	case peSLEB128:
		v, n := decodeSLEB128(buf)
		if n == 0 {
			return 0, 0, fmt.Errorf("bad sleb128 encoded value")
		}
		return v, n, nil
	default:
		return 0, 0, fmt.Errorf("unsupported pointer encoding %#x", enc)
	}
}

// applyPCRelBase turns a decoded raw value into an address per enc's
// application nibble. DW_EH_PE_pcrel (the near-universal case for
// .eh_frame pc_begin fields) adds the encoded field's own address;
// DW_EH_PE_absptr needs no base. The other bases (textrel/datarel/
// funcrel/aligned) require section/function context this compiler does
// not track and are not emitted by gcc/clang for initial_location, so they
// fall back to treating the value as already absolute.
func applyPCRelBase(enc uint8, fieldAddr uint64, raw int64) uint64 {
	if enc&peAppMask == pePCRel {
		return uint64(int64(fieldAddr) + raw)
	}
	return uint64(raw)
}

// executeFDE runs the CIE's initial state forward through the FDE's
// instruction stream, producing one rawRow per advance-location boundary
// plus a final row to the end of the function.
func executeFDE(fde *fdeInfo) ([]rawRow, []Warning) {
	state := fde.cie.initialState.clone()
	var warnings []Warning

	var rows []rawRow
	rowStart := uint64(0)
	location := uint64(0)
	var stack []cfiState

	emit := func(newLoc uint64) {
		if newLoc > rowStart {
			rows = append(rows, rawRow{
				pcStart:    fde.pcBegin + rowStart,
				pcEnd:      fde.pcBegin + newLoc,
				state:      state.clone(),
				retAddrReg: fde.cie.retAddrReg,
			})
		}
		rowStart = newLoc
	}

	warnings = append(warnings, execInstructions(fde.instr, &state, fde.cie, &execHooks{
		advanceBy: func(delta uint64) { location += delta; emit(location) },
		setLoc: func(newLoc uint64) {
			if newLoc >= fde.pcBegin {
				newLoc -= fde.pcBegin
			}
			location = newLoc
			emit(location)
		},
		remember: func() { stack = append(stack, state.clone()) },
		restore: func() {
			if len(stack) == 0 {
				return
			}
			state = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		},
	})...)

	emit(fde.pcRange)

	return rows, warnings
}

// execHooks lets the FDE executor observe location advances and
// remember/restore-state opcodes. Executing a CIE's own initial
// instructions passes a nil *execHooks: the CIE program never contains
// location or state-stack opcodes in practice, and any compliant producer
// would place them in the FDE instead.
type execHooks struct {
	advanceBy func(delta uint64)
	setLoc    func(newLoc uint64)
	remember  func()
	restore   func()
}

// execInstructions runs a CFI instruction stream against state, mutating
// it in place. hooks may be nil when executing CIE initial instructions.
func execInstructions(instr []byte, state *cfiState, c *cieInfo, hooks *execHooks) []Warning {
	var warnings []Warning
	p := 0
	for p < len(instr) {
		opByte := instr[p]
		p++
		primary := opByte & 0xc0
		low6 := opByte & 0x3f

		switch primary {
		case 0x40: // DW_CFA_advance_loc
			delta := uint64(low6) * c.codeAlignment
			if hooks != nil {
				hooks.advanceBy(delta)
			}
			continue
		case 0x80: // DW_CFA_offset
			off, n := decodeULEB128(instr[p:])
			p += n
			state.regs[uint64(low6)] = regRule{kind: ruleOffset, offset: off2(off, c.dataAlignment)}
			continue
		case 0xc0: // DW_CFA_restore
			if init, ok := c.initialState.regs[uint64(low6)]; ok {
				state.regs[uint64(low6)] = init
			} else {
				delete(state.regs, uint64(low6))
			}
			continue
		}

		switch opByte {
		case 0x00: // nop
		case 0x01: // set_loc
			if p+8 > len(instr) {
				return append(warnings, Warning{Message: "cfi: truncated DW_CFA_set_loc"})
			}
			newLoc := binary.LittleEndian.Uint64(instr[p:])
			p += 8
			if hooks != nil {
				hooks.setLoc(newLoc)
			}
		case 0x02: // advance_loc1
			if p+1 > len(instr) {
				return append(warnings, Warning{Message: "cfi: truncated DW_CFA_advance_loc1"})
			}
			delta := uint64(instr[p]) * c.codeAlignment
			p++
			if hooks != nil {
				hooks.advanceBy(delta)
			}
		case 0x03: // advance_loc2
			if p+2 > len(instr) {
				return append(warnings, Warning{Message: "cfi: truncated DW_CFA_advance_loc2"})
			}
			delta := uint64(binary.LittleEndian.Uint16(instr[p:])) * c.codeAlignment
			p += 2
			if hooks != nil {
				hooks.advanceBy(delta)
			}
		case 0x04: // advance_loc4
			if p+4 > len(instr) {
				return append(warnings, Warning{Message: "cfi: truncated DW_CFA_advance_loc4"})
			}
			delta := uint64(binary.LittleEndian.Uint32(instr[p:])) * c.codeAlignment
			p += 4
			if hooks != nil {
				hooks.advanceBy(delta)
			}
		case 0x05: // offset_extended
			reg, n := decodeULEB128(instr[p:])
			p += n
			off, n := decodeULEB128(instr[p:])
			p += n
			state.regs[reg] = regRule{kind: ruleOffset, offset: off2(off, c.dataAlignment)}
		case 0x06: // restore_extended
			reg, n := decodeULEB128(instr[p:])
			p += n
			if init, ok := c.initialState.regs[reg]; ok {
				state.regs[reg] = init
			} else {
				delete(state.regs, reg)
			}
		case 0x07: // undefined
			reg, n := decodeULEB128(instr[p:])
			p += n
			state.regs[reg] = regRule{kind: ruleUndefined}
		case 0x08: // same_value
			reg, n := decodeULEB128(instr[p:])
			p += n
			state.regs[reg] = regRule{kind: ruleSameValue}
		case 0x09: // register
			reg, n := decodeULEB128(instr[p:])
			p += n
			reg2, n := decodeULEB128(instr[p:])
			p += n
			state.regs[reg] = regRule{kind: ruleRegister, reg: reg2}
		case 0x0a: // remember_state
			if hooks != nil {
				hooks.remember()
			}
		case 0x0b: // restore_state
			if hooks != nil {
				hooks.restore()
			}
		case 0x0c: // def_cfa
			reg, n := decodeULEB128(instr[p:])
			p += n
			off, n := decodeULEB128(instr[p:])
			p += n
			state.cfaReg = reg
			state.cfaOffset = int64(off)
			state.cfaUnsupported = false
		case 0x0d: // def_cfa_register
			reg, n := decodeULEB128(instr[p:])
			p += n
			state.cfaReg = reg
		case 0x0e: // def_cfa_offset
			off, n := decodeULEB128(instr[p:])
			p += n
			state.cfaOffset = int64(off)
		case 0x0f: // def_cfa_expression
			n := skipBlock(instr[p:])
			p += n
			state.cfaUnsupported = true
		case 0x10: // expression
			reg, n := decodeULEB128(instr[p:])
			p += n
			n = skipBlock(instr[p:])
			p += n
			state.regs[reg] = regRule{kind: ruleUnsupportedExpr}
		case 0x11: // offset_extended_sf
			reg, n := decodeULEB128(instr[p:])
			p += n
			off, n := decodeSLEB128(instr[p:])
			p += n
			state.regs[reg] = regRule{kind: ruleOffset, offset: off * c.dataAlignment}
		case 0x12: // def_cfa_sf
			reg, n := decodeULEB128(instr[p:])
			p += n
			off, n := decodeSLEB128(instr[p:])
			p += n
			state.cfaReg = reg
			state.cfaOffset = off * c.dataAlignment
			state.cfaUnsupported = false
		case 0x13: // def_cfa_offset_sf
			off, n := decodeSLEB128(instr[p:])
			p += n
			state.cfaOffset = off * c.dataAlignment
		case 0x14, 0x15, 0x16: // val_offset, val_offset_sf, val_expression
			reg, n := decodeULEB128(instr[p:])
			p += n
			if opByte == 0x16 {
				n = skipBlock(instr[p:])
			} else if opByte == 0x15 {
				_, n = decodeSLEB128(instr[p:])
			} else {
				_, n = decodeULEB128(instr[p:])
			}
			p += n
			state.regs[reg] = regRule{kind: ruleUnsupportedExpr}
		case 0x2e: // GNU_args_size
			_, n := decodeULEB128(instr[p:])
			p += n
		default:
			// Unknown/vendor opcode with no operand we can safely skip;
			// stop interpreting this program rather than mis-parse the
			// remaining bytes.
			return append(warnings, Warning{Message: fmt.Sprintf("cfi: unsupported CFA opcode %#x", opByte)})
		}
	}
	return warnings
}

// off2 converts a ULEB128-decoded offset magnitude into the signed,
// data-alignment-scaled offset DW_CFA_offset/_extended encode.
func off2(magnitude uint64, dataAlignment int64) int64 {
	return int64(magnitude) * dataAlignment
}

// skipBlock reads a ULEB128 length prefix followed by that many bytes (a
// DW_FORM_block used by DW_CFA_*expression opcodes) and returns the total
// number of bytes consumed.
func skipBlock(buf []byte) int {
	length, n := decodeULEB128(buf)
	return n + int(length)
}
