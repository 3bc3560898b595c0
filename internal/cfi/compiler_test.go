package cfi

import (
	"debug/elf"
	"encoding/binary"
	"testing"
)

// buildSyntheticEHFrame hand-assembles a minimal .eh_frame byte stream
// containing one CIE and one FDE, mirroring what gcc/clang emit for a
// simple prologue that establishes a frame pointer partway through the
// function:
//
//	[0x1000, 0x1004): CIE defaults only (cfa=rsp+8, ra=cfa-8)
//	[0x1004, 0x100c): after `sub rsp, 8`       (cfa=rsp+16)
//	[0x100c, 0x1030): after `mov rbp, rsp`/push (cfa=rbp+16, rbp=cfa-16)
func buildSyntheticEHFrame() []byte {
	cie := []byte{
		0x01,                   // version
		0x00,                   // augmentation string: ""
		0x01,                   // code_alignment_factor = 1
		0x78,                   // data_alignment_factor = -8 (SLEB128)
		0x10,                   // return_address_register = 16 (rip)
		0x0c, 0x07, 0x08,       // DW_CFA_def_cfa(rsp=7, 8)
		0x90, 0x01,             // DW_CFA_offset(reg 16, 1) -> ra at cfa-8
	}
	cieLen := 4 /* id field */ + len(cie)

	var buf []byte
	buf = appendU32(buf, uint32(cieLen))
	buf = appendU32(buf, 0) // CIE id marker for .eh_frame
	buf = append(buf, cie...)

	cieRecordStart := 0
	fdeFieldPos := cieRecordStart + len(buf) + 4 // position of FDE's id field
	ciePointer := uint32(fdeFieldPos - cieRecordStart)

	instr := []byte{
		0x44,             // DW_CFA_advance_loc(4)
		0x0e, 0x10,       // DW_CFA_def_cfa_offset(16)
		0x48,             // DW_CFA_advance_loc(8)
		0x0d, 0x06,       // DW_CFA_def_cfa_register(rbp=6)
		0x86, 0x02,       // DW_CFA_offset(reg 6, 2) -> rbp at cfa-16
	}
	fdeBody := appendU64(appendU64(nil, 0x1000), 0x30) // pc_begin, pc_range
	fdeBody = append(fdeBody, instr...)
	fdeLen := 4 /* id field */ + len(fdeBody)

	buf = appendU32(buf, uint32(fdeLen))
	buf = appendU32(buf, ciePointer)
	buf = append(buf, fdeBody...)

	return buf
}

// buildSyntheticEHFrameZR hand-assembles a CIE/FDE pair using the
// augmentation gcc/clang actually emit for .eh_frame: augmentation string
// "zR" with a DW_EH_PE_pcrel|DW_EH_PE_sdata4 FDE encoding, so pc_begin is a
// signed 4-byte offset from its own field address rather than a raw 8-byte
// absolute pointer. sectionAddr is the (hypothetical) link address of the
// .eh_frame section itself; targetPC is the function's real link address,
// which pc_begin must resolve to once decoded.
func buildSyntheticEHFrameZR(sectionAddr, targetPC uint64) []byte {
	const fdeEncoding = 0x1b // DW_EH_PE_pcrel | DW_EH_PE_sdata4

	cieBody := []byte{0x01} // version
	cieBody = append(cieBody, 'z', 'R', 0x00)
	cieBody = append(cieBody, 0x01)             // code_alignment_factor = 1
	cieBody = append(cieBody, 0x78)             // data_alignment_factor = -8 (SLEB128)
	cieBody = append(cieBody, 0x10)             // return_address_register = 16 (rip)
	cieBody = append(cieBody, 0x01, fdeEncoding) // augmentation_data_length=1, R byte
	cieBody = append(cieBody,
		0x0c, 0x07, 0x08, // DW_CFA_def_cfa(rsp=7, 8)
		0x90, 0x01, // DW_CFA_offset(reg 16, 1) -> ra at cfa-8
	)
	cieLen := 4 /* id field */ + len(cieBody)

	var buf []byte
	buf = appendU32(buf, uint32(cieLen))
	buf = appendU32(buf, 0) // CIE id marker for .eh_frame
	buf = append(buf, cieBody...)

	fdeFieldPos := len(buf) + 4 // position of FDE's id field
	ciePointer := uint32(fdeFieldPos)

	// pc_begin's field sits right after the FDE's length(4) and id(4)
	// fields that are appended below.
	fieldAddr := sectionAddr + uint64(len(buf)) + 8
	pcBeginRel := uint32(int64(targetPC) - int64(fieldAddr))

	instr := []byte{
		0x44,       // DW_CFA_advance_loc(4)
		0x0e, 0x10, // DW_CFA_def_cfa_offset(16)
		0x48,       // DW_CFA_advance_loc(8)
		0x0d, 0x06, // DW_CFA_def_cfa_register(rbp=6)
		0x86, 0x02, // DW_CFA_offset(reg 6, 2) -> rbp at cfa-16
	}

	fdeBody := appendU32(nil, pcBeginRel)
	fdeBody = appendU32(fdeBody, 0x30) // pc_range
	fdeBody = append(fdeBody, 0x00)    // FDE augmentation_data_length = 0
	fdeBody = append(fdeBody, instr...)
	fdeLen := 4 /* id field */ + len(fdeBody)

	buf = appendU32(buf, uint32(fdeLen))
	buf = appendU32(buf, ciePointer)
	buf = append(buf, fdeBody...)

	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(buf, b...)
}

func appendU64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return append(buf, b...)
}

func TestParseAndExecute_SyntheticFrame(t *testing.T) {
	data := buildSyntheticEHFrame()

	cies, fdes, warnings := parseCIEsAndFDEs(data, binary.LittleEndian, true, 0)
	if len(warnings) != 0 {
		t.Fatalf("parseCIEsAndFDEs warnings = %v, want none", warnings)
	}
	if len(cies) != 1 {
		t.Fatalf("len(cies) = %d, want 1", len(cies))
	}
	if len(fdes) != 1 {
		t.Fatalf("len(fdes) = %d, want 1", len(fdes))
	}

	rawRows, warnings := executeFDE(fdes[0])
	if len(warnings) != 0 {
		t.Fatalf("executeFDE warnings = %v, want none", warnings)
	}
	if len(rawRows) != 3 {
		t.Fatalf("len(rawRows) = %d, want 3", len(rawRows))
	}

	rows := make([]UnwindRow, len(rawRows))
	for i, rr := range rawRows {
		rows[i] = rr.toUnwindRow()
	}

	want := []UnwindRow{
		{PCStart: 0x1000, PCEnd: 0x1004,
			CFA: CFARule{Register: RegRSP, Offset: 8},
			RBP: RBPRule{Kind: RBPUnchanged},
			RA:  RARule{Kind: RACfaPlus, Offset: -8}},
		{PCStart: 0x1004, PCEnd: 0x100c,
			CFA: CFARule{Register: RegRSP, Offset: 16},
			RBP: RBPRule{Kind: RBPUnchanged},
			RA:  RARule{Kind: RACfaPlus, Offset: -8}},
		{PCStart: 0x100c, PCEnd: 0x1030,
			CFA: CFARule{Register: RegRBP, Offset: 16},
			RBP: RBPRule{Kind: RBPCfaPlus, Offset: -16},
			RA:  RARule{Kind: RACfaPlus, Offset: -8}},
	}

	for i, w := range want {
		if rows[i] != w {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], w)
		}
	}
}

// TestParseFDE_PCRelSData4Encoding guards against regressing to reading
// pc_begin/pc_range as raw 8-byte absolute values: gcc/clang emit
// DW_EH_PE_pcrel|DW_EH_PE_sdata4 (augmentation string "zR") for ordinary
// .eh_frame FDEs, an 8-byte header (4+4), not a 16-byte one, and pc_begin
// must be resolved against its own field address rather than read as-is.
func TestParseFDE_PCRelSData4Encoding(t *testing.T) {
	const sectionAddr = 0x2000
	const targetPC = 0x401000

	data := buildSyntheticEHFrameZR(sectionAddr, targetPC)

	cies, fdes, warnings := parseCIEsAndFDEs(data, binary.LittleEndian, true, sectionAddr)
	if len(warnings) != 0 {
		t.Fatalf("parseCIEsAndFDEs warnings = %v, want none", warnings)
	}
	if len(cies) != 1 {
		t.Fatalf("len(cies) = %d, want 1", len(cies))
	}
	if len(fdes) != 1 {
		t.Fatalf("len(fdes) = %d, want 1", len(fdes))
	}

	fde := fdes[0]
	if fde.pcBegin != uint64(targetPC) {
		t.Errorf("pcBegin = %#x, want %#x", fde.pcBegin, uint64(targetPC))
	}
	if fde.pcRange != 0x30 {
		t.Errorf("pcRange = %#x, want 0x30", fde.pcRange)
	}

	rawRows, warnings := executeFDE(fde)
	if len(warnings) != 0 {
		t.Fatalf("executeFDE warnings = %v, want none", warnings)
	}
	if len(rawRows) != 3 {
		t.Fatalf("len(rawRows) = %d, want 3", len(rawRows))
	}
	if rawRows[0].pcStart != uint64(targetPC) {
		t.Errorf("first row pcStart = %#x, want %#x", rawRows[0].pcStart, uint64(targetPC))
	}
	if last := rawRows[len(rawRows)-1]; last.pcEnd != uint64(targetPC)+0x30 {
		t.Errorf("last row pcEnd = %#x, want %#x", last.pcEnd, uint64(targetPC)+0x30)
	}
}

func TestImageBase_LowestLoadSegment(t *testing.T) {
	f := &elf.File{Progs: []*elf.Prog{
		{ProgHeader: elf.ProgHeader{Type: elf.PT_PHDR, Vaddr: 0x40}},
		{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x401000}},
		{ProgHeader: elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x400000}},
	}}
	if got := imageBase(f); got != 0x400000 {
		t.Errorf("imageBase = %#x, want 0x400000", got)
	}

	if got := imageBase(&elf.File{}); got != 0 {
		t.Errorf("imageBase of segmentless file = %#x, want 0", got)
	}
}

func TestCoalesce_MergesAdjacentIdenticalRules(t *testing.T) {
	row := UnwindRow{CFA: CFARule{Register: RegRSP, Offset: 8}, RA: RARule{Kind: RACfaPlus, Offset: -8}}
	rows := []UnwindRow{
		{PCStart: 0, PCEnd: 4, CFA: row.CFA, RA: row.RA},
		{PCStart: 4, PCEnd: 8, CFA: row.CFA, RA: row.RA},
		{PCStart: 8, PCEnd: 12, CFA: CFARule{Register: RegRBP, Offset: 16}, RA: row.RA},
	}

	got := coalesce(rows)
	if len(got) != 2 {
		t.Fatalf("coalesce produced %d rows, want 2: %+v", len(got), got)
	}
	if got[0].PCStart != 0 || got[0].PCEnd != 8 {
		t.Errorf("merged row = [%#x,%#x), want [0x0,0x8)", got[0].PCStart, got[0].PCEnd)
	}
	if got[1].PCStart != 8 || got[1].PCEnd != 12 {
		t.Errorf("second row = [%#x,%#x), want [0x8,0xc)", got[1].PCStart, got[1].PCEnd)
	}
}

func TestCoalesce_NoMergeAcrossGap(t *testing.T) {
	rows := []UnwindRow{
		{PCStart: 0, PCEnd: 4},
		{PCStart: 8, PCEnd: 12},
	}
	got := coalesce(rows)
	if len(got) != 2 {
		t.Fatalf("coalesce merged across a gap: %+v", got)
	}
}

func TestTableLookup_HalfOpenBoundaries(t *testing.T) {
	tbl := Table{
		{PCStart: 0x1000, PCEnd: 0x1010},
		{PCStart: 0x1010, PCEnd: 0x1020},
	}

	cases := []struct {
		rpc    uint64
		wantOK bool
		wantLo uint64
	}{
		{rpc: 0x1000, wantOK: true, wantLo: 0x1000},
		{rpc: 0x100f, wantOK: true, wantLo: 0x1000},
		{rpc: 0x1010, wantOK: true, wantLo: 0x1010},
		{rpc: 0x1020, wantOK: false},
		{rpc: 0x0fff, wantOK: false},
	}
	for _, tc := range cases {
		row, ok := tbl.Lookup(tc.rpc)
		if ok != tc.wantOK {
			t.Errorf("Lookup(%#x).ok = %v, want %v", tc.rpc, ok, tc.wantOK)
			continue
		}
		if ok && row.PCStart != tc.wantLo {
			t.Errorf("Lookup(%#x) row.PCStart = %#x, want %#x", tc.rpc, row.PCStart, tc.wantLo)
		}
	}
}

func TestExecInstructions_UndefinedReturnAddressMarksRootFrame(t *testing.T) {
	c := &cieInfo{codeAlignment: 1, dataAlignment: -8, retAddrReg: 16}
	state := newCFIState()
	state.cfaReg = 7
	state.cfaOffset = 8

	// DW_CFA_undefined(16): the outermost frame has no caller, so the
	// return address is undefined.
	warnings := execInstructions([]byte{0x07, 0x10}, &state, c, nil)
	if len(warnings) != 0 {
		t.Fatalf("execInstructions warnings = %v, want none", warnings)
	}

	rr := rawRow{state: state, retAddrReg: c.retAddrReg}
	row := rr.toUnwindRow()
	if row.RA.Kind != RAUndefined {
		t.Errorf("RA.Kind = %v, want RAUndefined", row.RA.Kind)
	}
}

func TestExecInstructions_UnsupportedExpressionMarksRowUnsupported(t *testing.T) {
	c := &cieInfo{codeAlignment: 1, dataAlignment: -8, retAddrReg: 16}
	state := newCFIState()
	state.cfaReg = 7
	state.cfaOffset = 8
	state.regs[16] = regRule{kind: ruleOffset, offset: -8}

	// DW_CFA_expression(rbp, len=1, [0x00]): a DWARF location expression
	// this unwinder's restricted vocabulary cannot represent.
	warnings := execInstructions([]byte{0x10, 0x06, 0x01, 0x00}, &state, c, nil)
	if len(warnings) != 0 {
		t.Fatalf("execInstructions warnings = %v, want none", warnings)
	}

	rr := rawRow{state: state, retAddrReg: c.retAddrReg}
	row := rr.toUnwindRow()
	if !row.Unsupported {
		t.Error("row.Unsupported = false, want true for a DW_CFA_expression rbp rule")
	}
}
