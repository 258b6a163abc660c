package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kerndbg/kerndbg/pkg/target"
)

type sectionWriter struct {
	bytes.Buffer
}

func (w *sectionWriter) u32(v uint32) {
	binary.Write(w, binary.LittleEndian, v)
}

func (w *sectionWriter) u64(v uint64) {
	binary.Write(w, binary.LittleEndian, v)
}

// debugFrameSection returns a .debug_frame with one version 4 CIE and
// one FDE covering [0x1000, 0x1100). The CIE establishes CFA = rsp+8
// with the return address at CFA-8; the FDE switches to CFA = rbp+16
// after the first four bytes and saves rbp at CFA-16.
func debugFrameSection() []byte {
	var w sectionWriter

	cieBody := []byte{
		4,          // version
		0,          // augmentation ""
		8,          // address size
		0,          // segment size
		1,          // code alignment factor
		0x78,       // data alignment factor -8
		0x10,       // return address register 16
		0x0c, 7, 8, // DW_CFA_def_cfa rsp 8
		0x90, 1, // DW_CFA_offset r16 -8
	}
	w.u32(uint32(4 + len(cieBody)))
	w.u32(0xffffffff)
	w.Write(cieBody)

	var instr sectionWriter
	instr.Write([]byte{
		0x44,       // DW_CFA_advance_loc 4
		0x0e, 0x10, // DW_CFA_def_cfa_offset 16
		0x86, 2, // DW_CFA_offset rbp -16
		0x0d, 6, // DW_CFA_def_cfa_register rbp
	})
	w.u32(uint32(4 + 16 + instr.Len()))
	w.u32(0) // CIE pointer
	w.u64(0x1000)
	w.u64(0x100)
	w.Write(instr.Bytes())

	return w.Bytes()
}

func TestParseDebugFrame(t *testing.T) {
	fdes, err := Parse(debugFrameSection(), binary.LittleEndian, 0, 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	fde := fdes[0]
	if fde.Begin() != 0x1000 || fde.End() != 0x1100 {
		t.Errorf("bad FDE range [%#x, %#x)", fde.Begin(), fde.End())
	}
	if fde.CIE.ReturnAddressRegister != 16 {
		t.Errorf("bad return address register %d", fde.CIE.ReturnAddressRegister)
	}
	if fde.CIE.DataAlignmentFactor != -8 {
		t.Errorf("bad data alignment factor %d", fde.CIE.DataAlignmentFactor)
	}
	if !fde.Cover(0x10ff) || fde.Cover(0x1100) {
		t.Error("bad coverage")
	}
}

func TestEstablishFrame(t *testing.T) {
	fdes, err := Parse(debugFrameSection(), binary.LittleEndian, 0, 8, 0)
	if err != nil {
		t.Fatal(err)
	}

	// At function entry only the CIE rules apply.
	frame, err := fdes[0].EstablishFrame(0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if frame.CFA.Rule != RuleCFA || frame.CFA.Reg != 7 || frame.CFA.Offset != 8 {
		t.Errorf("entry CFA rule: %+v", frame.CFA)
	}
	if rule := frame.Regs[16]; rule.Rule != RuleOffset || rule.Offset != -8 {
		t.Errorf("entry return address rule: %+v", rule)
	}
	if _, ok := frame.Regs[6]; ok {
		t.Error("rbp rule present before prologue")
	}

	// Past the prologue the FDE rules take over.
	frame, err = fdes[0].EstablishFrame(0x1010)
	if err != nil {
		t.Fatal(err)
	}
	if frame.CFA.Reg != 6 || frame.CFA.Offset != 16 {
		t.Errorf("body CFA rule: %+v", frame.CFA)
	}
	if rule := frame.Regs[6]; rule.Rule != RuleOffset || rule.Offset != -16 {
		t.Errorf("body rbp rule: %+v", rule)
	}
}

func testCIE() *CommonInformationEntry {
	return &CommonInformationEntry{
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: 16,
		ptrSize:               8,
		InitialInstructions:   []byte{0x0c, 7, 8, 0x90, 1},
	}
}

func testFDE(instructions []byte) *FrameDescriptionEntry {
	return &FrameDescriptionEntry{
		CIE:          testCIE(),
		Instructions: instructions,
		begin:        0x1000,
		size:         0x100,
		order:        binary.LittleEndian,
	}
}

func TestRememberRestore(t *testing.T) {
	fde := testFDE([]byte{
		0x0a,       // DW_CFA_remember_state
		0x0e, 0x20, // DW_CFA_def_cfa_offset 32
		0x89, 3, // DW_CFA_offset r9 -24
		0x0b, // DW_CFA_restore_state
	})
	frame, err := fde.EstablishFrame(0x1050)
	if err != nil {
		t.Fatal(err)
	}
	if frame.CFA.Offset != 8 {
		t.Errorf("CFA offset not restored: %d", frame.CFA.Offset)
	}
	if _, ok := frame.Regs[9]; ok {
		t.Error("r9 rule not restored")
	}
}

func TestRestoreWithoutRemember(t *testing.T) {
	fde := testFDE([]byte{0x0b})
	if _, err := fde.EstablishFrame(0x1050); err == nil {
		t.Fatal("expected error")
	}
}

func TestRememberStateOverflow(t *testing.T) {
	instr := bytes.Repeat([]byte{0x0a}, maxRememberedStates+1)
	fde := testFDE(instr)
	if _, err := fde.EstablishFrame(0x1050); err == nil {
		t.Fatal("expected error")
	}
}

func TestUnknownInstruction(t *testing.T) {
	fde := testFDE([]byte{0x1c}) // vendor range, unassigned
	if _, err := fde.EstablishFrame(0x1050); err == nil {
		t.Fatal("expected error")
	}
}

func TestRestoreToInitial(t *testing.T) {
	fde := testFDE([]byte{
		0x90, 3, // DW_CFA_offset r16 -24
		0xd0, // DW_CFA_restore r16
	})
	frame, err := fde.EstablishFrame(0x1050)
	if err != nil {
		t.Fatal(err)
	}
	if rule := frame.Regs[16]; rule.Offset != -8 {
		t.Errorf("r16 not restored to CIE rule: %+v", rule)
	}
}

// ehFrameSection returns a .eh_frame as a compiler would emit it for a
// frame pointer based x86-64 function at 0x401000: "zR" augmentation,
// pc-relative sdata4 addresses.
func ehFrameSection(ehFrameAddr uint64) []byte {
	var w sectionWriter

	cieBody := []byte{
		1,             // version
		'z', 'R', 0, // augmentation
		1,    // code alignment factor
		0x78, // data alignment factor -8
		16,   // return address register
		1,    // augmentation data length
		0x1b, // FDE pointer encoding: pcrel sdata4
		0x0c, 7, 8, // DW_CFA_def_cfa rsp 8
		0x90, 1, // DW_CFA_offset r16 -8
		0, 0, // padding (DW_CFA_nop)
	}
	w.u32(uint32(4 + len(cieBody)))
	w.u32(0) // eh_frame CIE id
	w.Write(cieBody)

	fdeStart := w.Len()
	fdeBody := &sectionWriter{}
	// begin, pc-relative to its own position at fdeStart+8.
	fdeBody.u32(uint32(int32(0x401000 - int64(ehFrameAddr) - int64(fdeStart+8))))
	fdeBody.u32(0x100) // size, only the sdata4 size portion applies
	fdeBody.WriteByte(0) // augmentation data length
	fdeBody.Write([]byte{
		0x0c, 6, 0x10, // DW_CFA_def_cfa rbp 16
		0x86, 2, // DW_CFA_offset rbp -16
	})
	w.u32(uint32(4 + fdeBody.Len()))
	w.u32(uint32(fdeStart + 4)) // CIE pointer, back-offset from this field
	w.Write(fdeBody.Bytes())

	return w.Bytes()
}

func TestParseEhFrame(t *testing.T) {
	const ehFrameAddr = 0x400000
	fdes, err := Parse(ehFrameSection(ehFrameAddr), binary.LittleEndian, 0, 8, ehFrameAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("expected 1 FDE, got %d", len(fdes))
	}
	if fdes[0].Begin() != 0x401000 || fdes[0].End() != 0x401100 {
		t.Errorf("bad FDE range [%#x, %#x)", fdes[0].Begin(), fdes[0].End())
	}
	if fdes[0].CIE.ptrEncAddr != ptrEncSdata4|ptrEncPCRel {
		t.Errorf("bad pointer encoding %#x", fdes[0].CIE.ptrEncAddr)
	}
}

func TestUnwind(t *testing.T) {
	const ehFrameAddr = 0x400000
	fdes, err := Parse(ehFrameSection(ehFrameAddr), binary.LittleEndian, 0, 8, ehFrameAddr)
	if err != nil {
		t.Fatal(err)
	}

	tgt := target.NewMockTarget()
	tgt.Regs[6] = 0x7ffffe00 // rbp
	tgt.Regs[7] = 0x7ffffdf0 // rsp
	// CFA = rbp + 16 = 0x7ffffe10
	tgt.SetUint64(0x7ffffe08, 0x401234)   // return address at CFA-8
	tgt.SetUint64(0x7ffffe00, 0x7ffffe50) // saved rbp at CFA-16

	unwound, err := Unwind(tgt, fdes, 0x401005, false)
	if err != nil {
		t.Fatal(err)
	}
	if unwound.CFA != 0x7ffffe10 {
		t.Errorf("CFA = %#x, want 0x7ffffe10", unwound.CFA)
	}
	if unwound.ReturnAddr != 0x401234 {
		t.Errorf("return address = %#x, want 0x401234", unwound.ReturnAddr)
	}
	if unwound.Regs[6] != 0x7ffffe50 {
		t.Errorf("caller rbp = %#x, want 0x7ffffe50", unwound.Regs[6])
	}

	if err := unwound.ApplyTo(tgt); err != nil {
		t.Fatal(err)
	}
	if tgt.PC != 0x401234 {
		t.Errorf("pc after unwind = %#x", tgt.PC)
	}
	if tgt.Regs[6] != 0x7ffffe50 {
		t.Errorf("rbp after unwind = %#x", tgt.Regs[6])
	}
}

func TestUnwindCFAOnly(t *testing.T) {
	const ehFrameAddr = 0x400000
	fdes, err := Parse(ehFrameSection(ehFrameAddr), binary.LittleEndian, 0, 8, ehFrameAddr)
	if err != nil {
		t.Fatal(err)
	}

	tgt := target.NewMockTarget()
	tgt.Regs[6] = 0x7ffffe00

	unwound, err := Unwind(tgt, fdes, 0x401005, true)
	if err != nil {
		t.Fatal(err)
	}
	if unwound.CFA != 0x7ffffe10 {
		t.Errorf("CFA = %#x, want 0x7ffffe10", unwound.CFA)
	}
	if unwound.ReturnAddr != 0 || len(unwound.Regs) != 0 {
		t.Error("register rules ran in CFA-only mode")
	}
}

func TestUnwindImplicitCFARegister(t *testing.T) {
	// A leaf frame that never saves rsp: the CFA register unwinds to
	// the CFA itself.
	fde := testFDE(nil)
	frame, err := fde.EstablishFrame(0x1000)
	if err != nil {
		t.Fatal(err)
	}

	tgt := target.NewMockTarget()
	tgt.Regs[7] = 0x7ffffdf8
	tgt.SetUint64(0x7ffffdf8, 0x401234) // return address at CFA-8

	unwound, err := frame.Unwind(tgt, false)
	if err != nil {
		t.Fatal(err)
	}
	if unwound.Regs[7] != 0x7ffffe00 {
		t.Errorf("caller rsp = %#x, want CFA 0x7ffffe00", unwound.Regs[7])
	}
	if unwound.ReturnAddr != 0x401234 {
		t.Errorf("return address = %#x", unwound.ReturnAddr)
	}
}

func TestUnwindExpressionRules(t *testing.T) {
	// CFA from an expression, register values through expression and
	// value expression rules. Expression rules start with the CFA on
	// the stack.
	cie := testCIE()
	cie.InitialInstructions = []byte{
		0x0f, 2, 0x77, 0x10, // DW_CFA_def_cfa_expression: breg7+16
	}
	fde := &FrameDescriptionEntry{
		CIE: cie,
		Instructions: []byte{
			0x10, 8, 2, 0x23, 0x08, // DW_CFA_expression r8: CFA+8
			0x16, 9, 2, 0x23, 0x18, // DW_CFA_val_expression r9: CFA+24
		},
		begin: 0x1000,
		size:  0x100,
		order: binary.LittleEndian,
	}

	frame, err := fde.EstablishFrame(0x1050)
	if err != nil {
		t.Fatal(err)
	}

	tgt := target.NewMockTarget()
	tgt.Regs[7] = 0x7ffffdf0
	tgt.SetUint64(0x7ffffe08, 0xdeadbee) // r8 saved at CFA+8

	unwound, err := frame.Unwind(tgt, false)
	if err != nil {
		t.Fatal(err)
	}
	if unwound.CFA != 0x7ffffe00 {
		t.Fatalf("CFA = %#x, want 0x7ffffe00", unwound.CFA)
	}
	if unwound.Regs[8] != 0xdeadbee {
		t.Errorf("r8 = %#x, want 0xdeadbee", unwound.Regs[8])
	}
	if unwound.Regs[9] != 0x7ffffe18 {
		t.Errorf("r9 = %#x, want CFA+24", unwound.Regs[9])
	}
}

func TestUnwindSameValUnavailableRegister(t *testing.T) {
	// same_value rules for registers the target cannot produce leave
	// them unknown rather than failing the whole unwind
	fde := testFDE([]byte{
		0x08, 9, // DW_CFA_same_value r9
	})
	frame, err := fde.EstablishFrame(0x1050)
	if err != nil {
		t.Fatal(err)
	}

	tgt := target.NewMockTarget()
	tgt.Regs[7] = 0x7ffffdf8
	tgt.SetUint64(0x7ffffdf8, 0x401234) // return address at CFA-8

	unwound, err := frame.Unwind(tgt, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := unwound.Regs[9]; ok {
		t.Error("unreadable same_value register reported a value")
	}
	if unwound.ReturnAddr != 0x401234 {
		t.Errorf("return address = %#x, want 0x401234", unwound.ReturnAddr)
	}
}

func TestFDEForPC(t *testing.T) {
	frames := newFrameIndex()
	frames = append(frames,
		&FrameDescriptionEntry{begin: 10, size: 40},
		&FrameDescriptionEntry{begin: 50, size: 50},
		&FrameDescriptionEntry{begin: 100, size: 100},
		&FrameDescriptionEntry{begin: 300, size: 10})
	frames.Sort()

	for _, tc := range []struct {
		pc   uint64
		want *FrameDescriptionEntry
	}{
		{0, nil},
		{10, frames[0]},
		{49, frames[0]},
		{50, frames[1]},
		{150, frames[2]},
		{250, nil},
		{305, frames[3]},
		{310, nil},
	} {
		fde, err := frames.FDEForPC(tc.pc)
		if tc.want == nil {
			if err == nil {
				t.Errorf("pc %#x: expected error", tc.pc)
			} else if _, ok := err.(*ErrNoFDEForPC); !ok {
				t.Errorf("pc %#x: unexpected error type %T", tc.pc, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("pc %#x: %v", tc.pc, err)
			continue
		}
		if fde != tc.want {
			t.Errorf("pc %#x: wrong FDE [%#x, %#x)", tc.pc, fde.Begin(), fde.End())
		}
	}
}

func TestParseZeroTerminator(t *testing.T) {
	data := debugFrameSection()
	data = append(data, 0, 0, 0, 0)
	fdes, err := Parse(data, binary.LittleEndian, 0, 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Errorf("expected 1 FDE, got %d", len(fdes))
	}
}

func TestParseTruncated(t *testing.T) {
	data := debugFrameSection()
	for _, n := range []int{2, 6, len(data) - 3} {
		if _, err := Parse(data[:n], binary.LittleEndian, 0, 8, 0); err == nil {
			t.Errorf("truncation at %d: expected error", n)
		}
	}
}

func TestParseUnknownCIEPointer(t *testing.T) {
	var w sectionWriter
	w.u32(11)
	w.u32(0x42) // no CIE at offset 0x42
	w.Write([]byte{0, 0, 0, 0, 0, 0, 0})
	if _, err := Parse(w.Bytes(), binary.LittleEndian, 0, 8, 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestDwarfEndian(t *testing.T) {
	if e := DwarfEndian([]byte{0, 0, 0, 0, 4, 0, 0}); e != binary.LittleEndian {
		t.Error("expected little endian")
	}
	if e := DwarfEndian([]byte{0, 0, 0, 0, 0, 4, 0}); e != binary.BigEndian {
		t.Error("expected big endian")
	}
	if e := DwarfEndian([]byte{0}); e != binary.BigEndian {
		t.Error("expected big endian for short section")
	}
}
