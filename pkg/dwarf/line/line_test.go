package line

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
)

const (
	testLineBase   = -5
	testLineRange  = 14
	testOpcodeBase = 13
)

func specialOpcode(addrAdvance, lineDelta int) byte {
	return byte(testOpcodeBase + addrAdvance*testLineRange + (lineDelta - testLineBase))
}

func extendedOpcode(program *bytes.Buffer, op byte, operands ...byte) {
	program.WriteByte(0)
	leb128.EncodeUnsigned(program, uint64(1+len(operands)))
	program.WriteByte(op)
	program.Write(operands)
}

// buildLineUnit wraps program in a DWARF 4 line table unit with a file
// table holding only main.c.
func buildLineUnit(t *testing.T, minInstrLength, maxOps byte, program []byte) []byte {
	t.Helper()

	var header bytes.Buffer
	header.WriteByte(minInstrLength)
	header.WriteByte(maxOps)
	header.WriteByte(1) // default_is_stmt
	lineBase := int8(testLineBase)
	header.WriteByte(byte(lineBase))
	header.WriteByte(testLineRange)
	header.WriteByte(testOpcodeBase)
	header.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1}) // standard opcode lengths
	header.WriteByte(0)                                       // empty include directory table
	header.WriteString("main.c")
	header.WriteByte(0)
	leb128.EncodeUnsigned(&header, 0) // directory index
	leb128.EncodeUnsigned(&header, 0) // mtime
	leb128.EncodeUnsigned(&header, 0) // length
	header.WriteByte(0)               // end of file table

	var unit bytes.Buffer
	binary.Write(&unit, binary.LittleEndian, uint32(2+4+header.Len()+len(program)))
	binary.Write(&unit, binary.LittleEndian, uint16(4)) // version
	binary.Write(&unit, binary.LittleEndian, uint32(header.Len()))
	unit.Write(header.Bytes())
	unit.Write(program)

	return unit.Bytes()
}

// testLineProgram builds a DWARF 4 line table unit for main.c:
//
//	0x1000  line 1
//	0x1010  line 3
//	0x1014  line 4
//	0x1020  end of sequence
func testLineProgram(t *testing.T) []byte {
	var program bytes.Buffer

	addr := make([]byte, 8)
	binary.LittleEndian.PutUint64(addr, 0x1000)
	extendedOpcode(&program, DW_LINE_set_address, addr...)
	program.WriteByte(specialOpcode(0, 0)) // row 0x1000 line 1

	program.WriteByte(DW_LNS_advance_pc)
	leb128.EncodeUnsigned(&program, 16)
	program.WriteByte(DW_LNS_advance_line)
	leb128.EncodeSigned(&program, 2)
	program.WriteByte(DW_LNS_copy) // row 0x1010 line 3

	program.WriteByte(specialOpcode(4, 1)) // row 0x1014 line 4

	program.WriteByte(DW_LNS_advance_pc)
	leb128.EncodeUnsigned(&program, 12)
	extendedOpcode(&program, DW_LINE_end_sequence) // row 0x1020 end_sequence

	return buildLineUnit(t, 1, 1, program.Bytes())
}

func parseTestUnit(t *testing.T, data []byte) *DebugLineInfo {
	t.Helper()
	lines, err := ParseAll(data, nil, t.Logf, 0, false, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("parsed %d units, want 1", len(lines))
	}
	return lines[0]
}

func parseTestProgram(t *testing.T) *DebugLineInfo {
	t.Helper()
	return parseTestUnit(t, testLineProgram(t))
}

func collectRows(dbl *DebugLineInfo) []Location {
	var rows []Location
	dbl.Rows(func(l Location) bool {
		rows = append(rows, l)
		return true
	})
	return rows
}

func checkRows(t *testing.T, rows []Location, want []struct {
	addr   uint64
	line   int
	endSeq bool
}) {
	t.Helper()
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d: %+v", len(rows), len(want), rows)
	}
	for i, w := range want {
		if rows[i].Address != w.addr || rows[i].Line != w.line || rows[i].EndSeq != w.endSeq {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], w)
		}
	}
}

func TestParsePrologue(t *testing.T) {
	dbl := parseTestProgram(t)

	p := dbl.Prologue
	if p.Version != 4 || p.MinInstrLength != 1 || p.InitialIsStmt != 1 {
		t.Errorf("prologue = %+v", p)
	}
	if p.LineBase != -5 || p.LineRange != 14 || p.OpcodeBase != 13 {
		t.Errorf("prologue = %+v", p)
	}
	if len(dbl.FileNames) != 1 || dbl.FileNames[0].Path != "main.c" {
		t.Errorf("file table = %+v", dbl.FileNames)
	}
}

func TestRows(t *testing.T) {
	rows := collectRows(parseTestProgram(t))

	checkRows(t, rows, []struct {
		addr   uint64
		line   int
		endSeq bool
	}{
		{0x1000, 1, false},
		{0x1010, 3, false},
		{0x1014, 4, false},
		{0x1020, 4, true},
	})
	for i, row := range rows {
		if !row.EndSeq && row.File != "main.c" {
			t.Errorf("row %d file = %q", i, row.File)
		}
	}
}

func TestSetDiscriminator(t *testing.T) {
	// a set_discriminator between two rows must consume its operand,
	// otherwise the rest of the program decodes garbage
	var program bytes.Buffer
	addr := make([]byte, 8)
	binary.LittleEndian.PutUint64(addr, 0x1000)
	extendedOpcode(&program, DW_LINE_set_address, addr...)
	program.WriteByte(specialOpcode(0, 0)) // row 0x1000 line 1
	extendedOpcode(&program, DW_LINE_set_discriminator, 0x02)
	program.WriteByte(specialOpcode(4, 1)) // row 0x1004 line 2
	program.WriteByte(DW_LNS_advance_pc)
	leb128.EncodeUnsigned(&program, 12)
	extendedOpcode(&program, DW_LINE_end_sequence)

	rows := collectRows(parseTestUnit(t, buildLineUnit(t, 1, 1, program.Bytes())))
	checkRows(t, rows, []struct {
		addr   uint64
		line   int
		endSeq bool
	}{
		{0x1000, 1, false},
		{0x1004, 2, false},
		{0x1010, 2, true},
	})
}

func TestUnknownExtendedOpcode(t *testing.T) {
	// vendor extended opcodes are skipped using the declared length
	var program bytes.Buffer
	addr := make([]byte, 8)
	binary.LittleEndian.PutUint64(addr, 0x1000)
	extendedOpcode(&program, DW_LINE_set_address, addr...)
	program.WriteByte(specialOpcode(0, 0)) // row 0x1000 line 1
	extendedOpcode(&program, 0x80, 0xde, 0xad, 0xbe)
	program.WriteByte(specialOpcode(4, 1)) // row 0x1004 line 2
	program.WriteByte(DW_LNS_advance_pc)
	leb128.EncodeUnsigned(&program, 4)
	extendedOpcode(&program, DW_LINE_end_sequence)

	rows := collectRows(parseTestUnit(t, buildLineUnit(t, 1, 1, program.Bytes())))
	checkRows(t, rows, []struct {
		addr   uint64
		line   int
		endSeq bool
	}{
		{0x1000, 1, false},
		{0x1004, 2, false},
		{0x1008, 2, true},
	})
}

func TestMaxOperationsPerInstruction(t *testing.T) {
	// min_instruction_length 4, max_ops 3: the address only moves when
	// the operation index wraps around the bundle
	var program bytes.Buffer
	addr := make([]byte, 8)
	binary.LittleEndian.PutUint64(addr, 0x1000)
	extendedOpcode(&program, DW_LINE_set_address, addr...)
	program.WriteByte(specialOpcode(0, 0)) // row 0x1000 line 1, op_index 0
	program.WriteByte(specialOpcode(4, 1)) // op_index 0+4: addr +4, op_index 1
	program.WriteByte(specialOpcode(4, 1)) // op_index 1+4: addr +4, op_index 2
	program.WriteByte(specialOpcode(4, 1)) // op_index 2+4: addr +8, op_index 0
	program.WriteByte(DW_LNS_advance_pc)
	leb128.EncodeUnsigned(&program, 3)
	extendedOpcode(&program, DW_LINE_end_sequence)

	rows := collectRows(parseTestUnit(t, buildLineUnit(t, 4, 3, program.Bytes())))
	checkRows(t, rows, []struct {
		addr   uint64
		line   int
		endSeq bool
	}{
		{0x1000, 1, false},
		{0x1004, 2, false},
		{0x1008, 3, false},
		{0x1010, 4, false},
		{0x1014, 4, true},
	})
}

func TestPCToLine(t *testing.T) {
	dbl := parseTestProgram(t)

	for _, tc := range []struct {
		pc   uint64
		line int
	}{
		{0x1000, 1},
		{0x100c, 1}, // between rows, previous row applies
		{0x1010, 3},
		{0x1014, 4},
		{0x101f, 4},
	} {
		file, line := dbl.PCToLine(0, tc.pc)
		if file != "main.c" || line != tc.line {
			t.Errorf("PCToLine(%#x) = %q:%d, want main.c:%d", tc.pc, file, line, tc.line)
		}
	}
}

func TestLineToPC(t *testing.T) {
	dbl := parseTestProgram(t)

	if pc := dbl.LineToPC("main.c", 3); pc != 0x1010 {
		t.Errorf("LineToPC(main.c:3) = %#x, want 0x1010", pc)
	}
	if pc := dbl.LineToPC("main.c", 99); pc != 0 {
		t.Errorf("LineToPC(main.c:99) = %#x, want 0", pc)
	}
}

func TestCompDir(t *testing.T) {
	compdirFor := func(offset uint64) string {
		if offset != 0 {
			t.Errorf("compdir requested for offset %#x", offset)
		}
		return "/src"
	}
	lines, err := ParseAll(testLineProgram(t), compdirFor, t.Logf, 0, false, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("parsed %d units, want 1", len(lines))
	}
	dbl := lines[0]
	if len(dbl.IncludeDirs) == 0 || dbl.IncludeDirs[0] != "/src" {
		t.Errorf("include dirs = %+v, want /src first", dbl.IncludeDirs)
	}
	if len(dbl.FileNames) != 1 || dbl.FileNames[0].Path != "/src/main.c" {
		t.Errorf("file table = %+v, want /src/main.c", dbl.FileNames)
	}
}

func TestParseErrors(t *testing.T) {
	good := testLineProgram(t)

	// bad version
	bad := append([]byte{}, good...)
	bad[4], bad[5] = 9, 0
	if _, err := ParseAll(bad, nil, nil, 0, false, 8); err == nil {
		t.Error("version 9 accepted")
	}

	// unit length past the end of the section
	bad = append([]byte{}, good...)
	binary.LittleEndian.PutUint32(bad, uint32(len(good)+0x100))
	if _, err := ParseAll(bad, nil, nil, 0, false, 8); err == nil {
		t.Error("oversized unit length accepted")
	}
}
