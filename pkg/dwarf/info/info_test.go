package info

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
	"github.com/kerndbg/kerndbg/pkg/dwarf/util"
)

const (
	testAbbrevCompileUnit = 1
	testAbbrevSubprogram  = 2
	testAbbrevVariable    = 3
	testAbbrevDefinition  = 4
)

func testAbbrevSection() []byte {
	var buf bytes.Buffer

	abbrev := func(code uint64, tag dwarf.Tag, children bool, attrForms ...uint64) {
		leb128.EncodeUnsigned(&buf, code)
		leb128.EncodeUnsigned(&buf, uint64(tag))
		if children {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		for i := 0; i < len(attrForms); i += 2 {
			leb128.EncodeUnsigned(&buf, attrForms[i])
			leb128.EncodeUnsigned(&buf, attrForms[i+1])
		}
		buf.WriteByte(0)
		buf.WriteByte(0)
	}

	abbrev(testAbbrevCompileUnit, dwarf.TagCompileUnit, true,
		uint64(dwarf.AttrName), uint64(DW_FORM_string),
		uint64(dwarf.AttrLowpc), uint64(DW_FORM_addr),
		uint64(dwarf.AttrHighpc), uint64(DW_FORM_data4))
	abbrev(testAbbrevSubprogram, dwarf.TagSubprogram, true,
		uint64(dwarf.AttrName), uint64(DW_FORM_string),
		uint64(dwarf.AttrLowpc), uint64(DW_FORM_addr),
		uint64(dwarf.AttrHighpc), uint64(DW_FORM_data4))
	abbrev(testAbbrevVariable, dwarf.TagVariable, false,
		uint64(dwarf.AttrName), uint64(DW_FORM_string),
		uint64(dwarf.AttrLocation), uint64(DW_FORM_exprloc))
	abbrev(testAbbrevDefinition, dwarf.TagSubprogram, false,
		uint64(dwarf.AttrSpecification), uint64(DW_FORM_ref4),
		uint64(dwarf.AttrLowpc), uint64(DW_FORM_addr))
	buf.WriteByte(0)

	return buf.Bytes()
}

// testInfoSection builds one DWARF 4 compilation unit:
//
//	compile_unit "main.c" [0x1000, 0x1100)
//	  subprogram "main" [0x1000, 0x1040)
//	    variable "x" at fbreg -16
//	  subprogram specification=main low_pc=0x2000
func testInfoSection(t *testing.T, mainOff *uint64, defOff *uint64) []byte {
	var body bytes.Buffer

	writeString := func(s string) {
		body.WriteString(s)
		body.WriteByte(0)
	}
	writeAddr := func(addr uint64) {
		if err := util.WriteUint(&body, binary.LittleEndian, 8, addr); err != nil {
			t.Fatal(err)
		}
	}
	writeData4 := func(n uint32) {
		if err := util.WriteUint(&body, binary.LittleEndian, 4, uint64(n)); err != nil {
			t.Fatal(err)
		}
	}

	const headerLen = 4 + 2 + 4 + 1

	// compile_unit
	leb128.EncodeUnsigned(&body, testAbbrevCompileUnit)
	writeString("main.c")
	writeAddr(0x1000)
	writeData4(0x100)

	// subprogram main
	*mainOff = headerLen + uint64(body.Len())
	leb128.EncodeUnsigned(&body, testAbbrevSubprogram)
	writeString("main")
	writeAddr(0x1000)
	writeData4(0x40)

	// variable x
	leb128.EncodeUnsigned(&body, testAbbrevVariable)
	writeString("x")
	expr := []byte{0x91, 0x70} // DW_OP_fbreg -16
	leb128.EncodeUnsigned(&body, uint64(len(expr)))
	body.Write(expr)

	body.WriteByte(0) // end of main's children

	// out of line definition referencing main's declaration
	*defOff = headerLen + uint64(body.Len())
	leb128.EncodeUnsigned(&body, testAbbrevDefinition)
	writeData4(uint32(*mainOff))
	writeAddr(0x2000)

	body.WriteByte(0) // end of compile_unit's children

	var sec bytes.Buffer
	unitLength := uint64(headerLen - 4 + body.Len())
	if err := util.WriteUint(&sec, binary.LittleEndian, 4, unitLength); err != nil {
		t.Fatal(err)
	}
	if err := util.WriteUint(&sec, binary.LittleEndian, 2, 4); err != nil { // version
		t.Fatal(err)
	}
	if err := util.WriteUint(&sec, binary.LittleEndian, 4, 0); err != nil { // abbrev offset
		t.Fatal(err)
	}
	sec.WriteByte(8) // address size
	sec.Write(body.Bytes())

	return sec.Bytes()
}

func TestParseUnit(t *testing.T) {
	var mainOff, defOff uint64
	debugInfo := testInfoSection(t, &mainOff, &defOff)

	units, err := Parse(debugInfo, testAbbrevSection(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}

	u := units[0]
	if u.Version != 4 {
		t.Errorf("version = %d, want 4", u.Version)
	}
	if u.Is64Bit {
		t.Error("32-bit unit parsed as 64-bit")
	}
	if u.End != uint64(len(debugInfo)) {
		t.Errorf("unit end = %#x, want %#x", u.End, len(debugInfo))
	}
	if u.Name() != "main.c" {
		t.Errorf("unit name = %q, want main.c", u.Name())
	}
	if n := u.EntryCount(); n != 4 {
		t.Errorf("entry count = %d, want 4", n)
	}

	cu := u.Children[0]
	if len(cu.Kids) != 2 {
		t.Fatalf("compile unit has %d children, want 2", len(cu.Kids))
	}

	main := cu.Kids[0]
	if main.Offset != mainOff {
		t.Errorf("main offset = %#x, want %#x", main.Offset, mainOff)
	}
	if name, _ := main.String(dwarf.AttrName); name != "main" {
		t.Errorf("main name = %q", name)
	}
	low, _ := main.Address(dwarf.AttrLowpc)
	if low != 0x1000 {
		t.Errorf("main low_pc = %#x", low)
	}
	if high, ok := main.HighPC(low); !ok || high != 0x1040 {
		t.Errorf("main high_pc = %#x, %v, want 0x1040", high, ok)
	}

	x := main.Kids[0]
	if x.Tag != dwarf.TagVariable || x.Parent != main || x.Depth != 2 {
		t.Errorf("unexpected variable entry %+v", x)
	}
	loc, ok := x.Block(dwarf.AttrLocation)
	if !ok || !bytes.Equal(loc, []byte{0x91, 0x70}) {
		t.Errorf("variable location = %x", loc)
	}
}

func TestFindEntry(t *testing.T) {
	var mainOff, defOff uint64
	debugInfo := testInfoSection(t, &mainOff, &defOff)

	units, err := Parse(debugInfo, testAbbrevSection(), nil)
	if err != nil {
		t.Fatal(err)
	}
	u := units[0]

	if e := u.FindEntry(mainOff); e == nil || e.Name() != "main" {
		t.Errorf("FindEntry(%#x) = %v", mainOff, e)
	}
	if e := u.FindEntry(defOff); e == nil || e.Tag != dwarf.TagSubprogram {
		t.Errorf("FindEntry(%#x) = %v", defOff, e)
	}
	if e := u.FindEntry(mainOff + 1); e != nil {
		t.Errorf("FindEntry between entries = %v, want nil", e)
	}
}

func TestSpecificationChasing(t *testing.T) {
	var mainOff, defOff uint64
	debugInfo := testInfoSection(t, &mainOff, &defOff)

	units, err := Parse(debugInfo, testAbbrevSection(), nil)
	if err != nil {
		t.Fatal(err)
	}

	def := units[0].FindEntry(defOff)
	if def == nil {
		t.Fatal("definition entry not found")
	}

	// the definition has no name of its own, Val follows the
	// specification reference back to the declaration
	if name := def.Name(); name != "main" {
		t.Errorf("definition name = %q, want main", name)
	}
	if low, _ := def.Address(dwarf.AttrLowpc); low != 0x2000 {
		t.Errorf("definition low_pc = %#x, want 0x2000", low)
	}
	if spec := def.Ref(dwarf.AttrSpecification); spec == nil || spec.Offset != mainOff {
		t.Errorf("specification ref = %v", spec)
	}
}

func TestParseErrors(t *testing.T) {
	abbrevSec := testAbbrevSection()

	for _, tc := range []struct {
		name string
		info []byte
	}{
		{"truncated header", []byte{0x06, 0x00, 0x00, 0x00, 0x04, 0x00}},
		{"bad version", func() []byte {
			var sec bytes.Buffer
			util.WriteUint(&sec, binary.LittleEndian, 4, 7)
			util.WriteUint(&sec, binary.LittleEndian, 2, 9)
			util.WriteUint(&sec, binary.LittleEndian, 4, 0)
			sec.WriteByte(8)
			return sec.Bytes()
		}()},
		{"length overrun", func() []byte {
			var sec bytes.Buffer
			util.WriteUint(&sec, binary.LittleEndian, 4, 0x1000)
			util.WriteUint(&sec, binary.LittleEndian, 2, 4)
			util.WriteUint(&sec, binary.LittleEndian, 4, 0)
			sec.WriteByte(8)
			return sec.Bytes()
		}()},
	} {
		if _, err := Parse(tc.info, abbrevSec, nil); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
