package abbrev

import (
	"bytes"
	"debug/dwarf"
	"testing"

	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
)

func buildTable(entries ...func(*bytes.Buffer)) []byte {
	var buf bytes.Buffer
	for _, fn := range entries {
		fn(&buf)
	}
	leb128.EncodeUnsigned(&buf, 0) // table terminator
	return buf.Bytes()
}

func entry(code uint64, tag dwarf.Tag, children bool, attrForms ...uint64) func(*bytes.Buffer) {
	return func(buf *bytes.Buffer) {
		leb128.EncodeUnsigned(buf, code)
		leb128.EncodeUnsigned(buf, uint64(tag))
		if children {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		for i := 0; i < len(attrForms); i += 2 {
			leb128.EncodeUnsigned(buf, attrForms[i])
			leb128.EncodeUnsigned(buf, attrForms[i+1])
		}
		leb128.EncodeUnsigned(buf, 0)
		leb128.EncodeUnsigned(buf, 0)
	}
}

func TestParse(t *testing.T) {
	data := buildTable(
		entry(1, dwarf.TagCompileUnit, true, uint64(dwarf.AttrName), 0x08, uint64(dwarf.AttrCompDir), 0x08),
		entry(2, dwarf.TagBaseType, false, uint64(dwarf.AttrName), 0x08, uint64(dwarf.AttrEncoding), 0x0b, uint64(dwarf.AttrByteSize), 0x0b),
	)

	tbl, err := Parse(data, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Count() != 2 {
		t.Fatalf("expected 2 entries, got %d", tbl.Count())
	}

	cu := tbl.Lookup(1)
	if cu == nil || cu.Tag != dwarf.TagCompileUnit || !cu.Children {
		t.Fatalf("bad compile unit abbreviation: %+v", cu)
	}
	if len(cu.Attrs) != 2 || cu.Attrs[0].Attr != dwarf.AttrName {
		t.Fatalf("bad attribute templates: %+v", cu.Attrs)
	}

	bt := tbl.Lookup(2)
	if bt == nil || bt.Tag != dwarf.TagBaseType || bt.Children {
		t.Fatalf("bad base type abbreviation: %+v", bt)
	}

	if tbl.MaxAttrs != 3 {
		t.Fatalf("expected MaxAttrs 3, got %d", tbl.MaxAttrs)
	}

	if tbl.Lookup(3) != nil {
		t.Fatal("lookup of undefined code should return nil")
	}
}

func TestParseSparseCodes(t *testing.T) {
	data := buildTable(
		entry(1, dwarf.TagBaseType, false),
		entry(100, dwarf.TagTypedef, false, uint64(dwarf.AttrName), 0x08),
	)

	tbl, err := Parse(data, 0)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Lookup(100) == nil {
		t.Fatal("sparse code 100 not indexed")
	}
	if tbl.Lookup(50) != nil {
		t.Fatal("hole in sparse index should be nil")
	}
}

func TestParseOffsetOutOfRange(t *testing.T) {
	data := buildTable(entry(1, dwarf.TagBaseType, false))
	if _, err := Parse(data, uint64(len(data))+10); err == nil {
		t.Fatal("expected error for out of range abbreviation offset")
	}
}
