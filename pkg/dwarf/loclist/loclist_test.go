package loclist

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildList(entries ...interface{}) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e)
	}
	return buf.Bytes()
}

type rangeEntry struct {
	Low, High uint64
	Len       uint16
}

func TestFind(t *testing.T) {
	expr1 := []byte{0x50}       // DW_OP_reg0
	expr2 := []byte{0x91, 0x70} // DW_OP_fbreg -16

	var buf bytes.Buffer
	write := func(v interface{}) { binary.Write(&buf, binary.LittleEndian, v) }

	write(rangeEntry{0x1000, 0x1010, uint16(len(expr1))})
	buf.Write(expr1)
	write(rangeEntry{0x1010, 0x1050, uint16(len(expr2))})
	buf.Write(expr2)
	write(uint64(0))
	write(uint64(0))

	rdr := New(buf.Bytes(), 8)
	if rdr.Empty() {
		t.Fatal("reader reports empty")
	}

	e := rdr.Find(0, 0, 0, 0x1008)
	if e == nil || !bytes.Equal(e.Instr, expr1) {
		t.Errorf("pc 0x1008: got %+v", e)
	}
	e = rdr.Find(0, 0, 0, 0x1010)
	if e == nil || !bytes.Equal(e.Instr, expr2) {
		t.Errorf("pc 0x1010: got %+v", e)
	}
	if e = rdr.Find(0, 0, 0, 0x2000); e != nil {
		t.Errorf("pc 0x2000: got %+v, want nil", e)
	}
}

func TestBaseAddressSelection(t *testing.T) {
	expr := []byte{0x52} // DW_OP_reg2

	var buf bytes.Buffer
	write := func(v interface{}) { binary.Write(&buf, binary.LittleEndian, v) }

	write(^uint64(0)) // base address selection
	write(uint64(0x400000))
	write(rangeEntry{0x10, 0x20, uint16(len(expr))})
	buf.Write(expr)
	write(uint64(0))
	write(uint64(0))

	rdr := New(buf.Bytes(), 8)
	e := rdr.Find(0, 0, 0, 0x400018)
	if e == nil || !bytes.Equal(e.Instr, expr) {
		t.Errorf("got %+v", e)
	}
	if e = rdr.Find(0, 0, 0, 0x18); e != nil {
		t.Errorf("unbased pc matched: %+v", e)
	}
}

func TestFourByteAddresses(t *testing.T) {
	expr := []byte{0x53}

	var buf bytes.Buffer
	write := func(v interface{}) { binary.Write(&buf, binary.LittleEndian, v) }

	write(^uint32(0)) // base address selection promotes to 64-bit sentinel
	write(uint32(0x8000))
	write(uint32(0x10))
	write(uint32(0x20))
	write(uint16(len(expr)))
	buf.Write(expr)
	write(uint32(0))
	write(uint32(0))

	rdr := New(buf.Bytes(), 4)
	e := rdr.Find(0, 0, 0, 0x8018)
	if e == nil || !bytes.Equal(e.Instr, expr) {
		t.Errorf("got %+v", e)
	}
}

func TestTruncated(t *testing.T) {
	data := buildList(rangeEntry{0x1000, 0x1010, 0x40})
	rdr := New(data, 8)
	var e Entry
	if rdr.Next(&e) {
		t.Error("truncated entry parsed")
	}
	if e := rdr.Find(0, 0, 0, 0x1008); e != nil {
		t.Errorf("truncated list matched: %+v", e)
	}
}
