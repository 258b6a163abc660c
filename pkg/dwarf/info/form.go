package info

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
	"github.com/kerndbg/kerndbg/pkg/dwarf/util"
)

// Form represents a DWARF form kind (see Figure 20, page 160 and
// following, DWARF v4).
type Form uint64

const (
	DW_FORM_addr         Form = 0x01 // address
	DW_FORM_block2       Form = 0x03 // block
	DW_FORM_block4       Form = 0x04 // block
	DW_FORM_data2        Form = 0x05 // constant
	DW_FORM_data4        Form = 0x06 // constant
	DW_FORM_data8        Form = 0x07 // constant
	DW_FORM_string       Form = 0x08 // string
	DW_FORM_block        Form = 0x09 // block
	DW_FORM_block1       Form = 0x0a // block
	DW_FORM_data1        Form = 0x0b // constant
	DW_FORM_flag         Form = 0x0c // flag
	DW_FORM_sdata        Form = 0x0d // constant
	DW_FORM_strp         Form = 0x0e // string
	DW_FORM_udata        Form = 0x0f // constant
	DW_FORM_ref_addr     Form = 0x10 // reference
	DW_FORM_ref1         Form = 0x11 // reference
	DW_FORM_ref2         Form = 0x12 // reference
	DW_FORM_ref4         Form = 0x13 // reference
	DW_FORM_ref8         Form = 0x14 // reference
	DW_FORM_ref_udata    Form = 0x15 // reference
	DW_FORM_indirect     Form = 0x16 // (see Section 7.5.3)
	DW_FORM_sec_offset   Form = 0x17 // lineptr, loclistptr, macptr, rangelistptr
	DW_FORM_exprloc      Form = 0x18 // exprloc
	DW_FORM_flag_present Form = 0x19 // flag
	DW_FORM_ref_sig8     Form = 0x20 // reference
)

// IsBlock returns true for the block and exprloc forms, whose values
// are byte slices borrowed from the section data.
func (f Form) IsBlock() bool {
	switch f {
	case DW_FORM_block1, DW_FORM_block2, DW_FORM_block4, DW_FORM_block, DW_FORM_exprloc:
		return true
	}
	return false
}

// IsConstant returns true for the integer constant and flag forms.
func (f Form) IsConstant() bool {
	switch f {
	case DW_FORM_data1, DW_FORM_data2, DW_FORM_data4, DW_FORM_data8,
		DW_FORM_udata, DW_FORM_sdata, DW_FORM_flag, DW_FORM_flag_present:
		return true
	}
	return false
}

// readFormValue decodes a single attribute value of the given form from
// buf. Block and string values alias the section bytes where possible.
func (u *Unit) readFormValue(buf *bytes.Buffer, form Form) (interface{}, error) {
	switch form {
	case DW_FORM_addr:
		return util.ReadUintRaw(buf, binary.LittleEndian, int(u.AddressSize))

	case DW_FORM_block1:
		n, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		return readBlock(buf, uint64(n))

	case DW_FORM_block2:
		n, err := util.ReadUintRaw(buf, binary.LittleEndian, 2)
		if err != nil {
			return nil, err
		}
		return readBlock(buf, n)

	case DW_FORM_block4:
		n, err := util.ReadUintRaw(buf, binary.LittleEndian, 4)
		if err != nil {
			return nil, err
		}
		return readBlock(buf, n)

	case DW_FORM_block, DW_FORM_exprloc:
		n, _ := leb128.DecodeUnsigned(buf)
		return readBlock(buf, n)

	case DW_FORM_data1:
		b, err := buf.ReadByte()
		return uint64(b), err

	case DW_FORM_data2:
		return util.ReadUintRaw(buf, binary.LittleEndian, 2)

	case DW_FORM_data4:
		return util.ReadUintRaw(buf, binary.LittleEndian, 4)

	case DW_FORM_data8, DW_FORM_ref_sig8:
		return util.ReadUintRaw(buf, binary.LittleEndian, 8)

	case DW_FORM_udata:
		n, _ := leb128.DecodeUnsigned(buf)
		return n, nil

	case DW_FORM_sdata:
		n, _ := leb128.DecodeSigned(buf)
		return n, nil

	case DW_FORM_string:
		return util.ParseString(buf)

	case DW_FORM_strp:
		off, err := util.ReadOffset(buf, u.Is64Bit)
		if err != nil {
			return nil, err
		}
		if off >= uint64(len(u.str)) {
			return nil, fmt.Errorf("string offset %#x out of range", off)
		}
		return util.ParseString(bytes.NewBuffer(u.str[off:]))

	case DW_FORM_flag:
		b, err := buf.ReadByte()
		return b != 0, err

	case DW_FORM_flag_present:
		return true, nil

	case DW_FORM_sec_offset, DW_FORM_ref_addr:
		return util.ReadOffset(buf, u.Is64Bit)

	case DW_FORM_ref1:
		b, err := buf.ReadByte()
		return uint64(b), err

	case DW_FORM_ref2:
		return util.ReadUintRaw(buf, binary.LittleEndian, 2)

	case DW_FORM_ref4:
		return util.ReadUintRaw(buf, binary.LittleEndian, 4)

	case DW_FORM_ref8:
		return util.ReadUintRaw(buf, binary.LittleEndian, 8)

	case DW_FORM_ref_udata:
		n, _ := leb128.DecodeUnsigned(buf)
		return n, nil
	}

	return nil, fmt.Errorf("unknown form %#x", uint64(form))
}

func readBlock(buf *bytes.Buffer, n uint64) ([]byte, error) {
	if n > uint64(buf.Len()) {
		return nil, util.ErrShortRead
	}
	return buf.Next(int(n)), nil
}
