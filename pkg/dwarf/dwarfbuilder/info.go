package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"

	"github.com/kerndbg/kerndbg/pkg/dwarf/info"
	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
)

// Address is a wire address attribute, written with DW_FORM_addr.
type Address uint64

// ExprLoc is a DWARF expression attribute, written with DW_FORM_exprloc.
type ExprLoc []byte

// LocEntry is one entry of a location list attribute.
type LocEntry struct {
	Lowpc  uint64
	Highpc uint64
	Loc    []byte
}

type tagDescr struct {
	tag dwarf.Tag

	children bool

	attr []dwarf.Attr
	form []info.Form
}

type tagState struct {
	off dwarf.Offset
	tagDescr
}

func (t *tagDescr) sameTag(t2 *tagDescr) bool {
	if t.tag != t2.tag || t.children != t2.children || len(t.attr) != len(t2.attr) {
		return false
	}
	for i := range t.attr {
		if t.attr[i] != t2.attr[i] || t.form[i] != t2.form[i] {
			return false
		}
	}
	return true
}

// TagOpen starts a new DIE of the given tag. If name is not empty a
// DW_AT_name attribute is added. Returns the offset of the DIE in the
// .debug_info section, usable as a reference in Attr calls.
func (b *Builder) TagOpen(tag dwarf.Tag, name string) dwarf.Offset {
	if len(b.tagStack) > 0 {
		b.tagStack[len(b.tagStack)-1].children = true
	}
	off := dwarf.Offset(b.info.Len())
	b.info.WriteByte(0) // abbrev code, patched in TagClose
	b.tagStack = append(b.tagStack, &tagState{off: off, tagDescr: tagDescr{tag: tag}})
	if name != "" {
		b.Attr(dwarf.AttrName, name)
	}
	return off
}

// SetHasChildren forces the has_children flag on the current DIE even
// if no child is ever opened.
func (b *Builder) SetHasChildren() {
	if len(b.tagStack) == 0 {
		panic("NoChildren with no open tags")
	}
	b.tagStack[len(b.tagStack)-1].children = true
}

// TagClose ends the current DIE.
func (b *Builder) TagClose() {
	if len(b.tagStack) == 0 {
		panic("TagClose with no open tags")
	}
	tag := b.tagStack[len(b.tagStack)-1]
	abbrev := b.abbrevFor(&tag.tagDescr)
	b.info.Bytes()[tag.off] = abbrev
	if tag.children {
		b.info.WriteByte(0)
	}
	b.tagStack = b.tagStack[:len(b.tagStack)-1]
}

// abbrevFor returns the abbreviation code for the given tag description,
// adding a new abbreviation if needed.
func (b *Builder) abbrevFor(tag *tagDescr) byte {
	for abbrev, descr := range b.abbrevs {
		if descr.sameTag(tag) {
			return byte(abbrev + 1)
		}
	}
	b.abbrevs = append(b.abbrevs, *tag)
	return byte(len(b.abbrevs))
}

func (b *Builder) makeAbbrevTable() []byte {
	var abbrev bytes.Buffer

	for i := range b.abbrevs {
		leb128.EncodeUnsigned(&abbrev, uint64(i+1))
		leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].tag))
		if b.abbrevs[i].children {
			abbrev.WriteByte(0x01)
		} else {
			abbrev.WriteByte(0x00)
		}
		for j := range b.abbrevs[i].attr {
			leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].attr[j]))
			leb128.EncodeUnsigned(&abbrev, uint64(b.abbrevs[i].form[j]))
		}
		leb128.EncodeUnsigned(&abbrev, 0)
		leb128.EncodeUnsigned(&abbrev, 0)
	}
	leb128.EncodeUnsigned(&abbrev, 0)

	return abbrev.Bytes()
}

// Attr adds an attribute to the current DIE. The form is picked from
// the dynamic type of val.
func (b *Builder) Attr(attr dwarf.Attr, val interface{}) {
	if len(b.tagStack) == 0 {
		panic("Attr with no open tags")
	}
	tag := b.tagStack[len(b.tagStack)-1]
	tag.attr = append(tag.attr, attr)

	switch x := val.(type) {
	case string:
		tag.form = append(tag.form, info.DW_FORM_string)
		b.info.WriteString(x)
		b.info.WriteByte(0)
	case uint8:
		tag.form = append(tag.form, info.DW_FORM_data1)
		binary.Write(&b.info, binary.LittleEndian, x)
	case uint16:
		tag.form = append(tag.form, info.DW_FORM_data2)
		binary.Write(&b.info, binary.LittleEndian, x)
	case uint32:
		tag.form = append(tag.form, info.DW_FORM_data4)
		binary.Write(&b.info, binary.LittleEndian, x)
	case uint64:
		tag.form = append(tag.form, info.DW_FORM_data8)
		binary.Write(&b.info, binary.LittleEndian, x)
	case int64:
		tag.form = append(tag.form, info.DW_FORM_sdata)
		leb128.EncodeSigned(&b.info, x)
	case bool:
		tag.form = append(tag.form, info.DW_FORM_flag)
		if x {
			b.info.WriteByte(1)
		} else {
			b.info.WriteByte(0)
		}
	case Address:
		tag.form = append(tag.form, info.DW_FORM_addr)
		binary.Write(&b.info, binary.LittleEndian, x)
	case dwarf.Offset:
		tag.form = append(tag.form, info.DW_FORM_ref4)
		binary.Write(&b.info, binary.LittleEndian, uint32(x))
	case ExprLoc:
		tag.form = append(tag.form, info.DW_FORM_exprloc)
		leb128.EncodeUnsigned(&b.info, uint64(len(x)))
		b.info.Write(x)
	case []byte:
		tag.form = append(tag.form, info.DW_FORM_block4)
		binary.Write(&b.info, binary.LittleEndian, uint32(len(x)))
		b.info.Write(x)
	case []LocEntry:
		tag.form = append(tag.form, info.DW_FORM_sec_offset)
		binary.Write(&b.info, binary.LittleEndian, uint32(b.loc.Len()))

		// base address selection
		binary.Write(&b.loc, binary.LittleEndian, ^uint64(0))
		binary.Write(&b.loc, binary.LittleEndian, uint64(0))

		for _, entry := range x {
			binary.Write(&b.loc, binary.LittleEndian, entry.Lowpc)
			binary.Write(&b.loc, binary.LittleEndian, entry.Highpc)
			binary.Write(&b.loc, binary.LittleEndian, uint16(len(entry.Loc)))
			b.loc.Write(entry.Loc)
		}

		// end of loclist
		binary.Write(&b.loc, binary.LittleEndian, uint64(0))
		binary.Write(&b.loc, binary.LittleEndian, uint64(0))
	default:
		panic("unknown attribute value type")
	}
}

// AddSubprogram adds a subprogram declaration without any children.
func (b *Builder) AddSubprogram(fnname string, lowpc, highpc uint64) dwarf.Offset {
	r := b.TagOpen(dwarf.TagSubprogram, fnname)
	b.Attr(dwarf.AttrLowpc, Address(lowpc))
	b.Attr(dwarf.AttrHighpc, Address(highpc))
	b.TagClose()
	return r
}

// AddVariable adds a variable entry to the current DIE.
func (b *Builder) AddVariable(varname string, typ dwarf.Offset, loc interface{}) dwarf.Offset {
	r := b.TagOpen(dwarf.TagVariable, varname)
	b.Attr(dwarf.AttrType, typ)
	b.Attr(dwarf.AttrLocation, loc)
	b.TagClose()
	return r
}

// AddBaseType adds a base type declaration without children.
func (b *Builder) AddBaseType(typename string, encoding uint16, byteSz uint16) dwarf.Offset {
	r := b.TagOpen(dwarf.TagBaseType, typename)
	b.Attr(dwarf.AttrEncoding, uint8(encoding))
	b.Attr(dwarf.AttrByteSize, uint8(byteSz))
	b.TagClose()
	return r
}

// AddStructType adds a struct declaration, the caller must add members
// with AddMember and then close the struct with TagClose.
func (b *Builder) AddStructType(typename string, byteSz uint16) dwarf.Offset {
	r := b.TagOpen(dwarf.TagStructType, typename)
	b.Attr(dwarf.AttrByteSize, uint8(byteSz))
	return r
}

// AddMember adds a member entry to the current struct DIE.
func (b *Builder) AddMember(fieldname string, typ dwarf.Offset, memberLoc []byte) dwarf.Offset {
	r := b.TagOpen(dwarf.TagMember, fieldname)
	b.Attr(dwarf.AttrType, typ)
	b.Attr(dwarf.AttrDataMemberLoc, memberLoc)
	b.TagClose()
	return r
}

// AddPointerType adds a pointer type declaration.
func (b *Builder) AddPointerType(typename string, typ dwarf.Offset) dwarf.Offset {
	r := b.TagOpen(dwarf.TagPointerType, typename)
	b.Attr(dwarf.AttrType, typ)
	b.Attr(dwarf.AttrByteSize, uint8(8))
	b.TagClose()
	return r
}
