package info

import (
	"debug/dwarf"
)

// AttrValue is one decoded attribute of a DIE.
type AttrValue struct {
	Attr  dwarf.Attr
	Form  Form
	Value interface{}
}

// Entry is a single debug information entry.
type Entry struct {
	Tag      dwarf.Tag
	Children bool
	Depth    int

	// Offset is the section offset of the entry, the value reference
	// forms resolve to.
	Offset uint64

	Unit   *Unit
	Parent *Entry
	Kids   []*Entry
	Attrs  []AttrValue

	spec *Entry
}

// Val returns the value of the given attribute. Attributes missing from
// the entry itself are searched on the entry named by
// DW_AT_specification, if any, as declarations and their definitions
// split attributes between the two.
func (e *Entry) Val(attr dwarf.Attr) (interface{}, Form, bool) {
	for depth := 0; e != nil && depth < 16; depth++ {
		for i := range e.Attrs {
			if e.Attrs[i].Attr == attr {
				return e.Attrs[i].Value, e.Attrs[i].Form, true
			}
		}
		if attr == dwarf.AttrSpecification {
			break
		}
		e = e.specification()
	}
	return nil, 0, false
}

func (e *Entry) specification() *Entry {
	if e.spec != nil {
		return e.spec
	}
	off, ok := e.Reference(dwarf.AttrSpecification)
	if !ok {
		return nil
	}
	e.spec = e.Unit.FindEntry(off)
	return e.spec
}

// String returns a string valued attribute.
func (e *Entry) String(attr dwarf.Attr) (string, bool) {
	v, _, ok := e.Val(attr)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Address returns an address valued attribute.
func (e *Entry) Address(attr dwarf.Attr) (uint64, bool) {
	v, form, ok := e.Val(attr)
	if !ok || form != DW_FORM_addr {
		return 0, false
	}
	addr, ok := v.(uint64)
	return addr, ok
}

// Uint returns a constant attribute as an unsigned integer. Signed
// constants are accepted and converted.
func (e *Entry) Uint(attr dwarf.Attr) (uint64, bool) {
	v, _, ok := e.Val(attr)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	}
	return 0, false
}

// Int returns a constant attribute as a signed integer.
func (e *Entry) Int(attr dwarf.Attr) (int64, bool) {
	v, _, ok := e.Val(attr)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

// Flag returns a flag attribute, false when absent.
func (e *Entry) Flag(attr dwarf.Attr) bool {
	v, _, ok := e.Val(attr)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Block returns a block or exprloc attribute.
func (e *Entry) Block(attr dwarf.Attr) ([]byte, bool) {
	v, _, ok := e.Val(attr)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Reference returns a reference attribute as a .debug_info section
// offset. The unit relative reference forms are rebased on the unit
// header offset; DW_FORM_ref_addr is already section relative.
func (e *Entry) Reference(attr dwarf.Attr) (uint64, bool) {
	v, form, ok := e.Val(attr)
	if !ok {
		return 0, false
	}
	off, ok := v.(uint64)
	if !ok {
		return 0, false
	}
	switch form {
	case DW_FORM_ref1, DW_FORM_ref2, DW_FORM_ref4, DW_FORM_ref8, DW_FORM_ref_udata:
		return e.Unit.Offset + off, true
	case DW_FORM_ref_addr, DW_FORM_sec_offset:
		return off, true
	}
	return 0, false
}

// Ref resolves a reference attribute to the entry it names, within the
// same compilation unit. Cross unit DW_FORM_ref_addr references are
// resolved by the symbol layer, which holds every unit.
func (e *Entry) Ref(attr dwarf.Attr) *Entry {
	off, ok := e.Reference(attr)
	if !ok {
		return nil
	}
	return e.Unit.FindEntry(off)
}

// Name returns the DW_AT_name of the entry, following
// DW_AT_specification and DW_AT_abstract_origin when the entry itself
// is anonymous.
func (e *Entry) Name() string {
	if s, ok := e.String(dwarf.AttrName); ok {
		return s
	}
	if origin := e.Ref(dwarf.AttrAbstractOrigin); origin != nil && origin != e {
		return origin.Name()
	}
	return ""
}

// SecOffset returns an attribute of the sec_offset class, accepting the
// data4 and data8 encodings DWARF versions before 4 used for it.
func (e *Entry) SecOffset(attr dwarf.Attr) (uint64, bool) {
	v, form, ok := e.Val(attr)
	if !ok {
		return 0, false
	}
	switch form {
	case DW_FORM_sec_offset, DW_FORM_data4, DW_FORM_data8:
		off, ok := v.(uint64)
		return off, ok
	}
	return 0, false
}

// HighPC returns the end address of the entry's range. DWARF 4 allows
// DW_AT_high_pc to be a constant offset from DW_AT_low_pc instead of an
// address.
func (e *Entry) HighPC(lowPC uint64) (uint64, bool) {
	v, form, ok := e.Val(dwarf.AttrHighpc)
	if !ok {
		return 0, false
	}
	if form == DW_FORM_addr {
		addr, ok := v.(uint64)
		return addr, ok
	}
	switch n := v.(type) {
	case uint64:
		return lowPC + n, true
	case int64:
		return lowPC + uint64(n), true
	}
	return 0, false
}
