// Package info parses the .debug_info section: compilation unit
// headers and the abbreviation driven tree of debug information
// entries each unit contains.
package info

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"

	"github.com/kerndbg/kerndbg/pkg/dwarf/abbrev"
	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
	"github.com/kerndbg/kerndbg/pkg/dwarf/util"
)

// Unit is a single compilation unit of .debug_info.
type Unit struct {
	Is64Bit      bool
	Version      uint16
	Length       uint64 // unit_length, excluding the initial length field
	AbbrevOffset uint64
	AddressSize  uint8

	// Offset is the section offset of the unit header, Entries the
	// offset of the first DIE and End the offset just past the unit.
	Offset  uint64
	Entries uint64
	End     uint64

	Abbrev *abbrev.Table

	// Children are the root level entries of the unit.
	Children []*Entry

	str []byte
}

// Parse reads every compilation unit in debugInfo. Unit versions 2
// through 4 are accepted; debugStr backs DW_FORM_strp values.
func Parse(debugInfo, debugAbbrev, debugStr []byte) ([]*Unit, error) {
	var units []*Unit

	off := uint64(0)
	for off < uint64(len(debugInfo)) {
		u, err := parseUnit(debugInfo, debugAbbrev, debugStr, off)
		if err != nil {
			return nil, fmt.Errorf("compilation unit at %#x: %w", off, err)
		}
		units = append(units, u)
		off = u.End
	}

	return units, nil
}

func parseUnit(debugInfo, debugAbbrev, debugStr []byte, off uint64) (*Unit, error) {
	buf := bytes.NewBuffer(debugInfo[off:])

	length, dwarf64, err := util.ReadInitialLength(buf)
	if err != nil {
		return nil, err
	}

	lengthFieldSize := uint64(4)
	if dwarf64 {
		lengthFieldSize = 12
	}

	u := &Unit{
		Is64Bit: dwarf64,
		Length:  length,
		Offset:  off,
		End:     off + lengthFieldSize + length,
		str:     debugStr,
	}
	if u.End > uint64(len(debugInfo)) {
		return nil, fmt.Errorf("unit length %#x overruns section", length)
	}

	version, err := util.ReadUintRaw(buf, binary.LittleEndian, 2)
	if err != nil {
		return nil, err
	}
	u.Version = uint16(version)
	if u.Version < 2 || u.Version > 4 {
		return nil, fmt.Errorf("unsupported DWARF version %d", u.Version)
	}

	u.AbbrevOffset, err = util.ReadOffset(buf, dwarf64)
	if err != nil {
		return nil, err
	}

	addressSize, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	u.AddressSize = addressSize
	if addressSize != 4 && addressSize != 8 {
		return nil, fmt.Errorf("bad address size %d", addressSize)
	}

	u.Abbrev, err = abbrev.Parse(debugAbbrev, u.AbbrevOffset)
	if err != nil {
		return nil, err
	}

	u.Entries = uint64(len(debugInfo)) - uint64(buf.Len())

	dies := bytes.NewBuffer(debugInfo[u.Entries:u.End])
	if err := u.parseEntries(dies); err != nil {
		return nil, err
	}

	return u, nil
}

// parseEntries walks the DIE stream of the unit. A zero abbreviation
// code closes the current nesting level; entries citing an abbreviation
// with children open a new one.
func (u *Unit) parseEntries(buf *bytes.Buffer) error {
	var (
		parent *Entry
		depth  int
	)

	for buf.Len() > 0 {
		offset := u.End - uint64(buf.Len())

		code, _ := leb128.DecodeUnsigned(buf)
		if code == 0 {
			// sibling list terminator
			if depth > 0 {
				depth--
				parent = parent.Parent
			}
			continue
		}

		ab := u.Abbrev.Lookup(code)
		if ab == nil {
			return fmt.Errorf("bad abbreviation code %d at %#x", code, offset)
		}

		e := &Entry{
			Tag:      ab.Tag,
			Children: ab.Children,
			Depth:    depth,
			Offset:   offset,
			Unit:     u,
			Parent:   parent,
			Attrs:    make([]AttrValue, 0, u.Abbrev.MaxAttrs),
		}

		for _, af := range ab.Attrs {
			val, err := u.readFormValue(buf, Form(af.Form))
			if err != nil {
				return fmt.Errorf("attribute %v of DIE at %#x: %w", af.Attr, offset, err)
			}
			e.Attrs = append(e.Attrs, AttrValue{Attr: af.Attr, Form: Form(af.Form), Value: val})
		}

		if parent != nil {
			parent.Kids = append(parent.Kids, e)
		} else {
			u.Children = append(u.Children, e)
		}

		if ab.Children {
			parent = e
			depth++
		}
	}

	return nil
}

// FindEntry locates the DIE starting at the given section offset inside
// this unit. Entries are stored in increasing offset order at every
// level, so the search walks each sibling list backwards for the
// closest entry at or before the target and then descends.
func (u *Unit) FindEntry(offset uint64) *Entry {
	kids := u.Children
	for {
		var best *Entry
		for i := len(kids) - 1; i >= 0; i-- {
			if kids[i].Offset <= offset {
				best = kids[i]
				break
			}
		}
		if best == nil {
			return nil
		}
		if best.Offset == offset {
			return best
		}
		kids = best.Kids
		if len(kids) == 0 {
			return nil
		}
	}
}

// EntryCount returns the number of DIEs in the unit, including nested
// ones.
func (u *Unit) EntryCount() int {
	n := 0
	var walk func([]*Entry)
	walk = func(es []*Entry) {
		for _, e := range es {
			n++
			walk(e.Kids)
		}
	}
	walk(u.Children)
	return n
}

// Name returns the unit's DW_AT_name, usually the primary source file
// path of the compilation.
func (u *Unit) Name() string {
	if len(u.Children) == 0 || u.Children[0].Tag != dwarf.TagCompileUnit {
		return ""
	}
	name, _ := u.Children[0].String(dwarf.AttrName)
	return name
}
