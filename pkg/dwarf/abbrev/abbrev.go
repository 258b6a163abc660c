// Package abbrev parses the .debug_abbrev section. Each compilation
// unit points at a table of abbreviation entries that act as templates
// for the debug information entries in .debug_info.
package abbrev

import (
	"bytes"
	"debug/dwarf"
	"fmt"

	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
)

// AttrForm is a single attribute template: the attribute name plus the
// form its value is encoded in.
type AttrForm struct {
	Attr dwarf.Attr
	Form uint64
}

// Entry is one abbreviation: a tag, a has-children flag and the
// attribute templates for every DIE that cites this entry's code.
type Entry struct {
	Code     uint64
	Tag      dwarf.Tag
	Children bool
	Attrs    []AttrForm
}

// Table holds the abbreviation entries of one compilation unit, indexed
// by code.
type Table struct {
	entries map[uint64]*Entry

	// MaxAttrs is the largest attribute count across all entries; it
	// bounds the attribute array a DIE needs.
	MaxAttrs int
}

// Parse reads the abbreviation table starting at offset in the
// .debug_abbrev section. The table ends at an entry with code zero.
func Parse(data []byte, offset uint64) (*Table, error) {
	if offset >= uint64(len(data)) {
		return nil, fmt.Errorf("abbreviation offset %#x out of range", offset)
	}

	var (
		buf = bytes.NewBuffer(data[offset:])
		tbl = &Table{entries: make(map[uint64]*Entry)}
	)

	for {
		code, _ := leb128.DecodeUnsigned(buf)
		if code == 0 {
			break
		}

		tag, _ := leb128.DecodeUnsigned(buf)
		hasChildren, err := buf.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("truncated abbreviation entry %d", code)
		}

		entry := &Entry{
			Code:     code,
			Tag:      dwarf.Tag(tag),
			Children: hasChildren != 0,
		}

		for {
			attr, _ := leb128.DecodeUnsigned(buf)
			form, n := leb128.DecodeUnsigned(buf)
			if n == 0 {
				return nil, fmt.Errorf("truncated attribute list in abbreviation entry %d", code)
			}
			if attr == 0 && form == 0 {
				break
			}
			entry.Attrs = append(entry.Attrs, AttrForm{Attr: dwarf.Attr(attr), Form: form})
		}

		if len(entry.Attrs) > tbl.MaxAttrs {
			tbl.MaxAttrs = len(entry.Attrs)
		}
		tbl.entries[code] = entry
	}

	return tbl, nil
}

// Lookup returns the abbreviation entry for code, or nil if the table
// has no such code.
func (tbl *Table) Lookup(code uint64) *Entry {
	return tbl.entries[code]
}

// Count returns the number of abbreviation entries in the table.
func (tbl *Table) Count() int {
	return len(tbl.entries)
}
