// Package dwarfbuilder provides a way to build DWARF sections with
// arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

// Builder assembles matching .debug_info, .debug_abbrev and .debug_loc
// sections around a single compilation unit.
type Builder struct {
	info     bytes.Buffer
	loc      bytes.Buffer
	abbrevs  []tagDescr
	tagStack []*tagState
}

// New creates a builder with an open DWARF 4 compilation unit. Call
// Attr to add unit attributes before opening the first child tag.
func New(name, compDir string) *Builder {
	b := &Builder{}

	b.info.Write([]byte{
		0x0, 0x0, 0x0, 0x0, // length
		0x4, 0x0, // version
		0x0, 0x0, 0x0, 0x0, // debug_abbrev_offset
		0x8, // address_size
	})

	b.TagOpen(dwarf.TagCompileUnit, name)
	b.Attr(dwarf.AttrCompDir, compDir)
	b.Attr(dwarf.AttrLanguage, uint8(0x0c)) // DW_LANG_C99

	return b
}

// Build closes the compilation unit and returns the sections.
func (b *Builder) Build() (abbrev, info, loc []byte, err error) {
	b.TagClose()

	if len(b.tagStack) > 0 {
		err = fmt.Errorf("unbalanced TagOpen/TagClose %d", len(b.tagStack))
		return
	}

	abbrev = b.makeAbbrevTable()
	info = b.info.Bytes()
	binary.LittleEndian.PutUint32(info, uint32(len(info)-4))
	loc = b.loc.Bytes()

	return
}
