// Package loclist reads the .debug_loc section: location lists that
// give a variable different location expressions over different
// program counter ranges.
package loclist

import (
	"encoding/binary"
)

// Entry is a single entry of a location list.
type Entry struct {
	LowPC, HighPC uint64
	Instr         []byte
}

// BaseAddressSelection reports whether entry.HighPC should be used as
// the base address for subsequent entries instead of describing a
// range.
func (e *Entry) BaseAddressSelection() bool {
	return e.LowPC == ^uint64(0)
}

// Reader parses and presents DWARF version 2 through 4 location lists.
type Reader struct {
	data  []byte
	cur   int
	ptrSz int
}

// New returns an initialized loclist Reader.
func New(data []byte, ptrSz int) *Reader {
	return &Reader{data: data, ptrSz: ptrSz}
}

// Empty returns true if this reader has no data.
func (rdr *Reader) Empty() bool {
	return rdr.data == nil
}

// Seek moves the data pointer to the specified offset.
func (rdr *Reader) Seek(off int) {
	rdr.cur = off
}

// Next advances the reader to the next loclist entry, returning
// the entry and true if successful, or false at the end of the list or
// on truncated data.
func (rdr *Reader) Next(e *Entry) bool {
	var ok bool
	if e.LowPC, ok = rdr.oneAddr(); !ok {
		return false
	}
	if e.HighPC, ok = rdr.oneAddr(); !ok {
		return false
	}

	if e.LowPC == 0 && e.HighPC == 0 {
		return false
	}

	if e.BaseAddressSelection() {
		e.Instr = nil
		return true
	}

	lenBytes := rdr.read(2)
	if lenBytes == nil {
		return false
	}
	instrlen := binary.LittleEndian.Uint16(lenBytes)
	e.Instr = rdr.read(int(instrlen))
	return e.Instr != nil
}

// Find returns the loclist entry for the specified PC address, inside
// the loclist starting at off. Base is the base address of the compile
// unit and staticBase is the static base at which the image is loaded.
func (rdr *Reader) Find(off int, staticBase, base, pc uint64) *Entry {
	rdr.Seek(off)
	var e Entry
	for rdr.Next(&e) {
		if e.BaseAddressSelection() {
			base = e.HighPC + staticBase
			continue
		}
		if pc >= e.LowPC+base && pc < e.HighPC+base {
			return &e
		}
	}
	return nil
}

func (rdr *Reader) read(sz int) []byte {
	if rdr.cur+sz > len(rdr.data) {
		rdr.cur = len(rdr.data)
		return nil
	}
	r := rdr.data[rdr.cur : rdr.cur+sz]
	rdr.cur += sz
	return r
}

func (rdr *Reader) oneAddr() (uint64, bool) {
	buf := rdr.read(rdr.ptrSz)
	if buf == nil {
		return 0, false
	}
	switch rdr.ptrSz {
	case 4:
		addr := binary.LittleEndian.Uint32(buf)
		if addr == ^uint32(0) {
			return ^uint64(0), true
		}
		return uint64(addr), true
	case 8:
		return binary.LittleEndian.Uint64(buf), true
	default:
		return 0, false
	}
}
