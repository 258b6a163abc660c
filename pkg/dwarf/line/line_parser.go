// Package line reads the .debug_line section: compressed line number
// programs that map machine addresses back to source file positions.
package line

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/kerndbg/kerndbg/pkg/dwarf/util"
)

// DebugLinePrologue prologue of .debug_line data.
type DebugLinePrologue struct {
	UnitLength     uint64
	Version        uint16
	Length         uint64
	MinInstrLength uint8
	MaxOpPerInstr  uint8
	InitialIsStmt  uint8
	LineBase       int8
	LineRange      uint8
	OpcodeBase     uint8
	StdOpLengths   []uint8
}

// DebugLineInfo info of .debug_line data.
type DebugLineInfo struct {
	Prologue     *DebugLinePrologue
	IncludeDirs  []string
	FileNames    []*FileEntry
	Instructions []byte
	Lookup       map[string]*FileEntry

	// Offset is the position of this unit inside the section, the
	// value DW_AT_stmt_list attributes refer to.
	Offset uint64

	Logf func(string, ...interface{})

	// stateMachineCache[pc] is a state machine stopped at pc
	stateMachineCache map[uint64]*StateMachine

	// lastMachineCache[pc] is a state machine stopped at an address after pc
	lastMachineCache map[uint64]*StateMachine

	// staticBase is the address at which the image is loaded
	staticBase uint64

	is64Bit bool

	// if normalizeBackslash is true all backslashes (\) will be converted into forward slashes (/)
	normalizeBackslash bool
	ptrSize            int
}

// FileEntry file entry in File Name Table.
type FileEntry struct {
	Path        string
	DirIdx      uint64
	LastModTime uint64
	Length      uint64
}

type DebugLines []*DebugLineInfo

// ParseAll parses all debug_line units found in data. compdirFor, when
// not nil, returns the DW_AT_comp_dir of the compile unit whose
// DW_AT_stmt_list points at the given section offset; it seeds the
// zeroth include directory of that unit's table.
func ParseAll(data []byte, compdirFor func(offset uint64) string, logfn func(string, ...interface{}), staticBase uint64, normalizeBackslash bool, ptrSize int) (DebugLines, error) {
	var (
		lines = make(DebugLines, 0)
		buf   = bytes.NewBuffer(data)
	)

	for buf.Len() > 0 {
		offset := uint64(len(data) - buf.Len())
		compdir := ""
		if compdirFor != nil {
			compdir = compdirFor(offset)
		}
		dbl, err := Parse(compdir, buf, logfn, staticBase, normalizeBackslash, ptrSize)
		if err != nil {
			return nil, fmt.Errorf("line program at %#x: %w", offset, err)
		}
		dbl.Offset = offset
		lines = append(lines, dbl)
	}

	return lines, nil
}

// Parse parses a single debug_line unit from buf. Compdir is the
// DW_AT_comp_dir attribute of the associated compile unit.
func Parse(compdir string, buf *bytes.Buffer, logfn func(string, ...interface{}), staticBase uint64, normalizeBackslash bool, ptrSize int) (*DebugLineInfo, error) {
	dbl := new(DebugLineInfo)
	dbl.Logf = logfn
	if logfn == nil {
		dbl.Logf = func(string, ...interface{}) {}
	}
	dbl.staticBase = staticBase
	dbl.ptrSize = ptrSize
	dbl.Lookup = make(map[string]*FileEntry)
	dbl.IncludeDirs = append(dbl.IncludeDirs, compdir)

	dbl.stateMachineCache = make(map[uint64]*StateMachine)
	dbl.lastMachineCache = make(map[uint64]*StateMachine)
	dbl.normalizeBackslash = normalizeBackslash

	startLen := buf.Len()
	if err := parseDebugLinePrologue(dbl, buf); err != nil {
		return nil, err
	}
	if err := parseIncludeDirs(dbl, buf); err != nil {
		return nil, err
	}
	if err := parseFileEntries(dbl, buf); err != nil {
		return nil, err
	}

	// The prologue length counts from just after the length field
	// itself to the first program instruction; whatever the tables
	// left unconsumed is padding.
	headerSize := 2 + uint64(util.OffsetSize(dbl.is64Bit)) // version + length fields
	program := dbl.Prologue.UnitLength - dbl.Prologue.Length - headerSize
	consumed := uint64(startLen - buf.Len())
	skip := dbl.unitSize() - program - consumed
	if skip > dbl.Prologue.UnitLength || program > dbl.Prologue.UnitLength {
		return nil, fmt.Errorf("malformed prologue length %#x", dbl.Prologue.Length)
	}
	buf.Next(int(skip))
	dbl.Instructions = buf.Next(int(program))

	return dbl, nil
}

// unitSize returns the total byte size of the unit, including the
// initial length field.
func (dbl *DebugLineInfo) unitSize() uint64 {
	if dbl.is64Bit {
		return dbl.Prologue.UnitLength + 12
	}
	return dbl.Prologue.UnitLength + 4
}

func parseDebugLinePrologue(dbl *DebugLineInfo, buf *bytes.Buffer) error {
	p := new(DebugLinePrologue)

	var err error
	p.UnitLength, dbl.is64Bit, err = util.ReadInitialLength(buf)
	if err != nil {
		return err
	}
	if p.UnitLength > uint64(buf.Len()) {
		return fmt.Errorf("unit length %#x overruns section", p.UnitLength)
	}

	version, err := util.ReadUintRaw(buf, binary.LittleEndian, 2)
	if err != nil {
		return err
	}
	p.Version = uint16(version)
	if p.Version < 2 || p.Version > 4 {
		return fmt.Errorf("unsupported line table version %d", p.Version)
	}

	if p.Length, err = util.ReadOffset(buf, dbl.is64Bit); err != nil {
		return err
	}

	readByte := func(dst *uint8) {
		if err != nil {
			return
		}
		*dst, err = buf.ReadByte()
	}

	readByte(&p.MinInstrLength)
	if p.Version >= 4 {
		readByte(&p.MaxOpPerInstr)
	} else {
		p.MaxOpPerInstr = 1
	}
	readByte(&p.InitialIsStmt)
	var lineBase uint8
	readByte(&lineBase)
	p.LineBase = int8(lineBase)
	readByte(&p.LineRange)
	readByte(&p.OpcodeBase)
	if err != nil {
		return err
	}

	if p.MinInstrLength == 0 || p.LineRange == 0 || p.OpcodeBase == 0 {
		return fmt.Errorf("degenerate line program header")
	}

	p.StdOpLengths = make([]uint8, p.OpcodeBase-1)
	if err := binary.Read(buf, binary.LittleEndian, &p.StdOpLengths); err != nil {
		return err
	}

	dbl.Prologue = p
	return nil
}

func parseIncludeDirs(info *DebugLineInfo, buf *bytes.Buffer) error {
	for {
		str, err := util.ParseString(buf)
		if err != nil {
			return fmt.Errorf("include directory table: %w", err)
		}
		if str == "" {
			break
		}

		info.IncludeDirs = append(info.IncludeDirs, str)
	}
	return nil
}

func parseFileEntries(info *DebugLineInfo, buf *bytes.Buffer) error {
	for {
		entry, err := readFileEntry(info, buf, true)
		if err != nil {
			return fmt.Errorf("file name table: %w", err)
		}
		if entry.Path == "" {
			break
		}

		info.FileNames = append(info.FileNames, entry)
		info.Lookup[entry.Path] = entry
	}
	return nil
}

func readFileEntry(info *DebugLineInfo, buf *bytes.Buffer, exitOnEmptyPath bool) (*FileEntry, error) {
	entry := new(FileEntry)

	var err error
	entry.Path, err = util.ParseString(buf)
	if err != nil {
		return nil, err
	}
	if entry.Path == "" && exitOnEmptyPath {
		return entry, nil
	}

	if info.normalizeBackslash {
		entry.Path = strings.ReplaceAll(entry.Path, "\\", "/")
	}

	entry.DirIdx, _ = util.DecodeULEB128(buf)
	entry.LastModTime, _ = util.DecodeULEB128(buf)
	entry.Length, _ = util.DecodeULEB128(buf)
	if !pathIsAbs(entry.Path) {
		if entry.DirIdx >= uint64(len(info.IncludeDirs)) {
			return nil, fmt.Errorf("file %q names directory %d of %d", entry.Path, entry.DirIdx, len(info.IncludeDirs))
		}
		entry.Path = path.Join(info.IncludeDirs[entry.DirIdx], entry.Path)
	}

	return entry, nil
}

// pathIsAbs returns true if this is an absolute path.
// We can not use path.IsAbs because it will not recognize windows paths as
// absolute. We also can not use filepath.Abs because we want this
// processing to be independent of the host operating system (we could be
// reading an executable file produced on windows on a unix machine or vice
// versa).
func pathIsAbs(s string) bool {
	if len(s) >= 1 && s[0] == '/' {
		return true
	}
	if len(s) >= 2 && s[1] == ':' && (('a' <= s[0] && s[0] <= 'z') || ('A' <= s[0] && s[0] <= 'Z')) {
		return true
	}
	return false
}
