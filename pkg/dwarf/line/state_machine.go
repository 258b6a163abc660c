package line

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kerndbg/kerndbg/pkg/dwarf/util"
)

// Location is one row of the line number matrix.
type Location struct {
	File    string
	Line    int
	Column  int
	Address uint64
	IsStmt  bool
	EndSeq  bool
}

type StateMachine struct {
	dbl           *DebugLineInfo
	file          string
	line          int
	address       uint64
	opIndex       uint64 // operation index within a VLIW bundle (DWARFv4)
	column        uint
	isStmt        bool
	isa           uint64 // instruction set architecture register (DWARFv4)
	discriminator uint64
	basicBlock    bool
	endSeq        bool
	lastDelta     int
	prologueEnd   bool
	epilogueBegin bool
	// valid is true if the current value of the state machine is the address of
	// an instruction (using the terminology used by DWARF spec the current
	// value of the state machine should be appended to the matrix representing
	// the compilation unit)
	valid bool

	started bool

	buf     *bytes.Buffer // remaining instructions
	opcodes []opcodefn

	definedFiles []*FileEntry // files defined with DW_LINE_define_file

	lastAddress uint64
	lastFile    string
	lastLine    int
}

type opcodefn func(*StateMachine, *bytes.Buffer)

// Standard opcodes
const (
	DW_LNS_copy             = 1
	DW_LNS_advance_pc       = 2
	DW_LNS_advance_line     = 3
	DW_LNS_set_file         = 4
	DW_LNS_set_column       = 5
	DW_LNS_negate_stmt      = 6
	DW_LNS_set_basic_block  = 7
	DW_LNS_const_add_pc     = 8
	DW_LNS_fixed_advance_pc = 9
	DW_LNS_prologue_end     = 10
	DW_LNS_epilogue_begin   = 11
	DW_LNS_set_isa          = 12
)

// Extended opcodes
const (
	DW_LINE_end_sequence      = 1
	DW_LINE_set_address       = 2
	DW_LINE_define_file       = 3
	DW_LINE_set_discriminator = 4
)

var standardopcodes = map[byte]opcodefn{
	DW_LNS_copy:             copyfn,
	DW_LNS_advance_pc:       advancepc,
	DW_LNS_advance_line:     advanceline,
	DW_LNS_set_file:         setfile,
	DW_LNS_set_column:       setcolumn,
	DW_LNS_negate_stmt:      negatestmt,
	DW_LNS_set_basic_block:  setbasicblock,
	DW_LNS_const_add_pc:     constaddpc,
	DW_LNS_fixed_advance_pc: fixedadvancepc,
	DW_LNS_prologue_end:     prologueend,
	DW_LNS_epilogue_begin:   epiloguebegin,
	DW_LNS_set_isa:          setisa,
}

var extendedopcodes = map[byte]opcodefn{
	DW_LINE_end_sequence:      endsequence,
	DW_LINE_set_address:       setaddress,
	DW_LINE_define_file:       definefile,
	DW_LINE_set_discriminator: setdiscriminator,
}

func newStateMachine(dbl *DebugLineInfo, instructions []byte) *StateMachine {
	opcodes := make([]opcodefn, len(standardopcodes)+1)
	opcodes[0] = execExtendedOpcode
	for op := range standardopcodes {
		opcodes[op] = standardopcodes[op]
	}
	sm := &StateMachine{
		dbl:         dbl,
		line:        1,
		buf:         bytes.NewBuffer(instructions),
		opcodes:     opcodes,
		isStmt:      dbl.Prologue.InitialIsStmt == uint8(1),
		address:     dbl.staticBase,
		lastAddress: ^uint64(0),
	}
	if len(dbl.FileNames) > 0 {
		sm.file = dbl.FileNames[0].Path
	}
	return sm
}

// Rows runs the whole line program, calling fn for every row of the
// line matrix. Returning false from fn stops the walk.
func (lineInfo *DebugLineInfo) Rows(fn func(Location) bool) {
	if lineInfo == nil {
		return
	}

	sm := newStateMachine(lineInfo, lineInfo.Instructions)
	for {
		if err := sm.next(); err != nil {
			if err != io.EOF && lineInfo.Logf != nil {
				lineInfo.Logf("line program error: %v", err)
			}
			return
		}
		if !sm.valid {
			continue
		}
		row := Location{
			File:    sm.file,
			Line:    sm.line,
			Column:  int(sm.column),
			Address: sm.address,
			IsStmt:  sm.isStmt,
			EndSeq:  sm.endSeq,
		}
		if !fn(row) {
			return
		}
	}
}

// copy returns a copy of this state machine, running the returned state
// machine will not affect sm.
func (sm *StateMachine) copy() *StateMachine {
	var r StateMachine
	r = *sm
	r.buf = bytes.NewBuffer(sm.buf.Bytes())
	return &r
}

func (lineInfo *DebugLineInfo) stateMachineForEntry(basePC uint64) (sm *StateMachine) {
	sm = lineInfo.stateMachineCache[basePC]
	if sm == nil {
		sm = newStateMachine(lineInfo, lineInfo.Instructions)
		sm.PCToLine(basePC)
		lineInfo.stateMachineCache[basePC] = sm
	}
	sm = sm.copy()
	return
}

// PCToLine returns the filename and line number associated with pc.
// If pc isn't found inside lineInfo's table it will return the filename and
// line number associated with the closest PC address preceding pc.
// basePC will be used for caching, it's normally the entry point for the
// function containing pc.
func (lineInfo *DebugLineInfo) PCToLine(basePC, pc uint64) (string, int) {
	if lineInfo == nil || basePC > pc {
		return "", 0
	}

	sm := lineInfo.stateMachineFor(basePC, pc)

	file, line, _ := sm.PCToLine(pc)
	return file, line
}

func (lineInfo *DebugLineInfo) stateMachineFor(basePC, pc uint64) *StateMachine {
	var sm *StateMachine
	if basePC == 0 {
		sm = newStateMachine(lineInfo, lineInfo.Instructions)
	} else {
		// Try to use the last state machine that we used for this function, if
		// there isn't one or it's already past pc try to clone the cached state
		// machine stopped at the entry point of the function.
		// As a last resort start from the start of the debug_line section.
		sm = lineInfo.lastMachineCache[basePC]
		if sm == nil || sm.lastAddress >= pc {
			sm = lineInfo.stateMachineForEntry(basePC)
			lineInfo.lastMachineCache[basePC] = sm
		}
	}
	return sm
}

func (sm *StateMachine) PCToLine(pc uint64) (string, int, bool) {
	if !sm.started {
		if err := sm.next(); err != nil {
			if err != io.EOF && sm.dbl.Logf != nil {
				sm.dbl.Logf("PCToLine error: %v", err)
			}
			return "", 0, false
		}
	}
	if sm.lastAddress > pc && sm.lastAddress != ^uint64(0) {
		return "", 0, false
	}
	for {
		if sm.valid {
			if (sm.address > pc) && (pc >= sm.lastAddress) {
				return sm.lastFile, sm.lastLine, true
			}
			if sm.address == pc {
				return sm.file, sm.line, true
			}
		}
		if err := sm.next(); err != nil {
			if err != io.EOF && sm.dbl.Logf != nil {
				sm.dbl.Logf("PCToLine error: %v", err)
			}
			break
		}
	}
	if sm.valid {
		return sm.file, sm.line, true
	}
	return "", 0, false
}

// LineToPC returns the first PC address associated with filename:lineno.
func (lineInfo *DebugLineInfo) LineToPC(filename string, lineno int) uint64 {
	if lineInfo == nil {
		return 0
	}

	sm := newStateMachine(lineInfo, lineInfo.Instructions)

	// if no instruction marked is_stmt is found fallback to the first
	// instruction assigned to the filename:line.
	var fallbackPC uint64

	for {
		if err := sm.next(); err != nil {
			if err != io.EOF && lineInfo.Logf != nil {
				lineInfo.Logf("LineToPC error: %v", err)
			}
			break
		}
		if sm.line == lineno && sm.file == filename && sm.valid {
			if sm.isStmt {
				return sm.address
			} else if fallbackPC == 0 {
				fallbackPC = sm.address
			}
		}
	}
	return fallbackPC
}

func (sm *StateMachine) next() error {
	sm.started = true
	if sm.valid {
		sm.lastAddress, sm.lastFile, sm.lastLine = sm.address, sm.file, sm.line

		// valid is set by either a special opcode or a DW_LNS_copy, in both
		// cases we need to reset basic_block, prologue_end, epilogue_begin
		// and discriminator
		sm.basicBlock = false
		sm.prologueEnd = false
		sm.epilogueBegin = false
		sm.discriminator = 0
	}
	if sm.endSeq {
		sm.endSeq = false
		sm.file = ""
		if len(sm.dbl.FileNames) > 0 {
			sm.file = sm.dbl.FileNames[0].Path
		}
		sm.line = 1
		sm.column = 0
		sm.isa = 0
		sm.discriminator = 0
		sm.isStmt = sm.dbl.Prologue.InitialIsStmt == uint8(1)
		sm.basicBlock = false
		sm.address = sm.dbl.staticBase
		sm.opIndex = 0
		sm.lastAddress = ^uint64(0)
	}
	b, err := sm.buf.ReadByte()
	if err != nil {
		return err
	}
	if b < sm.dbl.Prologue.OpcodeBase {
		if int(b) < len(sm.opcodes) {
			sm.valid = false
			sm.opcodes[b](sm, sm.buf)
		} else {
			// unimplemented standard opcode, read the number of arguments
			// specified in the prologue and do nothing with them
			opnum := sm.dbl.Prologue.StdOpLengths[b-1]
			for i := 0; i < int(opnum); i++ {
				util.DecodeSLEB128(sm.buf)
			}
			if sm.dbl.Logf != nil {
				sm.dbl.Logf("unknown opcode %#x, %d arguments, file %s, line %d, address %#x", b, opnum, sm.file, sm.line, sm.address)
			}
		}
	} else {
		execSpecialOpcode(sm, b)
	}
	return nil
}

func execSpecialOpcode(sm *StateMachine, instr byte) {
	var (
		opcode  = uint8(instr)
		decoded = opcode - sm.dbl.Prologue.OpcodeBase
	)

	sm.lastDelta = int(sm.dbl.Prologue.LineBase + int8(decoded%sm.dbl.Prologue.LineRange))
	sm.line += sm.lastDelta
	sm.advanceAddress(uint64(decoded / sm.dbl.Prologue.LineRange))
	sm.valid = true
}

// advanceAddress applies an operation advance to the address and
// op_index registers. For max_ops > 1 (VLIW targets) the address only
// moves when the operation index wraps around the bundle.
func (sm *StateMachine) advanceAddress(opAdvance uint64) {
	p := sm.dbl.Prologue
	if p.MaxOpPerInstr < 2 {
		sm.address += opAdvance * uint64(p.MinInstrLength)
		return
	}
	maxOps := uint64(p.MaxOpPerInstr)
	sm.address += uint64(p.MinInstrLength) * ((sm.opIndex + opAdvance) / maxOps)
	sm.opIndex = (sm.opIndex + opAdvance) % maxOps
}

func execExtendedOpcode(sm *StateMachine, buf *bytes.Buffer) {
	length, _ := util.DecodeULEB128(buf)
	startLen := buf.Len()
	b, _ := buf.ReadByte()
	if fn, ok := extendedopcodes[b]; ok {
		fn(sm, buf)
	}
	// The declared instruction length covers the sub-opcode and its
	// operands. Skip whatever an unknown or partially handled opcode
	// left behind so the program stays synchronized.
	if skip := int(length) - (startLen - buf.Len()); skip > 0 {
		buf.Next(skip)
	}
}

func copyfn(sm *StateMachine, buf *bytes.Buffer) {
	sm.valid = true
}

func advancepc(sm *StateMachine, buf *bytes.Buffer) {
	addr, _ := util.DecodeULEB128(buf)
	sm.advanceAddress(addr)
}

func advanceline(sm *StateMachine, buf *bytes.Buffer) {
	line, _ := util.DecodeSLEB128(buf)
	sm.line += int(line)
	sm.lastDelta = int(line)
}

func setfile(sm *StateMachine, buf *bytes.Buffer) {
	i, _ := util.DecodeULEB128(buf)
	if i-1 < uint64(len(sm.dbl.FileNames)) {
		sm.file = sm.dbl.FileNames[i-1].Path
	} else {
		j := (i - 1) - uint64(len(sm.dbl.FileNames))
		if j < uint64(len(sm.definedFiles)) {
			sm.file = sm.definedFiles[j].Path
		} else {
			sm.file = ""
			if sm.dbl.Logf != nil {
				sm.dbl.Logf("set_file index %d out of range", i)
			}
		}
	}
}

func setcolumn(sm *StateMachine, buf *bytes.Buffer) {
	c, _ := util.DecodeULEB128(buf)
	sm.column = uint(c)
}

func negatestmt(sm *StateMachine, buf *bytes.Buffer) {
	sm.isStmt = !sm.isStmt
}

func setbasicblock(sm *StateMachine, buf *bytes.Buffer) {
	sm.basicBlock = true
}

func constaddpc(sm *StateMachine, buf *bytes.Buffer) {
	sm.advanceAddress(uint64((255 - sm.dbl.Prologue.OpcodeBase) / sm.dbl.Prologue.LineRange))
}

func fixedadvancepc(sm *StateMachine, buf *bytes.Buffer) {
	var operand uint16
	binary.Read(buf, binary.LittleEndian, &operand)

	sm.address += uint64(operand)
	sm.opIndex = 0
}

func endsequence(sm *StateMachine, buf *bytes.Buffer) {
	sm.endSeq = true
	sm.valid = true
}

func setaddress(sm *StateMachine, buf *bytes.Buffer) {
	addr, err := util.ReadUintRaw(buf, binary.LittleEndian, sm.dbl.ptrSize)
	if err != nil {
		return
	}
	sm.address = addr + sm.dbl.staticBase
	sm.opIndex = 0
}

func setdiscriminator(sm *StateMachine, buf *bytes.Buffer) {
	d, _ := util.DecodeULEB128(buf)
	sm.discriminator = d
}

func definefile(sm *StateMachine, buf *bytes.Buffer) {
	entry, err := readFileEntry(sm.dbl, sm.buf, false)
	if err != nil {
		if sm.dbl.Logf != nil {
			sm.dbl.Logf("define_file: %v", err)
		}
		return
	}
	sm.definedFiles = append(sm.definedFiles, entry)
}

func prologueend(sm *StateMachine, buf *bytes.Buffer) {
	sm.prologueEnd = true
}

func epiloguebegin(sm *StateMachine, buf *bytes.Buffer) {
	sm.epilogueBegin = true
}

func setisa(sm *StateMachine, buf *bytes.Buffer) {
	c, _ := util.DecodeULEB128(buf)
	sm.isa = c
}
