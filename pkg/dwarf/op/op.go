// Package op evaluates DWARF location expressions: little stack
// programs that compute where a variable lives at a given point of
// execution.
package op

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kerndbg/kerndbg/pkg/dwarf/util"
)

const maxStackDepth = 64

var (
	ErrStackUnderflow = errors.New("DWARF expression stack underflow")
	ErrStackOverflow  = errors.New("DWARF expression stack overflow")
)

// LocationType classifies where a computed location points.
type LocationType int

const (
	LocationInvalid LocationType = iota
	LocationMemory
	LocationRegister
	LocationKnownValue
	LocationKnownData
	LocationUndefined
)

// Location is the result of evaluating a location expression. Composite
// locations chain additional pieces through Next, each piece sized by
// BitSize.
type Location struct {
	Type LocationType

	Address      uint64 // LocationMemory
	AddressSpace uint64
	Register     uint64 // LocationRegister
	Value        uint64 // LocationKnownValue
	Data         []byte // LocationKnownData

	// BitSize is zero when the location covers the whole object.
	BitSize   uint64
	BitOffset uint64
	Next      *Location
}

// Context supplies the runtime state a location expression may consult.
// Callbacks left nil cause the opcodes needing them to fail, so purely
// static expressions evaluate without a live target.
type Context struct {
	PtrSize   int
	ByteOrder binary.ByteOrder

	// StaticBase is added to DW_OP_addr operands to translate link
	// time addresses into loaded ones.
	StaticBase uint64

	// ObjectAddress backs DW_OP_push_object_address, used by member
	// locations evaluated relative to a structure.
	ObjectAddress uint64

	// Constant makes the final stack top a value instead of a memory
	// address, for DW_AT_const_value style expressions.
	Constant bool

	// InitialPush seeds the evaluation stack before the first opcode
	// runs. Call frame information rules evaluate their expressions
	// with the CFA already pushed.
	InitialPush []int64

	FrameBase    func() (int64, error)
	CFA          func() (uint64, error)
	ReadMemory   func(addr uint64, size int, addressSpace uint64) ([]byte, error)
	ReadRegister func(regNum uint64) (uint64, error)
	TLSAddress   func(offset uint64) (uint64, error)
}

type context struct {
	buf    *bytes.Buffer
	prog   []byte
	stack  []int64
	pieces []Location

	// cur holds a pending register or value designation waiting to be
	// either the whole result or sized by a following piece opcode.
	cur     Location
	haveCur bool

	// constant stays true until the expression touches the target;
	// only then can the final stack top still denote a plain value.
	constant bool

	*Context
}

// ExecuteStackProgram evaluates a location expression and returns the
// location it denotes. An expression left with a value on the stack
// denotes memory at that address unless ctx.Constant is set; an empty
// expression denotes an undefined location.
func ExecuteStackProgram(ctx *Context, instructions []byte) (*Location, error) {
	ctxt := &context{
		buf:      bytes.NewBuffer(instructions),
		prog:     instructions,
		stack:    make([]int64, 0, 3),
		constant: ctx.Constant,
		Context:  ctx,
	}
	ctxt.stack = append(ctxt.stack, ctx.InitialPush...)

	for {
		opcodeByte, err := ctxt.buf.ReadByte()
		if err != nil {
			break
		}
		opcode := Opcode(opcodeByte)
		if ctxt.haveCur && opcode != DW_OP_piece && opcode != DW_OP_bit_piece {
			break
		}
		fn, ok := oplut[opcode]
		if !ok {
			return nil, fmt.Errorf("invalid instruction %#x", opcodeByte)
		}
		if err := fn(opcode, ctxt); err != nil {
			return nil, err
		}
	}

	return ctxt.result(), nil
}

func (ctxt *context) result() *Location {
	if len(ctxt.pieces) > 0 {
		for i := range ctxt.pieces[:len(ctxt.pieces)-1] {
			ctxt.pieces[i].Next = &ctxt.pieces[i+1]
		}
		return &ctxt.pieces[0]
	}
	if ctxt.haveCur {
		loc := ctxt.cur
		return &loc
	}
	if len(ctxt.stack) > 0 {
		top := ctxt.stack[len(ctxt.stack)-1]
		if ctxt.constant {
			return &Location{Type: LocationKnownValue, Value: uint64(top)}
		}
		return &Location{Type: LocationMemory, Address: uint64(top)}
	}
	return &Location{Type: LocationUndefined}
}

// PrettyPrint disassembles a location expression to out.
func PrettyPrint(out io.Writer, instructions []byte) {
	in := bytes.NewBuffer(instructions)

	for {
		opcode, err := in.ReadByte()
		if err != nil {
			break
		}
		if name, hasname := opcodeName[Opcode(opcode)]; hasname {
			io.WriteString(out, name)
			out.Write([]byte{' '})
		} else {
			fmt.Fprintf(out, "%#x ", opcode)
		}
		for _, arg := range opcodeArgs[Opcode(opcode)] {
			switch arg {
			case 's':
				n, _ := util.DecodeSLEB128(in)
				fmt.Fprintf(out, "%#x ", n)
			case 'u':
				n, _ := util.DecodeULEB128(in)
				fmt.Fprintf(out, "%#x ", n)
			case '1':
				var x uint8
				binary.Read(in, binary.LittleEndian, &x)
				fmt.Fprintf(out, "%#x ", x)
			case '2':
				var x uint16
				binary.Read(in, binary.LittleEndian, &x)
				fmt.Fprintf(out, "%#x ", x)
			case '4':
				var x uint32
				binary.Read(in, binary.LittleEndian, &x)
				fmt.Fprintf(out, "%#x ", x)
			case '8':
				var x uint64
				binary.Read(in, binary.LittleEndian, &x)
				fmt.Fprintf(out, "%#x ", x)
			case 'B':
				sz, _ := util.DecodeULEB128(in)
				data := make([]byte, sz)
				sz2, _ := in.Read(data)
				data = data[:sz2]
				fmt.Fprintf(out, "%d [%x] ", sz, data)
			}
		}
	}
}

func (ctxt *context) push(n int64) error {
	if len(ctxt.stack) >= maxStackDepth {
		return ErrStackOverflow
	}
	ctxt.stack = append(ctxt.stack, n)
	return nil
}

func (ctxt *context) pop() (int64, error) {
	if len(ctxt.stack) == 0 {
		return 0, ErrStackUnderflow
	}
	n := ctxt.stack[len(ctxt.stack)-1]
	ctxt.stack = ctxt.stack[:len(ctxt.stack)-1]
	return n, nil
}

func (ctxt *context) order() binary.ByteOrder {
	if ctxt.ByteOrder != nil {
		return ctxt.ByteOrder
	}
	return binary.LittleEndian
}

func addr(opcode Opcode, ctxt *context) error {
	ptrSize := ctxt.PtrSize
	if ptrSize == 0 {
		ptrSize = 8
	}
	n, err := util.ReadUintRaw(ctxt.buf, ctxt.order(), ptrSize)
	if err != nil {
		return err
	}
	return ctxt.push(int64(n + ctxt.StaticBase))
}

func deref(opcode Opcode, ctxt *context) error {
	size := ctxt.PtrSize
	if size == 0 {
		size = 8
	}
	if opcode == DW_OP_deref_size || opcode == DW_OP_xderef_size {
		b, err := ctxt.buf.ReadByte()
		if err != nil {
			return err
		}
		size = int(b)
		if size < 1 {
			return fmt.Errorf("bad dereference size %d", size)
		}
		if ptrSize := ctxt.PtrSize; ptrSize > 0 && size > ptrSize {
			size = ptrSize
		}
	}

	address, err := ctxt.pop()
	if err != nil {
		return err
	}
	addressSpace := uint64(0)
	if opcode == DW_OP_xderef || opcode == DW_OP_xderef_size {
		space, err := ctxt.pop()
		if err != nil {
			return err
		}
		addressSpace = uint64(space)
	}

	if ctxt.ReadMemory == nil {
		return fmt.Errorf("%s requires a live target", opcodeName[opcode])
	}
	ctxt.constant = false
	mem, err := ctxt.ReadMemory(uint64(address), size, addressSpace)
	if err != nil {
		return err
	}
	if len(mem) < size {
		return util.ErrShortRead
	}

	buf := make([]byte, 8)
	if ctxt.order() == binary.LittleEndian {
		copy(buf, mem[:size])
	} else {
		copy(buf[8-size:], mem[:size])
	}
	return ctxt.push(int64(ctxt.order().Uint64(buf[:8])))
}

func constnu(opcode Opcode, ctxt *context) error {
	var width int
	switch opcode {
	case DW_OP_const1u:
		width = 1
	case DW_OP_const2u:
		width = 2
	case DW_OP_const4u:
		width = 4
	default:
		width = 8
	}
	n, err := util.ReadUintRaw(ctxt.buf, ctxt.order(), width)
	if err != nil {
		return err
	}
	return ctxt.push(int64(n))
}

func constns(opcode Opcode, ctxt *context) error {
	var width int
	switch opcode {
	case DW_OP_const1s:
		width = 1
	case DW_OP_const2s:
		width = 2
	case DW_OP_const4s:
		width = 4
	default:
		width = 8
	}
	n, err := util.ReadUintRaw(ctxt.buf, ctxt.order(), width)
	if err != nil {
		return err
	}
	// sign extend from the operand width
	shift := uint(64 - width*8)
	return ctxt.push(int64(n) << shift >> shift)
}

func constu(opcode Opcode, ctxt *context) error {
	n, _ := util.DecodeULEB128(ctxt.buf)
	return ctxt.push(int64(n))
}

func consts(opcode Opcode, ctxt *context) error {
	n, _ := util.DecodeSLEB128(ctxt.buf)
	return ctxt.push(n)
}

func dup(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) == 0 {
		return ErrStackUnderflow
	}
	return ctxt.push(ctxt.stack[len(ctxt.stack)-1])
}

func drop(opcode Opcode, ctxt *context) error {
	_, err := ctxt.pop()
	return err
}

func over(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) < 2 {
		return ErrStackUnderflow
	}
	return ctxt.push(ctxt.stack[len(ctxt.stack)-2])
}

func pick(opcode Opcode, ctxt *context) error {
	n, err := ctxt.buf.ReadByte()
	if err != nil {
		return err
	}
	if int(n) >= len(ctxt.stack) {
		return ErrStackUnderflow
	}
	return ctxt.push(ctxt.stack[len(ctxt.stack)-1-int(n)])
}

func swap(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) < 2 {
		return ErrStackUnderflow
	}
	slen := len(ctxt.stack)
	ctxt.stack[slen-1], ctxt.stack[slen-2] = ctxt.stack[slen-2], ctxt.stack[slen-1]
	return nil
}

func rot(opcode Opcode, ctxt *context) error {
	if len(ctxt.stack) < 3 {
		return ErrStackUnderflow
	}
	slen := len(ctxt.stack)
	top := ctxt.stack[slen-1]
	ctxt.stack[slen-1] = ctxt.stack[slen-2]
	ctxt.stack[slen-2] = ctxt.stack[slen-3]
	ctxt.stack[slen-3] = top
	return nil
}

func unaryop(opcode Opcode, ctxt *context) error {
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	switch opcode {
	case DW_OP_abs:
		if a < 0 {
			a = -a
		}
	case DW_OP_neg:
		a = -a
	case DW_OP_not:
		a = ^a
	}
	return ctxt.push(a)
}

func binaryop(opcode Opcode, ctxt *context) error {
	b, err := ctxt.pop()
	if err != nil {
		return err
	}
	a, err := ctxt.pop()
	if err != nil {
		return err
	}

	var r int64
	switch opcode {
	case DW_OP_and:
		r = a & b
	case DW_OP_div:
		if b == 0 {
			return errors.New("DWARF expression division by zero")
		}
		r = a / b
	case DW_OP_minus:
		r = a - b
	case DW_OP_mod:
		if b == 0 {
			return errors.New("DWARF expression division by zero")
		}
		r = a % b
	case DW_OP_mul:
		r = a * b
	case DW_OP_or:
		r = a | b
	case DW_OP_plus:
		r = a + b
	case DW_OP_shl:
		r = int64(uint64(a) << uint64(b))
	case DW_OP_shr:
		r = int64(uint64(a) >> uint64(b))
	case DW_OP_shra:
		r = a >> uint64(b)
	case DW_OP_xor:
		r = a ^ b
	case DW_OP_eq:
		r = bool2int(a == b)
	case DW_OP_ge:
		r = bool2int(a >= b)
	case DW_OP_gt:
		r = bool2int(a > b)
	case DW_OP_le:
		r = bool2int(a <= b)
	case DW_OP_lt:
		r = bool2int(a < b)
	case DW_OP_ne:
		r = bool2int(a != b)
	}
	return ctxt.push(r)
}

func bool2int(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func plusuconst(opcode Opcode, ctxt *context) error {
	n, _ := util.DecodeULEB128(ctxt.buf)
	a, err := ctxt.pop()
	if err != nil {
		return err
	}
	return ctxt.push(a + int64(n))
}

func branch(opcode Opcode, ctxt *context) error {
	n, err := util.ReadUintRaw(ctxt.buf, ctxt.order(), 2)
	if err != nil {
		return err
	}
	offset := int64(int16(n))
	if opcode == DW_OP_bra {
		cond, err := ctxt.pop()
		if err != nil {
			return err
		}
		if cond == 0 {
			return nil
		}
	}

	pos := int64(len(ctxt.prog)-ctxt.buf.Len()) + offset
	if pos < 0 || pos > int64(len(ctxt.prog)) {
		return fmt.Errorf("branch target %d out of range", pos)
	}
	ctxt.buf = bytes.NewBuffer(ctxt.prog[pos:])
	return nil
}

func literal(opcode Opcode, ctxt *context) error {
	return ctxt.push(int64(opcode - DW_OP_lit0))
}

func register(opcode Opcode, ctxt *context) error {
	var regNum uint64
	if opcode == DW_OP_regx {
		regNum, _ = util.DecodeULEB128(ctxt.buf)
	} else {
		regNum = uint64(opcode - DW_OP_reg0)
	}
	ctxt.cur = Location{Type: LocationRegister, Register: regNum}
	ctxt.haveCur = true
	return nil
}

func baseregister(opcode Opcode, ctxt *context) error {
	var regNum uint64
	if opcode == DW_OP_bregx {
		regNum, _ = util.DecodeULEB128(ctxt.buf)
	} else {
		regNum = uint64(opcode - DW_OP_breg0)
	}
	offset, _ := util.DecodeSLEB128(ctxt.buf)

	if ctxt.ReadRegister == nil {
		return fmt.Errorf("%s requires a live target", opcodeName[opcode])
	}
	ctxt.constant = false
	base, err := ctxt.ReadRegister(regNum)
	if err != nil {
		return err
	}
	return ctxt.push(int64(base) + offset)
}

func framebase(opcode Opcode, ctxt *context) error {
	offset, _ := util.DecodeSLEB128(ctxt.buf)
	if ctxt.FrameBase == nil {
		return errors.New("DW_OP_fbreg with no frame base available")
	}
	fb, err := ctxt.FrameBase()
	if err != nil {
		return err
	}
	return ctxt.push(fb + offset)
}

func callframecfa(opcode Opcode, ctxt *context) error {
	if ctxt.CFA == nil {
		return errors.New("DW_OP_call_frame_cfa with no call frame information")
	}
	cfa, err := ctxt.CFA()
	if err != nil {
		return err
	}
	return ctxt.push(int64(cfa))
}

func pushobjectaddress(opcode Opcode, ctxt *context) error {
	return ctxt.push(int64(ctxt.ObjectAddress))
}

func tlsaddress(opcode Opcode, ctxt *context) error {
	offset, err := ctxt.pop()
	if err != nil {
		return err
	}
	if ctxt.TLSAddress == nil {
		return fmt.Errorf("%s requires thread local storage resolution", opcodeName[opcode])
	}
	ctxt.constant = false
	address, err := ctxt.TLSAddress(uint64(offset))
	if err != nil {
		return err
	}
	return ctxt.push(int64(address))
}

// finishPiece closes the current piece. A pending register or value
// designation becomes the piece; otherwise the stack top names memory
// and an empty stack leaves the piece undefined. The stack does not
// carry over between pieces.
func (ctxt *context) finishPiece(bitSize, bitOffset uint64) {
	var loc Location
	switch {
	case ctxt.haveCur:
		loc = ctxt.cur
	case len(ctxt.stack) > 0:
		loc = Location{Type: LocationMemory, Address: uint64(ctxt.stack[len(ctxt.stack)-1])}
	default:
		loc = Location{Type: LocationUndefined}
	}
	loc.BitSize = bitSize
	loc.BitOffset = bitOffset
	ctxt.pieces = append(ctxt.pieces, loc)
	ctxt.stack = ctxt.stack[:0]
	ctxt.haveCur = false
}

func piece(opcode Opcode, ctxt *context) error {
	sz, _ := util.DecodeULEB128(ctxt.buf)
	ctxt.finishPiece(sz*8, 0)
	return nil
}

func bitpiece(opcode Opcode, ctxt *context) error {
	sz, _ := util.DecodeULEB128(ctxt.buf)
	offset, _ := util.DecodeULEB128(ctxt.buf)
	ctxt.finishPiece(sz, offset)
	return nil
}

func implicitvalue(opcode Opcode, ctxt *context) error {
	sz, _ := util.DecodeULEB128(ctxt.buf)
	if sz > uint64(ctxt.buf.Len()) {
		return util.ErrShortRead
	}
	data := make([]byte, sz)
	copy(data, ctxt.buf.Next(int(sz)))
	ctxt.cur = Location{Type: LocationKnownData, Data: data}
	ctxt.haveCur = true
	return nil
}

func stackvalue(opcode Opcode, ctxt *context) error {
	v, err := ctxt.pop()
	if err != nil {
		return err
	}
	ctxt.cur = Location{Type: LocationKnownValue, Value: uint64(v)}
	ctxt.haveCur = true
	return nil
}

func call(opcode Opcode, ctxt *context) error {
	return fmt.Errorf("%s not implemented", opcodeName[opcode])
}

// gnuentryvalue skips the nested expression and pushes zero. Entry
// value recovery would need the caller's frame, which is not available
// here.
func gnuentryvalue(opcode Opcode, ctxt *context) error {
	sz, _ := util.DecodeULEB128(ctxt.buf)
	if sz > uint64(ctxt.buf.Len()) {
		return util.ErrShortRead
	}
	ctxt.buf.Next(int(sz))
	return ctxt.push(0)
}

func gnuimplicitpointer(opcode Opcode, ctxt *context) error {
	ptrSize := ctxt.PtrSize
	if ptrSize == 0 {
		ptrSize = 8
	}
	if _, err := util.ReadUintRaw(ctxt.buf, ctxt.order(), ptrSize); err != nil {
		return err
	}
	util.DecodeSLEB128(ctxt.buf)
	ctxt.cur = Location{Type: LocationUndefined}
	ctxt.haveCur = true
	return nil
}

func gnuconsttype(opcode Opcode, ctxt *context) error {
	util.DecodeULEB128(ctxt.buf) // type DIE offset
	sz, err := ctxt.buf.ReadByte()
	if err != nil {
		return err
	}
	if int(sz) > ctxt.buf.Len() {
		return util.ErrShortRead
	}
	raw := ctxt.buf.Next(int(sz))
	buf := make([]byte, 8)
	n := len(raw)
	if n > 8 {
		n = 8
	}
	if ctxt.order() == binary.LittleEndian {
		copy(buf, raw[:n])
	} else {
		copy(buf[8-n:], raw[:n])
	}
	return ctxt.push(int64(ctxt.order().Uint64(buf)))
}

func gnuregvaltype(opcode Opcode, ctxt *context) error {
	regNum, _ := util.DecodeULEB128(ctxt.buf)
	util.DecodeULEB128(ctxt.buf) // type DIE offset
	if ctxt.ReadRegister == nil {
		return fmt.Errorf("%s requires a live target", opcodeName[opcode])
	}
	ctxt.constant = false
	v, err := ctxt.ReadRegister(regNum)
	if err != nil {
		return err
	}
	return ctxt.push(int64(v))
}

func gnudereftype(opcode Opcode, ctxt *context) error {
	sz, err := ctxt.buf.ReadByte()
	if err != nil {
		return err
	}
	util.DecodeULEB128(ctxt.buf) // type DIE offset

	size := int(sz)
	if ptrSize := ctxt.PtrSize; ptrSize > 0 && size > ptrSize {
		size = ptrSize
	}
	address, err := ctxt.pop()
	if err != nil {
		return err
	}
	if ctxt.ReadMemory == nil {
		return fmt.Errorf("%s requires a live target", opcodeName[opcode])
	}
	ctxt.constant = false
	mem, err := ctxt.ReadMemory(uint64(address), size, 0)
	if err != nil {
		return err
	}
	if len(mem) < size {
		return util.ErrShortRead
	}
	buf := make([]byte, 8)
	if ctxt.order() == binary.LittleEndian {
		copy(buf, mem[:size])
	} else {
		copy(buf[8-size:], mem[:size])
	}
	return ctxt.push(int64(ctxt.order().Uint64(buf)))
}

func gnuconvert(opcode Opcode, ctxt *context) error {
	util.DecodeULEB128(ctxt.buf)
	return nil
}

func gnuparameterref(opcode Opcode, ctxt *context) error {
	if _, err := util.ReadUintRaw(ctxt.buf, ctxt.order(), 4); err != nil {
		return err
	}
	return ctxt.push(0)
}

func nop(opcode Opcode, ctxt *context) error {
	return nil
}

func notimplemented(opcode Opcode, ctxt *context) error {
	return fmt.Errorf("%s not implemented", opcodeName[opcode])
}
