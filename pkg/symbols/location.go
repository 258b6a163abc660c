package symbols

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/kerndbg/kerndbg/pkg/dwarf/info"
	"github.com/kerndbg/kerndbg/pkg/dwarf/loclist"
	"github.com/kerndbg/kerndbg/pkg/dwarf/op"
	"github.com/kerndbg/kerndbg/pkg/target"
)

// attrExpression turns a location attribute into the expression bytes
// valid at pc. Section offset forms (and the data4/data8 spelling DWARF
// 2 and 3 producers used) select an entry from .debug_loc; block forms
// are the expression itself.
func (s *Symbols) attrExpression(attr info.AttrValue, u *info.Unit, base uint64, pc uint64) ([]byte, error) {
	isLoclist := attr.Form == info.DW_FORM_sec_offset
	if !isLoclist && u.Version < 4 {
		isLoclist = attr.Form == info.DW_FORM_data4 || attr.Form == info.DW_FORM_data8
	}

	if isLoclist {
		off, ok := attr.Value.(uint64)
		if !ok {
			return nil, ErrNoLocation
		}
		if s.debugLoc == nil {
			return nil, fmt.Errorf("%w: no .debug_loc section", ErrNoLocation)
		}
		rdr := loclist.New(s.debugLoc, int(u.AddressSize))
		e := rdr.Find(int(off), 0, base, pc)
		if e == nil {
			return nil, ErrNoLocation
		}
		return e.Instr, nil
	}

	if attr.Form.IsBlock() {
		expr, ok := attr.Value.([]byte)
		if !ok {
			return nil, ErrNoLocation
		}
		return expr, nil
	}

	return nil, nil
}

// evalContext builds the expression evaluation context for a symbol of
// fn (which may be nil) at pc.
func (s *Symbols) evalContext(t target.Target, u *info.Unit, fn *Function, pc uint64) *op.Context {
	ctx := &op.Context{
		PtrSize:   int(u.AddressSize),
		ByteOrder: binary.LittleEndian,
	}
	if t != nil {
		ctx.ReadMemory = func(addr uint64, size int, addressSpace uint64) ([]byte, error) {
			data, err := t.ReadMemory(addr, size, addressSpace)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTargetIO, err)
			}
			return data, nil
		}
		ctx.ReadRegister = func(regNum uint64) (uint64, error) {
			v, err := t.ReadRegister(regNum)
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrTargetIO, err)
			}
			return v, nil
		}
	}
	ctx.CFA = func() (uint64, error) {
		sf, err := s.StackUnwind(t, pc, true)
		if err != nil {
			return 0, err
		}
		return sf.FramePointer, nil
	}
	if fn != nil && fn.hasFrameBase {
		ctx.FrameBase = func() (int64, error) {
			return s.frameBase(t, fn, pc)
		}
	}
	return ctx
}

// frameBase evaluates a function's DW_AT_frame_base at pc. The result
// is an address: either directly, or the value of the named register.
func (s *Symbols) frameBase(t target.Target, fn *Function, pc uint64) (int64, error) {
	base := uint64(0)
	if fn.Source != nil {
		base = fn.Source.StartAddress
	}
	expr, err := s.attrExpression(fn.FrameBase, fn.unit, base, pc)
	if err != nil {
		return 0, err
	}
	if expr == nil {
		return 0, fmt.Errorf("%w: frame base of %s", ErrNotSupported, fn.Name)
	}

	// No FrameBase callback here, a frame base must not use DW_OP_fbreg.
	ctx := s.evalContext(t, fn.unit, nil, pc)
	loc, err := op.ExecuteStackProgram(ctx, expr)
	if err != nil {
		return 0, err
	}
	switch loc.Type {
	case op.LocationMemory:
		return int64(loc.Address), nil
	case op.LocationRegister:
		v, err := ctx.ReadRegister(loc.Register)
		return int64(v), err
	}
	return 0, fmt.Errorf("%w: frame base of %s", ErrNotSupported, fn.Name)
}

// resolveLocation evaluates a data symbol's location at pc.
func (s *Symbols) resolveLocation(t target.Target, sym *DataSymbol, pc uint64) (*op.Location, error) {
	base := uint64(0)
	if sym.Source != nil {
		base = sym.Source.StartAddress
	}

	var expr []byte
	key := locCacheKey{sym: sym, pc: pc}
	if cached, ok := s.locCache.Get(key); ok {
		expr = cached.([]byte)
	} else {
		var err error
		expr, err = s.attrExpression(sym.Location, sym.unit, base, pc)
		if err != nil {
			return nil, err
		}
		if expr != nil {
			s.locCache.Add(key, expr)
		}
	}

	if expr == nil {
		// A bare constant is the symbol's value.
		if sym.Location.Form.IsConstant() {
			loc := &op.Location{Type: op.LocationKnownValue}
			switch v := sym.Location.Value.(type) {
			case uint64:
				loc.Value = v
			case int64:
				loc.Value = uint64(v)
			case bool:
				if v {
					loc.Value = 1
				}
			default:
				return nil, ErrNoLocation
			}
			return loc, nil
		}
		return nil, ErrNoLocation
	}

	ctx := s.evalContext(t, sym.unit, sym.Function, pc)
	return op.ExecuteStackProgram(ctx, expr)
}

// ReadDataSymbol resolves sym's location at pc and copies its bytes
// into buf, which should be sized to the symbol's type. It returns a
// human readable description of where the bytes came from, one chunk
// per piece: "[0xADDR]" for memory, "@reg" for registers, "<const>"
// for known values, "<undef>" for undefined pieces, each with an
// "[hi:lo]" suffix when the piece covers a bit range. buf is zeroed
// first; a failure part way through fails the whole call.
func (s *Symbols) ReadDataSymbol(t target.Target, sym *DataSymbol, pc uint64, buf []byte) (string, error) {
	loc, err := s.resolveLocation(t, sym, pc)
	if err != nil {
		return "", err
	}

	for i := range buf {
		buf[i] = 0
	}

	ptrSize := int(sym.unit.AddressSize)
	var chunks []string
	off := 0

	for piece := loc; piece != nil; piece = piece.Next {
		size := int(piece.BitSize+7) / 8
		if size == 0 || size > len(buf)-off {
			size = len(buf) - off
		}

		var text string
		switch piece.Type {
		case op.LocationMemory:
			data, err := t.ReadMemory(piece.Address, size, piece.AddressSpace)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrTargetIO, err)
			}
			copy(buf[off:off+size], data)
			text = fmt.Sprintf("[0x%x]", piece.Address)

		case op.LocationRegister:
			v, err := t.ReadRegister(piece.Register)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrTargetIO, err)
			}
			copyUint(buf[off:off+size], v, ptrSize)
			text = "@" + t.RegisterName(piece.Register)

		case op.LocationKnownValue:
			copyUint(buf[off:off+size], piece.Value, ptrSize)
			text = "<const>"

		case op.LocationKnownData:
			copy(buf[off:off+size], piece.Data)
			text = "<const>"

		case op.LocationUndefined:
			text = "<undef>"

		default:
			return "", fmt.Errorf("%w: location type %d", ErrNotSupported, piece.Type)
		}

		// Bit granular pieces are reported but copied byte aligned;
		// sub-byte packing across pieces is not reassembled.
		if piece.BitSize != 0 {
			text += fmt.Sprintf("[%d:%d]", piece.BitOffset+piece.BitSize-1, piece.BitOffset)
		}
		chunks = append(chunks, text)
		off += size
		if off >= len(buf) {
			break
		}
	}

	return strings.Join(chunks, ", "), nil
}

func copyUint(dst []byte, v uint64, ptrSize int) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	n := ptrSize
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, tmp[:n])
}

// AddressOfDataSymbol resolves sym's location at pc; only a plain
// memory location yields an address.
func (s *Symbols) AddressOfDataSymbol(t target.Target, sym *DataSymbol, pc uint64) (uint64, error) {
	loc, err := s.resolveLocation(t, sym, pc)
	if err != nil {
		return 0, err
	}
	if loc.Type != op.LocationMemory || loc.Next != nil {
		return 0, ErrNotMemory
	}
	return loc.Address, nil
}
