package dwarfbuilder

import (
	"bytes"

	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
	"github.com/kerndbg/kerndbg/pkg/dwarf/op"
)

// LocationBlock writes a DWARF expression, the arguments can either be
// op.Opcode, int or uint. The first one is written as a single byte,
// ints are written as SLEB128s and uints are written as ULEB128s.
func LocationBlock(args ...interface{}) []byte {
	var buf bytes.Buffer
	for _, arg := range args {
		switch x := arg.(type) {
		case op.Opcode:
			buf.WriteByte(byte(x))
		case int:
			leb128.EncodeSigned(&buf, int64(x))
		case uint:
			leb128.EncodeUnsigned(&buf, uint64(x))
		default:
			panic("unsupported value type")
		}
	}
	return buf.Bytes()
}
