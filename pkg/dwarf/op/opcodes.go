package op

import "fmt"

// Opcode represents a DWARF stack program instruction.
type Opcode byte

const (
	DW_OP_addr        Opcode = 0x03
	DW_OP_deref       Opcode = 0x06
	DW_OP_const1u     Opcode = 0x08
	DW_OP_const1s     Opcode = 0x09
	DW_OP_const2u     Opcode = 0x0a
	DW_OP_const2s     Opcode = 0x0b
	DW_OP_const4u     Opcode = 0x0c
	DW_OP_const4s     Opcode = 0x0d
	DW_OP_const8u     Opcode = 0x0e
	DW_OP_const8s     Opcode = 0x0f
	DW_OP_constu      Opcode = 0x10
	DW_OP_consts      Opcode = 0x11
	DW_OP_dup         Opcode = 0x12
	DW_OP_drop        Opcode = 0x13
	DW_OP_over        Opcode = 0x14
	DW_OP_pick        Opcode = 0x15
	DW_OP_swap        Opcode = 0x16
	DW_OP_rot         Opcode = 0x17
	DW_OP_xderef      Opcode = 0x18
	DW_OP_abs         Opcode = 0x19
	DW_OP_and         Opcode = 0x1a
	DW_OP_div         Opcode = 0x1b
	DW_OP_minus       Opcode = 0x1c
	DW_OP_mod         Opcode = 0x1d
	DW_OP_mul         Opcode = 0x1e
	DW_OP_neg         Opcode = 0x1f
	DW_OP_not         Opcode = 0x20
	DW_OP_or          Opcode = 0x21
	DW_OP_plus        Opcode = 0x22
	DW_OP_plus_uconst Opcode = 0x23
	DW_OP_shl         Opcode = 0x24
	DW_OP_shr         Opcode = 0x25
	DW_OP_shra        Opcode = 0x26
	DW_OP_xor         Opcode = 0x27
	DW_OP_bra         Opcode = 0x28
	DW_OP_eq          Opcode = 0x29
	DW_OP_ge          Opcode = 0x2a
	DW_OP_gt          Opcode = 0x2b
	DW_OP_le          Opcode = 0x2c
	DW_OP_lt          Opcode = 0x2d
	DW_OP_ne          Opcode = 0x2e
	DW_OP_skip        Opcode = 0x2f
	DW_OP_lit0        Opcode = 0x30
	DW_OP_lit31       Opcode = 0x4f
	DW_OP_reg0        Opcode = 0x50
	DW_OP_reg31       Opcode = 0x6f
	DW_OP_breg0       Opcode = 0x70
	DW_OP_breg31      Opcode = 0x8f
	DW_OP_regx        Opcode = 0x90
	DW_OP_fbreg       Opcode = 0x91
	DW_OP_bregx       Opcode = 0x92
	DW_OP_piece       Opcode = 0x93
	DW_OP_deref_size  Opcode = 0x94
	DW_OP_xderef_size Opcode = 0x95
	DW_OP_nop         Opcode = 0x96

	DW_OP_push_object_address Opcode = 0x97
	DW_OP_call2               Opcode = 0x98
	DW_OP_call4               Opcode = 0x99
	DW_OP_call_ref            Opcode = 0x9a
	DW_OP_form_tls_address    Opcode = 0x9b
	DW_OP_call_frame_cfa      Opcode = 0x9c
	DW_OP_bit_piece           Opcode = 0x9d
	DW_OP_implicit_value      Opcode = 0x9e
	DW_OP_stack_value         Opcode = 0x9f

	DW_OP_GNU_push_tls_address Opcode = 0xe0
	DW_OP_GNU_uninit           Opcode = 0xf0
	DW_OP_GNU_encoded_addr     Opcode = 0xf1
	DW_OP_GNU_implicit_pointer Opcode = 0xf2
	DW_OP_GNU_entry_value      Opcode = 0xf3
	DW_OP_GNU_const_type       Opcode = 0xf4
	DW_OP_GNU_regval_type      Opcode = 0xf5
	DW_OP_GNU_deref_type       Opcode = 0xf6
	DW_OP_GNU_convert          Opcode = 0xf7
	DW_OP_GNU_reinterpret      Opcode = 0xf9
	DW_OP_GNU_parameter_ref    Opcode = 0xfa
	DW_OP_GNU_addr_index       Opcode = 0xfb
	DW_OP_GNU_const_index      Opcode = 0xfc
)

type stackfn func(Opcode, *context) error

// oplut maps each opcode to the function implementing it. The argument
// strings describe operand encodings for the disassembler: 's' and 'u'
// are signed and unsigned LEB128, digits are fixed width little endian
// integers, 'B' is a LEB128 counted block.
var (
	oplut      = map[Opcode]stackfn{}
	opcodeName = map[Opcode]string{}
	opcodeArgs = map[Opcode]string{}
)

func op(opcode Opcode, name string, args string, fn stackfn) {
	oplut[opcode] = fn
	opcodeName[opcode] = name
	opcodeArgs[opcode] = args
}

func init() {
	op(DW_OP_addr, "DW_OP_addr", "8", addr)
	op(DW_OP_deref, "DW_OP_deref", "", deref)
	op(DW_OP_const1u, "DW_OP_const1u", "1", constnu)
	op(DW_OP_const1s, "DW_OP_const1s", "1", constns)
	op(DW_OP_const2u, "DW_OP_const2u", "2", constnu)
	op(DW_OP_const2s, "DW_OP_const2s", "2", constns)
	op(DW_OP_const4u, "DW_OP_const4u", "4", constnu)
	op(DW_OP_const4s, "DW_OP_const4s", "4", constns)
	op(DW_OP_const8u, "DW_OP_const8u", "8", constnu)
	op(DW_OP_const8s, "DW_OP_const8s", "8", constns)
	op(DW_OP_constu, "DW_OP_constu", "u", constu)
	op(DW_OP_consts, "DW_OP_consts", "s", consts)
	op(DW_OP_dup, "DW_OP_dup", "", dup)
	op(DW_OP_drop, "DW_OP_drop", "", drop)
	op(DW_OP_over, "DW_OP_over", "", over)
	op(DW_OP_pick, "DW_OP_pick", "1", pick)
	op(DW_OP_swap, "DW_OP_swap", "", swap)
	op(DW_OP_rot, "DW_OP_rot", "", rot)
	op(DW_OP_xderef, "DW_OP_xderef", "", deref)
	op(DW_OP_abs, "DW_OP_abs", "", unaryop)
	op(DW_OP_and, "DW_OP_and", "", binaryop)
	op(DW_OP_div, "DW_OP_div", "", binaryop)
	op(DW_OP_minus, "DW_OP_minus", "", binaryop)
	op(DW_OP_mod, "DW_OP_mod", "", binaryop)
	op(DW_OP_mul, "DW_OP_mul", "", binaryop)
	op(DW_OP_neg, "DW_OP_neg", "", unaryop)
	op(DW_OP_not, "DW_OP_not", "", unaryop)
	op(DW_OP_or, "DW_OP_or", "", binaryop)
	op(DW_OP_plus, "DW_OP_plus", "", binaryop)
	op(DW_OP_plus_uconst, "DW_OP_plus_uconst", "u", plusuconst)
	op(DW_OP_shl, "DW_OP_shl", "", binaryop)
	op(DW_OP_shr, "DW_OP_shr", "", binaryop)
	op(DW_OP_shra, "DW_OP_shra", "", binaryop)
	op(DW_OP_xor, "DW_OP_xor", "", binaryop)
	op(DW_OP_skip, "DW_OP_skip", "2", branch)
	op(DW_OP_bra, "DW_OP_bra", "2", branch)
	op(DW_OP_eq, "DW_OP_eq", "", binaryop)
	op(DW_OP_ge, "DW_OP_ge", "", binaryop)
	op(DW_OP_gt, "DW_OP_gt", "", binaryop)
	op(DW_OP_le, "DW_OP_le", "", binaryop)
	op(DW_OP_lt, "DW_OP_lt", "", binaryop)
	op(DW_OP_ne, "DW_OP_ne", "", binaryop)

	for i := Opcode(0); i <= DW_OP_lit31-DW_OP_lit0; i++ {
		op(DW_OP_lit0+i, fmt.Sprintf("DW_OP_lit%d", i), "", literal)
		op(DW_OP_reg0+i, fmt.Sprintf("DW_OP_reg%d", i), "", register)
		op(DW_OP_breg0+i, fmt.Sprintf("DW_OP_breg%d", i), "s", baseregister)
	}

	op(DW_OP_regx, "DW_OP_regx", "u", register)
	op(DW_OP_fbreg, "DW_OP_fbreg", "s", framebase)
	op(DW_OP_bregx, "DW_OP_bregx", "us", baseregister)
	op(DW_OP_piece, "DW_OP_piece", "u", piece)
	op(DW_OP_deref_size, "DW_OP_deref_size", "1", deref)
	op(DW_OP_xderef_size, "DW_OP_xderef_size", "1", deref)
	op(DW_OP_nop, "DW_OP_nop", "", nop)
	op(DW_OP_push_object_address, "DW_OP_push_object_address", "", pushobjectaddress)
	op(DW_OP_call2, "DW_OP_call2", "2", call)
	op(DW_OP_call4, "DW_OP_call4", "4", call)
	op(DW_OP_call_ref, "DW_OP_call_ref", "4", call)
	op(DW_OP_form_tls_address, "DW_OP_form_tls_address", "", tlsaddress)
	op(DW_OP_call_frame_cfa, "DW_OP_call_frame_cfa", "", callframecfa)
	op(DW_OP_bit_piece, "DW_OP_bit_piece", "uu", bitpiece)
	op(DW_OP_implicit_value, "DW_OP_implicit_value", "B", implicitvalue)
	op(DW_OP_stack_value, "DW_OP_stack_value", "", stackvalue)

	op(DW_OP_GNU_push_tls_address, "DW_OP_GNU_push_tls_address", "", tlsaddress)
	op(DW_OP_GNU_uninit, "DW_OP_GNU_uninit", "", nop)
	op(DW_OP_GNU_encoded_addr, "DW_OP_GNU_encoded_addr", "", notimplemented)
	op(DW_OP_GNU_implicit_pointer, "DW_OP_GNU_implicit_pointer", "8s", gnuimplicitpointer)
	op(DW_OP_GNU_entry_value, "DW_OP_GNU_entry_value", "B", gnuentryvalue)
	op(DW_OP_GNU_const_type, "DW_OP_GNU_const_type", "u", gnuconsttype)
	op(DW_OP_GNU_regval_type, "DW_OP_GNU_regval_type", "uu", gnuregvaltype)
	op(DW_OP_GNU_deref_type, "DW_OP_GNU_deref_type", "1u", gnudereftype)
	op(DW_OP_GNU_convert, "DW_OP_GNU_convert", "u", gnuconvert)
	op(DW_OP_GNU_reinterpret, "DW_OP_GNU_reinterpret", "u", gnuconvert)
	op(DW_OP_GNU_parameter_ref, "DW_OP_GNU_parameter_ref", "4", gnuparameterref)
	op(DW_OP_GNU_addr_index, "DW_OP_GNU_addr_index", "u", notimplemented)
	op(DW_OP_GNU_const_index, "DW_OP_GNU_const_index", "u", notimplemented)
}
