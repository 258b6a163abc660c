package cmds

import (
	"fmt"
	"os"
	"sort"

	"github.com/kerndbg/kerndbg/pkg/dwarf/frame"
	"github.com/kerndbg/kerndbg/pkg/dwarf/op"
	"github.com/kerndbg/kerndbg/pkg/dwarf/regnum"
	"github.com/kerndbg/kerndbg/pkg/objfile"
	"github.com/kerndbg/kerndbg/pkg/symbols"
)

// zeroTarget backs location resolution when no live program is
// available: all memory and registers read as zero. Location text still
// shows where each symbol lives.
type zeroTarget struct {
	machine objfile.Machine
}

func (t *zeroTarget) ReadMemory(addr uint64, size int, addressSpace uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func (t *zeroTarget) ReadRegister(regNum uint64) (uint64, error) {
	return 0, nil
}

func (t *zeroTarget) WriteRegister(regNum uint64, value uint64) error {
	return nil
}

func (t *zeroTarget) WritePC(value uint64) error {
	return nil
}

func (t *zeroTarget) RegisterName(regNum uint64) string {
	switch t.machine {
	case objfile.MachineX86_64:
		return regnum.AMD64ToName(regNum)
	case objfile.MachineI386:
		return regnum.I386ToName(regNum)
	}
	return fmt.Sprintf("r%d", regNum)
}

func dump(path string) error {
	s, err := symbols.Load(path, objfile.MachineUnknown, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	tgt := &zeroTarget{machine: s.Machine}

	fmt.Printf("%s: machine %s, %d compilation units\n", path, s.Machine, len(s.Sources))

	for _, src := range s.Sources {
		fmt.Printf("\n%s:\n", conf.ApplySubstitutePath(src.Path()))
		if dumpFiles {
			fmt.Printf("  range [%#x, %#x)\n", src.StartAddress, src.EndAddress)
		}
		if dumpTypes {
			dumpSourceTypes(s, src)
		}
		if dumpFunctions {
			for _, fn := range src.Functions {
				dumpFunction(s, tgt, fn, "  ")
			}
		}
		if dumpGlobals {
			for _, sym := range src.Globals {
				dumpDataSymbol(s, tgt, sym, src.StartAddress, "  global")
			}
		}
		if dumpLines {
			for _, sl := range src.Lines {
				fmt.Printf("  line %s:%d [%#x, %#x)\n", conf.ApplySubstitutePath(sl.File.Path()), sl.Line, sl.StartAddress, sl.EndAddress)
			}
		}
	}

	return nil
}

func dumpSourceTypes(s *symbols.Symbols, src *symbols.SourceFile) {
	ids := make([]uint64, 0, len(src.Types))
	for id := range src.Types {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		typ := src.Types[id]
		switch typ.Kind {
		case symbols.TypeNumeric:
			qual := "unsigned"
			if typ.Signed {
				qual = "signed"
			}
			if typ.Float {
				qual = "float"
			}
			fmt.Printf("  type %s: numeric, %d bits, %s\n", typ.Name, typ.BitSize, qual)

		case symbols.TypeRelation:
			descr := "alias for"
			if typ.IsArray {
				descr = fmt.Sprintf("array [%d] of", typ.ArrayMax+1)
			} else if typ.PointerSize != 0 {
				descr = "pointer to"
			}
			fmt.Printf("  type %s: %s %s\n", typ.Name, descr, typeName(s, typ.Target, 0))

		case symbols.TypeStructure:
			kind := "structure"
			if typ.Union {
				kind = "union"
			}
			fmt.Printf("  type %s: %s, %d bytes, %d members\n", typ.Name, kind, typ.ByteSize, typ.MemberCount)
			for _, m := range typ.Members {
				if m.BitSize != 0 {
					fmt.Printf("    +%#x %s : %s bits [%d:%d]\n", m.BitOffset/8, m.Name, typeName(s, m.Type, 0), m.BitOffset+m.BitSize-1, m.BitOffset)
				} else {
					fmt.Printf("    +%#x %s : %s\n", m.BitOffset/8, m.Name, typeName(s, m.Type, 0))
				}
			}

		case symbols.TypeEnumeration:
			fmt.Printf("  type %s: enumeration, %d bytes, %d values\n", typ.Name, typ.ByteSize, typ.MemberCount)
			for _, e := range typ.Enumerators {
				fmt.Printf("    %s = %d\n", e.Name, e.Value)
			}

		case symbols.TypeFunctionPointer:
			fmt.Printf("  type %s: function pointer, %d bytes\n", typ.Name, typ.ByteSize)
		}
	}
}

func dumpFunction(s *symbols.Symbols, tgt *zeroTarget, fn *symbols.Function, indent string) {
	fmt.Printf("%sfunction %s %s [%#x, %#x)\n", indent, typeName(s, fn.ReturnType, 0), fn.Name, fn.StartAddress, fn.EndAddress)

	if dumpArguments {
		for _, sym := range fn.Parameters {
			dumpDataSymbol(s, tgt, sym, fn.StartAddress, indent+"  arg")
		}
	}
	if dumpLocals {
		for _, sym := range fn.Locals {
			dumpDataSymbol(s, tgt, sym, fn.StartAddress, indent+"  local")
		}
	}
	if dumpUnwind {
		sf, err := s.StackUnwind(tgt, fn.StartAddress, true)
		switch err.(type) {
		case nil:
			fmt.Printf("%s  frame at entry: CFA %#x\n", indent, sf.FramePointer)
		case *frame.ErrNoFDEForPC:
			fmt.Printf("%s  frame at entry: no FDE\n", indent)
		default:
			fmt.Printf("%s  frame at entry: %v\n", indent, err)
		}
	}

	for _, inner := range fn.Inner {
		dumpFunction(s, tgt, inner, indent+"  ")
	}
}

func dumpDataSymbol(s *symbols.Symbols, tgt *zeroTarget, sym *symbols.DataSymbol, pc uint64, label string) {
	buf := make([]byte, typeSize(s, sym.Type, 0))
	where, err := s.ReadDataSymbol(tgt, sym, pc, buf)
	if err != nil {
		where = fmt.Sprintf("(%v)", err)
	}
	fmt.Printf("%s %s : %s at %s\n", label, sym.Name, typeName(s, sym.Type, 0), where)

	if conf.ShowLocationExpr && sym.Location.Form.IsBlock() {
		if expr, ok := sym.Location.Value.([]byte); ok {
			fmt.Printf("%s   expr: ", label)
			op.PrettyPrint(os.Stdout, expr)
			fmt.Println()
		}
	}
}

// typeName names a type for display, chasing anonymous relations.
func typeName(s *symbols.Symbols, key symbols.TypeKey, depth int) string {
	if depth > 8 {
		return "..."
	}
	typ := s.LookupType(key)
	if typ == nil {
		return "void"
	}
	if typ.Name != "" {
		return typ.Name
	}
	switch typ.Kind {
	case symbols.TypeRelation:
		switch {
		case typ.IsArray:
			return typeName(s, typ.Target, depth+1) + "[]"
		case typ.PointerSize != 0:
			return typeName(s, typ.Target, depth+1) + "*"
		}
		return typeName(s, typ.Target, depth+1)
	case symbols.TypeStructure:
		if typ.Union {
			return "union"
		}
		return "struct"
	case symbols.TypeEnumeration:
		return "enum"
	case symbols.TypeFunctionPointer:
		return "function"
	}
	return "?"
}

// typeSize returns a read buffer size for a type, in bytes.
func typeSize(s *symbols.Symbols, key symbols.TypeKey, depth int) int {
	const maxSize = 64
	if depth > 8 {
		return 8
	}
	typ := s.LookupType(key)
	if typ == nil {
		return 8
	}
	sz := 8
	switch typ.Kind {
	case symbols.TypeNumeric:
		sz = int(typ.BitSize+7) / 8
	case symbols.TypeRelation:
		switch {
		case typ.IsArray:
			sz = typeSize(s, typ.Target, depth+1) * int(typ.ArrayMax+1)
		case typ.PointerSize != 0:
			sz = typ.PointerSize
		default:
			sz = typeSize(s, typ.Target, depth+1)
		}
	case symbols.TypeStructure, symbols.TypeEnumeration, symbols.TypeFunctionPointer:
		if typ.ByteSize != 0 {
			sz = int(typ.ByteSize)
		}
	}
	if sz < 1 {
		sz = 1
	}
	if sz > maxSize {
		sz = maxSize
	}
	return sz
}
