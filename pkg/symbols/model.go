package symbols

import (
	"github.com/kerndbg/kerndbg/pkg/dwarf/info"
)

// TypeKind discriminates the Type variants.
type TypeKind int

const (
	TypeNumeric TypeKind = iota
	TypeRelation
	TypeStructure
	TypeEnumeration
	TypeFunctionPointer
)

func (k TypeKind) String() string {
	switch k {
	case TypeNumeric:
		return "numeric"
	case TypeRelation:
		return "relation"
	case TypeStructure:
		return "structure"
	case TypeEnumeration:
		return "enumeration"
	case TypeFunctionPointer:
		return "function pointer"
	}
	return "unknown"
}

// VoidTypeID is the type number used when a DIE has no DW_AT_type,
// meaning void.
const VoidTypeID = ^uint64(0)

// TypeKey identifies a type by its owning source file and the section
// offset of its DIE. Types reference each other by key rather than by
// pointer so forward and self references need no fixup pass.
type TypeKey struct {
	File *SourceFile
	ID   uint64
}

// IsVoid reports whether the key denotes the absence of a type.
func (key TypeKey) IsVoid() bool {
	return key.File == nil && key.ID == VoidTypeID
}

func voidType() TypeKey {
	return TypeKey{File: nil, ID: VoidTypeID}
}

// Type is one named type from the debug information.
type Type struct {
	Name string
	Kind TypeKind

	// Numeric
	BitSize uint64
	Signed  bool
	Float   bool

	// Relation
	Target      TypeKey
	PointerSize int // nonzero for pointer types
	IsArray     bool
	ArrayMax    uint64 // largest valid index, valid when IsArray

	// Structure, union, class, enumeration
	ByteSize    uint64
	Union       bool
	MemberCount int
	Members     []*StructureMember
	Enumerators []*EnumerationMember
}

// StructureMember is a field of a structure, union or class. Offsets
// are LSB relative bit positions within the whole structure.
type StructureMember struct {
	Name      string
	BitOffset uint64
	BitSize   uint64 // zero when the member is not a bit-field
	Type      TypeKey
}

// EnumerationMember is a single enumerator.
type EnumerationMember struct {
	Name  string
	Value int64
}

// Function is a subprogram. Inner functions nest through Inner; their
// Parent points back here.
type Function struct {
	Name       string
	Source     *SourceFile
	Parent     *Function
	ReturnType TypeKey

	StartAddress uint64
	EndAddress   uint64
	RangesOffset uint64 // offset into .debug_ranges, valid when HasRanges
	HasRanges    bool

	Parameters []*DataSymbol
	Locals     []*DataSymbol
	Inner      []*Function

	// FrameBase is the subprogram's DW_AT_frame_base attribute kept
	// verbatim, evaluated lazily when a location needs it.
	FrameBase    info.AttrValue
	hasFrameBase bool

	unit *info.Unit
}

// ContainsPC reports whether pc falls inside the function's code.
func (fn *Function) ContainsPC(s *Symbols, pc uint64) bool {
	if fn.HasRanges {
		return s.CheckRange(fn.Source, pc, fn.RangesOffset)
	}
	return fn.StartAddress <= pc && pc < fn.EndAddress
}

// DataSymbol is a variable or formal parameter. The location attribute
// is kept verbatim; it is resolved against a PC at query time.
type DataSymbol struct {
	Name     string
	Source   *SourceFile
	Function *Function // nil for globals
	Type     TypeKey

	Location info.AttrValue

	unit *info.Unit
}

// SourceLine maps one line table row to an address range
// [StartAddress, EndAddress).
type SourceLine struct {
	File         *SourceFile
	Line         int
	StartAddress uint64
	EndAddress   uint64
}

// SourceFile is one compilation unit's file, the owner of everything
// declared in it.
type SourceFile struct {
	Directory string
	Name      string

	StartAddress uint64
	EndAddress   uint64
	RangesOffset uint64
	HasRanges    bool

	Types     map[uint64]*Type
	Functions []*Function
	Globals   []*DataSymbol
	Lines     []*SourceLine

	unit *info.Unit
}

// Path returns the directory qualified file name.
func (src *SourceFile) Path() string {
	if src.Directory == "" || pathIsAbs(src.Name) {
		return src.Name
	}
	return src.Directory + "/" + src.Name
}

func pathIsAbs(s string) bool {
	if len(s) >= 1 && s[0] == '/' {
		return true
	}
	// windows paths
	if len(s) >= 2 && s[1] == ':' && ((s[0] >= 'a' && s[0] <= 'z') || (s[0] >= 'A' && s[0] <= 'Z')) {
		return true
	}
	return false
}

// StackFrame is the result of unwinding one frame.
type StackFrame struct {
	// FramePointer is the canonical frame address of the frame the
	// queried PC belongs to.
	FramePointer uint64

	// ReturnAddress is the PC the frame returns to, zero when the
	// return address rule is undefined.
	ReturnAddress uint64
}
