package symbols

import (
	"debug/dwarf"
	"fmt"

	"github.com/kerndbg/kerndbg/pkg/dwarf/info"
	"github.com/kerndbg/kerndbg/pkg/dwarf/op"
)

// DW_ATE base type encodings (DWARF v4 figure 25).
const (
	encAddress        = 0x01
	encBoolean        = 0x02
	encComplexFloat   = 0x03
	encFloat          = 0x04
	encSigned         = 0x05
	encSignedChar     = 0x06
	encUnsigned       = 0x07
	encUnsignedChar   = 0x08
	encImaginaryFloat = 0x09
	encDecimalFloat   = 0x0f
)

// walkContext carries the walker's position: the source file of the
// unit, the innermost enclosing function and the type whose children
// are being visited.
type walkContext struct {
	src *SourceFile
	fn  *Function
	typ *Type
}

// semanticPass converts one unit's DIE tree into the persistent model.
func (s *Symbols) semanticPass(u *info.Unit) error {
	for _, die := range u.Children {
		if die.Tag != dwarf.TagCompileUnit {
			continue
		}

		src := s.sourceFileFor(u, die)

		if low, ok := die.Address(dwarf.AttrLowpc); ok {
			src.StartAddress = low
			if high, ok := die.HighPC(low); ok {
				src.EndAddress = high
			}
		}
		if off, ok := die.SecOffset(dwarf.AttrRanges); ok {
			src.RangesOffset = off
			src.HasRanges = true
		}

		ctx := walkContext{src: src}
		for _, kid := range die.Kids {
			if err := s.walkDie(ctx, kid); err != nil {
				return err
			}
		}

		s.buildLineTable(src, die)
	}
	return nil
}

func (s *Symbols) sourceFileFor(u *info.Unit, die *info.Entry) *SourceFile {
	name, _ := die.String(dwarf.AttrName)
	dir, _ := die.String(dwarf.AttrCompDir)
	return s.findOrCreateSource(u, dir, name)
}

func (s *Symbols) findOrCreateSource(u *info.Unit, dir, name string) *SourceFile {
	key := dir + "\x00" + name
	if src, ok := s.sourceMap[key]; ok {
		return src
	}
	src := &SourceFile{
		Directory: dir,
		Name:      name,
		Types:     make(map[uint64]*Type),
		unit:      u,
	}
	s.sourceMap[key] = src
	s.Sources = append(s.Sources, src)
	return src
}

func (s *Symbols) walkDie(ctx walkContext, die *info.Entry) error {
	switch die.Tag {
	case dwarf.TagBaseType:
		s.addBaseType(ctx, die)

	case dwarf.TagTypedef, dwarf.TagPointerType, dwarf.TagVolatileType,
		dwarf.TagRestrictType, dwarf.TagConstType, dwarf.TagReferenceType:
		typ := s.addRelationType(ctx, die)
		if die.Tag == dwarf.TagPointerType {
			typ.PointerSize = int(die.Unit.AddressSize)
		}

	case dwarf.TagArrayType:
		typ := s.addRelationType(ctx, die)
		return s.walkChildren(walkContext{src: ctx.src, fn: ctx.fn, typ: typ}, die)

	case dwarf.TagSubrangeType:
		if ctx.typ == nil || ctx.typ.Kind != TypeRelation {
			return fmt.Errorf("%w: subrange at %#x outside an array type", ErrFormat, die.Offset)
		}
		if upper, ok := die.Uint(dwarf.AttrUpperBound); ok {
			ctx.typ.IsArray = true
			ctx.typ.ArrayMax = upper
		} else if upper, ok := die.Int(dwarf.AttrUpperBound); ok {
			ctx.typ.IsArray = true
			ctx.typ.ArrayMax = uint64(upper)
		} else {
			// An array of unknown bound degrades to a pointer.
			ctx.typ.IsArray = false
			ctx.typ.PointerSize = int(die.Unit.AddressSize)
		}

	case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagClassType:
		typ := s.addType(ctx, die, TypeStructure)
		typ.Union = die.Tag == dwarf.TagUnionType
		typ.ByteSize, _ = die.Uint(dwarf.AttrByteSize)
		if err := s.walkChildren(walkContext{src: ctx.src, fn: ctx.fn, typ: typ}, die); err != nil {
			return err
		}
		typ.MemberCount = len(typ.Members)

	case dwarf.TagEnumerationType:
		typ := s.addType(ctx, die, TypeEnumeration)
		typ.ByteSize, _ = die.Uint(dwarf.AttrByteSize)
		if err := s.walkChildren(walkContext{src: ctx.src, fn: ctx.fn, typ: typ}, die); err != nil {
			return err
		}
		typ.MemberCount = len(typ.Enumerators)

	case dwarf.TagMember:
		if ctx.typ == nil || ctx.typ.Kind != TypeStructure {
			return fmt.Errorf("%w: member at %#x outside a structure type", ErrFormat, die.Offset)
		}
		member, err := s.addMember(ctx, die)
		if err != nil {
			return err
		}
		ctx.typ.Members = append(ctx.typ.Members, member)

	case dwarf.TagEnumerator:
		if ctx.typ == nil || ctx.typ.Kind != TypeEnumeration {
			return fmt.Errorf("%w: enumerator at %#x outside an enumeration", ErrFormat, die.Offset)
		}
		value, _ := die.Int(dwarf.AttrConstValue)
		ctx.typ.Enumerators = append(ctx.typ.Enumerators, &EnumerationMember{
			Name:  die.Name(),
			Value: value,
		})

	case dwarf.TagSubroutineType:
		typ := s.addType(ctx, die, TypeFunctionPointer)
		typ.ByteSize = uint64(die.Unit.AddressSize)

	case dwarf.TagSubprogram, dwarf.TagInlinedSubroutine:
		return s.addFunction(ctx, die)

	case dwarf.TagFormalParameter, dwarf.TagVariable:
		s.addDataSymbol(ctx, die)

	case dwarf.TagNamespace, dwarf.TagLexDwarfBlock:
		return s.walkChildren(ctx, die)
	}

	return nil
}

func (s *Symbols) walkChildren(ctx walkContext, die *info.Entry) error {
	for _, kid := range die.Kids {
		if err := s.walkDie(ctx, kid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Symbols) addType(ctx walkContext, die *info.Entry, kind TypeKind) *Type {
	typ := &Type{
		Name: die.Name(),
		Kind: kind,
	}
	ctx.src.Types[die.Offset] = typ
	return typ
}

func (s *Symbols) addBaseType(ctx walkContext, die *info.Entry) {
	typ := s.addType(ctx, die, TypeNumeric)

	if byteSize, ok := die.Uint(dwarf.AttrByteSize); ok {
		typ.BitSize = byteSize * 8
	} else if bitSize, ok := die.Uint(dwarf.AttrBitSize); ok {
		typ.BitSize = bitSize
	}

	enc, _ := die.Uint(dwarf.AttrEncoding)
	switch enc {
	case encAddress:
		typ.BitSize = uint64(die.Unit.AddressSize) * 8
	case encBoolean, encUnsigned, encUnsignedChar:
	case encFloat, encComplexFloat, encImaginaryFloat, encDecimalFloat:
		typ.Float = true
	case encSigned, encSignedChar:
		typ.Signed = true
	default:
		// Remaining encodings are treated as plain integers.
	}
}

func (s *Symbols) addRelationType(ctx walkContext, die *info.Entry) *Type {
	typ := s.addType(ctx, die, TypeRelation)
	typ.Target = s.typeRef(ctx, die)
	return typ
}

// typeRef resolves DW_AT_type to a type key. A missing attribute means
// void; cross unit references are recorded as void, the model does not
// resolve them.
func (s *Symbols) typeRef(ctx walkContext, die *info.Entry) TypeKey {
	_, form, ok := die.Val(dwarf.AttrType)
	if !ok {
		return voidType()
	}
	if form == info.DW_FORM_ref_addr {
		s.log.Debugf("cross unit type reference at %#x not supported", die.Offset)
		return voidType()
	}
	off, ok := die.Reference(dwarf.AttrType)
	if !ok {
		return voidType()
	}
	return TypeKey{File: ctx.src, ID: off}
}

// LookupType resolves a type key to its type, or nil for void and
// unresolved keys.
func (s *Symbols) LookupType(key TypeKey) *Type {
	if key.IsVoid() || key.File == nil {
		return nil
	}
	return key.File.Types[key.ID]
}

func (s *Symbols) addMember(ctx walkContext, die *info.Entry) (*StructureMember, error) {
	member := &StructureMember{
		Name: die.Name(),
		Type: s.typeRef(ctx, die),
	}

	bitSize, hasBitSize := die.Uint(dwarf.AttrBitSize)
	if hasBitSize {
		member.BitSize = bitSize
	}

	if off, ok := die.Uint(dwarf.AttrDataBitOffset); ok {
		member.BitOffset = off
	} else if off, ok := die.Uint(dwarf.AttrBitOffset); ok {
		// DWARF 2 and 3 bit offsets count from the MSB of the
		// containing storage unit.
		storage, ok := die.Uint(dwarf.AttrByteSize)
		if !ok {
			return nil, fmt.Errorf("%w: bit-field member at %#x without DW_AT_byte_size", ErrFormat, die.Offset)
		}
		member.BitOffset = storage*8 - (off + bitSize)
	}

	if !ctx.typ.Union {
		byteOff, err := s.memberByteOffset(die)
		if err != nil {
			return nil, err
		}
		member.BitOffset += byteOff * 8
	}

	return member, nil
}

// memberByteOffset reads DW_AT_data_member_location, which producers
// emit either as a plain constant or as a location expression expecting
// the structure base address on the stack.
func (s *Symbols) memberByteOffset(die *info.Entry) (uint64, error) {
	v, form, ok := die.Val(dwarf.AttrDataMemberLoc)
	if !ok {
		return 0, nil
	}
	if form.IsConstant() {
		if n, ok := v.(uint64); ok {
			return n, nil
		}
		if n, ok := v.(int64); ok {
			return uint64(n), nil
		}
	}
	if expr, ok := v.([]byte); ok {
		loc, err := op.ExecuteStackProgram(&op.Context{
			PtrSize:     int(die.Unit.AddressSize),
			InitialPush: []int64{0},
		}, expr)
		if err != nil {
			return 0, fmt.Errorf("%w: member location at %#x: %v", ErrFormat, die.Offset, err)
		}
		switch loc.Type {
		case op.LocationMemory:
			return loc.Address, nil
		case op.LocationKnownValue:
			return uint64(loc.Value), nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported member location form at %#x", ErrFormat, die.Offset)
}

func (s *Symbols) addFunction(ctx walkContext, die *info.Entry) error {
	if die.Flag(dwarf.AttrDeclaration) {
		return nil
	}
	if _, _, ok := die.Val(dwarf.AttrInline); ok {
		// Abstract instance roots carry no code of their own; the
		// concrete inlined instances reference them.
		return nil
	}

	fn := &Function{
		Name:   die.Name(),
		Source: ctx.src,
		Parent: ctx.fn,
		unit:   die.Unit,
	}

	typeDie := die
	if fn.Name == "" || typeDie.Ref(dwarf.AttrType) == nil {
		if origin := die.Ref(dwarf.AttrAbstractOrigin); origin != nil {
			typeDie = origin
		}
	}
	fn.ReturnType = s.typeRef(ctx, typeDie)

	if low, ok := die.Address(dwarf.AttrLowpc); ok {
		fn.StartAddress = low
		if high, ok := die.HighPC(low); ok {
			fn.EndAddress = high
		}
	}
	if off, ok := die.SecOffset(dwarf.AttrRanges); ok {
		fn.RangesOffset = off
		fn.HasRanges = true
	}

	for i := range die.Attrs {
		if die.Attrs[i].Attr == dwarf.AttrFrameBase {
			fn.FrameBase = die.Attrs[i]
			fn.hasFrameBase = true
			break
		}
	}

	if ctx.fn != nil {
		ctx.fn.Inner = append(ctx.fn.Inner, fn)
	} else {
		ctx.src.Functions = append(ctx.src.Functions, fn)
	}
	if fn.Name != "" {
		s.funcIndex.Add(fn.Name, fn)
	}

	return s.walkChildren(walkContext{src: ctx.src, fn: fn}, die)
}

func (s *Symbols) addDataSymbol(ctx walkContext, die *info.Entry) {
	var locAttr *info.AttrValue
	for i := range die.Attrs {
		if die.Attrs[i].Attr == dwarf.AttrLocation {
			locAttr = &die.Attrs[i]
			break
		}
	}
	if locAttr == nil {
		// Optimized out, or a declaration.
		return
	}

	sym := &DataSymbol{
		Name:     die.Name(),
		Source:   ctx.src,
		Function: ctx.fn,
		Type:     s.typeRef(ctx, die),
		Location: *locAttr,
		unit:     die.Unit,
	}

	switch {
	case ctx.fn != nil && die.Tag == dwarf.TagFormalParameter:
		ctx.fn.Parameters = append(ctx.fn.Parameters, sym)
	case ctx.fn != nil:
		ctx.fn.Locals = append(ctx.fn.Locals, sym)
	default:
		ctx.src.Globals = append(ctx.src.Globals, sym)
	}
}
