package cmds

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kerndbg/kerndbg/pkg/dwarf/dwarfbuilder"
	"github.com/kerndbg/kerndbg/pkg/dwarf/op"
)

// writeTestImage builds a small ELF with one compilation unit, a base
// type, a function and a global.
func writeTestImage(t *testing.T) string {
	t.Helper()

	b := dwarfbuilder.New("main.c", "/src")
	intOff := b.AddBaseType("int", 0x05, 4)
	b.TagOpen(dwarf.TagSubprogram, "main")
	b.Attr(dwarf.AttrType, intOff)
	b.Attr(dwarf.AttrLowpc, dwarfbuilder.Address(0x1000))
	b.Attr(dwarf.AttrHighpc, dwarfbuilder.Address(0x1100))
	b.TagOpen(dwarf.TagFormalParameter, "argc")
	b.Attr(dwarf.AttrType, intOff)
	b.Attr(dwarf.AttrLocation, dwarfbuilder.ExprLoc(dwarfbuilder.LocationBlock(op.DW_OP_regx, uint(5))))
	b.TagClose()
	b.TagClose()
	b.AddVariable("counter", intOff, dwarfbuilder.ExprLoc(dwarfbuilder.LocationBlock(op.DW_OP_constu, uint(0x2000))))

	abbrevSec, infoSec, _, err := b.Build()
	require.NoError(t, err)

	sections := []struct {
		name string
		data []byte
	}{
		{".debug_abbrev", abbrevSec},
		{".debug_info", infoSec},
	}

	shstrtab := []byte{0}
	nameOff := map[string]uint32{}
	for _, sec := range sections {
		nameOff[sec.name] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, sec.name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOff[".shstrtab"] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)

	const ehsize = 64
	var body bytes.Buffer
	type sect struct {
		name      string
		typ       elf.SectionType
		off, size uint64
	}
	var shdrs []sect
	for _, sec := range sections {
		shdrs = append(shdrs, sect{sec.name, elf.SHT_PROGBITS, ehsize + uint64(body.Len()), uint64(len(sec.data))})
		body.Write(sec.data)
	}
	shdrs = append(shdrs, sect{".shstrtab", elf.SHT_STRTAB, ehsize + uint64(body.Len()), uint64(len(shstrtab))})
	body.Write(shstrtab)
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := ehsize + uint64(body.Len())

	var out bytes.Buffer
	out.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	le := binary.LittleEndian
	binary.Write(&out, le, uint16(elf.ET_EXEC))
	binary.Write(&out, le, uint16(elf.EM_X86_64))
	binary.Write(&out, le, uint32(1))
	binary.Write(&out, le, uint64(0))
	binary.Write(&out, le, uint64(0))
	binary.Write(&out, le, shoff)
	binary.Write(&out, le, uint32(0))
	binary.Write(&out, le, uint16(ehsize))
	binary.Write(&out, le, uint16(0)) // phentsize
	binary.Write(&out, le, uint16(0)) // phnum
	binary.Write(&out, le, uint16(64))
	binary.Write(&out, le, uint16(len(shdrs)+1))
	binary.Write(&out, le, uint16(len(shdrs)))
	out.Write(body.Bytes())

	writeShdr := func(name uint32, typ elf.SectionType, off, size uint64) {
		binary.Write(&out, le, name)
		binary.Write(&out, le, uint32(typ))
		binary.Write(&out, le, uint64(0))
		binary.Write(&out, le, uint64(0))
		binary.Write(&out, le, off)
		binary.Write(&out, le, size)
		binary.Write(&out, le, uint32(0)) // link
		binary.Write(&out, le, uint32(0)) // info
		binary.Write(&out, le, uint64(1))
		binary.Write(&out, le, uint64(0))
	}
	writeShdr(0, elf.SHT_NULL, 0, 0)
	for _, s := range shdrs {
		writeShdr(nameOff[s.name], s.typ, s.off, s.size)
	}

	path := filepath.Join(t.TempDir(), "img")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func TestDumpCommand(t *testing.T) {
	path := writeTestImage(t)

	cmd := New()
	cmd.SetArgs([]string{"--all", path})
	require.NoError(t, cmd.Execute())
}

func TestDumpCommandErrors(t *testing.T) {
	cmd := New()
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "missing")})
	require.Error(t, cmd.Execute())

	// An image without debug information fails cleanly.
	bad := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(bad, []byte("plain text"), 0o644))
	cmd = New()
	cmd.SetArgs([]string{bad})
	require.Error(t, cmd.Execute())
}
