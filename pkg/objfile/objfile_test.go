package objfile

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestELF writes a minimal x86-64 ELF with the given debug
// sections. Section data is placed right after the ELF header.
func writeTestELF(t *testing.T, sections map[string][]byte) string {
	t.Helper()

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	shstrtab := []byte{0}
	nameOff := map[string]uint32{}
	for _, name := range names {
		nameOff[name] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
	}
	nameOff[".shstrtab"] = uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)

	var body bytes.Buffer
	type sect struct {
		name      string
		typ       elf.SectionType
		off, size uint64
	}
	var shdrs []sect

	const ehsize = 64
	for _, name := range names {
		shdrs = append(shdrs, sect{name, elf.SHT_PROGBITS, ehsize + uint64(body.Len()), uint64(len(sections[name]))})
		body.Write(sections[name])
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
	binary.Write(&out, le, uint64(0))     // entry
	binary.Write(&out, le, uint64(0))     // phoff
	binary.Write(&out, le, shoff)         // shoff
	binary.Write(&out, le, uint32(0))     // flags
	binary.Write(&out, le, uint16(ehsize))
	binary.Write(&out, le, uint16(0))            // phentsize
	binary.Write(&out, le, uint16(0))            // phnum
	binary.Write(&out, le, uint16(64))           // shentsize
	binary.Write(&out, le, uint16(len(shdrs)+1)) // shnum
	binary.Write(&out, le, uint16(len(shdrs)))   // shstrndx
	out.Write(body.Bytes())

	writeShdr := func(name uint32, typ elf.SectionType, off, size uint64) {
		binary.Write(&out, le, name)
		binary.Write(&out, le, uint32(typ))
		binary.Write(&out, le, uint64(0)) // flags
		binary.Write(&out, le, uint64(0)) // addr
		binary.Write(&out, le, off)
		binary.Write(&out, le, size)
		binary.Write(&out, le, uint32(0)) // link
		binary.Write(&out, le, uint32(0)) // info
		binary.Write(&out, le, uint64(1)) // addralign
		binary.Write(&out, le, uint64(0)) // entsize
	}
	writeShdr(0, elf.SHT_NULL, 0, 0)
	for _, s := range shdrs {
		writeShdr(nameOff[s.name], s.typ, s.off, s.size)
	}

	path := filepath.Join(t.TempDir(), "img")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func TestOpenELF(t *testing.T) {
	path := writeTestELF(t, map[string][]byte{
		".debug_info":   {1, 2, 3, 4},
		".debug_abbrev": {9, 8},
	})

	image, err := Open(path)
	require.NoError(t, err)
	defer image.Close()

	require.Equal(t, FormatELF, image.Format)
	require.Equal(t, MachineX86_64, image.Machine)
	require.Equal(t, 8, image.Machine.PtrSize())

	data, _, err := image.Section(".debug_info")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)

	// Missing sections are not an error.
	data, _, err = image.Section(".debug_line")
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestOpenCompressedSection(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 200)

	var z bytes.Buffer
	z.WriteString("ZLIB")
	binary.Write(&z, binary.BigEndian, uint64(len(payload)))
	zw := zlib.NewWriter(&z)
	zw.Write(payload)
	zw.Close()

	path := writeTestELF(t, map[string][]byte{".zdebug_info": z.Bytes()})

	image, err := Open(path)
	require.NoError(t, err)
	defer image.Close()

	data, _, err := image.Section(".debug_info")
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(bad, []byte("not an executable image"), 0o644))
	_, err = Open(bad)
	require.Error(t, err)
}

func TestMachoName(t *testing.T) {
	require.Equal(t, "__debug_info", machoName(".debug_info"))
	require.Equal(t, "__zdebug_info", machoName(".zdebug_info"))
	require.Equal(t, "__eh_frame", machoName(".eh_frame"))
	// Truncated to the Mach-O 16 character limit.
	require.Equal(t, "__debug_pubnames"[:16], machoName(".debug_pubnames"))
}
