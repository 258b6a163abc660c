// Package objfile opens executable images (ELF, PE, Mach-O) and hands
// out their debug sections. The DWARF readers keep pointers into the
// returned section data, so an Image must stay open for as long as
// anything derived from it is in use.
package objfile

import (
	"bytes"
	"compress/zlib"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Machine identifies a target architecture independently of the
// container format's own machine constants.
type Machine int

const (
	MachineUnknown Machine = iota
	MachineI386
	MachineX86_64
	MachineARM64
)

func (m Machine) String() string {
	switch m {
	case MachineI386:
		return "i386"
	case MachineX86_64:
		return "x86_64"
	case MachineARM64:
		return "arm64"
	}
	return "unknown"
}

// PtrSize returns the address size of the machine in bytes.
func (m Machine) PtrSize() int {
	if m == MachineI386 {
		return 4
	}
	return 8
}

// Format identifies the container format of an image.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatPE
	FormatMachO
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatPE:
		return "pe"
	case FormatMachO:
		return "macho"
	}
	return "unknown"
}

// Image is an opened executable file. The file contents are mapped (or
// read) once; section data is served out of that single buffer where
// the format allows it.
type Image struct {
	Path      string
	Format    Format
	Machine   Machine
	ImageBase uint64

	data   []byte
	closer io.Closer

	elfFile   *elf.File
	peFile    *pe.File
	machoFile *macho.File
}

// Open maps the file at path and parses its container headers.
func Open(path string) (*Image, error) {
	data, closer, err := mapFile(path)
	if err != nil {
		return nil, err
	}

	image := &Image{Path: path, data: data, closer: closer}
	if err := image.parseHeaders(); err != nil {
		closer.Close()
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return image, nil
}

// Close releases the mapping. Section slices handed out by Section
// that alias the mapping become invalid.
func (image *Image) Close() error {
	if image.closer == nil {
		return nil
	}
	err := image.closer.Close()
	image.closer = nil
	image.data = nil
	return err
}

func (image *Image) parseHeaders() error {
	r := bytes.NewReader(image.data)

	switch {
	case bytes.HasPrefix(image.data, []byte("\x7fELF")):
		f, err := elf.NewFile(r)
		if err != nil {
			return err
		}
		image.Format = FormatELF
		image.elfFile = f
		image.Machine = machineELF(f.Machine)
		image.ImageBase = elfImageBase(f)

	case bytes.HasPrefix(image.data, []byte("MZ")):
		f, err := pe.NewFile(r)
		if err != nil {
			return err
		}
		image.Format = FormatPE
		image.peFile = f
		image.Machine = machinePE(f.Machine)
		switch oh := f.OptionalHeader.(type) {
		case *pe.OptionalHeader32:
			image.ImageBase = uint64(oh.ImageBase)
		case *pe.OptionalHeader64:
			image.ImageBase = oh.ImageBase
		}

	default:
		f, err := macho.NewFile(r)
		if err != nil {
			return fmt.Errorf("unrecognized image format")
		}
		image.Format = FormatMachO
		image.machoFile = f
		image.Machine = machineMacho(f.Cpu)
	}

	return nil
}

func machineELF(m elf.Machine) Machine {
	switch m {
	case elf.EM_386:
		return MachineI386
	case elf.EM_X86_64:
		return MachineX86_64
	case elf.EM_AARCH64:
		return MachineARM64
	}
	return MachineUnknown
}

func machinePE(m uint16) Machine {
	switch m {
	case pe.IMAGE_FILE_MACHINE_I386:
		return MachineI386
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return MachineX86_64
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return MachineARM64
	}
	return MachineUnknown
}

func machineMacho(cpu macho.Cpu) Machine {
	switch cpu {
	case macho.Cpu386:
		return MachineI386
	case macho.CpuAmd64:
		return MachineX86_64
	case macho.CpuArm64:
		return MachineARM64
	}
	return MachineUnknown
}

func elfImageBase(f *elf.File) uint64 {
	base := uint64(0)
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && (base == 0 || prog.Vaddr < base) {
			base = prog.Vaddr
		}
	}
	return base
}

// Section returns the contents and virtual load address of a named
// section. Names are spelled ELF style (".debug_info", ".eh_frame");
// the Mach-O segment naming ("__debug_info") is translated internally.
// Compressed debug sections (".zdebug_" prefix or a ZLIB header) are
// decompressed. A missing section returns a nil slice and no error.
func (image *Image) Section(name string) ([]byte, uint64, error) {
	switch image.Format {
	case FormatELF:
		return image.sectionELF(name)
	case FormatPE:
		return image.sectionPE(name)
	case FormatMachO:
		return image.sectionMacho(name)
	}
	return nil, 0, fmt.Errorf("image not open")
}

func (image *Image) sectionELF(name string) ([]byte, uint64, error) {
	if sec := image.elfFile.Section(name); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, 0, err
		}
		data, err = decompressMaybe(data)
		return data, sec.Addr, err
	}
	if sec := image.elfFile.Section(zdebugName(name)); sec != nil {
		data, err := sec.Data()
		if err != nil {
			return nil, 0, err
		}
		data, err = decompressMaybe(data)
		return data, sec.Addr, err
	}
	return nil, 0, nil
}

func (image *Image) sectionPE(name string) ([]byte, uint64, error) {
	sec := image.peFile.Section(name)
	if sec == nil {
		sec = image.peFile.Section(zdebugName(name))
	}
	if sec == nil {
		return nil, 0, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, 0, err
	}
	if 0 < sec.VirtualSize && sec.VirtualSize < sec.Size {
		data = data[:sec.VirtualSize]
	}
	data, err = decompressMaybe(data)
	return data, image.ImageBase + uint64(sec.VirtualAddress), err
}

func (image *Image) sectionMacho(name string) ([]byte, uint64, error) {
	sec := image.machoFile.Section(machoName(name))
	if sec == nil {
		sec = image.machoFile.Section(machoName(zdebugName(name)))
	}
	if sec == nil {
		return nil, 0, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, 0, err
	}
	data, err = decompressMaybe(data)
	return data, sec.Addr, err
}

func zdebugName(name string) string {
	if rest, ok := strings.CutPrefix(name, ".debug_"); ok {
		return ".zdebug_" + rest
	}
	return name
}

func machoName(name string) string {
	// Mach-O section names are limited to 16 characters; the linker
	// truncates the long DWARF names.
	name = "__" + strings.TrimPrefix(name, ".")
	if len(name) > 16 {
		name = name[:16]
	}
	return name
}

func decompressMaybe(b []byte) ([]byte, error) {
	if len(b) < 12 || string(b[:4]) != "ZLIB" {
		// not compressed
		return b, nil
	}

	dlen := binary.BigEndian.Uint64(b[4:12])
	dbuf := make([]byte, dlen)
	r, err := zlib.NewReader(bytes.NewBuffer(b[12:]))
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, dbuf); err != nil {
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return dbuf, nil
}
