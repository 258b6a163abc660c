package regnum

import (
	"fmt"
	"strings"
)

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI Intel386 Architecture Processor Supplement page 25,
// table 2.14
// https://www.uclibc.org/docs/psABI-i386.pdf

const (
	I386_Eax    = 0
	I386_Ecx    = 1
	I386_Edx    = 2
	I386_Ebx    = 3
	I386_Esp    = 4
	I386_Ebp    = 5
	I386_Esi    = 6
	I386_Edi    = 7
	I386_Eip    = 8
	I386_Eflags = 9
	I386_ST0    = 11 // ST(1) through ST(7) follow
	I386_XMM0   = 21 // XMM1 through XMM7 follow
	I386_Es     = 40
	I386_Cs     = 41
	I386_Ss     = 42
	I386_Ds     = 43
	I386_Fs     = 44
	I386_Gs     = 45
)

var i386DwarfToName = func() map[uint64]string {
	r := map[uint64]string{
		I386_Eax:    "Eax",
		I386_Ecx:    "Ecx",
		I386_Edx:    "Edx",
		I386_Ebx:    "Ebx",
		I386_Esp:    "Esp",
		I386_Ebp:    "Ebp",
		I386_Esi:    "Esi",
		I386_Edi:    "Edi",
		I386_Eip:    "Eip",
		I386_Eflags: "Eflags",
		I386_Es:     "Es",
		I386_Cs:     "Cs",
		I386_Ss:     "Ss",
		I386_Ds:     "Ds",
		I386_Fs:     "Fs",
		I386_Gs:     "Gs",
	}
	for i := uint64(0); i < 8; i++ {
		r[I386_ST0+i] = fmt.Sprintf("ST(%d)", i)
		r[I386_XMM0+i] = fmt.Sprintf("XMM%d", i)
	}
	return r
}()

// I386NameToDwarf maps lower case register names to DWARF numbers.
var I386NameToDwarf = func() map[string]int {
	r := make(map[string]int)
	for regNum, regName := range i386DwarfToName {
		r[strings.ToLower(regName)] = int(regNum)
	}
	for i := 0; i < 8; i++ {
		r[fmt.Sprintf("st%d", i)] = I386_ST0 + i
	}
	return r
}()

// I386MaxRegNum returns the highest DWARF register number known for 386.
func I386MaxRegNum() uint64 {
	max := uint64(I386_Eip)
	for i := range i386DwarfToName {
		if i > max {
			max = i
		}
	}
	return max
}

// I386ToName returns the name of the given DWARF register.
func I386ToName(num uint64) string {
	name, ok := i386DwarfToName[num]
	if ok {
		return name
	}
	return fmt.Sprintf("unknown%d", num)
}
