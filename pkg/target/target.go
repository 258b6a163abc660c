// Package target defines the interface through which the DWARF reader
// accesses the memory and registers of the program being debugged. The
// host debugger supplies an implementation; all calls are synchronous.
package target

import (
	"encoding/binary"
	"fmt"
)

// Target provides access to the debugged program's state.
type Target interface {
	// ReadMemory reads size bytes of target memory starting at addr.
	// The addressSpace identifier is zero for the default address space.
	ReadMemory(addr uint64, size int, addressSpace uint64) ([]byte, error)

	// ReadRegister returns the current value of the given DWARF register.
	ReadRegister(regNum uint64) (uint64, error)

	// WriteRegister sets the value of the given DWARF register.
	WriteRegister(regNum uint64, value uint64) error

	// WritePC sets the target's program counter.
	WritePC(value uint64) error

	// RegisterName returns a human readable name for the given DWARF
	// register, for diagnostics.
	RegisterName(regNum uint64) string
}

// MockTarget is an in-memory Target implementation used by tests. Memory
// is sparse: reads outside the populated ranges fail.
type MockTarget struct {
	Mem       map[uint64][]byte
	Regs      map[uint64]uint64
	PC        uint64
	ByteOrder binary.ByteOrder
	RegNames  map[uint64]string
}

// NewMockTarget returns an empty MockTarget.
func NewMockTarget() *MockTarget {
	return &MockTarget{
		Mem:       make(map[uint64][]byte),
		Regs:      make(map[uint64]uint64),
		ByteOrder: binary.LittleEndian,
	}
}

// SetMemory populates target memory at addr.
func (t *MockTarget) SetMemory(addr uint64, data []byte) {
	t.Mem[addr] = data
}

// SetUint64 populates 8 bytes of target memory at addr.
func (t *MockTarget) SetUint64(addr uint64, v uint64) {
	buf := make([]byte, 8)
	t.ByteOrder.PutUint64(buf, v)
	t.SetMemory(addr, buf)
}

func (t *MockTarget) ReadMemory(addr uint64, size int, addressSpace uint64) ([]byte, error) {
	for base, block := range t.Mem {
		if addr >= base && addr+uint64(size) <= base+uint64(len(block)) {
			off := addr - base
			return block[off : off+uint64(size)], nil
		}
	}
	return nil, fmt.Errorf("unmapped target memory at %#x", addr)
}

func (t *MockTarget) ReadRegister(regNum uint64) (uint64, error) {
	v, ok := t.Regs[regNum]
	if !ok {
		return 0, fmt.Errorf("register %d not available", regNum)
	}
	return v, nil
}

func (t *MockTarget) WriteRegister(regNum uint64, value uint64) error {
	t.Regs[regNum] = value
	return nil
}

func (t *MockTarget) WritePC(value uint64) error {
	t.PC = value
	return nil
}

func (t *MockTarget) RegisterName(regNum uint64) string {
	if name, ok := t.RegNames[regNum]; ok {
		return name
	}
	return fmt.Sprintf("r%d", regNum)
}
