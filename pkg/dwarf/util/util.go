// Package util provides the primitive decoding operations shared by the
// DWARF section readers: fixed width little endian integers, C strings
// and the initial length field that selects between the 32-bit and
// 64-bit DWARF formats.
package util

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kerndbg/kerndbg/pkg/dwarf/leb128"
)

// ByteReaderWithLen is a io.ByteReader with a Len method. This interface is
// satisfied by both bytes.Buffer and bytes.Reader.
type ByteReaderWithLen interface {
	io.ByteReader
	io.Reader
	Len() int
}

// ErrShortRead is returned when a read runs off the end of a section.
var ErrShortRead = errors.New("unexpected end of section")

// ParseString reads a NUL terminated string from data, discarding the
// terminator.
func ParseString(data *bytes.Buffer) (string, error) {
	str, err := data.ReadString(0x0)
	if err != nil {
		return "", err
	}

	return str[:len(str)-1], nil
}

// ReadUintRaw reads an integer of ptrSize bytes, with the specified byte order,
// from reader.
func ReadUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 2:
		var n uint16
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("pointer size %d not supported", ptrSize)
}

// WriteUint writes an integer of ptrSize bytes to writer, in the specified
// byte order.
func WriteUint(writer io.Writer, order binary.ByteOrder, ptrSize int, data uint64) error {
	switch ptrSize {
	case 2:
		return binary.Write(writer, order, uint16(data))
	case 4:
		return binary.Write(writer, order, uint32(data))
	case 8:
		return binary.Write(writer, order, data)
	}
	return fmt.Errorf("pointer size %d not supported", ptrSize)
}

// ReadInitialLength reads the initial length field that starts every
// DWARF section unit. A value of 0xffffffff escapes to the 64-bit
// format, where the real length follows as an 8 byte integer.
func ReadInitialLength(buf *bytes.Buffer) (length uint64, dwarf64 bool, err error) {
	if buf.Len() < 4 {
		return 0, false, ErrShortRead
	}
	n := binary.LittleEndian.Uint32(buf.Next(4))
	if n != 0xffffffff {
		return uint64(n), false, nil
	}
	if buf.Len() < 8 {
		return 0, true, ErrShortRead
	}
	return binary.LittleEndian.Uint64(buf.Next(8)), true, nil
}

// OffsetSize returns the byte width of a section offset field for the
// given format: 8 for 64-bit DWARF, 4 otherwise.
func OffsetSize(dwarf64 bool) int {
	if dwarf64 {
		return 8
	}
	return 4
}

// ReadOffset reads a section offset whose width is determined by the
// unit's format.
func ReadOffset(buf *bytes.Buffer, dwarf64 bool) (uint64, error) {
	return ReadUintRaw(buf, binary.LittleEndian, OffsetSize(dwarf64))
}

// ReadDwarfLengthVersion reads a DWARF length field followed by a version
// field, as they appear at the start of .debug_info and .debug_line units.
func ReadDwarfLengthVersion(data []byte) (length uint64, dwarf64 bool, version uint8, byteOrder binary.ByteOrder) {
	if len(data) < 4 {
		return 0, false, 0, binary.LittleEndian
	}

	lenfield := binary.LittleEndian.Uint32(data)
	voff := 4
	switch lenfield {
	case ^uint32(0):
		dwarf64 = true
		if len(data) >= 12 {
			length = binary.LittleEndian.Uint64(data[4:])
		}
		voff = 12
	case 0x0:
		byteOrder = binary.BigEndian
		length = uint64(binary.BigEndian.Uint32(data))
	default:
		byteOrder = binary.LittleEndian
		length = uint64(lenfield)
	}
	if byteOrder == nil {
		byteOrder = binary.LittleEndian
	}

	if len(data) > voff {
		version = data[voff]
	}

	return length, dwarf64, version, byteOrder
}

// DecodeULEB128 decodes an unsigned Little Endian Base 128 number.
func DecodeULEB128(buf ByteReaderWithLen) (uint64, uint32) {
	return leb128.DecodeUnsigned(buf)
}

// DecodeSLEB128 decodes a signed Little Endian Base 128 number.
func DecodeSLEB128(buf ByteReaderWithLen) (int64, uint32) {
	return leb128.DecodeSigned(buf)
}
