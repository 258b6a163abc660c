// Package symbols builds the persistent symbol model out of an
// executable's DWARF sections and answers the debugger's queries
// against it: reading data symbols, resolving their addresses, and
// unwinding stack frames.
package symbols

import (
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/derekparker/trie"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/kerndbg/kerndbg/pkg/dwarf/frame"
	"github.com/kerndbg/kerndbg/pkg/dwarf/info"
	"github.com/kerndbg/kerndbg/pkg/dwarf/line"
	"github.com/kerndbg/kerndbg/pkg/logflags"
	"github.com/kerndbg/kerndbg/pkg/objfile"
)

var (
	// ErrFormat reports missing required sections or malformed DWARF.
	ErrFormat = errors.New("unsupported or malformed debug information")
	// ErrMachineMismatch reports an image built for another machine.
	ErrMachineMismatch = errors.New("image machine type mismatch")
	// ErrNoLocation reports that a symbol has no location at the
	// queried PC.
	ErrNoLocation = errors.New("no valid location at this PC")
	// ErrNotMemory reports a location that is not a memory address.
	ErrNotMemory = errors.New("location is not a memory address")
	// ErrNotSupported reports constructs the reader does not implement.
	ErrNotSupported = errors.New("not supported")
	// ErrOutOfRange reports an index outside its table.
	ErrOutOfRange = errors.New("index out of range")
	// ErrTargetIO reports a failed target memory or register access.
	ErrTargetIO = errors.New("target access failed")
)

// LoadFlags alter what Load builds.
type LoadFlags uint32

const (
	// LoadNoLineTables skips the line number programs.
	LoadNoLineTables LoadFlags = 1 << iota
)

const locationCacheSize = 128

// Symbols is the root of the symbol model for one executable image.
// All queries are answered from it; it owns the mapped image for the
// life of the model because attribute values point into the section
// bytes.
type Symbols struct {
	Machine objfile.Machine
	Sources []*SourceFile

	image *objfile.Image
	units []*info.Unit

	debugLoc    []byte
	debugRanges []byte

	frameEntries frame.FrameDescriptionEntries

	lineInfos line.DebugLines

	sourceMap map[string]*SourceFile
	funcIndex *trie.Trie

	// locCache memoizes resolved locations per (symbol, pc).
	locCache *lru.Cache

	log *logrus.Entry
}

type locCacheKey struct {
	sym *DataSymbol
	pc  uint64
}

// Load maps the executable at path and builds the symbol model. When
// machine is not MachineUnknown the image must match it. The returned
// Symbols must be closed to release the mapping.
func Load(path string, machine objfile.Machine, flags LoadFlags) (*Symbols, error) {
	image, err := objfile.Open(path)
	if err != nil {
		return nil, err
	}

	s, err := load(image, machine, flags)
	if err != nil {
		image.Close()
		return nil, err
	}
	return s, nil
}

func load(image *objfile.Image, machine objfile.Machine, flags LoadFlags) (*Symbols, error) {
	if machine != objfile.MachineUnknown && machine != image.Machine {
		return nil, fmt.Errorf("%w: want %s, image is %s", ErrMachineMismatch, machine, image.Machine)
	}

	s := &Symbols{
		Machine:   image.Machine,
		image:     image,
		sourceMap: make(map[string]*SourceFile),
		funcIndex: trie.New(),
		log:       logflags.SymbolsLogger(),
	}
	s.locCache, _ = lru.New(locationCacheSize)

	debugInfo, _, err := image.Section(".debug_info")
	if err != nil {
		return nil, err
	}
	debugAbbrev, _, err := image.Section(".debug_abbrev")
	if err != nil {
		return nil, err
	}
	if debugInfo == nil || debugAbbrev == nil {
		return nil, fmt.Errorf("%w: missing .debug_info or .debug_abbrev", ErrFormat)
	}
	debugStr, _, _ := image.Section(".debug_str")
	s.debugLoc, _, _ = image.Section(".debug_loc")
	s.debugRanges, _, _ = image.Section(".debug_ranges")

	s.units, err = info.Parse(debugInfo, debugAbbrev, debugStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	order := frame.DwarfEndian(debugInfo)

	if flags&LoadNoLineTables == 0 {
		if debugLine, _, _ := image.Section(".debug_line"); debugLine != nil {
			logfn := func(string, ...interface{}) {}
			if logflags.DebugLineErrors() {
				logfn = logflags.DebugLineLogger().Printf
			}
			compdirs := make(map[uint64]string)
			for _, u := range s.units {
				if len(u.Children) == 0 {
					continue
				}
				root := u.Children[0]
				if off, ok := root.SecOffset(dwarf.AttrStmtList); ok {
					compdirs[off], _ = root.String(dwarf.AttrCompDir)
				}
			}
			compdirFor := func(off uint64) string { return compdirs[off] }
			s.lineInfos, err = line.ParseAll(debugLine, compdirFor, logfn, 0, image.Format == objfile.FormatPE, image.Machine.PtrSize())
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrFormat, err)
			}
		}
	}

	for _, u := range s.units {
		if err := s.semanticPass(u); err != nil {
			return nil, err
		}
	}

	if debugFrame, _, _ := image.Section(".debug_frame"); debugFrame != nil {
		s.frameEntries, err = frame.Parse(debugFrame, order, 0, image.Machine.PtrSize(), 0)
		if err != nil {
			s.log.Warnf("could not parse .debug_frame: %v", err)
		}
	} else if ehFrame, ehFrameAddr, _ := image.Section(".eh_frame"); ehFrame != nil && ehFrameAddr != 0 {
		s.frameEntries, err = frame.Parse(ehFrame, order, 0, image.Machine.PtrSize(), ehFrameAddr)
		if err != nil {
			s.log.Warnf("could not parse .eh_frame: %v", err)
		}
	}
	// FDEForPC binary searches by begin address, the section order is
	// not guaranteed to match.
	s.frameEntries.Sort()

	s.log.Debugf("loaded %s: %d compilation units, %d sources", image.Path, len(s.units), len(s.Sources))
	return s, nil
}

// Close releases the image mapping. The model must not be used after
// Close, its attribute values point into the unmapped bytes.
func (s *Symbols) Close() error {
	s.locCache.Purge()
	return s.image.Close()
}

// LookupFunction returns the function with the exact given name, or
// nil.
func (s *Symbols) LookupFunction(name string) *Function {
	node, ok := s.funcIndex.Find(name)
	if !ok {
		return nil
	}
	fn, _ := node.Meta().(*Function)
	return fn
}

// FunctionsWithPrefix returns all functions whose name starts with
// prefix, in name order.
func (s *Symbols) FunctionsWithPrefix(prefix string) []*Function {
	var fns []*Function
	for _, name := range s.funcIndex.PrefixSearch(prefix) {
		if fn := s.LookupFunction(name); fn != nil {
			fns = append(fns, fn)
		}
	}
	return fns
}

// FunctionForPC returns the innermost function containing pc, or nil.
func (s *Symbols) FunctionForPC(pc uint64) *Function {
	for _, src := range s.Sources {
		for _, fn := range src.Functions {
			if inner := functionForPC(s, fn, pc); inner != nil {
				return inner
			}
		}
	}
	return nil
}

func functionForPC(s *Symbols, fn *Function, pc uint64) *Function {
	if !fn.ContainsPC(s, pc) {
		return nil
	}
	for _, inner := range fn.Inner {
		if hit := functionForPC(s, inner, pc); hit != nil {
			return hit
		}
	}
	return fn
}

// CheckRange walks the ranges list at rangesOff in .debug_ranges and
// reports whether addr falls inside any of its ranges. The base
// address starts at the source file's low PC and is updated by base
// address selection entries.
func (s *Symbols) CheckRange(src *SourceFile, addr uint64, rangesOff uint64) bool {
	if s.debugRanges == nil || rangesOff >= uint64(len(s.debugRanges)) {
		return false
	}

	ptrSize := 8
	base := uint64(0)
	if src != nil {
		base = src.StartAddress
		if src.unit != nil {
			ptrSize = int(src.unit.AddressSize)
		}
	}

	maxAddr := ^uint64(0)
	if ptrSize == 4 {
		maxAddr = uint64(^uint32(0))
	}

	data := s.debugRanges[rangesOff:]
	for len(data) >= 2*ptrSize {
		low := readPtr(data, ptrSize)
		high := readPtr(data[ptrSize:], ptrSize)
		data = data[2*ptrSize:]

		if low == 0 && high == 0 {
			return false
		}
		if low == maxAddr {
			base = high
			continue
		}
		if addr >= low+base && addr < high+base {
			return true
		}
	}
	return false
}

func readPtr(data []byte, ptrSize int) uint64 {
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(data))
	}
	return binary.LittleEndian.Uint64(data)
}
