package symbols

import (
	"debug/dwarf"

	"github.com/kerndbg/kerndbg/pkg/dwarf/info"
	"github.com/kerndbg/kerndbg/pkg/dwarf/line"
)

// buildLineTable runs the unit's line number program and appends one
// SourceLine per emitted row. A row's end address becomes known when
// the next row of the sequence is emitted; end of sequence rows only
// close the previous row.
func (s *Symbols) buildLineTable(src *SourceFile, die *info.Entry) {
	if len(s.lineInfos) == 0 {
		return
	}
	stmtList, ok := die.SecOffset(dwarf.AttrStmtList)
	if !ok {
		return
	}

	var lineInfo *line.DebugLineInfo
	for _, li := range s.lineInfos {
		if li.Offset == stmtList {
			lineInfo = li
			break
		}
	}
	if lineInfo == nil {
		s.log.Debugf("no line program at %#x for %s", stmtList, src.Name)
		return
	}

	var prev *SourceLine
	lineInfo.Rows(func(row line.Location) bool {
		if prev != nil && row.Address >= prev.StartAddress {
			prev.EndAddress = row.Address
		}
		if row.EndSeq {
			prev = nil
			return true
		}

		file := src
		if row.File != src.Path() {
			file = s.findOrCreateSource(src.unit, "", row.File)
		}
		sl := &SourceLine{
			File:         file,
			Line:         row.Line,
			StartAddress: row.Address,
			EndAddress:   row.Address + 1,
		}
		file.Lines = append(file.Lines, sl)
		prev = sl
		return true
	})
}

// LineForPC returns the source line covering pc, or nil.
func (s *Symbols) LineForPC(pc uint64) *SourceLine {
	for _, src := range s.Sources {
		for _, sl := range src.Lines {
			if sl.StartAddress <= pc && pc < sl.EndAddress {
				return sl
			}
		}
	}
	return nil
}
