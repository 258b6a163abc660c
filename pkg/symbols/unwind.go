package symbols

import (
	"fmt"

	"github.com/kerndbg/kerndbg/pkg/dwarf/frame"
	"github.com/kerndbg/kerndbg/pkg/target"
)

// StackUnwind recovers the caller's state for the frame containing
// debasedPC (a link time address, the image slide already removed).
// Unless cfaOnly is set the unwound register values are written back to
// the target, PC first. The absence of an FDE covering the PC is the
// normal end of a stack walk and surfaces as *frame.ErrNoFDEForPC.
func (s *Symbols) StackUnwind(t target.Target, debasedPC uint64, cfaOnly bool) (*StackFrame, error) {
	if len(s.frameEntries) == 0 {
		return nil, &frame.ErrNoFDEForPC{PC: debasedPC}
	}

	unwound, err := frame.Unwind(t, s.frameEntries, debasedPC, cfaOnly)
	if err != nil {
		return nil, err
	}

	if !cfaOnly {
		if err := unwound.ApplyTo(t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTargetIO, err)
		}
	}

	return &StackFrame{
		FramePointer:  unwound.CFA,
		ReturnAddress: unwound.ReturnAddr,
	}, nil
}
