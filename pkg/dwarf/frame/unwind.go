package frame

import (
	"fmt"

	"github.com/kerndbg/kerndbg/pkg/dwarf/op"
	"github.com/kerndbg/kerndbg/pkg/target"
)

// UnwoundFrame is the result of unwinding one stack frame: the canonical
// frame address of the frame the pc was in and the register values of
// its caller.
type UnwoundFrame struct {
	CFA        uint64
	ReturnAddr uint64
	Regs       map[uint64]uint64
}

// Unwind computes the caller's register state for a pc covered by fdes.
// When cfaOnly is set only the canonical frame address is computed and
// the return address is reported as zero; no register rules run.
func Unwind(t target.Target, fdes FrameDescriptionEntries, pc uint64, cfaOnly bool) (*UnwoundFrame, error) {
	fde, err := fdes.FDEForPC(pc)
	if err != nil {
		return nil, err
	}

	frame, err := fde.EstablishFrame(pc)
	if err != nil {
		return nil, err
	}

	return frame.Unwind(t, cfaOnly)
}

// Unwind applies the frame's register rules against the target and
// returns the caller's state.
func (frame *FrameContext) Unwind(t target.Target, cfaOnly bool) (*UnwoundFrame, error) {
	cfa, err := frame.resolveCFA(t)
	if err != nil {
		return nil, err
	}

	unwound := &UnwoundFrame{CFA: cfa, Regs: make(map[uint64]uint64)}
	if cfaOnly {
		return unwound, nil
	}

	for reg, rule := range frame.Regs {
		val, undef, err := frame.executeRule(t, reg, rule, cfa)
		if err != nil {
			return nil, fmt.Errorf("unwinding %s: %v", t.RegisterName(reg), err)
		}
		if undef {
			continue
		}
		unwound.Regs[reg] = val
	}

	// A frame that never mentions the register its CFA is computed from
	// implicitly restores it to the CFA itself.
	if frame.CFA.Rule == RuleCFA {
		if _, ok := frame.Regs[frame.CFA.Reg]; !ok {
			unwound.Regs[frame.CFA.Reg] = cfa
		}
	}

	unwound.ReturnAddr = unwound.Regs[frame.RetAddrReg]
	return unwound, nil
}

// ApplyTo writes the unwound state into the target, moving it one frame
// up the stack. The program counter is written first so a failure part
// way through still leaves the target at the caller.
func (unwound *UnwoundFrame) ApplyTo(t target.Target) error {
	if err := t.WritePC(unwound.ReturnAddr); err != nil {
		return err
	}
	for reg, val := range unwound.Regs {
		if err := t.WriteRegister(reg, val); err != nil {
			return err
		}
	}
	return nil
}

func (frame *FrameContext) resolveCFA(t target.Target) (uint64, error) {
	switch frame.CFA.Rule {
	case RuleCFA:
		base, err := t.ReadRegister(frame.CFA.Reg)
		if err != nil {
			return 0, err
		}
		return uint64(int64(base) + frame.CFA.Offset), nil

	case RuleExpression:
		loc, err := frame.executeFrameExpression(t, frame.CFA.Expression, nil)
		if err != nil {
			return 0, err
		}
		if loc.Type != op.LocationMemory {
			return 0, fmt.Errorf("CFA expression did not produce an address")
		}
		return loc.Address, nil

	default:
		return 0, fmt.Errorf("no CFA rule established")
	}
}

// executeRule computes the caller's value of one register. The second
// return is true when the rule leaves the register undefined.
func (frame *FrameContext) executeRule(t target.Target, reg uint64, rule DWRule, cfa uint64) (uint64, bool, error) {
	switch rule.Rule {
	case RuleUndefined:
		return 0, true, nil

	case RuleSameVal:
		// Registers the target cannot produce stay unknown rather
		// than failing the whole unwind.
		val, err := t.ReadRegister(reg)
		if err != nil {
			return 0, true, nil
		}
		return val, false, nil

	case RuleOffset:
		val, err := frame.readFrameMemory(t, uint64(int64(cfa)+rule.Offset))
		return val, false, err

	case RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), false, nil

	case RuleRegister:
		val, err := t.ReadRegister(rule.Reg)
		return val, false, err

	case RuleExpression:
		loc, err := frame.executeFrameExpression(t, rule.Expression, []int64{int64(cfa)})
		if err != nil {
			return 0, false, err
		}
		if loc.Type != op.LocationMemory {
			return 0, false, fmt.Errorf("register expression did not produce an address")
		}
		val, err := frame.readFrameMemory(t, loc.Address)
		return val, false, err

	case RuleValExpression:
		loc, err := frame.executeFrameExpression(t, rule.Expression, []int64{int64(cfa)})
		if err != nil {
			return 0, false, err
		}
		switch loc.Type {
		case op.LocationMemory:
			return loc.Address, false, nil
		case op.LocationKnownValue:
			return uint64(loc.Value), false, nil
		}
		return 0, false, fmt.Errorf("register expression did not produce a value")

	default:
		return 0, false, fmt.Errorf("unknown register rule %d", rule.Rule)
	}
}

func (frame *FrameContext) executeFrameExpression(t target.Target, expr []byte, initial []int64) (*op.Location, error) {
	ctx := &op.Context{
		PtrSize:      frame.PtrSize(),
		ByteOrder:    frame.Order(),
		InitialPush:  initial,
		ReadMemory:   t.ReadMemory,
		ReadRegister: t.ReadRegister,
	}
	return op.ExecuteStackProgram(ctx, expr)
}

func (frame *FrameContext) readFrameMemory(t target.Target, addr uint64) (uint64, error) {
	buf, err := t.ReadMemory(addr, frame.PtrSize(), 0)
	if err != nil {
		return 0, err
	}
	switch len(buf) {
	case 4:
		return uint64(frame.Order().Uint32(buf)), nil
	case 8:
		return frame.Order().Uint64(buf), nil
	}
	return 0, fmt.Errorf("unexpected read size %d", len(buf))
}
