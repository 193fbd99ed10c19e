// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// addOffset applies a signed offset to an address.
func addOffset(addr uint64, off int64) uint64 {
	return uint64(int64(addr) + off)
}

// frameCFA computes an activation's canonical frame address from its stack
// pointer and its function's stackmap frame size, with the architecture's
// CFA correction applied.
func (ctx *context) frameCFA(act *activation) uint64 {
	return act.regs.SP() + uint64(act.fn.FrameSize) + ctx.arch.CFAOffset()
}

// bootstrapFirstFrame establishes the outermost source activation's CFA.
// The captured program counter is mid-function, so the prologue has run and
// the frame is fully materialized.
func (ctx *context) bootstrapFirstFrame() {
	act := ctx.cur()
	act.cfa = ctx.frameCFA(act)
}

// bootstrapFirstFrameFuncEntry establishes the outermost destination
// activation. The frame is conceptually executing the first instruction of
// its function: no stack bytes belong to it yet and the CFA sits just above
// the entry stack pointer.
func (ctx *context) bootstrapFirstFrameFuncEntry() {
	act := ctx.cur()
	act.cfa = act.regs.SP() + ctx.arch.EntrySPAdjust()
}

// popFrame unwinds the focused activation, producing the next outer
// activation's register set and stack pointer.
//
// In destination mode the next activation was prepared during
// unwind-and-size (its call site, function and callee-saved bitmap are
// already known), the frame base pointer is derived from the CFA rather
// than read from memory, and the CFA itself is computed immediately since
// the next frame's size is known.
func (ctx *context) popFrame(destMode bool) error {
	if ctx.act+1 >= MaxFrames {
		return ErrStackOverflow
	}

	act := ctx.cur()
	var next *activation
	if destMode {
		next = ctx.at(ctx.act + 1)
	} else {
		next = ctx.newActivation(ctx.act + 1)
	}
	copy(next.regs.data, act.regs.data)

	// Restore callee-saved registers from the frame's spill slots.
	locs, err := ctx.handle.UnwindLocs(&act.fn)
	if err != nil {
		return ErrUnwindFailed
	}
	fbp := act.regs.FBP()
	for _, loc := range locs {
		if !ctx.arch.IsCalleeSaved(loc.Reg) {
			continue
		}
		size := ctx.arch.RegisterSize(loc.Reg)
		if size > 8 {
			size = 8
		}
		saved, err := ctx.stack.Read(addOffset(fbp, int64(loc.Offset)), uint64(size))
		if err != nil {
			if destMode {
				// Slots of not-yet-rewritten frames are filled in later.
				continue
			}
			return ErrUnwindFailed
		}
		dst, err := next.regs.Reg(loc.Reg)
		if err != nil {
			return ErrUnwindFailed
		}
		copy(dst[:size], saved)
		act.calleeSaved.Set(uint(loc.Reg))
	}

	// Some ABIs map the return address to a dedicated register (e.g. the
	// AArch64 link register); others leave it on the stack at a fixed
	// offset from the CFA.
	if ctx.arch.HasRAReg() {
		next.regs.SetPC(next.regs.RA())
	} else {
		ra, err := ctx.stack.ReadUint64(addOffset(act.cfa, ctx.arch.RAOffset()))
		if err != nil {
			return ErrUnwindFailed
		}
		next.regs.SetPC(ra)
	}

	// The caller's stack pointer is by definition the current frame's CFA.
	next.regs.SetSP(act.cfa)

	if destMode {
		next.cfa = ctx.frameCFA(next)
		next.regs.SetFBP(next.cfa - ctx.arch.FBPOffset())
	}

	ctx.act++
	return nil
}

// popFrameFuncEntry pops the outermost destination frame. The frame is at
// function entry, so no registers have been spilled and the frame base
// pointer still holds the caller's value; nothing may be read through it.
func (ctx *context) popFrameFuncEntry() error {
	if ctx.act+1 >= MaxFrames {
		return ErrStackOverflow
	}

	act := ctx.cur()
	next := ctx.at(ctx.act + 1)
	copy(next.regs.data, act.regs.data)

	if ctx.arch.HasRAReg() {
		next.regs.SetPC(act.regs.RA())
	} else {
		ra, err := ctx.stack.ReadUint64(addOffset(act.cfa, ctx.arch.RAOffset()))
		if err != nil {
			return ErrUnwindFailed
		}
		next.regs.SetPC(ra)
	}

	next.regs.SetSP(act.cfa)
	next.cfa = ctx.frameCFA(next)
	next.regs.SetFBP(next.cfa - ctx.arch.FBPOffset())

	// The entry frame observes its caller's frame base pointer; expose it
	// so the re-executed prologue spills the correct value.
	act.regs.SetFBP(next.regs.FBP())

	ctx.act++
	return nil
}

// setReturnAddress writes the focused frame's return-address slot.
func (ctx *context) setReturnAddress(retAddr uint64) error {
	return ctx.stack.WriteUint64(addOffset(ctx.cur().cfa, ctx.arch.RAOffset()), retAddr)
}

// setReturnAddressFuncEntry writes the return address before the function
// has set up its frame, i.e. directly upon function entry.
func (ctx *context) setReturnAddressFuncEntry(retAddr uint64) error {
	if ctx.arch.HasRAReg() {
		ctx.cur().regs.SetRA(retAddr)
		return nil
	}
	return ctx.stack.WriteUint64(addOffset(ctx.cur().cfa, ctx.arch.RAOffset()), retAddr)
}

// savedFBPLoc returns the stack address where the focused frame's function
// spilled the caller's frame base pointer.
func (ctx *context) savedFBPLoc() (uint64, error) {
	act := ctx.cur()
	off, ok := ctx.handle.unwindOffsetFor(&act.fn, ctx.arch.FBPReg())
	if !ok {
		return 0, ErrUnwindFailed
	}
	return addOffset(act.regs.FBP(), int64(off)), nil
}
