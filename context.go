// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// activation is one frame's worth of rewriting state.
type activation struct {
	site        CallSite
	siteValid   bool
	fn          Function
	cfa         uint64
	regs        *RegSet
	calleeSaved Bitmap
}

// fixup defers resolution of a pointer into the stack until the pointed-to
// data has been placed on the destination stack.
type fixup struct {
	srcAddr uint64
	act     int
	destLoc LiveValue
}

// context holds one side of a rewrite: the handle, the stack window, the
// live activations and the allocation pools. A context belongs to a single
// rewrite and is never shared.
type context struct {
	handle *File
	arch   Arch

	stack *Stack
	// stackTop tracks the lowest live stack address; for the source this is
	// the captured SP, for the destination it is set once the total frame
	// size is known.
	stackTop uint64

	numActs int
	act     int
	acts    [MaxFrames]activation

	stackPointers []fixup

	// Pools for constant-time allocation of per-frame data.
	regsetPool      []byte
	calleeSavedPool []uint64
}

// newContext prepares the pools and the first activation's register set.
func newContext(handle *File, stack *Stack) *context {
	arch := handle.arch
	regSize := arch.RegSetSize()
	words := int(bitmapWords(uint(arch.NumRegisters())))

	ctx := &context{
		handle:          handle,
		arch:            arch,
		stack:           stack,
		regsetPool:      make([]byte, regSize*MaxFrames),
		calleeSavedPool: make([]uint64, words*MaxFrames),
	}
	ctx.acts[0].regs = regSetFrom(arch.layoutOf(), ctx.regsetPool[:regSize])
	ctx.acts[0].calleeSaved = bitmapFrom(uint(arch.NumRegisters()),
		ctx.calleeSavedPool[:words])
	ctx.numActs = 1
	return ctx
}

// newActivation hands out pool storage for activation index i.
func (ctx *context) newActivation(i int) *activation {
	arch := ctx.arch
	regSize := arch.RegSetSize()
	words := int(bitmapWords(uint(arch.NumRegisters())))

	act := &ctx.acts[i]
	act.calleeSaved = bitmapFrom(uint(arch.NumRegisters()),
		ctx.calleeSavedPool[i*words:(i+1)*words])
	act.regs = regSetFrom(arch.layoutOf(), ctx.regsetPool[i*regSize:(i+1)*regSize])
	return act
}

// cur returns the focused activation.
func (ctx *context) cur() *activation {
	return &ctx.acts[ctx.act]
}

// at returns activation i.
func (ctx *context) at(i int) *activation {
	return &ctx.acts[i]
}

// fillCalleeSaved marks the callee-saved registers a function spills, per
// its unwind slice.
func (ctx *context) fillCalleeSaved(act *activation) error {
	locs, err := ctx.handle.UnwindLocs(&act.fn)
	if err != nil {
		return err
	}
	for _, loc := range locs {
		if ctx.arch.IsCalleeSaved(loc.Reg) {
			act.calleeSaved.Set(uint(loc.Reg))
		}
	}
	return nil
}
