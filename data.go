// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import "encoding/binary"

// valueLoc is the resolved storage of a live value: either a register
// number or a stack address.
type valueLoc struct {
	isReg bool
	reg   uint16
	addr  uint64
}

// valLoc resolves a location descriptor against activation act. Direct and
// Indirect locations are fundamentally different value kinds, but their
// storage addresses are generated identically.
func (ctx *context) valLoc(kind uint8, reg uint16, offset int32, act int) (valueLoc, error) {
	switch kind {
	case LocRegister:
		return valueLoc{isReg: true, reg: reg}, nil
	case LocDirect, LocIndirect:
		base, err := ctx.acts[act].regs.RegUint64(reg)
		if err != nil {
			return valueLoc{}, err
		}
		return valueLoc{addr: addOffset(base, int64(offset))}, nil
	case LocConstIndex:
		return valueLoc{}, ErrConstIndex
	default:
		return valueLoc{}, ErrInvalidArgument
	}
}

// readVal reads a live value's bytes from activation act.
func (ctx *context) readVal(val *LiveValue, act int) ([]byte, error) {
	size := uint64(val.ValSize())
	switch val.Kind() {
	case LocRegister:
		b, err := ctx.acts[act].regs.Reg(val.Reg)
		if err != nil {
			return nil, err
		}
		if size > uint64(len(b)) {
			return nil, ErrOutsideBoundary
		}
		return b[:size], nil
	case LocDirect, LocIndirect:
		loc, err := ctx.valLoc(val.Kind(), val.Reg, val.OffsetOrConstant, act)
		if err != nil {
			return nil, err
		}
		return ctx.stack.Read(loc.addr, size)
	case LocConstant:
		// Constants are sign-extended to the value size.
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(int64(val.OffsetOrConstant)))
		if size > 8 {
			return nil, ErrOutsideBoundary
		}
		return b[:size], nil
	case LocConstIndex:
		return nil, ErrConstIndex
	default:
		return nil, ErrInvalidArgument
	}
}

// writeVal writes bytes into a live value's location in activation act,
// propagating callee-saved registers to their spill slots.
func (ctx *context) writeVal(val *LiveValue, act int, b []byte) error {
	loc, err := ctx.valLoc(val.Kind(), val.Reg, val.OffsetOrConstant, act)
	if err != nil {
		return err
	}

	if !loc.isReg {
		return ctx.stack.Write(loc.addr, b)
	}

	dst, err := ctx.acts[act].regs.Reg(loc.reg)
	if err != nil {
		return err
	}
	if len(b) > len(dst) {
		return ErrOutsideBoundary
	}
	copy(dst[:len(b)], b)

	if ctx.arch.IsCalleeSaved(loc.reg) {
		return ctx.propagateCalleeSaved(loc.reg, act, b)
	}
	return nil
}

// registerSaveLoc returns the stack address of the slot where activation
// act spilled reg.
func (ctx *context) registerSaveLoc(act int, reg uint16) (uint64, error) {
	a := &ctx.acts[act]
	off, ok := ctx.handle.unwindOffsetFor(&a.fn, reg)
	if !ok {
		return 0, ErrUnwindFailed
	}
	return addOffset(a.regs.FBP(), int64(off)), nil
}

// propagateCalleeSaved keeps the register's memory-materialized copies in
// sync with the value just written for activation act, so the order in
// which frames are rewritten does not matter.
//
// The slot owned by act itself (if its prologue spilled the register)
// holds the copy read back when this frame's function returns; the slot of
// the nearest activation down the call chain holds the copy this frame's
// value is restored from. With no spill down the chain the register is
// still live in the outermost frame's register set.
func (ctx *context) propagateCalleeSaved(reg uint16, act int, b []byte) error {
	if ctx.acts[act].calleeSaved.IsSet(uint(reg)) {
		addr, err := ctx.registerSaveLoc(act, reg)
		if err != nil {
			return err
		}
		if err := ctx.stack.Write(addr, b); err != nil {
			return err
		}
	}

	if act <= 0 {
		return nil
	}
	for j := act - 1; j >= 0; j-- {
		if !ctx.acts[j].calleeSaved.IsSet(uint(reg)) {
			continue
		}
		addr, err := ctx.registerSaveLoc(j, reg)
		if err != nil {
			return err
		}
		return ctx.stack.Write(addr, b)
	}

	// Register is still live in the outermost frame.
	dst, err := ctx.acts[0].regs.Reg(reg)
	if err != nil {
		return err
	}
	if len(b) > len(dst) {
		return ErrOutsideBoundary
	}
	copy(dst[:len(b)], b)
	return nil
}

// putVal copies a live value from the focused source frame to its location
// in the focused destination frame.
func putVal(src *context, srcVal *LiveValue, dest *context, destVal *LiveValue) error {
	// Nothing to copy when the destination regenerates the value.
	if destVal.Kind() == LocConstant || destVal.Kind() == LocConstIndex {
		dest.handle.logger.Debugf("skipping value (destination value is constant)")
		return nil
	}

	if srcVal.ValSize() != destVal.ValSize() {
		return ErrSizeMismatch
	}

	b, err := src.readVal(srcVal, src.act)
	if err != nil {
		return err
	}
	return dest.writeVal(destVal, dest.act, b)
}

// putValData writes raw pointer data into a live value's location in
// activation act. Used to reify pointers to the stack once the pointed-to
// data is placed.
func putValData(ctx *context, val *LiveValue, act int, data uint64) error {
	if val.Kind() == LocConstant || val.Kind() == LocConstIndex {
		return nil
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], data)
	return ctx.writeVal(val, act, b[:])
}

// pointsToStack returns the address a pointer-typed live value refers to
// when it falls within the stack bounds of the context.
func (ctx *context) pointsToStack(val *LiveValue) (uint64, bool) {
	if !val.IsPtr() {
		return 0, false
	}

	var ptr uint64
	switch val.Kind() {
	case LocRegister:
		v, err := ctx.acts[ctx.act].regs.RegUint64(val.Reg)
		if err != nil {
			return 0, false
		}
		ptr = v
	case LocDirect, LocIndirect:
		loc, err := ctx.valLoc(val.Kind(), val.Reg, val.OffsetOrConstant, ctx.act)
		if err != nil {
			return 0, false
		}
		v, err := ctx.stack.ReadUint64(loc.addr)
		if err != nil {
			return 0, false
		}
		ptr = v
	default:
		// Directly-encoded constants are too small to hold pointers.
		return 0, false
	}

	if ptr < ctx.stackTop || ctx.stack.Base <= ptr {
		return 0, false
	}
	return ptr, true
}

// pointsToData checks whether srcPtr points into the stack allocation
// srcVal in the focused source frame. If so it returns the corresponding
// address inside the destination allocation destVal.
func pointsToData(src *context, srcVal *LiveValue,
	dest *context, destVal *LiveValue, srcPtr uint64) (uint64, bool) {

	if srcVal.Kind() != LocDirect || destVal.Kind() != LocDirect {
		return 0, false
	}

	srcLoc, err := src.valLoc(srcVal.Kind(), srcVal.Reg, srcVal.OffsetOrConstant, src.act)
	if err != nil {
		return 0, false
	}
	if srcPtr < srcLoc.addr || srcLoc.addr+uint64(srcVal.AllocaSize) <= srcPtr {
		return 0, false
	}

	destLoc, err := dest.valLoc(destVal.Kind(), destVal.Reg, destVal.OffsetOrConstant, dest.act)
	if err != nil {
		return 0, false
	}
	return destLoc.addr + (srcPtr - srcLoc.addr), true
}

// putValArch evaluates an architecture-specific recipe and sets the
// resulting value in the focused destination frame.
func putValArch(ctx *context, val *ArchLiveValue) error {
	if val.DstKind() != LocRegister && val.DstKind() != LocIndirect {
		return ErrInvalidArgument
	}

	loc, err := ctx.valLoc(val.DstKind(), val.DstReg, int32(val.DstOff), ctx.act)
	if err != nil {
		return err
	}

	var dst []byte
	if loc.isReg {
		b, err := ctx.acts[ctx.act].regs.Reg(loc.reg)
		if err != nil {
			return err
		}
		dst = b
	} else {
		b, err := ctx.stack.Read(loc.addr, uint64(val.DstSize))
		if err != nil {
			return err
		}
		dst = b
	}

	if err := ctx.applyArchOperation(dst, val); err != nil {
		return err
	}

	if loc.isReg && ctx.arch.IsCalleeSaved(loc.reg) {
		size := int(val.OpSize)
		if size == 0 || size > len(dst) {
			size = len(dst)
		}
		return ctx.propagateCalleeSaved(loc.reg, ctx.act, dst[:size])
	}
	return nil
}

// applyArchOperation interprets a recipe against the destination bits.
// Generative instructions combine the destination's current value with the
// operand on 64-bit lanes; non-generative ones copy the operand (or its
// address, for Indirect operands) into the destination.
func (ctx *context) applyArchOperation(dst []byte, val *ArchLiveValue) error {
	act := ctx.act

	if val.IsGenerative() {
		lane := dst
		if len(lane) > 8 {
			lane = lane[:8]
		}
		orig := zeroExtend(lane)

		var x uint64
		switch val.OperandKind() {
		case LocRegister:
			v, err := ctx.acts[act].regs.RegUint64(val.OpReg)
			if err != nil {
				return err
			}
			x = v
		case LocConstant:
			x = uint64(val.OpValue)
		default:
			return ErrInvalidArgument
		}

		var out uint64
		switch val.InstType() {
		case InstSet:
			out = x
		case InstAdd:
			out = orig + x
		case InstSubtract:
			out = orig - x
		case InstMultiply:
			out = orig * x
		case InstDivide:
			if x == 0 {
				return ErrInvalidArgument
			}
			out = orig / x
		case InstLeftShift:
			out = orig << (x & 63)
		case InstRightShiftLog:
			out = orig >> (x & 63)
		case InstRightShiftArith:
			out = uint64(int64(orig) >> (x & 63))
		case InstMask:
			out = orig & x
		default:
			return ErrInvalidArgument
		}

		ctx.handle.logger.Debugf("%s operand for arch-specific value",
			instTypeNames[val.InstType()])
		truncate(lane, out)
		return nil
	}

	size := uint64(val.OpSize)
	switch val.OperandKind() {
	case LocRegister:
		b, err := ctx.acts[act].regs.Reg(val.OpReg)
		if err != nil {
			return err
		}
		if size > uint64(len(b)) || size > uint64(len(dst)) {
			return ErrOutsideBoundary
		}
		copy(dst[:size], b[:size])
	case LocDirect:
		base, err := ctx.acts[act].regs.RegUint64(val.OpReg)
		if err != nil {
			return err
		}
		b, err := ctx.stack.Read(addOffset(base, val.OpValue), size)
		if err != nil {
			return err
		}
		copy(dst[:size], b)
	case LocIndirect:
		// The reference to the stack slot is the value.
		base, err := ctx.acts[act].regs.RegUint64(val.OpReg)
		if err != nil {
			return err
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], addOffset(base, val.OpValue))
		if size > 8 || size > uint64(len(dst)) {
			return ErrOutsideBoundary
		}
		copy(dst[:size], b[:size])
	case LocConstant:
		if val.InstType() == InstLoad64 {
			// Rematerialize a global from its absolute address.
			if ctx.handle.opts.MemReader == nil {
				return ErrInvalidArgument
			}
			if len(dst) < 8 {
				return ErrOutsideBoundary
			}
			return ctx.handle.opts.MemReader(uint64(val.OpValue), dst[:8])
		}
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(val.OpValue))
		if size > 8 || size > uint64(len(dst)) {
			return ErrOutsideBoundary
		}
		copy(dst[:size], b[:size])
	default:
		return ErrInvalidArgument
	}
	return nil
}
