// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// CalleeSave names one callee-saved register and the number of bytes its
// spill slot occupies.
type CalleeSave struct {
	Reg  uint16
	Size uint16
}

// Arch describes the register set and stack properties of one ISA. A
// descriptor is selected from the ELF machine type at handle initialization
// and shared by every rewrite using the handle.
type Arch interface {
	// Machine returns the ELF machine type.
	Machine() uint16

	// Name returns a human-readable architecture name.
	Name() string

	// PointerSize returns the pointer size in bytes.
	PointerSize() int

	// NumRegisters returns the size of the DWARF register number space.
	NumRegisters() int

	// RegisterSize returns the size in bytes of a register, or zero when
	// the number does not name a register.
	RegisterSize(reg uint16) int

	// RegSetSize returns the size of the flat register blob.
	RegSetSize() int

	// NewRegSet returns an empty register set.
	NewRegSet() *RegSet

	// HasRAReg reports whether the return address lives in a dedicated
	// register rather than on the stack.
	HasRAReg() bool

	// RAReg returns the return-address register number. Only meaningful
	// when HasRAReg is true.
	RAReg() uint16

	// SPReg returns the stack-pointer register number.
	SPReg() uint16

	// FBPReg returns the frame-base-pointer register number.
	FBPReg() uint16

	// SPNeedsAlign reports whether the stack pointer requires explicit
	// alignment at function entry.
	SPNeedsAlign() bool

	// AlignSP aligns a prospective stack pointer for function entry,
	// including the architecture's entry adjustment.
	AlignSP(sp uint64) uint64

	// EntrySPAdjust returns the distance of the CFA above SP at function
	// entry (e.g. the pushed return address on x86-64).
	EntrySPAdjust() uint64

	// CalleeSaved returns the callee-saved register set in spill order.
	CalleeSaved() []CalleeSave

	// IsCalleeSaved reports whether reg is in the callee-saved set.
	IsCalleeSaved(reg uint16) bool

	// RAOffset returns the offset of the return-address slot relative to
	// the CFA.
	RAOffset() int64

	// CFAOffset returns the correction added to stackmap-reported frame
	// sizes when computing the CFA.
	CFAOffset() uint64

	// FBPOffset returns the distance of the frame base pointer below the
	// CFA once a function's prologue has run.
	FBPOffset() uint64

	// layoutOf exposes the register layout backing the descriptor's
	// register sets to the rewrite pools.
	layoutOf() *regLayout
}

// archForMachine returns the descriptor registered for an ELF machine
// type, or nil.
func archForMachine(machine uint16) Arch {
	switch machine {
	case ElfMachineX8664:
		return x8664Arch
	case ElfMachineAArch64:
		return aarch64Arch
	case ElfMachinePPC64:
		return ppc64Arch
	case ElfMachineRISCV:
		return riscv64Arch
	}
	return nil
}

// noReg marks an absent register assignment in a layout.
const noReg = ^uint16(0)

// regLayout maps DWARF register numbers onto a flat storage blob. Register
// numbering follows each ABI's DWARF convention; architectures without a
// DWARF number for the program counter get a dedicated trailing slot.
type regLayout struct {
	numRegs  int
	sizes    []uint16
	offsets  []int
	blobSize int
	pcOff    int

	spReg  uint16
	fbpReg uint16
	raReg  uint16
	hasRA  bool
}

// newRegLayout lays registers out in ascending number order. sizes[i] == 0
// leaves register i unaddressable (a numbering gap). pcReg is the DWARF
// number of the program counter, or noReg for a dedicated slot.
func newRegLayout(sizes []uint16, pcReg, spReg, fbpReg, raReg uint16) *regLayout {
	l := &regLayout{
		numRegs: len(sizes),
		sizes:   sizes,
		offsets: make([]int, len(sizes)),
		spReg:   spReg,
		fbpReg:  fbpReg,
		raReg:   raReg,
		hasRA:   raReg != noReg,
	}

	off := 0
	for i, size := range sizes {
		if size == 0 {
			l.offsets[i] = -1
			continue
		}
		l.offsets[i] = off
		off += int(size)
	}

	if pcReg == noReg {
		l.pcOff = off
		off += 8
	} else {
		l.pcOff = l.offsets[pcReg]
	}
	l.blobSize = off
	return l
}

// RegSet holds one activation's register values as a flat little-endian
// blob addressed through a register layout.
type RegSet struct {
	layout *regLayout
	data   []byte
}

func newRegSet(layout *regLayout) *RegSet {
	return &RegSet{layout: layout, data: make([]byte, layout.blobSize)}
}

// regSetFrom wraps pre-allocated pool storage, clearing it first.
func regSetFrom(layout *regLayout, storage []byte) *RegSet {
	for i := range storage {
		storage[i] = 0
	}
	return &RegSet{layout: layout, data: storage}
}

// Reg returns the mutable storage of a register. The slice aliases the
// register set.
func (r *RegSet) Reg(reg uint16) ([]byte, error) {
	if int(reg) >= r.layout.numRegs || r.layout.offsets[reg] < 0 {
		return nil, ErrOutsideBoundary
	}
	off := r.layout.offsets[reg]
	return r.data[off : off+int(r.layout.sizes[reg])], nil
}

// RegUint64 returns up to eight bytes of a register, zero-extended.
func (r *RegSet) RegUint64(reg uint16) (uint64, error) {
	b, err := r.Reg(reg)
	if err != nil {
		return 0, err
	}
	if len(b) > 8 {
		b = b[:8]
	}
	return zeroExtend(b), nil
}

// SetRegUint64 stores v into a register, truncating to the register size.
func (r *RegSet) SetRegUint64(reg uint16, v uint64) error {
	b, err := r.Reg(reg)
	if err != nil {
		return err
	}
	if len(b) > 8 {
		for i := 8; i < len(b); i++ {
			b[i] = 0
		}
		b = b[:8]
	}
	truncate(b, v)
	return nil
}

// PC returns the program counter.
func (r *RegSet) PC() uint64 {
	return zeroExtend(r.data[r.layout.pcOff : r.layout.pcOff+8])
}

// SetPC sets the program counter.
func (r *RegSet) SetPC(pc uint64) {
	truncate(r.data[r.layout.pcOff:r.layout.pcOff+8], pc)
}

// SP returns the stack pointer.
func (r *RegSet) SP() uint64 {
	v, _ := r.RegUint64(r.layout.spReg)
	return v
}

// SetSP sets the stack pointer.
func (r *RegSet) SetSP(sp uint64) {
	r.SetRegUint64(r.layout.spReg, sp) //nolint:errcheck
}

// FBP returns the frame base pointer.
func (r *RegSet) FBP() uint64 {
	v, _ := r.RegUint64(r.layout.fbpReg)
	return v
}

// SetFBP sets the frame base pointer.
func (r *RegSet) SetFBP(fbp uint64) {
	r.SetRegUint64(r.layout.fbpReg, fbp) //nolint:errcheck
}

// RA returns the return-address register's value. Zero for architectures
// without one.
func (r *RegSet) RA() uint64 {
	if !r.layout.hasRA {
		return 0
	}
	v, _ := r.RegUint64(r.layout.raReg)
	return v
}

// SetRA sets the return-address register.
func (r *RegSet) SetRA(ra uint64) {
	if !r.layout.hasRA {
		return
	}
	r.SetRegUint64(r.layout.raReg, ra) //nolint:errcheck
}

// CopyIn fills the register set from a flat blob.
func (r *RegSet) CopyIn(blob []byte) error {
	if len(blob) != r.layout.blobSize {
		return ErrInvalidArgument
	}
	copy(r.data, blob)
	return nil
}

// CopyOut serializes the register set into a flat blob.
func (r *RegSet) CopyOut(blob []byte) error {
	if len(blob) != r.layout.blobSize {
		return ErrInvalidArgument
	}
	copy(blob, r.data)
	return nil
}

// cloneInto copies the register set into pool storage.
func (r *RegSet) cloneInto(storage []byte) *RegSet {
	copy(storage, r.data)
	return &RegSet{layout: r.layout, data: storage}
}

// Clone returns an independent copy of the register set.
func (r *RegSet) Clone() *RegSet {
	c := newRegSet(r.layout)
	copy(c.data, r.data)
	return c
}
