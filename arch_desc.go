// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// archDesc is the shared descriptor implementation. Each supported ISA
// instantiates one in its own file with its register layout and stack
// property tables.
type archDesc struct {
	machine uint16
	name    string
	layout  *regLayout

	calleeSaved []CalleeSave

	spNeedsAlign bool
	stackAlign   uint64
	entryAdjust  uint64
	raOffset     int64
	cfaOffset    uint64
	fbpOffset    uint64
}

func (a *archDesc) Machine() uint16 { return a.machine }

func (a *archDesc) Name() string { return a.name }

func (a *archDesc) PointerSize() int { return 8 }

func (a *archDesc) NumRegisters() int { return a.layout.numRegs }

func (a *archDesc) RegisterSize(reg uint16) int {
	if int(reg) >= a.layout.numRegs {
		return 0
	}
	return int(a.layout.sizes[reg])
}

func (a *archDesc) RegSetSize() int { return a.layout.blobSize }

func (a *archDesc) NewRegSet() *RegSet { return newRegSet(a.layout) }

func (a *archDesc) HasRAReg() bool { return a.layout.hasRA }

func (a *archDesc) RAReg() uint16 { return a.layout.raReg }

func (a *archDesc) SPReg() uint16 { return a.layout.spReg }

func (a *archDesc) FBPReg() uint16 { return a.layout.fbpReg }

func (a *archDesc) SPNeedsAlign() bool { return a.spNeedsAlign }

func (a *archDesc) AlignSP(sp uint64) uint64 {
	return alignDown(sp, a.stackAlign) - a.entryAdjust
}

func (a *archDesc) EntrySPAdjust() uint64 { return a.entryAdjust }

func (a *archDesc) CalleeSaved() []CalleeSave { return a.calleeSaved }

func (a *archDesc) IsCalleeSaved(reg uint16) bool {
	for _, cs := range a.calleeSaved {
		if cs.Reg == reg {
			return true
		}
	}
	return false
}

func (a *archDesc) RAOffset() int64 { return a.raOffset }

func (a *archDesc) CFAOffset() uint64 { return a.cfaOffset }

func (a *archDesc) FBPOffset() uint64 { return a.fbpOffset }

func (a *archDesc) layoutOf() *regLayout { return a.layout }
