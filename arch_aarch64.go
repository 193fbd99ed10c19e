// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// AArch64 DWARF register numbering: x0-x30 (0-30, x29 frame pointer, x30
// link register), sp (31) and v0-v31 (64-95). The program counter has no
// DWARF number and gets a dedicated slot at the end of the register blob.
// The return address arrives in the link register; after the prologue's
// `stp x29, x30` pair the frame record sits at CFA-16 with the saved link
// register at CFA-8.
const (
	aarch64SPReg  = uint16(31)
	aarch64FBPReg = uint16(29)
	aarch64RAReg  = uint16(30)
)

var aarch64Arch Arch = &archDesc{
	machine: ElfMachineAArch64,
	name:    "aarch64",
	layout:  newRegLayout(aarch64RegSizes(), noReg, aarch64SPReg, aarch64FBPReg, aarch64RAReg),

	calleeSaved: aarch64CalleeSaved(),

	spNeedsAlign: true,
	stackAlign:   0x10,
	entryAdjust:  0,
	raOffset:     -8,
	cfaOffset:    0,
	fbpOffset:    16,
}

func aarch64RegSizes() []uint16 {
	sizes := make([]uint16, 96)
	for i := 0; i <= 31; i++ {
		sizes[i] = 8
	}
	for i := 64; i <= 95; i++ {
		sizes[i] = 16 // v0-v31
	}
	return sizes
}

func aarch64CalleeSaved() []CalleeSave {
	var cs []CalleeSave
	for reg := uint16(19); reg <= 30; reg++ { // x19-x28, x29, x30
		cs = append(cs, CalleeSave{Reg: reg, Size: 8})
	}
	for reg := uint16(72); reg <= 79; reg++ { // d8-d15, low half only
		cs = append(cs, CalleeSave{Reg: reg, Size: 8})
	}
	return cs
}
