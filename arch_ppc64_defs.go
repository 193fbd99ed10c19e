// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// PowerPC64 (ELFv2) DWARF register numbering: r0-r31 (0-31, r1 stack
// pointer, r31 frame pointer), f0-f31 (32-63), then ctr (64) and lr (65).
// The return address arrives in the link register and is spilled to the
// caller's frame at CFA+16 per the ELFv2 ABI. The frame pointer anchors at
// the CFA, so spill offsets from it are negative.
const (
	ppc64SPReg  = uint16(1)
	ppc64FBPReg = uint16(31)
	ppc64RAReg  = uint16(65)
)

var ppc64Arch Arch = &archDesc{
	machine: ElfMachinePPC64,
	name:    "powerpc64",
	layout:  newRegLayout(ppc64RegSizes(), noReg, ppc64SPReg, ppc64FBPReg, ppc64RAReg),

	calleeSaved: ppc64CalleeSaved(),

	spNeedsAlign: true,
	stackAlign:   0x10,
	entryAdjust:  0,
	raOffset:     16,
	cfaOffset:    0,
	fbpOffset:    0,
}

func ppc64RegSizes() []uint16 {
	sizes := make([]uint16, 66)
	for i := 0; i <= 63; i++ {
		sizes[i] = 8 // r0-r31, f0-f31
	}
	sizes[64] = 8 // ctr
	sizes[65] = 8 // lr
	return sizes
}

func ppc64CalleeSaved() []CalleeSave {
	var cs []CalleeSave
	for reg := uint16(14); reg <= 31; reg++ { // r14-r31
		cs = append(cs, CalleeSave{Reg: reg, Size: 8})
	}
	for reg := uint16(46); reg <= 63; reg++ { // f14-f31
		cs = append(cs, CalleeSave{Reg: reg, Size: 8})
	}
	return cs
}
