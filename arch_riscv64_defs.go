// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// RISC-V 64 DWARF register numbering: x0-x31 (0-31, x1 return address, x2
// stack pointer, x8 frame pointer) and f0-f31 (32-63). The return address
// arrives in ra and is spilled at CFA-8 by non-leaf prologues; the frame
// pointer anchors at the CFA per the psABI.
const (
	riscv64SPReg  = uint16(2)
	riscv64FBPReg = uint16(8)
	riscv64RAReg  = uint16(1)
)

var riscv64Arch Arch = &archDesc{
	machine: ElfMachineRISCV,
	name:    "riscv64",
	layout:  newRegLayout(riscv64RegSizes(), noReg, riscv64SPReg, riscv64FBPReg, riscv64RAReg),

	calleeSaved: riscv64CalleeSaved(),

	spNeedsAlign: true,
	stackAlign:   0x10,
	entryAdjust:  0,
	raOffset:     -8,
	cfaOffset:    0,
	fbpOffset:    0,
}

func riscv64RegSizes() []uint16 {
	sizes := make([]uint16, 64)
	for i := 0; i < 64; i++ {
		sizes[i] = 8 // x0-x31, f0-f31
	}
	return sizes
}

func riscv64CalleeSaved() []CalleeSave {
	cs := []CalleeSave{
		{Reg: 1, Size: 8}, // ra
		{Reg: 8, Size: 8}, // s0/fp
		{Reg: 9, Size: 8}, // s1
	}
	for reg := uint16(18); reg <= 27; reg++ { // s2-s11
		cs = append(cs, CalleeSave{Reg: reg, Size: 8})
	}
	for reg := uint16(40); reg <= 41; reg++ { // fs0-fs1
		cs = append(cs, CalleeSave{Reg: reg, Size: 8})
	}
	for reg := uint16(50); reg <= 59; reg++ { // fs2-fs11
		cs = append(cs, CalleeSave{Reg: reg, Size: 8})
	}
	return cs
}
