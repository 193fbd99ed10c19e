// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// x86-64 DWARF register numbering: rax, rdx, rcx, rbx, rsi, rdi, rbp, rsp,
// r8-r15, then the return-address column (16, used for RIP) and xmm0-xmm15
// (17-32). The return address lives on the stack, pushed by the call
// instruction at CFA-8; stackmap frame sizes exclude that slot, hence the
// CFA correction of 8. After `push rbp; mov rbp, rsp` the frame base
// pointer sits 16 bytes below the CFA.
const (
	x8664SPReg  = uint16(7)
	x8664FBPReg = uint16(6)
	x8664PCReg  = uint16(16)
)

var x8664Arch Arch = &archDesc{
	machine: ElfMachineX8664,
	name:    "x86-64",
	layout:  newRegLayout(x8664RegSizes(), x8664PCReg, x8664SPReg, x8664FBPReg, noReg),

	calleeSaved: []CalleeSave{
		{Reg: 3, Size: 8},  // rbx
		{Reg: 6, Size: 8},  // rbp
		{Reg: 12, Size: 8}, // r12
		{Reg: 13, Size: 8}, // r13
		{Reg: 14, Size: 8}, // r14
		{Reg: 15, Size: 8}, // r15
	},

	spNeedsAlign: true,
	stackAlign:   0x10,
	entryAdjust:  0x8,
	raOffset:     -8,
	cfaOffset:    8,
	fbpOffset:    16,
}

func x8664RegSizes() []uint16 {
	sizes := make([]uint16, 33)
	for i := 0; i <= 16; i++ {
		sizes[i] = 8
	}
	for i := 17; i <= 32; i++ {
		sizes[i] = 16 // xmm0-xmm15
	}
	return sizes
}
