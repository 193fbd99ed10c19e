// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import (
	"bytes"
	"testing"
)

// Single-frame rewrite, no pointers: the thread is captured entering a
// function taking one i32 in the first argument register.
func singleFramePair() (*testBinary, *testBinary) {
	src := &testBinary{
		machine: ElfMachineX8664,
		funcs:   []Function{{Addr: 0x1000, CodeSize: 0x100, FrameSize: 0}},
		sites: []CallSite{
			{ID: CallSiteThreadID, FuncIndex: 0, Addr: 0x1000, LiveOff: 0, LiveNum: 1},
		},
		live: []LiveValue{
			{Flags: liveValueFlags(LocRegister, false, false, false), Size: 4, Reg: 5}, // rdi
		},
	}
	dest := &testBinary{
		machine: ElfMachineAArch64,
		funcs:   []Function{{Addr: 0x2000, CodeSize: 0x100, FrameSize: 0}},
		sites: []CallSite{
			{ID: CallSiteThreadID, FuncIndex: 0, Addr: 0x2000, LiveOff: 0, LiveNum: 1},
		},
		live: []LiveValue{
			{Flags: liveValueFlags(LocRegister, false, false, false), Size: 4, Reg: 0}, // x0
		},
	}
	return src, dest
}

func TestRewriteSingleFrame(t *testing.T) {
	srcBin, destBin := singleFramePair()
	srcFile := srcBin.open(t, nil)
	destFile := destBin.open(t, nil)

	srcStack := newStack(0x7fff1000, 0x100)
	srcRegs := regBlob(t, srcFile, func(rs *RegSet) {
		rs.SetPC(0x1000)
		rs.SetSP(0x7fff0f88)
		rs.SetRegUint64(5, 42) // rdi
	})

	destStack := newStack(0x7ffe0000, 0x100)
	destRegs := make([]byte, destFile.Arch().RegSetSize())

	if err := RewriteStack(srcFile, srcRegs, srcStack, destFile, destRegs, destStack); err != nil {
		t.Fatalf("TestRewriteSingleFrame failed, reason: %v", err)
	}

	out := regsOf(t, destFile, destRegs)
	if out.PC() != 0x2000 {
		t.Errorf("TestRewriteSingleFrame pc got %#x, want 0x2000", out.PC())
	}
	if out.SP() != 0x7ffe0000 {
		t.Errorf("TestRewriteSingleFrame sp got %#x, want 0x7ffe0000", out.SP())
	}
	if out.SP()%16 != 0 {
		t.Errorf("TestRewriteSingleFrame sp %#x not aligned", out.SP())
	}
	if x0, _ := out.RegUint64(0); x0 != 42 {
		t.Errorf("TestRewriteSingleFrame x0 got %d, want 42", x0)
	}

	// No writes beyond the register blob.
	for i, b := range destStack.Data {
		if b != 0 {
			t.Fatalf("TestRewriteSingleFrame wrote destination stack at offset %#x", i)
		}
	}
}

// Two frames, one stack pointer: main calls g(&local) with local = 7. The
// destination must hold 7 in main's frame and pass the translated address
// in g's first argument register.
//
// Source layout (x86-64): the capture is at the entry of g, so the return
// address pushed by the call sits on top of the stack.
const (
	s2SrcBase  = uint64(0x7ffff000)
	s2SrcSP    = uint64(0x7fffef88) // SP at g entry
	s2SrcCFA0  = s2SrcSP + 8
	s2SrcCFA1  = s2SrcCFA0 + 0x30 + 8
	s2SrcFBP1  = s2SrcCFA1 - 16
	s2SrcLocal = s2SrcFBP1 - 0x20

	s2DestBase  = uint64(0x7ffe0000)
	s2DestSP    = s2DestBase - 0x80
	s2DestCFA1  = s2DestSP + 0x40
	s2DestFBP1  = s2DestCFA1 - 16
	s2DestLocal = s2DestFBP1 - 0x18
)

func twoFramePair() (*testBinary, *testBinary) {
	src := &testBinary{
		machine: ElfMachineX8664,
		funcs: []Function{
			{Addr: 0x800, CodeSize: 0x100, FrameSize: 0x40},                            // start
			{Addr: 0x1000, CodeSize: 0x100, FrameSize: 0x30, UnwindOff: 0, UnwindNum: 1}, // main
			{Addr: 0x1100, CodeSize: 0x80, FrameSize: 0},                               // g
		},
		unwind: []UnwindLoc{{Reg: 6, Offset: 0}},
		sites: []CallSite{
			{ID: 50, FuncIndex: 2, Addr: 0x1100, LiveOff: 0, LiveNum: 1},
			{ID: 51, FuncIndex: 1, Addr: 0x1040, LiveOff: 1, LiveNum: 1},
			{ID: CallSiteMainID, FuncIndex: 0, Addr: 0x880},
		},
		live: []LiveValue{
			{Flags: liveValueFlags(LocRegister, true, false, false), Size: 8, Reg: 5}, // rdi = &local
			{Flags: liveValueFlags(LocDirect, false, true, false), Size: 8, Reg: 6,
				OffsetOrConstant: -0x20, AllocaSize: 4}, // local
		},
	}
	dest := &testBinary{
		machine: ElfMachineAArch64,
		funcs: []Function{
			{Addr: 0x2000, CodeSize: 0x100, FrameSize: 0x40},                            // start
			{Addr: 0x2100, CodeSize: 0x100, FrameSize: 0x40, UnwindOff: 0, UnwindNum: 2}, // main
			{Addr: 0x2200, CodeSize: 0x80, FrameSize: 0},                                // g
		},
		unwind: []UnwindLoc{{Reg: 29, Offset: 0}, {Reg: 30, Offset: 8}},
		sites: []CallSite{
			{ID: 50, FuncIndex: 2, Addr: 0x2200, LiveOff: 0, LiveNum: 1},
			{ID: 51, FuncIndex: 1, Addr: 0x2148, LiveOff: 1, LiveNum: 1},
			{ID: CallSiteMainID, FuncIndex: 0, Addr: 0x2080},
		},
		live: []LiveValue{
			{Flags: liveValueFlags(LocRegister, true, false, false), Size: 8, Reg: 0}, // x0
			{Flags: liveValueFlags(LocDirect, false, true, false), Size: 8, Reg: 29,
				OffsetOrConstant: -0x18, AllocaSize: 4},
		},
	}
	return src, dest
}

// twoFrameSource builds the captured source state for the two-frame pair.
func twoFrameSource(t *testing.T, srcFile *File) ([]byte, *Stack) {
	t.Helper()
	srcStack := newStack(s2SrcBase, 0x200)
	mustWrite64(t, srcStack, s2SrcCFA0-8, 0x1040)    // return address into main
	mustWrite64(t, srcStack, s2SrcFBP1, 0)           // main's saved rbp
	mustWrite64(t, srcStack, s2SrcCFA1-8, 0x880)     // return address into start
	mustWrite64(t, srcStack, s2SrcLocal, 7)          // local = 7
	srcRegs := regBlob(t, srcFile, func(rs *RegSet) {
		rs.SetPC(0x1100)
		rs.SetSP(s2SrcSP)
		rs.SetFBP(s2SrcFBP1)          // g has not run its prologue
		rs.SetRegUint64(5, s2SrcLocal) // rdi = &local
	})
	return srcRegs, srcStack
}

func TestRewriteTwoFramesPointer(t *testing.T) {
	srcBin, destBin := twoFramePair()
	srcFile := srcBin.open(t, nil)
	destFile := destBin.open(t, nil)

	srcRegs, srcStack := twoFrameSource(t, srcFile)
	destStack := newStack(s2DestBase, 0x200)
	destRegs := make([]byte, destFile.Arch().RegSetSize())

	if err := RewriteStack(srcFile, srcRegs, srcStack, destFile, destRegs, destStack); err != nil {
		t.Fatalf("TestRewriteTwoFramesPointer failed, reason: %v", err)
	}

	out := regsOf(t, destFile, destRegs)

	// Sum of destination frame sizes equals stack base minus SP.
	if out.SP() != s2DestSP {
		t.Errorf("TestRewriteTwoFramesPointer sp got %#x, want %#x", out.SP(), s2DestSP)
	}
	if out.PC() != 0x2200 {
		t.Errorf("TestRewriteTwoFramesPointer pc got %#x, want 0x2200", out.PC())
	}

	// local landed in main's destination frame.
	if got := mustRead64(t, destStack, s2DestLocal) & 0xffffffff; got != 7 {
		t.Errorf("TestRewriteTwoFramesPointer local got %d, want 7", got)
	}

	// g's first argument register points at the destination slot.
	if x0, _ := out.RegUint64(0); x0 != s2DestLocal {
		t.Errorf("TestRewriteTwoFramesPointer x0 got %#x, want %#x", x0, s2DestLocal)
	}

	// The return address reached the link register, the frame-pointer
	// chain is stitched, and start's frame holds main's return address.
	if out.RA() != 0x2148 {
		t.Errorf("TestRewriteTwoFramesPointer ra got %#x, want 0x2148", out.RA())
	}
	if fbp := out.FBP(); fbp != s2DestFBP1 {
		t.Errorf("TestRewriteTwoFramesPointer fbp got %#x, want %#x", fbp, s2DestFBP1)
	}
	if got := mustRead64(t, destStack, s2DestCFA1-8); got != 0x2080 {
		t.Errorf("TestRewriteTwoFramesPointer start RA got %#x, want 0x2080", got)
	}
	if got := mustRead64(t, destStack, s2DestFBP1); got != s2DestBase-0x10 {
		t.Errorf("TestRewriteTwoFramesPointer saved fbp got %#x, want %#x",
			got, s2DestBase-0x10)
	}
}

// Rewriting is idempotent: identical inputs give bit-identical outputs.
func TestRewriteIdempotent(t *testing.T) {
	srcBin, destBin := twoFramePair()
	srcFile := srcBin.open(t, nil)
	destFile := destBin.open(t, nil)

	srcRegs, srcStack := twoFrameSource(t, srcFile)

	run := func() ([]byte, *Stack) {
		destStack := newStack(s2DestBase, 0x200)
		destRegs := make([]byte, destFile.Arch().RegSetSize())
		if err := RewriteStack(srcFile, srcRegs, srcStack, destFile, destRegs, destStack); err != nil {
			t.Fatalf("TestRewriteIdempotent failed, reason: %v", err)
		}
		return destRegs, destStack
	}

	regsA, stackA := run()
	regsB, stackB := run()
	if !bytes.Equal(regsA, regsB) {
		t.Errorf("TestRewriteIdempotent register blobs differ")
	}
	if !bytes.Equal(stackA.Data, stackB.Data) {
		t.Errorf("TestRewriteIdempotent stack contents differ")
	}
}

// Rewriting from ISA A to ISA B and back reproduces the live values.
func TestRewriteRoundTrip(t *testing.T) {
	srcBin, destBin := twoFramePair()
	srcFile := srcBin.open(t, nil)
	destFile := destBin.open(t, nil)

	srcRegs, srcStack := twoFrameSource(t, srcFile)
	destStack := newStack(s2DestBase, 0x200)
	destRegs := make([]byte, destFile.Arch().RegSetSize())

	if err := RewriteStack(srcFile, srcRegs, srcStack, destFile, destRegs, destStack); err != nil {
		t.Fatalf("TestRewriteRoundTrip A->B failed, reason: %v", err)
	}

	// Resume state on B becomes the captured state for the way back.
	backBase := uint64(0x7fff8000)
	backStack := newStack(backBase, 0x200)
	backRegs := make([]byte, srcFile.Arch().RegSetSize())

	if err := RewriteStack(destFile, destRegs, destStack, srcFile, backRegs, backStack); err != nil {
		t.Fatalf("TestRewriteRoundTrip B->A failed, reason: %v", err)
	}

	out := regsOf(t, srcFile, backRegs)
	backSP := alignDown(backBase-0x80, 16) - 8
	if out.SP() != backSP {
		t.Errorf("TestRewriteRoundTrip sp got %#x, want %#x", out.SP(), backSP)
	}

	backCFA1 := (backSP + 8) + 0x30 + 8
	backLocal := (backCFA1 - 16) - 0x20
	if got := mustRead64(t, backStack, backLocal) & 0xffffffff; got != 7 {
		t.Errorf("TestRewriteRoundTrip local got %d, want 7", got)
	}
	if rdi, _ := out.RegUint64(5); rdi != backLocal {
		t.Errorf("TestRewriteRoundTrip rdi got %#x, want %#x", rdi, backLocal)
	}
	if out.PC() != 0x1100 {
		t.Errorf("TestRewriteRoundTrip pc got %#x, want 0x1100", out.PC())
	}
}

// Callee-saved propagation: h spills rbx and sets it to 0xDEAD before
// calling a leaf; the capture is mid-leaf. The rewritten register set must
// carry 0xDEAD, and so must the destination spill slot.
const (
	s3SrcSP   = uint64(0x7fffef48)
	s3SrcCFA0 = s3SrcSP + 0x10 + 8
	s3SrcFBP0 = s3SrcCFA0 - 16
	s3SrcCFA1 = s3SrcCFA0 + 0x30 + 8
	s3SrcFBP1 = s3SrcCFA1 - 16

	s3DestSP   = uint64(0x7ffe0000) - 0x70
	s3DestCFA1 = s3DestSP + 0x30
	s3DestFBP1 = s3DestCFA1 - 16
)

func calleeSavedPair(destDup bool) (*testBinary, *testBinary) {
	src := &testBinary{
		machine: ElfMachineX8664,
		funcs: []Function{
			{Addr: 0x1000, CodeSize: 0x100, FrameSize: 0x40},                             // main
			{Addr: 0x1100, CodeSize: 0x100, FrameSize: 0x30, UnwindOff: 0, UnwindNum: 2}, // h
			{Addr: 0x1200, CodeSize: 0x80, FrameSize: 0x10, UnwindOff: 2, UnwindNum: 1},  // leaf
		},
		unwind: []UnwindLoc{
			{Reg: 6, Offset: 0}, {Reg: 3, Offset: -8}, // h: rbp, rbx
			{Reg: 6, Offset: 0}, // leaf: rbp
		},
		sites: []CallSite{
			{ID: 60, FuncIndex: 2, Addr: 0x1240, LiveOff: 0, LiveNum: 1},
			{ID: 61, FuncIndex: 1, Addr: 0x1140, LiveOff: 1, LiveNum: 1},
			{ID: CallSiteMainID, FuncIndex: 0, Addr: 0x1040},
		},
		live: []LiveValue{
			{Flags: liveValueFlags(LocRegister, false, false, false), Size: 8, Reg: 3},
			{Flags: liveValueFlags(LocRegister, false, false, false), Size: 8, Reg: 3},
		},
	}

	destLive := []LiveValue{
		{Flags: liveValueFlags(LocRegister, false, false, false), Size: 8, Reg: 19},
		{Flags: liveValueFlags(LocRegister, false, false, false), Size: 8, Reg: 19},
	}
	liveNum61 := uint16(1)
	if destDup {
		// The value in x19 is replicated to a stack slot as well.
		destLive = append(destLive, LiveValue{
			Flags: liveValueFlags(LocIndirect, false, false, true), Size: 8, Reg: 29,
			OffsetOrConstant: -0x10,
		})
		liveNum61 = 2
	}

	dest := &testBinary{
		machine: ElfMachineAArch64,
		funcs: []Function{
			{Addr: 0x2000, CodeSize: 0x100, FrameSize: 0x40},                             // main
			{Addr: 0x2100, CodeSize: 0x100, FrameSize: 0x30, UnwindOff: 0, UnwindNum: 3}, // h
			{Addr: 0x2200, CodeSize: 0x80, FrameSize: 0x10, UnwindOff: 3, UnwindNum: 2},  // leaf
		},
		unwind: []UnwindLoc{
			{Reg: 29, Offset: 0}, {Reg: 30, Offset: 8}, {Reg: 19, Offset: -8}, // h
			{Reg: 29, Offset: 0}, {Reg: 30, Offset: 8}, // leaf
		},
		sites: []CallSite{
			{ID: 60, FuncIndex: 2, Addr: 0x2240, LiveOff: 0, LiveNum: 1},
			{ID: 61, FuncIndex: 1, Addr: 0x2140, LiveOff: 1, LiveNum: liveNum61},
			{ID: CallSiteMainID, FuncIndex: 0, Addr: 0x2040},
		},
		live: destLive,
	}
	return src, dest
}

func calleeSavedSource(t *testing.T, srcFile *File) ([]byte, *Stack) {
	t.Helper()
	srcStack := newStack(0x7ffff000, 0x200)
	mustWrite64(t, srcStack, s3SrcFBP0, s3SrcFBP1)   // leaf's saved rbp
	mustWrite64(t, srcStack, s3SrcCFA0-8, 0x1140)    // return address into h
	mustWrite64(t, srcStack, s3SrcFBP1, 0x7fffefd0)  // h's saved rbp
	mustWrite64(t, srcStack, s3SrcFBP1-8, 0x1111)    // h's saved rbx (main's value)
	mustWrite64(t, srcStack, s3SrcCFA1-8, 0x1040)    // return address into main
	srcRegs := regBlob(t, srcFile, func(rs *RegSet) {
		rs.SetPC(0x1240)
		rs.SetSP(s3SrcSP)
		rs.SetFBP(s3SrcFBP0)
		rs.SetRegUint64(3, 0xDEAD) // rbx
	})
	return srcRegs, srcStack
}

func TestRewriteCalleeSaved(t *testing.T) {
	srcBin, destBin := calleeSavedPair(false)
	srcFile := srcBin.open(t, nil)
	destFile := destBin.open(t, nil)

	srcRegs, srcStack := calleeSavedSource(t, srcFile)
	destStack := newStack(0x7ffe0000, 0x200)
	destRegs := make([]byte, destFile.Arch().RegSetSize())

	if err := RewriteStack(srcFile, srcRegs, srcStack, destFile, destRegs, destStack); err != nil {
		t.Fatalf("TestRewriteCalleeSaved failed, reason: %v", err)
	}

	out := regsOf(t, destFile, destRegs)
	if out.PC() != 0x2240 {
		t.Errorf("TestRewriteCalleeSaved pc got %#x, want 0x2240", out.PC())
	}
	if out.SP() != s3DestSP {
		t.Errorf("TestRewriteCalleeSaved sp got %#x, want %#x", out.SP(), s3DestSP)
	}

	// The leaf's view of the register carries the value...
	if x19, _ := out.RegUint64(19); x19 != 0xDEAD {
		t.Errorf("TestRewriteCalleeSaved x19 got %#x, want 0xdead", x19)
	}
	// ...and so does the spill slot h owns for it.
	if got := mustRead64(t, destStack, s3DestFBP1-8); got != 0xDEAD {
		t.Errorf("TestRewriteCalleeSaved spill slot got %#x, want 0xdead", got)
	}
}

// Duplicate live values: the register value must land in both destination
// locations.
func TestRewriteDuplicates(t *testing.T) {
	srcBin, destBin := calleeSavedPair(true)
	srcFile := srcBin.open(t, nil)
	destFile := destBin.open(t, nil)

	srcRegs, srcStack := calleeSavedSource(t, srcFile)
	destStack := newStack(0x7ffe0000, 0x200)
	destRegs := make([]byte, destFile.Arch().RegSetSize())

	if err := RewriteStack(srcFile, srcRegs, srcStack, destFile, destRegs, destStack); err != nil {
		t.Fatalf("TestRewriteDuplicates failed, reason: %v", err)
	}

	out := regsOf(t, destFile, destRegs)
	if x19, _ := out.RegUint64(19); x19 != 0xDEAD {
		t.Errorf("TestRewriteDuplicates x19 got %#x, want 0xdead", x19)
	}
	if got := mustRead64(t, destStack, s3DestFBP1-0x10); got != 0xDEAD {
		t.Errorf("TestRewriteDuplicates duplicate slot got %#x, want 0xdead", got)
	}
	if got := mustRead64(t, destStack, s3DestFBP1-8); got != 0xDEAD {
		t.Errorf("TestRewriteDuplicates spill slot got %#x, want 0xdead", got)
	}
}
