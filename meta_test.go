// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import (
	"encoding/binary"
	"sort"
	"testing"
)

// Test-only encoders for the packed metadata records and a minimal ELF
// image builder. The produced images exercise the same loader paths as
// post-processed binaries.

func encodeFunction(fn Function) []byte {
	b := make([]byte, FunctionRecordSize)
	binary.LittleEndian.PutUint64(b[0:], fn.Addr)
	binary.LittleEndian.PutUint32(b[8:], fn.CodeSize)
	binary.LittleEndian.PutUint32(b[12:], fn.FrameSize)
	binary.LittleEndian.PutUint32(b[16:], fn.UnwindOff)
	binary.LittleEndian.PutUint16(b[20:], fn.UnwindNum)
	binary.LittleEndian.PutUint32(b[22:], fn.StackSlotOff)
	binary.LittleEndian.PutUint16(b[26:], fn.StackSlotNum)
	return b
}

func encodeUnwindLoc(loc UnwindLoc) []byte {
	b := make([]byte, UnwindLocRecordSize)
	binary.LittleEndian.PutUint16(b[0:], loc.Reg)
	binary.LittleEndian.PutUint16(b[2:], uint16(loc.Offset))
	return b
}

func encodeCallSite(site CallSite) []byte {
	b := make([]byte, CallSiteRecordSize)
	binary.LittleEndian.PutUint64(b[0:], site.ID)
	binary.LittleEndian.PutUint32(b[8:], site.FuncIndex)
	b[12] = site.Flags
	binary.LittleEndian.PutUint64(b[13:], site.Addr)
	binary.LittleEndian.PutUint32(b[21:], site.LiveOff)
	binary.LittleEndian.PutUint16(b[25:], site.LiveNum)
	binary.LittleEndian.PutUint32(b[27:], site.ArchLiveOff)
	binary.LittleEndian.PutUint16(b[31:], site.ArchLiveNum)
	return b
}

func encodeLiveValue(v LiveValue) []byte {
	b := make([]byte, LiveValueRecordSize)
	b[0] = v.Flags
	b[1] = v.Size
	binary.LittleEndian.PutUint16(b[2:], v.Reg)
	binary.LittleEndian.PutUint32(b[4:], uint32(v.OffsetOrConstant))
	binary.LittleEndian.PutUint32(b[8:], v.AllocaSize)
	return b
}

func encodeArchLiveValue(v ArchLiveValue) []byte {
	b := make([]byte, ArchLiveValueRecordSize)
	b[0] = v.DstFlags
	b[1] = v.DstSize
	binary.LittleEndian.PutUint16(b[2:], v.DstReg)
	binary.LittleEndian.PutUint32(b[4:], v.DstOff)
	b[8] = v.OpFlags
	b[9] = v.OpSize
	binary.LittleEndian.PutUint16(b[10:], v.OpReg)
	binary.LittleEndian.PutUint64(b[12:], uint64(v.OpValue))
	return b
}

type elfScn struct {
	name    string
	entsize uint64
	data    []byte
}

// buildELFImage assembles a 64-bit little-endian ELF image holding the
// given sections plus the null section and .shstrtab.
func buildELFImage(machine uint16, scns []elfScn) []byte {
	all := append([]elfScn{{name: ""}}, scns...)
	all = append(all, elfScn{name: ".shstrtab"})

	// Build the section name string table.
	var shstrtab []byte
	nameOffs := make([]uint32, len(all))
	shstrtab = append(shstrtab, 0)
	for i, s := range all {
		if s.name == "" {
			nameOffs[i] = 0
			continue
		}
		nameOffs[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	all[len(all)-1].data = shstrtab

	// Lay out: ELF header, section contents, section header table.
	img := make([]byte, elfEhdrSize)
	copy(img, ElfMagic)
	img[elfIdentClass] = ElfClass64
	img[elfIdentData] = ElfData2LSB
	img[6] = 1 // EI_VERSION
	binary.LittleEndian.PutUint16(img[elfMachineOffset:], machine)

	offs := make([]uint64, len(all))
	for i, s := range all {
		offs[i] = uint64(len(img))
		img = append(img, s.data...)
	}
	for len(img)%8 != 0 {
		img = append(img, 0)
	}
	shoff := uint64(len(img))

	for i, s := range all {
		sh := make([]byte, elfShdrSize)
		binary.LittleEndian.PutUint32(sh[0:], nameOffs[i])
		typ := uint32(1) // SHT_PROGBITS
		if i == 0 {
			typ = 0
		}
		if s.name == ".shstrtab" {
			typ = 3 // SHT_STRTAB
		}
		binary.LittleEndian.PutUint32(sh[4:], typ)
		binary.LittleEndian.PutUint64(sh[24:], offs[i])
		binary.LittleEndian.PutUint64(sh[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint64(sh[56:], s.entsize)
		img = append(img, sh...)
	}

	binary.LittleEndian.PutUint64(img[elfShoffOffset:], shoff)
	binary.LittleEndian.PutUint16(img[elfShentsize:], elfShdrSize)
	binary.LittleEndian.PutUint16(img[elfShnumOffset:], uint16(len(all)))
	binary.LittleEndian.PutUint16(img[elfShstrndx:], uint16(len(all)-1))
	return img
}

// testBinary collects one binary's metadata before encoding.
type testBinary struct {
	machine  uint16
	funcs    []Function
	unwind   []UnwindLoc
	sites    []CallSite
	live     []LiveValue
	archLive []ArchLiveValue
}

// image encodes the metadata into an ELF image with both sorted call-site
// views, the way the post-processor emits them.
func (tb *testBinary) image() []byte {
	var funcs, unwind, byID, byAddr, live, archLive []byte

	for _, fn := range tb.funcs {
		funcs = append(funcs, encodeFunction(fn)...)
	}
	for _, loc := range tb.unwind {
		unwind = append(unwind, encodeUnwindLoc(loc)...)
	}
	for _, v := range tb.live {
		live = append(live, encodeLiveValue(v)...)
	}
	for _, v := range tb.archLive {
		archLive = append(archLive, encodeArchLiveValue(v)...)
	}

	id := make([]CallSite, len(tb.sites))
	copy(id, tb.sites)
	sort.Slice(id, func(i, j int) bool { return id[i].ID < id[j].ID })
	addr := make([]CallSite, len(tb.sites))
	copy(addr, tb.sites)
	sort.Slice(addr, func(i, j int) bool { return addr[i].Addr < addr[j].Addr })
	for i := range id {
		byID = append(byID, encodeCallSite(id[i])...)
		byAddr = append(byAddr, encodeCallSite(addr[i])...)
	}

	prefix := DefaultSectionPrefix
	return buildELFImage(tb.machine, []elfScn{
		{prefix + "." + SectionFunctions, FunctionRecordSize, funcs},
		{prefix + "." + SectionUnwind, UnwindLocRecordSize, unwind},
		{prefix + "." + SectionID, CallSiteRecordSize, byID},
		{prefix + "." + SectionAddr, CallSiteRecordSize, byAddr},
		{prefix + "." + SectionLive, LiveValueRecordSize, live},
		{prefix + "." + SectionArchLive, ArchLiveValueRecordSize, archLive},
	})
}

// open parses the binary, failing the test on error.
func (tb *testBinary) open(t *testing.T, opts *Options) *File {
	t.Helper()
	f, err := NewBytes(tb.image(), opts)
	if err != nil {
		t.Fatalf("NewBytes failed, reason: %v", err)
	}
	if err := f.Parse(); err != nil {
		t.Fatalf("Parse failed, reason: %v", err)
	}
	return f
}

// newStack returns a zeroed stack window ending at base.
func newStack(base uint64, size int) *Stack {
	return &Stack{Base: base, Data: make([]byte, size)}
}

// mustWrite64 stores a word in a stack window, failing the test when the
// address is out of range.
func mustWrite64(t *testing.T, s *Stack, addr, v uint64) {
	t.Helper()
	if err := s.WriteUint64(addr, v); err != nil {
		t.Fatalf("WriteUint64(%#x) failed, reason: %v", addr, err)
	}
}

// mustRead64 loads a word from a stack window.
func mustRead64(t *testing.T, s *Stack, addr uint64) uint64 {
	t.Helper()
	v, err := s.ReadUint64(addr)
	if err != nil {
		t.Fatalf("ReadUint64(%#x) failed, reason: %v", addr, err)
	}
	return v
}

// regBlob serializes a register set built by fill.
func regBlob(t *testing.T, f *File, fill func(*RegSet)) []byte {
	t.Helper()
	rs := f.Arch().NewRegSet()
	fill(rs)
	blob := make([]byte, f.Arch().RegSetSize())
	if err := rs.CopyOut(blob); err != nil {
		t.Fatalf("CopyOut failed, reason: %v", err)
	}
	return blob
}

// regsOf wraps an output blob for inspection.
func regsOf(t *testing.T, f *File, blob []byte) *RegSet {
	t.Helper()
	rs := f.Arch().NewRegSet()
	if err := rs.CopyIn(blob); err != nil {
		t.Fatalf("CopyIn failed, reason: %v", err)
	}
	return rs
}
