// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import "encoding/binary"

// Function describes one function's rewriting metadata. On disk the record
// is packed little-endian:
//
//	u64 addr; u32 code_size; u32 frame_size;
//	u32 unwind_off; u16 unwind_num;
//	u32 stack_slot_off; u16 stack_slot_num;
type Function struct {
	Addr         uint64 `json:"addr"`
	CodeSize     uint32 `json:"code_size"`
	FrameSize    uint32 `json:"frame_size"`
	UnwindOff    uint32 `json:"unwind_off"`
	UnwindNum    uint16 `json:"unwind_num"`
	StackSlotOff uint32 `json:"stack_slot_off"`
	StackSlotNum uint16 `json:"stack_slot_num"`
}

// Contains returns true when pc falls inside the function's code range.
func (fn *Function) Contains(pc uint64) bool {
	return fn.Addr <= pc && pc < fn.Addr+uint64(fn.CodeSize)
}

func decodeFunction(b []byte) Function {
	return Function{
		Addr:         binary.LittleEndian.Uint64(b[0:]),
		CodeSize:     binary.LittleEndian.Uint32(b[8:]),
		FrameSize:    binary.LittleEndian.Uint32(b[12:]),
		UnwindOff:    binary.LittleEndian.Uint32(b[16:]),
		UnwindNum:    binary.LittleEndian.Uint16(b[20:]),
		StackSlotOff: binary.LittleEndian.Uint32(b[22:]),
		StackSlotNum: binary.LittleEndian.Uint16(b[26:]),
	}
}

// UnwindLoc records the spill slot of one callee-saved register as an
// offset from the frame base pointer. Packed layout: u16 reg; i16 offset.
type UnwindLoc struct {
	Reg    uint16 `json:"reg"`
	Offset int16  `json:"offset"`
}

func decodeUnwindLoc(b []byte) UnwindLoc {
	return UnwindLoc{
		Reg:    binary.LittleEndian.Uint16(b[0:]),
		Offset: int16(binary.LittleEndian.Uint16(b[2:])),
	}
}

// CallSite is a program point with rewriting metadata, usually a call
// return address. Packed layout:
//
//	u64 id; u32 func_index; u8 flags; u64 addr;
//	u32 live_off; u16 live_num; u32 arch_live_off; u16 arch_live_num;
type CallSite struct {
	ID          uint64 `json:"id"`
	FuncIndex   uint32 `json:"func_index"`
	Flags       uint8  `json:"flags"`
	Addr        uint64 `json:"addr"`
	LiveOff     uint32 `json:"live_off"`
	LiveNum     uint16 `json:"live_num"`
	ArchLiveOff uint32 `json:"arch_live_off"`
	ArchLiveNum uint16 `json:"arch_live_num"`
}

func decodeCallSite(b []byte) CallSite {
	return CallSite{
		ID:          binary.LittleEndian.Uint64(b[0:]),
		FuncIndex:   binary.LittleEndian.Uint32(b[8:]),
		Flags:       b[12],
		Addr:        binary.LittleEndian.Uint64(b[13:]),
		LiveOff:     binary.LittleEndian.Uint32(b[21:]),
		LiveNum:     binary.LittleEndian.Uint16(b[25:]),
		ArchLiveOff: binary.LittleEndian.Uint32(b[27:]),
		ArchLiveNum: binary.LittleEndian.Uint16(b[31:]),
	}
}

// LiveValue locates one live value at a call site. The flags byte packs,
// least significant first: is_duplicate, is_alloca, is_ptr, one pad bit and
// the four-bit location kind. Packed layout:
//
//	u8 flags; u8 size; u16 reg; i32 offset_or_constant; u32 alloca_size;
type LiveValue struct {
	Flags            uint8  `json:"flags"`
	Size             uint8  `json:"size"`
	Reg              uint16 `json:"reg"`
	OffsetOrConstant int32  `json:"offset_or_constant"`
	AllocaSize       uint32 `json:"alloca_size"`
}

// IsDuplicate reports whether the record replicates the preceding one to an
// additional destination location.
func (v *LiveValue) IsDuplicate() bool { return v.Flags&0x1 != 0 }

// IsAlloca reports whether the value is a stack allocation.
func (v *LiveValue) IsAlloca() bool { return v.Flags&0x2 != 0 }

// IsPtr reports whether the value is a pointer.
func (v *LiveValue) IsPtr() bool { return v.Flags&0x4 != 0 }

// Kind returns the location kind (LocRegister..LocConstIndex).
func (v *LiveValue) Kind() uint8 { return v.Flags >> 4 }

// ValSize returns the number of bytes the value occupies: the allocation
// size for allocas, the record size otherwise.
func (v *LiveValue) ValSize() uint32 {
	if v.IsAlloca() {
		return v.AllocaSize
	}
	return uint32(v.Size)
}

func decodeLiveValue(b []byte) LiveValue {
	return LiveValue{
		Flags:            b[0],
		Size:             b[1],
		Reg:              binary.LittleEndian.Uint16(b[2:]),
		OffsetOrConstant: int32(binary.LittleEndian.Uint32(b[4:])),
		AllocaSize:       binary.LittleEndian.Uint32(b[8:]),
	}
}

// liveValueFlags packs the flag bits for encoding.
func liveValueFlags(kind uint8, isPtr, isAlloca, isDuplicate bool) uint8 {
	var fl uint8
	if isDuplicate {
		fl |= 0x1
	}
	if isAlloca {
		fl |= 0x2
	}
	if isPtr {
		fl |= 0x4
	}
	return fl | kind<<4
}

// ArchLiveValue is a destination-side recipe which synthesizes an
// ISA-specific value. The destination flags byte packs is_ptr, three pad
// bits and the four-bit location kind; the operand flags byte packs the
// three-bit operand kind, the is_generative bit and the four-bit
// instruction kind. Packed layout:
//
//	u8 dst_flags; u8 dst_size; u16 dst_reg; u32 dst_offset;
//	u8 op_flags; u8 op_size; u16 op_reg; i64 op_value;
type ArchLiveValue struct {
	DstFlags uint8  `json:"dst_flags"`
	DstSize  uint8  `json:"dst_size"`
	DstReg   uint16 `json:"dst_reg"`
	DstOff   uint32 `json:"dst_offset"`
	OpFlags  uint8  `json:"op_flags"`
	OpSize   uint8  `json:"op_size"`
	OpReg    uint16 `json:"op_reg"`
	OpValue  int64  `json:"op_value"`
}

// DstKind returns the destination location kind.
func (v *ArchLiveValue) DstKind() uint8 { return v.DstFlags >> 4 }

// DstIsPtr reports whether the destination value is a pointer.
func (v *ArchLiveValue) DstIsPtr() bool { return v.DstFlags&0x1 != 0 }

// OperandKind returns the operand location kind.
func (v *ArchLiveValue) OperandKind() uint8 { return v.OpFlags & 0x7 }

// IsGenerative reports whether the recipe combines the operand with the
// destination's current bits instead of copying the operand.
func (v *ArchLiveValue) IsGenerative() bool { return v.OpFlags&0x8 != 0 }

// InstType returns the instruction kind (InstSet..InstLoad64).
func (v *ArchLiveValue) InstType() uint8 { return v.OpFlags >> 4 }

func decodeArchLiveValue(b []byte) ArchLiveValue {
	return ArchLiveValue{
		DstFlags: b[0],
		DstSize:  b[1],
		DstReg:   binary.LittleEndian.Uint16(b[2:]),
		DstOff:   binary.LittleEndian.Uint32(b[4:]),
		OpFlags:  b[8],
		OpSize:   b[9],
		OpReg:    binary.LittleEndian.Uint16(b[10:]),
		OpValue:  int64(binary.LittleEndian.Uint64(b[12:])),
	}
}

// archLiveFlags packs the two flag bytes for encoding.
func archLiveFlags(dstKind uint8, dstIsPtr bool, opKind uint8, isGen bool, inst uint8) (uint8, uint8) {
	var dst uint8
	if dstIsPtr {
		dst |= 0x1
	}
	dst |= dstKind << 4
	op := opKind & 0x7
	if isGen {
		op |= 0x8
	}
	op |= inst << 4
	return dst, op
}
