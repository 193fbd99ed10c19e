// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import (
	"encoding/binary"
	"errors"
)

// Errors
var (

	// ErrInvalidArgument is returned when a caller passes a nil handle,
	// register blob or stack buffer, or a blob of the wrong size.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidElf is returned when the file is not a 64-bit little-endian
	// ELF object.
	ErrInvalidElf = errors.New("not a supported ELF object")

	// ErrMissingSection is returned when a required metadata section is
	// absent from the binary.
	ErrMissingSection = errors.New("missing stack transformation section")

	// ErrSectionTooSmall is returned when a metadata section's size is not a
	// multiple of its record size.
	ErrSectionTooSmall = errors.New("section size not a multiple of its entry size")

	// ErrUnsupportedArch is returned when the ELF machine type has no
	// registered architecture descriptor.
	ErrUnsupportedArch = errors.New("no architecture descriptor for ELF machine type")

	// ErrSiteNotFound is returned when a call-site lookup by ID or return
	// address fails mid-unwind.
	ErrSiteNotFound = errors.New("could not find call site")

	// ErrUnwindFailed is returned when a required unwind record is missing
	// while popping a frame.
	ErrUnwindFailed = errors.New("could not unwind frame")

	// ErrSizeMismatch is returned when paired live values disagree on size.
	ErrSizeMismatch = errors.New("live value sizes do not match")

	// ErrTypeMismatch is returned when paired live values disagree on
	// pointer-ness or alloca-ness.
	ErrTypeMismatch = errors.New("live value types do not match")

	// ErrStackOverflow is returned when the computed destination stack does
	// not fit the caller-supplied buffer, or too many frames are live.
	ErrStackOverflow = errors.New("destination stack too large")

	// ErrOutsideBoundary is returned when reading data outside a section,
	// register set or stack window.
	ErrOutsideBoundary = errors.New("reading data outside boundary")

	// ErrConstIndex is returned for the constant-pool live value kind, which
	// the post-processor never emits.
	ErrConstIndex = errors.New("constant pool entries not supported")
)

// ReadUint64 reads a uint64 from data at offset.
func ReadUint64(data []byte, offset uint64) (uint64, error) {
	if offset+8 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}

	return binary.LittleEndian.Uint64(data[offset:]), nil
}

// ReadUint32 reads a uint32 from data at offset.
func ReadUint32(data []byte, offset uint64) (uint32, error) {
	if offset+4 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}

	return binary.LittleEndian.Uint32(data[offset:]), nil
}

// ReadUint16 reads a uint16 from data at offset.
func ReadUint16(data []byte, offset uint64) (uint16, error) {
	if offset+2 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}

	return binary.LittleEndian.Uint16(data[offset:]), nil
}

// ReadUint8 reads a byte from data at offset.
func ReadUint8(data []byte, offset uint64) (uint8, error) {
	if offset+1 > uint64(len(data)) {
		return 0, ErrOutsideBoundary
	}

	return data[offset], nil
}

// alignDown rounds addr down to the given power-of-two alignment.
func alignDown(addr, align uint64) uint64 {
	return addr &^ (align - 1)
}

// zeroExtend returns the little-endian value of up to eight bytes as a
// uint64.
func zeroExtend(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// truncate writes the low len(b) bytes of v into b, little-endian.
func truncate(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}
