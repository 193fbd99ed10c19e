// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import (
	"bytes"
	"encoding/binary"
)

// ELF header field offsets for 64-bit objects.
const (
	elfIdentSize     = 16
	elfIdentClass    = 4
	elfIdentData     = 5
	elfMachineOffset = 18
	elfShoffOffset   = 40
	elfShentsize     = 58
	elfShnumOffset   = 60
	elfShstrndx      = 62
	elfEhdrSize      = 64
	elfShdrSize      = 64
)

// ElfSection describes one section of the mapped ELF object.
type ElfSection struct {
	Name    string
	Type    uint32
	Offset  uint64
	Size    uint64
	EntSize uint64

	data []byte
}

// Data returns the raw section contents. The slice aliases the mapped file
// and stays valid for the lifetime of the handle.
func (s *ElfSection) Data() []byte {
	return s.data
}

// NumEntries returns the number of fixed-size records in the section.
func (s *ElfSection) NumEntries() uint64 {
	if s.EntSize == 0 {
		return 0
	}
	return s.Size / s.EntSize
}

// parseElf validates the ELF identification, records the machine type and
// collects the section table. Section contents are referenced, not copied.
func (f *File) parseElf() error {
	data := f.data
	if len(data) < elfEhdrSize {
		return ErrInvalidElf
	}
	if !bytes.Equal(data[:4], []byte(ElfMagic)) {
		return ErrInvalidElf
	}
	if data[elfIdentClass] != ElfClass64 || data[elfIdentData] != ElfData2LSB {
		return ErrInvalidElf
	}

	f.Machine = binary.LittleEndian.Uint16(data[elfMachineOffset:])

	shoff := binary.LittleEndian.Uint64(data[elfShoffOffset:])
	shentsize := uint64(binary.LittleEndian.Uint16(data[elfShentsize:]))
	shnum := uint64(binary.LittleEndian.Uint16(data[elfShnumOffset:]))
	shstrndx := uint64(binary.LittleEndian.Uint16(data[elfShstrndx:]))

	if shentsize < elfShdrSize || shnum == 0 {
		return ErrInvalidElf
	}
	if shoff+shnum*shentsize > uint64(len(data)) {
		return ErrInvalidElf
	}
	if shstrndx >= shnum {
		return ErrInvalidElf
	}

	type rawShdr struct {
		name    uint32
		typ     uint32
		offset  uint64
		size    uint64
		entsize uint64
	}
	shdrs := make([]rawShdr, shnum)
	for i := uint64(0); i < shnum; i++ {
		sh := data[shoff+i*shentsize:]
		shdrs[i] = rawShdr{
			name:    binary.LittleEndian.Uint32(sh[0:]),
			typ:     binary.LittleEndian.Uint32(sh[4:]),
			offset:  binary.LittleEndian.Uint64(sh[24:]),
			size:    binary.LittleEndian.Uint64(sh[32:]),
			entsize: binary.LittleEndian.Uint64(sh[56:]),
		}
	}

	// Section name string table.
	strtab := shdrs[shstrndx]
	if strtab.offset+strtab.size > uint64(len(data)) {
		return ErrInvalidElf
	}
	names := data[strtab.offset : strtab.offset+strtab.size]

	f.Sections = make([]ElfSection, 0, shnum)
	for _, sh := range shdrs {
		name := sectionName(names, sh.name)
		var contents []byte
		// SHT_NOBITS sections occupy no file space.
		if sh.typ != 8 {
			if sh.offset+sh.size > uint64(len(data)) {
				return ErrInvalidElf
			}
			contents = data[sh.offset : sh.offset+sh.size]
		}
		f.Sections = append(f.Sections, ElfSection{
			Name:    name,
			Type:    sh.typ,
			Offset:  sh.offset,
			Size:    sh.size,
			EntSize: sh.entsize,
			data:    contents,
		})
	}

	return nil
}

// sectionName extracts the NUL-terminated name at off from the string table.
func sectionName(strtab []byte, off uint32) string {
	if uint64(off) >= uint64(len(strtab)) {
		return ""
	}
	end := bytes.IndexByte(strtab[off:], 0)
	if end < 0 {
		return string(strtab[off:])
	}
	return string(strtab[off : int(off)+end])
}

// section returns the section named name, or nil if absent.
func (f *File) section(name string) *ElfSection {
	for i := range f.Sections {
		if f.Sections[i].Name == name {
			return &f.Sections[i]
		}
	}
	return nil
}

// metadataSection locates a metadata section by suffix and validates its
// size against the expected record size.
func (f *File) metadataSection(suffix string, recordSize uint64) (*ElfSection, error) {
	name := f.opts.SectionPrefix + "." + suffix
	scn := f.section(name)
	if scn == nil {
		return nil, ErrMissingSection
	}
	if scn.Size%recordSize != 0 {
		return nil, ErrSectionTooSmall
	}
	return scn, nil
}
