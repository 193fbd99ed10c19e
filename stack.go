// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import "encoding/binary"

// Stack is a window onto one thread stack. Base is the highest address of
// the window (exclusive); Data[i] holds the byte at address
// Base-len(Data)+i. Stacks grow downward, so the top of the stack is the
// lowest address.
type Stack struct {
	Base uint64
	Data []byte
}

// Top returns the lowest address covered by the window.
func (s *Stack) Top() uint64 {
	return s.Base - uint64(len(s.Data))
}

// Contains reports whether addr falls inside the window.
func (s *Stack) Contains(addr uint64) bool {
	return s.Top() <= addr && addr < s.Base
}

// slice returns the size bytes of stack memory starting at addr.
func (s *Stack) slice(addr uint64, size uint64) ([]byte, error) {
	if addr < s.Top() || addr+size > s.Base {
		return nil, ErrOutsideBoundary
	}
	off := addr - s.Top()
	return s.Data[off : off+size], nil
}

// ReadUint64 reads the pointer-sized word at addr.
func (s *Stack) ReadUint64(addr uint64) (uint64, error) {
	b, err := s.slice(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint64 stores v at addr.
func (s *Stack) WriteUint64(addr uint64, v uint64) error {
	b, err := s.slice(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Read returns the size bytes at addr. The slice aliases the window.
func (s *Stack) Read(addr uint64, size uint64) ([]byte, error) {
	return s.slice(addr, size)
}

// Write copies b into the window at addr.
func (s *Stack) Write(addr uint64, b []byte) error {
	dst, err := s.slice(addr, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}
