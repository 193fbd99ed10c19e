// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/popcornlinux/stackt/log"
)

// A File represents an open binary with stack transformation metadata.
// After Parse it is immutable and may be shared by any number of
// concurrent rewrites.
type File struct {
	Machine  uint16       `json:"machine"`
	Sections []ElfSection `json:"-"`

	arch Arch

	// Raw metadata section bytes. The slices alias the mapped file; records
	// are decoded in place.
	functions []byte
	unwind    []byte
	sitesID   []byte
	sitesAddr []byte
	live      []byte
	archLive  []byte

	numFunctions uint64
	numUnwind    uint64
	numSites     uint64
	numLive      uint64
	numArchLive  uint64

	data   mmap.MMap
	f      *os.File
	opts   *Options
	logger *log.Helper
}

// MemReader reads len(b) bytes of host memory at addr. It backs the Load64
// recipe instruction, which rematerializes globals from absolute addresses.
type MemReader func(addr uint64, b []byte) error

// Options for parsing.
type Options struct {

	// Name prefix of the metadata sections, by default DefaultSectionPrefix.
	SectionPrefix string

	// Reader for absolute host addresses used by Load64 recipes. Rewrites
	// of metadata without Load64 records never invoke it.
	MemReader MemReader

	// A custom logger.
	Logger log.Logger
}

// New instantiates a file instance with options given a file name.
func New(name string, opts *Options) (*File, error) {

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	file := File{}
	file.initOptions(opts)
	file.data = data
	file.f = f
	return &file, nil
}

// NewBytes instantiates a file instance with options given a memory buffer.
func NewBytes(data []byte, opts *Options) (*File, error) {

	file := File{}
	file.initOptions(opts)
	file.data = data
	return &file, nil
}

func (f *File) initOptions(opts *Options) {
	if opts != nil {
		f.opts = opts
	} else {
		f.opts = &Options{}
	}

	if f.opts.SectionPrefix == "" {
		f.opts.SectionPrefix = DefaultSectionPrefix
	}

	if f.opts.Logger == nil {
		logger := log.NewStdLogger(os.Stdout)
		f.logger = log.NewHelper(log.NewFilter(logger,
			log.FilterLevel(log.LevelError)))
	} else {
		f.logger = log.NewHelper(f.opts.Logger)
	}
}

// Close closes the File.
func (f *File) Close() error {
	if f.f != nil {
		_ = f.data.Unmap()
		return f.f.Close()
	}
	return nil
}

// Parse validates the ELF container, selects the architecture descriptor
// and builds the metadata section views. Initialization errors leave no
// partial state behind; the caller only has to Close the file.
func (f *File) Parse() (err error) {

	// A failed parse drops everything built so far.
	defer func() {
		if err != nil {
			f.Machine, f.Sections, f.arch = 0, nil, nil
			f.functions, f.unwind, f.sitesID = nil, nil, nil
			f.sitesAddr, f.live, f.archLive = nil, nil, nil
			f.numFunctions, f.numUnwind, f.numSites = 0, 0, 0
			f.numLive, f.numArchLive = 0, 0
		}
	}()

	err = f.parseElf()
	if err != nil {
		return err
	}

	f.arch = archForMachine(f.Machine)
	if f.arch == nil {
		return ErrUnsupportedArch
	}

	sections := []struct {
		suffix     string
		recordSize uint64
		data       *[]byte
		count      *uint64
	}{
		{SectionFunctions, FunctionRecordSize, &f.functions, &f.numFunctions},
		{SectionUnwind, UnwindLocRecordSize, &f.unwind, &f.numUnwind},
		{SectionID, CallSiteRecordSize, &f.sitesID, &f.numSites},
		{SectionAddr, CallSiteRecordSize, &f.sitesAddr, nil},
		{SectionLive, LiveValueRecordSize, &f.live, &f.numLive},
		{SectionArchLive, ArchLiveValueRecordSize, &f.archLive, &f.numArchLive},
	}

	for _, s := range sections {
		scn, err := f.metadataSection(s.suffix, s.recordSize)
		if err != nil {
			f.logger.Errorf("locating section %s.%s failed: %v",
				f.opts.SectionPrefix, s.suffix, err)
			return err
		}
		*s.data = scn.Data()
		if s.count != nil {
			*s.count = scn.Size / s.recordSize
		}
	}

	// The two call-site views must describe the same records.
	if uint64(len(f.sitesAddr)) != uint64(len(f.sitesID)) {
		return ErrSectionTooSmall
	}

	f.logger.Debugf("found %d functions, %d call sites, %d live values",
		f.numFunctions, f.numSites, f.numLive)

	return nil
}

// Arch returns the architecture descriptor chosen from the ELF machine
// type.
func (f *File) Arch() Arch {
	return f.arch
}

// NumCallSites returns the number of call-site records in the binary.
func (f *File) NumCallSites() uint64 {
	return f.numSites
}

// NumFunctions returns the number of function records in the binary.
func (f *File) NumFunctions() uint64 {
	return f.numFunctions
}

// FunctionAt decodes the function record at index i.
func (f *File) FunctionAt(i uint64) (Function, error) {
	if i >= f.numFunctions {
		return Function{}, ErrOutsideBoundary
	}
	return decodeFunction(f.functions[i*FunctionRecordSize:]), nil
}

// SiteByIndex decodes the i'th record of the ID-sorted call-site view.
func (f *File) SiteByIndex(i uint64) (CallSite, error) {
	if i >= f.numSites {
		return CallSite{}, ErrOutsideBoundary
	}
	return decodeCallSite(f.sitesID[i*CallSiteRecordSize:]), nil
}

func (f *File) siteIDAt(i uint64) CallSite {
	return decodeCallSite(f.sitesID[i*CallSiteRecordSize:])
}

func (f *File) siteAddrAt(i uint64) CallSite {
	return decodeCallSite(f.sitesAddr[i*CallSiteRecordSize:])
}

func (f *File) unwindAt(i uint64) UnwindLoc {
	return decodeUnwindLoc(f.unwind[i*UnwindLocRecordSize:])
}

func (f *File) liveAt(i uint64) LiveValue {
	return decodeLiveValue(f.live[i*LiveValueRecordSize:])
}

func (f *File) archLiveAt(i uint64) ArchLiveValue {
	return decodeArchLiveValue(f.archLive[i*ArchLiveValueRecordSize:])
}
