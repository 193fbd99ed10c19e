// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// SiteByAddr searches the address-sorted call-site view for an exact
// return-address match.
func (f *File) SiteByAddr(retAddr uint64) (CallSite, bool) {
	min, max := int64(0), int64(f.numSites)-1
	for max >= min {
		mid := (max + min) / 2
		site := f.siteAddrAt(uint64(mid))
		switch {
		case site.Addr == retAddr:
			return site, true
		case retAddr > site.Addr:
			min = mid + 1
		default:
			max = mid - 1
		}
	}
	return CallSite{}, false
}

// SiteByID searches the ID-sorted call-site view for the given call-site
// ID.
func (f *File) SiteByID(id uint64) (CallSite, bool) {
	min, max := int64(0), int64(f.numSites)-1
	for max >= min {
		mid := (max + min) / 2
		site := f.siteIDAt(uint64(mid))
		switch {
		case site.ID == id:
			return site, true
		case id > site.ID:
			min = mid + 1
		default:
			max = mid - 1
		}
	}
	return CallSite{}, false
}

// FuncByPC searches the function records for the function whose code range
// encloses pc. Used as a fallback for the outermost frame, whose program
// counter is not a return address.
func (f *File) FuncByPC(pc uint64) (Function, uint32, bool) {
	min, max := int64(0), int64(f.numFunctions)-1
	for max >= min {
		mid := (max + min) / 2
		fn := decodeFunction(f.functions[uint64(mid)*FunctionRecordSize:])
		switch {
		case fn.Contains(pc):
			return fn, uint32(mid), true
		case pc >= fn.Addr+uint64(fn.CodeSize):
			min = mid + 1
		default:
			max = mid - 1
		}
	}
	return Function{}, 0, false
}

// FuncForSite returns the function record a call site belongs to.
func (f *File) FuncForSite(site *CallSite) (Function, error) {
	return f.FunctionAt(uint64(site.FuncIndex))
}

// UnwindLocs returns a function's slice of callee-saved spill records.
func (f *File) UnwindLocs(fn *Function) ([]UnwindLoc, error) {
	start := uint64(fn.UnwindOff)
	end := start + uint64(fn.UnwindNum)
	if end > f.numUnwind {
		return nil, ErrOutsideBoundary
	}
	locs := make([]UnwindLoc, 0, fn.UnwindNum)
	for i := start; i < end; i++ {
		locs = append(locs, f.unwindAt(i))
	}
	return locs, nil
}

// LiveValues returns a call site's slice of live-value records.
func (f *File) LiveValues(site *CallSite) ([]LiveValue, error) {
	start := uint64(site.LiveOff)
	end := start + uint64(site.LiveNum)
	if end > f.numLive {
		return nil, ErrOutsideBoundary
	}
	vals := make([]LiveValue, 0, site.LiveNum)
	for i := start; i < end; i++ {
		vals = append(vals, f.liveAt(i))
	}
	return vals, nil
}

// ArchLiveValues returns a call site's slice of architecture-specific
// live-value records.
func (f *File) ArchLiveValues(site *CallSite) ([]ArchLiveValue, error) {
	start := uint64(site.ArchLiveOff)
	end := start + uint64(site.ArchLiveNum)
	if end > f.numArchLive {
		return nil, ErrOutsideBoundary
	}
	vals := make([]ArchLiveValue, 0, site.ArchLiveNum)
	for i := start; i < end; i++ {
		vals = append(vals, f.archLiveAt(i))
	}
	return vals, nil
}

// unwindOffsetFor finds the spill record for reg in a function's unwind
// slice. The frame pointer is usually spilled last, so the search runs
// backwards.
func (f *File) unwindOffsetFor(fn *Function, reg uint16) (int16, bool) {
	start := uint64(fn.UnwindOff)
	for i := start + uint64(fn.UnwindNum); i > start; i-- {
		loc := f.unwindAt(i - 1)
		if loc.Reg == reg {
			return loc.Offset, true
		}
	}
	return 0, false
}
