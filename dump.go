// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// Metadata is a JSON-marshalable snapshot of a binary's rewriting
// metadata, decoded from the section views.
type Metadata struct {
	Machine        uint16          `json:"machine"`
	Arch           string          `json:"arch"`
	Functions      []Function      `json:"functions,omitempty"`
	UnwindLocs     []UnwindLoc     `json:"unwind_locs,omitempty"`
	CallSites      []CallSite      `json:"call_sites,omitempty"`
	LiveValues     []LiveValue     `json:"live_values,omitempty"`
	ArchLiveValues []ArchLiveValue `json:"arch_live_values,omitempty"`
}

// Dump decodes every metadata record of the binary. Call sites come from
// the ID-sorted view.
func (f *File) Dump() (*Metadata, error) {
	if f.arch == nil {
		return nil, ErrInvalidArgument
	}

	md := Metadata{
		Machine: f.Machine,
		Arch:    f.arch.Name(),
	}

	for i := uint64(0); i < f.numFunctions; i++ {
		fn, err := f.FunctionAt(i)
		if err != nil {
			return nil, err
		}
		md.Functions = append(md.Functions, fn)
	}
	for i := uint64(0); i < f.numUnwind; i++ {
		md.UnwindLocs = append(md.UnwindLocs, f.unwindAt(i))
	}
	for i := uint64(0); i < f.numSites; i++ {
		md.CallSites = append(md.CallSites, f.siteIDAt(i))
	}
	for i := uint64(0); i < f.numLive; i++ {
		md.LiveValues = append(md.LiveValues, f.liveAt(i))
	}
	for i := uint64(0); i < f.numArchLive; i++ {
		md.ArchLiveValues = append(md.ArchLiveValues, f.archLiveAt(i))
	}

	return &md, nil
}
