// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

import "fmt"

// CheckFile validates a single binary's metadata: every function's unwind
// slice and every call site's live-value slices must be in bounds, and
// duplicate records must follow a primary record of the same size.
// Returns human-readable findings, empty when the metadata is consistent.
func CheckFile(f *File) ([]string, error) {
	if f == nil || f.arch == nil {
		return nil, ErrInvalidArgument
	}

	var findings []string

	for i := uint64(0); i < f.numFunctions; i++ {
		fn, _ := f.FunctionAt(i)
		if uint64(fn.UnwindOff)+uint64(fn.UnwindNum) > f.numUnwind {
			findings = append(findings, fmt.Sprintf(
				"function %d (%#x): unwind records out of bounds", i, fn.Addr))
		}
	}

	for i := uint64(0); i < f.numSites; i++ {
		site := f.siteIDAt(i)
		if uint64(site.LiveOff)+uint64(site.LiveNum) > f.numLive {
			findings = append(findings, fmt.Sprintf(
				"call site %d: live value records out of bounds", site.ID))
			continue
		}
		if uint64(site.ArchLiveOff)+uint64(site.ArchLiveNum) > f.numArchLive {
			findings = append(findings, fmt.Sprintf(
				"call site %d: arch live value records out of bounds", site.ID))
		}
		if uint64(site.FuncIndex) >= f.numFunctions {
			findings = append(findings, fmt.Sprintf(
				"call site %d: function index %d out of bounds", site.ID, site.FuncIndex))
		}

		vals, err := f.LiveValues(&site)
		if err != nil {
			return nil, err
		}
		for k := range vals {
			if !vals[k].IsDuplicate() {
				continue
			}
			if k == 0 {
				findings = append(findings, fmt.Sprintf(
					"call site %d: duplicate record without a primary", site.ID))
				continue
			}
			prev := &vals[k-1]
			if prev.Size != vals[k].Size {
				findings = append(findings, fmt.Sprintf(
					"call site %d: duplicate record size differs from primary (%d vs. %d)",
					site.ID, vals[k].Size, prev.Size))
			}
		}
	}

	return findings, nil
}

// primaryLiveCount counts the primary (non-duplicate) live-value records of
// a call site.
func primaryLiveCount(f *File, site *CallSite) (int, error) {
	vals, err := f.LiveValues(site)
	if err != nil {
		return 0, err
	}
	n := 0
	for k := range vals {
		if !vals[k].IsDuplicate() {
			n++
		}
	}
	return n, nil
}

// CheckPair validates that two binaries carry compatible rewriting
// metadata: for every non-reserved call-site ID present in both, the
// primary live-value counts must match. Per-binary consistency findings
// are included as well.
func CheckPair(a, b *File) ([]string, error) {
	if a == nil || b == nil {
		return nil, ErrInvalidArgument
	}

	findings, err := CheckFile(a)
	if err != nil {
		return nil, err
	}
	more, err := CheckFile(b)
	if err != nil {
		return nil, err
	}
	findings = append(findings, more...)

	for i := uint64(0); i < a.numSites; i++ {
		siteA := a.siteIDAt(i)
		if IsReservedID(siteA.ID) {
			continue
		}
		siteB, ok := b.SiteByID(siteA.ID)
		if !ok {
			findings = append(findings, fmt.Sprintf(
				"call site %d: present in %s only", siteA.ID, a.arch.Name()))
			continue
		}

		countA, err := primaryLiveCount(a, &siteA)
		if err != nil {
			return nil, err
		}
		countB, err := primaryLiveCount(b, &siteB)
		if err != nil {
			return nil, err
		}
		if countA != countB {
			findings = append(findings, fmt.Sprintf(
				"call site %d: %d live values on %s but %d on %s",
				siteA.ID, countA, a.arch.Name(), countB, b.arch.Name()))
		}
	}

	return findings, nil
}
