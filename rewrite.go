// Copyright 2021 Popcorn Linux. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package stackt

// RewriteStack reconstructs a thread's execution state for another
// architecture. The captured source register blob and stack window are
// translated into the destination register blob and stack buffer, using
// the metadata of the two binaries.
//
// The handles must be parsed and may be shared; the contexts built here
// are transient and private to this call.
func RewriteStack(srcFile *File, srcRegs []byte, srcStack *Stack,
	destFile *File, destRegs []byte, destStack *Stack) error {

	if srcFile == nil || destFile == nil || srcStack == nil || destStack == nil {
		return ErrInvalidArgument
	}
	if srcFile.arch == nil || destFile.arch == nil {
		return ErrInvalidArgument
	}
	if len(srcRegs) != srcFile.arch.RegSetSize() ||
		len(destRegs) != destFile.arch.RegSetSize() {
		return ErrInvalidArgument
	}

	destFile.logger.Debugf("initializing rewrite (%s -> %s)",
		srcFile.arch.Name(), destFile.arch.Name())

	/* Initialize the source context from the captured thread state. */
	src := newContext(srcFile, srcStack)
	if err := src.acts[0].regs.CopyIn(srcRegs); err != nil {
		return err
	}
	src.stackTop = src.acts[0].regs.SP()

	pc := src.acts[0].regs.PC()
	if site, ok := srcFile.SiteByAddr(pc); ok {
		fn, err := srcFile.FuncForSite(&site)
		if err != nil {
			return err
		}
		src.acts[0].site = site
		src.acts[0].siteValid = true
		src.acts[0].fn = fn
	} else {
		// Mid-function program counters fall back to the enclosing
		// function; only unwinding metadata is available for the frame.
		fn, idx, ok := srcFile.FuncByPC(pc)
		if !ok {
			return ErrSiteNotFound
		}
		src.acts[0].fn = fn
		src.acts[0].site = CallSite{ID: CallSiteBoundaryID, FuncIndex: idx}
	}
	src.bootstrapFirstFrame()

	/* Initialize the destination context entering the same function. */
	dest := newContext(destFile, destStack)
	dest.stackTop = destStack.Top()

	destPC := src.acts[0].fn.Addr
	if src.acts[0].siteValid {
		dsite, ok := destFile.SiteByID(src.acts[0].site.ID)
		if !ok {
			return ErrSiteNotFound
		}
		dfn, err := destFile.FuncForSite(&dsite)
		if err != nil {
			return err
		}
		dest.acts[0].site = dsite
		dest.acts[0].siteValid = true
		dest.acts[0].fn = dfn
		destPC = dfn.Addr
	}
	dest.acts[0].regs.SetPC(destPC)

	destFile.logger.Debugf("rewriting destination as if entering function @ %#x", destPC)

	/* Unwind the source stack to find live activations and size the
	   destination stack. */
	if err := unwindAndSize(src, dest); err != nil {
		return err
	}

	// The following runs in this exact order: frames are consumed
	// inner-to-outer, and a frame must be fully rewritten before it is
	// popped on the destination side.

	/* Rewrite the outermost frame: the entry-point register state. */
	if src.acts[0].siteValid && dest.acts[0].siteValid {
		if err := rewriteFrame(src, dest); err != nil {
			return err
		}
	}

	if src.numActs > 1 {
		if err := dest.setReturnAddressFuncEntry(dest.acts[1].site.Addr); err != nil {
			return err
		}
		if err := dest.popFrameFuncEntry(); err != nil {
			return err
		}

		// The thread-entry frame carries no state to reconstruct.
		for src.act = 1; src.act < src.numActs-1; src.act++ {
			if err := rewriteFrame(src, dest); err != nil {
				return err
			}

			if err := dest.setReturnAddress(dest.acts[dest.act+1].site.Addr); err != nil {
				return err
			}
			savedFBP, err := dest.savedFBPLoc()
			if err != nil {
				return err
			}
			if err := dest.popFrame(true); err != nil {
				return err
			}
			// Stitch the dynamic frame-pointer chain together.
			if err := destStack.WriteUint64(savedFBP, dest.cur().regs.FBP()); err != nil {
				return err
			}
		}
	}

	/* Copy out the destination register state. */
	if err := dest.acts[0].regs.CopyOut(destRegs); err != nil {
		return err
	}

	// Leftover fixups usually reflect stale pointer data in source memory;
	// the rewrite is still reported successful.
	for _, f := range dest.stackPointers {
		destFile.logger.Warnf("could not find stack pointer fixup for %#x (in activation %d)",
			f.srcAddr, f.act)
	}

	destFile.logger.Debugf("finished rewrite")
	return nil
}

// unwindAndSize walks the source stack outward, caching each activation's
// call site on both sides and accumulating the destination stack size.
func unwindAndSize(src, dest *context) error {
	var stackSize uint64

	for !(src.cur().siteValid && IsReservedID(src.cur().site.ID)) {
		if err := src.popFrame(false); err != nil {
			return err
		}
		src.numActs++

		act := src.cur()
		retAddr := act.regs.PC()
		site, ok := src.handle.SiteByAddr(retAddr)
		if !ok {
			src.handle.logger.Errorf("could not get source call site information (address=%#x)",
				retAddr)
			return ErrSiteNotFound
		}
		fn, err := src.handle.FuncForSite(&site)
		if err != nil {
			return err
		}
		act.site = site
		act.siteValid = true
		act.fn = fn

		dsite, ok := dest.handle.SiteByID(site.ID)
		if !ok {
			dest.handle.logger.Errorf("could not get destination call site information (ID=%d)",
				site.ID)
			return ErrSiteNotFound
		}
		dfn, err := dest.handle.FuncForSite(&dsite)
		if err != nil {
			return err
		}

		dact := dest.newActivation(src.act)
		dact.site = dsite
		dact.siteValid = true
		dact.fn = dfn
		if err := dest.fillCalleeSaved(dact); err != nil {
			return err
		}
		dest.act = src.act
		dest.numActs = src.act + 1

		// The new frame's size extends the destination stack.
		stackSize += uint64(dfn.FrameSize) + dest.arch.CFAOffset()

		// The CFA can only be computed once the call site metadata is known.
		act.cfa = src.frameCFA(act)
	}

	if stackSize > MaxStackSize/2 {
		return ErrStackOverflow
	}

	src.handle.logger.Debugf("number of live activations: %d", src.numActs)
	dest.handle.logger.Debugf("destination stack size: %d", stackSize)

	/* Reset to the outermost frame. */
	src.act = 0
	dest.act = 0

	/* Set the destination stack pointer (align if necessary). */
	sp := dest.stack.Base - stackSize
	if dest.arch.SPNeedsAlign() {
		sp = dest.arch.AlignSP(sp)
	}
	if sp < dest.stack.Top() {
		return ErrStackOverflow
	}
	dest.stackTop = sp
	dest.acts[0].regs.SetSP(sp)
	dest.bootstrapFirstFrameFuncEntry()

	return nil
}

// rewriteFrame copies all live values of the focused frame pair. The
// source and destination activations refer to the same call-site ID.
func rewriteFrame(src, dest *context) error {
	sact, dact := src.cur(), dest.cur()

	dest.handle.logger.Debugf("rewriting frame (CFA: %#x -> %#x)", sact.cfa, dact.cfa)

	srcVals, err := src.handle.LiveValues(&sact.site)
	if err != nil {
		return err
	}
	destVals, err := dest.handle.LiveValues(&dact.site)
	if err != nil {
		return err
	}

	needsLocalFixup := false
	i, j := 0, 0
	for j < len(destVals) {
		if i >= len(srcVals) {
			return ErrSizeMismatch
		}
		valSrc, valDest := &srcVals[i], &destVals[j]
		if valSrc.IsDuplicate() || valDest.IsDuplicate() {
			return ErrTypeMismatch
		}

		/* Apply to the primary location record. */
		local, err := rewriteVal(src, valSrc, dest, valDest)
		if err != nil {
			return err
		}
		needsLocalFixup = needsLocalFixup || local

		/* Apply to all duplicate location records. */
		for j+1 < len(destVals) && destVals[j+1].IsDuplicate() {
			j++
			valDest = &destVals[j]
			if valDest.IsAlloca() {
				return ErrTypeMismatch
			}
			local, err = rewriteVal(src, valSrc, dest, valDest)
			if err != nil {
				return err
			}
			needsLocalFixup = needsLocalFixup || local
		}

		/* Advance the source value past duplicate location records. */
		for i+1 < len(srcVals) && srcVals[i+1].IsDuplicate() {
			i++
		}
		i++
		j++
	}
	if i != len(srcVals) {
		return ErrSizeMismatch
	}

	/* Set architecture-specific live values. */
	archVals, err := dest.handle.ArchLiveValues(&dact.site)
	if err != nil {
		return err
	}
	for k := range archVals {
		if err := putValArch(dest, &archVals[k]); err != nil {
			return err
		}
	}

	/* Fix up pointers to arguments or local values. */
	if needsLocalFixup {
		return fixupLocalPointers(src, dest)
	}
	return nil
}

// vaListSkip reports whether a live-value pair is a va_list whose layout
// differs between the two ABIs. These cannot be translated and are skipped
// rather than treated as a size mismatch.
func vaListSkip(srcSize, destSize uint32) bool {
	switch {
	case srcSize == VaListSizeX8664 && destSize == VaListSizeAArch64:
		return true
	case srcSize == VaListSizeAArch64 && destSize == VaListSizeX8664:
		return true
	case srcSize == VaListSizeX8664 && destSize == VaListSizePPC64:
		return true
	case srcSize == VaListSizePPC64 && destSize == VaListSizeX8664:
		return true
	}
	return false
}

// rewriteVal translates a single live value, returning whether a fixup
// within the current frame was recorded.
func rewriteVal(src *context, valSrc *LiveValue,
	dest *context, valDest *LiveValue) (bool, error) {

	if valSrc.IsAlloca() && valDest.IsAlloca() &&
		vaListSkip(valSrc.ValSize(), valDest.ValSize()) {
		dest.handle.logger.Warnf("skipping va_list (layout differs between ABIs)")
		return false, nil
	}

	if valSrc.ValSize() != valDest.ValSize() {
		return false, ErrSizeMismatch
	}
	if valSrc.IsPtr() != valDest.IsPtr() || valSrc.IsAlloca() != valDest.IsAlloca() {
		return false, ErrTypeMismatch
	}

	needsLocalFixup := false

	/* Pointers onto the stack are recorded as fixups; everything else is
	   copied now. */
	if stackAddr, ok := src.pointsToStack(valSrc); ok {
		if src.act == 0 || stackAddr >= src.acts[src.act-1].cfa {
			dest.handle.logger.Debugf("adding fixup for pointer-to-stack %#x", stackAddr)
			dest.stackPointers = append(dest.stackPointers, fixup{
				srcAddr: stackAddr,
				act:     dest.act,
				destLoc: *valDest,
			})

			/* Are we pointing to a value within the same frame? */
			if stackAddr < src.cur().cfa {
				needsLocalFixup = true
			}
		} else {
			// A pointer into frames down the call chain is most likely
			// garbage pointer data.
			dest.handle.logger.Warnf("pointer-to-stack %#x points to called functions", stackAddr)
		}
	} else if err := putVal(src, valSrc, dest, valDest); err != nil {
		return false, err
	}

	/* Check whether pending fixups point into this value. Only
	   memory-resident values can be pointed to, so non-allocas are
	   filtered out. */
	if valSrc.IsAlloca() {
		for k := 0; k < len(dest.stackPointers); {
			f := dest.stackPointers[k]
			if destAddr, ok := pointsToData(src, valSrc, dest, valDest, f.srcAddr); ok {
				dest.handle.logger.Debugf("found fixup for %#x (in frame %d)", f.srcAddr, f.act)
				if err := putValData(dest, &f.destLoc, f.act, destAddr); err != nil {
					return false, err
				}
				dest.stackPointers = append(dest.stackPointers[:k], dest.stackPointers[k+1:]...)
			} else {
				k++
			}
		}
	}

	return needsLocalFixup, nil
}

// fixupLocalPointers resolves fixups referencing data within the focused
// frame. Fixups for inner frames that are still pending at this point are
// most likely stale pointers and stay queued.
func fixupLocalPointers(src, dest *context) error {
	dest.handle.logger.Debugf("resolving local fix-ups")

	srcVals, err := src.handle.LiveValues(&src.cur().site)
	if err != nil {
		return err
	}
	destVals, err := dest.handle.LiveValues(&dest.cur().site)
	if err != nil {
		return err
	}

	for k := 0; k < len(dest.stackPointers); {
		f := dest.stackPointers[k]
		if f.srcAddr > src.cur().cfa {
			k++
			continue
		}
		if f.act != dest.act {
			dest.handle.logger.Warnf("unresolved fixup for %#x (frame %d)", f.srcAddr, f.act)
			k++
			continue
		}

		resolved := false
		i, j := 0, 0
		for i < len(srcVals) && j < len(destVals) {
			valSrc, valDest := &srcVals[i], &destVals[j]

			/* Only stack allocations can be pointed to. */
			if valSrc.IsAlloca() && valDest.IsAlloca() {
				if destAddr, ok := pointsToData(src, valSrc, dest, valDest, f.srcAddr); ok {
					dest.handle.logger.Debugf("found local fixup for %#x", f.srcAddr)
					if err := putValData(dest, &f.destLoc, f.act, destAddr); err != nil {
						return err
					}
					dest.stackPointers = append(dest.stackPointers[:k], dest.stackPointers[k+1:]...)
					resolved = true
					break
				}
			}

			/* Advance past duplicate location records. */
			for i+1 < len(srcVals) && srcVals[i+1].IsDuplicate() {
				i++
			}
			for j+1 < len(destVals) && destVals[j+1].IsDuplicate() {
				j++
			}
			i++
			j++
		}

		if !resolved {
			k++
		}
	}
	return nil
}
