package la64

// entryPageSize returns the page size exponent of a TLB entry. Only
// MTLB entries carry their own PS field; STLB entries use STLBPS.
func (cpu *CPU) entryPageSize(index int) uint8 {
	if index >= STLBEntries {
		return uint8(tlbMiscPS.get(cpu.TLB[index].Misc))
	}
	return uint8(stlbpsPS.get(cpu.CSR.StlbPS))
}

// entryMatchesGuest reports whether a TLB entry belongs to the guest
// that maintenance operations address. Without LVZ every entry matches.
func (cpu *CPU) entryMatchesGuest(e *TLBEntry) bool {
	if !cpu.HasLVZ() {
		return true
	}
	return uint8(tlbMiscGID.get(e.Misc)) == cpu.TargetGID()
}

// randRange returns a random value between low and high inclusive.
func (cpu *CPU) randRange(low, high uint32) uint32 {
	return cpu.Rand()%(high-low+1) + low
}

// tlbSearch looks up vaddr in the STLB set selected by the address,
// then linearly in the MTLB. Entries stamped with another gid never
// match.
func (cpu *CPU) tlbSearch(vaddr uint64, gid uint8) (int, bool) {
	csrAsid := asidASID.get(cpu.effectiveBank().Asid)
	stlbPS := stlbpsPS.get(cpu.CSR.StlbPS)
	vpn := (vaddr & VirtMask) >> (stlbPS + 1)
	stlbIdx := int(vpn & 0xff)
	compareShift := stlbPS + 1 - uint64(tlbMiscVPPN.shift)

	for i := 0; i < STLBWays; i++ {
		e := &cpu.TLB[i*STLBSetSize+stlbIdx]
		if tlbMiscE.get(e.Misc) == 0 {
			continue
		}
		if cpu.HasLVZ() && uint8(tlbMiscGID.get(e.Misc)) != gid {
			continue
		}
		vppn := tlbMiscVPPN.get(e.Misc)
		asid := tlbMiscASID.get(e.Misc)
		g := tlbEntG.get(e.Entry0)
		if (g == 1 || asid == csrAsid) && vpn == vppn>>compareShift {
			return i*STLBSetSize + stlbIdx, true
		}
	}

	for i := STLBEntries; i < TLBEntries; i++ {
		e := &cpu.TLB[i]
		if tlbMiscE.get(e.Misc) == 0 {
			continue
		}
		if cpu.HasLVZ() && uint8(tlbMiscGID.get(e.Misc)) != gid {
			continue
		}
		ps := tlbMiscPS.get(e.Misc)
		vppn := tlbMiscVPPN.get(e.Misc)
		asid := tlbMiscASID.get(e.Misc)
		g := tlbEntG.get(e.Entry0)
		compareShift = ps + 1 - uint64(tlbMiscVPPN.shift)
		vpn = (vaddr & VirtMask) >> (ps + 1)
		if (g == 1 || asid == csrAsid) && vpn == vppn>>compareShift {
			return i, true
		}
	}
	return 0, false
}

// invalidateEntry drops downstream cached translations for both halves
// of a TLB entry before it is overwritten.
func (cpu *CPU) invalidateEntry(index int) {
	e := &cpu.TLB[index]
	v0 := tlbEntV.get(e.Entry0)
	v1 := tlbEntV.get(e.Entry1)
	vppn := tlbMiscVPPN.get(e.Misc)
	ps := cpu.entryPageSize(index)

	pagesize := uint64(1) << ps
	mask := (uint64(1) << (ps + 1)) - 1
	base := (vppn << tlbMiscVPPN.shift) &^ mask

	if v0 != 0 {
		cpu.Cache.InvalidateRange(base, pagesize)
	}
	if v1 != 0 {
		cpu.Cache.InvalidateRange(base|pagesize, pagesize)
	}
}

// fillEntry writes the refill or effective TLB registers into a slot.
// During a TLB refill exception the shadow TLBR registers win.
func (cpu *CPU) fillEntry(index int) {
	e := &cpu.TLB[index]
	var lo0, lo1, csrVppn uint64
	var csrPS uint8

	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 {
		csrPS = uint8(tlbrehiPS.get(cpu.CSR.TlbrEhi))
		if cpu.IsLA64() {
			csrVppn = tlbehiVPPN64.get(cpu.CSR.TlbrEhi)
		} else {
			csrVppn = tlbehiVPPN32.get(cpu.CSR.TlbrEhi)
		}
		lo0 = cpu.CSR.TlbrElo0
		lo1 = cpu.CSR.TlbrElo1
	} else {
		b := cpu.effectiveBank()
		csrPS = uint8(tlbidxPS.get(b.TlbIdx))
		if cpu.IsLA64() {
			csrVppn = tlbehiVPPN64.get(b.TlbEhi)
		} else {
			csrVppn = tlbehiVPPN32.get(b.TlbEhi)
		}
		lo0 = b.TlbElo0
		lo1 = b.TlbElo1
	}

	if csrPS == 0 {
		cpu.Log.Debug("tlb fill with zero page size", "index", index)
	}

	// Only MTLB entries carry the ps field
	if index >= STLBEntries {
		e.Misc = tlbMiscPS.set(e.Misc, uint64(csrPS))
	}

	e.Misc = tlbMiscVPPN.set(e.Misc, csrVppn)
	e.Misc = tlbMiscE.set(e.Misc, 1)
	e.Misc = tlbMiscASID.set(e.Misc, asidASID.get(cpu.effectiveBank().Asid))

	if cpu.HasLVZ() {
		e.Misc = tlbMiscGID.set(e.Misc, uint64(cpu.TargetGID()))
	}

	e.Entry0 = lo0
	e.Entry1 = lo1
}

// TLBSrch probes the TLB for the page in TLBEHI and records the result
// in TLBIDX.
func (cpu *CPU) TLBSrch() {
	b := cpu.effectiveBank()

	var ehi uint64
	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 {
		ehi = cpu.CSR.TlbrEhi
	} else {
		ehi = b.TlbEhi
	}

	if index, ok := cpu.tlbSearch(ehi, cpu.TargetGID()); ok {
		b.TlbIdx = tlbidxIndex.set(b.TlbIdx, uint64(index))
		b.TlbIdx = tlbidxNE.set(b.TlbIdx, 0)
		return
	}
	b.TlbIdx = tlbidxNE.set(b.TlbIdx, 1)
}

// TLBRd reads the entry selected by TLBIDX.INDEX back into the TLB
// registers. Entries of other guests read as invalid.
func (cpu *CPU) TLBRd() {
	b := cpu.effectiveBank()
	index := int(tlbidxIndex.get(b.TlbIdx))
	if index >= TLBEntries {
		return
	}
	e := &cpu.TLB[index]

	if !cpu.entryMatchesGuest(e) || tlbMiscE.get(e.Misc) == 0 {
		b.TlbIdx = tlbidxNE.set(b.TlbIdx, 1)
		b.Asid = asidASID.set(b.Asid, 0)
		b.TlbEhi = 0
		b.TlbElo0 = 0
		b.TlbElo1 = 0
		b.TlbIdx = tlbidxPS.set(b.TlbIdx, 0)
		return
	}

	ps := cpu.entryPageSize(index)
	b.TlbIdx = tlbidxNE.set(b.TlbIdx, 0)
	b.TlbIdx = tlbidxPS.set(b.TlbIdx, uint64(ps&0x3f))
	b.TlbEhi = tlbMiscVPPN.get(e.Misc) << tlbMiscVPPN.shift
	b.TlbElo0 = e.Entry0
	b.TlbElo1 = e.Entry1
}

// TLBWr writes the TLB registers into the entry selected by
// TLBIDX.INDEX. With TLBIDX.NE set the slot is disabled instead.
func (cpu *CPU) TLBWr() {
	b := cpu.effectiveBank()
	index := int(tlbidxIndex.get(b.TlbIdx))
	if index >= TLBEntries {
		return
	}

	cpu.invalidateEntry(index)

	if tlbidxNE.get(b.TlbIdx) != 0 {
		cpu.TLB[index].Misc = tlbMiscE.set(cpu.TLB[index].Misc, 0)
		return
	}

	cpu.fillEntry(index)
}

// TLBFill writes the TLB registers into a random victim slot. Pages of
// the configured STLB size land in the set selected by the address,
// everything else goes to the MTLB.
func (cpu *CPU) TLBFill() {
	var entryhi uint64
	var pagesize uint8

	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 {
		entryhi = cpu.CSR.TlbrEhi
		pagesize = uint8(tlbrehiPS.get(cpu.CSR.TlbrEhi))
	} else {
		b := cpu.effectiveBank()
		entryhi = b.TlbEhi
		pagesize = uint8(tlbidxPS.get(b.TlbIdx))
	}

	stlbPS := uint8(stlbpsPS.get(cpu.CSR.StlbPS))

	var index int
	if pagesize == stlbPS {
		address := entryhi &^ ((uint64(1) << tlbehiVPPN64.shift) - 1)
		set := int(cpu.randRange(0, STLBWays-1))
		stlbIdx := int((address >> (stlbPS + 1)) & 0xff)
		index = set*STLBSetSize + stlbIdx
	} else {
		index = int(cpu.randRange(STLBEntries, TLBEntries-1))
	}

	cpu.invalidateEntry(index)
	cpu.fillEntry(index)
}

// TLBClr disables non-global entries with the current ASID, within the
// STLB line or the whole MTLB depending on TLBIDX.INDEX.
func (cpu *CPU) TLBClr() {
	csrAsid := asidASID.get(cpu.effectiveBank().Asid)
	index := int(tlbidxIndex.get(cpu.effectiveBank().TlbIdx))

	clr := func(e *TLBEntry) {
		if !cpu.entryMatchesGuest(e) {
			return
		}
		asid := tlbMiscASID.get(e.Misc)
		g := tlbEntG.get(e.Entry0)
		if g == 0 && asid == csrAsid {
			e.Misc = tlbMiscE.set(e.Misc, 0)
		}
	}

	if index < STLBEntries {
		for i := 0; i < STLBWays; i++ {
			clr(&cpu.TLB[i*STLBSetSize+index%STLBSetSize])
		}
	} else if index < TLBEntries {
		for i := STLBEntries; i < TLBEntries; i++ {
			clr(&cpu.TLB[i])
		}
	}

	cpu.Cache.InvalidateAll()
}

// TLBFlush disables entries unconditionally, within the STLB line or
// the whole MTLB depending on TLBIDX.INDEX.
func (cpu *CPU) TLBFlush() {
	index := int(tlbidxIndex.get(cpu.effectiveBank().TlbIdx))

	if index < STLBEntries {
		for i := 0; i < STLBWays; i++ {
			e := &cpu.TLB[i*STLBSetSize+index%STLBSetSize]
			if cpu.entryMatchesGuest(e) {
				e.Misc = tlbMiscE.set(e.Misc, 0)
			}
		}
	} else if index < TLBEntries {
		for i := STLBEntries; i < TLBEntries; i++ {
			if cpu.entryMatchesGuest(&cpu.TLB[i]) {
				cpu.TLB[i].Misc = tlbMiscE.set(cpu.TLB[i].Misc, 0)
			}
		}
	}

	cpu.Cache.InvalidateAll()
}

// INVTLB operation codes
const (
	InvTLBAllOp       = 0
	InvTLBAllAlias    = 1
	InvTLBGlobal      = 2
	InvTLBNonGlobal   = 3
	InvTLBASIDOp      = 4
	InvTLBPageASID    = 5
	InvTLBPageASIDOrG = 6
)

// InvTLB dispatches an INVTLB operation. Unknown opcodes raise an
// instruction-not-exist exception.
func (cpu *CPU) InvTLB(op uint32, info, addr uint64) error {
	switch op {
	case InvTLBAllOp, InvTLBAllAlias:
		cpu.InvTLBAll()
	case InvTLBGlobal:
		cpu.InvTLBAllG(1)
	case InvTLBNonGlobal:
		cpu.InvTLBAllG(0)
	case InvTLBASIDOp:
		cpu.InvTLBASID(info)
	case InvTLBPageASID:
		cpu.InvTLBPageASID(info, addr)
	case InvTLBPageASIDOrG:
		cpu.InvTLBPageASIDOrG(info, addr)
	default:
		return Exception(ExcINE, 0)
	}
	return nil
}

// InvTLBAll disables every entry of the current guest context.
func (cpu *CPU) InvTLBAll() {
	for i := range cpu.TLB {
		if cpu.entryMatchesGuest(&cpu.TLB[i]) {
			cpu.TLB[i].Misc = tlbMiscE.set(cpu.TLB[i].Misc, 0)
		}
	}
	cpu.Cache.InvalidateAll()
}

// InvTLBAllG disables entries whose G bit equals g.
func (cpu *CPU) InvTLBAllG(g uint64) {
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if tlbEntG.get(e.Entry0) == g && cpu.entryMatchesGuest(e) {
			e.Misc = tlbMiscE.set(e.Misc, 0)
		}
	}
	cpu.Cache.InvalidateAll()
}

// InvTLBASID disables non-global entries with the given ASID.
func (cpu *CPU) InvTLBASID(info uint64) {
	asid := info & asidASID.mask()

	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		g := tlbEntG.get(e.Entry0)
		if g == 0 && tlbMiscASID.get(e.Misc) == asid && cpu.entryMatchesGuest(e) {
			e.Misc = tlbMiscE.set(e.Misc, 0)
		}
	}
	cpu.Cache.InvalidateAll()
}

// InvTLBPageASID disables the non-global entry covering addr with the
// given ASID.
func (cpu *CPU) InvTLBPageASID(info, addr uint64) {
	asid := info & 0x3ff

	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if !cpu.entryMatchesGuest(e) {
			continue
		}
		ps := cpu.entryPageSize(i)
		vppn := tlbMiscVPPN.get(e.Misc)
		vpn := (addr & VirtMask) >> (ps + 1)
		compareShift := uint64(ps) + 1 - uint64(tlbMiscVPPN.shift)
		g := tlbEntG.get(e.Entry0)
		if g == 0 && tlbMiscASID.get(e.Misc) == asid && vpn == vppn>>compareShift {
			e.Misc = tlbMiscE.set(e.Misc, 0)
		}
	}
	cpu.Cache.InvalidateAll()
}

// InvTLBPageASIDOrG disables the entry covering addr when it is global
// or carries the given ASID.
func (cpu *CPU) InvTLBPageASIDOrG(info, addr uint64) {
	asid := info & 0x3ff

	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if !cpu.entryMatchesGuest(e) {
			continue
		}
		ps := cpu.entryPageSize(i)
		vppn := tlbMiscVPPN.get(e.Misc)
		vpn := (addr & VirtMask) >> (ps + 1)
		compareShift := uint64(ps) + 1 - uint64(tlbMiscVPPN.shift)
		g := tlbEntG.get(e.Entry0)
		if (g == 1 || tlbMiscASID.get(e.Misc) == asid) && vpn == vppn>>compareShift {
			e.Misc = tlbMiscE.set(e.Misc, 0)
		}
	}
	cpu.Cache.InvalidateAll()
}
