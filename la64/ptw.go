package la64

// Software page table walk, driven from the TLB refill handler. LDDir
// descends one directory level using the refill fault address in
// TLBRBADV; LDPte loads the even or odd leaf into TLBRELO0/1.

// dirGeometry returns the shift and index width of a directory level.
func (cpu *CPU) dirGeometry(level int) (uint64, uint64) {
	switch level {
	case 1:
		return pwclDir1Base.get(cpu.CSR.Pwcl), pwclDir1Width.get(cpu.CSR.Pwcl)
	case 2:
		return pwclDir2Base.get(cpu.CSR.Pwcl), pwclDir2Width.get(cpu.CSR.Pwcl)
	case 3:
		return pwchDir3Base.get(cpu.CSR.Pwch), pwchDir3Width.get(cpu.CSR.Pwch)
	case 4:
		return pwchDir4Base.get(cpu.CSR.Pwch), pwchDir4Width.get(cpu.CSR.Pwch)
	}
	return 0, 0
}

// pteShift is the log2 size of one table entry from PWCL.PTEWIDTH.
func (cpu *CPU) pteShift() uint64 {
	return (pwclPTEWidth.get(cpu.CSR.Pwcl) + 1) * 3
}

// LDDir loads the next level directory entry for the refill fault
// address. A huge page leaf stops the descent; the level is stamped
// into the entry so LDPte can recover the page size.
func (cpu *CPU) LDDir(base uint64, level int) (uint64, error) {
	if level == 0 || level > 4 {
		cpu.Log.Warn("page walk with bad directory level", "level", level)
		return base, nil
	}

	if tlbEntHuge.get(base) != 0 {
		if level == 4 {
			cpu.Log.Warn("huge page directory entry at the final walk level")
		}
		if tlbEntLevel.get(base) != 0 {
			return base, nil
		}
		return tlbEntLevel.set(base, uint64(level)), nil
	}

	dirBase, dirWidth := cpu.dirGeometry(level)
	index := (cpu.CSR.TlbrBadv >> dirBase) & ((1 << dirWidth) - 1)

	phys := (base & PhysMask) | index<<cpu.pteShift()
	next, err := cpu.Mem.Read64(phys)
	if err != nil {
		return 0, err
	}
	return next & PhysMask, nil
}

// LDPte loads one half of a leaf pair into TLBRELO0 or TLBRELO1 and
// records the page size in TLBREHI. A huge page entry is split into
// its even and odd halves here.
func (cpu *CPU) LDPte(base uint64, odd bool) error {
	var entry, ps uint64

	base &= PhysMask
	if tlbEntHuge.get(base) != 0 {
		level := int(tlbEntLevel.get(base))
		dirBase, dirWidth := cpu.dirGeometry(level)

		entry = tlbEntLevel.set(base, 0)
		entry = tlbEntHuge.set(entry, 0)
		if tlbEntHGlobal.get(entry) != 0 {
			entry = tlbEntHGlobal.set(entry, 0)
			entry = tlbEntG.set(entry, 1)
		}

		// The pair covers the huge page, so each half is one bit
		// smaller
		ps = dirBase + dirWidth - 1
		if odd {
			entry += 1 << ps
		}
	} else {
		ptBase := pwclPTBase.get(cpu.CSR.Pwcl)
		ptWidth := pwclPTWidth.get(cpu.CSR.Pwcl)

		index := (cpu.CSR.TlbrBadv >> ptBase) & ((1 << ptWidth) - 1)
		index &^= 1
		if odd {
			index++
		}

		phys := base | index<<cpu.pteShift()
		var err error
		entry, err = cpu.Mem.Read64(phys)
		if err != nil {
			return err
		}
		entry &= PhysMask
		ps = ptBase
	}

	if odd {
		cpu.CSR.TlbrElo1 = entry
	} else {
		cpu.CSR.TlbrElo0 = entry
	}
	cpu.CSR.TlbrEhi = tlbrehiPS.set(cpu.CSR.TlbrEhi, ps)
	return nil
}
