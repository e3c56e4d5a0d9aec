package la64

// The unified TLB holds both guest mappings (GVA to GPA, stamped with
// the guest's nonzero GID) and hypervisor mappings (GPA to HPA, GID
// zero). A guest access resolves through both levels.

// InitSecondLevel arms second level translation for guest accesses.
func (cpu *CPU) InitSecondLevel() {
	cpu.LVZEnabled = true
}

// secondLevelEnabled reports whether guest physical addresses need a
// second translation pass.
func (cpu *CPU) secondLevelEnabled() bool {
	return cpu.IsGuestMode() && cpu.HasLVZ() && cpu.LVZEnabled
}

// vmmTLBLookup resolves a guest physical address through the
// hypervisor's GID-zero entries.
func (cpu *CPU) vmmTLBLookup(gpa uint64) (uint64, bool) {
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if tlbMiscE.get(e.Misc) == 0 || tlbMiscGID.get(e.Misc) != 0 {
			continue
		}

		ps := tlbMiscPS.get(e.Misc)
		if ps == 0 {
			continue
		}
		if gpa>>ps != tlbMiscVPPN.get(e.Misc) {
			continue
		}

		ent := e.Entry0
		if gpa&(1<<(ps-1)) != 0 {
			ent = e.Entry1
		}
		if tlbEntV.get(ent) == 0 {
			continue
		}

		ppn := tlbEntPPN.get(ent)
		ppn &^= (1 << (ps - PageShift)) - 1
		return ppn<<PageShift | gpa&((1<<ps)-1), true
	}
	return 0, false
}

// guestTLBLookup resolves a guest virtual address through entries
// stamped with the given GID.
func (cpu *CPU) guestTLBLookup(gid uint8, gva uint64) (uint64, bool) {
	if gid == 0 {
		return 0, false
	}
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if tlbMiscE.get(e.Misc) == 0 || uint8(tlbMiscGID.get(e.Misc)) != gid {
			continue
		}

		ps := tlbMiscPS.get(e.Misc)
		if ps == 0 {
			continue
		}
		if (gva&VirtMask)>>(ps+1) != tlbMiscVPPN.get(e.Misc)>>(ps+1-uint64(tlbMiscVPPN.shift)) {
			continue
		}

		ent := e.Entry0
		if gva&(1<<ps) != 0 {
			ent = e.Entry1
		}
		if tlbEntV.get(ent) == 0 {
			continue
		}

		ppn := tlbEntPPN.get(ent)
		ppn &^= (1 << (ps - PageShift)) - 1
		return ppn<<PageShift | gva&((1<<ps)-1), true
	}
	return 0, false
}

// secondLevelTranslate maps a guest physical address to a host
// physical address. When no hypervisor mapping exists the access
// either exits to the hypervisor or falls back to identity.
func (cpu *CPU) secondLevelTranslate(gpa uint64, access uint32) (uint64, bool, bool) {
	if !cpu.secondLevelEnabled() {
		return gpa, false, true
	}

	if hpa, ok := cpu.vmmTLBLookup(gpa); ok {
		return hpa, false, true
	}

	if cpu.shouldTriggerVMExit(VMExitMMIO) {
		cpu.prepareVMExitContext(gpa, cpu.PC, VMExitMMIO, access)
		return 0, true, false
	}

	// Unmapped guest physical memory passes through untranslated
	return gpa, false, true
}

// FillVMMTLB installs a hypervisor GPA to HPA mapping from hypervisor
// context.
func (cpu *CPU) FillVMMTLB(index int, gpa, hpa uint64, ps uint64) {
	if !cpu.IsHypervisorContext() || index < 0 || index >= TLBEntries {
		return
	}

	e := &cpu.TLB[index]
	var misc uint64
	misc = tlbMiscE.set(misc, 1)
	misc = tlbMiscPS.set(misc, ps)
	misc = tlbMiscVPPN.set(misc, gpa>>ps)
	e.Misc = misc

	ppn := hpa >> PageShift
	var ent uint64
	ent = tlbEntV.set(ent, 1)
	ent = tlbEntD.set(ent, 1)
	ent = tlbEntPPN.set(ent, ppn)
	e.Entry0 = ent
	e.Entry1 = tlbEntPPN.set(ent, ppn+(1<<(ps-PageShift-1)))

	cpu.Cache.InvalidateAll()
}

// ClearGuestTLB drops all entries stamped with the given GID.
func (cpu *CPU) ClearGuestTLB(gid uint8) {
	if gid == 0 {
		return
	}
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if uint8(tlbMiscGID.get(e.Misc)) == gid {
			e.Misc = tlbMiscE.set(e.Misc, 0)
		}
	}
	cpu.Cache.InvalidateAll()
}

// FlushGuestTLB drops the non-global entries stamped with the given
// GID.
func (cpu *CPU) FlushGuestTLB(gid uint8) {
	if gid == 0 {
		return
	}
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if uint8(tlbMiscGID.get(e.Misc)) != gid {
			continue
		}
		if tlbEntG.get(e.Entry0) != 0 && tlbEntG.get(e.Entry1) != 0 {
			continue
		}
		e.Misc = tlbMiscE.set(e.Misc, 0)
	}
	cpu.Cache.InvalidateAll()
}
