package la64

import "fmt"

// shouldTriggerVMExit consults the guest trap configuration for a
// given exit reason. Hypercalls always exit.
func (cpu *CPU) shouldTriggerVMExit(reason uint32) bool {
	if !cpu.IsGuestContext() {
		return false
	}

	switch reason {
	case VMExitTimer:
		return gcfgTOE.get(cpu.Gcfg) != 0
	case VMExitIOCSR:
		return gcfgTITO.get(cpu.Gcfg) != 0
	case VMExitHypercall:
		return true
	case VMExitTLB:
		return gtlbcTOTI.get(cpu.Gtlbc) != 0
	default:
		return gcfgTOEP.get(cpu.Gcfg) != 0
	}
}

// prepareVMExitContext records fault details for the hypervisor and
// mirrors the guest physical address into TRGP.
func (cpu *CPU) prepareVMExitContext(gpa, gva uint64, reason, access uint32) {
	if !cpu.IsGuestContext() {
		return
	}
	cpu.ExitCtx.FaultGPA = gpa
	cpu.ExitCtx.FaultGVA = gva
	cpu.ExitCtx.GID = cpu.EffectiveGID()
	cpu.ExitCtx.ExitReason = reason
	cpu.ExitCtx.AccessType = access
	cpu.ExitCtx.IsTLBRefill = reason == VMExitTLB
	cpu.Trgp = gpa
}

// vmExitSwitch performs the guest-to-hypervisor state transition: the
// VM bit is parked in PVM, the guest's privilege state is saved in the
// shadow bank and the hypervisor entry is taken via HVC.
func (cpu *CPU) vmExitSwitch(reason uint32) error {
	cpu.Gstat = gstatPVM.set(cpu.Gstat, gstatVM.get(cpu.Gstat))
	cpu.Gstat = gstatVM.set(cpu.Gstat, 0)

	crmd := cpu.CSR.Crmd
	cpu.GCSR.Prmd = prmdPPLV.set(cpu.GCSR.Prmd, crmdPLV.get(crmd))
	cpu.GCSR.Prmd = prmdPIE.set(cpu.GCSR.Prmd, crmdIE.get(crmd))
	cpu.GCSR.Era = cpu.PC
	cpu.GCSR.Estat = estatECode.set(cpu.GCSR.Estat, uint64(ExcHVC&0x3f))

	cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, 0)
	cpu.CSR.Crmd = crmdIE.set(cpu.CSR.Crmd, 0)

	cpu.Log.Debug("vm exit",
		"reason", reason,
		"gid", cpu.ExitCtx.GID,
		"gva", fmt.Sprintf("%#x", cpu.ExitCtx.FaultGVA))

	cpu.DoException(ExceptionError{Code: ExcHVC})
	return fmt.Errorf("%w: reason %d", ErrVMExit, reason)
}

// VMExit forces a VM exit from guest context for the given reason.
// The returned error wraps ErrVMExit.
func (cpu *CPU) VMExit(reason uint32) error {
	if !cpu.IsGuestContext() {
		cpu.Log.Warn("vm exit outside guest context", "reason", reason)
		return nil
	}

	cpu.ExitCtx.ExitReason = reason
	cpu.ExitCtx.FaultGVA = cpu.PC
	cpu.ExitCtx.FaultGPA = 0
	cpu.ExitCtx.GID = cpu.EffectiveGID()
	cpu.ExitCtx.AccessType = 0
	cpu.ExitCtx.Info = 0
	cpu.ExitCtx.IsTLBRefill = reason == VMExitTLB

	return cpu.vmExitSwitch(reason)
}

// vmExitInfo is VMExit with an extra detail word for the hypervisor:
// the CSR number for mediated accesses, the code for hypercalls.
func (cpu *CPU) vmExitInfo(reason uint32, info uint64) error {
	if !cpu.IsGuestContext() {
		cpu.Log.Warn("vm exit outside guest context", "reason", reason)
		return nil
	}

	cpu.ExitCtx.ExitReason = reason
	cpu.ExitCtx.FaultGVA = cpu.PC
	cpu.ExitCtx.FaultGPA = 0
	cpu.ExitCtx.GID = cpu.EffectiveGID()
	cpu.ExitCtx.AccessType = 0
	cpu.ExitCtx.Info = info
	cpu.ExitCtx.IsTLBRefill = reason == VMExitTLB

	return cpu.vmExitSwitch(reason)
}

// VMExitWithFault forces a VM exit carrying translation fault details.
func (cpu *CPU) VMExitWithFault(reason uint32, gva, gpa uint64, access uint32) error {
	if !cpu.IsGuestContext() {
		return nil
	}

	cpu.ExitCtx.ExitReason = reason
	cpu.ExitCtx.FaultGVA = gva
	cpu.ExitCtx.FaultGPA = gpa
	cpu.ExitCtx.GID = cpu.EffectiveGID()
	cpu.ExitCtx.AccessType = access
	cpu.ExitCtx.IsTLBRefill = reason == VMExitTLB

	cpu.CSR.Badv = gva
	cpu.GCSR.Badv = gva

	if reason == VMExitMMIO || reason == VMExitTLB {
		cpu.Trgp = gpa
	}

	return cpu.vmExitSwitch(reason)
}

// VMEnter sets the VM bit from hypervisor context so the next
// dispatch runs the configured guest.
func (cpu *CPU) VMEnter() {
	if !cpu.IsHypervisorContext() {
		return
	}
	cpu.Gstat = gstatVM.set(cpu.Gstat, 1)
	cpu.Log.Debug("vm enter", "gid", cpu.GuestID())
}

// VMSaveState copies the live translation CSRs into the guest shadow
// bank before a context switch.
func (cpu *CPU) VMSaveState() {
	if !cpu.IsGuestContext() {
		return
	}
	cpu.GCSR.Crmd = cpu.CSR.Crmd
	cpu.GCSR.Asid = cpu.CSR.Asid
	cpu.GCSR.Pgdl = cpu.CSR.Pgdl
	cpu.GCSR.Pgdh = cpu.CSR.Pgdh
	cpu.GCSR.Badv = cpu.CSR.Badv
	cpu.GCSR.Badi = cpu.CSR.Badi
	cpu.GCSR.Eentry = cpu.CSR.Eentry
	cpu.GCSR.TlbIdx = cpu.CSR.TlbIdx
	cpu.GCSR.TlbEhi = cpu.CSR.TlbEhi
	cpu.GCSR.TlbElo0 = cpu.CSR.TlbElo0
	cpu.GCSR.TlbElo1 = cpu.CSR.TlbElo1
}

// VMRestoreState copies the guest shadow bank back into the live
// translation CSRs from hypervisor context.
func (cpu *CPU) VMRestoreState() {
	if !cpu.IsHypervisorContext() {
		return
	}
	cpu.CSR.Crmd = cpu.GCSR.Crmd
	cpu.CSR.Asid = cpu.GCSR.Asid
	cpu.CSR.Pgdl = cpu.GCSR.Pgdl
	cpu.CSR.Pgdh = cpu.GCSR.Pgdh
	cpu.CSR.Badv = cpu.GCSR.Badv
	cpu.CSR.Badi = cpu.GCSR.Badi
	cpu.CSR.Eentry = cpu.GCSR.Eentry
	cpu.CSR.TlbIdx = cpu.GCSR.TlbIdx
	cpu.CSR.TlbEhi = cpu.GCSR.TlbEhi
	cpu.CSR.TlbElo0 = cpu.GCSR.TlbElo0
	cpu.CSR.TlbElo1 = cpu.GCSR.TlbElo1
}

// ERTN returns from an exception. The refill path restores from the
// shadow TLBR registers and re-enables paging; a guest return also
// restores the previous VM bit.
func (cpu *CPU) ERTN() {
	var pplv, pie, pwe, ret uint64
	isGuest := cpu.IsGuestContext()

	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 {
		if isGuest {
			pplv = tlbrprmdPPLV.get(cpu.GCSR.TlbrPrmd)
			pie = tlbrprmdPIE.get(cpu.GCSR.TlbrPrmd)
			pwe = tlbrprmdPWE.get(cpu.GCSR.TlbrPrmd)
			ret = tlbreraPC.get(cpu.GCSR.TlbrEra) << 2
		} else {
			pplv = tlbrprmdPPLV.get(cpu.CSR.TlbrPrmd)
			pie = tlbrprmdPIE.get(cpu.CSR.TlbrPrmd)
			pwe = tlbrprmdPWE.get(cpu.CSR.TlbrPrmd)
			ret = tlbreraPC.get(cpu.CSR.TlbrEra) << 2
		}

		cpu.CSR.TlbrEra = tlbreraISTLBR.set(cpu.CSR.TlbrEra, 0)
		cpu.CSR.Crmd = crmdDA.set(cpu.CSR.Crmd, 0)
		cpu.CSR.Crmd = crmdPG.set(cpu.CSR.Crmd, 1)
		cpu.SetPC(ret)
	} else {
		if isGuest {
			pplv = prmdPPLV.get(cpu.GCSR.Prmd)
			pie = prmdPIE.get(cpu.GCSR.Prmd)
			pwe = prmdPWE.get(cpu.GCSR.Prmd)
			ret = cpu.GCSR.Era
		} else {
			pplv = prmdPPLV.get(cpu.CSR.Prmd)
			pie = prmdPIE.get(cpu.CSR.Prmd)
			pwe = prmdPWE.get(cpu.CSR.Prmd)
			ret = cpu.CSR.Era
		}
		cpu.SetPC(ret)
	}

	cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, pplv)
	cpu.CSR.Crmd = crmdIE.set(cpu.CSR.Crmd, pie)
	cpu.CSR.Crmd = crmdWE.set(cpu.CSR.Crmd, pwe)

	if isGuest {
		pvm := gstatPVM.get(cpu.Gstat)
		cpu.Gstat = gstatVM.set(cpu.Gstat, pvm)
	}

	// Returning drops any LL/SC reservation
	cpu.LLBit = false
}

// GCSRRead reads a guest CSR on behalf of the guest. Interrupt and
// timer registers are gated by the guest configuration.
func (cpu *CPU) GCSRRead(csr uint32) (uint64, error) {
	if !cpu.IsGuestContext() {
		return 0, Exception(ExcIPE, 0)
	}

	ptr := cpu.GCSR.reg(csr)
	if ptr == nil {
		return 0, cpu.vmExitInfo(VMExitCSRRead, uint64(csr))
	}

	switch csr {
	case CSREstat:
		if gcfgSITP.get(cpu.Gcfg) == 0 {
			return 0, cpu.vmExitInfo(VMExitCSRRead, uint64(csr))
		}
	case CSRTcfg, CSRTval:
		if gcfgTITP.get(cpu.Gcfg) == 0 {
			return 0, cpu.vmExitInfo(VMExitTimer, uint64(csr))
		}
	}

	return *ptr, nil
}

// GCSRWrite writes a guest CSR on behalf of the guest, returning the
// old value. Timer interrupt clearing always exits to the hypervisor.
func (cpu *CPU) GCSRWrite(csr uint32, val uint64) (uint64, error) {
	if !cpu.IsGuestContext() {
		return 0, Exception(ExcIPE, 0)
	}

	ptr := cpu.GCSR.reg(csr)
	if ptr == nil {
		return 0, cpu.vmExitInfo(VMExitCSRWrite, uint64(csr))
	}

	old := *ptr

	switch csr {
	case CSREstat:
		if gcfgSITO.get(cpu.Gcfg) == 0 {
			return old, cpu.vmExitInfo(VMExitCSRWrite, uint64(csr))
		}
	case CSRTcfg:
		if gcfgTITO.get(cpu.Gcfg) == 0 {
			return old, cpu.vmExitInfo(VMExitTimer, uint64(csr))
		}
	case CSRTiclr:
		return old, cpu.vmExitInfo(VMExitTimer, uint64(csr))
	}

	*ptr = val
	return old, nil
}

// GCSRXchg exchanges guest CSR bits under a mask, returning the old
// value.
func (cpu *CPU) GCSRXchg(csr uint32, val, mask uint64) (uint64, error) {
	if !cpu.IsGuestContext() {
		return 0, Exception(ExcIPE, 0)
	}

	ptr := cpu.GCSR.reg(csr)
	if ptr == nil {
		return 0, cpu.vmExitInfo(VMExitCSRXchg, uint64(csr))
	}

	old := *ptr
	newVal := (old &^ mask) | (val & mask)

	switch csr {
	case CSREstat:
		if gcfgSITO.get(cpu.Gcfg) == 0 {
			return old, cpu.vmExitInfo(VMExitCSRXchg, uint64(csr))
		}
	case CSRTcfg:
		if gcfgTITO.get(cpu.Gcfg) == 0 {
			return old, cpu.vmExitInfo(VMExitTimer, uint64(csr))
		}
	}

	*ptr = newVal
	return old, nil
}

// guestOpAllowed guards the guest TLB instructions.
func (cpu *CPU) guestOpAllowed() error {
	if !cpu.IsGuestContext() {
		return Exception(ExcIPE, 0)
	}
	return nil
}

// GTLBClr requests a guest TLB clear; the hypervisor mediates it.
func (cpu *CPU) GTLBClr() error {
	if err := cpu.guestOpAllowed(); err != nil {
		return err
	}
	return cpu.vmExitInfo(VMExitTLB, 0)
}

// GTLBFlush requests a guest TLB flush; the hypervisor mediates it.
func (cpu *CPU) GTLBFlush() error {
	if err := cpu.guestOpAllowed(); err != nil {
		return err
	}
	return cpu.vmExitInfo(VMExitTLB, 1)
}

// GTLBSrch probes the unified TLB for the guest's TLBEHI page among
// entries stamped with its GID.
func (cpu *CPU) GTLBSrch() error {
	if err := cpu.guestOpAllowed(); err != nil {
		return err
	}

	vppn := cpu.GCSR.TlbEhi >> tlbMiscVPPN.shift
	guestAsid := asidASID.get(cpu.GCSR.Asid)
	gid := cpu.GuestID()

	found := -1
	for i := range cpu.TLB {
		e := &cpu.TLB[i]
		if tlbMiscE.get(e.Misc) == 0 || uint8(tlbMiscGID.get(e.Misc)) != gid || gid == 0 {
			continue
		}
		if tlbMiscVPPN.get(e.Misc) == vppn && tlbMiscASID.get(e.Misc) == guestAsid {
			found = i
			break
		}
	}

	if found >= 0 {
		cpu.GCSR.TlbIdx = tlbidxIndex.set(cpu.GCSR.TlbIdx, uint64(found))
		cpu.GCSR.TlbIdx = tlbidxNE.set(cpu.GCSR.TlbIdx, 0)
	} else {
		cpu.GCSR.TlbIdx = tlbidxNE.set(cpu.GCSR.TlbIdx, 1)
	}
	return nil
}

// GTLBRd reads a TLB entry into the guest shadow registers if it
// belongs to this guest.
func (cpu *CPU) GTLBRd() error {
	if err := cpu.guestOpAllowed(); err != nil {
		return err
	}

	index := int(tlbidxIndex.get(cpu.GCSR.TlbIdx))
	if index >= TLBEntries {
		return nil
	}

	e := &cpu.TLB[index]
	gid := cpu.GuestID()
	if gid == 0 || uint8(tlbMiscGID.get(e.Misc)) != gid {
		return nil
	}

	cpu.GCSR.TlbEhi = tlbMiscVPPN.get(e.Misc) << tlbMiscVPPN.shift
	cpu.GCSR.TlbElo0 = e.Entry0
	cpu.GCSR.TlbElo1 = e.Entry1
	cpu.GCSR.Asid = tlbMiscASID.get(e.Misc)
	return nil
}

// GTLBWr writes the guest shadow registers into the indexed TLB slot,
// stamped with the guest's GID.
func (cpu *CPU) GTLBWr() error {
	if err := cpu.guestOpAllowed(); err != nil {
		return err
	}

	index := int(tlbidxIndex.get(cpu.GCSR.TlbIdx))
	if index >= TLBEntries {
		return nil
	}

	cpu.writeGuestEntry(index)
	cpu.Cache.InvalidateAll()
	return nil
}

// GTLBFill writes the guest shadow registers into a random STLB slot.
func (cpu *CPU) GTLBFill() error {
	if err := cpu.guestOpAllowed(); err != nil {
		return err
	}

	index := int(cpu.Rand() % STLBEntries)
	cpu.writeGuestEntry(index)
	cpu.GCSR.TlbIdx = tlbidxIndex.set(cpu.GCSR.TlbIdx, uint64(index))
	cpu.Cache.InvalidateAll()
	return nil
}

func (cpu *CPU) writeGuestEntry(index int) {
	e := &cpu.TLB[index]
	var misc uint64
	misc = tlbMiscVPPN.set(misc, cpu.GCSR.TlbEhi>>tlbMiscVPPN.shift)
	misc = tlbMiscASID.set(misc, asidASID.get(cpu.GCSR.Asid))
	misc = tlbMiscGID.set(misc, uint64(cpu.GuestID()))
	misc = tlbMiscPS.set(misc, tlbidxPS.get(cpu.GCSR.TlbIdx))
	misc = tlbMiscE.set(misc, 1)
	e.Misc = misc
	e.Entry0 = cpu.GCSR.TlbElo0
	e.Entry1 = cpu.GCSR.TlbElo1
}

// HVCL issues a hypercall. Outside guest mode it does not exist as an
// instruction.
func (cpu *CPU) HVCL(code uint32) error {
	if !cpu.IsGuestContext() {
		return Exception(ExcINE, 0)
	}
	return cpu.vmExitInfo(VMExitHypercall, uint64(code))
}

// SwitchGuest changes the active GID from hypervisor context and drops
// the previous guest's TLB entries.
func (cpu *CPU) SwitchGuest(gid uint8) {
	if !cpu.IsHypervisorContext() {
		return
	}
	prev := cpu.GuestID()
	if prev == gid {
		return
	}
	cpu.Gstat = gstatGID.set(cpu.Gstat, uint64(gid))
	cpu.ClearGuestTLB(prev)
	cpu.Log.Debug("guest context switch", "from", prev, "to", gid)
}
