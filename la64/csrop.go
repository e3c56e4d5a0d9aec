package la64

// guestCSRPermitted decides whether a CSR access from guest mode may
// touch the host bank directly. Anything not permitted is mediated by
// the hypervisor through a VM exit.
func (cpu *CPU) guestCSRPermitted(csr uint32, write bool) bool {
	switch csr {
	case CSRCrmd, CSRPrmd, CSREuen, CSRMisc, CSREcfg, CSRBadv, CSRBadi,
		CSREra, CSREentry,
		CSRTlbIdx, CSRTlbEhi, CSRTlbElo0, CSRTlbElo1,
		CSRAsid, CSRPgdl, CSRPgdh, CSRPgd,
		CSRPwcl, CSRPwch, CSRStlbPS, CSRRvaCfg,
		CSRLlbCtl:
		return true

	case CSRTid, CSRTcfg, CSRTval, CSRCntc:
		if write {
			return gcfgTITO.get(cpu.Gcfg) != 0
		}
		return gcfgTITP.get(cpu.Gcfg) != 0

	case CSREstat:
		if write {
			return gcfgSITO.get(cpu.Gcfg) != 0
		}
		return gcfgSITP.get(cpu.Gcfg) != 0

	case CSRCpuID, CSRPrcfg1, CSRPrcfg2, CSRPrcfg3:
		return !write

	case CSRTiclr:
		return false
	}

	if csr >= CSRSave0 && csr <= CSRSave0+15 {
		return true
	}
	if csr >= CSRDmw0 && csr <= CSRDmw0+3 {
		return true
	}

	// TLB refill, machine error, cache tag, implementation and debug
	// registers stay with the hypervisor
	return false
}

// csrDenied raises a mediated-access VM exit for the given reason and
// CSR number.
func (cpu *CPU) csrDenied(reason uint32, csr uint32) error {
	return cpu.vmExitInfo(reason, uint64(csr))
}

// readPGD selects PGDH or PGDL by the sign of the faulting address.
// During a TLB refill the refill fault address is used.
func (cpu *CPU) readPGD(b *RegBank) uint64 {
	var badv uint64
	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 {
		badv = cpu.CSR.TlbrBadv
	} else {
		badv = b.Badv
	}
	if int64(badv) < 0 {
		return b.Pgdh
	}
	return b.Pgdl
}

// CSRRead reads a control register. CSR instructions require PLV0;
// guest reads of hypervisor-owned registers exit to the hypervisor.
func (cpu *CPU) CSRRead(csr uint32) (uint64, error) {
	if crmdPLV.get(cpu.CSR.Crmd) != PLVKernel {
		return 0, Exception(ExcIPE, 0)
	}

	guest := cpu.IsGuestMode()
	if guest && !cpu.guestCSRPermitted(csr, false) {
		return 0, cpu.csrDenied(VMExitCSRRead, csr)
	}

	switch csr {
	case CSRPgd:
		return cpu.readPGD(&cpu.CSR), nil
	case CSRCpuID:
		return uint64(cpu.CPUIndex), nil
	case CSRTval:
		return cpu.readTVAL(), nil
	case CSRTiclr:
		return 0, nil
	}

	if ptr := cpu.CSR.reg(csr); ptr != nil {
		return *ptr, nil
	}
	if ptr := cpu.lvzReg(csr); ptr != nil {
		if guest {
			return 0, cpu.csrDenied(VMExitCSRRead, csr)
		}
		return *ptr, nil
	}

	cpu.Log.Warn("read of unknown csr", "csr", csr)
	if guest {
		return 0, cpu.csrDenied(VMExitCSRRead, csr)
	}
	return 0, nil
}

// CSRWrite writes a control register and returns the previous value.
func (cpu *CPU) CSRWrite(csr uint32, val uint64) (uint64, error) {
	if crmdPLV.get(cpu.CSR.Crmd) != PLVKernel {
		return 0, Exception(ExcIPE, 0)
	}

	guest := cpu.IsGuestMode()
	if guest && !cpu.guestCSRPermitted(csr, true) {
		return 0, cpu.csrDenied(VMExitCSRWrite, csr)
	}

	switch csr {
	case CSREstat:
		// Only the software interrupt bits are writable
		old := cpu.CSR.Estat
		cpu.CSR.Estat = (old &^ 0x3) | (val & 0x3)
		return old, nil

	case CSRAsid:
		old := cpu.CSR.Asid
		newAsid := asidASID.get(val)
		cpu.CSR.Asid = asidASID.set(old, newAsid)
		if asidASID.get(old) != newAsid {
			cpu.Cache.InvalidateAll()
		}
		return old, nil

	case CSRTcfg:
		old := cpu.CSR.Tcfg
		cpu.storeTCFG(val)
		return old, nil

	case CSRTiclr:
		cpu.clearTimerIRQ(val)
		return 0, nil
	}

	if ptr := cpu.CSR.reg(csr); ptr != nil {
		old := *ptr
		*ptr = val
		return old, nil
	}
	if ptr := cpu.lvzReg(csr); ptr != nil {
		if guest {
			return 0, cpu.csrDenied(VMExitCSRWrite, csr)
		}
		old := *ptr
		*ptr = val
		return old, nil
	}

	cpu.Log.Warn("write of unknown csr", "csr", csr, "val", val)
	if guest {
		return 0, cpu.csrDenied(VMExitCSRWrite, csr)
	}
	return 0, nil
}

// CSRXchg exchanges CSR bits under a mask and returns the previous
// value. The permission check and side effects follow CSRWrite.
func (cpu *CPU) CSRXchg(csr uint32, val, mask uint64) (uint64, error) {
	if crmdPLV.get(cpu.CSR.Crmd) != PLVKernel {
		return 0, Exception(ExcIPE, 0)
	}

	guest := cpu.IsGuestMode()
	if guest && !cpu.guestCSRPermitted(csr, true) {
		return 0, cpu.csrDenied(VMExitCSRXchg, csr)
	}

	old, err := cpu.CSRRead(csr)
	if err != nil {
		return 0, err
	}
	newVal := (old &^ mask) | (val & mask)

	if _, err := cpu.CSRWrite(csr, newVal); err != nil {
		return 0, err
	}
	return old, nil
}
