package la64

import "errors"

// Page protection bits returned by translation
const (
	ProtRead  = 1 << 0
	ProtWrite = 1 << 1
	ProtExec  = 1 << 2
)

// Internal translation results
const (
	tlbRetMatch = iota
	tlbRetBadAddr
	tlbRetNoMatch
	tlbRetInvalid
	tlbRetDirty
	tlbRetRI
	tlbRetXI
	tlbRetPE
)

// ErrVMExit is returned by Translate when a guest access forced a VM
// exit. The CPU state has already been switched to the hypervisor; the
// caller should retry the access after the hypervisor handles it.
var ErrVMExit = errors.New("vm exit")

// mapTLBEntry resolves a matched TLB entry into a physical address and
// protection set, checking valid, execute, read, privilege and dirty
// permissions in that order.
func (cpu *CPU) mapTLBEntry(vaddr uint64, access AccessType, index int, plv uint64) (uint64, int, int) {
	e := &cpu.TLB[index]
	ps := cpu.entryPageSize(index)

	// Odd or even half
	n := (vaddr >> ps) & 1
	entry := e.Entry0
	if n != 0 {
		entry = e.Entry1
	}

	v := tlbEntV.get(entry)
	d := tlbEntD.get(entry)
	entryPLV := tlbEntPLV.get(entry)
	var ppn, nx, nr, rplv uint64
	if cpu.IsLA64() {
		ppn = tlbEntPPN.get(entry)
		nx = tlbEntNX.get(entry)
		nr = tlbEntNR.get(entry)
		rplv = tlbEntRPLV.get(entry)
	} else {
		ppn = tlbEntPPN.get(entry)
	}

	// Strip software bits between bit 12 and bit PS
	ppn &^= (uint64(1) << (ps - PageShift)) - 1

	if v == 0 {
		return 0, 0, tlbRetInvalid
	}
	if access == AccessFetch && nx != 0 {
		return 0, 0, tlbRetXI
	}
	if access == AccessLoad && nr != 0 {
		return 0, 0, tlbRetRI
	}
	if (rplv == 0 && plv > entryPLV) || (rplv == 1 && plv != entryPLV) {
		return 0, 0, tlbRetPE
	}
	if access == AccessStore && d == 0 {
		return 0, 0, tlbRetDirty
	}

	phys := ppn<<tlbEntPPN.shift | (vaddr & ((uint64(1) << ps) - 1))
	prot := ProtRead
	if d != 0 {
		prot |= ProtWrite
	}
	if nx == 0 {
		prot |= ProtExec
	}
	return phys, prot, tlbRetMatch
}

// dmwVA2PA translates through a direct mapping window. LA64 keeps the
// low address bits; VA32 substitutes the window's physical segment.
func (cpu *CPU) dmwVA2PA(va, dmw uint64) uint64 {
	if cpu.IsLA64() {
		return va & VirtMask
	}
	pseg := dmwPSEG32.get(dmw)
	return (va & ((uint64(1) << dmwVSEG32.shift) - 1)) | pseg<<dmwVSEG32.shift
}

// getPhysicalAddress runs the single-stage translation pipeline:
// direct address mode, direct mapping windows, canonical check, then
// the TLB.
func (cpu *CPU) getPhysicalAddress(vaddr uint64, access AccessType, plv uint64) (uint64, int, int) {
	da := crmdDA.get(cpu.CSR.Crmd)
	pg := crmdPG.get(cpu.CSR.Crmd)

	if da == 1 && pg == 0 {
		return vaddr & PhysMask, ProtRead | ProtWrite | ProtExec, tlbRetMatch
	}

	// Only PLV0 and PLV3 select window permission bits
	var plvMatch uint64
	switch plv {
	case PLVKernel:
		plvMatch = 1 << dmwPLV0.shift
	case PLVUser:
		plvMatch = 1 << dmwPLV3.shift
	}

	var baseV uint64
	if cpu.IsLA64() {
		baseV = vaddr >> dmwVSEG64.shift
	} else {
		baseV = vaddr >> dmwVSEG32.shift
	}
	for i := 0; i < 4; i++ {
		dmw := cpu.CSR.Dmw[i]
		var baseC uint64
		if cpu.IsLA64() {
			baseC = dmwVSEG64.get(dmw)
		} else {
			baseC = dmwVSEG32.get(dmw)
		}
		if plvMatch&dmw != 0 && baseC == baseV {
			return cpu.dmwVA2PA(vaddr, dmw), ProtRead | ProtWrite | ProtExec, tlbRetMatch
		}
	}

	// Bits above the virtual address width must be a sign extension
	addrHigh := signExtend(vaddr>>VirtAddrBits, 16)
	if addrHigh != 0 && addrHigh != -1 {
		return 0, 0, tlbRetBadAddr
	}

	if index, ok := cpu.tlbSearch(vaddr, cpu.currentGID()); ok {
		return cpu.mapTLBEntry(vaddr, access, index, plv)
	}
	return 0, 0, tlbRetNoMatch
}

// raiseMMUException turns a translation result into an exception and
// stamps the fault CSRs. A TLB miss arms the refill sequence.
func (cpu *CPU) raiseMMUException(vaddr uint64, access AccessType, ret int) error {
	var code uint32

	switch ret {
	default:
		fallthrough
	case tlbRetBadAddr:
		if access == AccessFetch {
			code = ExcADEF
		} else {
			code = ExcADEM
		}
	case tlbRetNoMatch:
		switch access {
		case AccessLoad:
			code = ExcPIL
		case AccessStore:
			code = ExcPIS
		case AccessFetch:
			code = ExcPIF
		}
		cpu.CSR.TlbrEra = tlbreraISTLBR.set(cpu.CSR.TlbrEra, 1)
	case tlbRetInvalid:
		switch access {
		case AccessLoad:
			code = ExcPIL
		case AccessStore:
			code = ExcPIS
		case AccessFetch:
			code = ExcPIF
		}
	case tlbRetDirty:
		code = ExcPME
	case tlbRetXI:
		code = ExcPNX
	case tlbRetRI:
		code = ExcPNR
	case tlbRetPE:
		code = ExcPPI
	}

	if ret == tlbRetNoMatch {
		cpu.CSR.TlbrBadv = vaddr
		if cpu.IsLA64() {
			cpu.CSR.TlbrEhi = tlbehiVPPN64.set(cpu.CSR.TlbrEhi, tlbehiVPPN64.get(vaddr))
		} else {
			cpu.CSR.TlbrEhi = tlbehiVPPN32.set(cpu.CSR.TlbrEhi, tlbehiVPPN32.get(vaddr))
		}
	} else {
		if dbgDST.get(cpu.CSR.Dbg) == 0 {
			cpu.CSR.Badv = vaddr
		}
		cpu.CSR.TlbEhi = vaddr &^ ((1 << (PageShift + 1)) - 1)
	}

	return Exception(code, vaddr)
}

// guestTranslate runs the two-stage pipeline: guest virtual to guest
// physical through the guest's TLB state, then guest physical to host
// physical through the VMM entries.
func (cpu *CPU) guestTranslate(vaddr uint64, access AccessType, plv uint64) (uint64, int, int, error) {
	gpa, prot, ret := cpu.getPhysicalAddress(vaddr, access, plv)
	if ret != tlbRetMatch {
		return 0, 0, ret, nil
	}

	var flags uint32
	switch access {
	case AccessLoad:
		flags = AccessFlagRead
	case AccessStore:
		flags = AccessFlagWrite
	case AccessFetch:
		flags = AccessFlagExec
	}

	hpa, exitRequired, ok := cpu.secondLevelTranslate(gpa, flags)
	if !ok {
		if exitRequired {
			return 0, 0, tlbRetNoMatch, cpu.VMExitWithFault(cpu.ExitCtx.ExitReason, vaddr, gpa, flags)
		}
		return 0, 0, tlbRetInvalid, nil
	}
	return hpa, prot, tlbRetMatch, nil
}

// Translate resolves a virtual address for the given access at the
// current privilege level. Guest accesses go through both translation
// stages; a forced VM exit surfaces as ErrVMExit after the switch to
// hypervisor state.
func (cpu *CPU) Translate(vaddr uint64, access AccessType) (uint64, error) {
	plv := crmdPLV.get(cpu.CSR.Crmd)

	if cpu.IsGuestMode() && cpu.HasLVZ() {
		hpa, _, ret, err := cpu.guestTranslate(vaddr, access, plv)
		if err != nil {
			return 0, err
		}
		if ret == tlbRetMatch {
			return hpa, nil
		}
		return 0, cpu.raiseMMUException(vaddr, access, ret)
	}

	phys, _, ret := cpu.getPhysicalAddress(vaddr, access, plv)
	if ret == tlbRetMatch {
		return phys, nil
	}
	return 0, cpu.raiseMMUException(vaddr, access, ret)
}

// TranslateRead translates a load access.
func (cpu *CPU) TranslateRead(vaddr uint64) (uint64, error) {
	return cpu.Translate(vaddr, AccessLoad)
}

// TranslateWrite translates a store access.
func (cpu *CPU) TranslateWrite(vaddr uint64) (uint64, error) {
	return cpu.Translate(vaddr, AccessStore)
}

// TranslateFetch translates an instruction fetch.
func (cpu *CPU) TranslateFetch(vaddr uint64) (uint64, error) {
	return cpu.Translate(vaddr, AccessFetch)
}

// ProbeAddress translates without raising exceptions or VM exits,
// for debugger-style inspection.
func (cpu *CPU) ProbeAddress(vaddr uint64) (uint64, bool) {
	plv := crmdPLV.get(cpu.CSR.Crmd)
	phys, _, ret := cpu.getPhysicalAddress(vaddr, AccessLoad, plv)
	if ret != tlbRetMatch {
		return 0, false
	}
	return phys, true
}
