package la64

import (
	"errors"
	"testing"
)

func TestVMExitStateSwitch(t *testing.T) {
	cpu := newTestCPU(t)
	enterGuest(cpu, 1)

	cpu.CSR.Eentry = 0xe000
	cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, PLVUser)
	cpu.CSR.Crmd = crmdIE.set(cpu.CSR.Crmd, 1)
	cpu.PC = 0x1000

	err := cpu.VMExit(VMExitMMIO)
	if !errors.Is(err, ErrVMExit) {
		t.Fatalf("VMExit returned %v", err)
	}

	if gstatVM.get(cpu.Gstat) != 0 {
		t.Error("VM bit still set")
	}
	if gstatPVM.get(cpu.Gstat) != 1 {
		t.Error("PVM did not capture the previous VM bit")
	}
	if prmdPPLV.get(cpu.GCSR.Prmd) != PLVUser || prmdPIE.get(cpu.GCSR.Prmd) != 1 {
		t.Error("guest PRMD did not capture the guest privilege state")
	}
	if cpu.GCSR.Era != 0x1000 {
		t.Errorf("guest ERA %#x, want the guest PC", cpu.GCSR.Era)
	}
	if estatECode.get(cpu.GCSR.Estat) != uint64(ExcHVC) {
		t.Error("guest ESTAT does not record HVC")
	}
	if crmdPLV.get(cpu.CSR.Crmd) != 0 || crmdIE.get(cpu.CSR.Crmd) != 0 {
		t.Error("hypervisor entry is not PLV0 with interrupts off")
	}
	if cpu.PC != 0xe000 {
		t.Errorf("PC %#x, want the exception entry", cpu.PC)
	}
	if cpu.ExitCtx.ExitReason != VMExitMMIO || cpu.ExitCtx.GID != 1 {
		t.Errorf("exit context %+v", cpu.ExitCtx)
	}
}

func TestVMExitOutsideGuestIsNop(t *testing.T) {
	cpu := newTestCPU(t)

	if err := cpu.VMExit(VMExitMMIO); err != nil {
		t.Fatalf("host VMExit returned %v", err)
	}
	if cpu.PC != 0 {
		t.Error("host VMExit vectored")
	}
}

func TestVMEnterAndERTNResumeGuest(t *testing.T) {
	cpu := newTestCPU(t)
	enterGuest(cpu, 1)

	cpu.CSR.Eentry = 0xe000
	cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, PLVUser)
	cpu.CSR.Crmd = crmdIE.set(cpu.CSR.Crmd, 1)
	cpu.PC = 0x1000

	if err := cpu.VMExit(VMExitMMIO); !errors.Is(err, ErrVMExit) {
		t.Fatal(err)
	}

	// Hypervisor handles the exit and resumes the guest
	cpu.VMEnter()
	if gstatVM.get(cpu.Gstat) != 1 {
		t.Fatal("VMEnter did not set the VM bit")
	}
	cpu.ERTN()

	if cpu.PC != 0x1000 {
		t.Errorf("resumed at %#x, want the interrupted guest PC", cpu.PC)
	}
	if crmdPLV.get(cpu.CSR.Crmd) != PLVUser || crmdIE.get(cpu.CSR.Crmd) != 1 {
		t.Error("guest privilege state not restored")
	}
	if gstatVM.get(cpu.Gstat) != 1 {
		t.Error("guest return cleared the VM bit")
	}
}

func TestERTNRefillPath(t *testing.T) {
	cpu := newTestCPU(t)

	cpu.CSR.TlbrEra = tlbreraISTLBR.set(cpu.CSR.TlbrEra, 1)
	cpu.CSR.TlbrEra = tlbreraPC.set(cpu.CSR.TlbrEra, 0x1ff4>>2)
	cpu.CSR.TlbrPrmd = tlbrprmdPPLV.set(cpu.CSR.TlbrPrmd, PLVUser)
	cpu.CSR.TlbrPrmd = tlbrprmdPIE.set(cpu.CSR.TlbrPrmd, 1)
	cpu.CSR.Crmd = crmdDA.set(cpu.CSR.Crmd, 1)
	cpu.CSR.Crmd = crmdPG.set(cpu.CSR.Crmd, 0)

	cpu.ERTN()

	if cpu.PC != 0x1ff4 {
		t.Errorf("refill return to %#x, want 0x1ff4", cpu.PC)
	}
	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 {
		t.Error("ISTLBR still set after the refill return")
	}
	if crmdDA.get(cpu.CSR.Crmd) != 0 || crmdPG.get(cpu.CSR.Crmd) != 1 {
		t.Error("refill return did not restore paged mode")
	}
	if crmdPLV.get(cpu.CSR.Crmd) != PLVUser {
		t.Error("refill return did not restore the privilege level")
	}
}

func TestExceptionWatchEnableRoundTrip(t *testing.T) {
	cpu := newTestCPU(t)
	cpu.CSR.Crmd = crmdWE.set(cpu.CSR.Crmd, 1)
	cpu.CSR.Eentry = 0xe000
	cpu.PC = 0x1234

	cpu.DoException(Exception(ExcSYS, 0).(ExceptionError))
	if crmdWE.get(cpu.CSR.Crmd) != 0 {
		t.Error("exception entry left watchpoints enabled")
	}
	if prmdPWE.get(cpu.CSR.Prmd) != 1 {
		t.Error("PRMD did not capture the watch enable")
	}

	cpu.ERTN()
	if crmdWE.get(cpu.CSR.Crmd) != 1 {
		t.Error("return did not restore the watch enable")
	}
}

func TestERTNDropsReservation(t *testing.T) {
	cpu := newTestCPU(t)
	cpu.LLBit = true
	cpu.ERTN()
	if cpu.LLBit {
		t.Error("ERTN kept the LL/SC reservation")
	}
}

func TestHVCL(t *testing.T) {
	cpu := newTestCPU(t)

	err := cpu.HVCL(42)
	if e := mustFault(t, err); e.Code != ExcINE {
		t.Fatalf("host HVCL raised code %d, want INE", e.Code)
	}

	enterGuest(cpu, 1)
	err = cpu.HVCL(42)
	if !errors.Is(err, ErrVMExit) {
		t.Fatalf("guest HVCL gave %v", err)
	}
	if cpu.ExitCtx.ExitReason != VMExitHypercall {
		t.Errorf("exit reason %d, want hypercall", cpu.ExitCtx.ExitReason)
	}
	if cpu.ExitCtx.Info != 42 {
		t.Errorf("exit info %d, want the hypercall code", cpu.ExitCtx.Info)
	}
}

func TestGCSROutsideGuest(t *testing.T) {
	cpu := newTestCPU(t)

	_, err := cpu.GCSRRead(CSRCrmd)
	if e := mustFault(t, err); e.Code != ExcIPE {
		t.Errorf("host GCSR read raised code %d, want IPE", e.Code)
	}

	// GSTAT.VM without the second level armed is not a guest context
	cpu.Gstat = gstatVM.set(cpu.Gstat, 1)
	_, err = cpu.GCSRRead(CSRCrmd)
	if e := mustFault(t, err); e.Code != ExcIPE {
		t.Errorf("unarmed GCSR read raised code %d, want IPE", e.Code)
	}
	_, err = cpu.GCSRWrite(CSRCrmd, 0)
	if e := mustFault(t, err); e.Code != ExcIPE {
		t.Errorf("unarmed GCSR write raised code %d, want IPE", e.Code)
	}
}

func TestGCSREstatGating(t *testing.T) {
	cpu := newTestCPU(t)
	enterGuest(cpu, 1)
	cpu.GCSR.Estat = 0x3

	// Without SITP a guest ESTAT read exits
	if _, err := cpu.GCSRRead(CSREstat); !errors.Is(err, ErrVMExit) {
		t.Fatalf("ungated ESTAT read gave %v", err)
	}
	if cpu.ExitCtx.ExitReason != VMExitCSRRead {
		t.Errorf("exit reason %d, want CSRR", cpu.ExitCtx.ExitReason)
	}
	if estatECode.get(cpu.GCSR.Estat) != uint64(ExcHVC) {
		t.Errorf("exit left guest ESTAT ecode %#x, want HVC", estatECode.get(cpu.GCSR.Estat))
	}

	enterGuest(cpu, 1)
	cpu.GCSR.Estat = 0x3
	cpu.Gcfg = gcfgSITP.set(cpu.Gcfg, 1)
	got, err := cpu.GCSRRead(CSREstat)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x3 {
		t.Errorf("gated ESTAT read %#x, want 0x3", got)
	}
}

func TestGCSRTiclrAlwaysExits(t *testing.T) {
	cpu := newTestCPU(t)
	enterGuest(cpu, 1)
	cpu.Gcfg = gcfgTITO.set(cpu.Gcfg, 1)

	if _, err := cpu.GCSRWrite(CSRTiclr, 1); !errors.Is(err, ErrVMExit) {
		t.Fatalf("guest TICLR write gave %v", err)
	}
	if cpu.ExitCtx.ExitReason != VMExitTimer {
		t.Errorf("exit reason %d, want timer", cpu.ExitCtx.ExitReason)
	}
}

func TestGCSRWriteAndXchg(t *testing.T) {
	cpu := newTestCPU(t)
	enterGuest(cpu, 1)

	old, err := cpu.GCSRWrite(CSREentry, 0xe000)
	if err != nil || old != 0 {
		t.Fatalf("guest EENTRY write gave %#x, %v", old, err)
	}
	if cpu.GCSR.Eentry != 0xe000 {
		t.Errorf("guest EENTRY is %#x", cpu.GCSR.Eentry)
	}

	old, err = cpu.GCSRXchg(CSREentry, 0xff, 0x0f)
	if err != nil || old != 0xe000 {
		t.Fatalf("guest EENTRY xchg gave %#x, %v", old, err)
	}
	if cpu.GCSR.Eentry != 0xe00f {
		t.Errorf("guest EENTRY after xchg is %#x", cpu.GCSR.Eentry)
	}
}

func TestGuestTLBWrAndSrch(t *testing.T) {
	cpu := newTestCPU(t)
	enterGuest(cpu, 1)

	cpu.GCSR.TlbIdx = tlbidxIndex.set(0, STLBEntries)
	cpu.GCSR.TlbIdx = tlbidxPS.set(cpu.GCSR.TlbIdx, 14)
	cpu.GCSR.TlbEhi = 0x12348000
	cpu.GCSR.TlbElo0 = tlbEntPPN.set(tlbEntV.set(0, 1), 0x20000)
	cpu.GCSR.TlbElo1 = tlbEntPPN.set(tlbEntV.set(0, 1), 0x20004)

	if err := cpu.GTLBWr(); err != nil {
		t.Fatal(err)
	}

	e := &cpu.TLB[STLBEntries]
	if tlbMiscE.get(e.Misc) == 0 {
		t.Fatal("guest write left the entry disabled")
	}
	if tlbMiscGID.get(e.Misc) != 1 {
		t.Errorf("entry GID %d, want 1", tlbMiscGID.get(e.Misc))
	}

	cpu.GCSR.TlbIdx = 0
	if err := cpu.GTLBSrch(); err != nil {
		t.Fatal(err)
	}
	if tlbidxNE.get(cpu.GCSR.TlbIdx) != 0 {
		t.Fatal("guest search missed its own entry")
	}
	if got := int(tlbidxIndex.get(cpu.GCSR.TlbIdx)); got != STLBEntries {
		t.Errorf("guest search found index %d, want %d", got, STLBEntries)
	}
}

func TestGuestTLBClrExits(t *testing.T) {
	cpu := newTestCPU(t)
	enterGuest(cpu, 1)
	cpu.Gtlbc = gtlbcTOTI.set(cpu.Gtlbc, 1)

	if err := cpu.GTLBClr(); !errors.Is(err, ErrVMExit) {
		t.Fatalf("guest TLBCLR gave %v", err)
	}
	if cpu.ExitCtx.ExitReason != VMExitTLB {
		t.Errorf("exit reason %d, want TLB", cpu.ExitCtx.ExitReason)
	}
	if !cpu.ExitCtx.IsTLBRefill {
		t.Error("TLB exit not flagged as such")
	}
}

func TestSecondLevelTranslation(t *testing.T) {
	cpu := newTestCPU(t)

	const (
		gva = uint64(0x0020_0000)
		gpa = uint64(0x4000_0000)
		hpa = uint64(0x8000_0000)
	)

	// Guest installs its own mapping
	enterGuest(cpu, 1)
	cpu.GCSR.TlbIdx = tlbidxIndex.set(0, STLBEntries)
	cpu.GCSR.TlbIdx = tlbidxPS.set(cpu.GCSR.TlbIdx, 14)
	cpu.GCSR.TlbEhi = gva
	elo := tlbEntD.set(tlbEntV.set(0, 1), 1)
	cpu.GCSR.TlbElo0 = tlbEntPPN.set(elo, gpa>>PageShift)
	cpu.GCSR.TlbElo1 = tlbEntPPN.set(elo, gpa>>PageShift+4)
	if err := cpu.GTLBWr(); err != nil {
		t.Fatal(err)
	}

	// Hypervisor installs the second stage
	cpu.Gstat = gstatVM.set(cpu.Gstat, 0)
	cpu.FillVMMTLB(STLBEntries+1, gpa, hpa, 13)

	// Back in the guest, loads resolve through both stages
	cpu.Gstat = gstatVM.set(cpu.Gstat, 1)
	enablePaging(cpu)

	phys, err := cpu.TranslateRead(gva + 0x123)
	if err != nil {
		t.Fatal(err)
	}
	if phys != hpa+0x123 {
		t.Errorf("two-stage translation gave %#x, want %#x", phys, hpa+0x123)
	}
}

func TestSecondLevelMissExits(t *testing.T) {
	cpu := newTestCPU(t)

	enterGuest(cpu, 1)
	cpu.Gcfg = gcfgTOEP.set(cpu.Gcfg, 1)
	cpu.CSR.Eentry = 0xe000

	cpu.GCSR.TlbIdx = tlbidxIndex.set(0, STLBEntries)
	cpu.GCSR.TlbIdx = tlbidxPS.set(cpu.GCSR.TlbIdx, 14)
	cpu.GCSR.TlbEhi = 0x0020_0000
	elo := tlbEntD.set(tlbEntV.set(0, 1), 1)
	cpu.GCSR.TlbElo0 = tlbEntPPN.set(elo, 0x40000)
	cpu.GCSR.TlbElo1 = tlbEntPPN.set(elo, 0x40004)
	if err := cpu.GTLBWr(); err != nil {
		t.Fatal(err)
	}

	enablePaging(cpu)

	_, err := cpu.TranslateRead(0x0020_0123)
	if !errors.Is(err, ErrVMExit) {
		t.Fatalf("unmapped guest physical access gave %v", err)
	}
	if cpu.ExitCtx.ExitReason != VMExitMMIO {
		t.Errorf("exit reason %d, want MMIO", cpu.ExitCtx.ExitReason)
	}
	if cpu.ExitCtx.FaultGPA != 0x4000_0123 {
		t.Errorf("fault GPA %#x, want 0x40000123", cpu.ExitCtx.FaultGPA)
	}
	if cpu.ExitCtx.FaultGVA != 0x0020_0123 {
		t.Errorf("fault GVA %#x, want the guest virtual address", cpu.ExitCtx.FaultGVA)
	}
	if cpu.Trgp != 0x4000_0123 {
		t.Errorf("TRGP %#x, want the fault GPA", cpu.Trgp)
	}
}

func TestSecondLevelIdentityFallback(t *testing.T) {
	cpu := newTestCPU(t)

	enterGuest(cpu, 1)
	cpu.GCSR.TlbIdx = tlbidxIndex.set(0, STLBEntries)
	cpu.GCSR.TlbIdx = tlbidxPS.set(cpu.GCSR.TlbIdx, 14)
	cpu.GCSR.TlbEhi = 0x0020_0000
	elo := tlbEntD.set(tlbEntV.set(0, 1), 1)
	cpu.GCSR.TlbElo0 = tlbEntPPN.set(elo, 0x40000)
	cpu.GCSR.TlbElo1 = tlbEntPPN.set(elo, 0x40004)
	if err := cpu.GTLBWr(); err != nil {
		t.Fatal(err)
	}

	enablePaging(cpu)

	// With exits ungated the guest physical address passes through
	phys, err := cpu.TranslateRead(0x0020_0123)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x4000_0123 {
		t.Errorf("fallback translation gave %#x, want identity", phys)
	}
}

func TestSwitchGuestDropsOldEntries(t *testing.T) {
	cpu := newTestCPU(t)

	enterGuest(cpu, 1)
	cpu.GCSR.TlbIdx = tlbidxIndex.set(0, STLBEntries)
	cpu.GCSR.TlbIdx = tlbidxPS.set(cpu.GCSR.TlbIdx, 14)
	cpu.GCSR.TlbEhi = 0x12348000
	cpu.GCSR.TlbElo0 = tlbEntV.set(0, 1)
	cpu.GCSR.TlbElo1 = tlbEntV.set(0, 1)
	if err := cpu.GTLBWr(); err != nil {
		t.Fatal(err)
	}

	cpu.Gstat = gstatVM.set(cpu.Gstat, 0)
	cpu.SwitchGuest(2)

	if tlbMiscE.get(cpu.TLB[STLBEntries].Misc) != 0 {
		t.Error("entries of the previous guest survived the switch")
	}
	if cpu.GuestID() != 2 {
		t.Errorf("GID %d, want 2", cpu.GuestID())
	}
}

func TestVMSaveRestoreState(t *testing.T) {
	cpu := newTestCPU(t)
	enterGuest(cpu, 1)

	cpu.CSR.Pgdl = 0x1000
	cpu.CSR.TlbEhi = 0x12348000
	cpu.VMSaveState()

	if cpu.GCSR.Pgdl != 0x1000 || cpu.GCSR.TlbEhi != 0x12348000 {
		t.Fatal("save did not copy the live CSRs into the shadow bank")
	}

	cpu.Gstat = gstatVM.set(cpu.Gstat, 0)
	cpu.CSR.Pgdl = 0
	cpu.CSR.TlbEhi = 0
	cpu.VMRestoreState()

	if cpu.CSR.Pgdl != 0x1000 || cpu.CSR.TlbEhi != 0x12348000 {
		t.Error("restore did not copy the shadow bank back")
	}
}

func TestGuestCPUCFGHidesLVZ(t *testing.T) {
	cpu := newTestCPU(t)

	got, err := cpu.ReadCPUCFG(2)
	if err != nil {
		t.Fatal(err)
	}
	if cpucfg2LVZ.get(got) == 0 {
		t.Fatal("host CPUCFG word 2 does not advertise LVZ")
	}

	enterGuest(cpu, 1)
	got, err = cpu.ReadCPUCFG(2)
	if err != nil {
		t.Fatal(err)
	}
	if cpucfg2LVZ.get(got) != 0 {
		t.Error("guest CPUCFG word 2 advertises LVZ")
	}

	cpu.CSR.Eentry = 0xe000
	if _, err := cpu.ReadCPUCFG(20); !errors.Is(err, ErrVMExit) {
		t.Errorf("guest CPUCFG 20 gave %v, want a VM exit", err)
	}
}
