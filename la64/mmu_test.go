package la64

import "testing"

func mustFault(t *testing.T, err error) ExceptionError {
	t.Helper()
	e, ok := err.(ExceptionError)
	if !ok {
		t.Fatalf("expected an exception, got %v", err)
	}
	return e
}

func TestDirectAddressMode(t *testing.T) {
	cpu := newTestCPU(t)

	// Reset leaves the core in direct address mode
	phys, err := cpu.TranslateRead(0x9000_0000_1000_2004)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x1000_2004 {
		t.Errorf("direct mode translated to %#x, want %#x", phys, uint64(0x1000_2004))
	}
}

func TestDirectMappingWindow(t *testing.T) {
	cpu := newTestCPU(t)
	enablePaging(cpu)

	// Window 0: PLV0, segment 0x9
	cpu.CSR.Dmw[0] = dmwVSEG64.set(dmwPLV0.set(0, 1), 0x9)

	phys, err := cpu.TranslateRead(0x9000_0000_0000_1234)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x1234 {
		t.Errorf("window translated to %#x, want 0x1234", phys)
	}

	// The window does not apply at PLV3
	cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, PLVUser)
	if _, err := cpu.TranslateRead(0x9000_0000_0000_1234); err == nil {
		t.Error("PLV0 window matched a PLV3 access")
	}
}

func TestNonCanonicalAddress(t *testing.T) {
	cpu := newTestCPU(t)
	enablePaging(cpu)

	_, err := cpu.TranslateFetch(0x0001_0000_0000_0000)
	if e := mustFault(t, err); e.Code != ExcADEF {
		t.Errorf("non-canonical fetch raised code %d, want ADEF", e.Code)
	}

	_, err = cpu.TranslateWrite(0x0001_0000_0000_0000)
	if e := mustFault(t, err); e.Code != ExcADEM {
		t.Errorf("non-canonical store raised code %d, want ADEM", e.Code)
	}
}

func TestTLBRefillFault(t *testing.T) {
	cpu := newTestCPU(t)
	enablePaging(cpu)

	const va = uint64(0x12348765)
	_, err := cpu.TranslateRead(va)
	if e := mustFault(t, err); e.Code != ExcPIL {
		t.Fatalf("miss on load raised code %d, want PIL", e.Code)
	}

	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) == 0 {
		t.Error("TLB miss did not arm the refill sequence")
	}
	if cpu.CSR.TlbrBadv != va {
		t.Errorf("TLBRBADV %#x, want %#x", cpu.CSR.TlbrBadv, va)
	}
	if got := tlbehiVPPN64.get(cpu.CSR.TlbrEhi) << tlbehiVPPN64.shift; got != va&^uint64((1<<13)-1) {
		t.Errorf("TLBREHI.VPPN page %#x, want %#x", got, va&^uint64((1<<13)-1))
	}
}

func TestTLBHit(t *testing.T) {
	cpu := newTestCPU(t)
	enablePaging(cpu)

	installPage(cpu, STLBEntries, 0x12348000, 0x20000000, 0)

	// Even half
	phys, err := cpu.TranslateRead(0x12348123)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x20000123 {
		t.Errorf("even half translated to %#x, want 0x20000123", phys)
	}

	// Odd half maps one page size higher
	phys, err = cpu.TranslateRead(0x1234c123)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x20004123 {
		t.Errorf("odd half translated to %#x, want 0x20004123", phys)
	}
}

func TestTLBPermissionFaults(t *testing.T) {
	cpu := newTestCPU(t)
	enablePaging(cpu)

	t.Run("invalid", func(t *testing.T) {
		cpu.TLB[STLBEntries].Misc = 0
		installPage(cpu, STLBEntries, 0x12348000, 0x20000000, 0)
		cpu.TLB[STLBEntries].Entry0 = tlbEntV.set(cpu.TLB[STLBEntries].Entry0, 0)

		_, err := cpu.TranslateRead(0x12349234)
		if e := mustFault(t, err); e.Code != ExcPIL {
			t.Errorf("invalid entry raised code %d, want PIL", e.Code)
		}
		if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 {
			t.Error("invalid entry armed the refill sequence")
		}
		if cpu.CSR.Badv != 0x12349234 {
			t.Errorf("BADV %#x, want the fault address", cpu.CSR.Badv)
		}
		if cpu.CSR.TlbEhi != 0x12348000 {
			t.Errorf("TLBEHI %#x, want the page pair base", cpu.CSR.TlbEhi)
		}
	})

	t.Run("dirty", func(t *testing.T) {
		cpu.TLB[STLBEntries].Misc = 0
		installPage(cpu, STLBEntries, 0x12348000, 0x20000000, 0)
		cpu.TLB[STLBEntries].Entry0 = tlbEntD.set(cpu.TLB[STLBEntries].Entry0, 0)

		_, err := cpu.TranslateWrite(0x12348000)
		if e := mustFault(t, err); e.Code != ExcPME {
			t.Errorf("clean page store raised code %d, want PME", e.Code)
		}
	})

	t.Run("no-exec", func(t *testing.T) {
		cpu.TLB[STLBEntries].Misc = 0
		installPage(cpu, STLBEntries, 0x12348000, 0x20000000, tlbEntNX.set(0, 1))

		_, err := cpu.TranslateFetch(0x12348000)
		if e := mustFault(t, err); e.Code != ExcPNX {
			t.Errorf("NX fetch raised code %d, want PNX", e.Code)
		}
	})

	t.Run("no-read", func(t *testing.T) {
		cpu.TLB[STLBEntries].Misc = 0
		installPage(cpu, STLBEntries, 0x12348000, 0x20000000, tlbEntNR.set(0, 1))

		_, err := cpu.TranslateRead(0x12348000)
		if e := mustFault(t, err); e.Code != ExcPNR {
			t.Errorf("NR load raised code %d, want PNR", e.Code)
		}
	})

	t.Run("privilege", func(t *testing.T) {
		cpu.TLB[STLBEntries].Misc = 0
		installPage(cpu, STLBEntries, 0x12348000, 0x20000000, 0)

		cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, PLVUser)
		defer func() {
			cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, PLVKernel)
		}()

		_, err := cpu.TranslateRead(0x12348000)
		if e := mustFault(t, err); e.Code != ExcPPI {
			t.Errorf("user access to a kernel page raised code %d, want PPI", e.Code)
		}
	})

	t.Run("rplv", func(t *testing.T) {
		cpu.TLB[STLBEntries].Misc = 0
		extra := tlbEntRPLV.set(0, 1)
		extra = tlbEntPLV.set(extra, PLVUser)
		installPage(cpu, STLBEntries, 0x12348000, 0x20000000, extra)

		// RPLV restricts the page to exactly PLV3
		_, err := cpu.TranslateRead(0x12348000)
		if e := mustFault(t, err); e.Code != ExcPPI {
			t.Errorf("kernel access to an RPLV user page raised code %d, want PPI", e.Code)
		}
	})
}

func TestHugePagePPNMask(t *testing.T) {
	cpu := newTestCPU(t)
	enablePaging(cpu)

	// A 2M MTLB entry with software bits below the page size in its PPN
	cpu.CSR.TlbIdx = tlbidxIndex.set(0, STLBEntries)
	cpu.CSR.TlbIdx = tlbidxPS.set(cpu.CSR.TlbIdx, 21)
	cpu.CSR.TlbEhi = 0x40000000
	elo := tlbEntV.set(0, 1)
	elo = tlbEntD.set(elo, 1)
	cpu.CSR.TlbElo0 = tlbEntPPN.set(elo, 0x40000|0x7f)
	cpu.CSR.TlbElo1 = tlbEntPPN.set(elo, 0x40200)
	cpu.TLBWr()

	phys, err := cpu.TranslateRead(0x40012345)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x40012345 {
		t.Errorf("huge page translated to %#x, want identity", phys)
	}
}

func TestProbeAddressNoSideEffects(t *testing.T) {
	cpu := newTestCPU(t)
	enablePaging(cpu)

	if _, ok := cpu.ProbeAddress(0x12348000); ok {
		t.Fatal("probe of an unmapped address succeeded")
	}
	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 {
		t.Error("probe armed the refill sequence")
	}
	if cpu.CSR.Badv != 0 {
		t.Error("probe stamped BADV")
	}

	installPage(cpu, STLBEntries, 0x12348000, 0x20000000, 0)
	phys, ok := cpu.ProbeAddress(0x12348010)
	if !ok || phys != 0x20000010 {
		t.Errorf("probe of a mapped address gave %#x, %v", phys, ok)
	}
}

func TestDebugModeSkipsBADV(t *testing.T) {
	cpu := newTestCPU(t)
	enablePaging(cpu)

	cpu.TLB[STLBEntries].Misc = 0
	installPage(cpu, STLBEntries, 0x12348000, 0x20000000, 0)
	cpu.TLB[STLBEntries].Entry0 = tlbEntV.set(cpu.TLB[STLBEntries].Entry0, 0)

	cpu.CSR.Dbg = dbgDST.set(cpu.CSR.Dbg, 1)
	if _, err := cpu.TranslateRead(0x12348000); err == nil {
		t.Fatal("expected a fault")
	}
	if cpu.CSR.Badv != 0 {
		t.Error("fault in debug mode stamped BADV")
	}
}
