// Package la64 implements the MMU, TLB and virtualization core of a
// 64-bit LoongArch processor.
package la64

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// TLB geometry. The STLB holds fixed-size pages in 8 ways of 256
// entries each, the MTLB holds 64 variable-size pages.
const (
	STLBEntries = 2048
	MTLBEntries = 64
	TLBEntries  = STLBEntries + MTLBEntries
	STLBWays    = 8
	STLBSetSize = 256
)

// Address space widths
const (
	VirtAddrBits = 48
	PhysAddrBits = 48
	PageShift    = 12

	VirtMask uint64 = (1 << VirtAddrBits) - 1
	PhysMask uint64 = (1 << PhysAddrBits) - 1
	PageMask uint64 = ^uint64((1 << PageShift) - 1)
)

// Privilege levels
const (
	PLVKernel uint64 = 0
	PLVUser   uint64 = 3
)

// excode packs an exception code and subcode the way ESTAT holds them.
func excode(code, sub uint32) uint32 {
	return sub<<6 | code
}

// Exception codes
var (
	ExcINT  = excode(0, 0)
	ExcPIL  = excode(1, 0)
	ExcPIS  = excode(2, 0)
	ExcPIF  = excode(3, 0)
	ExcPME  = excode(4, 0)
	ExcPNR  = excode(5, 0)
	ExcPNX  = excode(6, 0)
	ExcPPI  = excode(7, 0)
	ExcADEF = excode(8, 0)
	ExcADEM = excode(8, 1)
	ExcALE  = excode(9, 0)
	ExcSYS  = excode(11, 0)
	ExcBRK  = excode(12, 0)
	ExcINE  = excode(13, 0)
	ExcIPE  = excode(14, 0)
	ExcHVC  = excode(22, 0)
)

// VM exit reasons
const (
	VMExitMMIO      uint32 = 1
	VMExitInt       uint32 = 2
	VMExitTimer     uint32 = 3
	VMExitIOCSR     uint32 = 4
	VMExitCSRRead   uint32 = 5
	VMExitCSRWrite  uint32 = 6
	VMExitCSRXchg   uint32 = 7
	VMExitHypercall uint32 = 8
	VMExitCPUCFG    uint32 = 9
	VMExitTLB       uint32 = 10
	VMExitCache     uint32 = 11
)

// Access types for translation
type AccessType int

const (
	AccessLoad AccessType = iota
	AccessStore
	AccessFetch
)

// Access flag bits recorded in the VM exit context
const (
	AccessFlagRead  uint32 = 1
	AccessFlagWrite uint32 = 2
	AccessFlagExec  uint32 = 4
)

// Interrupt lines
const (
	NumIRQs  = 13
	IRQTimer = 11
	IRQIPI   = 12
)

// VMExitContext carries fault details from a guest's VM exit until the
// hypervisor consumes them.
type VMExitContext struct {
	FaultGPA    uint64
	FaultGVA    uint64
	GID         uint8
	ExitReason  uint32
	AccessType  uint32
	IsTLBRefill bool

	// Info carries the CSR number for mediated CSR exits and the
	// code operand for hypercall exits.
	Info uint64
}

// TLBEntry is one compare/data triple. Misc holds E, ASID, VPPN, PS
// and GID; Entry0/Entry1 hold the even and odd page halves.
type TLBEntry struct {
	Misc   uint64
	Entry0 uint64
	Entry1 uint64
}

// CPU represents the translation and privilege state of one core.
type CPU struct {
	// General purpose registers r0-r31
	GPR [32]uint64

	// Program counter
	PC uint64

	// Capability words read by CPUCFG
	CFG [21]uint32

	// Architectural CSR bank and the guest shadow bank
	CSR  RegBank
	GCSR RegBank

	// Virtualization controls, reachable only from host mode
	Gstat uint64
	Gcfg  uint64
	Gintc uint64
	Gcntc uint64
	Gtlbc uint64
	Trgp  uint64

	// Unified TLB: STLB entries first, MTLB entries after
	TLB [TLBEntries]TLBEntry

	ExitCtx VMExitContext

	// Second-level translation switch, armed by InitSecondLevel
	LVZEnabled bool

	// LL/SC reservation flag
	LLBit bool

	// Core index reported through CSR.CPUID
	CPUIndex uint32

	timer timerState

	Mem   PhysMemory
	Cache TranslationCache
	IRQ   IRQLine

	// Counter returns the current value of the constant frequency
	// counter. Rand feeds TLBFILL victim selection.
	Counter func() uint64
	Rand    func() uint32

	Log *slog.Logger
}

// NewCPU creates a CPU wired to the given physical memory.
func NewCPU(mem PhysMemory) *CPU {
	cpu := &CPU{
		Mem:   mem,
		Cache: NopCache{},
		IRQ:   NopIRQ{},
		Log:   slog.Default(),
	}

	start := time.Now()
	cpu.Counter = func() uint64 {
		return uint64(time.Since(start))
	}
	cpu.Rand = rand.Uint32

	cpu.Reset()
	return cpu
}

// Reset puts the CPU back into its power-on state: direct address
// mode, kernel privilege, empty TLB.
func (cpu *CPU) Reset() {
	for i := range cpu.GPR {
		cpu.GPR[i] = 0
	}
	cpu.PC = 0
	cpu.CSR = RegBank{}
	cpu.GCSR = RegBank{}
	cpu.Gstat = 0
	cpu.Gcfg = 0
	cpu.Gintc = 0
	cpu.Gcntc = 0
	cpu.Gtlbc = 0
	cpu.Trgp = 0
	for i := range cpu.TLB {
		cpu.TLB[i] = TLBEntry{}
	}
	cpu.ExitCtx = VMExitContext{}
	cpu.LVZEnabled = false
	cpu.LLBit = false
	cpu.timer = timerState{}

	// LA64 with 48-bit address spaces and the virtualization extension
	cpu.CFG[1] = uint32(cpucfg1Arch.set(0, archLA64))
	cpu.CFG[1] = uint32(cpucfg1PALen.set(uint64(cpu.CFG[1]), PhysAddrBits-1))
	cpu.CFG[1] = uint32(cpucfg1VALen.set(uint64(cpu.CFG[1]), VirtAddrBits-1))
	cpu.CFG[2] = uint32(cpucfg2LVZ.set(0, 1))
	cpu.CFG[2] = uint32(cpucfg2LLFTP.set(uint64(cpu.CFG[2]), 1))

	// Reset enters direct address mode at PLV0
	cpu.CSR.Crmd = crmdDA.set(0, 1)
	cpu.CSR.Asid = asidASIDBits.set(0, 10)
	cpu.CSR.StlbPS = stlbpsPS.set(0, 14)
	cpu.CSR.TlbrEhi = tlbrehiPS.set(0, 14)
	cpu.CSR.CpuID = uint64(cpu.CPUIndex)
}

// ReadReg reads a general purpose register (r0 always reads 0).
func (cpu *CPU) ReadReg(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return cpu.GPR[reg]
}

// WriteReg writes a general purpose register (writes to r0 are ignored).
func (cpu *CPU) WriteReg(reg uint32, val uint64) {
	if reg != 0 {
		cpu.GPR[reg] = val
	}
}

// IsLA64 reports whether the core runs the 64-bit architecture.
func (cpu *CPU) IsLA64() bool {
	return cpucfg1Arch.get(uint64(cpu.CFG[1])) == archLA64
}

// IsVA32 reports whether the current privilege level runs with 32-bit
// virtual addresses.
func (cpu *CPU) IsVA32() bool {
	if !cpu.IsLA64() {
		return true
	}
	plv := crmdPLV.get(cpu.CSR.Crmd)
	if plv >= 1 && miscVA32.get(cpu.CSR.Misc)&(1<<plv) != 0 {
		return true
	}
	return false
}

// HasLVZ reports whether the virtualization extension is present.
func (cpu *CPU) HasLVZ() bool {
	return cpucfg2LVZ.get(uint64(cpu.CFG[2])) != 0
}

// IsGuestMode reports whether GSTAT.VM is set.
func (cpu *CPU) IsGuestMode() bool {
	return cpu.HasLVZ() && gstatVM.get(cpu.Gstat) != 0
}

// GuestID returns the configured guest id from GSTAT.
func (cpu *CPU) GuestID() uint8 {
	return uint8(gstatGID.get(cpu.Gstat))
}

// VirtActive reports whether second-level translation machinery is
// armed.
func (cpu *CPU) VirtActive() bool {
	return cpu.HasLVZ() && cpu.LVZEnabled
}

// IsGuestContext reports whether the core is executing guest code with
// virtualization active.
func (cpu *CPU) IsGuestContext() bool {
	return cpu.VirtActive() && cpu.IsGuestMode()
}

// IsHypervisorContext reports whether the core runs hypervisor code
// with virtualization active.
func (cpu *CPU) IsHypervisorContext() bool {
	return cpu.VirtActive() && !cpu.IsGuestMode()
}

// currentGID is the id stamped into and matched against TLB entries.
// Host mode always uses GID 0.
func (cpu *CPU) currentGID() uint8 {
	if cpu.IsGuestMode() {
		return cpu.GuestID()
	}
	return 0
}

// EffectiveGID returns the guest id of the running context, or 0 when
// virtualization is inactive or the hypervisor is running.
func (cpu *CPU) EffectiveGID() uint8 {
	if cpu.IsGuestContext() {
		return cpu.GuestID()
	}
	return 0
}

// TargetGID returns the guest id that TLB maintenance operations
// address. GTLBC.USETGID redirects the hypervisor's TLB instructions
// to GTLBC.TGID; a running guest always addresses its own entries.
func (cpu *CPU) TargetGID() uint8 {
	if cpu.IsGuestMode() {
		return cpu.GuestID()
	}
	if cpu.IsHypervisorContext() && gtlbcUseTGID.get(cpu.Gtlbc) != 0 {
		return uint8(gtlbcTGID.get(cpu.Gtlbc))
	}
	return 0
}

// SetPC sets the program counter, truncating when running VA32.
func (cpu *CPU) SetPC(pc uint64) {
	if cpu.IsVA32() {
		pc = uint64(uint32(pc))
	}
	cpu.PC = pc
}

// ReadCPUCFG reads a capability word. Guests see LVZ masked out of
// word 2 and take a VM exit for words above 15.
func (cpu *CPU) ReadCPUCFG(n uint64) (uint64, error) {
	if cpu.IsGuestContext() {
		if n == 2 {
			return cpucfg2LVZ.set(uint64(cpu.CFG[2]), 0), nil
		}
		if n > 15 {
			return 0, cpu.VMExit(VMExitCPUCFG)
		}
	}
	if n >= uint64(len(cpu.CFG)) {
		return 0, nil
	}
	return uint64(cpu.CFG[n]), nil
}

// RDTime reads the constant frequency counter. MISC.DRDTL gates the
// read per privilege level; guests additionally get CNTC compensation.
func (cpu *CPU) RDTime() (uint64, error) {
	plv := crmdPLV.get(cpu.CSR.Crmd)

	if cpu.IsGuestContext() {
		if cpu.GCSR.Misc>>(miscDRDTL.shift+uint(plv))&1 != 0 {
			return 0, cpu.VMExit(VMExitTimer)
		}
		return cpu.Counter() + cpu.Gcntc, nil
	}

	if cpu.CSR.Misc>>(miscDRDTL.shift+uint(plv))&1 != 0 {
		return 0, Exception(ExcIPE, 0)
	}
	return cpu.Counter(), nil
}

// DoException vectors an exception: privilege and interrupt state are
// saved, then the PC jumps to the refill or general entry point.
func (cpu *CPU) DoException(e ExceptionError) {
	crmd := cpu.CSR.Crmd

	if tlbreraISTLBR.get(cpu.CSR.TlbrEra) != 0 && e.Code != ExcHVC {
		// TLB refill path uses the shadow register set
		cpu.CSR.TlbrPrmd = tlbrprmdPPLV.set(cpu.CSR.TlbrPrmd, crmdPLV.get(crmd))
		cpu.CSR.TlbrPrmd = tlbrprmdPIE.set(cpu.CSR.TlbrPrmd, crmdIE.get(crmd))
		cpu.CSR.TlbrPrmd = tlbrprmdPWE.set(cpu.CSR.TlbrPrmd, crmdWE.get(crmd))
		cpu.CSR.TlbrEra = tlbreraPC.set(cpu.CSR.TlbrEra, cpu.PC>>2)
		cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, 0)
		cpu.CSR.Crmd = crmdIE.set(cpu.CSR.Crmd, 0)
		cpu.CSR.Crmd = crmdWE.set(cpu.CSR.Crmd, 0)
		cpu.CSR.Crmd = crmdDA.set(cpu.CSR.Crmd, 1)
		cpu.CSR.Crmd = crmdPG.set(cpu.CSR.Crmd, 0)
		cpu.SetPC(cpu.CSR.TlbrEntry)
		return
	}

	cpu.CSR.Prmd = prmdPPLV.set(cpu.CSR.Prmd, crmdPLV.get(crmd))
	cpu.CSR.Prmd = prmdPIE.set(cpu.CSR.Prmd, crmdIE.get(crmd))
	cpu.CSR.Prmd = prmdPWE.set(cpu.CSR.Prmd, crmdWE.get(crmd))
	cpu.CSR.Era = cpu.PC

	cpu.CSR.Estat = estatECode.set(cpu.CSR.Estat, uint64(e.Code&0x3f))
	cpu.CSR.Estat = estatESub.set(cpu.CSR.Estat, uint64(e.Code>>6))

	cpu.CSR.Crmd = crmdPLV.set(cpu.CSR.Crmd, 0)
	cpu.CSR.Crmd = crmdIE.set(cpu.CSR.Crmd, 0)
	cpu.CSR.Crmd = crmdWE.set(cpu.CSR.Crmd, 0)

	vector := cpu.CSR.Eentry
	if vs := ecfgVS.get(cpu.CSR.Ecfg); vs != 0 {
		vector += uint64(e.Code&0x3f) * (uint64(1) << (vs + 2))
	}
	cpu.SetPC(vector)
}

// signExtend sign-extends a value from 'bits' bits to 64 bits.
func signExtend(val uint64, bits int) int64 {
	shift := 64 - bits
	return int64(val<<shift) >> shift
}

// ExceptionError represents a CPU exception
type ExceptionError struct {
	Code uint32
	BadV uint64
}

func (e ExceptionError) Error() string {
	return fmt.Sprintf("exception: code=%d sub=%d badv=0x%x",
		e.Code&0x3f, e.Code>>6, e.BadV)
}

// Exception creates an exception with the given code and bad address
func Exception(code uint32, badv uint64) error {
	return ExceptionError{Code: code, BadV: badv}
}
