package la64

// CSR numbers
const (
	CSRCrmd   uint32 = 0x0
	CSRPrmd   uint32 = 0x1
	CSREuen   uint32 = 0x2
	CSRMisc   uint32 = 0x3
	CSREcfg   uint32 = 0x4
	CSREstat  uint32 = 0x5
	CSREra    uint32 = 0x6
	CSRBadv   uint32 = 0x7
	CSRBadi   uint32 = 0x8
	CSREentry uint32 = 0xc

	CSRTlbIdx  uint32 = 0x10
	CSRTlbEhi  uint32 = 0x11
	CSRTlbElo0 uint32 = 0x12
	CSRTlbElo1 uint32 = 0x13
	CSRGtlbc   uint32 = 0x15
	CSRTrgp    uint32 = 0x16
	CSRAsid    uint32 = 0x18
	CSRPgdl    uint32 = 0x19
	CSRPgdh    uint32 = 0x1a
	CSRPgd     uint32 = 0x1b
	CSRPwcl    uint32 = 0x1c
	CSRPwch    uint32 = 0x1d
	CSRStlbPS  uint32 = 0x1e
	CSRRvaCfg  uint32 = 0x1f

	CSRCpuID  uint32 = 0x20
	CSRPrcfg1 uint32 = 0x21
	CSRPrcfg2 uint32 = 0x22
	CSRPrcfg3 uint32 = 0x23

	CSRSave0 uint32 = 0x30 // 0x30..0x3f

	CSRTid   uint32 = 0x40
	CSRTcfg  uint32 = 0x41
	CSRTval  uint32 = 0x42
	CSRCntc  uint32 = 0x43
	CSRTiclr uint32 = 0x44

	CSRGstat uint32 = 0x50
	CSRGcfg  uint32 = 0x51
	CSRGintc uint32 = 0x52
	CSRGcntc uint32 = 0x53

	CSRLlbCtl uint32 = 0x60

	CSRImpCtl1 uint32 = 0x80
	CSRImpCtl2 uint32 = 0x81

	CSRTlbrEntry uint32 = 0x88
	CSRTlbrBadv  uint32 = 0x89
	CSRTlbrEra   uint32 = 0x8a
	CSRTlbrSave  uint32 = 0x8b
	CSRTlbrElo0  uint32 = 0x8c
	CSRTlbrElo1  uint32 = 0x8d
	CSRTlbrEhi   uint32 = 0x8e
	CSRTlbrPrmd  uint32 = 0x8f

	CSRMerrCtl   uint32 = 0x90
	CSRMerrInfo1 uint32 = 0x91
	CSRMerrInfo2 uint32 = 0x92
	CSRMerrEntry uint32 = 0x93
	CSRMerrEra   uint32 = 0x94
	CSRMerrSave  uint32 = 0x95

	CSRCtag uint32 = 0x98

	CSRDmw0 uint32 = 0x180 // 0x180..0x183

	CSRDbg   uint32 = 0x500
	CSRDera  uint32 = 0x501
	CSRDsave uint32 = 0x502
)

// RegBank holds one full architectural CSR file. The CPU carries two:
// the host bank and the guest shadow bank.
type RegBank struct {
	Crmd   uint64
	Prmd   uint64
	Euen   uint64
	Misc   uint64
	Ecfg   uint64
	Estat  uint64
	Era    uint64
	Badv   uint64
	Badi   uint64
	Eentry uint64

	TlbIdx  uint64
	TlbEhi  uint64
	TlbElo0 uint64
	TlbElo1 uint64
	Asid    uint64
	Pgdl    uint64
	Pgdh    uint64
	Pgd     uint64
	Pwcl    uint64
	Pwch    uint64
	StlbPS  uint64
	RvaCfg  uint64

	CpuID  uint64
	Prcfg1 uint64
	Prcfg2 uint64
	Prcfg3 uint64

	Save [16]uint64

	Tid   uint64
	Tcfg  uint64
	Tval  uint64
	Cntc  uint64
	Ticlr uint64

	LlbCtl uint64

	ImpCtl1 uint64
	ImpCtl2 uint64

	TlbrEntry uint64
	TlbrBadv  uint64
	TlbrEra   uint64
	TlbrSave  uint64
	TlbrElo0  uint64
	TlbrElo1  uint64
	TlbrEhi   uint64
	TlbrPrmd  uint64

	MerrCtl   uint64
	MerrInfo1 uint64
	MerrInfo2 uint64
	MerrEntry uint64
	MerrEra   uint64
	MerrSave  uint64

	Ctag uint64

	Dmw [4]uint64

	Dbg   uint64
	Dera  uint64
	Dsave uint64
}

// reg resolves a CSR number to its storage in this bank, or nil for
// numbers the bank does not implement.
func (b *RegBank) reg(csr uint32) *uint64 {
	switch csr {
	case CSRCrmd:
		return &b.Crmd
	case CSRPrmd:
		return &b.Prmd
	case CSREuen:
		return &b.Euen
	case CSRMisc:
		return &b.Misc
	case CSREcfg:
		return &b.Ecfg
	case CSREstat:
		return &b.Estat
	case CSREra:
		return &b.Era
	case CSRBadv:
		return &b.Badv
	case CSRBadi:
		return &b.Badi
	case CSREentry:
		return &b.Eentry
	case CSRTlbIdx:
		return &b.TlbIdx
	case CSRTlbEhi:
		return &b.TlbEhi
	case CSRTlbElo0:
		return &b.TlbElo0
	case CSRTlbElo1:
		return &b.TlbElo1
	case CSRAsid:
		return &b.Asid
	case CSRPgdl:
		return &b.Pgdl
	case CSRPgdh:
		return &b.Pgdh
	case CSRPgd:
		return &b.Pgd
	case CSRPwcl:
		return &b.Pwcl
	case CSRPwch:
		return &b.Pwch
	case CSRStlbPS:
		return &b.StlbPS
	case CSRRvaCfg:
		return &b.RvaCfg
	case CSRCpuID:
		return &b.CpuID
	case CSRPrcfg1:
		return &b.Prcfg1
	case CSRPrcfg2:
		return &b.Prcfg2
	case CSRPrcfg3:
		return &b.Prcfg3
	case CSRTid:
		return &b.Tid
	case CSRTcfg:
		return &b.Tcfg
	case CSRTval:
		return &b.Tval
	case CSRCntc:
		return &b.Cntc
	case CSRTiclr:
		return &b.Ticlr
	case CSRLlbCtl:
		return &b.LlbCtl
	case CSRImpCtl1:
		return &b.ImpCtl1
	case CSRImpCtl2:
		return &b.ImpCtl2
	case CSRTlbrEntry:
		return &b.TlbrEntry
	case CSRTlbrBadv:
		return &b.TlbrBadv
	case CSRTlbrEra:
		return &b.TlbrEra
	case CSRTlbrSave:
		return &b.TlbrSave
	case CSRTlbrElo0:
		return &b.TlbrElo0
	case CSRTlbrElo1:
		return &b.TlbrElo1
	case CSRTlbrEhi:
		return &b.TlbrEhi
	case CSRTlbrPrmd:
		return &b.TlbrPrmd
	case CSRMerrCtl:
		return &b.MerrCtl
	case CSRMerrInfo1:
		return &b.MerrInfo1
	case CSRMerrInfo2:
		return &b.MerrInfo2
	case CSRMerrEntry:
		return &b.MerrEntry
	case CSRMerrEra:
		return &b.MerrEra
	case CSRMerrSave:
		return &b.MerrSave
	case CSRCtag:
		return &b.Ctag
	case CSRDbg:
		return &b.Dbg
	case CSRDera:
		return &b.Dera
	case CSRDsave:
		return &b.Dsave
	default:
		if csr >= CSRSave0 && csr < CSRSave0+16 {
			return &b.Save[csr-CSRSave0]
		}
		if csr >= CSRDmw0 && csr < CSRDmw0+4 {
			return &b.Dmw[csr-CSRDmw0]
		}
		return nil
	}
}

// effectiveBank picks the CSR bank TLB instructions operate on: the
// guest shadow bank in guest mode, the host bank otherwise.
func (cpu *CPU) effectiveBank() *RegBank {
	if cpu.IsGuestMode() {
		return &cpu.GCSR
	}
	return &cpu.CSR
}

// lvzReg resolves the host-only virtualization control CSRs.
func (cpu *CPU) lvzReg(csr uint32) *uint64 {
	switch csr {
	case CSRGtlbc:
		return &cpu.Gtlbc
	case CSRTrgp:
		return &cpu.Trgp
	case CSRGstat:
		return &cpu.Gstat
	case CSRGcfg:
		return &cpu.Gcfg
	case CSRGintc:
		return &cpu.Gintc
	case CSRGcntc:
		return &cpu.Gcntc
	default:
		return nil
	}
}
