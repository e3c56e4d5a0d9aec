package la64

// field describes a contiguous bitfield inside a 64-bit register.
type field struct {
	shift uint
	width uint
}

func (f field) mask() uint64 {
	return ((uint64(1) << f.width) - 1) << f.shift
}

func (f field) get(reg uint64) uint64 {
	return (reg >> f.shift) & ((uint64(1) << f.width) - 1)
}

func (f field) set(reg, val uint64) uint64 {
	m := f.mask()
	return (reg &^ m) | ((val << f.shift) & m)
}

// TLB compare half (MISC word)
var (
	tlbMiscE    = field{0, 1}
	tlbMiscASID = field{1, 10}
	tlbMiscVPPN = field{13, 35}
	tlbMiscPS   = field{48, 6}
	tlbMiscGID  = field{54, 8}
)

// TLB data halves (ENTRY0/ENTRY1 words) and page directory entries
var (
	tlbEntV       = field{0, 1}
	tlbEntD       = field{1, 1}
	tlbEntPLV     = field{2, 2}
	tlbEntMAT     = field{4, 2}
	tlbEntG       = field{6, 1}
	tlbEntPPN     = field{12, 36}
	tlbEntNR      = field{61, 1}
	tlbEntNX      = field{62, 1}
	tlbEntRPLV    = field{63, 1}
	tlbEntHuge    = field{6, 1}
	tlbEntHGlobal = field{12, 1}
	tlbEntLevel   = field{13, 2}
)

// CRMD
var (
	crmdPLV  = field{0, 2}
	crmdIE   = field{2, 1}
	crmdDA   = field{3, 1}
	crmdPG   = field{4, 1}
	crmdDATF = field{5, 2}
	crmdDATM = field{7, 2}
	crmdWE   = field{9, 1}
)

// PRMD
var (
	prmdPPLV = field{0, 2}
	prmdPIE  = field{2, 1}
	prmdPWE  = field{3, 1}
)

// ECFG / ESTAT
var (
	ecfgLIE    = field{0, 13}
	ecfgVS     = field{16, 3}
	estatIS    = field{0, 13}
	estatECode = field{16, 6}
	estatESub  = field{22, 9}
)

// MISC
var (
	miscVA32  = field{0, 4}
	miscDRDTL = field{4, 4}
)

// ASID
var (
	asidASID     = field{0, 10}
	asidASIDBits = field{16, 8}
)

// TLBIDX / STLBPS
var (
	tlbidxIndex = field{0, 12}
	tlbidxPS    = field{24, 6}
	tlbidxNE    = field{31, 1}
	stlbpsPS    = field{0, 6}
)

// TLBEHI carries the VPPN being probed or refilled. The 32-bit layout
// keeps fewer VPPN bits.
var (
	tlbehiVPPN64 = field{13, 35}
	tlbehiVPPN32 = field{13, 19}
)

// TLBREHI / TLBRERA / TLBRPRMD
var (
	tlbrehiPS     = field{0, 6}
	tlbreraISTLBR = field{0, 1}
	tlbreraPC     = field{2, 62}
	tlbrprmdPPLV  = field{0, 2}
	tlbrprmdPIE   = field{2, 1}
	tlbrprmdPWE   = field{4, 1}
)

// PWCL / PWCH page walk geometry
var (
	pwclPTBase    = field{0, 5}
	pwclPTWidth   = field{5, 5}
	pwclDir1Base  = field{10, 5}
	pwclDir1Width = field{15, 5}
	pwclDir2Base  = field{20, 5}
	pwclDir2Width = field{25, 5}
	pwclPTEWidth  = field{30, 2}
	pwchDir3Base  = field{0, 6}
	pwchDir3Width = field{6, 6}
	pwchDir4Base  = field{12, 6}
	pwchDir4Width = field{18, 6}
)

// DMW direct mapping windows. PLV0..PLV3 sit in bits 0..3; the window
// tag lives in the top nibble on 64-bit and in bits 31:29 on 32-bit.
var (
	dmwPLV0   = field{0, 1}
	dmwPLV3   = field{3, 1}
	dmwMAT    = field{4, 2}
	dmwPSEG32 = field{25, 3}
	dmwVSEG32 = field{29, 3}
	dmwVSEG64 = field{60, 4}
)

// LLBCTL
var (
	llbctlROLLB  = field{0, 1}
	llbctlWCLLB  = field{1, 1}
	llbctlKLO    = field{2, 1}
)

// DBG
var dbgDST = field{0, 1}

// GSTAT
var (
	gstatVM      = field{0, 1}
	gstatPVM     = field{1, 1}
	gstatGIDBits = field{4, 6}
	gstatGID     = field{16, 8}
)

// GCFG trap controls
var (
	gcfgSITP = field{6, 1}
	gcfgSITO = field{7, 1}
	gcfgTITP = field{8, 1}
	gcfgTITO = field{9, 1}
	gcfgTOEP = field{10, 1}
	gcfgTOE  = field{11, 1}
	gcfgTOP  = field{13, 1}
)

// GTLBC
var (
	gtlbcGMTLBSz = field{0, 6}
	gtlbcUseTGID = field{12, 1}
	gtlbcTOTI    = field{13, 1}
	gtlbcTGID    = field{16, 8}
)

// CPUCFG words
var (
	cpucfg1Arch  = field{0, 2}
	cpucfg1PALen = field{4, 8}
	cpucfg1VALen = field{12, 8}
	cpucfg2LVZ   = field{10, 1}
	cpucfg2LLFTP = field{14, 1}
)

const (
	archLA32R = 0
	archLA32  = 1
	archLA64  = 2
)
