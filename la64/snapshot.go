package la64

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	snapshotMagic   uint64 = 0x50414e5334364c41 // "AL64SNAP" little endian
	snapshotVersion uint32 = 1
)

// snapshotState is the serialized form of the translation state. All
// fields are fixed size so the encoding is a flat little endian image.
type snapshotState struct {
	GPR [32]uint64
	PC  uint64
	CFG [21]uint32

	CSR  RegBank
	GCSR RegBank

	Gstat uint64
	Gcfg  uint64
	Gintc uint64
	Gcntc uint64
	Gtlbc uint64
	Trgp  uint64

	TLB [TLBEntries]TLBEntry

	ExitCtx VMExitContext

	LVZEnabled uint8
	LLBit      uint8
	CPUIndex   uint32

	TimerExpire uint64
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Save writes the CPU's architectural state to w.
func (cpu *CPU) Save(w io.Writer) error {
	if err := binary.Write(w, binary.LittleEndian, snapshotMagic); err != nil {
		return fmt.Errorf("writing snapshot header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, snapshotVersion); err != nil {
		return fmt.Errorf("writing snapshot header: %w", err)
	}

	st := snapshotState{
		GPR:         cpu.GPR,
		PC:          cpu.PC,
		CFG:         cpu.CFG,
		CSR:         cpu.CSR,
		GCSR:        cpu.GCSR,
		Gstat:       cpu.Gstat,
		Gcfg:        cpu.Gcfg,
		Gintc:       cpu.Gintc,
		Gcntc:       cpu.Gcntc,
		Gtlbc:       cpu.Gtlbc,
		Trgp:        cpu.Trgp,
		TLB:         cpu.TLB,
		ExitCtx:     cpu.ExitCtx,
		LVZEnabled:  boolByte(cpu.LVZEnabled),
		LLBit:       boolByte(cpu.LLBit),
		CPUIndex:    cpu.CPUIndex,
		TimerExpire: cpu.timer.expire,
	}

	if err := binary.Write(w, binary.LittleEndian, &st); err != nil {
		return fmt.Errorf("writing snapshot state: %w", err)
	}
	return nil
}

// Load replaces the CPU's architectural state with a snapshot
// previously written by Save. Collaborators and callbacks are kept.
func (cpu *CPU) Load(r io.Reader) error {
	var magic uint64
	var version uint32

	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return fmt.Errorf("reading snapshot header: %w", err)
	}
	if magic != snapshotMagic {
		return fmt.Errorf("bad snapshot magic %#x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("reading snapshot header: %w", err)
	}
	if version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", version)
	}

	var st snapshotState
	if err := binary.Read(r, binary.LittleEndian, &st); err != nil {
		return fmt.Errorf("reading snapshot state: %w", err)
	}

	cpu.GPR = st.GPR
	cpu.PC = st.PC
	cpu.CFG = st.CFG
	cpu.CSR = st.CSR
	cpu.GCSR = st.GCSR
	cpu.Gstat = st.Gstat
	cpu.Gcfg = st.Gcfg
	cpu.Gintc = st.Gintc
	cpu.Gcntc = st.Gcntc
	cpu.Gtlbc = st.Gtlbc
	cpu.Trgp = st.Trgp
	cpu.TLB = st.TLB
	cpu.ExitCtx = st.ExitCtx
	cpu.LVZEnabled = st.LVZEnabled != 0
	cpu.LLBit = st.LLBit != 0
	cpu.CPUIndex = st.CPUIndex
	cpu.timer.expire = st.TimerExpire

	cpu.Cache.InvalidateAll()
	return nil
}
