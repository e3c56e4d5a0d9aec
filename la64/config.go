package la64

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile describes a CPU model to configure a core with.
type Profile struct {
	Name string `yaml:"name"`

	// PRID reported through CPUCFG word 0
	PrID uint32 `yaml:"prid"`

	// Physical and virtual address widths in bits
	PALen uint `yaml:"palen"`
	VALen uint `yaml:"valen"`

	// Virtualization extension present
	LVZ bool `yaml:"lvz"`

	// STLB page size in bits, 14 for 16K pages
	STLBPageSize uint `yaml:"stlb_page_size"`

	// ASID width in bits
	ASIDBits uint `yaml:"asid_bits"`
}

// DefaultProfile matches the state Reset configures.
func DefaultProfile() Profile {
	return Profile{
		Name:         "la64-default",
		PALen:        PhysAddrBits,
		VALen:        VirtAddrBits,
		LVZ:          true,
		STLBPageSize: 14,
		ASIDBits:     10,
	}
}

func (p *Profile) validate() error {
	if p.PALen == 0 || p.PALen > 48 {
		return fmt.Errorf("profile %q: palen %d out of range", p.Name, p.PALen)
	}
	if p.VALen == 0 || p.VALen > 48 {
		return fmt.Errorf("profile %q: valen %d out of range", p.Name, p.VALen)
	}
	if p.STLBPageSize < 12 || p.STLBPageSize > 30 {
		return fmt.Errorf("profile %q: stlb_page_size %d out of range", p.Name, p.STLBPageSize)
	}
	if p.ASIDBits == 0 || p.ASIDBits > 10 {
		return fmt.Errorf("profile %q: asid_bits %d out of range", p.Name, p.ASIDBits)
	}
	return nil
}

// LoadProfile parses a YAML profile document.
func LoadProfile(data []byte) (Profile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parsing profile: %w", err)
	}
	if err := p.validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// LoadProfileFile reads and parses a YAML profile from disk.
func LoadProfileFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading profile: %w", err)
	}
	return LoadProfile(data)
}

// NewCPUWithProfile builds a CPU configured for the given profile.
func NewCPUWithProfile(mem PhysMemory, p Profile) (*CPU, error) {
	cpu := NewCPU(mem)
	if err := cpu.Apply(p); err != nil {
		return nil, err
	}
	return cpu, nil
}

// Apply configures the CPU's capability words and reset defaults from
// the profile. Call after Reset.
func (cpu *CPU) Apply(p Profile) error {
	if err := p.validate(); err != nil {
		return err
	}

	cpu.CFG[0] = p.PrID

	cfg1 := cpucfg1Arch.set(0, archLA64)
	cfg1 = cpucfg1PALen.set(cfg1, uint64(p.PALen-1))
	cfg1 = cpucfg1VALen.set(cfg1, uint64(p.VALen-1))
	cpu.CFG[1] = uint32(cfg1)

	var cfg2 uint64
	if p.LVZ {
		cfg2 = cpucfg2LVZ.set(cfg2, 1)
	}
	cfg2 = cpucfg2LLFTP.set(cfg2, 1)
	cpu.CFG[2] = uint32(cfg2)

	cpu.CSR.StlbPS = stlbpsPS.set(cpu.CSR.StlbPS, uint64(p.STLBPageSize))
	cpu.CSR.TlbrEhi = tlbrehiPS.set(cpu.CSR.TlbrEhi, uint64(p.STLBPageSize))
	cpu.CSR.Asid = asidASIDBits.set(cpu.CSR.Asid, uint64(p.ASIDBits))
	return nil
}
