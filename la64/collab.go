package la64

import "fmt"

// PhysMemory is the physical address space the page table walker reads
// page table entries from.
type PhysMemory interface {
	Read64(addr uint64) (uint64, error)
}

// TranslationCache is notified when TLB maintenance invalidates
// mappings a caller may have cached.
type TranslationCache interface {
	InvalidateRange(addr, size uint64)
	InvalidateAll()
}

// IRQLine raises and lowers interrupt lines toward the interrupt
// controller.
type IRQLine interface {
	Set(irq int, level bool)
}

// NopCache ignores all invalidations.
type NopCache struct{}

func (NopCache) InvalidateRange(addr, size uint64) {}
func (NopCache) InvalidateAll()                    {}

// NopIRQ drops all interrupt transitions.
type NopIRQ struct{}

func (NopIRQ) Set(irq int, level bool) {}

// RAM is a flat physical memory starting at a base address.
type RAM struct {
	Base uint64
	Data []byte
}

// NewRAM allocates size bytes of zeroed memory at base.
func NewRAM(base, size uint64) *RAM {
	return &RAM{Base: base, Data: make([]byte, size)}
}

func (r *RAM) Read64(addr uint64) (uint64, error) {
	if addr < r.Base || addr+8 > r.Base+uint64(len(r.Data)) {
		return 0, fmt.Errorf("physical read of size 8 at %#x out of range", addr)
	}
	off := addr - r.Base
	var val uint64
	for i := 0; i < 8; i++ {
		val |= uint64(r.Data[off+uint64(i)]) << (8 * i)
	}
	return val, nil
}

// Write64 stores a 64-bit little endian value; used by tests and the
// benchmark tool to seed page tables.
func (r *RAM) Write64(addr, val uint64) error {
	if addr < r.Base || addr+8 > r.Base+uint64(len(r.Data)) {
		return fmt.Errorf("physical write of size 8 at %#x out of range", addr)
	}
	off := addr - r.Base
	for i := 0; i < 8; i++ {
		r.Data[off+uint64(i)] = byte(val >> (8 * i))
	}
	return nil
}
