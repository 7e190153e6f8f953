//go:build linux

package introspector

// BuildPTE32 and friends construct raw page-table-entry words for tests
// and snapshot-fixture tooling that need to synthesize a guest's page
// tables rather than read real ones. The flag/address packing mirrors
// core_engine/hypervisor/paging.go's NewPTE/NewPDEtoPT/NewPDE4MB — that
// file built entries to *boot* a guest; here the same bit arithmetic
// builds entries Translate is then asked to *walk*, extended to the
// 64-bit PAE/long-mode entry width paging.go never needed because its
// guest only ever ran in legacy 32-bit mode.

// BuildPTE32 packs a 4KB-page legacy PTE/non-huge-PDE: addr must be
// 4KB-aligned, flags are the low 12 bits (present/RW/user/etc).
func BuildPTE32(addr uint32, flags uint32) uint32 {
	return (addr & 0xFFFFF000) | (flags & 0x00000FFF)
}

// BuildPDE32HugePage packs a legacy PDE mapping a 4MB page directly:
// addr must be 4MB-aligned. The page-size bit is set unconditionally,
// matching paging.go's NewPDE4MB contract.
func BuildPDE32HugePage(addr uint32, flags uint32) uint32 {
	return (addr & 0xFFC00000) | (flags & 0x000001FF) | uint32(pteHugePage)
}

// BuildEntry64 packs a PAE/long-mode table entry (PML4E/PDPTE/PDE/PTE):
// addr must be aligned to the entry's level (4KB for a PTE, 2MB/1GB for
// a huge PDE/PDPTE), flags are the low 12 bits.
func BuildEntry64(addr uint64, flags uint64) uint64 {
	return (addr & pteAddrMask64) | (flags & 0xFFF)
}

// putEntry32 and putEntry64 write a built entry into a raw page buffer
// at the given table index, little-endian, as the guest's own page-table
// writer would.
func putEntry32(page []byte, index int, entry uint32) {
	off := index * 4
	page[off] = byte(entry)
	page[off+1] = byte(entry >> 8)
	page[off+2] = byte(entry >> 16)
	page[off+3] = byte(entry >> 24)
}

func putEntry64(page []byte, index int, entry uint64) {
	off := index * 8
	for i := 0; i < 8; i++ {
		page[off+i] = byte(entry >> (8 * i))
	}
}
