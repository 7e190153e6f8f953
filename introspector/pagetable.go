//go:build linux

package introspector

import (
	"fmt"

	"example.com/vmi-core/internal/ierr"
)

// PageMode selects the paging structure Translate walks, mirroring the
// PDE/PTE flag layout of core_engine/hypervisor/paging.go extended to
// PAE and long mode per spec.md §4.6.
type PageMode int

const (
	PageModeLegacy32 PageMode = iota // 2-level, 4KB/4MB pages
	PageModePAE                      // 3-level, 4KB/2MB pages
	PageModeLong64                   // 4-level, 4KB/2MB/1GB pages
)

// Page table entry flags, bit positions unchanged from
// core_engine/hypervisor/paging.go's 32-bit layout; PAE/long-mode
// entries are 64 bits wide but use the same low-order bit meanings.
const (
	ptePresent  uint64 = 1 << 0
	pteHugePage uint64 = 1 << 7 // PS bit: 2MB/4MB/1GB page at this level
)

const (
	pteAddrMask64 uint64 = 0x000F_FFFF_FFFF_F000
	pteAddrMask32 uint64 = 0xFFFF_F000
)

// Translate walks the guest's page tables for one virtual address under
// asid (the guest's current CR3/page-table root), returning the mapped
// physical address. It never panics on an unmapped entry — it returns
// ierr.NotFound (spec.md §4.6).
func (inst *Instance) Translate(mode PageMode, asid uint64, vaddr uint64) (uint64, error) {
	switch mode {
	case PageModeLegacy32:
		return inst.translate2Level(asid, vaddr)
	case PageModePAE:
		return inst.translate3Level(asid, vaddr)
	case PageModeLong64:
		return inst.translate4Level(asid, vaddr)
	default:
		return 0, fmt.Errorf("introspector: unknown page mode %d: %w", mode, ierr.Unsupported)
	}
}

func (inst *Instance) readEntry64(tableBase uint64, index uint64) (uint64, error) {
	buf, err := inst.ReadPA(tableBase+index*8, 8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v, nil
}

func (inst *Instance) readEntry32(tableBase uint64, index uint64) (uint32, error) {
	buf, err := inst.ReadPA(tableBase+index*4, 4)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(buf[i]) << (8 * i)
	}
	return v, nil
}

// translate2Level walks legacy 32-bit 2-level paging: a page directory
// of 1024 4-byte PDEs, each either pointing at a page table or (with
// PDE_PAGE_SIZE set) directly mapping a 4MB page.
func (inst *Instance) translate2Level(cr3 uint64, vaddr uint64) (uint64, error) {
	pdIndex := (vaddr >> 22) & 0x3FF
	ptIndex := (vaddr >> 12) & 0x3FF
	offset := vaddr & 0xFFF

	pde, err := inst.readEntry32(cr3&pteAddrMask32, pdIndex)
	if err != nil {
		return 0, err
	}
	if uint64(pde)&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PDE not present: %w", vaddr, ierr.NotFound)
	}
	if uint64(pde)&pteHugePage != 0 {
		base := uint64(pde) & 0xFFC00000
		return base | (vaddr & 0x3FFFFF), nil
	}

	pte, err := inst.readEntry32(uint64(pde)&pteAddrMask32, ptIndex)
	if err != nil {
		return 0, err
	}
	if uint64(pte)&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PTE not present: %w", vaddr, ierr.NotFound)
	}
	return (uint64(pte) & pteAddrMask32) | offset, nil
}

// translate3Level walks PAE 3-level paging: a 4-entry page-directory
// pointer table, then a 512-entry page directory, then a 512-entry page
// table, each entry 8 bytes.
func (inst *Instance) translate3Level(cr3 uint64, vaddr uint64) (uint64, error) {
	pdptIndex := (vaddr >> 30) & 0x3
	pdIndex := (vaddr >> 21) & 0x1FF
	ptIndex := (vaddr >> 12) & 0x1FF
	offset := vaddr & 0xFFF

	pdpte, err := inst.readEntry64(cr3&pteAddrMask32, pdptIndex)
	if err != nil {
		return 0, err
	}
	if pdpte&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PDPTE not present: %w", vaddr, ierr.NotFound)
	}

	pde, err := inst.readEntry64(pdpte&pteAddrMask64, pdIndex)
	if err != nil {
		return 0, err
	}
	if pde&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PDE not present: %w", vaddr, ierr.NotFound)
	}
	if pde&pteHugePage != 0 {
		base := pde & 0x000F_FFFF_FFE0_0000
		return base | (vaddr & 0x1FFFFF), nil
	}

	pte, err := inst.readEntry64(pde&pteAddrMask64, ptIndex)
	if err != nil {
		return 0, err
	}
	if pte&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PTE not present: %w", vaddr, ierr.NotFound)
	}
	return (pte & pteAddrMask64) | offset, nil
}

// translate4Level walks long-mode 4-level paging: PML4, PDPT, PD, PT,
// each 512 entries of 8 bytes, with huge-page shortcuts at the PDPT
// (1GB) and PD (2MB) levels.
func (inst *Instance) translate4Level(cr3 uint64, vaddr uint64) (uint64, error) {
	pml4Index := (vaddr >> 39) & 0x1FF
	pdptIndex := (vaddr >> 30) & 0x1FF
	pdIndex := (vaddr >> 21) & 0x1FF
	ptIndex := (vaddr >> 12) & 0x1FF
	offset := vaddr & 0xFFF

	pml4e, err := inst.readEntry64(cr3&pteAddrMask64, pml4Index)
	if err != nil {
		return 0, err
	}
	if pml4e&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PML4E not present: %w", vaddr, ierr.NotFound)
	}

	pdpte, err := inst.readEntry64(pml4e&pteAddrMask64, pdptIndex)
	if err != nil {
		return 0, err
	}
	if pdpte&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PDPTE not present: %w", vaddr, ierr.NotFound)
	}
	if pdpte&pteHugePage != 0 {
		base := pdpte & 0x000F_FFFF_C000_0000
		return base | (vaddr & 0x3FFF_FFFF), nil
	}

	pde, err := inst.readEntry64(pdpte&pteAddrMask64, pdIndex)
	if err != nil {
		return 0, err
	}
	if pde&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PDE not present: %w", vaddr, ierr.NotFound)
	}
	if pde&pteHugePage != 0 {
		base := pde & 0x000F_FFFF_FFE0_0000
		return base | (vaddr & 0x1FFFFF), nil
	}

	pte, err := inst.readEntry64(pde&pteAddrMask64, ptIndex)
	if err != nil {
		return 0, err
	}
	if pte&ptePresent == 0 {
		return 0, fmt.Errorf("introspector: translate 0x%x: PTE not present: %w", vaddr, ierr.NotFound)
	}
	return (pte & pteAddrMask64) | offset, nil
}
