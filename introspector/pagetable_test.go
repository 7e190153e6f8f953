//go:build linux

package introspector

import (
	"errors"
	"testing"

	"example.com/vmi-core/driver"
	"example.com/vmi-core/internal/ierr"
)

func newTestInstance(t *testing.T) (*Instance, *mockBackend) {
	t.Helper()
	backend := newMockBackend()
	inst := &Instance{
		backend:   backend,
		kind:      driver.KindFile,
		cache:     newPageCache(backend, 4, pageShift, false),
		addrWidth: driver.Width64,
	}
	return inst, backend
}

func TestTranslate4LevelWalksToFinalPTE(t *testing.T) {
	inst, backend := newTestInstance(t)

	const (
		pml4Base = 0x1000
		pdptBase = 0x2000
		pdBase   = 0x3000
		ptBase   = 0x4000
		dataPage = 0x5000
	)
	vaddr := uint64(0x0000_1234_5678_9ABC)
	pml4i := (vaddr >> 39) & 0x1FF
	pdpti := (vaddr >> 30) & 0x1FF
	pdi := (vaddr >> 21) & 0x1FF
	pti := (vaddr >> 12) & 0x1FF

	ensurePage(backend, pml4Base)
	ensurePage(backend, pdptBase)
	ensurePage(backend, pdBase)
	ensurePage(backend, ptBase)
	ensurePage(backend, dataPage)

	putEntry64(backend.mem[pml4Base>>12], int(pml4i), BuildEntry64(pdptBase, ptePresent))
	putEntry64(backend.mem[pdptBase>>12], int(pdpti), BuildEntry64(pdBase, ptePresent))
	putEntry64(backend.mem[pdBase>>12], int(pdi), BuildEntry64(ptBase, ptePresent))
	putEntry64(backend.mem[ptBase>>12], int(pti), BuildEntry64(dataPage, ptePresent))

	got, err := inst.Translate(PageModeLong64, pml4Base, vaddr)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := dataPage | (vaddr & 0xFFF)
	if got != want {
		t.Fatalf("translate = 0x%x, want 0x%x", got, want)
	}
}

func ensurePage(backend *mockBackend, addr uint64) {
	pfn := addr >> 12
	if _, ok := backend.mem[pfn]; !ok {
		backend.mem[pfn] = make([]byte, 4096)
	}
}

func TestTranslateNotPresentReturnsNotFound(t *testing.T) {
	inst, backend := newTestInstance(t)
	ensurePage(backend, 0x1000)

	_, err := inst.Translate(PageModeLong64, 0x1000, 0x1000)
	if !errors.Is(err, ierr.NotFound) {
		t.Fatalf("expected ierr.NotFound on an empty table, got %v", err)
	}
}

func TestTranslate2LevelThroughPageTable(t *testing.T) {
	inst, backend := newTestInstance(t)
	const (
		pdBase   = 0x1000
		ptBase   = 0x2000
		dataPage = 0x3000
	)
	ensurePage(backend, pdBase)
	ensurePage(backend, ptBase)
	ensurePage(backend, dataPage)

	vaddr := uint64(0x0000_1234)
	pdIndex := (vaddr >> 22) & 0x3FF
	ptIndex := (vaddr >> 12) & 0x3FF

	putEntry32(backend.mem[pdBase>>12], int(pdIndex), BuildPTE32(ptBase, uint32(ptePresent)))
	putEntry32(backend.mem[ptBase>>12], int(ptIndex), BuildPTE32(dataPage, uint32(ptePresent)))

	got, err := inst.Translate(PageModeLegacy32, pdBase, vaddr)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := uint64(dataPage) | (vaddr & 0xFFF)
	if got != want {
		t.Fatalf("translate = 0x%x, want 0x%x", got, want)
	}
}

func TestTranslate2LevelHugePage(t *testing.T) {
	inst, backend := newTestInstance(t)
	ensurePage(backend, 0x1000)

	vaddr := uint64(0x0040_1234)
	pdIndex := (vaddr >> 22) & 0x3FF
	pde := BuildPDE32HugePage(0x00400000, uint32(ptePresent))
	putEntry32(backend.mem[0x1000>>12], int(pdIndex), pde)

	got, err := inst.Translate(PageModeLegacy32, 0x1000, vaddr)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	want := uint64(0x00400000) | (vaddr & 0x3FFFFF)
	if got != want {
		t.Fatalf("translate = 0x%x, want 0x%x", got, want)
	}
}
