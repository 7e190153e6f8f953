//go:build linux

// Package xen implements driver.Backend against a running Xen
// hypervisor via libxenctrl and xenstore. It follows the
// nil/closed-guard-under-a-mutex idiom used by this pack's other cgo
// hypervisor wrapper (see other_examples' Apple Hypervisor.framework
// bindings): every exported method takes closeMu before touching cgo
// state, and errors are always prefixed with the package name.
package xen

/*
#cgo LDFLAGS: -lxenctrl -lxenstore
#include <stdlib.h>
#include <string.h>
#include <xenctrl.h>
#include <xenstore.h>

// xc_interface_open takes a logger and flags the headers differ on
// across Xen releases; wrap construction in C so the Go side only ever
// sees a single call shape.
static xc_interface *xenctrl_open(void) {
	return xc_interface_open(NULL, NULL, 0);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"example.com/vmi-core/driver"
	"example.com/vmi-core/internal/ierr"
)

const pageShift = 12
const pageSize = 1 << pageShift

// Backend is the Xen driver.Backend. It owns a libxenctrl handle and the
// numeric domain id once Init has resolved it; xenstore is opened and
// closed per lookup by the name-resolution helpers, not held here.
type Backend struct {
	closeMu sync.Mutex
	closed  bool

	xch    C.xc_interface
	domid  C.uint32_t

	pauseDepth int // local refcount: xc_domain_pause is not re-entrant

	paravirt  bool
	addrWidth driver.AddrWidth
	numVCPUs  int
}

func New() *Backend { return &Backend{} }

func (b *Backend) Kind() driver.Kind { return driver.KindXen }

// Probe checks that idOrName resolves to a live domain without mutating
// any backend state — the cheap feasibility test autodetect needs.
func (b *Backend) Probe(idOrName string) error {
	xch := C.xenctrl_open()
	if xch == nil {
		return fmt.Errorf("xen: xc_interface_open failed: %w", ierr.InitFailure)
	}
	defer C.xc_interface_close(xch)

	domid, err := resolveDomID(idOrName)
	if err != nil {
		return fmt.Errorf("xen: probe %s: %w", idOrName, err)
	}

	var info C.xc_dominfo_t
	n := C.xc_domain_getinfo(xch, C.uint32_t(domid), 1, &info)
	if n != 1 || uint32(info.domid) != domid {
		return fmt.Errorf("xen: domain %d not found: %w", domid, ierr.InitFailure)
	}
	return nil
}

func (b *Backend) Init(idOrName string) (driver.InitInfo, error) {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	xch := C.xenctrl_open()
	if xch == nil {
		return driver.InitInfo{}, fmt.Errorf("xen: xc_interface_open failed: %w", ierr.InitFailure)
	}

	domid, err := resolveDomID(idOrName)
	if err != nil {
		C.xc_interface_close(xch)
		return driver.InitInfo{}, fmt.Errorf("xen: resolve %s: %w", idOrName, err)
	}

	var info C.xc_dominfo_t
	if n := C.xc_domain_getinfo(xch, C.uint32_t(domid), 1, &info); n != 1 || uint32(info.domid) != domid {
		C.xc_interface_close(xch)
		return driver.InitInfo{}, fmt.Errorf("xen: domain %d not found: %w", domid, ierr.InitFailure)
	}

	b.xch = xch
	b.domid = C.uint32_t(domid)
	b.paravirt = info.hvm == 0
	b.numVCPUs = int(info.max_vcpu_id) + 1

	width, err := b.discoverAddressWidth()
	if err != nil {
		C.xc_interface_close(b.xch)
		b.xch = nil
		return driver.InitInfo{}, err
	}
	b.addrWidth = width

	memKB, err := b.memSizeLocked()
	if err != nil {
		C.xc_interface_close(b.xch)
		b.xch = nil
		return driver.InitInfo{}, err
	}

	return driver.InitInfo{
		NumVCPUs:   b.numVCPUs,
		Paravirt:   b.paravirt,
		AddrWidth:  b.addrWidth,
		MemSize:    memKB,
		ResolvedID: fmt.Sprintf("%d", domid),
	}, nil
}

func (b *Backend) Destroy() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.xch != nil {
		C.xc_interface_close(b.xch)
		b.xch = nil
	}
	return nil
}

func (b *Backend) guard() error {
	if b.closed {
		return fmt.Errorf("xen: backend is closed: %w", ierr.AccessFailure)
	}
	if b.xch == nil {
		return fmt.Errorf("xen: backend not initialized: %w", ierr.AccessFailure)
	}
	return nil
}

// MapFrame maps one guest PFN with the requested protection. The mapping
// is released by a paired call to ReleaseFrame; the page cache is the
// only long-lived holder of these mappings.
func (b *Backend) MapFrame(pfn uint64, prot driver.Prot) (driver.Frame, error) {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if err := b.guard(); err != nil {
		return driver.Frame{}, err
	}

	cprot := C.int(C.PROT_READ)
	if prot&driver.ProtWrite != 0 {
		cprot |= C.PROT_WRITE
	}

	ptr := C.xc_map_foreign_range(b.xch, b.domid, C.int(pageSize), cprot, C.xen_pfn_t(pfn))
	if ptr == nil {
		return driver.Frame{}, fmt.Errorf("xen: map pfn 0x%x failed: %w", pfn, ierr.AccessFailure)
	}

	slice := unsafe.Slice((*byte)(ptr), pageSize)
	return driver.Frame{Ptr: slice, Prot: prot, PFN: pfn}, nil
}

// ReleaseFrame is safe to call with a zero Frame (nil pointer), matching
// the "safe on null (no-op)" contract for release_frame.
func (b *Backend) ReleaseFrame(f driver.Frame) error {
	if f.Ptr == nil {
		return nil
	}
	if C.munmap(unsafe.Pointer(&f.Ptr[0]), pageSize) != 0 {
		return fmt.Errorf("xen: munmap pfn 0x%x failed: %w", f.PFN, ierr.AccessFailure)
	}
	return nil
}

// Write splits buf at page boundaries. Per spec.md §4.3, failure on any
// slice aborts with no rollback of prior slices: the caller is expected
// to have paused the VM, and write is documented as not atomic across
// pages (see DESIGN.md's Open Question (a)).
func (b *Backend) Write(guestPaddr uint64, buf []byte) error {
	remaining := buf
	addr := guestPaddr
	for len(remaining) > 0 {
		pfn := addr >> pageShift
		offset := int(addr & (pageSize - 1))
		length := pageSize - offset
		if length > len(remaining) {
			length = len(remaining)
		}

		frame, err := b.MapFrame(pfn, driver.ProtRead|driver.ProtWrite)
		if err != nil {
			return fmt.Errorf("xen: write: map pfn 0x%x: %w", pfn, err)
		}
		copy(frame.Ptr[offset:offset+length], remaining[:length])
		if rerr := b.ReleaseFrame(frame); rerr != nil {
			return fmt.Errorf("xen: write: release pfn 0x%x: %w", pfn, rerr)
		}

		remaining = remaining[length:]
		addr += uint64(length)
	}
	return nil
}

func (b *Backend) Name() string { return fmt.Sprintf("%d", uint32(b.domid)) }
func (b *Backend) ID() string   { return fmt.Sprintf("%d", uint32(b.domid)) }

func (b *Backend) NameFromID(id string) (string, error) {
	domid, err := parseDomID(id)
	if err != nil {
		return "", err
	}
	return xenstoreReadName(domid)
}

func (b *Backend) IDFromName(name string) (string, error) {
	domid, err := xenstoreFindID(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", domid), nil
}

func (b *Backend) memSizeLocked() (uint64, error) {
	var info C.xc_dominfo_t
	if n := C.xc_domain_getinfo(b.xch, b.domid, 1, &info); n != 1 || uint32(info.domid) != uint32(b.domid) {
		return 0, fmt.Errorf("xen: getinfo for memsize failed: %w", ierr.AccessFailure)
	}
	return uint64(info.nr_pages) * pageSize, nil
}

func (b *Backend) MemSize() (uint64, error) {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if err := b.guard(); err != nil {
		return 0, err
	}
	return b.memSizeLocked()
}

func (b *Backend) AddressWidth() (driver.AddrWidth, error) {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if err := b.guard(); err != nil {
		return 0, err
	}
	return b.addrWidth, nil
}

// Pause/Resume are reference counted locally because xc_domain_pause is
// not itself re-entrant at the hypervisor level; nested Pause/Resume
// pairs from independent callers must not unpause each other out from
// under the other (spec.md §4.3 supplement, see DESIGN.md). Only the
// outermost Pause and the matching last Resume reach the hypervisor.
func (b *Backend) Pause() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	if b.pauseDepth == 0 {
		if C.xc_domain_pause(b.xch, b.domid) != 0 {
			return fmt.Errorf("xen: xc_domain_pause failed: %w", ierr.AccessFailure)
		}
	}
	b.pauseDepth++
	return nil
}

func (b *Backend) Resume() error {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if err := b.guard(); err != nil {
		return err
	}
	if b.pauseDepth == 0 {
		return nil
	}
	b.pauseDepth--
	if b.pauseDepth == 0 {
		if C.xc_domain_unpause(b.xch, b.domid) != 0 {
			return fmt.Errorf("xen: xc_domain_unpause failed: %w", ierr.AccessFailure)
		}
	}
	return nil
}

var _ driver.Backend = (*Backend)(nil)
