//go:build linux

package introspector

import (
	"errors"
	"testing"

	"example.com/vmi-core/access"
	"example.com/vmi-core/driver"
	"example.com/vmi-core/internal/ierr"
)

// TestEventMaskCombining is scenario S4: byte events at two offsets on
// one page combine, then clearing each unwinds the mask correctly and
// finally removes the descriptor.
func TestEventMaskCombining(t *testing.T) {
	backend := newMockBackend()
	reg := newEventRegistry(backend)

	const page = 0x2000
	if err := reg.registerMem(page+0x10, driver.GranularityByte, access.MemRead, 0, nil); err != nil {
		t.Fatalf("register byte +0x10: %v", err)
	}
	if got := reg.memEvents[page>>pageShift].mask; got != access.MemRead {
		t.Fatalf("mask after first register = %v, want %v", got, access.MemRead)
	}

	if err := reg.registerMem(page+0x20, driver.GranularityByte, access.MemWrite, 0, nil); err != nil {
		t.Fatalf("register byte +0x20: %v", err)
	}
	if got := reg.memEvents[page>>pageShift].mask; got != access.MemRead|access.MemWrite {
		t.Fatalf("mask after second register = %v, want r|w", got)
	}

	if err := reg.clearMem(page+0x10, driver.GranularityByte, 0); err != nil {
		t.Fatalf("clear +0x10: %v", err)
	}
	if got := reg.memEvents[page>>pageShift].mask; got != access.MemWrite {
		t.Fatalf("mask after clearing +0x10 = %v, want write", got)
	}

	if err := reg.clearMem(page+0x20, driver.GranularityByte, 0); err != nil {
		t.Fatalf("clear +0x20: %v", err)
	}
	if _, exists := reg.memEvents[page>>pageShift]; exists {
		t.Fatalf("expected page descriptor removed once all events cleared")
	}
}

// TestIncompatibleCombineLeavesStateUnchanged is scenario S5.
func TestIncompatibleCombineLeavesStateUnchanged(t *testing.T) {
	backend := newMockBackend()
	reg := newEventRegistry(backend)

	const page = 0x3000
	if err := reg.registerMem(page+0x8, driver.GranularityByte, access.MemRead, 0, nil); err != nil {
		t.Fatalf("register byte: %v", err)
	}

	err := reg.registerMem(page, driver.GranularityPage, access.MemExecuteOnWrite, 0, nil)
	if err == nil {
		t.Fatalf("expected registering execute-on-write alongside read to fail")
	}
	if !errors.Is(err, ierr.Conflict) {
		t.Fatalf("expected ierr.Conflict, got %v", err)
	}

	desc := reg.memEvents[page>>pageShift]
	if desc.mask != access.MemRead {
		t.Fatalf("page state mutated by failed combine: mask = %v", desc.mask)
	}
	if desc.pageEvent != nil {
		t.Fatalf("page-level event must not have been installed on failure")
	}
}

func TestDuplicateRegisterEventFails(t *testing.T) {
	backend := newMockBackend()
	reg := newEventRegistry(backend)

	if err := reg.registerReg(driver.RegRIP, access.RegWrite, 0, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.registerReg(driver.RegRIP, access.RegWrite, 0, nil)
	if err == nil || !errors.Is(err, ierr.Conflict) {
		t.Fatalf("expected ierr.Conflict on duplicate register, got %v", err)
	}
	if _, ok := reg.regEvents[driver.RegRIP]; !ok {
		t.Fatalf("original registration must remain in effect")
	}
}

func TestClearRegRestoresNoneThenRemovesEntry(t *testing.T) {
	backend := newMockBackend()
	reg := newEventRegistry(backend)

	if err := reg.registerReg(driver.RegCR3, access.RegRead, 0, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.clearReg(driver.RegCR3, 0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, exists := reg.regEvents[driver.RegCR3]; exists {
		t.Fatalf("expected entry removed after clear")
	}
	last := backend.regAccessCalls[len(backend.regAccessCalls)-1]
	if last.InAccess != toDriverRegAccess(access.RegNone) {
		t.Fatalf("expected final backend call to restore none, got %v", last.InAccess)
	}
}

// TestClearMemBackendFailureReInsertsByteEntry covers §4.5's clear-flow
// rollback: a backend failure during clear must leave the descriptor
// consistent with the hypervisor.
func TestClearMemBackendFailureReInsertsByteEntry(t *testing.T) {
	backend := newMockBackend()
	reg := newEventRegistry(backend)

	const addr = 0x4010
	if err := reg.registerMem(addr, driver.GranularityByte, access.MemRead, 0, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	backend.failNextSetMemAccess = true
	err := reg.clearMem(addr, driver.GranularityByte, 0)
	if err == nil {
		t.Fatalf("expected clear to fail when the backend rejects the new mask")
	}

	desc := reg.memEvents[addr>>pageShift]
	if _, ok := desc.byteEvents[addr]; !ok {
		t.Fatalf("expected the byte entry to be re-inserted after a failed clear")
	}
	if desc.mask != access.MemRead {
		t.Fatalf("expected mask restored to read after failed clear, got %v", desc.mask)
	}
}

// TestTeardownRestoresDefaultAccess is scenario S6.
func TestTeardownRestoresDefaultAccess(t *testing.T) {
	backend := newMockBackend()
	reg := newEventRegistry(backend)

	const page = 0x5000
	if err := reg.registerMem(page, driver.GranularityPage, access.MemWrite, 0, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.teardown()

	if len(reg.memEvents) != 0 {
		t.Fatalf("expected all descriptors gone after teardown")
	}
	last := backend.memAccessCalls[len(backend.memAccessCalls)-1]
	if last.InAccess != toDriverMemAccess(access.MemNone) {
		t.Fatalf("expected teardown's final backend call to restore none, got %v", last.InAccess)
	}
}

func TestSingleStepRegisterAndClear(t *testing.T) {
	backend := newMockBackend()
	reg := newEventRegistry(backend)

	if err := reg.registerSingleStep(0b011, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !backend.ssStarted[0] || !backend.ssStarted[1] {
		t.Fatalf("expected vcpus 0 and 1 started, got %v", backend.ssStarted)
	}
	if err := reg.clearSingleStep(0b001); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if backend.ssStarted[0] {
		t.Fatalf("expected vcpu 0 stopped")
	}
	if !backend.ssStarted[1] {
		t.Fatalf("expected vcpu 1 to remain started")
	}
}

func TestDeliverPrefersByteOverPageOnHitInBoth(t *testing.T) {
	backend := newMockBackend()
	reg := newEventRegistry(backend)

	const page = 0x6000
	var pageFired, byteFired bool
	if err := reg.registerMem(page, driver.GranularityPage, access.MemWrite, 0, func(uint64, access.Mem, int) { pageFired = true }); err != nil {
		t.Fatalf("register page event: %v", err)
	}

	desc := reg.memEvents[page>>pageShift]
	desc.byteEvents[page+0x40] = &memRegistration{access: access.MemWrite, callback: func(uint64, access.Mem, int) { byteFired = true }}

	reg.deliver(driver.RawEvent{Kind: driver.RawEventMem, GuestPaddr: page + 0x40, Access: toDriverMemAccess(access.MemWrite)})

	if !byteFired {
		t.Fatalf("expected the byte-granularity callback to fire")
	}
	if pageFired {
		t.Fatalf("expected the page-granularity callback NOT to fire when a byte entry matches")
	}
}
