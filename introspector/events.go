//go:build linux

package introspector

import (
	"fmt"

	"example.com/vmi-core/access"
	"example.com/vmi-core/driver"
	"example.com/vmi-core/internal/ierr"
)

// MemCallback is invoked when a registered memory event fires.
type MemCallback func(guestPaddr uint64, triggered access.Mem, vcpu int)

// RegCallback is invoked when a registered register event fires.
type RegCallback func(reg driver.Reg, vcpu int)

// SSCallback is invoked on every single-step stop of a registered vCPU.
type SSCallback func(vcpu int)

// memRegistration is one page-level or byte-level memory event
// registration, carrying the user's access request and callback.
type memRegistration struct {
	access   access.Mem
	callback MemCallback
}

// pageDescriptor is spec.md §3's "Memory-event page descriptor": the
// hypervisor-programmed mask for one page plus the registrations that
// combine to produce it.
type pageDescriptor struct {
	mask       access.Mem
	pageEvent  *memRegistration          // at most one page-granularity event
	byteEvents map[uint64]*memRegistration // byte address -> registration
}

// effectiveMask recomputes the combination of every registration still
// on the descriptor (§4.5's invariant 1), used by the clear flow to
// derive the mask that should remain once one entry is removed.
func (d *pageDescriptor) effectiveMask() (access.Mem, error) {
	mask := access.MemNone
	var err error
	if d.pageEvent != nil {
		mask, err = access.Combine(mask, d.pageEvent.access)
		if err != nil {
			return 0, err
		}
	}
	for _, r := range d.byteEvents {
		mask, err = access.Combine(mask, r.access)
		if err != nil {
			return 0, err
		}
	}
	return mask, nil
}

// regRegistration is spec.md §3's "Register-event registration".
type regRegistration struct {
	access   access.Reg
	callback RegCallback
}

// ssRegistration is spec.md §3's "Single-step registration".
type ssRegistration struct {
	vcpuMask uint64
	callback SSCallback
}

// eventRegistry holds the three bookkeeping tables spec.md §4.5
// describes: mem_events (PFN -> page descriptor), reg_events
// (register id -> registration), ss_events (vCPU index -> registration).
// It has no locking of its own — the instance serializes access (§5).
type eventRegistry struct {
	backend      driver.EventBackend
	memEvents    map[uint64]*pageDescriptor
	regEvents    map[driver.Reg]*regRegistration
	ssEvents     map[int]*ssRegistration
	shuttingDown bool
}

func newEventRegistry(backend driver.EventBackend) *eventRegistry {
	return &eventRegistry{
		backend:   backend,
		memEvents: make(map[uint64]*pageDescriptor),
		regEvents: make(map[driver.Reg]*regRegistration),
		ssEvents:  make(map[int]*ssRegistration),
	}
}

// registerReg fails if the register already has an entry or the backend
// rejects the requested access (spec.md §4.5 "Register events").
func (r *eventRegistry) registerReg(reg driver.Reg, a access.Reg, vcpu int, cb RegCallback) error {
	if _, exists := r.regEvents[reg]; exists {
		return fmt.Errorf("event registry: register %s already registered: %w", reg, ierr.Conflict)
	}
	if err := r.backend.SetRegAccess(driver.RegEvent{Reg: reg, InAccess: toDriverRegAccess(a)}, vcpu); err != nil {
		return fmt.Errorf("event registry: set reg access for %s: %w", reg, err)
	}
	r.regEvents[reg] = &regRegistration{access: a, callback: cb}
	return nil
}

// clearReg sets the registration's access to none, instructs the
// backend, then removes the entry — unless the instance is shutting
// down, in which case the table removal is skipped (the walking
// teardown loop owns removal in that case).
func (r *eventRegistry) clearReg(reg driver.Reg, vcpu int) error {
	if _, exists := r.regEvents[reg]; !exists {
		return fmt.Errorf("event registry: no registration for register %s: %w", reg, ierr.NotFound)
	}
	if err := r.backend.SetRegAccess(driver.RegEvent{Reg: reg, InAccess: toDriverRegAccess(access.RegNone)}, vcpu); err != nil {
		return fmt.Errorf("event registry: clear reg access for %s: %w", reg, err)
	}
	if !r.shuttingDown {
		delete(r.regEvents, reg)
	}
	return nil
}

// registerSingleStep starts every vCPU in mask that isn't already
// registered (spec.md §4.5 "Single-step events").
func (r *eventRegistry) registerSingleStep(mask uint64, cb SSCallback) error {
	for vcpu := 0; vcpu < 64; vcpu++ {
		bit := uint64(1) << uint(vcpu)
		if mask&bit == 0 {
			continue
		}
		if _, exists := r.ssEvents[vcpu]; exists {
			continue
		}
		if err := r.backend.StartSingleStep(driver.SSEvent{VCPUMask: bit}); err != nil {
			return fmt.Errorf("event registry: start single-step on vcpu %d: %w", vcpu, err)
		}
		r.ssEvents[vcpu] = &ssRegistration{vcpuMask: bit, callback: cb}
	}
	return nil
}

// clearSingleStep stops every matching vCPU and removes it from the table.
func (r *eventRegistry) clearSingleStep(mask uint64) error {
	for vcpu := 0; vcpu < 64; vcpu++ {
		bit := uint64(1) << uint(vcpu)
		if mask&bit == 0 {
			continue
		}
		if _, exists := r.ssEvents[vcpu]; !exists {
			continue
		}
		if err := r.backend.StopSingleStep(vcpu); err != nil {
			return fmt.Errorf("event registry: stop single-step on vcpu %d: %w", vcpu, err)
		}
		if !r.shuttingDown {
			delete(r.ssEvents, vcpu)
		}
	}
	return nil
}

const pageShift = 12

// registerMem is the core algorithm of §4.5 "Memory events": combine
// the requested access with whatever is already effective on the page,
// program the result with the backend, and record the registration.
func (r *eventRegistry) registerMem(guestPaddr uint64, granular driver.Granularity, a access.Mem, vcpu int, cb MemCallback) error {
	pageKey := guestPaddr >> pageShift

	desc, exists := r.memEvents[pageKey]
	if !exists {
		if err := r.programMem(pageKey, vcpu, a); err != nil {
			return err
		}
		desc = &pageDescriptor{mask: a, byteEvents: make(map[uint64]*memRegistration)}
		if granular == driver.GranularityPage {
			desc.pageEvent = &memRegistration{access: a, callback: cb}
		} else {
			desc.byteEvents[guestPaddr] = &memRegistration{access: a, callback: cb}
		}
		r.memEvents[pageKey] = desc
		return nil
	}

	newMask, err := access.Combine(desc.mask, a)
	if err != nil {
		return fmt.Errorf("event registry: combine access on page 0x%x: %w: %w", pageKey, err, ierr.Conflict)
	}

	if granular == driver.GranularityPage {
		if desc.pageEvent != nil {
			return fmt.Errorf("event registry: page 0x%x already has a page-level event: %w", pageKey, ierr.Conflict)
		}
		if err := r.programMem(pageKey, vcpu, newMask); err != nil {
			return err
		}
		desc.pageEvent = &memRegistration{access: a, callback: cb}
		desc.mask = newMask
		return nil
	}

	if _, dup := desc.byteEvents[guestPaddr]; dup {
		return fmt.Errorf("event registry: byte 0x%x already registered: %w", guestPaddr, ierr.Conflict)
	}
	if err := r.programMem(pageKey, vcpu, newMask); err != nil {
		return err
	}
	desc.byteEvents[guestPaddr] = &memRegistration{access: a, callback: cb}
	desc.mask = newMask
	return nil
}

func (r *eventRegistry) programMem(pageKey uint64, vcpu int, mask access.Mem) error {
	ev := driver.MemEvent{GuestPaddr: pageKey << pageShift, Granular: driver.GranularityPage, InAccess: toDriverMemAccess(mask)}
	if err := r.backend.SetMemAccess(ev, toDriverMemAccess(mask)); err != nil {
		return fmt.Errorf("event registry: program mem access 0x%x on page 0x%x: %w", mask, pageKey, err)
	}
	return nil
}

// clearMem is §4.5's "Clear flow": the new effective mask is the
// combination over every *remaining* registration on the page; on
// backend failure the removed byte entry is re-inserted so the
// descriptor ends the call consistent with the hypervisor.
func (r *eventRegistry) clearMem(guestPaddr uint64, granular driver.Granularity, vcpu int) error {
	pageKey := guestPaddr >> pageShift
	desc, exists := r.memEvents[pageKey]
	if !exists {
		return fmt.Errorf("event registry: no descriptor for page 0x%x: %w", pageKey, ierr.NotFound)
	}

	var removedByte *memRegistration
	if granular == driver.GranularityPage {
		if desc.pageEvent == nil {
			return fmt.Errorf("event registry: no page-level event on page 0x%x: %w", pageKey, ierr.NotFound)
		}
		saved := desc.pageEvent
		desc.pageEvent = nil
		newMask, err := desc.effectiveMask()
		if err != nil {
			desc.pageEvent = saved
			return fmt.Errorf("event registry: recompute mask for page 0x%x: %w", pageKey, err)
		}
		if err := r.programMem(pageKey, vcpu, newMask); err != nil {
			desc.pageEvent = saved
			return err
		}
		desc.mask = newMask
	} else {
		reg, ok := desc.byteEvents[guestPaddr]
		if !ok {
			return fmt.Errorf("event registry: no byte event at 0x%x: %w", guestPaddr, ierr.NotFound)
		}
		removedByte = reg
		delete(desc.byteEvents, guestPaddr)
		newMask, err := desc.effectiveMask()
		if err != nil {
			desc.byteEvents[guestPaddr] = removedByte
			return fmt.Errorf("event registry: recompute mask for page 0x%x: %w", pageKey, err)
		}
		if err := r.programMem(pageKey, vcpu, newMask); err != nil {
			desc.byteEvents[guestPaddr] = removedByte
			return err
		}
		desc.mask = newMask
	}

	if !r.shuttingDown && desc.pageEvent == nil && len(desc.byteEvents) == 0 {
		delete(r.memEvents, pageKey)
	}
	return nil
}

// deliver is the registry side of event delivery: for a raw backend
// event it finds the matching registration (byte-granularity preferred
// on a hit in both) and invokes the user callback.
func (r *eventRegistry) deliver(ev driver.RawEvent) {
	switch ev.Kind {
	case driver.RawEventMem:
		pageKey := ev.GuestPaddr >> pageShift
		desc, ok := r.memEvents[pageKey]
		if !ok {
			return
		}
		if byteReg, ok := desc.byteEvents[ev.GuestPaddr]; ok && byteReg.callback != nil {
			byteReg.callback(ev.GuestPaddr, fromDriverMemAccess(ev.Access), ev.VCPU)
			return
		}
		if desc.pageEvent != nil && desc.pageEvent.callback != nil {
			desc.pageEvent.callback(ev.GuestPaddr, fromDriverMemAccess(ev.Access), ev.VCPU)
		}
	case driver.RawEventReg:
		if reg, ok := r.regEvents[ev.Reg]; ok && reg.callback != nil {
			reg.callback(ev.Reg, ev.VCPU)
		}
	case driver.RawEventSingleStep:
		if ss, ok := r.ssEvents[ev.VCPU]; ok && ss.callback != nil {
			ss.callback(ev.VCPU)
		}
	}
}

// teardown walks all three tables clearing every entry, observing
// shuttingDown so the walk's own clear calls don't mutate the table
// being iterated; it guarantees the hypervisor returns to default
// access even if the caller forgot to clear events (§4.5 "Teardown").
func (r *eventRegistry) teardown() {
	r.shuttingDown = true

	for pageKey, desc := range r.memEvents {
		if desc.pageEvent != nil {
			_ = r.clearMem(pageKey<<pageShift, driver.GranularityPage, 0)
		}
		for addr := range desc.byteEvents {
			_ = r.clearMem(addr, driver.GranularityByte, 0)
		}
	}
	r.memEvents = make(map[uint64]*pageDescriptor)

	for reg := range r.regEvents {
		_ = r.clearReg(reg, 0)
	}
	r.regEvents = make(map[driver.Reg]*regRegistration)

	for vcpu := range r.ssEvents {
		_ = r.clearSingleStep(uint64(1) << uint(vcpu))
	}
	r.ssEvents = make(map[int]*ssRegistration)

	_ = r.backend.ShutdownSingleStep()
}
