//go:build linux

package introspector

import (
	"fmt"
	"time"

	"example.com/vmi-core/access"
	"example.com/vmi-core/driver"
	"example.com/vmi-core/internal/ierr"
	"example.com/vmi-core/introspector/registers"
)

// AddrSpace names a guest kernel space or a specific process's address
// space (spec.md §4.6's "virtual-in-kernel" / "virtual-in-process-<pid>").
// ReadVA and WriteVA accept it but do not consult it: translation uses
// only the asid they are given, and no PID is resolved to a page-table
// root.
type AddrSpace struct {
	Kernel bool
	PID    int
}

// ReadPA reads length bytes of guest physical memory starting at addr,
// going through the page cache and slicing across page boundaries.
func (inst *Instance) ReadPA(addr uint64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	remaining := length
	cur := addr
	for remaining > 0 {
		offset := int(cur & 0xFFF)
		chunk := 4096 - offset
		if chunk > remaining {
			chunk = remaining
		}
		page, err := inst.cache.insert(cur, driver.ProtRead)
		if err != nil {
			return nil, fmt.Errorf("introspector: read_pa 0x%x: %w", cur, err)
		}
		out = append(out, page[offset:offset+chunk]...)
		cur += uint64(chunk)
		remaining -= chunk
	}
	return out, nil
}

// WritePA writes buf to guest physical memory starting at addr. It
// delegates to the backend's own page-slicing Write (spec.md §4.3): a
// failure on a later page is not rolled back on earlier pages (Design
// Note §9(a), "write is not atomic across pages").
func (inst *Instance) WritePA(addr uint64, buf []byte) error {
	if err := inst.backend.Write(addr, buf); err != nil {
		return fmt.Errorf("introspector: write_pa 0x%x: %w", addr, err)
	}
	return nil
}

// ReadVA translates vaddr under the supplied page-table root (asid) and
// mode, then reads length bytes starting there; space is not used.
// Translation failures surface as ierr.NotFound per Translate's contract.
func (inst *Instance) ReadVA(mode PageMode, asid, vaddr uint64, length int, space AddrSpace) ([]byte, error) {
	paddr, err := inst.Translate(mode, asid, vaddr)
	if err != nil {
		return nil, err
	}
	return inst.ReadPA(paddr, length)
}

// WriteVA is ReadVA's write counterpart.
func (inst *Instance) WriteVA(mode PageMode, asid, vaddr uint64, buf []byte, space AddrSpace) error {
	paddr, err := inst.Translate(mode, asid, vaddr)
	if err != nil {
		return err
	}
	return inst.WritePA(paddr, buf)
}

// GetVCPUReg reads a unified register value from vcpu, bypassing the
// page cache (spec.md §4.1 "register and event calls bypass the
// cache").
func (inst *Instance) GetVCPUReg(reg driver.Reg, vcpu int) (uint64, error) {
	v, err := inst.backend.GetVCPUReg(reg, vcpu)
	if err != nil {
		return 0, fmt.Errorf("introspector: get_vcpureg %s: %w", reg, err)
	}
	return v, nil
}

// SetVCPUReg writes a unified register value on vcpu. Callers MUST pause
// the VM first (spec.md §5) — the core does not check this for them.
func (inst *Instance) SetVCPUReg(reg driver.Reg, vcpu int, val uint64) error {
	if err := inst.backend.SetVCPUReg(reg, vcpu, val); err != nil {
		return fmt.Errorf("introspector: set_vcpureg %s: %w", reg, err)
	}
	return nil
}

// ReadSegment assembles one named segment register ("cs", "ds", "es",
// "fs", "gs", "ss", "tr", "ldt") out of its four constituent unified-enum
// registers.
func (inst *Instance) ReadSegment(name string, vcpu int) (registers.Segment, error) {
	return registers.Read(inst, name, vcpu)
}

// WriteSegment is ReadSegment's write counterpart; see
// registers.Write for its partial-failure semantics.
func (inst *Instance) WriteSegment(name string, vcpu int, seg registers.Segment) error {
	return registers.Write(inst, name, vcpu, seg)
}

func (inst *Instance) requireEvents() error {
	if inst.events == nil {
		return fmt.Errorf("introspector: events not enabled on this instance: %w", ierr.Unsupported)
	}
	return nil
}

// RegisterMemEvent registers a memory event at the given granularity
// and physical address, invoking cb on every matching notification
// delivered by EventsListen.
func (inst *Instance) RegisterMemEvent(guestPaddr uint64, granular driver.Granularity, a access.Mem, vcpu int, cb MemCallback) error {
	if err := inst.requireEvents(); err != nil {
		return err
	}
	return inst.events.registerMem(guestPaddr, granular, a, vcpu, cb)
}

// ClearMemEvent removes a previously registered memory event.
func (inst *Instance) ClearMemEvent(guestPaddr uint64, granular driver.Granularity, vcpu int) error {
	if err := inst.requireEvents(); err != nil {
		return err
	}
	return inst.events.clearMem(guestPaddr, granular, vcpu)
}

// RegisterRegEvent registers a register event.
func (inst *Instance) RegisterRegEvent(reg driver.Reg, a access.Reg, vcpu int, cb RegCallback) error {
	if err := inst.requireEvents(); err != nil {
		return err
	}
	return inst.events.registerReg(reg, a, vcpu, cb)
}

// ClearRegEvent removes a previously registered register event.
func (inst *Instance) ClearRegEvent(reg driver.Reg, vcpu int) error {
	if err := inst.requireEvents(); err != nil {
		return err
	}
	return inst.events.clearReg(reg, vcpu)
}

// RegisterSingleStep arms single-stepping on every vCPU set in mask.
func (inst *Instance) RegisterSingleStep(mask uint64, cb SSCallback) error {
	if err := inst.requireEvents(); err != nil {
		return err
	}
	return inst.events.registerSingleStep(mask, cb)
}

// ClearSingleStep disarms single-stepping on every vCPU set in mask.
func (inst *Instance) ClearSingleStep(mask uint64) error {
	if err := inst.requireEvents(); err != nil {
		return err
	}
	return inst.events.clearSingleStep(mask)
}

// EventsListen blocks at most timeoutMS (0 = a single non-blocking poll)
// dispatching backend notifications to their registered callbacks. It
// uses the same ticker-plus-select shape core_engine's VCPU run loop
// uses to bound a wait without spinning, rather than a bare blocking
// call with no way to honor the timeout on a backend whose event
// channel can't be select'd on directly.
func (inst *Instance) EventsListen(timeoutMS int) error {
	if err := inst.requireEvents(); err != nil {
		return err
	}

	if timeoutMS <= 0 {
		return inst.events.backend.EventsListen(0, inst.events.deliver)
	}

	deadline := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if err := inst.events.backend.EventsListen(0, inst.events.deliver); err != nil {
				return fmt.Errorf("introspector: events_listen: %w", err)
			}
		}
	}
}
