//go:build linux

// Package introspector is the session-facing core: it selects a backend
// at initialization, routes read/write calls through the page cache,
// and owns the event registry (spec.md §2 "Session/dispatcher").
package introspector

import (
	"fmt"
	"log"

	"example.com/vmi-core/driver"
	"example.com/vmi-core/driver/file"
	"example.com/vmi-core/driver/kvm"
	"example.com/vmi-core/driver/xen"
	"example.com/vmi-core/internal/ierr"
	"example.com/vmi-core/internal/ilog"
)

// AccessMode selects which backend Init talks to.
type AccessMode int

const (
	AccessAuto AccessMode = iota
	AccessXen
	AccessKVM
	AccessFile
)

// InitFlags is a bitset of {partial, full, events}, mirroring spec.md
// §4.1's init-mode flag set.
type InitFlags uint8

const (
	InitPartial InitFlags = 1 << 0 // bring up memory access only
	InitFull    InitFlags = 1 << 1 // also introspect guest OS
	InitEvents  InitFlags = 1 << 2 // enable event delivery
)

// OSFamily is the detected guest operating system.
type OSFamily int

const (
	OSNone OSFamily = iota
	OSLinux
	OSWindows
)

// Config bundles the per-backend configuration an Instance needs at
// Init time. FileWritable and the KVM sub-config are only consulted
// for the matching AccessMode (or during autodetect probing); the Xen
// backend takes no configuration.
type Config struct {
	Mode         AccessMode
	Flags        InitFlags
	FileWritable bool
	KVM          kvm.Config
	CacheSoftCap int // 0 = unbounded; file backend defaults to 0 regardless
	Debug        bool
}

// Instance is the opaque per-session handle (spec.md §3 "Introspector
// instance"). All calls on one Instance must be serialized by the
// caller — the core does no internal locking (§5).
type Instance struct {
	backend      driver.Backend
	kind         driver.Kind
	cache        *pageCache
	events       *eventRegistry
	log          ilog.Sink

	partial      bool
	eventsOn     bool
	addrWidth    driver.AddrWidth
	pageBits     uint
	memSize      uint64
	numVCPUs     int
	paravirt     bool
	osFamily     OSFamily
	offsets      *OffsetTable
	shuttingDown bool
}

// New resolves idOrName against the requested (or autodetected) backend
// and brings the instance up to the level InitFlags requests. On any
// partial failure the partially-initialized state is torn down before
// returning (spec.md §4.1).
func New(idOrName string, cfg Config) (*Instance, error) {
	inst := &Instance{
		partial: cfg.Flags&InitFull == 0,
		pageBits: pageShift,
	}
	if cfg.Debug {
		inst.log = ilog.New(func(msg string) { log.Println(msg) })
	} else {
		inst.log = ilog.New(nil)
	}

	backend, kind, err := selectBackend(idOrName, cfg)
	if err != nil {
		return nil, err
	}
	inst.backend = backend
	inst.kind = kind

	info, err := backend.Init(idOrName)
	if err != nil {
		return nil, fmt.Errorf("introspector: init %s backend: %w", kind, err)
	}
	inst.numVCPUs = info.NumVCPUs
	inst.paravirt = info.Paravirt
	inst.addrWidth = info.AddrWidth
	inst.memSize = info.MemSize

	softCap := cfg.CacheSoftCap
	if kind == driver.KindFile {
		softCap = 0
	}
	inst.cache = newPageCache(backend, softCap, inst.pageBits, cfg.Debug)

	if cfg.Flags&InitEvents != 0 {
		eb, ok := backend.(driver.EventBackend)
		if !ok {
			backend.Destroy()
			return nil, fmt.Errorf("introspector: %s backend has no event plane: %w", kind, ierr.Unsupported)
		}
		inst.events = newEventRegistry(eb)
		inst.eventsOn = true
	}

	inst.log.Printf("introspector: initialized %s backend, %d vcpus, %d-bit, %d bytes ram", kind, info.NumVCPUs, info.AddrWidth*8, info.MemSize)
	return inst, nil
}

// selectBackend resolves cfg.Mode to a concrete driver.Backend,
// autodetecting (Xen, then KVM, then file, spec.md §5.1 supplement) when
// AccessAuto is requested.
func selectBackend(idOrName string, cfg Config) (driver.Backend, driver.Kind, error) {
	switch cfg.Mode {
	case AccessXen:
		return xen.New(), driver.KindXen, nil
	case AccessKVM:
		return kvm.New(cfg.KVM), driver.KindKVM, nil
	case AccessFile:
		return file.New(idOrName, cfg.FileWritable), driver.KindFile, nil
	case AccessAuto:
		candidates := []struct {
			kind driver.Kind
			b    driver.Backend
		}{
			{driver.KindXen, xen.New()},
			{driver.KindKVM, kvm.New(cfg.KVM)},
			{driver.KindFile, file.New(idOrName, cfg.FileWritable)},
		}
		for _, c := range candidates {
			if err := c.b.Probe(idOrName); err == nil {
				return c.b, c.kind, nil
			}
		}
		return nil, driver.KindUnknown, fmt.Errorf("introspector: no compiled-in backend could open %q: %w", idOrName, ierr.InitFailure)
	default:
		return nil, driver.KindUnknown, fmt.Errorf("introspector: unknown access mode %d: %w", cfg.Mode, ierr.Unsupported)
	}
}

// Destroy tears down the instance: sets shuttingDown, drains the event
// registry, flushes the cache, then closes the backend. Idempotent.
func (inst *Instance) Destroy() error {
	if inst.shuttingDown {
		return nil
	}
	inst.shuttingDown = true

	if inst.events != nil {
		inst.events.teardown()
	}

	var firstErr error
	if inst.cache != nil {
		if err := inst.cache.flush(); err != nil {
			firstErr = err
		}
	}
	if err := inst.backend.Destroy(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("introspector: destroy %s backend: %w", inst.kind, err)
	}
	return firstErr
}

// Pause stops the guest. Callers MUST pause before SetVCPUReg to avoid
// racing the running guest (spec.md §4.2, §5).
func (inst *Instance) Pause() error { return inst.backend.Pause() }

// Resume unpauses the guest.
func (inst *Instance) Resume() error { return inst.backend.Resume() }

// Kind reports which backend this instance was initialized against.
func (inst *Instance) Kind() driver.Kind { return inst.kind }

// MemSize reports the guest's total physical memory in bytes.
func (inst *Instance) MemSize() uint64 { return inst.memSize }

// NumVCPUs reports the guest's vCPU count.
func (inst *Instance) NumVCPUs() int { return inst.numVCPUs }

// AddressWidth reports the guest's address width in bytes (4 or 8).
func (inst *Instance) AddressWidth() driver.AddrWidth { return inst.addrWidth }

// Paravirt reports whether the guest is paravirtualized rather than
// hardware-virtualized.
func (inst *Instance) Paravirt() bool { return inst.paravirt }

// OSFamily reports the detected guest OS family, or OSNone if no
// collaborator has called SetOSOffsets yet.
func (inst *Instance) OSFamily() OSFamily { return inst.osFamily }
