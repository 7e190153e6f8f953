// Package driver defines the contract every memory-access backend
// implements: Xen, KVM (via QMP/GDB stub), and the flat snapshot file.
// The session dispatcher in package introspector talks only to this
// contract, never to a concrete backend.
package driver

import "fmt"

// Prot is the protection requested when mapping a guest frame into the
// introspector's address space.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
)

// Kind tags which concrete backend an instance was initialized against.
type Kind int

const (
	KindUnknown Kind = iota
	KindXen
	KindKVM
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindXen:
		return "xen"
	case KindKVM:
		return "kvm"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Frame is a host-addressable view of one guest physical page, returned
// by Backend.MapFrame. Callers MUST pair every successful MapFrame with
// exactly one ReleaseFrame.
type Frame struct {
	Ptr   []byte
	Prot  Prot
	PFN   uint64
}

// AddrWidth is the guest's address width in bytes: 4 for a 32-bit guest,
// 8 for a 64-bit guest.
type AddrWidth uint8

const (
	Width32 AddrWidth = 4
	Width64 AddrWidth = 8
)

// Backend is the contract every driver must implement. Every operation
// returns an error as its only failure channel — backends must not panic
// or abort on a guest-side fault; a failed map is an ordinary error the
// page cache propagates.
type Backend interface {
	Kind() Kind

	// Probe is a cheap feasibility test used by autodetect; it must not
	// mutate persistent state.
	Probe(idOrName string) error

	// Init opens backend handles and populates vCPU count, paravirt
	// flag, and address width on success.
	Init(idOrName string) (InitInfo, error)

	// Destroy releases every resource acquired by Init. Idempotent.
	Destroy() error

	MapFrame(pfn uint64, prot Prot) (Frame, error)
	ReleaseFrame(f Frame) error

	// Write may span pages; the backend slices internally (see §4.3 of
	// the spec for the per-slice contract).
	Write(guestPaddr uint64, buf []byte) error

	Name() string
	ID() string
	NameFromID(id string) (string, error)
	IDFromName(name string) (string, error)

	MemSize() (uint64, error)
	AddressWidth() (AddrWidth, error)

	GetVCPUReg(reg Reg, vcpu int) (uint64, error)
	SetVCPUReg(reg Reg, vcpu int, val uint64) error

	Pause() error
	Resume() error
}

// InitInfo is what Backend.Init reports back to the dispatcher.
type InitInfo struct {
	NumVCPUs   int
	Paravirt   bool
	AddrWidth  AddrWidth
	MemSize    uint64
	ResolvedID string
}

// RegEvent is a register-event registration (spec.md §3 "Register-event
// registration").
type RegEvent struct {
	Reg      Reg
	InAccess RegAccess
}

// MemEvent is the access requested for one key (page or byte) in the
// memory-event plane. InAccess uses the access.Mem bit values; it is
// declared locally to avoid import cycles between driver and access,
// re-exported by the access package's identical bit layout.
type MemEvent struct {
	GuestPaddr uint64
	Granular   Granularity
	InAccess   MemAccess
}

// Granularity selects page- or byte-level memory event registration.
type Granularity uint8

const (
	GranularityPage Granularity = iota
	GranularityByte
)

// MemAccess mirrors access.Mem's bit layout (package driver cannot import
// package access without creating a cycle through introspector; the two
// types are numerically identical and converted at the boundary).
type MemAccess uint8

const (
	MemAccessNone            MemAccess = 0
	MemAccessRead            MemAccess = 1 << 0
	MemAccessWrite           MemAccess = 1 << 1
	MemAccessExecute         MemAccess = 1 << 2
	MemAccessExecuteOnWrite  MemAccess = 1 << 7
)

// RegAccess mirrors access.Reg's bit layout, for the same reason.
type RegAccess uint8

const (
	RegAccessNone  RegAccess = 0
	RegAccessRead  RegAccess = 1 << 0
	RegAccessWrite RegAccess = 1 << 1
)

// SSEvent is a single-step registration: a bitset of target vCPUs.
type SSEvent struct {
	VCPUMask uint64
}

// EventBackend is the optional event plane. Backends that can't support
// events (the file backend and the KVM backend) simply don't implement
// it; the dispatcher type-asserts for it and returns
// ierr.Unsupported when the assertion fails.
type EventBackend interface {
	SetRegAccess(ev RegEvent, vcpu int) error
	SetMemAccess(ev MemEvent, effective MemAccess) error
	StartSingleStep(ev SSEvent) error
	StopSingleStep(vcpu int) error
	ShutdownSingleStep() error

	// EventsListen blocks at most timeoutMS (0 = non-blocking poll)
	// dispatching backend notifications to deliver. Ordering within one
	// call follows the backend's delivery order.
	EventsListen(timeoutMS int, deliver func(RawEvent)) error
}

// RawEvent is what a backend hands the event registry on a notification;
// the registry looks up the matching registration and invokes the user
// callback.
type RawEvent struct {
	Kind       RawEventKind
	GuestPaddr uint64 // for memory events
	Reg        Reg    // for register events
	VCPU       int
	Access     MemAccess // the access that triggered a memory event
}

type RawEventKind uint8

const (
	RawEventMem RawEventKind = iota
	RawEventReg
	RawEventSingleStep
)

// ErrBackend wraps a low-level backend error with the operation name,
// matching core_engine's "failed to X: %v" wrapping idiom.
func ErrBackend(op string, err error) error {
	return fmt.Errorf("driver: %s: %w", op, err)
}
