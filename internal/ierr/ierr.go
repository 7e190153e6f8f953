// Package ierr names the error taxonomy every public call in vmi-core
// surfaces, per the core's "two-valued status, no hidden control flow"
// contract. Callers compare with errors.Is; call sites wrap a sentinel
// with context via fmt.Errorf("...: %w", ierr.X) the way core_engine
// wraps syscall errno values.
package ierr

import "errors"

var (
	// InitFailure: bad id/name, or the backend could not be reached.
	InitFailure = errors.New("init failure")

	// Unsupported: the backend does not implement the requested
	// operation, or the register is outside the backend's subset.
	Unsupported = errors.New("unsupported")

	// AccessFailure: a frame mapping or register fetch/set was denied
	// by the backend.
	AccessFailure = errors.New("access failure")

	// Conflict: an event is already registered at that key, or an
	// access-mode combination is invalid (see access.ErrInvalidCombine).
	Conflict = errors.New("conflict")

	// NotFound: clear was requested on a key with no live registration.
	NotFound = errors.New("not found")
)
