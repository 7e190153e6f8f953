//go:build linux

package xen

/*
#include <stdlib.h>
#include <xenstore.h>
*/
import "C"

import (
	"fmt"
	"strconv"
	"unsafe"

	"example.com/vmi-core/internal/ierr"
)

// domainNamePath is the xenstore key every domain publishes its name
// under (spec.md §4.3 "Xenstore resolution").
func domainNamePath(domid uint32) string {
	return fmt.Sprintf("/local/domain/%d/name", domid)
}

const maxNameBytes = 100

func parseDomID(id string) (uint32, error) {
	v, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("xen: %q is not a numeric domain id: %w", id, ierr.InitFailure)
	}
	return uint32(v), nil
}

// resolveDomID accepts either a numeric domain id or a domain name and
// always returns a numeric id, resolving names via xenstore.
func resolveDomID(idOrName string) (uint32, error) {
	if v, err := strconv.ParseUint(idOrName, 10, 32); err == nil {
		return uint32(v), nil
	}
	return xenstoreFindID(idOrName)
}

// xenstoreReadName does the single read id -> name.
func xenstoreReadName(domid uint32) (string, error) {
	xs := C.xs_open(0)
	if xs == nil {
		return "", fmt.Errorf("xen: xs_open failed: %w", ierr.InitFailure)
	}
	defer C.xs_close(xs)

	path := C.CString(domainNamePath(domid))
	defer C.free(unsafe.Pointer(path))

	var length C.uint
	data := C.xs_read(xs, nil, path, &length)
	if data == nil {
		return "", fmt.Errorf("xen: no name for domain %d: %w", domid, ierr.NotFound)
	}
	defer C.free(data)

	name := C.GoStringN((*C.char)(data), C.int(length))
	if len(name) > maxNameBytes {
		name = name[:maxNameBytes]
	}
	return name, nil
}

// xenstoreFindID iterates the domain directory and compares up to
// maxNameBytes of each domain's published name, per spec.md §4.3.
func xenstoreFindID(name string) (uint32, error) {
	xs := C.xs_open(0)
	if xs == nil {
		return 0, fmt.Errorf("xen: xs_open failed: %w", ierr.InitFailure)
	}
	defer C.xs_close(xs)

	base := C.CString("/local/domain")
	defer C.free(unsafe.Pointer(base))

	var n C.uint
	entries := C.xs_directory(xs, nil, base, &n)
	if entries == nil {
		return 0, fmt.Errorf("xen: xs_directory failed: %w", ierr.InitFailure)
	}
	defer C.free(unsafe.Pointer(entries))

	target := name
	if len(target) > maxNameBytes {
		target = target[:maxNameBytes]
	}

	entrySlice := unsafe.Slice(entries, int(n))
	for _, e := range entrySlice {
		idStr := C.GoString(e)
		domid, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		got, err := xenstoreReadNameOn(xs, uint32(domid))
		if err != nil {
			continue
		}
		if len(got) > maxNameBytes {
			got = got[:maxNameBytes]
		}
		if got == target {
			return uint32(domid), nil
		}
	}
	return 0, fmt.Errorf("xen: no domain named %q: %w", name, ierr.NotFound)
}

// xenstoreReadNameOn reuses an already-open xenstore handle, used by the
// directory scan so it doesn't reopen xenstore per candidate domain.
func xenstoreReadNameOn(xs *C.struct_xs_handle, domid uint32) (string, error) {
	path := C.CString(domainNamePath(domid))
	defer C.free(unsafe.Pointer(path))

	var length C.uint
	data := C.xs_read(xs, nil, path, &length)
	if data == nil {
		return "", fmt.Errorf("xen: no name for domain %d: %w", domid, ierr.NotFound)
	}
	defer C.free(data)
	return C.GoStringN((*C.char)(data), C.int(length)), nil
}
