// Package access models the access-control algebra shared by the memory
// and register event planes: a small bitmask with one non-composable
// sentinel (execute-on-write), plus the combiner the event registry uses
// to reconcile overlapping registrations on the same page.
package access

import "fmt"

// Mem is a memory-event access mode. The integer bitmask representation
// mirrors the hypervisor ABI, but XOnWrite is a distinct sentinel rather
// than another bit: it must never be OR'd together with anything.
type Mem uint8

const (
	MemNone    Mem = 0
	MemRead    Mem = 1 << 0
	MemWrite   Mem = 1 << 1
	MemExecute Mem = 1 << 2

	// MemExecuteOnWrite traps only when a page is both written and
	// executed. It cannot be combined with any other mode.
	MemExecuteOnWrite Mem = 1 << 7
)

func (m Mem) String() string {
	if m == MemNone {
		return "none"
	}
	if m == MemExecuteOnWrite {
		return "execute-on-write"
	}
	s := ""
	if m&MemRead != 0 {
		s += "r"
	}
	if m&MemWrite != 0 {
		s += "w"
	}
	if m&MemExecute != 0 {
		s += "x"
	}
	if s == "" {
		return fmt.Sprintf("mem(0x%x)", uint8(m))
	}
	return s
}

// ErrInvalidCombine is returned by Combine when the two modes cannot be
// reconciled (one of them is the execute-on-write sentinel and the other
// is neither equal nor none).
var ErrInvalidCombine = fmt.Errorf("access: invalid combination")

// Combine reconciles the currently effective mask on a page with an
// additional requested mode, per the rules of the event registry:
//  1. equal masks combine to themselves
//  2. none is the identity element
//  3. execute-on-write is incompatible with anything non-equal
//  4. otherwise the result is the bitwise union
func Combine(current, requested Mem) (Mem, error) {
	if current == requested {
		return current, nil
	}
	if current == MemNone {
		return requested, nil
	}
	if requested == MemNone {
		return current, nil
	}
	if current == MemExecuteOnWrite || requested == MemExecuteOnWrite {
		return 0, ErrInvalidCombine
	}
	return current | requested, nil
}

// Reg is a register-event access mode. Unlike Mem it has no incompatible
// sentinel: none/read/write combine by ordinary bitwise union.
type Reg uint8

const (
	RegNone  Reg = 0
	RegRead  Reg = 1 << 0
	RegWrite Reg = 1 << 1
)

func (r Reg) String() string {
	switch r {
	case RegNone:
		return "none"
	case RegRead:
		return "r"
	case RegWrite:
		return "w"
	case RegRead | RegWrite:
		return "rw"
	default:
		return fmt.Sprintf("reg(0x%x)", uint8(r))
	}
}
