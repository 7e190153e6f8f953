//go:build linux

package introspector

import "example.com/vmi-core/internal/ierr"

// OffsetTable is the per-OS struct-offset knowledge an external
// collaborator (process-list traversal, symbol lookup) needs; the core
// only stores and freezes it (spec.md §3's invariant: "once the OS is
// detected, offsets are frozen for the lifetime of the instance unless
// explicitly re-detected").
type OffsetTable struct {
	LinuxTasks uint64
	LinuxMM    uint64
	LinuxName  uint64
	LinuxPID   uint64
	LinuxPGD   uint64
	LinuxAddr  uint64

	WinNtoskrnl uint64
	WinTasks    uint64
	WinPdbase   uint64
	WinPID      uint64
	WinPeb      uint64
	WinIba      uint64
	WinPh       uint64
	WinPname    uint64
	WinKdvb     uint64
	WinSysproc  uint64
}

// SetOSOffsets is called once by the OS-detection collaborator after it
// has identified the guest family and read its offsets from a Profile
// (package config). Calling it again re-detects, which the data-model
// invariant allows only when the caller explicitly asks for it.
func (inst *Instance) SetOSOffsets(family OSFamily, offsets OffsetTable) {
	inst.osFamily = family
	inst.offsets = &offsets
}

// OSOffsets returns the frozen offset table, or an error if no
// collaborator has called SetOSOffsets yet.
func (inst *Instance) OSOffsets() (OffsetTable, error) {
	if inst.offsets == nil {
		return OffsetTable{}, ierr.NotFound
	}
	return *inst.offsets, nil
}
