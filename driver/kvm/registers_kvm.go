package kvm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"example.com/vmi-core/driver"
	"example.com/vmi-core/internal/ierr"
)

const eferLMABit = 1 << 8

// discoverAddressWidth mirrors the Xen backend's EFER.LMA check
// (spec.md §4.3) using whichever register path is live.
func (b *Backend) discoverAddressWidth() (driver.AddrWidth, error) {
	efer, err := b.getVCPURegMonitor(driver.RegMSREFER, 0)
	if err != nil {
		// GDB path doesn't expose MSRs at all; assume 64-bit long mode,
		// the common case for a modern QEMU target.
		if b.gdb != nil {
			return driver.Width64, nil
		}
		return 0, err
	}
	if efer&eferLMABit != 0 {
		return driver.Width64, nil
	}
	return driver.Width32, nil
}

// gdbFieldNames maps the unified enum to the GDB remote protocol's
// register blob field names (see gdbRegOffsets); only the GPR/RIP/RFLAGS
// /segment-selector subset is available over this transport.
var gdbFieldNames = map[driver.Reg]string{
	driver.RegRAX: "rax", driver.RegRBX: "rbx", driver.RegRCX: "rcx", driver.RegRDX: "rdx",
	driver.RegRSI: "rsi", driver.RegRDI: "rdi", driver.RegRSP: "rsp", driver.RegRBP: "rbp",
	driver.RegR8: "r8", driver.RegR9: "r9", driver.RegR10: "r10", driver.RegR11: "r11",
	driver.RegR12: "r12", driver.RegR13: "r13", driver.RegR14: "r14", driver.RegR15: "r15",
	driver.RegRIP: "rip", driver.RegRFLAGS: "eflags",
	driver.RegCSSel: "cs_sel", driver.RegSSSel: "ss_sel", driver.RegDSSel: "ds_sel",
	driver.RegESSel: "es_sel", driver.RegFSSel: "fs_sel", driver.RegGSSel: "gs_sel",
}

// hmpRegNames maps the enum to "info registers"' field labels for the
// QMP/HMP path, which additionally exposes control registers and EFER.
var hmpRegNames = map[driver.Reg]string{
	driver.RegRAX: "RAX", driver.RegRBX: "RBX", driver.RegRCX: "RCX", driver.RegRDX: "RDX",
	driver.RegRSI: "RSI", driver.RegRDI: "RDI", driver.RegRSP: "RSP", driver.RegRBP: "RBP",
	driver.RegR8: "R8", driver.RegR9: "R9", driver.RegR10: "R10", driver.RegR11: "R11",
	driver.RegR12: "R12", driver.RegR13: "R13", driver.RegR14: "R14", driver.RegR15: "R15",
	driver.RegRIP: "RIP", driver.RegRFLAGS: "RFL",
	driver.RegCR0: "CR0", driver.RegCR2: "CR2", driver.RegCR3: "CR3", driver.RegCR4: "CR4",
	driver.RegMSREFER: "EFER",
}

var hmpRegexCache = map[string]*regexp.Regexp{}

func hmpFieldRegex(name string) *regexp.Regexp {
	if re, ok := hmpRegexCache[name]; ok {
		return re
	}
	re := regexp.MustCompile(name + `=([0-9a-fA-F]+)`)
	hmpRegexCache[name] = re
	return re
}

func (b *Backend) getVCPURegMonitor(reg driver.Reg, vcpu int) (uint64, error) {
	name, ok := hmpRegNames[reg]
	if !ok {
		return 0, fmt.Errorf("kvm: register %s not in monitor subset: %w", reg, ierr.Unsupported)
	}
	reply, err := b.qmp.humanMonitorCommand(fmt.Sprintf("info registers %d", vcpu))
	if err != nil {
		return 0, fmt.Errorf("kvm: info registers: %w", err)
	}
	m := hmpFieldRegex(name).FindStringSubmatch(reply)
	if m == nil {
		return 0, fmt.Errorf("kvm: register %s not found in monitor reply: %w", reg, ierr.AccessFailure)
	}
	v, err := strconv.ParseUint(m[1], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("kvm: parse %s value %q: %w", reg, m[1], err)
	}
	return v, nil
}

// GetVCPUReg reads reg on the currently active transport: the GDB stub
// for the GPR/segment-selector subset, the monitor's "info registers"
// otherwise (spec.md §4.7's backend-specific rule: unsupported registers
// fail cleanly rather than returning a bogus zero).
func (b *Backend) GetVCPUReg(reg driver.Reg, vcpu int) (uint64, error) {
	if b.gdb != nil {
		if name, ok := gdbFieldNames[reg]; ok {
			regs, err := b.gdb.readGeneralRegs()
			if err != nil {
				return 0, err
			}
			v, ok := regs[name]
			if !ok {
				return 0, fmt.Errorf("kvm: register %s missing from gdbstub reply: %w", reg, ierr.AccessFailure)
			}
			return v, nil
		}
		return 0, fmt.Errorf("kvm: register %s not supported over gdbstub: %w", reg, ierr.Unsupported)
	}
	return b.getVCPURegMonitor(reg, vcpu)
}

// SetVCPUReg on the GDB stub requires the full round trip: the 'G'
// packet has no partial-set form, so the whole blob is read, patched and
// written back. The monitor path can set only RIP, via a single
// register_set command; every other register fails as unsupported.
func (b *Backend) SetVCPUReg(reg driver.Reg, vcpu int, val uint64) error {
	if b.gdb != nil {
		name, ok := gdbFieldNames[reg]
		if !ok {
			return fmt.Errorf("kvm: register %s not supported over gdbstub: %w", reg, ierr.Unsupported)
		}
		return b.gdb.writeGeneralRegs(map[string]uint64{name: val})
	}

	name, ok := hmpRegNames[reg]
	if !ok {
		return fmt.Errorf("kvm: register %s not in monitor subset: %w", reg, ierr.Unsupported)
	}
	// QEMU's HMP has no generic register-set command for most fields;
	// only a handful (notably the program counter) are settable via
	// "register_set" in a patched monitor. We expose what the patch
	// supports and fail cleanly otherwise.
	if !strings.EqualFold(name, "RIP") {
		return fmt.Errorf("kvm: register %s is read-only over the monitor path: %w", reg, ierr.Unsupported)
	}
	_, err := b.qmp.humanMonitorCommand(fmt.Sprintf("register_set rip %#x %d", val, vcpu))
	if err != nil {
		return fmt.Errorf("kvm: register_set rip: %w", err)
	}
	return nil
}
