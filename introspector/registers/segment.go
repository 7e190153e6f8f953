// Package registers provides convenience views over the unified register
// enum for multi-field register groups that spec.md's one-register-at-a-time
// GetVCPUReg/SetVCPUReg contract exposes as four separate enum values.
package registers

import (
	"example.com/vmi-core/driver"
)

// regGetter is the slice of *introspector.Instance that segment reads
// need; kept as an interface so this package doesn't import introspector
// (which already imports driver, avoiding a cycle symmetric to
// introspector/convert.go's driver/access split).
type regGetter interface {
	GetVCPUReg(reg driver.Reg, vcpu int) (uint64, error)
}

type regSetter interface {
	SetVCPUReg(reg driver.Reg, vcpu int, val uint64) error
}

// Segment is one x86 segment register's full descriptor-cache view:
// selector, linear base, limit, and the packed access-rights byte, the
// same four-field shape core_engine/hypervisor/gdt.go's GDTEntry packs
// into a GDT descriptor, here unpacked the other direction — out of the
// four separate unified-enum register reads a backend answers.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Attr     uint8
}

// segRegs names which of the four RegXxxSel/Base/Limit/Attr enum values
// back one named segment register.
type segRegs struct {
	sel, base, limit, attr driver.Reg
}

var segmentTable = map[string]segRegs{
	"cs":  {driver.RegCSSel, driver.RegCSBase, driver.RegCSLimit, driver.RegCSAttr},
	"ds":  {driver.RegDSSel, driver.RegDSBase, driver.RegDSLimit, driver.RegDSAttr},
	"es":  {driver.RegESSel, driver.RegESBase, driver.RegESLimit, driver.RegESAttr},
	"fs":  {driver.RegFSSel, driver.RegFSBase, driver.RegFSLimit, driver.RegFSAttr},
	"gs":  {driver.RegGSSel, driver.RegGSBase, driver.RegGSLimit, driver.RegGSAttr},
	"ss":  {driver.RegSSSel, driver.RegSSBase, driver.RegSSLimit, driver.RegSSAttr},
	"tr":  {driver.RegTRSel, driver.RegTRBase, driver.RegTRLimit, driver.RegTRAttr},
	"ldt": {driver.RegLDTSel, driver.RegLDTBase, driver.RegLDTLimit, driver.RegLDTAttr},
}

// Read assembles one named segment register ("cs", "ds", "es", "fs",
// "gs", "ss", "tr", "ldt") out of four unified-enum reads. A backend that
// doesn't expose one of the four fields (e.g. the KVM GDB-stub path,
// which has only the selector) surfaces that field's ierr.Unsupported as-is
// rather than silently zeroing it.
func Read(inst regGetter, name string, vcpu int) (Segment, error) {
	fields, ok := segmentTable[name]
	if !ok {
		return Segment{}, unknownSegmentError(name)
	}

	sel, err := inst.GetVCPUReg(fields.sel, vcpu)
	if err != nil {
		return Segment{}, err
	}
	base, err := inst.GetVCPUReg(fields.base, vcpu)
	if err != nil {
		return Segment{}, err
	}
	limit, err := inst.GetVCPUReg(fields.limit, vcpu)
	if err != nil {
		return Segment{}, err
	}
	attr, err := inst.GetVCPUReg(fields.attr, vcpu)
	if err != nil {
		return Segment{}, err
	}

	return Segment{
		Selector: uint16(sel),
		Base:     base,
		Limit:    uint32(limit),
		Attr:     uint8(attr),
	}, nil
}

// Write is the inverse of Read: it issues one SetVCPUReg per field, in
// selector/base/limit/attr order, stopping at the first failure (the
// backend may have already applied earlier fields — per Design Note (a),
// this library does not roll back partial multi-field writes).
func Write(inst regSetter, name string, vcpu int, seg Segment) error {
	fields, ok := segmentTable[name]
	if !ok {
		return unknownSegmentError(name)
	}

	if err := inst.SetVCPUReg(fields.sel, vcpu, uint64(seg.Selector)); err != nil {
		return err
	}
	if err := inst.SetVCPUReg(fields.base, vcpu, seg.Base); err != nil {
		return err
	}
	if err := inst.SetVCPUReg(fields.limit, vcpu, uint64(seg.Limit)); err != nil {
		return err
	}
	return inst.SetVCPUReg(fields.attr, vcpu, uint64(seg.Attr))
}

// PackAttr folds the access-rights sub-fields (type, S, DPL, P) into the
// single byte the unified enum's RegXxxAttr values carry, using the same
// bit positions core_engine/hypervisor/gdt.go's NewGDTEntry packs into a
// GDT descriptor's access byte: type in bits 0-3, S in bit 4, DPL in bits
// 5-6, P in bit 7. The G/D-B/L/AVL nibble GDTEntry packs separately
// (its LimitHigh upper nibble) has no home here: Xen's and VMX's
// segment-cache "arbytes" field the unified enum's RegXxxAttr reads from
// is the one-byte access-rights form, not the two-byte GDT descriptor
// tail, so there is nowhere in a single attr byte for those four bits to
// live.
func PackAttr(segType uint8, s, dpl, p uint8) uint8 {
	attr := segType & 0x0F
	attr |= (s & 0x1) << 4
	attr |= (dpl & 0x3) << 5
	attr |= (p & 0x1) << 7
	return attr
}

// UnpackAttr is PackAttr's inverse, splitting one RegXxxAttr byte back
// into its type/S/DPL/P sub-fields.
func UnpackAttr(attr uint8) (segType, s, dpl, p uint8) {
	segType = attr & 0x0F
	s = (attr >> 4) & 0x1
	dpl = (attr >> 5) & 0x3
	p = (attr >> 7) & 0x1
	return
}

type unknownSegmentError string

func (e unknownSegmentError) Error() string {
	return "registers: unknown segment register " + string(e)
}
