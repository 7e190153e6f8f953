package registers_test

import (
	"testing"

	"example.com/vmi-core/driver"
	"example.com/vmi-core/introspector/registers"
)

type fakeRegs struct {
	vals map[driver.Reg]uint64
}

func newFakeRegs() *fakeRegs { return &fakeRegs{vals: make(map[driver.Reg]uint64)} }

func (f *fakeRegs) GetVCPUReg(reg driver.Reg, vcpu int) (uint64, error) {
	return f.vals[reg], nil
}

func (f *fakeRegs) SetVCPUReg(reg driver.Reg, vcpu int, val uint64) error {
	f.vals[reg] = val
	return nil
}

func TestReadWriteSegmentRoundTrip(t *testing.T) {
	regs := newFakeRegs()
	want := registers.Segment{Selector: 0x10, Base: 0xfffff80000000000, Limit: 0xFFFFFFFF, Attr: 0x9B}

	if err := registers.Write(regs, "cs", 0, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := registers.Read(regs, "cs", 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadUnknownSegmentFails(t *testing.T) {
	regs := newFakeRegs()
	if _, err := registers.Read(regs, "bogus", 0); err == nil {
		t.Fatalf("expected an error for an unknown segment name")
	}
}

func TestPackUnpackAttrRoundTrip(t *testing.T) {
	attr := registers.PackAttr(0xB /* code, execute/read */, 1, 0, 1)
	segType, s, dpl, p := registers.UnpackAttr(attr)
	if segType != 0xB || s != 1 || dpl != 0 || p != 1 {
		t.Fatalf("UnpackAttr(%#x) = (%d,%d,%d,%d), want (0xB,1,0,1)", attr, segType, s, dpl, p)
	}
}
