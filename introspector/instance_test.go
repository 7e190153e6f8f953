//go:build linux

package introspector

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"example.com/vmi-core/driver"
)

// TestSnapshotReadPA is scenario S1: a 16MiB file-backed dump, read 16
// bytes at 0x1000 and compare against the dump's own contents.
func TestSnapshotReadPA(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.raw")

	dump := make([]byte, 16<<20)
	rand.New(rand.NewSource(1)).Read(dump)
	if err := os.WriteFile(path, dump, 0o644); err != nil {
		t.Fatalf("write dump: %v", err)
	}

	inst, err := New(path, Config{Mode: AccessFile})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer inst.Destroy()

	got, err := inst.ReadPA(0x1000, 16)
	if err != nil {
		t.Fatalf("ReadPA: %v", err)
	}
	want := dump[0x1000 : 0x1000+16]
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadPA mismatch: got %x want %x", got, want)
	}
}

// TestRegisterRoundTrip is scenario S3, exercised against the mock
// backend standing in for a paused hardware-virt guest.
func TestRegisterRoundTrip(t *testing.T) {
	inst, _ := newTestInstance(t)

	const want = uint64(0xDEAD_BEEF_0000_1000)
	if err := inst.SetVCPUReg(driver.RegRIP, 0, want); err != nil {
		t.Fatalf("SetVCPUReg: %v", err)
	}
	got, err := inst.GetVCPUReg(driver.RegRIP, 0)
	if err != nil {
		t.Fatalf("GetVCPUReg: %v", err)
	}
	if got != want {
		t.Fatalf("GetVCPUReg = 0x%x, want 0x%x", got, want)
	}
}

// TestWritePACrossingPageBoundary is boundary behavior 8.
func TestWritePACrossingPageBoundary(t *testing.T) {
	inst, backend := newTestInstance(t)

	addr := uint64(4096 - 4)
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := inst.WritePA(addr, buf); err != nil {
		t.Fatalf("WritePA: %v", err)
	}

	ensurePage(backend, 0)
	ensurePage(backend, 4096)
	tailOfPage0 := backend.mem[0][4092:4096]
	headOfPage1 := backend.mem[1][0:4]

	if !bytes.Equal(tailOfPage0, buf[:4]) {
		t.Fatalf("page 0 tail = %v, want %v", tailOfPage0, buf[:4])
	}
	if !bytes.Equal(headOfPage1, buf[4:]) {
		t.Fatalf("page 1 head = %v, want %v", headOfPage1, buf[4:])
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.raw")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("write dump: %v", err)
	}

	inst, err := New(path, Config{Mode: AccessFile})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := inst.Destroy(); err != nil {
		t.Fatalf("first Destroy: %v", err)
	}
	if err := inst.Destroy(); err != nil {
		t.Fatalf("second Destroy must be a no-op, got: %v", err)
	}
}
