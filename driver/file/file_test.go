package file_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"example.com/vmi-core/driver"
	"example.com/vmi-core/driver/file"
)

func TestMapFrameReturnsDumpContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.raw")
	dump := bytes.Repeat([]byte{0xAB}, 8192)
	copy(dump[4096:4096+4], []byte{1, 2, 3, 4})
	if err := os.WriteFile(path, dump, 0o644); err != nil {
		t.Fatalf("write dump: %v", err)
	}

	b := file.New(path, false)
	if _, err := b.Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer b.Destroy()

	frame, err := b.MapFrame(1, driver.ProtRead)
	if err != nil {
		t.Fatalf("MapFrame: %v", err)
	}
	if !bytes.Equal(frame.Ptr[:4], []byte{1, 2, 3, 4}) {
		t.Fatalf("frame contents = %v, want [1 2 3 4 ...]", frame.Ptr[:4])
	}
}

func TestWriteRejectedOnReadOnlySnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.raw")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("write dump: %v", err)
	}

	b := file.New(path, false)
	if _, err := b.Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer b.Destroy()

	if err := b.Write(0, []byte{1}); err == nil {
		t.Fatalf("expected write to a read-only snapshot to fail")
	}
}

func TestWritableSnapshotRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.raw")
	if err := os.WriteFile(path, make([]byte, 4096), 0o644); err != nil {
		t.Fatalf("write dump: %v", err)
	}

	b := file.New(path, true)
	if _, err := b.Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer b.Destroy()

	if err := b.Write(100, []byte{9, 9, 9}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	frame, err := b.MapFrame(0, driver.ProtRead)
	if err != nil {
		t.Fatalf("MapFrame: %v", err)
	}
	if !bytes.Equal(frame.Ptr[100:103], []byte{9, 9, 9}) {
		t.Fatalf("written bytes not visible through MapFrame: %v", frame.Ptr[100:103])
	}
}

func TestProbeRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.raw")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty dump: %v", err)
	}

	b := file.New(path, false)
	if err := b.Probe(path); err == nil {
		t.Fatalf("expected Probe to reject an empty snapshot")
	}
}
