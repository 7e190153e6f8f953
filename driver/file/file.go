// Package file implements the driver.Backend contract over a flat
// physical-memory snapshot: the dump is mmap'd once and every guest
// physical address is just an offset into that mapping.
package file

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"example.com/vmi-core/driver"
	"example.com/vmi-core/internal/ierr"
)

// Backend is the driver.Backend for an offline snapshot file. Unlike Xen
// or KVM it supports no registers, no vCPUs, and no events: a snapshot
// is memory with the processor state thrown away.
type Backend struct {
	path   string
	file   *os.File
	data   []byte
	writes bool
}

// New returns an unopened file backend for path. writable controls
// whether Init maps the snapshot read-write.
func New(path string, writable bool) *Backend {
	return &Backend{path: path, writes: writable}
}

func (b *Backend) Kind() driver.Kind { return driver.KindFile }

func (b *Backend) Probe(idOrName string) error {
	info, err := os.Stat(idOrName)
	if err != nil {
		return fmt.Errorf("file: probe %s: %w", idOrName, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("file: %s is empty: %w", idOrName, ierr.InitFailure)
	}
	return nil
}

func (b *Backend) Init(idOrName string) (driver.InitInfo, error) {
	b.path = idOrName
	flag := os.O_RDONLY
	prot := unix.PROT_READ
	if b.writes {
		flag = os.O_RDWR
		prot |= unix.PROT_WRITE
	}
	f, err := os.OpenFile(b.path, flag, 0)
	if err != nil {
		return driver.InitInfo{}, fmt.Errorf("file: open %s: %w: %w", b.path, err, ierr.InitFailure)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return driver.InitInfo{}, fmt.Errorf("file: stat %s: %w: %w", b.path, err, ierr.InitFailure)
	}
	if st.Size() == 0 {
		f.Close()
		return driver.InitInfo{}, fmt.Errorf("file: %s is empty: %w", b.path, ierr.InitFailure)
	}

	mmapFlags := unix.MAP_SHARED
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, mmapFlags)
	if err != nil {
		f.Close()
		return driver.InitInfo{}, fmt.Errorf("file: mmap %s: %w: %w", b.path, err, ierr.InitFailure)
	}

	b.file = f
	b.data = data

	return driver.InitInfo{
		NumVCPUs:   0,
		Paravirt:   false,
		AddrWidth:  driver.Width64,
		MemSize:    uint64(st.Size()),
		ResolvedID: b.path,
	}, nil
}

func (b *Backend) Destroy() error {
	var err error
	if b.data != nil {
		err = unix.Munmap(b.data)
		b.data = nil
	}
	if b.file != nil {
		if cerr := b.file.Close(); err == nil {
			err = cerr
		}
		b.file = nil
	}
	return err
}

const pageSize = 4096

// MapFrame returns a slice directly into the file mapping: release is a
// no-op, matching the spec's "soft cap 0 = unbounded, used for file
// backend where mapping is cheap."
func (b *Backend) MapFrame(pfn uint64, prot driver.Prot) (driver.Frame, error) {
	off := pfn * pageSize
	if off+pageSize > uint64(len(b.data)) {
		return driver.Frame{}, fmt.Errorf("file: pfn 0x%x out of range: %w", pfn, ierr.AccessFailure)
	}
	if prot&driver.ProtWrite != 0 && !b.writes {
		return driver.Frame{}, fmt.Errorf("file: write access requested on read-only snapshot: %w", ierr.AccessFailure)
	}
	return driver.Frame{Ptr: b.data[off : off+pageSize], Prot: prot, PFN: pfn}, nil
}

func (b *Backend) ReleaseFrame(driver.Frame) error { return nil }

func (b *Backend) Write(guestPaddr uint64, buf []byte) error {
	if !b.writes {
		return fmt.Errorf("file: write to read-only snapshot: %w", ierr.AccessFailure)
	}
	if guestPaddr+uint64(len(buf)) > uint64(len(b.data)) {
		return fmt.Errorf("file: write at 0x%x len %d out of range: %w", guestPaddr, len(buf), ierr.AccessFailure)
	}
	copy(b.data[guestPaddr:], buf)
	return nil
}

func (b *Backend) Name() string { return b.path }
func (b *Backend) ID() string   { return b.path }

func (b *Backend) NameFromID(id string) (string, error) { return id, nil }
func (b *Backend) IDFromName(name string) (string, error) { return name, nil }

func (b *Backend) MemSize() (uint64, error) { return uint64(len(b.data)), nil }

func (b *Backend) AddressWidth() (driver.AddrWidth, error) { return driver.Width64, nil }

func (b *Backend) GetVCPUReg(reg driver.Reg, vcpu int) (uint64, error) {
	return 0, fmt.Errorf("file: no vCPU context in a snapshot: %w", ierr.Unsupported)
}

func (b *Backend) SetVCPUReg(reg driver.Reg, vcpu int, val uint64) error {
	return fmt.Errorf("file: no vCPU context in a snapshot: %w", ierr.Unsupported)
}

func (b *Backend) Pause() error  { return nil }
func (b *Backend) Resume() error { return nil }

var _ driver.Backend = (*Backend)(nil)
