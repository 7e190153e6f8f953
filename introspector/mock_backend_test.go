//go:build linux

package introspector

import "example.com/vmi-core/driver"

// mockBackend is an in-memory stand-in for driver.Backend used across
// this package's tests, in the style of core_engine/devices's
// MockInterruptRaiser/MockTapDevice: record calls, answer canned values,
// implement the real interface exactly.
type mockBackend struct {
	mem    map[uint64][]byte // pfn -> one page
	mapped int               // frames mapped and not yet released

	regs map[driver.Reg]uint64

	memAccessCalls []driver.MemEvent
	regAccessCalls []driver.RegEvent
	ssStarted      map[int]bool

	failNextSetMemAccess bool
	failNextSetRegAccess bool

	paused int
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		mem:  make(map[uint64][]byte),
		regs: make(map[driver.Reg]uint64),
		ssStarted: make(map[int]bool),
	}
}

func (m *mockBackend) Kind() driver.Kind { return driver.KindFile }
func (m *mockBackend) Probe(string) error { return nil }
func (m *mockBackend) Init(string) (driver.InitInfo, error) {
	return driver.InitInfo{NumVCPUs: 1, AddrWidth: driver.Width64, MemSize: 16 << 20}, nil
}
func (m *mockBackend) Destroy() error { return nil }

func (m *mockBackend) MapFrame(pfn uint64, prot driver.Prot) (driver.Frame, error) {
	page, ok := m.mem[pfn]
	if !ok {
		page = make([]byte, 4096)
		m.mem[pfn] = page
	}
	m.mapped++
	return driver.Frame{Ptr: page, Prot: prot, PFN: pfn}, nil
}

func (m *mockBackend) ReleaseFrame(driver.Frame) error { m.mapped--; return nil }

func (m *mockBackend) Write(guestPaddr uint64, buf []byte) error {
	remaining := buf
	addr := guestPaddr
	for len(remaining) > 0 {
		pfn := addr >> 12
		offset := addr & 0xFFF
		page, ok := m.mem[pfn]
		if !ok {
			page = make([]byte, 4096)
			m.mem[pfn] = page
		}
		n := copy(page[offset:], remaining)
		remaining = remaining[n:]
		addr += uint64(n)
	}
	return nil
}

func (m *mockBackend) Name() string                          { return "mock" }
func (m *mockBackend) ID() string                             { return "0" }
func (m *mockBackend) NameFromID(id string) (string, error)   { return "mock", nil }
func (m *mockBackend) IDFromName(name string) (string, error) { return "0", nil }
func (m *mockBackend) MemSize() (uint64, error)               { return 16 << 20, nil }
func (m *mockBackend) AddressWidth() (driver.AddrWidth, error) { return driver.Width64, nil }

func (m *mockBackend) GetVCPUReg(reg driver.Reg, vcpu int) (uint64, error) {
	return m.regs[reg], nil
}

func (m *mockBackend) SetVCPUReg(reg driver.Reg, vcpu int, val uint64) error {
	m.regs[reg] = val
	return nil
}

func (m *mockBackend) Pause() error  { m.paused++; return nil }
func (m *mockBackend) Resume() error { m.paused--; return nil }

func (m *mockBackend) SetRegAccess(ev driver.RegEvent, vcpu int) error {
	if m.failNextSetRegAccess {
		m.failNextSetRegAccess = false
		return errMockBackendFailure
	}
	m.regAccessCalls = append(m.regAccessCalls, ev)
	return nil
}

func (m *mockBackend) SetMemAccess(ev driver.MemEvent, effective driver.MemAccess) error {
	if m.failNextSetMemAccess {
		m.failNextSetMemAccess = false
		return errMockBackendFailure
	}
	m.memAccessCalls = append(m.memAccessCalls, ev)
	return nil
}

func (m *mockBackend) StartSingleStep(ev driver.SSEvent) error {
	for vcpu := 0; vcpu < 64; vcpu++ {
		if ev.VCPUMask&(uint64(1)<<uint(vcpu)) != 0 {
			m.ssStarted[vcpu] = true
		}
	}
	return nil
}

func (m *mockBackend) StopSingleStep(vcpu int) error {
	delete(m.ssStarted, vcpu)
	return nil
}

func (m *mockBackend) ShutdownSingleStep() error {
	m.ssStarted = make(map[int]bool)
	return nil
}

func (m *mockBackend) EventsListen(timeoutMS int, deliver func(driver.RawEvent)) error {
	return nil
}

var errMockBackendFailure = &mockError{"mock backend: simulated failure"}

type mockError struct{ msg string }

func (e *mockError) Error() string { return e.msg }

var (
	_ driver.Backend      = (*mockBackend)(nil)
	_ driver.EventBackend = (*mockBackend)(nil)
)
