package kvm

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"example.com/vmi-core/internal/ierr"
)

// gdbClient speaks the GDB remote serial protocol against QEMU's
// built-in debug stub. This is the fallback transport of Design Note
// §9(b): slower than a patched monitor command but present on any
// unmodified QEMU, selected by Config.PreferGDBStub or used when the
// patched monitor command probe (probePatchedMonitor) fails.
type gdbClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialGDBStub(address string, timeout time.Duration) (*gdbClient, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("kvm: dial gdbstub %s: %w: %w", address, err, ierr.InitFailure)
	}
	return &gdbClient{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (g *gdbClient) close() error { return g.conn.Close() }

func gdbChecksum(packet string) byte {
	var sum byte
	for i := 0; i < len(packet); i++ {
		sum += packet[i]
	}
	return sum
}

// sendPacket frames payload as "$payload#cc" and waits for the '+'
// acknowledgement, retransmitting is left to the caller (the core does
// not retry per §7 "no retries inside the core").
func (g *gdbClient) sendPacket(payload string) error {
	frame := fmt.Sprintf("$%s#%02x", payload, gdbChecksum(payload))
	if _, err := g.conn.Write([]byte(frame)); err != nil {
		return fmt.Errorf("kvm: gdbstub write: %w", err)
	}
	ack, err := g.reader.ReadByte()
	if err != nil {
		return fmt.Errorf("kvm: gdbstub ack: %w", err)
	}
	if ack != '+' {
		return fmt.Errorf("kvm: gdbstub NAK'd packet %q: %w", payload, ierr.AccessFailure)
	}
	return nil
}

// readPacket reads one "$...#cc" frame and returns its payload, ACKing
// it so the stub proceeds.
func (g *gdbClient) readPacket() (string, error) {
	if _, err := g.reader.ReadBytes('$'); err != nil {
		return "", fmt.Errorf("kvm: gdbstub read start: %w", err)
	}
	body, err := g.reader.ReadBytes('#')
	if err != nil {
		return "", fmt.Errorf("kvm: gdbstub read body: %w", err)
	}
	// consume the two checksum hex digits
	if _, err := g.reader.Discard(2); err != nil {
		return "", fmt.Errorf("kvm: gdbstub read checksum: %w", err)
	}
	if _, err := g.conn.Write([]byte{'+'}); err != nil {
		return "", fmt.Errorf("kvm: gdbstub ack write: %w", err)
	}
	return string(body[:len(body)-1]), nil
}

func (g *gdbClient) exchange(payload string) (string, error) {
	if err := g.sendPacket(payload); err != nil {
		return "", err
	}
	return g.readPacket()
}

// readMemory issues an 'm' packet: m<addr>,<length>, returning length
// bytes decoded from the hex reply.
func (g *gdbClient) readMemory(addr uint64, length int) ([]byte, error) {
	reply, err := g.exchange(fmt.Sprintf("m%x,%x", addr, length))
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(reply, "E") {
		return nil, fmt.Errorf("kvm: gdbstub read 0x%x: error reply %s: %w", addr, reply, ierr.AccessFailure)
	}
	if len(reply) != length*2 {
		return nil, fmt.Errorf("kvm: gdbstub read 0x%x: short reply (%d hex chars for %d bytes): %w", addr, len(reply), length, ierr.AccessFailure)
	}
	buf := make([]byte, length)
	for i := range buf {
		v, err := strconv.ParseUint(reply[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("kvm: gdbstub decode reply: %w", err)
		}
		buf[i] = byte(v)
	}
	return buf, nil
}

// writeMemory issues an 'M' packet: M<addr>,<length>:<hexdata>.
func (g *gdbClient) writeMemory(addr uint64, data []byte) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "M%x,%x:", addr, len(data))
	for _, b := range data {
		fmt.Fprintf(&sb, "%02x", b)
	}
	reply, err := g.exchange(sb.String())
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("kvm: gdbstub write 0x%x: reply %s: %w", addr, reply, ierr.AccessFailure)
	}
	return nil
}

// gdbRegOffsets gives the byte offset and width of each GPR in the 'g'
// packet's register blob for an x86-64 target, per the standard
// i386:x86-64 GDB target description QEMU advertises.
var gdbRegOffsets = []struct {
	name   string
	offset int
}{
	{"rax", 0}, {"rbx", 8}, {"rcx", 16}, {"rdx", 24},
	{"rsi", 32}, {"rdi", 40}, {"rbp", 48}, {"rsp", 56},
	{"r8", 64}, {"r9", 72}, {"r10", 80}, {"r11", 88},
	{"r12", 96}, {"r13", 104}, {"r14", 112}, {"r15", 120},
	{"rip", 128}, {"eflags", 136},
	{"cs_sel", 140}, {"ss_sel", 144}, {"ds_sel", 148},
	{"es_sel", 152}, {"fs_sel", 156}, {"gs_sel", 160},
}

const gdbRegBlobBytes = 164

// readGeneralRegs issues a 'g' packet and decodes the full GPR blob.
func (g *gdbClient) readGeneralRegs() (map[string]uint64, error) {
	reply, err := g.exchange("g")
	if err != nil {
		return nil, err
	}
	if len(reply) < gdbRegBlobBytes*2 {
		return nil, fmt.Errorf("kvm: gdbstub 'g' reply too short (%d hex chars): %w", len(reply), ierr.AccessFailure)
	}
	out := make(map[string]uint64, len(gdbRegOffsets))
	for _, r := range gdbRegOffsets {
		width := 8
		if strings.HasSuffix(r.name, "_sel") || r.name == "eflags" {
			width = 4
		}
		hex := reply[r.offset*2 : r.offset*2+width*2]
		v, err := decodeLittleEndianHex(hex)
		if err != nil {
			return nil, fmt.Errorf("kvm: gdbstub decode %s: %w", r.name, err)
		}
		out[r.name] = v
	}
	return out, nil
}

// writeGeneralRegs patches one field into a freshly-read blob and issues
// a 'G' packet with the whole blob, since the remote protocol (like the
// HVM save record) offers no partial register set.
func (g *gdbClient) writeGeneralRegs(regs map[string]uint64) error {
	reply, err := g.exchange("g")
	if err != nil {
		return err
	}
	if len(reply) < gdbRegBlobBytes*2 {
		return fmt.Errorf("kvm: gdbstub 'g' reply too short: %w", ierr.AccessFailure)
	}
	blob := []byte(reply)
	for _, r := range gdbRegOffsets {
		val, ok := regs[r.name]
		if !ok {
			continue
		}
		width := 8
		if strings.HasSuffix(r.name, "_sel") || r.name == "eflags" {
			width = 4
		}
		encodeLittleEndianHex(blob[r.offset*2:r.offset*2+width*2], val, width)
	}
	out, err := g.exchange("G" + string(blob))
	if err != nil {
		return err
	}
	if out != "OK" {
		return fmt.Errorf("kvm: gdbstub 'G' reply %s: %w", out, ierr.AccessFailure)
	}
	return nil
}

func decodeLittleEndianHex(hex string) (uint64, error) {
	var v uint64
	for i := 0; i < len(hex); i += 2 {
		b, err := strconv.ParseUint(hex[i:i+2], 16, 8)
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (4 * i)
	}
	return v, nil
}

func encodeLittleEndianHex(dst []byte, val uint64, widthBytes int) {
	for i := 0; i < widthBytes; i++ {
		b := byte(val >> (8 * i))
		copy(dst[i*2:i*2+2], fmt.Sprintf("%02x", b))
	}
}
