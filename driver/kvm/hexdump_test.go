package kvm

import (
	"bytes"
	"errors"
	"testing"

	"example.com/vmi-core/internal/ierr"
)

func TestDecodeHexDumpRoundTrip(t *testing.T) {
	buf := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	encoded := encodeHexDump(buf)
	decoded, err := decodeHexDump(encoded, len(buf))
	if err != nil {
		t.Fatalf("decodeHexDump: %v", err)
	}
	if !bytes.Equal(decoded, buf) {
		t.Fatalf("round trip mismatch: got %x want %x", decoded, buf)
	}
}

func TestDecodeHexDumpStripsWhitespace(t *testing.T) {
	decoded, err := decodeHexDump("de ad\nbe ef", 4)
	if err != nil {
		t.Fatalf("decodeHexDump: %v", err)
	}
	if !bytes.Equal(decoded, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("got %x", decoded)
	}
}

func TestDecodeHexDumpWrongLengthFails(t *testing.T) {
	_, err := decodeHexDump("deadbeef", 3)
	if !errors.Is(err, ierr.AccessFailure) {
		t.Fatalf("expected ierr.AccessFailure on length mismatch, got %v", err)
	}
}
