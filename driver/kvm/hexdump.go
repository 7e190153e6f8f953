package kvm

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"example.com/vmi-core/internal/ierr"
)

func jsonUnmarshal(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// decodeHexDump parses the patched monitor's "pmemaccess read" reply,
// a single contiguous hex string optionally split across whitespace, and
// checks it decodes to exactly length bytes.
func decodeHexDump(reply string, length int) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
			return -1
		}
		return r
	}, reply)
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("kvm: decode pmemaccess reply: %w: %w", err, ierr.AccessFailure)
	}
	if len(buf) != length {
		return nil, fmt.Errorf("kvm: pmemaccess reply %d bytes, wanted %d: %w", len(buf), length, ierr.AccessFailure)
	}
	return buf, nil
}

func encodeHexDump(buf []byte) string {
	return hex.EncodeToString(buf)
}
