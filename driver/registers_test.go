package driver_test

import (
	"testing"

	"example.com/vmi-core/driver"
)

func TestRegValidExcludesSentinels(t *testing.T) {
	if driver.RegInvalid.Valid() {
		t.Fatalf("RegInvalid must not be Valid")
	}
	if !driver.RegRAX.Valid() {
		t.Fatalf("RegRAX must be Valid")
	}
	if !driver.RegTSC.Valid() {
		t.Fatalf("RegTSC (last real member) must be Valid")
	}
}

func TestRegStringKnownAndUnknown(t *testing.T) {
	if got := driver.RegRIP.String(); got != "rip" {
		t.Fatalf("RegRIP.String() = %q, want rip", got)
	}
	if got := driver.RegInvalid.String(); got != "invalid" {
		t.Fatalf("RegInvalid.String() = %q, want invalid", got)
	}
}
