//go:build linux

package xen

import (
	"errors"
	"testing"

	"example.com/vmi-core/internal/ierr"
)

func TestDomainNamePath(t *testing.T) {
	if got := domainNamePath(7); got != "/local/domain/7/name" {
		t.Fatalf("domainNamePath(7) = %q", got)
	}
}

func TestParseDomIDRejectsNonNumeric(t *testing.T) {
	if _, err := parseDomID("alpha"); !errors.Is(err, ierr.InitFailure) {
		t.Fatalf("expected ierr.InitFailure for a non-numeric id, got %v", err)
	}
}

func TestParseDomIDAcceptsNumeric(t *testing.T) {
	got, err := parseDomID("12")
	if err != nil {
		t.Fatalf("parseDomID(12): %v", err)
	}
	if got != 12 {
		t.Fatalf("parseDomID(12) = %d, want 12", got)
	}
}
