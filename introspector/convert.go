//go:build linux

package introspector

import (
	"example.com/vmi-core/access"
	"example.com/vmi-core/driver"
)

// toDriverMemAccess/fromDriverMemAccess cross the introspector/driver
// boundary. driver.MemAccess duplicates access.Mem's bit layout instead
// of importing it, to avoid driver importing access (which would in
// turn want to import driver for event wiring) — the two are kept
// numerically identical and converted here, the one place that matters.
func toDriverMemAccess(m access.Mem) driver.MemAccess { return driver.MemAccess(m) }
func fromDriverMemAccess(m driver.MemAccess) access.Mem { return access.Mem(m) }

func toDriverRegAccess(r access.Reg) driver.RegAccess   { return driver.RegAccess(r) }
func fromDriverRegAccess(r driver.RegAccess) access.Reg { return access.Reg(r) }
