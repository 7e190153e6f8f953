//go:build linux

package introspector

import (
	"testing"

	"example.com/vmi-core/driver"
)

func TestPageCacheInsertHitTouchesRecency(t *testing.T) {
	backend := newMockBackend()
	cache := newPageCache(backend, 2, pageShift, false)

	p0, err := cache.insert(0x0000, driver.ProtRead)
	if err != nil {
		t.Fatalf("insert pfn 0: %v", err)
	}
	p0again, err := cache.insert(0x0010, driver.ProtRead) // same page, different offset
	if err != nil {
		t.Fatalf("insert pfn 0 again: %v", err)
	}
	if &p0[0] != &p0again[0] {
		t.Fatalf("expected the same backing slice on a cache hit")
	}
}

func TestPageCacheEvictsLRUBeyondSoftCap(t *testing.T) {
	backend := newMockBackend()
	cache := newPageCache(backend, 1, pageShift, false)

	if _, err := cache.insert(0x0000, driver.ProtRead); err != nil {
		t.Fatalf("insert pfn 0: %v", err)
	}
	if _, err := cache.insert(0x1000, driver.ProtRead); err != nil {
		t.Fatalf("insert pfn 1: %v", err)
	}

	if len(cache.entries) != 1 {
		t.Fatalf("expected soft cap of 1 entry, got %d", len(cache.entries))
	}
	if _, ok := cache.entries[1]; !ok {
		t.Fatalf("expected pfn 1 (most recently used) to survive eviction")
	}
}

func TestPageCacheSoftCapZeroIsUnbounded(t *testing.T) {
	backend := newMockBackend()
	cache := newPageCache(backend, 0, pageShift, false)

	for pfn := uint64(0); pfn < 10; pfn++ {
		if _, err := cache.insert(pfn<<pageShift, driver.ProtRead); err != nil {
			t.Fatalf("insert pfn %d: %v", pfn, err)
		}
	}
	if len(cache.entries) != 10 {
		t.Fatalf("expected all 10 entries retained with soft cap 0, got %d", len(cache.entries))
	}
}

// TestPageCacheMapReleaseIsNoOpOnFrameCount covers invariant 4: map
// followed by release leaves backend-visible frame count unchanged.
func TestPageCacheMapReleaseIsNoOpOnFrameCount(t *testing.T) {
	backend := newMockBackend()
	cache := newPageCache(backend, 1, pageShift, false)

	before := backend.mapped
	if _, err := cache.insert(0x5000, driver.ProtRead); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cache.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	after := backend.mapped
	if after != before {
		t.Fatalf("expected mapped frame count unchanged after map+release, before=%d after=%d", before, after)
	}
	if len(cache.entries) != 0 {
		t.Fatalf("expected flush to empty the cache, got %d entries", len(cache.entries))
	}
}
