//go:build linux

package introspector

import (
	"fmt"
	"log"

	"example.com/vmi-core/driver"
	"example.com/vmi-core/internal/ierr"
)

// cacheEntry is a cached frame entry keyed by PFN (spec.md §3 "Cached
// frame entry"). The cache owns the mapping; eviction releases it
// through the backend.
type cacheEntry struct {
	pfn      uint64
	frame    driver.Frame
	lastUsed uint64
}

// pageCache is a bounded PFN→mapped-frame table with LRU eviction and a
// soft cap (0 = unbounded, used for the file backend where mapping is
// just a slice of one mmap). It does no synchronization of its own —
// callers serialize access to one instance (§5).
type pageCache struct {
	backend  driver.Backend
	softCap  int
	pageBits uint
	entries  map[uint64]*cacheEntry
	clock    uint64
	debug    bool
}

func newPageCache(backend driver.Backend, softCap int, pageBits uint, debug bool) *pageCache {
	return &pageCache{
		backend:  backend,
		softCap:  softCap,
		pageBits: pageBits,
		entries:  make(map[uint64]*cacheEntry),
		debug:    debug,
	}
}

// insert maps paddr's containing frame, returning a host-visible slice.
// A cache hit touches the entry's recency without asking the backend
// for anything.
func (c *pageCache) insert(paddr uint64, prot driver.Prot) ([]byte, error) {
	pfn := paddr >> c.pageBits
	if e, ok := c.entries[pfn]; ok {
		c.clock++
		e.lastUsed = c.clock
		return e.frame.Ptr, nil
	}

	frame, err := c.backend.MapFrame(pfn, prot)
	if err != nil {
		return nil, fmt.Errorf("page cache: map pfn 0x%x: %w", pfn, err)
	}

	c.clock++
	c.entries[pfn] = &cacheEntry{pfn: pfn, frame: frame, lastUsed: c.clock}
	c.evictIfNeeded()
	return frame.Ptr, nil
}

// evictIfNeeded drops the single least-recently-used entry, repeated
// until the cache is back at or under its soft cap. A soft cap of 0
// disables eviction entirely.
func (c *pageCache) evictIfNeeded() {
	if c.softCap <= 0 {
		return
	}
	for len(c.entries) > c.softCap {
		var lru *cacheEntry
		for _, e := range c.entries {
			if lru == nil || e.lastUsed < lru.lastUsed {
				lru = e
			}
		}
		if lru == nil {
			return
		}
		if err := c.backend.ReleaseFrame(lru.frame); err != nil && c.debug {
			log.Printf("page cache: evict pfn 0x%x: release: %v", lru.pfn, err)
		}
		delete(c.entries, lru.pfn)
	}
}

// flush releases every entry through the backend; called on teardown
// (§4.4 "on backend teardown the cache is flushed first") and never
// leaves a mapping the backend considers released.
func (c *pageCache) flush() error {
	var firstErr error
	for pfn, e := range c.entries {
		if err := c.backend.ReleaseFrame(e.frame); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("page cache: flush pfn 0x%x: %w", pfn, err)
			}
		}
		delete(c.entries, pfn)
	}
	if firstErr != nil {
		return fmt.Errorf("%w: %w", firstErr, ierr.AccessFailure)
	}
	return nil
}
