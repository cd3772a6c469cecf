// Package packetcache implements the Transport Handler's recent-packet
// deduplication table: a time-indexed set of packet hashes used to drop
// retransmitted broadcasts and forwarding loops.
//
// The freshness window is time-bounded rather than a fixed-size ring:
// entries are evicted by age, on a cadence the Transport Handler drives
// via two independent sweeps (a short 4s window for rapid de-duplication
// and a long 180s window for general freshness).
package packetcache

import (
	"sync"
	"time"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/hash"
)

const (
	// DefaultKeepAge is the default freshness window for the long sweep.
	DefaultKeepAge = 180 * time.Second
	// DefaultShortCycleAge is the freshness window used by the short sweep.
	DefaultShortCycleAge = 4 * time.Second
	// DefaultSweepInterval is the long sweep's cadence.
	DefaultSweepInterval = 90 * time.Second
	// DefaultShortSweepInterval is the short sweep's cadence.
	DefaultShortSweepInterval = 1 * time.Second
)

// PacketCache tracks recently seen packet hashes. All mutation happens
// behind a single mutex, matching the single-guard concurrency model of
// the Transport Handler that owns it.
type PacketCache struct {
	mu      sync.Mutex
	seen    map[hash.AddressHash]time.Time
	nowFn   func() time.Time
}

// New creates an empty PacketCache.
func New() *PacketCache {
	return &PacketCache{
		seen:  make(map[hash.AddressHash]time.Time),
		nowFn: time.Now,
	}
}

// Update inserts the packet's hash if not already present and reports
// whether it was new. Re-inserting an already-present hash refreshes its
// timestamp, so a packet seen twice in quick succession survives a sweep
// that would otherwise have evicted the first sighting.
func (c *PacketCache) Update(pkt *codec.Packet) (isNew bool) {
	h := codec.Hash(pkt)
	c.mu.Lock()
	defer c.mu.Unlock()

	_, existed := c.seen[h]
	c.seen[h] = c.nowFn()
	return !existed
}

// Contains reports whether the packet's hash is currently tracked, without
// inserting it.
func (c *PacketCache) Contains(pkt *codec.Packet) bool {
	h := codec.Hash(pkt)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[h]
	return ok
}

// Release evicts entries older than maxAge. The Transport Handler calls
// this from two independent maintenance loops with different windows
// (DefaultShortCycleAge on a fast cadence, DefaultKeepAge on a slow one).
func (c *PacketCache) Release(maxAge time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFn()
	for h, t := range c.seen {
		if now.Sub(t) > maxAge {
			delete(c.seen, h)
		}
	}
}

// Len returns the number of currently tracked hashes.
func (c *PacketCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
