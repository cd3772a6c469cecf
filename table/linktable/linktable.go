// Package linktable implements the Transport Handler's intermediate Link
// Table: per-forwarded-link bookkeeping kept by nodes that relay a link's
// request/proof/data/keep-alive traffic without being either endpoint
// themselves.
package linktable

import (
	"sync"
	"time"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/hash"
)

// DefaultKeepWindow bounds how long an intermediate link mapping survives
// without being touched by proof, data, or keep-alive traffic for it.
const DefaultKeepWindow = 60 * time.Second

// Entry describes one link this node is relaying for, but does not
// terminate.
type Entry struct {
	OriginalDestination hash.AddressHash // the link's far-side destination
	ReceivedFrom        hash.AddressHash // interface the LinkRequest arrived on
	NextHop             hash.AddressHash
	NextIface           hash.AddressHash // interface toward OriginalDestination
	Created             time.Time
	touched             time.Time
}

// Table holds intermediate-hop link state, keyed by link id.
type Table struct {
	mu      sync.Mutex
	entries map[hash.AddressHash]*Entry
	nowFn   func() time.Time
}

// New creates an empty link table.
func New() *Table {
	return &Table{
		entries: make(map[hash.AddressHash]*Entry),
		nowFn:   time.Now,
	}
}

// Record stores a new intermediate-hop mapping for linkID.
func (t *Table) Record(linkID, originalDest, receivedFrom, nextHop, nextIface hash.AddressHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFn()
	t.entries[linkID] = &Entry{
		OriginalDestination: originalDest,
		ReceivedFrom:        receivedFrom,
		NextHop:             nextHop,
		NextIface:           nextIface,
		Created:             now,
		touched:             now,
	}
}

// Lookup returns the mapping for a link id, if any.
func (t *Table) Lookup(linkID hash.AddressHash) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[linkID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// HandleProof looks up the mapping for a Proof packet's link id and, if
// present, returns the packet rewritten for forwarding and the interface
// to send it on to route the proof back toward the link's initiator.
func (t *Table) HandleProof(pkt *codec.Packet) (*codec.Packet, hash.AddressHash, bool) {
	return t.forward(pkt)
}

// HandleKeepalive does the same as HandleProof, for keep-alive response
// traffic addressed to a link this node only relays.
func (t *Table) HandleKeepalive(pkt *codec.Packet) (*codec.Packet, hash.AddressHash, bool) {
	return t.forward(pkt)
}

func (t *Table) forward(pkt *codec.Packet) (*codec.Packet, hash.AddressHash, bool) {
	t.mu.Lock()
	e, ok := t.entries[pkt.Destination]
	if ok {
		e.touched = t.nowFn()
	}
	t.mu.Unlock()

	if !ok {
		return pkt, hash.AddressHash{}, false
	}
	return pkt.IncrementHops(), e.ReceivedFrom, true
}

// RemoveStale drops entries that have not been touched within keepWindow.
func (t *Table) RemoveStale(keepWindow time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFn()
	for id, e := range t.entries {
		if now.Sub(e.touched) > keepWindow {
			delete(t.entries, id)
		}
	}
}

// Len returns the number of tracked intermediate links.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
