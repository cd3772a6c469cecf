// Package path implements the Transport Handler's Path Table: learned
// next-hop routing for destinations, used to rewrite outbound packets and
// pick an egress interface when forwarding.
package path

import (
	"sync"
	"time"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/hash"
)

// Entry is a single learned route: how to reach a destination.
type Entry struct {
	NextHop   hash.AddressHash
	Iface     hash.AddressHash
	Hops      uint8
	UpdatedAt time.Time
}

// Table is the Transport Handler's path table. All mutation is behind a
// single mutex, consistent with the Handler's single-guard model.
type Table struct {
	mu      sync.Mutex
	entries map[hash.AddressHash]Entry
	nowFn   func() time.Time
}

// New creates an empty path table.
func New() *Table {
	return &Table{
		entries: make(map[hash.AddressHash]Entry),
		nowFn:   time.Now,
	}
}

// HandleAnnounce learns a route to pkt.Destination via nextHop, reachable
// over recvIface, at pkt.Hops hops. An existing route is only replaced if
// the new one is strictly shorter, or equal length and therefore fresher
// (announces naturally arrive in recency order, so an equal-hop update
// always wins the tie).
func (t *Table) HandleAnnounce(pkt *codec.Packet, nextHop, recvIface hash.AddressHash) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[pkt.Destination]
	if ok && existing.Hops < pkt.Hops {
		return
	}

	t.entries[pkt.Destination] = Entry{
		NextHop:   nextHop,
		Iface:     recvIface,
		Hops:      pkt.Hops,
		UpdatedAt: t.nowFn(),
	}
}

// Lookup returns the current route to a destination, if any.
func (t *Table) Lookup(dest hash.AddressHash) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[dest]
	return e, ok
}

// NextHopFull returns the next hop and egress interface for a destination,
// used by intermediate nodes forwarding LinkRequests.
func (t *Table) NextHopFull(dest hash.AddressHash) (nextHop, egressIface hash.AddressHash, ok bool) {
	e, found := t.Lookup(dest)
	if !found {
		return hash.AddressHash{}, hash.AddressHash{}, false
	}
	return e.NextHop, e.Iface, true
}

// HandleInboundPacket rewrites pkt for forwarding toward its destination
// if a route exists: hops is incremented, and for Type2 packets being
// relayed propagation is set to Transport and selfID is recorded as the
// packet's transport id (Type1 packets only have their hops changed).
// Returns the rewritten packet and the egress interface, or
// the original packet and ok=false if no route is known.
func (t *Table) HandleInboundPacket(pkt *codec.Packet, selfID hash.AddressHash) (*codec.Packet, hash.AddressHash, bool) {
	e, ok := t.Lookup(pkt.Destination)
	if !ok {
		return pkt, hash.AddressHash{}, false
	}

	fwd := pkt.IncrementHops()
	if fwd.HeaderType == codec.HeaderType2 {
		fwd.Propagation = codec.PropagationTransport
		id := selfID
		fwd.Transport = &id
	}
	return fwd, e.Iface, true
}

// Remove deletes any learned route to dest.
func (t *Table) Remove(dest hash.AddressHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, dest)
}

// Len returns the number of learned routes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
