// Package announce implements the Transport Handler's Announce Table:
// pending announces awaiting retransmission, keyed by destination and the
// interface they were received on.
package announce

import (
	"sync"
	"time"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/hash"
)

// Key identifies a pending announce: which destination it's for, and
// which interface it arrived on (so the retransmit never echoes back out
// the same interface it came in on).
type Key struct {
	Destination hash.AddressHash
	RecvIface   hash.AddressHash
}

type pending struct {
	packet *codec.Packet
	queued time.Time
}

// Table holds announces awaiting retransmission.
type Table struct {
	mu      sync.Mutex
	entries map[Key]pending
	nowFn   func() time.Time
}

// New creates an empty announce table.
func New() *Table {
	return &Table{
		entries: make(map[Key]pending),
		nowFn:   time.Now,
	}
}

// Enqueue records an announce for eventual retransmission. A second
// announce for the same (destination, recv interface) replaces the first
// — only the freshest pending retransmit for a given path is kept.
func (t *Table) Enqueue(dest, recvIface hash.AddressHash, pkt *codec.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[Key{Destination: dest, RecvIface: recvIface}] = pending{
		packet: pkt,
		queued: t.nowFn(),
	}
}

// RetransmitEntry is one announce ready to be re-broadcast.
type RetransmitEntry struct {
	Key    Key
	Packet *codec.Packet
}

// ToRetransmit drains and returns every pending announce that is eligible
// to be re-broadcast: the packet's hop count is incremented, and entries
// where we ourselves are named as the transport id are dropped as loop
// suppression (we already forwarded this once; seeing it again means it
// looped back to us).
func (t *Table) ToRetransmit(ourID hash.AddressHash) []RetransmitEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []RetransmitEntry
	for key, p := range t.entries {
		delete(t.entries, key)

		if p.packet.Transport != nil && *p.packet.Transport == ourID {
			continue
		}
		if p.packet.Hops >= codec.PathfinderM {
			continue
		}

		out = append(out, RetransmitEntry{
			Key:    key,
			Packet: p.packet.IncrementHops(),
		})
	}
	return out
}

// NewPacket mints a locally-originated Announce packet for one of our own
// destinations: hops starts at zero, and there is no recv interface to
// avoid echoing to (it is broadcast on every connected interface).
func NewPacket(dest hash.AddressHash, payload []byte) *codec.Packet {
	return &codec.Packet{
		HeaderType:      codec.HeaderType1,
		Propagation:     codec.PropagationBroadcast,
		DestinationType: codec.DestinationSingle,
		PacketType:      codec.PacketTypeAnnounce,
		Hops:            0,
		Destination:     dest,
		Context:         codec.ContextNone,
		Data:            payload,
	}
}

// Len returns the number of currently pending announces.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
