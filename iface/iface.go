// Package iface defines the Interface Manager contract: the boundary
// between the transport core and the physical/virtual links packets
// travel over (MQTT topics, RNode serial radios, TCP, etc). The
// Transport Handler depends only on this package, never on a concrete
// driver, so new interface kinds plug in without touching core/table/
// link/channel code.
package iface

import (
	"context"
	"sync"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/hash"
)

// Interface is one connected link an Announce, LinkRequest, Proof, or
// Data packet can be sent over or received from.
type Interface interface {
	// Address uniquely identifies this interface, used by the Path
	// Table and Announce Table to remember which interface a packet
	// arrived on and to avoid echoing it back out that same interface.
	Address() hash.AddressHash
	// Name is a human-readable label for logging.
	Name() string
	// Start begins the interface's connection handling. ctx controls
	// its lifetime; Start returns once the interface is either running
	// or has failed to start.
	Start(ctx context.Context) error
	// Stop gracefully shuts the interface down.
	Stop() error
	// IsConnected reports whether the interface can currently carry
	// traffic.
	IsConnected() bool
	// SetInboundHandler registers the callback invoked for every packet
	// received on this interface.
	SetInboundHandler(fn InboundHandler)
	// Send transmits a single packet over this interface.
	Send(pkt *codec.Packet) error
}

// InboundHandler is called by an Interface for every packet it receives.
type InboundHandler func(pkt *codec.Packet, iface Interface)

// TxType distinguishes a directed single-interface send from a
// broadcast to every connected interface (optionally excluding the one
// a packet was received on, to avoid echoing it straight back).
type TxType int

const (
	TxDirect TxType = iota
	TxBroadcast
)

// TxMessage is a transmission request handed to the Interface Manager by
// the Transport Handler.
type TxMessage struct {
	Type        TxType
	Packet      *codec.Packet
	Target      Interface // set only for TxDirect
	ExceptAddr  hash.AddressHash
	HasExcept   bool // true if ExceptAddr should be skipped for TxBroadcast
}

// Direct builds a TxMessage that sends pkt over exactly one interface.
func Direct(pkt *codec.Packet, target Interface) TxMessage {
	return TxMessage{Type: TxDirect, Packet: pkt, Target: target}
}

// Broadcast builds a TxMessage that sends pkt over every connected
// interface.
func Broadcast(pkt *codec.Packet) TxMessage {
	return TxMessage{Type: TxBroadcast, Packet: pkt}
}

// BroadcastExcept builds a TxMessage that sends pkt over every connected
// interface except the one identified by exceptAddr (typically the
// interface the packet was received on).
func BroadcastExcept(pkt *codec.Packet, exceptAddr hash.AddressHash) TxMessage {
	return TxMessage{Type: TxBroadcast, Packet: pkt, ExceptAddr: exceptAddr, HasExcept: true}
}

// Inbound is one packet delivered by an interface to the Transport
// Handler, tagged with the interface it arrived on.
type Inbound struct {
	IfaceAddress hash.AddressHash
	Packet       *codec.Packet
}

// Manager owns the set of connected interfaces and routes TxMessages to
// them. It is the only thing the Transport Handler talks to for sending;
// inbound packets reach the Transport Handler through the channel
// returned by Inbound().
type Manager struct {
	mu         sync.Mutex
	interfaces map[hash.AddressHash]Interface
	inboundCh  chan Inbound
}

// New creates an empty Interface Manager. inboundBuffer sizes the
// channel packets are delivered on; 0 is a valid (synchronous) choice
// for tests.
func New(inboundBuffer int) *Manager {
	return &Manager{
		interfaces: make(map[hash.AddressHash]Interface),
		inboundCh:  make(chan Inbound, inboundBuffer),
	}
}

// Add registers iface and wires its inbound handler to forward onto the
// Manager's Inbound channel.
func (m *Manager) Add(ifc Interface) {
	m.mu.Lock()
	m.interfaces[ifc.Address()] = ifc
	m.mu.Unlock()

	ifc.SetInboundHandler(func(pkt *codec.Packet, ifc Interface) {
		m.inboundCh <- Inbound{IfaceAddress: ifc.Address(), Packet: pkt}
	})
}

// Remove unregisters an interface by address.
func (m *Manager) Remove(addr hash.AddressHash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interfaces, addr)
}

// Get looks up a connected interface by address.
func (m *Manager) Get(addr hash.AddressHash) (Interface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ifc, ok := m.interfaces[addr]
	return ifc, ok
}

// Inbound returns the channel the Transport Handler's dispatch loop
// reads from.
func (m *Manager) Inbound() <-chan Inbound {
	return m.inboundCh
}

// Send delivers a TxMessage to the appropriate interface(s).
func (m *Manager) Send(tx TxMessage) {
	m.mu.Lock()
	entries := make([]Interface, 0, len(m.interfaces))
	switch tx.Type {
	case TxDirect:
		if tx.Target != nil {
			entries = append(entries, tx.Target)
		}
	case TxBroadcast:
		for addr, ifc := range m.interfaces {
			if tx.HasExcept && addr == tx.ExceptAddr {
				continue
			}
			entries = append(entries, ifc)
		}
	}
	m.mu.Unlock()

	for _, ifc := range entries {
		if !ifc.IsConnected() {
			continue
		}
		_ = ifc.Send(tx.Packet)
	}
}

// CleanupDisconnected removes every registered interface that reports
// itself no longer connected, so a disconnected driver does not keep
// occupying its address or receiving sends forever.
func (m *Manager) CleanupDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, ifc := range m.interfaces {
		if !ifc.IsConnected() {
			delete(m.interfaces, addr)
		}
	}
}

// StartAll starts every registered interface.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]Interface, 0, len(m.interfaces))
	for _, ifc := range m.interfaces {
		entries = append(entries, ifc)
	}
	m.mu.Unlock()

	for _, ifc := range entries {
		if err := ifc.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered interface.
func (m *Manager) StopAll() {
	m.mu.Lock()
	entries := make([]Interface, 0, len(m.interfaces))
	for _, ifc := range m.interfaces {
		entries = append(entries, ifc)
	}
	m.mu.Unlock()

	for _, ifc := range entries {
		_ = ifc.Stop()
	}
}
