// Package codec is the Reticulum packet wire format: the fixed single-byte
// header, the optional IFAC field, destination/transport hashes, context
// byte, and the variable-length data buffer. Packet (de)serialisation and
// the cryptographic primitives it carries are treated as an external
// collaborator contract per the transport core's scope: this package
// guarantees decode∘encode = id for every valid packet and a stable,
// endianness-independent content hash.
package codec

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/hexmesh/reticulum-go/core/hash"
)

// Header bit layout (single byte):
//
//	bit 7   : IFAC flag
//	bit 6   : header type   (0 = Type1, 1 = Type2)
//	bit 5-4 : propagation type (00 = Broadcast, 01 = Transport)
//	bit 3-2 : destination type (00 = Single, 01 = Group, 10 = Plain, 11 = Link)
//	bit 1-0 : packet type   (00 = Data, 01 = Announce, 10 = LinkRequest, 11 = Proof)
const (
	flagIFACBit    = 0x80
	flagHeaderType = 0x40

	propagationShift = 4
	propagationMask  = 0x03

	destTypeShift = 2
	destTypeMask  = 0x03

	packetTypeMask = 0x03
)

// HeaderType distinguishes packets that carry a transport id (Type2) from
// those that don't (Type1).
type HeaderType uint8

const (
	HeaderType1 HeaderType = 0
	HeaderType2 HeaderType = 1
)

// PropagationType indicates whether a packet is flooding or has been
// picked up and re-addressed by an intermediate transport node.
type PropagationType uint8

const (
	PropagationBroadcast PropagationType = 0
	PropagationTransport PropagationType = 1
)

// DestinationType identifies the addressing scheme of Destination.
type DestinationType uint8

const (
	DestinationSingle DestinationType = 0
	DestinationGroup  DestinationType = 1
	DestinationPlain  DestinationType = 2
	DestinationLink   DestinationType = 3
)

// PacketType identifies the semantic role of a packet.
type PacketType uint8

const (
	PacketTypeAnnounce    PacketType = 1
	PacketTypeLinkRequest PacketType = 2
	PacketTypeProof       PacketType = 3
	PacketTypeData        PacketType = 0
)

// PacketContext is a single opaque context byte carried by Data packets,
// distinguishing payload semantics (e.g. Channel-framed data vs. plain
// application data) without the transport core needing to interpret the
// payload itself.
type PacketContext uint8

const (
	ContextNone    PacketContext = 0
	ContextChannel PacketContext = 1
	ContextLinkRTT PacketContext = 2
	ContextKeepAlive PacketContext = 3
	ContextResource PacketContext = 4
)

const (
	// PathfinderM is the maximum number of hops a packet may travel before
	// it is dropped as a loop/runaway.
	PathfinderM = 128

	// MaxDataSize is the largest data payload a single packet may carry.
	MaxDataSize = 500

	// PacketMDU is the maximum data unit exposed to callers building
	// packets directly. A Link subtracts its encryption overhead from
	// this, and a Channel subtracts its own 6-byte envelope header from
	// the Link's MDU to get its own.
	PacketMDU = MaxDataSize

	// LXMFMaxPayload bounds a single fragment's data length when an
	// application-level resource (e.g. LXMF) fragments a larger message
	// across multiple packets.
	LXMFMaxPayload = 465
)

var (
	ErrPacketTooShort   = errors.New("packet too short")
	ErrInvalidEncoding  = errors.New("invalid packet encoding")
	ErrPayloadTooLong   = errors.New("payload exceeds maximum packet data size")
	ErrHopsExceeded     = errors.New("hop count exceeds PathfinderM")
	ErrTransportInvariant = errors.New("type2 header requires a transport id, type1 forbids one")
)

// Packet is the Reticulum wire unit.
type Packet struct {
	IFACFlag        bool
	HeaderType      HeaderType
	Propagation     PropagationType
	DestinationType DestinationType
	PacketType      PacketType
	Hops            uint8

	IFAC []byte // present only if IFACFlag

	Destination hash.AddressHash
	Transport   *hash.AddressHash // present only for HeaderType2

	Context PacketContext
	Data    []byte
}

// Validate checks the structural invariants from the data model: Type2
// implies a transport id is present (and Type1 implies it is absent),
// hops has not exceeded PathfinderM, and the data buffer fits the MTU.
func (p *Packet) Validate() error {
	switch p.HeaderType {
	case HeaderType2:
		if p.Transport == nil {
			return ErrTransportInvariant
		}
	case HeaderType1:
		if p.Transport != nil {
			return ErrTransportInvariant
		}
	}
	if p.Hops >= PathfinderM {
		return ErrHopsExceeded
	}
	if len(p.Data) > MaxDataSize {
		return ErrPayloadTooLong
	}
	return nil
}

// Encode serialises the packet to its wire representation.
func (p *Packet) Encode() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	header := byte(p.Propagation&propagationMask) << propagationShift
	header |= byte(p.DestinationType&destTypeMask) << destTypeShift
	header |= byte(p.PacketType) & packetTypeMask
	if p.HeaderType == HeaderType2 {
		header |= flagHeaderType
	}
	if p.IFACFlag {
		header |= flagIFACBit
	}
	buf.WriteByte(header)
	buf.WriteByte(p.Hops)

	if p.IFACFlag {
		if len(p.IFAC) > 255 {
			return nil, fmt.Errorf("%w: ifac field too long", ErrInvalidEncoding)
		}
		buf.WriteByte(byte(len(p.IFAC)))
		buf.Write(p.IFAC)
	}

	buf.Write(p.Destination[:])

	if p.HeaderType == HeaderType2 {
		buf.Write(p.Transport[:])
	}

	buf.WriteByte(byte(p.Context))
	buf.Write(p.Data)

	return buf.Bytes(), nil
}

// Decode parses the wire representation produced by Encode.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < 2+hash.Size+1 {
		return nil, ErrPacketTooShort
	}

	header := raw[0]
	p := &Packet{
		IFACFlag:        header&flagIFACBit != 0,
		Propagation:     PropagationType((header >> propagationShift) & propagationMask),
		DestinationType: DestinationType((header >> destTypeShift) & destTypeMask),
		PacketType:      PacketType(header & packetTypeMask),
		Hops:            raw[1],
	}
	if header&flagHeaderType != 0 {
		p.HeaderType = HeaderType2
	} else {
		p.HeaderType = HeaderType1
	}

	off := 2
	if p.IFACFlag {
		if off >= len(raw) {
			return nil, ErrPacketTooShort
		}
		ifacLen := int(raw[off])
		off++
		if off+ifacLen > len(raw) {
			return nil, ErrPacketTooShort
		}
		p.IFAC = append([]byte(nil), raw[off:off+ifacLen]...)
		off += ifacLen
	}

	if off+hash.Size > len(raw) {
		return nil, ErrPacketTooShort
	}
	copy(p.Destination[:], raw[off:off+hash.Size])
	off += hash.Size

	if p.HeaderType == HeaderType2 {
		if off+hash.Size > len(raw) {
			return nil, ErrPacketTooShort
		}
		var t hash.AddressHash
		copy(t[:], raw[off:off+hash.Size])
		p.Transport = &t
		off += hash.Size
	}

	if off >= len(raw) {
		return nil, ErrPacketTooShort
	}
	p.Context = PacketContext(raw[off])
	off++

	p.Data = append([]byte(nil), raw[off:]...)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Hash returns the content-addressable hash of the packet, stable across
// the packet's serialised representation regardless of host endianness
// (the wire format itself has no multi-byte integers whose byte order
// could vary: every field is either a single byte or a byte array).
func Hash(p *Packet) hash.AddressHash {
	h := sha256.New()
	h.Write([]byte{byte(p.PacketType), byte(p.DestinationType)})
	h.Write(p.Destination[:])
	if p.Transport != nil {
		h.Write(p.Transport[:])
	}
	h.Write([]byte{byte(p.Context)})
	h.Write(p.Data)
	sum := h.Sum(nil)
	var out hash.AddressHash
	copy(out[:], sum[:hash.Size])
	return out
}

// Clone returns a deep copy of the packet, safe to mutate independently
// (used before modifying Hops/Transport for forwarding).
func (p *Packet) Clone() *Packet {
	clone := *p
	if p.IFAC != nil {
		clone.IFAC = append([]byte(nil), p.IFAC...)
	}
	if p.Transport != nil {
		t := *p.Transport
		clone.Transport = &t
	}
	clone.Data = append([]byte(nil), p.Data...)
	return &clone
}

// IncrementHops returns a copy of the packet with Hops increased by one,
// enforcing the strictly-greater-than-received invariant for forwarding.
func (p *Packet) IncrementHops() *Packet {
	fwd := p.Clone()
	fwd.Hops = p.Hops + 1
	return fwd
}
