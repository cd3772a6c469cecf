// Package link implements the Reticulum Link state machine: the
// per-peer end-to-end encrypted session, its request/proof handshake,
// RTT estimation, keep-alive, and close/restart bookkeeping. Events are
// delivered to subscribers through a bounded broadcast stream rather than
// a single long-lived callback, since a Link can emit more than one kind
// of event over its lifetime.
package link

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/crypto"
	"github.com/hexmesh/reticulum-go/core/hash"
	"github.com/hexmesh/reticulum-go/destination"
	"github.com/hexmesh/reticulum-go/internal/broadcast"
)

// Status is the Link's lifecycle state: Pending -> Active -> Closed
// (terminal).
type Status int

const (
	Pending Status = iota
	Active
	Closed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind identifies the kind of LinkEvent carried on the event stream.
type EventKind int

const (
	EventActivated EventKind = iota
	EventClosed
	EventData
	EventKeepAlive
	EventAnnounce
)

func (k EventKind) String() string {
	switch k {
	case EventActivated:
		return "activated"
	case EventClosed:
		return "closed"
	case EventData:
		return "data"
	case EventKeepAlive:
		return "keepalive"
	case EventAnnounce:
		return "announce"
	default:
		return "unknown"
	}
}

// Event is one item on a Link's event stream.
type Event struct {
	ID      hash.AddressHash
	Kind    EventKind
	Payload []byte // set for EventData, and for EventAnnounce (the announce's app data)
}

const (
	keepAliveRequestByte = 0xFF
	keepAliveReplyByte   = 0xFE

	// InLinkCleanupAge closes an in-link whose peer has gone quiet longer
	// than this.
	InLinkCleanupAge = 20 * time.Second
	// OutLinkRestartAge triggers a restart on an Active out-link idle for
	// longer than this.
	OutLinkRestartAge = 60 * time.Second
	// OutLinkRepeatRequestAge re-sends the LinkRequest for a Pending
	// out-link that has been waiting this long for a Proof.
	OutLinkRepeatRequestAge = 6 * time.Second
	// OutLinkKeepAliveInterval is how often an Active out-link emits a
	// keep-alive probe.
	OutLinkKeepAliveInterval = 5 * time.Second
)

// Link is an end-to-end encrypted session between two destinations.
type Link struct {
	id          hash.AddressHash
	destination destination.Descriptor

	mu           sync.Mutex
	status       Status
	ephemeral    *crypto.EphemeralKeyPair
	peerEphPub   ed25519.PublicKey
	keys         *crypto.LinkKeys
	rtt           time.Duration
	rttEstimated  bool
	requestSent   time.Time
	lastActivity  time.Time
	keepAliveSent time.Time

	// isOutLink records which side created this Link: true for the out-link (we
	// requested it), false for an in-link (we proved it).
	isOutLink bool

	events *broadcast.Broadcaster[Event]
	log    *slog.Logger
}

// New creates an out-link: a Link we are requesting toward destination.
// The Link starts in Pending status; call Request to obtain the
// LinkRequest packet to send.
func New(dest destination.Descriptor, events *broadcast.Broadcaster[Event], logger *slog.Logger) (*Link, error) {
	eph, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key pair: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := deriveLinkID(dest.AddressHash, eph.PublicKey)

	return &Link{
		id:          id,
		destination: dest,
		status:      Pending,
		ephemeral:   eph,
		isOutLink:   true,
		events:      events,
		log:         logger.WithGroup("link"),
	}, nil
}

// NewFromRequest validates an inbound LinkRequest and, on success, returns
// a new in-link in Pending status along with a Prove function that
// produces the Proof packet to send back. The shared secret is derived
// immediately so NewFromRequest can fail fast on a malformed request.
func NewFromRequest(pkt *codec.Packet, signPriv ed25519.PrivateKey, dest destination.Descriptor, events *broadcast.Broadcaster[Event], logger *slog.Logger) (*Link, func() (*codec.Packet, error), error) {
	if len(pkt.Data) < ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("link request payload too short")
	}
	peerPub := ed25519.PublicKey(append([]byte(nil), pkt.Data[:ed25519.PublicKeySize]...))

	eph, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating ephemeral key pair: %w", err)
	}

	secret, err := crypto.ComputeLinkSharedSecret(eph.PrivateKey, peerPub)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving shared secret: %w", err)
	}

	id := deriveLinkID(dest.AddressHash, peerPub)

	keys, err := crypto.DeriveLinkKeys(secret, id[:])
	if err != nil {
		return nil, nil, fmt.Errorf("deriving link keys: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		id:           id,
		destination:  dest,
		status:       Pending,
		ephemeral:    eph,
		peerEphPub:   peerPub,
		keys:         keys,
		isOutLink:    false,
		lastActivity: time.Now(),
		events:       events,
		log:          logger.WithGroup("link"),
	}

	prove := func() (*codec.Packet, error) {
		sig := ed25519.Sign(signPriv, append(append([]byte(nil), id[:]...), eph.PublicKey...))
		proofPayload := append(append([]byte(nil), eph.PublicKey...), sig...)

		l.mu.Lock()
		l.status = Active
		l.mu.Unlock()
		l.events.Send(Event{ID: id, Kind: EventActivated})

		return &codec.Packet{
			HeaderType:      codec.HeaderType1,
			Propagation:     codec.PropagationBroadcast,
			DestinationType: codec.DestinationLink,
			PacketType:      codec.PacketTypeProof,
			Destination:     id,
			Context:         codec.ContextNone,
			Data:            proofPayload,
		}, nil
	}

	return l, prove, nil
}

func deriveLinkID(destAddr hash.AddressHash, ephPub ed25519.PublicKey) hash.AddressHash {
	return hash.Compute(destAddr[:], ephPub)
}

// ID returns the Link's identifier.
func (l *Link) ID() hash.AddressHash { return l.id }

// Status returns the current lifecycle state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// IsUsable reports whether the link can currently carry application
// traffic. Per the corrected predicate adopted from the reference
// implementation's inconsistency (see design notes), this is exactly
// status == Active, not a hardcoded true.
func (l *Link) IsUsable() bool {
	return l.Status() == Active
}

// Destination returns the peer destination descriptor.
func (l *Link) Destination() destination.Descriptor { return l.destination }

// RTT returns the current smoothed round-trip time estimate.
func (l *Link) RTT() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rtt
}

// rttSmoothingAlpha weights each new round-trip sample against the
// running estimate once an initial RTT is already known.
const rttSmoothingAlpha = 0.125

// sampleRTTLocked folds sample into the smoothed RTT estimate. The very first
// sample (from the request/proof handshake) seeds the estimate directly;
// every later sample (from a keep-alive round trip) is blended in with
// an exponentially weighted moving average. Caller holds l.mu.
func (l *Link) sampleRTTLocked(sample time.Duration) {
	if !l.rttEstimated {
		l.rtt = sample
		l.rttEstimated = true
		return
	}
	l.rtt = time.Duration((1-rttSmoothingAlpha)*float64(l.rtt) + rttSmoothingAlpha*float64(sample))
}

// Request produces the LinkRequest packet for an out-link and records the
// send time used later to compute the initial RTT.
func (l *Link) Request() *codec.Packet {
	l.mu.Lock()
	l.requestSent = time.Now()
	l.mu.Unlock()

	return &codec.Packet{
		HeaderType:      codec.HeaderType1,
		Propagation:     codec.PropagationBroadcast,
		DestinationType: codec.DestinationSingle,
		PacketType:      codec.PacketTypeLinkRequest,
		Destination:     l.destination.AddressHash,
		Context:         codec.ContextNone,
		Data:            append([]byte(nil), l.ephemeral.PublicKey...),
	}
}

// DataPacket encrypts payload and produces a Data packet addressed to the
// link id.
func (l *Link) DataPacket(payload []byte) (*codec.Packet, error) {
	l.mu.Lock()
	keys := l.keys
	status := l.status
	l.mu.Unlock()

	if status != Active {
		return nil, fmt.Errorf("link not active")
	}
	if keys == nil {
		return nil, fmt.Errorf("link has no session keys")
	}

	ct, err := keys.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("encrypting data packet: %w", err)
	}

	return &codec.Packet{
		HeaderType:      codec.HeaderType1,
		Propagation:     codec.PropagationBroadcast,
		DestinationType: codec.DestinationLink,
		PacketType:      codec.PacketTypeData,
		Destination:     l.id,
		Context:         codec.ContextChannel,
		Data:            ct,
	}, nil
}

// linkCryptoOverhead is the largest per-packet expansion Encrypt adds: a
// 16-byte IV, up to one 16-byte block of PKCS#7 padding, and a 32-byte
// HMAC-SHA256 tag.
const linkCryptoOverhead = 16 + 16 + 32

// Send implements channel.Outlet: it encrypts payload as a Data packet,
// satisfying the Channel's view of a Link as a thing it can hand framed
// bytes to.
func (l *Link) Send(raw []byte) (*codec.Packet, error) {
	return l.DataPacket(raw)
}

// Resend implements channel.Outlet. Reticulum links re-derive a fresh
// ciphertext (new random IV) for a retransmission rather than replaying
// the exact prior wire bytes, so Resend re-encrypts the original
// plaintext rather than returning pkt unchanged.
func (l *Link) Resend(pkt *codec.Packet) (*codec.Packet, error) {
	l.mu.Lock()
	keys := l.keys
	l.mu.Unlock()
	if keys == nil {
		return nil, fmt.Errorf("link has no session keys")
	}

	plaintext, err := keys.Decrypt(pkt.Data)
	if err != nil {
		return nil, fmt.Errorf("decrypting envelope for resend: %w", err)
	}
	return l.DataPacket(plaintext)
}

// MDU implements channel.Outlet: the packet data budget less the Link's
// own encryption overhead.
func (l *Link) MDU() int {
	return codec.PacketMDU - linkCryptoOverhead
}

// keepAlivePacket produces a keep-alive (sentinel) packet addressed to the
// link id.
func (l *Link) keepAlivePacket(sentinel byte) *codec.Packet {
	return &codec.Packet{
		HeaderType:      codec.HeaderType1,
		Propagation:     codec.PropagationBroadcast,
		DestinationType: codec.DestinationLink,
		PacketType:      codec.PacketTypeData,
		Destination:     l.id,
		Context:         codec.ContextKeepAlive,
		Data:            []byte{sentinel},
	}
}

// KeepAlive produces the 0xFF keep-alive probe an Active out-link sends
// periodically, recording the send time so the matching 0xFE reply can
// be folded into the RTT estimate.
func (l *Link) KeepAlive() *codec.Packet {
	l.mu.Lock()
	l.keepAliveSent = time.Now()
	l.mu.Unlock()
	return l.keepAlivePacket(keepAliveRequestByte)
}

// HandleResult describes what HandlePacket observed, so the Transport
// Handler can decide whether a reply packet needs to be sent.
type HandleResult struct {
	Kind         EventKind
	ReplyPacket  *codec.Packet // set only for a KeepAlive request needing a 0xFE reply
	Payload      []byte
	Handled      bool
}

// HandlePacket dispatches an inbound packet addressed to this link by
// context: decrypting Data, replying to keep-alive probes, activating a
// Pending out-link on a valid Proof, and ignoring everything else once
// Closed.
func (l *Link) HandlePacket(pkt *codec.Packet) HandleResult {
	l.mu.Lock()
	status := l.status
	l.mu.Unlock()

	if status == Closed {
		return HandleResult{}
	}

	switch {
	case pkt.PacketType == codec.PacketTypeProof && status == Pending && l.isOutLink:
		return l.handleProof(pkt)
	case pkt.PacketType == codec.PacketTypeData && pkt.Context == codec.ContextKeepAlive:
		return l.handleKeepAlive(pkt)
	case pkt.PacketType == codec.PacketTypeData && pkt.Context == codec.ContextChannel:
		return l.handleData(pkt)
	default:
		return HandleResult{}
	}
}

func (l *Link) handleProof(pkt *codec.Packet) HandleResult {
	if len(pkt.Data) < ed25519.PublicKeySize+ed25519.SignatureSize {
		return HandleResult{}
	}
	peerPub := ed25519.PublicKey(pkt.Data[:ed25519.PublicKeySize])
	sig := pkt.Data[ed25519.PublicKeySize:]

	signed := append(append([]byte(nil), l.id[:]...), peerPub...)
	if !ed25519.Verify(l.destination.Identity.SignPub, signed, sig) {
		l.log.Debug("dropping proof with invalid signature", "link", l.id)
		return HandleResult{}
	}

	secret, err := crypto.ComputeLinkSharedSecret(l.ephemeral.PrivateKey, peerPub)
	if err != nil {
		l.log.Debug("dropping proof: ECDH failed", "link", l.id, "error", err)
		return HandleResult{}
	}
	keys, err := crypto.DeriveLinkKeys(secret, l.id[:])
	if err != nil {
		l.log.Debug("dropping proof: key derivation failed", "link", l.id, "error", err)
		return HandleResult{}
	}

	now := time.Now()
	l.mu.Lock()
	l.peerEphPub = peerPub
	l.keys = keys
	l.status = Active
	l.lastActivity = now
	l.sampleRTTLocked(now.Sub(l.requestSent))
	l.mu.Unlock()

	l.events.Send(Event{ID: l.id, Kind: EventActivated})

	return HandleResult{Kind: EventActivated, Handled: true}
}

func (l *Link) handleKeepAlive(pkt *codec.Packet) HandleResult {
	if len(pkt.Data) == 0 {
		return HandleResult{}
	}
	l.touch()

	switch pkt.Data[0] {
	case keepAliveRequestByte:
		return HandleResult{Kind: EventKeepAlive, ReplyPacket: l.keepAlivePacket(keepAliveReplyByte), Handled: true}
	case keepAliveReplyByte:
		now := time.Now()
		l.mu.Lock()
		if !l.keepAliveSent.IsZero() {
			l.sampleRTTLocked(now.Sub(l.keepAliveSent))
		}
		l.mu.Unlock()
		return HandleResult{Kind: EventKeepAlive, Handled: true}
	default:
		return HandleResult{}
	}
}

func (l *Link) handleData(pkt *codec.Packet) HandleResult {
	l.mu.Lock()
	keys := l.keys
	l.mu.Unlock()
	if keys == nil {
		return HandleResult{}
	}

	plaintext, err := keys.Decrypt(pkt.Data)
	if err != nil {
		l.log.Debug("dropping data packet: decrypt failed", "link", l.id, "error", err)
		return HandleResult{}
	}

	l.touch()
	l.events.Send(Event{ID: l.id, Kind: EventData, Payload: plaintext})

	return HandleResult{Kind: EventData, Payload: plaintext, Handled: true}
}

func (l *Link) touch() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

// Elapsed returns the time since the link's last activity.
func (l *Link) Elapsed() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastActivity)
}

// RequestAge returns how long ago Request() was called (relevant to
// Pending out-links awaiting a Proof).
func (l *Link) RequestAge() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.requestSent.IsZero() {
		return 0
	}
	return time.Since(l.requestSent)
}

// Restart resets an Active out-link's activity timers, as the periodic
// maintenance loop does for links older than OutLinkRestartAge.
func (l *Link) Restart() {
	l.mu.Lock()
	l.lastActivity = time.Now()
	l.mu.Unlock()
}

// Close transitions the link to Closed and emits EventClosed exactly
// once. Calling Close on an already-closed link is a no-op.
func (l *Link) Close() {
	l.mu.Lock()
	if l.status == Closed {
		l.mu.Unlock()
		return
	}
	l.status = Closed
	l.mu.Unlock()

	l.events.Send(Event{ID: l.id, Kind: EventClosed})
}
