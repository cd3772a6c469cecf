// Package channel implements the ordered, windowed, retransmitting
// message layer that runs on top of a Link: envelope framing, adaptive
// congestion window, retry/timeout handling, and in-order delivery to
// registered message handlers.
//
// A Channel never stores a Link directly, only the small Outlet
// interface, and every timer closure captures the Channel by pointer and
// checks a closed flag before touching state, so a shut-down Channel's
// pending timers become no-ops rather than keeping anything alive or
// requiring reference counting to break a Link/Channel ownership cycle.
package channel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hexmesh/reticulum-go/core/codec"
)

// Outlet is the sending/timing surface a Channel needs from its
// underlying Link. *link.Link satisfies it.
type Outlet interface {
	Send(raw []byte) (*codec.Packet, error)
	Resend(pkt *codec.Packet) (*codec.Packet, error)
	MDU() int
	RTT() time.Duration
	IsUsable() bool
}

var (
	ErrLinkNotReady     = errors.New("channel: link is not ready to send")
	ErrTooBig           = errors.New("channel: message exceeds channel MDU")
	ErrNoHandler        = errors.New("channel: no handler registered for message type")
	ErrEnvelopeTooShort = errors.New("channel: envelope shorter than header size")
	ErrEnvelopeMismatch = errors.New("channel: envelope size field does not match payload length")
)

// EnvelopeHeaderSize is the fixed 6-byte envelope header: message type (2),
// sequence (2), size (2), all big-endian.
const EnvelopeHeaderSize = 6

// ackMessageType is a reserved message type identifying an envelope as a
// delivery acknowledgement rather than application payload. A Link's Data
// packets carry no per-packet delivery receipt of their own, so the
// Channel layer acknowledges receipt itself, one small envelope per
// accepted sequence, and never hands an ack envelope to a MessageHandler.
const ackMessageType uint16 = 0xFFFF

const (
	windowDefault = 2

	windowMin             = 2
	windowMinLimitSlow    = 2
	windowMinLimitMedium  = 5
	windowMinLimitFast    = 16

	windowMaxSlow   = 5
	windowMaxMedium = 12
	windowMaxFast   = 48

	fastRateThreshold = 10

	rttFast   = 180 * time.Millisecond
	rttMedium = 750 * time.Millisecond
	rttSlow   = 1450 * time.Millisecond

	windowFlexibility = 4

	maxTriesDefault = 5
)

// WindowMaxFast is exported because it also bounds how far behind the
// current receive pointer a sequence number may be before it is treated
// as stale rather than merely out of order.
const WindowMaxFast = windowMaxFast

// Params holds the Channel's adaptive congestion-window state.
type Params struct {
	MaxTries          int
	FastRateRounds    int
	MediumRateRounds  int
	Window            int
	WindowMax         int
	WindowMin         int
	WindowFlexibility int
}

// newParams seeds the window bounds based on whether the link's initial
// RTT was already known to be slow.
func newParams(slow bool) Params {
	if slow {
		return Params{
			MaxTries:          maxTriesDefault,
			Window:            1,
			WindowMax:         1,
			WindowMin:         1,
			WindowFlexibility: 1,
		}
	}
	return Params{
		MaxTries:          maxTriesDefault,
		Window:            windowDefault,
		WindowMax:         windowMaxSlow,
		WindowMin:         windowMin,
		WindowFlexibility: windowFlexibility,
	}
}

// MessageHandler is invoked for each in-order delivered message. It
// returns true if the message was consumed and no further handler in the
// chain should see it.
type MessageHandler func(messageType uint16, payload []byte) bool

// envelope tracks one in-flight (tx) or received-but-not-yet-delivered
// (rx) message.
type envelope struct {
	sequence    uint16
	messageType uint16 // set only for rx envelopes awaiting delivery
	raw         []byte
	packet      *codec.Packet
	tries       int
	timestamp   time.Time
	tracked     bool
	timer       *time.Timer
}

// Channel is the ordered, windowed, retransmitting layer over a Link.
type Channel struct {
	mu            sync.Mutex
	outlet        Outlet
	txRing        []*envelope
	rxRing        []*envelope
	nextSeq       uint16
	nextRxSeq     uint16
	params        Params
	handlers      []MessageHandler
	onLinkTimeout func()
	closed        bool
	nowFn         func() time.Time
	log           *slog.Logger
}

// New creates a Channel over outlet. The initial window is seeded
// narrow if the link's current RTT estimate is already above rttSlow.
func New(outlet Outlet, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		outlet: outlet,
		params: newParams(outlet.RTT() > rttSlow),
		nowFn:  time.Now,
		log:    logger.WithGroup("channel"),
	}
}

// OnLinkTimeout registers the callback invoked when an envelope exhausts
// its retry budget, signalling that the underlying link should be torn
// down.
func (c *Channel) OnLinkTimeout(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLinkTimeout = fn
}

// AddMessageHandler appends a handler to the delivery chain.
func (c *Channel) AddMessageHandler(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// MDU returns the largest message payload the channel can carry in a
// single packet: the link's MDU less the envelope header.
func (c *Channel) MDU() int {
	return c.outlet.MDU() - EnvelopeHeaderSize
}

// EncodeEnvelope frames payload with the 6-byte big-endian header.
func EncodeEnvelope(payload []byte, messageType, sequence uint16) []byte {
	out := make([]byte, EnvelopeHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], messageType)
	binary.BigEndian.PutUint16(out[2:4], sequence)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(payload)))
	copy(out[EnvelopeHeaderSize:], payload)
	return out
}

// DecodeEnvelope parses a frame produced by EncodeEnvelope.
func DecodeEnvelope(raw []byte) (messageType, sequence uint16, payload []byte, err error) {
	if len(raw) < EnvelopeHeaderSize {
		return 0, 0, nil, ErrEnvelopeTooShort
	}
	messageType = binary.BigEndian.Uint16(raw[0:2])
	sequence = binary.BigEndian.Uint16(raw[2:4])
	size := binary.BigEndian.Uint16(raw[4:6])
	payload = raw[EnvelopeHeaderSize:]
	if int(size) != len(payload) {
		return 0, 0, nil, ErrEnvelopeMismatch
	}
	return messageType, sequence, payload, nil
}

// isReadyToSendLocked reports whether the channel may emit another
// envelope: the outlet must be usable and fewer than Window envelopes
// may currently be outstanding. Caller holds c.mu.
func (c *Channel) isReadyToSendLocked() bool {
	if !c.outlet.IsUsable() {
		return false
	}
	outstanding := 0
	for _, e := range c.txRing {
		if e.tracked {
			outstanding++
		}
	}
	return outstanding < c.params.Window
}

// Send frames and transmits payload as messageType, returning once the
// packet has been handed to the outlet. Delivery is asynchronous: the
// envelope is transmitted up to Params.MaxTries times in total (the
// first send plus retries) before OnLinkTimeout fires.
func (c *Channel) Send(messageType uint16, payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrLinkNotReady
	}
	if !c.isReadyToSendLocked() {
		c.mu.Unlock()
		return ErrLinkNotReady
	}

	seq := c.nextSeq
	raw := EncodeEnvelope(payload, messageType, seq)
	if len(raw) > c.outlet.MDU() {
		c.mu.Unlock()
		return ErrTooBig
	}
	c.nextSeq++

	env := &envelope{sequence: seq, raw: raw, timestamp: c.nowFn(), tracked: true}
	c.insertTxLocked(env)
	c.mu.Unlock()

	pkt, err := c.outlet.Send(raw)
	if err != nil {
		c.mu.Lock()
		c.removeTxLocked(env)
		c.mu.Unlock()
		return fmt.Errorf("sending envelope: %w", err)
	}

	c.mu.Lock()
	env.packet = pkt
	env.tries = 1
	window := c.params.Window
	c.mu.Unlock()

	c.armTimeout(env, window)
	return nil
}

func (c *Channel) insertTxLocked(env *envelope) {
	for i, e := range c.txRing {
		if e.sequence == env.sequence {
			return
		}
		if seqLess(env.sequence, e.sequence) {
			c.txRing = append(c.txRing, nil)
			copy(c.txRing[i+1:], c.txRing[i:])
			c.txRing[i] = env
			return
		}
	}
	c.txRing = append(c.txRing, env)
}

func (c *Channel) removeTxLocked(env *envelope) {
	for i, e := range c.txRing {
		if e == env {
			c.txRing = append(c.txRing[:i], c.txRing[i+1:]...)
			return
		}
	}
}

func (c *Channel) findTxLocked(seq uint16) *envelope {
	for _, e := range c.txRing {
		if e.sequence == seq {
			return e
		}
	}
	return nil
}

// seqLess reports whether a precedes b in the 16-bit sequence space,
// tolerant of wrap-around (half the space is treated as "ahead").
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// timeoutDuration implements T(rtt, N, tries) = 1.5^(tries-1) *
// max(2.5*rtt, 25ms) * (N+1.5), where N is the current window size.
func (c *Channel) timeoutDuration(tries, window int) time.Duration {
	rtt := c.outlet.RTT()
	base := time.Duration(float64(rtt) * 2.5)
	if base < 25*time.Millisecond {
		base = 25 * time.Millisecond
	}
	backoff := math.Pow(1.5, float64(tries-1))
	factor := float64(window) + 1.5
	return time.Duration(float64(base) * backoff * factor)
}

func (c *Channel) armTimeout(env *envelope, window int) {
	d := c.timeoutDuration(env.tries, window)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	env.timer = time.AfterFunc(d, func() { c.onTimeout(env) })
	c.mu.Unlock()
}

// Delivered is called by the owning Link/Transport when an
// acknowledgement for sequence arrives, completing the envelope and
// growing the congestion window.
func (c *Channel) Delivered(sequence uint16) {
	c.mu.Lock()
	env := c.findTxLocked(sequence)
	if env == nil || !env.tracked {
		c.mu.Unlock()
		return
	}
	env.tracked = false
	if env.timer != nil {
		env.timer.Stop()
	}
	c.removeTxLocked(env)

	if c.params.Window < c.params.WindowMax {
		c.params.Window++
	}

	rtt := c.outlet.RTT()
	if rtt > 0 {
		switch {
		case rtt > rttSlow:
			c.params.FastRateRounds = 0
			c.params.MediumRateRounds = 0
		case rtt > rttMedium:
			c.params.FastRateRounds = 0
			c.params.MediumRateRounds++
			if c.params.WindowMax < windowMaxMedium && c.params.MediumRateRounds == fastRateThreshold {
				c.params.WindowMax = windowMaxMedium
				c.params.WindowMin = windowMinLimitMedium
			}
		case rtt > rttFast:
			c.params.FastRateRounds = 0
			c.params.MediumRateRounds = 0
		default:
			c.params.MediumRateRounds = 0
			c.params.FastRateRounds++
			if c.params.WindowMax < windowMaxFast && c.params.FastRateRounds == fastRateThreshold {
				c.params.WindowMax = windowMaxFast
				c.params.WindowMin = windowMinLimitFast
			}
		}
	}
	c.mu.Unlock()
}

func (c *Channel) onTimeout(env *envelope) {
	c.mu.Lock()
	if c.closed || !env.tracked {
		c.mu.Unlock()
		return
	}

	if env.tries >= c.params.MaxTries {
		env.tracked = false
		c.removeTxLocked(env)
		cb := c.onLinkTimeout
		c.mu.Unlock()
		c.log.Warn("envelope exceeded retry budget, tearing down link", "sequence", env.sequence, "tries", env.tries)
		if cb != nil {
			cb()
		}
		return
	}

	env.tries++
	if c.params.Window > c.params.WindowMin {
		c.params.Window--
		if c.params.WindowMax > c.params.WindowMin+c.params.WindowFlexibility {
			c.params.WindowMax--
		}
	}
	window := c.params.Window
	pkt := env.packet
	c.mu.Unlock()

	newPkt, err := c.outlet.Resend(pkt)
	if err != nil {
		c.log.Debug("resend failed", "sequence", env.sequence, "error", err)
	} else if newPkt != nil {
		c.mu.Lock()
		env.packet = newPkt
		c.mu.Unlock()
	}

	c.armTimeout(env, window)
}

// Receive processes an inbound envelope-framed packet: validating its
// framing, discarding duplicates and stale sequences, holding
// out-of-order arrivals in the receive ring, and delivering every
// contiguous run starting at the next expected sequence to the
// registered handlers.
func (c *Channel) Receive(raw []byte) error {
	messageType, sequence, payload, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}

	if messageType == ackMessageType {
		c.Delivered(sequence)
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.isStaleLocked(sequence) {
		c.mu.Unlock()
		c.log.Debug("dropping stale envelope", "sequence", sequence)
		return nil
	}
	duplicate := false
	for _, e := range c.rxRing {
		if e.sequence == sequence {
			duplicate = true
			break
		}
	}
	if !duplicate {
		payloadCopy := append([]byte(nil), payload...)
		c.insertRxLocked(&envelope{sequence: sequence, messageType: messageType, raw: payloadCopy, timestamp: c.nowFn()})
	}

	deliverable := c.drainDeliverableLocked()
	handlers := append([]MessageHandler(nil), c.handlers...)
	c.mu.Unlock()

	c.sendAck(sequence)

	for _, d := range deliverable {
		dispatch(handlers, d.messageType, d.raw)
	}
	return nil
}

// sendAck transmits a small unretried acknowledgement envelope for
// sequence. Acks are best-effort: losing one only costs the sender a
// retransmit, which itself triggers a fresh ack.
func (c *Channel) sendAck(sequence uint16) {
	ack := EncodeEnvelope(nil, ackMessageType, sequence)
	if _, err := c.outlet.Send(ack); err != nil {
		c.log.Debug("failed to send ack", "sequence", sequence, "error", err)
	}
}

func dispatch(handlers []MessageHandler, messageType uint16, payload []byte) {
	for _, h := range handlers {
		if h(messageType, payload) {
			return
		}
	}
}

// isStaleLocked reports whether sequence is too far behind nextRxSeq to
// still be meaningfully delivered, per the WindowMaxFast stale-detection
// window.
func (c *Channel) isStaleLocked(sequence uint16) bool {
	behind := c.nextRxSeq - sequence
	return behind != 0 && behind < 0x8000 && int(behind) > WindowMaxFast
}

func (c *Channel) insertRxLocked(env *envelope) {
	for i, e := range c.rxRing {
		if seqLess(env.sequence, e.sequence) {
			c.rxRing = append(c.rxRing, nil)
			copy(c.rxRing[i+1:], c.rxRing[i:])
			c.rxRing[i] = env
			return
		}
	}
	c.rxRing = append(c.rxRing, env)
}

// drainDeliverableLocked pops every rxRing entry whose sequence equals
// nextRxSeq, in order, advancing nextRxSeq past each one. It stops at
// the first gap, so a single out-of-order arrival blocks delivery of
// everything after it until the gap fills.
func (c *Channel) drainDeliverableLocked() []*envelope {
	var out []*envelope
	for len(c.rxRing) > 0 && c.rxRing[0].sequence == c.nextRxSeq {
		out = append(out, c.rxRing[0])
		c.rxRing = c.rxRing[1:]
		c.nextRxSeq++
	}
	return out
}

// Close shuts the channel down: outstanding timers are stopped and no
// further sends or deliveries will occur. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, e := range c.txRing {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	c.txRing = nil
	c.rxRing = nil
	c.handlers = nil
}
