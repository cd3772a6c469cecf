package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/hexmesh/reticulum-go/core/codec"
)

// pairedOutlet is a fake Outlet that hands every encrypted "packet" (here
// just the raw envelope bytes wrapped in a codec.Packet) straight to a
// peer Channel's Receive, synchronously, so these tests never depend on
// real link crypto or network interfaces.
type pairedOutlet struct {
	mu      sync.Mutex
	peer    *Channel
	usable  bool
	rtt     time.Duration
	mdu     int
	dropNext bool
}

func newPairedOutlet(rtt time.Duration) *pairedOutlet {
	return &pairedOutlet{usable: true, rtt: rtt, mdu: codec.PacketMDU}
}

func (o *pairedOutlet) Send(raw []byte) (*codec.Packet, error) {
	pkt := &codec.Packet{Data: append([]byte(nil), raw...)}
	o.mu.Lock()
	drop := o.dropNext
	o.dropNext = false
	peer := o.peer
	o.mu.Unlock()
	if drop {
		return pkt, nil
	}
	if peer != nil {
		_ = peer.Receive(pkt.Data)
	}
	return pkt, nil
}

func (o *pairedOutlet) Resend(pkt *codec.Packet) (*codec.Packet, error) {
	return o.Send(pkt.Data)
}

func (o *pairedOutlet) MDU() int { return o.mdu }

func (o *pairedOutlet) RTT() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rtt
}

func (o *pairedOutlet) IsUsable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.usable
}

// pair builds two Channels wired so that sending on one synchronously
// delivers (including acks) to the other.
func pair(t *testing.T) (a, b *Channel) {
	t.Helper()
	oa := newPairedOutlet(50 * time.Millisecond)
	ob := newPairedOutlet(50 * time.Millisecond)
	a = New(oa, nil)
	b = New(ob, nil)
	oa.peer = b
	ob.peer = a
	return a, b
}

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	raw := EncodeEnvelope([]byte("payload"), 7, 42)
	if len(raw) != EnvelopeHeaderSize+len("payload") {
		t.Fatalf("encoded length = %d, want %d", len(raw), EnvelopeHeaderSize+len("payload"))
	}
	msgType, seq, payload, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if msgType != 7 || seq != 42 || string(payload) != "payload" {
		t.Fatalf("decoded (%d, %d, %q), want (7, 42, \"payload\")", msgType, seq, payload)
	}
}

func TestEnvelopeHeaderIsBigEndian(t *testing.T) {
	raw := EncodeEnvelope(nil, 0x0102, 0x0304)
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x00, 0x00}
	for i, b := range want {
		if raw[i] != b {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, raw[i], b)
		}
	}
}

func TestDecodeEnvelopeRejectsShort(t *testing.T) {
	if _, _, _, err := DecodeEnvelope([]byte{1, 2, 3}); err != ErrEnvelopeTooShort {
		t.Fatalf("err = %v, want ErrEnvelopeTooShort", err)
	}
}

func TestDecodeEnvelopeRejectsSizeMismatch(t *testing.T) {
	raw := EncodeEnvelope([]byte("abc"), 1, 1)
	raw[4] = 0xFF // corrupt the size field
	if _, _, _, err := DecodeEnvelope(raw); err != ErrEnvelopeMismatch {
		t.Fatalf("err = %v, want ErrEnvelopeMismatch", err)
	}
}

func TestSendDeliversInOrder(t *testing.T) {
	a, b := pair(t)

	var mu sync.Mutex
	var received []string
	b.AddMessageHandler(func(messageType uint16, payload []byte) bool {
		mu.Lock()
		received = append(received, string(payload))
		mu.Unlock()
		return true
	})

	for _, msg := range []string{"one", "two", "three"} {
		if err := a.Send(1, []byte(msg)); err != nil {
			t.Fatalf("Send(%q): %v", msg, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 3 {
		t.Fatalf("received %d messages, want 3: %v", len(received), received)
	}
	for i, want := range []string{"one", "two", "three"} {
		if received[i] != want {
			t.Fatalf("received[%d] = %q, want %q", i, received[i], want)
		}
	}
}

func TestOutOfOrderArrivalWithholdsUntilGapFills(t *testing.T) {
	b := New(newPairedOutlet(10*time.Millisecond), nil)

	var mu sync.Mutex
	var received []uint16
	b.AddMessageHandler(func(messageType uint16, payload []byte) bool {
		mu.Lock()
		received = append(received, messageType)
		mu.Unlock()
		return true
	})

	env1 := EncodeEnvelope(nil, 100, 1)
	env0 := EncodeEnvelope(nil, 200, 0)

	if err := b.Receive(env1); err != nil {
		t.Fatalf("Receive(seq 1): %v", err)
	}
	mu.Lock()
	if len(received) != 0 {
		mu.Unlock()
		t.Fatal("sequence 1 delivered before sequence 0 filled the gap")
	}
	mu.Unlock()

	if err := b.Receive(env0); err != nil {
		t.Fatalf("Receive(seq 0): %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 || received[0] != 200 || received[1] != 100 {
		t.Fatalf("received = %v, want [200 100]", received)
	}
}

func TestDuplicateEnvelopeNotRedelivered(t *testing.T) {
	b := New(newPairedOutlet(10*time.Millisecond), nil)

	var count int
	b.AddMessageHandler(func(messageType uint16, payload []byte) bool {
		count++
		return true
	})

	env := EncodeEnvelope(nil, 1, 0)
	if err := b.Receive(env); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := b.Receive(env); err != nil {
		t.Fatalf("Receive (duplicate): %v", err)
	}
	if count != 1 {
		t.Fatalf("handler invoked %d times, want 1", count)
	}
}

func TestAckDeliversAndGrowsWindow(t *testing.T) {
	a, _ := pair(t)

	initialWindow := a.params.Window
	if err := a.Send(1, []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	a.mu.Lock()
	outstanding := len(a.txRing)
	a.mu.Unlock()
	if outstanding != 0 {
		t.Fatalf("txRing still has %d outstanding envelopes after ack, want 0", outstanding)
	}

	a.mu.Lock()
	grownWindow := a.params.Window
	a.mu.Unlock()
	if grownWindow <= initialWindow {
		t.Fatalf("window did not grow after a successful delivery: %d -> %d", initialWindow, grownWindow)
	}
}

func TestStaleEnvelopeDropped(t *testing.T) {
	b := New(newPairedOutlet(10*time.Millisecond), nil)
	b.nextRxSeq = 1000

	var count int
	b.AddMessageHandler(func(messageType uint16, payload []byte) bool {
		count++
		return true
	})

	// Far behind nextRxSeq by more than WindowMaxFast: stale.
	env := EncodeEnvelope(nil, 1, 0)
	if err := b.Receive(env); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if count != 0 {
		t.Fatal("a stale envelope was delivered to a handler")
	}
}

func TestSequenceJustWithinWindowMaxFastNotStale(t *testing.T) {
	b := New(newPairedOutlet(10*time.Millisecond), nil)
	b.nextRxSeq = 1000

	var delivered int
	b.AddMessageHandler(func(messageType uint16, payload []byte) bool {
		delivered++
		return true
	})

	// Exactly WindowMaxFast behind nextRxSeq: still within the window,
	// held in the rx ring as out-of-order rather than dropped as stale.
	env := EncodeEnvelope(nil, 1, uint16(1000-WindowMaxFast))
	if err := b.Receive(env); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	b.mu.Lock()
	inRxRing := len(b.rxRing)
	b.mu.Unlock()
	if inRxRing != 1 {
		t.Fatalf("rxRing length = %d, want 1 (sequence should have been accepted, not dropped as stale)", inRxRing)
	}
}

func TestSequenceJustBeyondWindowMaxFastIsStale(t *testing.T) {
	b := New(newPairedOutlet(10*time.Millisecond), nil)
	b.nextRxSeq = 1000

	// One past WindowMaxFast behind nextRxSeq: now stale.
	env := EncodeEnvelope(nil, 1, uint16(1000-WindowMaxFast-1))
	if err := b.Receive(env); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	b.mu.Lock()
	inRxRing := len(b.rxRing)
	b.mu.Unlock()
	if inRxRing != 0 {
		t.Fatalf("rxRing length = %d, want 0 (sequence should have been dropped as stale)", inRxRing)
	}
}

func TestFastRTTPromotesWindowAfterTenRounds(t *testing.T) {
	oa := newPairedOutlet(50 * time.Millisecond)
	ob := newPairedOutlet(50 * time.Millisecond)
	a := New(oa, nil)
	b := New(ob, nil)
	oa.peer = b
	ob.peer = a

	for i := 0; i < fastRateThreshold; i++ {
		if err := a.Send(1, []byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.params.WindowMax != windowMaxFast {
		t.Fatalf("WindowMax = %d, want %d after %d fast-RTT rounds", a.params.WindowMax, windowMaxFast, fastRateThreshold)
	}
	if a.params.WindowMin != windowMinLimitFast {
		t.Fatalf("WindowMin = %d, want %d after %d fast-RTT rounds", a.params.WindowMin, windowMinLimitFast, fastRateThreshold)
	}
}

func TestMediumRTTPromotesWindowAfterTenRounds(t *testing.T) {
	oa := newPairedOutlet(800 * time.Millisecond)
	ob := newPairedOutlet(800 * time.Millisecond)
	a := New(oa, nil)
	b := New(ob, nil)
	oa.peer = b
	ob.peer = a

	for i := 0; i < fastRateThreshold; i++ {
		if err := a.Send(1, []byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.params.WindowMax != windowMaxMedium {
		t.Fatalf("WindowMax = %d, want %d after %d medium-RTT rounds", a.params.WindowMax, windowMaxMedium, fastRateThreshold)
	}
	if a.params.WindowMin != windowMinLimitMedium {
		t.Fatalf("WindowMin = %d, want %d after %d medium-RTT rounds", a.params.WindowMin, windowMinLimitMedium, fastRateThreshold)
	}
}

func TestGapBandRTTNeverPromotesWindow(t *testing.T) {
	// Between rttFast (180ms) and rttMedium (750ms): neither band's
	// promotion counter should ever accumulate past zero.
	oa := newPairedOutlet(400 * time.Millisecond)
	ob := newPairedOutlet(400 * time.Millisecond)
	a := New(oa, nil)
	b := New(ob, nil)
	oa.peer = b
	ob.peer = a

	for i := 0; i < fastRateThreshold*2; i++ {
		if err := a.Send(1, []byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.params.WindowMax != windowMaxSlow {
		t.Fatalf("WindowMax = %d, want unchanged %d in the fast/medium gap band", a.params.WindowMax, windowMaxSlow)
	}
	if a.params.FastRateRounds != 0 || a.params.MediumRateRounds != 0 {
		t.Fatalf("rate rounds = (%d, %d), want both 0 in the fast/medium gap band", a.params.FastRateRounds, a.params.MediumRateRounds)
	}
}

func TestSlowRTTResetsRateRounds(t *testing.T) {
	oa := newPairedOutlet(1500 * time.Millisecond)
	ob := newPairedOutlet(1500 * time.Millisecond)
	a := New(oa, nil)
	b := New(ob, nil)
	oa.peer = b
	ob.peer = a

	for i := 0; i < fastRateThreshold; i++ {
		if err := a.Send(1, []byte("x")); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.params.FastRateRounds != 0 || a.params.MediumRateRounds != 0 {
		t.Fatalf("rate rounds = (%d, %d), want both 0 above rttSlow", a.params.FastRateRounds, a.params.MediumRateRounds)
	}
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	a, _ := pair(t)
	a.outlet.(*pairedOutlet).mdu = EnvelopeHeaderSize + 4

	if err := a.Send(1, make([]byte, 100)); err != ErrTooBig {
		t.Fatalf("err = %v, want ErrTooBig", err)
	}
}

func TestSendFailsAfterClose(t *testing.T) {
	a, _ := pair(t)
	a.Close()
	if err := a.Send(1, []byte("x")); err != ErrLinkNotReady {
		t.Fatalf("err = %v, want ErrLinkNotReady", err)
	}
}

func TestWindowLimitsOutstandingEnvelopes(t *testing.T) {
	outA := newPairedOutlet(10 * time.Millisecond)
	a := New(outA, nil)
	wantWindow := a.params.Window

	// No peer wired: sends are never acked, so the window should fill up
	// and reject further sends once Window outstanding envelopes are in
	// flight.
	sent := 0
	for i := 0; i < 100; i++ {
		if err := a.Send(1, []byte("x")); err != nil {
			break
		}
		sent++
	}
	if sent != wantWindow {
		t.Fatalf("sent %d unacked envelopes before the window rejected further sends, want exactly %d", sent, wantWindow)
	}
}

func TestOnLinkTimeoutFiresAfterMaxTries(t *testing.T) {
	outA := newPairedOutlet(1 * time.Millisecond)
	a := New(outA, nil)

	done := make(chan struct{})
	a.OnLinkTimeout(func() { close(done) })

	if err := a.Send(1, []byte("never acked")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnLinkTimeout did not fire after exhausting retry budget")
	}
}
