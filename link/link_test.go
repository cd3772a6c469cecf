package link

import (
	"testing"
	"time"

	"github.com/hexmesh/reticulum-go/core/codec"
	"github.com/hexmesh/reticulum-go/core/identity"
	"github.com/hexmesh/reticulum-go/destination"
	"github.com/hexmesh/reticulum-go/internal/broadcast"
)

// handshake builds a matched pair of out-link/in-link Links that have
// completed the request/proof exchange, as the Transport Handler would
// drive it: the out-link issues a Request, the in-link validates it via
// NewFromRequest and produces a Proof, and the out-link activates on that
// Proof.
func handshake(t *testing.T) (out *Link, in *Link) {
	t.Helper()

	priv, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	dest := destination.Descriptor{
		AddressHash: identity.DestinationAddressHash("test.aspect", &priv.Identity),
		Identity:    priv.Identity,
		Name:        "test.aspect",
	}

	outEvents := broadcast.New[Event]()
	inEvents := broadcast.New[Event]()

	out, err = New(dest, outEvents, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := out.Request()

	in, prove, err := NewFromRequest(req, priv.SignPriv, dest, inEvents, nil)
	if err != nil {
		t.Fatalf("NewFromRequest: %v", err)
	}
	proof, err := prove()
	if err != nil {
		t.Fatalf("prove: %v", err)
	}

	res := out.HandlePacket(proof)
	if res.Kind != EventActivated {
		t.Fatalf("out-link did not activate on proof: %+v", res)
	}
	return out, in
}

func TestHandshakeActivatesBothSides(t *testing.T) {
	out, in := handshake(t)
	if out.Status() != Active {
		t.Fatalf("out-link status = %s, want active", out.Status())
	}
	if in.Status() != Active {
		t.Fatalf("in-link status = %s, want active", in.Status())
	}
	if out.ID() != in.ID() {
		t.Fatalf("out-link id %s != in-link id %s", out.ID(), in.ID())
	}
}

func TestIsUsableMatchesActiveStatus(t *testing.T) {
	priv, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	dest := destination.Descriptor{
		AddressHash: identity.DestinationAddressHash("pending.test", &priv.Identity),
		Identity:    priv.Identity,
	}
	l, err := New(dest, broadcast.New[Event](), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.IsUsable() {
		t.Fatal("a Pending link should not be usable")
	}

	out, _ := handshake(t)
	if !out.IsUsable() {
		t.Fatal("an Active link should be usable")
	}
	out.Close()
	if out.IsUsable() {
		t.Fatal("a Closed link should not be usable")
	}
}

func TestDataPacketRoundTripsThroughPeer(t *testing.T) {
	out, in := handshake(t)

	pkt, err := out.DataPacket([]byte("application payload"))
	if err != nil {
		t.Fatalf("DataPacket: %v", err)
	}

	res := in.HandlePacket(pkt)
	if res.Kind != EventData || !res.Handled {
		t.Fatalf("in-link did not deliver data: %+v", res)
	}
	if string(res.Payload) != "application payload" {
		t.Fatalf("decrypted payload = %q", res.Payload)
	}
}

func TestDataPacketFailsWhenNotActive(t *testing.T) {
	priv, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	dest := destination.Descriptor{
		AddressHash: identity.DestinationAddressHash("pending.test", &priv.Identity),
		Identity:    priv.Identity,
	}
	l, err := New(dest, broadcast.New[Event](), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l.DataPacket([]byte("x")); err == nil {
		t.Fatal("expected error sending data over a Pending link")
	}
}

func TestResendReencryptsRatherThanReplaying(t *testing.T) {
	out, in := handshake(t)

	pkt, err := out.DataPacket([]byte("retry me"))
	if err != nil {
		t.Fatalf("DataPacket: %v", err)
	}
	resent, err := out.Resend(pkt)
	if err != nil {
		t.Fatalf("Resend: %v", err)
	}
	if string(resent.Data) == string(pkt.Data) {
		t.Fatal("Resend returned identical ciphertext; expected a fresh IV per retransmission")
	}

	res := in.HandlePacket(resent)
	if res.Kind != EventData || string(res.Payload) != "retry me" {
		t.Fatalf("resent packet did not decrypt correctly: %+v", res)
	}
}

func TestKeepAliveRequestAndReply(t *testing.T) {
	out, in := handshake(t)

	probe := out.KeepAlive()
	res := in.HandlePacket(probe)
	if res.Kind != EventKeepAlive || res.ReplyPacket == nil {
		t.Fatalf("in-link did not produce a keep-alive reply: %+v", res)
	}

	reply := res.ReplyPacket
	if reply.Data[0] != keepAliveReplyByte {
		t.Fatalf("reply sentinel = 0x%02x, want 0x%02x", reply.Data[0], keepAliveReplyByte)
	}

	res2 := out.HandlePacket(reply)
	if res2.Kind != EventKeepAlive {
		t.Fatalf("out-link did not handle keep-alive reply: %+v", res2)
	}
}

func TestRTTSeededFromHandshakeThenSmoothed(t *testing.T) {
	out, _ := handshake(t)
	initial := out.RTT()
	if initial <= 0 {
		t.Fatal("expected a positive initial RTT from the handshake round trip")
	}

	out.mu.Lock()
	out.keepAliveSent = time.Now().Add(-500 * time.Millisecond)
	out.mu.Unlock()

	reply := out.keepAlivePacket(keepAliveReplyByte)
	out.HandlePacket(reply)

	updated := out.RTT()
	if updated == initial {
		t.Fatal("RTT did not change after a keep-alive sample")
	}
	// EWMA blends 87.5% of the old estimate with 12.5% of a much larger
	// sample, so the result must move toward the sample but stay well
	// below it.
	if updated >= 500*time.Millisecond {
		t.Fatalf("RTT moved too far toward a single sample: %s", updated)
	}
}

func TestCloseIsIdempotentAndEmitsOnce(t *testing.T) {
	out, _ := handshake(t)
	sub, id := out.events.Subscribe()
	defer out.events.Unsubscribe(id)

	out.Close()
	out.Close()

	closedCount := 0
	drain := true
	for drain {
		select {
		case ev := <-sub.C():
			if ev.Value.Kind == EventClosed {
				closedCount++
			}
		default:
			drain = false
		}
	}
	if closedCount != 1 {
		t.Fatalf("EventClosed delivered %d times, want exactly 1", closedCount)
	}
}

func TestHandlePacketIgnoredOnceClosed(t *testing.T) {
	out, in := handshake(t)
	out.Close()

	pkt, err := in.DataPacket([]byte("after close"))
	if err == nil {
		res := out.HandlePacket(pkt)
		if res.Handled {
			t.Fatal("a Closed link should not handle inbound packets")
		}
	}
}

func TestElapsedAndRequestAge(t *testing.T) {
	priv, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	dest := destination.Descriptor{
		AddressHash: identity.DestinationAddressHash("age.test", &priv.Identity),
		Identity:    priv.Identity,
	}
	l, err := New(dest, broadcast.New[Event](), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Request()
	time.Sleep(5 * time.Millisecond)
	if l.RequestAge() <= 0 {
		t.Fatal("RequestAge should be positive shortly after Request()")
	}
}

func TestRequestPacketRoundTripsThroughWireCodec(t *testing.T) {
	priv, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	destAddr := identity.DestinationAddressHash("id.test", &priv.Identity)

	out, err := New(destination.Descriptor{AddressHash: destAddr, Identity: priv.Identity}, broadcast.New[Event](), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := out.Request()

	if len(req.Data) == 0 {
		t.Fatal("request payload should carry the ephemeral public key")
	}
	if _, err := codec.Decode(mustEncode(t, req)); err != nil {
		t.Fatalf("request packet failed to round-trip through the wire codec: %v", err)
	}
}

func mustEncode(t *testing.T, p *codec.Packet) []byte {
	t.Helper()
	raw, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return raw
}
