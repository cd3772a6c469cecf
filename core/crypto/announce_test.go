package crypto

import (
	"crypto/ed25519"
	"testing"
)

func TestSignVerifyAnnounceRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := []byte("0123456789abcdef")
	appData := []byte("hello")

	sig := SignAnnounce(priv, addr, 1000, appData)
	if !VerifyAnnounce(pub, addr, 1000, appData, sig) {
		t.Fatal("VerifyAnnounce rejected a validly signed announce")
	}
}

func TestVerifyAnnounceRejectsTamperedTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := []byte("0123456789abcdef")
	sig := SignAnnounce(priv, addr, 1000, nil)
	if VerifyAnnounce(pub, addr, 1001, nil, sig) {
		t.Fatal("VerifyAnnounce accepted a signature for a different timestamp")
	}
}

func TestVerifyAnnounceRejectsTamperedAppData(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	addr := []byte("0123456789abcdef")
	sig := SignAnnounce(priv, addr, 1000, []byte("original"))
	if VerifyAnnounce(pub, addr, 1000, []byte("tampered"), sig) {
		t.Fatal("VerifyAnnounce accepted a signature over different app data")
	}
}
