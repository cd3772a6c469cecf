package identity

import "testing"

func TestNewProducesVerifiableIdentity(t *testing.T) {
	priv, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg := []byte("hello reticulum")
	sig := priv.Sign(msg)
	if !priv.Identity.Verify(msg, sig) {
		t.Fatal("expected signature to verify against own identity")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sig := priv.Sign([]byte("original"))
	if priv.Identity.Verify([]byte("tampered"), sig) {
		t.Fatal("expected verification to fail for a tampered message")
	}
}

func TestFromPrivateKeysReconstructsSamePublicIdentity(t *testing.T) {
	priv, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reconstructed, err := FromPrivateKeys(priv.EncryptPriv, priv.SignPriv)
	if err != nil {
		t.Fatalf("FromPrivateKeys: %v", err)
	}
	if reconstructed.EncryptPub != priv.EncryptPub {
		t.Fatal("reconstructed EncryptPub does not match original")
	}
	if reconstructed.String() != priv.String() {
		t.Fatal("reconstructed identity string does not match original")
	}
}

func TestFromPrivateKeysRejectsBadSignKeySize(t *testing.T) {
	var encPriv [KeySize]byte
	if _, err := FromPrivateKeys(encPriv, make([]byte, 10)); err == nil {
		t.Fatal("expected an error for an undersized signing private key")
	}
}

func TestDestinationAddressHashDependsOnNameAndIdentity(t *testing.T) {
	priv1, _ := New()
	priv2, _ := New()

	h1 := DestinationAddressHash("app.aspect", &priv1.Identity)
	h2 := DestinationAddressHash("app.aspect", &priv2.Identity)
	if h1 == h2 {
		t.Fatal("expected different identities to produce different destination hashes for the same name")
	}

	h3 := DestinationAddressHash("other.aspect", &priv1.Identity)
	if h1 == h3 {
		t.Fatal("expected different names to produce different destination hashes for the same identity")
	}
}

func TestPlainDestinationAddressHashIsIdentityIndependent(t *testing.T) {
	h1 := PlainDestinationAddressHash("broadcast.aspect")
	h2 := PlainDestinationAddressHash("broadcast.aspect")
	if h1 != h2 {
		t.Fatal("expected PlainDestinationAddressHash to be deterministic for the same name")
	}
}
