package crypto

import (
	"crypto/ed25519"
	"encoding/binary"
)

// SignAnnounce signs the content of a self-announcement: the destination's
// AddressHash, its announce timestamp, and any opaque application data.
// The signed message is: addressHash || timestamp(8 BE) || appData.
func SignAnnounce(signPriv ed25519.PrivateKey, addressHash []byte, timestamp uint64, appData []byte) []byte {
	return ed25519.Sign(signPriv, buildAnnounceSignedMessage(addressHash, timestamp, appData))
}

// VerifyAnnounce checks an announce signature against the signing public
// key carried in the announce itself.
func VerifyAnnounce(signPub ed25519.PublicKey, addressHash []byte, timestamp uint64, appData, sig []byte) bool {
	return ed25519.Verify(signPub, buildAnnounceSignedMessage(addressHash, timestamp, appData), sig)
}

func buildAnnounceSignedMessage(addressHash []byte, timestamp uint64, appData []byte) []byte {
	msg := make([]byte, len(addressHash)+8+len(appData))
	n := copy(msg, addressHash)
	binary.BigEndian.PutUint64(msg[n:n+8], timestamp)
	n += 8
	copy(msg[n:], appData)
	return msg
}
