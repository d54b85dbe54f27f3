package pruv

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// SignatureSize is the length of an entry signature in bytes. Encoded
// signatures are hex strings of 2*SignatureSize characters.
const SignatureSize = ed25519.SignatureSize

// KeyPair holds an Ed25519 signing key and its public half.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed derives a deterministic key pair from a 32-byte hex
// seed. Used when the key must survive process restarts.
func KeyPairFromSeed(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: expected %d, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicHex returns the hex encoding of the public key.
func (k *KeyPair) PublicHex() string { return hex.EncodeToString(k.Public) }

// entrySigningPayload frames the fields a signature covers: index,
// timestamp, both state hashes and the previous hash. Covering index and
// timestamp prevents reordering and replay of otherwise identical
// transitions.
func entrySigningPayload(e *Entry) []byte {
	buf := make([]byte, 0, 16+3*2*HashSize)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], e.Index)
	buf = append(buf, idx[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp.UnixNano()))
	buf = append(buf, ts[:]...)
	buf = append(buf, e.XHash...)
	buf = append(buf, e.YHash...)
	buf = append(buf, e.PrevHash...)
	return buf
}

// SignEntry signs e in place, setting Signature and PublicKey.
func SignEntry(e *Entry, kp *KeyPair) error {
	if kp == nil || len(kp.Private) == 0 {
		return errors.New("pruv: signing requires a key pair")
	}
	sig := ed25519.Sign(kp.Private, entrySigningPayload(e))
	e.Signature = hex.EncodeToString(sig)
	e.PublicKey = kp.PublicHex()
	return nil
}

// VerifyEntrySignature checks e's signature against its claimed public
// key. A failure is a validation outcome, not an error: malformed or
// mismatched signatures simply report false.
func VerifyEntrySignature(e *Entry) bool {
	if e.Signature == "" || e.PublicKey == "" {
		return false
	}
	pub, err := hex.DecodeString(e.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(e.Signature)
	if err != nil || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), entrySigningPayload(e), sig)
}

// signPayload signs an arbitrary payload (used for receipts).
func signPayload(payload []byte, kp *KeyPair) (sigHex, pubHex string, err error) {
	if kp == nil || len(kp.Private) == 0 {
		return "", "", errors.New("pruv: signing requires a key pair")
	}
	sig := ed25519.Sign(kp.Private, payload)
	return hex.EncodeToString(sig), kp.PublicHex(), nil
}

// verifyPayload checks a detached hex signature over payload.
func verifyPayload(payload []byte, sigHex, pubHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}
