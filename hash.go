package pruv

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashSize is the digest size in bytes. Digests travel as lowercase hex
// strings of 2*HashSize characters so that any independent
// implementation can byte-for-byte reproduce them.
const HashSize = sha256.Size

// GenesisHash is the sentinel prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CanonicalJSON returns the canonical encoding of v. The rule is part of
// the wire contract: the value is marshaled with encoding/json, decoded
// back into generic form, and re-marshaled. encoding/json sorts object
// keys, emits compact UTF-8 with no insignificant whitespace, and
// formats numbers through float64. Two logically equal values therefore
// always canonicalize to the same bytes regardless of map insertion
// order or original whitespace.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical re-marshal: %w", err)
	}
	return out, nil
}

// HashBytes returns the hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue canonicalizes v and hashes the result.
func HashValue(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashState hashes a state snapshot. Schema participates in the digest:
// the same payload under a different schema hint is a different state.
func HashState(s State) (string, error) {
	if len(s.Data) == 0 {
		s.Data = json.RawMessage("null")
	}
	return HashValue(s)
}

// hashEqual compares two hex digests in constant time.
func hashEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
