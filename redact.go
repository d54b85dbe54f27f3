package pruv

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Redaction replaces a sensitive value with a placeholder object that
// carries a hash commitment to the original. The enclosing state hashes
// over the placeholder, so two independently redacted copies of the same
// original state hash identically, and the link invariant is unaffected.

const (
	redactedMarkerKey    = "__redacted"
	redactedCommitKey    = "commitment"
	redactedPlaceholder  = "[REDACTED]"
	redactedValueViewKey = "placeholder"
)

// Commitment records the hash commitment stored in place of a redacted
// field, keyed by its dotted path within the state document.
type Commitment struct {
	Path       string `json:"path"`
	Commitment string `json:"commitment"`
}

// Redact returns a copy of s with each resolvable path replaced by a
// commitment placeholder, plus the list of commitments made. Paths are
// dotted keys into the JSON document ("user.email"). Paths that do not
// resolve in this state are skipped: a caller redacting X and Y with one
// path list should not fail because a field only exists on one side.
func Redact(s State, paths []string) (State, []Commitment, error) {
	if len(paths) == 0 {
		return s, nil, nil
	}
	var doc any
	if err := json.Unmarshal(s.Data, &doc); err != nil {
		return State{}, nil, fmt.Errorf("redact: decode state: %w", err)
	}

	var commitments []Commitment
	for _, path := range paths {
		redacted, commitment, err := redactPath(doc, path)
		if err != nil {
			return State{}, nil, err
		}
		if redacted {
			commitments = append(commitments, Commitment{Path: path, Commitment: commitment})
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return State{}, nil, fmt.Errorf("redact: encode state: %w", err)
	}
	return State{Schema: s.Schema, Data: data}, commitments, nil
}

// redactPath replaces the value at the dotted path in place. Reports
// whether the path resolved to a value.
func redactPath(doc any, path string) (bool, string, error) {
	keys := strings.Split(path, ".")
	parent, ok := doc.(map[string]any)
	if !ok {
		return false, "", nil
	}
	for _, key := range keys[:len(keys)-1] {
		next, ok := parent[key].(map[string]any)
		if !ok {
			return false, "", nil
		}
		parent = next
	}
	leaf := keys[len(keys)-1]
	original, ok := parent[leaf]
	if !ok {
		return false, "", nil
	}
	if IsRedacted(original) {
		// Already a placeholder; committing to a commitment would break
		// hash stability across repeated redaction calls.
		m := original.(map[string]any)
		commitment, _ := m[redactedCommitKey].(string)
		return true, commitment, nil
	}
	commitment, err := HashValue(original)
	if err != nil {
		return false, "", fmt.Errorf("redact %q: %w", path, err)
	}
	parent[leaf] = map[string]any{
		redactedMarkerKey:    true,
		redactedCommitKey:    commitment,
		redactedValueViewKey: redactedPlaceholder,
	}
	return true, commitment, nil
}

// IsRedacted reports whether a decoded JSON value is a redaction
// placeholder.
func IsRedacted(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	marker, ok := m[redactedMarkerKey].(bool)
	if !ok || !marker {
		return false
	}
	_, ok = m[redactedCommitKey].(string)
	return ok
}

// VerifyCommitment checks a revealed original value against a stored
// commitment. This is the interface point for selective disclosure: the
// chain itself never needs the original back.
func VerifyCommitment(original any, commitment string) bool {
	h, err := HashValue(original)
	if err != nil {
		return false
	}
	return hashEqual(h, commitment)
}
