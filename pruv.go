// Package pruv implements a verifiable state-transition ledger: an
// append-only chain of entries, each binding a before-state (X) and an
// after-state (Y) by content hash, linked to its predecessor and
// optionally signed. Any party holding the chain can independently
// verify that it is intact and locate the first entry where it is not.
package pruv

import (
	"encoding/json"
	"errors"
	"time"
)

// State is an opaque, content-addressable snapshot of application state.
// Data carries the serialized payload (JSON); Schema is an optional hint
// naming the payload shape. The hasher canonicalizes Data, so callers do
// not need to care about map key order.
type State struct {
	Schema string          `json:"schema,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Entry is the atomic unit of a chain. Entries are created only by
// append and are never mutated or deleted.
type Entry struct {
	ChainID   string    `json:"chain_id"`
	Index     uint64    `json:"index"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	XHash     string    `json:"x_hash"`
	YHash     string    `json:"y_hash"`
	PrevHash  string    `json:"prev_hash"`
	XState    State     `json:"x_state"`
	YState    State     `json:"y_state"`
	Signature string    `json:"signature,omitempty"`
	PublicKey string    `json:"public_key,omitempty"`
}

// Chain is the ownership container for an ordered sequence of entries.
type Chain struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Checkpoint is a named, restorable reference to a past point in a
// chain. It records a point, not a copy of the chain.
type Checkpoint struct {
	ID           string    `json:"id"`
	ChainID      string    `json:"chain_id"`
	Name         string    `json:"name"`
	EntryIndex   uint64    `json:"entry_index"`
	SnapshotHash string    `json:"snapshot_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Structural errors returned as typed failures to callers. Integrity
// findings (broken links, bad signatures) are never errors; they are
// fields of VerificationResult.
var (
	ErrChainNotFound      = errors.New("pruv: chain not found")
	ErrChainExists        = errors.New("pruv: chain already exists")
	ErrEntryNotFound      = errors.New("pruv: entry not found")
	ErrCheckpointNotFound = errors.New("pruv: checkpoint not found")
	ErrEmptyChain         = errors.New("pruv: chain has no entries")
	ErrNothingToUndo      = errors.New("pruv: nothing to undo")

	// ErrConcurrentAppendConflict means another append claimed the same
	// index first. Retryable against the new tail.
	ErrConcurrentAppendConflict = errors.New("pruv: concurrent append conflict")

	// ErrAppendLockTimeout means the per-chain append lock could not be
	// acquired within the configured wait. Retryable.
	ErrAppendLockTimeout = errors.New("pruv: append lock timeout")

	// ErrRestoreTargetAhead means the checkpoint's index is ahead of the
	// chain tail. Only backward restoration is supported.
	ErrRestoreTargetAhead = errors.New("pruv: checkpoint is ahead of chain tail")
)

// Retryable reports whether err is a transient condition the caller may
// retry against the current chain tail.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentAppendConflict) || errors.Is(err, ErrAppendLockTimeout)
}
