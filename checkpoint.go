package pruv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckpointPreview is a non-mutating diff between the chain's current
// head state and a checkpoint's snapshot state.
type CheckpointPreview struct {
	Checkpoint   *Checkpoint `json:"checkpoint"`
	CurrentIndex uint64      `json:"current_index"`
	EntriesSince uint64      `json:"entries_since"`
	CurrentHash  string      `json:"current_hash"`
	SnapshotHash string      `json:"snapshot_hash"`

	// Top-level fields of the state document that restoring would add
	// back, drop, or change, relative to the current head.
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// CheckpointRestoreResult reports the forward entry a restore appended.
type CheckpointRestoreResult struct {
	Checkpoint *Checkpoint `json:"checkpoint"`
	Entry      *Entry      `json:"entry"`
}

// CreateCheckpoint snapshots the current tail: its index and the hash of
// the current head state. Fails with ErrEmptyChain when no entries
// exist.
func (l *Ledger) CreateCheckpoint(ctx context.Context, chainID, name string) (*Checkpoint, error) {
	tail, ok, err := l.store.Tail(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyChain
	}
	cp := &Checkpoint{
		ID:           uuid.NewString(),
		ChainID:      chainID,
		Name:         actionLabel(name),
		EntryIndex:   tail.Index,
		SnapshotHash: tail.YHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.store.PutCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	l.log.Info("checkpoint created",
		zap.String("chain_id", chainID),
		zap.String("checkpoint_id", cp.ID),
		zap.Uint64("entry_index", cp.EntryIndex))
	return cp, nil
}

// Checkpoints lists a chain's checkpoints in entry-index order.
func (l *Ledger) Checkpoints(ctx context.Context, chainID string) ([]*Checkpoint, error) {
	return l.store.Checkpoints(ctx, chainID)
}

// PreviewCheckpoint computes what a restore would do without mutating
// anything.
func (l *Ledger) PreviewCheckpoint(ctx context.Context, chainID, checkpointID string) (*CheckpointPreview, error) {
	cp, err := l.store.Checkpoint(ctx, chainID, checkpointID)
	if err != nil {
		return nil, err
	}
	tail, ok, err := l.store.Tail(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyChain
	}
	snapshot, err := l.checkpointState(ctx, cp)
	if err != nil {
		return nil, err
	}

	preview := &CheckpointPreview{
		Checkpoint:   cp,
		CurrentIndex: tail.Index,
		CurrentHash:  tail.YHash,
		SnapshotHash: cp.SnapshotHash,
		Added:        []string{},
		Removed:      []string{},
		Changed:      []string{},
	}
	if tail.Index > cp.EntryIndex {
		preview.EntriesSince = tail.Index - cp.EntryIndex
	}

	added, removed, changed, err := diffStates(tail.YState, snapshot)
	if err != nil {
		return nil, err
	}
	preview.Added, preview.Removed, preview.Changed = added, removed, changed
	return preview, nil
}

// RestoreCheckpoint appends an explicit restore transition: the new
// entry's X is the current head state and its Y is the checkpoint's
// snapshot state. Nothing is truncated or rewritten; entry count
// strictly increases. Only checkpoints at or behind the tail are
// restorable.
func (l *Ledger) RestoreCheckpoint(ctx context.Context, chainID, checkpointID string) (*CheckpointRestoreResult, error) {
	cp, err := l.store.Checkpoint(ctx, chainID, checkpointID)
	if err != nil {
		return nil, err
	}

	release, err := l.acquireAppendLock(ctx, chainID)
	if err != nil {
		return nil, err
	}
	defer release()

	tail, ok, err := l.store.Tail(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmptyChain
	}
	if cp.EntryIndex > tail.Index {
		return nil, ErrRestoreTargetAhead
	}

	snapshot, err := l.checkpointState(ctx, cp)
	if err != nil {
		return nil, err
	}

	action := "restore:" + cp.Name
	e, err := l.appendLocked(ctx, chainID, tail.YState, snapshot, action, AppendOptions{Sign: l.keys != nil})
	if err != nil {
		return nil, err
	}
	l.log.Info("checkpoint restored",
		zap.String("chain_id", chainID),
		zap.String("checkpoint_id", cp.ID),
		zap.Uint64("restored_index", cp.EntryIndex),
		zap.Uint64("index", e.Index))
	return &CheckpointRestoreResult{Checkpoint: cp, Entry: e}, nil
}

// checkpointState reconstructs the state a checkpoint points at: the
// Y state of the entry at its index, cross-checked against the recorded
// snapshot hash.
func (l *Ledger) checkpointState(ctx context.Context, cp *Checkpoint) (State, error) {
	e, err := l.store.Entry(ctx, cp.ChainID, cp.EntryIndex)
	if err != nil {
		return State{}, err
	}
	h, err := HashState(e.YState)
	if err != nil {
		return State{}, err
	}
	if !hashEqual(h, cp.SnapshotHash) {
		return State{}, fmt.Errorf("pruv: checkpoint %s snapshot hash mismatch at entry %d", cp.ID, cp.EntryIndex)
	}
	return e.YState, nil
}

// diffStates compares the top-level fields of two state documents.
// Field names are reported from the perspective of restoring b over a.
func diffStates(a, b State) (added, removed, changed []string, err error) {
	docA, err := decodeFields(a)
	if err != nil {
		return nil, nil, nil, err
	}
	docB, err := decodeFields(b)
	if err != nil {
		return nil, nil, nil, err
	}

	added, removed, changed = []string{}, []string{}, []string{}
	for k, vb := range docB {
		va, ok := docA[k]
		if !ok {
			added = append(added, k)
			continue
		}
		ca, errA := CanonicalJSON(va)
		cb, errB := CanonicalJSON(vb)
		if errA != nil || errB != nil || string(ca) != string(cb) {
			changed = append(changed, k)
		}
	}
	for k := range docA {
		if _, ok := docB[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed, nil
}

func decodeFields(s State) (map[string]any, error) {
	if len(s.Data) == 0 {
		return map[string]any{}, nil
	}
	var doc any
	if err := json.Unmarshal(s.Data, &doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	m, ok := doc.(map[string]any)
	if !ok {
		// Non-object states diff as a single synthetic field.
		return map[string]any{"_value": doc}, nil
	}
	return m, nil
}
