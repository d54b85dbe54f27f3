package pruv

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestCheckpointCreateAndList(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "cp")
	ctx := context.Background()

	if _, err := l.CreateCheckpoint(ctx, chain.ID, "empty"); !errors.Is(err, ErrEmptyChain) {
		t.Fatalf("expected ErrEmptyChain, got %v", err)
	}

	a := mkState(t, `{"qty":1}`)
	b := mkState(t, `{"qty":2}`)
	e := mustAppend(t, l, chain.ID, a, b, "add")

	cp, err := l.CreateCheckpoint(ctx, chain.ID, "after-add")
	if err != nil {
		t.Fatal(err)
	}
	if cp.EntryIndex != e.Index {
		t.Fatalf("checkpoint points at %d, want %d", cp.EntryIndex, e.Index)
	}
	if cp.SnapshotHash != e.YHash {
		t.Fatalf("snapshot hash %s, want %s", cp.SnapshotHash, e.YHash)
	}

	cps, err := l.Checkpoints(ctx, chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 || cps[0].ID != cp.ID {
		t.Fatalf("unexpected listing: %+v", cps)
	}
}

func TestCheckpointPreviewDiff(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "diff")
	ctx := context.Background()

	s0 := mkState(t, `{"name":"cart","items":2,"coupon":"SAVE10"}`)
	s1 := mkState(t, `{"name":"cart","items":5,"gift_wrap":true}`)
	mustAppend(t, l, chain.ID, mkState(t, `{}`), s0, "init")
	cp, err := l.CreateCheckpoint(ctx, chain.ID, "baseline")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, l, chain.ID, s0, s1, "edit")

	preview, err := l.PreviewCheckpoint(ctx, chain.ID, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if preview.CurrentIndex != 1 || preview.EntriesSince != 1 {
		t.Fatalf("unexpected positions: %+v", preview)
	}
	if !reflect.DeepEqual(preview.Added, []string{"coupon"}) {
		t.Fatalf("added = %v", preview.Added)
	}
	if !reflect.DeepEqual(preview.Removed, []string{"gift_wrap"}) {
		t.Fatalf("removed = %v", preview.Removed)
	}
	if !reflect.DeepEqual(preview.Changed, []string{"items"}) {
		t.Fatalf("changed = %v", preview.Changed)
	}
}

func TestCheckpointRestoreAppends(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "restore")
	ctx := context.Background()

	s0 := mkState(t, `{"v":"first"}`)
	s1 := mkState(t, `{"v":"second"}`)
	mustAppend(t, l, chain.ID, mkState(t, `{}`), s0, "init")
	cp, err := l.CreateCheckpoint(ctx, chain.ID, "v1")
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, l, chain.ID, s0, s1, "edit")

	out, err := l.RestoreCheckpoint(ctx, chain.ID, cp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Entry.Index != 2 {
		t.Fatalf("restore must append, got index %d", out.Entry.Index)
	}
	if out.Entry.Action != "restore:v1" {
		t.Fatalf("action = %q", out.Entry.Action)
	}
	if out.Entry.YHash != cp.SnapshotHash {
		t.Fatalf("restored head %s, want snapshot %s", out.Entry.YHash, cp.SnapshotHash)
	}

	// The chain remains fully verifiable after the restore.
	res, err := l.Verify(ctx, chain.ID, VerifyOptions{Deep: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.EntriesChecked != 3 {
		t.Fatalf("restored chain failed verification: %+v", res)
	}
}

func TestCheckpointRestoreUnknown(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "missing-cp")
	mustAppend(t, l, chain.ID, mkState(t, `{}`), mkState(t, `{"v":1}`), "init")

	_, err := l.RestoreCheckpoint(context.Background(), chain.ID, "nope")
	if !errors.Is(err, ErrCheckpointNotFound) {
		t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
	}
}

func TestCheckpointRestoreTargetAhead(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "ahead")
	ctx := context.Background()
	mustAppend(t, l, chain.ID, mkState(t, `{}`), mkState(t, `{"v":1}`), "init")

	// A checkpoint pointing past the tail, as a partial mirror would see.
	cp := &Checkpoint{
		ID:           "future",
		ChainID:      chain.ID,
		Name:         "future",
		EntryIndex:   5,
		SnapshotHash: GenesisHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := l.Store().PutCheckpoint(ctx, cp); err != nil {
		t.Fatal(err)
	}
	_, err := l.RestoreCheckpoint(ctx, chain.ID, cp.ID)
	if !errors.Is(err, ErrRestoreTargetAhead) {
		t.Fatalf("expected ErrRestoreTargetAhead, got %v", err)
	}
}

func TestUndoRevertsLastTransition(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "undo")
	ctx := context.Background()

	if _, err := l.Undo(ctx, chain.ID); !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("expected ErrNothingToUndo, got %v", err)
	}

	a := mkState(t, `{"color":"red"}`)
	b := mkState(t, `{"color":"blue"}`)
	e0 := mustAppend(t, l, chain.ID, a, b, "paint")

	u, err := l.Undo(ctx, chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u.Index != 1 {
		t.Fatalf("undo must append, got index %d", u.Index)
	}
	if u.Action != "undo:paint" {
		t.Fatalf("action = %q", u.Action)
	}
	if u.XHash != e0.YHash || u.YHash != e0.XHash {
		t.Fatal("undo entry must swap the last transition's states")
	}

	res, err := l.Verify(ctx, chain.ID, VerifyOptions{Deep: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("chain broken after undo: %+v", res)
	}
}

func TestUndoOfUndo(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "double")
	ctx := context.Background()

	a := mkState(t, `{"step":"a"}`)
	b := mkState(t, `{"step":"b"}`)
	e0 := mustAppend(t, l, chain.ID, a, b, "advance")

	if _, err := l.Undo(ctx, chain.ID); err != nil {
		t.Fatal(err)
	}
	u2, err := l.Undo(ctx, chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u2.Action != "undo:undo:advance" {
		t.Fatalf("action = %q", u2.Action)
	}
	// Undoing the undo lands back on the original head.
	if u2.YHash != e0.YHash {
		t.Fatalf("head %s, want %s", u2.YHash, e0.YHash)
	}

	tail, ok, err := l.Tail(ctx, chain.ID)
	if err != nil || !ok {
		t.Fatalf("Tail failed: ok=%v err=%v", ok, err)
	}
	if tail.Index != 2 {
		t.Fatalf("entry count must strictly grow, tail index %d", tail.Index)
	}
}
