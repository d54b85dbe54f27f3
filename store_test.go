package pruv

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// storeConformance exercises the Store contract against a backend.
func storeConformance(t *testing.T, open func(t *testing.T) Store) {
	t.Run("chains", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		if _, err := s.Chain(ctx, "missing"); !errors.Is(err, ErrChainNotFound) {
			t.Fatalf("expected ErrChainNotFound, got %v", err)
		}

		c := &Chain{ID: "c1", Name: "orders", Description: "order flow",
			Tags: []string{"billing", "prod"}, CreatedAt: time.Now().UTC()}
		if err := s.CreateChain(ctx, c); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateChain(ctx, c); !errors.Is(err, ErrChainExists) {
			t.Fatalf("expected ErrChainExists, got %v", err)
		}

		got, err := s.Chain(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != "orders" || got.Description != "order flow" {
			t.Fatalf("chain metadata lost: %+v", got)
		}
		if len(got.Tags) != 2 || got.Tags[0] != "billing" {
			t.Fatalf("tags lost: %v", got.Tags)
		}

		all, err := s.Chains(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 1 {
			t.Fatalf("expected one chain, got %d", len(all))
		}
	})

	t.Run("entries", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.CreateChain(ctx, &Chain{ID: "c", Name: "c", CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}

		var prev *Entry
		for i := uint64(0); i < 5; i++ {
			e := buildEntry(t, "c", i,
				prev,
				mkState(t, fmt.Sprintf(`{"i":%d}`, i)),
				mkState(t, fmt.Sprintf(`{"i":%d}`, i+1)),
				"step")
			if err := s.AppendEntry(ctx, e); err != nil {
				t.Fatalf("append %d failed: %v", i, err)
			}
			prev = e
		}

		if _, err := s.Entry(ctx, "c", 99); !errors.Is(err, ErrEntryNotFound) {
			t.Fatalf("expected ErrEntryNotFound, got %v", err)
		}

		e2, err := s.Entry(ctx, "c", 2)
		if err != nil {
			t.Fatal(err)
		}
		if e2.Index != 2 || e2.Action != "step" {
			t.Fatalf("unexpected entry: %+v", e2)
		}

		page, err := s.Entries(ctx, "c", 1, 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 3 || page[0].Index != 1 || page[2].Index != 3 {
			t.Fatalf("unexpected page: %+v", page)
		}

		tail, ok, err := s.Tail(ctx, "c")
		if err != nil || !ok {
			t.Fatalf("Tail failed: ok=%v err=%v", ok, err)
		}
		if tail.Index != 4 {
			t.Fatalf("tail index %d, want 4", tail.Index)
		}

		// Gapped or duplicate indices are rejected.
		dup := buildEntry(t, "c", 4, prev, mkState(t, `{}`), mkState(t, `{}`), "step")
		if err := s.AppendEntry(ctx, dup); !errors.Is(err, ErrConcurrentAppendConflict) {
			t.Fatalf("expected ErrConcurrentAppendConflict, got %v", err)
		}
		gap := buildEntry(t, "c", 9, prev, mkState(t, `{}`), mkState(t, `{}`), "step")
		if err := s.AppendEntry(ctx, gap); !errors.Is(err, ErrConcurrentAppendConflict) {
			t.Fatalf("expected ErrConcurrentAppendConflict, got %v", err)
		}
	})

	t.Run("empty tail", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.CreateChain(ctx, &Chain{ID: "e", Name: "e", CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
		_, ok, err := s.Tail(ctx, "e")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Fatal("empty chain reported a tail")
		}
	})

	t.Run("checkpoints", func(t *testing.T) {
		s := open(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.CreateChain(ctx, &Chain{ID: "c", Name: "c", CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatal(err)
		}
		e := buildEntry(t, "c", 0, nil, mkState(t, `{"v":1}`), mkState(t, `{"v":2}`), "step")
		if err := s.AppendEntry(ctx, e); err != nil {
			t.Fatal(err)
		}

		if _, err := s.Checkpoint(ctx, "c", "missing"); !errors.Is(err, ErrCheckpointNotFound) {
			t.Fatalf("expected ErrCheckpointNotFound, got %v", err)
		}
		if _, err := s.Checkpoint(ctx, "ghost", "missing"); !errors.Is(err, ErrChainNotFound) {
			t.Fatalf("expected ErrChainNotFound for unknown chain, got %v", err)
		}

		cp := &Checkpoint{ID: "cp1", ChainID: "c", Name: "base",
			EntryIndex: 0, SnapshotHash: e.YHash, CreatedAt: time.Now().UTC()}
		if err := s.PutCheckpoint(ctx, cp); err != nil {
			t.Fatal(err)
		}

		got, err := s.Checkpoint(ctx, "c", "cp1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != "base" || got.SnapshotHash != e.YHash {
			t.Fatalf("checkpoint lost fields: %+v", got)
		}

		// Same id again updates in place.
		cp.Name = "renamed"
		if err := s.PutCheckpoint(ctx, cp); err != nil {
			t.Fatal(err)
		}
		cps, err := s.Checkpoints(ctx, "c")
		if err != nil {
			t.Fatal(err)
		}
		if len(cps) != 1 || cps[0].Name != "renamed" {
			t.Fatalf("upsert failed: %+v", cps)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeConformance(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeConformance(t, func(t *testing.T) Store {
		s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "pruv.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		return s
	})
}

func TestFileStore(t *testing.T) {
	storeConformance(t, func(t *testing.T) Store {
		s, err := OpenFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("open file store: %v", err)
		}
		return s
	})
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pruv.db")
	populatePersistentStore(t, func() Store {
		s, err := OpenSQLiteStore(path)
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestFileStoreReopen(t *testing.T) {
	dir := t.TempDir()
	populatePersistentStore(t, func() Store {
		s, err := OpenFileStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

// populatePersistentStore writes a chain through one store handle,
// reopens the backend, and checks the chain survived intact.
func populatePersistentStore(t *testing.T, open func() Store) {
	t.Helper()
	ctx := context.Background()

	s := open()
	l := NewLedger(s)
	chain := mustCreateChain(t, l, "durable")
	a := mkState(t, `{"v":1}`)
	b := mkState(t, `{"v":2}`)
	mustAppend(t, l, chain.ID, a, b, "step")
	mustAppend(t, l, chain.ID, b, a, "step")
	if _, err := l.CreateCheckpoint(ctx, chain.ID, "mark"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s = open()
	defer s.Close()
	l = NewLedger(s)

	got, err := l.Chain(ctx, chain.ID)
	if err != nil {
		t.Fatalf("chain lost across reopen: %v", err)
	}
	if got.Name != "durable" {
		t.Fatalf("chain metadata lost: %+v", got)
	}

	tail, ok, err := l.Tail(ctx, chain.ID)
	if err != nil || !ok {
		t.Fatalf("tail lost across reopen: ok=%v err=%v", ok, err)
	}
	if tail.Index != 1 {
		t.Fatalf("tail index %d, want 1", tail.Index)
	}

	cps, err := l.Checkpoints(ctx, chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 || cps[0].Name != "mark" {
		t.Fatalf("checkpoint lost across reopen: %+v", cps)
	}

	res, err := l.Verify(ctx, chain.ID, VerifyOptions{Deep: true})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid {
		t.Fatalf("reopened chain failed verification: %+v", res)
	}
}
