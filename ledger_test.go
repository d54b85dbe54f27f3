package pruv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

//revive:disable:cyclomatic High complexity acceptable in tests
//revive:disable:cognitive-complexity High complexity acceptable in tests
//revive:disable:function-length Long test functions are acceptable

func mkState(t *testing.T, data string) State {
	t.Helper()
	if !json.Valid([]byte(data)) {
		t.Fatalf("invalid test state: %s", data)
	}
	return State{Data: json.RawMessage(data)}
}

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	return NewLedger(NewMemoryStore(), opts...)
}

func mustCreateChain(t *testing.T, l *Ledger, name string) *Chain {
	t.Helper()
	c, err := l.CreateChain(context.Background(), Chain{Name: name})
	if err != nil {
		t.Fatalf("CreateChain failed: %v", err)
	}
	return c
}

func mustAppend(t *testing.T, l *Ledger, chainID string, x, y State, action string) *Entry {
	t.Helper()
	e, err := l.Append(context.Background(), chainID, x, y, action, AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return e
}

// buildEntry constructs a fully formed entry the way the ledger would,
// for tests that need to ingest crafted (possibly broken) entries.
func buildEntry(t *testing.T, chainID string, index uint64, prev *Entry, x, y State, action string) *Entry {
	t.Helper()
	xh, err := HashState(x)
	if err != nil {
		t.Fatalf("HashState failed: %v", err)
	}
	yh, err := HashState(y)
	if err != nil {
		t.Fatalf("HashState failed: %v", err)
	}
	e := &Entry{
		ChainID:   chainID,
		Index:     index,
		Action:    action,
		Timestamp: time.Now().UTC(),
		XHash:     xh,
		YHash:     yh,
		PrevHash:  GenesisHash,
		XState:    x,
		YState:    y,
	}
	if prev != nil {
		e.PrevHash = prev.YHash
	}
	return e
}

func TestLedger_AppendLinksEntries(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "orders")

	a := mkState(t, `{"status":"draft"}`)
	b := mkState(t, `{"status":"submitted"}`)
	d := mkState(t, `{"status":"approved"}`)

	e0 := mustAppend(t, l, chain.ID, a, b, "submit")
	if e0.Index != 0 {
		t.Fatalf("expected index 0, got %d", e0.Index)
	}
	if e0.PrevHash != GenesisHash {
		t.Fatalf("genesis entry must link to the genesis sentinel, got %s", e0.PrevHash)
	}

	e1 := mustAppend(t, l, chain.ID, b, d, "approve")
	if e1.Index != 1 {
		t.Fatalf("expected index 1, got %d", e1.Index)
	}
	if e1.PrevHash != e0.YHash {
		t.Fatalf("prev_hash mismatch: %s != %s", e1.PrevHash, e0.YHash)
	}
	if e1.XHash != e0.YHash {
		t.Fatalf("x_hash must equal predecessor y_hash: %s != %s", e1.XHash, e0.YHash)
	}

	tail, ok, err := l.Tail(context.Background(), chain.ID)
	if err != nil || !ok {
		t.Fatalf("Tail failed: ok=%v err=%v", ok, err)
	}
	if tail.Index != 1 {
		t.Fatalf("expected tail index 1, got %d", tail.Index)
	}
}

func TestLedger_AppendUnknownChain(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.Append(context.Background(), "missing", mkState(t, `{}`), mkState(t, `{}`), "noop", AppendOptions{})
	if !errors.Is(err, ErrChainNotFound) {
		t.Fatalf("expected ErrChainNotFound, got %v", err)
	}
}

func TestLedger_TimestampsMonotonic(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "ts")

	now := time.Now().UTC()
	e0, err := l.Append(context.Background(), chain.ID, mkState(t, `{"v":1}`), mkState(t, `{"v":2}`), "bump",
		AppendOptions{Timestamp: now})
	if err != nil {
		t.Fatal(err)
	}
	e1, err := l.Append(context.Background(), chain.ID, mkState(t, `{"v":2}`), mkState(t, `{"v":3}`), "bump",
		AppendOptions{Timestamp: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if e1.Timestamp.Before(e0.Timestamp) {
		t.Fatalf("timestamps went backwards: %v < %v", e1.Timestamp, e0.Timestamp)
	}
}

func TestLedger_SignRequiresKeyPair(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "signed")
	_, err := l.Append(context.Background(), chain.ID, mkState(t, `{}`), mkState(t, `{}`), "op",
		AppendOptions{Sign: true})
	if err == nil {
		t.Fatal("expected signing without a key pair to fail")
	}
}

func TestLedger_SignedAppend(t *testing.T) {
	keys, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	l := newTestLedger(t, WithKeyPair(keys))
	chain := mustCreateChain(t, l, "signed")

	e, err := l.Append(context.Background(), chain.ID, mkState(t, `{"n":1}`), mkState(t, `{"n":2}`), "incr",
		AppendOptions{Sign: true})
	if err != nil {
		t.Fatal(err)
	}
	if e.Signature == "" || e.PublicKey == "" {
		t.Fatal("expected signature and public key on entry")
	}
	if !VerifyEntrySignature(e) {
		t.Fatal("signature did not verify")
	}
}

func TestStore_ConcurrentAppendConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateChain(ctx, &Chain{ID: "c", Name: "c", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	x := State{Data: json.RawMessage(`{"v":0}`)}
	y := State{Data: json.RawMessage(`{"v":1}`)}
	e := buildEntry(t, "c", 0, nil, x, y, "op")
	if err := store.AppendEntry(ctx, e); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	// A second append claiming the same index must lose.
	dup := buildEntry(t, "c", 0, nil, x, y, "op")
	if err := store.AppendEntry(ctx, dup); !errors.Is(err, ErrConcurrentAppendConflict) {
		t.Fatalf("expected ErrConcurrentAppendConflict, got %v", err)
	}

	// Retried against the new tail it succeeds at index+1.
	retry := buildEntry(t, "c", 1, e, y, x, "op")
	if err := store.AppendEntry(ctx, retry); err != nil {
		t.Fatalf("retry against new tail failed: %v", err)
	}
}

func TestLedger_RacingWritersBothLand(t *testing.T) {
	// Two ledger instances sharing one store race for the same tail.
	// Store-level contiguity plus internal retry means both appends
	// land, at consecutive indices.
	store := NewMemoryStore()
	l1 := NewLedger(store)
	l2 := NewLedger(store)
	chain := mustCreateChain(t, l1, "race")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, l := range []*Ledger{l1, l2} {
		wg.Add(1)
		go func(i int, l *Ledger) {
			defer wg.Done()
			_, errs[i] = l.Append(context.Background(), chain.ID,
				mkState(t, `{"w":0}`), mkState(t, `{"w":1}`), "race", AppendOptions{})
		}(i, l)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d failed: %v", i, err)
		}
	}
	tail, ok, err := l1.Tail(context.Background(), chain.ID)
	if err != nil || !ok {
		t.Fatalf("Tail failed: ok=%v err=%v", ok, err)
	}
	if tail.Index != 1 {
		t.Fatalf("expected two entries, tail index 1, got %d", tail.Index)
	}
}

func TestLedger_IngestBootstrapsChain(t *testing.T) {
	l := newTestLedger(t)
	e := buildEntry(t, "mirrored", 0, nil, mkState(t, `{"a":1}`), mkState(t, `{"a":2}`), "op")
	if err := l.Ingest(context.Background(), e); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	got, err := l.Store().Entry(context.Background(), "mirrored", 0)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if got.YHash != e.YHash {
		t.Fatalf("ingested entry mismatch: %s != %s", got.YHash, e.YHash)
	}
}

func TestLedger_AppendLockTimeout(t *testing.T) {
	l := newTestLedger(t, WithLockWait(50*time.Millisecond))
	chain := mustCreateChain(t, l, "locked")

	// Hold the chain lock so the append cannot acquire it.
	release, err := l.acquireAppendLock(context.Background(), chain.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = l.Append(context.Background(), chain.ID, mkState(t, `{}`), mkState(t, `{}`), "op", AppendOptions{})
	if !errors.Is(err, ErrAppendLockTimeout) {
		t.Fatalf("expected ErrAppendLockTimeout, got %v", err)
	}
	if !Retryable(err) {
		t.Fatal("lock timeout must be retryable")
	}
}

func TestLedger_RedactedAppend(t *testing.T) {
	l := newTestLedger(t)
	chain := mustCreateChain(t, l, "pii")

	x := mkState(t, `{"name":"ada","email":"ada@example.com"}`)
	y := mkState(t, `{"name":"ada","email":"ada@lovelace.dev"}`)
	e, err := l.Append(context.Background(), chain.ID, x, y, "update-email",
		AppendOptions{RedactPaths: []string{"email"}})
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]any
	if err := json.Unmarshal(e.YState.Data, &doc); err != nil {
		t.Fatal(err)
	}
	if !IsRedacted(doc["email"]) {
		t.Fatalf("expected redacted email, got %v", doc["email"])
	}
	if IsRedacted(doc["name"]) {
		t.Fatal("name should not be redacted")
	}

	// The stored hash covers the redacted structure.
	h, err := HashState(e.YState)
	if err != nil {
		t.Fatal(err)
	}
	if h != e.YHash {
		t.Fatalf("stored y_hash does not cover redacted state: %s != %s", h, e.YHash)
	}
}
