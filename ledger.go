package pruv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultLockWait = 5 * time.Second
	appendRetries   = 3
)

// Ledger is the single-writer façade over a Store. It serializes
// appends per chain, computes hashes and links, applies redaction and
// signing, and retries transient conflicts against the new tail.
// Different chains never contend with each other.
type Ledger struct {
	store    Store
	keys     *KeyPair
	log      *zap.Logger
	lockWait time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithKeyPair sets the signing key pair. Appends with Sign set, undo and
// restore entries, and receipts are signed with it.
func WithKeyPair(kp *KeyPair) Option { return func(l *Ledger) { l.keys = kp } }

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option { return func(l *Ledger) { l.log = log } }

// WithLockWait bounds how long an append waits for the per-chain lock
// before failing with ErrAppendLockTimeout.
func WithLockWait(d time.Duration) Option { return func(l *Ledger) { l.lockWait = d } }

// NewLedger creates a Ledger bound to a Store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:    store,
		log:      zap.NewNop(),
		lockWait: defaultLockWait,
		locks:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// SigningKey returns the configured key pair, or nil.
func (l *Ledger) SigningKey() *KeyPair { return l.keys }

// chainLock returns the lock channel for a chain, creating it lazily.
// A buffered channel of size one acts as a mutex that supports a
// bounded acquisition wait.
func (l *Ledger) chainLock(chainID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[chainID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[chainID] = ch
	}
	return ch
}

func (l *Ledger) acquireAppendLock(ctx context.Context, chainID string) (release func(), err error) {
	ch := l.chainLock(chainID)
	timer := time.NewTimer(l.lockWait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrAppendLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateChain registers a new chain. An empty id is assigned a fresh
// UUID.
func (l *Ledger) CreateChain(ctx context.Context, c Chain) (*Chain, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if err := l.store.CreateChain(ctx, &c); err != nil {
		return nil, err
	}
	l.log.Info("chain created", zap.String("chain_id", c.ID), zap.String("name", c.Name))
	return &c, nil
}

// Chain returns chain metadata.
func (l *Ledger) Chain(ctx context.Context, chainID string) (*Chain, error) {
	return l.store.Chain(ctx, chainID)
}

// Chains lists all chains.
func (l *Ledger) Chains(ctx context.Context) ([]*Chain, error) {
	return l.store.Chains(ctx)
}

// Entries reads a page of entries in index order.
func (l *Ledger) Entries(ctx context.Context, chainID string, start uint64, limit int) ([]*Entry, error) {
	return l.store.Entries(ctx, chainID, start, limit)
}

// Tail returns the most recent entry, or ok=false on an empty chain.
func (l *Ledger) Tail(ctx context.Context, chainID string) (*Entry, bool, error) {
	return l.store.Tail(ctx, chainID)
}

// AppendOptions controls a single append.
type AppendOptions struct {
	// Sign requests an Ed25519 signature over the entry. Requires the
	// ledger to be configured with a key pair.
	Sign bool
	// RedactPaths are dotted field paths redacted from both states
	// before hashing.
	RedactPaths []string
	// Timestamp overrides the capture time. Zero means now. The stored
	// timestamp never moves backwards relative to the chain tail.
	Timestamp time.Time
}

// Append records a state transition: it hashes both states, links the
// new entry to the current tail, optionally redacts and signs, and
// persists atomically. A concurrent append losing the race for the tail
// index is retried internally against the new tail a bounded number of
// times before ErrConcurrentAppendConflict surfaces.
func (l *Ledger) Append(ctx context.Context, chainID string, x, y State, action string, opts AppendOptions) (*Entry, error) {
	release, err := l.acquireAppendLock(ctx, chainID)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.appendLocked(ctx, chainID, x, y, action, opts)
}

func (l *Ledger) appendLocked(ctx context.Context, chainID string, x, y State, action string, opts AppendOptions) (*Entry, error) {
	if opts.Sign && (l.keys == nil || len(l.keys.Private) == 0) {
		return nil, errors.New("pruv: signing requested without a key pair")
	}

	if len(opts.RedactPaths) > 0 {
		var err error
		x, _, err = Redact(x, opts.RedactPaths)
		if err != nil {
			return nil, err
		}
		y, _, err = Redact(y, opts.RedactPaths)
		if err != nil {
			return nil, err
		}
	}

	xHash, err := HashState(x)
	if err != nil {
		return nil, fmt.Errorf("hash x state: %w", err)
	}
	yHash, err := HashState(y)
	if err != nil {
		return nil, fmt.Errorf("hash y state: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		tail, ok, err := l.store.Tail(ctx, chainID)
		if err != nil {
			return nil, err
		}

		e := &Entry{
			ChainID:  chainID,
			Action:   action,
			XHash:    xHash,
			YHash:    yHash,
			PrevHash: GenesisHash,
			XState:   x,
			YState:   y,
		}
		if ok {
			e.Index = tail.Index + 1
			e.PrevHash = tail.YHash
		}

		ts := opts.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		ts = ts.UTC()
		if ok && ts.Before(tail.Timestamp) {
			// Timestamps are monotonic non-decreasing within a chain.
			ts = tail.Timestamp
		}
		e.Timestamp = ts

		if opts.Sign {
			if err := SignEntry(e, l.keys); err != nil {
				return nil, err
			}
		}

		err = l.store.AppendEntry(ctx, e)
		if err == nil {
			l.log.Debug("entry appended",
				zap.String("chain_id", chainID),
				zap.Uint64("index", e.Index),
				zap.String("action", action))
			return e, nil
		}
		if !errors.Is(err, ErrConcurrentAppendConflict) {
			return nil, err
		}
		lastErr = err
		l.log.Warn("append conflict, retrying against new tail",
			zap.String("chain_id", chainID),
			zap.Uint64("index", e.Index),
			zap.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

// Ingest appends a fully formed entry verbatim, creating the chain if
// it does not exist yet. Used by mirroring: the remote side must store
// exactly what the authoring ledger produced, hashes and signature
// included, or the mirrored chain would not verify.
func (l *Ledger) Ingest(ctx context.Context, e *Entry) error {
	release, err := l.acquireAppendLock(ctx, e.ChainID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := l.store.Chain(ctx, e.ChainID); errors.Is(err, ErrChainNotFound) {
		c := &Chain{ID: e.ChainID, Name: e.ChainID, CreatedAt: time.Now().UTC()}
		if createErr := l.store.CreateChain(ctx, c); createErr != nil && !errors.Is(createErr, ErrChainExists) {
			return createErr
		}
	} else if err != nil {
		return err
	}

	return l.store.AppendEntry(ctx, e)
}

// Undo appends a compensating entry reverting the most recent
// transition: the new entry's X is the chain's current head state and
// its Y is the state before that transition. Undo history is itself
// auditable; undoing an undo simply continues the chain forward.
func (l *Ledger) Undo(ctx context.Context, chainID string) (*Entry, error) {
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
		return nil, ErrNothingToUndo
	}

	action := "undo:" + tail.Action
	e, err := l.appendLocked(ctx, chainID, tail.YState, tail.XState, action, AppendOptions{Sign: l.keys != nil})
	if err != nil {
		return nil, err
	}
	l.log.Info("transition undone",
		zap.String("chain_id", chainID),
		zap.Uint64("undone_index", tail.Index),
		zap.Uint64("index", e.Index))
	return e, nil
}

// actionLabel sanitizes caller-supplied labels used in composite
// actions such as restore entries.
func actionLabel(s string) string {
	return strings.TrimSpace(s)
}
