package pruv

import (
	"context"
	"sort"
	"sync"
)

// Store abstracts persistence for chains, their append-only entry logs,
// and the side index of checkpoints. Implementations must enforce index
// contiguity on append: an entry whose index is not exactly one past the
// stored tail fails with ErrConcurrentAppendConflict. That check is the
// backstop that keeps two racing writers from both claiming the same
// index, whatever locking the layer above uses.
type Store interface {
	CreateChain(ctx context.Context, c *Chain) error
	Chain(ctx context.Context, chainID string) (*Chain, error)
	Chains(ctx context.Context) ([]*Chain, error)

	// AppendEntry persists e atomically. The entry must be fully
	// constructed (hashed and, if applicable, signed) before the call;
	// readers never observe partial entries.
	AppendEntry(ctx context.Context, e *Entry) error
	Entries(ctx context.Context, chainID string, start uint64, limit int) ([]*Entry, error)
	Entry(ctx context.Context, chainID string, index uint64) (*Entry, error)
	Tail(ctx context.Context, chainID string) (*Entry, bool, error)

	PutCheckpoint(ctx context.Context, cp *Checkpoint) error
	// Checkpoint fails with ErrChainNotFound for an unknown chain and
	// ErrCheckpointNotFound for a known chain without that checkpoint.
	Checkpoint(ctx context.Context, chainID, checkpointID string) (*Checkpoint, error)
	Checkpoints(ctx context.Context, chainID string) ([]*Checkpoint, error)

	Close() error
}

// memoryStore keeps everything in process memory. Used in tests and for
// embedding where durability is someone else's problem.
type memoryStore struct {
	mu          sync.RWMutex
	chains      map[string]*Chain
	entries     map[string][]*Entry
	checkpoints map[string]map[string]*Checkpoint
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		chains:      make(map[string]*Chain),
		entries:     make(map[string][]*Entry),
		checkpoints: make(map[string]map[string]*Checkpoint),
	}
}

func (s *memoryStore) CreateChain(_ context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[c.ID]; ok {
		return ErrChainExists
	}
	cp := *c
	s.chains[c.ID] = &cp
	return nil
}

func (s *memoryStore) Chain(_ context.Context, chainID string) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chains[chainID]
	if !ok {
		return nil, ErrChainNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memoryStore) Chains(_ context.Context) ([]*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Chain, 0, len(s.chains))
	for _, c := range s.chains {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) AppendEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[e.ChainID]; !ok {
		return ErrChainNotFound
	}
	log := s.entries[e.ChainID]
	if uint64(len(log)) != e.Index {
		return ErrConcurrentAppendConflict
	}
	cp := copyEntry(e)
	s.entries[e.ChainID] = append(log, cp)
	return nil
}

func (s *memoryStore) Entries(_ context.Context, chainID string, start uint64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chains[chainID]; !ok {
		return nil, ErrChainNotFound
	}
	log := s.entries[chainID]
	if start >= uint64(len(log)) {
		return nil, nil
	}
	slice := log[start:]
	if limit > 0 && limit < len(slice) {
		slice = slice[:limit]
	}
	out := make([]*Entry, len(slice))
	for i, e := range slice {
		out[i] = copyEntry(e)
	}
	return out, nil
}

func (s *memoryStore) Entry(_ context.Context, chainID string, index uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chains[chainID]; !ok {
		return nil, ErrChainNotFound
	}
	log := s.entries[chainID]
	if index >= uint64(len(log)) {
		return nil, ErrEntryNotFound
	}
	return copyEntry(log[index]), nil
}

func (s *memoryStore) Tail(_ context.Context, chainID string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chains[chainID]; !ok {
		return nil, false, ErrChainNotFound
	}
	log := s.entries[chainID]
	if len(log) == 0 {
		return nil, false, nil
	}
	return copyEntry(log[len(log)-1]), true, nil
}

func (s *memoryStore) PutCheckpoint(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chains[cp.ChainID]; !ok {
		return ErrChainNotFound
	}
	m := s.checkpoints[cp.ChainID]
	if m == nil {
		m = make(map[string]*Checkpoint)
		s.checkpoints[cp.ChainID] = m
	}
	c := *cp
	m[cp.ID] = &c
	return nil
}

func (s *memoryStore) Checkpoint(_ context.Context, chainID, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chains[chainID]; !ok {
		return nil, ErrChainNotFound
	}
	cp, ok := s.checkpoints[chainID][checkpointID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	c := *cp
	return &c, nil
}

func (s *memoryStore) Checkpoints(_ context.Context, chainID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chains[chainID]; !ok {
		return nil, ErrChainNotFound
	}
	out := make([]*Checkpoint, 0, len(s.checkpoints[chainID]))
	for _, cp := range s.checkpoints[chainID] {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryIndex != out[j].EntryIndex {
			return out[i].EntryIndex < out[j].EntryIndex
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) Close() error { return nil }

func copyEntry(e *Entry) *Entry {
	cp := *e
	cp.XState.Data = append([]byte(nil), e.XState.Data...)
	cp.YState.Data = append([]byte(nil), e.YState.Data...)
	return &cp
}
