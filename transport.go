package pruv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport defines how chain artifacts are pushed to a remote store.
// Different implementations can use HTTP, message queues, or an
// in-process ledger.
type Transport interface {
	// SendEntry ships a fully formed entry. The remote side stores it
	// verbatim so the mirrored chain verifies identically.
	SendEntry(ctx context.Context, e *Entry) error

	// SendCheckpoint ships a checkpoint record.
	SendCheckpoint(ctx context.Context, cp *Checkpoint) error

	// SendReceipt ships a receipt for archival.
	SendReceipt(ctx context.Context, r *Receipt) error
}

// HTTPTransport implements Transport against a remote pruv server's
// mirror endpoints.
type HTTPTransport struct {
	BaseURL string       // Base URL of the remote server (e.g., "https://ledger.example.com")
	Client  *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewHTTPTransport creates an HTTP transport for a remote server.
func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Client:  &http.Client{},
	}
}

func (t *HTTPTransport) post(ctx context.Context, path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body)
	}
	return nil
}

// SendEntry posts the entry to the remote mirror endpoint.
func (t *HTTPTransport) SendEntry(ctx context.Context, e *Entry) error {
	return t.post(ctx, "/api/v1/mirror/entries", e)
}

// SendCheckpoint posts the checkpoint to the remote mirror endpoint.
func (t *HTTPTransport) SendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	return t.post(ctx, "/api/v1/mirror/checkpoints", cp)
}

// SendReceipt posts the receipt to the remote mirror endpoint.
func (t *HTTPTransport) SendReceipt(ctx context.Context, r *Receipt) error {
	return t.post(ctx, "/api/v1/mirror/receipts", r)
}

// LocalTransport mirrors directly into an in-process ledger. Useful for
// testing or single-machine deployments where both sides are
// co-located.
type LocalTransport struct {
	Ledger *Ledger

	mu       sync.Mutex
	receipts map[string]*Receipt
}

// NewLocalTransport creates a transport backed by a local ledger.
func NewLocalTransport(ledger *Ledger) *LocalTransport {
	return &LocalTransport{
		Ledger:   ledger,
		receipts: make(map[string]*Receipt),
	}
}

// SendEntry ingests the entry into the local ledger verbatim.
func (t *LocalTransport) SendEntry(ctx context.Context, e *Entry) error {
	return t.Ledger.Ingest(ctx, e)
}

// SendCheckpoint stores the checkpoint in the local ledger's store.
func (t *LocalTransport) SendCheckpoint(ctx context.Context, cp *Checkpoint) error {
	return t.Ledger.Store().PutCheckpoint(ctx, cp)
}

// SendReceipt archives the receipt in memory.
func (t *LocalTransport) SendReceipt(_ context.Context, r *Receipt) error {
	if err := r.Consistent(); err != nil {
		return err
	}
	t.mu.Lock()
	t.receipts[r.ID] = r
	t.mu.Unlock()
	return nil
}

// Receipt returns an archived receipt by id.
func (t *LocalTransport) Receipt(id string) (*Receipt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.receipts[id]
	return r, ok
}

// MirroredLedger wraps a Ledger and asynchronously pushes every
// appended entry and created checkpoint to a Transport. Mirroring is
// eventually consistent: a local append succeeds regardless of remote
// availability, and failed sends are logged, not propagated.
type MirroredLedger struct {
	*Ledger
	transport Transport
	log       *zap.Logger

	items  chan mirrorItem
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

type mirrorItem struct {
	entry      *Entry
	checkpoint *Checkpoint
	receipt    *Receipt
	flush      chan struct{}
}

const mirrorSendTimeout = 10 * time.Second

// NewMirroredLedger starts the mirror worker over a ledger. The buffer
// bounds how many unsent items may be pending before appends block on
// enqueueing.
func NewMirroredLedger(ledger *Ledger, transport Transport, buffer int) *MirroredLedger {
	if buffer <= 0 {
		buffer = 64
	}
	m := &MirroredLedger{
		Ledger:    ledger,
		transport: transport,
		log:       ledger.log,
		items:     make(chan mirrorItem, buffer),
	}
	m.wg.Add(1)
	go m.drain()
	return m
}

func (m *MirroredLedger) drain() {
	defer m.wg.Done()
	for item := range m.items {
		if item.flush != nil {
			close(item.flush)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), mirrorSendTimeout)
		var err error
		switch {
		case item.entry != nil:
			err = m.transport.SendEntry(ctx, item.entry)
		case item.checkpoint != nil:
			err = m.transport.SendCheckpoint(ctx, item.checkpoint)
		case item.receipt != nil:
			err = m.transport.SendReceipt(ctx, item.receipt)
		}
		cancel()
		if err != nil {
			m.log.Warn("mirror send failed", zap.Error(err))
		}
	}
}

// enqueue hands an item to the worker. Items arriving after Close are
// dropped; the local write already succeeded, only its mirroring is
// lost.
func (m *MirroredLedger) enqueue(item mirrorItem) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.log.Warn("mirror closed, item dropped")
		return false
	}
	m.items <- item
	return true
}

// Append records the transition locally, then enqueues the entry for
// remote mirroring.
func (m *MirroredLedger) Append(ctx context.Context, chainID string, x, y State, action string, opts AppendOptions) (*Entry, error) {
	e, err := m.Ledger.Append(ctx, chainID, x, y, action, opts)
	if err != nil {
		return nil, err
	}
	m.enqueue(mirrorItem{entry: e})
	return e, nil
}

// Undo performs the compensating append locally and mirrors it.
func (m *MirroredLedger) Undo(ctx context.Context, chainID string) (*Entry, error) {
	e, err := m.Ledger.Undo(ctx, chainID)
	if err != nil {
		return nil, err
	}
	m.enqueue(mirrorItem{entry: e})
	return e, nil
}

// CreateCheckpoint creates the checkpoint locally and mirrors it.
func (m *MirroredLedger) CreateCheckpoint(ctx context.Context, chainID, name string) (*Checkpoint, error) {
	cp, err := m.Ledger.CreateCheckpoint(ctx, chainID, name)
	if err != nil {
		return nil, err
	}
	m.enqueue(mirrorItem{checkpoint: cp})
	return cp, nil
}

// RestoreCheckpoint restores locally and mirrors the restore entry.
func (m *MirroredLedger) RestoreCheckpoint(ctx context.Context, chainID, checkpointID string) (*CheckpointRestoreResult, error) {
	result, err := m.Ledger.RestoreCheckpoint(ctx, chainID, checkpointID)
	if err != nil {
		return nil, err
	}
	m.enqueue(mirrorItem{entry: result.Entry})
	return result, nil
}

// GenerateReceipt generates locally and mirrors the receipt.
func (m *MirroredLedger) GenerateReceipt(ctx context.Context, chainID string, res *VerificationResult, opts ReceiptOptions) (*Receipt, error) {
	r, err := m.Ledger.GenerateReceipt(ctx, chainID, res, opts)
	if err != nil {
		return nil, err
	}
	m.enqueue(mirrorItem{receipt: r})
	return r, nil
}

// Flush blocks until every item enqueued before the call has been
// handed to the transport. Flush after Close returns immediately.
func (m *MirroredLedger) Flush() {
	done := make(chan struct{})
	if !m.enqueue(mirrorItem{flush: done}) {
		return
	}
	<-done
}

// Close drains outstanding items and stops the worker.
func (m *MirroredLedger) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.items)
		m.wg.Wait()
	})
}
