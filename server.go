package pruv

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChainLedger is the ledger surface the server serves. Both *Ledger
// and *MirroredLedger satisfy it; serving a MirroredLedger makes every
// HTTP write flow through the mirror queue.
type ChainLedger interface {
	CreateChain(ctx context.Context, c Chain) (*Chain, error)
	Chain(ctx context.Context, chainID string) (*Chain, error)
	Chains(ctx context.Context) ([]*Chain, error)
	Tail(ctx context.Context, chainID string) (*Entry, bool, error)
	Entries(ctx context.Context, chainID string, start uint64, limit int) ([]*Entry, error)
	Append(ctx context.Context, chainID string, x, y State, action string, opts AppendOptions) (*Entry, error)
	Ingest(ctx context.Context, e *Entry) error
	Undo(ctx context.Context, chainID string) (*Entry, error)
	Verify(ctx context.Context, chainID string, opts VerifyOptions) (*VerificationResult, error)
	GenerateReceipt(ctx context.Context, chainID string, res *VerificationResult, opts ReceiptOptions) (*Receipt, error)
	CreateCheckpoint(ctx context.Context, chainID, name string) (*Checkpoint, error)
	Checkpoints(ctx context.Context, chainID string) ([]*Checkpoint, error)
	PreviewCheckpoint(ctx context.Context, chainID, checkpointID string) (*CheckpointPreview, error)
	RestoreCheckpoint(ctx context.Context, chainID, checkpointID string) (*CheckpointRestoreResult, error)
	Store() Store
}

// Server exposes the ledger over HTTP. Request and response bodies are
// JSON by default; clients may send and request
// application/x-protobuf, in which case payloads travel as protobuf
// Struct values carrying the same document.
type Server struct {
	ledger    ChainLedger
	log       *zap.Logger
	badgeBase string
	tlsConfig *tls.Config

	mu         sync.RWMutex
	receipts   map[string]*Receipt // mirrored receipt archive
	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithBadgeBaseURL sets the base URL used for receipt badge links.
func WithBadgeBaseURL(base string) ServerOption {
	return func(s *Server) { s.badgeBase = strings.TrimRight(base, "/") }
}

// WithServerLogger sets the server's structured logger.
func WithServerLogger(log *zap.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithTLSConfig clones cfg and stores it for use when serving HTTPS
// requests. Nil selects a default configuration.
func WithTLSConfig(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		if cfg == nil {
			s.tlsConfig = nil
			return
		}
		s.tlsConfig = cfg.Clone()
	}
}

// NewServer creates an HTTP server over a ledger.
func NewServer(ledger ChainLedger, opts ...ServerOption) *Server {
	s := &Server{
		ledger:   ledger,
		log:      zap.NewNop(),
		receipts: make(map[string]*Receipt),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetupRoutes configures HTTP routes on mux.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/chains", s.handleChains)
	mux.HandleFunc("/api/v1/chains/", s.handleChain)
	mux.HandleFunc("/api/v1/mirror/entries", s.handleMirrorEntry)
	mux.HandleFunc("/api/v1/mirror/checkpoints", s.handleMirrorCheckpoint)
	mux.HandleFunc("/api/v1/mirror/receipts", s.handleMirrorReceipt)
	mux.HandleFunc("/api/v1/receipts/", s.handleReceiptLookup)
}

// Handler returns a fully routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

// isProtobuf checks if the request content type is protobuf.
func isProtobuf(r *http.Request) bool {
	contentType := r.Header.Get("Content-Type")
	return strings.HasPrefix(contentType, "application/x-protobuf") ||
		strings.HasPrefix(contentType, "application/protobuf")
}

// decodeBody decodes a request body from JSON or a protobuf Struct.
func decodeBody(r *http.Request, dst any) error {
	if isProtobuf(r) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("unmarshal protobuf: %w", err)
		}
		raw, err := st.MarshalJSON()
		if err != nil {
			return fmt.Errorf("convert protobuf: %w", err)
		}
		return json.Unmarshal(raw, dst)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeResponse encodes v in the format the request arrived in.
func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, status int, v any) {
	if isProtobuf(r) {
		raw, err := json.Marshal(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
			return
		}
		var st structpb.Struct
		if err := st.UnmarshalJSON(raw); err != nil {
			http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
			return
		}
		data, err := proto.Marshal(&st)
		if err != nil {
			http.Error(w, fmt.Sprintf("encode response: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(status)
		_, _ = w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps structural errors onto HTTP statuses.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrChainNotFound),
		errors.Is(err, ErrEntryNotFound),
		errors.Is(err, ErrCheckpointNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrChainExists):
		status = http.StatusConflict
	case errors.Is(err, ErrConcurrentAppendConflict),
		errors.Is(err, ErrAppendLockTimeout):
		status = http.StatusConflict
	case errors.Is(err, ErrEmptyChain),
		errors.Is(err, ErrNothingToUndo),
		errors.Is(err, ErrRestoreTargetAhead):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeResponse(w, r, status, map[string]any{
		"error":     err.Error(),
		"retryable": Retryable(err),
	})
}

type createChainRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// handleChains handles POST (create) and GET (list) on /api/v1/chains.
func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createChainRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid chain: %v", err), http.StatusBadRequest)
			return
		}
		chain, err := s.ledger.CreateChain(r.Context(), Chain{
			Name:        req.Name,
			Description: req.Description,
			Tags:        req.Tags,
		})
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeResponse(w, r, http.StatusCreated, chain)
	case http.MethodGet:
		chains, err := s.ledger.Chains(r.Context())
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeResponse(w, r, http.StatusOK, map[string]any{"chains": chains})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleChain dispatches /api/v1/chains/{id}[/...].
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/chains/")
	parts := strings.Split(rest, "/")
	chainID := parts[0]
	if chainID == "" {
		http.Error(w, "Missing chain id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		s.handleChainMeta(w, r, chainID)
	case len(parts) == 2 && parts[1] == "entries":
		s.handleEntries(w, r, chainID)
	case len(parts) == 2 && parts[1] == "verify":
		s.handleVerify(w, r, chainID)
	case len(parts) == 2 && parts[1] == "receipts":
		s.handleReceipt(w, r, chainID)
	case len(parts) == 2 && parts[1] == "undo":
		s.handleUndo(w, r, chainID)
	case len(parts) == 2 && parts[1] == "checkpoints":
		s.handleCheckpoints(w, r, chainID)
	case len(parts) == 4 && parts[1] == "checkpoints" && parts[3] == "preview":
		s.handleCheckpointPreview(w, r, chainID, parts[2])
	case len(parts) == 4 && parts[1] == "checkpoints" && parts[3] == "restore":
		s.handleCheckpointRestore(w, r, chainID, parts[2])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleChainMeta(w http.ResponseWriter, r *http.Request, chainID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	chain, err := s.ledger.Chain(r.Context(), chainID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	tail, ok, err := s.ledger.Tail(r.Context(), chainID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	resp := map[string]any{"chain": chain, "length": 0}
	if ok {
		resp["length"] = tail.Index + 1
		resp["tail"] = tail
	}
	s.writeResponse(w, r, http.StatusOK, resp)
}

type appendRequest struct {
	XState      State    `json:"x_state"`
	YState      State    `json:"y_state"`
	Action      string   `json:"action"`
	Sign        bool     `json:"sign"`
	RedactPaths []string `json:"redact_paths"`
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request, chainID string) {
	switch r.Method {
	case http.MethodPost:
		var req appendRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid append request: %v", err), http.StatusBadRequest)
			return
		}
		entry, err := s.ledger.Append(r.Context(), chainID, req.XState, req.YState, req.Action, AppendOptions{
			Sign:        req.Sign,
			RedactPaths: req.RedactPaths,
		})
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeResponse(w, r, http.StatusCreated, entry)
	case http.MethodGet:
		start, _ := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := s.ledger.Entries(r.Context(), chainID, start, limit)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeResponse(w, r, http.StatusOK, map[string]any{"entries": entries})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type verifyRequest struct {
	Start           uint64 `json:"start"`
	Count           int    `json:"count"`
	Deep            bool   `json:"deep_verify"`
	CheckSignatures bool   `json:"check_signatures"`
	StopAtFirst     bool   `json:"stop_at_first"`
}

func (v verifyRequest) options() VerifyOptions {
	return VerifyOptions{
		Start:           v.Start,
		Count:           v.Count,
		Deep:            v.Deep,
		CheckSignatures: v.CheckSignatures,
		StopAtFirst:     v.StopAtFirst,
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, chainID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid verify request: %v", err), http.StatusBadRequest)
		return
	}
	res, err := s.ledger.Verify(r.Context(), chainID, req.options())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusOK, res)
}

type receiptRequest struct {
	Verify             verifyRequest `json:"verify"`
	Sign               bool          `json:"sign"`
	ExpireAfterSeconds int64         `json:"expire_after_seconds"`
	Steps              []string      `json:"steps"`
}

// handleReceipt runs a verification pass and bundles the result into a
// receipt in one call.
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request, chainID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req receiptRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid receipt request: %v", err), http.StatusBadRequest)
		return
	}
	res, err := s.ledger.Verify(r.Context(), chainID, req.Verify.options())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	receipt, err := s.ledger.GenerateReceipt(r.Context(), chainID, res, ReceiptOptions{
		Sign:         req.Sign,
		ExpireAfter:  time.Duration(req.ExpireAfterSeconds) * time.Second,
		Steps:        req.Steps,
		BadgeBaseURL: s.badgeBase,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.archiveReceipt(receipt)
	s.writeResponse(w, r, http.StatusCreated, receipt)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request, chainID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entry, err := s.ledger.Undo(r.Context(), chainID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusCreated, entry)
}

type createCheckpointRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request, chainID string) {
	switch r.Method {
	case http.MethodPost:
		var req createCheckpointRequest
		if err := decodeBody(r, &req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid checkpoint request: %v", err), http.StatusBadRequest)
			return
		}
		cp, err := s.ledger.CreateCheckpoint(r.Context(), chainID, req.Name)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeResponse(w, r, http.StatusCreated, cp)
	case http.MethodGet:
		cps, err := s.ledger.Checkpoints(r.Context(), chainID)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		s.writeResponse(w, r, http.StatusOK, map[string]any{"checkpoints": cps})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCheckpointPreview(w http.ResponseWriter, r *http.Request, chainID, checkpointID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	preview, err := s.ledger.PreviewCheckpoint(r.Context(), chainID, checkpointID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusOK, preview)
}

func (s *Server) handleCheckpointRestore(w http.ResponseWriter, r *http.Request, chainID, checkpointID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.ledger.RestoreCheckpoint(r.Context(), chainID, checkpointID)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusCreated, result)
}

// handleMirrorEntry accepts a fully formed entry from an authoring
// ledger and stores it verbatim.
func (s *Server) handleMirrorEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var e Entry
	if err := decodeBody(r, &e); err != nil {
		http.Error(w, fmt.Sprintf("Invalid entry: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.ledger.Ingest(r.Context(), &e); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusOK, map[string]any{
		"status":   "mirrored",
		"chain_id": e.ChainID,
		"index":    e.Index,
	})
}

func (s *Server) handleMirrorCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cp Checkpoint
	if err := decodeBody(r, &cp); err != nil {
		http.Error(w, fmt.Sprintf("Invalid checkpoint: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.ledger.Store().PutCheckpoint(r.Context(), &cp); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.writeResponse(w, r, http.StatusOK, map[string]any{
		"status":        "mirrored",
		"checkpoint_id": cp.ID,
	})
}

func (s *Server) handleMirrorReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var receipt Receipt
	if err := decodeBody(r, &receipt); err != nil {
		http.Error(w, fmt.Sprintf("Invalid receipt: %v", err), http.StatusBadRequest)
		return
	}
	if err := receipt.Consistent(); err != nil {
		http.Error(w, fmt.Sprintf("Inconsistent receipt: %v", err), http.StatusUnprocessableEntity)
		return
	}
	s.archiveReceipt(&receipt)
	s.writeResponse(w, r, http.StatusOK, map[string]any{
		"status":     "archived",
		"receipt_id": receipt.ID,
	})
}

func (s *Server) handleReceiptLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/receipts/")
	s.mu.RLock()
	receipt, ok := s.receipts[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "Receipt not found", http.StatusNotFound)
		return
	}
	s.writeResponse(w, r, http.StatusOK, receipt)
}

func (s *Server) archiveReceipt(r *Receipt) {
	s.mu.Lock()
	s.receipts[r.ID] = r
	s.mu.Unlock()
}

func (s *Server) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// ListenAndServe starts the plain HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Handler()}
	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()
	return server.ListenAndServe()
}

// ListenAndServeTLS starts the HTTPS server.
func (s *Server) ListenAndServeTLS(addr, certFile, keyFile string) error {
	server := &http.Server{
		Addr:      addr,
		Handler:   s.Handler(),
		TLSConfig: s.tlsConfigWithDefaults(),
	}
	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()
	return server.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown gracefully stops the running server, letting in-flight
// requests finish within ctx's deadline. A no-op before serving
// starts.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	server := s.httpServer
	s.mu.RUnlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
