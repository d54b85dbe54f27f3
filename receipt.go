package pruv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReceiptStatus is the lifecycle status of a receipt.
type ReceiptStatus string

const (
	// ReceiptVerified means the underlying pass found the range intact.
	ReceiptVerified ReceiptStatus = "verified"
	// ReceiptFailed means the pass found at least one defect.
	ReceiptFailed ReceiptStatus = "failed"
	// ReceiptPending means the receipt was issued before a pass ran.
	ReceiptPending ReceiptStatus = "pending"
	// ReceiptExpired means the caller-defined validity window passed.
	ReceiptExpired ReceiptStatus = "expired"
)

// EntryRange is the inclusive index range a receipt covers.
type EntryRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Receipt is a portable, independently checkable summary of one
// verification pass. It is immutable once produced and requires no
// access to the source chain to sanity-check its internal consistency;
// full trust still requires re-verifying against the chain.
type Receipt struct {
	ID         string              `json:"id"`
	ChainID    string              `json:"chain_id"`
	ChainName  string              `json:"chain_name"`
	EntryRange EntryRange          `json:"entry_range"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  *time.Time          `json:"expires_at,omitempty"`
	Status     ReceiptStatus       `json:"status"`
	Result     *VerificationResult `json:"verification_result"`
	Steps      []string            `json:"steps,omitempty"`
	BadgeURL   string              `json:"badge_url,omitempty"`
	Signature  string              `json:"signature,omitempty"`
	PublicKey  string              `json:"public_key,omitempty"`
}

// receiptNamespace seeds deterministic receipt ids (UUIDv5 over the
// canonical receipt payload).
var receiptNamespace = uuid.MustParse("b7a6f5c1-90d2-4d38-8f1d-2e4f0a7c6b59")

// ReceiptOptions controls receipt generation.
type ReceiptOptions struct {
	// Sign embeds an Ed25519 signature over the canonical receipt
	// payload. Requires the ledger's key pair.
	Sign bool
	// ExpireAfter sets a validity window relative to the verification
	// time. Zero means the receipt never expires.
	ExpireAfter time.Duration
	// Steps is an optional step log carried verbatim.
	Steps []string
	// BadgeBaseURL, when set, yields BadgeURL = base + "/badge/{id}.svg".
	BadgeBaseURL string
}

// GenerateReceipt bundles a verification result into a receipt. The
// receipt is deterministic given identical inputs: its id is a UUIDv5
// over the canonical payload and its creation time is the result's
// CheckedAt, so regenerating from the same result reproduces the same
// artifact byte for byte. Ed25519 is deterministic per key, so even
// re-signing reproduces the same signature.
func (l *Ledger) GenerateReceipt(ctx context.Context, chainID string, res *VerificationResult, opts ReceiptOptions) (*Receipt, error) {
	chain, err := l.store.Chain(ctx, chainID)
	if err != nil {
		return nil, err
	}

	r := &Receipt{
		ChainID:    chainID,
		ChainName:  chain.Name,
		EntryRange: EntryRange{Start: res.StartIndex, End: res.EndIndex},
		CreatedAt:  res.CheckedAt,
		Status:     receiptStatus(res),
		Result:     res,
		Steps:      opts.Steps,
	}
	if opts.ExpireAfter > 0 {
		exp := res.CheckedAt.Add(opts.ExpireAfter)
		r.ExpiresAt = &exp
	}

	payload, err := receiptPayload(r)
	if err != nil {
		return nil, err
	}
	r.ID = uuid.NewSHA1(receiptNamespace, payload).String()
	if opts.BadgeBaseURL != "" {
		r.BadgeURL = opts.BadgeBaseURL + "/badge/" + r.ID + ".svg"
	}

	if opts.Sign {
		signed, err := receiptPayload(r)
		if err != nil {
			return nil, err
		}
		sig, pub, err := signPayload(signed, l.keys)
		if err != nil {
			return nil, err
		}
		r.Signature = sig
		r.PublicKey = pub
	}
	return r, nil
}

func receiptStatus(res *VerificationResult) ReceiptStatus {
	switch res.State {
	case VerifyPending, VerifyScanning:
		return ReceiptPending
	case VerifyValid:
		return ReceiptVerified
	default:
		return ReceiptFailed
	}
}

// receiptPayload is the canonical byte form covered by the receipt
// signature (and hashed into the id). Signature fields are excluded.
func receiptPayload(r *Receipt) ([]byte, error) {
	shadow := *r
	shadow.Signature = ""
	shadow.PublicKey = ""
	return CanonicalJSON(shadow)
}

// VerifyReceiptSignature checks a receipt's embedded signature.
func VerifyReceiptSignature(r *Receipt) bool {
	if r.Signature == "" || r.PublicKey == "" {
		return false
	}
	payload, err := receiptPayload(r)
	if err != nil {
		return false
	}
	return verifyPayload(payload, r.Signature, r.PublicKey)
}

// EffectiveStatus reports the receipt's status as of now, accounting
// for expiry. The stored artifact is never mutated.
func (r *Receipt) EffectiveStatus(now time.Time) ReceiptStatus {
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return ReceiptExpired
	}
	return r.Status
}

// Consistent checks the receipt's internal coherence without touching
// the source chain: the status must agree with the embedded result, the
// defect lists with the validity flag, and the entry range with the
// result's range.
func (r *Receipt) Consistent() error {
	if r.Result == nil {
		return fmt.Errorf("receipt %s: missing verification result", r.ID)
	}
	res := r.Result
	defects := defectCount(res)
	if res.Valid && defects > 0 {
		return fmt.Errorf("receipt %s: result marked valid with %d defects", r.ID, defects)
	}
	if !res.Valid && defects == 0 && res.State == VerifyBroken {
		return fmt.Errorf("receipt %s: result marked broken with no defects", r.ID)
	}
	if res.Valid && r.Status != ReceiptVerified {
		return fmt.Errorf("receipt %s: valid result but status %q", r.ID, r.Status)
	}
	if !res.Valid && r.Status == ReceiptVerified {
		return fmt.Errorf("receipt %s: status %q but result invalid", r.ID, r.Status)
	}
	if r.EntryRange.Start != res.StartIndex || r.EntryRange.End != res.EndIndex {
		return fmt.Errorf("receipt %s: entry range does not match result range", r.ID)
	}
	if res.EntriesChecked < len(res.BrokenLinks) {
		return fmt.Errorf("receipt %s: more broken links than entries checked", r.ID)
	}
	return nil
}

// MarshalIndent renders the receipt as a self-contained JSON artifact.
func (r *Receipt) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
