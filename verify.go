package pruv

import (
	"context"
	"time"
)

// VerifyState is the state of a verification pass.
type VerifyState string

const (
	// VerifyPending means the pass has not started scanning yet.
	VerifyPending VerifyState = "pending"
	// VerifyScanning means the pass is walking entries.
	VerifyScanning VerifyState = "scanning"
	// VerifyValid means the scanned range upheld every invariant.
	VerifyValid VerifyState = "valid"
	// VerifyBroken means at least one defect was found.
	VerifyBroken VerifyState = "broken"
)

// VerifyOptions controls a verification pass.
type VerifyOptions struct {
	// Start is the first index to check. Entries before it are assumed.
	Start uint64
	// Count limits how many entries are checked; 0 means through the
	// tail.
	Count int
	// Deep re-hashes the stored X/Y states and compares against the
	// stored hashes, catching silent state corruption even where links
	// match.
	Deep bool
	// CheckSignatures verifies each entry's signature against its
	// claimed public key and reports unsigned entries.
	CheckSignatures bool
	// StopAtFirst stops the scan at the first defect instead of
	// collecting the complete report.
	StopAtFirst bool
}

// VerificationResult is the complete report of one pass. Defects are
// data, not errors: a broken chain verifies "successfully" into a
// result that says where it broke.
type VerificationResult struct {
	ChainID        string      `json:"chain_id"`
	State          VerifyState `json:"state"`
	StartIndex     uint64      `json:"start_index"`
	EndIndex       uint64      `json:"end_index"`
	EntriesChecked int         `json:"entries_checked"`

	// BrokenLinks holds indices whose x_hash or prev_hash does not
	// match the predecessor's y_hash. Entries before the first broken
	// index still verified.
	BrokenLinks []uint64 `json:"broken_links"`
	// HashMismatches holds indices where a stored state no longer
	// hashes to its stored digest (Deep only).
	HashMismatches []uint64 `json:"hash_mismatches,omitempty"`
	// UnsignedEntries and InvalidSignatures are populated when
	// CheckSignatures is set.
	UnsignedEntries   []uint64 `json:"unsigned_entries"`
	InvalidSignatures []uint64 `json:"invalid_signatures,omitempty"`

	Valid     bool      `json:"valid"`
	CheckedAt time.Time `json:"checked_at"`
}

const verifyPageSize = 256

// Verify walks a chain's entries and checks the link invariant
// entry[n].x_hash == entry[n-1].y_hash (and prev_hash likewise), plus
// signatures and deep state hashes when requested. By default the pass
// collects every defect in one scan rather than stopping at the first.
func (l *Ledger) Verify(ctx context.Context, chainID string, opts VerifyOptions) (*VerificationResult, error) {
	res := &VerificationResult{
		ChainID:     chainID,
		State:       VerifyPending,
		StartIndex:  opts.Start,
		BrokenLinks: []uint64{},

		UnsignedEntries: []uint64{},
	}

	// Establish the link base for a mid-chain start.
	var prevYHash string
	havePrev := false
	if opts.Start > 0 {
		prev, err := l.store.Entry(ctx, chainID, opts.Start-1)
		if err != nil {
			return nil, err
		}
		prevYHash = prev.YHash
		havePrev = true
	} else if _, err := l.store.Chain(ctx, chainID); err != nil {
		return nil, err
	}

	res.State = VerifyScanning

	remaining := opts.Count
	next := opts.Start

scan:
	for {
		page := verifyPageSize
		if remaining > 0 && remaining < page {
			page = remaining
		}
		entries, err := l.store.Entries(ctx, chainID, next, page)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}

		for _, e := range entries {
			defectBefore := defectCount(res)

			switch {
			case havePrev:
				if !hashEqual(e.XHash, prevYHash) || !hashEqual(e.PrevHash, prevYHash) {
					res.BrokenLinks = append(res.BrokenLinks, e.Index)
				}
			case e.Index == 0:
				if !hashEqual(e.PrevHash, GenesisHash) {
					res.BrokenLinks = append(res.BrokenLinks, e.Index)
				}
			}

			if opts.Deep {
				if xh, err := HashState(e.XState); err != nil || !hashEqual(xh, e.XHash) {
					res.HashMismatches = append(res.HashMismatches, e.Index)
				} else if yh, err := HashState(e.YState); err != nil || !hashEqual(yh, e.YHash) {
					res.HashMismatches = append(res.HashMismatches, e.Index)
				}
			}

			if opts.CheckSignatures {
				if e.Signature == "" {
					res.UnsignedEntries = append(res.UnsignedEntries, e.Index)
				} else if !VerifyEntrySignature(e) {
					res.InvalidSignatures = append(res.InvalidSignatures, e.Index)
				}
			}

			res.EntriesChecked++
			res.EndIndex = e.Index
			prevYHash = e.YHash
			havePrev = true

			if opts.StopAtFirst && defectCount(res) > defectBefore {
				break scan
			}
		}

		next = entries[len(entries)-1].Index + 1
		if remaining > 0 {
			remaining -= len(entries)
			if remaining <= 0 {
				break
			}
		}
	}

	res.Valid = defectCount(res) == 0
	if res.Valid {
		res.State = VerifyValid
	} else {
		res.State = VerifyBroken
	}
	res.CheckedAt = time.Now().UTC()
	return res, nil
}

func defectCount(res *VerificationResult) int {
	return len(res.BrokenLinks) + len(res.HashMismatches) + len(res.UnsignedEntries) + len(res.InvalidSignatures)
}
