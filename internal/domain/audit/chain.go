package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tame-ai/tame/pkg/policydoc"
)

// GenesisHash seeds every session's chain: 64 ASCII zeros, the width of a
// hex-encoded SHA-256 digest.
var GenesisHash = strings.Repeat("0", 64)

// chainView is the exact field set committed by an entry's own-hash. The
// outcome region stays outside: it arrives after the decision and must be
// writable exactly once without re-hashing the chain.
type chainView struct {
	SessionID     string         `json:"session_id"`
	Index         int64          `json:"seq_index"`
	Timestamp     string         `json:"timestamp"`
	ToolName      string         `json:"tool_name"`
	Arguments     map[string]any `json:"tool_args"`
	PolicyVersion string         `json:"policy_version"`
	Decision      string         `json:"decision"`
	RuleName      string         `json:"rule_name"`
	Reason        string         `json:"reason"`
}

// ComputeOwnHash binds an entry to its predecessor:
//
//	own_hash = hex(HMAC-SHA256(secret, canonical(frozen fields) || prev_hash))
//
// The entry's PrevHash must already be set. Timestamps are committed in
// RFC 3339 UTC form with nanoseconds, matching how stores persist them.
func ComputeOwnHash(secret []byte, e *Entry) (string, error) {
	canon, err := policydoc.CanonicalJSON(chainView{
		SessionID:     e.SessionID,
		Index:         e.Index,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		ToolName:      e.ToolName,
		Arguments:     e.Arguments,
		PolicyVersion: e.PolicyVersion,
		Decision:      e.Decision,
		RuleName:      e.RuleName,
		Reason:        e.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("hash entry %d: %w", e.Index, err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	mac.Write([]byte(e.PrevHash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Violation kinds reported by VerifyChain.
const (
	// ViolationHashMismatch means the recomputed own-hash differs from the
	// stored one: the frozen fields were altered after the fact.
	ViolationHashMismatch = "hash_mismatch"
	// ViolationBrokenLink means the entry's prev-hash does not match its
	// predecessor's own-hash.
	ViolationBrokenLink = "broken_link"
	// ViolationIndexGap means per-session indices are not contiguous.
	ViolationIndexGap = "index_gap"
)

// Violation is one integrity finding.
type Violation struct {
	SessionID string `json:"session_id"`
	EntryID   int64  `json:"entry_id"`
	Index     int64  `json:"seq_index"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail"`
}

// VerifyChain recomputes one session's chain. The entries must be that
// session's, ordered by index ascending. Every finding is reported; the walk
// resynchronizes after each violation rather than stopping.
func VerifyChain(secret []byte, entries []Entry) []Violation {
	var out []Violation
	prevHash := GenesisHash
	wantIndex := int64(1)

	for i := range entries {
		e := &entries[i]

		if e.Index != wantIndex {
			out = append(out, Violation{
				SessionID: e.SessionID,
				EntryID:   e.ID,
				Index:     e.Index,
				Kind:      ViolationIndexGap,
				Detail:    fmt.Sprintf("expected index %d, found %d", wantIndex, e.Index),
			})
		}

		if e.PrevHash != prevHash {
			out = append(out, Violation{
				SessionID: e.SessionID,
				EntryID:   e.ID,
				Index:     e.Index,
				Kind:      ViolationBrokenLink,
				Detail:    "prev_hash does not match predecessor's own_hash",
			})
		}

		want, err := ComputeOwnHash(secret, e)
		if err != nil {
			out = append(out, Violation{
				SessionID: e.SessionID,
				EntryID:   e.ID,
				Index:     e.Index,
				Kind:      ViolationHashMismatch,
				Detail:    fmt.Sprintf("recompute failed: %v", err),
			})
		} else if want != e.OwnHash {
			out = append(out, Violation{
				SessionID: e.SessionID,
				EntryID:   e.ID,
				Index:     e.Index,
				Kind:      ViolationHashMismatch,
				Detail:    "own_hash does not match recomputed value",
			})
		}

		prevHash = e.OwnHash
		wantIndex = e.Index + 1
	}
	return out
}
