//go:build property
// +build property

// Package audit_test contains property-based tests for the hash chain.
package audit_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tame-ai/tame/internal/domain/audit"
)

// buildChain links a well-formed chain of entries, one per tool name, the
// way the audit service appends them.
func buildChain(secret []byte, sessionID string, tools []string) ([]audit.Entry, error) {
	base := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)
	prev := audit.GenesisHash
	entries := make([]audit.Entry, 0, len(tools))

	for i, tool := range tools {
		e := audit.Entry{
			ID:            int64(i + 1),
			SessionID:     sessionID,
			Index:         int64(i + 1),
			Timestamp:     base.Add(time.Duration(i) * time.Second),
			ToolName:      tool,
			Arguments:     map[string]any{"step": i},
			PolicyVersion: "v1",
			Decision:      "allow",
			Reason:        "matched",
			Status:        audit.StatusPending,
			PrevHash:      prev,
		}
		own, err := audit.ComputeOwnHash(secret, &e)
		if err != nil {
			return nil, err
		}
		e.OwnHash = own
		prev = own
		entries = append(entries, e)
	}
	return entries, nil
}

// TestChainRoundTrip verifies that correctly linked chains always verify.
// Property: VerifyChain(secret, buildChain(secret, tools)) == no violations
func TestChainRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("well-formed chains verify clean", prop.ForAll(
		func(secret string, sessionID string, tools []string) bool {
			if len(tools) > 20 {
				tools = tools[:20]
			}
			entries, err := buildChain([]byte(secret), sessionID, tools)
			if err != nil {
				return false
			}
			return len(audit.VerifyChain([]byte(secret), entries)) == 0
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestChainTamperDetection verifies that altering any frozen field of any
// entry is reported.
// Property: VerifyChain(secret, tamper(chain)) != empty
func TestChainTamperDetection(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampering never goes unreported", prop.ForAll(
		func(tools []string, pick, field int) bool {
			if len(tools) == 0 {
				return true // nothing to tamper with
			}
			if len(tools) > 20 {
				tools = tools[:20]
			}
			secret := []byte("chain-secret")
			entries, err := buildChain(secret, "sess-tamper", tools)
			if err != nil {
				return false
			}

			e := &entries[pick%len(entries)]
			switch field % 8 {
			case 0:
				e.ToolName += "x"
			case 1:
				e.Decision = "deny"
				e.Reason = "rewritten after the fact"
			case 2:
				e.Reason += "x"
			case 3:
				e.PolicyVersion += "x"
			case 4:
				e.Arguments["injected"] = true
			case 5:
				e.Timestamp = e.Timestamp.Add(time.Second)
			case 6:
				e.PrevHash = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
			case 7:
				e.Index++
			}

			return len(audit.VerifyChain(secret, entries)) > 0
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

// TestChainSealingPreservesIntegrity verifies the outcome region is outside
// the hash: sealing entries never breaks verification.
// Property: VerifyChain(secret, seal(chain)) == no violations
func TestChainSealingPreservesIntegrity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sealed outcomes leave the chain intact", prop.ForAll(
		func(tools []string, statuses []int) bool {
			if len(tools) > 20 {
				tools = tools[:20]
			}
			secret := []byte("chain-secret")
			entries, err := buildChain(secret, "sess-seal", tools)
			if err != nil {
				return false
			}

			sealedAt := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
			for i := range entries {
				if i >= len(statuses) {
					break // leave the rest pending
				}
				if statuses[i]%2 == 0 {
					entries[i].Status = audit.StatusSuccess
					entries[i].Outcome = `{"bytes_written":42}`
				} else {
					entries[i].Status = audit.StatusError
					entries[i].ErrorMessage = "tool crashed"
				}
				entries[i].DurationMS = int64(statuses[i] % 5000)
				entries[i].SealedAt = &sealedAt
			}

			return len(audit.VerifyChain(secret, entries)) == 0
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestOwnHashDeterminism verifies hashing is a pure function of the entry
// and the secret.
// Property: ComputeOwnHash(secret, e) == ComputeOwnHash(secret, e), and
// a different secret yields a different hash.
func TestOwnHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("own-hash is deterministic and keyed", prop.ForAll(
		func(secret, tool, reason string) bool {
			e := audit.Entry{
				SessionID:     "sess-det",
				Index:         1,
				Timestamp:     time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC),
				ToolName:      tool,
				Arguments:     map[string]any{"q": reason},
				PolicyVersion: "v1",
				Decision:      "allow",
				Reason:        reason,
				PrevHash:      audit.GenesisHash,
			}

			h1, err1 := audit.ComputeOwnHash([]byte(secret), &e)
			h2, err2 := audit.ComputeOwnHash([]byte(secret), &e)
			if err1 != nil || err2 != nil || h1 != h2 {
				return false
			}

			h3, err3 := audit.ComputeOwnHash([]byte(secret+"x"), &e)
			return err3 == nil && h3 != h1
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
