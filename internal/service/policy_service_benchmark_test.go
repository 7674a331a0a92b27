package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/tame-ai/tame/internal/domain/policy"
)

func benchPolicyService(b *testing.B, opts ...PolicyServiceOption) *PolicyService {
	b.Helper()
	svc, err := NewPolicyService(context.Background(), newMockVersionStore(), newTestJournal(), discardLogger(), opts...)
	if err != nil {
		b.Fatalf("NewPolicyService() error = %v", err)
	}
	return svc
}

func benchCallInput(path string) policy.CallInput {
	return policy.CallInput{
		ToolName:  "read_file",
		Arguments: map[string]any{"path": path},
		SessionContext: map[string]any{
			"session_id": "bench-session",
			"agent_id":   "bench-agent",
		},
	}
}

// BenchmarkPolicyDecideCacheHit measures the hot path: identical input,
// answer served from the decision cache.
func BenchmarkPolicyDecideCacheHit(b *testing.B) {
	svc := benchPolicyService(b)
	in := benchCallInput("/home/bench/file.txt")
	svc.Decide(in)

	b.ResetTimer()
	for b.Loop() {
		svc.Decide(in)
	}
}

// BenchmarkPolicyDecideCacheMiss measures full evaluation by varying the
// argument so every call misses the cache.
func BenchmarkPolicyDecideCacheMiss(b *testing.B) {
	svc := benchPolicyService(b)

	i := 0
	b.ResetTimer()
	for b.Loop() {
		i++
		svc.Decide(benchCallInput(fmt.Sprintf("/home/bench/file-%d.txt", i)))
	}
}

// BenchmarkPolicyDecideParallel measures cached decisions under contention
// on the cache lock.
func BenchmarkPolicyDecideParallel(b *testing.B) {
	svc := benchPolicyService(b)
	in := benchCallInput("/home/bench/file.txt")
	svc.Decide(in)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			svc.Decide(in)
		}
	})
}

// BenchmarkPolicyDecideManyRules measures the first-match scan against a
// version with 100 rules where only the last one matches.
func BenchmarkPolicyDecideManyRules(b *testing.B) {
	var sb strings.Builder
	sb.WriteString("version: bench-wide\nrules:\n")
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&sb, "  - name: rule-%d\n    action: deny\n    tools: [\"tool_%d\"]\n    reason: \"no\"\n", i, i)
	}
	sb.WriteString("default_action: deny\n")

	svc := benchPolicyService(b)
	if _, err := svc.Create(context.Background(), []byte(sb.String()), "", "", true); err != nil {
		b.Fatalf("Create() error = %v", err)
	}

	i := 0
	b.ResetTimer()
	for b.Loop() {
		i++
		// Unique argument defeats the cache so the scan itself is timed.
		svc.Decide(policy.CallInput{
			ToolName:  "tool_99",
			Arguments: map[string]any{"n": i},
		})
	}
}

// BenchmarkPolicyActivate measures a version flip including the cache
// clear, with live readers in the background pattern covered by the
// concurrency tests.
func BenchmarkPolicyActivate(b *testing.B) {
	svc := benchPolicyService(b)
	created, err := svc.Create(context.Background(), []byte(allowReadsSource), "", "", false)
	if err != nil {
		b.Fatalf("Create() error = %v", err)
	}
	active, _ := svc.Current()

	ids := [2]int64{created.PolicyID, active.ID}
	b.ResetTimer()
	for b.Loop() {
		for _, id := range ids {
			if _, err := svc.Activate(context.Background(), id); err != nil {
				b.Fatal(err)
			}
		}
	}
}

// BenchmarkDecisionKey measures cache key derivation over a nested input.
func BenchmarkDecisionKey(b *testing.B) {
	in := &policy.CallInput{
		ToolName: "http_request",
		Arguments: map[string]any{
			"url":     "https://api.example.com/v1/items",
			"method":  "POST",
			"headers": map[string]any{"Content-Type": "application/json"},
		},
		SessionContext: map[string]any{
			"session_id":  "bench-session",
			"agent_id":    "bench-agent",
			"environment": "staging",
		},
	}

	b.ResetTimer()
	for b.Loop() {
		decisionKey("fingerprint", in)
	}
}
