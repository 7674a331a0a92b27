package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tame-ai/tame/internal/domain/policy"
)

// StatsService tracks runtime statistics using lock-free atomic counters.
// All counter operations are safe for concurrent access from multiple goroutines.
type StatsService struct {
	started time.Time

	allowed  atomic.Int64
	denied   atomic.Int64
	approval atomic.Int64
	bypassed atomic.Int64
	errors   atomic.Int64

	sealedSuccess atomic.Int64
	sealedError   atomic.Int64

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	// Per-tool counters (mutex-protected map).
	mu         sync.Mutex
	toolCounts map[string]int64
}

// NewStatsService creates a new StatsService with all counters at zero.
func NewStatsService() *StatsService {
	return &StatsService{
		started:    time.Now().UTC(),
		toolCounts: make(map[string]int64),
	}
}

// RecordDecision increments the counter matching the decision action and the
// per-tool counter.
func (s *StatsService) RecordDecision(toolName string, d policy.Decision, bypassed bool) {
	switch {
	case bypassed:
		s.bypassed.Add(1)
	case d.Action == policy.ActionAllow:
		s.allowed.Add(1)
	case d.Action == policy.ActionApprove:
		s.approval.Add(1)
	default:
		s.denied.Add(1)
	}

	if toolName == "" {
		return
	}
	s.mu.Lock()
	s.toolCounts[toolName]++
	s.mu.Unlock()
}

// RecordSeal increments the sealed-outcome counter for the given status.
func (s *StatsService) RecordSeal(status string) {
	if status == "success" {
		s.sealedSuccess.Add(1)
		return
	}
	s.sealedError.Add(1)
}

// RecordError increments the enforcement error counter.
func (s *StatsService) RecordError() {
	s.errors.Add(1)
}

// RecordCacheHit increments the decision cache hit counter.
func (s *StatsService) RecordCacheHit() {
	s.cacheHits.Add(1)
}

// RecordCacheMiss increments the decision cache miss counter.
func (s *StatsService) RecordCacheMiss() {
	s.cacheMisses.Add(1)
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	UptimeSeconds int64            `json:"uptime_seconds"`
	Allowed       int64            `json:"allowed"`
	Denied        int64            `json:"denied"`
	Approval      int64            `json:"approval_required"`
	Bypassed      int64            `json:"bypassed"`
	Errors        int64            `json:"errors"`
	SealedSuccess int64            `json:"sealed_success"`
	SealedError   int64            `json:"sealed_error"`
	CacheHits     int64            `json:"cache_hits"`
	CacheMisses   int64            `json:"cache_misses"`
	ToolCounts    map[string]int64 `json:"tool_counts"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	tc := make(map[string]int64, len(s.toolCounts))
	for k, v := range s.toolCounts {
		tc[k] = v
	}
	s.mu.Unlock()

	return Stats{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Allowed:       s.allowed.Load(),
		Denied:        s.denied.Load(),
		Approval:      s.approval.Load(),
		Bypassed:      s.bypassed.Load(),
		Errors:        s.errors.Load(),
		SealedSuccess: s.sealedSuccess.Load(),
		SealedError:   s.sealedError.Load(),
		CacheHits:     s.cacheHits.Load(),
		CacheMisses:   s.cacheMisses.Load(),
		ToolCounts:    tc,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.denied.Store(0)
	s.approval.Store(0)
	s.bypassed.Store(0)
	s.errors.Store(0)
	s.sealedSuccess.Store(0)
	s.sealedError.Store(0)
	s.cacheHits.Store(0)
	s.cacheMisses.Store(0)

	s.mu.Lock()
	s.toolCounts = make(map[string]int64)
	s.mu.Unlock()
}
