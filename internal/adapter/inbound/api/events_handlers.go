package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tame-ai/tame/internal/domain/journal"
	"github.com/tame-ai/tame/internal/service"
)

// StatsResponse is the JSON response for GET /api/v1/stats: the decision
// counters since boot plus runtime gauges.
type StatsResponse struct {
	service.Stats
	PolicyVersion string `json:"policy_version,omitempty"`
	BypassMode    bool   `json:"bypass_mode"`
	Subscribers   int    `json:"subscribers"`
	JournalDrops  int64  `json:"journal_dropped_events"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{}

	if s.stats != nil {
		resp.Stats = s.stats.GetStats()
	}
	if resp.ToolCounts == nil {
		resp.ToolCounts = make(map[string]int64)
	}
	if s.policies != nil {
		version, _ := s.policies.Current()
		resp.PolicyVersion = version.Label
	}
	if s.enforcement != nil {
		resp.BypassMode = s.enforcement.BypassActive()
	}
	if s.broadcaster != nil {
		resp.Subscribers = s.broadcaster.SubscriberCount()
	}
	if s.journal != nil {
		resp.JournalDrops = s.journal.DroppedEvents()
	}

	s.respondJSON(w, http.StatusOK, resp)
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "journal not configured", nil)
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxEventLimit)
		}
	}

	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.respondKind(w, http.StatusServiceUnavailable, KindServer, "journal not configured", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondKind(w, http.StatusInternalServerError, KindServer, "streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var lastSeen time.Time

	// Replay the backlog oldest-first, then poll for new events.
	recent, err := s.journal.Recent(ctx, defaultEventLimit)
	if err == nil {
		for i := len(recent) - 1; i >= 0; i-- {
			ev := recent[i]
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			if ev.Timestamp.After(lastSeen) {
				lastSeen = ev.Timestamp
			}
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := s.journal.Recent(ctx, defaultEventLimit)
			if err != nil {
				continue
			}
			fresh := make([]journal.Event, 0)
			for _, ev := range events {
				if ev.Timestamp.After(lastSeen) {
					fresh = append(fresh, ev)
				}
			}
			for i := len(fresh) - 1; i >= 0; i-- {
				ev := fresh[i]
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
				if ev.Timestamp.After(lastSeen) {
					lastSeen = ev.Timestamp
				}
			}
			if len(fresh) > 0 {
				flusher.Flush()
			}
		}
	}
}
