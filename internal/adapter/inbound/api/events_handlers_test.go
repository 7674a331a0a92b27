package api

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tame-ai/tame/internal/domain/journal"
)

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.mustEnforce("read_file", "", map[string]any{"path": "/home/u/a.txt"})
	env.mustEnforce("execute_command", "", map[string]any{"command": "rm -rf /"})
	env.mustEnforce("delete_file", "", map[string]any{"path": "/home/u/x"})

	rec := env.do(http.MethodGet, "/api/v1/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var stats StatsResponse
	env.decode(rec, &stats)

	if stats.Allowed != 1 || stats.Denied != 1 || stats.Approval != 1 {
		t.Errorf("counters = allow %d deny %d approve %d, want 1 each",
			stats.Allowed, stats.Denied, stats.Approval)
	}
	if stats.ToolCounts["read_file"] != 1 {
		t.Errorf("tool_counts = %v", stats.ToolCounts)
	}
	if stats.PolicyVersion != "default-v1" {
		t.Errorf("policy_version = %q", stats.PolicyVersion)
	}
	if stats.BypassMode {
		t.Error("bypass_mode = true")
	}
	if stats.Subscribers != 0 {
		t.Errorf("subscribers = %d", stats.Subscribers)
	}
}

func TestStatsToolCountsNeverNull(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/v1/stats", nil)
	if !strings.Contains(rec.Body.String(), `"tool_counts":{}`) {
		t.Errorf("body = %s, want empty tool_counts object", rec.Body.String())
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// Journaled actions: one policy creation and one session delete.
	rec := env.do(http.MethodPost, "/api/v1/policy/create", CreateRequest{
		PolicyContent: lockdownPolicy,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d", rec.Code)
	}
	decided := env.mustEnforce("read_file", "", map[string]any{"path": "/home/u/a.txt"})
	if rec := env.do(http.MethodDelete, "/api/v1/sessions/"+decided.SessionID, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}

	// Drain the journal worker so everything emitted above is readable.
	env.stopJournal()

	rec = env.do(http.MethodGet, "/api/v1/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Events []journal.Event `json:"events"`
		Count  int             `json:"count"`
	}
	env.decode(rec, &page)
	if page.Count != len(page.Events) || page.Count == 0 {
		t.Fatalf("count = %d, events = %d", page.Count, len(page.Events))
	}

	types := map[string]int{}
	for _, ev := range page.Events {
		types[ev.Type]++
	}
	if types[journal.EventPolicyCreate] == 0 {
		t.Errorf("event types = %v, want a %s", types, journal.EventPolicyCreate)
	}
	if types[journal.EventSessionDelete] == 0 {
		t.Errorf("event types = %v, want a %s", types, journal.EventSessionDelete)
	}

	// Newest first: the delete happened after the create.
	var createAt, deleteAt int
	for i, ev := range page.Events {
		switch ev.Type {
		case journal.EventPolicyCreate:
			createAt = i
		case journal.EventSessionDelete:
			deleteAt = i
		}
	}
	if deleteAt > createAt {
		t.Errorf("delete at %d, create at %d, want newest first", deleteAt, createAt)
	}
}

func TestEventsLimit(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 4; i++ {
		rec := env.do(http.MethodPost, "/api/v1/policy/create", CreateRequest{
			PolicyContent: lockdownPolicy,
			Version:       fmt.Sprintf("v%d", i),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("create %d: %d", i, rec.Code)
		}
	}
	env.stopJournal()

	rec := env.do(http.MethodGet, "/api/v1/events?limit=2", nil)
	var page struct {
		Events []journal.Event `json:"events"`
		Count  int             `json:"count"`
	}
	env.decode(rec, &page)
	if page.Count != 2 {
		t.Errorf("count = %d, want 2", page.Count)
	}
}

func TestEventStreamReplaysBacklog(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/policy/create", CreateRequest{
		PolicyContent: lockdownPolicy,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d", rec.Code)
	}
	env.stopJournal()

	// Learn how many backlog events to expect, then read exactly that many
	// from the stream; it stays open forever otherwise.
	var page struct {
		Count int `json:"count"`
	}
	env.decode(env.do(http.MethodGet, "/api/v1/events", nil), &page)
	if page.Count == 0 {
		t.Fatal("no journal backlog to replay")
	}

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for len(dataLines) < page.Count && scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, line)
		}
	}
	if len(dataLines) != page.Count {
		t.Fatalf("got %d events, want %d: %v", len(dataLines), page.Count, scanner.Err())
	}

	var sawCreate bool
	for _, line := range dataLines {
		if strings.Contains(line, journal.EventPolicyCreate) {
			sawCreate = true
		}
	}
	if !sawCreate {
		t.Errorf("backlog %v has no %s event", dataLines, journal.EventPolicyCreate)
	}

	// Replay is oldest first: the last line is the newest event.
	if !strings.Contains(dataLines[len(dataLines)-1], journal.EventPolicyCreate) {
		t.Errorf("last replayed event = %q, want the policy creation", dataLines[len(dataLines)-1])
	}
}
