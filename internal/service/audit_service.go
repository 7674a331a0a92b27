package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tame-ai/tame/internal/domain/audit"
)

// appendStripes is the number of per-session append locks. Appends for the
// same session always hash to the same stripe, which serializes the
// read-tail, compute-hash, insert window.
const appendStripes = 64

// verifyPageSize bounds how many entries are loaded per store round trip
// during verification and export.
const verifyPageSize = 1000

// AuditService owns the hash-chained audit log: appends, outcome seals,
// queries, chain verification, and export.
type AuditService struct {
	store  audit.Store
	secret []byte
	redact bool
	locks  [appendStripes]sync.Mutex
	logger *slog.Logger
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithArgRedaction masks values under sensitive argument keys before entries
// are created, so the stored args and the hash chain agree.
func WithArgRedaction() AuditOption {
	return func(s *AuditService) {
		s.redact = true
	}
}

// NewAuditService creates an AuditService. The secret keys the entry HMACs;
// it must not change for the lifetime of the log.
func NewAuditService(store audit.Store, secret []byte, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:  store,
		secret: secret,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sessionLock returns the stripe mutex for a session id.
func (s *AuditService) sessionLock(sessionID string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(sessionID)%appendStripes]
}

// Append creates the next pending entry in the session's chain. The caller
// fills the decision fields; Append assigns index, prev hash, own hash, and
// status, and returns the entry id. The entry is mutated in place.
func (s *AuditService) Append(ctx context.Context, e *audit.Entry) (int64, error) {
	if s.redact {
		e.Arguments = audit.RedactArguments(e.Arguments)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Status = audit.StatusPending

	mu := s.sessionLock(e.SessionID)
	mu.Lock()
	defer mu.Unlock()

	tail, err := s.store.Tail(ctx, e.SessionID)
	if err != nil {
		return 0, fmt.Errorf("read chain tail: %w", err)
	}
	if tail == nil {
		e.Index = 1
		e.PrevHash = audit.GenesisHash
	} else {
		e.Index = tail.Index + 1
		e.PrevHash = tail.OwnHash
	}

	own, err := audit.ComputeOwnHash(s.secret, e)
	if err != nil {
		return 0, fmt.Errorf("compute entry hash: %w", err)
	}
	e.OwnHash = own

	id, err := s.store.Insert(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("append log entry: %w", err)
	}
	e.ID = id
	return id, nil
}

// Outcome is the caller-reported result of an enforced tool call.
type Outcome struct {
	Status       string `json:"status"`
	Result       any    `json:"result,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMS   int64  `json:"execution_duration_ms,omitempty"`
}

// SealOutcome transitions a pending entry to success or error, exactly once.
// The (sessionID, entryID) pair must match; cross-session references are
// rejected as not found so entry ids do not leak across sessions.
func (s *AuditService) SealOutcome(ctx context.Context, sessionID string, entryID int64, out Outcome) (*audit.Entry, error) {
	if out.Status != audit.StatusSuccess && out.Status != audit.StatusError {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid outcome status %q (want success or error)", out.Status)}
	}

	e, err := s.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.SessionID != sessionID {
		return nil, audit.ErrSessionMismatch
	}

	seal := audit.Seal{
		Status:       out.Status,
		ErrorMessage: out.ErrorMessage,
		DurationMS:   out.DurationMS,
	}
	if out.Result != nil {
		payload, err := json.Marshal(out.Result)
		if err != nil {
			return nil, &ValidationError{Message: "outcome payload is not serializable"}
		}
		seal.Outcome = string(payload)
	}

	if err := s.store.Seal(ctx, entryID, seal); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, entryID)
}

// Entry returns one log entry by id.
func (s *AuditService) Entry(ctx context.Context, id int64) (*audit.Entry, error) {
	return s.store.Get(ctx, id)
}

// SessionEntries returns a session's log ordered by index ascending.
func (s *AuditService) SessionEntries(ctx context.Context, sessionID string, limit, offset int) ([]audit.Entry, error) {
	return s.store.Session(ctx, sessionID, limit, offset)
}

// Query returns entries matching the filter, ordered by (session, index).
func (s *AuditService) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	return s.store.Query(ctx, f)
}

// VerifyReport summarizes a chain verification pass.
type VerifyReport struct {
	SessionsChecked int               `json:"sessions_checked"`
	EntriesChecked  int               `json:"entries_checked"`
	Valid           bool              `json:"chain_intact"`
	Violations      []audit.Violation `json:"integrity_violations,omitempty"`
}

// Verify recomputes the hash chains of every session matching the filter.
// Time-range filters select sessions; each selected session is verified over
// its complete chain, since a partial chain cannot be checked from genesis.
func (s *AuditService) Verify(ctx context.Context, f audit.Filter) (*VerifyReport, error) {
	ids, err := s.matchingSessions(ctx, f)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{SessionsChecked: len(ids)}
	for _, id := range ids {
		entries, err := s.fullSession(ctx, id)
		if err != nil {
			return nil, err
		}
		report.EntriesChecked += len(entries)
		report.Violations = append(report.Violations, audit.VerifyChain(s.secret, entries)...)
	}
	report.Valid = len(report.Violations) == 0

	if !report.Valid {
		s.logger.Warn("audit chain verification found violations",
			"sessions", report.SessionsChecked,
			"entries", report.EntriesChecked,
			"violations", len(report.Violations),
		)
	}
	return report, nil
}

// matchingSessions pages through the filtered entries and collects distinct
// session ids in first-seen order.
func (s *AuditService) matchingSessions(ctx context.Context, f audit.Filter) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string

	page := f
	page.Limit = verifyPageSize
	page.Offset = 0
	for {
		entries, err := s.store.Query(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("query entries: %w", err)
		}
		for i := range entries {
			id := entries[i].SessionID
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(entries) < page.Limit {
			return ids, nil
		}
		page.Offset += page.Limit
	}
}

// fullSession loads a session's entire chain in index order.
func (s *AuditService) fullSession(ctx context.Context, sessionID string) ([]audit.Entry, error) {
	var all []audit.Entry
	for offset := 0; ; offset += verifyPageSize {
		entries, err := s.store.Session(ctx, sessionID, verifyPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", sessionID, err)
		}
		all = append(all, entries...)
		if len(entries) < verifyPageSize {
			return all, nil
		}
	}
}

// Export formats. CSV rows and JSON arrays are both ordered by
// (session_id, seq_index).
const (
	ExportCSV  = "csv"
	ExportJSON = "json"
)

// exportColumns is the CSV header, aligned with the log_entry columns.
var exportColumns = []string{
	"session_id", "seq_index", "timestamp", "tool_name", "tool_args",
	"policy_version", "decision", "rule_name", "reason", "bypass",
	"status", "outcome", "error_message", "duration_ms", "prev_hash", "own_hash",
}

// Export streams entries matching the filter to w in the given format.
func (s *AuditService) Export(ctx context.Context, f audit.Filter, format string, w io.Writer) error {
	switch format {
	case ExportCSV:
		return s.exportCSV(ctx, f, w)
	case ExportJSON:
		return s.exportJSON(ctx, f, w)
	default:
		return &ValidationError{Message: fmt.Sprintf("unknown export format %q (want csv or json)", format)}
	}
}

func (s *AuditService) exportCSV(ctx context.Context, f audit.Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	err := s.eachEntry(ctx, f, func(e *audit.Entry) error {
		args := ""
		if len(e.Arguments) > 0 {
			b, err := json.Marshal(e.Arguments)
			if err != nil {
				return fmt.Errorf("marshal entry %d args: %w", e.ID, err)
			}
			args = string(b)
		}
		return cw.Write([]string{
			e.SessionID,
			strconv.FormatInt(e.Index, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.ToolName,
			args,
			e.PolicyVersion,
			e.Decision,
			e.RuleName,
			e.Reason,
			strconv.FormatBool(e.Bypass),
			e.Status,
			e.Outcome,
			e.ErrorMessage,
			strconv.FormatInt(e.DurationMS, 10),
			e.PrevHash,
			e.OwnHash,
		})
	})
	if err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func (s *AuditService) exportJSON(ctx context.Context, f audit.Filter, w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}

	first := true
	err := s.eachEntry(ctx, f, func(e *audit.Entry) error {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", e.ID, err)
		}
		_, err = w.Write(b)
		return err
	})
	if err != nil {
		return err
	}

	_, err = io.WriteString(w, "]\n")
	return err
}

// eachEntry pages through the filtered entries, honoring the caller's
// limit when set and paging internally when not.
func (s *AuditService) eachEntry(ctx context.Context, f audit.Filter, fn func(*audit.Entry) error) error {
	if f.Limit > 0 {
		entries, err := s.store.Query(ctx, f)
		if err != nil {
			return fmt.Errorf("query entries: %w", err)
		}
		for i := range entries {
			if err := fn(&entries[i]); err != nil {
				return err
			}
		}
		return nil
	}

	page := f
	page.Limit = verifyPageSize
	for {
		entries, err := s.store.Query(ctx, page)
		if err != nil {
			return fmt.Errorf("query entries: %w", err)
		}
		for i := range entries {
			if err := fn(&entries[i]); err != nil {
				return err
			}
		}
		if len(entries) < page.Limit {
			return nil
		}
		page.Offset += page.Limit
	}
}
