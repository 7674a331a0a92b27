// Package service contains application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tame-ai/tame/internal/domain/journal"
	"github.com/tame-ai/tame/internal/domain/policy"
	"github.com/tame-ai/tame/pkg/policydoc"
)

// ValidationError reports an invalid policy document or request payload.
// Handlers map it to a 400 response.
type ValidationError struct {
	Message string
	Issues  []policydoc.Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(policydoc.ErrorStrings(e.Issues), "; ")
}

// DefaultPolicySource is the baseline policy seeded on first boot when the
// store is empty and no policy file is configured.
const DefaultPolicySource = `version: default-v1
description: Built-in baseline policy seeded on first boot.
rules:
  - name: deny-system-paths
    description: Block file tools from touching system configuration.
    action: deny
    tools: [read_file, write_file, edit_file, delete_file]
    conditions:
      arg_contains:
        path: "/etc/|/usr/|/boot/|/root/.ssh|/var/lib/"
    reason: "System paths are off limits"
  - name: deny-destructive-commands
    action: deny
    tools: [execute_command, run_shell, bash]
    conditions:
      arg_contains:
        command: "rm -rf|mkfs|dd if=|shutdown now|reboot"
    reason: "Destructive commands are blocked"
  - name: approve-home-deletes
    action: approve
    tools: [delete_file, remove_directory]
    conditions:
      arg_contains:
        path: "/home/"
    reason: "Deleting under /home/ requires human approval"
  - name: allow-read-only
    action: allow
    tools: [read_file, list_directory, get_file_info, search_files]
    reason: "Read-only tools are safe"
default_action: deny
default_reason: "No matching policy rule found"
`

// cacheNode is a doubly-linked list node for the LRU decision cache.
type cacheNode struct {
	key      uint64
	decision policy.Decision
	prev     *cacheNode
	next     *cacheNode
}

// DecisionCache is a bounded LRU over evaluated decisions.
// Thread-safe with a Mutex (both Get and Put mutate recency order).
type DecisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheNode
	head    *cacheNode // most recently used
	tail    *cacheNode // least recently used
	maxSize int
}

// NewDecisionCache creates an LRU cache with the given max size.
func NewDecisionCache(maxSize int) *DecisionCache {
	return &DecisionCache{
		entries: make(map[uint64]*cacheNode, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision, promoting it to most recently used.
func (c *DecisionCache) Get(key uint64) (policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.entries[key]; ok {
		c.promoteLocked(n)
		return n.decision, true
	}
	return policy.Decision{}, false
}

// Put stores a decision, evicting the least recently used entry at capacity.
func (c *DecisionCache) Put(key uint64, d policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.entries[key]; ok {
		n.decision = d
		c.promoteLocked(n)
		return
	}

	if len(c.entries) >= c.maxSize {
		if c.tail != nil {
			delete(c.entries, c.tail.key)
			c.unlinkLocked(c.tail)
		}
	}

	n := &cacheNode{key: key, decision: d}
	c.entries[key] = n
	c.pushHeadLocked(n)
}

// Clear empties the cache. Called on activation and reload.
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheNode, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns the current entry count.
func (c *DecisionCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// promoteLocked moves an existing node to the head. Must be called with lock held.
func (c *DecisionCache) promoteLocked(n *cacheNode) {
	if c.head == n {
		return
	}
	c.unlinkLocked(n)
	c.pushHeadLocked(n)
}

// pushHeadLocked inserts a node at the head. Must be called with lock held.
func (c *DecisionCache) pushHeadLocked(n *cacheNode) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

// unlinkLocked removes a node from the list. Must be called with lock held.
func (c *DecisionCache) unlinkLocked(n *cacheNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

// decisionKey hashes the decision cache inputs with zero-byte separators.
// The fingerprint pins entries to one policy version, so entries written
// concurrently with an activation can never serve the new version.
func decisionKey(fingerprint string, in *policy.CallInput) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(fingerprint)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(in.ToolName)
	_, _ = h.Write([]byte{0})
	writeCanonicalMap(h, in.Arguments)
	_, _ = h.Write([]byte{0})
	writeCanonicalMap(h, in.SessionContext)
	_, _ = h.Write([]byte{0})
	writeCanonicalMap(h, in.Metadata)
	return h.Sum64()
}

// writeCanonicalMap writes the canonical JSON of m so the key is independent
// of map iteration order.
func writeCanonicalMap(h *xxhash.Digest, m map[string]any) {
	if len(m) == 0 {
		return
	}
	if canon, err := policydoc.CanonicalJSON(m); err == nil {
		_, _ = h.Write(canon)
		return
	}
	// fmt prints map keys sorted, which keeps the fallback deterministic.
	_, _ = h.WriteString(fmt.Sprint(m))
}

// policySnapshot pairs a stored version with its compiled rule set.
type policySnapshot struct {
	version  policy.Version
	compiled *policy.CompiledPolicy
}

// PolicyService manages policy versions and serves compiled rules to the
// enforcement path. Reads are lock-free via atomic.Value; Create, Activate,
// Reload, and boot seeding serialize on a single mutex.
type PolicyService struct {
	store      policy.Store
	journal    *JournalService
	stats      *StatsService
	snapshot   atomic.Value // stores *policySnapshot
	mu         sync.Mutex   // serializes version mutations
	cache      *DecisionCache
	policyFile string
	logger     *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = NewDecisionCache(size)
	}
}

// WithPolicyFile sets the policy file used for boot seeding and Reload.
func WithPolicyFile(path string) PolicyServiceOption {
	return func(s *PolicyService) {
		s.policyFile = path
	}
}

// WithStats wires cache hit/miss counters into the stats service.
func WithStats(stats *StatsService) PolicyServiceOption {
	return func(s *PolicyService) {
		s.stats = stats
	}
}

// NewPolicyService creates a PolicyService and loads the active policy
// version. An empty store is seeded from the configured policy file, or from
// the built-in default when none is configured. A store with versions but no
// active one is an error: activation is an operator decision the server does
// not make on its own.
func NewPolicyService(ctx context.Context, store policy.Store, jrnl *JournalService, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	s := &PolicyService{
		store:   store,
		journal: jrnl,
		cache:   NewDecisionCache(1000),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	err := s.bootstrap(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	snap := s.loadSnapshot()
	logger.Info("policy service initialized",
		"version", snap.version.Label,
		"rules", snap.compiled.RuleCount(),
		"fingerprint", snap.version.Fingerprint[:8],
		"cache_max_size", s.cache.maxSize,
	)
	return s, nil
}

// bootstrap seeds an empty store or compiles the stored active version.
// Must be called with s.mu held.
func (s *PolicyService) bootstrap(ctx context.Context) error {
	versions, err := s.store.ListVersions(ctx)
	if err != nil {
		return fmt.Errorf("list policy versions: %w", err)
	}
	if len(versions) == 0 {
		return s.seedLocked(ctx)
	}

	active, err := s.store.ActiveVersion(ctx)
	if err != nil {
		if errors.Is(err, policy.ErrNoActiveVersion) {
			return fmt.Errorf("%d policy versions stored but none active; activate one before starting", len(versions))
		}
		return fmt.Errorf("load active policy: %w", err)
	}

	compiled, err := compileVersion(active)
	if err != nil {
		return fmt.Errorf("compile active policy %q: %w", active.Label, err)
	}
	s.snapshot.Store(&policySnapshot{version: *active, compiled: compiled})
	return nil
}

// seedLocked stores and activates the first policy version.
// Must be called with s.mu held.
func (s *PolicyService) seedLocked(ctx context.Context) error {
	source := []byte(DefaultPolicySource)
	origin := "builtin"
	if s.policyFile != "" {
		data, err := os.ReadFile(s.policyFile)
		switch {
		case err == nil:
			source = data
			origin = s.policyFile
		case os.IsNotExist(err):
			s.logger.Warn("policy file not found, seeding built-in default", "path", s.policyFile)
		default:
			return fmt.Errorf("read policy file: %w", err)
		}
	}

	doc, err := policydoc.Parse(source)
	if err != nil {
		return fmt.Errorf("parse seed policy: %w", err)
	}
	label := doc.Version
	if label == "" {
		label = "v1"
	}
	if _, err := s.createLocked(ctx, source, label, doc.Description, true, journal.EventPolicySeed); err != nil {
		return fmt.Errorf("seed policy: %w", err)
	}
	s.logger.Info("policy store seeded", "version", label, "source", origin)
	return nil
}

// compileVersion parses and compiles a stored version's source.
func compileVersion(v *policy.Version) (*policy.CompiledPolicy, error) {
	doc, err := policydoc.Parse([]byte(v.Source))
	if err != nil {
		return nil, err
	}
	return policy.Compile(doc, v.Label, v.Fingerprint)
}

// loadSnapshot returns the current snapshot atomically (lock-free).
// Never nil after NewPolicyService returns.
func (s *PolicyService) loadSnapshot() *policySnapshot {
	snap, _ := s.snapshot.Load().(*policySnapshot)
	return snap
}

// ValidateResult is the outcome of a dry-run document validation.
type ValidateResult struct {
	OK           bool              `json:"ok"`
	RulesCount   int               `json:"rules_count"`
	VersionLabel string            `json:"version_label,omitempty"`
	Issues       []policydoc.Issue `json:"issues,omitempty"`
}

// Validate checks a policy document without touching storage.
func (s *PolicyService) Validate(source []byte) ValidateResult {
	doc, err := policydoc.Parse(source)
	if err != nil {
		return ValidateResult{
			Issues: []policydoc.Issue{{Message: err.Error(), Severity: policydoc.SeverityError}},
		}
	}
	issues := doc.Validate(false)
	return ValidateResult{
		OK:           !policydoc.HasErrors(issues),
		RulesCount:   len(doc.Rules),
		VersionLabel: doc.Version,
		Issues:       issues,
	}
}

// CreateResult reports a stored policy version.
type CreateResult struct {
	PolicyID    int64  `json:"policy_id"`
	Label       string `json:"version"`
	Fingerprint string `json:"fingerprint"`
	RulesCount  int    `json:"rules_count"`
	Activated   bool   `json:"activated"`
}

// Create validates, stores, and optionally activates a new policy version.
// The label falls back to the document's version field.
func (s *PolicyService) Create(ctx context.Context, source []byte, label, description string, activate bool) (*CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ctx, source, label, description, activate, journal.EventPolicyCreate)
}

// createLocked is the shared create path. Must be called with s.mu held.
func (s *PolicyService) createLocked(ctx context.Context, source []byte, label, description string, activate bool, event string) (*CreateResult, error) {
	doc, err := policydoc.Parse(source)
	if err != nil {
		return nil, &ValidationError{Message: "invalid policy document: " + err.Error()}
	}
	if issues := doc.Validate(false); policydoc.HasErrors(issues) {
		return nil, &ValidationError{Message: "invalid policy document", Issues: issues}
	}
	if label == "" {
		label = doc.Version
	}
	if label == "" {
		return nil, &ValidationError{Message: "policy version label is required"}
	}
	if description == "" {
		description = doc.Description
	}

	fingerprint, err := doc.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("fingerprint policy: %w", err)
	}

	// Compile up front so a version that cannot compile is never stored.
	compiled, err := policy.Compile(doc, label, fingerprint)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	v := &policy.Version{
		Label:       label,
		Source:      string(source),
		Fingerprint: fingerprint,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	id, err := s.store.CreateVersion(ctx, v)
	if err != nil {
		return nil, err
	}
	v.ID = id

	s.journal.Emit(journal.Event{
		Type:    event,
		Message: fmt.Sprintf("policy version %q created", label),
		Fields:  map[string]any{"version": label, "rules": compiled.RuleCount(), "fingerprint": fingerprint},
	})

	res := &CreateResult{PolicyID: id, Label: label, Fingerprint: fingerprint, RulesCount: compiled.RuleCount()}
	if activate {
		if err := s.activateLocked(ctx, v, compiled); err != nil {
			return nil, err
		}
		res.Activated = true
	}

	s.logger.Info("policy version created",
		"version", label, "rules", compiled.RuleCount(), "activated", res.Activated)
	return res, nil
}

// ActivateResult names the versions swapped by an activation.
type ActivateResult struct {
	OldVersion string `json:"old_version,omitempty"`
	NewVersion string `json:"new_version"`
}

// Activate makes the given stored version the active one.
func (s *PolicyService) Activate(ctx context.Context, id int64) (*ActivateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.activateVersionLocked(ctx, v)
}

// ActivateByLabel resolves a version label and activates it.
func (s *PolicyService) ActivateByLabel(ctx context.Context, label string) (*ActivateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.store.GetVersionByLabel(ctx, label)
	if err != nil {
		return nil, err
	}
	return s.activateVersionLocked(ctx, v)
}

func (s *PolicyService) activateVersionLocked(ctx context.Context, v *policy.Version) (*ActivateResult, error) {
	compiled, err := compileVersion(v)
	if err != nil {
		return nil, fmt.Errorf("compile policy version %q: %w", v.Label, err)
	}

	old := ""
	if snap := s.loadSnapshot(); snap != nil {
		old = snap.version.Label
	}
	if err := s.activateLocked(ctx, v, compiled); err != nil {
		return nil, err
	}
	return &ActivateResult{OldVersion: old, NewVersion: v.Label}, nil
}

// activateLocked flips the store's active row, swaps the compiled snapshot,
// and clears the decision cache. Must be called with s.mu held.
func (s *PolicyService) activateLocked(ctx context.Context, v *policy.Version, compiled *policy.CompiledPolicy) error {
	if err := s.store.ActivateVersion(ctx, v.ID); err != nil {
		return err
	}
	v.Active = true
	s.snapshot.Store(&policySnapshot{version: *v, compiled: compiled})
	s.cache.Clear()

	s.journal.Emit(journal.Event{
		Type:    journal.EventPolicyActivate,
		Message: fmt.Sprintf("policy version %q activated", v.Label),
		Fields:  map[string]any{"version": v.Label, "fingerprint": v.Fingerprint},
	})
	s.logger.Info("policy version activated", "version", v.Label, "rules", compiled.RuleCount())
	return nil
}

// Current returns the active version and its compiled rules.
func (s *PolicyService) Current() (policy.Version, *policy.CompiledPolicy) {
	snap := s.loadSnapshot()
	return snap.version, snap.compiled
}

// Versions lists all stored versions, newest first.
func (s *PolicyService) Versions(ctx context.Context) ([]policy.Version, error) {
	return s.store.ListVersions(ctx)
}

// VersionByLabel returns one stored version.
func (s *PolicyService) VersionByLabel(ctx context.Context, label string) (*policy.Version, error) {
	return s.store.GetVersionByLabel(ctx, label)
}

// Decide evaluates a call against the active policy through the decision
// cache. Evaluation depends only on the key inputs, so a hit is equivalent
// to a fresh evaluation.
func (s *PolicyService) Decide(in policy.CallInput) policy.Decision {
	snap := s.loadSnapshot()
	key := decisionKey(snap.version.Fingerprint, &in)

	if d, ok := s.cache.Get(key); ok {
		if s.stats != nil {
			s.stats.RecordCacheHit()
		}
		return d
	}
	if s.stats != nil {
		s.stats.RecordCacheMiss()
	}

	d := snap.compiled.Evaluate(in)
	s.cache.Put(key, d)
	return d
}

// Test evaluates a hypothetical call the way Enforce would, including the
// clock sample keys, without touching the audit log.
func (s *PolicyService) Test(in policy.CallInput) policy.Decision {
	in.SessionContext = withClockKeys(in.SessionContext, time.Now())
	return s.Decide(in)
}

// ReloadResult reports the outcome of a policy file reload.
type ReloadResult struct {
	Status     string `json:"status"` // "reloaded" or "unchanged"
	OldVersion string `json:"old_version,omitempty"`
	NewVersion string `json:"new_version"`
	RulesCount int    `json:"rules_count"`
}

// Reload re-reads the configured policy file. An unchanged fingerprint is a
// no-op; otherwise the file becomes a new, immediately active version.
func (s *PolicyService) Reload(ctx context.Context) (*ReloadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.policyFile == "" {
		return nil, &ValidationError{Message: "no policy file configured"}
	}
	source, err := os.ReadFile(s.policyFile)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	doc, err := policydoc.Parse(source)
	if err != nil {
		return nil, &ValidationError{Message: "invalid policy document: " + err.Error()}
	}
	fingerprint, err := doc.Fingerprint()
	if err != nil {
		return nil, fmt.Errorf("fingerprint policy: %w", err)
	}

	snap := s.loadSnapshot()
	if snap.version.Fingerprint == fingerprint {
		s.logger.Info("policy reload: no changes", "version", snap.version.Label)
		return &ReloadResult{
			Status:     "unchanged",
			NewVersion: snap.version.Label,
			RulesCount: snap.compiled.RuleCount(),
		}, nil
	}

	old := snap.version.Label
	label := s.freeLabelLocked(ctx, doc.Version)
	res, err := s.createLocked(ctx, source, label, doc.Description, true, journal.EventPolicyReload)
	if err != nil {
		return nil, err
	}

	s.logger.Info("policy reloaded", "old_version", old, "new_version", res.Label, "rules", res.RulesCount)
	return &ReloadResult{
		Status:     "reloaded",
		OldVersion: old,
		NewVersion: res.Label,
		RulesCount: res.RulesCount,
	}, nil
}

// freeLabelLocked returns base suffixed until it no longer collides with a
// stored label. Must be called with s.mu held.
func (s *PolicyService) freeLabelLocked(ctx context.Context, base string) string {
	if base == "" {
		base = "reload-" + time.Now().UTC().Format("20060102-150405")
	}
	label := base
	for i := 2; i <= 100; i++ {
		if _, err := s.store.GetVersionByLabel(ctx, label); errors.Is(err, policy.ErrVersionNotFound) {
			return label
		}
		label = fmt.Sprintf("%s-%d", base, i)
	}
	return base + "-" + time.Now().UTC().Format("150405")
}
