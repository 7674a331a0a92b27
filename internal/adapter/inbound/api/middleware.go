package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/tame-ai/tame/internal/ctxkey"
	"github.com/tame-ai/tame/internal/domain/journal"
)

type requestIDContextKey struct{}

// RequestIDKey is the context key for the request id.
var RequestIDKey = requestIDContextKey{}

// LoggerKey is the context key for the request-scoped logger. The shared key
// type lives in ctxkey so other packages can read it without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// requestIDMiddleware extracts or generates a request id, enriches the
// logger with it, and echoes it in the X-Request-ID response header.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, logger.With("request_id", requestID))
			w.Header().Set("X-Request-ID", requestID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestIDFromContext returns the request id, or "" outside a request.
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// loggerFromContext returns the request-scoped logger, falling back to the
// given base logger.
func loggerFromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return base
}

// realIPMiddleware stores the client IP in context for rate limiting. Only
// the first X-Forwarded-For hop is trusted.
func realIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type clientIPKey struct{}

func clientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Authenticator validates bearer tokens against configured key hashes.
// Argon2id PHC strings ("$argon2id$...") are verified with the argon2id
// package; 64-hex entries are treated as legacy SHA-256 digests and
// compared in constant time.
type Authenticator struct {
	hashes []string
}

// NewAuthenticator creates an Authenticator over the configured hashes.
// Returns nil when no hashes are configured, which disables auth.
func NewAuthenticator(hashes []string) *Authenticator {
	cleaned := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			cleaned = append(cleaned, h)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return &Authenticator{hashes: cleaned}
}

// Verify reports whether the presented key matches any configured hash.
func (a *Authenticator) Verify(key string) bool {
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	sumHex := hex.EncodeToString(sum[:])
	ok := false
	for _, h := range a.hashes {
		if strings.HasPrefix(h, "$argon2id$") {
			if match, err := argon2id.ComparePasswordAndHash(key, h); err == nil && match {
				ok = true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(sumHex), []byte(strings.ToLower(h))) == 1 {
			ok = true
		}
	}
	return ok
}

// authMiddleware enforces bearer auth when an Authenticator is configured.
// Rejections are journaled; the decision path never sees the raw key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || !s.auth.Verify(token) {
			s.journalEmit(journal.Event{
				Type:    journal.EventAccessDenied,
				Message: fmt.Sprintf("unauthenticated request to %s %s", r.Method, r.URL.Path),
				Fields:  map[string]any{"client_ip": clientIPFromContext(r.Context())},
			})
			s.respondKind(w, http.StatusUnauthorized, KindUnauthenticated, "missing or invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return token, token != ""
}

// rateLimitEntry tracks request counts for one caller within a window.
type rateLimitEntry struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window per-caller limiter. Callers are keyed by a
// hash of their API key when present, else by client IP.
type rateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*rateLimitEntry
	maxRequests int
	window      time.Duration
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		entries:     make(map[string]*rateLimitEntry),
		maxRequests: maxRequests,
		window:      window,
	}
}

// allow reports whether the caller may proceed and, when throttled, the
// seconds until the window resets.
func (rl *rateLimiter) allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for k, e := range rl.entries {
		if now.After(e.resetAt) {
			delete(rl.entries, k)
		}
	}

	entry, ok := rl.entries[key]
	if !ok || now.After(entry.resetAt) {
		rl.entries[key] = &rateLimitEntry{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	if entry.count >= rl.maxRequests {
		retryAfter := int(entry.resetAt.Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	entry.count++
	return true, 0
}

// size returns the number of tracked caller keys.
func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// rateLimitMiddleware throttles per caller when a limiter is configured.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := callerKey(r)
		allowed, retryAfter := s.limiter.allow(key)
		if !allowed {
			s.journalEmit(journal.Event{
				Type:    journal.EventRateLimited,
				Message: fmt.Sprintf("caller throttled on %s %s", r.Method, r.URL.Path),
				Fields:  map[string]any{"retry_after_seconds": retryAfter},
			})
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			s.respondKind(w, http.StatusTooManyRequests, KindRateLimited, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerKey derives the rate-limit key: a digest of the API key when one is
// presented, else the client IP. The raw key never lands in the map.
func callerKey(r *http.Request) string {
	if token, ok := bearerToken(r); ok {
		sum := sha256.Sum256([]byte(token))
		return "key-" + hex.EncodeToString(sum[:8])
	}
	return "ip-" + clientIPFromContext(r.Context())
}
