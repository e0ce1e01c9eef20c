// Package idempotency replays stored responses for retried HTTP requests carrying an
// Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = 24 * time.Hour

// State is the outcome of a reservation attempt.
type State int

const (
	// StateNew means the caller owns the key and must run the request.
	StateNew State = iota
	// StateCompleted means Record holds a response to replay.
	StateCompleted
	// StatePending means another request holds the key.
	StatePending
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

// Record is one stored key.
type Record struct {
	ID             string
	Fingerprint    string
	Completed      bool
	ResponseStatus int
	ResponseHeader map[string][]string
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is what a completed request leaves behind.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Store persists reservations. id is already scoped to the caller.
type Store interface {
	Reserve(ctx context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (State, Record, error)
	Complete(ctx context.Context, id, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, id string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// recordID hashes the caller-scoped key so raw keys never become document ids.
func recordID(actor, key string) string {
	return hashHex(strings.TrimSpace(actor) + "|" + strings.TrimSpace(key))
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func newPending(id, fingerprint string, now time.Time, ttl time.Duration) Record {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return Record{ID: id, Fingerprint: fingerprint, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

// classify decides what an existing, unexpired record means for a new request.
func classify(existing Record, fingerprint string) (State, error) {
	if existing.Fingerprint != fingerprint {
		return StatePending, ErrFingerprintMismatch
	}
	if existing.Completed {
		return StateCompleted, nil
	}
	return StatePending, nil
}

func complete(rec Record, resp Response, now time.Time, ttl time.Duration) Record {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rec.Completed = true
	rec.ResponseStatus = resp.Status
	rec.ResponseHeader = storableHeader(resp.Header)
	rec.ResponseBody = append([]byte(nil), resp.Body...)
	rec.ExpiresAt = now.Add(ttl)
	return rec
}

var hopHeaders = map[string]struct{}{
	"Connection":        {},
	"Content-Length":    {},
	"Date":              {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Set-Cookie":        {},
}

func storableHeader(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopHeaders[name]; skip {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
