package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/plankworks/api/internal/platform/httpx"
	"github.com/plankworks/api/internal/platform/requestctx"
)

const (
	defaultHeader       = "Idempotency-Key"
	replayHeader        = "Idempotent-Replayed"
	maxKeyLength        = 255
	defaultMaxBodyBytes = 12 << 20
)

type settings struct {
	header     string
	ttl        time.Duration
	requireKey bool
	maxBody    int64
	clock      func() time.Time
}

// Option customises the middleware.
type Option func(*settings)

// WithHeader overrides the key header name.
func WithHeader(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long completed responses replay.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// RequireKey rejects guarded requests that carry no key.
func RequireKey() Option {
	return func(s *settings) { s.requireKey = true }
}

// WithMaxBody caps the bytes buffered for fingerprinting.
func WithMaxBody(n int64) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Middleware replays the stored response when a caller retries a request with the same key and
// body. Keys are scoped to the authenticated actor, so it must run after authentication. Only
// 2xx and 4xx responses are stored; a 5xx releases the key so the retry runs again.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := settings{header: defaultHeader, ttl: DefaultTTL, maxBody: defaultMaxBodyBytes, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				if cfg.requireKey {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_idempotency_key", "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r, cfg.maxBody)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("request_too_large", "request body too large", http.StatusRequestEntityTooLarge))
				return
			}

			actor := "anonymous"
			if a, ok := requestctx.ActorFrom(ctx); ok {
				actor = a.ID
			}
			id := recordID(actor, key)
			fingerprint := fingerprintOf(r, body)
			logger := requestctx.Logger(ctx).With(zap.String("idempotency_id", id[:16]))

			state, rec, err := store.Reserve(ctx, id, fingerprint, cfg.clock().UTC(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was used for a different request", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logger.Warn("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			case state == StateCompleted:
				replay(w, rec)
				return
			case state == StatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
				return
			}

			buffered := &bufferedResponse{header: make(http.Header)}
			next.ServeHTTP(buffered, r)

			if buffered.status() >= http.StatusInternalServerError {
				if err := store.Release(context.WithoutCancel(ctx), id); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			} else {
				resp := Response{Status: buffered.status(), Header: buffered.header, Body: buffered.body.Bytes()}
				if err := store.Complete(context.WithoutCancel(ctx), id, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
					logger.Warn("idempotency complete failed", zap.Error(err))
					_ = store.Release(context.WithoutCancel(ctx), id)
				}
			}
			buffered.flush(w)
		})
	}
}

func bufferBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, httpx.ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func fingerprintOf(r *http.Request, body []byte) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.URL.Path)
	b.WriteByte('\n')
	b.WriteString(r.URL.RawQuery)
	b.WriteByte('\n')
	b.WriteString(hashHex(string(body)))
	return hashHex(b.String())
}

func replay(w http.ResponseWriter, rec Record) {
	for name, values := range rec.ResponseHeader {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeader, "true")
	status := rec.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(rec.ResponseBody)
}

// bufferedResponse holds the handler's output until the record is stored.
type bufferedResponse struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.code == 0 {
		b.code = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.status())
	_, _ = b.body.WriteTo(w)
}
