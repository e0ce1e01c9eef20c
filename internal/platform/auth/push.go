package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

const (
	defaultJWKSValidity = 15 * time.Minute
	defaultJWKSTimeout  = 5 * time.Second
)

var (
	// ErrJWKSKeyNotFound is returned when the requested key ID is absent from the key set.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport or decoding errors while refreshing the key set.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// JWKSCache fetches Google's signing keys and keeps them until the response's max-age runs out.
// Unknown key ids trigger one refresh so rotated keys are picked up without a restart.
type JWKSCache struct {
	url    string
	client *http.Client
	now    func() time.Time

	refreshMu sync.Mutex
	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	expiry    time.Time
}

// JWKSOption customises the cache.
type JWKSOption func(*JWKSCache)

// WithJWKSHTTPClient overrides the HTTP client used to fetch keys.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSClock injects a custom clock.
func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache constructs a cache for the key set published at url.
func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: defaultJWKSTimeout},
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Keyfunc adapts the cache to jwt parsing, accepting RS256 only.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}
		return c.Key(ctx, kid)
	}
}

// Key resolves the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	if key, ok := c.cachedKey(kid); ok && c.now().Before(c.expiresAt()) {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.cachedKey(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) cachedKey(kid string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	jwk, ok := c.keys[kid]
	if !ok {
		return nil, false
	}
	return jwk.Key, true
}

func (c *JWKSCache) expiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiry
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode jwks: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			keys[jwk.KeyID] = jwk
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}

	validity := maxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = defaultJWKSValidity
	}
	c.mu.Lock()
	c.keys = keys
	c.expiry = c.now().Add(validity)
	c.mu.Unlock()
	return nil
}

func maxAge(header string) time.Duration {
	for _, part := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

// PushIdentity is the service account a push delivery was signed for.
type PushIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type pushIdentityContextKey struct{}

// PushIdentityFromContext returns the identity stored by RequirePushToken.
func PushIdentityFromContext(ctx context.Context) (*PushIdentity, bool) {
	identity, ok := ctx.Value(pushIdentityContextKey{}).(*PushIdentity)
	return identity, ok && identity != nil
}

// PushVerifier authenticates Pub/Sub push deliveries by their Google-signed OIDC token.
type PushVerifier struct {
	cache  *JWKSCache
	logger *zap.Logger
}

// NewPushVerifier constructs a verifier over cache.
func NewPushVerifier(cache *JWKSCache, logger *zap.Logger) *PushVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushVerifier{cache: cache, logger: logger}
}

// RequirePushToken rejects requests whose bearer token is not signed by an allowed issuer for
// audience. When serviceAccounts is non-empty the token's email must be one of them.
func (v *PushVerifier) RequirePushToken(audience string, issuers, serviceAccounts []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowedIssuers := toSet(issuers)
	allowedAccounts := toSet(serviceAccounts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if audience == "" || v == nil || v.cache == nil {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "push verification not configured")
				return
			}
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "push token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			if _, err := parser.ParseWithClaims(tokenStr, claims, v.cache.Keyfunc(r.Context())); err != nil {
				if errors.Is(err, ErrJWKSFetchFailed) {
					v.logger.Warn("push token keys unavailable", zap.Error(err))
					respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "push token keys unavailable")
					return
				}
				v.logger.Info("push token rejected", zap.Error(err))
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "push token verification failed")
				return
			}

			issuer, _ := claims["iss"].(string)
			if len(allowedIssuers) > 0 {
				if _, ok := allowedIssuers[issuer]; !ok {
					respondAuthError(w, http.StatusUnauthorized, "invalid_token", "push token issuer mismatch")
					return
				}
			}
			if !claims.VerifyAudience(audience, true) {
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "push token audience mismatch")
				return
			}
			email, _ := claims["email"].(string)
			if len(allowedAccounts) > 0 {
				verified, _ := claims["email_verified"].(bool)
				if _, ok := allowedAccounts[email]; !ok || !verified {
					respondAuthError(w, http.StatusForbidden, "forbidden", "push token service account not allowed")
					return
				}
			}

			subject, _ := claims["sub"].(string)
			identity := &PushIdentity{Subject: subject, Email: email, Issuer: issuer}
			ctx := context.WithValue(r.Context(), pushIdentityContextKey{}, identity)
			next.ServeHTTP(w, r.WithContext(withActor(ctx, firstNonEmptyClaim(email, subject), RoleSystem)))
		})
	}
}

func firstNonEmptyClaim(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out[value] = struct{}{}
		}
	}
	return out
}
