// Package auth validates bearer tokens against the identity provider,
// detects the client surface of a request, and tracks caller sessions.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Identity
// =============================================================================

// Identity is the validated caller.
type Identity struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	OrgID     string    `json:"org_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token behind the identity has expired.
func (i *Identity) Expired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// AnonymousUserID is the user id used when authentication is disabled.
const AnonymousUserID = "anonymous"

// Anonymous returns the identity used when authentication is disabled.
func Anonymous(now time.Time) *Identity {
	return &Identity{UserID: AnonymousUserID, ExpiresAt: now.Add(24 * time.Hour)}
}

// =============================================================================
// Errors
// =============================================================================

// ValidationError is a rejected token. StatusCode is the identity provider's
// HTTP status, or 0 when the provider was not reached or sent no usable body.
type ValidationError struct {
	Message    string
	StatusCode int
	Cause      error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ErrMissingToken is returned when the request carries no bearer token.
var ErrMissingToken = &ValidationError{Message: "Missing Authorization header"}

// =============================================================================
// Validator
// =============================================================================

// Validator turns a bearer token into an Identity.
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// Config configures an IMSValidator.
type Config struct {
	BaseURL  string        // e.g. https://ims-na1.adobelogin.com
	ClientID string        // sent as X-Api-Key when set
	CacheTTL time.Duration // how long a validated token is trusted
	Timeout  time.Duration // per request to the provider
}

// DefaultConfig returns the default validator configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "https://ims-na1.adobelogin.com",
		CacheTTL: 24 * time.Hour,
		Timeout:  10 * time.Second,
	}
}

type cacheEntry struct {
	identity *Identity
	cachedAt time.Time
}

// IMSValidator validates tokens with the userinfo endpoint. Validated
// identities are cached under the SHA-256 of the token; raw tokens are never
// stored.
type IMSValidator struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
	logger Logger

	cache map[string]cacheEntry
	mu    sync.Mutex
}

// ValidatorOption configures an IMSValidator.
type ValidatorOption func(*IMSValidator)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ValidatorOption {
	return func(v *IMSValidator) { v.client = c }
}

// WithClock sets the clock used for cache and token expiry.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *IMSValidator) { v.now = now }
}

// WithLogger sets the logger.
func WithLogger(l Logger) ValidatorOption {
	return func(v *IMSValidator) { v.logger = l }
}

// NewIMSValidator creates a validator.
func NewIMSValidator(cfg Config, opts ...ValidatorOption) *IMSValidator {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	v := &IMSValidator{
		cfg:   cfg,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: cfg.Timeout}
	}
	return v
}

// Validate implements Validator.
func (v *IMSValidator) Validate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		observability.RecordAuthValidation("rejected")
		return nil, ErrMissingToken
	}
	key := hashToken(token)
	if id := v.cached(key); id != nil {
		observability.RecordAuthValidation("cached")
		return id, nil
	}

	id, err := v.userinfo(ctx, token)
	if err != nil {
		observability.RecordAuthValidation("rejected")
		v.warn("token_rejected", "error", err.Error())
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = cacheEntry{identity: id, cachedAt: v.now()}
	v.mu.Unlock()

	observability.RecordAuthValidation("validated")
	v.debug("token_validated", "user_id", id.UserID)
	return id, nil
}

func (v *IMSValidator) cached(key string) *Identity {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.cache[key]
	if !ok {
		return nil
	}
	if v.stale(entry) {
		delete(v.cache, key)
		return nil
	}
	c := *entry.identity
	return &c
}

// stale reports whether an entry outlived the cache TTL or its token.
func (v *IMSValidator) stale(e cacheEntry) bool {
	now := v.now()
	return now.Sub(e.cachedAt) > v.cfg.CacheTTL || e.identity.Expired(now)
}

func (v *IMSValidator) userinfo(ctx context.Context, token string) (*Identity, error) {
	url := strings.TrimRight(v.cfg.BaseURL, "/") + "/ims/userinfo/v2"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("Failed to contact IMS: %v", err), Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if v.cfg.ClientID != "" {
		req.Header.Set("X-Api-Key", v.cfg.ClientID)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("Failed to contact IMS: %v", err), Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return nil, &ValidationError{Message: "Invalid or expired token", StatusCode: resp.StatusCode}
	case http.StatusForbidden:
		return nil, &ValidationError{Message: "Token lacks required permissions", StatusCode: resp.StatusCode}
	default:
		return nil, &ValidationError{
			Message:    fmt.Sprintf("IMS validation failed with status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	var body userinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("Invalid IMS response: %v", err), Cause: err}
	}
	return body.identity(v.now())
}

// userinfoResponse covers both field spellings the provider uses.
type userinfoResponse struct {
	Sub       string   `json:"sub"`
	UserID    string   `json:"userId"`
	Email     string   `json:"email"`
	ExpiresIn *float64 `json:"expires_in"`
	Exp       *float64 `json:"exp"`
	CompanyID string   `json:"companyId"`
	OrgID     string   `json:"org_id"`
}

func (r userinfoResponse) identity(now time.Time) (*Identity, error) {
	id := &Identity{UserID: firstNonEmpty(r.Sub, r.UserID), Email: r.Email, OrgID: firstNonEmpty(r.CompanyID, r.OrgID)}
	if id.UserID == "" {
		return nil, &ValidationError{Message: "Missing user ID in IMS response"}
	}
	switch {
	case r.ExpiresIn != nil:
		id.ExpiresAt = now.Add(time.Duration(*r.ExpiresIn * float64(time.Second)))
	case r.Exp != nil:
		id.ExpiresAt = time.Unix(int64(*r.Exp), 0).UTC()
	default:
		id.ExpiresAt = now.Add(time.Hour)
	}
	return id, nil
}

// ClearCache drops every cached identity.
func (v *IMSValidator) ClearCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]cacheEntry)
}

// CleanupExpired drops stale cache entries and returns how many were removed.
func (v *IMSValidator) CleanupExpired() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for k, e := range v.cache {
		if v.stale(e) {
			delete(v.cache, k)
			removed++
		}
	}
	return removed
}

// CacheSize returns the number of cached identities.
func (v *IMSValidator) CacheSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}

func (v *IMSValidator) debug(msg string, kv ...any) {
	if v.logger != nil {
		v.logger.Debug(msg, kv...)
	}
}

func (v *IMSValidator) warn(msg string, kv ...any) {
	if v.logger != nil {
		v.logger.Warn(msg, kv...)
	}
}

// =============================================================================
// Helpers
// =============================================================================

var bearerPattern = regexp.MustCompile(`(?i)^Bearer\s+(.+)`)

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>"
// header value, or "" when the header is missing or uses another scheme.
func ExtractBearerToken(header string) string {
	m := bearerPattern.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
