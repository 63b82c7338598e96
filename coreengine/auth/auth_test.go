package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time         { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type idp struct {
	server *httptest.Server
	calls  int32
	status int
	body   string
	seen   http.Header
}

func newIDP(t *testing.T, status int, body string) *idp {
	t.Helper()
	p := &idp{status: status, body: body}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.calls, 1)
		assert.Equal(t, "/ims/userinfo/v2", r.URL.Path)
		p.seen = r.Header.Clone()
		w.WriteHeader(p.status)
		_, _ = w.Write([]byte(p.body))
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *idp) validator(clock *fakeClock, clientID string, ttl time.Duration) *IMSValidator {
	return NewIMSValidator(Config{BaseURL: p.server.URL, ClientID: clientID, CacheTTL: ttl},
		WithHTTPClient(p.server.Client()), WithClock(clock.Now))
}

// =============================================================================
// Validator Tests
// =============================================================================

func TestIMSValidator_ValidToken(t *testing.T) {
	p := newIDP(t, http.StatusOK, `{"sub":"user-1","email":"a@b.co","expires_in":3600,"companyId":"org-9"}`)
	clock := &fakeClock{now: epoch}
	v := p.validator(clock, "client-42", time.Hour)

	id, err := v.Validate(context.Background(), "tok")
	require.NoError(t, err)

	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "a@b.co", id.Email)
	assert.Equal(t, "org-9", id.OrgID)
	assert.Equal(t, epoch.Add(time.Hour), id.ExpiresAt)
	assert.Equal(t, "Bearer tok", p.seen.Get("Authorization"))
	assert.Equal(t, "client-42", p.seen.Get("X-Api-Key"))
}

func TestIMSValidator_AlternateFieldNames(t *testing.T) {
	p := newIDP(t, http.StatusOK, `{"userId":"user-2","exp":1788000000,"org_id":"org-1"}`)
	v := p.validator(&fakeClock{now: epoch}, "", time.Hour)

	id, err := v.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "user-2", id.UserID)
	assert.Equal(t, "org-1", id.OrgID)
	assert.Equal(t, time.Unix(1788000000, 0).UTC(), id.ExpiresAt)
	assert.Empty(t, p.seen.Get("X-Api-Key"))
}

func TestIMSValidator_DefaultExpiry(t *testing.T) {
	p := newIDP(t, http.StatusOK, `{"sub":"user-1"}`)
	v := p.validator(&fakeClock{now: epoch}, "", time.Hour)

	id, err := v.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Hour), id.ExpiresAt)
}

func TestIMSValidator_Rejections(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{http.StatusUnauthorized, "", "Invalid or expired token"},
		{http.StatusForbidden, "", "Token lacks required permissions"},
		{http.StatusBadGateway, "", "IMS validation failed with status 502"},
		{http.StatusOK, `{"email":"a@b.co"}`, "Missing user ID in IMS response"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			p := newIDP(t, tt.status, tt.body)
			v := p.validator(&fakeClock{now: epoch}, "", time.Hour)

			_, err := v.Validate(context.Background(), "tok")
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, tt.want, err.Error())
			assert.Zero(t, v.CacheSize())
		})
	}
}

func TestIMSValidator_Unreachable(t *testing.T) {
	p := newIDP(t, http.StatusOK, "")
	p.server.Close()
	v := p.validator(&fakeClock{now: epoch}, "", time.Hour)

	_, err := v.Validate(context.Background(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to contact IMS")
}

func TestIMSValidator_MissingToken(t *testing.T) {
	v := NewIMSValidator(Config{})
	_, err := v.Validate(context.Background(), "")
	assert.Equal(t, ErrMissingToken, err)
}

func TestIMSValidator_CacheTTL(t *testing.T) {
	p := newIDP(t, http.StatusOK, `{"sub":"user-1","expires_in":86400}`)
	clock := &fakeClock{now: epoch}
	v := p.validator(clock, "", time.Hour)
	ctx := context.Background()

	_, err := v.Validate(ctx, "tok")
	require.NoError(t, err)
	_, err = v.Validate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.calls), "second call served from cache")

	clock.Advance(2 * time.Hour)
	_, err = v.Validate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.calls), "ttl elapsed")
}

func TestIMSValidator_CacheHonorsTokenExpiry(t *testing.T) {
	p := newIDP(t, http.StatusOK, `{"sub":"user-1","expires_in":60}`)
	clock := &fakeClock{now: epoch}
	v := p.validator(clock, "", 24*time.Hour)
	ctx := context.Background()

	_, err := v.Validate(ctx, "tok")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, v.CleanupExpired())
	_, err = v.Validate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&p.calls))
}

func TestIMSValidator_CacheKeyIsHashed(t *testing.T) {
	p := newIDP(t, http.StatusOK, `{"sub":"user-1"}`)
	v := p.validator(&fakeClock{now: epoch}, "", time.Hour)

	_, err := v.Validate(context.Background(), "secret-token")
	require.NoError(t, err)

	v.mu.Lock()
	defer v.mu.Unlock()
	for key := range v.cache {
		assert.NotContains(t, key, "secret-token")
		assert.Len(t, key, 64)
	}
}

func TestIMSValidator_ClearCache(t *testing.T) {
	p := newIDP(t, http.StatusOK, `{"sub":"user-1"}`)
	v := p.validator(&fakeClock{now: epoch}, "", time.Hour)
	_, _ = v.Validate(context.Background(), "tok")
	require.Equal(t, 1, v.CacheSize())

	v.ClearCache()
	assert.Zero(t, v.CacheSize())
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc.def", ExtractBearerToken("Bearer abc.def"))
	assert.Equal(t, "abc", ExtractBearerToken("bearer   abc"))
	assert.Empty(t, ExtractBearerToken("Basic abc"))
	assert.Empty(t, ExtractBearerToken(""))
}

// =============================================================================
// Surface Tests
// =============================================================================

func TestDetectSurface(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"explicit header", map[string]string{"X-Adobe-Surface": "Kiosk", "User-Agent": "iPhone"}, "kiosk"},
		{"iphone", map[string]string{"User-Agent": "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)"}, SurfaceMobile},
		{"android", map[string]string{"User-Agent": "Dalvik/2.1.0 (Linux; Android 14)"}, SurfaceMobile},
		{"ipad", map[string]string{"User-Agent": "Mozilla/5.0 (iPad; CPU OS 17_0)"}, SurfaceTablet},
		{"desktop chrome", map[string]string{"User-Agent": "Mozilla/5.0 (X11; Linux x86_64) Chrome/120.0"}, SurfaceWeb},
		{"unknown agent with mobile referer", map[string]string{"User-Agent": "curl/8.0", "Referer": "https://m.example.com/mobile/chat"}, SurfaceMobile},
		{"referer only", map[string]string{"Referer": "https://example.com/chat"}, SurfaceWeb},
		{"nothing", map[string]string{}, SurfaceUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			assert.Equal(t, tt.want, DetectSurface(h))
		})
	}
}

// =============================================================================
// Session Tests
// =============================================================================

func newTestSessions(clock *fakeClock) *SessionManager {
	n := 0
	return NewSessionManager(
		WithSessionClock(clock.Now),
		WithContextIDGenerator(func() string {
			n++
			return "ctx-gen-" + string(rune('0'+n))
		}),
	)
}

func identity(user string, expires time.Time) Identity {
	return Identity{UserID: user, ExpiresAt: expires}
}

func TestSessionManager_OpenGeneratesContext(t *testing.T) {
	clock := &fakeClock{now: epoch}
	m := newTestSessions(clock)

	s := m.Open(identity("u1", epoch.Add(time.Hour)), "web", "")
	assert.Equal(t, "ctx-gen-1", s.ContextID)
	assert.Equal(t, "u1", s.UserID())
	assert.Equal(t, "web", s.Surface)
}

func TestSessionManager_ReuseSameUser(t *testing.T) {
	clock := &fakeClock{now: epoch}
	m := newTestSessions(clock)

	first := m.Open(identity("u1", epoch.Add(time.Hour)), "web", "ctx-1")
	again := m.Open(Identity{UserID: "u1", Email: "new@b.co", ExpiresAt: epoch.Add(2 * time.Hour)}, "mobile", "ctx-1")

	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Equal(t, "web", again.Surface, "reused session keeps its surface")
	assert.Equal(t, "new@b.co", again.Identity.Email, "identity refreshed")
	assert.Len(t, m.UserSessions("u1"), 1)
}

func TestSessionManager_OtherUserTakesOverContext(t *testing.T) {
	clock := &fakeClock{now: epoch}
	m := newTestSessions(clock)

	m.Open(identity("u1", epoch.Add(time.Hour)), "web", "ctx-1")
	s := m.Open(identity("u2", epoch.Add(time.Hour)), "web", "ctx-1")

	assert.Equal(t, "u2", s.UserID())
	assert.Empty(t, m.UserSessions("u1"))
	assert.Len(t, m.UserSessions("u2"), 1)
}

func TestSessionManager_ExpiredSessionsDropped(t *testing.T) {
	clock := &fakeClock{now: epoch}
	m := newTestSessions(clock)

	m.Open(identity("u1", epoch.Add(time.Minute)), "web", "ctx-1")
	m.Open(identity("u1", epoch.Add(time.Hour)), "web", "ctx-2")
	m.Open(identity("u2", epoch.Add(time.Minute)), "web", "ctx-3")

	clock.Advance(5 * time.Minute)
	_, ok := m.Get("ctx-1")
	assert.False(t, ok)
	_, ok = m.Get("ctx-2")
	assert.True(t, ok)

	assert.Equal(t, 1, m.CleanupExpired(), "ctx-3 only; ctx-1 already dropped on access")
	assert.Equal(t, 1, m.Len())
}

func TestSessionManager_ExpiredContextReopened(t *testing.T) {
	clock := &fakeClock{now: epoch}
	m := newTestSessions(clock)

	first := m.Open(identity("u1", epoch.Add(time.Minute)), "web", "ctx-1")
	clock.Advance(time.Hour)
	second := m.Open(identity("u1", clock.now.Add(time.Hour)), "mobile", "ctx-1")

	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	assert.Equal(t, "mobile", second.Surface)
	assert.Len(t, m.UserSessions("u1"), 1)
}
