// Package kernel provides per-caller rate limiting using a sliding window.
//
// Callers are keyed by user id and protocol method (for example
// "message/send"). Minute, hour and day windows are checked in that order.
package kernel

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Rate Limit Config & Result
// =============================================================================

// RateLimitConfig defines rate limiting thresholds. A non-positive limit
// disables that window.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour" yaml:"requests_per_hour"`
	RequestsPerDay    int `json:"requests_per_day" yaml:"requests_per_day"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// DefaultRateLimitConfig returns sensible defaults for a chat surface.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 30,
		RequestsPerHour:   600,
		RequestsPerDay:    5000,
		BurstSize:         5,
	}
}

// RateLimitResult represents the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool    `json:"allowed"`
	LimitType  string  `json:"limit_type,omitempty"` // "minute", "hour", "day"
	Current    int     `json:"current"`
	Limit      int     `json:"limit"`
	Remaining  int     `json:"remaining"`
	RetryAfter float64 `json:"retry_after,omitempty"` // seconds
}

// ExceededLimit creates a rate limit exceeded result.
func ExceededLimit(limitType string, current, limit int, retryAfter float64) *RateLimitResult {
	return &RateLimitResult{
		LimitType:  limitType,
		Current:    current,
		Limit:      limit,
		RetryAfter: retryAfter,
	}
}

// AllowedResult creates an allowed result.
func AllowedResult(remaining int) *RateLimitResult {
	return &RateLimitResult{Allowed: true, Remaining: remaining}
}

// =============================================================================
// Sliding Window
// =============================================================================

// SlidingWindow counts requests over a window split into sub-buckets.
type SlidingWindow struct {
	windowSeconds int
	bucketCount   int
	buckets       map[int64]int
	mu            sync.RWMutex
}

// NewSlidingWindow creates a new sliding window.
func NewSlidingWindow(windowSeconds int) *SlidingWindow {
	return &SlidingWindow{
		windowSeconds: windowSeconds,
		bucketCount:   10,
		buckets:       make(map[int64]int),
	}
}

func (w *SlidingWindow) bucketOf(timestamp float64) int64 {
	bucketSize := float64(w.windowSeconds) / float64(w.bucketCount)
	return int64(timestamp / bucketSize)
}

// Record records a request and returns the current count.
func (w *SlidingWindow) Record(timestamp float64) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(timestamp)
	w.buckets[w.bucketOf(timestamp)]++
	return w.countLocked(timestamp)
}

// GetCount returns the current count in the sliding window.
func (w *SlidingWindow) GetCount(timestamp float64) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.countLocked(timestamp)
}

// Prune drops buckets that fell out of the window. Returns true when the
// window holds no activity afterwards.
func (w *SlidingWindow) Prune(timestamp float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(timestamp)
	return len(w.buckets) == 0
}

func (w *SlidingWindow) pruneLocked(timestamp float64) {
	minBucket := w.bucketOf(timestamp) - int64(w.bucketCount)
	for b := range w.buckets {
		if b < minBucket {
			delete(w.buckets, b)
		}
	}
}

func (w *SlidingWindow) countLocked(timestamp float64) int {
	minBucket := w.bucketOf(timestamp) - int64(w.bucketCount)
	count := 0
	for bucket, n := range w.buckets {
		if bucket >= minBucket {
			count += n
		}
	}
	return count
}

// TimeUntilSlotAvailable calculates seconds until a slot becomes available.
func (w *SlidingWindow) TimeUntilSlotAvailable(timestamp float64, limit int) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	current := w.countLocked(timestamp)
	if current < limit {
		return 0.0
	}

	minBucket := w.bucketOf(timestamp) - int64(w.bucketCount)
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= minBucket {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	bucketSize := float64(w.windowSeconds) / float64(w.bucketCount)
	excess := current - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			wait := float64(b+1)*bucketSize - timestamp + float64(w.windowSeconds)
			if wait < 0 {
				return 0
			}
			return wait
		}
	}
	return float64(w.windowSeconds)
}

// IsEmpty returns true if window has no activity.
func (w *SlidingWindow) IsEmpty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buckets) == 0
}

// =============================================================================
// Rate Limiter
// =============================================================================

type windowKey struct {
	userID     string
	endpoint   string
	windowType string
}

type windowSpec struct {
	windowType    string
	windowSeconds int
	limit         int
}

func windowSpecs(cfg *RateLimitConfig) []windowSpec {
	return []windowSpec{
		{"minute", 60, cfg.RequestsPerMinute},
		{"hour", 3600, cfg.RequestsPerHour},
		{"day", 86400, cfg.RequestsPerDay},
	}
}

// RateLimiter applies sliding-window limits per user and endpoint.
type RateLimiter struct {
	defaultConfig   *RateLimitConfig
	userConfigs     map[string]*RateLimitConfig
	endpointConfigs map[string]*RateLimitConfig
	windows         map[windowKey]*SlidingWindow
	now             func() time.Time
	mu              sync.Mutex
}

// NewRateLimiter creates a new rate limiter. A nil config uses the defaults.
func NewRateLimiter(defaultConfig *RateLimitConfig) *RateLimiter {
	if defaultConfig == nil {
		defaultConfig = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		defaultConfig:   defaultConfig,
		userConfigs:     make(map[string]*RateLimitConfig),
		endpointConfigs: make(map[string]*RateLimitConfig),
		windows:         make(map[windowKey]*SlidingWindow),
		now:             time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetDefaultConfig sets the default rate limit config.
func (r *RateLimiter) SetDefaultConfig(config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultConfig = config
}

// SetUserLimits sets rate limits for a specific user.
func (r *RateLimiter) SetUserLimits(userID string, config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userConfigs[userID] = config
}

// SetEndpointLimits sets rate limits for a specific endpoint.
// Endpoint limits override user limits for that endpoint.
func (r *RateLimiter) SetEndpointLimits(endpoint string, config *RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpointConfigs[endpoint] = config
}

// GetConfig returns the effective rate limit config.
func (r *RateLimiter) GetConfig(userID, endpoint string) *RateLimitConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configLocked(userID, endpoint)
}

func (r *RateLimiter) configLocked(userID, endpoint string) *RateLimitConfig {
	if endpoint != "" {
		if cfg, ok := r.endpointConfigs[endpoint]; ok {
			return cfg
		}
	}
	if cfg, ok := r.userConfigs[userID]; ok {
		return cfg
	}
	return r.defaultConfig
}

func (r *RateLimiter) timestamp() float64 {
	return float64(r.now().UnixNano()) / 1e9
}

// CheckRateLimit checks if a request is within rate limits and, when record
// is true and the request is allowed, counts it.
func (r *RateLimiter) CheckRateLimit(userID, endpoint string, record bool) *RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timestamp()
	specs := windowSpecs(r.configLocked(userID, endpoint))

	for _, s := range specs {
		if s.limit <= 0 {
			continue
		}
		window := r.windowLocked(windowKey{userID, endpoint, s.windowType}, s.windowSeconds)
		if current := window.GetCount(now); current >= s.limit {
			return ExceededLimit(s.windowType, current, s.limit, window.TimeUntilSlotAvailable(now, s.limit))
		}
	}

	if record {
		for _, s := range specs {
			if s.limit > 0 {
				r.windowLocked(windowKey{userID, endpoint, s.windowType}, s.windowSeconds).Record(now)
			}
		}
	}

	minute := specs[0]
	remaining := minute.limit
	if window, ok := r.windows[windowKey{userID, endpoint, minute.windowType}]; ok {
		remaining = max(minute.limit-window.GetCount(now), 0)
	}
	return AllowedResult(remaining)
}

func (r *RateLimiter) windowLocked(key windowKey, seconds int) *SlidingWindow {
	window, ok := r.windows[key]
	if !ok {
		window = NewSlidingWindow(seconds)
		r.windows[key] = window
	}
	return window
}

// GetUsage returns current usage per window for a user/endpoint.
func (r *RateLimiter) GetUsage(userID, endpoint string) map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timestamp()
	usage := make(map[string]map[string]any)
	for _, s := range windowSpecs(r.configLocked(userID, endpoint)) {
		current := 0
		if window, ok := r.windows[windowKey{userID, endpoint, s.windowType}]; ok {
			current = window.GetCount(now)
		}
		usage[s.windowType] = map[string]any{
			"current":          current,
			"limit":            s.limit,
			"remaining":        max(s.limit-current, 0),
			"reset_in_seconds": s.windowSeconds,
		}
	}
	return usage
}

// ResetUser resets all rate limit windows for a user.
func (r *RateLimiter) ResetUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for key := range r.windows {
		if key.userID == userID {
			delete(r.windows, key)
			count++
		}
	}
	return count
}

// CleanupExpired drops windows with no activity left in range.
func (r *RateLimiter) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timestamp()
	cleaned := 0
	for key, window := range r.windows {
		if window.Prune(now) {
			delete(r.windows, key)
			cleaned++
		}
	}
	return cleaned
}

// WindowCount returns the number of tracked windows.
func (r *RateLimiter) WindowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
