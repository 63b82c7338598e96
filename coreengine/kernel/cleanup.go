// Package kernel provides background cleanup for in-memory stores.
//
// CleanupLoop periodically cleans up:
//   - Terminal tasks older than the retention period
//   - Idle rate limit windows
//   - Whatever the registered hooks own (sessions, auth cache, idle conversations)
package kernel

import (
	"time"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
)

// CleanupConfig holds configurable cleanup parameters.
type CleanupConfig struct {
	// Interval is how often to run cleanup (default: 5 minutes).
	Interval time.Duration `json:"interval"`
	// TaskRetention is how long to keep terminal tasks (default: 24 hours).
	TaskRetention time.Duration `json:"task_retention"`
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:      5 * time.Minute,
		TaskRetention: 24 * time.Hour,
	}
}

// CleanupHook is an extra store swept by each cleanup cycle.
// Fn returns the number of entries it removed.
type CleanupHook struct {
	Name string
	Fn   func() int
}

// AddCleanupHook registers a hook run on every cleanup cycle.
func (k *Kernel) AddCleanupHook(name string, fn func() int) {
	k.hooksMu.Lock()
	defer k.hooksMu.Unlock()
	k.hooks = append(k.hooks, CleanupHook{Name: name, Fn: fn})
}

// StartCleanupLoop starts a background goroutine that periodically performs cleanup.
// Returns a stop function that should be called to stop the cleanup loop.
func (k *Kernel) StartCleanupLoop(cfg CleanupConfig) func() {
	if cfg.Interval == 0 {
		cfg = DefaultCleanupConfig()
	}

	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				k.RunCleanupCycle(cfg)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// RunCleanupCycle performs a single cleanup cycle with panic recovery.
func (k *Kernel) RunCleanupCycle(cfg CleanupConfig) {
	defer func() {
		if r := recover(); r != nil {
			if k.logger != nil {
				k.logger.Error("cleanup_panic_recovered", "error", r)
			}
		}
	}()

	taskCount := k.lifecycle.CleanupTerminated(cfg.TaskRetention)
	windowCount := k.limiter.CleanupExpired()
	observability.SetTasksRetained(k.lifecycle.GetTotalTasks())

	k.hooksMu.RLock()
	hooks := make([]CleanupHook, len(k.hooks))
	copy(hooks, k.hooks)
	k.hooksMu.RUnlock()

	hookCounts := make([]any, 0, len(hooks)*2)
	for _, h := range hooks {
		n, _ := SafeExecuteWithResult(k.logger, "cleanup_"+h.Name, func() (int, error) {
			return h.Fn(), nil
		})
		hookCounts = append(hookCounts, h.Name+"_cleaned", n)
	}

	if k.logger != nil {
		kv := append([]any{
			"tasks_cleaned", taskCount,
			"rate_windows_cleaned", windowCount,
		}, hookCounts...)
		k.logger.Debug("cleanup_cycle_completed", kv...)
	}
}
