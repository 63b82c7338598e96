// Package kernel provides the task kernel - the turn boundary of the agent.
//
// The Kernel composes:
//   - LifecycleManager (task table and context index)
//   - RateLimiter (sliding window rate limiting per caller)
//   - CommBus publishing of task lifecycle events
//   - Cleanup hooks run by the background cleanup loop
//
// Protocol surfaces (JSON-RPC, gRPC) talk to the agent only through the Kernel.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/shippingagent/commbus"
)

// Logger is the structured logging interface used by the kernel.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Kernel Configuration
// =============================================================================

// KernelConfig configures the kernel.
type KernelConfig struct {
	// Default rate limit configuration
	DefaultRateLimit *RateLimitConfig `json:"default_rate_limit"`
	// Cleanup loop configuration
	Cleanup CleanupConfig `json:"cleanup"`
}

// DefaultKernelConfig returns default kernel configuration.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		DefaultRateLimit: DefaultRateLimitConfig(),
		Cleanup:          DefaultCleanupConfig(),
	}
}

// =============================================================================
// Turn Contract
// =============================================================================

// TurnResult is what the agent hands back for a completed turn.
type TurnResult struct {
	Reply   string
	Outcome string // what the orchestrator did, e.g. "staged" or "applied"
	Mode    string // "llm" or "fallback"
}

// TurnFunc processes the user message of a WORKING task.
type TurnFunc func(ctx context.Context, task *Task) (TurnResult, error)

// =============================================================================
// Kernel
// =============================================================================

// Kernel wraps each inbound message into a task, runs the agent turn under
// panic recovery and records the outcome.
//
// Usage:
//
//	k := NewKernel(logger, nil, WithBus(bus))
//	task, err := k.RunTurn(ctx, SubmitRequest{Message: msg}, agentTurn)
type Kernel struct {
	config    *KernelConfig
	logger    Logger
	lifecycle *LifecycleManager
	limiter   *RateLimiter
	bus       commbus.CommBus

	hooks   []CleanupHook
	hooksMu sync.RWMutex

	startedAt time.Time
}

// KernelOption configures a Kernel.
type KernelOption func(*Kernel)

// WithBus publishes task lifecycle events on bus.
func WithBus(bus commbus.CommBus) KernelOption {
	return func(k *Kernel) { k.bus = bus }
}

// WithLifecycle replaces the task store, e.g. one built with a fixed clock.
func WithLifecycle(lm *LifecycleManager) KernelOption {
	return func(k *Kernel) {
		if lm != nil {
			k.lifecycle = lm
		}
	}
}

// NewKernel creates a new kernel with the given configuration.
func NewKernel(logger Logger, config *KernelConfig, opts ...KernelOption) *Kernel {
	if config == nil {
		config = DefaultKernelConfig()
	}
	if config.DefaultRateLimit == nil {
		config.DefaultRateLimit = DefaultRateLimitConfig()
	}

	k := &Kernel{
		config:    config,
		logger:    logger,
		lifecycle: NewLifecycleManager(),
		limiter:   NewRateLimiter(config.DefaultRateLimit),
		startedAt: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(k)
	}

	if logger != nil {
		logger.Info("kernel_initialized",
			"requests_per_minute", config.DefaultRateLimit.RequestsPerMinute,
			"task_retention", config.Cleanup.TaskRetention.String(),
		)
	}
	return k
}

// Lifecycle returns the task store.
func (k *Kernel) Lifecycle() *LifecycleManager {
	return k.lifecycle
}

// RateLimiter returns the rate limiter.
func (k *Kernel) RateLimiter() *RateLimiter {
	return k.limiter
}

// Config returns the kernel configuration.
func (k *Kernel) Config() *KernelConfig {
	return k.config
}

// =============================================================================
// Turns
// =============================================================================

// RunTurn submits a task for req, runs fn and moves the task to COMPLETED or
// FAILED. Processing errors and panics never escape: they are recorded on the
// task. The returned error is non-nil only when the task could not be created.
func (k *Kernel) RunTurn(ctx context.Context, req SubmitRequest, fn TurnFunc) (*Task, error) {
	task, err := k.lifecycle.Submit(req)
	if err != nil {
		return nil, err
	}

	if k.logger != nil {
		k.logger.Debug("task_submitted",
			"task_id", task.ID,
			"context_id", task.ContextID,
			"user_id", req.UserID,
		)
	}

	started := time.Now()
	result, runErr := SafeExecuteWithResult(k.logger, "turn", func() (TurnResult, error) {
		return fn(ctx, task)
	})
	durationMS := int(time.Since(started).Milliseconds())

	if runErr != nil {
		return k.finishFailed(ctx, task, runErr), nil
	}

	final, err := k.lifecycle.Complete(task.ID, result.Reply)
	if err != nil {
		// Canceled while the turn was running; the cancel wins.
		k.logTerminalConflict(task.ID, err)
		return final, nil
	}

	if k.logger != nil {
		k.logger.Info("task_completed",
			"task_id", final.ID,
			"context_id", final.ContextID,
			"outcome", result.Outcome,
			"mode", result.Mode,
			"duration_ms", durationMS,
		)
	}
	k.publish(ctx, &commbus.TaskCompleted{
		TaskID:     final.ID,
		ContextID:  final.ContextID,
		UserID:     req.UserID,
		Surface:    req.Surface,
		Outcome:    result.Outcome,
		Mode:       result.Mode,
		DurationMS: durationMS,
	})
	return final, nil
}

func (k *Kernel) finishFailed(ctx context.Context, task *Task, cause error) *Task {
	final, err := k.lifecycle.Fail(task.ID, cause)
	if err != nil {
		k.logTerminalConflict(task.ID, err)
		return final
	}

	if k.logger != nil {
		k.logger.Warn("task_failed",
			"task_id", final.ID,
			"context_id", final.ContextID,
			"error", cause.Error(),
			"panic", IsPanic(cause),
		)
	}
	k.publish(ctx, &commbus.TaskFailed{
		TaskID:    final.ID,
		ContextID: final.ContextID,
		Error:     cause.Error(),
	})
	return final
}

func (k *Kernel) logTerminalConflict(taskID string, err error) {
	var invalid *InvalidTransitionError
	if k.logger != nil && errors.As(err, &invalid) {
		k.logger.Info("task_already_terminal", "task_id", taskID, "state", string(invalid.From))
	}
}

// GetTask returns a task by id.
func (k *Kernel) GetTask(taskID string) (*Task, bool) {
	return k.lifecycle.Get(taskID)
}

// ListTasks returns tasks in creation order, optionally for one context.
func (k *Kernel) ListTasks(contextID string) []*Task {
	return k.lifecycle.List(contextID)
}

// CancelTask cancels a WORKING task. Terminal tasks are returned unchanged.
func (k *Kernel) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	before, ok := k.lifecycle.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	task, err := k.lifecycle.Cancel(taskID)
	if err != nil {
		return nil, err
	}
	if !before.IsTerminal() && task.Status.State == TaskStateCanceled {
		if k.logger != nil {
			k.logger.Info("task_canceled", "task_id", task.ID, "context_id", task.ContextID)
		}
		k.publish(ctx, &commbus.TaskCanceled{TaskID: task.ID, ContextID: task.ContextID})
	}
	return task, nil
}

// =============================================================================
// Rate Limiting
// =============================================================================

// CheckRateLimit checks and records a request for userID on endpoint.
func (k *Kernel) CheckRateLimit(userID, endpoint string) *RateLimitResult {
	result := k.limiter.CheckRateLimit(userID, endpoint, true)
	if !result.Allowed && k.logger != nil {
		k.logger.Warn("rate_limited",
			"user_id", userID,
			"endpoint", endpoint,
			"limit_type", result.LimitType,
			"retry_after", result.RetryAfter,
		)
	}
	return result
}

// =============================================================================
// Events
// =============================================================================

func (k *Kernel) publish(ctx context.Context, event commbus.Message) {
	if k.bus == nil {
		return
	}
	if err := k.bus.Publish(ctx, event); err != nil && k.logger != nil {
		k.logger.Warn("event_publish_failed", "type", commbus.GetMessageType(event), "error", err.Error())
	}
}

// =============================================================================
// System Status
// =============================================================================

// GetSystemStatus returns overall kernel status.
func (k *Kernel) GetSystemStatus() map[string]any {
	byState := make(map[string]int)
	for state, n := range k.lifecycle.GetTaskCount() {
		byState[string(state)] = n
	}
	return map[string]any{
		"tasks": map[string]any{
			"total":    k.lifecycle.GetTotalTasks(),
			"by_state": byState,
		},
		"rate_limit_windows": k.limiter.WindowCount(),
		"uptime_seconds":     time.Since(k.startedAt).Seconds(),
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownError aggregates multiple errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

// Error returns a string representation of the shutdown errors.
func (e *ShutdownError) Error() string {
	if len(e.Errors) == 0 {
		return "shutdown completed with no errors"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for compatibility with errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown cancels every task still WORKING.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.logger != nil {
		k.logger.Info("kernel_shutdown_initiated")
	}

	var errs []error
	for _, task := range k.lifecycle.List("") {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown cancelled: %w", err))
			return &ShutdownError{Errors: errs}
		}
		if task.IsTerminal() {
			continue
		}
		if _, err := k.CancelTask(ctx, task.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to cancel %s: %w", task.ID, err))
		}
	}

	if k.logger != nil {
		k.logger.Info("kernel_shutdown_completed", "errors", len(errs))
	}
	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}
