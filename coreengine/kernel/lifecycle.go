// Package kernel provides task lifecycle management.
//
// Implements the task store behind the protocol surface:
//   - Task creation (Submit)
//   - State transitions (Complete, Fail, Cancel)
//   - Read-only projections (Get, List) over a context index
package kernel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Valid State Transitions
// =============================================================================

// validTransitions defines allowed state transitions.
var validTransitions = map[TaskState]map[TaskState]bool{
	TaskStateWorking: {
		TaskStateCompleted: true,
		TaskStateFailed:    true,
		TaskStateCanceled:  true,
	},
	TaskStateCompleted: {},
	TaskStateFailed:    {},
	TaskStateCanceled:  {},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to TaskState) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskExists is returned when a caller-supplied task id is already taken.
	ErrTaskExists = errors.New("task already exists")
)

// InvalidTransitionError is returned when a terminal task is asked to move.
type InvalidTransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s for task %s", e.From, e.To, e.TaskID)
}

// =============================================================================
// Lifecycle Manager
// =============================================================================

// LifecycleManager owns the task table and the context -> task ids index.
// Thread-safe; every read returns a copy of the stored record.
type LifecycleManager struct {
	tasks    map[string]*Task
	order    []string
	contexts map[string][]string
	now      func() time.Time
	newID    func() string
	mu       sync.RWMutex
}

// LifecycleOption configures a LifecycleManager.
type LifecycleOption func(*LifecycleManager)

// WithClock sets the time source used for timestamps.
func WithClock(now func() time.Time) LifecycleOption {
	return func(lm *LifecycleManager) {
		if now != nil {
			lm.now = now
		}
	}
}

// WithIDGenerator sets the generator for task and context ids.
func WithIDGenerator(gen func() string) LifecycleOption {
	return func(lm *LifecycleManager) {
		if gen != nil {
			lm.newID = gen
		}
	}
}

// NewLifecycleManager creates a new lifecycle manager.
func NewLifecycleManager(opts ...LifecycleOption) *LifecycleManager {
	lm := &LifecycleManager{
		tasks:    make(map[string]*Task),
		contexts: make(map[string][]string),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

// Submit records a new task in WORKING state holding the user message.
func (lm *LifecycleManager) Submit(req SubmitRequest) (*Task, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	taskID := req.TaskID
	if taskID == "" {
		taskID = lm.newID()
	}
	if _, exists := lm.tasks[taskID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}
	contextID := req.ContextID
	if contextID == "" {
		contextID = lm.newID()
	}

	now := lm.now()
	task := &Task{
		ID:        taskID,
		ContextID: contextID,
		Status:    TaskStatus{State: TaskStateWorking},
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []TaskMessage{req.Message},
		Artifacts: []any{},
		Metadata:  req.metadata(),
	}

	lm.tasks[taskID] = task
	lm.order = append(lm.order, taskID)
	lm.contexts[contextID] = append(lm.contexts[contextID], taskID)
	return task.Clone(), nil
}

// Complete appends the agent reply and moves the task to COMPLETED.
func (lm *LifecycleManager) Complete(taskID, reply string) (*Task, error) {
	return lm.transition(taskID, TaskStateCompleted, func(t *Task) {
		t.Messages = append(t.Messages, TextMessage(RoleAgent, reply))
	})
}

// Fail records the error and moves the task to FAILED.
func (lm *LifecycleManager) Fail(taskID string, cause error) (*Task, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return lm.transition(taskID, TaskStateFailed, func(t *Task) {
		t.Status.Error = &TaskError{Code: ErrorCodeProcessing, Message: msg}
	})
}

// Cancel moves a WORKING task to CANCELED. Canceling a terminal task is a
// no-op that returns the existing record.
func (lm *LifecycleManager) Cancel(taskID string) (*Task, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	task, ok := lm.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.IsTerminal() {
		return task.Clone(), nil
	}
	task.Status = TaskStatus{State: TaskStateCanceled}
	task.UpdatedAt = lm.now()
	return task.Clone(), nil
}

func (lm *LifecycleManager) transition(taskID string, to TaskState, apply func(*Task)) (*Task, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	task, ok := lm.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !IsValidTransition(task.Status.State, to) {
		return task.Clone(), &InvalidTransitionError{TaskID: taskID, From: task.Status.State, To: to}
	}

	task.Status = TaskStatus{State: to}
	apply(task)
	task.UpdatedAt = lm.now()
	return task.Clone(), nil
}

// Get returns a copy of a task by id.
func (lm *LifecycleManager) Get(taskID string) (*Task, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	task, ok := lm.tasks[taskID]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// List returns tasks in creation order. A non-empty contextID restricts the
// result to the tasks created under that context.
func (lm *LifecycleManager) List(contextID string) []*Task {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	ids := lm.order
	if contextID != "" {
		ids = lm.contexts[contextID]
	}

	result := make([]*Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := lm.tasks[id]; ok {
			result = append(result, task.Clone())
		}
	}
	return result
}

// ContextTaskIDs returns the ordered task ids produced by a context.
func (lm *LifecycleManager) ContextTaskIDs(contextID string) []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	ids := make([]string, len(lm.contexts[contextID]))
	copy(ids, lm.contexts[contextID])
	return ids
}

// CleanupTerminated drops terminal tasks last updated before now-retention.
// Returns the number of tasks removed.
func (lm *LifecycleManager) CleanupTerminated(retention time.Duration) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cutoff := lm.now().Add(-retention)
	removed := make(map[string]struct{})
	for id, task := range lm.tasks {
		if task.IsTerminal() && task.UpdatedAt.Before(cutoff) {
			removed[id] = struct{}{}
			delete(lm.tasks, id)
		}
	}
	if len(removed) == 0 {
		return 0
	}

	lm.order = without(lm.order, removed)
	for ctxID, ids := range lm.contexts {
		kept := without(ids, removed)
		if len(kept) == 0 {
			delete(lm.contexts, ctxID)
		} else {
			lm.contexts[ctxID] = kept
		}
	}
	return len(removed)
}

func without(ids []string, removed map[string]struct{}) []string {
	kept := ids[:0:0]
	for _, id := range ids {
		if _, gone := removed[id]; !gone {
			kept = append(kept, id)
		}
	}
	return kept
}

// GetTaskCount returns the count of tasks by state.
func (lm *LifecycleManager) GetTaskCount() map[TaskState]int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	counts := make(map[TaskState]int)
	for _, task := range lm.tasks {
		counts[task.Status.State]++
	}
	return counts
}

// GetTotalTasks returns the number of retained tasks.
func (lm *LifecycleManager) GetTotalTasks() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.tasks)
}
