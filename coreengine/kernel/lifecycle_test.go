package kernel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, level+": "+msg)
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.add("DEBUG", msg) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.add("INFO", msg) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.add("WARN", msg) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.add("ERROR", msg) }

func (l *testLogger) contains(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, log := range l.logs {
		if strings.Contains(log, event) {
			return true
		}
	}
	return false
}

// stepClock advances one second on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func userMsg(text string) TaskMessage {
	return TextMessage(RoleUser, text)
}

// =============================================================================
// State Transition Tests
// =============================================================================

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to TaskState
		valid    bool
	}{
		{TaskStateWorking, TaskStateCompleted, true},
		{TaskStateWorking, TaskStateFailed, true},
		{TaskStateWorking, TaskStateCanceled, true},
		{TaskStateCompleted, TaskStateFailed, false},
		{TaskStateCompleted, TaskStateCanceled, false},
		{TaskStateFailed, TaskStateCompleted, false},
		{TaskStateCanceled, TaskStateWorking, false},
		{TaskStateWorking, TaskStateWorking, false},
		{TaskState("rejected"), TaskStateCompleted, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestTaskState_IsTerminal(t *testing.T) {
	assert.False(t, TaskStateWorking.IsTerminal())
	assert.True(t, TaskStateCompleted.IsTerminal())
	assert.True(t, TaskStateFailed.IsTerminal())
	assert.True(t, TaskStateCanceled.IsTerminal())
}

// =============================================================================
// Submit Tests
// =============================================================================

func TestLifecycleManager_Submit(t *testing.T) {
	clock := newStepClock()
	lm := NewLifecycleManager(WithClock(clock.Now), WithIDGenerator(sequentialIDs("id")))

	task, err := lm.Submit(SubmitRequest{Message: userMsg("hello"), UserID: "user-1", Surface: "web"})
	require.NoError(t, err)

	assert.Equal(t, "id-1", task.ID)
	assert.Equal(t, "id-2", task.ContextID)
	assert.Equal(t, TaskStateWorking, task.Status.State)
	assert.Nil(t, task.Status.Error)
	assert.Equal(t, task.CreatedAt, task.UpdatedAt)
	require.Len(t, task.Messages, 1)
	assert.Equal(t, "hello", task.Messages[0].Text())
	assert.NotNil(t, task.Artifacts)
	assert.Empty(t, task.Artifacts)
	require.NotNil(t, task.Metadata)
	assert.Equal(t, "user-1", task.Metadata.UserID)
	assert.Equal(t, "web", task.Metadata.Surface)
}

func TestLifecycleManager_SubmitKeepsCallerIDs(t *testing.T) {
	lm := NewLifecycleManager()

	task, err := lm.Submit(SubmitRequest{TaskID: "task-a", ContextID: "ctx-a", Message: userMsg("hi")})
	require.NoError(t, err)

	assert.Equal(t, "task-a", task.ID)
	assert.Equal(t, "ctx-a", task.ContextID)
	assert.Nil(t, task.Metadata, "no metadata without caller identity or surface")
}

func TestLifecycleManager_SubmitDuplicateTaskID(t *testing.T) {
	lm := NewLifecycleManager()

	_, err := lm.Submit(SubmitRequest{TaskID: "task-a", Message: userMsg("hi")})
	require.NoError(t, err)

	_, err = lm.Submit(SubmitRequest{TaskID: "task-a", Message: userMsg("again")})
	assert.ErrorIs(t, err, ErrTaskExists)
	assert.Equal(t, 1, lm.GetTotalTasks())
}

// =============================================================================
// Transition Tests
// =============================================================================

func TestLifecycleManager_Complete(t *testing.T) {
	clock := newStepClock()
	lm := NewLifecycleManager(WithClock(clock.Now))
	task, _ := lm.Submit(SubmitRequest{ContextID: "ctx", Message: userMsg("where is my order")})

	done, err := lm.Complete(task.ID, "Your order ships Friday.")
	require.NoError(t, err)

	assert.Equal(t, TaskStateCompleted, done.Status.State)
	require.Len(t, done.Messages, 2)
	assert.Equal(t, RoleAgent, done.Messages[1].Role)
	assert.Equal(t, []Part{{Kind: "text", Text: "Your order ships Friday."}}, done.Messages[1].Parts)
	assert.True(t, done.UpdatedAt.After(done.CreatedAt))
}

func TestLifecycleManager_Fail(t *testing.T) {
	lm := NewLifecycleManager()
	task, _ := lm.Submit(SubmitRequest{Message: userMsg("hi")})

	failed, err := lm.Fail(task.ID, errors.New("database is locked"))
	require.NoError(t, err)

	assert.Equal(t, TaskStateFailed, failed.Status.State)
	require.NotNil(t, failed.Status.Error)
	assert.Equal(t, ErrorCodeProcessing, failed.Status.Error.Code)
	assert.Equal(t, "database is locked", failed.Status.Error.Message)
	assert.Len(t, failed.Messages, 1)
}

func TestLifecycleManager_TerminalIsMonotonic(t *testing.T) {
	lm := NewLifecycleManager()
	task, _ := lm.Submit(SubmitRequest{Message: userMsg("hi")})
	_, err := lm.Complete(task.ID, "done")
	require.NoError(t, err)

	again, err := lm.Complete(task.ID, "second reply")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, TaskStateCompleted, invalid.From)
	assert.Len(t, again.Messages, 2, "record unchanged")

	_, err = lm.Fail(task.ID, errors.New("late"))
	assert.ErrorAs(t, err, &invalid)

	stored, _ := lm.Get(task.ID)
	assert.Equal(t, TaskStateCompleted, stored.Status.State)
	assert.Nil(t, stored.Status.Error)
}

func TestLifecycleManager_Cancel(t *testing.T) {
	lm := NewLifecycleManager()
	task, _ := lm.Submit(SubmitRequest{Message: userMsg("hi")})

	canceled, err := lm.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateCanceled, canceled.Status.State)

	_, err = lm.Complete(task.ID, "too late")
	assert.Error(t, err)
}

func TestLifecycleManager_CancelTerminalIsNoop(t *testing.T) {
	for _, finish := range []string{"complete", "fail", "cancel"} {
		t.Run(finish, func(t *testing.T) {
			clock := newStepClock()
			lm := NewLifecycleManager(WithClock(clock.Now))
			task, _ := lm.Submit(SubmitRequest{Message: userMsg("hi")})

			switch finish {
			case "complete":
				_, _ = lm.Complete(task.ID, "done")
			case "fail":
				_, _ = lm.Fail(task.ID, errors.New("boom"))
			case "cancel":
				_, _ = lm.Cancel(task.ID)
			}
			before, _ := lm.Get(task.ID)

			after, err := lm.Cancel(task.ID)
			require.NoError(t, err)
			assert.Equal(t, before, after)
		})
	}
}

func TestLifecycleManager_UnknownTask(t *testing.T) {
	lm := NewLifecycleManager()

	_, err := lm.Complete("missing", "x")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = lm.Fail("missing", nil)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = lm.Cancel("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, ok := lm.Get("missing")
	assert.False(t, ok)
}

func TestLifecycleManager_FailNilCause(t *testing.T) {
	lm := NewLifecycleManager()
	task, _ := lm.Submit(SubmitRequest{Message: userMsg("hi")})

	failed, err := lm.Fail(task.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown error", failed.Status.Error.Message)
}

// =============================================================================
// Projection Tests
// =============================================================================

func TestLifecycleManager_GetReturnsCopy(t *testing.T) {
	lm := NewLifecycleManager()
	task, _ := lm.Submit(SubmitRequest{Message: userMsg("hi"), UserID: "u"})

	got, _ := lm.Get(task.ID)
	got.Messages[0].Parts[0].Text = "mutated"
	got.Metadata.UserID = "other"
	got.Status.State = TaskStateCanceled

	again, _ := lm.Get(task.ID)
	assert.Equal(t, "hi", again.Messages[0].Text())
	assert.Equal(t, "u", again.Metadata.UserID)
	assert.Equal(t, TaskStateWorking, again.Status.State)
}

func TestLifecycleManager_ListByContext(t *testing.T) {
	lm := NewLifecycleManager(WithIDGenerator(sequentialIDs("t")))

	_, _ = lm.Submit(SubmitRequest{ContextID: "ctx-a", Message: userMsg("1")})
	_, _ = lm.Submit(SubmitRequest{ContextID: "ctx-b", Message: userMsg("2")})
	_, _ = lm.Submit(SubmitRequest{ContextID: "ctx-a", Message: userMsg("3")})
	_, _ = lm.Submit(SubmitRequest{ContextID: "ctx-a", Message: userMsg("4")})

	var texts []string
	for _, task := range lm.List("ctx-a") {
		assert.Equal(t, "ctx-a", task.ContextID)
		texts = append(texts, task.Messages[0].Text())
	}
	assert.Equal(t, []string{"1", "3", "4"}, texts)

	assert.Len(t, lm.List("ctx-b"), 1)
	assert.Empty(t, lm.List("ctx-unknown"))
	assert.Len(t, lm.List(""), 4)
	assert.Equal(t, []string{"t-1", "t-3", "t-4"}, lm.ContextTaskIDs("ctx-a"))
}

func TestLifecycleManager_ListAllInCreationOrder(t *testing.T) {
	lm := NewLifecycleManager()
	for i := 0; i < 20; i++ {
		_, _ = lm.Submit(SubmitRequest{TaskID: fmt.Sprintf("task-%02d", i), Message: userMsg("x")})
	}

	all := lm.List("")
	require.Len(t, all, 20)
	for i, task := range all {
		assert.Equal(t, fmt.Sprintf("task-%02d", i), task.ID)
	}
}

func TestLifecycleManager_GetTaskCount(t *testing.T) {
	lm := NewLifecycleManager()
	a, _ := lm.Submit(SubmitRequest{Message: userMsg("a")})
	b, _ := lm.Submit(SubmitRequest{Message: userMsg("b")})
	_, _ = lm.Submit(SubmitRequest{Message: userMsg("c")})
	_, _ = lm.Complete(a.ID, "ok")
	_, _ = lm.Fail(b.ID, errors.New("x"))

	counts := lm.GetTaskCount()
	assert.Equal(t, 1, counts[TaskStateWorking])
	assert.Equal(t, 1, counts[TaskStateCompleted])
	assert.Equal(t, 1, counts[TaskStateFailed])
	assert.Equal(t, 3, lm.GetTotalTasks())
}

// =============================================================================
// Cleanup Tests
// =============================================================================

func TestLifecycleManager_CleanupTerminated(t *testing.T) {
	clock := newStepClock()
	lm := NewLifecycleManager(WithClock(clock.Now))

	old, _ := lm.Submit(SubmitRequest{ContextID: "ctx", Message: userMsg("old")})
	_, _ = lm.Complete(old.ID, "done")
	working, _ := lm.Submit(SubmitRequest{ContextID: "ctx", Message: userMsg("still going")})

	clock.Advance(2 * time.Hour)
	fresh, _ := lm.Submit(SubmitRequest{ContextID: "ctx", Message: userMsg("fresh")})
	_, _ = lm.Complete(fresh.ID, "done")

	removed := lm.CleanupTerminated(time.Hour)
	assert.Equal(t, 1, removed)

	_, ok := lm.Get(old.ID)
	assert.False(t, ok)
	_, ok = lm.Get(working.ID)
	assert.True(t, ok, "working tasks are never cleaned")
	assert.Equal(t, []string{working.ID, fresh.ID}, lm.ContextTaskIDs("ctx"))
	assert.Len(t, lm.List(""), 2)
}

func TestLifecycleManager_CleanupDropsEmptyContexts(t *testing.T) {
	clock := newStepClock()
	lm := NewLifecycleManager(WithClock(clock.Now))

	task, _ := lm.Submit(SubmitRequest{ContextID: "ctx", Message: userMsg("x")})
	_, _ = lm.Cancel(task.ID)
	clock.Advance(time.Hour)

	assert.Equal(t, 1, lm.CleanupTerminated(time.Minute))
	assert.Empty(t, lm.ContextTaskIDs("ctx"))
	assert.Equal(t, 0, lm.CleanupTerminated(time.Minute))
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestLifecycleManager_ConcurrentSubmit(t *testing.T) {
	lm := NewLifecycleManager()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := lm.Submit(SubmitRequest{ContextID: fmt.Sprintf("ctx-%d", i%5), Message: userMsg("x")})
			if assert.NoError(t, err) {
				_, _ = lm.Complete(task.ID, "ok")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, lm.GetTotalTasks())
	for i := 0; i < 5; i++ {
		assert.Len(t, lm.List(fmt.Sprintf("ctx-%d", i)), 10)
	}
}

func TestTaskMessage_Text(t *testing.T) {
	msg := TaskMessage{Role: RoleUser, Parts: []Part{
		{Kind: "text", Text: "Order 3DV7KU4PK54"},
		{Kind: "file"},
		{Kind: "text", Text: "cworshall0@flavors.me"},
	}}
	assert.Equal(t, "Order 3DV7KU4PK54 cworshall0@flavors.me", msg.Text())
	assert.Equal(t, "", TaskMessage{}.Text())
}
