package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/shippingagent/commbus"
)

func replyTurn(reply string) TurnFunc {
	return func(ctx context.Context, task *Task) (TurnResult, error) {
		return TurnResult{Reply: reply, Outcome: "reply", Mode: "fallback"}, nil
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []commbus.Message
}

func (r *eventRecorder) handler(ctx context.Context, msg commbus.Message) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
	return nil, nil
}

func (r *eventRecorder) all() []commbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]commbus.Message, len(r.events))
	copy(out, r.events)
	return out
}

func newBusKernel(t *testing.T) (*Kernel, *eventRecorder, *testLogger) {
	t.Helper()
	logger := &testLogger{}
	bus := commbus.NewInMemoryCommBus(time.Second)
	rec := &eventRecorder{}
	for _, evt := range []string{"TaskCompleted", "TaskFailed", "TaskCanceled"} {
		bus.Subscribe(evt, rec.handler)
	}
	return NewKernel(logger, nil, WithBus(bus)), rec, logger
}

// =============================================================================
// RunTurn Tests
// =============================================================================

func TestKernel_RunTurnCompletes(t *testing.T) {
	k, rec, logger := newBusKernel(t)

	task, err := k.RunTurn(context.Background(), SubmitRequest{
		ContextID: "ctx-1",
		Message:   userMsg("Order 3DV7KU4PK54 cworshall0@flavors.me"),
		UserID:    "user-1",
		Surface:   "web",
	}, replyTurn("Order 3DV7KU4PK54 verified!"))
	require.NoError(t, err)

	assert.Equal(t, TaskStateCompleted, task.Status.State)
	assert.Equal(t, "ctx-1", task.ContextID)
	require.Len(t, task.Messages, 2)
	assert.Equal(t, "Order 3DV7KU4PK54 verified!", task.Messages[1].Text())

	events := rec.all()
	require.Len(t, events, 1)
	completed, ok := events[0].(*commbus.TaskCompleted)
	require.True(t, ok)
	assert.Equal(t, task.ID, completed.TaskID)
	assert.Equal(t, "user-1", completed.UserID)
	assert.Equal(t, "web", completed.Surface)
	assert.Equal(t, "fallback", completed.Mode)
	assert.True(t, logger.contains("task_completed"))
}

func TestKernel_RunTurnSeesWorkingTask(t *testing.T) {
	k := NewKernel(nil, nil)

	var seen *Task
	_, err := k.RunTurn(context.Background(), SubmitRequest{Message: userMsg("hi")}, func(ctx context.Context, task *Task) (TurnResult, error) {
		seen = task
		stored, _ := k.GetTask(task.ID)
		assert.Equal(t, TaskStateWorking, stored.Status.State)
		return TurnResult{Reply: "hello"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", seen.Messages[0].Text())
}

func TestKernel_RunTurnFailureIsRecorded(t *testing.T) {
	k, rec, _ := newBusKernel(t)

	task, err := k.RunTurn(context.Background(), SubmitRequest{Message: userMsg("yes")}, func(ctx context.Context, task *Task) (TurnResult, error) {
		return TurnResult{}, errors.New("order store unavailable")
	})
	require.NoError(t, err, "processing errors never escape the turn boundary")

	assert.Equal(t, TaskStateFailed, task.Status.State)
	require.NotNil(t, task.Status.Error)
	assert.Equal(t, "PROCESSING_ERROR", task.Status.Error.Code)
	assert.Equal(t, "order store unavailable", task.Status.Error.Message)
	assert.Len(t, task.Messages, 1)

	events := rec.all()
	require.Len(t, events, 1)
	failed := events[0].(*commbus.TaskFailed)
	assert.Equal(t, "order store unavailable", failed.Error)
}

func TestKernel_RunTurnPanicIsRecorded(t *testing.T) {
	logger := &testLogger{}
	k := NewKernel(logger, nil)

	task, err := k.RunTurn(context.Background(), SubmitRequest{Message: userMsg("hi")}, func(ctx context.Context, task *Task) (TurnResult, error) {
		var m map[string]int
		m["boom"]++
		return TurnResult{}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, TaskStateFailed, task.Status.State)
	assert.Contains(t, task.Status.Error.Message, "panic in turn")
	assert.True(t, logger.contains("panic_recovered"))
	assert.True(t, logger.contains("task_failed"))
}

func TestKernel_RunTurnDuplicateTaskID(t *testing.T) {
	k := NewKernel(nil, nil)
	_, err := k.RunTurn(context.Background(), SubmitRequest{TaskID: "t1", Message: userMsg("a")}, replyTurn("ok"))
	require.NoError(t, err)

	called := false
	_, err = k.RunTurn(context.Background(), SubmitRequest{TaskID: "t1", Message: userMsg("b")}, func(ctx context.Context, task *Task) (TurnResult, error) {
		called = true
		return TurnResult{}, nil
	})
	assert.ErrorIs(t, err, ErrTaskExists)
	assert.False(t, called)
}

func TestKernel_CancelDuringTurnWins(t *testing.T) {
	k, rec, logger := newBusKernel(t)

	task, err := k.RunTurn(context.Background(), SubmitRequest{Message: userMsg("hi")}, func(ctx context.Context, task *Task) (TurnResult, error) {
		_, cerr := k.CancelTask(ctx, task.ID)
		require.NoError(t, cerr)
		return TurnResult{Reply: "late reply"}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, TaskStateCanceled, task.Status.State)
	assert.Len(t, task.Messages, 1)
	assert.True(t, logger.contains("task_already_terminal"))

	events := rec.all()
	require.Len(t, events, 1)
	_, isCancel := events[0].(*commbus.TaskCanceled)
	assert.True(t, isCancel)
}

// =============================================================================
// Cancel / Get / List Tests
// =============================================================================

func TestKernel_CancelTerminalTaskIsNoop(t *testing.T) {
	k, rec, _ := newBusKernel(t)
	task, _ := k.RunTurn(context.Background(), SubmitRequest{Message: userMsg("hi")}, replyTurn("ok"))

	again, err := k.CancelTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, again)
	assert.Len(t, rec.all(), 1, "only the completion event")
}

func TestKernel_CancelUnknownTask(t *testing.T) {
	k := NewKernel(nil, nil)
	_, err := k.CancelTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestKernel_ListTasksByContext(t *testing.T) {
	k := NewKernel(nil, nil)
	ctx := context.Background()

	first, _ := k.RunTurn(ctx, SubmitRequest{ContextID: "c1", Message: userMsg("1")}, replyTurn("a"))
	_, _ = k.RunTurn(ctx, SubmitRequest{ContextID: "c2", Message: userMsg("2")}, replyTurn("b"))
	third, _ := k.RunTurn(ctx, SubmitRequest{ContextID: "c1", Message: userMsg("3")}, replyTurn("c"))

	tasks := k.ListTasks("c1")
	require.Len(t, tasks, 2)
	assert.Equal(t, first.ID, tasks[0].ID)
	assert.Equal(t, third.ID, tasks[1].ID)
	assert.Len(t, k.ListTasks(""), 3)

	got, ok := k.GetTask(third.ID)
	require.True(t, ok)
	assert.Equal(t, third, got)
}

// =============================================================================
// Rate Limit / Status / Shutdown Tests
// =============================================================================

func TestKernel_CheckRateLimit(t *testing.T) {
	logger := &testLogger{}
	k := NewKernel(logger, &KernelConfig{DefaultRateLimit: &RateLimitConfig{RequestsPerMinute: 2}})

	assert.True(t, k.CheckRateLimit("user-1", "message/send").Allowed)
	assert.True(t, k.CheckRateLimit("user-1", "message/send").Allowed)
	res := k.CheckRateLimit("user-1", "message/send")
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.LimitType)
	assert.True(t, logger.contains("rate_limited"))

	assert.True(t, k.CheckRateLimit("user-2", "message/send").Allowed)
}

func TestKernel_GetSystemStatus(t *testing.T) {
	k := NewKernel(nil, nil)
	_, _ = k.RunTurn(context.Background(), SubmitRequest{Message: userMsg("hi")}, replyTurn("ok"))

	status := k.GetSystemStatus()
	tasks := status["tasks"].(map[string]any)
	assert.Equal(t, 1, tasks["total"])
	assert.Equal(t, 1, tasks["by_state"].(map[string]int)["completed"])
	assert.Contains(t, status, "uptime_seconds")
}

func TestKernel_ShutdownCancelsWorkingTasks(t *testing.T) {
	k := NewKernel(&testLogger{}, nil)
	working, _ := k.Lifecycle().Submit(SubmitRequest{Message: userMsg("hi")})
	done, _ := k.RunTurn(context.Background(), SubmitRequest{Message: userMsg("x")}, replyTurn("ok"))

	require.NoError(t, k.Shutdown(context.Background()))

	w, _ := k.GetTask(working.ID)
	assert.Equal(t, TaskStateCanceled, w.Status.State)
	d, _ := k.GetTask(done.ID)
	assert.Equal(t, TaskStateCompleted, d.Status.State)
}

func TestKernel_ShutdownContextCanceled(t *testing.T) {
	k := NewKernel(nil, nil)
	_, _ = k.Lifecycle().Submit(SubmitRequest{Message: userMsg("hi")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := k.Shutdown(ctx)
	var shutdownErr *ShutdownError
	require.ErrorAs(t, err, &shutdownErr)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShutdownError(t *testing.T) {
	assert.Equal(t, "shutdown completed with no errors", (&ShutdownError{}).Error())
	assert.Nil(t, (&ShutdownError{}).Unwrap())

	first := errors.New("error1")
	assert.Equal(t, "shutdown error: error1", (&ShutdownError{Errors: []error{first}}).Error())

	multi := &ShutdownError{Errors: []error{first, errors.New("error2"), errors.New("error3")}}
	assert.Equal(t, "shutdown completed with 3 errors", multi.Error())
	assert.Equal(t, first, multi.Unwrap())
}

func TestDefaultKernelConfig(t *testing.T) {
	cfg := DefaultKernelConfig()
	assert.Equal(t, 30, cfg.DefaultRateLimit.RequestsPerMinute)
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.TaskRetention)

	k := NewKernel(nil, &KernelConfig{})
	assert.NotNil(t, k.Config().DefaultRateLimit)
}
