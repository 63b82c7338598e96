package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/shippingagent/commbus"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/kernel"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/llm"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/testutil"
)

type fixture struct {
	agent     *ShippingAgent
	store     *testutil.FlakyStore
	completer *testutil.MockCompleter
	logger    *testutil.Logger
}

func newFixture(t *testing.T, llmEnabled bool, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:     testutil.NewFlakyStore(testutil.NewOrderStore()),
		completer: testutil.NewMockCompleter(),
		logger:    &testutil.Logger{},
	}
	cfg := Config{BrandName: "Acme", BrandTone: "friendly", LLMEnabled: llmEnabled}
	all := append([]Option{
		WithCompleter(f.completer),
		WithLogger(f.logger),
		WithExtractor(testExtractor()),
	}, opts...)
	f.agent = NewShippingAgent(cfg, f.store, all...)
	return f
}

func (f *fixture) send(t *testing.T, contextID, message string) Reply {
	t.Helper()
	reply, err := f.agent.ProcessMessage(context.Background(), message, contextID)
	require.NoError(t, err)
	return reply
}

func (f *fixture) stored(t *testing.T) *orders.Order {
	t.Helper()
	o, err := f.store.Find(context.Background(), testutil.DemoOrderID, testutil.DemoEmail)
	require.NoError(t, err)
	return o
}

// =============================================================================
// Fallback Mode
// =============================================================================

func TestShippingAgent_FallbackScenario(t *testing.T) {
	f := newFixture(t, false)

	reply := f.send(t, "ctx-1", verifyMsg)
	assert.Equal(t, OutcomeVerified, reply.Outcome)
	assert.Equal(t, ModeFallback, reply.Mode)
	assert.True(t, strings.HasPrefix(reply.Text, "Order 3DV7KU4PK54 verified!"))

	reply = f.send(t, "ctx-1", "change delivery to 3/15")
	assert.Equal(t, OutcomeStaged, reply.Outcome)
	assert.Contains(t, reply.Text, "3/15/2026")
	assert.Equal(t, "12/14/2026", f.stored(t).DeliveryDate, "store unchanged until confirmed")

	reply = f.send(t, "ctx-1", "yes")
	assert.Equal(t, OutcomeApplied, reply.Outcome)
	assert.Equal(t, "Your delivery date has been updated to 3/15/2026.", reply.Text)
	assert.Equal(t, "3/15/2026", f.stored(t).DeliveryDate)

	reply = f.send(t, "ctx-1", "when will it arrive?")
	assert.Equal(t, "Your order 3DV7KU4PK54 is scheduled for delivery on 3/15/2026.", reply.Text)

	assert.Zero(t, f.completer.CallCount())
}

func TestShippingAgent_CancelScenario(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, "ctx-1", verifyMsg)
	f.send(t, "ctx-1", newAddressMsg)

	reply := f.send(t, "ctx-1", "never mind")
	assert.Equal(t, OutcomeCancelled, reply.Outcome)
	assert.Equal(t, CancelledReply, reply.Text)

	st, ok := f.agent.States().Get("ctx-1")
	require.True(t, ok)
	assert.False(t, st.HasPending())
	assert.Equal(t, "6 Arrowood Court", f.stored(t).Street)
	assert.Zero(t, f.store.Updates())
}

func TestShippingAgent_NotFoundKeepsEarlierVerification(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, "ctx-1", verifyMsg)

	reply := f.send(t, "ctx-1", "Order 3DV7KU4PK54 someone@example.com")
	assert.Equal(t, OutcomeNotFound, reply.Outcome)
	assert.Equal(t, NotFoundReply, reply.Text)

	st, ok := f.agent.States().Get("ctx-1")
	require.True(t, ok)
	assert.Equal(t, testutil.DemoOrderID, st.Verified.OrderID)
}

func TestShippingAgent_NotFoundWritesNoState(t *testing.T) {
	f := newFixture(t, false)

	f.send(t, "ctx-1", "Order 3DV7KU4PK54 someone@example.com")
	_, ok := f.agent.States().Get("ctx-1")
	assert.False(t, ok)
}

func TestShippingAgent_ContextsAreIsolated(t *testing.T) {
	f := newFixture(t, false)
	f.send(t, "ctx-1", verifyMsg)

	reply := f.send(t, "ctx-2", "change delivery to 3/15")
	assert.Equal(t, OutcomeReply, reply.Outcome)

	reply = f.send(t, "ctx-2", "yes")
	assert.Equal(t, OutcomeReply, reply.Outcome)
	assert.Zero(t, f.store.Updates())
}

func TestShippingAgent_EmptyContextIsStateless(t *testing.T) {
	f := newFixture(t, false)

	reply := f.send(t, "", verifyMsg)
	assert.Equal(t, OutcomeVerified, reply.Outcome)
	assert.Zero(t, f.agent.States().Len())

	reply = f.send(t, "", "when will it arrive?")
	assert.Equal(t, OutcomeReply, reply.Outcome)
	assert.Contains(t, reply.Text, "please provide your Order ID")
}

func TestShippingAgent_LookupErrorFailsTurn(t *testing.T) {
	a := NewShippingAgent(Config{}, brokenStore{})

	_, err := a.ProcessMessage(context.Background(), verifyMsg, "ctx-1")
	assert.Error(t, err)
}

// =============================================================================
// LLM Mode
// =============================================================================

func TestShippingAgent_LLMVerificationGreeting(t *testing.T) {
	f := newFixture(t, true)

	reply := f.send(t, "ctx-1", verifyMsg)
	assert.Equal(t, ModeTemplate, reply.Mode)
	assert.Equal(t, "Hi Cassandry! Your order 3DV7KU4PK54 is scheduled for delivery on 12/14/2026. How can I help you today?", reply.Text)
	assert.Zero(t, f.completer.CallCount(), "greeting never goes to the model")
}

func TestShippingAgent_LLMReceivesMarkersAndHistory(t *testing.T) {
	f := newFixture(t, true)
	f.completer.WithResponse("change", "Your delivery date will be changed to 3/15/2026 for order 3DV7KU4PK54.")

	f.send(t, "ctx-1", verifyMsg)
	reply := f.send(t, "ctx-1", "change delivery to 3/15")

	assert.Equal(t, ModeLLM, reply.Mode)
	assert.Equal(t, OutcomeStaged, reply.Outcome)
	assert.Equal(t, "Your delivery date will be changed to 3/15/2026 for order 3DV7KU4PK54.", reply.Text)

	req := f.completer.LastRequest()
	assert.Contains(t, req.SystemPrompt, "PENDING_DATE_CHANGE: 3/15/2026")
	assert.Contains(t, req.SystemPrompt, "Verified Order Context:")
	assert.Equal(t, "change delivery to 3/15", req.UserMessage)
	require.Len(t, req.History, 2)
	assert.Equal(t, llm.RoleUser, req.History[0].Role)
	assert.Equal(t, verifyMsg, req.History[0].Content)
	assert.Equal(t, llm.RoleAssistant, req.History[1].Role)
}

func TestShippingAgent_HistoryWindow(t *testing.T) {
	f := newFixture(t, true)
	for i := 0; i < 8; i++ {
		f.send(t, "ctx-1", fmt.Sprintf("question %d", i))
	}
	assert.Len(t, f.completer.LastRequest().History, 10)
}

func TestShippingAgent_LLMFailureFallsBack(t *testing.T) {
	f := newFixture(t, true)
	f.send(t, "ctx-1", verifyMsg)
	f.completer.WithError(&llm.UnavailableError{Op: "complete", Cause: errors.New("connection refused")})

	reply := f.send(t, "ctx-1", "change delivery to 3/15")
	assert.Equal(t, ModeFallback, reply.Mode)
	assert.Contains(t, reply.Text, "Your delivery date will be changed to 3/15/2026")
	assert.True(t, f.logger.Has("llm_fallback"))

	st, _ := f.agent.States().Get("ctx-1")
	require.NotNil(t, st.PendingDate, "state is committed before the model call")
}

func TestShippingAgent_EmptyModelReply(t *testing.T) {
	f := newFixture(t, true)
	f.completer.DefaultResponse = "  "

	reply := f.send(t, "ctx-1", "hello")
	assert.Equal(t, TroubleReply, reply.Text)
}

func TestShippingAgent_NoCompleterFallsBack(t *testing.T) {
	a := NewShippingAgent(Config{LLMEnabled: true}, testutil.NewOrderStore())

	reply, err := a.ProcessMessage(context.Background(), "hello", "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, reply.Mode)
	assert.Contains(t, reply.Text, "Brand Concierge Reference Agent")
}

// =============================================================================
// Bus Integration
// =============================================================================

type capture struct {
	mu     sync.Mutex
	events []commbus.Message
}

func (c *capture) handle(ctx context.Context, msg commbus.Message) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, msg)
	return nil, nil
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = commbus.GetMessageType(e)
	}
	return out
}

func TestShippingAgent_PublishesOrderEvents(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second)
	rec := &capture{}
	for _, evt := range []string{"OrderVerified", "OrderNotFound", "ChangeStaged", "ChangeApplied", "ChangeCancelled"} {
		bus.Subscribe(evt, rec.handle)
	}
	f := newFixture(t, false, WithBus(bus))

	f.send(t, "ctx-1", "Order 3DV7KU4PK54 nobody@example.com")
	f.send(t, "ctx-1", verifyMsg)
	f.send(t, "ctx-1", "change delivery to 3/15")
	f.send(t, "ctx-1", "yes")
	f.send(t, "ctx-1", newAddressMsg)
	f.send(t, "ctx-1", "cancel")

	assert.Equal(t, []string{
		"OrderNotFound", "OrderVerified", "ChangeStaged", "ChangeApplied", "ChangeStaged", "ChangeCancelled",
	}, rec.types())
}

func TestShippingAgent_FailedApplyEventCarriesError(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second)
	rec := &capture{}
	bus.Subscribe("ChangeApplied", rec.handle)
	f := newFixture(t, false, WithBus(bus))

	f.send(t, "ctx-1", verifyMsg)
	f.send(t, "ctx-1", "change delivery to 3/15")
	f.store.FailUpdates(errors.New("disk full"))
	f.send(t, "ctx-1", "yes")

	require.Len(t, rec.events, 1)
	applied := rec.events[0].(*commbus.ChangeApplied)
	assert.False(t, applied.Succeeded())
	assert.Contains(t, *applied.Error, "disk full")
}

func TestShippingAgent_CompletionThroughBus(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second)
	model := testutil.NewMockCompleter()
	model.DefaultResponse = "From the bus."
	require.NoError(t, RegisterCompletionHandler(bus, model))

	f := newFixture(t, true, WithBus(bus))
	reply := f.send(t, "ctx-1", "hello")

	assert.Equal(t, "From the bus.", reply.Text)
	assert.Equal(t, 1, model.CallCount())
	assert.Zero(t, f.completer.CallCount())
}

func TestShippingAgent_OpenCircuitFallsBack(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second)
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(2, time.Hour, nil))
	model := testutil.NewMockCompleter().WithError(&llm.UnavailableError{Op: "complete", Cause: errors.New("timeout")})
	require.NoError(t, RegisterCompletionHandler(bus, model))
	f := newFixture(t, true, WithBus(bus))

	for i := 0; i < 4; i++ {
		reply := f.send(t, "ctx-1", "hello")
		assert.Equal(t, ModeFallback, reply.Mode)
	}
	assert.Equal(t, 2, model.CallCount(), "breaker stops calling the model after two failures")
}

func TestShippingAgent_ResetCommand(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second)
	f := newFixture(t, false, WithBus(bus))
	require.NoError(t, f.agent.RegisterCommandHandlers(bus))

	f.send(t, "ctx-1", verifyMsg)
	require.NoError(t, bus.Send(context.Background(), &commbus.ResetConversation{ContextID: "ctx-1"}))

	_, ok := f.agent.States().Get("ctx-1")
	assert.False(t, ok)
	assert.Zero(t, f.agent.History().Len("ctx-1"))
}

// =============================================================================
// Streaming
// =============================================================================

func collect(chunks *[]string) func(string) error {
	return func(c string) error {
		*chunks = append(*chunks, c)
		return nil
	}
}

func TestShippingAgent_StreamFallbackWords(t *testing.T) {
	f := newFixture(t, false)

	var chunks []string
	reply, err := f.agent.ProcessMessageStream(context.Background(), verifyMsg, "ctx-1", collect(&chunks))
	require.NoError(t, err)

	assert.Equal(t, "Order ", chunks[0])
	assert.Equal(t, "3DV7KU4PK54 ", chunks[1])
	assert.Equal(t, strings.Join(strings.Fields(reply.Text), " ")+" ", strings.Join(chunks, ""))
}

func TestShippingAgent_StreamModelChunks(t *testing.T) {
	f := newFixture(t, true)
	f.completer.Chunks = []string{"Your ", "order ", "ships soon."}

	var chunks []string
	reply, err := f.agent.ProcessMessageStream(context.Background(), "hello", "ctx-1", collect(&chunks))
	require.NoError(t, err)

	assert.Equal(t, ModeLLM, reply.Mode)
	assert.Equal(t, []string{"Your ", "order ", "ships soon."}, chunks)
	assert.Equal(t, "Your order ships soon.", reply.Text)
	assert.Equal(t, 2, f.agent.History().Len("ctx-1"))
}

func TestShippingAgent_StreamFailureFallsBack(t *testing.T) {
	f := newFixture(t, true)
	f.completer.WithError(&llm.UnavailableError{Op: "stream", Cause: errors.New("reset")})

	var chunks []string
	reply, err := f.agent.ProcessMessageStream(context.Background(), "hello", "ctx-1", collect(&chunks))
	require.NoError(t, err)

	assert.Equal(t, ModeFallback, reply.Mode)
	assert.Equal(t, "I'm ", chunks[0])
	assert.True(t, f.logger.Has("llm_stream_fallback"))
}

func TestShippingAgent_StreamConsumerAbort(t *testing.T) {
	f := newFixture(t, true)
	gone := errors.New("client disconnected")

	_, err := f.agent.ProcessMessageStream(context.Background(), "hello", "ctx-1", func(string) error { return gone })
	assert.ErrorIs(t, err, gone)
}

// =============================================================================
// Kernel Adapter
// =============================================================================

func TestShippingAgent_TurnWithKernel(t *testing.T) {
	f := newFixture(t, false)
	k := kernel.NewKernel(nil, nil)

	task, err := k.RunTurn(context.Background(), kernel.SubmitRequest{
		ContextID: "ctx-1",
		Message:   kernel.TextMessage(kernel.RoleUser, verifyMsg),
	}, f.agent.Turn)
	require.NoError(t, err)

	assert.Equal(t, kernel.TaskStateCompleted, task.Status.State)
	require.Len(t, task.Messages, 2)
	assert.Equal(t, kernel.RoleAgent, task.Messages[1].Role)
	assert.True(t, strings.HasPrefix(task.Messages[1].Text(), "Order 3DV7KU4PK54 verified!"))
}

func TestShippingAgent_TurnFailureMarksTask(t *testing.T) {
	a := NewShippingAgent(Config{}, brokenStore{})
	k := kernel.NewKernel(nil, nil)

	task, err := k.RunTurn(context.Background(), kernel.SubmitRequest{
		Message: kernel.TextMessage(kernel.RoleUser, verifyMsg),
	}, a.Turn)
	require.NoError(t, err)

	assert.Equal(t, kernel.TaskStateFailed, task.Status.State)
	assert.Contains(t, task.Status.Error.Message, "database is locked")
}

// =============================================================================
// Concurrency
// =============================================================================

func TestShippingAgent_ConcurrentContexts(t *testing.T) {
	f := newFixture(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctxID := fmt.Sprintf("ctx-%d", n)
			_, _ = f.agent.ProcessMessage(context.Background(), verifyMsg, ctxID)
			_, _ = f.agent.ProcessMessage(context.Background(), "when will it arrive?", ctxID)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, f.agent.States().Len())
}
