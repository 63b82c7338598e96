package agent

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/shippingagent/commbus"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/conversation"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/extract"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/kernel"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/llm"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

// Reply modes.
const (
	ModeLLM      = "llm"
	ModeFallback = "fallback"
	ModeTemplate = "template"
)

var tracer = otel.Tracer("github.com/jeeves-cluster-organization/shippingagent/coreengine/agent")

// Config configures a ShippingAgent.
type Config struct {
	BrandName     string
	BrandTone     string
	LLMEnabled    bool
	HistoryWindow int
}

// DefaultConfig returns the default agent configuration.
func DefaultConfig() Config {
	return Config{
		BrandName:     "Brand Concierge Reference Agent",
		BrandTone:     "friendly and professional",
		LLMEnabled:    true,
		HistoryWindow: conversation.DefaultHistoryWindow,
	}
}

// Reply is the result of one turn.
type Reply struct {
	Text    string
	Outcome Outcome
	Mode    string
}

// Option configures a ShippingAgent.
type Option func(*ShippingAgent)

// WithBus routes model calls through the CompleteReply query and publishes
// order events on bus.
func WithBus(bus commbus.CommBus) Option {
	return func(a *ShippingAgent) { a.bus = bus }
}

// WithCompleter sets the model client. Streaming turns always call it
// directly; non-streaming turns use it when no bus handler is registered.
func WithCompleter(c llm.Completer) Option {
	return func(a *ShippingAgent) { a.completer = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(a *ShippingAgent) { a.logger = l }
}

// WithExtractor replaces the default extractor.
func WithExtractor(x *extract.Extractor) Option {
	return func(a *ShippingAgent) { a.extractor = x }
}

// WithStateStore replaces the conversation state store.
func WithStateStore(s *conversation.Store) Option {
	return func(a *ShippingAgent) { a.states = s }
}

// WithHistory replaces the chat history.
func WithHistory(h *conversation.History) Option {
	return func(a *ShippingAgent) { a.history = h }
}

// ShippingAgent answers order questions and applies confirmed changes.
//
// Turns within one context are serialized by the state store's per-context
// lock; turns in different contexts run in parallel.
type ShippingAgent struct {
	cfg       Config
	store     orders.Store
	states    *conversation.Store
	history   *conversation.History
	extractor *extract.Extractor
	orch      *Orchestrator
	composer  *Composer
	prompts   *PromptBuilder
	bus       commbus.CommBus
	completer llm.Completer
	logger    Logger
}

// NewShippingAgent creates an agent over store.
func NewShippingAgent(cfg Config, store orders.Store, opts ...Option) *ShippingAgent {
	defaults := DefaultConfig()
	if cfg.BrandName == "" {
		cfg.BrandName = defaults.BrandName
	}
	if cfg.BrandTone == "" {
		cfg.BrandTone = defaults.BrandTone
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaults.HistoryWindow
	}

	a := &ShippingAgent{cfg: cfg, store: store}
	for _, opt := range opts {
		opt(a)
	}
	if a.states == nil {
		a.states = conversation.NewStore()
	}
	if a.history == nil {
		a.history = conversation.NewHistory(cfg.HistoryWindow)
	}
	a.orch = NewOrchestrator(store, a.extractor, a.logger)
	a.composer = &Composer{BrandName: cfg.BrandName}
	a.prompts = &PromptBuilder{BrandName: cfg.BrandName, BrandTone: cfg.BrandTone}
	return a
}

// Config returns the agent configuration.
func (a *ShippingAgent) Config() Config {
	return a.cfg
}

// States returns the conversation state store.
func (a *ShippingAgent) States() *conversation.Store {
	return a.states
}

// History returns the chat history.
func (a *ShippingAgent) History() *conversation.History {
	return a.history
}

// =============================================================================
// Turns
// =============================================================================

// ProcessMessage runs one turn and returns the complete reply. An empty
// contextID runs the turn without reading or writing conversation state.
func (a *ShippingAgent) ProcessMessage(ctx context.Context, message, contextID string) (Reply, error) {
	return a.process(ctx, message, contextID, nil)
}

// ProcessMessageStream runs one turn and hands the reply to onChunk as it is
// produced. Model output is forwarded chunk by chunk; deterministic replies
// are sent one word at a time, each followed by a space. An error from
// onChunk aborts the turn after the state was already committed.
func (a *ShippingAgent) ProcessMessageStream(ctx context.Context, message, contextID string, onChunk func(string) error) (Reply, error) {
	if onChunk == nil {
		onChunk = func(string) error { return nil }
	}
	return a.process(ctx, message, contextID, onChunk)
}

// Turn adapts ProcessMessage to kernel.TurnFunc.
func (a *ShippingAgent) Turn(ctx context.Context, task *kernel.Task) (kernel.TurnResult, error) {
	var text string
	if len(task.Messages) > 0 {
		text = task.Messages[len(task.Messages)-1].Text()
	}
	reply, err := a.ProcessMessage(ctx, text, task.ContextID)
	if err != nil {
		return kernel.TurnResult{}, err
	}
	return kernel.TurnResult{Reply: reply.Text, Outcome: string(reply.Outcome), Mode: reply.Mode}, nil
}

func (a *ShippingAgent) process(ctx context.Context, message, contextID string, onChunk func(string) error) (reply Reply, err error) {
	ctx, span := tracer.Start(ctx, "agent.process_message", trace.WithAttributes(
		attribute.String("shipping.context_id", contextID),
		attribute.Bool("shipping.stream", onChunk != nil),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("shipping.outcome", string(reply.Outcome)),
				attribute.String("shipping.mode", reply.Mode),
			)
		}
		span.End()
	}()

	var state conversation.State
	if contextID != "" {
		unlock := a.states.Lock(contextID)
		defer unlock()
		state, _ = a.states.Get(contextID)
	}

	step, err := a.orch.Step(ctx, contextID, message, state)
	if err != nil {
		a.log().Error("turn_failed", "context_id", contextID, "error", err.Error())
		return Reply{}, err
	}
	if contextID != "" && step.Changed {
		a.states.Set(contextID, step.State)
	}
	a.publishStep(ctx, contextID, step)

	var text, mode string
	if onChunk == nil {
		text, mode = a.respond(ctx, contextID, message, step)
	} else {
		text, mode, err = a.respondStream(ctx, contextID, message, step, onChunk)
		if err != nil {
			return Reply{}, err
		}
	}
	a.history.Append(contextID, message, text)

	durationMS := int(time.Since(start).Milliseconds())
	observability.RecordTurn(string(step.Outcome), mode, durationMS)
	a.log().Info("turn_processed",
		"context_id", contextID,
		"outcome", string(step.Outcome),
		"mode", mode,
		"duration_ms", durationMS,
	)
	return Reply{Text: text, Outcome: step.Outcome, Mode: mode}, nil
}

// respond picks the reply text for a non-streaming turn.
func (a *ShippingAgent) respond(ctx context.Context, contextID, message string, step *Step) (string, string) {
	if text, mode, ok := a.deterministic(message, step); ok {
		return text, mode
	}
	text, err := a.complete(ctx, a.request(contextID, message, step))
	if err != nil {
		a.log().Warn("llm_fallback", "context_id", contextID, "error", err.Error())
		return a.composer.Compose(message, step), ModeFallback
	}
	if strings.TrimSpace(text) == "" {
		text = TroubleReply
	}
	return text, ModeLLM
}

func (a *ShippingAgent) respondStream(ctx context.Context, contextID, message string, step *Step, onChunk func(string) error) (string, string, error) {
	if text, mode, ok := a.deterministic(message, step); ok {
		return text, mode, emitWords(text, onChunk)
	}
	if a.completer == nil {
		text := a.composer.Compose(message, step)
		return text, ModeFallback, emitWords(text, onChunk)
	}

	var sinkErr error
	sink := func(chunk string) error {
		if err := onChunk(chunk); err != nil {
			sinkErr = err
			return err
		}
		return nil
	}
	text, err := a.completer.Stream(ctx, a.request(contextID, message, step), sink)
	if sinkErr != nil {
		return "", "", sinkErr
	}
	if err != nil {
		a.log().Warn("llm_stream_fallback", "context_id", contextID, "error", err.Error())
		text = a.composer.Compose(message, step)
		return text, ModeFallback, emitWords(text, onChunk)
	}
	return text, ModeLLM, nil
}

// deterministic returns the reply when no model call is made: the model is
// off, or the turn verified an order and gets the fixed greeting.
func (a *ShippingAgent) deterministic(message string, step *Step) (string, string, bool) {
	if !a.cfg.LLMEnabled {
		return a.composer.Compose(message, step), ModeFallback, true
	}
	if step.Outcome == OutcomeVerified {
		return a.composer.Greeting(step.Order()), ModeTemplate, true
	}
	return "", "", false
}

func (a *ShippingAgent) request(contextID, message string, step *Step) llm.Request {
	var history []llm.Message
	if contextID != "" {
		for _, m := range a.history.Recent(contextID) {
			history = append(history, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
		}
	}
	return llm.Request{
		SystemPrompt: a.prompts.Build(step),
		History:      history,
		UserMessage:  message,
	}
}

// complete asks the model for a reply, through the bus when a CompleteReply
// handler is registered there.
func (a *ShippingAgent) complete(ctx context.Context, req llm.Request) (string, error) {
	if a.bus != nil && a.bus.HasHandler("CompleteReply") {
		query := &commbus.CompleteReply{
			SystemPrompt: req.SystemPrompt,
			UserMessage:  req.UserMessage,
		}
		for _, m := range req.History {
			query.History = append(query.History, commbus.ChatMessage{Role: string(m.Role), Content: m.Content})
		}
		result, err := a.bus.QuerySync(ctx, query)
		if err != nil {
			return "", err
		}
		resp, ok := result.(*commbus.CompleteReplyResponse)
		if !ok || resp == nil {
			return "", &llm.UnavailableError{Op: "complete", Cause: llm.ErrEmptyResponse}
		}
		return resp.Text, nil
	}
	if a.completer == nil {
		return "", &llm.UnavailableError{Op: "complete", Cause: errNoCompleter}
	}
	return a.completer.Complete(ctx, req)
}

// Reset drops a context's state and history.
func (a *ShippingAgent) Reset(contextID string) {
	a.states.Delete(contextID)
	a.history.Delete(contextID)
	a.log().Info("conversation_reset", "context_id", contextID)
}

// =============================================================================
// Events
// =============================================================================

func (a *ShippingAgent) publishStep(ctx context.Context, contextID string, step *Step) {
	if a.bus == nil {
		return
	}
	orderID := ""
	if o := step.Order(); o != nil {
		orderID = o.OrderID
	}

	switch step.Outcome {
	case OutcomeVerified:
		a.publish(ctx, &commbus.OrderVerified{ContextID: contextID, OrderID: orderID})
		return
	case OutcomeNotFound:
		a.publish(ctx, &commbus.OrderNotFound{ContextID: contextID, OrderID: step.LookupID})
		return
	}

	if len(step.Cancelled) > 0 {
		a.publish(ctx, &commbus.ChangeCancelled{ContextID: contextID, OrderID: orderID, Fields: step.Cancelled})
	}
	if step.StagedDate != "" {
		a.publish(ctx, &commbus.ChangeStaged{ContextID: contextID, OrderID: orderID, Field: FieldDeliveryDate, Value: step.StagedDate})
	}
	if step.StagedAddress != nil {
		a.publish(ctx, &commbus.ChangeStaged{ContextID: contextID, OrderID: orderID, Field: FieldAddress, Value: step.StagedAddress.String()})
	}
	if step.AppliedDate != "" {
		a.publish(ctx, &commbus.ChangeApplied{ContextID: contextID, OrderID: orderID, Field: FieldDeliveryDate, Value: step.AppliedDate})
	}
	if step.AppliedAddress != nil {
		a.publish(ctx, &commbus.ChangeApplied{ContextID: contextID, OrderID: orderID, Field: FieldAddress, Value: step.AppliedAddress.String()})
	}
	for _, f := range step.Failed {
		msg := f.Err.Error()
		a.publish(ctx, &commbus.ChangeApplied{ContextID: contextID, OrderID: orderID, Field: f.Field, Value: f.Value, Error: &msg})
	}
}

func (a *ShippingAgent) publish(ctx context.Context, event commbus.Message) {
	if err := a.bus.Publish(ctx, event); err != nil {
		a.log().Warn("event_publish_failed", "type", commbus.GetMessageType(event), "error", err.Error())
	}
}

func (a *ShippingAgent) log() Logger {
	if a.logger == nil {
		return commbus.NopLogger()
	}
	return a.logger
}

func emitWords(text string, onChunk func(string) error) error {
	for _, word := range strings.Fields(text) {
		if err := onChunk(word + " "); err != nil {
			return err
		}
	}
	return nil
}
