package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/shippingagent/commbus"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/llm"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/observability"
)

var errNoCompleter = errors.New("no completer configured")

// =============================================================================
// Bus Handlers
// =============================================================================

// RegisterCompletionHandler serves CompleteReply queries with c.
func RegisterCompletionHandler(bus commbus.CommBus, c llm.Completer) error {
	return bus.RegisterHandler("CompleteReply", func(ctx context.Context, msg commbus.Message) (any, error) {
		q, ok := msg.(*commbus.CompleteReply)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		req := llm.Request{SystemPrompt: q.SystemPrompt, UserMessage: q.UserMessage}
		for _, m := range q.History {
			req.History = append(req.History, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
		}
		text, err := c.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		return &commbus.CompleteReplyResponse{Text: text}, nil
	})
}

// RegisterCommandHandlers registers the agent's command handlers on bus.
func (a *ShippingAgent) RegisterCommandHandlers(bus commbus.CommBus) error {
	return bus.RegisterHandler("ResetConversation", func(ctx context.Context, msg commbus.Message) (any, error) {
		cmd, ok := msg.(*commbus.ResetConversation)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		a.Reset(cmd.ContextID)
		return nil, nil
	})
}

// =============================================================================
// Metrics Subscriber
// =============================================================================

// SubscribeMetrics records task and order events as metrics. The returned
// func unsubscribes.
func SubscribeMetrics(bus commbus.CommBus) func() {
	record := func(fn func(commbus.Message)) commbus.HandlerFunc {
		return func(ctx context.Context, msg commbus.Message) (any, error) {
			fn(msg)
			return nil, nil
		}
	}

	unsubs := []func(){
		bus.Subscribe("TaskCompleted", record(func(commbus.Message) {
			observability.RecordTaskTerminal("completed")
		})),
		bus.Subscribe("TaskFailed", record(func(commbus.Message) {
			observability.RecordTaskTerminal("failed")
		})),
		bus.Subscribe("TaskCanceled", record(func(commbus.Message) {
			observability.RecordTaskTerminal("canceled")
		})),
		bus.Subscribe("OrderVerified", record(func(commbus.Message) {
			observability.RecordOrderEvent("verified")
		})),
		bus.Subscribe("OrderNotFound", record(func(commbus.Message) {
			observability.RecordOrderEvent("not_found")
		})),
		bus.Subscribe("ChangeStaged", record(func(commbus.Message) {
			observability.RecordOrderEvent("staged")
		})),
		bus.Subscribe("ChangeApplied", record(func(msg commbus.Message) {
			if m, ok := msg.(*commbus.ChangeApplied); ok && !m.Succeeded() {
				observability.RecordOrderEvent("apply_failed")
				return
			}
			observability.RecordOrderEvent("applied")
		})),
		bus.Subscribe("ChangeCancelled", record(func(commbus.Message) {
			observability.RecordOrderEvent("cancelled")
		})),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
