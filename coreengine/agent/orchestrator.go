// Package agent implements the shipping agent: the update orchestrator that
// verifies orders and stages, applies or cancels changes, the reply composer,
// the model prompt, and ShippingAgent, which runs one conversation turn.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/conversation"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/extract"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

// Outcome classifies what a turn did.
type Outcome string

const (
	OutcomeVerified    Outcome = "verified"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeStaged      Outcome = "staged"
	OutcomeApplied     Outcome = "applied"
	OutcomeApplyFailed Outcome = "apply_failed"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeReply       Outcome = "reply"
)

// Field names used in events and metrics.
const (
	FieldDeliveryDate = "delivery_date"
	FieldAddress      = "address"
)

// Logger is the logging interface used by the agent.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Step
// =============================================================================

// FailedChange is a confirmed change the store refused.
type FailedChange struct {
	Field string
	Value string
	Err   error
}

// Step is the result of running the orchestrator over one message.
type Step struct {
	Outcome  Outcome
	Entities extract.Entities

	// State is the conversation state after the step. Changed is false when
	// nothing needs to be written back.
	State   conversation.State
	Changed bool

	// LookupID is the order id of a failed verification.
	LookupID string

	StagedDate     string
	StagedAddress  *orders.Address
	AppliedDate    string
	AppliedAddress *orders.Address
	Failed         []FailedChange
	Cancelled      []string
}

// Order returns the verified snapshot after the step, or nil.
func (s *Step) Order() *orders.Order {
	return s.State.Verified
}

// Staged reports whether the step staged at least one change.
func (s *Step) Staged() bool {
	return s.StagedDate != "" || s.StagedAddress != nil
}

// Applied reports whether the step wrote at least one change.
func (s *Step) Applied() bool {
	return s.AppliedDate != "" || s.AppliedAddress != nil
}

func (s *Step) classify() {
	switch {
	case len(s.Failed) > 0:
		s.Outcome = OutcomeApplyFailed
	case s.Applied():
		s.Outcome = OutcomeApplied
	case s.Staged():
		s.Outcome = OutcomeStaged
	case len(s.Cancelled) > 0:
		s.Outcome = OutcomeCancelled
	default:
		s.Outcome = OutcomeReply
	}
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator is the verify, stage, confirm and cancel state machine. It is
// stateless itself: the caller passes the context's state in and persists
// Step.State when Step.Changed is set.
type Orchestrator struct {
	store     orders.Store
	extractor *extract.Extractor
	logger    Logger
}

// NewOrchestrator creates an orchestrator over store.
func NewOrchestrator(store orders.Store, extractor *extract.Extractor, logger Logger) *Orchestrator {
	if extractor == nil {
		extractor = extract.New(nil)
	}
	return &Orchestrator{store: store, extractor: extractor, logger: logger}
}

// Step runs one message against state. Errors are returned only for store
// failures other than a lookup miss or a refused write.
func (o *Orchestrator) Step(ctx context.Context, contextID, message string, state conversation.State) (*Step, error) {
	current := ""
	if state.Verified != nil {
		current = state.Verified.DeliveryDate
	}
	ents := o.extractor.Extract(message, current)
	o.debug("entities_extracted",
		"context_id", contextID,
		"order_id", ents.OrderID,
		"has_email", ents.Email != "",
		"date", ents.Date,
		"date_rule", ents.DateRule,
		"has_address", ents.Address != nil,
		"confirm", ents.Confirm,
		"cancel", ents.Cancel,
	)

	step := &Step{Entities: ents, State: state.Clone()}

	if ents.HasCredentials() {
		return o.verify(ctx, contextID, step)
	}
	if !step.State.IsVerified() {
		step.Outcome = OutcomeReply
		return step, nil
	}

	o.update(ctx, contextID, step)
	step.classify()
	return step, nil
}

func (o *Orchestrator) verify(ctx context.Context, contextID string, step *Step) (*Step, error) {
	ents := step.Entities
	order, err := o.store.Find(ctx, ents.OrderID, ents.Email)
	if errors.Is(err, orders.ErrNotFound) {
		o.info("order_not_found", "context_id", contextID, "order_id", ents.OrderID)
		step.Outcome = OutcomeNotFound
		step.LookupID = ents.OrderID
		return step, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify order %s: %w", ents.OrderID, err)
	}

	o.info("order_verified", "context_id", contextID, "order_id", order.OrderID)
	step.State = conversation.VerifiedState(*order)
	step.Changed = true
	step.Outcome = OutcomeVerified
	return step, nil
}

// update handles a message in a verified context: cancel, then the date
// slot, then the address slot. A new value in the message always stages;
// a confirmation applies whichever slots are pending.
func (o *Orchestrator) update(ctx context.Context, contextID string, step *Step) {
	ents := step.Entities
	st := &step.State

	if ents.Cancel && st.HasPending() {
		if st.PendingDate != nil {
			step.Cancelled = append(step.Cancelled, FieldDeliveryDate)
		}
		if st.PendingAddress != nil {
			step.Cancelled = append(step.Cancelled, FieldAddress)
		}
		st.ClearPending()
		step.Changed = true
		o.info("change_cancelled", "context_id", contextID, "fields", step.Cancelled)
	}

	switch {
	case ents.Date != "":
		date := ents.Date
		st.PendingDate = &date
		step.StagedDate = date
		step.Changed = true
		o.info("change_staged", "context_id", contextID, "field", FieldDeliveryDate, "value", date)
	case ents.Confirm && st.PendingDate != nil:
		o.apply(ctx, contextID, step, FieldDeliveryDate, *st.PendingDate, orders.DateUpdate(*st.PendingDate))
	}

	switch {
	case ents.Address != nil:
		addr := *ents.Address
		st.PendingAddress = &addr
		step.StagedAddress = &addr
		step.Changed = true
		o.info("change_staged", "context_id", contextID, "field", FieldAddress, "value", addr.String())
	case ents.Confirm && st.PendingAddress != nil:
		addr := *st.PendingAddress
		o.apply(ctx, contextID, step, FieldAddress, addr.String(), orders.AddressUpdate(addr))
	}
}

// apply issues one authorized write. On success the snapshot takes the new
// value and the slot is cleared; on failure the slot is kept for a retry.
func (o *Orchestrator) apply(ctx context.Context, contextID string, step *Step, field, value string, u orders.Update) {
	st := &step.State
	msg, err := o.store.Update(ctx, st.Verified.OrderID, st.Verified.Email, u)
	if err != nil {
		o.warn("order_update_failed",
			"context_id", contextID,
			"order_id", st.Verified.OrderID,
			"field", field,
			"error", err.Error(),
		)
		step.Failed = append(step.Failed, FailedChange{Field: field, Value: value, Err: err})
		return
	}

	o.info("order_updated", "context_id", contextID, "order_id", st.Verified.OrderID, "field", field, "result", msg)
	updated := st.Verified.Apply(u)
	st.Verified = &updated
	switch field {
	case FieldDeliveryDate:
		st.PendingDate = nil
		step.AppliedDate = value
	case FieldAddress:
		addr := updated.Address()
		st.PendingAddress = nil
		step.AppliedAddress = &addr
	}
	step.Changed = true
}

func (o *Orchestrator) debug(msg string, kv ...any) {
	if o.logger != nil {
		o.logger.Debug(msg, kv...)
	}
}

func (o *Orchestrator) info(msg string, kv ...any) {
	if o.logger != nil {
		o.logger.Info(msg, kv...)
	}
}

func (o *Orchestrator) warn(msg string, kv ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, kv...)
	}
}
