package agent

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/extract"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

// Fixed reply texts.
const (
	NotFoundReply  = "I couldn't find that order with the provided email address. Please double-check your Order ID and email, then try again."
	CancelledReply = "Okay, I've cancelled that change."
	TroubleReply   = "I'm having trouble responding right now."
)

var (
	dateQuestionWords    = []string{"date", "when", "delivery"}
	addressQuestionWords = []string{"address", "where"}
)

// Composer builds deterministic replies. Every order value it prints comes
// from the verified snapshot or the step's staged and applied values.
type Composer struct {
	BrandName string
}

// Greeting is the reply to a successful verification when the model is on.
func (c *Composer) Greeting(o *orders.Order) string {
	return fmt.Sprintf("Hi %s! Your order %s is scheduled for delivery on %s. How can I help you today?",
		o.FirstName, o.OrderID, o.DeliveryDate)
}

// Compose returns the fallback reply for a step.
func (c *Composer) Compose(message string, step *Step) string {
	switch step.Outcome {
	case OutcomeVerified:
		o := step.Order()
		return fmt.Sprintf("Order %s verified! Your delivery to %s, %s is scheduled for %s. How can I help you with this order?",
			o.OrderID, o.City, o.State, o.DeliveryDate)
	case OutcomeNotFound:
		return NotFoundReply
	case OutcomeStaged, OutcomeApplied, OutcomeApplyFailed:
		return c.changes(step)
	case OutcomeCancelled:
		return CancelledReply
	}
	return c.answer(message, step.Order())
}

func (c *Composer) changes(step *Step) string {
	o := step.Order()
	var parts []string
	if len(step.Cancelled) > 0 {
		parts = append(parts, CancelledReply)
	}
	if step.AppliedDate != "" {
		parts = append(parts, fmt.Sprintf("Your delivery date has been updated to %s.", step.AppliedDate))
	}
	if step.AppliedAddress != nil {
		parts = append(parts, fmt.Sprintf("Your shipping address has been updated to %s.", step.AppliedAddress))
	}
	for _, f := range step.Failed {
		switch f.Field {
		case FieldDeliveryDate:
			parts = append(parts, fmt.Sprintf("I couldn't change your delivery date to %s right now.", f.Value))
		case FieldAddress:
			parts = append(parts, fmt.Sprintf("I couldn't change your shipping address to %s right now.", f.Value))
		}
	}
	if step.StagedDate != "" {
		parts = append(parts, fmt.Sprintf("Your delivery date will be changed to %s for order %s.", step.StagedDate, o.OrderID))
	}
	if step.StagedAddress != nil {
		parts = append(parts, fmt.Sprintf("Your shipping address will be changed to %s for order %s.", step.StagedAddress, o.OrderID))
	}
	switch {
	case len(step.Failed) > 0:
		parts = append(parts, "Reply yes to try again.")
	case step.Staged():
		parts = append(parts, "Reply yes to confirm or no to cancel.")
	}
	return strings.Join(parts, " ")
}

func (c *Composer) answer(message string, o *orders.Order) string {
	if o != nil {
		lower := strings.ToLower(message)
		switch {
		case extract.ContainsKeyword(lower, dateQuestionWords):
			return fmt.Sprintf("Your order %s is scheduled for delivery on %s.", o.OrderID, o.DeliveryDate)
		case extract.ContainsKeyword(lower, addressQuestionWords):
			return fmt.Sprintf("Your order will be delivered to %s.", o.Address())
		}
	}
	return fmt.Sprintf("I'm here to help with your %s shipping questions! "+
		"To check your order status or make changes, please provide your Order ID and email address.", c.BrandName)
}
