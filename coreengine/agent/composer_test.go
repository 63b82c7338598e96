package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jeeves-cluster-organization/shippingagent/coreengine/conversation"
	"github.com/jeeves-cluster-organization/shippingagent/coreengine/orders"
)

func demoOrder() orders.Order {
	return orders.SeedOrders()[0]
}

func verifiedStep(outcome Outcome) *Step {
	return &Step{Outcome: outcome, State: conversation.VerifiedState(demoOrder())}
}

func TestComposer_Replies(t *testing.T) {
	c := &Composer{BrandName: "Acme"}
	addr := orders.Address{Street: "123 Main Street", City: "Los Angeles", State: "California", Zipcode: "90210"}

	staged := verifiedStep(OutcomeStaged)
	staged.StagedDate = "3/15/2026"

	both := verifiedStep(OutcomeStaged)
	both.StagedDate = "3/15/2026"
	both.StagedAddress = &addr

	applied := verifiedStep(OutcomeApplied)
	applied.AppliedAddress = &addr

	failed := verifiedStep(OutcomeApplyFailed)
	failed.Failed = []FailedChange{{Field: FieldDeliveryDate, Value: "3/15/2026", Err: errors.New("write failed")}}

	tests := []struct {
		name    string
		message string
		step    *Step
		want    string
	}{
		{
			name: "verified",
			step: verifiedStep(OutcomeVerified),
			want: "Order 3DV7KU4PK54 verified! Your delivery to Sacramento, California is scheduled for 12/14/2026. How can I help you with this order?",
		},
		{
			name: "not found",
			step: &Step{Outcome: OutcomeNotFound},
			want: NotFoundReply,
		},
		{
			name: "staged date",
			step: staged,
			want: "Your delivery date will be changed to 3/15/2026 for order 3DV7KU4PK54. Reply yes to confirm or no to cancel.",
		},
		{
			name: "staged both",
			step: both,
			want: "Your delivery date will be changed to 3/15/2026 for order 3DV7KU4PK54. " +
				"Your shipping address will be changed to 123 Main Street, Los Angeles, California 90210 for order 3DV7KU4PK54. " +
				"Reply yes to confirm or no to cancel.",
		},
		{
			name: "applied address",
			step: applied,
			want: "Your shipping address has been updated to 123 Main Street, Los Angeles, California 90210.",
		},
		{
			name: "apply failed",
			step: failed,
			want: "I couldn't change your delivery date to 3/15/2026 right now. Reply yes to try again.",
		},
		{
			name: "cancelled",
			step: &Step{Outcome: OutcomeCancelled, Cancelled: []string{FieldDeliveryDate}, State: conversation.VerifiedState(demoOrder())},
			want: CancelledReply,
		},
		{
			name:    "delivery question",
			message: "When does it arrive?",
			step:    verifiedStep(OutcomeReply),
			want:    "Your order 3DV7KU4PK54 is scheduled for delivery on 12/14/2026.",
		},
		{
			name:    "address question",
			message: "where is it going",
			step:    verifiedStep(OutcomeReply),
			want:    "Your order will be delivered to 6 Arrowood Court, Sacramento, California 94291.",
		},
		{
			name:    "verified small talk",
			message: "thanks",
			step:    verifiedStep(OutcomeReply),
			want:    "I'm here to help with your Acme shipping questions! To check your order status or make changes, please provide your Order ID and email address.",
		},
		{
			name:    "unverified question",
			message: "when will my order arrive?",
			step:    &Step{Outcome: OutcomeReply},
			want:    "I'm here to help with your Acme shipping questions! To check your order status or make changes, please provide your Order ID and email address.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Compose(tt.message, tt.step))
		})
	}
}

func TestComposer_NeverInventsValues(t *testing.T) {
	c := &Composer{BrandName: "Acme"}
	step := verifiedStep(OutcomeReply)

	for _, msg := range []string{"when", "address", "hello"} {
		reply := c.Compose(msg, step)
		for _, fragment := range []string{"[", "<", "{"} {
			assert.False(t, strings.Contains(reply, fragment), "placeholder in %q", reply)
		}
	}
}

func TestComposer_Greeting(t *testing.T) {
	c := &Composer{}
	o := demoOrder()
	assert.Equal(t, "Hi Cassandry! Your order 3DV7KU4PK54 is scheduled for delivery on 12/14/2026. How can I help you today?", c.Greeting(&o))
}

// =============================================================================
// Prompt
// =============================================================================

func TestPromptBuilder_Base(t *testing.T) {
	p := &PromptBuilder{BrandName: "Acme", BrandTone: "warm"}
	base := p.Base()

	assert.True(t, strings.HasPrefix(base, "You are a helpful shipping assistant for Acme.\nYour tone should be warm.\n"))
	assert.Contains(t, base, "IMPORTANT SECURITY:")
	assert.Contains(t, base, "CRITICAL - Handling Update Requests:")
}

func TestPromptBuilder_Markers(t *testing.T) {
	p := &PromptBuilder{BrandName: "Acme", BrandTone: "warm"}
	addr := orders.Address{Street: "123 Main Street", City: "Los Angeles", State: "California", Zipcode: "90210"}

	staged := verifiedStep(OutcomeStaged)
	staged.Cancelled = []string{FieldAddress}
	staged.StagedDate = "3/15/2026"
	prompt := p.Build(staged)
	assert.Contains(t, prompt, "Verified Order Context:\n- Order ID: 3DV7KU4PK54\n- Customer: Cassandry Worshall")
	assert.Contains(t, prompt, "\n\nCANCELLED: User cancelled the pending change.")
	assert.Contains(t, prompt, "\n\nPENDING_DATE_CHANGE: 3/15/2026")
	assert.NotContains(t, prompt, "SYSTEM:")

	applied := verifiedStep(OutcomeApplied)
	applied.AppliedAddress = &addr
	applied.Failed = []FailedChange{{Field: FieldDeliveryDate, Value: "3/15/2026", Err: errors.New("x")}}
	prompt = p.Build(applied)
	assert.Contains(t, prompt, "SYSTEM: Address successfully updated to 123 Main Street, Los Angeles, California 90210 in database.")
	assert.Contains(t, prompt, "SYSTEM: Failed to update delivery date in database.")

	pendingAddr := verifiedStep(OutcomeStaged)
	pendingAddr.StagedAddress = &addr
	assert.Contains(t, p.Build(pendingAddr), "PENDING_ADDRESS_CHANGE: 123 Main Street, Los Angeles, California 90210")
}

func TestPromptBuilder_NotFoundAndUnverified(t *testing.T) {
	p := &PromptBuilder{BrandName: "Acme", BrandTone: "warm"}

	notFound := p.Build(&Step{Outcome: OutcomeNotFound})
	assert.True(t, strings.HasSuffix(notFound, "\n\n"+MarkerNotFound))

	assert.Equal(t, p.Base(), p.Build(&Step{Outcome: OutcomeReply}))
}
