package agent

import (
	"fmt"
	"strings"
)

// Markers appended to the system prompt. The prompt text tells the model how
// to phrase a reply for each of them.
const (
	MarkerPendingDate    = "PENDING_DATE_CHANGE:"
	MarkerPendingAddress = "PENDING_ADDRESS_CHANGE:"
	MarkerSystem         = "SYSTEM:"
	MarkerCancelled      = "CANCELLED: User cancelled the pending change."
	MarkerNotFound       = "Order not found or email doesn't match."
)

const systemPromptTemplate = `You are a helpful shipping assistant for %s.
Your tone should be %s.
Keep responses concise (2-3 sentences) and actionable.
Do not use emojis in your responses.

You help customers with:
- Checking delivery dates for their orders
- Updating delivery dates
- Updating shipping addresses
- Answering questions about their shipments

IMPORTANT SECURITY:
- Always require both Order ID AND email address for verification
- If the user hasn't provided both, politely ask for the missing information
- Never share full details until verification is complete

CRITICAL - Responding to Order Verification:
- If you see a "Verified Order Context" section, the order is ALREADY VERIFIED
- DO NOT say "I'm verifying", "Please wait", "I'm checking", or "Let me look that up"
- Read the Verified Order Context and use the real values directly in your response
- Your response MUST include the actual Customer name, Order ID, and Delivery Date from the context
- Do NOT use any placeholder text in brackets - only use real data from the context
- If verified order info is not in the context, ask for Order ID and email

CRITICAL - Handling Update Requests:
- If user asks to change/update something but DOES NOT provide the new date/address:
  * Ask them: "What date would you like to change it to?" or "What is your new address?"
  * DO NOT invent or suggest dates
  * WAIT for them to provide the specific information
- When you see "PENDING_DATE_CHANGE:" followed by a date in the context:
  * Use the exact date shown after "PENDING_DATE_CHANGE:" in your response
  * Respond ONLY: "Your delivery date will be changed to <the date> for order <order_id>."
  * DO NOT mention confirmation, buttons, or next steps
  * Just state what will change, nothing more
- When you see "PENDING_ADDRESS_CHANGE:" followed by an address in the context:
  * Use the exact address shown after "PENDING_ADDRESS_CHANGE:" in your response
  * Respond ONLY: "Your shipping address will be changed to <the address> for order <order_id>."
  * DO NOT mention confirmation, buttons, or next steps
- When you see "SYSTEM:" followed by "successfully updated in database":
  * Respond ONLY: "Your delivery date has been updated successfully." or "Your shipping address has been updated successfully." depending on what was updated
  * Do NOT repeat the date or address unless it appears in the SYSTEM message
- When you see "CANCELLED: User cancelled the pending change":
  * Respond: "Okay, I've cancelled that change."
- NEVER invent dates or addresses - only use what the user provides
- NEVER claim an update is complete unless you see the SYSTEM confirmation message
- NEVER mention "Confirm" or "Cancel" buttons - they appear automatically

When you don't have specific order information yet, guide the user to provide their Order ID and email address for verification.`

// PromptBuilder renders the system prompt for a step.
type PromptBuilder struct {
	BrandName string
	BrandTone string
}

// Base returns the system prompt without any turn context.
func (p *PromptBuilder) Base() string {
	return fmt.Sprintf(systemPromptTemplate, p.BrandName, p.BrandTone)
}

// Build returns the base prompt followed by the step's context block and
// markers.
func (p *PromptBuilder) Build(step *Step) string {
	var b strings.Builder
	b.WriteString(p.Base())

	if step.Outcome == OutcomeNotFound {
		section(&b, MarkerNotFound)
		return b.String()
	}

	if o := step.Order(); o != nil {
		section(&b, fmt.Sprintf("Verified Order Context:\n- Order ID: %s\n- Customer: %s\n- Email: %s\n- Delivery Date: %s\n- Address: %s",
			o.OrderID, o.FullName(), o.Email, o.DeliveryDate, o.Address()))
	}
	if len(step.Cancelled) > 0 {
		section(&b, MarkerCancelled)
	}
	if step.StagedDate != "" {
		section(&b, MarkerPendingDate+" "+step.StagedDate)
	}
	if step.StagedAddress != nil {
		section(&b, MarkerPendingAddress+" "+step.StagedAddress.String())
	}
	if step.AppliedDate != "" {
		section(&b, fmt.Sprintf("%s Delivery date successfully updated to %s in database.", MarkerSystem, step.AppliedDate))
	}
	if step.AppliedAddress != nil {
		section(&b, fmt.Sprintf("%s Address successfully updated to %s in database.", MarkerSystem, step.AppliedAddress))
	}
	for _, f := range step.Failed {
		switch f.Field {
		case FieldDeliveryDate:
			section(&b, MarkerSystem+" Failed to update delivery date in database.")
		case FieldAddress:
			section(&b, MarkerSystem+" Failed to update address in database.")
		}
	}
	return b.String()
}

func section(b *strings.Builder, text string) {
	b.WriteString("\n\n")
	b.WriteString(text)
}
