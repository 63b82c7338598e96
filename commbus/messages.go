// Package commbus provides CommBus Message Definitions.
//
// Categories:
//   - EVENT: Fire-and-forget, fan-out to subscribers
//   - QUERY: Request-response, single handler
//   - COMMAND: Fire-and-forget, single handler
package commbus

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// =============================================================================
// TASK LIFECYCLE EVENTS
// =============================================================================

// TaskCompleted is emitted when a turn finishes and its task is completed.
// Subscribers: metrics, audit logging.
type TaskCompleted struct {
	TaskID     string `json:"task_id"`
	ContextID  string `json:"context_id"`
	UserID     string `json:"user_id,omitempty"`
	Surface    string `json:"surface,omitempty"`
	Outcome    string `json:"outcome"`
	Mode       string `json:"mode"` // "llm" or "fallback"
	DurationMS int    `json:"duration_ms"`
}

// Category implements the Message interface.
func (m *TaskCompleted) Category() string { return string(MessageCategoryEvent) }

// TaskFailed is emitted when a turn raises and its task is failed.
type TaskFailed struct {
	TaskID    string `json:"task_id"`
	ContextID string `json:"context_id"`
	Error     string `json:"error"`
}

// Category implements the Message interface.
func (m *TaskFailed) Category() string { return string(MessageCategoryEvent) }

// TaskCanceled is emitted when a task is canceled by request.
type TaskCanceled struct {
	TaskID    string `json:"task_id"`
	ContextID string `json:"context_id"`
}

// Category implements the Message interface.
func (m *TaskCanceled) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// ORDER EVENTS
// =============================================================================

// OrderVerified is emitted when an order id and email pair matches a record.
type OrderVerified struct {
	ContextID string `json:"context_id"`
	OrderID   string `json:"order_id"`
}

// Category implements the Message interface.
func (m *OrderVerified) Category() string { return string(MessageCategoryEvent) }

// OrderNotFound is emitted when a verification attempt matches nothing.
type OrderNotFound struct {
	ContextID string `json:"context_id"`
	OrderID   string `json:"order_id"`
}

// Category implements the Message interface.
func (m *OrderNotFound) Category() string { return string(MessageCategoryEvent) }

// ChangeStaged is emitted when a proposed change is held for confirmation.
type ChangeStaged struct {
	ContextID string `json:"context_id"`
	OrderID   string `json:"order_id"`
	Field     string `json:"field"` // "delivery_date" or "address"
	Value     string `json:"value"`
}

// Category implements the Message interface.
func (m *ChangeStaged) Category() string { return string(MessageCategoryEvent) }

// ChangeApplied is emitted after a confirmed change was written to the store.
type ChangeApplied struct {
	ContextID string  `json:"context_id"`
	OrderID   string  `json:"order_id"`
	Field     string  `json:"field"`
	Value     string  `json:"value"`
	Error     *string `json:"error,omitempty"` // set when the write failed
}

// Category implements the Message interface.
func (m *ChangeApplied) Category() string { return string(MessageCategoryEvent) }

// Succeeded reports whether the write went through.
func (m *ChangeApplied) Succeeded() bool { return m.Error == nil }

// ChangeCancelled is emitted when the user drops pending changes.
type ChangeCancelled struct {
	ContextID string   `json:"context_id"`
	OrderID   string   `json:"order_id"`
	Fields    []string `json:"fields"`
}

// Category implements the Message interface.
func (m *ChangeCancelled) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// ChatMessage is one history entry carried by CompleteReply.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompleteReply asks the text-completion service for a reply.
type CompleteReply struct {
	ContextID    string        `json:"context_id"`
	SystemPrompt string        `json:"system_prompt"`
	History      []ChatMessage `json:"history"`
	UserMessage  string        `json:"user_message"`
}

// Category implements the Message interface.
func (m *CompleteReply) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *CompleteReply) IsQuery() {}

// CompleteReplyResponse is the reply text.
type CompleteReplyResponse struct {
	Text string `json:"text"`
}

// HealthCheckRequest asks a component for its health.
type HealthCheckRequest struct {
	Component string `json:"component"`
}

// Category implements the Message interface.
func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse reports component health.
type HealthCheckResponse struct {
	Status     HealthStatus      `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// =============================================================================
// COMMANDS
// =============================================================================

// ResetConversation drops the verification state and history of a context.
type ResetConversation struct {
	ContextID string `json:"context_id"`
}

// Category implements the Message interface.
func (m *ResetConversation) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their own type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *TaskCompleted:
		return "TaskCompleted"
	case *TaskFailed:
		return "TaskFailed"
	case *TaskCanceled:
		return "TaskCanceled"
	case *OrderVerified:
		return "OrderVerified"
	case *OrderNotFound:
		return "OrderNotFound"
	case *ChangeStaged:
		return "ChangeStaged"
	case *ChangeApplied:
		return "ChangeApplied"
	case *ChangeCancelled:
		return "ChangeCancelled"
	case *CompleteReply:
		return "CompleteReply"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	case *ResetConversation:
		return "ResetConversation"
	default:
		return "Unknown"
	}
}
