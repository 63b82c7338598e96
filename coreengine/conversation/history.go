package conversation

import "sync"

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat history entry.
type Message struct {
	Role    Role
	Content string
}

// DefaultHistoryWindow is how many messages are handed to the model.
const DefaultHistoryWindow = 10

// History keeps the chat transcript of each context. At most maxKept
// messages are retained per context; Recent returns the last window.
type History struct {
	window  int
	maxKept int
	byCtx   map[string][]Message
	mu      sync.RWMutex
}

// NewHistory creates a history that returns the last window messages.
func NewHistory(window int) *History {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &History{window: window, maxKept: window * 4, byCtx: make(map[string][]Message)}
}

// Window returns the configured window size.
func (h *History) Window() int {
	return h.window
}

// Append records one turn: the user message followed by the reply.
func (h *History) Append(contextID, userMessage, reply string) {
	if contextID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.byCtx[contextID],
		Message{Role: RoleUser, Content: userMessage},
		Message{Role: RoleAssistant, Content: reply},
	)
	if len(msgs) > h.maxKept {
		msgs = append([]Message(nil), msgs[len(msgs)-h.maxKept:]...)
	}
	h.byCtx[contextID] = msgs
}

// Recent returns a copy of the last window messages of a context.
func (h *History) Recent(contextID string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.byCtx[contextID]
	if len(msgs) > h.window {
		msgs = msgs[len(msgs)-h.window:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Len returns the number of retained messages of a context.
func (h *History) Len(contextID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byCtx[contextID])
}

// Delete forgets a context's history.
func (h *History) Delete(contextID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byCtx, contextID)
}
