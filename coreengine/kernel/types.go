// Package kernel implements the task lifecycle layer of the shipping agent.
//
// Every inbound message becomes a Task: an immutable record of one
// request/response turn that moves from working to a terminal state.
//
// Key concepts:
//   - TaskState: working -> completed | failed | canceled
//   - Task: transcript, status and caller metadata for one turn
//   - Context index: the ordered task ids produced by a conversation
package kernel

import (
	"strings"
	"time"
)

// =============================================================================
// Task States
// =============================================================================

// TaskState represents the lifecycle state of a task.
// State transitions:
//
//	WORKING -> COMPLETED | FAILED | CANCELED
type TaskState string

const (
	// TaskStateWorking indicates the turn is being processed.
	TaskStateWorking TaskState = "working"
	// TaskStateCompleted indicates the agent produced a reply.
	TaskStateCompleted TaskState = "completed"
	// TaskStateFailed indicates processing raised an error.
	TaskStateFailed TaskState = "failed"
	// TaskStateCanceled indicates the task was canceled by request.
	TaskStateCanceled TaskState = "canceled"
)

// IsTerminal returns true if no further transition is possible.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCanceled
}

// ErrorCodeProcessing is the error code recorded on failed turns.
const ErrorCodeProcessing = "PROCESSING_ERROR"

// =============================================================================
// Task Record
// =============================================================================

// Message roles in a task transcript.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Part is one piece of message content. Only text parts are produced.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// TaskMessage is one transcript entry.
type TaskMessage struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a message holding a single text part.
func TextMessage(role, text string) TaskMessage {
	return TaskMessage{Role: role, Parts: []Part{{Kind: "text", Text: text}}}
}

// Text joins the text parts of the message with single spaces.
func (m TaskMessage) Text() string {
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Kind == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, " ")
}

// TaskError describes why a task failed.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskStatus is the current state plus an optional error.
type TaskStatus struct {
	State TaskState  `json:"state"`
	Error *TaskError `json:"error,omitempty"`
}

// TaskMetadata carries caller identity and client surface.
type TaskMetadata struct {
	UserID  string `json:"userId,omitempty"`
	Surface string `json:"surface,omitempty"`
}

// Task is the record of one turn.
type Task struct {
	ID        string        `json:"id"`
	ContextID string        `json:"contextId"`
	Status    TaskStatus    `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	Messages  []TaskMessage `json:"messages"`
	Artifacts []any         `json:"artifacts"`
	Metadata  *TaskMetadata `json:"metadata,omitempty"`
}

// IsTerminal checks if the task reached an end state.
func (t *Task) IsTerminal() bool {
	return t.Status.State.IsTerminal()
}

// Clone returns a deep copy so callers never share the stored record.
func (t *Task) Clone() *Task {
	c := *t
	if t.Status.Error != nil {
		e := *t.Status.Error
		c.Status.Error = &e
	}
	c.Messages = make([]TaskMessage, len(t.Messages))
	for i, m := range t.Messages {
		parts := make([]Part, len(m.Parts))
		copy(parts, m.Parts)
		c.Messages[i] = TaskMessage{Role: m.Role, Parts: parts}
	}
	c.Artifacts = make([]any, len(t.Artifacts))
	copy(c.Artifacts, t.Artifacts)
	if t.Metadata != nil {
		md := *t.Metadata
		c.Metadata = &md
	}
	return &c
}

// =============================================================================
// Submission
// =============================================================================

// SubmitRequest describes a new turn.
type SubmitRequest struct {
	TaskID    string      // optional, generated when empty
	ContextID string      // optional, generated when empty
	Message   TaskMessage // the inbound user message
	UserID    string
	Surface   string
}

func (r SubmitRequest) metadata() *TaskMetadata {
	if r.UserID == "" && r.Surface == "" {
		return nil
	}
	return &TaskMetadata{UserID: r.UserID, Surface: r.Surface}
}
