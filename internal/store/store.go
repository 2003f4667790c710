// Package store provides SQLite persistence for conversations,
// messages, and tasks.
//
// Every read of a conversation or task is scoped to (id, owner). A row
// that does not exist and a row owned by someone else are deliberately
// indistinguishable: both surface as [ErrNotFound]. Callers map that to
// HTTP 404, never 403, so existence cannot be probed across tenants.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist for the given
// owner. Absent rows and foreign-owned rows return the same error.
var ErrNotFound = errors.New("not found")

// Message roles. Messages are immutable once written; the transcript
// only ever contains these two roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is a chat thread owned by a single user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one immutable transcript entry.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"-"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Task is one todo item owned by a single user.
type Task struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskFilter selects tasks by completion state.
type TaskFilter string

const (
	TaskFilterAll       TaskFilter = "all"
	TaskFilterPending   TaskFilter = "pending"
	TaskFilterCompleted TaskFilter = "completed"
)

// TaskUpdate carries optional field changes. Nil means "leave as is".
type TaskUpdate struct {
	Title       *string
	Description *string
}
