// Package chat orchestrates one stateless chat turn.
//
// A turn moves through a fixed sequence: resolve conversation → load
// history → persist user message → run agent → persist assistant
// message → respond. Nothing is cached between turns; every request
// rebuilds its context from storage, so any server instance can handle
// any turn for any conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"taskbot/internal/agent"
	"taskbot/internal/store"
)

// MaxMessageLen bounds the incoming chat message, in characters.
const MaxMessageLen = 1000

// Turn-level errors, each mapping to one HTTP status at the API layer.
var (
	// ErrEmptyMessage and ErrMessageTooLong are validation failures,
	// raised before anything is written or any model is called.
	ErrEmptyMessage   = errors.New("message must not be empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLen)

	// ErrNotFound covers absent and foreign-owned conversations alike.
	ErrNotFound = errors.New("conversation not found")

	// ErrAgentTimeout means the wall-clock budget expired mid-run. The
	// user's message is already durably stored when this is returned,
	// so a retry does not require resubmitting it.
	ErrAgentTimeout = errors.New("agent timed out")
)

// Runner is the agent interface the orchestrator drives. Satisfied by
// [agent.Runner]; tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, userID string, history []store.Message, userMessage string) (string, []agent.ToolCallRecord, error)
}

// Result is one completed turn.
type Result struct {
	Response       string                 `json:"response"`
	ConversationID string                 `json:"conversation_id"`
	ToolCalls      []agent.ToolCallRecord `json:"tool_calls"`
}

// Orchestrator executes chat turns against durable storage.
type Orchestrator struct {
	store        *store.SQLiteStore
	runner       Runner
	logger       *slog.Logger
	historyLimit int
	agentTimeout time.Duration
}

// NewOrchestrator creates an orchestrator. historyLimit is the context
// window in messages; agentTimeout is the per-turn wall-clock budget.
func NewOrchestrator(st *store.SQLiteStore, runner Runner, logger *slog.Logger, historyLimit int, agentTimeout time.Duration) *Orchestrator {
	if historyLimit <= 0 {
		historyLimit = 20
	}
	if agentTimeout <= 0 {
		agentTimeout = 30 * time.Second
	}
	return &Orchestrator{
		store:        st,
		runner:       runner,
		logger:       logger,
		historyLimit: historyLimit,
		agentTimeout: agentTimeout,
	}
}

// History returns the most recent window of a conversation owned by
// userID, in ascending chronological order. Read-only; calling it twice
// without intervening writes yields identical sequences.
func (o *Orchestrator) History(ctx context.Context, conversationID, userID string) (*store.Conversation, []store.Message, error) {
	conv, err := o.store.GetConversation(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	msgs, err := o.store.RecentMessages(ctx, conv.ID, o.historyLimit)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// Turn executes one complete chat turn for userID. conversationID may
// be empty, in which case a new conversation is created and its id
// returned in the result.
//
// The user message is persisted before the agent runs; if the run then
// fails or times out, the turn reports an error but the message stays
// visible on the next history load, so the caller can retry without
// resubmitting. Exactly one user and at most one assistant message are
// appended per call.
func (o *Orchestrator) Turn(ctx context.Context, userID, conversationID, message string) (*Result, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(message) > MaxMessageLen {
		return nil, ErrMessageTooLong
	}

	// Resolve or create the conversation. Ownership is checked here;
	// absent and foreign-owned ids fail identically.
	var conv *store.Conversation
	var err error
	if conversationID != "" {
		conv, err = o.store.GetConversation(ctx, conversationID, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("resolve conversation: %w", err)
		}
	} else {
		conv, err = o.store.CreateConversation(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
	}

	// Load the window BEFORE appending the new message: the prompt is
	// history + current input, not history including it.
	history, err := o.store.RecentMessages(ctx, conv.ID, o.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	// Persist the user message before the agent runs so it survives
	// any downstream failure.
	if _, err := o.store.AppendMessage(ctx, conv.ID, store.RoleUser, message); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}

	// First user message titles the conversation.
	if err := o.store.SetTitleIfEmpty(ctx, conv.ID, message); err != nil {
		o.logger.Warn("set conversation title failed", "conversation", conv.ID, "error", err)
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, o.agentTimeout)
	defer cancel()

	reply, records, err := o.runner.Run(runCtx, userID, history, message)
	if err != nil {
		// A tool already dispatched may still have landed; that is
		// visible on the next read and intentionally not rolled back.
		if errors.Is(err, context.DeadlineExceeded) {
			o.logger.Warn("agent timed out",
				"conversation", conv.ID,
				"elapsed", time.Since(start),
				"tool_calls", len(records),
			)
			return nil, ErrAgentTimeout
		}
		return nil, fmt.Errorf("agent run: %w", err)
	}

	if _, err := o.store.AppendMessage(ctx, conv.ID, store.RoleAssistant, reply); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}

	o.logger.Info("turn completed",
		"conversation", conv.ID,
		"history", len(history),
		"tool_calls", len(records),
		"elapsed", time.Since(start),
	)

	if records == nil {
		records = []agent.ToolCallRecord{}
	}

	return &Result{
		Response:       reply,
		ConversationID: conv.ID,
		ToolCalls:      records,
	}, nil
}
