// Package agent implements the bounded tool-calling loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"taskbot/internal/llm"
	"taskbot/internal/store"
	"taskbot/internal/tools"
)

// Client is the chat model interface the runner drives. Satisfied by
// [llm.OllamaClient]; tests substitute scripted fakes.
type Client interface {
	Chat(ctx context.Context, model string, messages []llm.Message, toolSpecs []map[string]any) (*llm.ChatResponse, error)
}

// ToolCallRecord reports one performed tool invocation. Records are
// transient: returned once in the turn's response and never persisted
// or replayed into later prompts.
type ToolCallRecord struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	Result map[string]any `json:"result"`
}

// fallbackReply is returned when the model burns the whole iteration
// budget without producing a final answer. Friendly text only — raw
// loop internals never reach the user.
const fallbackReply = "I'm having trouble completing that request right now. Please try rephrasing, or try again in a moment."

const instructions = `You are TaskBot, a friendly and helpful task management assistant.

You help users manage their tasks through natural conversation:
- Create tasks when users want to add, create, or remember something
- List tasks when users want to see or review their tasks
- Complete tasks when users say done, finished, or mark as done
- Update tasks when users want to change, rename, or modify
- Delete tasks when users want to remove or cancel

When users say "it", "that", or "the first one", use the conversation
for context. If the reference is ambiguous, call list_tasks first to
see what exists, or ask a brief clarifying question instead of guessing.

Style rules:
- Confirm actions: "I've added 'Buy groceries' to your tasks!"
- Be concise and conversational, never robotic
- Never show raw JSON, ids, or technical errors to users
- If a task isn't found, say "I couldn't find that task"`

// Runner executes one agent turn: it feeds the prompt to the model,
// dispatches any proposed tool calls through the registry, and loops
// until the model produces a plain text answer or the iteration budget
// runs out.
type Runner struct {
	client        Client
	registry      *tools.Registry
	logger        *slog.Logger
	model         string
	maxIterations int
}

// NewRunner creates a runner. maxIterations bounds model round-trips
// per turn; values below 1 are raised to a sane default.
func NewRunner(client Client, registry *tools.Registry, logger *slog.Logger, model string, maxIterations int) *Runner {
	if maxIterations < 1 {
		maxIterations = 10
	}
	return &Runner{
		client:        client,
		registry:      registry,
		logger:        logger,
		model:         model,
		maxIterations: maxIterations,
	}
}

// Run executes the loop for one turn. history is the chronological
// message window; userMessage is the new input (already persisted by
// the orchestrator before this call).
//
// The returned records list exactly the tool invocations performed, in
// order. Tool-level failures never abort the turn: they are fed back to
// the model as error results. The only error returns are model
// transport failures and context cancellation — the caller maps
// deadline expiry to its timeout taxonomy.
func (r *Runner) Run(ctx context.Context, userID string, history []store.Message, userMessage string) (string, []ToolCallRecord, error) {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: instructions})
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})

	var records []ToolCallRecord

	for iter := 0; iter < r.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return "", records, err
		}

		resp, err := r.client.Chat(ctx, r.model, messages, r.registry.Specs())
		if err != nil {
			if ctx.Err() != nil {
				return "", records, ctx.Err()
			}
			return "", records, fmt.Errorf("model call: %w", err)
		}

		// Terminal: plain text answer with no further tool calls.
		if len(resp.Message.ToolCalls) == 0 {
			content := resp.Message.Content
			if content == "" {
				r.logger.Warn("model returned empty answer", "iteration", iter)
				content = fallbackReply
			}
			return content, records, nil
		}

		messages = append(messages, resp.Message)

		for _, call := range resp.Message.ToolCalls {
			name := call.Function.Name
			args := call.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}

			// Unknown names are bounced back to the model without
			// dispatch and without a record: records list performed
			// invocations only.
			if !r.registry.Has(name) {
				r.logger.Warn("model proposed unknown tool", "tool", name)
				messages = append(messages, toolResultMessage(map[string]any{
					"error": fmt.Sprintf("unknown tool %q; available tools: %v", name, r.registry.Names()),
				}))
				continue
			}

			result := r.registry.Execute(ctx, userID, name, args)
			records = append(records, ToolCallRecord{Tool: name, Args: args, Result: result})

			r.logger.Info("tool dispatched",
				"tool", name,
				"iteration", iter,
				"failed", result["error"] != nil,
			)

			messages = append(messages, toolResultMessage(result))
		}
	}

	r.logger.Warn("iteration budget exhausted", "max_iterations", r.maxIterations, "tool_calls", len(records))
	return fallbackReply, records, nil
}

// toolResultMessage encodes a tool result as a "tool" role message for
// the model's working context.
func toolResultMessage(result map[string]any) llm.Message {
	data, err := json.Marshal(result)
	if err != nil {
		data = []byte(`{"error":"unencodable tool result"}`)
	}
	return llm.Message{Role: "tool", Content: string(data)}
}
