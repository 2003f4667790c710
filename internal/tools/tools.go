// Package tools defines the task operations available to the agent.
//
// The registry is a closed set: the six tools below are the only names
// the agent can dispatch, and unknown names are rejected before any
// handler runs. Every handler takes the caller's user id as an explicit
// parameter injected by the runner — the model has no way to name a
// different user, because identity is not part of any argument schema.
//
// Handlers never return Go errors across the boundary. Failures —
// missing arguments, absent records, storage trouble — come back as
// {"error": ...} result maps that the model is expected to narrate or
// recover from. A task owned by another user produces the exact same
// "Task not found" result as a task that does not exist.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"taskbot/internal/store"
)

// Tool names, exported so callers (the notifier's mutating set, tests)
// don't repeat string literals.
const (
	ToolAddTask      = "add_task"
	ToolListTasks    = "list_tasks"
	ToolGetTask      = "get_task"
	ToolUpdateTask   = "update_task"
	ToolCompleteTask = "complete_task"
	ToolDeleteTask   = "delete_task"
)

// Handler executes one tool for one caller. The returned map is the
// tool result fed back to the model and reported to the client.
type Handler func(ctx context.Context, userID string, args map[string]any) map[string]any

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry holds the available tools.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	store  *store.SQLiteStore
	logger *slog.Logger
}

// NewRegistry creates the task tool registry.
func NewRegistry(st *store.SQLiteStore, logger *slog.Logger) *Registry {
	r := &Registry{
		tools:  make(map[string]*Tool),
		store:  st,
		logger: logger,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.register(&Tool{
		Name:        ToolAddTask,
		Description: "Create a new task for the user. Use when the user wants to add, create, or remember something.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "The task title (1-200 characters)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional longer task description",
				},
			},
			"required": []string{"title"},
		},
		Handler: r.handleAddTask,
	})

	r.register(&Tool{
		Name:        ToolListTasks,
		Description: "List the user's tasks. Use when the user wants to see, show, or review their tasks.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status": map[string]any{
					"type":        "string",
					"description": "Filter by status: 'all', 'pending', or 'completed' (default 'all')",
				},
			},
		},
		Handler: r.handleListTasks,
	})

	r.register(&Tool{
		Name:        ToolGetTask,
		Description: "Get the details of one task by its id.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task id",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleGetTask,
	})

	r.register(&Tool{
		Name:        ToolUpdateTask,
		Description: "Change a task's title or description. Use when the user wants to rename or modify a task.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task id to update",
				},
				"title": map[string]any{
					"type":        "string",
					"description": "New title (optional)",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "New description (optional)",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleUpdateTask,
	})

	r.register(&Tool{
		Name:        ToolCompleteTask,
		Description: "Mark a task as done. Use when the user says done, finished, or complete.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task id to mark complete",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleCompleteTask,
	})

	r.register(&Tool{
		Name:        ToolDeleteTask,
		Description: "Delete a task permanently. Use when the user wants to remove or cancel a task.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task id to delete",
				},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleDeleteTask,
	})
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
}

// Has reports whether name is a known tool. The runner checks this
// before dispatch so unknown names never reach a handler.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Specs returns the tool definitions in the wire format the model
// expects, in stable registration order.
func (r *Registry) Specs() []map[string]any {
	specs := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return specs
}

// Execute dispatches a tool call on behalf of userID. The result map is
// always non-nil; failures carry an "error" key. Unknown names yield an
// error result as a defensive backstop, but callers should check Has
// first so such calls are never recorded as performed invocations.
func (r *Registry) Execute(ctx context.Context, userID, name string, args map[string]any) map[string]any {
	tool, ok := r.tools[name]
	if !ok {
		return errResult(fmt.Sprintf("unknown tool: %s", name))
	}

	result := tool.Handler(ctx, userID, args)
	if errMsg, failed := result["error"]; failed {
		r.logger.Debug("tool returned error", "tool", name, "error", errMsg)
	}
	return result
}

// --- Handlers ---

func (r *Registry) handleAddTask(ctx context.Context, userID string, args map[string]any) map[string]any {
	title, _ := args["title"].(string)
	if title == "" {
		return errResult("title is required")
	}
	description, _ := args["description"].(string)

	task, err := r.store.CreateTask(ctx, userID, title, description)
	if err != nil {
		r.logger.Error("add_task failed", "error", err)
		return errResult("could not create the task")
	}

	return map[string]any{
		"task_id": task.ID,
		"status":  "created",
		"title":   task.Title,
	}
}

func (r *Registry) handleListTasks(ctx context.Context, userID string, args map[string]any) map[string]any {
	status, _ := args["status"].(string)

	var filter store.TaskFilter
	switch status {
	case "", "all":
		filter = store.TaskFilterAll
	case "pending":
		filter = store.TaskFilterPending
	case "completed":
		filter = store.TaskFilterCompleted
	default:
		return errResult(fmt.Sprintf("unknown status %q (use all, pending, or completed)", status))
	}

	tasks, err := r.store.ListTasks(ctx, userID, filter)
	if err != nil {
		r.logger.Error("list_tasks failed", "error", err)
		return errResult("could not list tasks")
	}

	items := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, map[string]any{
			"id":          t.ID,
			"title":       t.Title,
			"description": t.Description,
			"completed":   t.Completed,
		})
	}

	return map[string]any{
		"tasks": items,
		"count": len(items),
	}
}

func (r *Registry) handleGetTask(ctx context.Context, userID string, args map[string]any) map[string]any {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return errResult("task_id is required")
	}

	task, err := r.store.GetTask(ctx, taskID, userID)
	if err != nil {
		return notFoundOrInternal(r.logger, "get_task", taskID, err)
	}

	return map[string]any{
		"task_id":     task.ID,
		"title":       task.Title,
		"description": task.Description,
		"completed":   task.Completed,
		"created_at":  task.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		"updated_at":  task.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (r *Registry) handleUpdateTask(ctx context.Context, userID string, args map[string]any) map[string]any {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return errResult("task_id is required")
	}

	var upd store.TaskUpdate
	if title, ok := args["title"].(string); ok && title != "" {
		upd.Title = &title
	}
	if desc, ok := args["description"].(string); ok {
		upd.Description = &desc
	}
	if upd.Title == nil && upd.Description == nil {
		return errResult("nothing to update: provide title or description")
	}

	task, err := r.store.UpdateTask(ctx, taskID, userID, upd)
	if err != nil {
		return notFoundOrInternal(r.logger, "update_task", taskID, err)
	}

	return map[string]any{
		"task_id": task.ID,
		"status":  "updated",
		"title":   task.Title,
	}
}

func (r *Registry) handleCompleteTask(ctx context.Context, userID string, args map[string]any) map[string]any {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return errResult("task_id is required")
	}

	task, err := r.store.SetTaskCompleted(ctx, taskID, userID, true)
	if err != nil {
		return notFoundOrInternal(r.logger, "complete_task", taskID, err)
	}

	return map[string]any{
		"task_id": task.ID,
		"status":  "completed",
		"title":   task.Title,
	}
}

func (r *Registry) handleDeleteTask(ctx context.Context, userID string, args map[string]any) map[string]any {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return errResult("task_id is required")
	}

	task, err := r.store.DeleteTask(ctx, taskID, userID)
	if err != nil {
		return notFoundOrInternal(r.logger, "delete_task", taskID, err)
	}

	return map[string]any{
		"task_id": task.ID,
		"status":  "deleted",
		"title":   task.Title,
	}
}

func errResult(msg string) map[string]any {
	return map[string]any{"error": msg}
}

// notFoundOrInternal maps store errors to tool results. ErrNotFound
// covers both truly absent and foreign-owned tasks so the result shape
// leaks nothing about other tenants.
func notFoundOrInternal(logger *slog.Logger, tool, taskID string, err error) map[string]any {
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"error": "Task not found", "task_id": taskID}
	}
	logger.Error("tool storage failure", "tool", tool, "error", err)
	return errResult("storage error, please try again")
}
