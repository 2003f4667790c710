package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"taskbot/internal/store"
)

// TaskCreateRequest is the task creation body.
type TaskCreateRequest struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// TaskUpdateRequest carries optional field changes; absent fields are
// left untouched.
type TaskUpdateRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req TaskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" || utf8.RuneCountInString(req.Title) > 200 {
		s.errorResponse(w, http.StatusBadRequest, "title must be 1-200 characters")
		return
	}
	if utf8.RuneCountInString(req.Description) > 1000 {
		s.errorResponse(w, http.StatusBadRequest, "description must be at most 1000 characters")
		return
	}

	task, err := s.store.CreateTask(r.Context(), id.UserID, req.Title, req.Description)
	if err != nil {
		s.logger.Error("create task failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	filter := store.TaskFilterAll
	switch status := r.URL.Query().Get("status"); status {
	case "", "all":
	case "pending":
		filter = store.TaskFilterPending
	case "completed":
		filter = store.TaskFilterCompleted
	default:
		s.errorResponse(w, http.StatusBadRequest, "status must be all, pending, or completed")
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), id.UserID, filter)
	if err != nil {
		s.logger.Error("list tasks failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []store.Task{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	}, s.logger)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	task, err := s.store.GetTask(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		s.taskError(w, err, "get task")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req TaskUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == nil && req.Description == nil {
		s.errorResponse(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Title != nil && (*req.Title == "" || utf8.RuneCountInString(*req.Title) > 200) {
		s.errorResponse(w, http.StatusBadRequest, "title must be 1-200 characters")
		return
	}
	if req.Description != nil && utf8.RuneCountInString(*req.Description) > 1000 {
		s.errorResponse(w, http.StatusBadRequest, "description must be at most 1000 characters")
		return
	}

	task, err := s.store.UpdateTask(r.Context(), r.PathValue("id"), id.UserID, store.TaskUpdate{
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		s.taskError(w, err, "update task")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskToggle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	task, err := s.store.GetTask(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		s.taskError(w, err, "toggle task")
		return
	}

	task, err = s.store.SetTaskCompleted(r.Context(), task.ID, id.UserID, !task.Completed)
	if err != nil {
		s.taskError(w, err, "toggle task")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	if _, err := s.store.DeleteTask(r.Context(), r.PathValue("id"), id.UserID); err != nil {
		s.taskError(w, err, "delete task")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// taskError maps store errors for the task handlers. Absent and
// foreign-owned tasks produce the same 404.
func (s *Server) taskError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Error(op+" failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "storage error")
}
