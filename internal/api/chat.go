package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"taskbot/internal/chat"
	"taskbot/internal/store"
)

// ChatRequest is the chat endpoint request body.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleChat runs one complete chat turn.
// POST /api/chat {"message": "add a task to buy groceries"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.orch.Turn(r.Context(), id.UserID, req.ConversationID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageTooLong):
			s.errorResponse(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, chat.ErrNotFound):
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, chat.ErrAgentTimeout):
			s.errorResponse(w, http.StatusGatewayTimeout, "AI service timeout. Please try again.")
		default:
			s.logger.Error("chat turn failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "I'm having trouble processing your request. Please try again.")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, result, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	convs, err := s.store.ListConversations(r.Context(), id.UserID)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	if convs == nil {
		convs = []store.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"total":         len(convs),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	conv, msgs, err := s.orch.History(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("get conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	if msgs == nil {
		msgs = []store.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":         conv.ID,
		"title":      conv.Title,
		"created_at": conv.CreatedAt,
		"updated_at": conv.UpdatedAt,
		"messages":   msgs,
	}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	err := s.store.DeleteConversation(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("delete conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
