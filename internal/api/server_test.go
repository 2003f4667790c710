package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"taskbot/internal/agent"
	"taskbot/internal/auth"
	"taskbot/internal/chat"
	"taskbot/internal/llm"
	"taskbot/internal/store"
	"taskbot/internal/tools"
)

// scriptedClient plays canned model responses in order. When block is
// set it ignores the script and waits for ctx cancellation instead.
type scriptedClient struct {
	responses []llm.ChatResponse
	block     bool
	calls     int
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, toolSpecs []map[string]any) (*llm.ChatResponse, error) {
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c.calls++
	if c.calls > len(c.responses) {
		resp := llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "done"}}
		return &resp, nil
	}
	resp := c.responses[c.calls-1]
	return &resp, nil
}

func textResponse(content string) llm.ChatResponse {
	return llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}}
}

func toolCallResponse(name string, args map[string]any) llm.ChatResponse {
	var call llm.ToolCall
	call.Function.Name = name
	call.Function.Arguments = args
	return llm.ChatResponse{Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{call}}}
}

type testEnv struct {
	handler  http.Handler
	store    *store.SQLiteStore
	verifier *auth.Verifier
	client   *scriptedClient
}

func newTestEnv(t *testing.T, client *scriptedClient, agentTimeout time.Duration) *testEnv {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := tools.NewRegistry(s, logger)
	runner := agent.NewRunner(client, registry, logger, "test-model", 10)
	orch := chat.NewOrchestrator(s, runner, logger, 20, agentTimeout)
	verifier := auth.NewVerifier("test-secret", time.Hour)
	server := NewServer("127.0.0.1", 0, orch, s, verifier, logger)

	return &testEnv{
		handler:  server.Handler(),
		store:    s,
		verifier: verifier,
		client:   client,
	}
}

func (e *testEnv) request(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := e.verifier.Issue(userID, "")
		if err != nil {
			t.Fatalf("Issue() error: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return body
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	errObj, _ := body["error"].(map[string]any)
	msg, _ := errObj["message"].(string)
	return msg
}

func TestChatTurnWithToolCall(t *testing.T) {
	client := &scriptedClient{responses: []llm.ChatResponse{
		toolCallResponse(tools.ToolAddTask, map[string]any{"title": "Buy groceries"}),
		textResponse("I've added 'Buy groceries' to your tasks!"),
	}}
	env := newTestEnv(t, client, 5*time.Second)

	rec := env.request(t, "POST", "/api/chat", "alice", map[string]any{
		"message": "remind me to buy groceries",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	body := decode(t, rec)
	if body["conversation_id"] == "" || body["conversation_id"] == nil {
		t.Error("missing conversation_id")
	}
	if !strings.Contains(body["response"].(string), "Buy groceries") {
		t.Errorf("response = %v", body["response"])
	}

	calls, ok := body["tool_calls"].([]any)
	if !ok || len(calls) != 1 {
		t.Fatalf("tool_calls = %v", body["tool_calls"])
	}
	call := calls[0].(map[string]any)
	if call["tool"] != tools.ToolAddTask {
		t.Errorf("tool = %v", call["tool"])
	}
	result := call["result"].(map[string]any)
	if result["status"] != "created" || result["title"] != "Buy groceries" {
		t.Errorf("result = %v", result)
	}

	// The task landed in storage under the authenticated user.
	tasks, _ := env.store.ListTasks(context.Background(), "alice", store.TaskFilterAll)
	if len(tasks) != 1 || tasks[0].Title != "Buy groceries" {
		t.Errorf("stored tasks = %+v", tasks)
	}
}

func TestChatListsEmptyTasks(t *testing.T) {
	client := &scriptedClient{responses: []llm.ChatResponse{
		toolCallResponse(tools.ToolListTasks, map[string]any{}),
		textResponse("You don't have any tasks yet."),
	}}
	env := newTestEnv(t, client, 5*time.Second)

	rec := env.request(t, "POST", "/api/chat", "alice", map[string]any{
		"message": "What tasks do I have?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := decode(t, rec)
	if !strings.Contains(body["response"].(string), "any tasks") {
		t.Errorf("response = %v", body["response"])
	}

	calls := body["tool_calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(calls))
	}
	call := calls[0].(map[string]any)
	if call["tool"] != tools.ToolListTasks {
		t.Errorf("tool = %v", call["tool"])
	}
	result := call["result"].(map[string]any)
	if result["count"] != float64(0) {
		t.Errorf("result = %v, want empty list", result)
	}
}

func TestChatPlainConversation(t *testing.T) {
	client := &scriptedClient{responses: []llm.ChatResponse{
		textResponse("Hello! I can help you manage your tasks."),
	}}
	env := newTestEnv(t, client, 5*time.Second)

	rec := env.request(t, "POST", "/api/chat", "alice", map[string]any{"message": "hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	body := decode(t, rec)
	calls, ok := body["tool_calls"].([]any)
	if !ok {
		t.Fatalf("tool_calls missing or wrong type: %v", body["tool_calls"])
	}
	if len(calls) != 0 {
		t.Errorf("got %d tool calls for small talk, want 0", len(calls))
	}
}

func TestChatContinuesConversation(t *testing.T) {
	client := &scriptedClient{responses: []llm.ChatResponse{
		textResponse("first answer"),
		textResponse("second answer"),
	}}
	env := newTestEnv(t, client, 5*time.Second)

	first := decode(t, env.request(t, "POST", "/api/chat", "alice", map[string]any{
		"message": "first question",
	}))
	convID := first["conversation_id"].(string)

	rec := env.request(t, "POST", "/api/chat", "alice", map[string]any{
		"message":         "second question",
		"conversation_id": convID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	second := decode(t, rec)
	if second["conversation_id"] != convID {
		t.Errorf("conversation_id changed: %v", second["conversation_id"])
	}

	detail := decode(t, env.request(t, "GET", "/api/conversations/"+convID, "alice", nil))
	msgs := detail["messages"].([]any)
	if len(msgs) != 4 {
		t.Errorf("got %d messages, want 4", len(msgs))
	}
	if detail["title"] != "first question" {
		t.Errorf("title = %v", detail["title"])
	}
}

func TestChatValidation(t *testing.T) {
	client := &scriptedClient{}
	env := newTestEnv(t, client, 5*time.Second)

	tests := []struct {
		name    string
		message string
	}{
		{"empty message", ""},
		{"too long", strings.Repeat("x", 1001)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.request(t, "POST", "/api/chat", "alice", map[string]any{
				"message": tc.message,
			})
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	// Rejected before the model ever ran.
	if client.calls != 0 {
		t.Errorf("model called %d times on invalid input, want 0", client.calls)
	}

	// The limit is 1000 characters, not bytes: a 600-character multibyte
	// message (1800 bytes) goes through.
	rec := env.request(t, "POST", "/api/chat", "alice", map[string]any{
		"message": strings.Repeat("あ", 600),
	})
	if rec.Code != http.StatusOK {
		t.Errorf("multibyte message status = %d, want 200", rec.Code)
	}
}

func TestChatUnknownConversation(t *testing.T) {
	env := newTestEnv(t, &scriptedClient{}, 5*time.Second)

	rec := env.request(t, "POST", "/api/chat", "alice", map[string]any{
		"message":         "hello",
		"conversation_id": "no-such-id",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestChatForeignConversationLooksAbsent(t *testing.T) {
	client := &scriptedClient{responses: []llm.ChatResponse{textResponse("hi alice")}}
	env := newTestEnv(t, client, 5*time.Second)

	first := decode(t, env.request(t, "POST", "/api/chat", "alice", map[string]any{
		"message": "alice's conversation",
	}))
	convID := first["conversation_id"].(string)

	rec := env.request(t, "POST", "/api/chat", "mallory", map[string]any{
		"message":         "let me in",
		"conversation_id": convID,
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("chat into foreign conversation: status = %d, want 404", rec.Code)
	}

	rec = env.request(t, "GET", "/api/conversations/"+convID, "mallory", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("read foreign conversation: status = %d, want 404", rec.Code)
	}

	rec = env.request(t, "DELETE", "/api/conversations/"+convID, "mallory", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete foreign conversation: status = %d, want 404", rec.Code)
	}
}

func TestChatTimeout(t *testing.T) {
	client := &scriptedClient{block: true}
	env := newTestEnv(t, client, 50*time.Millisecond)

	rec := env.request(t, "POST", "/api/chat", "alice", map[string]any{
		"message": "this will take too long",
	})
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if msg := errorMessage(t, rec); !strings.Contains(msg, "timeout") {
		t.Errorf("error message = %q", msg)
	}

	// The user message survived; no assistant message was written.
	ctx := context.Background()
	convs, _ := env.store.ListConversations(ctx, "alice")
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	msgs, _ := env.store.RecentMessages(ctx, convs[0].ID, 20)
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Errorf("messages after timeout = %+v", msgs)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, &scriptedClient{}, 5*time.Second)

	paths := []struct {
		method, path string
	}{
		{"POST", "/api/chat"},
		{"GET", "/api/conversations"},
		{"GET", "/api/tasks"},
		{"POST", "/api/tasks"},
	}

	for _, tc := range paths {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rec := env.request(t, tc.method, tc.path, "", map[string]any{"message": "hi"})
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t, &scriptedClient{}, 5*time.Second)

	rec := env.request(t, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestConversationListAndDelete(t *testing.T) {
	client := &scriptedClient{responses: []llm.ChatResponse{
		textResponse("one"),
		textResponse("two"),
	}}
	env := newTestEnv(t, client, 5*time.Second)

	first := decode(t, env.request(t, "POST", "/api/chat", "alice", map[string]any{"message": "a"}))
	decode(t, env.request(t, "POST", "/api/chat", "alice", map[string]any{"message": "b"}))

	list := decode(t, env.request(t, "GET", "/api/conversations", "alice", nil))
	if list["total"] != float64(2) {
		t.Errorf("total = %v, want 2", list["total"])
	}

	convID := first["conversation_id"].(string)
	rec := env.request(t, "DELETE", "/api/conversations/"+convID, "alice", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}

	list = decode(t, env.request(t, "GET", "/api/conversations", "alice", nil))
	if list["total"] != float64(1) {
		t.Errorf("total after delete = %v, want 1", list["total"])
	}

	rec = env.request(t, "GET", "/api/conversations/"+convID, "alice", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted conversation status = %d, want 404", rec.Code)
	}
}

func TestConversationListEmpty(t *testing.T) {
	env := newTestEnv(t, &scriptedClient{}, 5*time.Second)

	list := decode(t, env.request(t, "GET", "/api/conversations", "alice", nil))
	if list["total"] != float64(0) {
		t.Errorf("total = %v, want 0", list["total"])
	}
	if _, ok := list["conversations"].([]any); !ok {
		t.Errorf("conversations = %v, want empty array not null", list["conversations"])
	}
}
