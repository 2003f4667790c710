package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// titleMaxLen bounds the auto-generated conversation title, in characters.
const titleMaxLen = 100

// truncateRunes shortens s to at most limit characters. Cutting on a
// rune boundary keeps stored text valid UTF-8 even when the limit lands
// mid-character.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// SQLiteStore is the SQLite-backed store.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// the schema. WAL mode and a busy timeout keep concurrent request
// handlers from tripping over each other; foreign keys are enabled so
// deleting a conversation cascades to its messages.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(user_id, completed);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source is broken; fall back
		// to v4 rather than aborting a request.
		return uuid.New().String()
	}
	return id.String()
}

// --- Conversations ---

// CreateConversation starts a new, untitled conversation for userID.
func (s *SQLiteStore) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        newID(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, NULL, ?, ?)
	`, conv.ID, conv.UserID, now, now)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return conv, nil
}

// GetConversation fetches a conversation owned by userID.
// Returns ErrNotFound for absent or foreign-owned rows alike.
func (s *SQLiteStore) GetConversation(ctx context.Context, id, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, COALESCE(title, ''), created_at, updated_at
		FROM conversations
		WHERE id = ? AND user_id = ?
	`, id, userID)

	var conv Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	return &conv, nil
}

// ListConversations returns all of userID's conversations, newest
// activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(title, ''), created_at, updated_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}

	return convs, rows.Err()
}

// DeleteConversation removes a conversation owned by userID. Messages
// cascade via the foreign key. Returns ErrNotFound if nothing matched.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTitleIfEmpty sets the conversation title from its first user
// message. A title already present is never overwritten. The title is
// truncated to 100 characters.
func (s *SQLiteStore) SetTitleIfEmpty(ctx context.Context, id, title string) error {
	title = truncateRunes(title, titleMaxLen)

	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ? WHERE id = ? AND title IS NULL
	`, title, id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	return nil
}

// --- Messages ---

// AppendMessage writes one immutable message row and bumps the parent
// conversation's updated_at, atomically. This is the only write path
// for the transcript.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	now := time.Now().UTC()
	msg := &Message{
		ID:             newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, conversationID)
	if err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return msg, nil
}

// RecentMessages returns the last limit messages of a conversation in
// ascending chronological order. Fewer rows than limit is fine; the
// result is empty (not nil-checked) for a fresh conversation.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	// Fetch newest-first so LIMIT picks the tail of the transcript,
	// then flip to chronological order for the prompt.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

// --- Tasks ---

// CreateTask creates a task for userID. Title and description length
// limits are enforced here as a backstop; callers validate first.
func (s *SQLiteStore) CreateTask(ctx context.Context, userID, title, description string) (*Task, error) {
	title = truncateRunes(title, 200)
	description = truncateRunes(description, 1000)

	now := time.Now().UTC()
	task := &Task{
		ID:          newID(),
		UserID:      userID,
		Title:       title,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, title, description, completed, created_at, updated_at)
		VALUES (?, ?, ?, ?, FALSE, ?, ?)
	`, task.ID, task.UserID, task.Title, nullIfEmpty(task.Description), now, now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	return task, nil
}

// GetTask fetches a task owned by userID, or ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id, userID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, COALESCE(description, ''), completed, created_at, updated_at
		FROM tasks
		WHERE id = ? AND user_id = ?
	`, id, userID)

	var t Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	return &t, nil
}

// ListTasks returns userID's tasks, newest first, optionally filtered
// by completion state.
func (s *SQLiteStore) ListTasks(ctx context.Context, userID string, filter TaskFilter) ([]Task, error) {
	query := `
		SELECT id, user_id, title, COALESCE(description, ''), completed, created_at, updated_at
		FROM tasks
		WHERE user_id = ?`

	switch filter {
	case TaskFilterPending:
		query += ` AND completed = FALSE`
	case TaskFilterCompleted:
		query += ` AND completed = TRUE`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Completed, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// UpdateTask applies the non-nil fields of upd to a task owned by
// userID and returns the updated row, or ErrNotFound.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id, userID string, upd TaskUpdate) (*Task, error) {
	task, err := s.GetTask(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if upd.Title != nil {
		task.Title = truncateRunes(*upd.Title, 200)
	}
	if upd.Description != nil {
		task.Description = truncateRunes(*upd.Description, 1000)
	}
	task.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, task.Title, nullIfEmpty(task.Description), task.UpdatedAt, id, userID)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	return task, nil
}

// SetTaskCompleted sets the completion flag on a task owned by userID
// and returns the updated row, or ErrNotFound.
func (s *SQLiteStore) SetTaskCompleted(ctx context.Context, id, userID string, completed bool) (*Task, error) {
	task, err := s.GetTask(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	task.Completed = completed
	task.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET completed = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, completed, task.UpdatedAt, id, userID)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}

	return task, nil
}

// DeleteTask removes a task owned by userID, returning the deleted row
// so callers can name it in confirmations. Returns ErrNotFound if
// nothing matched.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id, userID string) (*Task, error) {
	task, err := s.GetTask(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE id = ? AND user_id = ?
	`, id, userID)
	if err != nil {
		return nil, fmt.Errorf("delete task: %w", err)
	}

	return task, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
