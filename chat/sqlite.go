package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jfletcher/palaver/llm"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Schema for the chat database. Participants and tool call payloads are
// stored as JSON to preserve them exactly.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL DEFAULT 'single',
    title TEXT NOT NULL DEFAULT '',
    preview TEXT NOT NULL DEFAULT '',
    pinned BOOLEAN NOT NULL DEFAULT FALSE,
    participants TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    branch_id TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system', 'tool')),
    model_id TEXT NOT NULL DEFAULT '',
    persona_id TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    reasoning TEXT NOT NULL DEFAULT '',
    tool_calls TEXT NOT NULL DEFAULT '[]',
    tool_results TEXT NOT NULL DEFAULT '[]',
    images TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'success',
    error_text TEXT NOT NULL DEFAULT '',
    streaming BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS blocks (
    id TEXT PRIMARY KEY,
    message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    kind TEXT NOT NULL DEFAULT 'main',
    content TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'success',
    sort_order INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, branch_id, created_at);
CREATE INDEX IF NOT EXISTS idx_blocks_message ON blocks(message_id, sort_order);

CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT
);
`

// schemaVersion is the current schema version. Fresh databases get the full
// schema from the const and start here; existing databases run migrations.
const schemaVersion = 1

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

var migrations = []migration{}

// NewSQLiteStore opens (creating if needed) the chat database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return err
	}

	var current int
	err := db.QueryRow(`SELECT CAST(value AS INTEGER) FROM metadata WHERE key = 'schema_version'`).Scan(&current)
	if err == sql.ErrNoRows {
		current = schemaVersion
		if _, err := db.Exec(`INSERT INTO metadata (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
		}
		if _, err := db.Exec(`UPDATE metadata SET value = ? WHERE key = 'schema_version'`, m.version); err != nil {
			return err
		}
		current = m.version
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertConversation(ctx context.Context, conv *Conversation) error {
	if conv.Kind == "" {
		conv.Kind = KindSingle
	}
	if err := conv.Validate(); err != nil {
		return err
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, title, preview, pinned, participants, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Kind, conv.Title, conv.Preview, conv.Pinned, string(participants),
		conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, title, preview, pinned, participants, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, title, preview, pinned, participants, created_at, updated_at
		FROM conversations ORDER BY pinned DESC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var participants string
	err := row.Scan(&conv.ID, &conv.Kind, &conv.Title, &conv.Preview, &conv.Pinned,
		&participants, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return nil, fmt.Errorf("parse participants: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error {
	var sets []string
	var args []any
	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Preview != nil {
		sets = append(sets, "preview = ?")
		args = append(args, *update.Preview)
	}
	if update.Pinned != nil {
		sets = append(sets, "pinned = ?")
		args = append(args, *update.Pinned)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now(), id)

	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	toolCalls, err := json.Marshal(emptyIfNilCalls(msg.ToolCalls))
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := json.Marshal(emptyIfNilResults(msg.ToolResults))
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}
	images, err := json.Marshal(emptyIfNilStrings(msg.Images))
	if err != nil {
		return fmt.Errorf("marshal images: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, branch_id, role, model_id, persona_id,
			content, reasoning, tool_calls, tool_results, images, status, error_text, streaming, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.BranchID, msg.Role, msg.ModelID, msg.PersonaID,
		msg.Content, msg.Reasoning, string(toolCalls), string(toolResults), string(images),
		msg.Status, msg.ErrorText, msg.Streaming, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	// Touch the conversation so list ordering follows activity.
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, branch_id, role, model_id, persona_id,
			content, reasoning, tool_calls, tool_results, images, status, error_text, streaming, created_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var toolCalls, toolResults, images string
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.BranchID, &msg.Role, &msg.ModelID,
		&msg.PersonaID, &msg.Content, &msg.Reasoning, &toolCalls, &toolResults, &images,
		&msg.Status, &msg.ErrorText, &msg.Streaming, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
		return nil, fmt.Errorf("parse tool calls: %w", err)
	}
	if err := json.Unmarshal([]byte(toolResults), &msg.ToolResults); err != nil {
		return nil, fmt.Errorf("parse tool results: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &msg.Images); err != nil {
		return nil, fmt.Errorf("parse images: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, update MessageUpdate) error {
	var sets []string
	var args []any
	if update.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *update.Content)
	}
	if update.Reasoning != nil {
		sets = append(sets, "reasoning = ?")
		args = append(args, *update.Reasoning)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.ErrorText != nil {
		sets = append(sets, "error_text = ?")
		args = append(args, *update.ErrorText)
	}
	if update.Streaming != nil {
		sets = append(sets, "streaming = ?")
		args = append(args, *update.Streaming)
	}
	if update.ToolCalls != nil {
		data, err := json.Marshal(update.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		sets = append(sets, "tool_calls = ?")
		args = append(args, string(data))
	}
	if update.ToolResults != nil {
		data, err := json.Marshal(update.ToolResults)
		if err != nil {
			return fmt.Errorf("marshal tool results: %w", err)
		}
		sets = append(sets, "tool_results = ?")
		args = append(args, string(data))
	}
	if update.Images != nil {
		data, err := json.Marshal(update.Images)
		if err != nil {
			return fmt.Errorf("marshal images: %w", err)
		}
		sets = append(sets, "images = ?")
		args = append(args, string(data))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID, branchID string, limit int) ([]Message, error) {
	query := `
		SELECT id, conversation_id, branch_id, role, model_id, persona_id,
			content, reasoning, tool_calls, tool_results, images, status, error_text, streaming, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND branch_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, conversationID, branchID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertBlock(ctx context.Context, block *Block) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (id, message_id, kind, content, status, sort_order)
		VALUES (?, ?, ?, ?, ?, ?)`,
		block.ID, block.MessageID, block.Kind, block.Content, block.Status, block.SortOrder)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateBlock(ctx context.Context, id string, update BlockUpdate) error {
	var sets []string
	var args []any
	if update.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *update.Content)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	_, err := s.db.ExecContext(ctx,
		"UPDATE blocks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BlocksFor(ctx context.Context, messageID string) ([]Block, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, kind, content, status, sort_order
		FROM blocks WHERE message_id = ? ORDER BY sort_order ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	var out []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.ID, &b.MessageID, &b.Kind, &b.Content, &b.Status, &b.SortOrder); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func emptyIfNilCalls(v []llm.ToolCall) []llm.ToolCall {
	if v == nil {
		return []llm.ToolCall{}
	}
	return v
}

func emptyIfNilResults(v []llm.ToolResult) []llm.ToolResult {
	if v == nil {
		return []llm.ToolResult{}
	}
	return v
}

func emptyIfNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
