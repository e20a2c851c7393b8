package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentrun/orchestrator/pkg/model"
)

// PostgresStore is a MessageStore backed by Postgres (or CockroachDB, which
// speaks the same wire protocol), using a prepared-statement pattern over a
// messages(thread_id, kind, content_json, ...) table.
type PostgresStore struct {
	db *sql.DB

	stmtAppend         *sql.Stmt
	stmtRead           *sql.Stmt
	stmtLastSummarySeq *sql.Stmt
	stmtReadFromSeq    *sql.Stmt
}

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sensible pool defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS messages (
	message_id      TEXT PRIMARY KEY,
	thread_id       TEXT NOT NULL,
	seq             BIGINT NOT NULL,
	kind            TEXT NOT NULL,
	content_json    JSONB NOT NULL,
	is_llm_visible  BOOLEAN NOT NULL,
	metadata_json   JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (thread_id, seq)
);
CREATE INDEX IF NOT EXISTS messages_thread_seq_idx ON messages (thread_id, seq);
CREATE SEQUENCE IF NOT EXISTS thread_seq;
`

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

// newPostgresStoreWithDB wires a PostgresStore around an already-open *sql.DB,
// skipping the connect/ping/schema steps NewPostgresStore performs. Used by
// tests to drive the store against a sqlmock connection.
func newPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error
	if s.stmtAppend, err = s.db.Prepare(`
		INSERT INTO messages (message_id, thread_id, seq, kind, content_json, is_llm_visible, metadata_json, created_at)
		VALUES ($1, $2, nextval('thread_seq'), $3, $4, $5, $6, $7)
		RETURNING seq`); err != nil {
		return err
	}
	if s.stmtRead, err = s.db.Prepare(`
		SELECT message_id, kind, content_json, is_llm_visible, metadata_json, created_at, seq
		FROM messages WHERE thread_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`); err != nil {
		return err
	}
	if s.stmtLastSummarySeq, err = s.db.Prepare(`
		SELECT seq FROM messages WHERE thread_id = $1 AND kind = 'summary' ORDER BY seq DESC LIMIT 1`); err != nil {
		return err
	}
	if s.stmtReadFromSeq, err = s.db.Prepare(`
		SELECT message_id, kind, content_json, is_llm_visible, metadata_json, created_at, seq
		FROM messages WHERE thread_id = $1 AND seq >= $2 ORDER BY seq ASC`); err != nil {
		return err
	}
	return nil
}

type rowPayload struct {
	Content     []model.ContentPart `json:"content,omitempty"`
	ToolCalls   []model.ToolCall    `json:"tool_calls,omitempty"`
	ToolResult  *model.ToolResult   `json:"tool_result,omitempty"`
	SummaryText string              `json:"summary_text,omitempty"`
	CoversUntil time.Time           `json:"covers_until,omitempty"`
}

// Append implements MessageStore.
func (s *PostgresStore) Append(ctx context.Context, msg *model.Message) error {
	payload := rowPayload{
		Content:     msg.Content,
		ToolCalls:   msg.ToolCalls,
		ToolResult:  msg.ToolResult,
		SummaryText: msg.SummaryText,
		CoversUntil: msg.CoversUntil,
	}
	contentJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var seq int64
	row := s.stmtAppend.QueryRowContext(ctx, msg.ID, msg.ThreadID, string(msg.Kind), contentJSON, msg.IsLLMVisible, metaJSON, msg.CreatedAt)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.CreatedSeqNum = seq
	return nil
}

func scanMessage(rows interface{ Scan(...any) error }, threadID string) (*model.Message, error) {
	var (
		id, kind              string
		contentJSON, metaJSON []byte
		isLLMVisible          bool
		createdAt             time.Time
		seq                   int64
	)
	if err := rows.Scan(&id, &kind, &contentJSON, &isLLMVisible, &metaJSON, &createdAt, &seq); err != nil {
		return nil, err
	}
	var payload rowPayload
	if len(contentJSON) > 0 {
		if err := json.Unmarshal(contentJSON, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal content: %w", err)
		}
	}
	var metadata map[string]any
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &metadata)
	}
	return &model.Message{
		ID:            id,
		ThreadID:      threadID,
		Kind:          model.MessageKind(kind),
		Content:       payload.Content,
		ToolCalls:     payload.ToolCalls,
		ToolResult:    payload.ToolResult,
		SummaryText:   payload.SummaryText,
		CoversUntil:   payload.CoversUntil,
		IsLLMVisible:  isLLMVisible,
		Metadata:      metadata,
		CreatedAt:     createdAt,
		CreatedSeqNum: seq,
	}, nil
}

// Read implements MessageStore.
func (s *PostgresStore) Read(ctx context.Context, threadID string, since int64, limit int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = 1_000_000
	}
	rows, err := s.stmtRead.QueryContext(ctx, threadID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows, threadID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ReadSinceSummary implements MessageStore.
func (s *PostgresStore) ReadSinceSummary(ctx context.Context, threadID string) ([]*model.Message, error) {
	var fromSeq int64
	err := s.stmtLastSummarySeq.QueryRowContext(ctx, threadID).Scan(&fromSeq)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("lookup last summary: %w", err)
	}

	rows, err := s.stmtReadFromSeq.QueryContext(ctx, threadID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read since summary: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows, threadID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
