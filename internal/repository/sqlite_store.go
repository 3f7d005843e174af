package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"context-bridge/internal/domain"
)

// Open opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists. Foreign keys are enabled so message
// rows cascade-delete with their context.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("repository: open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping db at %s: %w", path, err)
	}

	return db, nil
}

// Store persists contexts and their messages in a two-table SQLite schema.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// New creates a Store. retention controls how far in the future expires_at
// is set at insert time.
func New(db *sql.DB, retention time.Duration) (*Store, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if retention <= 0 {
		return nil, errors.New("repository: retention must be positive")
	}
	return &Store{db: db, retention: retention}, nil
}

// InitSchema creates all tables: contexts, messages, api_usage.
// Timestamps are stored as unix nanoseconds so range queries and ordering
// stay plain integer comparisons.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contexts (
			id TEXT PRIMARY KEY,
			platform TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			formatted_text TEXT NOT NULL,
			summary TEXT,
			summary_metadata TEXT,
			source_metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_contexts_platform ON contexts(platform);
		CREATE INDEX IF NOT EXISTS idx_contexts_created_at ON contexts(created_at);
		CREATE INDEX IF NOT EXISTS idx_contexts_expires_at ON contexts(expires_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL REFERENCES contexts(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			message_timestamp INTEGER NOT NULL,
			sequence_order INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_context_id ON messages(context_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_context_sequence ON messages(context_id, sequence_order);

		CREATE TABLE IF NOT EXISTS api_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint TEXT NOT NULL,
			ip_address TEXT,
			user_agent TEXT,
			request_timestamp INTEGER NOT NULL,
			response_status INTEGER,
			processing_time_ms INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_api_usage_endpoint ON api_usage(endpoint);
		CREATE INDEX IF NOT EXISTS idx_ip_rate_limit ON api_usage(ip_address, request_timestamp);
	`)
	if err != nil {
		return fmt.Errorf("repository: init schema: %w", err)
	}
	return nil
}

// Ping checks database reachability for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("repository: ping: %w", err)
	}
	return nil
}

// Insert persists c and all messages in one transaction. Identifiers and
// timestamps are assigned here when absent; sequence_order is the input
// index, so submission order is authoritative regardless of message
// timestamps. On success c is populated with its generated fields and the
// persisted messages.
func (s *Store) Insert(ctx context.Context, c *domain.Context, messages []domain.MessageInput) error {
	if c == nil {
		return errors.New("repository: Insert: context must not be nil")
	}
	if len(messages) == 0 {
		return errors.New("repository: Insert: at least one message is required")
	}

	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = newUUID()
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(s.retention)
	c.MessageCount = len(messages)

	summaryMeta, err := marshalNullable(c.SummaryMetadata)
	if err != nil {
		return fmt.Errorf("repository: Insert: marshal summary metadata: %w", err)
	}
	sourceMeta, err := marshalNullable(c.SourceMetadata)
	if err != nil {
		return fmt.Errorf("repository: Insert: marshal source metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: Insert: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO contexts (id, platform, message_count, formatted_text, summary,
			summary_metadata, source_metadata, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Platform), c.MessageCount, c.FormattedText, nullableString(c.Summary),
		summaryMeta, sourceMeta, now.UnixNano(), now.UnixNano(), c.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("repository: Insert: insert context: %w", err)
	}

	persisted := make([]domain.Message, 0, len(messages))
	for i, m := range messages {
		msg := domain.Message{
			ID:               newUUID(),
			ContextID:        c.ID,
			Role:             m.Role,
			Content:          m.Content,
			MessageTimestamp: m.Timestamp.UTC(),
			SequenceOrder:    i,
			CreatedAt:        now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, context_id, role, content, message_timestamp, sequence_order, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ContextID, string(msg.Role), msg.Content,
			msg.MessageTimestamp.UnixNano(), msg.SequenceOrder, now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("repository: Insert: insert message %d: %w", i, err)
		}
		persisted = append(persisted, msg)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: Insert: commit: %w", err)
	}

	c.Messages = persisted
	return nil
}

// GetByID loads a context and its messages ordered by sequence_order.
// Returns (nil, nil) when no such id exists.
func (s *Store) GetByID(ctx context.Context, id string) (*domain.Context, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, message_count, formatted_text, summary,
			summary_metadata, source_metadata, created_at, updated_at, expires_at
		 FROM contexts WHERE id = ?`, id)

	c, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: GetByID: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, context_id, role, content, message_timestamp, sequence_order, created_at
		 FROM messages WHERE context_id = ? ORDER BY sequence_order ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("repository: GetByID: query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m           domain.Message
			role        string
			msgTS, crAt int64
		)
		if err := rows.Scan(&m.ID, &m.ContextID, &role, &m.Content, &msgTS, &m.SequenceOrder, &crAt); err != nil {
			return nil, fmt.Errorf("repository: GetByID: scan message: %w", err)
		}
		m.Role = domain.Role(role)
		m.MessageTimestamp = time.Unix(0, msgTS).UTC()
		m.CreatedAt = time.Unix(0, crAt).UTC()
		c.Messages = append(c.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: GetByID: iterate messages: %w", err)
	}

	return c, nil
}

// List returns contexts newest-first with an optional platform filter,
// plus the total matching count regardless of the pagination window.
// Listed contexts carry no message rows.
func (s *Store) List(ctx context.Context, platform string, limit, offset int) ([]domain.Context, int, error) {
	where := ""
	countArgs := []any{}
	if platform != "" {
		where = " WHERE platform = ?"
		countArgs = append(countArgs, platform)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM contexts"+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("repository: List: count: %w", err)
	}

	pageArgs := append(append([]any{}, countArgs...), limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, platform, message_count, formatted_text, summary,
			summary_metadata, source_metadata, created_at, updated_at, expires_at
		 FROM contexts`+where+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: List: query: %w", err)
	}
	defer rows.Close()

	contexts := make([]domain.Context, 0, limit)
	for rows.Next() {
		c, err := scanContext(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("repository: List: scan: %w", err)
		}
		contexts = append(contexts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("repository: List: iterate: %w", err)
	}

	return contexts, total, nil
}

// DeleteByID removes a context; messages cascade. Reports whether a row existed.
func (s *Store) DeleteByID(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("repository: DeleteByID: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: DeleteByID: rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired removes every context whose expires_at is before now,
// cascading to messages, and returns the number of contexts deleted.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE expires_at < ?`, now.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("repository: DeleteExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repository: DeleteExpired: rows affected: %w", err)
	}
	return int(n), nil
}

// RecordUsage appends one request-log telemetry row.
func (s *Store) RecordUsage(ctx context.Context, u domain.APIUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_usage (endpoint, ip_address, user_agent, request_timestamp, response_status, processing_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Endpoint, u.IPAddress, u.UserAgent, u.RequestTimestamp.UTC().UnixNano(), u.ResponseStatus, u.ProcessingTimeMS,
	)
	if err != nil {
		return fmt.Errorf("repository: RecordUsage: %w", err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanContext(row rowScanner) (*domain.Context, error) {
	var (
		c                       domain.Context
		platform                string
		summary                 sql.NullString
		summaryMeta, sourceMeta sql.NullString
		crAt, upAt, exAt        int64
	)
	if err := row.Scan(&c.ID, &platform, &c.MessageCount, &c.FormattedText, &summary,
		&summaryMeta, &sourceMeta, &crAt, &upAt, &exAt); err != nil {
		return nil, err
	}

	c.Platform = domain.Platform(platform)
	if summary.Valid {
		v := summary.String
		c.Summary = &v
	}
	if summaryMeta.Valid {
		var meta domain.SummaryMetadata
		if err := json.Unmarshal([]byte(summaryMeta.String), &meta); err != nil {
			return nil, fmt.Errorf("unmarshal summary metadata: %w", err)
		}
		c.SummaryMetadata = &meta
	}
	if sourceMeta.Valid {
		if err := json.Unmarshal([]byte(sourceMeta.String), &c.SourceMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal source metadata: %w", err)
		}
	}
	c.CreatedAt = time.Unix(0, crAt).UTC()
	c.UpdatedAt = time.Unix(0, upAt).UTC()
	c.ExpiresAt = time.Unix(0, exAt).UTC()
	return &c, nil
}

// marshalNullable serializes v to JSON, storing NULL for nil values.
func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *domain.SummaryMetadata:
		if t == nil {
			return nil, nil
		}
	case map[string]any:
		if t == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

var newUUID = func() string {
	return uuid.NewString()
}
