package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/upb/llm-orchestrator/models"
	"github.com/upb/llm-orchestrator/repositories"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

const sessionColumns = `id, session_id, request_id, position, role, content, reasoning, metadata,
		       provider, model, input_tokens, output_tokens, cost, from_cache, created_at`

// SessionRepository implements repositories.SessionRepository
type SessionRepository struct {
	db     *DB
	tx     repositories.TransactionManager
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB, tx repositories.TransactionManager, logger *zap.Logger) repositories.SessionRepository {
	return &SessionRepository{
		db:     db,
		tx:     tx,
		logger: logger,
	}
}

// Append inserts the messages of one exchange in a single transaction
func (r *SessionRepository) Append(ctx context.Context, messages []*models.SessionMessage) error {
	if len(messages) == 0 {
		return nil
	}

	query := `
		INSERT INTO session_messages (
			id, session_id, request_id, position, role, content, reasoning, metadata,
			provider, model, input_tokens, output_tokens, cost, from_cache, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`

	err := r.tx.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		exec := executorFor(ctx, r.db)
		for _, m := range messages {
			_, err := exec.ExecContext(ctx, query,
				m.ID,
				m.SessionID,
				m.RequestID,
				m.Position,
				m.Role,
				m.Content,
				m.Reasoning,
				nullableJSON(m.Metadata),
				m.Provider,
				m.Model,
				m.InputTokens,
				m.OutputTokens,
				m.Cost,
				m.FromCache,
				m.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert session message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("session messages appended",
		zap.String("session_id", messages[0].SessionID),
		zap.Int("count", len(messages)))
	return nil
}

// ListBySession returns a session's messages in conversation order
func (r *SessionRepository) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.SessionMessage, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM session_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, request_id ASC, position ASC
		LIMIT $2 OFFSET $3
	`

	if offset < 0 {
		offset = 0
	}
	return r.query(ctx, query, sessionID, pageSize(limit), offset)
}

// Search finds messages whose content matches the query, best match first
func (r *SessionRepository) Search(ctx context.Context, query string, limit int) ([]*models.SessionMessage, error) {
	if query == "" {
		return nil, fmt.Errorf("search query is required")
	}

	sqlQuery := `
		SELECT ` + sessionColumns + `
		FROM session_messages
		WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) DESC, created_at DESC
		LIMIT $2
	`

	return r.query(ctx, sqlQuery, query, pageSize(limit))
}

// DeleteSession removes all messages of a session
func (r *SessionRepository) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	exec := executorFor(ctx, r.db)
	result, err := exec.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Debug("session deleted", zap.String("session_id", sessionID), zap.Int64("count", n))
	return n, nil
}

func (r *SessionRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.SessionMessage, error) {
	exec := executorFor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query session messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.SessionMessage
	for rows.Next() {
		m, err := scanSessionMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session messages: %w", err)
	}

	return messages, nil
}

func scanSessionMessage(rows *sql.Rows) (*models.SessionMessage, error) {
	m := &models.SessionMessage{}
	var metadata []byte
	err := rows.Scan(
		&m.ID,
		&m.SessionID,
		&m.RequestID,
		&m.Position,
		&m.Role,
		&m.Content,
		&m.Reasoning,
		&metadata,
		&m.Provider,
		&m.Model,
		&m.InputTokens,
		&m.OutputTokens,
		&m.Cost,
		&m.FromCache,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan session message: %w", err)
	}
	if len(metadata) > 0 {
		m.Metadata = metadata
	}
	return m, nil
}

// nullableJSON maps empty metadata to SQL NULL
func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}
