package repositories

import (
	"context"

	"github.com/upb/llm-orchestrator/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}

// SessionRepository stores conversation turns
type SessionRepository interface {
	// Append stores the messages of one exchange atomically
	Append(ctx context.Context, messages []*models.SessionMessage) error

	// ListBySession returns a session's messages, oldest first
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.SessionMessage, error)

	// Search runs a full-text query over message content, best match first
	Search(ctx context.Context, query string, limit int) ([]*models.SessionMessage, error)

	// DeleteSession removes every message of a session and returns how many were removed
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Sessions SessionRepository
}
