package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/llm-orchestrator/models"
	"go.uber.org/zap"
)

var columnNames = []string{
	"id", "session_id", "request_id", "position", "role", "content", "reasoning", "metadata",
	"provider", "model", "input_tokens", "output_tokens", "cost", "from_cache", "created_at",
}

func newMockRepository(t *testing.T) (*SessionRepository, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	logger := zap.NewNop()
	db := Wrap(sqlDB, logger)
	repo := NewSessionRepository(db, NewTransactionManager(db, logger), logger).(*SessionRepository)
	return repo, mock
}

func exchange() []*models.SessionMessage {
	user := models.NewSessionMessage("sess-1", "req-1", "user", "what is a goroutine?")
	assistant := models.NewSessionMessage("sess-1", "req-1", "assistant", "a lightweight thread").
		WithCompletion("openai", "gpt-4o-mini", 10, 5, 0.0001, false)
	assistant.Position = 1
	assistant.CreatedAt = user.CreatedAt
	return []*models.SessionMessage{user, assistant}
}

func TestSessionRepository_Append(t *testing.T) {
	t.Run("inserts exchange in one transaction", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		msgs := exchange()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO session_messages").
			WithArgs(msgs[0].ID, "sess-1", "req-1", 0, "user", "what is a goroutine?",
				sqlmock.AnyArg(), nil, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), false, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO session_messages").
			WithArgs(msgs[1].ID, "sess-1", "req-1", 1, "assistant", "a lightweight thread",
				sqlmock.AnyArg(), nil, "openai", "gpt-4o-mini", 10, 5, 0.0001, false, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Append(context.Background(), msgs))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO session_messages").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO session_messages").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := repo.Append(context.Background(), exchange())
		assert.ErrorContains(t, err, "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty is a no-op", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		require.NoError(t, repo.Append(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionRepository_ListBySession(t *testing.T) {
	repo, mock := newMockRepository(t)
	now := time.Now()
	id1, id2 := uuid.New(), uuid.New()

	rows := sqlmock.NewRows(columnNames).
		AddRow(id1.String(), "sess-1", "req-1", 0, "user", "hi", nil, []byte(`{"client":"cli"}`),
			nil, nil, nil, nil, nil, false, now).
		AddRow(id2.String(), "sess-1", "req-1", 1, "assistant", "hello", "thinking", nil,
			"anthropic", "claude-haiku-4-5", 3, 2, 0.00001, true, now)

	mock.ExpectQuery("SELECT (.+) FROM session_messages WHERE session_id = \\$1").
		WithArgs("sess-1", defaultPageSize, 0).
		WillReturnRows(rows)

	msgs, err := repo.ListBySession(context.Background(), "sess-1", 0, -5)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, id1, msgs[0].ID)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Nil(t, msgs[0].Provider)
	assert.JSONEq(t, `{"client":"cli"}`, string(msgs[0].Metadata))

	assert.Equal(t, 1, msgs[1].Position)
	require.NotNil(t, msgs[1].Reasoning)
	assert.Equal(t, "thinking", *msgs[1].Reasoning)
	require.NotNil(t, msgs[1].Model)
	assert.Equal(t, "claude-haiku-4-5", *msgs[1].Model)
	assert.Equal(t, 2, *msgs[1].OutputTokens)
	assert.True(t, msgs[1].FromCache)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepository_Search(t *testing.T) {
	t.Run("full text query", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		mock.ExpectQuery("plainto_tsquery").
			WithArgs("goroutine leak", maxPageSize).
			WillReturnRows(sqlmock.NewRows(columnNames).
				AddRow(uuid.New().String(), "sess-9", "req-3", 0, "user", "goroutine leak in my server", nil, nil,
					nil, nil, nil, nil, nil, false, time.Now()))

		msgs, err := repo.Search(context.Background(), "goroutine leak", 10000)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "sess-9", msgs[0].SessionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty query", func(t *testing.T) {
		repo, _ := newMockRepository(t)
		_, err := repo.Search(context.Background(), "", 10)
		assert.Error(t, err)
	})

	t.Run("query error", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectQuery("plainto_tsquery").WillReturnError(errors.New("connection reset"))

		_, err := repo.Search(context.Background(), "x", 10)
		assert.ErrorContains(t, err, "failed to query session messages")
	})
}

func TestSessionRepository_DeleteSession(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec("DELETE FROM session_messages WHERE session_id = \\$1").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, defaultPageSize, pageSize(0))
	assert.Equal(t, defaultPageSize, pageSize(-1))
	assert.Equal(t, 20, pageSize(20))
	assert.Equal(t, maxPageSize, pageSize(maxPageSize+1))
}

func TestDB_HealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	db := Wrap(sqlDB, zap.NewNop())

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	assert.NoError(t, db.HealthCheck(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	assert.Error(t, db.HealthCheck(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_InitSchema(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS session_messages").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, Wrap(sqlDB, zap.NewNop()).InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
