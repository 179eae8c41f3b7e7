package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionMessage is one stored turn of a conversation
type SessionMessage struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	SessionID string          `json:"session_id" db:"session_id"`
	RequestID string          `json:"request_id" db:"request_id"`
	Position  int             `json:"position" db:"position"` // order within one exchange
	Role      string          `json:"role" db:"role"`
	Content   string          `json:"content" db:"content"`
	Reasoning *string         `json:"reasoning,omitempty" db:"reasoning"`
	Metadata  json.RawMessage `json:"metadata,omitempty" db:"metadata"` // JSONB

	// Set on assistant turns only
	Provider     *string  `json:"provider,omitempty" db:"provider"`
	Model        *string  `json:"model,omitempty" db:"model"`
	InputTokens  *int     `json:"input_tokens,omitempty" db:"input_tokens"`
	OutputTokens *int     `json:"output_tokens,omitempty" db:"output_tokens"`
	Cost         *float64 `json:"cost,omitempty" db:"cost"`
	FromCache    bool     `json:"from_cache" db:"from_cache"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the SessionMessage model
func (SessionMessage) TableName() string {
	return "session_messages"
}

// NewSessionMessage creates a new SessionMessage instance
func NewSessionMessage(sessionID, requestID, role, content string) *SessionMessage {
	return &SessionMessage{
		ID:        uuid.New(),
		SessionID: sessionID,
		RequestID: requestID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// WithCompletion sets the assistant-side details of a turn
func (m *SessionMessage) WithCompletion(provider, model string, inputTokens, outputTokens int, cost float64, fromCache bool) *SessionMessage {
	m.Provider = &provider
	m.Model = &model
	m.InputTokens = &inputTokens
	m.OutputTokens = &outputTokens
	m.Cost = &cost
	m.FromCache = fromCache
	return m
}

// WithReasoning sets the reasoning text when there is any
func (m *SessionMessage) WithReasoning(reasoning string) *SessionMessage {
	if reasoning != "" {
		m.Reasoning = &reasoning
	}
	return m
}

// WithMetadata sets the metadata
func (m *SessionMessage) WithMetadata(metadata map[string]string) *SessionMessage {
	if len(metadata) == 0 {
		return m
	}
	if data, err := json.Marshal(metadata); err == nil {
		m.Metadata = data
	}
	return m
}
