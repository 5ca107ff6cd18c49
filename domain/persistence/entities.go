package persistence

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExchangeRecord is the ledger row for one chat exchange. Message content is
// deliberately absent: only routing and usage facts are kept.
type ExchangeRecord struct {
	ID               uuid.UUID      `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID   uuid.UUID      `gorm:"type:varchar(36);not null;index" json:"conversation_id"`
	ConversationName string         `gorm:"type:varchar(255)" json:"conversation_name"`
	Model            string         `gorm:"type:varchar(255);not null;index" json:"model"`
	Provider         string         `gorm:"type:varchar(64);index" json:"provider"`
	Temperature      float64        `json:"temperature"`
	Status           ExchangeStatus `gorm:"type:varchar(50);not null;default:'pending';index" json:"status"`
	Error            string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Metrics *ExchangeMetrics `gorm:"foreignKey:ExchangeID;constraint:OnDelete:CASCADE" json:"metrics,omitempty"`
}

// ExchangeStatus represents the status of an exchange
type ExchangeStatus string

const (
	ExchangeStatusPending   ExchangeStatus = "pending"
	ExchangeStatusCompleted ExchangeStatus = "completed"
	ExchangeStatusFailed    ExchangeStatus = "failed"
)

// ExchangeMetrics stores token usage, cost and latency of a completed exchange
type ExchangeMetrics struct {
	ID               uuid.UUID `gorm:"type:varchar(36);primaryKey" json:"id"`
	ExchangeID       uuid.UUID `gorm:"type:varchar(36);not null;uniqueIndex" json:"exchange_id"`
	PromptTokens     int       `gorm:"default:0" json:"prompt_tokens"`
	CompletionTokens int       `gorm:"default:0" json:"completion_tokens"`
	TotalTokens      int       `gorm:"default:0" json:"total_tokens"`
	Cost             float64   `gorm:"default:0" json:"cost"`
	LatencyMs        int64     `gorm:"default:0" json:"latency_ms"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// BeforeCreate hook for ExchangeRecord
func (r *ExchangeRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = ExchangeStatusPending
	}
	return nil
}

// BeforeCreate hook for ExchangeMetrics
func (m *ExchangeMetrics) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// TableName returns the table name for ExchangeRecord
func (ExchangeRecord) TableName() string {
	return "exchanges"
}

// TableName returns the table name for ExchangeMetrics
func (ExchangeMetrics) TableName() string {
	return "exchange_metrics"
}

// PersistenceEvent wraps ledger events that are processed asynchronously
type PersistenceEvent[T any] struct {
	Type EventType `json:"type"`
	Data T         `json:"data"`
}

// EventType represents the type of persistence event
type EventType string

const (
	EventTypeStartExchange    EventType = "start_exchange"
	EventTypeCompleteExchange EventType = "complete_exchange"
	EventTypeFailExchange     EventType = "fail_exchange"
)

// StartExchangeEvent creates a pending ledger row
type StartExchangeEvent struct {
	ExchangeID       uuid.UUID `json:"exchange_id"`
	ConversationID   uuid.UUID `json:"conversation_id"`
	ConversationName string    `json:"conversation_name"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Temperature      float64   `json:"temperature"`
}

// CompleteExchangeEvent marks the row completed and stores its metrics
type CompleteExchangeEvent struct {
	ExchangeID       uuid.UUID `json:"exchange_id"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	LatencyMs        int64     `json:"latency_ms"`
}

// FailExchangeEvent marks the row failed
type FailExchangeEvent struct {
	ExchangeID uuid.UUID `json:"exchange_id"`
	Error      string    `json:"error"`
}
