package notification

import (
	"time"

	"github.com/healthnexus/platform/internal/shared/types"
)

// Channel is a delivery channel
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Priority represents notification priority
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Status represents notification delivery status
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusRead    Status = "read"
	StatusFailed  Status = "failed"
)

// Message is what domain code asks to deliver; the service fans it out to channels.
type Message struct {
	RecipientID types.ID
	Phone       string
	Subject     string
	Body        string
	Priority    Priority
	Data        map[string]any
}

// Notification is one delivery attempt on one channel
type Notification struct {
	ID          string         `json:"id"`
	Channel     Channel        `json:"channel"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	RecipientID types.ID       `json:"recipient_id"`
	Phone       string         `json:"-"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`

	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ReadAt       *time.Time `json:"read_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stats represents notification statistics
type Stats struct {
	TotalSent      int64             `json:"total_sent"`
	TotalDelivered int64             `json:"total_delivered"`
	TotalFailed    int64             `json:"total_failed"`
	TotalRead      int64             `json:"total_read"`
	ByChannel      map[Channel]int64 `json:"by_channel"`
	DeliveryRate   float64           `json:"delivery_rate"`
}
