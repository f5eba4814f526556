package types

import "time"

// MessageType classifies inter-agent messages.
type MessageType string

const (
	// MessageRequest expects a correlated response.
	MessageRequest MessageType = "request"
	// MessageResponse answers a request, carrying its correlation id.
	MessageResponse MessageType = "response"
	// MessageBroadcast fans out to many recipients.
	MessageBroadcast MessageType = "broadcast"
	// MessageNotification is fire-and-forget.
	MessageNotification MessageType = "notification"
)

// Message is a persisted inter-agent message. SenderID nil means the
// coordinator itself sent it.
type Message struct {
	ID   uint        `gorm:"primaryKey" json:"id"`
	Type MessageType `gorm:"size:50;index" json:"type"`

	SenderID   *uint `gorm:"index" json:"sender_id,omitempty"`
	ReceiverID uint  `gorm:"index" json:"receiver_id"`

	Subject string  `gorm:"size:255" json:"subject"`
	Payload JSONMap `gorm:"type:text" json:"payload"`

	// CorrelationID ties a response back to its request.
	CorrelationID string `gorm:"size:64;index" json:"correlation_id,omitempty"`

	Priority int  `gorm:"default:1" json:"priority"`
	Read     bool `gorm:"index;default:false" json:"read"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
