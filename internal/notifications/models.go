package notifications

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type EventType string

const (
	EventSignatureCompleted EventType = "signature.completed"
	EventSignatureRequested EventType = "signature.requested"
	EventSignatureReminder  EventType = "signature.reminder"
)

// Event is one logical notification emitted by the signing core.
type Event struct {
	ID                uuid.UUID  `json:"id"`
	Type              EventType  `json:"type"`
	RequestID         string     `json:"request_id"`
	RequestTitle      string     `json:"request_title"`
	SignerName        string     `json:"signer_name,omitempty"`
	SignerEmail       string     `json:"signer_email,omitempty"`
	SignerUserID      string     `json:"signer_user_id,omitempty"`
	SignedAt          *time.Time `json:"signed_at,omitempty"`
	OwnerID           string     `json:"owner_id"`
	OwnerEmail        string     `json:"owner_email,omitempty"`
	SignedDocumentRef string     `json:"signed_document_ref,omitempty"`
	SigningLink       string     `json:"signing_link,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// ErrNoRecipient is returned by a sink that has nobody to deliver an event to.
var ErrNoRecipient = errors.New("no recipient for event")

const (
	DeliveryStatusSent    = "sent"
	DeliveryStatusFailed  = "failed"
	DeliveryStatusSkipped = "skipped"
)

// Delivery is what a sink reports about a successful send.
type Delivery struct {
	Recipient         string
	ProviderMessageID string
}

// DeliveryResult is the outcome of one sink for one event.
type DeliveryResult struct {
	Sink      string        `json:"sink"`
	Status    string        `json:"status"`
	Recipient string        `json:"recipient,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// DeliveryLog represents delivery tracking logs
type DeliveryLog struct {
	ID                uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	EventID           string         `json:"event_id" gorm:"not null;index"`
	EventType         string         `json:"event_type" gorm:"not null"`
	RequestID         string         `json:"request_id" gorm:"not null;index"`
	Sink              string         `json:"sink" gorm:"not null"`
	Recipient         string         `json:"recipient"`
	Status            string         `json:"status" gorm:"not null"`
	Error             string         `json:"error"`
	ProviderMessageID string         `json:"provider_message_id"`
	Payload           datatypes.JSON `json:"payload"`
	DurationMs        int64          `json:"duration_ms"`
	CreatedAt         time.Time      `json:"created_at" gorm:"autoCreateTime"`
}

func (DeliveryLog) TableName() string {
	return "notification_deliveries"
}

func (l *DeliveryLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
