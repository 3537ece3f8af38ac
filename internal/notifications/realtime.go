package notifications

import (
	"context"
	"errors"

	"dealer-portal/esign-backend/internal/notifications/websocket"
)

// Pusher delivers a message to the live sessions of a user.
type Pusher interface {
	SendToUser(userID string, message websocket.Message) error
}

// RealtimeSink pushes events to connected browser sessions.
type RealtimeSink struct {
	pusher Pusher
}

func NewRealtimeSink(pusher Pusher) *RealtimeSink {
	return &RealtimeSink{pusher: pusher}
}

func (s *RealtimeSink) Name() string { return "websocket" }

func (s *RealtimeSink) Send(ctx context.Context, event Event) (Delivery, error) {
	userID := event.OwnerID
	if event.Type != EventSignatureCompleted {
		userID = event.SignerUserID
	}
	if userID == "" {
		return Delivery{}, ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}

	data := map[string]any{
		"request_id":    event.RequestID,
		"request_title": event.RequestTitle,
	}
	if event.SignerName != "" {
		data["signer_name"] = event.SignerName
	}
	if event.SignedAt != nil {
		data["signed_at"] = event.SignedAt.UTC()
	}
	if event.ExpiresAt != nil {
		data["expires_at"] = event.ExpiresAt.UTC()
	}

	err := s.pusher.SendToUser(userID, websocket.Message{
		Type:      websocket.MessageTypeNotification,
		Event:     string(event.Type),
		Data:      data,
		Timestamp: event.OccurredAt,
	})
	if errors.Is(err, websocket.ErrNotConnected) {
		// offline users simply miss the push
		return Delivery{Recipient: userID}, ErrNoRecipient
	}
	if err != nil {
		return Delivery{Recipient: userID}, err
	}
	return Delivery{Recipient: userID}, nil
}
