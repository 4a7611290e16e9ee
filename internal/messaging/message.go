// Package messaging defines the integration message envelope and an
// in-process at-least-once bus connecting the services.
package messaging

import (
	"errors"
	"strings"
	"time"
)

// Message is a structured integration message. Outcome messages are named as
// past-tense facts and always carry the entity id and correlation id so
// receivers never query back for context.
type Message struct {
	// ID uniquely identifies the message for dedupe on redelivery.
	ID string
	// Name routes the message, e.g. "PaymentAuthorized" or "ReserveStock".
	Name string
	// EntityID is the transactional entity the message concerns.
	EntityID string
	// CorrelationID links the message back to the originating saga.
	CorrelationID string
	// OccurredAt is when the message was produced.
	OccurredAt time.Time
	// PayloadJSON holds message-specific data as JSON.
	PayloadJSON []byte
}

// Validate checks the envelope's structural requirements.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message id is required")
	}
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("message name is required")
	}
	if strings.TrimSpace(m.EntityID) == "" {
		return errors.New("message entity id is required")
	}
	if strings.TrimSpace(m.CorrelationID) == "" {
		return errors.New("message correlation id is required")
	}
	return nil
}
