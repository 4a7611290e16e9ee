// Package shipment holds the shipment aggregate and its fold.
package shipment

import (
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/services/fulfillment/domain/event"
)

// Status is the shipment's position in its lifecycle.
type Status string

const (
	// StatusDispatched means the shipment left the warehouse.
	StatusDispatched Status = "dispatched"
	// StatusDelivered means the carrier confirmed delivery.
	StatusDelivered Status = "delivered"
)

// Shipment is the current state of one shipment.
type Shipment struct {
	ID            string
	CorrelationID string
	ReservationID string
	Status        Status
	Confirmation  string
	UpdatedAt     time.Time
}

// Exists reports whether the shipment stream has been written.
func (s Shipment) Exists() bool {
	return s.ID != ""
}

// Apply folds one event into the shipment state.
func Apply(s Shipment, evt eventlog.Event) (Shipment, error) {
	switch evt.Type {
	case event.TypeDispatched:
		if s.Exists() {
			return s, fmt.Errorf("shipment %s already dispatched", s.ID)
		}
		payload, err := event.DecodePayload[event.DispatchedPayload](evt)
		if err != nil {
			return s, err
		}
		return Shipment{
			ID:            evt.StreamID,
			CorrelationID: evt.CorrelationID,
			ReservationID: payload.ReservationID,
			Status:        StatusDispatched,
			UpdatedAt:     evt.Timestamp,
		}, nil
	case event.TypeDelivered:
		if s.Status != StatusDispatched {
			return s, fmt.Errorf("cannot deliver shipment in status %q", s.Status)
		}
		payload, err := event.DecodePayload[event.DeliveredPayload](evt)
		if err != nil {
			return s, err
		}
		s.Status = StatusDelivered
		s.Confirmation = payload.Confirmation
		s.UpdatedAt = evt.Timestamp
		return s, nil
	default:
		return s, fmt.Errorf("unknown shipment event type %q", evt.Type)
	}
}
