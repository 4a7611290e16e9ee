// Package reservation holds the stock reservation aggregate and its fold.
package reservation

import (
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/services/fulfillment/domain/event"
)

// Status is the reservation's position in its lifecycle.
type Status string

const (
	// StatusReserved means stock is held for the order.
	StatusReserved Status = "reserved"
	// StatusConflicted means the hold failed for lack of stock.
	StatusConflicted Status = "conflicted"
	// StatusReleased means the hold was returned to inventory.
	StatusReleased Status = "released"
)

// Reservation is the current state of one stock hold.
type Reservation struct {
	ID            string
	CorrelationID string
	SKU           string
	Quantity      int
	Status        Status
	UpdatedAt     time.Time
}

// Exists reports whether the reservation stream has been written.
func (r Reservation) Exists() bool {
	return r.ID != ""
}

// Active reports whether the hold currently binds stock.
func (r Reservation) Active() bool {
	return r.Status == StatusReserved
}

// Apply folds one event into the reservation state.
func Apply(r Reservation, evt eventlog.Event) (Reservation, error) {
	switch evt.Type {
	case event.TypeReserved:
		if r.Exists() {
			return r, fmt.Errorf("reservation %s already recorded", r.ID)
		}
		payload, err := event.DecodePayload[event.ReservedPayload](evt)
		if err != nil {
			return r, err
		}
		return Reservation{
			ID:            evt.StreamID,
			CorrelationID: evt.CorrelationID,
			SKU:           payload.SKU,
			Quantity:      payload.Quantity,
			Status:        StatusReserved,
			UpdatedAt:     evt.Timestamp,
		}, nil
	case event.TypeConflict:
		if r.Exists() {
			return r, fmt.Errorf("reservation %s already recorded", r.ID)
		}
		payload, err := event.DecodePayload[event.ConflictPayload](evt)
		if err != nil {
			return r, err
		}
		return Reservation{
			ID:            evt.StreamID,
			CorrelationID: evt.CorrelationID,
			SKU:           payload.SKU,
			Quantity:      payload.Quantity,
			Status:        StatusConflicted,
			UpdatedAt:     evt.Timestamp,
		}, nil
	case event.TypeReleased:
		if r.Status != StatusReserved {
			return r, fmt.Errorf("cannot release reservation in status %q", r.Status)
		}
		r.Status = StatusReleased
		r.UpdatedAt = evt.Timestamp
		return r, nil
	default:
		return r, fmt.Errorf("unknown reservation event type %q", evt.Type)
	}
}
