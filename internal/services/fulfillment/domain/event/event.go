// Package event defines the facts recorded on reservation and shipment streams.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianpay/meridian/internal/eventlog"
	"github.com/meridianpay/meridian/internal/platform/id"
)

// Stock reservation events.
const (
	// TypeReserved records a successful stock hold.
	TypeReserved eventlog.Type = "stock.reserved"
	// TypeConflict records a reservation attempt that found too little stock.
	TypeConflict eventlog.Type = "stock.conflict"
	// TypeReleased records a released hold.
	TypeReleased eventlog.Type = "stock.released"
)

// Shipment events.
const (
	// TypeDispatched records a shipment leaving the warehouse.
	TypeDispatched eventlog.Type = "shipment.dispatched"
	// TypeDelivered records carrier delivery confirmation.
	TypeDelivered eventlog.Type = "shipment.delivered"
)

// ReservedPayload carries the held sku and quantity.
type ReservedPayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// ConflictPayload carries the shortfall that blocked the hold.
type ConflictPayload struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	Available int    `json:"available"`
}

// ReleasedPayload carries the returned sku and quantity.
type ReleasedPayload struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// DispatchedPayload links the shipment to the reservation it consumes.
type DispatchedPayload struct {
	ReservationID string `json:"reservation_id"`
}

// DeliveredPayload carries the carrier confirmation reference.
type DeliveredPayload struct {
	Confirmation string `json:"confirmation"`
}

// New builds a fulfillment event with a fresh event id and a JSON payload.
func New(streamID string, t eventlog.Type, correlationID, causationID string, at time.Time, payload any) (eventlog.Event, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	eventID, err := id.NewID()
	if err != nil {
		return eventlog.Event{}, err
	}
	return eventlog.Event{
		StreamID:      streamID,
		ID:            eventID,
		Type:          t,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Timestamp:     at.UTC(),
		PayloadJSON:   encoded,
	}, nil
}

// DecodePayload unmarshals an event payload into T.
func DecodePayload[T any](evt eventlog.Event) (T, error) {
	var payload T
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload: %w", evt.Type, err)
	}
	return payload, nil
}
