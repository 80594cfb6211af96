package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type DispatchEventType string

const (
	EventSessionOpened  DispatchEventType = "SessionOpened"
	EventOfferSubmitted DispatchEventType = "OfferSubmitted"
	EventOfferCountered DispatchEventType = "OfferCountered"
	EventOfferAccepted  DispatchEventType = "OfferAccepted"
	EventOfferRejected  DispatchEventType = "OfferRejected"
	EventSessionExpired DispatchEventType = "SessionExpired"
	EventTripCompleted  DispatchEventType = "TripCompleted"
	EventRatingRecorded DispatchEventType = "RatingRecorded"
)

type DispatchEvent struct {
	ID        uuid.UUID         `json:"id"`
	SessionID uuid.UUID         `json:"session_id"`
	Type      DispatchEventType `json:"type"`
	Payload   map[string]any    `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EventForState maps the state reached by a negotiation step to its event.
func EventForState(state SessionState) DispatchEventType {
	switch state {
	case StateOfferPending:
		return EventOfferSubmitted
	case StateCountered:
		return EventOfferCountered
	case StateAccepted:
		return EventOfferAccepted
	case StateRejected:
		return EventOfferRejected
	case StateExpired:
		return EventSessionExpired
	default:
		return EventSessionOpened
	}
}

// Publishers fans an event out to every publisher and joins their errors.
type Publishers []EventPublisher

func (p Publishers) Publish(ctx context.Context, event DispatchEvent) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
