// Package notify fans booking change notifications out to the frontend's
// revalidate hook, a message queue and live WebSocket clients.
//
// Every sink is fire-and-forget: a failed notification is logged and
// counted, never returned to the booking or escrow operation that caused it.
package notify

import (
	"context"
	"time"

	"github.com/hearthhq/hearth/internal/idgen"
)

// EventRevalidate is the message type of a booking change.
const EventRevalidate = "booking.revalidate"

// Notifier is told about every booking status change.
type Notifier interface {
	Revalidate(ctx context.Context, bookingID string)
}

// Message is the body every sink delivers.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	BookingID string    `json:"bookingId"`
	Timestamp time.Time `json:"timestamp"`
}

func newMessage(bookingID string) Message {
	return Message{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventRevalidate,
		BookingID: bookingID,
		Timestamp: time.Now().UTC(),
	}
}

// Multi delivers to every notifier in order.
type Multi []Notifier

func (m Multi) Revalidate(ctx context.Context, bookingID string) {
	for _, n := range m {
		if n != nil {
			n.Revalidate(ctx, bookingID)
		}
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Revalidate(context.Context, string) {}
