package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a lifecycle notification emitted by the engine.
type EventType string

const (
	EventParticipantJoined     EventType = "participant_joined"
	EventDepositPaid           EventType = "deposit_paid"
	EventGroupConfirmed        EventType = "group_confirmed"
	EventParticipantReassigned EventType = "participant_reassigned"
	EventParticipantRefunded   EventType = "participant_refunded"
	EventGroupExpired          EventType = "group_expired"
	EventGroupCancelled        EventType = "group_cancelled"
)

// Event is a fire-and-forget notification. Only the fields relevant to Type
// are populated.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ProductID string    `json:"product_id"`
	GroupID   string    `json:"group_id,omitempty"`

	ParticipantID string `json:"participant_id,omitempty"`
	BuyerID       string `json:"buyer_id,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`

	// Progress of a Forming group, set on joins and deposits.
	PaidQuantity     int `json:"paid_quantity,omitempty"`
	ReservedQuantity int `json:"reserved_quantity,omitempty"`
	TargetCount      int `json:"target_count,omitempty"`

	// Reassignment.
	FromGroupID     string `json:"from_group_id,omitempty"`
	ToGroupID       string `json:"to_group_id,omitempty"`
	DiscountChanged bool   `json:"discount_changed,omitempty"`

	// Confirmation.
	Discount        decimal.Decimal `json:"discount"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
	BuyerIDs        []string        `json:"buyer_ids,omitempty"`

	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventSink receives engine events. Emit must not block on delivery.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventPublisher delivers a single event to one downstream channel.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
	Name() string
}
