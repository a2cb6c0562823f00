package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GroupState is the lifecycle state of a GroupBuy.
type GroupState string

const (
	GroupStateForming   GroupState = "forming"
	GroupStateConfirmed GroupState = "confirmed"
	GroupStateExpired   GroupState = "expired"
	GroupStateCancelled GroupState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s GroupState) Terminal() bool {
	return s == GroupStateConfirmed || s == GroupStateExpired || s == GroupStateCancelled
}

// DepositStatus tracks a participant's upfront deposit.
type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositPaid     DepositStatus = "paid"
	DepositFailed   DepositStatus = "failed"
	DepositRefunded DepositStatus = "refunded"
)

// Active reports whether the participant still occupies a slot in its group.
func (s DepositStatus) Active() bool {
	return s == DepositPending || s == DepositPaid
}

// DiscountTier unlocks Percentage once a group's paid quantity reaches GroupSize.
type DiscountTier struct {
	GroupSize  int             `json:"group_size"`
	Percentage decimal.Decimal `json:"discount_percentage"`
}

// Product is the discount configuration of a buyable product. The catalog
// itself is owned elsewhere; the engine only reads it.
type Product struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	MinGroupSize int             `json:"min_group_size"`
	BaseDiscount decimal.Decimal `json:"discount_percentage"`
	Tiers        []DiscountTier  `json:"tiers,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Buyable reports whether a group buy can be formed for the product.
func (p Product) Buyable() bool {
	return p.MinGroupSize > 0
}

// Participant is one buyer's committed slot in a GroupBuy.
type Participant struct {
	ID            string        `json:"id"`
	GroupBuyID    string        `json:"group_buy_id"`
	BuyerID       string        `json:"buyer_id"`
	Quantity      int           `json:"quantity"`
	DepositStatus DepositStatus `json:"deposit_status"`
	RegisteredAt  time.Time     `json:"registered_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RegisteredBefore orders participants by registration time, breaking ties
// on id so the order is total.
func (p Participant) RegisteredBefore(o Participant) bool {
	if !p.RegisteredAt.Equal(o.RegisteredAt) {
		return p.RegisteredAt.Before(o.RegisteredAt)
	}
	return p.ID < o.ID
}

// GroupBuy is one formation attempt for a product.
type GroupBuy struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	TargetCount    int             `json:"target_count"`
	State          GroupState      `json:"state"`
	Participants   []Participant   `json:"participants"`
	LockedDiscount decimal.Decimal `json:"locked_discount"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
	// Version is the optimistic concurrency token. Zero means not yet stored.
	Version int64 `json:"version"`
}

// Clone returns a copy that shares no mutable state with g.
func (g GroupBuy) Clone() GroupBuy {
	out := g
	if g.Participants != nil {
		out.Participants = make([]Participant, len(g.Participants))
		copy(out.Participants, g.Participants)
	}
	if g.ConfirmedAt != nil {
		t := *g.ConfirmedAt
		out.ConfirmedAt = &t
	}
	if g.ClosedAt != nil {
		t := *g.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

// JoinResult is returned by a successful Join.
type JoinResult struct {
	ParticipantID   string          `json:"participant_id"`
	GroupBuyID      string          `json:"group_buy_id"`
	RegisteredAt    time.Time       `json:"registered_at"`
	PreviewDiscount decimal.Decimal `json:"preview_discount"`
}

// ActiveGroupBuy is a consistent, pollable snapshot of a product's Forming
// group and its current discount outcome.
type ActiveGroupBuy struct {
	Group            GroupBuy        `json:"group"`
	PaidQuantity     int             `json:"paid_quantity"`
	ReservedQuantity int             `json:"reserved_quantity"`
	CurrentDiscount  decimal.Decimal `json:"current_discount"`
	NextTier         *DiscountTier   `json:"next_tier,omitempty"`
	AsOf             time.Time       `json:"as_of"`
}
