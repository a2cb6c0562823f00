package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// StreamName is the durable stream every event is appended to.
const StreamName = "stream:groupbuy:events"

// ChannelPrefix prefixes the per-product pub/sub channel.
const ChannelPrefix = "ch:groupbuy:"

// Channel returns the pub/sub channel for a product's events.
func Channel(productID string) string {
	return ChannelPrefix + productID
}

// BusPublisher publishes events on the signal bus: live on the product's
// channel for websocket clients and durably on StreamName. The stream entry
// is written last so a retried publish never appends it twice; channel
// subscribers may see a repeat and dedupe on the event id.
type BusPublisher struct {
	bus domain.SignalBus
}

// NewBusPublisher creates a BusPublisher.
func NewBusPublisher(bus domain.SignalBus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

func (p *BusPublisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", ev.ID, err)
	}
	if err := p.bus.Publish(ctx, Channel(ev.ProductID), payload); err != nil {
		return err
	}
	return p.bus.StreamAppend(ctx, StreamName, payload)
}

func (p *BusPublisher) Name() string { return "bus" }

// AuditPublisher records every event in the audit log.
type AuditPublisher struct {
	audit domain.AuditStore
}

// NewAuditPublisher creates an AuditPublisher.
func NewAuditPublisher(audit domain.AuditStore) *AuditPublisher {
	return &AuditPublisher{audit: audit}
}

func (p *AuditPublisher) Publish(ctx context.Context, ev domain.Event) error {
	detail := map[string]any{
		"event_id":   ev.ID,
		"product_id": ev.ProductID,
		"group_id":   ev.GroupID,
	}
	if ev.ParticipantID != "" {
		detail["participant_id"] = ev.ParticipantID
		detail["buyer_id"] = ev.BuyerID
		detail["quantity"] = ev.Quantity
	}
	if ev.TargetCount > 0 {
		detail["paid_quantity"] = ev.PaidQuantity
		detail["reserved_quantity"] = ev.ReservedQuantity
		detail["target_count"] = ev.TargetCount
	}
	if ev.FromGroupID != "" {
		detail["from_group_id"] = ev.FromGroupID
		detail["to_group_id"] = ev.ToGroupID
		detail["discount_changed"] = ev.DiscountChanged
	}
	if ev.Type == domain.EventGroupConfirmed {
		detail["discount"] = ev.Discount.String()
		detail["discounted_price"] = ev.DiscountedPrice.String()
		detail["buyer_ids"] = ev.BuyerIDs
	}
	if ev.Reason != "" {
		detail["reason"] = ev.Reason
	}
	return p.audit.Log(ctx, "groupbuy."+string(ev.Type), detail)
}

func (p *AuditPublisher) Name() string { return "audit" }

var (
	_ domain.EventPublisher = (*BusPublisher)(nil)
	_ domain.EventPublisher = (*AuditPublisher)(nil)
)
