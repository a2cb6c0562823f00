package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/groupbuy/internal/discount"
	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/ledger"
	"github.com/alanyoungcy/groupbuy/internal/rearrange"
)

// session stages the changes of one operation on one product. Nothing is
// visible to other callers until commit.
type session struct {
	e       *Engine
	ctx     context.Context
	product domain.Product
	now     time.Time

	ledgers []*ledger.Ledger
	retired []domain.Participant
	removed []string
	events  []domain.Event
}

func (e *Engine) begin(ctx context.Context, productID string) (*session, error) {
	product, err := e.catalog.GetProductDiscountConfig(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("engine: product %s: %w", productID, err)
	}
	groups, err := e.store.ListForming(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("engine: load groups for %s: %w", productID, err)
	}

	s := &session{
		e:       e,
		ctx:     ctx,
		product: product,
		// Stored timestamps keep microseconds.
		now: e.now().UTC().Truncate(time.Microsecond),
	}
	for _, g := range groups {
		s.ledgers = append(s.ledgers, ledger.New(g))
	}
	return s, nil
}

// forming returns the product's Forming groups ordered by id.
func (s *session) forming() []*ledger.Ledger {
	var out []*ledger.Ledger
	for _, l := range s.ledgers {
		if l.Forming() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// active returns the oldest Forming group, or nil.
func (s *session) active() *ledger.Ledger {
	f := s.forming()
	if len(f) == 0 {
		return nil
	}
	return f[0]
}

func (s *session) find(id string) *ledger.Ledger {
	for _, l := range s.ledgers {
		if l.ID() == id {
			return l
		}
	}
	return nil
}

// open starts a new Forming group with the product's current minimum size.
func (s *session) open() *ledger.Ledger {
	return s.openWithTarget(s.product.MinGroupSize)
}

func (s *session) openWithTarget(target int) *ledger.Ledger {
	l := ledger.Open(s.e.newID(), s.product.ID, target, s.now)
	s.ledgers = append(s.ledgers, l)
	return l
}

// registrationTime returns a timestamp strictly after every registration in
// the product's Forming groups.
func (s *session) registrationTime() time.Time {
	t := s.now
	for _, l := range s.ledgers {
		if last := l.LastRegisteredAt(); !t.After(last) {
			t = last.Add(time.Microsecond)
		}
	}
	return t
}

// participant loads a participant and the group that owns it. Groups that
// are no longer Forming are loaded read-only.
func (s *session) participant(ctx context.Context, id string) (domain.Participant, *ledger.Ledger, error) {
	p, err := s.e.store.GetParticipant(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Participant{}, nil, domain.ErrUnknownParticipant
	}
	if err != nil {
		return domain.Participant{}, nil, err
	}

	if l := s.find(p.GroupBuyID); l != nil {
		if cur, ok := l.Get(id); ok {
			return cur, l, nil
		}
		return p, l, nil
	}

	g, err := s.e.store.GetGroup(ctx, p.GroupBuyID)
	if err != nil {
		return domain.Participant{}, nil, err
	}
	if g.ProductID != s.product.ID {
		return domain.Participant{}, nil, domain.ErrUnknownParticipant
	}
	return p, ledger.New(g), nil
}

func (s *session) discountOf(l *ledger.Ledger) decimal.Decimal {
	if l.State() == domain.GroupStateConfirmed {
		return l.Group().LockedDiscount
	}
	return discount.ForProduct(s.product, l.PaidQuantity())
}

// confirm locks in the discount of a group whose paid quantity reached its
// target. Pending reservations that overshot are carried over to the
// product's Forming group so their deposits are not stranded.
func (s *session) confirm(g *ledger.Ledger) error {
	pct := discount.ForProduct(s.product, g.PaidQuantity())

	carry := g.ParticipantsWith(domain.DepositPending)
	for _, p := range carry {
		if _, err := g.RemoveParticipant(p.ID); err != nil {
			return fmt.Errorf("engine: confirm %s: %w", g.ID(), err)
		}
	}
	if err := g.Confirm(pct, s.now); err != nil {
		return fmt.Errorf("engine: confirm %s: %w", g.ID(), err)
	}

	paid := g.ParticipantsWith(domain.DepositPaid)
	buyers := make([]string, 0, len(paid))
	for _, p := range paid {
		buyers = append(buyers, p.BuyerID)
	}
	s.emit(domain.Event{
		Type:            domain.EventGroupConfirmed,
		GroupID:         g.ID(),
		Quantity:        g.PaidQuantity(),
		Discount:        pct,
		UnitPrice:       s.product.Price,
		DiscountedPrice: discount.ApplyDiscount(s.product.Price, pct),
		BuyerIDs:        buyers,
	})
	s.e.metrics.GroupConfirmed()
	s.e.logger.InfoContext(s.ctx, "group confirmed",
		slog.String("product_id", s.product.ID),
		slog.String("group_id", g.ID()),
		slog.Int("paid_quantity", g.PaidQuantity()),
		slog.String("discount", pct.String()),
	)

	if len(carry) == 0 {
		return nil
	}
	dst := s.active()
	if dst == nil {
		dst = s.openWithTarget(g.Target())
	}
	for _, p := range carry {
		if err := dst.AddParticipant(p); err != nil {
			return fmt.Errorf("engine: carry over %s: %w", p.ID, err)
		}
		moved, _ := dst.Get(p.ID)
		s.emitReassigned(moved, g.ID(), dst.ID(), !pct.Equal(s.discountOf(dst)), "overshoot")
	}
	dst.Touch(s.now)
	s.e.metrics.Reassigned(len(carry))
	return nil
}

// rearrange reflows the product's Forming groups after a withdrawal.
func (s *session) rearrange() error {
	forming := s.forming()
	if len(forming) == 0 {
		return nil
	}

	before := make(map[string]decimal.Decimal, len(forming))
	for _, g := range forming {
		before[g.ID()] = s.discountOf(g)
	}

	target := forming[0].Target()
	res, err := rearrange.Reflow(forming, func() *ledger.Ledger { return s.openWithTarget(target) }, s.now)
	if err != nil {
		return fmt.Errorf("engine: rearrange %s: %w", s.product.ID, err)
	}

	for _, g := range res.Promoted {
		if err := s.confirm(g); err != nil {
			return err
		}
	}
	for _, m := range res.Moves {
		after := s.discountOf(s.find(m.To))
		s.emitReassigned(m.Participant, m.From, m.To, !before[m.From].Equal(after), "rearranged")
	}
	for _, g := range res.Cancelled {
		s.emit(domain.Event{
			Type:    domain.EventGroupCancelled,
			GroupID: g.ID(),
			Reason:  "emptied",
		})
		s.e.metrics.GroupClosed(string(domain.GroupStateCancelled))
	}
	s.e.metrics.Reassigned(len(res.Moves))

	if len(res.Moves) > 0 || len(res.Cancelled) > 0 {
		s.e.logger.InfoContext(s.ctx, "groups rearranged",
			slog.String("product_id", s.product.ID),
			slog.Int("promoted", len(res.Promoted)),
			slog.Int("moved", len(res.Moves)),
			slog.Int("cancelled", len(res.Cancelled)),
		)
	}
	return nil
}

// refund retires a paid participant from g.
func (s *session) refund(g *ledger.Ledger, p domain.Participant, reason string) error {
	if err := g.UpdateStatus(p.ID, domain.DepositRefunded, s.now); err != nil {
		return err
	}
	out, err := g.RemoveParticipant(p.ID)
	if err != nil {
		return err
	}
	s.retired = append(s.retired, out)
	s.emitRefund(out, reason)
	return nil
}

// close expires or cancels g. Paid deposits are refunded; Pending
// participants stay attached so a late success is refunded on arrival.
func (s *session) close(g *ledger.Ledger, state domain.GroupState, reason string) error {
	for _, p := range g.ParticipantsWith(domain.DepositPaid) {
		if err := s.refund(g, p, reason); err != nil {
			return fmt.Errorf("engine: %s group %s: %w", reason, g.ID(), err)
		}
	}
	if err := g.Close(state, s.now); err != nil {
		return fmt.Errorf("engine: %s group %s: %w", reason, g.ID(), err)
	}

	typ := domain.EventGroupExpired
	if state == domain.GroupStateCancelled {
		typ = domain.EventGroupCancelled
	}
	s.emit(domain.Event{Type: typ, GroupID: g.ID(), Reason: reason})
	s.e.metrics.GroupClosed(string(state))
	s.e.logger.InfoContext(s.ctx, "group closed",
		slog.String("product_id", s.product.ID),
		slog.String("group_id", g.ID()),
		slog.String("state", string(state)),
	)
	return nil
}

// lateResult handles a deposit result for a participant whose group already
// expired or was cancelled.
func (s *session) lateResult(p domain.Participant, success bool) error {
	switch p.DepositStatus {
	case domain.DepositPending:
		if !success {
			s.removed = append(s.removed, p.ID)
			return nil
		}
		p.DepositStatus = domain.DepositRefunded
		p.UpdatedAt = s.now
		s.retired = append(s.retired, p)
		s.emitRefund(p, "group closed")
		return nil
	case domain.DepositRefunded:
		if success {
			return nil
		}
	}
	return fmt.Errorf("engine: payment result %s: %w", p.ID, domain.ErrGroupClosed)
}

func (s *session) emitRefund(p domain.Participant, reason string) {
	s.emit(domain.Event{
		Type:          domain.EventParticipantRefunded,
		GroupID:       p.GroupBuyID,
		ParticipantID: p.ID,
		BuyerID:       p.BuyerID,
		Quantity:      p.Quantity,
		UnitPrice:     s.product.Price,
		Reason:        reason,
	})
	s.e.metrics.Refunded()
}

// emitProgress reports p's group filling up toward its target.
func (s *session) emitProgress(typ domain.EventType, g *ledger.Ledger, p domain.Participant) {
	s.emit(domain.Event{
		Type:             typ,
		GroupID:          g.ID(),
		ParticipantID:    p.ID,
		BuyerID:          p.BuyerID,
		Quantity:         p.Quantity,
		PaidQuantity:     g.PaidQuantity(),
		ReservedQuantity: g.ReservedQuantity(),
		TargetCount:      g.Target(),
		Discount:         s.discountOf(g),
	})
}

func (s *session) emitReassigned(p domain.Participant, from, to string, changed bool, reason string) {
	dst := s.find(to)
	var pct decimal.Decimal
	if dst != nil {
		pct = s.discountOf(dst)
	}
	s.emit(domain.Event{
		Type:            domain.EventParticipantReassigned,
		GroupID:         to,
		ParticipantID:   p.ID,
		BuyerID:         p.BuyerID,
		Quantity:        p.Quantity,
		FromGroupID:     from,
		ToGroupID:       to,
		DiscountChanged: changed,
		Discount:        pct,
		Reason:          reason,
	})
}

func (s *session) emit(ev domain.Event) {
	ev.ID = s.e.newID()
	ev.ProductID = s.product.ID
	ev.OccurredAt = s.now
	s.events = append(s.events, ev)
}

// commit writes every modified group plus retired and removed participants
// in one store transaction.
func (s *session) commit(ctx context.Context) error {
	cs := domain.ChangeSet{
		Retired: s.retired,
		Removed: s.removed,
	}
	for _, l := range s.ledgers {
		if l.Dirty() {
			cs.Groups = append(cs.Groups, l.Group())
		}
	}
	if cs.Empty() {
		return nil
	}
	if err := s.e.store.Commit(ctx, cs); err != nil {
		return fmt.Errorf("engine: commit %s: %w", s.product.ID, err)
	}
	return nil
}
