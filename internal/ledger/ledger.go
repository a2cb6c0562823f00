// Package ledger keeps the ordered participant record of a single GroupBuy
// and enforces its per-group invariants. A Ledger is not safe for concurrent
// use; callers serialize access under the product lock.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// Ledger wraps a GroupBuy loaded from the store and tracks whether it has
// been modified since.
type Ledger struct {
	group domain.GroupBuy
	dirty bool
}

// New builds a Ledger from g. Participants that no longer hold a slot are
// dropped and the rest are put in registration order.
func New(g domain.GroupBuy) *Ledger {
	g = g.Clone()
	active := g.Participants[:0]
	for _, p := range g.Participants {
		if p.DepositStatus.Active() {
			active = append(active, p)
		}
	}
	g.Participants = active
	sortParticipants(g.Participants)
	return &Ledger{group: g}
}

// Open starts a new Forming group. The ledger is dirty until committed.
func Open(id, productID string, target int, now time.Time) *Ledger {
	return &Ledger{
		group: domain.GroupBuy{
			ID:          id,
			ProductID:   productID,
			TargetCount: target,
			State:       domain.GroupStateForming,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		dirty: true,
	}
}

func (l *Ledger) ID() string { return l.group.ID }
func (l *Ledger) ProductID() string { return l.group.ProductID }
func (l *Ledger) Target() int { return l.group.TargetCount }
func (l *Ledger) State() domain.GroupState { return l.group.State }
func (l *Ledger) Dirty() bool { return l.dirty }
func (l *Ledger) Len() int { return len(l.group.Participants) }
func (l *Ledger) Forming() bool { return l.group.State == domain.GroupStateForming }
func (l *Ledger) Stored() bool { return l.group.Version > 0 }

// Group returns a snapshot of the underlying GroupBuy.
func (l *Ledger) Group() domain.GroupBuy {
	return l.group.Clone()
}

// Get returns the participant with the given id.
func (l *Ledger) Get(id string) (domain.Participant, bool) {
	i := l.index(id)
	if i < 0 {
		return domain.Participant{}, false
	}
	return l.group.Participants[i], true
}

// AddParticipant appends p to the group, owning it under this group's id.
// Pending reservations may overshoot the target; nothing may be added once
// the group is terminal or its paid quantity already covers the target.
func (l *Ledger) AddParticipant(p domain.Participant) error {
	if l.group.State != domain.GroupStateForming {
		return fmt.Errorf("ledger: add %s to %s group %s: %w", p.ID, l.group.State, l.group.ID, domain.ErrCapacityExceeded)
	}
	if l.PaidQuantity() >= l.group.TargetCount {
		return fmt.Errorf("ledger: add %s to group %s: %w", p.ID, l.group.ID, domain.ErrCapacityExceeded)
	}
	if l.index(p.ID) >= 0 {
		return fmt.Errorf("ledger: add %s to group %s: duplicate participant", p.ID, l.group.ID)
	}

	p.GroupBuyID = l.group.ID
	l.group.Participants = append(l.group.Participants, p)
	sortParticipants(l.group.Participants)
	l.dirty = true
	return nil
}

// UpdateStatus moves a participant's deposit along one of the allowed
// transitions: pending to paid, pending to failed, paid to refunded.
func (l *Ledger) UpdateStatus(id string, to domain.DepositStatus, at time.Time) error {
	i := l.index(id)
	if i < 0 {
		return fmt.Errorf("ledger: update %s in group %s: %w", id, l.group.ID, domain.ErrUnknownParticipant)
	}
	from := l.group.Participants[i].DepositStatus
	if !allowed(from, to) {
		return fmt.Errorf("ledger: participant %s %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}
	l.group.Participants[i].DepositStatus = to
	l.group.Participants[i].UpdatedAt = at
	l.dirty = true
	return nil
}

// RemoveParticipant drops a participant from the group and returns it.
func (l *Ledger) RemoveParticipant(id string) (domain.Participant, error) {
	i := l.index(id)
	if i < 0 {
		return domain.Participant{}, fmt.Errorf("ledger: remove %s from group %s: %w", id, l.group.ID, domain.ErrUnknownParticipant)
	}
	p := l.group.Participants[i]
	l.group.Participants = append(l.group.Participants[:i], l.group.Participants[i+1:]...)
	l.dirty = true
	return p, nil
}

// PaidQuantity sums the quantity of paid participants. This is the figure
// quorum and discount resolution are based on.
func (l *Ledger) PaidQuantity() int {
	return l.sum(domain.DepositPaid)
}

// PendingQuantity sums the quantity still awaiting a deposit result.
func (l *Ledger) PendingQuantity() int {
	return l.sum(domain.DepositPending)
}

// ReservedQuantity is paid plus pending quantity.
func (l *Ledger) ReservedQuantity() int {
	return l.PaidQuantity() + l.PendingQuantity()
}

// OrderedParticipants returns the participants in registration order.
func (l *Ledger) OrderedParticipants() []domain.Participant {
	out := make([]domain.Participant, len(l.group.Participants))
	copy(out, l.group.Participants)
	return out
}

// ParticipantsWith returns the participants with the given status, in
// registration order.
func (l *Ledger) ParticipantsWith(status domain.DepositStatus) []domain.Participant {
	var out []domain.Participant
	for _, p := range l.group.Participants {
		if p.DepositStatus == status {
			out = append(out, p)
		}
	}
	return out
}

// LastRegisteredAt returns the latest registration time in the group.
func (l *Ledger) LastRegisteredAt() time.Time {
	var last time.Time
	for _, p := range l.group.Participants {
		if p.RegisteredAt.After(last) {
			last = p.RegisteredAt
		}
	}
	return last
}

// Confirm transitions a Forming group to Confirmed and freezes its discount.
func (l *Ledger) Confirm(discount decimal.Decimal, at time.Time) error {
	if l.group.State != domain.GroupStateForming {
		return fmt.Errorf("ledger: confirm %s group %s: %w", l.group.State, l.group.ID, domain.ErrInvalidTransition)
	}
	l.group.State = domain.GroupStateConfirmed
	l.group.LockedDiscount = discount
	l.group.ConfirmedAt = &at
	l.group.UpdatedAt = at
	l.dirty = true
	return nil
}

// Close transitions a Forming group to Expired or Cancelled.
func (l *Ledger) Close(state domain.GroupState, at time.Time) error {
	if state != domain.GroupStateExpired && state != domain.GroupStateCancelled {
		return fmt.Errorf("ledger: close group %s as %s: %w", l.group.ID, state, domain.ErrInvalidTransition)
	}
	if l.group.State != domain.GroupStateForming {
		return fmt.Errorf("ledger: close %s group %s: %w", l.group.State, l.group.ID, domain.ErrInvalidTransition)
	}
	l.group.State = state
	l.group.ClosedAt = &at
	l.group.UpdatedAt = at
	l.dirty = true
	return nil
}

// Touch stamps the group as modified.
func (l *Ledger) Touch(at time.Time) {
	l.group.UpdatedAt = at
	l.dirty = true
}

func (l *Ledger) index(id string) int {
	for i, p := range l.group.Participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) sum(status domain.DepositStatus) int {
	n := 0
	for _, p := range l.group.Participants {
		if p.DepositStatus == status {
			n += p.Quantity
		}
	}
	return n
}

func allowed(from, to domain.DepositStatus) bool {
	switch from {
	case domain.DepositPending:
		return to == domain.DepositPaid || to == domain.DepositFailed
	case domain.DepositPaid:
		return to == domain.DepositRefunded
	default:
		return false
	}
}

func sortParticipants(ps []domain.Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].RegisteredBefore(ps[j])
	})
}
