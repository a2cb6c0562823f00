// Package memory implements the domain store interfaces in process memory.
// It backs tests and single-instance deployments that do not need
// durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// Store holds products, group buys, participants and the audit log behind a
// single mutex so that every Commit is atomic.
type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	groups       map[string]domain.GroupBuy // without participants
	participants map[string]domain.Participant
	archived     map[string]bool
	audit        []domain.AuditEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		products:     make(map[string]domain.Product),
		groups:       make(map[string]domain.GroupBuy),
		participants: make(map[string]domain.Participant),
		archived:     make(map[string]bool),
	}
}

// Upsert inserts or replaces a product.
func (s *Store) Upsert(_ context.Context, p domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Tiers = append([]domain.DiscountTier(nil), p.Tiers...)
	s.products[p.ID] = p
	return nil
}

// GetProductDiscountConfig returns the product or domain.ErrNotFound.
func (s *Store) GetProductDiscountConfig(_ context.Context, productID string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	p.Tiers = append([]domain.DiscountTier(nil), p.Tiers...)
	return p, nil
}

// ListForming returns the product's Forming groups ordered by id.
func (s *Store) ListForming(_ context.Context, productID string) ([]domain.GroupBuy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectGroups(func(g domain.GroupBuy) bool {
		return g.ProductID == productID && g.State == domain.GroupStateForming
	}, 0, false), nil
}

// GetGroup returns a group with its active participants.
func (s *Store) GetGroup(_ context.Context, id string) (domain.GroupBuy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return domain.GroupBuy{}, domain.ErrNotFound
	}
	return s.withParticipants(g, false), nil
}

// GetParticipant returns a participant in any status.
func (s *Store) GetParticipant(_ context.Context, id string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrNotFound
	}
	return p, nil
}

// Commit applies cs atomically. Every group is version-checked before any
// write happens.
func (s *Store) Commit(_ context.Context, cs domain.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range cs.Groups {
		cur, exists := s.groups[g.ID]
		switch {
		case g.Version == 0 && exists:
			return fmt.Errorf("memory: insert group %s: %w", g.ID, domain.ErrConflict)
		case g.Version > 0 && (!exists || cur.Version != g.Version):
			return fmt.Errorf("memory: update group %s: %w", g.ID, domain.ErrConflict)
		}
	}

	for _, g := range cs.Groups {
		// Drop active participants no longer listed under this group; they
		// were moved, retired or removed elsewhere in the change set.
		keep := make(map[string]bool, len(g.Participants))
		for _, p := range g.Participants {
			keep[p.ID] = true
		}
		for id, p := range s.participants {
			if p.GroupBuyID == g.ID && p.DepositStatus.Active() && !keep[id] {
				delete(s.participants, id)
			}
		}
	}

	for _, g := range cs.Groups {
		for _, p := range g.Participants {
			p.GroupBuyID = g.ID
			s.participants[p.ID] = p
		}
		stored := g.Clone()
		stored.Participants = nil
		stored.Version = g.Version + 1
		s.groups[g.ID] = stored
	}
	for _, p := range cs.Retired {
		s.participants[p.ID] = p
	}
	for _, id := range cs.Removed {
		delete(s.participants, id)
	}
	return nil
}

// ListStale returns Forming groups last updated before the cutoff.
func (s *Store) ListStale(_ context.Context, before time.Time, limit int) ([]domain.GroupBuy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectGroups(func(g domain.GroupBuy) bool {
		return g.State == domain.GroupStateForming && g.UpdatedAt.Before(before)
	}, limit, false), nil
}

// ListClosedBefore returns terminal, not yet archived groups that reached
// their terminal state before the cutoff, with every participant they ever
// held.
func (s *Store) ListClosedBefore(_ context.Context, before time.Time, limit int) ([]domain.GroupBuy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectGroups(func(g domain.GroupBuy) bool {
		if !g.State.Terminal() || s.archived[g.ID] {
			return false
		}
		at := g.ClosedAt
		if g.State == domain.GroupStateConfirmed {
			at = g.ConfirmedAt
		}
		return at != nil && at.Before(before)
	}, limit, true), nil
}

// MarkArchived flags groups as moved to cold storage.
func (s *Store) MarkArchived(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.archived[id] = true
	}
	return nil
}

// Log appends an audit entry.
func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (s *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) selectGroups(match func(domain.GroupBuy) bool, limit int, all bool) []domain.GroupBuy {
	var out []domain.GroupBuy
	for _, g := range s.groups {
		if match(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i] = s.withParticipants(out[i], all)
	}
	return out
}

func (s *Store) withParticipants(g domain.GroupBuy, all bool) domain.GroupBuy {
	g = g.Clone()
	g.Participants = nil
	for _, p := range s.participants {
		if p.GroupBuyID == g.ID && (all || p.DepositStatus.Active()) {
			g.Participants = append(g.Participants, p)
		}
	}
	sort.Slice(g.Participants, func(i, j int) bool {
		return g.Participants[i].RegisteredBefore(g.Participants[j])
	})
	return g
}

// Compile-time interface checks.
var (
	_ domain.ProductStore = (*Store)(nil)
	_ domain.GroupStore   = (*Store)(nil)
	_ domain.ArchiveStore = (*Store)(nil)
	_ domain.AuditStore   = (*Store)(nil)
)
