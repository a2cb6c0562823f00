// Package rearrange reflows the Paid participants of a product's Forming
// groups into as many complete groups as possible, earliest registrants
// first.
package rearrange

import (
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/ledger"
)

// Move records a participant whose owning group changed.
type Move struct {
	Participant domain.Participant
	From        string
	To          string
}

// Result describes the outcome of a Reflow.
type Result struct {
	// Promoted groups reached their target and must be confirmed by the
	// caller, which owns discount resolution.
	Promoted []*ledger.Ledger
	// Retained is the single Forming group left for the product, if any.
	Retained *ledger.Ledger
	// Cancelled groups were emptied by the reflow and are now Cancelled.
	Cancelled []*ledger.Ledger
	// Opened holds groups created because no existing group could host a
	// bucket.
	Opened []*ledger.Ledger
	Moves  []Move
}

// Opener creates a new, empty Forming group for the product.
type Opener func() *ledger.Ledger

type member struct {
	p    domain.Participant
	from string
}

// Reflow packs the Paid participants of groups (all Forming, same product and
// target) in registration order into buckets of target quantity.
//
// A full bucket lands in the lowest group id among its members' groups; a
// trailing partial bucket and every Pending participant land in one retained
// Forming group chosen the same way. Groups left empty are cancelled. Total
// paid quantity is preserved.
func Reflow(groups []*ledger.Ledger, open Opener, now time.Time) (Result, error) {
	var res Result

	forming := make([]*ledger.Ledger, 0, len(groups))
	for _, g := range groups {
		if g.Forming() {
			forming = append(forming, g)
		}
	}
	if len(forming) == 0 {
		return res, nil
	}
	sort.Slice(forming, func(i, j int) bool { return forming[i].ID() < forming[j].ID() })

	target := forming[0].Target()
	byID := make(map[string]*ledger.Ledger, len(forming))
	var paid, pending []member
	for _, g := range forming {
		if g.Target() != target {
			return res, fmt.Errorf("rearrange: group %s target %d differs from %d", g.ID(), g.Target(), target)
		}
		byID[g.ID()] = g
		for _, p := range g.OrderedParticipants() {
			m := member{p: p, from: g.ID()}
			if p.DepositStatus == domain.DepositPaid {
				paid = append(paid, m)
			} else {
				pending = append(pending, m)
			}
			if _, err := g.RemoveParticipant(p.ID); err != nil {
				return res, fmt.Errorf("rearrange: detach: %w", err)
			}
		}
	}
	sortMembers(paid)
	sortMembers(pending)

	var full [][]member
	var partial []member
	sum := 0
	for _, m := range paid {
		partial = append(partial, m)
		sum += m.p.Quantity
		if sum >= target {
			full = append(full, partial)
			partial = nil
			sum = 0
		}
	}

	used := make(map[string]bool, len(forming))
	pick := func(ms []member) *ledger.Ledger {
		var best string
		for _, m := range ms {
			if used[m.from] {
				continue
			}
			if best == "" || m.from < best {
				best = m.from
			}
		}
		if best == "" {
			g := open()
			res.Opened = append(res.Opened, g)
			used[g.ID()] = true
			return g
		}
		used[best] = true
		return byID[best]
	}

	place := func(dst *ledger.Ledger, ms []member) error {
		for _, m := range ms {
			if err := dst.AddParticipant(m.p); err != nil {
				return fmt.Errorf("rearrange: place %s: %w", m.p.ID, err)
			}
			if m.from != dst.ID() {
				moved, _ := dst.Get(m.p.ID)
				res.Moves = append(res.Moves, Move{Participant: moved, From: m.from, To: dst.ID()})
			}
		}
		return nil
	}

	for _, bucket := range full {
		survivor := pick(bucket)
		if err := place(survivor, bucket); err != nil {
			return res, err
		}
		res.Promoted = append(res.Promoted, survivor)
	}

	if len(partial) > 0 || len(pending) > 0 {
		var retained *ledger.Ledger
		if len(partial) > 0 {
			retained = pick(partial)
		} else {
			retained = pick(pending)
		}
		if err := place(retained, partial); err != nil {
			return res, err
		}
		if err := place(retained, pending); err != nil {
			return res, err
		}
		res.Retained = retained
	}

	for _, g := range forming {
		if used[g.ID()] {
			g.Touch(now)
			continue
		}
		if err := g.Close(domain.GroupStateCancelled, now); err != nil {
			return res, fmt.Errorf("rearrange: cancel %s: %w", g.ID(), err)
		}
		res.Cancelled = append(res.Cancelled, g)
	}

	return res, nil
}

func sortMembers(ms []member) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].p.RegisteredBefore(ms[j].p)
	})
}
