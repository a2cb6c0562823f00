package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/events"
	"github.com/alanyoungcy/groupbuy/internal/lock"
	"github.com/alanyoungcy/groupbuy/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%06d", n)
	}
}

type harness struct {
	engine *Engine
	store  *memory.Store
	events *events.Recorder
	clock  *fakeClock
}

func newHarness(t *testing.T, cfg Config, products ...domain.Product) *harness {
	t.Helper()
	store := memory.New()
	for _, p := range products {
		require.NoError(t, store.Upsert(context.Background(), p))
	}
	rec := events.NewRecorder()
	clock := &fakeClock{t: t0}
	e := New(store, store, lock.NewLocal(), rec, cfg, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithClock(clock.Now).
		WithIDGenerator(seqIDs())
	return &harness{engine: e, store: store, events: rec, clock: clock}
}

func pct(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func baseProduct() domain.Product {
	return domain.Product{
		ID:           "p1",
		Name:         "Espresso machine",
		Price:        decimal.RequireFromString("199.99"),
		MinGroupSize: 5,
		BaseDiscount: pct(20),
	}
}

func (h *harness) join(t *testing.T, productID, buyer string, qty int) domain.JoinResult {
	t.Helper()
	res, err := h.engine.Join(context.Background(), productID, buyer, qty)
	require.NoError(t, err)
	return res
}

func (h *harness) pay(t *testing.T, participantID string) {
	t.Helper()
	require.NoError(t, h.engine.ConfirmPaymentResult(context.Background(), participantID, true))
}

func (h *harness) group(t *testing.T, id string) domain.GroupBuy {
	t.Helper()
	g, err := h.store.GetGroup(context.Background(), id)
	require.NoError(t, err)
	return g
}

func TestEngine_ConfirmsAtQuorumWithBaseDiscount(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())

	var groupID string
	for i := 1; i <= 4; i++ {
		res := h.join(t, "p1", fmt.Sprintf("buyer-%d", i), 1)
		require.True(t, res.PreviewDiscount.IsZero())
		h.pay(t, res.ParticipantID)
		groupID = res.GroupBuyID
	}

	snap, err := h.engine.GetActiveGroupBuy(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, domain.GroupStateForming, snap.Group.State)
	require.Equal(t, 4, snap.PaidQuantity)
	require.True(t, snap.CurrentDiscount.IsZero())
	require.NotNil(t, snap.NextTier)
	require.Equal(t, 5, snap.NextTier.GroupSize)

	res := h.join(t, "p1", "buyer-5", 1)
	require.Equal(t, groupID, res.GroupBuyID)
	require.True(t, res.PreviewDiscount.Equal(pct(20)))
	h.pay(t, res.ParticipantID)

	g := h.group(t, groupID)
	require.Equal(t, domain.GroupStateConfirmed, g.State)
	require.True(t, g.LockedDiscount.Equal(pct(20)))
	require.NotNil(t, g.ConfirmedAt)

	confirmed := h.events.OfType(domain.EventGroupConfirmed)
	require.Len(t, confirmed, 1)
	require.Equal(t, groupID, confirmed[0].GroupID)
	require.Equal(t, 5, confirmed[0].Quantity)
	require.Equal(t, "159.99", confirmed[0].DiscountedPrice.StringFixed(2))
	require.Len(t, confirmed[0].BuyerIDs, 5)

	_, err = h.engine.GetActiveGroupBuy(context.Background(), "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_TieredDiscount(t *testing.T) {
	p := baseProduct()
	p.Tiers = []domain.DiscountTier{
		{GroupSize: 3, Percentage: pct(10)},
		{GroupSize: 5, Percentage: pct(20)},
		{GroupSize: 8, Percentage: pct(30)},
	}
	h := newHarness(t, DefaultConfig(), p)

	var groupID string
	for i := 1; i <= 3; i++ {
		res := h.join(t, "p1", fmt.Sprintf("buyer-%d", i), 1)
		h.pay(t, res.ParticipantID)
		groupID = res.GroupBuyID
	}
	snap, err := h.engine.GetActiveGroupBuy(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, snap.CurrentDiscount.Equal(pct(10)))
	require.Equal(t, 5, snap.NextTier.GroupSize)

	for i := 4; i <= 5; i++ {
		res := h.join(t, "p1", fmt.Sprintf("buyer-%d", i), 1)
		h.pay(t, res.ParticipantID)
	}
	g := h.group(t, groupID)
	require.Equal(t, domain.GroupStateConfirmed, g.State)
	require.True(t, g.LockedDiscount.Equal(pct(20)))

	// The confirmed group takes no more buyers; the next join opens a new one.
	res := h.join(t, "p1", "buyer-6", 1)
	require.NotEqual(t, groupID, res.GroupBuyID)
}

func TestEngine_SingleBuyerShortcut(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())

	res := h.join(t, "p1", "bulk-buyer", 5)
	require.True(t, res.PreviewDiscount.Equal(pct(20)))
	h.pay(t, res.ParticipantID)

	g := h.group(t, res.GroupBuyID)
	require.Equal(t, domain.GroupStateConfirmed, g.State)
	require.True(t, g.LockedDiscount.Equal(pct(20)))
}

func seedParticipant(id, group string, minute int) domain.Participant {
	return domain.Participant{
		ID:            id,
		GroupBuyID:    group,
		BuyerID:       "buyer-" + id,
		Quantity:      1,
		DepositStatus: domain.DepositPaid,
		RegisteredAt:  t0.Add(time.Duration(minute) * time.Minute),
	}
}

func TestEngine_WithdrawRearrangesFragmentedGroups(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	ctx := context.Background()

	a := domain.GroupBuy{
		ID: "g-a", ProductID: "p1", TargetCount: 5, State: domain.GroupStateForming, CreatedAt: t0, UpdatedAt: t0,
		Participants: []domain.Participant{
			seedParticipant("a1", "g-a", 0),
			seedParticipant("a2", "g-a", 1),
			seedParticipant("a3", "g-a", 2),
		},
	}
	b := domain.GroupBuy{
		ID: "g-b", ProductID: "p1", TargetCount: 5, State: domain.GroupStateForming, CreatedAt: t0, UpdatedAt: t0,
		Participants: []domain.Participant{
			seedParticipant("b1", "g-b", 10),
			seedParticipant("b2", "g-b", 11),
			seedParticipant("b3", "g-b", 12),
			seedParticipant("b4", "g-b", 13),
		},
	}
	require.NoError(t, h.store.Commit(ctx, domain.ChangeSet{Groups: []domain.GroupBuy{a, b}}))

	require.NoError(t, h.engine.Withdraw(ctx, "a3"))

	ga := h.group(t, "g-a")
	require.Equal(t, domain.GroupStateConfirmed, ga.State)
	require.True(t, ga.LockedDiscount.Equal(pct(20)))
	var got []string
	for _, p := range ga.Participants {
		got = append(got, p.ID)
	}
	require.Equal(t, []string{"a1", "a2", "b1", "b2", "b3"}, got)

	gb := h.group(t, "g-b")
	require.Equal(t, domain.GroupStateForming, gb.State)
	require.Len(t, gb.Participants, 1)
	require.Equal(t, "b4", gb.Participants[0].ID)

	// b1 keeps its registration time across the move.
	moved, err := h.store.GetParticipant(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, "g-a", moved.GroupBuyID)
	require.True(t, moved.RegisteredAt.Equal(t0.Add(10*time.Minute)))

	withdrawn, err := h.store.GetParticipant(ctx, "a3")
	require.NoError(t, err)
	require.Equal(t, domain.DepositRefunded, withdrawn.DepositStatus)

	require.Len(t, h.events.OfType(domain.EventParticipantRefunded), 1)
	reassigned := h.events.OfType(domain.EventParticipantReassigned)
	require.Len(t, reassigned, 3)
	for _, ev := range reassigned {
		require.Equal(t, "g-b", ev.FromGroupID)
		require.Equal(t, "g-a", ev.ToGroupID)
		require.True(t, ev.DiscountChanged)
	}
	require.Len(t, h.events.OfType(domain.EventGroupConfirmed), 1)

	snap, err := h.engine.GetActiveGroupBuy(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "g-b", snap.Group.ID)
	require.Equal(t, 1, snap.PaidQuantity)
}

func TestEngine_WithdrawCancelsGroupsEmptiedByMerge(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	ctx := context.Background()

	groups := []domain.GroupBuy{
		{ID: "g-a", ProductID: "p1", TargetCount: 5, State: domain.GroupStateForming, CreatedAt: t0, UpdatedAt: t0,
			Participants: []domain.Participant{seedParticipant("a1", "g-a", 0), seedParticipant("a2", "g-a", 1)}},
		{ID: "g-b", ProductID: "p1", TargetCount: 5, State: domain.GroupStateForming, CreatedAt: t0, UpdatedAt: t0,
			Participants: []domain.Participant{seedParticipant("b1", "g-b", 2)}},
	}
	require.NoError(t, h.store.Commit(ctx, domain.ChangeSet{Groups: groups}))

	require.NoError(t, h.engine.Withdraw(ctx, "a2"))

	require.Equal(t, domain.GroupStateForming, h.group(t, "g-a").State)
	require.Len(t, h.group(t, "g-a").Participants, 2)
	gb := h.group(t, "g-b")
	require.Equal(t, domain.GroupStateCancelled, gb.State)
	require.Empty(t, gb.Participants)
	require.Len(t, h.events.OfType(domain.EventGroupCancelled), 1)
}

func TestEngine_PaymentOnConfirmedGroupFails(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	ctx := context.Background()

	res := h.join(t, "p1", "bulk-buyer", 5)
	h.pay(t, res.ParticipantID)
	before := h.group(t, res.GroupBuyID)

	err := h.engine.ConfirmPaymentResult(ctx, res.ParticipantID, true)
	require.ErrorIs(t, err, domain.ErrGroupAlreadyConfirmed)
	err = h.engine.Withdraw(ctx, res.ParticipantID)
	require.ErrorIs(t, err, domain.ErrGroupAlreadyConfirmed)

	after := h.group(t, res.GroupBuyID)
	require.Equal(t, before.Version, after.Version)
	require.Len(t, h.events.OfType(domain.EventGroupConfirmed), 1)
}

func TestEngine_JoinRejectsUnbuyableProduct(t *testing.T) {
	p := baseProduct()
	p.MinGroupSize = 0
	h := newHarness(t, DefaultConfig(), p)

	_, err := h.engine.Join(context.Background(), "p1", "buyer", 1)
	require.ErrorIs(t, err, domain.ErrProductNotBuyable)

	groups, err := h.store.ListForming(context.Background(), "p1")
	require.NoError(t, err)
	require.Empty(t, groups)
	require.Empty(t, h.events.Events())
}

func TestEngine_JoinValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())

	_, err := h.engine.Join(context.Background(), "p1", "buyer", 0)
	require.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = h.engine.Join(context.Background(), "missing", "buyer", 1)
	require.ErrorIs(t, err, domain.ErrProductNotBuyable)
	require.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_JoinRespectsOvershootMargin(t *testing.T) {
	p := baseProduct()
	p.MinGroupSize = 2
	cfg := DefaultConfig()
	cfg.OvershootMargin = 2
	h := newHarness(t, cfg, p)

	for i := 0; i < 4; i++ {
		h.join(t, "p1", fmt.Sprintf("buyer-%d", i), 1)
	}
	_, err := h.engine.Join(context.Background(), "p1", "buyer-x", 1)
	require.ErrorIs(t, err, domain.ErrGroupUnavailable)

	snap, err := h.engine.GetActiveGroupBuy(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 4, snap.ReservedQuantity)
}

func TestEngine_RegistrationOrderIsStrict(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	frozen := t0
	h.engine.WithClock(func() time.Time { return frozen })

	first := h.join(t, "p1", "a", 1)
	second := h.join(t, "p1", "b", 1)
	require.True(t, second.RegisteredAt.After(first.RegisteredAt))
}

func TestEngine_PaymentFailureRemovesParticipant(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	ctx := context.Background()

	keep := h.join(t, "p1", "a", 1)
	drop := h.join(t, "p1", "b", 2)

	require.NoError(t, h.engine.ConfirmPaymentResult(ctx, drop.ParticipantID, false))

	_, err := h.store.GetParticipant(ctx, drop.ParticipantID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	snap, err := h.engine.GetActiveGroupBuy(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.ReservedQuantity)
	require.Equal(t, keep.GroupBuyID, snap.Group.ID)
	require.Len(t, h.events.OfType(domain.EventParticipantJoined), 2)
	require.Len(t, h.events.Events(), 2)

	err = h.engine.ConfirmPaymentResult(ctx, drop.ParticipantID, true)
	require.ErrorIs(t, err, domain.ErrUnknownParticipant)
}

func TestEngine_FailureAfterSuccessKeepsDeposit(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	ctx := context.Background()

	res := h.join(t, "p1", "a", 2)
	h.pay(t, res.ParticipantID)
	before := h.group(t, res.GroupBuyID)

	err := h.engine.ConfirmPaymentResult(ctx, res.ParticipantID, false)
	require.ErrorIs(t, err, domain.ErrPaymentConflict)
	require.NotErrorIs(t, err, domain.ErrInvalidTransition)

	p, err := h.store.GetParticipant(ctx, res.ParticipantID)
	require.NoError(t, err)
	require.Equal(t, domain.DepositPaid, p.DepositStatus)
	require.Equal(t, before.Version, h.group(t, res.GroupBuyID).Version)
	require.Empty(t, h.events.OfType(domain.EventParticipantRefunded))
}

func TestEngine_JoinAndDepositReportProgress(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())

	first := h.join(t, "p1", "a", 2)
	h.join(t, "p1", "b", 1)
	h.pay(t, first.ParticipantID)

	joined := h.events.OfType(domain.EventParticipantJoined)
	require.Len(t, joined, 2)
	require.Equal(t, "a", joined[0].BuyerID)
	require.Equal(t, first.GroupBuyID, joined[0].GroupID)
	require.Equal(t, first.ParticipantID, joined[0].ParticipantID)
	require.Equal(t, 2, joined[0].Quantity)
	require.Equal(t, 0, joined[0].PaidQuantity)
	require.Equal(t, 2, joined[0].ReservedQuantity)
	require.Equal(t, 5, joined[0].TargetCount)
	require.Equal(t, 3, joined[1].ReservedQuantity)

	paid := h.events.OfType(domain.EventDepositPaid)
	require.Len(t, paid, 1)
	require.Equal(t, first.ParticipantID, paid[0].ParticipantID)
	require.Equal(t, 2, paid[0].PaidQuantity)
	require.Equal(t, 3, paid[0].ReservedQuantity)
	require.Equal(t, 5, paid[0].TargetCount)
	require.True(t, paid[0].Discount.IsZero())
	require.Equal(t, "p1", paid[0].ProductID)
}

func TestEngine_ConfirmingDepositReportsNoProgress(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())

	res := h.join(t, "p1", "bulk-buyer", 5)
	h.pay(t, res.ParticipantID)

	require.Empty(t, h.events.OfType(domain.EventDepositPaid))
	require.Len(t, h.events.OfType(domain.EventGroupConfirmed), 1)
}

func TestEngine_DuplicateSuccessIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())

	res := h.join(t, "p1", "a", 1)
	h.pay(t, res.ParticipantID)
	h.pay(t, res.ParticipantID)

	snap, err := h.engine.GetActiveGroupBuy(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.PaidQuantity)
}

func TestEngine_OvershootCarriesPendingToNextGroup(t *testing.T) {
	p := baseProduct()
	p.MinGroupSize = 2
	h := newHarness(t, DefaultConfig(), p)
	ctx := context.Background()

	a := h.join(t, "p1", "a", 1)
	b := h.join(t, "p1", "b", 1)
	c := h.join(t, "p1", "c", 1)
	h.pay(t, a.ParticipantID)
	h.pay(t, b.ParticipantID)

	confirmed := h.group(t, a.GroupBuyID)
	require.Equal(t, domain.GroupStateConfirmed, confirmed.State)
	require.Len(t, confirmed.Participants, 2)

	moved, err := h.store.GetParticipant(ctx, c.ParticipantID)
	require.NoError(t, err)
	require.NotEqual(t, a.GroupBuyID, moved.GroupBuyID)
	require.Equal(t, domain.DepositPending, moved.DepositStatus)
	require.True(t, moved.RegisteredAt.Equal(c.RegisteredAt))

	reassigned := h.events.OfType(domain.EventParticipantReassigned)
	require.Len(t, reassigned, 1)
	require.Equal(t, "overshoot", reassigned[0].Reason)

	// The carried participant can still complete the next group.
	d := h.join(t, "p1", "d", 1)
	require.Equal(t, moved.GroupBuyID, d.GroupBuyID)
	h.pay(t, c.ParticipantID)
	h.pay(t, d.ParticipantID)
	require.Equal(t, domain.GroupStateConfirmed, h.group(t, moved.GroupBuyID).State)
}

func TestEngine_ConcurrentPaymentsConfirmOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OvershootMargin = 5
	cfg.LockWait = 10 * time.Second
	cfg.LockRetry = time.Millisecond
	h := newHarness(t, cfg, baseProduct())

	var ids []string
	for i := 0; i < 10; i++ {
		ids = append(ids, h.join(t, "p1", fmt.Sprintf("buyer-%d", i), 1).ParticipantID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- h.engine.ConfirmPaymentResult(context.Background(), id, true)
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	confirmed := h.events.OfType(domain.EventGroupConfirmed)
	require.Len(t, confirmed, 2)
	require.NotEqual(t, confirmed[0].GroupID, confirmed[1].GroupID)
	for _, ev := range confirmed {
		require.Equal(t, 5, ev.Quantity)
		g := h.group(t, ev.GroupID)
		require.Equal(t, domain.GroupStateConfirmed, g.State)
		require.Len(t, g.Participants, 5)
	}
}

func TestEngine_WithdrawPendingAndUnknown(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	ctx := context.Background()

	paid := h.join(t, "p1", "a", 1)
	h.pay(t, paid.ParticipantID)
	pending := h.join(t, "p1", "b", 1)

	require.NoError(t, h.engine.Withdraw(ctx, pending.ParticipantID))
	_, err := h.store.GetParticipant(ctx, pending.ParticipantID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Empty(t, h.events.OfType(domain.EventParticipantRefunded))

	require.ErrorIs(t, h.engine.Withdraw(ctx, "nobody"), domain.ErrUnknownParticipant)

	// Withdrawing the last participant leaves nothing to form.
	require.NoError(t, h.engine.Withdraw(ctx, paid.ParticipantID))
	require.ErrorIs(t, h.engine.Withdraw(ctx, paid.ParticipantID), domain.ErrGroupClosed)
	require.Len(t, h.events.OfType(domain.EventParticipantRefunded), 1)
	require.Equal(t, domain.GroupStateCancelled, h.group(t, paid.GroupBuyID).State)

	_, err = h.engine.GetActiveGroupBuy(ctx, "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEngine_ExpireRefundsAndHandlesLatePayment(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	ctx := context.Background()

	paid := h.join(t, "p1", "a", 1)
	h.pay(t, paid.ParticipantID)
	late := h.join(t, "p1", "b", 1)

	require.NoError(t, h.engine.Expire(ctx, paid.GroupBuyID))
	g := h.group(t, paid.GroupBuyID)
	require.Equal(t, domain.GroupStateExpired, g.State)
	require.NotNil(t, g.ClosedAt)
	require.Len(t, h.events.OfType(domain.EventGroupExpired), 1)
	require.Len(t, h.events.OfType(domain.EventParticipantRefunded), 1)

	require.ErrorIs(t, h.engine.Expire(ctx, paid.GroupBuyID), domain.ErrGroupClosed)
	require.ErrorIs(t, h.engine.Withdraw(ctx, late.ParticipantID), domain.ErrGroupClosed)

	// A deposit that succeeds after expiry is refunded straight away.
	require.NoError(t, h.engine.ConfirmPaymentResult(ctx, late.ParticipantID, true))
	p, err := h.store.GetParticipant(ctx, late.ParticipantID)
	require.NoError(t, err)
	require.Equal(t, domain.DepositRefunded, p.DepositStatus)
	refunds := h.events.OfType(domain.EventParticipantRefunded)
	require.Len(t, refunds, 2)
	require.Equal(t, "group closed", refunds[1].Reason)

	// A repeated success is harmless.
	require.NoError(t, h.engine.ConfirmPaymentResult(ctx, late.ParticipantID, true))
	require.Len(t, h.events.OfType(domain.EventParticipantRefunded), 2)
}

func TestEngine_CancelConfirmedGroupFails(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())

	res := h.join(t, "p1", "bulk", 5)
	h.pay(t, res.ParticipantID)

	err := h.engine.Cancel(context.Background(), res.GroupBuyID)
	require.ErrorIs(t, err, domain.ErrGroupAlreadyConfirmed)
	require.ErrorIs(t, h.engine.Cancel(context.Background(), "missing"), domain.ErrNotFound)
}

func TestEngine_ExpireStale(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct(), domain.Product{ID: "p2", MinGroupSize: 3})
	ctx := context.Background()

	old := h.join(t, "p1", "a", 1)
	h.clock.Advance(48 * time.Hour)
	fresh := h.join(t, "p2", "b", 1)

	n, err := h.engine.ExpireStale(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, domain.GroupStateExpired, h.group(t, old.GroupBuyID).State)
	require.Equal(t, domain.GroupStateForming, h.group(t, fresh.GroupBuyID).State)
}

type busyLocks struct{}

func (busyLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

func TestEngine_LockWaitTimesOut(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Upsert(context.Background(), baseProduct()))
	cfg := DefaultConfig()
	cfg.LockWait = 20 * time.Millisecond
	cfg.LockRetry = 5 * time.Millisecond
	e := New(store, store, busyLocks{}, events.NewRecorder(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := e.Join(context.Background(), "p1", "buyer", 1)
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

type stubCache struct {
	mu          sync.Mutex
	snaps       map[string]domain.ActiveGroupBuy
	invalidated int
}

func (c *stubCache) Set(_ context.Context, productID string, snap domain.ActiveGroupBuy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[productID] = snap
	return nil
}

func (c *stubCache) Get(_ context.Context, productID string) (domain.ActiveGroupBuy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[productID]
	if !ok {
		return domain.ActiveGroupBuy{}, domain.ErrNotFound
	}
	return s, nil
}

func (c *stubCache) Invalidate(_ context.Context, productID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, productID)
	c.invalidated++
	return nil
}

func TestEngine_SnapshotCacheIsInvalidatedOnCommit(t *testing.T) {
	h := newHarness(t, DefaultConfig(), baseProduct())
	cache := &stubCache{snaps: make(map[string]domain.ActiveGroupBuy)}
	h.engine.WithCache(cache)
	ctx := context.Background()

	res := h.join(t, "p1", "a", 1)
	snap, err := h.engine.GetActiveGroupBuy(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.ReservedQuantity)
	_, err = cache.Get(ctx, "p1")
	require.NoError(t, err)

	h.pay(t, res.ParticipantID)
	_, err = cache.Get(ctx, "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	snap, err = h.engine.GetActiveGroupBuy(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, snap.PaidQuantity)
}
