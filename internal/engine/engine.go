// Package engine owns the GroupBuy lifecycle: joins, deposit results,
// withdrawals with rearrangement, and expiry or cancellation. Every mutation
// of a product's groups runs under that product's lock and is committed to
// the store as one change set; events are emitted only after the lock is
// released.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/groupbuy/internal/discount"
	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/ledger"
	"github.com/alanyoungcy/groupbuy/internal/metrics"
)

// Config tunes the engine.
type Config struct {
	// OvershootMargin is how many units of Pending reservations may exceed
	// a group's target before Join reports ErrGroupUnavailable.
	OvershootMargin int
	// LockTTL bounds how long a product lock is held if its holder dies.
	LockTTL time.Duration
	// LockWait is how long an operation waits for a busy product lock.
	LockWait time.Duration
	// LockRetry is the pause between lock attempts.
	LockRetry time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		OvershootMargin: 2,
		LockTTL:         10 * time.Second,
		LockWait:        3 * time.Second,
		LockRetry:       20 * time.Millisecond,
	}
}

// Engine is the group formation engine. It is safe for concurrent use.
type Engine struct {
	catalog domain.ProductCatalog
	store   domain.GroupStore
	locks   domain.LockManager
	sink    domain.EventSink
	cache   domain.GroupCache
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// New creates an Engine.
func New(
	catalog domain.ProductCatalog,
	store domain.GroupStore,
	locks domain.LockManager,
	sink domain.EventSink,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	def := DefaultConfig()
	if cfg.OvershootMargin < 0 {
		cfg.OvershootMargin = 0
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = def.LockRetry
	}
	return &Engine{
		catalog: catalog,
		store:   store,
		locks:   locks,
		sink:    sink,
		cfg:     cfg,
		now:     time.Now,
		newID:   newID,
		logger:  logger.With(slog.String("component", "engine")),
	}
}

// WithCache attaches a snapshot cache consulted by GetActiveGroupBuy and
// invalidated after every commit.
func (e *Engine) WithCache(c domain.GroupCache) *Engine {
	e.cache = c
	return e
}

// WithMetrics attaches Prometheus collectors.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithIDGenerator overrides how group, participant and event ids are made.
// Ids must sort in creation order.
func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.newID = gen
	return e
}

// Join registers a Pending participant in the product's Forming group,
// opening one when none exists.
func (e *Engine) Join(ctx context.Context, productID, buyerID string, quantity int) (domain.JoinResult, error) {
	if quantity < 1 {
		return domain.JoinResult{}, fmt.Errorf("engine: join %s: %w", productID, domain.ErrInvalidQuantity)
	}

	var res domain.JoinResult
	err := e.run(ctx, "join", productID, func(s *session) error {
		if !s.product.Buyable() {
			return fmt.Errorf("engine: join %s: %w", productID, domain.ErrProductNotBuyable)
		}

		g := s.active()
		if g == nil {
			g = s.open()
		} else if g.ReservedQuantity() > 0 && g.ReservedQuantity()+quantity > g.Target()+e.cfg.OvershootMargin {
			return fmt.Errorf("engine: join %s: group %s reserved %d of %d: %w",
				productID, g.ID(), g.ReservedQuantity(), g.Target(), domain.ErrGroupUnavailable)
		}

		p := domain.Participant{
			ID:            e.newID(),
			BuyerID:       buyerID,
			Quantity:      quantity,
			DepositStatus: domain.DepositPending,
			RegisteredAt:  s.registrationTime(),
			UpdatedAt:     s.now,
		}
		if err := g.AddParticipant(p); err != nil {
			return fmt.Errorf("engine: join %s: %w", productID, err)
		}
		g.Touch(s.now)
		s.emitProgress(domain.EventParticipantJoined, g, p)

		res = domain.JoinResult{
			ParticipantID:   p.ID,
			GroupBuyID:      g.ID(),
			RegisteredAt:    p.RegisteredAt,
			PreviewDiscount: discount.ForProduct(s.product, g.PaidQuantity()+quantity),
		}
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.JoinResult{}, fmt.Errorf("engine: join %s: unknown product: %w", productID, domain.ErrProductNotBuyable)
	}
	if err != nil {
		return domain.JoinResult{}, err
	}

	e.logger.InfoContext(ctx, "participant joined",
		slog.String("product_id", productID),
		slog.String("group_id", res.GroupBuyID),
		slog.String("participant_id", res.ParticipantID),
		slog.Int("quantity", quantity),
	)
	return res, nil
}

// ConfirmPaymentResult records the outcome of a participant's deposit. A
// success may confirm the group; a failure removes the participant as if it
// never joined. A success arriving after the group expired or was cancelled
// is refunded straight away.
func (e *Engine) ConfirmPaymentResult(ctx context.Context, participantID string, success bool) error {
	productID, err := e.productOf(ctx, participantID)
	if err != nil {
		return fmt.Errorf("engine: payment result %s: %w", participantID, err)
	}

	return e.run(ctx, "payment_result", productID, func(s *session) error {
		p, g, err := s.participant(ctx, participantID)
		if err != nil {
			return fmt.Errorf("engine: payment result %s: %w", participantID, err)
		}

		switch g.State() {
		case domain.GroupStateConfirmed:
			return fmt.Errorf("engine: payment result %s: %w", participantID, domain.ErrGroupAlreadyConfirmed)
		case domain.GroupStateExpired, domain.GroupStateCancelled:
			return s.lateResult(p, success)
		}

		switch p.DepositStatus {
		case domain.DepositPaid:
			if success {
				return nil
			}
			return fmt.Errorf("engine: payment failure for paid participant %s: %w", participantID, domain.ErrPaymentConflict)
		case domain.DepositRefunded:
			return fmt.Errorf("engine: payment result %s: %w", participantID, domain.ErrUnknownParticipant)
		}

		if !success {
			if err := g.UpdateStatus(participantID, domain.DepositFailed, s.now); err != nil {
				return fmt.Errorf("engine: payment result %s: %w", participantID, err)
			}
			if _, err := g.RemoveParticipant(participantID); err != nil {
				return fmt.Errorf("engine: payment result %s: %w", participantID, err)
			}
			s.removed = append(s.removed, participantID)
			g.Touch(s.now)
			return nil
		}

		if err := g.UpdateStatus(participantID, domain.DepositPaid, s.now); err != nil {
			return fmt.Errorf("engine: payment result %s: %w", participantID, err)
		}
		g.Touch(s.now)
		if g.PaidQuantity() >= g.Target() {
			return s.confirm(g)
		}
		p.DepositStatus = domain.DepositPaid
		s.emitProgress(domain.EventDepositPaid, g, p)
		return nil
	})
}

// Withdraw removes a participant from its Forming group, refunding a paid
// deposit. When the group can no longer reach its target from what remains,
// the product's Forming groups are rearranged.
func (e *Engine) Withdraw(ctx context.Context, participantID string) error {
	productID, err := e.productOf(ctx, participantID)
	if err != nil {
		return fmt.Errorf("engine: withdraw %s: %w", participantID, err)
	}

	return e.run(ctx, "withdraw", productID, func(s *session) error {
		p, g, err := s.participant(ctx, participantID)
		if err != nil {
			return fmt.Errorf("engine: withdraw %s: %w", participantID, err)
		}
		switch g.State() {
		case domain.GroupStateConfirmed:
			return fmt.Errorf("engine: withdraw %s: %w", participantID, domain.ErrGroupAlreadyConfirmed)
		case domain.GroupStateExpired, domain.GroupStateCancelled:
			return fmt.Errorf("engine: withdraw %s: %w", participantID, domain.ErrGroupClosed)
		}
		if !p.DepositStatus.Active() {
			return fmt.Errorf("engine: withdraw %s: %w", participantID, domain.ErrUnknownParticipant)
		}

		if p.DepositStatus == domain.DepositPaid {
			if err := s.refund(g, p, "withdrawn"); err != nil {
				return fmt.Errorf("engine: withdraw %s: %w", participantID, err)
			}
		} else {
			if _, err := g.RemoveParticipant(participantID); err != nil {
				return fmt.Errorf("engine: withdraw %s: %w", participantID, err)
			}
			s.removed = append(s.removed, participantID)
		}
		g.Touch(s.now)

		if g.ReservedQuantity() < g.Target() {
			return s.rearrange()
		}
		return nil
	})
}

// Expire closes a Forming group whose time ran out.
func (e *Engine) Expire(ctx context.Context, groupID string) error {
	return e.close(ctx, groupID, domain.GroupStateExpired, "expired")
}

// Cancel closes a Forming group, for example when the seller withdraws the
// product.
func (e *Engine) Cancel(ctx context.Context, groupID string) error {
	return e.close(ctx, groupID, domain.GroupStateCancelled, "cancelled")
}

// ExpireStale expires every Forming group not updated since before. Groups
// that changed state meanwhile are skipped.
func (e *Engine) ExpireStale(ctx context.Context, before time.Time) (int, error) {
	const batch = 100
	expired := 0
	seen := make(map[string]bool)
	for {
		groups, err := e.store.ListStale(ctx, before, batch)
		if err != nil {
			return expired, fmt.Errorf("engine: list stale groups: %w", err)
		}
		progressed := false
		for _, g := range groups {
			if seen[g.ID] {
				continue
			}
			seen[g.ID] = true
			progressed = true
			err := e.Expire(ctx, g.ID)
			switch {
			case err == nil:
				expired++
			case errors.Is(err, domain.ErrGroupAlreadyConfirmed), errors.Is(err, domain.ErrGroupClosed):
			case ctx.Err() != nil:
				return expired, ctx.Err()
			default:
				e.logger.WarnContext(ctx, "expire stale group failed",
					slog.String("group_id", g.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if len(groups) < batch || !progressed {
			return expired, nil
		}
	}
}

// GetActiveGroupBuy returns a snapshot of the product's Forming group. It
// takes no lock and is safe to poll.
func (e *Engine) GetActiveGroupBuy(ctx context.Context, productID string) (domain.ActiveGroupBuy, error) {
	if e.cache != nil {
		snap, err := e.cache.Get(ctx, productID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.DebugContext(ctx, "group cache read failed",
				slog.String("product_id", productID),
				slog.String("error", err.Error()),
			)
		}
	}

	product, err := e.catalog.GetProductDiscountConfig(ctx, productID)
	if err != nil {
		return domain.ActiveGroupBuy{}, fmt.Errorf("engine: active group %s: %w", productID, err)
	}
	groups, err := e.store.ListForming(ctx, productID)
	if err != nil {
		return domain.ActiveGroupBuy{}, fmt.Errorf("engine: active group %s: %w", productID, err)
	}
	if len(groups) == 0 {
		return domain.ActiveGroupBuy{}, fmt.Errorf("engine: active group %s: %w", productID, domain.ErrNotFound)
	}
	oldest := groups[0]
	for _, g := range groups[1:] {
		if g.ID < oldest.ID {
			oldest = g
		}
	}

	l := ledger.New(oldest)
	paid := l.PaidQuantity()
	snap := domain.ActiveGroupBuy{
		Group:            l.Group(),
		PaidQuantity:     paid,
		ReservedQuantity: l.ReservedQuantity(),
		CurrentDiscount:  discount.ForProduct(product, paid),
		NextTier:         nextTier(product, paid),
		AsOf:             e.now().UTC(),
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, productID, snap); err != nil {
			e.logger.DebugContext(ctx, "group cache write failed",
				slog.String("product_id", productID),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap, nil
}

func (e *Engine) close(ctx context.Context, groupID string, state domain.GroupState, reason string) error {
	stored, err := e.store.GetGroup(ctx, groupID)
	if err != nil {
		return fmt.Errorf("engine: %s group %s: %w", reason, groupID, err)
	}

	return e.run(ctx, string(state), stored.ProductID, func(s *session) error {
		g := s.find(groupID)
		if g == nil {
			current, err := e.store.GetGroup(ctx, groupID)
			if err != nil {
				return fmt.Errorf("engine: %s group %s: %w", reason, groupID, err)
			}
			if current.State == domain.GroupStateConfirmed {
				return fmt.Errorf("engine: %s group %s: %w", reason, groupID, domain.ErrGroupAlreadyConfirmed)
			}
			return fmt.Errorf("engine: %s group %s: %w", reason, groupID, domain.ErrGroupClosed)
		}
		return s.close(g, state, reason)
	})
}

// productOf resolves the product a participant's group belongs to. The
// product never changes for a participant, so this is safe outside the lock.
func (e *Engine) productOf(ctx context.Context, participantID string) (string, error) {
	p, err := e.store.GetParticipant(ctx, participantID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrUnknownParticipant
	}
	if err != nil {
		return "", err
	}
	g, err := e.store.GetGroup(ctx, p.GroupBuyID)
	if err != nil {
		return "", err
	}
	return g.ProductID, nil
}

// run executes fn inside the product's critical section, commits what it
// staged, and emits the buffered events after the lock is released.
func (e *Engine) run(ctx context.Context, op, productID string, fn func(s *session) error) error {
	start := time.Now()
	var events []domain.Event

	err := e.withProductLock(ctx, productID, func() error {
		s, err := e.begin(ctx, productID)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		if err := s.commit(ctx); err != nil {
			return err
		}
		e.invalidate(ctx, productID)
		events = s.events
		return nil
	})
	e.metrics.ObserveOperation(op, outcome(err), time.Since(start))

	if errors.Is(err, domain.ErrInvalidTransition) {
		e.logger.ErrorContext(ctx, "ledger invariant violated",
			slog.String("op", op),
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
	}
	if err != nil {
		return err
	}

	for _, ev := range events {
		e.sink.Emit(ctx, ev)
	}
	return nil
}

// withProductLock retries a busy lock until LockWait elapses.
func (e *Engine) withProductLock(ctx context.Context, productID string, fn func() error) error {
	key := "product:" + productID
	start := time.Now()
	deadline := start.Add(e.cfg.LockWait)

	for {
		unlock, err := e.locks.Acquire(ctx, key, e.cfg.LockTTL)
		if err == nil {
			e.metrics.ObserveLockWait(time.Since(start))
			defer unlock()
			return fn()
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("engine: lock %s: %w", key, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("engine: lock %s: %w", key, domain.ErrLockHeld)
		}

		t := time.NewTimer(e.cfg.LockRetry)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (e *Engine) invalidate(ctx context.Context, productID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Invalidate(ctx, productID); err != nil {
		e.logger.WarnContext(ctx, "group cache invalidate failed",
			slog.String("product_id", productID),
			slog.String("error", err.Error()),
		)
	}
}

// nextTier reports the next discount step. Products without tiers have a
// single step at the minimum group size.
func nextTier(p domain.Product, paid int) *domain.DiscountTier {
	if len(p.Tiers) > 0 {
		return discount.NextTier(p.Tiers, paid)
	}
	if p.MinGroupSize > 0 && paid < p.MinGroupSize && p.BaseDiscount.IsPositive() {
		return &domain.DiscountTier{GroupSize: p.MinGroupSize, Percentage: p.BaseDiscount}
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrProductNotBuyable):
		return "not_buyable"
	case errors.Is(err, domain.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, domain.ErrGroupUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrUnknownParticipant), errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrGroupAlreadyConfirmed), errors.Is(err, domain.ErrGroupClosed):
		return "closed"
	case errors.Is(err, domain.ErrLockHeld):
		return "lock_timeout"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}

// newID returns a UUIDv7, whose string form sorts by creation time.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
