// Package events delivers engine events to downstream publishers without
// ever blocking the engine. Emit enqueues; Run drains the queue and fans
// every event out to each publisher with bounded retry.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
	"github.com/alanyoungcy/groupbuy/internal/metrics"
)

// Config tunes the dispatcher.
type Config struct {
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	// DrainTimeout bounds delivery of queued events after Run's context ends.
	DrainTimeout time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    1024,
		MaxAttempts:  5,
		Backoff:      200 * time.Millisecond,
		DrainTimeout: 5 * time.Second,
	}
}

// Dispatcher implements domain.EventSink.
type Dispatcher struct {
	queue      chan domain.Event
	publishers []domain.EventPublisher
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher fanning out to publishers.
func NewDispatcher(publishers []domain.EventPublisher, cfg Config, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &Dispatcher{
		queue:      make(chan domain.Event, cfg.QueueSize),
		publishers: publishers,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "event_dispatcher")),
	}
}

// WithMetrics attaches Prometheus collectors.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Emit enqueues ev. When the queue is full the event is dropped and counted.
func (d *Dispatcher) Emit(ctx context.Context, ev domain.Event) {
	select {
	case d.queue <- ev:
		d.metrics.SetEventQueueDepth(len(d.queue))
	default:
		d.metrics.EventDropped()
		d.logger.WarnContext(ctx, "event queue full, dropping event",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.String("product_id", ev.ProductID),
		)
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// left within DrainTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "event dispatcher started",
		slog.Int("publishers", len(d.publishers)),
	)
	for {
		select {
		case <-ctx.Done():
			d.drain(ctx)
			return nil
		case ev := <-d.queue:
			d.metrics.SetEventQueueDepth(len(d.queue))
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

// deliver hands ev to every publisher. A publisher that keeps failing does
// not hold back the others.
func (d *Dispatcher) deliver(ctx context.Context, ev domain.Event) {
	for _, p := range d.publishers {
		if err := d.publish(ctx, p, ev); err != nil {
			d.metrics.EventPublished(p.Name(), "failed")
			d.logger.ErrorContext(ctx, "event delivery failed",
				slog.String("publisher", p.Name()),
				slog.String("event_id", ev.ID),
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.metrics.EventPublished(p.Name(), "ok")
	}
}

func (d *Dispatcher) publish(ctx context.Context, p domain.EventPublisher, ev domain.Event) error {
	backoff := d.cfg.Backoff
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = p.Publish(ctx, ev); err == nil {
			return nil
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		d.logger.WarnContext(ctx, "event publish failed, retrying",
			slog.String("publisher", p.Name()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
	return err
}

// Compile-time interface check.
var _ domain.EventSink = (*Dispatcher)(nil)
