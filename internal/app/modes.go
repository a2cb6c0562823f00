package app

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/groupbuy/internal/blob/s3"
	"github.com/alanyoungcy/groupbuy/internal/engine"
	"github.com/alanyoungcy/groupbuy/internal/events"
	"github.com/alanyoungcy/groupbuy/internal/scheduler"
	"github.com/alanyoungcy/groupbuy/internal/server"
	"github.com/alanyoungcy/groupbuy/internal/server/handler"
	"github.com/alanyoungcy/groupbuy/internal/server/ws"
)

// ServerMode serves the HTTP API and WebSocket feed. Expiry and archiving
// are left to a worker process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	return a.run(ctx, deps, true, false)
}

// WorkerMode runs the scheduled expiry sweep and archive jobs without an
// HTTP listener.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")
	return a.run(ctx, deps, false, true)
}

// FullMode runs the server and the worker in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.run(ctx, deps, true, true)
}

func (a *App) run(ctx context.Context, deps *Dependencies, serve, work bool) error {
	g, ctx := errgroup.WithContext(ctx)

	// Every mode mutates groups, so every mode needs the dispatcher.
	dispatcher := events.NewDispatcher(deps.Publishers, events.Config{
		QueueSize:    a.cfg.Events.QueueSize,
		MaxAttempts:  a.cfg.Events.MaxAttempts,
		Backoff:      a.cfg.Events.Backoff.Duration,
		DrainTimeout: a.cfg.Events.DrainTimeout.Duration,
	}, a.logger).WithMetrics(deps.Metrics)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	eng := a.buildEngine(deps, dispatcher)

	if work {
		sched := scheduler.New(eng, deps.Archiver, scheduler.Config{
			SweepSchedule:    a.cfg.Engine.SweepCron,
			ArchiveSchedule:  a.cfg.Engine.ArchiveCron,
			ExpiryAfter:      a.cfg.Engine.ExpiryAfter.Duration,
			ArchiveRetention: a.cfg.Engine.ArchiveRetention.Duration,
		}, a.logger)
		g.Go(func() error {
			return sched.Run(ctx)
		})
	}

	if serve {
		var hub *ws.Hub
		if deps.SignalBus != nil {
			hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
				Mode:           strings.ToLower(a.cfg.Mode),
				StartedAt:      a.startedAt,
				AllowedOrigins: a.cfg.Server.CORSOrigins,
			})
			g.Go(func() error {
				return hub.Run(ctx)
			})
		} else {
			a.logger.WarnContext(ctx, "redis not configured; websocket feed disabled")
		}

		srv := server.NewServer(server.Config{
			Port:               a.cfg.Server.Port,
			CORSOrigins:        a.cfg.Server.CORSOrigins,
			APIKey:             a.cfg.Server.APIKey,
			RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
		}, server.Handlers{
			Health:   handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
			GroupBuy: handler.NewGroupBuyHandler(eng, a.logger),
			Products: handler.NewProductHandler(deps.Products, a.logger),
			Admin:    handler.NewAdminHandler(deps.Audit, deps.BlobReader, s3blob.ArchivePrefix, a.logger),
			Metrics:  deps.Metrics.Handler(),
		}, hub, deps.RateLimiter, a.logger)
		g.Go(func() error {
			return srv.Run(ctx, a.cfg.Server.ShutdownTimeout.Duration)
		})
	}

	return g.Wait()
}

func (a *App) buildEngine(deps *Dependencies, sink *events.Dispatcher) *engine.Engine {
	cfg := engine.DefaultConfig()
	cfg.OvershootMargin = a.cfg.Engine.OvershootMargin
	cfg.LockTTL = a.cfg.Engine.LockTTL.Duration
	cfg.LockWait = a.cfg.Engine.LockWait.Duration

	eng := engine.New(deps.Products, deps.Groups, deps.Locks, sink, cfg, a.logger).
		WithMetrics(deps.Metrics)
	if deps.GroupCache != nil {
		eng = eng.WithCache(deps.GroupCache)
	} else {
		a.logger.Debug("active group cache disabled", slog.String("reason", "redis not configured"))
	}
	return eng
}
