package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/predictlabs/settler/internal/domain"
	"github.com/predictlabs/settler/internal/monitor"
	"github.com/predictlabs/settler/internal/server"
	"github.com/predictlabs/settler/internal/server/handler"
	"github.com/predictlabs/settler/internal/server/ws"
)

// shutdownGrace bounds how long the HTTP server may drain in-flight requests.
const shutdownGrace = 10 * time.Second

// ServerMode runs the HTTP API and the WebSocket event hub.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// MonitorMode runs only the lifecycle monitor: phase-transition sweeps and,
// when configured, settled-market archival.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startMonitor(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// ArchiveMode runs a single archival pass over all resolved markets and
// exits. Intended for scheduled or manual invocations.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode requires s3.enabled")
	}

	mon := monitor.New(
		monitor.Config{},
		deps.MarketStore,
		deps.EventBus,
		deps.Archiver,
		deps.Notifier,
		domain.WallClock{},
		a.logger,
	)
	if err := mon.ArchiveSettled(ctx); err != nil {
		return fmt.Errorf("app: archive pass: %w", err)
	}

	a.logger.InfoContext(ctx, "archive pass complete")
	return nil
}

// FullMode runs the HTTP API, the WebSocket hub, and the lifecycle monitor in
// one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps)
	}
	if a.cfg.Monitor.Enabled {
		if err := a.startMonitor(ctx, g, deps); err != nil {
			return err
		}
	}

	return g.Wait()
}

// startServer builds the handlers, hub, and HTTP server and registers their
// goroutines on the group.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(a.logger),
		Markets:    handler.NewMarketHandler(deps.Markets, a.logger),
		Settlement: handler.NewSettlementHandler(deps.Settlement, a.logger),
		Positions:  handler.NewPositionHandler(deps.Settlement, a.logger),
	}

	hub := ws.NewHub(deps.EventBus, a.logger)
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return err
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.StakeRateLimit,
		RateWindow:  time.Minute,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startMonitor builds the lifecycle monitor and registers it on the group.
func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	var archiver monitor.Archiver
	archiveInterval := time.Duration(0)
	if a.cfg.Monitor.ArchiveSettled {
		if deps.Archiver == nil {
			return fmt.Errorf("app: monitor.archive_settled requires s3.enabled")
		}
		archiver = deps.Archiver
		archiveInterval = 10 * a.cfg.Monitor.SweepInterval.Duration
	}

	mon := monitor.New(
		monitor.Config{
			SweepInterval:   a.cfg.Monitor.SweepInterval.Duration,
			ArchiveInterval: archiveInterval,
		},
		deps.MarketStore,
		deps.EventBus,
		archiver,
		deps.Notifier,
		domain.WallClock{},
		a.logger,
	)

	g.Go(func() error {
		return mon.Run(ctx)
	})

	a.logger.InfoContext(ctx, "monitor started",
		slog.Duration("sweep_interval", a.cfg.Monitor.SweepInterval.Duration),
		slog.Bool("archive_settled", a.cfg.Monitor.ArchiveSettled),
	)
	return nil
}
