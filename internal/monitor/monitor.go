// Package monitor runs the background lifecycle loops of the settlement
// service: announcing time-driven phase transitions and archiving the ledger
// of settled markets to cold storage.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/predictlabs/settler/internal/domain"
	"github.com/predictlabs/settler/internal/service"
)

// Archiver uploads the full ledger snapshot of a market and reports whether
// one already exists.
type Archiver interface {
	Archived(ctx context.Context, marketID string) (bool, error)
	ArchiveMarket(ctx context.Context, marketID string) (string, error)
}

// Notifier delivers operator alerts. Satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MarketLister provides the phase queries the monitor needs. Satisfied by
// the market store.
type MarketLister interface {
	ListInPhase(ctx context.Context, phase domain.Phase, now int64) ([]domain.Market, error)
}

// Config controls the monitor loop cadence.
type Config struct {
	// SweepInterval is how often phase transitions are checked.
	SweepInterval time.Duration
	// ArchiveInterval is how often settled markets are scanned for archival.
	// Zero disables the archive loop.
	ArchiveInterval time.Duration
}

// Monitor watches the market lifecycle. Phase transitions in this system are
// time-derived rather than stored, so the monitor's job is to observe them
// and fan them out: publish events for markets that passed their end or
// expiry time, alert operators, and snapshot resolved markets to object
// storage.
type Monitor struct {
	cfg      Config
	markets  MarketLister
	bus      domain.EventBus
	archiver Archiver
	notifier Notifier
	clock    domain.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	announced map[string]domain.Phase
}

// New creates a Monitor. The archiver and notifier are optional; a nil
// archiver disables the archive loop and a nil notifier disables alerts.
func New(
	cfg Config,
	markets MarketLister,
	bus domain.EventBus,
	archiver Archiver,
	notifier Notifier,
	clock domain.Clock,
	logger *slog.Logger,
) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if clock == nil {
		clock = domain.WallClock{}
	}
	return &Monitor{
		cfg:       cfg,
		markets:   markets,
		bus:       bus,
		archiver:  archiver,
		notifier:  notifier,
		clock:     clock,
		logger:    logger.With(slog.String("component", "monitor")),
		announced: make(map[string]domain.Phase),
	}
}

// Run starts the sweep and archive loops and blocks until ctx is cancelled.
// If any loop returns a non-context error, the shared context is cancelled
// and Run returns that error.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor starting",
		slog.Duration("sweep_interval", m.cfg.SweepInterval),
		slog.Duration("archive_interval", m.cfg.ArchiveInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := m.runSweepLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("monitor: sweep loop: %w", err)
	})

	if m.archiver != nil && m.cfg.ArchiveInterval > 0 {
		g.Go(func() error {
			err := m.runArchiveLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("monitor: archive loop: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		m.logger.Error("monitor stopped with error", slog.String("error", err.Error()))
		return err
	}

	m.logger.Info("monitor stopped cleanly")
	return nil
}

func (m *Monitor) runSweepLoop(ctx context.Context) error {
	// Run immediately on start, then on ticker.
	if err := m.Sweep(ctx); err != nil {
		m.logger.Error("sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep checks every unresolved market against the clock and announces any
// phase transition it has not announced before. Announcements are tracked in
// memory only; after a restart a transition may be announced a second time,
// which downstream consumers must tolerate.
func (m *Monitor) Sweep(ctx context.Context) error {
	now := m.clock.Now()

	awaiting, err := m.markets.ListInPhase(ctx, domain.PhaseAwaitingResolution, now)
	if err != nil {
		return fmt.Errorf("list awaiting markets: %w", err)
	}
	for _, market := range awaiting {
		m.announce(ctx, market, domain.PhaseAwaitingResolution, now)
	}

	expired, err := m.markets.ListInPhase(ctx, domain.PhaseExpired, now)
	if err != nil {
		return fmt.Errorf("list expired markets: %w", err)
	}
	for _, market := range expired {
		m.announce(ctx, market, domain.PhaseExpired, now)
	}

	return nil
}

// announce publishes the transition event and alerts operators, at most once
// per (market, phase) for the lifetime of this process.
func (m *Monitor) announce(ctx context.Context, market domain.Market, phase domain.Phase, now int64) {
	m.mu.Lock()
	if m.announced[market.ID] == phase {
		m.mu.Unlock()
		return
	}
	m.announced[market.ID] = phase
	m.mu.Unlock()

	var eventType string
	switch phase {
	case domain.PhaseAwaitingResolution:
		eventType = domain.EventAwaitingResolution
	case domain.PhaseExpired:
		eventType = domain.EventMarketExpired
	default:
		return
	}

	m.logger.Info("market phase transition",
		slog.String("market_id", market.ID),
		slog.String("phase", string(phase)),
	)

	service.PublishEvent(ctx, m.bus, m.logger, domain.Event{
		Type:     eventType,
		MarketID: market.ID,
		At:       now,
	})

	if m.notifier != nil {
		title := fmt.Sprintf("Market %s", phase)
		msg := fmt.Sprintf("%s (%s) entered phase %s", market.Name, market.ID, phase)
		if err := m.notifier.Notify(ctx, eventType, title, msg); err != nil {
			m.logger.Warn("notification failed",
				slog.String("market_id", market.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Monitor) runArchiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.ArchiveSettled(ctx); err != nil {
				m.logger.Error("archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ArchiveSettled snapshots the ledger of every resolved market that has not
// been archived yet. Markets are archived one at a time; a failure on one
// market does not stop the pass.
func (m *Monitor) ArchiveSettled(ctx context.Context) error {
	now := m.clock.Now()

	resolved, err := m.markets.ListInPhase(ctx, domain.PhaseResolved, now)
	if err != nil {
		return fmt.Errorf("list resolved markets: %w", err)
	}

	for _, market := range resolved {
		done, err := m.archiver.Archived(ctx, market.ID)
		if err != nil {
			m.logger.Warn("archive check failed",
				slog.String("market_id", market.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if done {
			continue
		}

		path, err := m.archiver.ArchiveMarket(ctx, market.ID)
		if err != nil {
			m.logger.Error("archive failed",
				slog.String("market_id", market.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.logger.Info("market ledger archived",
			slog.String("market_id", market.ID),
			slog.String("path", path),
		)
	}

	return nil
}
