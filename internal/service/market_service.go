// Package service composes the settlement engine with stores, caches, locks,
// and the treasury into the operations the API surface exposes.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/predictlabs/settler/internal/domain"
)

// maxMarketNameLen bounds user-supplied market names.
const maxMarketNameLen = 256

// CreateMarketParams carries everything needed to open a new market.
type CreateMarketParams struct {
	Name       string
	Authority  string
	Pricing    domain.PricingModel
	StartTime  int64
	EndTime    int64
	ExpiryTime int64
}

// MarketService handles market creation and header reads.
type MarketService struct {
	markets domain.MarketStore
	cache   domain.MarketCache
	bus     domain.EventBus
	clock   domain.Clock
	logger  *slog.Logger
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	markets domain.MarketStore,
	cache domain.MarketCache,
	bus domain.EventBus,
	clock domain.Clock,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		markets: markets,
		cache:   cache,
		bus:     bus,
		clock:   clock,
		logger:  logger.With(slog.String("component", "market_service")),
	}
}

// CreateMarket validates the window and opens a new market.
func (s *MarketService) CreateMarket(ctx context.Context, p CreateMarketParams) (domain.Market, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" || len(name) > maxMarketNameLen {
		return domain.Market{}, domain.ErrInvalidName
	}
	if strings.TrimSpace(p.Authority) == "" {
		return domain.Market{}, fmt.Errorf("market_service: authority required: %w", domain.ErrInvalidWindow)
	}
	if p.Pricing == "" {
		p.Pricing = domain.PricingAccrual
	}
	if p.Pricing != domain.PricingAccrual && p.Pricing != domain.PricingCurve {
		return domain.Market{}, fmt.Errorf("market_service: unknown pricing model %q: %w", p.Pricing, domain.ErrInvalidWindow)
	}

	now := s.clock.Now()
	// The window must be strictly ordered and must not already be closed.
	if p.StartTime >= p.EndTime || p.EndTime >= p.ExpiryTime || p.EndTime <= now {
		return domain.Market{}, domain.ErrInvalidWindow
	}

	m := domain.Market{
		ID:         "mkt_" + uuid.New().String(),
		Name:       name,
		Authority:  p.Authority,
		Pricing:    p.Pricing,
		StartTime:  p.StartTime,
		EndTime:    p.EndTime,
		ExpiryTime: p.ExpiryTime,
		Resolution: domain.ResolutionUnset,
		CreatedAt:  now,
	}

	if err := s.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}

	// Non-fatal cache and event failures: the store row is the truth.
	if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
		s.logger.WarnContext(ctx, "cache set failed",
			slog.String("market_id", m.ID),
			slog.String("error", cacheErr.Error()),
		)
	}
	s.publishEvent(ctx, domain.Event{
		Type:     domain.EventMarketCreated,
		MarketID: m.ID,
		At:       now,
	})

	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("pricing", string(m.Pricing)),
		slog.Int64("end_time", m.EndTime),
	)
	return m, nil
}

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the persistent store on a miss.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.cache.Get(ctx, id)
	if err == nil {
		return m, nil
	}

	m, err = s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get by id %q: %w", id, err)
	}

	if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
		s.logger.WarnContext(ctx, "cache set failed",
			slog.String("market_id", id),
			slog.String("error", cacheErr.Error()),
		)
	}
	return m, nil
}

// List returns markets from the persistent store, newest first.
func (s *MarketService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets.
func (s *MarketService) Count(ctx context.Context) (int64, error) {
	count, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return count, nil
}

func (s *MarketService) publishEvent(ctx context.Context, evt domain.Event) {
	PublishEvent(ctx, s.bus, s.logger, evt)
}

// PublishEvent fans an event out to the live Pub/Sub channel and the durable
// stream. Failures are logged, never fatal: settlement state is already
// persisted by the time events go out.
func PublishEvent(ctx context.Context, bus domain.EventBus, logger *slog.Logger, evt domain.Event) {
	if bus == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		logger.WarnContext(ctx, "event marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := bus.Publish(ctx, eventChannel(evt.MarketID), payload); err != nil {
		logger.WarnContext(ctx, "event publish failed",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
	if err := bus.StreamAppend(ctx, EventStream, payload); err != nil {
		logger.WarnContext(ctx, "event stream append failed",
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

// EventStream is the durable Redis stream all settlement events land on.
const EventStream = "settlement_events"

// eventChannel is the per-market Pub/Sub channel.
func eventChannel(marketID string) string {
	return "events:" + marketID
}

// EventChannelPattern matches every per-market event channel, for subscribers
// that want the full firehose.
const EventChannelPattern = "events:*"

// lockTTL bounds how long a settlement operation may hold a market lock.
const lockTTL = 15 * time.Second
