package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/predictlabs/settler/internal/domain"
	"github.com/predictlabs/settler/internal/service"
)

// MarketService defines what the market handler needs from the service layer.
type MarketService interface {
	CreateMarket(ctx context.Context, p service.CreateMarketParams) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Count(ctx context.Context) (int64, error)
}

// MarketHandler serves market header endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

// marketJSON is the wire form of a market header.
type marketJSON struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Authority  string `json:"authority"`
	Pricing    string `json:"pricing"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
	ExpiryTime int64  `json:"expiry_time"`
	Phase      string `json:"phase"`
	Resolution string `json:"resolution,omitempty"`
	ResolvedAt int64  `json:"resolved_at,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

func toMarketJSON(m domain.Market, now int64) marketJSON {
	out := marketJSON{
		ID:         m.ID,
		Name:       m.Name,
		Authority:  m.Authority,
		Pricing:    string(m.Pricing),
		StartTime:  m.StartTime,
		EndTime:    m.EndTime,
		ExpiryTime: m.ExpiryTime,
		Phase:      string(m.Phase(now)),
		ResolvedAt: m.ResolvedAt,
		CreatedAt:  m.CreatedAt,
	}
	if m.Resolution != domain.ResolutionUnset {
		out.Resolution = m.Resolution.Winner().String()
	}
	return out
}

type createMarketRequest struct {
	Name       string `json:"name"`
	Authority  string `json:"authority"`
	Pricing    string `json:"pricing"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
	ExpiryTime int64  `json:"expiry_time"`
}

// CreateMarket opens a new market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	m, err := h.markets.CreateMarket(r.Context(), service.CreateMarketParams{
		Name:       req.Name,
		Authority:  req.Authority,
		Pricing:    domain.PricingModel(req.Pricing),
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		ExpiryTime: req.ExpiryTime,
	})
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "create market failed",
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMarketJSON(m, m.CreatedAt))
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketJSON `json:"markets"`
	Total   int64        `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list markets")
		return
	}

	total, err := h.markets.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "count markets failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count markets")
		return
	}

	now := nowUnix()
	out := make([]marketJSON, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketJSON(m, now))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: out,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get market")
		return
	}

	writeJSON(w, http.StatusOK, toMarketJSON(m, nowUnix()))
}
