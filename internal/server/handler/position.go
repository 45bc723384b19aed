package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/predictlabs/settler/internal/domain"
)

// PositionService defines the read-only ledger queries the position handler
// needs from the service layer.
type PositionService interface {
	Positions(ctx context.Context, marketID, account string) ([2]*domain.StakePosition, error)
	AccountPositions(ctx context.Context, account string, opts domain.ListOpts) ([]*domain.StakePosition, error)
	Earned(ctx context.Context, marketID, account string, outcome domain.Outcome) (*big.Int, error)
	ClaimsByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Claim, error)
	ClaimsByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Claim, error)
	TotalPaid(ctx context.Context, marketID string) (*big.Int, error)
}

// PositionHandler serves ledger read endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// Positions returns both of an account's positions in a market.
// GET /api/markets/{id}/positions/{account}
func (h *PositionHandler) Positions(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	account := pathParam(r, "account")
	if marketID == "" || account == "" {
		writeError(w, http.StatusBadRequest, "missing market id or account")
		return
	}

	pair, err := h.positions.Positions(r.Context(), marketID, account)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get positions failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}

	out := [2]positionJSON{}
	for i, p := range pair {
		out[i] = toPositionJSON(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// Earned reports the reward units accrued to a position so far.
// GET /api/markets/{id}/earned?account=...&outcome=a
func (h *PositionHandler) Earned(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	account := r.URL.Query().Get("account")
	if marketID == "" || account == "" {
		writeError(w, http.StatusBadRequest, "missing market id or account")
		return
	}
	outcome, ok := domain.ParseOutcome(r.URL.Query().Get("outcome"))
	if !ok {
		writeError(w, http.StatusBadRequest, "outcome must be \"a\" or \"b\"")
		return
	}

	earned, err := h.positions.Earned(r.Context(), marketID, account, outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"market_id": marketID,
		"account":   account,
		"outcome":   outcome.String(),
		"earned":    earned.String(),
	})
}

// AccountPositions returns an account's positions across markets.
// GET /api/accounts/{account}/positions
func (h *PositionHandler) AccountPositions(w http.ResponseWriter, r *http.Request) {
	account := pathParam(r, "account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}

	positions, err := h.positions.AccountPositions(r.Context(), account, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list account positions failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}

	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// claimJSON is the wire form of a payout audit row.
type claimJSON struct {
	ID        string `json:"id"`
	MarketID  string `json:"market_id"`
	Account   string `json:"account"`
	Kind      string `json:"kind"`
	Principal string `json:"principal"`
	Reward    string `json:"reward"`
	Total     string `json:"total"`
	CreatedAt int64  `json:"created_at"`
}

func toClaimJSON(c domain.Claim) claimJSON {
	return claimJSON{
		ID:        c.ID,
		MarketID:  c.MarketID,
		Account:   c.Account,
		Kind:      c.Kind,
		Principal: c.Principal.String(),
		Reward:    c.Reward.String(),
		Total:     c.Total.String(),
		CreatedAt: c.CreatedAt.Unix(),
	}
}

// MarketClaims returns a market's payout audit log and the running total.
// GET /api/markets/{id}/claims
func (h *PositionHandler) MarketClaims(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")
	if marketID == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	claims, err := h.positions.ClaimsByMarket(r.Context(), marketID, parseListOpts(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load claims")
		return
	}
	total, err := h.positions.TotalPaid(r.Context(), marketID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to total claims")
		return
	}

	out := make([]claimJSON, 0, len(claims))
	for _, c := range claims {
		out = append(out, toClaimJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"claims":     out,
		"total_paid": total.String(),
	})
}

// AccountClaims returns an account's payout history.
// GET /api/accounts/{account}/claims
func (h *PositionHandler) AccountClaims(w http.ResponseWriter, r *http.Request) {
	account := pathParam(r, "account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}

	claims, err := h.positions.ClaimsByAccount(r.Context(), account, parseListOpts(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load claims")
		return
	}

	out := make([]claimJSON, 0, len(claims))
	for _, c := range claims {
		out = append(out, toClaimJSON(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}
