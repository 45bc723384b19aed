package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/predictlabs/settler/internal/crypto"
	"github.com/predictlabs/settler/internal/domain"
	"github.com/predictlabs/settler/internal/engine"
)

// SettlementService defines the mutating operations the settlement handler
// needs from the service layer.
type SettlementService interface {
	Stake(ctx context.Context, marketID, account string, outcome domain.Outcome, amount *big.Int) (*domain.StakePosition, error)
	Resolve(ctx context.Context, marketID string, outcome domain.Outcome, deadline int64, sig []byte) (domain.Market, error)
	Claim(ctx context.Context, marketID, account string) (*engine.Payout, error)
	WithdrawExpired(ctx context.Context, marketID, account string) (*engine.Payout, error)
}

// SettlementHandler serves the stake, resolve, claim, and withdraw endpoints.
type SettlementHandler struct {
	settlement SettlementService
	logger     *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(settlement SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		settlement: settlement,
		logger:     logHandler(logger, "settlement"),
	}
}

// payoutJSON is the wire form of a settled payout.
type payoutJSON struct {
	Account   string `json:"account"`
	Principal string `json:"principal"`
	Reward    string `json:"reward"`
	Total     string `json:"total"`
}

func toPayoutJSON(p *engine.Payout) payoutJSON {
	return payoutJSON{
		Account:   p.Account,
		Principal: p.Principal.String(),
		Reward:    p.Reward.String(),
		Total:     p.Total.String(),
	}
}

// positionJSON is the wire form of a stake position. Amounts travel as
// decimal strings; they routinely exceed int64.
type positionJSON struct {
	MarketID           string `json:"market_id"`
	Account            string `json:"account"`
	Outcome            string `json:"outcome"`
	Balance            string `json:"balance"`
	PendingRewardUnits string `json:"pending_reward_units"`
	Shares             string `json:"shares,omitempty"`
}

func toPositionJSON(p *domain.StakePosition) positionJSON {
	out := positionJSON{
		MarketID:           p.MarketID,
		Account:            p.Account,
		Outcome:            p.Outcome.String(),
		Balance:            p.Balance.String(),
		PendingRewardUnits: p.PendingRewardUnits.String(),
	}
	if p.Shares.Sign() > 0 {
		out.Shares = p.Shares.String()
	}
	return out
}

type stakeRequest struct {
	Account string `json:"account"`
	Outcome string `json:"outcome"`
	Amount  string `json:"amount"`
}

// Stake places a stake on one side of a market.
// POST /api/markets/{id}/stake
func (h *SettlementHandler) Stake(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")

	var req stakeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}
	outcome, ok := domain.ParseOutcome(req.Outcome)
	if !ok {
		writeError(w, http.StatusBadRequest, "outcome must be \"a\" or \"b\"")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative decimal string")
		return
	}

	pos, err := h.settlement.Stake(r.Context(), marketID, req.Account, outcome, amount)
	if err != nil {
		h.logFailure(r, "stake", marketID, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPositionJSON(pos))
}

type resolveRequest struct {
	Outcome   string `json:"outcome"`
	Deadline  int64  `json:"deadline"`
	Signature string `json:"signature"`
}

// Resolve records the winning outcome, authorized by the market authority's
// signature.
// POST /api/markets/{id}/resolve
func (h *SettlementHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")

	var req resolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	outcome, ok := domain.ParseOutcome(req.Outcome)
	if !ok {
		writeError(w, http.StatusBadRequest, "outcome must be \"a\" or \"b\"")
		return
	}
	sig, err := crypto.ParseSignatureHex(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed signature")
		return
	}

	m, err := h.settlement.Resolve(r.Context(), marketID, outcome, req.Deadline, sig)
	if err != nil {
		h.logFailure(r, "resolve", marketID, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toMarketJSON(m, nowUnix()))
}

type claimRequest struct {
	Account string `json:"account"`
}

// Claim settles the account's winning position.
// POST /api/markets/{id}/claim
func (h *SettlementHandler) Claim(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")

	var req claimRequest
	if err := decodeBody(r, &req); err != nil || req.Account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}

	payout, err := h.settlement.Claim(r.Context(), marketID, req.Account)
	if err != nil {
		h.logFailure(r, "claim", marketID, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPayoutJSON(payout))
}

// Withdraw refunds an account's principal from an expired market.
// POST /api/markets/{id}/withdraw
func (h *SettlementHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	marketID := pathParam(r, "id")

	var req claimRequest
	if err := decodeBody(r, &req); err != nil || req.Account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}

	payout, err := h.settlement.WithdrawExpired(r.Context(), marketID, req.Account)
	if err != nil {
		h.logFailure(r, "withdraw", marketID, err)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toPayoutJSON(payout))
}

// logFailure records operation failures, at error level only for faults that
// are the service's own.
func (h *SettlementHandler) logFailure(r *http.Request, op, marketID string, err error) {
	if statusFor(err) < http.StatusInternalServerError {
		return
	}
	h.logger.ErrorContext(r.Context(), op+" failed",
		slog.String("market_id", marketID),
		slog.String("error", err.Error()),
	)
}
