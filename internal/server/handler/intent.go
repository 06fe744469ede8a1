package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// IntentService is the subset of the intent manager the API drives.
type IntentService interface {
	CreateIntent(ctx context.Context, trader domain.Trader, opp domain.Opportunity, amount int64, certificate string, g *domain.Guarantee) (domain.TradeIntent, error)
	SubmitBid(ctx context.Context, id string, bid domain.SolverBid) bool
	CloseBidding(ctx context.Context, id string) error
	StartExecution(ctx context.Context, id string) error
	MarkExecuted(ctx context.Context, id, txHash string) (domain.TradeIntent, error)
	CancelIntent(ctx context.Context, id, reason string) error
	Get(id string) (domain.TradeIntent, error)
	List(f domain.IntentFilter) []domain.TradeIntent
}

// IntentHandler serves intent endpoints.
type IntentHandler struct {
	intents IntentService
	traders domain.TraderSet
	store   domain.IntentStore // optional, consulted for swept intents
	logger  *slog.Logger
}

// NewIntentHandler creates an IntentHandler. store may be nil.
func NewIntentHandler(intents IntentService, traders domain.TraderSet, store domain.IntentStore, logger *slog.Logger) *IntentHandler {
	return &IntentHandler{intents: intents, traders: traders, store: store, logger: logger}
}

type createIntentRequest struct {
	TraderID       string  `json:"trader_id" validate:"required"`
	Amount         int64   `json:"amount" validate:"gt=0"`
	OpportunityID  string  `json:"opportunity_id"`
	Pair           string  `json:"pair" validate:"required"`
	VenueA         string  `json:"venue_a"`
	VenueB         string  `json:"venue_b"`
	PriceA         float64 `json:"price_a" validate:"gte=0"`
	PriceB         float64 `json:"price_b" validate:"gte=0"`
	SpreadBps      float64 `json:"spread_bps"`
	Direction      string  `json:"direction" validate:"omitempty,oneof=buy_a_sell_b buy_b_sell_a"`
	ExpectedProfit int64   `json:"expected_profit"`
	Certificate    string  `json:"certificate"`
}

func (req createIntentRequest) opportunity(now time.Time) domain.Opportunity {
	id := req.OpportunityID
	if id == "" {
		id = uuid.NewString()
	}
	dir := domain.Direction(req.Direction)
	if dir == "" {
		dir = domain.DirectionBuyASellB
	}
	return domain.Opportunity{
		ID:             id,
		Pair:           req.Pair,
		VenueA:         req.VenueA,
		VenueB:         req.VenueB,
		PriceA:         req.PriceA,
		PriceB:         req.PriceB,
		SpreadBps:      req.SpreadBps,
		Direction:      dir,
		ExpectedProfit: req.ExpectedProfit,
		DetectedAt:     now,
	}
}

// CreateIntent registers an intent for a configured trader.
// POST /api/intents
func (h *IntentHandler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trader, ok := h.traders.Lookup(domain.TraderID(req.TraderID))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown trader %q", req.TraderID))
		return
	}

	in, err := h.intents.CreateIntent(r.Context(), trader, req.opportunity(time.Now().UTC()), req.Amount, req.Certificate, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "create intent rejected",
			slog.String("trader", req.TraderID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

// ListIntents returns live intents, optionally filtered.
// GET /api/intents?trader=&status=&limit=
func (h *IntentHandler) ListIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := parseListOpts(r)
	intents := h.intents.List(domain.IntentFilter{
		Trader: domain.TraderID(q.Get("trader")),
		Status: domain.IntentStatus(q.Get("status")),
		Limit:  opts.Limit,
	})
	writeJSON(w, http.StatusOK, intents)
}

// GetIntent returns one intent, falling back to the store for intents
// already swept from memory.
// GET /api/intents/{id}
func (h *IntentHandler) GetIntent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	in, err := h.intents.Get(id)
	if errors.Is(err, domain.ErrIntentNotFound) && h.store != nil {
		in, err = h.store.GetByID(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

type submitBidRequest struct {
	SolverID       string  `json:"solver_id" validate:"required"`
	SolverAddress  string  `json:"solver_address" validate:"omitempty,eth_addr"`
	SolverName     string  `json:"solver_name"`
	BidScore       float64 `json:"bid_score" validate:"gte=0"`
	EstimateMillis int64   `json:"execution_time_estimate_ms" validate:"gte=0"`
	ProfitShareBps int     `json:"profit_share_bps" validate:"gte=0,lte=10000"`
}

// SubmitBid records a solver bid. A refused bid answers 409.
// POST /api/intents/{id}/bids
func (h *IntentHandler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	var req submitBidRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	bid := domain.SolverBid{
		ID:                    uuid.NewString(),
		SolverID:              domain.SolverID(req.SolverID),
		SolverAddress:         req.SolverAddress,
		SolverName:            req.SolverName,
		BidScore:              req.BidScore,
		ExecutionTimeEstimate: time.Duration(req.EstimateMillis) * time.Millisecond,
		ProfitShareBps:        req.ProfitShareBps,
		SubmittedAt:           time.Now().UTC(),
	}
	if !h.intents.SubmitBid(r.Context(), id, bid) {
		if _, err := h.intents.Get(id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusConflict, "bid not accepted")
		return
	}
	writeJSON(w, http.StatusAccepted, bid)
}

// CloseBidding ends the bidding window early.
// POST /api/intents/{id}/close
func (h *IntentHandler) CloseBidding(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, id string) error {
		return h.intents.CloseBidding(ctx, id)
	})
}

// StartExecution moves a claimed intent to executing.
// POST /api/intents/{id}/start
func (h *IntentHandler) StartExecution(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, id string) error {
		return h.intents.StartExecution(ctx, id)
	})
}

type executedRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

// MarkExecuted reports the venue trade and hands the intent to settlement.
// POST /api/intents/{id}/executed
func (h *IntentHandler) MarkExecuted(w http.ResponseWriter, r *http.Request) {
	var req executedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	in, err := h.intents.MarkExecuted(r.Context(), r.PathValue("id"), req.TxHash)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelIntent cancels a non-terminal intent.
// POST /api/intents/{id}/cancel
func (h *IntentHandler) CancelIntent(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}
	h.transition(w, r, func(ctx context.Context, id string) error {
		return h.intents.CancelIntent(ctx, id, req.Reason)
	})
}

func (h *IntentHandler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	in, err := h.intents.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}
