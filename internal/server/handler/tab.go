package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// TabService is the subset of the settlement engine the API drives.
type TabService interface {
	OpenTabs() []domain.TraderTab
	FailedTabs() []domain.TraderTab
	Tab(trader domain.TraderID) (domain.TraderTab, error)
	RetryFailed(ctx context.Context, tabID string) error
	RecordPayment(ctx context.Context, trader domain.TraderID) error
	Collateral(ctx context.Context, trader domain.Trader) (domain.Collateral, error)
}

// TabHandler serves tab and trader endpoints.
type TabHandler struct {
	tabs    TabService
	traders domain.TraderSet
	store   domain.TabStore // optional settlement history
	logger  *slog.Logger
}

// NewTabHandler creates a TabHandler. store may be nil.
func NewTabHandler(tabs TabService, traders domain.TraderSet, store domain.TabStore, logger *slog.Logger) *TabHandler {
	return &TabHandler{tabs: tabs, traders: traders, store: store, logger: logger}
}

// ListTabs returns the open tabs.
// GET /api/tabs
func (h *TabHandler) ListTabs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.tabs.OpenTabs())
}

// ListFailed returns tabs awaiting reconciliation.
// GET /api/tabs/failed
func (h *TabHandler) ListFailed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.tabs.FailedTabs())
}

type tabRecordResponse struct {
	Tab       domain.TraderTab `json:"tab"`
	HappyPath bool             `json:"happy_path"`
	TxHash    string           `json:"tx_hash,omitempty"`
	Success   bool             `json:"success"`
}

// History returns persisted settlement records, newest first.
// GET /api/tabs/history?trader=&limit=&offset=
func (h *TabHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "settlement history requires postgres")
		return
	}
	opts := parseListOpts(r)
	var (
		recs []domain.TabRecord
		err  error
	)
	if trader := r.URL.Query().Get("trader"); trader != "" {
		recs, err = h.store.ListByTrader(r.Context(), domain.TraderID(trader), opts)
	} else {
		recs, err = h.store.ListRecent(r.Context(), opts.Limit)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list settlement history failed", slog.String("error", err.Error()))
		writeDomainError(w, err)
		return
	}
	out := make([]tabRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, tabRecordResponse{Tab: rec.Tab, HappyPath: rec.HappyPath, TxHash: rec.TxHash, Success: rec.Success})
	}
	writeJSON(w, http.StatusOK, out)
}

// RetryFailed re-runs settlement of a failed tab.
// POST /api/tabs/{id}/retry
func (h *TabHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.tabs.RetryFailed(r.Context(), id); err != nil {
		h.logger.WarnContext(r.Context(), "retry settlement failed",
			slog.String("tab_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled", "tab_id": id})
}

type traderView struct {
	domain.Trader
	Collateral *domain.Collateral `json:"collateral,omitempty"`
	OpenTab    *domain.TraderTab  `json:"open_tab,omitempty"`
	Error      string             `json:"collateral_error,omitempty"`
}

// ListTraders returns every configured trader with collateral and open tab.
// GET /api/traders
func (h *TabHandler) ListTraders(w http.ResponseWriter, r *http.Request) {
	all := h.traders.All()
	out := make([]traderView, 0, len(all))
	for _, t := range all {
		v := traderView{Trader: t}
		if col, err := h.tabs.Collateral(r.Context(), t); err != nil {
			v.Error = err.Error()
		} else {
			v.Collateral = &col
		}
		if tab, err := h.tabs.Tab(t.ID); err == nil {
			v.OpenTab = &tab
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// TraderTab returns the trader's open tab.
// GET /api/traders/{id}/tab
func (h *TabHandler) TraderTab(w http.ResponseWriter, r *http.Request) {
	id := domain.TraderID(r.PathValue("id"))
	if _, ok := h.traders.Lookup(id); !ok {
		writeError(w, http.StatusNotFound, "unknown trader")
		return
	}
	tab, err := h.tabs.Tab(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tab)
}

// RecordPayment signals that the trader will pay the open tab now.
// POST /api/traders/{id}/payments
func (h *TabHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id := domain.TraderID(r.PathValue("id"))
	if _, ok := h.traders.Lookup(id); !ok {
		writeError(w, http.StatusNotFound, "unknown trader")
		return
	}
	if err := h.tabs.RecordPayment(r.Context(), id); err != nil {
		if !errors.Is(err, domain.ErrTabNotFound) {
			h.logger.WarnContext(r.Context(), "record payment failed",
				slog.String("trader", string(id)),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "payment scheduled", "trader": string(id)})
}
