// Package settlement batches executed intents into per-trader tabs and
// resolves each tab exactly once against the guarantee service: the trader
// pays the tab, or the recipient is remunerated from locked collateral.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// Config holds the engine's timing and settlement parameters.
type Config struct {
	// SettlementWindow is the guarantee window and the default tab deadline
	// for intents that arrive without one.
	SettlementWindow time.Duration
	// TickInterval is the period of the countdown/resolution loop.
	TickInterval time.Duration
	// CollateralRefreshInterval is the period of the display refresh loop.
	CollateralRefreshInterval time.Duration
	// Asset is the settlement asset passed to the guarantee service.
	Asset string
	// MaxConcurrentSettlements bounds parallel settlements within one tick.
	MaxConcurrentSettlements int
	// Retry governs pay/remunerate retries.
	Retry RetryPolicy
	// LockTTL is the TTL of the distributed settle lock, when one is wired.
	LockTTL time.Duration
}

// IntentFinisher moves member intents to their terminal status.
type IntentFinisher interface {
	CompleteIntent(ctx context.Context, id, txHash string) error
	DefaultIntent(ctx context.Context, id, txHash string) error
}

type failedTab struct {
	tab   domain.TraderTab
	happy bool
}

// Engine owns every active tab. It is safe for concurrent use: traders are
// ingested and settled in parallel, while everything touching one trader
// (ingestion, claiming, the settlement call, retries) is serialized on that
// trader's slot. The guarantee service keeps one open external tab per
// trader, so a guarantee issued while that tab is being settled would make
// the settlement stale.
type Engine struct {
	cfg     Config
	clients domain.ClientProvider
	intents IntentFinisher
	oracle  PaymentOracle
	sink    domain.EventSink
	repo    *TabRepository

	failedMu sync.Mutex
	failed   map[string]failedTab

	collateral domain.CollateralCache
	locks      domain.LockManager

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(
	cfg Config,
	clients domain.ClientProvider,
	intents IntentFinisher,
	oracle PaymentOracle,
	sink domain.EventSink,
	logger *slog.Logger,
) *Engine {
	if sink == nil {
		sink = domain.NopSink{}
	}
	if oracle == nil {
		oracle = ExternalOracle{}
	}
	if cfg.MaxConcurrentSettlements <= 0 {
		cfg.MaxConcurrentSettlements = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.CollateralRefreshInterval <= 0 {
		cfg.CollateralRefreshInterval = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	return &Engine{
		cfg:     cfg,
		clients: clients,
		intents: intents,
		oracle:  oracle,
		sink:    sink,
		repo:    NewTabRepository(),
		failed:  make(map[string]failedTab),
		now:     time.Now,
		sleep:   sleepCtx,
		logger:  logger.With(slog.String("component", "settlement_engine")),
	}
}

// SetCollateralCache enables caching of the display collateral snapshot.
func (e *Engine) SetCollateralCache(c domain.CollateralCache) { e.collateral = c }

// SetLockManager enables the cross-process guard that keeps at most one
// settlement call in flight per external tab and request id.
func (e *Engine) SetLockManager(l domain.LockManager) { e.locks = l }

// SetClock replaces the time source. It must be called before Run.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SetSleep replaces the backoff sleeper. It must be called before Run.
func (e *Engine) SetSleep(sleep func(context.Context, time.Duration) error) { e.sleep = sleep }

// AddIntentToTab ingests an intent that reached settling. When the intent
// carries no guarantee, the trader's collateral is checked and a guarantee
// is issued first; any failure there leaves the trader's tab untouched and
// emits intent:guaranteeFailed. It waits while the trader's previous tab is
// settling.
func (e *Engine) AddIntentToTab(ctx context.Context, in domain.TradeIntent) error {
	if in.Status != domain.IntentSettling {
		return fmt.Errorf("settlement: add intent %s in status %s: %w", in.ID, in.Status, domain.ErrInvalidTransition)
	}
	log := e.logger.With(
		slog.String("intent_id", in.ID),
		slog.String("trader", string(in.Trader.ID)),
	)

	slot := e.repo.slot(in.Trader.ID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	client, err := e.clients.ForTrader(ctx, in.Trader)
	if err != nil {
		e.guaranteeFailed(ctx, in, "no guarantee client for trader", 0, err)
		return fmt.Errorf("settlement: add intent %s: %w: %w", in.ID, domain.ErrGuaranteeIssuanceFailed, err)
	}

	ig, err := e.obtainGuarantee(ctx, client, in)
	if err != nil {
		return err
	}

	now := e.now().UTC()
	deadline := now.Add(e.cfg.SettlementWindow)
	if in.SettlementDeadline != nil {
		deadline = *in.SettlementDeadline
	}

	tab := slot.tab
	if tab != nil && tab.Status == domain.TabOpen {
		tab.IntentIDs = append(tab.IntentIDs, in.ID)
		tab.Guarantees = append(tab.Guarantees, ig)
		if tab.ExternalTabID == "" {
			tab.ExternalTabID = ig.Guarantee.TabID
		} else if ig.Guarantee.TabID != "" && ig.Guarantee.TabID != tab.ExternalTabID {
			log.WarnContext(ctx, "guarantee issued on a different external tab; keeping the original",
				slog.String("tab_external_id", tab.ExternalTabID),
				slog.String("guarantee_tab_id", ig.Guarantee.TabID),
			)
		}
		// The tab keeps the later of the two deadlines.
		if deadline.After(tab.Deadline) {
			tab.Deadline = deadline
			if tab.WillPay && tab.PaymentFraction > 0 {
				tab.ScheduledPaymentAt = scheduleWithin(tab.OpenedAt, tab.Deadline, tab.PaymentFraction)
			}
		}
	} else {
		tab = &domain.TraderTab{
			ID:            uuid.New().String(),
			Trader:        in.Trader,
			IntentIDs:     []string{in.ID},
			Guarantees:    []domain.IntentGuarantee{ig},
			ExternalTabID: ig.Guarantee.TabID,
			Asset:         e.cfg.Asset,
			Recipient:     e.clients.RecipientAddress(),
			OpenedAt:      now,
			Deadline:      deadline,
			Status:        domain.TabOpen,
		}
		plan := e.oracle.Plan(ctx, tab.Clone())
		tab.WillPay = plan.WillPay
		if plan.WillPay {
			tab.PaymentFraction = plan.Fraction
			tab.ScheduledPaymentAt = scheduleWithin(tab.OpenedAt, tab.Deadline, plan.Fraction)
		}
		slot.tab = tab
		log.InfoContext(ctx, "tab opened",
			slog.String("tab_id", tab.ID),
			slog.String("external_tab_id", tab.ExternalTabID),
			slog.Bool("will_pay", tab.WillPay),
			slog.Time("deadline", tab.Deadline),
		)
	}

	e.adoptStray(ctx, slot, tab)

	if col, err := client.CollateralStatus(ctx, in.Trader); err != nil {
		log.WarnContext(ctx, "collateral refresh failed", slog.String("error", err.Error()))
	} else {
		tab.Collateral = col
		e.cacheCollateral(ctx, in.Trader.ID, col)
	}
	slot.publish()

	log.InfoContext(ctx, "intent added to tab",
		slog.String("tab_id", tab.ID),
		slog.Int("intent_count", len(tab.IntentIDs)),
		slog.Int64("locked_total", tab.LockedTotal()),
	)
	e.emitTab(ctx, domain.EventTabUpdated, tab, map[string]any{
		"intentCount":   len(tab.IntentIDs),
		"lockedTotal":   tab.LockedTotal(),
		"externalTabId": tab.ExternalTabID,
		"intentId":      in.ID,
	})
	return nil
}

// RetainGuarantee keeps the lock of an intent that was cancelled after its
// guarantee had been issued. The service settles an external tab only for
// its full locked total, so the lock joins the trader's tab on that
// external tab: the open one, a parked one, or the next one to open.
func (e *Engine) RetainGuarantee(ctx context.Context, in domain.TradeIntent) error {
	if in.Status != domain.IntentCancelled {
		return fmt.Errorf("settlement: retain guarantee of %s in status %s: %w", in.ID, in.Status, domain.ErrInvalidTransition)
	}
	if in.Guarantee == nil || in.Guarantee.TabID == "" {
		return nil
	}
	g := *in.Guarantee
	locked := g.Amount
	if locked <= 0 {
		locked = in.Amount
	}
	ig := domain.IntentGuarantee{IntentID: in.ID, Guarantee: g, ReqID: g.ReqID, LockedAmount: locked, Retained: true}
	log := e.logger.With(
		slog.String("intent_id", in.ID),
		slog.String("trader", string(in.Trader.ID)),
		slog.String("external_tab_id", g.TabID),
		slog.Uint64("req_id", g.ReqID),
	)

	slot := e.repo.slot(in.Trader.ID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if tab := slot.tab; tab != nil && tab.Status == domain.TabOpen && tab.ExternalTabID == g.TabID {
		tab.Guarantees = append(tab.Guarantees, ig)
		slot.publish()
		log.InfoContext(ctx, "cancelled intent's lock retained on tab", slog.String("tab_id", tab.ID))
		e.emitTab(ctx, domain.EventTabUpdated, tab, map[string]any{
			"intentCount":      len(tab.IntentIDs),
			"lockedTotal":      tab.LockedTotal(),
			"externalTabId":    tab.ExternalTabID,
			"retainedIntentId": in.ID,
		})
		return nil
	}

	e.failedMu.Lock()
	for id, ft := range e.failed {
		if ft.tab.Trader.ID == in.Trader.ID && ft.tab.ExternalTabID == g.TabID {
			ft.tab.Guarantees = append(ft.tab.Guarantees, ig)
			e.failed[id] = ft
			e.failedMu.Unlock()
			log.InfoContext(ctx, "cancelled intent's lock retained on parked tab", slog.String("tab_id", id))
			return nil
		}
	}
	e.failedMu.Unlock()

	slot.stray = append(slot.stray, ig)
	log.InfoContext(ctx, "cancelled intent's lock held until its tab opens")
	return nil
}

// adoptStray moves retained locks on tab's external tab into tab. The slot
// lock must be held.
func (e *Engine) adoptStray(ctx context.Context, slot *traderSlot, tab *domain.TraderTab) {
	if len(slot.stray) == 0 || tab.ExternalTabID == "" {
		return
	}
	kept := slot.stray[:0]
	adopted := 0
	for _, ig := range slot.stray {
		if ig.Guarantee.TabID == tab.ExternalTabID {
			tab.Guarantees = append(tab.Guarantees, ig)
			adopted++
			continue
		}
		kept = append(kept, ig)
	}
	slot.stray = kept
	if adopted > 0 {
		e.logger.InfoContext(ctx, "retained locks joined tab",
			slog.String("tab_id", tab.ID),
			slog.String("external_tab_id", tab.ExternalTabID),
			slog.Int("retained", adopted),
		)
	}
}

// obtainGuarantee reuses the guarantee attached upstream or runs the
// pre-flight collateral check and issues a fresh one.
func (e *Engine) obtainGuarantee(ctx context.Context, client domain.GuaranteeClient, in domain.TradeIntent) (domain.IntentGuarantee, error) {
	if in.Guarantee != nil {
		g := *in.Guarantee
		locked := g.Amount
		if locked <= 0 {
			locked = in.Amount
		}
		return domain.IntentGuarantee{IntentID: in.ID, Guarantee: g, ReqID: g.ReqID, LockedAmount: locked}, nil
	}

	col, err := client.CollateralStatus(ctx, in.Trader)
	if err != nil {
		e.guaranteeFailed(ctx, in, "collateral check failed", 0, err)
		return domain.IntentGuarantee{}, fmt.Errorf("settlement: collateral check for %s: %w: %w", in.ID, domain.ErrGuaranteeIssuanceFailed, err)
	}
	if col.Available < in.Amount {
		shortfall := in.Amount - col.Available
		e.guaranteeFailed(ctx, in, "insufficient collateral", shortfall, nil)
		return domain.IntentGuarantee{}, fmt.Errorf("settlement: intent %s needs %d, available %d: %w",
			in.ID, in.Amount, col.Available, domain.ErrInsufficientCollateral)
	}

	keyRef, err := e.clients.SigningKeyRef(in.Trader.ID)
	if err != nil {
		e.guaranteeFailed(ctx, in, "no signing key for trader", 0, err)
		return domain.IntentGuarantee{}, fmt.Errorf("settlement: signing key for %s: %w: %w", in.Trader.ID, domain.ErrGuaranteeIssuanceFailed, err)
	}

	g, err := e.clients.Recipient().IssuePaymentGuarantee(ctx, domain.GuaranteeRequest{
		Trader:        in.Trader,
		Recipient:     e.clients.RecipientAddress(),
		Amount:        in.Amount,
		Asset:         e.cfg.Asset,
		WindowSeconds: int64(e.cfg.SettlementWindow / time.Second),
		SigningKeyRef: keyRef,
	})
	if err != nil {
		e.guaranteeFailed(ctx, in, "guarantee issuance failed", 0, err)
		return domain.IntentGuarantee{}, fmt.Errorf("settlement: issue guarantee for %s: %w: %w", in.ID, domain.ErrGuaranteeIssuanceFailed, err)
	}

	locked := g.Amount
	if locked <= 0 {
		locked = in.Amount
	}
	e.logger.InfoContext(ctx, "guarantee issued",
		slog.String("intent_id", in.ID),
		slog.String("external_tab_id", g.TabID),
		slog.Uint64("req_id", g.ReqID),
		slog.Int64("amount", locked),
	)
	return domain.IntentGuarantee{IntentID: in.ID, Guarantee: g, ReqID: g.ReqID, LockedAmount: locked}, nil
}

func (e *Engine) guaranteeFailed(ctx context.Context, in domain.TradeIntent, reason string, shortfall int64, cause error) {
	fields := map[string]any{
		"reason":    reason,
		"amount":    in.Amount,
		"shortfall": shortfall,
	}
	attrs := []any{
		slog.String("intent_id", in.ID),
		slog.String("trader", string(in.Trader.ID)),
		slog.String("reason", reason),
		slog.Int64("shortfall", shortfall),
	}
	if cause != nil {
		fields["error"] = cause.Error()
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	e.logger.WarnContext(ctx, "guarantee failed, intent not batched", attrs...)

	snap := in.Clone()
	e.sink.Emit(ctx, domain.Event{
		Kind:   domain.EventIntentGuaranteeFailed,
		At:     e.now().UTC(),
		Trader: in.Trader.ID,
		Intent: &snap,
		Fields: fields,
	})
}

// scheduleWithin places a payment at frac of the window [start, end].
func scheduleWithin(start, end time.Time, frac float64) time.Time {
	return start.Add(time.Duration(float64(end.Sub(start)) * frac))
}

// CheckTabs runs one countdown tick: it emits tab:countdown for every open
// tab, claims the tabs that are due and settles them, each under its
// trader's slot. It returns after all settlements of this tick finished, so
// ticks never overlap. Traders whose slot is busy are skipped until the next
// tick.
func (e *Engine) CheckTabs(ctx context.Context) {
	now := e.now().UTC()

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentSettlements)
	for _, slot := range e.repo.all() {
		if !slot.mu.TryLock() {
			continue
		}
		tab := slot.tab
		if tab == nil || tab.Status != domain.TabOpen {
			slot.mu.Unlock()
			continue
		}

		e.emitTab(ctx, domain.EventTabCountdown, tab, map[string]any{
			"secondsRemaining": tab.SecondsRemaining(now),
			"intentCount":      len(tab.IntentIDs),
		})

		happy, due := resolution(tab, now)
		if !due {
			slot.mu.Unlock()
			continue
		}
		claimed := e.claimLocked(ctx, slot)
		g.Go(func() error {
			defer slot.mu.Unlock()
			e.settle(ctx, claimed, happy)
			return nil
		})
	}
	_ = g.Wait()
}

// resolution reports whether tab is due at now and on which branch.
func resolution(tab *domain.TraderTab, now time.Time) (happy, due bool) {
	if tab.WillPay && !tab.ScheduledPaymentAt.IsZero() && !now.Before(tab.ScheduledPaymentAt) {
		return true, true
	}
	if !now.Before(tab.Deadline) {
		return tab.WillPay, true
	}
	return false, false
}

// claimLocked moves the slot's tab to settling, removes it from the active
// set and folds in any parked tab on the same external tab. The slot lock
// must be held, which makes this the single point where a tab can be
// claimed for settlement.
func (e *Engine) claimLocked(ctx context.Context, slot *traderSlot) *domain.TraderTab {
	tab := slot.tab
	tab.Status = domain.TabSettling
	slot.tab = nil
	slot.publish()
	e.absorbParked(ctx, tab)
	return tab
}

// absorbParked moves every parked tab of the same trader and external tab
// into tab. The service settles an external tab once, for its latest request
// id and its full locked total, so those tabs can only settle together.
func (e *Engine) absorbParked(ctx context.Context, tab *domain.TraderTab) {
	if tab.ExternalTabID == "" {
		return
	}
	var absorbed []string
	e.failedMu.Lock()
	for id, ft := range e.failed {
		if id == tab.ID || ft.tab.Trader.ID != tab.Trader.ID || ft.tab.ExternalTabID != tab.ExternalTabID {
			continue
		}
		parked := ft.tab
		mergeTab(tab, &parked)
		absorbed = append(absorbed, id)
		delete(e.failed, id)
	}
	e.failedMu.Unlock()

	if len(absorbed) > 0 {
		sort.Strings(absorbed)
		e.logger.InfoContext(ctx, "parked tabs joined settlement",
			slog.String("tab_id", tab.ID),
			slog.String("external_tab_id", tab.ExternalTabID),
			slog.Any("absorbed", absorbed),
			slog.Int("intent_count", len(tab.IntentIDs)),
		)
	}
}

// mergeTab appends src's intents and guarantees to dst. dst keeps its id
// and the wider of the two windows.
func mergeTab(dst, src *domain.TraderTab) {
	dst.IntentIDs = append(dst.IntentIDs, src.IntentIDs...)
	dst.Guarantees = append(dst.Guarantees, src.Guarantees...)
	if src.OpenedAt.Before(dst.OpenedAt) {
		dst.OpenedAt = src.OpenedAt
	}
	if src.Deadline.After(dst.Deadline) {
		dst.Deadline = src.Deadline
	}
}

// ResolveTab settles the open tab with the given id on the requested branch.
// It returns false when no open tab has that id, which makes a repeated
// call a no-op.
func (e *Engine) ResolveTab(ctx context.Context, tabID string, happy bool) bool {
	for _, slot := range e.repo.all() {
		slot.mu.Lock()
		if slot.tab == nil || slot.tab.ID != tabID || slot.tab.Status != domain.TabOpen {
			slot.mu.Unlock()
			continue
		}
		tab := e.claimLocked(ctx, slot)
		e.settle(ctx, tab, happy)
		slot.mu.Unlock()
		return true
	}
	return false
}

// RecordPayment is the external payment signal: the trader's open tab
// settles on the happy path at the next tick.
func (e *Engine) RecordPayment(ctx context.Context, trader domain.TraderID) error {
	slot := e.repo.slot(trader)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	tab := slot.tab
	if tab == nil || tab.Status != domain.TabOpen {
		return fmt.Errorf("settlement: record payment for %s: %w", trader, domain.ErrTabNotFound)
	}
	tab.WillPay = true
	tab.PaymentFraction = 0
	tab.ScheduledPaymentAt = e.now().UTC()
	slot.publish()

	e.logger.InfoContext(ctx, "trader payment recorded",
		slog.String("trader", string(trader)),
		slog.String("tab_id", tab.ID),
	)
	e.emitTab(ctx, domain.EventTabUpdated, tab, map[string]any{
		"intentCount":   len(tab.IntentIDs),
		"lockedTotal":   tab.LockedTotal(),
		"externalTabId": tab.ExternalTabID,
		"paymentSignal": true,
	})
	return nil
}

// settle performs the single batched settlement call for a claimed tab and
// finalizes its member intents. The tab is already out of the active set and
// the caller holds the trader's slot.
func (e *Engine) settle(ctx context.Context, tab *domain.TraderTab, happy bool) {
	log := e.logger.With(
		slog.String("tab_id", tab.ID),
		slog.String("trader", string(tab.Trader.ID)),
		slog.String("external_tab_id", tab.ExternalTabID),
		slog.Bool("happy_path", happy),
	)

	// A payment clears the whole external tab; a remuneration claims only
	// what the member intents locked and the service releases the rest.
	total := tab.LockedTotal()
	if !happy {
		total = tab.MemberTotal()
	}
	latest, ok := tab.LatestGuarantee()
	if !ok {
		log.ErrorContext(ctx, "tab has no guarantees, nothing to settle")
		return
	}

	if e.locks != nil {
		key := fmt.Sprintf("settle:%s:%d", tab.ExternalTabID, latest.ReqID)
		unlock, err := e.locks.Acquire(ctx, key, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				err = fmt.Errorf("%w: %w", domain.ErrDoubleSettlement, err)
			}
			e.markFailed(ctx, tab, happy, err)
			return
		}
		defer unlock()
	}

	receipt, err := e.callSettlement(ctx, tab, happy, total, latest)
	if err != nil {
		e.markFailed(ctx, tab, happy, err)
		return
	}

	for _, id := range tab.IntentIDs {
		var ferr error
		if happy {
			ferr = e.intents.CompleteIntent(ctx, id, receipt.TxHash)
		} else {
			ferr = e.intents.DefaultIntent(ctx, id, receipt.TxHash)
		}
		if ferr != nil {
			log.ErrorContext(ctx, "failed to finalize member intent",
				slog.String("intent_id", id),
				slog.String("error", ferr.Error()),
			)
		}
	}

	now := e.now().UTC()
	tab.Status = domain.TabSettled
	tab.SettledAt = &now
	tab.LastError = ""

	log.InfoContext(ctx, "tab settled",
		slog.Int("intent_count", len(tab.IntentIDs)),
		slog.Int64("amount", total),
		slog.Uint64("req_id", latest.ReqID),
		slog.String("tx_hash", receipt.TxHash),
	)
	e.emitTab(ctx, domain.EventTabSettled, tab, map[string]any{
		"happyPath":   happy,
		"txHash":      receipt.TxHash,
		"amount":      total,
		"reqId":       latest.ReqID,
		"intentCount": len(tab.IntentIDs),
	})

	e.refreshAfterSettlement(ctx, tab)
}

// callSettlement issues the pay or remunerate call with retries.
func (e *Engine) callSettlement(
	ctx context.Context,
	tab *domain.TraderTab,
	happy bool,
	total int64,
	latest domain.IntentGuarantee,
) (domain.SettlementReceipt, error) {
	var receipt domain.SettlementReceipt
	err := retry(ctx, e.cfg.Retry, e.sleep, func(attempt int) error {
		var (
			r   domain.SettlementReceipt
			err error
		)
		if happy {
			client, cerr := e.clients.ForTrader(ctx, tab.Trader)
			if cerr != nil {
				return permanent(cerr)
			}
			r, err = client.PayTab(ctx, domain.PayTabRequest{
				TabID:     tab.ExternalTabID,
				ReqID:     latest.ReqID,
				Amount:    total,
				Recipient: tab.Recipient,
				Asset:     tab.Asset,
			})
		} else {
			r, err = e.clients.Recipient().EnforceRemuneration(ctx, latest.Guarantee, domain.RemunerationRequirements{
				TabID:     tab.ExternalTabID,
				ReqID:     latest.ReqID,
				Amount:    total,
				Recipient: tab.Recipient,
				Asset:     tab.Asset,
			})
		}
		if err == nil && !r.Success {
			err = fmt.Errorf("service reported failure (tx %s)", r.TxHash)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "settlement call failed",
				slog.String("tab_id", tab.ID),
				slog.Int("attempt", attempt),
				slog.Bool("happy_path", happy),
				slog.String("error", err.Error()),
			)
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("%w: %w", domain.ErrSettlementCallFailed, err)
	}
	return receipt, nil
}

// markFailed parks the tab in the reconciliation set. Member intents stay
// settling until RetryFailed succeeds.
func (e *Engine) markFailed(ctx context.Context, tab *domain.TraderTab, happy bool, cause error) {
	tab.Status = domain.TabFailed
	tab.LastError = cause.Error()

	e.failedMu.Lock()
	e.failed[tab.ID] = failedTab{tab: tab.Clone(), happy: happy}
	e.failedMu.Unlock()

	e.logger.ErrorContext(ctx, "tab settlement failed, parked for reconciliation",
		slog.String("tab_id", tab.ID),
		slog.String("trader", string(tab.Trader.ID)),
		slog.Bool("happy_path", happy),
		slog.String("error", cause.Error()),
	)
	e.emitTab(ctx, domain.EventTabSettlementFailed, tab, map[string]any{
		"happyPath":   happy,
		"error":       cause.Error(),
		"intentCount": len(tab.IntentIDs),
	})
}

// RetryFailed re-runs settlement for a tab in the reconciliation set. An
// open tab of the same trader on the same external tab, which holds the
// guarantees issued after the failure, settles with it.
func (e *Engine) RetryFailed(ctx context.Context, tabID string) error {
	e.failedMu.Lock()
	ft, ok := e.failed[tabID]
	e.failedMu.Unlock()
	if !ok {
		return fmt.Errorf("settlement: retry %s: %w", tabID, domain.ErrTabNotFound)
	}

	slot := e.repo.slot(ft.tab.Trader.ID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	// A tick may have absorbed it while we waited for the slot.
	e.failedMu.Lock()
	ft, ok = e.failed[tabID]
	if ok {
		delete(e.failed, tabID)
	}
	e.failedMu.Unlock()
	if !ok {
		return fmt.Errorf("settlement: retry %s: %w", tabID, domain.ErrTabNotFound)
	}

	tab := ft.tab.Clone()
	tab.Status = domain.TabSettling
	if open := slot.tab; open != nil && open.Status == domain.TabOpen &&
		tab.ExternalTabID != "" && open.ExternalTabID == tab.ExternalTabID {
		mergeTab(&tab, e.claimLocked(ctx, slot))
	} else {
		e.absorbParked(ctx, &tab)
	}
	e.settle(ctx, &tab, ft.happy)
	if tab.Status != domain.TabSettled {
		return fmt.Errorf("settlement: retry %s: %s: %w", tabID, tab.LastError, domain.ErrSettlementCallFailed)
	}
	return nil
}

// FailedTabs returns copies of the tabs awaiting reconciliation.
func (e *Engine) FailedTabs() []domain.TraderTab {
	e.failedMu.Lock()
	defer e.failedMu.Unlock()
	out := make([]domain.TraderTab, 0, len(e.failed))
	for _, ft := range e.failed {
		out = append(out, ft.tab.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// OpenTabs returns copies of every open tab.
func (e *Engine) OpenTabs() []domain.TraderTab {
	tabs := e.repo.Open()
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].OpenedAt.Before(tabs[j].OpenedAt) })
	return tabs
}

// Tab returns a copy of the trader's open tab.
func (e *Engine) Tab(trader domain.TraderID) (domain.TraderTab, error) {
	tab, ok := e.repo.Get(trader)
	if !ok {
		return domain.TraderTab{}, fmt.Errorf("settlement: tab for %s: %w", trader, domain.ErrTabNotFound)
	}
	return tab, nil
}

// Collateral returns the trader's collateral, from the cache when one is
// wired and holds an entry, otherwise live from the guarantee service.
func (e *Engine) Collateral(ctx context.Context, trader domain.Trader) (domain.Collateral, error) {
	if e.collateral != nil {
		if col, err := e.collateral.Get(ctx, trader.ID); err == nil {
			return col, nil
		}
	}
	client, err := e.clients.ForTrader(ctx, trader)
	if err != nil {
		return domain.Collateral{}, fmt.Errorf("settlement: collateral for %s: %w", trader.ID, err)
	}
	col, err := client.CollateralStatus(ctx, trader)
	if err != nil {
		return domain.Collateral{}, fmt.Errorf("settlement: collateral for %s: %w", trader.ID, err)
	}
	e.cacheCollateral(ctx, trader.ID, col)
	return col, nil
}

// refreshAfterSettlement broadcasts the trader's post-settlement collateral.
func (e *Engine) refreshAfterSettlement(ctx context.Context, tab *domain.TraderTab) {
	client, err := e.clients.ForTrader(ctx, tab.Trader)
	if err != nil {
		return
	}
	col, err := client.CollateralStatus(ctx, tab.Trader)
	if err != nil {
		e.logger.WarnContext(ctx, "post-settlement collateral refresh failed",
			slog.String("trader", string(tab.Trader.ID)),
			slog.String("error", err.Error()),
		)
		return
	}
	e.cacheCollateral(ctx, tab.Trader.ID, col)
	e.emitCollateral(ctx, tab.Trader.ID, col)
}

// RefreshCollateral updates the display snapshot of every open tab. The
// guarantee calls run outside the trader lock, and a trader that is busy
// keeps its previous snapshot until the next refresh.
func (e *Engine) RefreshCollateral(ctx context.Context) {
	for _, tab := range e.repo.Open() {
		client, err := e.clients.ForTrader(ctx, tab.Trader)
		if err != nil {
			continue
		}
		col, err := client.CollateralStatus(ctx, tab.Trader)
		if err != nil {
			e.logger.DebugContext(ctx, "collateral refresh failed",
				slog.String("trader", string(tab.Trader.ID)),
				slog.String("error", err.Error()),
			)
			continue
		}

		slot := e.repo.slot(tab.Trader.ID)
		if slot.mu.TryLock() {
			if slot.tab != nil && slot.tab.ID == tab.ID {
				slot.tab.Collateral = col
				slot.publish()
			}
			slot.mu.Unlock()
		}

		e.cacheCollateral(ctx, tab.Trader.ID, col)
		e.emitCollateral(ctx, tab.Trader.ID, col)
	}
}

func (e *Engine) cacheCollateral(ctx context.Context, trader domain.TraderID, col domain.Collateral) {
	if e.collateral == nil {
		return
	}
	if err := e.collateral.Set(ctx, trader, col); err != nil {
		e.logger.DebugContext(ctx, "collateral cache write failed",
			slog.String("trader", string(trader)),
			slog.String("error", err.Error()),
		)
	}
}

// Run drives the settlement tick and the slower collateral refresh until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("settlement engine started",
		slog.Duration("tick", e.cfg.TickInterval),
		slog.Duration("collateral_refresh", e.cfg.CollateralRefreshInterval),
	)
	defer e.logger.Info("settlement engine stopped")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				e.CheckTabs(ctx)
			}
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.CollateralRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				e.RefreshCollateral(ctx)
			}
		}
	})
	return g.Wait()
}

func (e *Engine) emitTab(ctx context.Context, kind domain.EventKind, tab *domain.TraderTab, fields map[string]any) {
	snap := tab.Clone()
	e.sink.Emit(ctx, domain.Event{
		Kind:   kind,
		At:     e.now().UTC(),
		Trader: tab.Trader.ID,
		Tab:    &snap,
		Fields: fields,
	})
}

func (e *Engine) emitCollateral(ctx context.Context, trader domain.TraderID, col domain.Collateral) {
	c := col
	e.sink.Emit(ctx, domain.Event{
		Kind:       domain.EventTabCollateralUpdate,
		At:         e.now().UTC(),
		Trader:     trader,
		Collateral: &c,
	})
}
