// Package intent owns the lifecycle of trade intents: creation, solver
// bidding, winner selection, execution and the terminal settlement status.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// Config holds the timing parameters of the lifecycle.
type Config struct {
	// BiddingWindow is how long solvers may bid before the winner is picked.
	// Zero disables the timer; CloseBidding must then be called explicitly.
	BiddingWindow time.Duration
	// SettlementWindow is added to the execution time to form the deadline.
	SettlementWindow time.Duration
	// Retention is how long terminal intents stay in memory before Sweep
	// hands them back for archiving.
	Retention time.Duration
}

type entry struct {
	intent     domain.TradeIntent
	timer      *time.Timer
	terminalAt time.Time
}

// Manager is the only writer of TradeIntent state. All methods are safe for
// concurrent use; events are emitted while the manager lock is held so that
// every subscriber observes an intent's events in lifecycle order.
type Manager struct {
	mu      sync.Mutex
	intents map[string]*entry
	cfg     Config
	sink    domain.EventSink
	now     func() time.Time
	logger  *slog.Logger
}

// NewManager creates a Manager that reports to sink.
func NewManager(cfg Config, sink domain.EventSink, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Manager{
		intents: make(map[string]*entry),
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "intent_manager")),
	}
}

// SetClock replaces the time source. Intended for tests and replays.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CreateIntent registers a new pending intent for trader and starts its
// bidding window. The guarantee fields are optional; they can be attached
// later with AttachGuarantee.
func (m *Manager) CreateIntent(
	ctx context.Context,
	trader domain.Trader,
	opp domain.Opportunity,
	amount int64,
	certificate string,
	guarantee *domain.Guarantee,
) (domain.TradeIntent, error) {
	if amount <= 0 {
		return domain.TradeIntent{}, fmt.Errorf("intent: create: %w", domain.ErrInvalidAmount)
	}
	if trader.ID == "" {
		return domain.TradeIntent{}, fmt.Errorf("intent: create: %w", domain.ErrUnknownTrader)
	}
	if !common.IsHexAddress(trader.Address) {
		return domain.TradeIntent{}, fmt.Errorf("intent: create: trader %s: %w", trader.ID, domain.ErrInvalidAddress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	in := domain.TradeIntent{
		ID:             uuid.New().String(),
		Trader:         trader,
		OpportunityID:  opp.ID,
		Pair:           opp.Pair,
		Amount:         amount,
		Direction:      opp.Direction,
		ExpectedProfit: opp.ExpectedProfit,
		SpreadBps:      opp.SpreadBps,
		Status:         domain.IntentPending,
		CreatedAt:      m.now().UTC(),
	}
	applyGuarantee(&in, certificate, guarantee)

	e := &entry{intent: in}
	m.intents[in.ID] = e
	if m.cfg.BiddingWindow > 0 {
		id := in.ID
		e.timer = time.AfterFunc(m.cfg.BiddingWindow, func() {
			if err := m.CloseBidding(context.Background(), id); err != nil {
				m.logger.Debug("bidding window closed without claim",
					slog.String("intent_id", id),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	m.logger.InfoContext(ctx, "intent created",
		slog.String("intent_id", in.ID),
		slog.String("trader", string(trader.ID)),
		slog.Int64("amount", amount),
		slog.Float64("spread_bps", opp.SpreadBps),
		slog.Bool("guarantee_verified", in.GuaranteeVerified),
	)
	m.emit(ctx, domain.EventIntentCreated, &e.intent, nil)
	return in.Clone(), nil
}

// applyGuarantee sets the certificate fields. The verified flag follows the
// certificate: it is true exactly when a certificate is attached.
func applyGuarantee(in *domain.TradeIntent, certificate string, g *domain.Guarantee) {
	if certificate == "" && g != nil {
		certificate = g.Certificate
	}
	if g != nil {
		gc := *g
		in.Guarantee = &gc
	}
	in.Certificate = certificate
	in.GuaranteeVerified = certificate != ""
}

// AttachGuarantee records a guarantee issued after creation. Only intents
// that have not started executing accept one, and an attach that carries no
// certificate is rejected rather than clearing the current one.
func (m *Manager) AttachGuarantee(ctx context.Context, id, certificate string, g *domain.Guarantee) error {
	if certificate == "" && (g == nil || g.Certificate == "") {
		return fmt.Errorf("intent: attach guarantee %s: %w", id, domain.ErrMissingCertificate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent: attach guarantee %s: %w", id, domain.ErrIntentNotFound)
	}
	if s := e.intent.Status; s != domain.IntentPending && s != domain.IntentClaimed {
		return fmt.Errorf("intent: attach guarantee %s in status %s: %w", id, s, domain.ErrInvalidTransition)
	}
	applyGuarantee(&e.intent, certificate, g)
	m.logger.InfoContext(ctx, "guarantee attached",
		slog.String("intent_id", id),
		slog.Bool("verified", e.intent.GuaranteeVerified),
	)
	return nil
}

// SubmitBid adds a solver bid. It returns false, without error, when the
// intent is not pending, has no verified guarantee, or the solver already
// bid, so a solver can simply move on to another intent.
func (m *Manager) SubmitBid(ctx context.Context, id string, bid domain.SolverBid) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.logger.With(slog.String("intent_id", id), slog.String("solver", string(bid.SolverID)))

	e, ok := m.intents[id]
	if !ok {
		log.DebugContext(ctx, "bid rejected: unknown intent")
		return false
	}
	in := &e.intent
	if in.Status != domain.IntentPending {
		log.DebugContext(ctx, "bid rejected: intent not pending", slog.String("status", string(in.Status)))
		return false
	}
	if !in.GuaranteeVerified {
		log.DebugContext(ctx, "bid rejected: guarantee not verified")
		return false
	}
	if bid.SolverID == "" {
		log.DebugContext(ctx, "bid rejected: missing solver id")
		return false
	}
	if bid.SolverAddress != "" && !common.IsHexAddress(bid.SolverAddress) {
		log.DebugContext(ctx, "bid rejected: invalid solver address")
		return false
	}
	for _, b := range in.Bids {
		if b.SolverID == bid.SolverID {
			log.DebugContext(ctx, "bid rejected: duplicate solver")
			return false
		}
	}

	if bid.ID == "" {
		bid.ID = uuid.New().String()
	}
	if bid.SubmittedAt.IsZero() {
		bid.SubmittedAt = m.now().UTC()
	}
	in.Bids = append(in.Bids, bid)

	log.InfoContext(ctx, "bid accepted",
		slog.Float64("bid_score", bid.BidScore),
		slog.Int("bid_count", len(in.Bids)),
	)
	b := bid
	m.emitBid(ctx, in, &b)
	return true
}

// CloseBidding ends the bidding window. The highest score wins; ties go to
// the earliest submission. With no bids the intent is cancelled.
func (m *Manager) CloseBidding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent: close bidding %s: %w", id, domain.ErrIntentNotFound)
	}
	in := &e.intent
	if in.Status != domain.IntentPending {
		return fmt.Errorf("intent: close bidding %s in status %s: %w", id, in.Status, domain.ErrInvalidTransition)
	}
	stopTimer(e)

	winner, ok := SelectWinner(in.Bids)
	if !ok {
		m.logger.InfoContext(ctx, "bidding window expired empty", slog.String("intent_id", id))
		m.cancelLocked(ctx, e, domain.ErrNoBidsReceived.Error())
		return nil
	}

	now := m.now().UTC()
	in.Status = domain.IntentClaimed
	in.ClaimedAt = &now
	in.WinningBid = &winner

	m.logger.InfoContext(ctx, "intent claimed",
		slog.String("intent_id", id),
		slog.String("solver", string(winner.SolverID)),
		slog.Float64("bid_score", winner.BidScore),
		slog.Int("bid_count", len(in.Bids)),
	)
	m.emit(ctx, domain.EventIntentClaimed, in, nil)
	return nil
}

// SelectWinner picks the bid with the strictly greatest score. Equal scores
// are broken by the earliest SubmittedAt and then by submission order.
func SelectWinner(bids []domain.SolverBid) (domain.SolverBid, bool) {
	if len(bids) == 0 {
		return domain.SolverBid{}, false
	}
	best := 0
	for i := 1; i < len(bids); i++ {
		b, cur := bids[i], bids[best]
		switch {
		case b.BidScore > cur.BidScore:
			best = i
		case b.BidScore == cur.BidScore && b.SubmittedAt.Before(cur.SubmittedAt):
			best = i
		}
	}
	return bids[best], true
}

// StartExecution moves a claimed intent to executing.
func (m *Manager) StartExecution(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.transitionLocked(id, domain.IntentExecuting)
	if err != nil {
		return fmt.Errorf("intent: start execution: %w", err)
	}
	m.emit(ctx, domain.EventIntentExecuting, &e.intent, nil)
	return nil
}

// MarkExecuted records the execution, sets the settlement deadline and moves
// the intent to settling. The emitted event is the handoff to the tab engine.
func (m *Manager) MarkExecuted(ctx context.Context, id, txHash string) (domain.TradeIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.transitionLocked(id, domain.IntentSettling)
	if err != nil {
		return domain.TradeIntent{}, fmt.Errorf("intent: mark executed: %w", err)
	}
	now := m.now().UTC()
	deadline := now.Add(m.cfg.SettlementWindow)
	e.intent.ExecutedAt = &now
	e.intent.SettlementDeadline = &deadline
	if txHash != "" {
		e.intent.TxHash = txHash
	}

	m.logger.InfoContext(ctx, "intent executed",
		slog.String("intent_id", id),
		slog.Time("deadline", deadline),
	)
	m.emit(ctx, domain.EventIntentExecuted, &e.intent, map[string]any{
		"deadline": deadline,
	})
	return e.intent.Clone(), nil
}

// CompleteIntent marks a settling intent as paid by the trader.
func (m *Manager) CompleteIntent(ctx context.Context, id, txHash string) error {
	return m.finish(ctx, id, domain.IntentCompleted, txHash)
}

// DefaultIntent marks a settling intent as remunerated from collateral.
func (m *Manager) DefaultIntent(ctx context.Context, id, txHash string) error {
	return m.finish(ctx, id, domain.IntentDefaulted, txHash)
}

func (m *Manager) finish(ctx context.Context, id string, status domain.IntentStatus, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.transitionLocked(id, status)
	if err != nil {
		return fmt.Errorf("intent: finish as %s: %w", status, err)
	}
	now := m.now().UTC()
	happy := status == domain.IntentCompleted
	e.intent.SettledAt = &now
	e.intent.IsHappyPath = &happy
	if txHash != "" {
		e.intent.TxHash = txHash
	}
	e.terminalAt = now

	kind := domain.EventIntentDefaulted
	if happy {
		kind = domain.EventIntentCompleted
	}
	m.emit(ctx, kind, &e.intent, map[string]any{"happyPath": happy})
	return nil
}

// CancelIntent cancels an intent that has not reached settling and stops its
// bidding timer if one is still armed. A settling intent is not cancellable:
// its guarantee already sits on the trader's tab and only settlement can
// finish it, as completed or defaulted.
func (m *Manager) CancelIntent(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.intents[id]
	if !ok {
		return fmt.Errorf("intent: cancel %s: %w", id, domain.ErrIntentNotFound)
	}
	if e.intent.Status.Terminal() || !e.intent.Status.CanTransition(domain.IntentCancelled) {
		return fmt.Errorf("intent: cancel %s in status %s: %w", id, e.intent.Status, domain.ErrInvalidTransition)
	}
	m.cancelLocked(ctx, e, reason)
	return nil
}

func (m *Manager) cancelLocked(ctx context.Context, e *entry, reason string) {
	stopTimer(e)
	e.intent.Status = domain.IntentCancelled
	e.intent.CancelReason = reason
	e.terminalAt = m.now().UTC()

	m.logger.InfoContext(ctx, "intent cancelled",
		slog.String("intent_id", e.intent.ID),
		slog.String("reason", reason),
	)
	m.emit(ctx, domain.EventIntentCancelled, &e.intent, map[string]any{"reason": reason})
}

// stopTimer disarms the bidding timer. Calling it again is a no-op.
func stopTimer(e *entry) {
	if e.timer == nil {
		return
	}
	e.timer.Stop()
	e.timer = nil
}

func (m *Manager) transitionLocked(id string, next domain.IntentStatus) (*entry, error) {
	e, ok := m.intents[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrIntentNotFound)
	}
	if !e.intent.Status.CanTransition(next) {
		return nil, fmt.Errorf("%s from %s to %s: %w", id, e.intent.Status, next, domain.ErrInvalidTransition)
	}
	e.intent.Status = next
	return e, nil
}

// Get returns a copy of the intent.
func (m *Manager) Get(id string) (domain.TradeIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.intents[id]
	if !ok {
		return domain.TradeIntent{}, fmt.Errorf("intent: get %s: %w", id, domain.ErrIntentNotFound)
	}
	return e.intent.Clone(), nil
}

// List returns copies of the intents matching f, newest first.
func (m *Manager) List(f domain.IntentFilter) []domain.TradeIntent {
	m.mu.Lock()
	out := make([]domain.TradeIntent, 0, len(m.intents))
	for _, e := range m.intents {
		if f.Trader != "" && e.intent.Trader.ID != f.Trader {
			continue
		}
		if f.Status != "" && e.intent.Status != f.Status {
			continue
		}
		out = append(out, e.intent.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Sweep removes terminal intents whose retention window has elapsed and
// returns them, oldest first, so the caller can archive them.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []domain.TradeIntent {
	m.mu.Lock()
	var swept []domain.TradeIntent
	for id, e := range m.intents {
		if !e.intent.Status.Terminal() || e.terminalAt.IsZero() {
			continue
		}
		if now.Sub(e.terminalAt) < m.cfg.Retention {
			continue
		}
		swept = append(swept, e.intent)
		delete(m.intents, id)
	}
	m.mu.Unlock()

	sort.Slice(swept, func(i, j int) bool {
		return swept[i].CreatedAt.Before(swept[j].CreatedAt)
	})
	if len(swept) > 0 {
		m.logger.InfoContext(ctx, "swept terminal intents", slog.Int("count", len(swept)))
	}
	return swept
}

func (m *Manager) emit(ctx context.Context, kind domain.EventKind, in *domain.TradeIntent, fields map[string]any) {
	snap := in.Clone()
	m.sink.Emit(ctx, domain.Event{
		Kind:   kind,
		At:     m.now().UTC(),
		Trader: in.Trader.ID,
		Intent: &snap,
		Fields: fields,
	})
}

func (m *Manager) emitBid(ctx context.Context, in *domain.TradeIntent, bid *domain.SolverBid) {
	snap := in.Clone()
	m.sink.Emit(ctx, domain.Event{
		Kind:   domain.EventIntentBid,
		At:     m.now().UTC(),
		Trader: in.Trader.ID,
		Intent: &snap,
		Bid:    bid,
	})
}
