// Package feed turns spread observations into trade intents. Opportunities
// arrive over Redis pub/sub, an upstream WebSocket, or a synthetic generator.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tabsettle/internal/crypto"
	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// ErrBelowThreshold marks an opportunity whose spread is too thin to trade.
var ErrBelowThreshold = errors.New("feed: spread below threshold")

// IntentCreator registers intents.
type IntentCreator interface {
	CreateIntent(ctx context.Context, trader domain.Trader, opp domain.Opportunity, amount int64, certificate string, g *domain.Guarantee) (domain.TradeIntent, error)
}

// SignerSource looks up the signing key of a trader.
type SignerSource interface {
	SignerFor(trader domain.TraderID) (*crypto.Signer, error)
}

// Issuer obtains a guarantee before the intent exists.
type Issuer interface {
	Issue(ctx context.Context, trader domain.Trader, amount int64, asset string, window time.Duration) (domain.Guarantee, error)
}

// Config controls sizing and filtering of incoming opportunities.
type Config struct {
	MinAmount    int64
	MaxAmount    int64
	MinSpreadBps float64
	// Asset, Recipient and Window describe the collateral lock the trader
	// authorises for each intent.
	Asset     string
	Recipient string
	Window    time.Duration
}

// Message is the JSON shape of an opportunity on the wire. TraderID and
// Amount are optional; the feeder picks a trader and sizes the intent when
// they are absent.
type Message struct {
	ID             string    `json:"id"`
	Pair           string    `json:"pair"`
	VenueA         string    `json:"venue_a"`
	VenueB         string    `json:"venue_b"`
	PriceA         float64   `json:"price_a"`
	PriceB         float64   `json:"price_b"`
	SpreadBps      float64   `json:"spread_bps,omitempty"`
	Direction      string    `json:"direction,omitempty"`
	ExpectedProfit int64     `json:"expected_profit,omitempty"`
	DetectedAt     time.Time `json:"detected_at"`
	TraderID       string    `json:"trader_id,omitempty"`
	Amount         int64     `json:"amount,omitempty"`
}

// Stats counts what the feeder did with the opportunities it saw.
type Stats struct {
	Received int64 `json:"received"`
	Created  int64 `json:"created"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
}

// Feeder creates one intent per accepted opportunity, rotating through the
// configured traders.
type Feeder struct {
	cfg     Config
	intents IntentCreator
	traders []domain.Trader
	byID    map[domain.TraderID]domain.Trader
	keys    SignerSource
	issuer  Issuer

	next atomic.Uint64

	mu  sync.Mutex
	rnd func() float64

	received, created, skipped, failed atomic.Int64

	logger *slog.Logger
}

// NewFeeder creates a Feeder. keys signs the lock authorisation attached
// as the intent certificate.
func NewFeeder(cfg Config, intents IntentCreator, traders []domain.Trader, keys SignerSource, rnd func() float64, logger *slog.Logger) *Feeder {
	byID := make(map[domain.TraderID]domain.Trader, len(traders))
	for _, t := range traders {
		byID[t.ID] = t
	}
	return &Feeder{
		cfg:     cfg,
		intents: intents,
		traders: traders,
		byID:    byID,
		keys:    keys,
		rnd:     rnd,
		logger:  logger.With(slog.String("component", "feed")),
	}
}

// SetIssuer switches the feeder to issuing guarantees up front.
func (f *Feeder) SetIssuer(i Issuer) { f.issuer = i }

// Stats returns the running counters.
func (f *Feeder) Stats() Stats {
	return Stats{
		Received: f.received.Load(),
		Created:  f.created.Load(),
		Skipped:  f.skipped.Load(),
		Failed:   f.failed.Load(),
	}
}

// Handle validates msg and creates the intent.
func (f *Feeder) Handle(ctx context.Context, msg Message) (domain.TradeIntent, error) {
	f.received.Add(1)

	opp, err := f.opportunity(msg)
	if err != nil {
		f.skipped.Add(1)
		return domain.TradeIntent{}, err
	}
	trader, err := f.pickTrader(msg.TraderID)
	if err != nil {
		f.skipped.Add(1)
		return domain.TradeIntent{}, err
	}
	amount := msg.Amount
	if amount <= 0 {
		amount = f.size()
	}
	if opp.ExpectedProfit == 0 {
		opp.ExpectedProfit = expectedProfit(amount, opp.SpreadBps)
	}

	var (
		cert string
		g    *domain.Guarantee
	)
	if f.issuer != nil {
		issued, err := f.issuer.Issue(ctx, trader, amount, f.cfg.Asset, f.cfg.Window)
		if err != nil {
			f.failed.Add(1)
			return domain.TradeIntent{}, fmt.Errorf("feed: guarantee for %s: %w", trader.ID, err)
		}
		g = &issued
	} else if cert, err = f.authorise(trader, amount); err != nil {
		f.failed.Add(1)
		return domain.TradeIntent{}, err
	}

	in, err := f.intents.CreateIntent(ctx, trader, opp, amount, cert, g)
	if err != nil {
		f.failed.Add(1)
		return domain.TradeIntent{}, fmt.Errorf("feed: create intent: %w", err)
	}
	f.created.Add(1)
	return in, nil
}

// HandleRaw decodes a JSON message and handles it. Decoding and filtering
// failures are logged at debug level and dropped.
func (f *Feeder) HandleRaw(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		f.received.Add(1)
		f.skipped.Add(1)
		f.logger.DebugContext(ctx, "undecodable opportunity",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}
	if _, err := f.Handle(ctx, msg); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, ErrBelowThreshold) {
			level = slog.LevelDebug
		}
		f.logger.Log(ctx, level, "opportunity dropped",
			slog.String("opportunity_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Run consumes opportunity JSON from a Redis pub/sub channel until ctx is
// cancelled.
func (f *Feeder) Run(ctx context.Context, bus domain.SignalBus, channel string) error {
	ch, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", channel, err)
	}
	f.logger.Info("feed started", slog.String("channel", channel), slog.Int("traders", len(f.traders)))
	defer f.logger.Info("feed stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			f.HandleRaw(ctx, data)
		}
	}
}

func (f *Feeder) opportunity(msg Message) (domain.Opportunity, error) {
	if msg.Pair == "" {
		return domain.Opportunity{}, errors.New("feed: opportunity without pair")
	}
	spread := msg.SpreadBps
	if spread == 0 {
		spread = SpreadBps(msg.PriceA, msg.PriceB)
	}
	if spread < f.cfg.MinSpreadBps || spread <= 0 {
		return domain.Opportunity{}, fmt.Errorf("%w: %.2f bps", ErrBelowThreshold, spread)
	}
	dir := domain.Direction(msg.Direction)
	if dir == "" {
		dir = domain.DirectionBuyASellB
		if msg.PriceB < msg.PriceA {
			dir = domain.DirectionBuyBSellA
		}
	}
	detected := msg.DetectedAt
	if detected.IsZero() {
		detected = time.Now().UTC()
	}
	return domain.Opportunity{
		ID:             msg.ID,
		Pair:           msg.Pair,
		VenueA:         msg.VenueA,
		VenueB:         msg.VenueB,
		PriceA:         msg.PriceA,
		PriceB:         msg.PriceB,
		SpreadBps:      spread,
		Direction:      dir,
		ExpectedProfit: msg.ExpectedProfit,
		DetectedAt:     detected,
	}, nil
}

func (f *Feeder) pickTrader(id string) (domain.Trader, error) {
	if id != "" {
		t, ok := f.byID[domain.TraderID(id)]
		if !ok {
			return domain.Trader{}, fmt.Errorf("feed: trader %q: %w", id, domain.ErrUnknownTrader)
		}
		return t, nil
	}
	if len(f.traders) == 0 {
		return domain.Trader{}, fmt.Errorf("feed: no traders configured: %w", domain.ErrUnknownTrader)
	}
	n := f.next.Add(1) - 1
	return f.traders[n%uint64(len(f.traders))], nil
}

// size draws an amount in [MinAmount, MaxAmount], rounded to whole cents.
func (f *Feeder) size() int64 {
	span := f.cfg.MaxAmount - f.cfg.MinAmount
	if span <= 0 || f.rnd == nil {
		return f.cfg.MinAmount
	}
	f.mu.Lock()
	r := f.rnd()
	f.mu.Unlock()
	amt := f.cfg.MinAmount + int64(r*float64(span))
	return max(f.cfg.MinAmount, amt-amt%10_000)
}

// authorise signs the collateral lock for amount with the trader's key.
// The signature serves as the intent certificate.
func (f *Feeder) authorise(trader domain.Trader, amount int64) (string, error) {
	s, err := f.keys.SignerFor(trader.ID)
	if err != nil {
		return "", fmt.Errorf("feed: signer for %s: %w", trader.ID, err)
	}
	sig, err := s.SignGuarantee(crypto.GuaranteeAuth{
		Trader:        trader.Address,
		Recipient:     f.cfg.Recipient,
		Amount:        amount,
		Asset:         f.cfg.Asset,
		WindowSeconds: int64(f.cfg.Window / time.Second),
	})
	if err != nil {
		return "", fmt.Errorf("feed: authorise %s: %w", trader.ID, err)
	}
	return sig, nil
}

// SpreadBps is |b-a| / min(a,b) in basis points. Non-positive prices give 0.
func SpreadBps(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	da, db := decimal.NewFromFloat(a), decimal.NewFromFloat(b)
	lo := decimal.Min(da, db)
	bps, _ := db.Sub(da).Abs().Div(lo).Mul(decimal.NewFromInt(10_000)).Round(2).Float64()
	return bps
}

// expectedProfit is amount * spread / 10000 in micro-units.
func expectedProfit(amount int64, spreadBps float64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(spreadBps)).
		Div(decimal.NewFromInt(10_000)).
		Floor().
		IntPart()
}
