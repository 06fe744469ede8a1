package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

var basePrices = map[string]float64{
	"ETH/USDC": 3200,
	"BTC/USDC": 64000,
	"SOL/USDC": 150,
}

// Generator produces random spread observations for demo runs.
type Generator struct {
	pairs  []string
	venues [2]string

	mu  sync.Mutex
	rnd func() float64
	n   int
}

// NewGenerator creates a Generator over pairs. rnd returns values in [0,1).
func NewGenerator(pairs []string, rnd func() float64) *Generator {
	return &Generator{pairs: pairs, venues: [2]string{"venue-a", "venue-b"}, rnd: rnd}
}

// Next returns the next observation. Spreads land between 0 and 60 bps.
func (g *Generator) Next(now time.Time) Message {
	g.mu.Lock()
	pair := g.pairs[g.n%len(g.pairs)]
	g.n++
	drift := g.rnd()*2 - 1
	spread := g.rnd() * 60
	g.mu.Unlock()

	base, ok := basePrices[pair]
	if !ok {
		base = 100
	}
	a := round(base*(1+drift*0.01), 4)
	b := round(a*(1+spread/10_000), 4)
	if drift < 0 {
		a, b = b, a
	}
	return Message{
		ID:         uuid.NewString(),
		Pair:       pair,
		VenueA:     g.venues[0],
		VenueB:     g.venues[1],
		PriceA:     a,
		PriceB:     b,
		DetectedAt: now.UTC(),
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Publisher is where generated opportunities are sent.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RunSynthetic emits one generated opportunity per interval. With a
// publisher the message goes through the Redis channel, so the regular
// consumer path handles it; without one the feeder handles it directly.
func (f *Feeder) RunSynthetic(ctx context.Context, gen *Generator, interval time.Duration, pub Publisher, channel string) error {
	if interval <= 0 {
		return fmt.Errorf("feed: synthetic interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	f.logger.Info("synthetic feed started", slog.Duration("interval", interval), slog.Bool("via_redis", pub != nil))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			msg := gen.Next(now)
			if pub == nil {
				f.HandleRaw(ctx, mustJSON(msg))
				continue
			}
			if err := pub.Publish(ctx, channel, mustJSON(msg)); err != nil {
				f.logger.WarnContext(ctx, "publish synthetic opportunity failed", slog.String("error", err.Error()))
			}
		}
	}
}

func mustJSON(m Message) []byte {
	data, _ := json.Marshal(m)
	return data
}

var _ Publisher = domain.SignalBus(nil)
