// Package solver simulates competing solvers that bid on new intents.
package solver

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/events"
)

// Profile describes one simulated solver. Skill in [0,1] raises both the
// chance of bidding and the score of the bid.
type Profile struct {
	ID      domain.SolverID
	Name    string
	Address string
	Skill   float64
}

// Bidder accepts bids on intents.
type Bidder interface {
	SubmitBid(ctx context.Context, id string, bid domain.SolverBid) bool
}

// Pool bids on behalf of every configured solver.
type Pool struct {
	solvers []Profile
	bidder  Bidder
	now     func() time.Time

	mu  sync.Mutex
	rnd func() float64

	logger *slog.Logger
}

// NewPool creates a Pool. rnd returns values in [0,1).
func NewPool(solvers []Profile, bidder Bidder, rnd func() float64, logger *slog.Logger) *Pool {
	return &Pool{
		solvers: solvers,
		bidder:  bidder,
		now:     time.Now,
		rnd:     rnd,
		logger:  logger.With(slog.String("component", "solvers")),
	}
}

func (p *Pool) draw() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rnd()
}

// Bid lets each solver decide on in and submits the bids it makes. It
// returns how many were accepted.
func (p *Pool) Bid(ctx context.Context, in domain.TradeIntent) int {
	accepted := 0
	for _, s := range p.solvers {
		bid, ok := p.quote(s, in)
		if !ok {
			continue
		}
		if p.bidder.SubmitBid(ctx, in.ID, bid) {
			accepted++
		}
	}
	p.logger.DebugContext(ctx, "solvers quoted",
		slog.String("intent_id", in.ID),
		slog.Int("accepted", accepted),
	)
	return accepted
}

// quote decides whether s bids on in. Participation is 0.3 + 0.7*skill;
// the score mixes skill with the intent's spread and some noise.
func (p *Pool) quote(s Profile, in domain.TradeIntent) (domain.SolverBid, bool) {
	if p.draw() >= 0.3+0.7*s.Skill {
		return domain.SolverBid{}, false
	}
	spreadFactor := math.Min(in.SpreadBps/50, 1)
	score := 0.6*s.Skill + 0.2*spreadFactor + 0.2*p.draw()
	estimate := time.Duration(float64(2*time.Second) * (1.1 - s.Skill))
	share := 1_000 + int(2_000*(1-s.Skill))
	return domain.SolverBid{
		ID:                    uuid.NewString(),
		SolverID:              s.ID,
		SolverAddress:         s.Address,
		SolverName:            s.Name,
		BidScore:              math.Round(score*1e4) / 1e4,
		ExecutionTimeEstimate: estimate.Round(time.Millisecond),
		ProfitShareBps:        share,
		SubmittedAt:           p.now().UTC(),
	}, true
}

// Run bids on every intent:created event on sub until ctx is cancelled.
func (p *Pool) Run(ctx context.Context, sub *events.Subscription) error {
	p.logger.Info("solvers started", slog.Int("solvers", len(p.solvers)))
	return events.Consume(ctx, sub, func(ctx context.Context, ev domain.Event) {
		if ev.Kind != domain.EventIntentCreated || ev.Intent == nil {
			return
		}
		p.Bid(ctx, *ev.Intent)
	})
}
