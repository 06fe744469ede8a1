package solver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/events"
	"github.com/alanyoungcy/tabsettle/internal/intent"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type bidLog struct {
	bids   []domain.SolverBid
	refuse bool
}

func (b *bidLog) SubmitBid(_ context.Context, _ string, bid domain.SolverBid) bool {
	b.bids = append(b.bids, bid)
	return !b.refuse
}

func seq(vals ...float64) func() float64 {
	i := 0
	return func() float64 { v := vals[i%len(vals)]; i++; return v }
}

func TestQuoteParticipationAndScore(t *testing.T) {
	solvers := []Profile{
		{ID: "fast", Name: "Fast", Skill: 1},
		{ID: "slow", Name: "Slow", Skill: 0},
	}
	log := &bidLog{}
	// fast: participates (0.5 < 1.0), noise 0.5; slow: 0.5 >= 0.3 declines.
	p := NewPool(solvers, log, seq(0.5, 0.5, 0.5), discard)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	n := p.Bid(context.Background(), domain.TradeIntent{ID: "i1", SpreadBps: 25})
	assert.Equal(t, 1, n)
	require.Len(t, log.bids, 1)
	bid := log.bids[0]
	assert.Equal(t, domain.SolverID("fast"), bid.SolverID)
	assert.InDelta(t, 0.6+0.1+0.1, bid.BidScore, 1e-9)
	assert.Equal(t, 200*time.Millisecond, bid.ExecutionTimeEstimate)
	assert.Equal(t, 1_000, bid.ProfitShareBps)
	assert.Equal(t, fixed, bid.SubmittedAt)
	assert.NotEmpty(t, bid.ID)
}

func TestBidCountsOnlyAccepted(t *testing.T) {
	log := &bidLog{refuse: true}
	p := NewPool([]Profile{{ID: "a", Skill: 1}, {ID: "b", Skill: 1}}, log, seq(0.1), discard)
	assert.Equal(t, 0, p.Bid(context.Background(), domain.TradeIntent{ID: "i1"}))
	assert.Len(t, log.bids, 2)
}

func TestRunBidsOnCreatedIntents(t *testing.T) {
	bus := events.NewBus(discard)
	defer bus.Close()
	mgr := intent.NewManager(intent.Config{}, bus, discard)
	pool := NewPool([]Profile{{ID: "s1", Skill: 0.9}, {ID: "s2", Skill: 0.8}}, mgr, seq(0.1, 0.4), discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx, bus.Subscribe("solvers", 16, domain.EventIntentCreated)) }()

	trader := domain.Trader{ID: "alice", Address: "0x1111111111111111111111111111111111111111"}
	in, err := mgr.CreateIntent(ctx, trader, domain.Opportunity{Pair: "ETH/USDC", SpreadBps: 30}, 1_000_000, "cert", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := mgr.Get(in.ID)
		return err == nil && len(got.Bids) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.CloseBidding(ctx, in.ID))
	got, err := mgr.Get(in.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WinningBid)
	assert.Equal(t, domain.SolverID("s1"), got.WinningBid.SolverID)
}
