package settlement

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tabsettle/internal/crypto"
	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/events"
	"github.com/alanyoungcy/tabsettle/internal/guarantee"
	"github.com/alanyoungcy/tabsettle/internal/intent"
)

const simChain = 80002

// gatedProvider is a guarantee.Pool whose trader handles can be made to
// block in PayTab.
type gatedProvider struct {
	*guarantee.Pool
	mu   sync.Mutex
	gate chan struct{}
}

type gatedClient struct {
	domain.GuaranteeClient
	p *gatedProvider
}

func (c gatedClient) PayTab(ctx context.Context, req domain.PayTabRequest) (domain.SettlementReceipt, error) {
	c.p.mu.Lock()
	g := c.p.gate
	c.p.mu.Unlock()
	if g != nil {
		<-g
	}
	return c.GuaranteeClient.PayTab(ctx, req)
}

func (p *gatedProvider) ForTrader(ctx context.Context, trader domain.Trader) (domain.GuaranteeClient, error) {
	c, err := p.Pool.ForTrader(ctx, trader)
	if err != nil {
		return nil, err
	}
	return gatedClient{GuaranteeClient: c, p: p}, nil
}

// hold blocks every PayTab until the returned func is called.
func (p *gatedProvider) hold() func() {
	ch := make(chan struct{})
	p.mu.Lock()
	p.gate = ch
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.gate = nil
		p.mu.Unlock()
		close(ch)
	}
}

type simHarness struct {
	*harness
	sim  *guarantee.Simulator
	keys *guarantee.Keyring
	prov *gatedProvider
}

func newSimHarness(t *testing.T, oracle PaymentOracle) *simHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := events.NewRecorder(0)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	mgr := intent.NewManager(intent.Config{SettlementWindow: window}, rec, logger)
	mgr.SetClock(clk.Now)

	sim, err := guarantee.NewSimulator(simChain)
	require.NoError(t, err)
	sim.SetClock(clk.Now)
	keys := guarantee.NewKeyring(simChain)
	pool := guarantee.NewPool(func(tr *domain.Trader) domain.GuaranteeClient {
		return guarantee.NewSimClient(sim, keys, tr)
	}, keys, sim.ServiceAddress())
	prov := &gatedProvider{Pool: pool}

	eng := NewEngine(Config{
		SettlementWindow:         window,
		Asset:                    "USDC",
		MaxConcurrentSettlements: 4,
		Retry:                    RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond},
	}, prov, mgr, oracle, rec, logger)
	eng.SetClock(clk.Now)
	eng.SetSleep(func(context.Context, time.Duration) error { return nil })

	return &simHarness{
		harness: &harness{eng: eng, mgr: mgr, rec: rec, clock: clk},
		sim:     sim,
		keys:    keys,
		prov:    prov,
	}
}

// trader registers a fresh key for id and deposits collateral for it.
func (h *simHarness) trader(t *testing.T, id string, deposit int64) domain.Trader {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := crypto.NewSigner(key, simChain)
	require.NoError(t, err)
	tr := domain.Trader{ID: domain.TraderID(id), Address: s.Address().Hex(), Name: id}
	require.NoError(t, h.keys.Register(tr, crypto.KeySource{RawHex: key}))
	h.sim.Deposit(tr.Address, deposit)
	return tr
}

func (h *simHarness) collateral(t *testing.T, tr domain.Trader) domain.Collateral {
	t.Helper()
	col, err := h.sim.Status(context.Background(), tr.Address)
	require.NoError(t, err)
	return col
}

func TestSimulatedServiceHappyPath(t *testing.T) {
	h := newSimHarness(t, FixedOracle{WillPay: true, Fraction: 0.5})
	trader := h.trader(t, "alice", 10_000_000)

	first := h.add(t, trader, 500_000)
	second := h.add(t, trader, 400_000)
	assert.Equal(t, int64(900_000), h.collateral(t, trader).Locked)

	h.clock.Advance(30 * time.Second)
	h.eng.CheckTabs(context.Background())

	assert.Equal(t, domain.IntentCompleted, h.status(t, first.ID))
	assert.Equal(t, domain.IntentCompleted, h.status(t, second.ID))
	assert.Empty(t, h.eng.FailedTabs())

	col := h.collateral(t, trader)
	assert.Zero(t, col.Locked)
	assert.Equal(t, int64(10_000_000), col.Deposited)
}

func TestSimulatedServiceUnhappyPath(t *testing.T) {
	h := newSimHarness(t, FixedOracle{})
	trader := h.trader(t, "alice", 10_000_000)

	first := h.add(t, trader, 500_000)
	second := h.add(t, trader, 400_000)

	h.clock.Advance(window)
	h.eng.CheckTabs(context.Background())

	assert.Equal(t, domain.IntentDefaulted, h.status(t, first.ID))
	assert.Equal(t, domain.IntentDefaulted, h.status(t, second.ID))
	assert.Empty(t, h.eng.FailedTabs())

	col := h.collateral(t, trader)
	assert.Zero(t, col.Locked)
	assert.Equal(t, int64(9_100_000), col.Deposited)
}

func TestIngestionWaitsForSettlementInFlight(t *testing.T) {
	h := newSimHarness(t, FixedOracle{WillPay: true, Fraction: 0.5})
	trader := h.trader(t, "alice", 10_000_000)
	ctx := context.Background()

	first := h.add(t, trader, 300_000)
	firstTab, err := h.eng.Tab(trader.ID)
	require.NoError(t, err)

	release := h.prov.hold()
	h.clock.Advance(30 * time.Second)
	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		h.eng.CheckTabs(ctx)
	}()
	require.Eventually(t, func() bool { return len(h.eng.OpenTabs()) == 0 }, time.Second, 5*time.Millisecond)

	// A new intent for the same trader arrives while the pay call is out.
	second := h.executed(t, trader, 200_000)
	added := make(chan error, 1)
	go func() { added <- h.eng.AddIntentToTab(ctx, second) }()
	assert.Never(t, func() bool { return len(added) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	release()
	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("settlement did not finish")
	}
	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ingestion did not resume")
	}

	assert.Equal(t, domain.IntentCompleted, h.status(t, first.ID))
	assert.Empty(t, h.eng.FailedTabs())

	secondTab, err := h.eng.Tab(trader.ID)
	require.NoError(t, err)
	assert.NotEqual(t, firstTab.ExternalTabID, secondTab.ExternalTabID)
	latest, ok := secondTab.LatestGuarantee()
	require.True(t, ok)
	assert.Equal(t, uint64(1), latest.ReqID)

	h.clock.Advance(window)
	h.eng.CheckTabs(ctx)
	assert.Equal(t, domain.IntentCompleted, h.status(t, second.ID))
	assert.Empty(t, h.eng.FailedTabs())
	assert.Zero(t, h.collateral(t, trader).Locked)
}

func TestRetryFailedSettlesGuaranteesIssuedAfterFailure(t *testing.T) {
	h := newSimHarness(t, FixedOracle{WillPay: true})
	trader := h.trader(t, "alice", 10_000_000)
	ctx := context.Background()

	first := h.add(t, trader, 300_000)
	h.sim.FailNext(guarantee.OpPay, 3)
	h.clock.Advance(window)
	h.eng.CheckTabs(ctx)

	failed := h.eng.FailedTabs()
	require.Len(t, failed, 1)

	// The external tab is still open, so this guarantee lands on it.
	second := h.add(t, trader, 200_000)
	open, err := h.eng.Tab(trader.ID)
	require.NoError(t, err)
	assert.Equal(t, failed[0].ExternalTabID, open.ExternalTabID)

	require.NoError(t, h.eng.RetryFailed(ctx, failed[0].ID))

	assert.Equal(t, domain.IntentCompleted, h.status(t, first.ID))
	assert.Equal(t, domain.IntentCompleted, h.status(t, second.ID))
	assert.Empty(t, h.eng.FailedTabs())
	assert.Empty(t, h.eng.OpenTabs())
	assert.Zero(t, h.collateral(t, trader).Locked)

	settled := h.rec.OfKind(domain.EventTabSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, int64(500_000), settled[0].Fields["amount"])
	assert.Equal(t, uint64(2), settled[0].Fields["reqId"])
	assert.Equal(t, 2, settled[0].Fields["intentCount"])
}

func TestDueTabAbsorbsParkedTabOnSameExternalTab(t *testing.T) {
	h := newSimHarness(t, FixedOracle{})
	trader := h.trader(t, "alice", 10_000_000)
	ctx := context.Background()

	first := h.add(t, trader, 300_000)
	h.sim.FailNext(guarantee.OpRemunerate, 3)
	h.clock.Advance(window)
	h.eng.CheckTabs(ctx)
	require.Len(t, h.eng.FailedTabs(), 1)

	second := h.add(t, trader, 200_000)
	h.clock.Advance(window)
	h.eng.CheckTabs(ctx)

	assert.Equal(t, domain.IntentDefaulted, h.status(t, first.ID))
	assert.Equal(t, domain.IntentDefaulted, h.status(t, second.ID))
	assert.Empty(t, h.eng.FailedTabs())

	col := h.collateral(t, trader)
	assert.Zero(t, col.Locked)
	assert.Equal(t, int64(9_500_000), col.Deposited)
}

// guaranteed creates a pending intent backed by a guarantee issued up front.
func (h *simHarness) guaranteed(t *testing.T, trader domain.Trader, amount int64) domain.TradeIntent {
	t.Helper()
	ctx := context.Background()
	g, err := h.prov.Issue(ctx, trader, amount, "USDC", window)
	require.NoError(t, err)
	in, err := h.mgr.CreateIntent(ctx, trader, domain.Opportunity{ID: "opp", Pair: "ETH/USDC"}, amount, "", &g)
	require.NoError(t, err)
	require.True(t, in.GuaranteeVerified)
	return in
}

func (h *simHarness) execute(t *testing.T, in domain.TradeIntent) domain.TradeIntent {
	t.Helper()
	ctx := context.Background()
	require.True(t, h.mgr.SubmitBid(ctx, in.ID, domain.SolverBid{SolverID: "solver-1", BidScore: 1}))
	require.NoError(t, h.mgr.CloseBidding(ctx, in.ID))
	require.NoError(t, h.mgr.StartExecution(ctx, in.ID))
	out, err := h.mgr.MarkExecuted(ctx, in.ID, "0xexec")
	require.NoError(t, err)
	return out
}

func (h *simHarness) cancel(t *testing.T, in domain.TradeIntent) domain.TradeIntent {
	t.Helper()
	require.NoError(t, h.mgr.CancelIntent(context.Background(), in.ID, "no bids"))
	out, err := h.mgr.Get(in.ID)
	require.NoError(t, err)
	return out
}

func TestCancelledLockJoinsNextTabOnSameExternalTab(t *testing.T) {
	h := newSimHarness(t, FixedOracle{WillPay: true})
	trader := h.trader(t, "alice", 10_000_000)
	ctx := context.Background()

	dropped := h.cancel(t, h.guaranteed(t, trader, 300_000))
	require.NoError(t, h.eng.RetainGuarantee(ctx, dropped))
	assert.Empty(t, h.eng.OpenTabs())

	kept := h.execute(t, h.guaranteed(t, trader, 200_000))
	require.NoError(t, h.eng.AddIntentToTab(ctx, kept))

	tab, err := h.eng.Tab(trader.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ID}, tab.IntentIDs)
	assert.Equal(t, int64(500_000), tab.LockedTotal())
	assert.Equal(t, int64(200_000), tab.MemberTotal())

	h.clock.Advance(window)
	h.eng.CheckTabs(ctx)

	assert.Equal(t, domain.IntentCompleted, h.status(t, kept.ID))
	assert.Equal(t, domain.IntentCancelled, h.status(t, dropped.ID))
	assert.Empty(t, h.eng.FailedTabs())
	assert.Zero(t, h.collateral(t, trader).Locked)
}

func TestRemunerationClaimsOnlyMemberLocks(t *testing.T) {
	h := newSimHarness(t, FixedOracle{})
	trader := h.trader(t, "alice", 10_000_000)
	ctx := context.Background()

	member := h.execute(t, h.guaranteed(t, trader, 300_000))
	require.NoError(t, h.eng.AddIntentToTab(ctx, member))

	dropped := h.cancel(t, h.guaranteed(t, trader, 200_000))
	require.NoError(t, h.eng.RetainGuarantee(ctx, dropped))
	tab, err := h.eng.Tab(trader.ID)
	require.NoError(t, err)
	require.Len(t, tab.Guarantees, 2)
	assert.True(t, tab.Guarantees[1].Retained)

	h.clock.Advance(window)
	h.eng.CheckTabs(ctx)

	assert.Equal(t, domain.IntentDefaulted, h.status(t, member.ID))
	assert.Empty(t, h.eng.FailedTabs())
	col := h.collateral(t, trader)
	assert.Zero(t, col.Locked)
	assert.Equal(t, int64(9_700_000), col.Deposited)

	settled := h.rec.OfKind(domain.EventTabSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, int64(300_000), settled[0].Fields["amount"])
	assert.Equal(t, uint64(2), settled[0].Fields["reqId"])
}

func TestRetainGuaranteeGuards(t *testing.T) {
	h := newSimHarness(t, FixedOracle{})
	trader := h.trader(t, "alice", 10_000_000)
	ctx := context.Background()

	live := h.guaranteed(t, trader, 100_000)
	assert.ErrorIs(t, h.eng.RetainGuarantee(ctx, live), domain.ErrInvalidTransition)

	bare, err := h.mgr.CreateIntent(ctx, trader, domain.Opportunity{ID: "opp", Pair: "ETH/USDC"}, 100_000, "lock-auth", nil)
	require.NoError(t, err)
	assert.NoError(t, h.eng.RetainGuarantee(ctx, h.cancel(t, bare)))
	assert.Empty(t, h.eng.OpenTabs())
}
