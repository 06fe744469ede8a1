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

	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/events"
	"github.com/alanyoungcy/tabsettle/internal/intent"
)

const window = 60 * time.Second

var (
	alice = domain.Trader{ID: "alice", Address: "0x1111111111111111111111111111111111111111", Name: "Alice"}
	bob   = domain.Trader{ID: "bob", Address: "0x3333333333333333333333333333333333333333", Name: "Bob"}
)

type harness struct {
	eng   *Engine
	mgr   *intent.Manager
	svc   *fakeService
	rec   *events.Recorder
	clock *clock
}

func newHarness(t *testing.T, oracle PaymentOracle) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := events.NewRecorder(0)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	mgr := intent.NewManager(intent.Config{SettlementWindow: window}, rec, logger)
	mgr.SetClock(clk.Now)

	svc := newFakeService()
	eng := NewEngine(Config{
		SettlementWindow:         window,
		Asset:                    "USDC",
		MaxConcurrentSettlements: 4,
		Retry:                    RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond},
	}, &fakeProvider{svc: svc}, mgr, oracle, rec, logger)
	eng.SetClock(clk.Now)
	eng.SetSleep(func(context.Context, time.Duration) error { return nil })

	return &harness{eng: eng, mgr: mgr, svc: svc, rec: rec, clock: clk}
}

// executed drives a fresh intent through bidding and execution so that it
// sits in settling, as it does when the engine receives it.
func (h *harness) executed(t *testing.T, trader domain.Trader, amount int64) domain.TradeIntent {
	t.Helper()
	ctx := context.Background()
	in, err := h.mgr.CreateIntent(ctx, trader, domain.Opportunity{ID: "opp", Pair: "ETH/USDC"}, amount, "cert", nil)
	require.NoError(t, err)
	require.True(t, h.mgr.SubmitBid(ctx, in.ID, domain.SolverBid{SolverID: "solver-1", BidScore: 1}))
	require.NoError(t, h.mgr.CloseBidding(ctx, in.ID))
	require.NoError(t, h.mgr.StartExecution(ctx, in.ID))
	out, err := h.mgr.MarkExecuted(ctx, in.ID, "0xexec")
	require.NoError(t, err)
	return out
}

func (h *harness) add(t *testing.T, trader domain.Trader, amount int64) domain.TradeIntent {
	t.Helper()
	in := h.executed(t, trader, amount)
	require.NoError(t, h.eng.AddIntentToTab(context.Background(), in))
	return in
}

func (h *harness) status(t *testing.T, id string) domain.IntentStatus {
	t.Helper()
	in, err := h.mgr.Get(id)
	require.NoError(t, err)
	return in.Status
}

func TestAddIntentOpensTab(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 1_000_000)

	in := h.add(t, alice, 500_000)

	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{in.ID}, tab.IntentIDs)
	assert.Equal(t, int64(500_000), tab.LockedTotal())
	assert.Equal(t, "ext-alice-1", tab.ExternalTabID)
	assert.Equal(t, domain.TabOpen, tab.Status)
	assert.Equal(t, *in.SettlementDeadline, tab.Deadline)

	updates := h.rec.OfKind(domain.EventTabUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, 1, updates[0].Fields["intentCount"])
	assert.Equal(t, int64(500_000), updates[0].Fields["lockedTotal"])
	assert.Equal(t, "ext-alice-1", updates[0].Fields["externalTabId"])
}

func TestSecondIntentJoinsSharedTab(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 1_000_000)

	first := h.add(t, alice, 500_000)
	second := h.add(t, alice, 400_000)

	tabs := h.eng.OpenTabs()
	require.Len(t, tabs, 1)
	tab := tabs[0]
	assert.Equal(t, []string{first.ID, second.ID}, tab.IntentIDs)
	assert.Equal(t, int64(900_000), tab.LockedTotal())
	require.Len(t, tab.Guarantees, 2)
	assert.Equal(t, tab.ExternalTabID, tab.Guarantees[0].Guarantee.TabID)
	assert.Equal(t, tab.ExternalTabID, tab.Guarantees[1].Guarantee.TabID)

	latest, ok := tab.LatestGuarantee()
	require.True(t, ok)
	assert.Equal(t, uint64(2), latest.ReqID)

	updates := h.rec.OfKind(domain.EventTabUpdated)
	require.Len(t, updates, 2)
	assert.Equal(t, 2, updates[1].Fields["intentCount"])
	assert.Equal(t, int64(900_000), updates[1].Fields["lockedTotal"])
}

func TestInsufficientCollateralLeavesTabUntouched(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 100_000)

	in := h.executed(t, alice, 500_000)
	err := h.eng.AddIntentToTab(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrInsufficientCollateral)

	assert.Empty(t, h.eng.OpenTabs())
	assert.Zero(t, h.svc.issueCalls)
	assert.Empty(t, h.rec.OfKind(domain.EventTabUpdated))

	failed := h.rec.OfKind(domain.EventIntentGuaranteeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(400_000), failed[0].Fields["shortfall"])
	assert.Equal(t, in.ID, failed[0].Intent.ID)
}

func TestInsufficientCollateralDoesNotTouchExistingTab(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 600_000)
	h.add(t, alice, 500_000)

	in := h.executed(t, alice, 500_000)
	require.ErrorIs(t, h.eng.AddIntentToTab(context.Background(), in), domain.ErrInsufficientCollateral)

	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)
	assert.Len(t, tab.IntentIDs, 1)
	assert.Equal(t, int64(500_000), tab.LockedTotal())
}

func TestGuaranteeIssuanceFailure(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 1_000_000)
	h.svc.issueErr = errServiceDown

	in := h.executed(t, alice, 500_000)
	err := h.eng.AddIntentToTab(context.Background(), in)
	require.ErrorIs(t, err, domain.ErrGuaranteeIssuanceFailed)
	assert.ErrorIs(t, err, errServiceDown)

	assert.Empty(t, h.eng.OpenTabs())
	failed := h.rec.OfKind(domain.EventIntentGuaranteeFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, errServiceDown.Error(), failed[0].Fields["error"])
}

func TestExistingGuaranteeSkipsIssuance(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	in := h.executed(t, alice, 500_000)
	in.Guarantee = &domain.Guarantee{TabID: "ext-pre", ReqID: 7, Amount: 500_000, Certificate: "c"}

	require.NoError(t, h.eng.AddIntentToTab(context.Background(), in))
	assert.Zero(t, h.svc.issueCalls)

	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "ext-pre", tab.ExternalTabID)
	assert.Equal(t, uint64(7), tab.Guarantees[0].ReqID)
}

func TestAddIntentRejectsNonSettling(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	err := h.eng.AddIntentToTab(context.Background(), domain.TradeIntent{ID: "x", Trader: alice, Amount: 1, Status: domain.IntentExecuting})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestHappyPathPaysAtScheduledInstant(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: true, Fraction: 0.5})
	h.svc.fund(alice.ID, 1_000_000)
	ctx := context.Background()

	first := h.add(t, alice, 500_000)
	second := h.add(t, alice, 400_000)

	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, tab.OpenedAt.Add(30*time.Second), tab.ScheduledPaymentAt)

	h.clock.Advance(29 * time.Second)
	h.eng.CheckTabs(ctx)
	assert.Empty(t, h.svc.pays())
	assert.NotEmpty(t, h.rec.OfKind(domain.EventTabCountdown))

	h.clock.Advance(time.Second)
	h.eng.CheckTabs(ctx)

	pays := h.svc.pays()
	require.Len(t, pays, 1)
	assert.Equal(t, int64(900_000), pays[0].Amount)
	assert.Equal(t, uint64(2), pays[0].ReqID)
	assert.Equal(t, tab.ExternalTabID, pays[0].TabID)
	assert.Empty(t, h.svc.rems())

	assert.Equal(t, domain.IntentCompleted, h.status(t, first.ID))
	assert.Equal(t, domain.IntentCompleted, h.status(t, second.ID))
	assert.Empty(t, h.eng.OpenTabs())

	assert.Equal(t, []domain.EventKind{
		domain.EventIntentCompleted,
		domain.EventIntentCompleted,
		domain.EventTabSettled,
		domain.EventTabCollateralUpdate,
	}, h.rec.Kinds(domain.EventIntentCompleted, domain.EventTabSettled, domain.EventTabCollateralUpdate))

	settled := h.rec.OfKind(domain.EventTabSettled)
	assert.Equal(t, true, settled[0].Fields["happyPath"])

	// Later ticks find nothing to settle.
	h.clock.Advance(time.Minute)
	h.eng.CheckTabs(ctx)
	assert.Len(t, h.svc.pays(), 1)
}

func TestUnhappyPathRemuneratesAtDeadline(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: false})
	h.svc.fund(alice.ID, 1_000_000)
	ctx := context.Background()

	first := h.add(t, alice, 500_000)
	second := h.add(t, alice, 400_000)

	h.clock.Advance(window - time.Second)
	h.eng.CheckTabs(ctx)
	assert.Empty(t, h.svc.rems())

	h.clock.Advance(time.Second)
	h.eng.CheckTabs(ctx)

	rems := h.svc.rems()
	require.Len(t, rems, 1)
	assert.Equal(t, "cert-alice-2", rems[0].cert.Certificate)
	assert.Equal(t, uint64(2), rems[0].req.ReqID)
	assert.Equal(t, int64(900_000), rems[0].req.Amount)
	assert.Empty(t, h.svc.pays())

	assert.Equal(t, domain.IntentDefaulted, h.status(t, first.ID))
	assert.Equal(t, domain.IntentDefaulted, h.status(t, second.ID))

	in, err := h.mgr.Get(first.ID)
	require.NoError(t, err)
	require.NotNil(t, in.IsHappyPath)
	assert.False(t, *in.IsHappyPath)
}

func TestWillPayTabSettlesHappilyAtDeadlineWithoutSchedule(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: true})
	h.svc.fund(alice.ID, 1_000_000)
	h.add(t, alice, 500_000)

	h.clock.Advance(window)
	h.eng.CheckTabs(context.Background())

	assert.Len(t, h.svc.pays(), 1)
	assert.Empty(t, h.svc.rems())
}

func TestJoinKeepsLaterDeadline(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: true, Fraction: 0.5})
	h.svc.fund(alice.ID, 1_000_000)

	first := h.add(t, alice, 100_000)
	h.clock.Advance(20 * time.Second)
	second := h.add(t, alice, 100_000)

	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)
	assert.True(t, second.SettlementDeadline.After(*first.SettlementDeadline))
	assert.Equal(t, *second.SettlementDeadline, tab.Deadline)
	// Halfway through the widened 80s window.
	assert.Equal(t, tab.OpenedAt.Add(40*time.Second), tab.ScheduledPaymentAt)

	// An intent with an earlier deadline never shortens the tab.
	early := h.executed(t, alice, 100_000)
	past := tab.Deadline.Add(-time.Hour)
	early.SettlementDeadline = &past
	require.NoError(t, h.eng.AddIntentToTab(context.Background(), early))
	tab, err = h.eng.Tab(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, *second.SettlementDeadline, tab.Deadline)
}

func TestResolveTabIsIdempotent(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 1_000_000)
	h.add(t, alice, 500_000)
	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)

	ctx := context.Background()
	assert.True(t, h.eng.ResolveTab(ctx, tab.ID, true))
	assert.False(t, h.eng.ResolveTab(ctx, tab.ID, true))
	assert.False(t, h.eng.ResolveTab(ctx, tab.ID, false))

	assert.Len(t, h.svc.pays(), 1)
	assert.Empty(t, h.svc.rems())
	assert.Len(t, h.rec.OfKind(domain.EventTabSettled), 1)
}

func TestConcurrentTicksSettleOnce(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: true, Fraction: 0.5})
	h.svc.fund(alice.ID, 1_000_000)
	h.add(t, alice, 500_000)
	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)

	gate := make(chan struct{})
	h.svc.gate = gate
	h.clock.Advance(window)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.eng.CheckTabs(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.eng.ResolveTab(ctx, tab.ID, false)
	}()

	assert.Eventually(t, func() bool { return len(h.eng.OpenTabs()) == 0 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, len(h.svc.pays())+len(h.svc.rems()))
	assert.Len(t, h.rec.OfKind(domain.EventTabSettled), 1)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: true})
	h.svc.fund(alice.ID, 1_000_000)
	in := h.add(t, alice, 500_000)
	h.svc.payFails = 2

	h.clock.Advance(window)
	h.eng.CheckTabs(context.Background())

	assert.Len(t, h.svc.pays(), 3)
	assert.Equal(t, domain.IntentCompleted, h.status(t, in.ID))
	assert.Empty(t, h.eng.FailedTabs())
}

func TestExhaustedRetriesParkTabForReconciliation(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: false})
	h.svc.fund(alice.ID, 1_000_000)
	in := h.add(t, alice, 500_000)
	h.svc.remFails = 10

	h.clock.Advance(window)
	h.eng.CheckTabs(context.Background())

	assert.Len(t, h.svc.rems(), 3)
	assert.Equal(t, domain.IntentSettling, h.status(t, in.ID))
	assert.Empty(t, h.eng.OpenTabs())

	failed := h.eng.FailedTabs()
	require.Len(t, failed, 1)
	assert.Equal(t, domain.TabFailed, failed[0].Status)
	assert.Contains(t, failed[0].LastError, errServiceDown.Error())

	evs := h.rec.OfKind(domain.EventTabSettlementFailed)
	require.Len(t, evs, 1)
	assert.Equal(t, false, evs[0].Fields["happyPath"])

	// Still failing: the tab stays parked.
	err := h.eng.RetryFailed(context.Background(), failed[0].ID)
	require.ErrorIs(t, err, domain.ErrSettlementCallFailed)
	assert.Len(t, h.eng.FailedTabs(), 1)

	h.svc.mu.Lock()
	h.svc.remFails = 0
	h.svc.mu.Unlock()
	require.NoError(t, h.eng.RetryFailed(context.Background(), failed[0].ID))
	assert.Empty(t, h.eng.FailedTabs())
	assert.Equal(t, domain.IntentDefaulted, h.status(t, in.ID))

	assert.ErrorIs(t, h.eng.RetryFailed(context.Background(), failed[0].ID), domain.ErrTabNotFound)
}

func TestRecordPaymentSettlesHappily(t *testing.T) {
	h := newHarness(t, ExternalOracle{})
	h.svc.fund(alice.ID, 1_000_000)
	ctx := context.Background()

	assert.ErrorIs(t, h.eng.RecordPayment(ctx, alice.ID), domain.ErrTabNotFound)

	in := h.add(t, alice, 500_000)
	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)
	assert.False(t, tab.WillPay)

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.eng.RecordPayment(ctx, alice.ID))
	h.eng.CheckTabs(ctx)

	assert.Len(t, h.svc.pays(), 1)
	assert.Equal(t, domain.IntentCompleted, h.status(t, in.ID))
}

func TestDistributedLockBlocksSecondSettler(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: true})
	locks := &fakeLocks{}
	h.eng.SetLockManager(locks)
	h.svc.fund(alice.ID, 1_000_000)
	h.add(t, alice, 500_000)

	// Another instance is already settling this tab and request.
	unlock, err := locks.Acquire(context.Background(), "settle:ext-alice-1:1", time.Minute)
	require.NoError(t, err)
	defer unlock()

	h.clock.Advance(window)
	h.eng.CheckTabs(context.Background())

	assert.Empty(t, h.svc.pays())
	failed := h.eng.FailedTabs()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, domain.ErrDoubleSettlement.Error())
}

func TestTabsAreIsolatedPerTrader(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 1_000_000)
	h.svc.fund(bob.ID, 1_000_000)

	h.add(t, alice, 100_000)
	h.add(t, bob, 200_000)
	h.add(t, alice, 300_000)

	a, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)
	b, err := h.eng.Tab(bob.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ExternalTabID, b.ExternalTabID)
	assert.Equal(t, int64(400_000), a.LockedTotal())
	assert.Equal(t, int64(200_000), b.LockedTotal())

	require.True(t, h.eng.ResolveTab(context.Background(), a.ID, false))
	_, err = h.eng.Tab(alice.ID)
	assert.ErrorIs(t, err, domain.ErrTabNotFound)
	_, err = h.eng.Tab(bob.ID)
	assert.NoError(t, err)
}

func TestConcurrentIngestionKeepsOneTab(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 100_000_000)

	const n = 20
	ins := make([]domain.TradeIntent, n)
	for i := range ins {
		ins[i] = h.executed(t, alice, int64(1_000*(i+1)))
	}

	var wg sync.WaitGroup
	for _, in := range ins {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.eng.AddIntentToTab(context.Background(), in))
		}()
	}
	wg.Wait()

	tabs := h.eng.OpenTabs()
	require.Len(t, tabs, 1)
	assert.Len(t, tabs[0].IntentIDs, n)

	var want int64
	for _, in := range ins {
		want += in.Amount
	}
	seen := make(map[uint64]bool)
	for _, g := range tabs[0].Guarantees {
		assert.False(t, seen[g.ReqID], "req id %d reused", g.ReqID)
		seen[g.ReqID] = true
	}
	assert.Equal(t, want, tabs[0].LockedTotal())
	latest, _ := tabs[0].LatestGuarantee()
	assert.Equal(t, uint64(n), latest.ReqID)
}

func TestCollateralSnapshotIsCached(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	cache := &fakeCache{}
	h.eng.SetCollateralCache(cache)
	h.svc.fund(alice.ID, 1_000_000)
	h.add(t, alice, 250_000)

	col, err := cache.Get(context.Background(), alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(750_000), col.Available)
	assert.Equal(t, int64(250_000), col.Locked)

	h.svc.fund(alice.ID, 2_000_000)
	h.eng.RefreshCollateral(context.Background())
	tab, err := h.eng.Tab(alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), tab.Collateral.Available)
	assert.NotEmpty(t, h.rec.OfKind(domain.EventTabCollateralUpdate))
}

func TestCollateralLookupPrefersCache(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.svc.fund(alice.ID, 1_000_000)

	col, err := h.eng.Collateral(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), col.Available)

	cache := &fakeCache{}
	h.eng.SetCollateralCache(cache)
	require.NoError(t, cache.Set(context.Background(), alice.ID, domain.Collateral{Available: 42}))
	col, err = h.eng.Collateral(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(42), col.Available)
}

func TestUnknownTraderIsRejected(t *testing.T) {
	h := newHarness(t, FixedOracle{})
	h.eng.clients = &fakeProvider{svc: h.svc, unknown: map[domain.TraderID]bool{alice.ID: true}}

	in := h.executed(t, alice, 100)
	err := h.eng.AddIntentToTab(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrGuaranteeIssuanceFailed)
	assert.Len(t, h.rec.OfKind(domain.EventIntentGuaranteeFailed), 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, FixedOracle{WillPay: true})
	h.eng.cfg.TickInterval = 5 * time.Millisecond
	h.svc.fund(alice.ID, 1_000_000)
	h.add(t, alice, 100)
	h.clock.Advance(window)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(h.svc.pays()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
