package intent

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
)

var testTrader = domain.Trader{
	ID:      "trader-1",
	Address: "0x1111111111111111111111111111111111111111",
	Name:    "Alice",
}

var testOpp = domain.Opportunity{
	ID:             "opp-1",
	Pair:           "ETH/USDC",
	SpreadBps:      42,
	Direction:      domain.DirectionBuyASellB,
	ExpectedProfit: 2_100,
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *events.Recorder, *fakeClock) {
	t.Helper()
	rec := events.NewRecorder(0)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(cfg, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.SetClock(clock.Now)
	return m, rec, clock
}

func createVerified(t *testing.T, m *Manager, amount int64) domain.TradeIntent {
	t.Helper()
	in, err := m.CreateIntent(context.Background(), testTrader, testOpp, amount, "cert-abc", nil)
	require.NoError(t, err)
	return in
}

func bid(solver string, score float64, at time.Time) domain.SolverBid {
	return domain.SolverBid{
		SolverID:      domain.SolverID(solver),
		SolverAddress: "0x2222222222222222222222222222222222222222",
		SolverName:    solver,
		BidScore:      score,
		SubmittedAt:   at,
	}
}

func TestCreateIntentValidation(t *testing.T) {
	m, rec, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		trader  domain.Trader
		amount  int64
		wantErr error
	}{
		{name: "zero amount", trader: testTrader, amount: 0, wantErr: domain.ErrInvalidAmount},
		{name: "negative amount", trader: testTrader, amount: -5, wantErr: domain.ErrInvalidAmount},
		{name: "missing trader", trader: domain.Trader{Address: testTrader.Address}, amount: 10, wantErr: domain.ErrUnknownTrader},
		{name: "bad address", trader: domain.Trader{ID: "t", Address: "nope"}, amount: 10, wantErr: domain.ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateIntent(ctx, tt.trader, testOpp, tt.amount, "", nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, rec.Events())
}

func TestCreateIntentGuaranteeFlag(t *testing.T) {
	m, rec, _ := newTestManager(t, Config{})
	ctx := context.Background()

	bare, err := m.CreateIntent(ctx, testTrader, testOpp, 500_000, "", nil)
	require.NoError(t, err)
	assert.False(t, bare.GuaranteeVerified)
	assert.Equal(t, domain.IntentPending, bare.Status)

	g := &domain.Guarantee{TabID: "tab-9", ReqID: 1, Amount: 500_000, Certificate: "cert-from-guarantee"}
	backed, err := m.CreateIntent(ctx, testTrader, testOpp, 500_000, "", g)
	require.NoError(t, err)
	assert.True(t, backed.GuaranteeVerified)
	assert.Equal(t, "cert-from-guarantee", backed.Certificate)

	require.NoError(t, m.AttachGuarantee(ctx, bare.ID, "late-cert", nil))
	got, err := m.Get(bare.ID)
	require.NoError(t, err)
	assert.True(t, got.GuaranteeVerified)

	assert.Equal(t, []domain.EventKind{domain.EventIntentCreated, domain.EventIntentCreated}, rec.Kinds())
}

func TestAttachGuaranteeRejectsEmptyCertificate(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	g := &domain.Guarantee{TabID: "tab-1", ReqID: 3, Amount: 100, Certificate: "cert-svc"}
	in, err := m.CreateIntent(ctx, testTrader, testOpp, 100, "", g)
	require.NoError(t, err)

	assert.ErrorIs(t, m.AttachGuarantee(ctx, in.ID, "", nil), domain.ErrMissingCertificate)
	assert.ErrorIs(t, m.AttachGuarantee(ctx, in.ID, "", &domain.Guarantee{TabID: "tab-2"}), domain.ErrMissingCertificate)

	got, err := m.Get(in.ID)
	require.NoError(t, err)
	assert.True(t, got.GuaranteeVerified)
	assert.Equal(t, "cert-svc", got.Certificate)
	require.NotNil(t, got.Guarantee)
	assert.Equal(t, "tab-1", got.Guarantee.TabID)

	// A guarantee that carries its own certificate is enough.
	require.NoError(t, m.AttachGuarantee(ctx, in.ID, "", &domain.Guarantee{TabID: "tab-3", ReqID: 4, Certificate: "cert-svc-2"}))
	got, err = m.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, "cert-svc-2", got.Certificate)
}

func TestSubmitBidGuards(t *testing.T) {
	m, rec, clock := newTestManager(t, Config{})
	ctx := context.Background()

	unverified, err := m.CreateIntent(ctx, testTrader, testOpp, 100, "", nil)
	require.NoError(t, err)
	assert.False(t, m.SubmitBid(ctx, unverified.ID, bid("s1", 1, clock.Now())), "bid on unbacked intent")

	in := createVerified(t, m, 100)
	assert.True(t, m.SubmitBid(ctx, in.ID, bid("s1", 1, clock.Now())))
	assert.False(t, m.SubmitBid(ctx, in.ID, bid("s1", 9, clock.Now())), "second bid from same solver")
	assert.False(t, m.SubmitBid(ctx, "missing", bid("s2", 1, clock.Now())))

	bad := bid("s3", 1, clock.Now())
	bad.SolverAddress = "0xnothex"
	assert.False(t, m.SubmitBid(ctx, in.ID, bad))

	require.NoError(t, m.CloseBidding(ctx, in.ID))
	assert.False(t, m.SubmitBid(ctx, in.ID, bid("s4", 5, clock.Now())), "bid after claim")

	got, err := m.Get(in.ID)
	require.NoError(t, err)
	assert.Len(t, got.Bids, 1)
	assert.Len(t, rec.OfKind(domain.EventIntentBid), 1)
}

func TestSelectWinner(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		bids   []domain.SolverBid
		want   domain.SolverID
		wantOK bool
	}{
		{name: "empty", wantOK: false},
		{
			name:   "highest score wins",
			bids:   []domain.SolverBid{bid("a", 3, base), bid("b", 7, base.Add(time.Second)), bid("c", 5, base)},
			want:   "b",
			wantOK: true,
		},
		{
			name:   "tie goes to earliest timestamp",
			bids:   []domain.SolverBid{bid("late", 7, base.Add(2 * time.Second)), bid("early", 7, base.Add(time.Second))},
			want:   "early",
			wantOK: true,
		},
		{
			name:   "full tie goes to first submitted",
			bids:   []domain.SolverBid{bid("first", 7, base), bid("second", 7, base)},
			want:   "first",
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectWinner(tt.bids)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got.SolverID)
				for _, b := range tt.bids {
					assert.LessOrEqual(t, b.BidScore, got.BidScore)
				}
			}
		})
	}
}

func TestCloseBiddingWithoutBidsCancels(t *testing.T) {
	m, rec, _ := newTestManager(t, Config{})
	ctx := context.Background()
	in := createVerified(t, m, 100)

	require.NoError(t, m.CloseBidding(ctx, in.ID))

	got, err := m.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentCancelled, got.Status)
	assert.Equal(t, domain.ErrNoBidsReceived.Error(), got.CancelReason)
	assert.Empty(t, rec.OfKind(domain.EventIntentClaimed))
	assert.Len(t, rec.OfKind(domain.EventIntentCancelled), 1)
}

func TestBiddingTimerClaimsWinner(t *testing.T) {
	rec := events.NewRecorder(0)
	m := NewManager(Config{BiddingWindow: 30 * time.Millisecond}, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	in, err := m.CreateIntent(ctx, testTrader, testOpp, 100, "cert", nil)
	require.NoError(t, err)
	require.True(t, m.SubmitBid(ctx, in.ID, bid("s1", 2, time.Time{})))
	require.True(t, m.SubmitBid(ctx, in.ID, bid("s2", 4, time.Time{})))

	assert.Eventually(t, func() bool {
		got, err := m.Get(in.ID)
		return err == nil && got.Status == domain.IntentClaimed
	}, time.Second, 5*time.Millisecond)

	got, err := m.Get(in.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WinningBid)
	assert.Equal(t, domain.SolverID("s2"), got.WinningBid.SolverID)
}

func TestBiddingTimerCancelsEmptyIntent(t *testing.T) {
	rec := events.NewRecorder(0)
	m := NewManager(Config{BiddingWindow: 20 * time.Millisecond}, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	in, err := m.CreateIntent(context.Background(), testTrader, testOpp, 100, "cert", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := m.Get(in.ID)
		return err == nil && got.Status == domain.IntentCancelled
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.OfKind(domain.EventIntentClaimed))
}

func TestLifecycleHappyOrder(t *testing.T) {
	m, rec, clock := newTestManager(t, Config{SettlementWindow: 90 * time.Second})
	ctx := context.Background()

	in := createVerified(t, m, 500_000)
	require.True(t, m.SubmitBid(ctx, in.ID, bid("s1", 1, clock.Now())))
	require.NoError(t, m.CloseBidding(ctx, in.ID))
	require.NoError(t, m.StartExecution(ctx, in.ID))

	clock.Advance(5 * time.Second)
	executed, err := m.MarkExecuted(ctx, in.ID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentSettling, executed.Status)
	require.NotNil(t, executed.SettlementDeadline)
	assert.Equal(t, clock.Now().Add(90*time.Second), *executed.SettlementDeadline)

	require.NoError(t, m.CompleteIntent(ctx, in.ID, "0xpay"))
	got, err := m.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentCompleted, got.Status)
	require.NotNil(t, got.IsHappyPath)
	assert.True(t, *got.IsHappyPath)

	assert.Equal(t, []domain.EventKind{
		domain.EventIntentCreated,
		domain.EventIntentBid,
		domain.EventIntentClaimed,
		domain.EventIntentExecuting,
		domain.EventIntentExecuted,
		domain.EventIntentCompleted,
	}, rec.Kinds())
}

func TestTransitionsCannotSkipStates(t *testing.T) {
	m, _, clock := newTestManager(t, Config{})
	ctx := context.Background()
	in := createVerified(t, m, 100)

	assert.ErrorIs(t, m.StartExecution(ctx, in.ID), domain.ErrInvalidTransition)
	_, err := m.MarkExecuted(ctx, in.ID, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, m.CompleteIntent(ctx, in.ID, ""), domain.ErrInvalidTransition)
	assert.ErrorIs(t, m.DefaultIntent(ctx, in.ID, ""), domain.ErrInvalidTransition)

	require.True(t, m.SubmitBid(ctx, in.ID, bid("s1", 1, clock.Now())))
	require.NoError(t, m.CloseBidding(ctx, in.ID))
	assert.ErrorIs(t, m.CompleteIntent(ctx, in.ID, ""), domain.ErrInvalidTransition)

	require.NoError(t, m.StartExecution(ctx, in.ID))
	_, err = m.MarkExecuted(ctx, in.ID, "")
	require.NoError(t, err)
	require.NoError(t, m.DefaultIntent(ctx, in.ID, ""))

	// Terminal states are immutable.
	assert.ErrorIs(t, m.CompleteIntent(ctx, in.ID, ""), domain.ErrInvalidTransition)
	assert.ErrorIs(t, m.CancelIntent(ctx, in.ID, "late"), domain.ErrInvalidTransition)
	assert.ErrorIs(t, m.StartExecution(ctx, "missing"), domain.ErrIntentNotFound)
}

func TestCancelIntentStopsTimerOnce(t *testing.T) {
	rec := events.NewRecorder(0)
	m := NewManager(Config{BiddingWindow: 20 * time.Millisecond}, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	in, err := m.CreateIntent(ctx, testTrader, testOpp, 100, "cert", nil)
	require.NoError(t, err)
	require.NoError(t, m.CancelIntent(ctx, in.ID, "operator"))
	assert.ErrorIs(t, m.CancelIntent(ctx, in.ID, "again"), domain.ErrInvalidTransition)

	time.Sleep(60 * time.Millisecond)
	got, err := m.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentCancelled, got.Status)
	assert.Equal(t, "operator", got.CancelReason)
	assert.Len(t, rec.OfKind(domain.EventIntentCancelled), 1)
}

func TestCancelIntentRejectsSettling(t *testing.T) {
	m, rec, clock := newTestManager(t, Config{})
	ctx := context.Background()

	in := createVerified(t, m, 100)
	require.True(t, m.SubmitBid(ctx, in.ID, bid("s1", 1, clock.Now())))
	require.NoError(t, m.CloseBidding(ctx, in.ID))
	require.NoError(t, m.StartExecution(ctx, in.ID))
	_, err := m.MarkExecuted(ctx, in.ID, "0xexec")
	require.NoError(t, err)

	assert.ErrorIs(t, m.CancelIntent(ctx, in.ID, "operator"), domain.ErrInvalidTransition)
	got, err := m.Get(in.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentSettling, got.Status)
	assert.Empty(t, rec.OfKind(domain.EventIntentCancelled))

	// Executing is the last cancellable state.
	other := createVerified(t, m, 100)
	require.True(t, m.SubmitBid(ctx, other.ID, bid("s1", 1, clock.Now())))
	require.NoError(t, m.CloseBidding(ctx, other.ID))
	require.NoError(t, m.StartExecution(ctx, other.ID))
	require.NoError(t, m.CancelIntent(ctx, other.ID, "venue down"))
}

func TestSweepHonoursRetention(t *testing.T) {
	m, _, clock := newTestManager(t, Config{Retention: time.Hour})
	ctx := context.Background()

	done := createVerified(t, m, 100)
	require.NoError(t, m.CancelIntent(ctx, done.ID, "test"))
	live := createVerified(t, m, 100)

	assert.Empty(t, m.Sweep(ctx, clock.Now().Add(30*time.Minute)))

	swept := m.Sweep(ctx, clock.Now().Add(2*time.Hour))
	require.Len(t, swept, 1)
	assert.Equal(t, done.ID, swept[0].ID)

	_, err := m.Get(done.ID)
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
	_, err = m.Get(live.ID)
	assert.NoError(t, err)
}

func TestListFilters(t *testing.T) {
	m, _, clock := newTestManager(t, Config{})
	ctx := context.Background()

	a := createVerified(t, m, 100)
	clock.Advance(time.Second)
	other := testTrader
	other.ID = "trader-2"
	_, err := m.CreateIntent(ctx, other, testOpp, 100, "cert", nil)
	require.NoError(t, err)
	require.NoError(t, m.CancelIntent(ctx, a.ID, "x"))

	assert.Len(t, m.List(domain.IntentFilter{}), 2)
	assert.Len(t, m.List(domain.IntentFilter{Trader: "trader-2"}), 1)
	cancelled := m.List(domain.IntentFilter{Status: domain.IntentCancelled})
	require.Len(t, cancelled, 1)
	assert.Equal(t, a.ID, cancelled[0].ID)
	assert.Len(t, m.List(domain.IntentFilter{Limit: 1}), 1)
}
