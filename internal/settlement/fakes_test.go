package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

var errServiceDown = errors.New("service unavailable")

// fakeService is a scriptable guarantee service shared by every handle. Like
// the real one it keeps one open external tab per trader and settles it
// once, only for its latest request id and, when paying, its full total.
type fakeService struct {
	mu        sync.Mutex
	available map[domain.TraderID]int64
	locked    map[domain.TraderID]int64
	open      map[domain.TraderID]string
	tabs      map[string]*fakeTab

	issueErr   error
	statusErr  error
	payFails   int
	remFails   int
	issueCalls int
	payCalls   []domain.PayTabRequest
	remCalls   []remCall
	// gate, when set, blocks PayTab/EnforceRemuneration until closed.
	gate chan struct{}
}

type fakeTab struct {
	trader  domain.TraderID
	reqID   uint64
	locked  int64
	settled bool
}

type remCall struct {
	cert domain.Guarantee
	req  domain.RemunerationRequirements
}

func newFakeService() *fakeService {
	return &fakeService{
		available: make(map[domain.TraderID]int64),
		locked:    make(map[domain.TraderID]int64),
		open:      make(map[domain.TraderID]string),
		tabs:      make(map[string]*fakeTab),
	}
}

func (f *fakeService) fund(trader domain.TraderID, amount int64) {
	f.mu.Lock()
	f.available[trader] = amount
	f.mu.Unlock()
}

func (f *fakeService) pays() []domain.PayTabRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PayTabRequest(nil), f.payCalls...)
}

func (f *fakeService) rems() []remCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remCall(nil), f.remCalls...)
}

func (f *fakeService) CollateralStatus(_ context.Context, trader domain.Trader) (domain.Collateral, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return domain.Collateral{}, f.statusErr
	}
	avail, locked := f.available[trader.ID], f.locked[trader.ID]
	return domain.Collateral{Deposited: avail + locked, Available: avail, Locked: locked}, nil
}

func (f *fakeService) IssuePaymentGuarantee(_ context.Context, req domain.GuaranteeRequest) (domain.Guarantee, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueCalls++
	if f.issueErr != nil {
		return domain.Guarantee{}, f.issueErr
	}
	id := req.Trader.ID
	tabID := f.open[id]
	if tabID == "" {
		tabID = fmt.Sprintf("ext-%s-%d", id, len(f.tabs)+1)
		f.tabs[tabID] = &fakeTab{trader: id}
		f.open[id] = tabID
	}
	tab := f.tabs[tabID]
	tab.reqID++
	tab.locked += req.Amount
	f.available[id] -= req.Amount
	f.locked[id] += req.Amount
	return domain.Guarantee{
		TabID:       tabID,
		ReqID:       tab.reqID,
		Trader:      req.Trader.Address,
		Recipient:   req.Recipient,
		Asset:       req.Asset,
		Amount:      req.Amount,
		Certificate: fmt.Sprintf("cert-%s-%d", id, tab.reqID),
	}, nil
}

// settleableLocked applies the service's acceptance rules for a settlement
// of tabID at reqID.
func (f *fakeService) settleableLocked(tabID string, reqID uint64) (*fakeTab, error) {
	tab, ok := f.tabs[tabID]
	switch {
	case !ok:
		return nil, fmt.Errorf("tab %s: %w", tabID, domain.ErrTabNotFound)
	case tab.settled:
		return nil, fmt.Errorf("tab %s: %w", tabID, domain.ErrDoubleSettlement)
	case reqID != tab.reqID:
		return nil, fmt.Errorf("tab %s: stale req id %d, latest %d: %w", tabID, reqID, tab.reqID, domain.ErrInvalidTransition)
	}
	return tab, nil
}

// closeLocked releases the tab's lock and seizes seized of the collateral.
func (f *fakeService) closeLocked(tabID string, tab *fakeTab, seized int64) {
	tab.settled = true
	f.locked[tab.trader] -= tab.locked
	f.available[tab.trader] += tab.locked - seized
	if f.open[tab.trader] == tabID {
		delete(f.open, tab.trader)
	}
}

func (f *fakeService) PayTab(_ context.Context, req domain.PayTabRequest) (domain.SettlementReceipt, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payCalls = append(f.payCalls, req)
	if f.payFails > 0 {
		f.payFails--
		return domain.SettlementReceipt{}, errServiceDown
	}
	tab, err := f.settleableLocked(req.TabID, req.ReqID)
	if err != nil {
		return domain.SettlementReceipt{}, err
	}
	if req.Amount != tab.locked {
		return domain.SettlementReceipt{}, fmt.Errorf("amount %d != tab total %d: %w", req.Amount, tab.locked, domain.ErrInvalidAmount)
	}
	f.closeLocked(req.TabID, tab, 0)
	return domain.SettlementReceipt{TxHash: fmt.Sprintf("0xpay%d", len(f.payCalls)), Success: true}, nil
}

func (f *fakeService) EnforceRemuneration(_ context.Context, cert domain.Guarantee, req domain.RemunerationRequirements) (domain.SettlementReceipt, error) {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remCalls = append(f.remCalls, remCall{cert: cert, req: req})
	if f.remFails > 0 {
		f.remFails--
		return domain.SettlementReceipt{}, errServiceDown
	}
	if cert.TabID != req.TabID {
		return domain.SettlementReceipt{}, fmt.Errorf("certificate for %s, claim for %s: %w", cert.TabID, req.TabID, domain.ErrUnauthorized)
	}
	tab, err := f.settleableLocked(req.TabID, req.ReqID)
	if err != nil {
		return domain.SettlementReceipt{}, err
	}
	if req.Amount <= 0 || req.Amount > tab.locked {
		return domain.SettlementReceipt{}, fmt.Errorf("amount %d outside (0, %d]: %w", req.Amount, tab.locked, domain.ErrInvalidAmount)
	}
	f.closeLocked(req.TabID, tab, req.Amount)
	return domain.SettlementReceipt{TxHash: fmt.Sprintf("0xrem%d", len(f.remCalls)), Success: true}, nil
}

func (f *fakeService) wait() {
	f.mu.Lock()
	g := f.gate
	f.mu.Unlock()
	if g != nil {
		<-g
	}
}

// fakeProvider hands the same fakeService out as every handle.
type fakeProvider struct {
	svc     *fakeService
	unknown map[domain.TraderID]bool
}

func (p *fakeProvider) ForTrader(_ context.Context, trader domain.Trader) (domain.GuaranteeClient, error) {
	if p.unknown[trader.ID] {
		return nil, domain.ErrUnknownTrader
	}
	return p.svc, nil
}

func (p *fakeProvider) Recipient() domain.GuaranteeClient { return p.svc }

func (p *fakeProvider) RecipientAddress() string {
	return "0x9999999999999999999999999999999999999999"
}

func (p *fakeProvider) SigningKeyRef(trader domain.TraderID) (string, error) {
	return "ref-" + string(trader), nil
}

// fakeLocks is an in-process LockManager.
type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
	keys []string
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	l.keys = append(l.keys, key)
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type fakeCache struct {
	mu   sync.Mutex
	last map[domain.TraderID]domain.Collateral
}

func (c *fakeCache) Set(_ context.Context, trader domain.TraderID, col domain.Collateral) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		c.last = make(map[domain.TraderID]domain.Collateral)
	}
	c.last[trader] = col
	return nil
}

func (c *fakeCache) Get(_ context.Context, trader domain.TraderID) (domain.Collateral, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	col, ok := c.last[trader]
	if !ok {
		return domain.Collateral{}, domain.ErrNotFound
	}
	return col, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
