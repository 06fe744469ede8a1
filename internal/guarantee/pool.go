// Package guarantee adapts the external guarantee service: an in-memory
// Simulator, a REST client, and the Pool that caches per-trader handles.
package guarantee

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// Factory builds a client handle for trader, or the recipient handle when
// trader is nil.
type Factory func(trader *domain.Trader) domain.GuaranteeClient

// Pool implements domain.ClientProvider. Each trader gets one handle,
// created on first use and reused afterwards.
type Pool struct {
	mu            sync.Mutex
	clients       map[domain.TraderID]domain.GuaranteeClient
	factory       Factory
	keys          *Keyring
	recipient     domain.GuaranteeClient
	recipientAddr string
}

// NewPool creates a Pool. recipientAddr is the address remunerated on the
// unhappy path and paid on the happy path.
func NewPool(factory Factory, keys *Keyring, recipientAddr string) *Pool {
	return &Pool{
		clients:       make(map[domain.TraderID]domain.GuaranteeClient),
		factory:       factory,
		keys:          keys,
		recipient:     factory(nil),
		recipientAddr: recipientAddr,
	}
}

// ForTrader returns the cached handle for trader. Traders without a
// registered key are rejected.
func (p *Pool) ForTrader(ctx context.Context, trader domain.Trader) (domain.GuaranteeClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := p.keys.Ref(trader.ID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[trader.ID]; ok {
		return c, nil
	}
	t := trader
	c := p.factory(&t)
	if c == nil {
		return nil, fmt.Errorf("guarantee: no client for %s: %w", trader.ID, domain.ErrUnknownTrader)
	}
	p.clients[trader.ID] = c
	return c, nil
}

// Recipient returns the recipient handle.
func (p *Pool) Recipient() domain.GuaranteeClient { return p.recipient }

// RecipientAddress returns the recipient address.
func (p *Pool) RecipientAddress() string { return p.recipientAddr }

// SigningKeyRef returns trader's key reference.
func (p *Pool) SigningKeyRef(trader domain.TraderID) (string, error) {
	return p.keys.Ref(trader)
}

// Issue checks trader's available collateral and asks the recipient handle
// for a guarantee of amount. Used when a guarantee is obtained before the
// intent is created.
func (p *Pool) Issue(ctx context.Context, trader domain.Trader, amount int64, asset string, window time.Duration) (domain.Guarantee, error) {
	client, err := p.ForTrader(ctx, trader)
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee: issue for %s: %w", trader.ID, err)
	}
	col, err := client.CollateralStatus(ctx, trader)
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee: issue for %s: collateral: %w", trader.ID, err)
	}
	if col.Available < amount {
		return domain.Guarantee{}, fmt.Errorf("guarantee: issue for %s: need %d, available %d: %w",
			trader.ID, amount, col.Available, domain.ErrInsufficientCollateral)
	}
	ref, err := p.keys.Ref(trader.ID)
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee: issue for %s: %w", trader.ID, err)
	}
	g, err := p.recipient.IssuePaymentGuarantee(ctx, domain.GuaranteeRequest{
		Trader:        trader,
		Recipient:     p.recipientAddr,
		Amount:        amount,
		Asset:         asset,
		WindowSeconds: int64(window / time.Second),
		SigningKeyRef: ref,
	})
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee: issue for %s: %w: %w", trader.ID, domain.ErrGuaranteeIssuanceFailed, err)
	}
	return g, nil
}

// Size reports how many trader handles are cached.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

var _ domain.ClientProvider = (*Pool)(nil)
