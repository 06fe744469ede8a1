package guarantee

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/tabsettle/internal/crypto"
	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// SimClient is a domain.GuaranteeClient handle on a Simulator. A handle
// bound to a trader can pay that trader's tabs; the recipient handle
// issues guarantees and claims remuneration.
type SimClient struct {
	sim    *Simulator
	keys   *Keyring
	trader *domain.Trader
}

// NewSimClient returns a handle for trader, or the recipient handle when
// trader is nil.
func NewSimClient(sim *Simulator, keys *Keyring, trader *domain.Trader) *SimClient {
	return &SimClient{sim: sim, keys: keys, trader: trader}
}

// CollateralStatus implements domain.GuaranteeClient.
func (c *SimClient) CollateralStatus(ctx context.Context, trader domain.Trader) (domain.Collateral, error) {
	return c.sim.Status(ctx, trader.Address)
}

// IssuePaymentGuarantee implements domain.GuaranteeClient. The request is
// authorised with the trader key named by req.SigningKeyRef.
func (c *SimClient) IssuePaymentGuarantee(ctx context.Context, req domain.GuaranteeRequest) (domain.Guarantee, error) {
	signer, err := c.keys.Signer(req.SigningKeyRef)
	if err != nil {
		return domain.Guarantee{}, err
	}
	auth := crypto.GuaranteeAuth{
		Trader:        req.Trader.Address,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		Asset:         req.Asset,
		WindowSeconds: req.WindowSeconds,
		Nonce:         c.sim.NextNonce(req.Trader.Address),
	}
	sig, err := signer.SignGuarantee(auth)
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee/sim: %w: %w", domain.ErrSigningFailed, err)
	}
	return c.sim.Issue(ctx, auth, sig)
}

// PayTab implements domain.GuaranteeClient.
func (c *SimClient) PayTab(ctx context.Context, req domain.PayTabRequest) (domain.SettlementReceipt, error) {
	if c.trader == nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: pay tab from recipient handle: %w", domain.ErrUnauthorized)
	}
	signer, err := c.keys.SignerFor(c.trader.ID)
	if err != nil {
		return domain.SettlementReceipt{}, err
	}
	auth := crypto.PaymentAuth{
		TabID:     req.TabID,
		ReqID:     req.ReqID,
		Amount:    req.Amount,
		Recipient: req.Recipient,
		Asset:     req.Asset,
	}
	sig, err := signer.SignPayment(auth)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: %w: %w", domain.ErrSigningFailed, err)
	}
	return c.sim.Pay(ctx, auth, sig)
}

// EnforceRemuneration implements domain.GuaranteeClient.
func (c *SimClient) EnforceRemuneration(ctx context.Context, cert domain.Guarantee, req domain.RemunerationRequirements) (domain.SettlementReceipt, error) {
	return c.sim.Remunerate(ctx, cert, req)
}

var _ domain.GuaranteeClient = (*SimClient)(nil)
