package domain

import (
	"context"
	"time"
)

// Guarantee is a signed attestation from the guarantee service that Amount
// of the trader's collateral is locked for Recipient.
type Guarantee struct {
	TabID       string    `json:"tab_id"`
	ReqID       uint64    `json:"req_id"`
	Trader      string    `json:"trader"`
	Recipient   string    `json:"recipient"`
	Asset       string    `json:"asset"`
	Amount      int64     `json:"amount"`
	Certificate string    `json:"certificate"`
	Signature   string    `json:"signature,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	Expiry      time.Time `json:"expiry"`
}

// GuaranteeRequest asks the guarantee service to lock Amount of the trader's
// collateral for WindowSeconds.
type GuaranteeRequest struct {
	Trader        Trader
	Recipient     string
	Amount        int64
	Asset         string
	WindowSeconds int64
	// SigningKeyRef identifies the trader key that authorises the lock.
	SigningKeyRef string
}

// PayTabRequest settles a tab on the happy path.
type PayTabRequest struct {
	TabID     string
	ReqID     uint64
	Amount    int64
	Recipient string
	Asset     string
}

// RemunerationRequirements accompany an unhappy-path claim.
type RemunerationRequirements struct {
	TabID     string
	ReqID     uint64
	Amount    int64
	Recipient string
	Asset     string
}

// SettlementReceipt is the result of a pay or remunerate call.
type SettlementReceipt struct {
	TxHash  string `json:"tx_hash"`
	Success bool   `json:"success"`
}

// GuaranteeClient is the contract the core consumes from the guarantee
// service. Every method may block on the network.
type GuaranteeClient interface {
	CollateralStatus(ctx context.Context, trader Trader) (Collateral, error)
	IssuePaymentGuarantee(ctx context.Context, req GuaranteeRequest) (Guarantee, error)
	PayTab(ctx context.Context, req PayTabRequest) (SettlementReceipt, error)
	EnforceRemuneration(ctx context.Context, cert Guarantee, req RemunerationRequirements) (SettlementReceipt, error)
}

// ClientProvider hands out guarantee client handles: one cached per trader
// and a separate one acting as the recipient.
type ClientProvider interface {
	ForTrader(ctx context.Context, trader Trader) (GuaranteeClient, error)
	Recipient() GuaranteeClient
	RecipientAddress() string
	// SigningKeyRef returns the key reference used to authorise guarantees
	// for the trader.
	SigningKeyRef(trader TraderID) (string, error)
}
