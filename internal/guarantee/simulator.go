package guarantee

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tabsettle/internal/crypto"
	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// Op names a simulator operation for failure injection.
type Op string

const (
	OpStatus     Op = "status"
	OpIssue      Op = "issue"
	OpPay        Op = "pay"
	OpRemunerate Op = "remunerate"
)

// ErrSimulatedOutage is returned by operations consumed by FailNext.
var ErrSimulatedOutage = errors.New("simulated guarantee service outage")

type account struct {
	deposited int64
	locked    int64
}

type simTab struct {
	id        string
	trader    string
	recipient string
	asset     string
	reqID     uint64
	locked    int64
	settled   bool
}

// Simulator is an in-memory guarantee service. It keeps one open tab per
// (trader, recipient, asset), numbers guarantees on it with an increasing
// request id, and settles a tab once, either by payment or by seizing the
// trader's collateral.
type Simulator struct {
	mu       sync.Mutex
	chainID  int64
	service  *crypto.Signer
	accounts map[string]*account
	tabs     map[string]*simTab
	open     map[string]string
	nonces   map[string]uint64
	failures map[Op]int
	now      func() time.Time
}

// NewSimulator creates a Simulator with a fresh service key.
func NewSimulator(chainID int64) (*Simulator, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("guarantee/sim: %w", err)
	}
	svc, err := crypto.NewSigner(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("guarantee/sim: %w", err)
	}
	return &Simulator{
		chainID:  chainID,
		service:  svc,
		accounts: make(map[string]*account),
		tabs:     make(map[string]*simTab),
		open:     make(map[string]string),
		nonces:   make(map[string]uint64),
		failures: make(map[Op]int),
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source.
func (s *Simulator) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// ServiceAddress is the address that signs certificates.
func (s *Simulator) ServiceAddress() string { return s.service.Address().Hex() }

// Deposit credits collateral to address.
func (s *Simulator) Deposit(address string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account(address).deposited += amount
}

// FailNext makes the next n calls of op fail with ErrSimulatedOutage.
func (s *Simulator) FailNext(op Op, n int) {
	s.mu.Lock()
	s.failures[op] += n
	s.mu.Unlock()
}

// Status returns the collateral snapshot of address.
func (s *Simulator) Status(ctx context.Context, address string) (domain.Collateral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, OpStatus); err != nil {
		return domain.Collateral{}, err
	}
	a := s.account(address)
	return domain.Collateral{
		Deposited: a.deposited,
		Available: a.deposited - a.locked,
		Locked:    a.locked,
		UpdatedAt: s.now().UTC(),
	}, nil
}

// NextNonce reserves the next guarantee nonce for address.
func (s *Simulator) NextNonce(address string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := strings.ToLower(address)
	s.nonces[k]++
	return s.nonces[k]
}

// Issue locks auth.Amount of the trader's collateral on the shared tab and
// returns a certified guarantee. sig must be the trader's signature of auth.
func (s *Simulator) Issue(ctx context.Context, auth crypto.GuaranteeAuth, sig string) (domain.Guarantee, error) {
	signer, err := crypto.RecoverGuarantee(s.chainID, auth, sig)
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee/sim: issue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, OpIssue); err != nil {
		return domain.Guarantee{}, err
	}
	if !equalAddress(signer.Hex(), auth.Trader) {
		return domain.Guarantee{}, fmt.Errorf("guarantee/sim: issue: signed by %s: %w", signer.Hex(), domain.ErrUnauthorized)
	}
	if auth.Amount <= 0 {
		return domain.Guarantee{}, fmt.Errorf("guarantee/sim: issue: %w", domain.ErrInvalidAmount)
	}
	a := s.account(auth.Trader)
	if avail := a.deposited - a.locked; avail < auth.Amount {
		return domain.Guarantee{}, fmt.Errorf("guarantee/sim: issue: available %d < %d: %w",
			avail, auth.Amount, domain.ErrInsufficientCollateral)
	}

	key := tabKey(auth.Trader, auth.Recipient, auth.Asset)
	tab, ok := s.tabs[s.open[key]]
	if !ok {
		tab = &simTab{
			id:        uuid.New().String(),
			trader:    auth.Trader,
			recipient: auth.Recipient,
			asset:     auth.Asset,
		}
		s.tabs[tab.id] = tab
		s.open[key] = tab.id
	}
	tab.reqID++
	tab.locked += auth.Amount
	a.locked += auth.Amount

	now := s.now().UTC()
	claim := crypto.CertificateClaim{
		TabID:     tab.id,
		ReqID:     tab.reqID,
		Trader:    auth.Trader,
		Recipient: auth.Recipient,
		Amount:    auth.Amount,
		Asset:     auth.Asset,
		Expiry:    now.Add(time.Duration(auth.WindowSeconds) * time.Second).Unix(),
	}
	certSig, err := s.service.SignCertificate(claim)
	if err != nil {
		return domain.Guarantee{}, fmt.Errorf("guarantee/sim: issue: %w", err)
	}
	return domain.Guarantee{
		TabID:       tab.id,
		ReqID:       tab.reqID,
		Trader:      auth.Trader,
		Recipient:   auth.Recipient,
		Asset:       auth.Asset,
		Amount:      auth.Amount,
		Certificate: crypto.CertificateDigest(s.chainID, claim),
		Signature:   certSig,
		IssuedAt:    now,
		Expiry:      time.Unix(claim.Expiry, 0).UTC(),
	}, nil
}

// Pay settles a tab on the happy path: the trader pays and the tab's locks
// are released. Only the latest request id and the full locked amount are
// accepted.
func (s *Simulator) Pay(ctx context.Context, auth crypto.PaymentAuth, sig string) (domain.SettlementReceipt, error) {
	signer, err := crypto.RecoverPayment(s.chainID, auth, sig)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: pay: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, OpPay); err != nil {
		return domain.SettlementReceipt{}, err
	}
	tab, err := s.settleableLocked(auth.TabID, auth.ReqID)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: pay: %w", err)
	}
	if !equalAddress(signer.Hex(), tab.trader) {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: pay: signed by %s: %w", signer.Hex(), domain.ErrUnauthorized)
	}
	if auth.Amount != tab.locked {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: pay: amount %d != tab total %d: %w",
			auth.Amount, tab.locked, domain.ErrInvalidAmount)
	}

	s.account(tab.trader).locked -= tab.locked
	s.closeLocked(tab)
	return domain.SettlementReceipt{TxHash: txHash(), Success: true}, nil
}

// Remunerate settles a tab on the unhappy path: req.Amount of the trader's
// collateral is seized for the recipient and the rest of the lock released.
// cert must carry a valid service signature.
func (s *Simulator) Remunerate(ctx context.Context, cert domain.Guarantee, req domain.RemunerationRequirements) (domain.SettlementReceipt, error) {
	claim := crypto.CertificateClaim{
		TabID:     cert.TabID,
		ReqID:     cert.ReqID,
		Trader:    cert.Trader,
		Recipient: cert.Recipient,
		Amount:    cert.Amount,
		Asset:     cert.Asset,
		Expiry:    cert.Expiry.Unix(),
	}
	signer, err := crypto.RecoverCertificate(s.chainID, claim, cert.Signature)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: remunerate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, OpRemunerate); err != nil {
		return domain.SettlementReceipt{}, err
	}
	if signer != s.service.Address() {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: remunerate: certificate not issued here: %w", domain.ErrUnauthorized)
	}
	if cert.TabID != req.TabID {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: remunerate: certificate for tab %s, claim for %s: %w",
			cert.TabID, req.TabID, domain.ErrUnauthorized)
	}
	tab, err := s.settleableLocked(req.TabID, req.ReqID)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: remunerate: %w", err)
	}
	if req.Amount <= 0 || req.Amount > tab.locked {
		return domain.SettlementReceipt{}, fmt.Errorf("guarantee/sim: remunerate: amount %d outside (0, %d]: %w",
			req.Amount, tab.locked, domain.ErrInvalidAmount)
	}

	a := s.account(tab.trader)
	a.deposited -= req.Amount
	a.locked -= tab.locked
	s.closeLocked(tab)
	return domain.SettlementReceipt{TxHash: txHash(), Success: true}, nil
}

func (s *Simulator) settleableLocked(tabID string, reqID uint64) (*simTab, error) {
	tab, ok := s.tabs[tabID]
	if !ok {
		return nil, fmt.Errorf("tab %s: %w", tabID, domain.ErrTabNotFound)
	}
	if tab.settled {
		return nil, fmt.Errorf("tab %s already settled: %w", tabID, domain.ErrDoubleSettlement)
	}
	if reqID != tab.reqID {
		return nil, fmt.Errorf("tab %s: stale req id %d, latest %d: %w", tabID, reqID, tab.reqID, domain.ErrInvalidTransition)
	}
	return tab, nil
}

func (s *Simulator) closeLocked(tab *simTab) {
	tab.settled = true
	key := tabKey(tab.trader, tab.recipient, tab.asset)
	if s.open[key] == tab.id {
		delete(s.open, key)
	}
}

func (s *Simulator) checkLocked(ctx context.Context, op Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.failures[op] > 0 {
		s.failures[op]--
		return fmt.Errorf("guarantee/sim: %s: %w", op, ErrSimulatedOutage)
	}
	return nil
}

func (s *Simulator) account(address string) *account {
	k := strings.ToLower(address)
	a, ok := s.accounts[k]
	if !ok {
		a = &account{}
		s.accounts[k] = a
	}
	return a
}

func tabKey(trader, recipient, asset string) string {
	return strings.ToLower(trader) + "|" + strings.ToLower(recipient) + "|" + asset
}

func equalAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

func txHash() string {
	return "0x" + strings.ReplaceAll(uuid.New().String(), "-", "") + strings.ReplaceAll(uuid.New().String(), "-", "")
}
