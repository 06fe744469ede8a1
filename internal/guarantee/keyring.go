package guarantee

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/tabsettle/internal/crypto"
	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// Keyring maps traders to their signing keys. Keys are resolved once at
// registration; afterwards only the secret-free reference is passed around.
type Keyring struct {
	mu       sync.RWMutex
	chainID  int64
	byRef    map[string]*crypto.Signer
	byTrader map[domain.TraderID]string
}

// NewKeyring creates an empty Keyring for the given chain id.
func NewKeyring(chainID int64) *Keyring {
	return &Keyring{
		chainID:  chainID,
		byRef:    make(map[string]*crypto.Signer),
		byTrader: make(map[domain.TraderID]string),
	}
}

// ChainID returns the chain id signatures are bound to.
func (k *Keyring) ChainID() int64 { return k.chainID }

// Register loads the trader's key from src. It fails when the key does not
// belong to the trader's configured address.
func (k *Keyring) Register(trader domain.Trader, src crypto.KeySource) error {
	hexKey, err := crypto.LoadKey(src)
	if err != nil {
		return fmt.Errorf("guarantee: register %s: %w", trader.ID, err)
	}
	signer, err := crypto.NewSigner(hexKey, k.chainID)
	if err != nil {
		return fmt.Errorf("guarantee: register %s: %w", trader.ID, err)
	}
	if trader.Address != "" && !equalAddress(signer.Address().Hex(), trader.Address) {
		return fmt.Errorf("guarantee: register %s: key address %s does not match %s: %w",
			trader.ID, signer.Address().Hex(), trader.Address, domain.ErrInvalidAddress)
	}

	ref := string(trader.ID) + "@" + src.Ref()
	k.mu.Lock()
	k.byRef[ref] = signer
	k.byTrader[trader.ID] = ref
	k.mu.Unlock()
	return nil
}

// Ref returns the signing key reference registered for trader.
func (k *Keyring) Ref(trader domain.TraderID) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ref, ok := k.byTrader[trader]
	if !ok {
		return "", fmt.Errorf("guarantee: no key for %s: %w", trader, domain.ErrUnknownTrader)
	}
	return ref, nil
}

// Signer returns the signer behind ref.
func (k *Keyring) Signer(ref string) (*crypto.Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("guarantee: unknown key ref %q: %w", ref, domain.ErrSigningFailed)
	}
	return s, nil
}

// SignerFor returns the signer registered for trader.
func (k *Keyring) SignerFor(trader domain.TraderID) (*crypto.Signer, error) {
	ref, err := k.Ref(trader)
	if err != nil {
		return nil, err
	}
	return k.Signer(ref)
}
