package app

import (
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tabsettle/internal/config"
	"github.com/alanyoungcy/tabsettle/internal/crypto"
	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/events"
	"github.com/alanyoungcy/tabsettle/internal/guarantee"
	"github.com/alanyoungcy/tabsettle/internal/intent"
	"github.com/alanyoungcy/tabsettle/internal/settlement"
)

// Core holds the in-process domain components shared by every mode.
type Core struct {
	Traders   domain.TraderSet
	Keys      *guarantee.Keyring
	Clients   *guarantee.Pool
	Simulator *guarantee.Simulator // nil in http mode
	Bus       *events.Bus
	Recorder  *events.Recorder
	Intents   *intent.Manager
	Engine    *settlement.Engine
}

// buildCore registers trader keys, connects the guarantee service and
// creates the intent manager and settlement engine on a shared bus.
func buildCore(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Core, error) {
	c := &Core{
		Keys:     guarantee.NewKeyring(cfg.Guarantee.ChainID),
		Bus:      events.NewBus(logger),
		Recorder: events.NewRecorder(cfg.Intent.EventHistory),
	}

	traders, err := registerTraders(cfg, c.Keys)
	if err != nil {
		return nil, err
	}
	c.Traders = domain.NewTraderSet(traders...)

	var (
		factory   guarantee.Factory
		recipient string
	)
	switch cfg.Guarantee.Mode {
	case "http":
		auth := crypto.APIAuth{Key: cfg.Guarantee.APIKey, Secret: cfg.Guarantee.APISecret}
		factory = func(t *domain.Trader) domain.GuaranteeClient {
			return guarantee.NewHTTPClient(cfg.Guarantee.BaseURL, cfg.Guarantee.Timeout.Duration, auth, c.Keys, t)
		}
		recipient = cfg.Guarantee.RecipientAddress
	default:
		sim, err := guarantee.NewSimulator(cfg.Guarantee.ChainID)
		if err != nil {
			return nil, fmt.Errorf("app: simulator: %w", err)
		}
		for _, t := range traders {
			sim.Deposit(t.Address, cfg.Guarantee.SimulatedDeposit)
		}
		c.Simulator = sim
		factory = func(t *domain.Trader) domain.GuaranteeClient {
			return guarantee.NewSimClient(sim, c.Keys, t)
		}
		recipient = sim.ServiceAddress()
		if cfg.Guarantee.RecipientAddress != "" {
			recipient = cfg.Guarantee.RecipientAddress
		}
	}
	c.Clients = guarantee.NewPool(factory, c.Keys, recipient)

	c.Intents = intent.NewManager(intent.Config{
		BiddingWindow:    cfg.Intent.BiddingWindow.Duration,
		SettlementWindow: cfg.Settlement.Window.Duration,
		Retention:        cfg.Intent.Retention.Duration,
	}, c.Bus, logger)

	var oracle settlement.PaymentOracle = settlement.ExternalOracle{}
	if cfg.Settlement.Oracle == "simulated" {
		oracle = settlement.NewSimulatedOracle(cfg.Settlement.UnhappyProbability, cfg.Settlement.OracleSeed)
	}

	s := cfg.Settlement
	c.Engine = settlement.NewEngine(settlement.Config{
		SettlementWindow:          s.Window.Duration,
		TickInterval:              s.TickInterval.Duration,
		CollateralRefreshInterval: s.CollateralRefresh.Duration,
		Asset:                     s.Asset,
		MaxConcurrentSettlements:  s.MaxConcurrent,
		Retry: settlement.RetryPolicy{
			Attempts:  s.RetryAttempts,
			BaseDelay: s.RetryBaseDelay.Duration,
			MaxDelay:  s.RetryMaxDelay.Duration,
		},
		LockTTL: s.LockTTL.Duration,
	}, c.Clients, c.Intents, oracle, c.Bus, logger)

	if deps.CollateralCache != nil {
		c.Engine.SetCollateralCache(deps.CollateralCache)
	}
	if s.DistributedLock && deps.LockManager != nil {
		c.Engine.SetLockManager(deps.LockManager)
	}
	return c, nil
}

// registerTraders loads every configured key into keys. In simulated mode a
// trader without a key gets a fresh one, and a missing address is filled
// in from the key.
func registerTraders(cfg *config.Config, keys *guarantee.Keyring) ([]domain.Trader, error) {
	out := make([]domain.Trader, 0, len(cfg.Traders))
	for _, tc := range cfg.Traders {
		t := domain.Trader{ID: domain.TraderID(tc.ID), Address: tc.Address, Name: tc.Name}
		if t.Name == "" {
			t.Name = tc.ID
		}
		src := crypto.KeySource{
			RawHex:        tc.PrivateKey,
			EnvVar:        tc.KeyEnv,
			EncryptedPath: tc.EncryptedKeyPath,
			Password:      tc.KeyPassword,
		}
		if src.Ref() == "" {
			if cfg.Guarantee.Mode != "simulated" {
				return nil, fmt.Errorf("app: trader %s has no key: %w", tc.ID, domain.ErrUnknownTrader)
			}
			hexKey, err := crypto.GenerateKey()
			if err != nil {
				return nil, fmt.Errorf("app: generate key for %s: %w", tc.ID, err)
			}
			src.RawHex = hexKey
		}
		if err := keys.Register(t, src); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		if t.Address == "" {
			signer, err := keys.SignerFor(t.ID)
			if err != nil {
				return nil, fmt.Errorf("app: %w", err)
			}
			t.Address = signer.Address().Hex()
		}
		out = append(out, t)
	}
	return out, nil
}
