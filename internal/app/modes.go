package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tabsettle/internal/crypto"
	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/events"
	"github.com/alanyoungcy/tabsettle/internal/executor"
	"github.com/alanyoungcy/tabsettle/internal/feed"
	"github.com/alanyoungcy/tabsettle/internal/server"
	"github.com/alanyoungcy/tabsettle/internal/server/handler"
	"github.com/alanyoungcy/tabsettle/internal/server/ws"
	"github.com/alanyoungcy/tabsettle/internal/service"
	"github.com/alanyoungcy/tabsettle/internal/solver"
)

// Redis names used to republish core events.
const (
	eventChannel = "events"
	eventStream  = "events"
)

// quietKinds excludes the per-second countdown from consumers that only
// care about state changes.
var quietKinds = []domain.EventKind{
	domain.EventIntentCreated,
	domain.EventIntentBid,
	domain.EventIntentClaimed,
	domain.EventIntentExecuting,
	domain.EventIntentExecuted,
	domain.EventIntentCompleted,
	domain.EventIntentDefaulted,
	domain.EventIntentCancelled,
	domain.EventIntentGuaranteeFailed,
	domain.EventTabUpdated,
	domain.EventTabSettled,
	domain.EventTabSettlementFailed,
	domain.EventTabCollateralUpdate,
}

// DemoMode runs everything in memory and logs a periodic summary.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "starting demo mode",
		slog.Int("traders", len(core.Traders)),
		slog.Int("solvers", len(a.cfg.Solvers)),
		slog.String("oracle", a.cfg.Settlement.Oracle),
	)

	g, ctx := errgroup.WithContext(ctx)
	feeder, err := a.startCore(ctx, g, deps, core)
	if err != nil {
		return fmt.Errorf("demo mode: %w", err)
	}
	g.Go(func() error {
		return a.reportLoop(ctx, core, feeder, 10*time.Second)
	})
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, core, nil)
	}
	return g.Wait()
}

// ServerMode adds persistence and Redis republishing, and always serves
// the API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	if _, err := a.startCore(ctx, g, deps, core); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	retention := a.newRetention(deps, core)
	if err := a.startRetention(ctx, g, retention); err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	a.startHTTPServer(ctx, g, deps, core, retention)
	return g.Wait()
}

// FullMode is ServerMode plus archiving of swept intents to S3.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("archive", deps.Archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	if _, err := a.startCore(ctx, g, deps, core); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	retention := a.newRetention(deps, core)
	if err := a.startRetention(ctx, g, retention); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startHTTPServer(ctx, g, deps, core, retention)
	return g.Wait()
}

// startCore subscribes every consumer to the bus and starts the settlement
// engine, the execution driver, the solvers and the opportunity feed. The
// feeder is nil when the feed is disabled.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) (*feed.Feeder, error) {
	bus := core.Bus

	// Executed intents join their trader's tab. This also covers intents
	// marked executed through the API. Cancelled intents hand over the lock
	// of a guarantee issued before the cancel. Each trader gets its own
	// lane, so a slow guarantee issuance or a settlement in flight only
	// delays that trader.
	handoff := bus.SubscribeLossless("settlement", domain.EventIntentExecuted, domain.EventIntentCancelled)
	g.Go(func() error {
		return events.ConsumeByKey(ctx, handoff, traderKey, func(ctx context.Context, ev domain.Event) {
			if ev.Intent == nil {
				return
			}
			var err error
			if ev.Kind == domain.EventIntentCancelled {
				err = core.Engine.RetainGuarantee(ctx, *ev.Intent)
			} else {
				err = core.Engine.AddIntentToTab(ctx, *ev.Intent)
			}
			if err != nil {
				a.logger.WarnContext(ctx, "settlement handoff failed",
					slog.String("intent_id", ev.Intent.ID),
					slog.String("event", string(ev.Kind)),
					slog.String("error", err.Error()),
				)
			}
		})
	})

	recorded := bus.Subscribe("recorder", 512, quietKinds...)
	g.Go(func() error {
		return events.Consume(ctx, recorded, core.Recorder.Emit)
	})

	notified := bus.Subscribe("notify", 256, quietKinds...)
	g.Go(func() error {
		return events.Consume(ctx, notified, deps.Notifier.HandleEvent)
	})

	if deps.SignalBus != nil {
		pub := service.NewEventPublisher(deps.SignalBus, eventChannel, eventStream, a.logger)
		published := bus.Subscribe("publisher", 512, quietKinds...)
		g.Go(func() error {
			return events.Consume(ctx, published, pub.Handle)
		})
	}

	if deps.IntentStore != nil && deps.TabStore != nil && deps.AuditStore != nil {
		persist := service.NewPersistenceService(deps.IntentStore, deps.TabStore, deps.AuditStore, a.logger)
		persisted := bus.Subscribe("persistence", 1024, quietKinds...)
		g.Go(func() error {
			return events.Consume(ctx, persisted, persist.Handle)
		})
	}

	g.Go(func() error {
		return core.Engine.Run(ctx)
	})

	if a.cfg.Executor.Enabled {
		venue := executor.NewSimulatedVenue(a.cfg.Executor.Latency.Duration, a.cfg.Executor.FailureRate, rand.Float64)
		exec := executor.NewExecutor(core.Intents, venue, a.cfg.Executor.Workers, a.logger)
		claimed := bus.SubscribeLossless("executor", domain.EventIntentClaimed)
		g.Go(func() error {
			return exec.Run(ctx, claimed)
		})
	}

	if len(a.cfg.Solvers) > 0 {
		profiles, err := a.solverProfiles()
		if err != nil {
			return nil, err
		}
		pool := solver.NewPool(profiles, core.Intents, rand.Float64, a.logger)
		created := bus.Subscribe("solvers", 256, domain.EventIntentCreated)
		g.Go(func() error {
			return pool.Run(ctx, created)
		})
	}

	if !a.cfg.Feed.Enabled {
		return nil, nil
	}
	return a.startFeed(ctx, g, deps, core)
}

func traderKey(ev domain.Event) string {
	if ev.Intent != nil {
		return string(ev.Intent.Trader.ID)
	}
	return string(ev.Trader)
}

// startFeed picks the opportunity source: synthetic generation, an
// upstream WebSocket, or the Redis channel.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) (*feed.Feeder, error) {
	fc := a.cfg.Feed
	feeder := feed.NewFeeder(feed.Config{
		MinAmount:    fc.MinAmount,
		MaxAmount:    fc.MaxAmount,
		MinSpreadBps: fc.MinSpreadBps,
		Asset:        a.cfg.Settlement.Asset,
		Recipient:    core.Clients.RecipientAddress(),
		Window:       a.cfg.Settlement.Window.Duration,
	}, core.Intents, core.Traders.All(), core.Keys, rand.Float64, a.logger)
	if fc.Upfront {
		feeder.SetIssuer(core.Clients)
	}

	switch {
	case fc.Synthetic:
		gen := feed.NewGenerator(fc.Pairs, rand.Float64)
		var pub feed.Publisher
		if deps.SignalBus != nil {
			pub = deps.SignalBus
			g.Go(func() error {
				return feeder.Run(ctx, deps.SignalBus, fc.Channel)
			})
		}
		g.Go(func() error {
			return feeder.RunSynthetic(ctx, gen, fc.Interval.Duration, pub, fc.Channel)
		})
	case fc.WSURL != "":
		src := feed.NewWSSource(fc.WSURL, feeder, a.logger)
		g.Go(func() error {
			return src.Run(ctx)
		})
	default:
		if deps.SignalBus == nil {
			return nil, errors.New("feed: redis channel source needs redis")
		}
		g.Go(func() error {
			return feeder.Run(ctx, deps.SignalBus, fc.Channel)
		})
	}
	return feeder, nil
}

// solverProfiles converts the solver config. Solvers without an address
// get a throwaway one.
func (a *App) solverProfiles() ([]solver.Profile, error) {
	out := make([]solver.Profile, 0, len(a.cfg.Solvers))
	for _, sc := range a.cfg.Solvers {
		p := solver.Profile{
			ID:      domain.SolverID(sc.ID),
			Name:    sc.Name,
			Address: sc.Address,
			Skill:   sc.Skill,
		}
		if p.Name == "" {
			p.Name = sc.ID
		}
		if p.Address == "" {
			hexKey, err := crypto.GenerateKey()
			if err != nil {
				return nil, fmt.Errorf("solver %s: %w", sc.ID, err)
			}
			signer, err := crypto.NewSigner(hexKey, a.cfg.Guarantee.ChainID)
			if err != nil {
				return nil, fmt.Errorf("solver %s: %w", sc.ID, err)
			}
			p.Address = signer.Address().Hex()
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *App) newRetention(deps *Dependencies, core *Core) *service.RetentionService {
	return service.NewRetentionService(core.Intents, deps.IntentStore, deps.Archiver,
		a.cfg.Intent.Retention.Duration, a.logger)
}

// startRetention schedules the sweep on the configured cron spec. An empty
// spec leaves sweeping to the API.
func (a *App) startRetention(ctx context.Context, g *errgroup.Group, retention *service.RetentionService) error {
	spec := a.cfg.Intent.SweepCron
	if spec == "" {
		return nil
	}

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := retention.Sweep(ctx); err != nil {
			a.logger.ErrorContext(ctx, "retention sweep failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("retention: schedule %q: %w", spec, err)
	}

	g.Go(func() error {
		c.Start()
		a.logger.InfoContext(ctx, "retention sweep scheduled", slog.String("cron", spec))
		<-ctx.Done()
		<-c.Stop().Done()
		return nil
	})
	return nil
}

// reportLoop logs a one-line summary of the engine state every interval.
func (a *App) reportLoop(ctx context.Context, core *Core, feeder *feed.Feeder, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attrs := []slog.Attr{
				slog.Int("open_tabs", len(core.Engine.OpenTabs())),
				slog.Int("failed_tabs", len(core.Engine.FailedTabs())),
				slog.Int("settling", len(core.Intents.List(domain.IntentFilter{Status: domain.IntentSettling}))),
				slog.Int("completed", len(core.Intents.List(domain.IntentFilter{Status: domain.IntentCompleted}))),
				slog.Int("defaulted", len(core.Intents.List(domain.IntentFilter{Status: domain.IntentDefaulted}))),
			}
			if feeder != nil {
				st := feeder.Stats()
				attrs = append(attrs,
					slog.Int64("feed_created", st.Created),
					slog.Int64("feed_skipped", st.Skipped),
				)
			}
			a.logger.LogAttrs(ctx, slog.LevelInfo, "demo summary", attrs...)
		}
	}
}

// startHTTPServer serves the API and the WebSocket hub until ctx ends.
// retention may be nil, in which case the sweep endpoint is not exposed.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core, retention *service.RetentionService) {
	startedAt := time.Now().UTC()
	hub := ws.NewHub(func() map[string]any {
		return map[string]any{
			"mode":       a.cfg.Mode,
			"started_at": startedAt,
			"traders":    len(core.Traders),
			"open_tabs":  len(core.Engine.OpenTabs()),
		}
	}, a.logger)
	pushed := core.Bus.Subscribe("ws", 512)
	g.Go(func() error {
		return hub.Run(ctx, pushed)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Intents: handler.NewIntentHandler(core.Intents, core.Traders, deps.IntentStore, a.logger),
		Tabs:    handler.NewTabHandler(core.Engine, core.Traders, deps.TabStore, a.logger),
		Events:  handler.NewEventHandler(core.Recorder, a.logger),
	}
	if deps.SignalBus != nil {
		handlers.Events.WithStream(deps.SignalBus, eventStream)
	}
	if deps.AuditStore != nil {
		handlers.Events.WithAudit(deps.AuditStore)
	}
	if retention != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, retention, a.cfg.S3.ArchivePrefix, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
