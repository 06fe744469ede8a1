// Package executor drives claimed intents through execution: it starts the
// intent, runs the trade on a venue and reports the result back to the
// intent manager.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tabsettle/internal/domain"
	"github.com/alanyoungcy/tabsettle/internal/events"
)

// Lifecycle is the part of the intent manager the executor drives.
type Lifecycle interface {
	StartExecution(ctx context.Context, id string) error
	MarkExecuted(ctx context.Context, id, txHash string) (domain.TradeIntent, error)
	CancelIntent(ctx context.Context, id, reason string) error
}

// Executor runs claimed intents on a pool of workers.
type Executor struct {
	intents Lifecycle
	venue   Venue
	workers int
	claims  *claimLog[string]
	timeout time.Duration
	logger  *slog.Logger

	cleanupInterval time.Duration
}

// NewExecutor creates an Executor with the given number of workers.
func NewExecutor(intents Lifecycle, venue Venue, workers int, logger *slog.Logger) *Executor {
	return &Executor{
		intents:         intents,
		venue:           venue,
		workers:         max(1, workers),
		claims:          newClaimLog[string](10 * time.Minute),
		timeout:         time.Minute,
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: time.Minute,
	}
}

// SetTimeout bounds a single venue call.
func (e *Executor) SetTimeout(d time.Duration) { e.timeout = d }

// Run consumes intent:claimed events from sub until ctx is cancelled or the
// subscription closes.
func (e *Executor) Run(ctx context.Context, sub *events.Subscription) error {
	e.logger.Info("executor started", slog.Int("workers", e.workers))
	defer e.logger.Info("executor stopped")

	jobs := make(chan domain.TradeIntent)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		g.Go(func() error {
			for in := range jobs {
				e.Process(gctx, in)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		cleanup := time.NewTicker(e.cleanupInterval)
		defer cleanup.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-cleanup.C:
				e.claims.prune()
			case ev, ok := <-sub.C():
				if !ok {
					return nil
				}
				if ev.Kind != domain.EventIntentClaimed || ev.Intent == nil {
					continue
				}
				select {
				case jobs <- *ev.Intent:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})
	return g.Wait()
}

// Process executes one claimed intent. Venue failures cancel the intent.
func (e *Executor) Process(ctx context.Context, in domain.TradeIntent) {
	log := e.logger.With(
		slog.String("intent_id", in.ID),
		slog.String("trader", string(in.Trader.ID)),
	)
	if in.WinningBid != nil {
		log = log.With(slog.String("solver", string(in.WinningBid.SolverID)))
	}

	if !e.claims.first(in.ID) {
		log.DebugContext(ctx, "claim already handled, skipping")
		return
	}
	if err := e.intents.StartExecution(ctx, in.ID); err != nil {
		log.WarnContext(ctx, "start execution failed", slog.String("error", err.Error()))
		return
	}

	vctx, cancel := context.WithTimeout(ctx, e.timeout)
	tx, err := e.venue.Execute(vctx, in)
	cancel()
	if err != nil {
		log.WarnContext(ctx, "execution failed, cancelling intent", slog.String("error", err.Error()))
		// The cancel must land even when ctx is shutting down.
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer ccancel()
		if cerr := e.intents.CancelIntent(cctx, in.ID, fmt.Sprintf("execution failed: %v", err)); cerr != nil {
			log.ErrorContext(ctx, "cancel after failed execution", slog.String("error", cerr.Error()))
		}
		return
	}

	if _, err := e.intents.MarkExecuted(ctx, in.ID, tx); err != nil {
		log.ErrorContext(ctx, "mark executed failed",
			slog.String("tx_hash", tx),
			slog.String("error", err.Error()),
		)
		return
	}
	log.InfoContext(ctx, "intent executed", slog.String("tx_hash", tx))
}
