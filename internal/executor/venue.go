package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// ErrVenueRejected is returned when the venue refuses the trade.
var ErrVenueRejected = errors.New("executor: venue rejected trade")

// Venue performs the two-leg trade of a claimed intent and returns the
// transaction hash.
type Venue interface {
	Execute(ctx context.Context, in domain.TradeIntent) (string, error)
}

// SimulatedVenue waits for Latency, or the winning bid's estimate when it is
// shorter, and fails with probability FailureRate.
type SimulatedVenue struct {
	Latency     time.Duration
	FailureRate float64

	mu  sync.Mutex
	rnd func() float64
}

// NewSimulatedVenue creates a SimulatedVenue. rnd returns values in [0,1).
func NewSimulatedVenue(latency time.Duration, failureRate float64, rnd func() float64) *SimulatedVenue {
	return &SimulatedVenue{Latency: latency, FailureRate: failureRate, rnd: rnd}
}

// Execute implements Venue.
func (v *SimulatedVenue) Execute(ctx context.Context, in domain.TradeIntent) (string, error) {
	wait := v.Latency
	if in.WinningBid != nil && in.WinningBid.ExecutionTimeEstimate > 0 && in.WinningBid.ExecutionTimeEstimate < wait {
		wait = in.WinningBid.ExecutionTimeEstimate
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}

	if v.FailureRate > 0 && v.rnd != nil {
		v.mu.Lock()
		r := v.rnd()
		v.mu.Unlock()
		if r < v.FailureRate {
			return "", fmt.Errorf("%w: %s on %s", ErrVenueRejected, in.Direction, in.Pair)
		}
	}
	return txHash()
}

func txHash() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("executor: tx hash: %w", err)
	}
	return "0x" + hex.EncodeToString(b[:]), nil
}
