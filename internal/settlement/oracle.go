package settlement

import (
	"context"
	"math/rand"
	"sync"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// Scheduled payments land between 40% and 80% of the settlement window.
const (
	minPaymentFraction = 0.4
	maxPaymentFraction = 0.8
)

// PaymentOracle decides, when a tab opens, whether the trader is expected
// to pay before the deadline.
type PaymentOracle interface {
	Plan(ctx context.Context, tab domain.TraderTab) domain.PaymentPlan
}

// SimulatedOracle rolls the will-pay decision with a configured unhappy
// probability. It exists for demos; production deployments use
// ExternalOracle and feed real payments through Engine.RecordPayment.
type SimulatedOracle struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	unhappyPr float64
}

// NewSimulatedOracle creates a SimulatedOracle. unhappyProbability is
// clamped to [0, 1].
func NewSimulatedOracle(unhappyProbability float64, seed int64) *SimulatedOracle {
	if unhappyProbability < 0 {
		unhappyProbability = 0
	}
	if unhappyProbability > 1 {
		unhappyProbability = 1
	}
	return &SimulatedOracle{
		rnd:       rand.New(rand.NewSource(seed)),
		unhappyPr: unhappyProbability,
	}
}

// Plan implements PaymentOracle.
func (o *SimulatedOracle) Plan(_ context.Context, _ domain.TraderTab) domain.PaymentPlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rnd.Float64() < o.unhappyPr {
		return domain.PaymentPlan{WillPay: false}
	}
	frac := minPaymentFraction + o.rnd.Float64()*(maxPaymentFraction-minPaymentFraction)
	return domain.PaymentPlan{WillPay: true, Fraction: frac}
}

// ExternalOracle never predicts payment. Tabs settle happily only after
// Engine.RecordPayment observes the trader paying.
type ExternalOracle struct{}

// Plan implements PaymentOracle.
func (ExternalOracle) Plan(context.Context, domain.TraderTab) domain.PaymentPlan {
	return domain.PaymentPlan{WillPay: false}
}

// FixedOracle always returns the same plan.
type FixedOracle domain.PaymentPlan

// Plan implements PaymentOracle.
func (f FixedOracle) Plan(context.Context, domain.TraderTab) domain.PaymentPlan {
	return domain.PaymentPlan(f)
}
