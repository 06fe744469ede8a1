package domain

import "time"

// TraderID identifies a trader across the intent manager, the tab
// repository and the guarantee client pool.
type TraderID string

// SolverID identifies a solver competing for intents.
type SolverID string

// Trader is the identity an intent or tab is issued for.
type Trader struct {
	ID      TraderID `json:"id"`
	Address string   `json:"address"`
	Name    string   `json:"name"`
}

// IntentStatus is the lifecycle state of a TradeIntent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentClaimed   IntentStatus = "claimed"
	IntentExecuting IntentStatus = "executing"
	IntentSettling  IntentStatus = "settling"
	IntentCompleted IntentStatus = "completed"
	IntentDefaulted IntentStatus = "defaulted"
	IntentCancelled IntentStatus = "cancelled"
)

// intentTransitions lists the forward moves allowed from each state.
var intentTransitions = map[IntentStatus][]IntentStatus{
	IntentPending:   {IntentClaimed, IntentCancelled},
	IntentClaimed:   {IntentExecuting, IntentCancelled},
	IntentExecuting: {IntentSettling, IntentCancelled},
	IntentSettling:  {IntentCompleted, IntentDefaulted},
}

// CanTransition reports whether moving from s to next is a legal step of
// the intent state machine.
func (s IntentStatus) CanTransition(next IntentStatus) bool {
	for _, allowed := range intentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s IntentStatus) Terminal() bool {
	switch s {
	case IntentCompleted, IntentDefaulted, IntentCancelled:
		return true
	}
	return false
}

// Direction is the leg order of the spread trade.
type Direction string

const (
	DirectionBuyASellB Direction = "buy_a_sell_b"
	DirectionBuyBSellA Direction = "buy_b_sell_a"
)

// Opportunity is a spread observation handed to the intent manager by the
// opportunity detector.
type Opportunity struct {
	ID             string    `json:"id"`
	Pair           string    `json:"pair"`
	VenueA         string    `json:"venue_a"`
	VenueB         string    `json:"venue_b"`
	PriceA         float64   `json:"price_a"`
	PriceB         float64   `json:"price_b"`
	SpreadBps      float64   `json:"spread_bps"`
	Direction      Direction `json:"direction"`
	ExpectedProfit int64     `json:"expected_profit"` // micro-units
	DetectedAt     time.Time `json:"detected_at"`
}

// SolverBid is one competing offer to execute an intent.
type SolverBid struct {
	ID                    string        `json:"id"`
	SolverID              SolverID      `json:"solver_id"`
	SolverAddress         string        `json:"solver_address"`
	SolverName            string        `json:"solver_name"`
	BidScore              float64       `json:"bid_score"`
	ExecutionTimeEstimate time.Duration `json:"execution_time_estimate"`
	ProfitShareBps        int           `json:"profit_share_bps"`
	SubmittedAt           time.Time     `json:"submitted_at"`
}

// TradeIntent is one arbitrage attempt tracked from creation to settlement.
type TradeIntent struct {
	ID             string       `json:"id"`
	Trader         Trader       `json:"trader"`
	OpportunityID  string       `json:"opportunity_id"`
	Pair           string       `json:"pair"`
	Amount         int64        `json:"amount"` // micro-units
	Direction      Direction    `json:"direction"`
	ExpectedProfit int64        `json:"expected_profit"`
	SpreadBps      float64      `json:"spread_bps"`
	Status         IntentStatus `json:"status"`

	CreatedAt          time.Time  `json:"created_at"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	ExecutedAt         *time.Time `json:"executed_at,omitempty"`
	SettledAt          *time.Time `json:"settled_at,omitempty"`
	SettlementDeadline *time.Time `json:"settlement_deadline,omitempty"`

	Certificate       string     `json:"certificate,omitempty"`
	Guarantee         *Guarantee `json:"guarantee,omitempty"`
	GuaranteeVerified bool       `json:"guarantee_verified"`

	Bids       []SolverBid `json:"bids"`
	WinningBid *SolverBid  `json:"winning_bid,omitempty"`

	TxHash       string `json:"tx_hash,omitempty"`
	IsHappyPath  *bool  `json:"is_happy_path,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate manager-owned state.
func (t TradeIntent) Clone() TradeIntent {
	out := t
	out.Bids = append([]SolverBid(nil), t.Bids...)
	if t.WinningBid != nil {
		wb := *t.WinningBid
		out.WinningBid = &wb
	}
	if t.Guarantee != nil {
		g := *t.Guarantee
		out.Guarantee = &g
	}
	out.ClaimedAt = cloneTime(t.ClaimedAt)
	out.ExecutedAt = cloneTime(t.ExecutedAt)
	out.SettledAt = cloneTime(t.SettledAt)
	out.SettlementDeadline = cloneTime(t.SettlementDeadline)
	if t.IsHappyPath != nil {
		h := *t.IsHappyPath
		out.IsHappyPath = &h
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IntentFilter narrows Manager.List results.
type IntentFilter struct {
	Trader TraderID
	Status IntentStatus
	Limit  int
}
