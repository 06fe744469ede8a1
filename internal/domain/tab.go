package domain

import "time"

// TabStatus is the settlement state of a TraderTab.
type TabStatus string

const (
	TabOpen     TabStatus = "open"
	TabSettling TabStatus = "settling"
	TabSettled  TabStatus = "settled"
	// TabFailed marks a tab whose settlement call kept failing; it waits in
	// the reconciliation set until retried.
	TabFailed TabStatus = "failed"
)

// Collateral is a snapshot of a trader's collateral at the guarantee service.
type Collateral struct {
	Deposited int64     `json:"deposited"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IntentGuarantee joins an intent to the guarantee that covers it.
// Retained marks the lock of an intent cancelled after its guarantee was
// issued: it still counts towards the external tab's total but its intent
// is not a member.
type IntentGuarantee struct {
	IntentID     string    `json:"intent_id"`
	Guarantee    Guarantee `json:"guarantee"`
	ReqID        uint64    `json:"req_id"`
	LockedAmount int64     `json:"locked_amount"`
	Retained     bool      `json:"retained,omitempty"`
}

// TraderTab batches one trader's executed intents into a single settlement.
type TraderTab struct {
	ID            string            `json:"id"`
	Trader        Trader            `json:"trader"`
	IntentIDs     []string          `json:"intent_ids"`
	Guarantees    []IntentGuarantee `json:"guarantees"`
	ExternalTabID string            `json:"external_tab_id"`
	Asset         string            `json:"asset"`
	Recipient     string            `json:"recipient"`

	OpenedAt           time.Time  `json:"opened_at"`
	Deadline           time.Time  `json:"deadline"`
	WillPay            bool       `json:"will_pay"`
	ScheduledPaymentAt time.Time  `json:"scheduled_payment_at,omitempty"`
	// PaymentFraction is the point of the window (0..1) the scheduled
	// payment sits at; zero once an external payment signal pinned it.
	PaymentFraction    float64    `json:"payment_fraction,omitempty"`
	Status             TabStatus  `json:"status"`
	SettledAt          *time.Time `json:"settled_at,omitempty"`

	Collateral Collateral `json:"collateral"`

	// LastError holds the most recent settlement failure for failed tabs.
	LastError string `json:"last_error,omitempty"`
}

// LockedTotal is the external tab's total: every guarantee's locked amount,
// retained ones included.
func (t *TraderTab) LockedTotal() int64 {
	var total int64
	for _, g := range t.Guarantees {
		total += g.LockedAmount
	}
	return total
}

// MemberTotal is LockedTotal without retained locks.
func (t *TraderTab) MemberTotal() int64 {
	var total int64
	for _, g := range t.Guarantees {
		if !g.Retained {
			total += g.LockedAmount
		}
	}
	return total
}

// LatestGuarantee returns the member guarantee with the highest request
// sequence number. Later requests supersede earlier ones on the shared tab.
func (t *TraderTab) LatestGuarantee() (IntentGuarantee, bool) {
	if len(t.Guarantees) == 0 {
		return IntentGuarantee{}, false
	}
	latest := t.Guarantees[0]
	for _, g := range t.Guarantees[1:] {
		if g.ReqID > latest.ReqID {
			latest = g
		}
	}
	return latest, true
}

// SecondsRemaining is the whole seconds left until the deadline, floored at 0.
func (t *TraderTab) SecondsRemaining(now time.Time) int64 {
	left := t.Deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int64(left / time.Second)
}

// Clone returns a deep copy of the tab.
func (t TraderTab) Clone() TraderTab {
	out := t
	out.IntentIDs = append([]string(nil), t.IntentIDs...)
	out.Guarantees = append([]IntentGuarantee(nil), t.Guarantees...)
	out.SettledAt = cloneTime(t.SettledAt)
	return out
}

// PaymentPlan is the decision, made when a tab opens, of whether and when
// the trader pays before the deadline.
type PaymentPlan struct {
	WillPay bool
	// Fraction of the settlement window at which payment is expected.
	// Only meaningful when WillPay is true.
	Fraction float64
}
