package notify

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// Alert names accepted in notify.events.
const (
	AlertTabSettled      = "tab_settled"
	AlertTabFailed       = "tab_failed"
	AlertGuaranteeFailed = "guarantee_failed"
	AlertIntentDefaulted = "intent_defaulted"
	AlertIntentCancelled = "intent_cancelled"
)

// Alert is a rendered notification.
type Alert struct {
	Name    string
	Title   string
	Message string
}

// AlertFor renders the alert for ev. Chatty kinds such as countdowns and
// bids have no alert.
func AlertFor(ev domain.Event) (Alert, bool) {
	switch ev.Kind {
	case domain.EventTabSettled:
		if ev.Tab == nil {
			return Alert{}, false
		}
		path := "remunerated (unhappy path)"
		if happy, _ := ev.Fields["happyPath"].(bool); happy {
			path = "paid by trader (happy path)"
		}
		return Alert{
			Name:  AlertTabSettled,
			Title: "Tab settled",
			Message: lines(
				"trader: "+traderLabel(ev.Tab.Trader),
				fmt.Sprintf("intents: %d", len(ev.Tab.IntentIDs)),
				"amount: "+domain.FormatMicros(ev.Tab.LockedTotal())+" "+ev.Tab.Asset,
				"outcome: "+path,
				"tx: "+fieldString(ev, "txHash"),
			),
		}, true

	case domain.EventTabSettlementFailed:
		if ev.Tab == nil {
			return Alert{}, false
		}
		return Alert{
			Name:  AlertTabFailed,
			Title: "Tab settlement failed",
			Message: lines(
				"trader: "+traderLabel(ev.Tab.Trader),
				"tab: "+ev.Tab.ID,
				"amount: "+domain.FormatMicros(ev.Tab.LockedTotal())+" "+ev.Tab.Asset,
				"error: "+fieldString(ev, "error"),
				"retry with POST /api/tabs/"+ev.Tab.ID+"/retry",
			),
		}, true

	case domain.EventIntentGuaranteeFailed:
		if ev.Intent == nil {
			return Alert{}, false
		}
		msg := []string{
			"trader: " + traderLabel(ev.Intent.Trader),
			"intent: " + ev.Intent.ID,
			"amount: " + domain.FormatMicros(ev.Intent.Amount),
			"reason: " + fieldString(ev, "reason"),
		}
		if short, ok := ev.Fields["shortfall"].(int64); ok && short > 0 {
			msg = append(msg, "shortfall: "+domain.FormatMicros(short))
		}
		return Alert{Name: AlertGuaranteeFailed, Title: "Guarantee failed", Message: lines(msg...)}, true

	case domain.EventIntentDefaulted:
		if ev.Intent == nil {
			return Alert{}, false
		}
		return Alert{
			Name:  AlertIntentDefaulted,
			Title: "Intent defaulted",
			Message: lines(
				"trader: "+traderLabel(ev.Intent.Trader),
				"intent: "+ev.Intent.ID,
				"amount: "+domain.FormatMicros(ev.Intent.Amount),
			),
		}, true

	case domain.EventIntentCancelled:
		if ev.Intent == nil {
			return Alert{}, false
		}
		return Alert{
			Name:  AlertIntentCancelled,
			Title: "Intent cancelled",
			Message: lines(
				"intent: "+ev.Intent.ID,
				"reason: "+fieldString(ev, "reason"),
			),
		}, true
	}
	return Alert{}, false
}

func traderLabel(t domain.Trader) string {
	if t.Name != "" {
		return t.Name + " (" + string(t.ID) + ")"
	}
	return string(t.ID)
}

func fieldString(ev domain.Event, key string) string {
	if v, ok := ev.Fields[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return "-"
}

func lines(parts ...string) string { return strings.Join(parts, "\n") }
