package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

type captureSender struct {
	name   string
	titles []string
	err    error
}

func (c *captureSender) Send(_ context.Context, title, _ string) error {
	c.titles = append(c.titles, title)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func settledEvent(happy bool) domain.Event {
	return domain.Event{
		Kind: domain.EventTabSettled,
		Tab: &domain.TraderTab{
			ID:         "tab-1",
			Trader:     domain.Trader{ID: "alice", Name: "Alice"},
			IntentIDs:  []string{"i-1", "i-2"},
			Guarantees: []domain.IntentGuarantee{{LockedAmount: 1_500_000}, {LockedAmount: 250_000}},
			Asset:      "USDC",
		},
		Fields: map[string]any{"happyPath": happy, "txHash": "0xabc"},
	}
}

func TestAlertFor(t *testing.T) {
	a, ok := AlertFor(settledEvent(true))
	require.True(t, ok)
	assert.Equal(t, AlertTabSettled, a.Name)
	assert.Contains(t, a.Message, "Alice (alice)")
	assert.Contains(t, a.Message, "amount: 1.75 USDC")
	assert.Contains(t, a.Message, "happy path")
	assert.Contains(t, a.Message, "tx: 0xabc")

	a, ok = AlertFor(domain.Event{
		Kind:   domain.EventIntentGuaranteeFailed,
		Intent: &domain.TradeIntent{ID: "i-9", Amount: 1_000_000, Trader: domain.Trader{ID: "bob"}},
		Fields: map[string]any{"reason": "insufficient collateral", "shortfall": int64(400_000)},
	})
	require.True(t, ok)
	assert.Equal(t, AlertGuaranteeFailed, a.Name)
	assert.Contains(t, a.Message, "shortfall: 0.40")

	_, ok = AlertFor(domain.Event{Kind: domain.EventTabCountdown, Tab: &domain.TraderTab{}})
	assert.False(t, ok)
}

func TestNotifierFiltersAndCollectsErrors(t *testing.T) {
	ok := &captureSender{name: "ok"}
	bad := &captureSender{name: "bad", err: errors.New("down")}
	n := NewNotifier([]Sender{ok, bad}, []string{AlertTabSettled}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), AlertIntentCancelled, "ignored", ""))
	assert.Empty(t, ok.titles)

	err := n.Notify(context.Background(), AlertTabSettled, "Tab settled", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, []string{"Tab settled"}, ok.titles)

	n.HandleEvent(context.Background(), settledEvent(false))
	assert.Len(t, ok.titles, 2)
}

func TestSendersPostJSON(t *testing.T) {
	var got []map[string]string
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body)
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("tok", "42").WithBaseURL(srv.URL + "/")
	require.NoError(t, tg.Send(context.Background(), "T", "body"))
	dc := NewDiscordSender(srv.URL + "/hook")
	require.NoError(t, dc.Send(context.Background(), "T", "body"))

	require.Len(t, got, 2)
	assert.Equal(t, "/bottok/sendMessage", paths[0])
	assert.Equal(t, "42", got[0]["chat_id"])
	assert.Equal(t, "*T*\nbody", got[0]["text"])
	assert.Equal(t, "**T**\nbody", got[1]["content"])
}

func TestSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "T", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: unexpected status 400")
}
