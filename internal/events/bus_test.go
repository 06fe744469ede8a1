package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func executedEvent(trader, id string) domain.Event {
	return domain.Event{
		Kind:   domain.EventIntentExecuted,
		Trader: domain.TraderID(trader),
		Intent: &domain.TradeIntent{ID: id, Trader: domain.Trader{ID: domain.TraderID(trader)}},
	}
}

func TestBoundedSubscriptionDropsWhenFull(t *testing.T) {
	bus := NewBus(discard)
	defer bus.Close()
	sub := bus.Subscribe("slow", 2, domain.EventIntentExecuted)

	for i := 0; i < 5; i++ {
		bus.Emit(context.Background(), executedEvent("alice", fmt.Sprint(i)))
	}
	bus.Emit(context.Background(), domain.Event{Kind: domain.EventTabSettled})

	assert.Len(t, sub.C(), 2)
	assert.Equal(t, int64(3), sub.Dropped())
	assert.Zero(t, sub.Pending())
}

func TestLosslessSubscriptionKeepsEverything(t *testing.T) {
	bus := NewBus(discard)
	defer bus.Close()
	sub := bus.SubscribeLossless("settlement", domain.EventIntentExecuted)

	const n = 300
	for i := 0; i < n; i++ {
		bus.Emit(context.Background(), executedEvent("alice", fmt.Sprint(i)))
	}
	bus.Emit(context.Background(), domain.Event{Kind: domain.EventTabSettled})
	assert.Zero(t, sub.Dropped())
	assert.GreaterOrEqual(t, sub.Pending(), n-1)

	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.C():
			require.Equal(t, fmt.Sprint(i), ev.Intent.ID)
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
	assert.Zero(t, sub.Pending())
}

func TestLosslessSubscriptionClosesOnUnsubscribe(t *testing.T) {
	bus := NewBus(discard)
	sub := bus.SubscribeLossless("executor")
	bus.Emit(context.Background(), executedEvent("alice", "a"))
	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)

	assert.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-sub.C():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	// Emitting after removal reaches nobody.
	bus.Emit(context.Background(), executedEvent("alice", "b"))
	bus.Close()
}

func TestConsumeByKeyIsolatesKeys(t *testing.T) {
	bus := NewBus(discard)
	sub := bus.SubscribeLossless("settlement", domain.EventIntentExecuted)

	release := make(chan struct{})
	var (
		mu   sync.Mutex
		seen = map[string][]string{}
	)
	handle := func(_ context.Context, ev domain.Event) {
		if ev.Intent.ID == "alice-0" {
			<-release
		}
		mu.Lock()
		seen[string(ev.Trader)] = append(seen[string(ev.Trader)], ev.Intent.ID)
		mu.Unlock()
	}
	count := func(trader string) int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen[trader])
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ConsumeByKey(ctx, sub, func(ev domain.Event) string { return string(ev.Trader) }, handle)
	}()

	for i := 0; i < 3; i++ {
		bus.Emit(ctx, executedEvent("alice", fmt.Sprintf("alice-%d", i)))
		bus.Emit(ctx, executedEvent("bob", fmt.Sprintf("bob-%d", i)))
	}

	// Alice is stuck on her first event; Bob is not held up.
	assert.Eventually(t, func() bool { return count("bob") == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, count("alice"))

	close(release)
	assert.Eventually(t, func() bool { return count("alice") == 3 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"alice-0", "alice-1", "alice-2"}, seen["alice"])
	assert.Equal(t, []string{"bob-0", "bob-1", "bob-2"}, seen["bob"])
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	bus.Close()
}
