package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, ch string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[ch] = append(b.published[ch], p)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, s string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[s] = append(b.streamed[s], p)
	return nil
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memIntents struct {
	rows       map[string]domain.TradeIntent
	terminal   []domain.TradeIntent
	deleted    int64
	deleteCall int
}

func (m *memIntents) Upsert(_ context.Context, in domain.TradeIntent) error {
	m.rows[in.ID] = in
	return nil
}
func (m *memIntents) GetByID(_ context.Context, id string) (domain.TradeIntent, error) {
	in, ok := m.rows[id]
	if !ok {
		return domain.TradeIntent{}, domain.ErrIntentNotFound
	}
	return in, nil
}
func (m *memIntents) ListByTrader(context.Context, domain.TraderID, domain.ListOpts) ([]domain.TradeIntent, error) {
	return nil, nil
}
func (m *memIntents) ListTerminalBefore(context.Context, time.Time) ([]domain.TradeIntent, error) {
	return m.terminal, nil
}
func (m *memIntents) DeleteBefore(context.Context, time.Time) (int64, error) {
	m.deleteCall++
	return m.deleted, nil
}

type memTabs struct {
	upserts []domain.TraderTab
	records []domain.TabRecord
}

func (m *memTabs) Upsert(_ context.Context, t domain.TraderTab) error {
	m.upserts = append(m.upserts, t)
	return nil
}
func (m *memTabs) RecordSettlement(_ context.Context, r domain.TabRecord) error {
	m.records = append(m.records, r)
	return nil
}
func (m *memTabs) ListRecent(context.Context, int) ([]domain.TabRecord, error) { return m.records, nil }
func (m *memTabs) ListByTrader(context.Context, domain.TraderID, domain.ListOpts) ([]domain.TabRecord, error) {
	return nil, nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, ev string, _ map[string]any) error {
	m.events = append(m.events, ev)
	return nil
}
func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestEventPublisher(t *testing.T) {
	bus := newMemBus()
	p := NewEventPublisher(bus, "events", "events-log", quietLogger())
	ctx := context.Background()

	p.Handle(ctx, domain.Event{Kind: domain.EventTabSettled, Trader: "alice"})
	p.Handle(ctx, domain.Event{Kind: domain.EventTabCountdown, Trader: "alice"})

	assert.Len(t, bus.published["events"], 2)
	require.Len(t, bus.streamed["events-log"], 1)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(bus.streamed["events-log"][0], &ev))
	assert.Equal(t, domain.EventTabSettled, ev.Kind)
}

func TestPersistenceService(t *testing.T) {
	intents := &memIntents{rows: map[string]domain.TradeIntent{}}
	tabs := &memTabs{}
	audit := &memAudit{}
	s := NewPersistenceService(intents, tabs, audit, quietLogger())
	ctx := context.Background()

	in := domain.TradeIntent{ID: "i-1", Status: domain.IntentSettling}
	s.Handle(ctx, domain.Event{Kind: domain.EventIntentExecuted, Intent: &in})
	s.Handle(ctx, domain.Event{Kind: domain.EventIntentBid, Intent: &in})
	tab := domain.TraderTab{ID: "tab-1", Status: domain.TabOpen}
	s.Handle(ctx, domain.Event{Kind: domain.EventTabUpdated, Tab: &tab})
	settled := tab
	settled.Status = domain.TabSettled
	s.Handle(ctx, domain.Event{
		Kind: domain.EventTabSettled, Tab: &settled,
		Fields: map[string]any{"happyPath": true, "txHash": "0x1"},
	})

	assert.Contains(t, intents.rows, "i-1")
	require.Len(t, tabs.upserts, 1)
	require.Len(t, tabs.records, 1)
	assert.True(t, tabs.records[0].HappyPath)
	assert.True(t, tabs.records[0].Success)
	assert.Equal(t, "0x1", tabs.records[0].TxHash)
	assert.Equal(t, []string{"tab:settled"}, audit.events)
}

type fixedSweeper []domain.TradeIntent

func (f fixedSweeper) Sweep(context.Context, time.Time) []domain.TradeIntent { return f }

type memArchiver struct {
	got []domain.TradeIntent
	err error
}

func (m *memArchiver) ArchiveIntents(_ context.Context, in []domain.TradeIntent, _ time.Time) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.got = in
	return "intents/x.jsonl", nil
}

func TestRetentionSweep(t *testing.T) {
	store := &memIntents{
		rows:     map[string]domain.TradeIntent{},
		terminal: []domain.TradeIntent{{ID: "a"}, {ID: "b"}},
		deleted:  2,
	}
	arch := &memArchiver{}
	s := NewRetentionService(fixedSweeper{{ID: "b"}, {ID: "c"}}, store, arch, time.Hour, quietLogger())

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Swept: 2, Archived: 3, Path: "intents/x.jsonl", Deleted: 2}, res)

	var ids []string
	for _, in := range arch.got {
		ids = append(ids, in.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRetentionKeepsRowsWhenArchiveFails(t *testing.T) {
	store := &memIntents{rows: map[string]domain.TradeIntent{}, terminal: []domain.TradeIntent{{ID: "a"}}}
	s := NewRetentionService(fixedSweeper(nil), store, &memArchiver{err: errors.New("s3 down")}, time.Hour, quietLogger())

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Zero(t, store.deleteCall)
}

func TestRetentionMemoryOnly(t *testing.T) {
	s := NewRetentionService(fixedSweeper{{ID: "a"}}, nil, nil, time.Hour, quietLogger())
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Swept: 1}, res)
}
