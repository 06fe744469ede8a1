package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// PersistenceService mirrors intent and tab state into the stores and
// keeps the audit trail. The in-memory manager and engine stay the source
// of truth; a failed write is logged and the next event overwrites it.
type PersistenceService struct {
	intents domain.IntentStore
	tabs    domain.TabStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewPersistenceService creates a PersistenceService with all required
// dependencies.
func NewPersistenceService(
	intents domain.IntentStore,
	tabs domain.TabStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PersistenceService {
	return &PersistenceService{
		intents: intents,
		tabs:    tabs,
		audit:   audit,
		logger:  logger.With(slog.String("component", "persistence")),
	}
}

// auditedKinds are the events worth a row in audit_log.
var auditedKinds = map[domain.EventKind]bool{
	domain.EventIntentGuaranteeFailed: true,
	domain.EventIntentCancelled:       true,
	domain.EventIntentDefaulted:       true,
	domain.EventTabSettled:            true,
	domain.EventTabSettlementFailed:   true,
}

// Handle persists ev. It is meant to run from a bus subscription.
func (s *PersistenceService) Handle(ctx context.Context, ev domain.Event) {
	if err := s.store(ctx, ev); err != nil {
		s.logger.ErrorContext(ctx, "persist event failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
	if auditedKinds[ev.Kind] {
		if err := s.audit.Log(ctx, string(ev.Kind), auditDetail(ev)); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *PersistenceService) store(ctx context.Context, ev domain.Event) error {
	switch {
	case ev.Intent != nil && ev.Kind != domain.EventIntentBid:
		if err := s.intents.Upsert(ctx, *ev.Intent); err != nil {
			return fmt.Errorf("persistence: %w", err)
		}

	case ev.Kind == domain.EventTabSettled && ev.Tab != nil:
		happy, _ := ev.Fields["happyPath"].(bool)
		txHash, _ := ev.Fields["txHash"].(string)
		if err := s.tabs.RecordSettlement(ctx, domain.TabRecord{
			Tab: *ev.Tab, HappyPath: happy, TxHash: txHash, Success: true,
		}); err != nil {
			return fmt.Errorf("persistence: %w", err)
		}

	case ev.Kind == domain.EventTabSettlementFailed && ev.Tab != nil:
		happy, _ := ev.Fields["happyPath"].(bool)
		if err := s.tabs.Upsert(ctx, *ev.Tab); err != nil {
			return fmt.Errorf("persistence: %w", err)
		}
		if err := s.tabs.RecordSettlement(ctx, domain.TabRecord{Tab: *ev.Tab, HappyPath: happy}); err != nil {
			return fmt.Errorf("persistence: %w", err)
		}

	case ev.Kind == domain.EventTabUpdated && ev.Tab != nil:
		if err := s.tabs.Upsert(ctx, *ev.Tab); err != nil {
			return fmt.Errorf("persistence: %w", err)
		}
	}
	return nil
}

func auditDetail(ev domain.Event) map[string]any {
	detail := make(map[string]any, len(ev.Fields)+3)
	for k, v := range ev.Fields {
		detail[k] = v
	}
	if ev.Trader != "" {
		detail["trader"] = string(ev.Trader)
	}
	if ev.Intent != nil {
		detail["intentId"] = ev.Intent.ID
	}
	if ev.Tab != nil {
		detail["tabId"] = ev.Tab.ID
		detail["externalTabId"] = ev.Tab.ExternalTabID
	}
	return detail
}
