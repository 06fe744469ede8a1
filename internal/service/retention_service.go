package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// IntentSweeper releases terminal intents held in memory.
type IntentSweeper interface {
	Sweep(ctx context.Context, now time.Time) []domain.TradeIntent
}

// SweepResult summarizes one retention pass.
type SweepResult struct {
	Swept    int    `json:"swept"`
	Archived int    `json:"archived"`
	Path     string `json:"path,omitempty"`
	Deleted  int64  `json:"deleted"`
}

// RetentionService runs the periodic sweep: drop old terminal intents from
// memory, archive them, then delete them from Postgres. Rows are only
// deleted once the archive upload succeeded. store and archiver are
// optional.
type RetentionService struct {
	sweeper   IntentSweeper
	store     domain.IntentStore
	archiver  domain.Archiver
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewRetentionService creates a RetentionService.
func NewRetentionService(
	sweeper IntentSweeper,
	store domain.IntentStore,
	archiver domain.Archiver,
	retention time.Duration,
	logger *slog.Logger,
) *RetentionService {
	return &RetentionService{
		sweeper:   sweeper,
		store:     store,
		archiver:  archiver,
		retention: retention,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "retention")),
	}
}

// Sweep runs one pass.
func (s *RetentionService) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.retention)

	swept := s.sweeper.Sweep(ctx, now)
	res := SweepResult{Swept: len(swept)}

	toArchive := swept
	if s.store != nil {
		stored, err := s.store.ListTerminalBefore(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("retention: list: %w", err)
		}
		toArchive = mergeByID(stored, swept)
	}

	if s.archiver != nil && len(toArchive) > 0 {
		path, err := s.archiver.ArchiveIntents(ctx, toArchive, cutoff)
		if err != nil {
			return res, fmt.Errorf("retention: archive: %w", err)
		}
		res.Archived, res.Path = len(toArchive), path
	}

	if s.store != nil {
		n, err := s.store.DeleteBefore(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("retention: delete: %w", err)
		}
		res.Deleted = n
	}

	if res.Swept > 0 || res.Archived > 0 || res.Deleted > 0 {
		s.logger.InfoContext(ctx, "retention sweep done",
			slog.Int("swept", res.Swept),
			slog.Int("archived", res.Archived),
			slog.String("path", res.Path),
			slog.Int64("deleted", res.Deleted),
		)
	}
	return res, nil
}

// mergeByID appends the entries of extra whose ID is not already in base.
func mergeByID(base, extra []domain.TradeIntent) []domain.TradeIntent {
	seen := make(map[string]bool, len(base))
	for _, in := range base {
		seen[in.ID] = true
	}
	out := append([]domain.TradeIntent(nil), base...)
	for _, in := range extra {
		if !seen[in.ID] {
			out = append(out, in)
		}
	}
	return out
}
