package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/domain/port/driven"
)

// SweepSummary reports what one retention sweep did.
type SweepSummary struct {
	PagesScanned  int   `json:"pages_scanned"`
	MarkedExpired int64 `json:"marked_expired"`
	Deleted       int64 `json:"deleted"`
}

// sweepRequest represents a manual sweep trigger.
type sweepRequest struct {
	done chan sweepResult
}

type sweepResult struct {
	summary SweepSummary
	err     error
}

// RetentionService deletes superseded and stale credential records on a
// cron schedule. Per page it keeps the best keep-N records by selection
// rank and additionally removes error-status records whose last error is
// older than the error window and records past their expiry by more than
// the grace -- never the page's current primary.
type RetentionService struct {
	store       driven.CredentialStore
	schedule    cron.Schedule
	keep        int
	errorMaxAge time.Duration
	expiryGrace time.Duration
	sweepCh     chan sweepRequest
}

// NewRetentionService creates a new RetentionService. schedule is a
// standard 5-field cron expression.
func NewRetentionService(
	store driven.CredentialStore,
	schedule string,
	keep int,
	errorMaxAge time.Duration,
	expiryGrace time.Duration,
) (*RetentionService, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	if keep < 1 {
		return nil, fmt.Errorf("retention keep must be at least 1, got %d", keep)
	}

	return &RetentionService{
		store:       store,
		schedule:    sched,
		keep:        keep,
		errorMaxAge: errorMaxAge,
		expiryGrace: expiryGrace,
		sweepCh:     make(chan sweepRequest),
	}, nil
}

// Start runs the sweeper until the context is canceled: a timer follows the
// cron schedule, and manual sweeps arrive over a channel so they serialize
// with scheduled ones. Start blocks.
func (s *RetentionService) Start(ctx context.Context) {
	for {
		timer := time.NewTimer(time.Until(s.schedule.Next(time.Now())))

		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("retention sweeper stopped")
			return
		case <-timer.C:
			if _, err := s.sweep(ctx); err != nil {
				slog.Error("scheduled retention sweep failed", "error", err)
			}
		case req := <-s.sweepCh:
			timer.Stop()
			summary, err := s.sweep(ctx)
			req.done <- sweepResult{summary: summary, err: err}
		}
	}
}

// SweepNow triggers one sweep on the running loop and waits for its summary.
// It blocks until the sweep completes or the context is canceled.
func (s *RetentionService) SweepNow(ctx context.Context) (SweepSummary, error) {
	done := make(chan sweepResult, 1)

	select {
	case s.sweepCh <- sweepRequest{done: done}:
	case <-ctx.Done():
		return SweepSummary{}, ctx.Err()
	}

	select {
	case res := <-done:
		return res.summary, res.err
	case <-ctx.Done():
		return SweepSummary{}, ctx.Err()
	}
}

// sweep runs one full retention pass: expire overdue records, then apply the
// per-page deletion rules. Page-level failures are logged and skipped so one
// bad page cannot stall retention for the rest.
func (s *RetentionService) sweep(ctx context.Context) (SweepSummary, error) {
	var summary SweepSummary
	now := time.Now().UTC()

	marked, err := s.store.MarkExpired(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("marking expired credentials: %w", err)
	}
	summary.MarkedExpired = marked

	pageIDs, err := s.store.ListPageIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("listing pages: %w", err)
	}

	for _, pageID := range pageIDs {
		deleted, err := s.sweepPage(ctx, pageID, now)
		if err != nil {
			slog.Error("retention sweep failed for page", "page_id", pageID, "error", err)
			continue
		}
		summary.PagesScanned++
		summary.Deleted += deleted
	}

	slog.Info("retention sweep complete",
		"pages_scanned", summary.PagesScanned,
		"marked_expired", summary.MarkedExpired,
		"deleted", summary.Deleted,
	)

	return summary, nil
}

// sweepPage applies the retention policy to one page. Rank order is the
// candidate selection order, so "beyond rank N" always removes the records a
// lookup would try last.
func (s *RetentionService) sweepPage(ctx context.Context, pageID string, now time.Time) (int64, error) {
	records, err := s.store.ListCandidates(ctx, pageID, "")
	if err != nil {
		return 0, fmt.Errorf("listing candidates: %w", err)
	}

	primaryID, err := s.store.GetPrimary(ctx, pageID)
	if err != nil {
		return 0, fmt.Errorf("resolving primary: %w", err)
	}

	var doomed []string
	for rank, rec := range records {
		if rec.CredentialID == primaryID {
			// Never delete the page's current primary.
			continue
		}
		if s.shouldDelete(rank, rec, now) {
			doomed = append(doomed, rec.CredentialID)
		}
	}

	if len(doomed) == 0 {
		return 0, nil
	}

	deleted, err := s.store.Delete(ctx, pageID, doomed)
	if err != nil {
		return 0, fmt.Errorf("deleting records: %w", err)
	}

	return deleted, nil
}

// shouldDelete applies the three deletion rules: beyond keep-N, error-status
// older than the error window, or past expiry by more than the grace.
func (s *RetentionService) shouldDelete(rank int, rec model.CredentialRecord, now time.Time) bool {
	if rank >= s.keep {
		return true
	}
	if rec.Status == model.CredentialStatusError && rec.LastErrorAt != nil && now.Sub(*rec.LastErrorAt) > s.errorMaxAge {
		return true
	}
	if rec.ExpiresAt != nil && now.Sub(*rec.ExpiresAt) > s.expiryGrace {
		return true
	}
	return false
}
