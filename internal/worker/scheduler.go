package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"blast/internal/domain"
)

type CampaignLister interface {
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)
}

// Scheduler starts due scheduled campaigns and, when idle, resumes an interrupted one.
type Scheduler struct {
	Runner     *Runner
	Store      CampaignLister
	Interval   time.Duration
	AutoResume bool
	Now        func() time.Time
}

// Run checks once immediately, then every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	s.Check(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Check(ctx)
		}
	}
}

// Check does one pass. At most one campaign is started or resumed per pass.
func (s *Scheduler) Check(ctx context.Context) {
	if s.Runner.Busy() {
		return
	}
	if s.AutoResume && s.resumeOngoing(ctx) {
		return
	}
	s.startDue(ctx)
}

func (s *Scheduler) resumeOngoing(ctx context.Context) bool {
	ongoing, err := s.Store.ListByStatus(ctx, domain.StatusOngoing)
	if err != nil {
		slog.Warn("scheduler list ongoing failed", "err", err)
		return false
	}
	for _, c := range ongoing {
		_, err := s.Runner.Resume(ctx, c.ID)
		switch {
		case err == nil:
			slog.Info("scheduler resumed campaign", "campaign_id", c.ID)
			return true
		case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrAlreadySending), errors.Is(err, ErrClosed):
			slog.Info("scheduler resume deferred", "campaign_id", c.ID, "err", err)
			return true
		default:
			slog.Warn("scheduler resume failed", "campaign_id", c.ID, "err", err)
		}
	}
	return false
}

func (s *Scheduler) startDue(ctx context.Context) {
	scheduled, err := s.Store.ListByStatus(ctx, domain.StatusScheduled)
	if err != nil {
		slog.Warn("scheduler list scheduled failed", "err", err)
		return
	}

	now := s.now()
	for i := range scheduled {
		c := scheduled[i]
		if c.ScheduledAt == nil {
			// saved without a schedule; waits for a manual start
			continue
		}
		if c.ScheduledAt.After(now) {
			// listed by due time; nothing later is due either
			return
		}
		_, err := s.Runner.Start(ctx, &c)
		switch {
		case err == nil:
			slog.Info("scheduler started campaign", "campaign_id", c.ID)
			return
		case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrAlreadySending), errors.Is(err, ErrClosed):
			// stays scheduled for the next tick
			slog.Info("scheduler start deferred", "campaign_id", c.ID, "err", err)
			return
		default:
			slog.Warn("scheduler start failed", "campaign_id", c.ID, "err", err)
		}
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
