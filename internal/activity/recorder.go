// Package activity turns campaign events into the capped, newest-first team feed.
package activity

import (
	"context"
	"fmt"
	"time"

	"blast/internal/domain"
	"blast/internal/store"
	"blast/internal/util"
)

type Store interface {
	AppendActivity(ctx context.Context, a store.Activity, keep int) error
}

type Recorder struct {
	Store Store
	Keep  int
	Now   func() time.Time
}

// Publish folds a runner event into the feed. Per-contact events are not feed-worthy and
// are dropped.
func (r *Recorder) Publish(ctx context.Context, ev domain.CampaignEvent) error {
	if ev.Type == domain.EventContact {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = r.now()
	}
	return r.Store.AppendActivity(ctx, store.Activity{
		ID:           util.NewActivityID(),
		Type:         ev.Type,
		CampaignID:   ev.CampaignID,
		CampaignName: ev.CampaignName,
		Detail:       Describe(ev),
		At:           at.UTC(),
	}, r.Keep)
}

// Record adds a feed line for something that happened outside the runner.
func (r *Recorder) Record(ctx context.Context, t domain.EventType, c domain.Campaign, detail string) error {
	return r.Store.AppendActivity(ctx, store.Activity{
		ID:           util.NewActivityID(),
		Type:         t,
		CampaignID:   c.ID,
		CampaignName: c.Name,
		Detail:       detail,
		At:           r.now(),
	}, r.Keep)
}

func Describe(ev domain.CampaignEvent) string {
	res := ev.Results
	switch ev.Type {
	case domain.EventStarted:
		return fmt.Sprintf("sending to %d contacts", res.Total)
	case domain.EventResumed:
		return fmt.Sprintf("resumed at %d of %d", res.Sent+res.Failed, res.Total)
	case domain.EventCompleted:
		return fmt.Sprintf("sent %d, failed %d of %d", res.Sent, res.Failed, res.Total)
	case domain.EventStopped:
		return fmt.Sprintf("stopped after %d of %d", res.Sent+res.Failed, res.Total)
	case domain.EventInterrupted:
		if ev.Error != "" {
			return fmt.Sprintf("interrupted at %d of %d: %s", res.Sent+res.Failed, res.Total, ev.Error)
		}
		return fmt.Sprintf("interrupted at %d of %d", res.Sent+res.Failed, res.Total)
	case domain.EventContact:
		return fmt.Sprintf("%s %s", ev.Phone, ev.Outcome)
	}
	return ""
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return util.NowUTC()
}
