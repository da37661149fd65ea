package activity

import (
	"context"
	"time"

	"blast/internal/domain"
	"blast/internal/observability"
)

// Project is the queue-consumer entry point: it folds one event into the feed under a
// bounded store deadline. A returned error leaves the message on the queue for redrive.
func (r *Recorder) Project(ctx context.Context, ev domain.CampaignEvent) error {
	if ev.Type == domain.EventContact {
		observability.EventsProjected.WithLabelValues("skipped").Inc()
		return nil
	}
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Publish(dbCtx, ev); err != nil {
		observability.EventsProjected.WithLabelValues("error").Inc()
		return err
	}
	observability.EventsProjected.WithLabelValues("applied").Inc()
	return nil
}
