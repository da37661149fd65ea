package store

import (
	"context"
	"errors"
	"time"

	"blast/internal/domain"
)

var ErrNotFound = errors.New("campaign not found")

// Activity is one line of the team activity feed, newest first.
type Activity struct {
	ID           string           `json:"id"`
	Type         domain.EventType `json:"type"`
	CampaignID   string           `json:"campaignId,omitempty"`
	CampaignName string           `json:"campaignName,omitempty"`
	Detail       string           `json:"detail,omitempty"`
	At           time.Time        `json:"at"`
}

// CampaignStore is the full contract every backend implements. Consumers declare the
// narrower interface they need.
type CampaignStore interface {
	Put(ctx context.Context, c domain.Campaign) error
	Get(ctx context.Context, id string) (domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)
	Remove(ctx context.Context, id string) error
	PruneHistory(ctx context.Context, keep int) (int, error)
	AppendActivity(ctx context.Context, a Activity, keep int) error
	ListActivities(ctx context.Context, limit int) ([]Activity, error)
	Ping(ctx context.Context) error
	Close() error
}

// SortKey orders records inside a status listing. History (stopped, completed) is listed
// newest completion first; scheduled by due time; ongoing by start time.
func SortKey(c domain.Campaign) time.Time {
	switch {
	case c.Status.Terminal() && c.CompletedAt != nil:
		return *c.CompletedAt
	case c.Status == domain.StatusScheduled && c.ScheduledAt != nil:
		return *c.ScheduledAt
	case c.Status == domain.StatusOngoing && c.StartedAt != nil:
		return *c.StartedAt
	}
	return c.CreatedAt
}
