// Package storetest is a behavioural suite every CampaignStore backend must pass.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/domain"
	"blast/internal/store"
)

// Run exercises open() against the shared contract. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) store.CampaignStore) {
	t.Run("PutGetReplace", func(t *testing.T) { testPutGetReplace(t, open(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("ListByStatus", func(t *testing.T) { testListByStatus(t, open(t)) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, open(t)) })
	t.Run("PruneHistory", func(t *testing.T) { testPruneHistory(t, open(t)) })
	t.Run("Activities", func(t *testing.T) { testActivities(t, open(t)) })
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func campaign(id string, status domain.CampaignStatus, at time.Time) domain.Campaign {
	c := domain.Campaign{
		ID:        id,
		Name:      "campaign " + id,
		Contacts:  []domain.Contact{{Name: "Ani", Phone: "6281234567890"}, {Name: "Budi", Phone: "6281234567891"}},
		Message:   "Halo {{name}}",
		Status:    status,
		CreatedAt: at,
	}
	c.ResetOutcomes()
	switch status {
	case domain.StatusScheduled:
		c.ScheduledAt = &at
	case domain.StatusOngoing:
		c.StartedAt = &at
	case domain.StatusCompleted, domain.StatusStopped:
		c.StartedAt = &at
		c.CompletedAt = &at
	}
	return c
}

func testPutGetReplace(t *testing.T, s store.CampaignStore) {
	ctx := context.Background()
	c := campaign("c1", domain.StatusOngoing, base)
	c.Image = []byte{0x89, 'P', 'N', 'G'}
	require.NoError(t, s.Put(ctx, c))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.Equal(t, c.Image, got.Image)
	assert.Equal(t, c.Outcomes, got.Outcomes)

	require.NoError(t, c.Record(0, domain.OutcomeSent))
	require.NoError(t, s.Put(ctx, c))

	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Results.Sent)
	assert.Equal(t, domain.OutcomeSent, got.Outcomes[0])
	assert.Equal(t, domain.OutcomePending, got.Outcomes[1])
}

func testGetMissing(t *testing.T, s store.CampaignStore) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListByStatus(t *testing.T, s store.CampaignStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, campaign("s2", domain.StatusScheduled, base.Add(2*time.Hour))))
	require.NoError(t, s.Put(ctx, campaign("s1", domain.StatusScheduled, base.Add(time.Hour))))
	require.NoError(t, s.Put(ctx, campaign("h1", domain.StatusCompleted, base.Add(time.Hour))))
	require.NoError(t, s.Put(ctx, campaign("h2", domain.StatusCompleted, base.Add(2*time.Hour))))

	// a status change must move the record between listings
	moved := campaign("m1", domain.StatusScheduled, base)
	require.NoError(t, s.Put(ctx, moved))
	moved = campaign("m1", domain.StatusOngoing, base)
	require.NoError(t, s.Put(ctx, moved))

	scheduled, err := s.ListByStatus(ctx, domain.StatusScheduled)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids(scheduled))

	completed, err := s.ListByStatus(ctx, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2", "h1"}, ids(completed))

	ongoing, err := s.ListByStatus(ctx, domain.StatusOngoing)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(ongoing))

	stopped, err := s.ListByStatus(ctx, domain.StatusStopped)
	require.NoError(t, err)
	assert.Empty(t, stopped)
}

func testRemove(t *testing.T, s store.CampaignStore) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, campaign("r1", domain.StatusScheduled, base)))
	require.NoError(t, s.Remove(ctx, "r1"))

	_, err := s.Get(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, "r1"), store.ErrNotFound)

	scheduled, err := s.ListByStatus(ctx, domain.StatusScheduled)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
}

func testPruneHistory(t *testing.T, s store.CampaignStore) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		status := domain.StatusCompleted
		if i%2 == 1 {
			status = domain.StatusStopped
		}
		require.NoError(t, s.Put(ctx, campaign(fmt.Sprintf("h%d", i), status, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Put(ctx, campaign("live", domain.StatusOngoing, base)))

	n, err := s.PruneHistory(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"h0", "h1"} {
		_, err := s.Get(ctx, id)
		assert.ErrorIs(t, err, store.ErrNotFound, id)
	}
	for _, id := range []string{"h2", "h3", "h4", "live"} {
		_, err := s.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}

func testActivities(t *testing.T, s store.CampaignStore) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendActivity(ctx, store.Activity{
			ID:         fmt.Sprintf("a%d", i),
			Type:       domain.EventStarted,
			CampaignID: "c1",
			At:         base.Add(time.Duration(i) * time.Second),
		}, 3))
	}

	got, err := s.ListActivities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a3", got[0].ID)
	assert.Equal(t, "a1", got[2].ID)

	got, err = s.ListActivities(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a3", got[0].ID)
}

func ids(cs []domain.Campaign) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}
