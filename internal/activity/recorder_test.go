package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/domain"
	"blast/internal/store"
)

type fakeStore struct {
	items []store.Activity
	keep  int
}

func (f *fakeStore) AppendActivity(_ context.Context, a store.Activity, keep int) error {
	f.items = append(f.items, a)
	f.keep = keep
	return nil
}

func TestPublishSkipsContactEvents(t *testing.T) {
	fs := &fakeStore{}
	r := &Recorder{Store: fs, Keep: 100}
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, domain.CampaignEvent{Type: domain.EventContact, CampaignID: "c1"}))
	assert.Empty(t, fs.items)

	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, r.Publish(ctx, domain.CampaignEvent{
		Type:         domain.EventCompleted,
		CampaignID:   "c1",
		CampaignName: "Promo",
		Results:      domain.Results{Sent: 2, Failed: 1, Total: 3},
		At:           at,
	}))
	require.Len(t, fs.items, 1)
	got := fs.items[0]
	assert.Equal(t, domain.EventCompleted, got.Type)
	assert.Equal(t, "Promo", got.CampaignName)
	assert.Equal(t, "sent 2, failed 1 of 3", got.Detail)
	assert.Equal(t, at, got.At)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, 100, fs.keep)
}

func TestRecordUsesClock(t *testing.T) {
	fs := &fakeStore{}
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := &Recorder{Store: fs, Keep: 10, Now: func() time.Time { return now }}

	require.NoError(t, r.Record(context.Background(), domain.EventDeleted, domain.Campaign{ID: "c9", Name: "Old"}, ""))
	require.Len(t, fs.items, 1)
	assert.Equal(t, now, fs.items[0].At)
	assert.Equal(t, "c9", fs.items[0].CampaignID)
}

func TestDescribeInterrupted(t *testing.T) {
	got := Describe(domain.CampaignEvent{
		Type:    domain.EventInterrupted,
		Results: domain.Results{Sent: 1, Total: 4},
		Error:   "gateway unavailable",
	})
	assert.Equal(t, "interrupted at 1 of 4: gateway unavailable", got)
}
