package activity

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/domain"
	"blast/internal/observability"
	"blast/internal/store"
)

type failingStore struct{}

func (failingStore) AppendActivity(context.Context, store.Activity, int) error {
	return errors.New("disk full")
}

func TestProjectCountsResults(t *testing.T) {
	ctx := context.Background()
	skipped := testutil.ToFloat64(observability.EventsProjected.WithLabelValues("skipped"))
	applied := testutil.ToFloat64(observability.EventsProjected.WithLabelValues("applied"))
	failed := testutil.ToFloat64(observability.EventsProjected.WithLabelValues("error"))

	fs := &fakeStore{}
	r := &Recorder{Store: fs, Keep: 10}
	require.NoError(t, r.Project(ctx, domain.CampaignEvent{Type: domain.EventContact}))
	require.NoError(t, r.Project(ctx, domain.CampaignEvent{Type: domain.EventStarted, CampaignID: "c1"}))
	assert.Len(t, fs.items, 1)

	bad := &Recorder{Store: failingStore{}}
	assert.Error(t, bad.Project(ctx, domain.CampaignEvent{Type: domain.EventStopped, CampaignID: "c1"}))

	assert.Equal(t, skipped+1, testutil.ToFloat64(observability.EventsProjected.WithLabelValues("skipped")))
	assert.Equal(t, applied+1, testutil.ToFloat64(observability.EventsProjected.WithLabelValues("applied")))
	assert.Equal(t, failed+1, testutil.ToFloat64(observability.EventsProjected.WithLabelValues("error")))
}
