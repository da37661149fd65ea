package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/activity"
	"blast/internal/antidetect"
	"blast/internal/domain"
	"blast/internal/lock"
	"blast/internal/store/sqlite"
	"blast/internal/worker"
)

type fakeGateway struct {
	mu        sync.Mutex
	connected bool
	failTo    map[string]bool
	sent      []string
	images    int
}

func (g *fakeGateway) Status(context.Context) (domain.GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.GatewayStatus{Connected: g.connected}, nil
}

func (g *fakeGateway) IsConnected(ctx context.Context) (bool, error) {
	st, err := g.Status(ctx)
	return st.Connected, err
}

func (g *fakeGateway) SendText(_ context.Context, dest, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failTo[dest] {
		return errors.New("not on whatsapp")
	}
	g.sent = append(g.sent, dest)
	return nil
}

func (g *fakeGateway) SendImage(ctx context.Context, dest string, _ []byte, _, caption string) error {
	g.mu.Lock()
	g.images++
	g.mu.Unlock()
	return g.SendText(ctx, dest, caption)
}

func (g *fakeGateway) SetPresence(context.Context, string, domain.Presence) error { return nil }

func (g *fakeGateway) Reconnect(context.Context) (domain.SendResponse, error) {
	return domain.SendResponse{Success: true}, nil
}

func (g *fakeGateway) Logout(context.Context) (domain.SendResponse, error) {
	return domain.SendResponse{Success: true}, nil
}

type fixture struct {
	svc    *CampaignService
	runner *worker.Runner
	gw     *fakeGateway
	store  *sqlite.Store
}

var fixedNow = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	gw := &fakeGateway{connected: true, failTo: map[string]bool{}}
	rec := &activity.Recorder{Store: st, Keep: 100}
	r := &worker.Runner{
		Store:           st,
		Gateway:         gw,
		Policy:          &antidetect.Policy{Tokens: antidetect.DefaultTokens},
		Tick:            time.Millisecond,
		PersistAttempts: 1,
		HistoryLimit:    50,
		JIDDomain:       "s.whatsapp.net",
		Events:          rec,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})

	svc := &CampaignService{
		Store:          st,
		Runner:         r,
		Gateway:        gw,
		Activity:       rec,
		CountryCode:    "62",
		ValidatePhones: true,
		JIDDomain:      "s.whatsapp.net",
		ActivityLimit:  100,
		Now:            func() time.Time { return fixedNow },
	}
	return &fixture{svc: svc, runner: r, gw: gw, store: st}
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.runner.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("runner still busy")
		}
		time.Sleep(time.Millisecond)
	}
}

func contacts() []domain.Contact {
	return []domain.Contact{
		{Name: "Ani", Phone: "0812-3456-7890"},
		{Name: "Budi", Phone: "+62 812 3456 7891"},
		{Name: "Citra", Phone: "812345678920"},
	}
}

func TestCreateStartsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.Create(ctx, domain.CreateCampaignRequest{Name: "Promo", Contacts: contacts(), Message: "Halo {{nama}}"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOngoing, c.Status)
	assert.Equal(t, "6281234567890", c.Contacts[0].Phone)
	assert.Equal(t, "6281234567891", c.Contacts[1].Phone)
	assert.Equal(t, "62812345678920", c.Contacts[2].Phone)

	f.waitIdle(t)
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.Results{Sent: 3, Total: 3}, got.Results)

	acts, err := f.svc.Activities(ctx, 0)
	require.NoError(t, err)
	types := map[domain.EventType]bool{}
	for _, a := range acts {
		types[a.Type] = true
	}
	assert.True(t, types[domain.EventCreated])
	assert.True(t, types[domain.EventStarted])
	assert.True(t, types[domain.EventCompleted])
}

func TestCreateNotConnectedWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.gw.connected = false
	ctx := context.Background()

	_, err := f.svc.Create(ctx, domain.CreateCampaignRequest{Contacts: contacts(), Message: "Halo"})
	require.ErrorIs(t, err, domain.ErrNotConnected)

	all, err := f.svc.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, domain.CreateCampaignRequest{Message: "Halo"})
	assert.ErrorIs(t, err, domain.ErrNoContacts)

	_, err = f.svc.Create(ctx, domain.CreateCampaignRequest{Contacts: contacts(), Message: "  "})
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	_, err = f.svc.Create(ctx, domain.CreateCampaignRequest{Contacts: []domain.Contact{{Name: "X", Phone: "1234"}}, Message: "Halo"})
	assert.ErrorIs(t, err, domain.ErrInvalidPhone)

	f.svc.MaxImageBytes = 4
	_, err = f.svc.Create(ctx, domain.CreateCampaignRequest{Contacts: contacts(), Message: "Halo", Image: []byte("12345")})
	assert.ErrorIs(t, err, domain.ErrImageTooLarge)
}

func TestScheduledCampaignThenManualStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at := fixedNow.Add(time.Hour)
	c, err := f.svc.Create(ctx, domain.CreateCampaignRequest{Contacts: contacts(), Message: "Halo", ScheduledAt: &at})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, c.Status)

	scheduled, err := f.svc.List(ctx, domain.StatusScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)

	_, err = f.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	f.waitIdle(t)

	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestRetryFailedAndReport(t *testing.T) {
	f := newFixture(t)
	f.gw.failTo["6281234567891@s.whatsapp.net"] = true
	ctx := context.Background()

	c, err := f.svc.Create(ctx, domain.CreateCampaignRequest{Name: "Promo", Contacts: contacts(), Message: "Halo"})
	require.NoError(t, err)
	f.waitIdle(t)

	var buf bytes.Buffer
	require.NoError(t, f.svc.Report(ctx, c.ID, &buf))
	assert.Equal(t, "Name,Phone,Status\nAni,6281234567890,sent\nBudi,6281234567891,failed\nCitra,62812345678920,sent\n", buf.String())

	delete(f.gw.failTo, "6281234567891@s.whatsapp.net")
	retry, err := f.svc.Retry(ctx, c.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "Promo (retry failed)", retry.Name)
	require.Len(t, retry.Contacts, 1)
	assert.Equal(t, "Budi", retry.Contacts[0].Name)
	f.waitIdle(t)

	got, err := f.svc.Get(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Results{Sent: 1, Total: 1}, got.Results)
}

func TestRetryRequiresFinishedCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at := fixedNow.Add(time.Hour)
	c, err := f.svc.Create(ctx, domain.CreateCampaignRequest{Contacts: contacts(), Message: "Halo", ScheduledAt: &at})
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, c.ID, false)
	assert.ErrorIs(t, err, domain.ErrNotFinished)
}

func TestStopIdleOngoingCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// an ongoing record with no live loop, as left behind by a restart
	c := domain.Campaign{ID: "cmp_orphan", Name: "Orphan", Contacts: contacts(), Message: "Halo", Status: domain.StatusOngoing}
	c.ResetOutcomes()
	require.NoError(t, c.Record(0, domain.OutcomeSent))
	require.NoError(t, f.store.Put(ctx, c))

	require.NoError(t, f.svc.Stop(ctx, c.ID))
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.Equal(t, []domain.Outcome{domain.OutcomeSent, domain.OutcomeStopped, domain.OutcomeStopped}, got.Outcomes)

	assert.ErrorIs(t, f.svc.Stop(ctx, c.ID), domain.ErrNotRunning)
}

func TestStopReachesLoopOnAnotherReplica(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	// replica A runs the loop with a long gap between contacts
	f.runner.Policy.DelayMin = 10 * time.Second
	f.runner.Policy.DelayMax = 10 * time.Second
	f.runner.Lock = lock.NewRedis(rc, "sender", time.Minute)
	f.runner.Signals = lock.NewSignals(rc, time.Hour)
	f.runner.Heartbeat = 5 * time.Millisecond

	// replica B shares the store and Redis but has no loop of its own
	other := &worker.Runner{
		Store:   f.store,
		Gateway: f.gw,
		Policy:  &antidetect.Policy{Tokens: antidetect.DefaultTokens},
		Tick:    time.Millisecond,
		Lock:    lock.NewRedis(rc, "sender", time.Minute),
	}
	svcB := *f.svc
	svcB.Runner = other

	c, err := f.svc.Create(ctx, domain.CreateCampaignRequest{Name: "Promo", Contacts: contacts(), Message: "Halo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		f.gw.mu.Lock()
		defer f.gw.mu.Unlock()
		return len(f.gw.sent) == 1
	}, 2*time.Second, time.Millisecond)

	// without a signal channel B must refuse rather than overwrite A's record
	assert.ErrorIs(t, svcB.Stop(ctx, c.ID), domain.ErrAlreadySending)
	got, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOngoing, got.Status)

	other.Signals = lock.NewSignals(rc, time.Hour)
	require.NoError(t, svcB.Stop(ctx, c.ID))
	f.waitIdle(t)

	got, err = f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, got.Status)
	assert.Equal(t, []domain.Outcome{domain.OutcomeSent, domain.OutcomeStopped, domain.OutcomeStopped}, got.Outcomes)
	f.gw.mu.Lock()
	assert.Len(t, f.gw.sent, 1)
	f.gw.mu.Unlock()
	assert.False(t, mr.Exists("stop:"+c.ID), "honoured signal is cleared")
	assert.Eventually(t, func() bool { return !mr.Exists("lock:sender") }, time.Second, time.Millisecond)
}

func TestDeleteRefusesOngoing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := domain.Campaign{ID: "cmp_live", Contacts: contacts(), Message: "Halo", Status: domain.StatusOngoing}
	c.ResetOutcomes()
	require.NoError(t, f.store.Put(ctx, c))
	assert.ErrorIs(t, f.svc.Delete(ctx, c.ID), domain.ErrCampaignActive)

	c.Status = domain.StatusStopped
	now := fixedNow
	c.CompletedAt = &now
	require.NoError(t, f.store.Put(ctx, c))
	require.NoError(t, f.svc.Delete(ctx, c.ID))

	_, err := f.svc.Get(ctx, c.ID)
	assert.Error(t, err)
}

func TestSendDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.SendDirect(ctx, domain.SendRequest{Destination: "081234567890", Message: "Halo"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	_, err = f.svc.SendDirect(ctx, domain.SendRequest{Destination: "120363@g.us", Message: "Halo grup", AttachmentImage: []byte{0x89, 'P', 'N', 'G'}})
	require.NoError(t, err)

	f.gw.mu.Lock()
	assert.Equal(t, []string{"6281234567890@s.whatsapp.net", "120363@g.us"}, f.gw.sent)
	assert.Equal(t, 1, f.gw.images)
	f.gw.mu.Unlock()

	_, err = f.svc.SendDirect(ctx, domain.SendRequest{Destination: "081234567890"})
	assert.ErrorIs(t, err, domain.ErrMissingFields)

	f.gw.mu.Lock()
	f.gw.connected = false
	f.gw.mu.Unlock()
	_, err = f.svc.SendDirect(ctx, domain.SendRequest{Destination: "081234567890", Message: "Halo"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}
