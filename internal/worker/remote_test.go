package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"blast/internal/domain"
	"blast/internal/lock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestLockLostHaltsLoop(t *testing.T) {
	st, gw := newMemStore(t), newGateway()
	l := &fakeLock{loseAfter: 1}
	r := newTestRunner(st, gw)
	r.Lock = l

	c := newCampaign("lost", 3)
	run, err := r.Start(context.Background(), &c)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := waitDone(t, run); got != StateInterrupted {
		t.Fatalf("expected interrupted, got %s", got)
	}
	if !errors.Is(run.Err(), lock.ErrLost) {
		t.Fatalf("expected lock lost, got %v", run.Err())
	}
	if n := len(gw.sentTo()); n != 1 {
		t.Fatalf("expected no dispatch after the lock was lost, got %d", n)
	}

	rec, _ := st.Get(context.Background(), "lost")
	if rec.Status != domain.StatusOngoing || rec.NextIndex() != 1 {
		t.Fatalf("expected ongoing at index 1, got %s at %d", rec.Status, rec.NextIndex())
	}
}

func TestLockExtendedDuringDelay(t *testing.T) {
	st, gw := newMemStore(t), newGateway()
	l := &fakeLock{}
	r := newTestRunner(st, gw)
	r.Lock = l
	r.Heartbeat = 5 * time.Millisecond
	r.Policy.DelayMin = 60 * time.Millisecond
	r.Policy.DelayMax = 60 * time.Millisecond

	c := newCampaign("beat", 2)
	run, err := r.Start(context.Background(), &c)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, run)

	l.mu.Lock()
	defer l.mu.Unlock()
	// one per dispatch plus several while waiting between the two
	if l.extends < 5 {
		t.Fatalf("expected lock extended during the delay, got %d extends", l.extends)
	}
}

func TestLockLostDuringDelay(t *testing.T) {
	st, gw := newMemStore(t), newGateway()
	r := newTestRunner(st, gw)
	r.Lock = &fakeLock{loseAfter: 1}
	r.Heartbeat = 5 * time.Millisecond
	r.Policy.DelayMin = 10 * time.Second
	r.Policy.DelayMax = 10 * time.Second

	c := newCampaign("gap", 3)
	start := time.Now()
	run, err := r.Start(context.Background(), &c)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := waitDone(t, run); got != StateInterrupted {
		t.Fatalf("expected interrupted, got %s", got)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("loop kept waiting %s after losing the lock", waited)
	}
	if n := len(gw.sentTo()); n != 1 {
		t.Fatalf("expected 1 dispatch, got %d", n)
	}
}

func TestRemoteStopHaltsOtherRunner(t *testing.T) {
	mr, rc := newRedis(t)
	st, gw := newMemStore(t), newGateway()

	a := newTestRunner(st, gw)
	a.Lock = lock.NewRedis(rc, "sender", time.Minute)
	a.Signals = lock.NewSignals(rc, time.Hour)
	a.Heartbeat = 5 * time.Millisecond
	a.Policy.DelayMin = 10 * time.Second
	a.Policy.DelayMax = 10 * time.Second

	b := newTestRunner(st, gw)
	b.Lock = lock.NewRedis(rc, "sender", time.Minute)
	b.Signals = lock.NewSignals(rc, time.Hour)

	first := make(chan struct{})
	gw.onSend = func(call int) {
		if call == 0 {
			close(first)
		}
	}

	c := newCampaign("shared", 4)
	run, err := a.Start(context.Background(), &c)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-first

	if err := b.Stop("shared"); !errors.Is(err, domain.ErrNotRunning) {
		t.Fatalf("expected no local loop on b, got %v", err)
	}
	if _, err := b.Resume(context.Background(), "shared"); !errors.Is(err, domain.ErrAlreadySending) {
		t.Fatalf("expected b to be locked out, got %v", err)
	}
	if err := b.StopRemote(context.Background(), "shared"); err != nil {
		t.Fatalf("stop remote: %v", err)
	}
	if got := waitDone(t, run); got != StateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}

	final, _ := st.Get(context.Background(), "shared")
	want := outcomes(domain.OutcomeSent, domain.OutcomeStopped, domain.OutcomeStopped, domain.OutcomeStopped)
	if fmt.Sprint(final.Outcomes) != fmt.Sprint(want) || final.Status != domain.StatusStopped {
		t.Fatalf("unexpected final: %s %v", final.Status, final.Outcomes)
	}
	if n := len(gw.sentTo()); n != 1 {
		t.Fatalf("expected 1 dispatch, got %d", n)
	}
	if mr.Exists("stop:shared") {
		t.Fatalf("stop signal left behind")
	}
}

func TestStopRemoteWithoutHolder(t *testing.T) {
	cases := []struct {
		name    string
		lock    Lock
		signals bool
		want    error
	}{
		{"no lock configured", nil, false, domain.ErrNotRunning},
		{"lock free", &fakeLock{}, true, domain.ErrNotRunning},
		{"held elsewhere without signals", &fakeLock{elsewhere: true}, false, domain.ErrAlreadySending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rc := newRedis(t)
			r := newTestRunner(newMemStore(t), newGateway())
			r.Lock = tc.lock
			if tc.signals {
				r.Signals = lock.NewSignals(rc, time.Hour)
			}
			if err := r.StopRemote(context.Background(), "x"); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestClaimDoesNotHoldMutexDuringAcquire(t *testing.T) {
	st, gw := newMemStore(t), newGateway()
	l := &fakeLock{acquired: make(chan struct{}), gate: make(chan struct{})}
	r := newTestRunner(st, gw)
	r.Lock = l

	type result struct {
		run *Run
		err error
	}
	started := make(chan result, 1)
	c := newCampaign("slow", 1)
	go func() {
		run, err := r.Start(context.Background(), &c)
		started <- result{run, err}
	}()
	<-l.acquired

	// these must not wait on the pending Acquire
	if snap := r.Snapshot(); snap.State != StateIdle {
		t.Fatalf("unexpected snapshot while claiming: %+v", snap)
	}
	if r.Busy() {
		t.Fatalf("runner busy before the lock is held")
	}
	c2 := newCampaign("other", 1)
	if _, err := r.Start(context.Background(), &c2); !errors.Is(err, domain.ErrAlreadySending) {
		t.Fatalf("expected ErrAlreadySending during a pending claim, got %v", err)
	}

	close(l.gate)
	res := <-started
	if res.err != nil {
		t.Fatalf("start: %v", res.err)
	}
	waitDone(t, res.run)
}

func TestCloseDuringAcquireReleasesLock(t *testing.T) {
	st, gw := newMemStore(t), newGateway()
	l := &fakeLock{acquired: make(chan struct{}), gate: make(chan struct{})}
	r := newTestRunner(st, gw)
	r.Lock = l

	errCh := make(chan error, 1)
	c := newCampaign("late", 1)
	go func() {
		_, err := r.Start(context.Background(), &c)
		errCh <- err
	}()
	<-l.acquired

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(l.gate)
	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held || l.releases != 1 {
		t.Fatalf("expected the lock released, held=%v releases=%d", l.held, l.releases)
	}
	if st.putCount() != 0 {
		t.Fatalf("expected no writes")
	}
}

func TestPendingRemoteStopHaltsResume(t *testing.T) {
	mr, rc := newRedis(t)
	st, gw := newMemStore(t), newGateway()
	r := newTestRunner(st, gw)
	r.Lock = lock.NewRedis(rc, "sender", time.Minute)
	r.Signals = lock.NewSignals(rc, time.Hour)

	c := newCampaign("pending", 2)
	c.Status = domain.StatusOngoing
	c.ResetOutcomes()
	_ = st.Put(context.Background(), c)
	if err := r.Signals.RequestStop(context.Background(), "pending"); err != nil {
		t.Fatalf("request stop: %v", err)
	}

	run, err := r.Resume(context.Background(), "pending")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := waitDone(t, run); got != StateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	if n := len(gw.sentTo()); n != 0 {
		t.Fatalf("expected no dispatch, got %d", n)
	}
	if mr.Exists("stop:pending") {
		t.Fatalf("honoured stop signal left behind")
	}
}
