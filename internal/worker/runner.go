package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"blast/internal/antidetect"
	"blast/internal/domain"
	"blast/internal/lock"
	"blast/internal/observability"
	"blast/internal/providers/wagateway"
	"blast/internal/util"
)

var ErrClosed = errors.New("runner is shutting down")

type Store interface {
	Put(ctx context.Context, c domain.Campaign) error
	Get(ctx context.Context, id string) (domain.Campaign, error)
	PruneHistory(ctx context.Context, keep int) (int, error)
}

type Gateway interface {
	IsConnected(ctx context.Context) (bool, error)
	SendText(ctx context.Context, destination, text string) error
	SendImage(ctx context.Context, destination string, image []byte, mime, caption string) error
	SetPresence(ctx context.Context, destination string, state domain.Presence) error
}

// Lock is the cross-process half of the one-sender rule. Extend returns lock.ErrLost once
// another owner has the key.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
	HeldElsewhere(ctx context.Context) (bool, error)
}

// Signals relays a stop to a loop running in another process.
type Signals interface {
	RequestStop(ctx context.Context, campaignID string) error
	StopRequested(ctx context.Context, campaignID string) (bool, error)
	ClearStop(ctx context.Context, campaignID string) error
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.CampaignEvent) error
}

// Runner drives at most one campaign send loop at a time.
type Runner struct {
	Store   Store
	Gateway Gateway
	Policy  *antidetect.Policy
	Floor   *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
	Lock    Lock
	Signals Signals
	Events  Publisher

	// Tick is the granularity at which waits notice a stop.
	Tick            time.Duration
	// Heartbeat is how often a waiting loop extends the lock and polls Signals. It must
	// stay well under the lock TTL.
	Heartbeat       time.Duration
	PersistAttempts int
	HistoryLimit    int
	JIDDomain       string
	Now             func() time.Time
	Backoff         func(attempt int) time.Duration

	mu       sync.Mutex
	active   *Run
	claiming bool
	closed   bool
}

// NewGatewayBreaker trips only on outages; a rejected destination is a healthy answer.
func NewGatewayBreaker(failures uint32) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrGatewayUnavailable)
		},
	})
}

// Start begins a fresh run of c. Preconditions are checked before anything is written.
// On success c is updated to the persisted ongoing record.
func (r *Runner) Start(ctx context.Context, c *domain.Campaign) (*Run, error) {
	if err := r.checkReady(ctx, c); err != nil {
		return nil, err
	}
	if c.Status != "" && c.Status != domain.StatusScheduled {
		return nil, fmt.Errorf("%w: campaign %s is %s", domain.ErrNotStartable, c.ID, c.Status)
	}

	work := c.Clone()
	run, err := r.claim(ctx, &work)
	if err != nil {
		return nil, err
	}

	now := r.now()
	work.Status = domain.StatusOngoing
	work.StartedAt = &now
	work.CompletedAt = nil
	work.LastError = ""
	work.ResetOutcomes()
	if err := r.persist(ctx, &work); err != nil {
		r.unclaim(ctx, run)
		return nil, fmt.Errorf("persist started campaign: %w", err)
	}
	*c = work.Clone()

	observability.CampaignTransitions.WithLabelValues(string(domain.StatusOngoing)).Inc()
	slog.Info("campaign started", "campaign_id", work.ID, "total", work.Results.Total)
	r.publish(ctx, domain.EventFor(domain.EventStarted, &work, now))

	r.launch(ctx, run, &work)
	return run, nil
}

// Resume continues a persisted ongoing campaign at its first unresolved contact.
func (r *Runner) Resume(ctx context.Context, id string) (*Run, error) {
	c, err := r.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.StatusOngoing {
		return nil, fmt.Errorf("%w: campaign %s is %s", domain.ErrNotResumable, id, c.Status)
	}
	if err := r.checkReady(ctx, &c); err != nil {
		return nil, err
	}
	if err := c.CheckInvariant(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrNotResumable, err)
	}

	run, err := r.claim(ctx, &c)
	if err != nil {
		return nil, err
	}

	c.LastError = ""
	if err := r.persist(ctx, &c); err != nil {
		r.unclaim(ctx, run)
		return nil, fmt.Errorf("persist resumed campaign: %w", err)
	}

	slog.Info("campaign resumed", "campaign_id", c.ID, "index", c.NextIndex(), "total", c.Results.Total)
	r.publish(ctx, domain.EventFor(domain.EventResumed, &c, r.now()))

	r.launch(ctx, run, &c)
	return run, nil
}

// Stop asks the active run of id to halt. The contact in flight, if any, finishes first.
func (r *Runner) Stop(id string) error {
	r.mu.Lock()
	run := r.active
	r.mu.Unlock()

	if run == nil || run.id != id {
		return fmt.Errorf("%w: %s", domain.ErrNotRunning, id)
	}
	run.halt(haltStop)
	slog.Info("campaign stop requested", "campaign_id", id)
	return nil
}

// StopRemote asks a loop running in another process to halt id. ErrNotRunning means no
// other process holds the sender lock, so nothing is sending id anywhere.
func (r *Runner) StopRemote(ctx context.Context, id string) error {
	if r.Lock == nil {
		return fmt.Errorf("%w: %s", domain.ErrNotRunning, id)
	}
	held, err := r.Lock.HeldElsewhere(ctx)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("%w: %s", domain.ErrNotRunning, id)
	}
	if r.Signals == nil {
		return fmt.Errorf("%w: held by another instance", domain.ErrAlreadySending)
	}
	if err := r.Signals.RequestStop(ctx, id); err != nil {
		return err
	}
	slog.Info("campaign stop signalled to remote sender", "campaign_id", id)
	return nil
}

// Busy reports whether a send loop is active in this process.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	run := r.active
	r.mu.Unlock()

	if run == nil {
		return Snapshot{State: StateIdle}
	}
	return run.snapshot()
}

// Close interrupts the active run, leaving it ongoing for a later Resume, and waits for
// the loop to exit or ctx to expire.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	run := r.active
	r.mu.Unlock()

	if run == nil {
		return nil
	}
	run.halt(haltShutdown)
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) checkReady(ctx context.Context, c *domain.Campaign) error {
	ok, err := r.Gateway.IsConnected(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}
	if !ok {
		return domain.ErrNotConnected
	}
	if len(c.Contacts) == 0 {
		return domain.ErrNoContacts
	}
	if c.Message == "" {
		return domain.ErrEmptyMessage
	}
	return nil
}

// claim reserves the local slot, then takes the shared lock without holding r.mu so
// Snapshot and Stop never wait on Redis.
func (r *Runner) claim(ctx context.Context, c *domain.Campaign) (*Run, error) {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return nil, ErrClosed
	case r.active != nil:
		id := r.active.id
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadySending, id)
	case r.claiming:
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: another start is in progress", domain.ErrAlreadySending)
	}
	r.claiming = true
	r.mu.Unlock()

	acquired, err := r.acquireLock(ctx)

	r.mu.Lock()
	r.claiming = false
	if err == nil && r.closed {
		err = ErrClosed
	}
	if err != nil {
		r.mu.Unlock()
		if acquired {
			r.releaseLock(ctx)
		}
		return nil, err
	}
	run := newRun(c)
	r.active = run
	r.mu.Unlock()
	return run, nil
}

func (r *Runner) acquireLock(ctx context.Context) (bool, error) {
	if r.Lock == nil {
		return false, nil
	}
	ok, err := r.Lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: held by another instance", domain.ErrAlreadySending)
	}
	return true, nil
}

func (r *Runner) unclaim(ctx context.Context, run *Run) {
	r.mu.Lock()
	if r.active == run {
		r.active = nil
	}
	r.mu.Unlock()
	r.releaseLock(ctx)
	close(run.done)
}

func (r *Runner) launch(ctx context.Context, run *Run, c *domain.Campaign) {
	loopCtx := context.WithoutCancel(ctx)
	observability.Sending.Set(1)
	go r.loop(loopCtx, run, c)
}

func (r *Runner) loop(ctx context.Context, run *Run, c *domain.Campaign) {
	defer r.unclaim(ctx, run)
	defer observability.Sending.Set(0)

	total := len(c.Contacts)
	var outage error
	for i := c.NextIndex(); i < total; i++ {
		if run.halted() {
			break
		}
		run.observe(c, i, time.Time{})

		ok, err := r.processNext(ctx, run, c, i)
		if err != nil {
			outage = err
			break
		}
		if !ok {
			break
		}

		if i < total-1 {
			d := r.Policy.DelayFor(c.Delay)
			run.observe(c, i+1, r.now().Add(d))
			if !r.sleep(ctx, run, d) {
				break
			}
		}
	}

	now := r.now()
	switch {
	case c.NextIndex() >= total:
		c.Status = domain.StatusCompleted
		c.Progress = 100
		c.CompletedAt = &now
		r.finishTerminal(ctx, run, c, StateCompleted, domain.EventCompleted)

	case run.reason() == haltStop:
		c.MarkStopped(c.NextIndex())
		c.Status = domain.StatusStopped
		c.CompletedAt = &now
		r.finishTerminal(ctx, run, c, StateStopped, domain.EventStopped)
		if r.Signals != nil {
			if err := r.Signals.ClearStop(ctx, c.ID); err != nil {
				slog.Warn("clear stop signal failed", "campaign_id", c.ID, "err", err)
			}
		}

	case run.reason() == haltLockLost:
		// Another process may own the campaign now; its record must not be overwritten.
		run.finish(c, StateInterrupted, lock.ErrLost)
		slog.Error("sender lock lost, loop halted", "campaign_id", c.ID, "index", c.NextIndex())
		r.publish(ctx, domain.EventFor(domain.EventInterrupted, c, now))

	default:
		// Outage or shutdown: stays ongoing so Resume picks up at the unresolved contact.
		if outage != nil {
			c.LastError = outage.Error()
			_ = r.persist(ctx, c)
		}
		run.finish(c, StateInterrupted, outage)
		slog.Warn("campaign interrupted", "campaign_id", c.ID, "index", c.NextIndex(), "err", outage)
		r.publish(ctx, domain.EventFor(domain.EventInterrupted, c, now))
	}
}

// processNext resolves contact i. It returns false without error when the run halted
// before dispatch, and an error only for a gateway outage.
func (r *Runner) processNext(ctx context.Context, run *Run, c *domain.Campaign, i int) (bool, error) {
	contact := c.Contacts[i]
	dest := util.Destination(contact.Phone, r.JIDDomain)
	text := r.Policy.Compose(c.Message, contact)

	typing := r.Policy.ComposingDuration()
	slot, ok := r.waitFloor(ctx, run, typing)
	if !ok {
		return false, nil
	}
	if !r.Policy.SimulateComposing(ctx, r.Gateway, dest, typing, run.quit) || !r.heartbeat(ctx, run, true) {
		slot.cancel()
		return false, nil
	}

	// Once dispatched the call runs to completion; a stop is honoured afterwards.
	err := r.dispatch(ctx, c, dest, text)
	if errors.Is(err, domain.ErrGatewayUnavailable) {
		return false, err
	}

	outcome := domain.OutcomeSent
	if err != nil {
		outcome = domain.OutcomeFailed
	}
	if recErr := c.Record(i, outcome); recErr != nil {
		// Only reachable if the loop revisits a resolved index.
		slog.Error("record outcome failed", "campaign_id", c.ID, "index", i, "err", recErr)
		return false, nil
	}
	observability.ContactOutcomes.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		slog.Info("contact failed", "campaign_id", c.ID, "index", i, "phone", contact.Phone, "err", err)
	} else {
		slog.Info("contact sent", "campaign_id", c.ID, "index", i, "phone", contact.Phone)
	}

	_ = r.persist(ctx, c)
	run.observe(c, i+1, time.Time{})

	ev := domain.EventFor(domain.EventContact, c, r.now())
	ev.Index = i
	ev.Phone = contact.Phone
	ev.Outcome = outcome
	if err != nil {
		ev.Error = err.Error()
	}
	r.publish(ctx, ev)
	return true, nil
}

func (r *Runner) dispatch(ctx context.Context, c *domain.Campaign, dest, text string) error {
	call := func() (any, error) {
		if len(c.Image) > 0 {
			return nil, r.Gateway.SendImage(ctx, dest, c.Image, c.ImageMIME, text)
		}
		return nil, r.Gateway.SendText(ctx, dest, text)
	}

	start := time.Now()
	var err error
	if r.Breaker == nil {
		_, err = call()
	} else {
		_, err = r.Breaker.Execute(call)
	}
	observability.GatewaySendLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	return err
}

func (r *Runner) finishTerminal(ctx context.Context, run *Run, c *domain.Campaign, state RunState, ev domain.EventType) {
	_ = r.persist(ctx, c)
	observability.CampaignTransitions.WithLabelValues(string(c.Status)).Inc()
	run.finish(c, state, nil)
	slog.Info("campaign finished",
		"campaign_id", c.ID,
		"status", c.Status,
		"sent", c.Results.Sent,
		"failed", c.Results.Failed,
		"stopped", c.Count(domain.OutcomeStopped),
		"total", c.Results.Total,
	)
	r.publish(ctx, domain.EventFor(ev, c, r.now()))

	if r.HistoryLimit > 0 {
		if n, err := r.Store.PruneHistory(ctx, r.HistoryLimit); err != nil {
			slog.Warn("prune history failed", "err", err)
		} else if n > 0 {
			slog.Info("history pruned", "removed", n, "keep", r.HistoryLimit)
		}
	}
}

// persist writes a copy of c, retrying before giving up. The loop carries on either way.
func (r *Runner) persist(ctx context.Context, c *domain.Campaign) error {
	attempts := r.PersistAttempts
	if attempts < 1 {
		attempts = 1
	}
	snapshot := c.Clone()

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = r.Store.Put(ctx, snapshot); err == nil {
			return nil
		}
		observability.StoreWriteFailures.Inc()
		if attempt < attempts-1 {
			slog.Warn("persist campaign failed, retrying", "campaign_id", c.ID, "attempt", attempt+1, "err", err)
			time.Sleep(r.backoff(attempt))
		}
	}
	slog.Error("persist campaign failed", "campaign_id", c.ID, "attempts", attempts, "err", err)
	return err
}

func (r *Runner) publish(ctx context.Context, ev domain.CampaignEvent) {
	if r.Events == nil {
		return
	}
	if err := r.Events.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues("error").Inc()
		slog.Warn("publish campaign event failed", "campaign_id", ev.CampaignID, "type", ev.Type, "err", err)
		return
	}
	observability.EventsPublished.WithLabelValues("ok").Inc()
}

type floorSlot struct{ res *rate.Reservation }

func (s floorSlot) cancel() {
	if s.res != nil {
		s.res.Cancel()
	}
}

// waitFloor reserves the next dispatch slot of the rate floor and waits until only lead
// remains before it, so composing ends when the slot opens. The floor applies on top of
// whatever delay range the campaign asked for.
func (r *Runner) waitFloor(ctx context.Context, run *Run, lead time.Duration) (floorSlot, bool) {
	if r.Floor == nil {
		return floorSlot{}, true
	}
	now := time.Now()
	res := r.Floor.ReserveN(now.Add(lead), 1)
	if !res.OK() {
		return floorSlot{}, true
	}
	if d := res.DelayFrom(now) - lead; d > 0 && !r.sleep(ctx, run, d) {
		res.Cancel()
		return floorSlot{}, false
	}
	return floorSlot{res: res}, true
}

// sleep waits d in Tick steps and returns false as soon as the run is halted. The lock
// and stop signals are serviced along the way.
func (r *Runner) sleep(ctx context.Context, run *Run, d time.Duration) bool {
	tick := r.Tick
	if tick <= 0 {
		tick = time.Second
	}
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := tick
		if remaining < step {
			step = remaining
		}
		t := time.NewTimer(step)
		select {
		case <-t.C:
		case <-run.quit:
			t.Stop()
			return false
		}
		if !r.heartbeat(ctx, run, false) {
			return false
		}
	}
}

// heartbeat extends the sender lock and polls for a remote stop, at most once per
// Heartbeat unless forced. It halts the run and returns false when the loop must end.
func (r *Runner) heartbeat(ctx context.Context, run *Run, force bool) bool {
	if run.halted() {
		return false
	}
	if r.Lock == nil && r.Signals == nil {
		return true
	}
	if !force && time.Since(run.lastBeat) < r.heartbeatEvery() {
		return true
	}
	run.lastBeat = time.Now()

	if r.Lock != nil {
		err := r.Lock.Extend(ctx)
		switch {
		case errors.Is(err, lock.ErrLost):
			run.halt(haltLockLost)
			return false
		case err != nil:
			slog.Warn("extend sender lock failed", "campaign_id", run.id, "err", err)
		}
	}
	if r.Signals != nil {
		stop, err := r.Signals.StopRequested(ctx, run.id)
		if err != nil {
			slog.Warn("read stop signal failed", "campaign_id", run.id, "err", err)
		} else if stop {
			slog.Info("remote stop received", "campaign_id", run.id)
			run.halt(haltStop)
			return false
		}
	}
	return true
}

func (r *Runner) heartbeatEvery() time.Duration {
	if r.Heartbeat > 0 {
		return r.Heartbeat
	}
	return 10 * time.Second
}

func (r *Runner) releaseLock(ctx context.Context) {
	if r.Lock == nil {
		return
	}
	if err := r.Lock.Release(ctx); err != nil {
		slog.Warn("release sender lock failed", "err", err)
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) backoff(attempt int) time.Duration {
	if r.Backoff != nil {
		return r.Backoff(attempt)
	}
	return wagateway.Backoff(attempt)
}
