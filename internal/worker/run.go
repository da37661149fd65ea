package worker

import (
	"sync"
	"time"

	"blast/internal/domain"
)

type RunState string

const (
	StateIdle        RunState = "idle"
	StateSending     RunState = "sending"
	StateStopping    RunState = "stopping"
	StateCompleted   RunState = "completed"
	StateStopped     RunState = "stopped"
	StateInterrupted RunState = "interrupted"
)

type haltReason int

const (
	haltNone haltReason = iota
	haltStop
	haltShutdown
	haltLockLost
)

// Snapshot is a read-only view of the active run for dashboards.
type Snapshot struct {
	State        RunState       `json:"state"`
	CampaignID   string         `json:"campaignId,omitempty"`
	CampaignName string         `json:"campaignName,omitempty"`
	Index        int            `json:"index"`
	Results      domain.Results `json:"results"`
	Progress     int            `json:"progress"`
	NextSendAt   *time.Time     `json:"nextSendAt,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Run is the handle for one send loop.
type Run struct {
	id   string
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// lastBeat is only touched by the loop goroutine.
	lastBeat time.Time

	mu     sync.Mutex
	why    haltReason
	snap   Snapshot
	err    error
	record domain.Campaign
}

func newRun(c *domain.Campaign) *Run {
	return &Run{
		id:   c.ID,
		quit: make(chan struct{}),
		done: make(chan struct{}),
		snap: Snapshot{
			State:        StateSending,
			CampaignID:   c.ID,
			CampaignName: c.Name,
			Index:        c.NextIndex(),
			Results:      c.Results,
			Progress:     c.Progress,
		},
	}
}

func (r *Run) ID() string { return r.id }

func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the loop exits and returns how it ended.
func (r *Run) Wait() RunState {
	<-r.done
	return r.State()
}

func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.State
}

// Err is the gateway outage that interrupted the run, if any.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Campaign is the final record once Done is closed.
func (r *Run) Campaign() domain.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.Clone()
}

func (r *Run) halt(why haltReason) {
	r.once.Do(func() {
		r.mu.Lock()
		r.why = why
		if why == haltStop {
			r.snap.State = StateStopping
		}
		r.mu.Unlock()
		close(r.quit)
	})
}

func (r *Run) halted() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

func (r *Run) reason() haltReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.why
}

func (r *Run) observe(c *domain.Campaign, index int, next time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Index = index
	r.snap.Results = c.Results
	r.snap.Progress = c.Progress
	if next.IsZero() {
		r.snap.NextSendAt = nil
	} else {
		r.snap.NextSendAt = &next
	}
}

func (r *Run) finish(c *domain.Campaign, state RunState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.State = state
	r.snap.Index = c.NextIndex()
	r.snap.Results = c.Results
	r.snap.Progress = c.Progress
	r.snap.NextSendAt = nil
	r.err = err
	if err != nil {
		r.snap.Error = err.Error()
	}
	r.record = c.Clone()
}

func (r *Run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.snap
	if s.NextSendAt != nil {
		t := *s.NextSendAt
		s.NextSendAt = &t
	}
	return s
}
