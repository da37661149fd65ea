package domain

import (
	"fmt"
	"time"
)

type CampaignStatus string

const (
	StatusScheduled CampaignStatus = "scheduled"
	StatusOngoing   CampaignStatus = "ongoing"
	StatusStopped   CampaignStatus = "stopped"
	StatusCompleted CampaignStatus = "completed"
)

// Terminal reports whether the campaign has finished running and belongs to history.
func (s CampaignStatus) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

func ParseStatus(s string) (CampaignStatus, bool) {
	switch CampaignStatus(s) {
	case StatusScheduled, StatusOngoing, StatusStopped, StatusCompleted:
		return CampaignStatus(s), true
	}
	return "", false
}

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeStopped Outcome = "stopped"
)

type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Results struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// DelayRange overrides the default inter-send delay for one campaign. Zero values fall back to defaults.
type DelayRange struct {
	MinSeconds int `json:"minSeconds,omitempty"`
	MaxSeconds int `json:"maxSeconds,omitempty"`
}

type Campaign struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Contacts    []Contact      `json:"contacts"`
	Message     string         `json:"message"`
	Image       []byte         `json:"image,omitempty"`
	ImageMIME   string         `json:"imageMime,omitempty"`
	Status      CampaignStatus `json:"status"`
	Progress    int            `json:"progress"`
	Results     Results        `json:"results"`
	Outcomes    []Outcome      `json:"outcomes"`
	Delay       DelayRange     `json:"delay,omitempty"`
	ScheduledAt *time.Time     `json:"scheduledAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
}

// Clone returns a deep copy so a snapshot never aliases the runner's working record.
func (c Campaign) Clone() Campaign {
	out := c
	out.Contacts = append([]Contact(nil), c.Contacts...)
	out.Outcomes = append([]Outcome(nil), c.Outcomes...)
	if c.Image != nil {
		out.Image = append([]byte(nil), c.Image...)
	}
	out.ScheduledAt = cloneTime(c.ScheduledAt)
	out.StartedAt = cloneTime(c.StartedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return out
}

// ResetOutcomes prepares a campaign for its first run: every contact pending, counters zeroed.
func (c *Campaign) ResetOutcomes() {
	c.Outcomes = make([]Outcome, len(c.Contacts))
	for i := range c.Outcomes {
		c.Outcomes[i] = OutcomePending
	}
	c.Results = Results{Total: len(c.Contacts)}
	c.Progress = 0
}

// NextIndex is the first contact without a resolved outcome.
func (c *Campaign) NextIndex() int {
	return c.Results.Sent + c.Results.Failed
}

// Record resolves contact i as sent or failed. Each contact is resolved at most once.
func (c *Campaign) Record(i int, o Outcome) error {
	if i < 0 || i >= len(c.Outcomes) {
		return fmt.Errorf("record outcome: index %d out of range", i)
	}
	if c.Outcomes[i] != OutcomePending {
		return fmt.Errorf("record outcome: contact %d already %s", i, c.Outcomes[i])
	}
	switch o {
	case OutcomeSent:
		c.Results.Sent++
	case OutcomeFailed:
		c.Results.Failed++
	default:
		return fmt.Errorf("record outcome: unexpected outcome %q", o)
	}
	c.Outcomes[i] = o
	c.Progress = c.computeProgress()
	return nil
}

// MarkStopped backfills every still-pending contact from index from onward as stopped.
func (c *Campaign) MarkStopped(from int) {
	for i := from; i < len(c.Outcomes); i++ {
		if c.Outcomes[i] == OutcomePending {
			c.Outcomes[i] = OutcomeStopped
		}
	}
}

func (c *Campaign) Count(o Outcome) int {
	n := 0
	for _, v := range c.Outcomes {
		if v == o {
			n++
		}
	}
	return n
}

// CheckInvariant verifies sent+failed+pending+stopped == total and sent+failed <= total.
// Before a stop takes effect no contact is stopped, so sent+failed+pending == total.
func (c *Campaign) CheckInvariant() error {
	r := c.Results
	if r.Total != len(c.Contacts) || len(c.Outcomes) != r.Total {
		return fmt.Errorf("campaign %s: total %d, contacts %d, outcomes %d", c.ID, r.Total, len(c.Contacts), len(c.Outcomes))
	}
	if r.Sent+r.Failed > r.Total {
		return fmt.Errorf("campaign %s: sent %d + failed %d exceeds total %d", c.ID, r.Sent, r.Failed, r.Total)
	}
	if c.Count(OutcomeSent) != r.Sent || c.Count(OutcomeFailed) != r.Failed {
		return fmt.Errorf("campaign %s: counters do not match outcomes", c.ID)
	}
	if r.Sent+r.Failed+c.Count(OutcomePending)+c.Count(OutcomeStopped) != r.Total {
		return fmt.Errorf("campaign %s: outcomes do not sum to total", c.ID)
	}
	return nil
}

func (c *Campaign) computeProgress() int {
	if c.Results.Total == 0 {
		return 0
	}
	return (c.Results.Sent + c.Results.Failed) * 100 / c.Results.Total
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
