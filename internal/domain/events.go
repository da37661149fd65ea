package domain

import "time"

type EventType string

const (
	EventStarted     EventType = "campaign_started"
	EventResumed     EventType = "campaign_resumed"
	EventContact     EventType = "contact_resolved"
	EventCompleted   EventType = "campaign_completed"
	EventStopped     EventType = "campaign_stopped"
	EventInterrupted EventType = "campaign_interrupted"

	// Recorded by the service, not the runner.
	EventCreated EventType = "campaign_created"
	EventDeleted EventType = "campaign_deleted"
	EventRetried EventType = "campaign_retried"
)

// CampaignEvent is what the runner publishes for dashboards. Keep it small; it crosses SQS.
type CampaignEvent struct {
	Type         EventType      `json:"type"`
	CampaignID   string         `json:"campaignId"`
	CampaignName string         `json:"campaignName,omitempty"`
	Status       CampaignStatus `json:"status"`
	Index        int            `json:"index"`
	Phone        string         `json:"phone,omitempty"`
	Outcome      Outcome        `json:"outcome,omitempty"`
	Results      Results        `json:"results"`
	Progress     int            `json:"progress"`
	Error        string         `json:"error,omitempty"`
	At           time.Time      `json:"at"`
}

// EventFor builds an event carrying the campaign's current counters.
func EventFor(t EventType, c *Campaign, at time.Time) CampaignEvent {
	return CampaignEvent{
		Type:         t,
		CampaignID:   c.ID,
		CampaignName: c.Name,
		Status:       c.Status,
		Index:        -1,
		Results:      c.Results,
		Progress:     c.Progress,
		Error:        c.LastError,
		At:           at,
	}
}
