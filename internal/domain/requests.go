package domain

import (
	"strings"
	"time"
)

type CreateCampaignRequest struct {
	Name        string     `json:"name"`
	Contacts    []Contact  `json:"contacts"`
	Message     string     `json:"message"`
	Image       []byte     `json:"image,omitempty"`
	ImageMIME   string     `json:"imageMime,omitempty"`
	Delay       DelayRange `json:"delay,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	// StartNow defaults to true when no schedule is given.
	StartNow *bool `json:"startNow,omitempty"`
}

func (r CreateCampaignRequest) Validate() error {
	if len(r.Contacts) == 0 {
		return ErrNoContacts
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// SendRequest is the single-message passthrough body.
type SendRequest struct {
	Destination     string `json:"destination"`
	Message         string `json:"message"`
	DisplayName     string `json:"displayName,omitempty"`
	AttachmentImage []byte `json:"attachmentImage,omitempty"`
}

func (r SendRequest) Validate() error {
	if strings.TrimSpace(r.Destination) == "" || strings.TrimSpace(r.Message) == "" {
		return ErrMissingFields
	}
	return nil
}

type SendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type RetryRequest struct {
	OnlyFailed bool `json:"onlyFailed"`
}

// GatewayStatus mirrors the gateway's /status response.
type GatewayStatus struct {
	Connected      bool   `json:"connected"`
	PendingQRImage string `json:"pendingQrImage,omitempty"`
	PhoneNumber    string `json:"phoneNumber,omitempty"`
}
