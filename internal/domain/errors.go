package domain

import "errors"

// Precondition failures returned by Start and Resume. The campaign is left untouched.
var (
	ErrNotConnected = errors.New("gateway not connected")
	ErrNoContacts   = errors.New("campaign has no contacts")
	ErrEmptyMessage = errors.New("campaign message is empty")
)

var (
	ErrAlreadySending     = errors.New("another campaign is already sending")
	ErrNotResumable       = errors.New("campaign is not resumable")
	ErrNotStartable       = errors.New("campaign cannot be started")
	ErrNotRunning         = errors.New("campaign is not running")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrMissingFields      = errors.New("missing required fields")
	ErrImageTooLarge      = errors.New("image exceeds size limit")
	ErrCampaignActive     = errors.New("campaign is still ongoing")
	ErrNotFinished        = errors.New("campaign has not finished")
)
