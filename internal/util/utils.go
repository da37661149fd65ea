package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

func NewCampaignID() string {
	// ULID is sortable, so ids also order campaigns by creation time
	return "cmp_" + newULID()
}

func NewActivityID() string {
	return "act_" + newULID()
}

func NewRequestID() string {
	return "req_" + newULID()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}
