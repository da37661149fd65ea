package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Signals carries stop requests to whichever replica runs a campaign's send loop.
type Signals struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSignals(client *redis.Client, ttl time.Duration) *Signals {
	return &Signals{client: client, ttl: ttl}
}

func stopKey(campaignID string) string { return "stop:" + campaignID }

func (s *Signals) RequestStop(ctx context.Context, campaignID string) error {
	if err := s.client.Set(ctx, stopKey(campaignID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("signal stop %s: %w", campaignID, err)
	}
	return nil
}

func (s *Signals) StopRequested(ctx context.Context, campaignID string) (bool, error) {
	err := s.client.Get(ctx, stopKey(campaignID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read stop signal %s: %w", campaignID, err)
	}
	return true, nil
}

func (s *Signals) ClearStop(ctx context.Context, campaignID string) error {
	if err := s.client.Del(ctx, stopKey(campaignID)).Err(); err != nil {
		return fmt.Errorf("clear stop signal %s: %w", campaignID, err)
	}
	return nil
}
