// Package redis keeps campaigns as JSON values with one sorted set per status.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"blast/internal/domain"
	"blast/internal/store"
)

var allStatuses = []domain.CampaignStatus{
	domain.StatusScheduled,
	domain.StatusOngoing,
	domain.StatusStopped,
	domain.StatusCompleted,
}

type Store struct {
	Client *goredis.Client
	Prefix string
}

func New(client *goredis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "blast"
	}
	return &Store{Client: client, Prefix: prefix}
}

func (s *Store) campaignKey(id string) string { return s.Prefix + ":campaign:" + id }

func (s *Store) statusKey(st domain.CampaignStatus) string { return s.Prefix + ":status:" + string(st) }

func (s *Store) historyKey() string { return s.Prefix + ":history" }

func (s *Store) activitiesKey() string { return s.Prefix + ":activities" }

// Put replaces the record and moves it to its status index in one MULTI/EXEC.
func (s *Store) Put(ctx context.Context, c domain.Campaign) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", c.ID, err)
	}
	score := float64(store.SortKey(c).UnixMilli())

	_, err = s.Client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.campaignKey(c.ID), b, 0)
		s.unindex(ctx, p, c.ID)
		p.ZAdd(ctx, s.statusKey(c.Status), goredis.Z{Score: score, Member: c.ID})
		if c.Status.Terminal() {
			p.ZAdd(ctx, s.historyKey(), goredis.Z{Score: score, Member: c.ID})
		}
		return nil
	})
	return err
}

func (s *Store) Get(ctx context.Context, id string) (domain.Campaign, error) {
	b, err := s.Client.Get(ctx, s.campaignKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return domain.Campaign{}, store.ErrNotFound
		}
		return domain.Campaign{}, err
	}
	var c domain.Campaign
	if err := json.Unmarshal(b, &c); err != nil {
		return domain.Campaign{}, fmt.Errorf("decode campaign %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	var ids []string
	var err error
	if status.Terminal() {
		ids, err = s.Client.ZRevRange(ctx, s.statusKey(status), 0, -1).Result()
	} else {
		ids, err = s.Client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.campaignKey(id)
	}
	vals, err := s.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Campaign, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index entry without a record: removed between ZRANGE and MGET
			continue
		}
		var c domain.Campaign
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode campaign %s: %w", ids[i], err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	n, err := s.Client.Exists(ctx, s.campaignKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return s.delete(ctx, id)
}

func (s *Store) PruneHistory(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	ids, err := s.Client.ZRevRange(ctx, s.historyKey(), int64(keep), -1).Result()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (s *Store) AppendActivity(ctx context.Context, a store.Activity, keep int) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.Client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, s.activitiesKey(), b)
		if keep > 0 {
			p.LTrim(ctx, s.activitiesKey(), 0, int64(keep-1))
		}
		return nil
	})
	return err
}

func (s *Store) ListActivities(ctx context.Context, limit int) ([]store.Activity, error) {
	if limit <= 0 {
		return nil, nil
	}
	vals, err := s.Client.LRange(ctx, s.activitiesKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]store.Activity, 0, len(vals))
	for _, v := range vals {
		var a store.Activity
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("decode activity: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.Client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.Client.Close() }

func (s *Store) delete(ctx context.Context, id string) error {
	_, err := s.Client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.campaignKey(id))
		s.unindex(ctx, p, id)
		return nil
	})
	return err
}

func (s *Store) unindex(ctx context.Context, p goredis.Pipeliner, id string) {
	for _, st := range allStatuses {
		p.ZRem(ctx, s.statusKey(st), id)
	}
	p.ZRem(ctx, s.historyKey(), id)
}
