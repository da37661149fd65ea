package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"blast/internal/domain"
	"blast/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Put(ctx context.Context, c domain.Campaign) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", c.ID, err)
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, status, sort_at, payload, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (id)
		DO UPDATE SET status=EXCLUDED.status, sort_at=EXCLUDED.sort_at, payload=EXCLUDED.payload, updated_at=now()
	`, c.ID, string(c.Status), store.SortKey(c), b)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (domain.Campaign, error) {
	var payload []byte
	err := s.DB.QueryRow(ctx, `SELECT payload FROM campaigns WHERE id=$1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, store.ErrNotFound
		}
		return domain.Campaign{}, err
	}
	var c domain.Campaign
	if err := json.Unmarshal(payload, &c); err != nil {
		return domain.Campaign{}, fmt.Errorf("decode campaign %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	order := "ASC"
	if status.Terminal() {
		order = "DESC"
	}
	rows, err := s.DB.Query(ctx, `SELECT payload FROM campaigns WHERE status=$1 ORDER BY sort_at `+order+`, id `+order, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c domain.Campaign
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("decode campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Remove(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PruneHistory(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	ct, err := s.DB.Exec(ctx, `
		DELETE FROM campaigns WHERE id IN (
			SELECT id FROM campaigns
			WHERE status IN ('completed','stopped')
			ORDER BY sort_at DESC, id DESC
			OFFSET $1
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) AppendActivity(ctx context.Context, a store.Activity, keep int) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO activities (id, type, campaign_id, campaign_name, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, a.ID, string(a.Type), nullIfEmpty(a.CampaignID), nullIfEmpty(a.CampaignName), nullIfEmpty(a.Detail), a.At)
	if err != nil {
		return err
	}
	if keep > 0 {
		_, err = tx.Exec(ctx, `
			DELETE FROM activities WHERE id IN (
				SELECT id FROM activities ORDER BY at DESC, id DESC OFFSET $1
			)
		`, keep)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListActivities(ctx context.Context, limit int) ([]store.Activity, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, type, COALESCE(campaign_id,''), COALESCE(campaign_name,''), COALESCE(detail,''), at
		FROM activities ORDER BY at DESC, id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Activity
	for rows.Next() {
		var a store.Activity
		var typ string
		if err := rows.Scan(&a.ID, &typ, &a.CampaignID, &a.CampaignName, &a.Detail, &a.At); err != nil {
			return nil, err
		}
		a.Type = domain.EventType(typ)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
