// Package sqlite is the local-only campaign store: one file, no server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"blast/internal/domain"
	"blast/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id       TEXT PRIMARY KEY,
	status   TEXT NOT NULL,
	sort_at  INTEGER NOT NULL,
	payload  BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS campaigns_status_sort_idx ON campaigns (status, sort_at);
CREATE TABLE IF NOT EXISTS activities (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	campaign_id   TEXT NOT NULL DEFAULT '',
	campaign_name TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '',
	at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS activities_at_idx ON activities (at);
`

type Store struct {
	DB *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Put(ctx context.Context, c domain.Campaign) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", c.ID, err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO campaigns (id, status, sort_at, payload) VALUES (?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET status=excluded.status, sort_at=excluded.sort_at, payload=excluded.payload
	`, c.ID, string(c.Status), store.SortKey(c).UnixNano(), b)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (domain.Campaign, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM campaigns WHERE id=?`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.DB.QueryContext(ctx, `SELECT payload FROM campaigns WHERE status=? ORDER BY sort_at `+order+`, id `+order, string(status))
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
	res, err := s.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PruneHistory(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM campaigns WHERE id IN (
			SELECT id FROM campaigns
			WHERE status IN ('completed','stopped')
			ORDER BY sort_at DESC, id DESC
			LIMIT -1 OFFSET ?
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) AppendActivity(ctx context.Context, a store.Activity, keep int) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activities (id, type, campaign_id, campaign_name, detail, at) VALUES (?,?,?,?,?,?)
	`, a.ID, string(a.Type), a.CampaignID, a.CampaignName, a.Detail, a.At.UnixNano()); err != nil {
		return err
	}
	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM activities WHERE id IN (
				SELECT id FROM activities ORDER BY at DESC, id DESC LIMIT -1 OFFSET ?
			)
		`, keep); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListActivities(ctx context.Context, limit int) ([]store.Activity, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, type, campaign_id, campaign_name, detail, at
		FROM activities ORDER BY at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Activity
	for rows.Next() {
		var a store.Activity
		var typ string
		var at int64
		if err := rows.Scan(&a.ID, &typ, &a.CampaignID, &a.CampaignName, &a.Detail, &at); err != nil {
			return nil, err
		}
		a.Type = domain.EventType(typ)
		a.At = time.Unix(0, at).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (s *Store) Close() error { return s.DB.Close() }
