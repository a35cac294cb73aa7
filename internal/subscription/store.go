// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package subscription implements the Subscription Manager:
// before any discovery runs for a (tenant, feed) pair, a "start" call
// must have succeeded at least once. Store records the outcome of each
// start call in Postgres so operators can list which feeds are active
// per tenant. Manager.Ensure does not read it back: the start call is
// issued every cycle whether or not a Store is configured.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/o365collector/internal/models"
)

// Record is one persisted (tenant_id, feed) subscription's state.
type Record struct {
	TenantID     string
	Feed         models.Feed
	Status       string // "active" or "failed"
	LastVerified time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store provides CRUD operations for subscription state in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a subscription store backed by pool, ensuring the
// backing table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure subscription schema: %w", err)
	}
	slog.Info("subscription store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS feed_subscriptions (
			tenant_id     TEXT NOT NULL,
			feed          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'active',
			last_verified TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_error    TEXT DEFAULT '',
			created_at    TIMESTAMPTZ DEFAULT NOW(),
			updated_at    TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (tenant_id, feed)
		);
		CREATE INDEX IF NOT EXISTS idx_feed_subs_status ON feed_subscriptions(status);
	`)
	return err
}

// MarkActive records that (tenantID, feed) is subscribed as of now.
func (s *Store) MarkActive(ctx context.Context, tenantID string, feed models.Feed) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_subscriptions (tenant_id, feed, status, last_verified, last_error)
		VALUES ($1, $2, 'active', NOW(), '')
		ON CONFLICT (tenant_id, feed) DO UPDATE SET
			status        = 'active',
			last_verified = NOW(),
			last_error    = '',
			updated_at    = NOW()
	`, tenantID, string(feed))
	return err
}

// MarkFailed records that the start call failed for (tenantID, feed).
// The cycle for this pair fails; the next cycle will retry
// StartSubscription before discovery runs.
func (s *Store) MarkFailed(ctx context.Context, tenantID string, feed models.Feed, cause error) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_subscriptions (tenant_id, feed, status, last_verified, last_error)
		VALUES ($1, $2, 'failed', NOW(), $3)
		ON CONFLICT (tenant_id, feed) DO UPDATE SET
			status        = 'failed',
			last_verified = NOW(),
			last_error    = $3,
			updated_at    = NOW()
	`, tenantID, string(feed), cause.Error())
	return err
}

// ListActive returns every feed currently marked active for tenantID.
func (s *Store) ListActive(ctx context.Context, tenantID string) ([]models.Feed, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT feed FROM feed_subscriptions
		WHERE tenant_id = $1 AND status = 'active'
		ORDER BY feed
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []models.Feed
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		feeds = append(feeds, models.Feed(f))
	}
	return feeds, rows.Err()
}

// Get retrieves the persisted state for one (tenant, feed) pair, or nil
// if it has never been recorded.
func (s *Store) Get(ctx context.Context, tenantID string, feed models.Feed) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, feed, status, last_verified, last_error, created_at, updated_at
		FROM feed_subscriptions
		WHERE tenant_id = $1 AND feed = $2
	`, tenantID, string(feed))

	var r Record
	var feedStr string
	err := row.Scan(&r.TenantID, &feedStr, &r.Status, &r.LastVerified, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Feed = models.Feed(feedStr)
	return &r, nil
}
