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

package subscription

import (
	"context"
	"log/slog"

	"github.com/bcem/o365collector/internal/models"
)

// Starter is the narrow slice of feed.Client the Manager needs: a single
// idempotent "start" call per (tenant, feed).
type Starter interface {
	StartSubscription(ctx context.Context, feed models.Feed) error
}

// Manager ensures a (tenant, feed) pair is subscribed before the Blob
// Discoverer runs against it. Ensure calls StartSubscription every cycle
// (cheap and idempotent) with or without a Store. Store is optional: it
// only records each outcome, and without one ListActive has nothing to
// report.
type Manager struct {
	store *Store
}

// NewManager builds a Manager. store may be nil.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Ensure issues the idempotent subscription-start call for (tenant, feed)
// via client. HTTP 200 and the "already subscribed" 400 are both
// success; any other failure is returned to the caller, which fails
// this (tenant, feed) pair for the cycle without touching its checkpoint.
func (m *Manager) Ensure(ctx context.Context, client Starter, tenantID string, feed models.Feed) error {
	err := client.StartSubscription(ctx, feed)
	if m.store == nil {
		return err
	}
	if err != nil {
		if merr := m.store.MarkFailed(ctx, tenantID, feed, err); merr != nil {
			slog.Error("failed to record subscription failure", "tenant", tenantID, "feed", feed, "error", merr)
		}
		return err
	}
	if merr := m.store.MarkActive(ctx, tenantID, feed); merr != nil {
		slog.Error("failed to record subscription success", "tenant", tenantID, "feed", feed, "error", merr)
	}
	return nil
}

// ListActive reports the feeds currently marked active for tenantID. It
// returns an empty slice, not an error, when no Store is configured —
// callers that only need Ensure's side effects should not have to
// special-case a nil Manager dependency.
func (m *Manager) ListActive(ctx context.Context, tenantID string) ([]models.Feed, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListActive(ctx, tenantID)
}
