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

package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// inFlightTTL bounds how long a RedisMirror entry survives if ClearCycle
// is never called (e.g. the process crashes mid-cycle) — long enough to
// span one stalled cycle, short enough not to wedge the next one.
const inFlightTTL = 2 * time.Hour

// keyPrefix namespaces mirrored in-flight keys in the shared Redis set,
// scoped by cycleSet so unrelated collector deployments sharing a Redis
// instance don't collide.
const keyPrefix = "o365collector:inflight:"

// RedisMirror publishes in-flight content_ids to a Redis set shared by
// collector processes. It is write-only from the Cache's point of view:
// Cache.IsNew adds each claimed id to the set but never reads the set
// back, so an id claimed by another process is still scheduled locally.
// It never backs durability — see Cache's on-disk log for that — so a
// Redis outage never loses or incorrectly skips a blob.
type RedisMirror struct {
	rdb     *redis.Client
	setName string
}

// NewRedisMirror builds a Mirror over rdb, namespaced by cycleSet (e.g.
// the collector's deployment name) so multiple collector fleets can
// share one Redis instance without colliding.
func NewRedisMirror(rdb *redis.Client, cycleSet string) *RedisMirror {
	return &RedisMirror{rdb: rdb, setName: keyPrefix + cycleSet}
}

// MarkInFlight adds contentID to the shared set with a bounded TTL.
func (m *RedisMirror) MarkInFlight(ctx context.Context, contentID string) error {
	pipe := m.rdb.TxPipeline()
	pipe.SAdd(ctx, m.setName, contentID)
	pipe.Expire(ctx, m.setName, inFlightTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror in-flight %s: %w", contentID, err)
	}
	return nil
}

// ClearCycle drops the shared set at the end of a cycle.
func (m *RedisMirror) ClearCycle(ctx context.Context) error {
	if err := m.rdb.Del(ctx, m.setName).Err(); err != nil {
		return fmt.Errorf("clear in-flight mirror: %w", err)
	}
	return nil
}
