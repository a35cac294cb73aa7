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

package feed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
	"github.com/bcem/o365collector/internal/retry"
)

// Deduper decides whether a content blob has already been fetched and
// promotes it to durable once every sink has accepted its records. The
// scheduler treats a blob as new-by-default if IsNew errors, so a dedup
// store outage degrades to at-least-once delivery rather than data loss.
type Deduper interface {
	IsNew(ctx context.Context, contentID string) (bool, error)
	Promote(contentID string) error
}

// Emitter hands a decoded record to the output stage.
type Emitter interface {
	Emit(ctx context.Context, r models.Record) error
}

// Scheduler fetches a discovered batch of blobs with bounded
// concurrency, skipping blobs the Deduper has already seen and retrying
// transient fetch failures under policy.
type Scheduler struct {
	client      *Client
	policy      retry.Policy
	concurrency int
	dedup       Deduper
	emit        Emitter
}

// NewScheduler builds a Scheduler. concurrency <= 0 is treated as 1.
func NewScheduler(client *Client, policy retry.Policy, concurrency int, dedup Deduper, emit Emitter) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{client: client, policy: policy, concurrency: concurrency, dedup: dedup, emit: emit}
}

// Stats summarizes one Run call for the per-cycle "Blobs found /
// successful / failed / logs saved" log line.
type Stats struct {
	BlobsSeen      int
	BlobsSkipped   int
	BlobsFetched   int
	RecordsEmitted int
	// Errors counts blobs that failed retryably (FetchFailed after
	// retry exhaustion, SinkFailed) — their presence means this window
	// was not fully drained and the caller must not advance the
	// checkpoint.
	Errors int
	// Dropped counts blobs that failed terminally (BlobTooLarge,
	// ParseFailed): logged, never promoted to durable dedup, but the
	// window still counts as drained.
	Dropped int
}

// Run fetches every blob in blobs, skipping duplicates and emitting each
// decoded record through s.emit. One blob's failure never cancels its
// siblings — a deliberately plain errgroup.Group, not WithContext — so a
// single bad blob costs only itself. The first error encountered is
// returned alongside the full Stats once every worker has finished.
func (s *Scheduler) Run(ctx context.Context, feed models.Feed, tenantAlias string, blobs []models.BlobDescriptor) (Stats, error) {
	var stats Stats
	stats.BlobsSeen = len(blobs)

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	results := make(chan blobResult, len(blobs))

	for _, b := range blobs {
		blob := b
		g.Go(func() error {
			results <- s.fetchOne(ctx, feed, tenantAlias, blob)
			return nil
		})
	}

	g.Wait()
	close(results)

	var firstErr error
	for r := range results {
		stats.BlobsSkipped += r.skipped
		stats.BlobsFetched += r.fetched
		stats.RecordsEmitted += r.emitted
		stats.Errors += r.errored
		stats.Dropped += r.dropped
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}

	return stats, firstErr
}

type blobResult struct {
	skipped int
	fetched int
	emitted int
	errored int
	dropped int
	err     error
}

func (s *Scheduler) fetchOne(ctx context.Context, feed models.Feed, tenantAlias string, blob models.BlobDescriptor) blobResult {
	isNew, err := s.dedup.IsNew(ctx, blob.ContentID)
	if err == nil && !isNew {
		return blobResult{skipped: 1}
	}

	var raw []map[string]any
	fetchErr := s.policy.Do(ctx, func() error {
		var err error
		raw, err = s.client.FetchBlob(ctx, feed, blob)
		return err
	})
	if fetchErr != nil {
		if ingesterr.Is(fetchErr, ingesterr.KindBlobTooLarge) || ingesterr.Is(fetchErr, ingesterr.KindParseFailed) {
			// Terminal: logged with content_id, never promoted, but
			// does not block checkpoint advancement.
			slog.Warn("dropping blob terminally", "feed", feed, "tenant", tenantAlias, "content_id", blob.ContentID, "error", fetchErr)
			return blobResult{dropped: 1}
		}
		return blobResult{errored: 1, err: fetchErr}
	}

	now := time.Now()
	emitted := 0
	for _, fields := range raw {
		rec := models.Record{
			OriginFeed: feed,
			TenantName: tenantAlias,
			ContentID:  blob.ContentID,
			IngestedAt: now,
			Fields:     fields,
		}
		if err := s.emit.Emit(ctx, rec); err != nil {
			return blobResult{fetched: 1, emitted: emitted, errored: 1, err: err}
		}
		emitted++
	}

	// Batching sinks only transmit on Flush, so flush the output before
	// treating this blob's records as accepted.
	if f, ok := s.emit.(interface{ Flush(context.Context) error }); ok {
		if err := f.Flush(ctx); err != nil {
			return blobResult{fetched: 1, emitted: emitted, errored: 1, err: err}
		}
	}

	// Every record this blob produced has now been accepted by every
	// configured sink: promote content_id from in-flight to durable so
	// it is never re-fetched.
	if err := s.dedup.Promote(blob.ContentID); err != nil {
		return blobResult{fetched: 1, emitted: emitted, errored: 1, err: err}
	}
	return blobResult{fetched: 1, emitted: emitted}
}
