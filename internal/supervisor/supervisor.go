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

// Package supervisor implements the collector's top-level loop: wait
// for the next tick (the first is immediate), run one cycle
// concurrently across every (tenant, feed) pair, aggregate and log
// per-pair statistics, then sleep. A graceful shutdown request stops new
// scheduling and lets in-flight work finish within a drain budget; a
// hard abort cancels it outright.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bcem/o365collector/internal/auth"
	"github.com/bcem/o365collector/internal/checkpoint"
	"github.com/bcem/o365collector/internal/dedup"
	"github.com/bcem/o365collector/internal/feed"
	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
	"github.com/bcem/o365collector/internal/retry"
	"github.com/bcem/o365collector/internal/sink"
	"github.com/bcem/o365collector/internal/subscription"
	"github.com/bcem/o365collector/internal/window"
)

// DefaultDrainTimeout bounds how long a graceful shutdown waits for
// in-flight fetches before aborting them.
const DefaultDrainTimeout = 30 * time.Second

// DefaultPairConcurrency bounds how many (tenant, feed) pairs a single
// cycle fans out to at once; per-pair fetch concurrency is governed
// separately by each tenant's feed.Scheduler (collect.maxThreads).
const DefaultPairConcurrency = 8

// DefaultMaxBlobBytes caps a single content blob's body size when
// Deps.MaxBlobBytes is not set; it bounds per-worker memory.
const DefaultMaxBlobBytes = 10 * 1024 * 1024

// tenantRuntime bundles the per-tenant collaborators a cycle needs. One
// is built per configured tenant and reused across every feed and cycle.
type tenantRuntime struct {
	tenant     models.Tenant
	client     *feed.Client
	discoverer *feed.Discoverer
	scheduler  *feed.Scheduler
}

// Supervisor owns every (tenant, feed) pair's pipeline and drives the
// collector's cycle loop. The Supervisor itself is single-threaded: at
// most one cycle runs at a time.
type Supervisor struct {
	tenants []*tenantRuntime
	feeds   []models.Feed
	subs    *subscription.Manager
	cps     *checkpoint.Store
	dd      *dedup.Cache
	out     *sink.Multiplexer

	plannerCfg      window.Config
	pairConcurrency int
	interval        time.Duration
	drainTimeout    time.Duration

	mu          sync.Mutex
	cycleCancel context.CancelFunc
}

// Deps bundles the constructed collaborators New needs, avoiding a
// constructor with a dozen positional arguments.
type Deps struct {
	Tenants         []models.Tenant
	Feeds           []models.Feed
	Tokens          *auth.Cache
	Subs            *subscription.Manager
	Checkpoints     *checkpoint.Store
	Dedup           *dedup.Cache
	Output          *sink.Multiplexer
	Interval        time.Duration
	Retries         int
	MaxThreads      int
	HoursToCollect  time.Duration
	OnlyFutureEvent bool
	MaxBlobBytes    int64
	PublisherID     string
	PairConcurrency int
	DrainTimeout    time.Duration
	// SkipKnownLogs, when false, bypasses the known-blob filter so every
	// listed blob is re-fetched; promotions still land in the durable
	// log so re-enabling the filter has history to work from.
	SkipKnownLogs bool
}

// refetchAll bypasses the known-blob check while keeping promotions
// durable, for collect.skipKnownLogs=false.
type refetchAll struct {
	inner feed.Deduper
}

func (r refetchAll) IsNew(ctx context.Context, contentID string) (bool, error) {
	return true, nil
}

func (r refetchAll) Promote(contentID string) error {
	return r.inner.Promote(contentID)
}

// New builds a Supervisor and its per-tenant runtimes from deps.
func New(deps Deps) *Supervisor {
	policy := retry.Default().WithMaxAttempts(deps.Retries)

	maxBlobBytes := deps.MaxBlobBytes
	if maxBlobBytes <= 0 {
		maxBlobBytes = DefaultMaxBlobBytes
	}

	var deduper feed.Deduper = deps.Dedup
	if !deps.SkipKnownLogs {
		deduper = refetchAll{inner: deps.Dedup}
	}

	tenants := make([]*tenantRuntime, 0, len(deps.Tenants))
	for _, t := range deps.Tenants {
		client := feed.New(t, deps.Tokens)
		client.MaxBlobBytes = maxBlobBytes
		client.PublisherID = deps.PublisherID
		tenants = append(tenants, &tenantRuntime{
			tenant:     t,
			client:     client,
			discoverer: feed.NewDiscoverer(client, policy),
			scheduler:  feed.NewScheduler(client, policy, deps.MaxThreads, deduper, deps.Output),
		})
	}

	pairConcurrency := deps.PairConcurrency
	if pairConcurrency <= 0 {
		pairConcurrency = DefaultPairConcurrency
	}
	drainTimeout := deps.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}

	return &Supervisor{
		tenants:         tenants,
		feeds:           deps.Feeds,
		subs:            deps.Subs,
		cps:             deps.Checkpoints,
		dd:              deps.Dedup,
		out:             deps.Output,
		plannerCfg:      window.Config{OnlyFutureEvents: deps.OnlyFutureEvent, HoursToCollect: deps.HoursToCollect},
		pairConcurrency: pairConcurrency,
		interval:        deps.Interval,
		drainTimeout:    drainTimeout,
	}
}

// pairStats is one (tenant, feed) pair's outcome for a cycle, used both
// for the per-pair log line and the cycle-level aggregate.
type pairStats struct {
	tenant string
	feed   models.Feed
	feed.Stats
	gapWarning bool
	err        error
}

// Run drives the cycle loop until ctx is cancelled (a graceful shutdown
// request). hardCtx, when cancelled, aborts any in-flight cycle work
// immediately — callers wire this to a second shutdown signal. Run also
// arms its own drain timer on ctx.Done so an in-flight cycle that
// overruns the drain budget is aborted the same way.
func (s *Supervisor) Run(ctx, hardCtx context.Context) error {
	go s.watchShutdown(ctx, hardCtx)

	immediate := true
	for {
		if !immediate {
			select {
			case <-time.After(s.interval):
			case <-ctx.Done():
				return s.finalize(hardCtx)
			}
		}
		immediate = false

		select {
		case <-ctx.Done():
			return s.finalize(hardCtx)
		default:
		}

		cycleCtx, cancel := context.WithCancel(hardCtx)
		s.mu.Lock()
		s.cycleCancel = cancel
		s.mu.Unlock()

		s.runCycle(cycleCtx)

		cancel()
		s.mu.Lock()
		s.cycleCancel = nil
		s.mu.Unlock()
	}
}

// RunOnce runs exactly one cycle and then finalizes, for --interactive
// mode. hardCtx cancellation still aborts the cycle immediately.
func (s *Supervisor) RunOnce(hardCtx context.Context) error {
	cycleCtx, cancel := context.WithCancel(hardCtx)
	s.mu.Lock()
	s.cycleCancel = cancel
	s.mu.Unlock()

	s.runCycle(cycleCtx)

	cancel()
	s.mu.Lock()
	s.cycleCancel = nil
	s.mu.Unlock()

	return s.finalize(hardCtx)
}

// watchShutdown cancels whatever cycle is in flight once the drain
// budget elapses after a graceful shutdown request, unless hardCtx is
// cancelled first (a second signal), in which case the caller's own
// cancellation already does the job.
func (s *Supervisor) watchShutdown(ctx, hardCtx context.Context) {
	select {
	case <-ctx.Done():
	case <-hardCtx.Done():
		return
	}

	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.mu.Lock()
		if s.cycleCancel != nil {
			slog.Warn("drain timeout exceeded, aborting in-flight cycle", "drain_timeout", s.drainTimeout)
			s.cycleCancel()
		}
		s.mu.Unlock()
	case <-hardCtx.Done():
	}
}

// finalize flushes every sink and persists the dedup log on the way out,
// under a fresh bounded context so a cancelled ctx doesn't also starve
// the shutdown work itself.
func (s *Supervisor) finalize(hardCtx context.Context) error {
	drainCtx, cancel := context.WithTimeout(hardCtx, s.drainTimeout)
	defer cancel()

	if err := s.out.Flush(drainCtx); err != nil {
		slog.Error("flush sinks during shutdown", "error", err)
	}
	s.dd.EndCycle(drainCtx)
	if err := s.out.Close(); err != nil {
		slog.Error("close sinks during shutdown", "error", err)
	}
	return s.dd.Close()
}

// runCycle fans out across every (tenant, feed) pair, bounded by
// pairConcurrency, and logs the per-pair and aggregate results. One
// pair's failure never cancels its siblings: pairs are independent.
func (s *Supervisor) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	start := time.Now()

	results := make(chan pairStats, len(s.tenants)*len(s.feeds))
	var g errgroup.Group
	g.SetLimit(s.pairConcurrency)

	for _, tr := range s.tenants {
		tr := tr
		for _, f := range s.feeds {
			f := f
			g.Go(func() error {
				results <- s.runPair(ctx, cycleID, tr, f)
				return nil
			})
		}
	}
	g.Wait()
	close(results)

	var agg feed.Stats
	failures := 0
	for r := range results {
		agg.BlobsSeen += r.BlobsSeen
		agg.BlobsSkipped += r.BlobsSkipped
		agg.BlobsFetched += r.BlobsFetched
		agg.RecordsEmitted += r.RecordsEmitted
		agg.Errors += r.Errors
		agg.Dropped += r.Dropped

		failed := r.Errors + r.Dropped
		slog.Info("cycle pair complete",
			"cycle_id", cycleID,
			"tenant", r.tenant,
			"feed", r.feed,
			"blobs_found", r.BlobsSeen,
			"successful", r.BlobsFetched,
			"failed", failed,
			"logs_saved", r.RecordsEmitted,
			"gap_warning", r.gapWarning,
		)
		if r.err != nil {
			failures++
			slog.Error("pair cycle failed", "cycle_id", cycleID, "tenant", r.tenant, "feed", r.feed, "error", r.err)
		}
	}

	// In-flight dedup claims are scoped to one cycle: clearing them here
	// is what lets a fetch-failed blob be rescheduled next cycle.
	s.dd.EndCycle(ctx)

	slog.Info("cycle complete",
		"cycle_id", cycleID,
		"duration", time.Since(start),
		"blobs_found", agg.BlobsSeen,
		"successful", agg.BlobsFetched,
		"failed", agg.Errors+agg.Dropped,
		"logs_saved", agg.RecordsEmitted,
		"pairs_failed", failures,
	)
}

// runPair runs one (tenant, feed)'s full cycle: ensure the subscription,
// plan windows against its checkpoint, discover and fetch each window's
// blobs, and advance the checkpoint once every window in the cycle
// drained cleanly.
func (s *Supervisor) runPair(ctx context.Context, cycleID string, tr *tenantRuntime, f models.Feed) pairStats {
	ps := pairStats{tenant: tr.tenant.Alias, feed: f}

	if err := s.subs.Ensure(ctx, tr.client, tr.tenant.TenantID, f); err != nil {
		ps.err = err
		return ps
	}

	cp, err := s.cps.Load(tr.tenant.TenantID, f)
	if err != nil {
		ps.err = ingesterr.Wrap(ingesterr.KindCheckpointWriteFailed, err)
		return ps
	}

	now := time.Now()
	plan := window.PlanWindows(cp, now, s.plannerCfg)
	ps.gapWarning = plan.GapWarning
	if plan.GapWarning {
		slog.Warn("checkpoint older than retention floor, clamping", "cycle_id", cycleID, "tenant", tr.tenant.Alias, "feed", f)
	}

	allDrained := true
	for _, w := range plan.Windows {
		blobs, err := tr.discoverer.Discover(ctx, f, w)
		if err != nil {
			slog.Error("window discovery failed", "cycle_id", cycleID, "tenant", tr.tenant.Alias, "feed", f, "error", err)
			allDrained = false
			if ps.err == nil {
				ps.err = err
			}
			continue
		}

		stats, err := tr.scheduler.Run(ctx, f, tr.tenant.Alias, blobs)
		ps.BlobsSeen += stats.BlobsSeen
		ps.BlobsSkipped += stats.BlobsSkipped
		ps.BlobsFetched += stats.BlobsFetched
		ps.RecordsEmitted += stats.RecordsEmitted
		ps.Errors += stats.Errors
		ps.Dropped += stats.Dropped
		if err != nil {
			allDrained = false
			if ps.err == nil {
				ps.err = err
			}
		}
	}

	if _, err := s.cps.Advance(tr.tenant.TenantID, f, cp, plan.AdvanceTo, time.Now(), allDrained); err != nil {
		slog.Error("checkpoint advance failed", "cycle_id", cycleID, "tenant", tr.tenant.Alias, "feed", f, "error", err)
		if ps.err == nil {
			ps.err = ingesterr.Wrap(ingesterr.KindCheckpointWriteFailed, err)
		}
	}

	return ps
}
