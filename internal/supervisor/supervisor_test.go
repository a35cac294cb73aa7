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

package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcem/o365collector/internal/auth"
	"github.com/bcem/o365collector/internal/checkpoint"
	"github.com/bcem/o365collector/internal/dedup"
	"github.com/bcem/o365collector/internal/feed"
	"github.com/bcem/o365collector/internal/models"
	"github.com/bcem/o365collector/internal/retry"
	"github.com/bcem/o365collector/internal/sink"
	"github.com/bcem/o365collector/internal/subscription"
	"github.com/bcem/o365collector/internal/window"
)

// memSink is a minimal in-memory sink.Sink for supervisor tests.
type memSink struct {
	mu      sync.Mutex
	records []models.Record
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Accept(ctx context.Context, r models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memSink) Flush(ctx context.Context) error { return nil }
func (s *memSink) Close() error                    { return nil }

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// activityAPI is a stub of the Management Activity API serving one
// tenant's subscription-start, content-listing and blob-download calls.
type activityAPI struct {
	srv        *httptest.Server
	blobsByTID map[string][]models.BlobDescriptor
}

func newActivityAPI(t *testing.T, tenantID string, blobs []models.BlobDescriptor) *activityAPI {
	t.Helper()
	a := &activityAPI{blobsByTID: map[string][]models.BlobDescriptor{tenantID: blobs}}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+tenantID+"/activity/feed/subscriptions/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/"+tenantID+"/activity/feed/subscriptions/content", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := "["
		for i, b := range a.blobsByTID[tenantID] {
			if i > 0 {
				enc += ","
			}
			enc += fmt.Sprintf(`{"contentId":%q,"contentUri":%q}`, b.ContentID, b.ContentURI)
		}
		enc += "]"
		w.Write([]byte(enc))
	})
	mux.HandleFunc("/blobs/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/blobs/")
		w.Write([]byte(fmt.Sprintf(`[{"Id":%q}]`, id)))
	})

	a.srv = httptest.NewServer(mux)
	// blob ContentURI values reference the server itself, so fix them up
	// now that the URL is known.
	for i, b := range a.blobsByTID[tenantID] {
		a.blobsByTID[tenantID][i].ContentURI = a.srv.URL + "/blobs/" + b.ContentID
	}
	t.Cleanup(a.srv.Close)
	return a
}

func testTenant(tenantID string) models.Tenant {
	return models.Tenant{TenantID: tenantID, Alias: "acme", ClientID: "cid", ClientSecret: "secret"}
}

func newTenantRuntime(t *testing.T, tenant models.Tenant, api *activityAPI, out *sink.Multiplexer, dd *dedup.Cache, concurrency int) *tenantRuntime {
	t.Helper()
	client := feed.NewWithBaseURL(tenant, auth.NewStaticCache(tenant.TenantID, "test-token"), api.srv.URL)
	policy := testPolicy()
	return &tenantRuntime{
		tenant:     tenant,
		client:     client,
		discoverer: feed.NewDiscoverer(client, policy),
		scheduler:  feed.NewScheduler(client, policy, concurrency, dd, out),
	}
}

func TestRunPair_HistoricalBackfillAdvancesCheckpoint(t *testing.T) {
	tenant := testTenant("tenant-1")
	api := newActivityAPI(t, tenant.TenantID, []models.BlobDescriptor{{ContentID: "b1"}, {ContentID: "b2"}})

	dir := t.TempDir()
	dd, err := dedup.Open(dedup.DefaultPath(dir), 0)
	if err != nil {
		t.Fatalf("dedup.Open: %v", err)
	}
	defer dd.Close()

	mem := &memSink{}
	out := sink.NewMultiplexer(mem)
	tr := newTenantRuntime(t, tenant, api, out, dd, 4)

	s := &Supervisor{
		tenants: []*tenantRuntime{tr},
		feeds:   []models.Feed{models.FeedAzureAD},
		subs:    subscription.NewManager(nil),
		cps:     checkpoint.NewStore(dir),
		dd:      dd,
		out:     out,
	}

	ps := s.runPair(context.Background(), "cid-1", tr, models.FeedAzureAD)
	if ps.err != nil {
		t.Fatalf("runPair: %v", ps.err)
	}
	if ps.BlobsFetched != 2 || ps.RecordsEmitted != 2 {
		t.Fatalf("unexpected stats: %+v", ps)
	}
	if mem.count() != 2 {
		t.Fatalf("expected 2 records delivered to the sink, got %d", mem.count())
	}

	cp, err := s.cps.Load(tenant.TenantID, models.FeedAzureAD)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.FirstRun {
		t.Fatal("expected first_run to clear after a fully drained cycle")
	}
	if !dd.Contains("b1") || !dd.Contains("b2") {
		t.Fatal("expected both blobs promoted to durable dedup")
	}
}

func TestRunPair_OnlyFutureEventsFirstRunAdvancesWithoutFetching(t *testing.T) {
	tenant := testTenant("tenant-2")
	api := newActivityAPI(t, tenant.TenantID, nil)

	dir := t.TempDir()
	dd, err := dedup.Open(dedup.DefaultPath(dir), 0)
	if err != nil {
		t.Fatalf("dedup.Open: %v", err)
	}
	defer dd.Close()

	out := sink.NewMultiplexer(&memSink{})
	tr := newTenantRuntime(t, tenant, api, out, dd, 2)

	s := &Supervisor{
		tenants:    []*tenantRuntime{tr},
		feeds:      []models.Feed{models.FeedExchange},
		subs:       subscription.NewManager(nil),
		cps:        checkpoint.NewStore(dir),
		dd:         dd,
		out:        out,
		plannerCfg: window.Config{OnlyFutureEvents: true},
	}

	ps := s.runPair(context.Background(), "cid-2", tr, models.FeedExchange)
	if ps.err != nil {
		t.Fatalf("runPair: %v", ps.err)
	}
	if ps.BlobsSeen != 0 {
		t.Fatalf("expected no windows discovered on an only_future_events first run, got %+v", ps)
	}

	cp, err := s.cps.Load(tenant.TenantID, models.FeedExchange)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp.FirstRun {
		t.Fatal("expected first_run to clear even without any windows")
	}
}

func TestRunPair_SubscribeFailureLeavesCheckpointUntouched(t *testing.T) {
	tenant := testTenant("tenant-3")
	mux := http.NewServeMux()
	mux.HandleFunc("/"+tenant.TenantID+"/activity/feed/subscriptions/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"AF20051"}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	dd, err := dedup.Open(dedup.DefaultPath(dir), 0)
	if err != nil {
		t.Fatalf("dedup.Open: %v", err)
	}
	defer dd.Close()

	out := sink.NewMultiplexer(&memSink{})
	client := feed.NewWithBaseURL(tenant, auth.NewStaticCache(tenant.TenantID, "test-token"), srv.URL)
	tr := &tenantRuntime{
		tenant:     tenant,
		client:     client,
		discoverer: feed.NewDiscoverer(client, testPolicy()),
		scheduler:  feed.NewScheduler(client, testPolicy(), 1, dd, out),
	}

	cps := checkpoint.NewStore(dir)
	s := &Supervisor{
		tenants: []*tenantRuntime{tr},
		feeds:   []models.Feed{models.FeedGeneral},
		subs:    subscription.NewManager(nil),
		cps:     cps,
		dd:      dd,
		out:     out,
	}

	ps := s.runPair(context.Background(), "cid-3", tr, models.FeedGeneral)
	if ps.err == nil {
		t.Fatal("expected the subscribe failure to propagate")
	}

	cp, err := cps.Load(tenant.TenantID, models.FeedGeneral)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cp.FirstRun {
		t.Fatal("a subscribe failure must never touch the checkpoint")
	}
}

func TestRun_AlreadyCancelledContextShutsDownWithoutACycle(t *testing.T) {
	dir := t.TempDir()
	dd, err := dedup.Open(dedup.DefaultPath(dir), 0)
	if err != nil {
		t.Fatalf("dedup.Open: %v", err)
	}
	out := sink.NewMultiplexer()

	s := &Supervisor{
		cps:          checkpoint.NewStore(dir),
		dd:           dd,
		out:          out,
		interval:     time.Hour,
		drainTimeout: time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Run(ctx, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunOnce_RunsExactlyOneCycle(t *testing.T) {
	tenant := testTenant("tenant-4")
	api := newActivityAPI(t, tenant.TenantID, []models.BlobDescriptor{{ContentID: "b1"}})

	dir := t.TempDir()
	dd, err := dedup.Open(dedup.DefaultPath(dir), 0)
	if err != nil {
		t.Fatalf("dedup.Open: %v", err)
	}

	mem := &memSink{}
	out := sink.NewMultiplexer(mem)
	tr := newTenantRuntime(t, tenant, api, out, dd, 2)

	s := &Supervisor{
		tenants:         []*tenantRuntime{tr},
		feeds:           []models.Feed{models.FeedAzureAD},
		subs:            subscription.NewManager(nil),
		cps:             checkpoint.NewStore(dir),
		dd:              dd,
		out:             out,
		pairConcurrency: DefaultPairConcurrency,
		drainTimeout:    time.Second,
	}

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if mem.count() != 1 {
		t.Fatalf("expected one record delivered, got %d", mem.count())
	}
}

// testPolicy keeps any accidental retry in these tests fast.
func testPolicy() retry.Policy {
	return retry.Policy{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 1}
}
