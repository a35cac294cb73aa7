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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bcem/o365collector/internal/auth"
	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

func testTenant() models.Tenant {
	return models.Tenant{TenantID: "tenant-1", Alias: "acme", ClientID: "cid", ClientSecret: "secret"}
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	tenant := testTenant()
	c := New(tenant, auth.NewStaticCache(tenant.TenantID, "test-token"))
	c.baseURL = srv.URL
	return c
}

func TestStartSubscription_AlreadyEnabledIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing/incorrect bearer header: %q", got)
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"AF20024","message":"already enabled"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.StartSubscription(context.Background(), models.FeedExchange); err != nil {
		t.Fatalf("StartSubscription: %v", err)
	}
}

func TestStartSubscription_200IsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.StartSubscription(context.Background(), models.FeedAzureAD); err != nil {
		t.Fatalf("StartSubscription: %v", err)
	}
}

func TestStartSubscription_OtherFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":"AF20051","message":"forbidden"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.StartSubscription(context.Background(), models.FeedGeneral)
	if err == nil {
		t.Fatal("expected error")
	}
	if !ingesterr.Is(err, ingesterr.KindSubscribeFailed) {
		t.Errorf("expected KindSubscribeFailed, got %v", err)
	}
}

func TestListContent_FollowsPagination(t *testing.T) {
	var page2URL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/page2" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`[{"contentId":"c2"}]`))
			return
		}
		w.Header().Set("NextPageUri", page2URL)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"contentId":"c1"}]`))
	}))
	defer srv.Close()
	page2URL = srv.URL + "/page2"

	c := newTestClient(t, srv)
	blobs, err := c.ListContent(context.Background(), models.FeedExchange, models.TimeWindow{
		Start: time.Now().Add(-time.Hour),
		End:   time.Now(),
	})
	if err != nil {
		t.Fatalf("ListContent: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("expected 2 blobs across pages, got %d", len(blobs))
	}
}

func TestListContent_TransientStatusIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.ListContent(context.Background(), models.FeedExchange, models.TimeWindow{
		Start: time.Now().Add(-time.Hour), End: time.Now(),
	})
	var ie *ingesterr.Error
	if !errors.As(err, &ie) {
		t.Fatalf("expected *ingesterr.Error, got %T", err)
	}
	if !ie.Transient() {
		t.Error("503 should be classified as transient")
	}
}

func TestListContent_BadWindowIsWindowRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"AF20055","message":"start time and end time must both be specified"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.ListContent(context.Background(), models.FeedSharePoint, models.TimeWindow{
		Start: time.Now().Add(-time.Hour), End: time.Now(),
	})
	if !ingesterr.Is(err, ingesterr.KindWindowRejected) {
		t.Fatalf("expected KindWindowRejected, got %v", err)
	}
	var ie *ingesterr.Error
	if errors.As(err, &ie) && ie.Transient() {
		t.Error("a rejected window must not be retried under backoff")
	}
}

func TestFetchBlob_DecodesRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Id":"evt-1","Operation":"UserLoggedIn"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	records, err := c.FetchBlob(context.Background(), models.FeedAzureAD, models.BlobDescriptor{
		ContentID: "blob-1", ContentURI: srv.URL,
	})
	if err != nil {
		t.Fatalf("FetchBlob: %v", err)
	}
	if len(records) != 1 || records[0]["Id"] != "evt-1" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestFetchBlob_EnforcesSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Id":"evt-1","Operation":"UserLoggedIn","Extra":"padding-padding-padding"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.MaxBlobBytes = 10

	_, err := c.FetchBlob(context.Background(), models.FeedAzureAD, models.BlobDescriptor{
		ContentID: "blob-1", ContentURI: srv.URL,
	})
	if !ingesterr.Is(err, ingesterr.KindBlobTooLarge) {
		t.Fatalf("expected KindBlobTooLarge, got %v", err)
	}
}
