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

// Package feed implements a client for the Office 365 Management Activity
// API: subscription activation, content listing, and blob download.
// One Client is bound to a single tenant; callers
// choose the feed per call so a tenant's five subscriptions share one
// underlying HTTP transport and token cache entry.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/bcem/o365collector/internal/auth"
	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// alreadyEnabledCode is the Management API's error code for "the
// subscription is already enabled", returned as an HTTP 400 and treated
// identically to a fresh 200 start.
const alreadyEnabledCode = "AF20024"

// badWindowCode is the Management API's error code for a content-listing
// request whose time range is malformed (too wide, inverted, or past
// retention). It fails the window without retrying; the checkpoint stays
// put so the next cycle re-plans it.
const badWindowCode = "AF20055"

// Client talks to one tenant's Management Activity API endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tenant     models.Tenant
	tokens     *auth.Cache

	// MaxBlobBytes caps a single content blob's body size; exceeding it
	// fails the blob with BlobTooLarge. Zero means no cap.
	MaxBlobBytes int64

	// PublisherID is sent as the PublisherIdentifier query parameter on
	// subscription-start and content-listing calls. It puts the calls
	// against the publisher's own throttling quota instead of the
	// tenant's. Empty means omit it.
	PublisherID string
}

// New builds a Client for tenant, using retryablehttp for transport-level
// retries distinct from the application-level retry.Policy the caller
// wraps list/fetch calls in. retryablehttp's default policy retries
// connection errors as well as 429 and 5xx (except 501) responses; a
// response still failing after that reaches the caller as an error with
// no HTTP status, which ingesterr classifies as transient.
func New(tenant models.Tenant, tokens *auth.Cache) *Client {
	rc := retryablehttp.NewClient()
	// Transport-level retries are kept shallow (one extra attempt): the
	// application-level retry.Policy wrapping ListContent/FetchBlob
	// already handles the backoff schedule.
	rc.RetryMax = 1
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 250 * time.Millisecond
	rc.HTTPClient.Timeout = 60 * time.Second
	rc.Logger = nil
	return &Client{
		httpClient:   rc.StandardClient(),
		baseURL:      auth.ManagementHostFor(tenant.Variant),
		tenant:       tenant,
		tokens:       tokens,
		MaxBlobBytes: 0,
	}
}

// NewWithBaseURL builds a Client like New but pointed at an explicit base
// URL instead of the variant-derived Management host, so other packages'
// tests can wire a *Client to an httptest.Server.
func NewWithBaseURL(tenant models.Tenant, tokens *auth.Cache, baseURL string) *Client {
	c := New(tenant, tokens)
	c.baseURL = baseURL
	return c
}

// publisherIDParam returns a "&PublisherIdentifier=..." suffix, or "" when
// PublisherID is unset. NextPageUri responses already carry their own
// query string from the server, so this is only appended to the initial
// subscription-start/content-listing URLs, never to a pagination
// continuation.
func (c *Client) publisherIDParam() string {
	if c.PublisherID == "" {
		return ""
	}
	return "&PublisherIdentifier=" + url.QueryEscape(c.PublisherID)
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	tok, err := c.tokens.TokenFor(ctx, c.tenant)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

// StartSubscription activates feed for the tenant. It is idempotent: a
// prior-active subscription returns success, whether the API answers
// with 200 or a 400/AF20024 body.
func (c *Client) StartSubscription(ctx context.Context, feed models.Feed) error {
	u := fmt.Sprintf("%s/%s/activity/feed/subscriptions/start?contentType=%s",
		c.baseURL, c.tenant.TenantID, url.QueryEscape(string(feed)))
	u += c.publisherIDParam()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindSubscribeFailed, err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ingesterr.Error{Kind: ingesterr.KindSubscribeFailed, Tenant: c.tenant.Alias, Feed: string(feed), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), alreadyEnabledCode) {
		slog.Debug("subscription already active", "tenant", c.tenant.Alias, "feed", feed)
		return nil
	}

	return &ingesterr.Error{
		Kind:        ingesterr.KindSubscribeFailed,
		Tenant:      c.tenant.Alias,
		Feed:        string(feed),
		HTTPStatus:  resp.StatusCode,
		BodyExcerpt: string(body),
	}
}

// ListContent returns every blob descriptor available for feed within the
// window, following NextPageUri pagination to exhaustion.
func (c *Client) ListContent(ctx context.Context, feed models.Feed, w models.TimeWindow) ([]models.BlobDescriptor, error) {
	u := fmt.Sprintf("%s/%s/activity/feed/subscriptions/content?contentType=%s&startTime=%s&endTime=%s",
		c.baseURL, c.tenant.TenantID, url.QueryEscape(string(feed)),
		url.QueryEscape(w.Start.UTC().Format(time.RFC3339)),
		url.QueryEscape(w.End.UTC().Format(time.RFC3339)),
	)
	u += c.publisherIDParam()

	blobs, err := c.listPage(ctx, feed, u)
	if err != nil {
		return nil, err
	}
	return blobs, nil
}

func (c *Client) listPage(ctx context.Context, feed models.Feed, pageURL string) ([]models.BlobDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindListFailed, err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ingesterr.Error{Kind: ingesterr.KindListFailed, Tenant: c.tenant.Alias, Feed: string(feed), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := ingesterr.KindListFailed
		if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), badWindowCode) {
			kind = ingesterr.KindWindowRejected
		}
		return nil, &ingesterr.Error{
			Kind:        kind,
			Tenant:      c.tenant.Alias,
			Feed:        string(feed),
			HTTPStatus:  resp.StatusCode,
			BodyExcerpt: string(body),
		}
	}

	var blobs []models.BlobDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&blobs); err != nil {
		return nil, &ingesterr.Error{Kind: ingesterr.KindListFailed, Tenant: c.tenant.Alias, Feed: string(feed), Err: err}
	}

	if next := resp.Header.Get("NextPageUri"); next != "" {
		more, err := c.listPage(ctx, feed, next)
		if err != nil {
			return blobs, err
		}
		blobs = append(blobs, more...)
	}
	return blobs, nil
}

// FetchBlob downloads blob.ContentURI and decodes it into its constituent
// audit event records, each a raw JSON object. The caller supplies feed
// and tenant name so the error, if any, carries full context.
func (c *Client) FetchBlob(ctx context.Context, feed models.Feed, blob models.BlobDescriptor) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blob.ContentURI, nil)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindFetchFailed, err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ingesterr.Error{Kind: ingesterr.KindFetchFailed, Tenant: c.tenant.Alias, Feed: string(feed), ContentID: blob.ContentID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ingesterr.Error{
			Kind:        ingesterr.KindFetchFailed,
			Tenant:      c.tenant.Alias,
			Feed:        string(feed),
			ContentID:   blob.ContentID,
			HTTPStatus:  resp.StatusCode,
			BodyExcerpt: string(body),
		}
	}

	var body io.Reader = resp.Body
	if c.MaxBlobBytes > 0 {
		body = io.LimitReader(resp.Body, c.MaxBlobBytes+1)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, &ingesterr.Error{Kind: ingesterr.KindFetchFailed, Tenant: c.tenant.Alias, Feed: string(feed), ContentID: blob.ContentID, Err: err}
	}
	if c.MaxBlobBytes > 0 && int64(len(raw)) > c.MaxBlobBytes {
		return nil, &ingesterr.Error{
			Kind:      ingesterr.KindBlobTooLarge,
			Tenant:    c.tenant.Alias,
			Feed:      string(feed),
			ContentID: blob.ContentID,
		}
	}

	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, &ingesterr.Error{Kind: ingesterr.KindParseFailed, Tenant: c.tenant.Alias, Feed: string(feed), ContentID: blob.ContentID, Err: err}
	}
	return records, nil
}
