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

// Package auth implements the per-tenant OAuth2 client-credentials token
// cache. Tokens are cached in memory keyed by tenant_id and
// refreshed when fewer than 60s remain; concurrent callers for the same
// tenant share one in-flight refresh via singleflight.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// refreshSkew is how much time must remain on a cached token before it is
// considered still usable.
const refreshSkew = 60 * time.Second

// variantConfig pins the three tenant-identity-dependent URLs per
// api_variant.
type variantConfig struct {
	AuthorityHost  string
	ManagementHost string
	ResourceScope  string
}

var variants = map[models.APIVariant]variantConfig{
	models.VariantCommercial: {
		AuthorityHost:  "https://login.microsoftonline.com",
		ManagementHost: "https://manage.office.com/api/v1.0",
		ResourceScope:  "https://manage.office.com/.default",
	},
	models.VariantGCC: {
		AuthorityHost:  "https://login.microsoftonline.com",
		ManagementHost: "https://manage.office365.us/api/v1.0",
		ResourceScope:  "https://manage.office365.us/.default",
	},
	models.VariantGCCHigh: {
		AuthorityHost:  "https://login.microsoftonline.us",
		ManagementHost: "https://manage.office365.us/api/v1.0",
		ResourceScope:  "https://manage.office365.us/.default",
	},
}

// ManagementHostFor returns the management API root for a tenant's variant.
func ManagementHostFor(variant models.APIVariant) string {
	v, ok := variants[variant]
	if !ok {
		v = variants[models.VariantCommercial]
	}
	return v.ManagementHost
}

// BearerToken is a cached access token.
type BearerToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

func (t BearerToken) valid(now time.Time) bool {
	return t.AccessToken != "" && t.ExpiresAt.Sub(now) > refreshSkew
}

// Cache is the shared per-process token cache. The zero value is not
// usable; construct with NewCache.
type Cache struct {
	mu     sync.Mutex
	tokens map[string]BearerToken
	group  singleflight.Group

	// tokenSourceFor is overridable in tests to avoid real network calls.
	tokenSourceFor func(ctx context.Context, tenant models.Tenant) (oauth2.TokenSource, error)
}

// NewCache creates an empty token cache.
func NewCache() *Cache {
	c := &Cache{tokens: make(map[string]BearerToken)}
	c.tokenSourceFor = c.defaultTokenSource
	return c
}

// NewStaticCache returns a Cache pre-seeded with a token for tenantID that
// never expires, for use by other packages' tests that need an *auth.Cache
// without performing a real OAuth2 exchange.
func NewStaticCache(tenantID, token string) *Cache {
	c := &Cache{tokens: make(map[string]BearerToken)}
	c.tokens[tenantID] = BearerToken{AccessToken: token, ExpiresAt: time.Now().Add(24 * time.Hour)}
	c.tokenSourceFor = c.defaultTokenSource
	return c
}

// TokenFor returns a valid bearer token for the tenant, refreshing it if
// necessary. Concurrent callers for the same tenant share one refresh.
func (c *Cache) TokenFor(ctx context.Context, tenant models.Tenant) (BearerToken, error) {
	now := time.Now()

	c.mu.Lock()
	cached, ok := c.tokens[tenant.TenantID]
	c.mu.Unlock()
	if ok && cached.valid(now) {
		return cached, nil
	}

	v, err, _ := c.group.Do(tenant.TenantID, func() (any, error) {
		// Re-check under the singleflight key: another goroutine may have
		// just refreshed while we waited to enter Do.
		c.mu.Lock()
		cached, ok := c.tokens[tenant.TenantID]
		c.mu.Unlock()
		if ok && cached.valid(time.Now()) {
			return cached, nil
		}

		src, err := c.tokenSourceFor(ctx, tenant)
		if err != nil {
			return BearerToken{}, err
		}
		tok, err := src.Token()
		if err != nil {
			return BearerToken{}, classifyAuthError(tenant, err)
		}

		bt := BearerToken{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
		c.mu.Lock()
		c.tokens[tenant.TenantID] = bt
		c.mu.Unlock()
		return bt, nil
	})
	if err != nil {
		return BearerToken{}, err
	}
	return v.(BearerToken), nil
}

func (c *Cache) defaultTokenSource(ctx context.Context, tenant models.Tenant) (oauth2.TokenSource, error) {
	v, ok := variants[tenant.Variant]
	if !ok {
		v = variants[models.VariantCommercial]
	}
	secret, err := tenant.Secret()
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindAuthFailed, err)
	}

	cfg := &clientcredentials.Config{
		ClientID:     tenant.ClientID,
		ClientSecret: secret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", v.AuthorityHost, tenant.TenantID),
		Scopes:       []string{v.ResourceScope},
	}
	return cfg.TokenSource(ctx), nil
}

func classifyAuthError(tenant models.Tenant, err error) error {
	var retrieveErr *oauth2.RetrieveError
	ie := &ingesterr.Error{Kind: ingesterr.KindAuthFailed, Tenant: tenant.Alias, Err: err}
	if ok := asRetrieveError(err, &retrieveErr); ok {
		ie.HTTPStatus = retrieveErr.Response.StatusCode
		ie.BodyExcerpt = excerpt(retrieveErr.Body, 200)
	}
	return ie
}

func excerpt(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
