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

// Package models defines the data structures shared across the collector.
package models

import (
	"fmt"
	"os"
	"strings"
)

// APIVariant selects the authority host, management host, and resource
// audience used to talk to a tenant's Office 365 Management Activity API.
type APIVariant string

const (
	VariantCommercial APIVariant = "commercial"
	VariantGCC        APIVariant = "gcc"
	VariantGCCHigh    APIVariant = "gcc-high"
)

// ParseAPIVariant validates a config-supplied api_type string.
func ParseAPIVariant(s string) (APIVariant, error) {
	switch APIVariant(strings.ToLower(strings.TrimSpace(s))) {
	case VariantCommercial, "":
		return VariantCommercial, nil
	case VariantGCC:
		return VariantGCC, nil
	case VariantGCCHigh:
		return VariantGCCHigh, nil
	default:
		return "", fmt.Errorf("unknown api_type %q", s)
	}
}

// Tenant identifies one customer tenant and its credentials.
//
// ClientSecret is the inline secret from config; ClientSecretPath is a
// path on disk read lazily by Secret(). Exactly one should be set. The
// resolved secret is never logged and never cached beyond the call that
// needed it.
type Tenant struct {
	TenantID         string
	ClientID         string
	ClientSecret     string
	ClientSecretPath string
	// Alias is the operator-chosen label used as TenantName on Records —
	// downstream routers key on this, not TenantID.
	Alias   string
	Variant APIVariant
}

// Secret resolves the tenant's client secret, reading it from disk lazily
// when only a path is configured. It is never retained on the Tenant
// value and callers must not log the result.
func (t Tenant) Secret() (string, error) {
	if t.ClientSecret != "" {
		return t.ClientSecret, nil
	}
	if t.ClientSecretPath == "" {
		return "", fmt.Errorf("tenant %s: no client_secret or client_secret_path configured", t.Alias)
	}
	data, err := os.ReadFile(t.ClientSecretPath)
	if err != nil {
		return "", fmt.Errorf("tenant %s: read client secret file: %w", t.Alias, err)
	}
	return strings.TrimSpace(string(data)), nil
}
