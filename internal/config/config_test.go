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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

func writeConfig(t *testing.T, body string) Flags {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return Flags{ConfigPath: path}
}

const validYAML = `
enabled: true
interval: 5m
only_future_events: false
tenants:
  - tenant_id: tenant-1
    client_id: client-1
    client_secret: shh
    api_type: commercial
    tenant_name: acme
subscriptions:
  - Audit.Exchange
  - DLP.All
output:
  file:
    path: /var/log/o365
    separateByContentType: true
collect:
  workingDir: /var/lib/o365collector
  cacheSize: 1000
  maxThreads: 10
  retries: 5
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].Alias != "acme" {
		t.Fatalf("unexpected tenants: %+v", cfg.Tenants)
	}
	if cfg.Tenants[0].Variant != models.VariantCommercial {
		t.Errorf("variant = %q", cfg.Tenants[0].Variant)
	}
	if len(cfg.Subscriptions) != 2 {
		t.Fatalf("subscriptions = %v", cfg.Subscriptions)
	}
	if cfg.Collect.MaxThreads != 10 || cfg.Collect.CacheSize != 1000 {
		t.Errorf("collect tuning not applied: %+v", cfg.Collect)
	}
	if cfg.Collect.SkipKnownLogs == nil || !*cfg.Collect.SkipKnownLogs {
		t.Error("skipKnownLogs should default to true when absent")
	}
}

func TestLoad_SkipKnownLogsExplicitFalse(t *testing.T) {
	body := `
enabled: true
tenants:
  - tenant_id: t1
    client_id: c1
    client_secret: s1
subscriptions: [Audit.Exchange]
output:
  file:
    path: /tmp/x
collect:
  skipKnownLogs: false
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collect.SkipKnownLogs == nil || *cfg.Collect.SkipKnownLogs {
		t.Error("an explicit skipKnownLogs: false must survive defaulting")
	}
}

func TestLoad_Disabled_SkipsValidation(t *testing.T) {
	cfg, err := Load(writeConfig(t, "enabled: false\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Enabled {
		t.Fatal("expected Enabled=false")
	}
}

func TestLoad_NoTenants_IsConfigInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "enabled: true\nsubscriptions: [Audit.Exchange]\noutput:\n  file:\n    path: /tmp/x\n"))
	if !ingesterr.Is(err, ingesterr.KindConfigInvalid) {
		t.Fatalf("expected KindConfigInvalid, got %v", err)
	}
}

func TestLoad_NoSink_IsConfigInvalid(t *testing.T) {
	body := `
enabled: true
tenants:
  - tenant_id: t1
    client_id: c1
    client_secret: s1
subscriptions: [Audit.Exchange]
`
	_, err := Load(writeConfig(t, body))
	if !ingesterr.Is(err, ingesterr.KindConfigInvalid) {
		t.Fatalf("expected KindConfigInvalid, got %v", err)
	}
}

func TestLoad_AzureLogAnalyticsRequiresOMSKey(t *testing.T) {
	body := `
enabled: true
tenants:
  - tenant_id: t1
    client_id: c1
    client_secret: s1
subscriptions: [Audit.Exchange]
output:
  azureLogAnalytics:
    workspaceId: ws-1
`
	flags := writeConfig(t, body)
	if _, err := Load(flags); !ingesterr.Is(err, ingesterr.KindConfigInvalid) {
		t.Fatalf("expected KindConfigInvalid without --oms-key, got %v", err)
	}

	flags.OMSKey = "key"
	if _, err := Load(flags); err != nil {
		t.Fatalf("Load with --oms-key: %v", err)
	}
}

func TestLoad_UnknownAPIType(t *testing.T) {
	body := `
enabled: true
tenants:
  - tenant_id: t1
    client_id: c1
    client_secret: s1
    api_type: neptune
subscriptions: [Audit.Exchange]
output:
  file:
    path: /tmp/x
`
	if _, err := Load(writeConfig(t, body)); !ingesterr.Is(err, ingesterr.KindConfigInvalid) {
		t.Fatalf("expected KindConfigInvalid, got %v", err)
	}
}

func TestParseFlags_RequiresConfig(t *testing.T) {
	if _, err := ParseFlags([]string{}); !ingesterr.Is(err, ingesterr.KindConfigInvalid) {
		t.Fatalf("expected KindConfigInvalid for missing --config, got %v", err)
	}
}

func TestParseFlags_Full(t *testing.T) {
	f, err := ParseFlags([]string{
		"--config", "/etc/o365collector/config.yaml",
		"--publisher-id", "pub-1",
		"--oms-key", "key",
		"--interactive",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if f.ConfigPath != "/etc/o365collector/config.yaml" || f.PublisherID != "pub-1" || f.OMSKey != "key" || !f.Interactive {
		t.Errorf("unexpected flags: %+v", f)
	}
}
