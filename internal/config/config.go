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

// Package config loads the collector's YAML configuration and merges it
// with the CLI flags. client_secret_path entries are kept as
// paths here and resolved lazily by models.Tenant.Secret — never read or
// logged at load time.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// TenantConfig is the raw YAML shape of one tenants[] entry.
type TenantConfig struct {
	TenantID         string `yaml:"tenant_id"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	ClientSecretPath string `yaml:"client_secret_path"`
	APIType          string `yaml:"api_type"`
	TenantName       string `yaml:"tenant_name"`
}

// FileOutput is output.file.
type FileOutput struct {
	Path                  string `yaml:"path"`
	SeparateByContentType bool   `yaml:"separateByContentType"`
}

// FluentdOutput is output.fluentd.
type FluentdOutput struct {
	TenantName string `yaml:"tenantName"`
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
}

// GraylogOutput is output.graylog.
type GraylogOutput struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AzureLogAnalyticsOutput is output.azureLogAnalytics. The shared key is
// never accepted here — it arrives only via the --oms-key CLI flag.
type AzureLogAnalyticsOutput struct {
	WorkspaceID string `yaml:"workspaceId"`
}

// Output is the output.* block; any sub-section left nil is not configured.
type Output struct {
	File              *FileOutput              `yaml:"file"`
	Fluentd           *FluentdOutput           `yaml:"fluentd"`
	Graylog           *GraylogOutput           `yaml:"graylog"`
	AzureLogAnalytics *AzureLogAnalyticsOutput `yaml:"azureLogAnalytics"`
}

// Collect is the collect.* tuning block. SkipKnownLogs is a pointer so
// an absent key can default to true: filtering already-seen blobs is
// the normal mode, and setting it to false is the explicit opt-out that
// re-fetches everything the listing returns.
type Collect struct {
	WorkingDir     string `yaml:"workingDir"`
	CacheSize      int    `yaml:"cacheSize"`
	MaxThreads     int    `yaml:"maxThreads"`
	Retries        int    `yaml:"retries"`
	SkipKnownLogs  *bool  `yaml:"skipKnownLogs"`
	HoursToCollect int    `yaml:"hoursToCollect"`
}

// Log is the log.* diagnostic block.
type Log struct {
	Path  string `yaml:"path"`
	Debug bool   `yaml:"debug"`
}

// rawConfig mirrors the YAML document exactly; unrecognised keys are
// ignored by yaml.v3 rather than rejected.
type rawConfig struct {
	Enabled          bool           `yaml:"enabled"`
	Interval         string         `yaml:"interval"`
	OnlyFutureEvents bool           `yaml:"only_future_events"`
	Tenants          []TenantConfig `yaml:"tenants"`
	Subscriptions    []string       `yaml:"subscriptions"`
	Output           Output         `yaml:"output"`
	Collect          Collect        `yaml:"collect"`
	Log              Log            `yaml:"log"`
}

// Config is the fully parsed, validated configuration used by the rest of
// the collector.
type Config struct {
	Enabled          bool
	Interval         time.Duration
	OnlyFutureEvents bool
	Tenants          []models.Tenant
	Subscriptions    []models.Feed
	Output           Output
	Collect          Collect
	Log              Log

	// CLI-only settings, never present in the YAML file.
	PublisherID string
	OMSKey      string
	Interactive bool
}

// Flags holds the parsed CLI flags.
type Flags struct {
	ConfigPath  string
	PublisherID string
	OMSKey      string
	Interactive bool
}

// ParseFlags parses the collector's command line; --config is the only
// required flag.
func ParseFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("o365collector", flag.ContinueOnError)
	var f Flags
	fs.StringVar(&f.ConfigPath, "config", "", "path to the collector's YAML configuration (required)")
	fs.StringVar(&f.PublisherID, "publisher-id", "", "optional PublisherIdentifier query parameter for the Management Activity API")
	fs.StringVar(&f.OMSKey, "oms-key", "", "Azure Log Analytics shared key (never stored in the config file)")
	fs.BoolVar(&f.Interactive, "interactive", false, "run a single cycle and exit instead of looping")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if f.ConfigPath == "" {
		return Flags{}, ingesterr.New(ingesterr.KindConfigInvalid, "--config is required")
	}
	return f, nil
}

// Load reads and validates the YAML file at flags.ConfigPath, expanding
// ${VAR} references via os.ExpandEnv, and merges in the CLI flags.
func Load(flags Flags) (*Config, error) {
	data, err := os.ReadFile(flags.ConfigPath)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindConfigInvalid, fmt.Errorf("read config file %s: %w", flags.ConfigPath, err))
	}

	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindConfigInvalid, fmt.Errorf("parse config YAML: %w", err))
	}

	cfg := &Config{
		Enabled:          raw.Enabled,
		OnlyFutureEvents: raw.OnlyFutureEvents,
		Output:           raw.Output,
		Collect:          applyCollectDefaults(raw.Collect),
		Log:              raw.Log,
		PublisherID:      flags.PublisherID,
		OMSKey:           flags.OMSKey,
		Interactive:      flags.Interactive,
	}

	if !cfg.Enabled {
		return cfg, nil
	}

	interval, err := parseInterval(raw.Interval)
	if err != nil {
		return nil, ingesterr.Wrap(ingesterr.KindConfigInvalid, err)
	}
	cfg.Interval = interval

	if len(raw.Tenants) == 0 {
		return nil, ingesterr.New(ingesterr.KindConfigInvalid, "tenants: at least one tenant is required")
	}
	for _, t := range raw.Tenants {
		tenant, err := toTenant(t)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindConfigInvalid, err)
		}
		cfg.Tenants = append(cfg.Tenants, tenant)
	}

	if len(raw.Subscriptions) == 0 {
		return nil, ingesterr.New(ingesterr.KindConfigInvalid, "subscriptions: at least one feed is required")
	}
	for _, s := range raw.Subscriptions {
		feed, err := models.ParseFeed(s)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.KindConfigInvalid, err)
		}
		cfg.Subscriptions = append(cfg.Subscriptions, feed)
	}

	if cfg.Output.File == nil && cfg.Output.Fluentd == nil && cfg.Output.Graylog == nil && cfg.Output.AzureLogAnalytics == nil {
		return nil, ingesterr.New(ingesterr.KindConfigInvalid, "output: at least one sink must be configured")
	}
	if cfg.Output.AzureLogAnalytics != nil && cfg.OMSKey == "" {
		return nil, ingesterr.New(ingesterr.KindConfigInvalid, "output.azureLogAnalytics configured but --oms-key was not supplied")
	}

	return cfg, nil
}

func toTenant(t TenantConfig) (models.Tenant, error) {
	if t.TenantID == "" || t.ClientID == "" {
		return models.Tenant{}, fmt.Errorf("tenant entry missing tenant_id/client_id")
	}
	if t.ClientSecret == "" && t.ClientSecretPath == "" {
		return models.Tenant{}, fmt.Errorf("tenant %s: one of client_secret or client_secret_path is required", t.TenantID)
	}
	variant, err := models.ParseAPIVariant(t.APIType)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", t.TenantID, err)
	}
	alias := t.TenantName
	if alias == "" {
		alias = t.TenantID
	}
	return models.Tenant{
		TenantID:         t.TenantID,
		ClientID:         t.ClientID,
		ClientSecret:     t.ClientSecret,
		ClientSecretPath: t.ClientSecretPath,
		Alias:            alias,
		Variant:          variant,
	}, nil
}

// parseInterval accepts everything time.ParseDuration does plus a trailing
// "d" (day) unit, which ParseDuration itself doesn't support.
func parseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 5 * time.Minute, nil
	}
	d, err := parseDurationWithDays(s)
	if err != nil {
		return 0, fmt.Errorf("interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %q", s)
	}
	return d, nil
}

func parseDurationWithDays(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(s)
}

// applyCollectDefaults fills in collect.* defaults (cache 500k entries,
// 50 workers, 3 retries, 24h lookback).
func applyCollectDefaults(c Collect) Collect {
	if c.WorkingDir == "" {
		c.WorkingDir = "."
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 500_000
	}
	if c.MaxThreads <= 0 {
		c.MaxThreads = 50
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.HoursToCollect <= 0 {
		c.HoursToCollect = 24
	}
	if c.SkipKnownLogs == nil {
		on := true
		c.SkipKnownLogs = &on
	}
	return c
}
