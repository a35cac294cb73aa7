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

package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// azureBatchMaxBytes is conservative against Azure's documented 30 MiB
// per-post limit for the HTTP Data Collector API.
const azureBatchMaxBytes = 25 * 1024 * 1024

// AzureLogAnalyticsSink posts batches of records to the Azure Log
// Analytics HTTP Data Collector API, signing each request with the
// workspace's shared key. The shared key is supplied only via the
// --oms-key flag, never persisted to the config file.
//
// Unlike File and Fluentd, a single record is not posted on its own:
// Accept appends to an in-memory batch under the worker goroutine and
// transmits once the batch reaches batchMax events or azureBatchMaxBytes,
// so every Accept call that does not trigger a flush still returns only
// after the record is queued, not after it lands upstream. Flush forces
// transmission of whatever is pending; the Fetch Scheduler flushes its
// output before promoting a blob to durable dedup.
type AzureLogAnalyticsSink struct {
	w *worker

	workspaceID string
	sharedKey   string
	logType     string
	client      *http.Client
	policy      retrier

	batch      []map[string]interface{}
	batchBytes int
	batchMax   int
}

// retrier is the narrow slice of internal/retry.Policy this sink needs;
// kept as an interface so tests can stub it without pulling in backoff
// timing.
type retrier interface {
	Do(ctx context.Context, fn func() error) error
}

// NewAzureLogAnalyticsSink builds a sink that posts to the given
// workspace under logType (Azure appends "_CL" automatically). batchMax
// bounds the event count per POST; azureBatchMaxBytes bounds the size
// regardless of batchMax.
func NewAzureLogAnalyticsSink(workspaceID, sharedKey, logType string, batchMax int, policy retrier, queueCapacity int) (*AzureLogAnalyticsSink, error) {
	if workspaceID == "" {
		return nil, ingesterr.New(ingesterr.KindConfigInvalid, "azure log analytics workspace id is required")
	}
	if sharedKey == "" {
		return nil, ingesterr.New(ingesterr.KindConfigInvalid, "azure log analytics shared key (--oms-key) is required")
	}
	if logType == "" {
		logType = "O365Activity"
	}
	if batchMax <= 0 {
		batchMax = 500
	}
	as := &AzureLogAnalyticsSink{
		workspaceID: workspaceID,
		sharedKey:   sharedKey,
		logType:     logType,
		batchMax:    batchMax,
		policy:      policy,
		batch:       make([]map[string]interface{}, 0, batchMax),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
	as.w = newWorker("azureloganalytics", queueCapacity)
	return as, nil
}

func (as *AzureLogAnalyticsSink) Name() string { return as.w.Name() }

func (as *AzureLogAnalyticsSink) Accept(ctx context.Context, rec models.Record) error {
	return as.w.do(ctx, func() error {
		event := rec.Envelope()
		eventBytes, err := json.Marshal(event)
		if err != nil {
			return &ingesterr.Error{Kind: ingesterr.KindSinkFailed, Tenant: rec.TenantName, Feed: string(rec.OriginFeed), ContentID: rec.ContentID, Err: err}
		}
		if len(as.batch) >= as.batchMax || as.batchBytes+len(eventBytes) >= azureBatchMaxBytes {
			if err := as.flushLocked(ctx); err != nil {
				return err
			}
		}
		as.batch = append(as.batch, event)
		as.batchBytes += len(eventBytes)
		return nil
	})
}

func (as *AzureLogAnalyticsSink) Flush(ctx context.Context) error {
	return as.w.do(ctx, func() error { return as.flushLocked(ctx) })
}

// flushLocked runs only on the worker goroutine.
func (as *AzureLogAnalyticsSink) flushLocked(ctx context.Context) error {
	if len(as.batch) == 0 {
		return nil
	}
	batch := as.batch
	as.batch = make([]map[string]interface{}, 0, as.batchMax)
	as.batchBytes = 0

	send := func() error { return as.transmit(ctx, batch) }
	if as.policy != nil {
		return as.policy.Do(ctx, send)
	}
	return send()
}

func (as *AzureLogAnalyticsSink) transmit(ctx context.Context, events []map[string]interface{}) error {
	body, err := json.Marshal(events)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindSinkFailed, err)
	}

	const (
		method      = "POST"
		contentType = "application/json"
		resource    = "/api/logs"
	)
	rfc1123date := time.Now().UTC().Format(time.RFC1123)

	stringToSign := fmt.Sprintf("%s\n%d\n%s\nx-ms-date:%s\n%s", method, len(body), contentType, rfc1123date, resource)
	signature, err := as.buildSignature(stringToSign)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindSinkFailed, err)
	}

	url := fmt.Sprintf("https://%s.ods.opinsights.azure.com%s?api-version=2016-04-01", as.workspaceID, resource)
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindSinkFailed, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", signature)
	req.Header.Set("Log-Type", as.logType)
	req.Header.Set("x-ms-date", rfc1123date)

	resp, err := as.client.Do(req)
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindSinkFailed, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &ingesterr.Error{
		Kind:        ingesterr.KindSinkFailed,
		HTTPStatus:  resp.StatusCode,
		BodyExcerpt: excerpt(respBody),
		Err:         fmt.Errorf("azure log analytics returned status %d", resp.StatusCode),
	}
}

// buildSignature implements the HMAC-SHA256 "SharedKey" auth scheme
// documented for the HTTP Data Collector API.
func (as *AzureLogAnalyticsSink) buildSignature(stringToSign string) (string, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(as.sharedKey)
	if err != nil {
		return "", fmt.Errorf("decode shared key: %w", err)
	}
	h := hmac.New(sha256.New, keyBytes)
	h.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("SharedKey %s:%s", as.workspaceID, signature), nil
}

func excerpt(b []byte) string {
	const maxLen = 512
	if len(b) > maxLen {
		return string(b[:maxLen])
	}
	return string(b)
}

func (as *AzureLogAnalyticsSink) Close() error {
	err := as.w.do(context.Background(), func() error { return as.flushLocked(context.Background()) })
	as.w.close()
	return err
}
