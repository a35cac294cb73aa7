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
	"context"
	"fmt"

	"github.com/fluent/fluent-logger-golang/fluent"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// FluentdSink forwards records over the Fluentd forward protocol. It
// tags every message `<tenantName>` and carries OriginFeed as a record
// field rather than folding the feed into the tag. RequestAck is
// enabled so Accept only reports success once the downstream Fluentd
// has acknowledged the chunk.
type FluentdSink struct {
	w      *worker
	client *fluent.Fluent
}

// NewFluentdSink dials address:port and enables ack-on-send so Accept's
// completion implies the forward protocol chunk was acknowledged.
func NewFluentdSink(address string, port int, queueCapacity int) (*FluentdSink, error) {
	client, err := fluent.New(fluent.Config{
		FluentHost: address,
		FluentPort: port,
		RequestAck: true,
		Async:      false,
	})
	if err != nil {
		return nil, fmt.Errorf("connect fluentd sink %s:%d: %w", address, port, err)
	}
	fs := &FluentdSink{client: client}
	fs.w = newWorker("fluentd", queueCapacity)
	return fs, nil
}

func (fs *FluentdSink) Name() string { return fs.w.Name() }

func (fs *FluentdSink) Accept(ctx context.Context, rec models.Record) error {
	return fs.w.do(ctx, func() error {
		tag := rec.TenantName
		if err := fs.client.Post(tag, rec.Envelope()); err != nil {
			return &ingesterr.Error{Kind: ingesterr.KindSinkFailed, Tenant: rec.TenantName, Feed: string(rec.OriginFeed), ContentID: rec.ContentID, Err: err}
		}
		return nil
	})
}

// Flush is a no-op: RequestAck already makes every Accept durable to the
// forward protocol's chunk acknowledgement before it returns.
func (fs *FluentdSink) Flush(ctx context.Context) error {
	return fs.w.do(ctx, func() error { return nil })
}

func (fs *FluentdSink) Close() error {
	err := fs.w.do(context.Background(), func() error { return fs.client.Close() })
	fs.w.close()
	return err
}
