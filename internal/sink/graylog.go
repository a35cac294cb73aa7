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
	"encoding/json"
	"fmt"

	"github.com/Graylog2/go-gelf/gelf"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// GraylogSink sends chunked UDP GELF messages. There is no per-message
// acknowledgement in the GELF/UDP protocol, so Accept reports success
// once the send syscall returns.
type GraylogSink struct {
	w      *worker
	writer *gelf.UDPWriter
}

// NewGraylogSink dials address:port over UDP.
func NewGraylogSink(address string, port int, queueCapacity int) (*GraylogSink, error) {
	addr := fmt.Sprintf("%s:%d", address, port)
	w, err := gelf.NewUDPWriter(addr)
	if err != nil {
		return nil, fmt.Errorf("dial graylog sink %s: %w", addr, err)
	}
	gs := &GraylogSink{writer: w}
	gs.w = newWorker("graylog", queueCapacity)
	return gs, nil
}

func (gs *GraylogSink) Name() string { return gs.w.Name() }

func (gs *GraylogSink) Accept(ctx context.Context, rec models.Record) error {
	return gs.w.do(ctx, func() error {
		msg := &gelf.Message{
			Version:  "1.1",
			Host:     rec.TenantName,
			Short:    shortMessage(rec),
			TimeUnix: float64(rec.IngestedAt.Unix()),
			Level:    6, // informational
			Extra:    flattenExtra(rec),
		}
		if err := gs.writer.WriteMessage(msg); err != nil {
			return &ingesterr.Error{Kind: ingesterr.KindSinkFailed, Tenant: rec.TenantName, Feed: string(rec.OriginFeed), ContentID: rec.ContentID, Err: err}
		}
		return nil
	})
}

// shortMessage summarises the record for GELF's required short_message
// field; the full structured payload still rides in Extra.
func shortMessage(rec models.Record) string {
	if op, ok := rec.Fields["Operation"].(string); ok && op != "" {
		return fmt.Sprintf("%s: %s", rec.OriginFeed, op)
	}
	return string(rec.OriginFeed) + " audit event"
}

// flattenExtra maps the record's fields under "_<key>" GELF additional
// field prefixes, plus "_origin_feed". Non-scalar values are
// JSON-encoded since GELF additional fields must be strings or numbers.
func flattenExtra(rec models.Record) map[string]interface{} {
	extra := make(map[string]interface{}, len(rec.Fields)+2)
	extra["_origin_feed"] = string(rec.OriginFeed)
	extra["_content_id"] = rec.ContentID
	for k, v := range rec.Fields {
		switch v.(type) {
		case string, float64, int, int64, bool, nil:
			extra["_"+k] = v
		default:
			if b, err := json.Marshal(v); err == nil {
				extra["_"+k] = string(b)
			}
		}
	}
	return extra
}

func (gs *GraylogSink) Flush(ctx context.Context) error {
	return gs.w.do(ctx, func() error { return nil })
}

func (gs *GraylogSink) Close() error {
	err := gs.w.do(context.Background(), func() error { return gs.writer.Close() })
	gs.w.close()
	return err
}
