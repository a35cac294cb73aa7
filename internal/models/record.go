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

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record wraps one opaque audit event as returned by the Management
// Activity API with the metadata downstream sinks key on. The audit
// payload itself passes through verbatim — the collector never parses
// or enriches it beyond this envelope.
type Record struct {
	OriginFeed Feed
	TenantName string
	ContentID  string
	IngestedAt time.Time
	Fields     map[string]any // the decoded audit event, one JSON object
}

// Envelope returns the wire representation: the decoded record fields
// with OriginFeed/TenantName merged in at the top level, taking
// precedence over any colliding keys in Fields.
func (r Record) Envelope() map[string]any {
	out := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["OriginFeed"] = string(r.OriginFeed)
	out["TenantName"] = r.TenantName
	out["IngestedAt"] = r.IngestedAt.UTC().Format(time.RFC3339)
	return out
}

// MarshalNDJSON encodes the envelope as a single newline-terminated JSON line.
func (r Record) MarshalNDJSON() ([]byte, error) {
	b, err := json.Marshal(r.Envelope())
	if err != nil {
		return nil, fmt.Errorf("marshal record envelope: %w", err)
	}
	return append(b, '\n'), nil
}
