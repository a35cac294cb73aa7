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

import "time"

// Checkpoint is the durable high-water mark for one (tenant, feed) pair.
type Checkpoint struct {
	LastLogTime time.Time `json:"last_log_time"`
	LastRun     time.Time `json:"last_run"`
	FirstRun    bool      `json:"first_run"`
}

// NewCheckpoint returns the checkpoint for a (tenant, feed) never seen before.
func NewCheckpoint() Checkpoint {
	return Checkpoint{FirstRun: true}
}
