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

// Package checkpoint persists the per-(tenant, feed) high-water mark
// to one JSON file per pair under workingDir, written via a
// tmp-file-then-rename so a crash mid-write never leaves a truncated or
// torn checkpoint behind.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// Store owns every (tenant, feed) checkpoint file under one workingDir.
// All reads and writes, for every file, are serialized through one
// mutex, which stays held across the file I/O (temp write and rename).
type Store struct {
	workingDir string
	mu         sync.Mutex
}

// NewStore builds a Store rooted at workingDir. The directory must
// already exist; Store does not create it.
func NewStore(workingDir string) *Store {
	return &Store{workingDir: workingDir}
}

// fileName is the stable checkpoint basename:
// office365-<tenant_id>-<feed>.json.
func fileName(tenantID string, feed models.Feed) string {
	return fmt.Sprintf("office365-%s-%s.json", tenantID, feed)
}

func (s *Store) path(tenantID string, feed models.Feed) string {
	return filepath.Join(s.workingDir, fileName(tenantID, feed))
}

// wireCheckpoint is the on-disk JSON shape; models.Checkpoint keeps
// time.Time fields that round-trip through RFC3339 via json.Marshal
// directly, so this is a plain alias; the on-disk field casing
// ("last_log_time", "last_run", "first_run") comes from that type's json
// tags.
type wireCheckpoint = models.Checkpoint

// Load reads the checkpoint for (tenantID, feed), returning a fresh
// first-run checkpoint if no file exists yet.
func (s *Store) Load(tenantID string, feed models.Feed) (models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(tenantID, feed))
	if os.IsNotExist(err) {
		return models.NewCheckpoint(), nil
	}
	if err != nil {
		return models.Checkpoint{}, ingesterr.Wrap(ingesterr.KindCheckpointWriteFailed, err)
	}
	var cp wireCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return models.Checkpoint{}, ingesterr.Wrap(ingesterr.KindCheckpointWriteFailed, fmt.Errorf("decode checkpoint %s: %w", s.path(tenantID, feed), err))
	}
	return cp, nil
}

// save writes cp via tmp-then-rename. Caller must hold s.mu.
func (s *Store) save(tenantID string, feed models.Feed, cp models.Checkpoint) error {
	path := s.path(tenantID, feed)
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return ingesterr.Wrap(ingesterr.KindCheckpointWriteFailed, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return ingesterr.Wrap(ingesterr.KindCheckpointWriteFailed, fmt.Errorf("write temp checkpoint %s: %w", tmp, err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return ingesterr.Wrap(ingesterr.KindCheckpointWriteFailed, fmt.Errorf("rename checkpoint %s: %w", path, err))
	}
	return nil
}

// Save persists cp for (tenantID, feed).
func (s *Store) Save(tenantID string, feed models.Feed, cp models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(tenantID, feed, cp)
}

// Advance applies the advancement rule: last_run is always updated;
// last_log_time only moves to cycleEnd when every window this cycle was
// fully drained (allDrained); first_run clears on the first successful
// advancement. The updated checkpoint is persisted and returned.
func (s *Store) Advance(tenantID string, feed models.Feed, cp models.Checkpoint, cycleEnd, now time.Time, allDrained bool) (models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp.LastRun = now
	if allDrained {
		cp.LastLogTime = cycleEnd
		cp.FirstRun = false
	}
	if err := s.save(tenantID, feed, cp); err != nil {
		return cp, err
	}
	return cp, nil
}
