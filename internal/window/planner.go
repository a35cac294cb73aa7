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

// Package window implements the collector's time-window arithmetic:
// splitting the span since the last checkpoint into API-legal windows
// (each ≤24h, none starting more than 7 days ago).
package window

import (
	"time"

	"github.com/bcem/o365collector/internal/models"
)

// clampEpsilon nudges a retention-clamped window start strictly inside
// the 7-day floor so the API never sees start == now-7d exactly.
const clampEpsilon = time.Second

// Plan is the result of planning windows for one (tenant, feed) cycle.
type Plan struct {
	Windows []models.TimeWindow
	// GapWarning is set when the checkpoint was older than the retention
	// floor and had to be clamped, leaving an uncoverable gap.
	GapWarning bool
	// AdvanceTo is the last_log_time the checkpoint should advance to if
	// every window in Windows is later fully drained. It is now, except
	// when the clock has regressed behind the checkpoint, where it stays
	// at the checkpoint's last_log_time. In the only_future_events
	// first-run case no windows are emitted and AdvanceTo is still now,
	// so the checkpoint advances immediately.
	AdvanceTo time.Time
}

// Config tunes first-run behaviour.
type Config struct {
	OnlyFutureEvents bool
	HoursToCollect   time.Duration
}

// PlanWindows computes the windows to discover for a (tenant, feed) given its
// checkpoint and the current time. now is accepted as a parameter (rather
// than read internally) so planning is deterministic and testable.
func PlanWindows(cp models.Checkpoint, now time.Time, cfg Config) Plan {
	if cp.FirstRun {
		return planFirstRun(now, cfg)
	}
	return planIncremental(cp.LastLogTime, now)
}

func planFirstRun(now time.Time, cfg Config) Plan {
	if cfg.OnlyFutureEvents {
		return Plan{AdvanceTo: now}
	}

	lookback := cfg.HoursToCollect
	if lookback <= 0 || lookback > models.MaxWindow {
		lookback = models.MaxWindow
	}
	start := now.Add(-lookback)
	retentionFloor := now.Add(-models.MaxRetention)
	gap := false
	if start.Before(retentionFloor) {
		start = retentionFloor.Add(clampEpsilon)
		gap = true
	}
	return Plan{
		Windows:    []models.TimeWindow{{Start: start, End: now}},
		GapWarning: gap,
		AdvanceTo:  now,
	}
}

func planIncremental(lastLogTime, now time.Time) Plan {
	// Clock-skew guard: if now regresses behind the checkpoint,
	// emit no windows rather than a start > end window. The next cycle,
	// once the clock catches back up, will cover the span normally.
	if !now.After(lastLogTime) {
		return Plan{AdvanceTo: lastLogTime}
	}

	cur := lastLogTime
	gap := false
	retentionFloor := now.Add(-models.MaxRetention)
	if cur.Before(retentionFloor) {
		cur = retentionFloor.Add(clampEpsilon)
		gap = true
	}

	var windows []models.TimeWindow
	for cur.Before(now) {
		end := cur.Add(models.MaxWindow)
		if end.After(now) {
			end = now
		}
		windows = append(windows, models.TimeWindow{Start: cur, End: end})
		cur = end
	}

	return Plan{Windows: windows, GapWarning: gap, AdvanceTo: now}
}
