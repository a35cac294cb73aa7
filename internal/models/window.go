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
	"fmt"
	"time"
)

// MaxWindow is the API's hard limit on a single content-listing query span.
const MaxWindow = 24 * time.Hour

// MaxRetention is how far back the API will serve content.
const MaxRetention = 7 * 24 * time.Hour

// TimeWindow is a half-open UTC interval fed to the content-listing endpoint.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Validate checks the API-legality invariants: the window must not
// exceed 24h, must not end in the future, and must not start more than
// 7 days before now.
func (w TimeWindow) Validate(now time.Time) error {
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s precedes start %s", w.End, w.Start)
	}
	if w.Duration() > MaxWindow {
		return fmt.Errorf("window spans %s, exceeds max %s", w.Duration(), MaxWindow)
	}
	if w.End.After(now) {
		return fmt.Errorf("window end %s is in the future (now=%s)", w.End, now)
	}
	if w.Start.Before(now.Add(-MaxRetention)) {
		return fmt.Errorf("window start %s exceeds retention floor %s", w.Start, now.Add(-MaxRetention))
	}
	return nil
}
