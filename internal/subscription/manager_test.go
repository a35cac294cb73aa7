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

package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/bcem/o365collector/internal/models"
)

// fakeStarter stubs feed.Client.StartSubscription for Manager tests.
type fakeStarter struct {
	err   error
	calls int
}

func (f *fakeStarter) StartSubscription(ctx context.Context, feed models.Feed) error {
	f.calls++
	return f.err
}

func TestEnsure_WithoutStoreStillCallsStarterEveryTime(t *testing.T) {
	m := NewManager(nil)
	starter := &fakeStarter{}

	for i := 0; i < 3; i++ {
		if err := m.Ensure(context.Background(), starter, "tenant-1", models.FeedExchange); err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}
	if starter.calls != 3 {
		t.Fatalf("expected 3 idempotent start calls, got %d", starter.calls)
	}

	feeds, err := m.ListActive(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if feeds != nil {
		t.Fatalf("expected nil feeds without a Store, got %v", feeds)
	}
}

func TestEnsure_PropagatesStarterFailure(t *testing.T) {
	m := NewManager(nil)
	starter := &fakeStarter{err: errors.New("AF20051 forbidden")}

	err := m.Ensure(context.Background(), starter, "tenant-1", models.FeedGeneral)
	if err == nil {
		t.Fatal("expected Ensure to propagate the starter's failure")
	}
}
