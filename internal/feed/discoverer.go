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

package feed

import (
	"context"

	"github.com/bcem/o365collector/internal/models"
	"github.com/bcem/o365collector/internal/retry"
)

// Discoverer lists the content blobs available for a (tenant, feed, window)
// under a retry policy: transient failures (429/5xx) are retried with
// backoff, everything else surfaces immediately.
type Discoverer struct {
	client *Client
	policy retry.Policy
}

// NewDiscoverer builds a Discoverer over client using policy.
func NewDiscoverer(client *Client, policy retry.Policy) *Discoverer {
	return &Discoverer{client: client, policy: policy}
}

// Discover lists blobs for one window, retrying per the configured policy.
func (d *Discoverer) Discover(ctx context.Context, feed models.Feed, w models.TimeWindow) ([]models.BlobDescriptor, error) {
	var blobs []models.BlobDescriptor
	err := d.policy.Do(ctx, func() error {
		var err error
		blobs, err = d.client.ListContent(ctx, feed, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	return blobs, nil
}
