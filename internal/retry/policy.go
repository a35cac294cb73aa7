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

// Package retry provides the collector's reusable backoff policy:
// base interval, multiplier, cap, jitter and a total attempt bound.
// Content listing, blob fetch and Azure Log Analytics posts run under a
// Policy built from config.collect.retries; the subscription-start call
// is issued once per cycle without one.
package retry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry envelope shared by the Blob Discoverer and the
// Fetch Scheduler.
type Policy struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	Jitter      float64
	MaxAttempts int
	// Budget bounds the whole retry envelope's elapsed time for one
	// operation, attempts and waits included. Zero means unbounded.
	Budget time.Duration
}

// Default is the standard schedule: base 1s, factor 2, cap 60s, jitter
// ±20%, 3 attempts, 5 minutes total per operation.
func Default() Policy {
	return Policy{
		Base:        time.Second,
		Factor:      2,
		Cap:         60 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 3,
		Budget:      5 * time.Minute,
	}
}

// WithMaxAttempts returns a copy of p with MaxAttempts overridden, used
// when config.collect.retries is set.
func (p Policy) WithMaxAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

func (p Policy) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Cap
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = p.Budget
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// transientMarker is implemented by errors that know whether they're
// worth retrying (HTTP 429/5xx, network errors).
type transientMarker interface {
	Transient() bool
}

// Permanent wraps an error to signal Do that no further attempts should
// be made, even though attempts remain.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn under the policy's backoff schedule, retrying while fn
// returns a transient error (anything not marked permanent, and whose
// transientMarker, if any, reports true) up to MaxAttempts total
// attempts, or until ctx is cancelled.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		var tm transientMarker
		if errors.As(err, &tm) && !tm.Transient() {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(p.backoff(), ctx))
}

// IsRetryableStatus reports whether an HTTP response with this status
// code should be retried: 429 or any 5xx.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
