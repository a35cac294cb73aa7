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

// Package sink implements the Output Multiplexer: zero or more terminal
// consumers (File, Fluentd, Graylog, AzureLogAnalytics), each with a
// bounded queue and a dedicated writer goroutine. Emit waits for every
// sink before returning, so a slow sink slows the producer and with it
// the next record for its siblings, but never runs on a sibling's
// goroutine. A Record is only durably promotable once every configured
// sink has accepted it.
package sink

import (
	"context"
	"fmt"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// DefaultQueueCapacity bounds each sink's in-memory queue so output
// memory stays bounded no matter how fast fetch workers produce.
const DefaultQueueCapacity = 1024

// Sink is the capability every concrete sink type implements so the
// Multiplexer holds a plain slice of them.
type Sink interface {
	Name() string
	Accept(ctx context.Context, rec models.Record) error
	Flush(ctx context.Context) error
	Close() error
}

// command is one unit of work handed to a sink's dedicated writer
// goroutine; Accept and Flush both funnel through it so writes and
// flushes for one sink are never interleaved out of order.
type command struct {
	fn   func() error
	resp chan error
}

// worker gives a concrete sink implementation a bounded queue and single
// writer goroutine. A sink holds one and routes each operation through do.
type worker struct {
	name string
	reqs chan command
	done chan struct{}
}

func newWorker(name string, capacity int) *worker {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	w := &worker{name: name, reqs: make(chan command, capacity), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for c := range w.reqs {
		c.resp <- c.fn()
	}
}

// do enqueues fn and blocks until it has run, or ctx is cancelled first.
func (w *worker) do(ctx context.Context, fn func() error) error {
	resp := make(chan error, 1)
	select {
	case w.reqs <- command{fn: fn, resp: resp}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) Name() string { return w.name }

func (w *worker) close() {
	close(w.reqs)
	<-w.done
}

// Multiplexer fans a Record out to every configured sink and only
// reports success once all of them have accepted it.
type Multiplexer struct {
	sinks []Sink
}

// NewMultiplexer builds a Multiplexer over the given sinks, in the order
// they were configured. Zero sinks is valid: every Record is then a
// trivial no-op accept.
func NewMultiplexer(sinks ...Sink) *Multiplexer {
	return &Multiplexer{sinks: sinks}
}

// Emit implements feed.Emitter. It delivers rec to every sink
// concurrently and waits for all of them; the first sink-level error
// is wrapped as ingesterr.KindSinkFailed and returned once every sink
// has had a chance to respond.
func (m *Multiplexer) Emit(ctx context.Context, rec models.Record) error {
	if len(m.sinks) == 0 {
		return nil
	}
	errs := make([]error, len(m.sinks))
	done := make(chan struct{}, len(m.sinks))
	for i, s := range m.sinks {
		i, s := i, s
		go func() {
			errs[i] = s.Accept(ctx, rec)
			done <- struct{}{}
		}()
	}
	for range m.sinks {
		<-done
	}
	for i, err := range errs {
		if err != nil {
			return &ingesterr.Error{
				Kind:      ingesterr.KindSinkFailed,
				Tenant:    rec.TenantName,
				Feed:      string(rec.OriginFeed),
				ContentID: rec.ContentID,
				Err:       fmt.Errorf("sink %q: %w", m.sinks[i].Name(), err),
			}
		}
	}
	return nil
}

// Flush flushes every sink, returning the first error encountered after
// attempting all of them.
func (m *Multiplexer) Flush(ctx context.Context) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Flush(ctx); err != nil && first == nil {
			first = fmt.Errorf("flush sink %q: %w", s.Name(), err)
		}
	}
	return first
}

// Close closes every sink, returning the first error encountered after
// attempting all of them.
func (m *Multiplexer) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("close sink %q: %w", s.Name(), err)
		}
	}
	return first
}
