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
	"fmt"
	"os"
	"path/filepath"

	"github.com/bcem/o365collector/internal/ingesterr"
	"github.com/bcem/o365collector/internal/models"
)

// FileSink writes NDJSON lines to disk. All writes run on the
// sink's single worker goroutine, so line boundaries never interleave
// even when separateByContentType fans records out across several open
// file handles. The core never truncates or rotates these files.
type FileSink struct {
	w *worker

	path     string
	separate bool
	single   *os.File
	perFeed  map[models.Feed]*os.File
}

// NewFileSink opens (or prepares to lazily open) the destination file(s)
// for path. When separate is true, one file per feed is opened under
// path's directory using Feed.FileBasename.
func NewFileSink(path string, separate bool, queueCapacity int) (*FileSink, error) {
	if path == "" {
		return nil, ingesterr.New(ingesterr.KindConfigInvalid, "output.file.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output.file directory: %w", err)
	}
	fs := &FileSink{path: path, separate: separate, perFeed: make(map[models.Feed]*os.File)}
	fs.w = newWorker("file", queueCapacity)
	return fs, nil
}

func (fs *FileSink) Name() string { return fs.w.Name() }

func (fs *FileSink) Accept(ctx context.Context, rec models.Record) error {
	return fs.w.do(ctx, func() error { return fs.write(rec) })
}

// write runs only on fs.w's goroutine, so no additional locking over
// fs.single/fs.perFeed is required.
func (fs *FileSink) write(rec models.Record) error {
	f, err := fs.fileFor(rec.OriginFeed)
	if err != nil {
		return &ingesterr.Error{Kind: ingesterr.KindSinkFailed, Tenant: rec.TenantName, Feed: string(rec.OriginFeed), ContentID: rec.ContentID, Err: err}
	}
	line, err := rec.MarshalNDJSON()
	if err != nil {
		return &ingesterr.Error{Kind: ingesterr.KindSinkFailed, Tenant: rec.TenantName, Feed: string(rec.OriginFeed), ContentID: rec.ContentID, Err: err}
	}
	if _, err := f.Write(line); err != nil {
		return &ingesterr.Error{Kind: ingesterr.KindSinkFailed, Tenant: rec.TenantName, Feed: string(rec.OriginFeed), ContentID: rec.ContentID, Err: err}
	}
	return nil
}

func (fs *FileSink) fileFor(feed models.Feed) (*os.File, error) {
	if !fs.separate {
		if fs.single == nil {
			f, err := os.OpenFile(fs.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open output file %s: %w", fs.path, err)
			}
			fs.single = f
		}
		return fs.single, nil
	}
	if f, ok := fs.perFeed[feed]; ok {
		return f, nil
	}
	p := filepath.Join(filepath.Dir(fs.path), feed.FileBasename())
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file %s: %w", p, err)
	}
	fs.perFeed[feed] = f
	return f, nil
}

func (fs *FileSink) Flush(ctx context.Context) error {
	return fs.w.do(ctx, func() error {
		if fs.single != nil {
			if err := fs.single.Sync(); err != nil {
				return err
			}
		}
		for _, f := range fs.perFeed {
			if err := f.Sync(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (fs *FileSink) Close() error {
	err := fs.w.do(context.Background(), func() error {
		var first error
		if fs.single != nil {
			if cerr := fs.single.Close(); cerr != nil && first == nil {
				first = cerr
			}
		}
		for _, f := range fs.perFeed {
			if cerr := f.Close(); cerr != nil && first == nil {
				first = cerr
			}
		}
		return first
	})
	fs.w.close()
	return err
}
