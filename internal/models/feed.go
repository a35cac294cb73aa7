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

import "fmt"

// Feed is one of the fixed, closed set of Activity Feed content types.
type Feed string

const (
	FeedAzureAD    Feed = "Audit.AzureActiveDirectory"
	FeedExchange   Feed = "Audit.Exchange"
	FeedSharePoint Feed = "Audit.SharePoint"
	FeedGeneral    Feed = "Audit.General"
	FeedDLPAll     Feed = "DLP.All"
)

// AllFeeds enumerates every feed the collector knows how to subscribe to.
var AllFeeds = []Feed{FeedAzureAD, FeedExchange, FeedSharePoint, FeedGeneral, FeedDLPAll}

// ParseFeed validates a config-supplied subscription name.
func ParseFeed(s string) (Feed, error) {
	for _, f := range AllFeeds {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown subscription feed %q", s)
}

// FileBasename is the stable basename used by the File sink when
// separateByContentType is enabled, e.g. "AuditExchange.json".
func (f Feed) FileBasename() string {
	switch f {
	case FeedAzureAD:
		return "AuditAzureActiveDirectory.json"
	case FeedExchange:
		return "AuditExchange.json"
	case FeedSharePoint:
		return "AuditSharePoint.json"
	case FeedGeneral:
		return "AuditGeneral.json"
	case FeedDLPAll:
		return "DLPAll.json"
	default:
		return string(f) + ".json"
	}
}
