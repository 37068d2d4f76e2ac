// Copyright 2024 - 2025 The ehrgrab Authors
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

// Package crawl pulls patient-linked resources through per-patient FHIR
// searches, as a client-driven alternative for servers without a usable bulk
// export.
package crawl

import (
	"context"
	"strings"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/workspace"
)

// ObservationCategories is the default category filter applied to Observation
// searches: the standard US Core categories. Without it, some servers refuse
// an uncategorized Observation search outright.
var ObservationCategories = []string{
	"social-history", "vital-signs", "imaging", "laboratory",
	"survey", "exam", "procedure", "therapy", "activity",
}

// Filters decides which search queries fetch one resource type for one
// patient, folding in since bounds, default category filters, and user type
// filters.
type Filters struct {
	// SinceMode selects which date field the Since bounds apply to.
	SinceMode string
	// Since holds the per-type lower bound instants; a missing type has none.
	Since map[string]string
	// Extra maps a resource type to user-supplied filter expressions
	// ("Observation?code=1234-5"). Multiple expressions for one type run as
	// independent queries whose results are unioned.
	Extra map[string][]string
	// NoDefaults disables the Observation category filter.
	NoDefaults bool
	// SupportsParam reports whether the server declares a search parameter;
	// nil assumes support.
	SupportsParam func(resourceType, param string) bool
}

// AutoSinceMode picks updated when the server declares _lastUpdated search
// support on Patient, and created otherwise.
func AutoSinceMode(ctx context.Context, client *fhir.Client) string {
	if client.SupportsSearchParam(ctx, fhir.Patient, "_lastUpdated") {
		return workspace.SinceUpdated
	}
	return workspace.SinceCreated
}

// ParseTypeFilters splits "Type?params" filter expressions into the per-type
// map Filters.Extra expects.
func ParseTypeFilters(filters []string) map[string][]string {
	if len(filters) == 0 {
		return nil
	}
	extra := map[string][]string{}
	for _, filter := range filters {
		resourceType, params, found := strings.Cut(filter, "?")
		if !found {
			continue
		}
		extra[resourceType] = append(extra[resourceType], params)
	}
	return extra
}

// QueriesFor returns the search URLs that fetch one resource type for one
// patient. withSince=false (new patients) drops the date bound so their full
// history is pulled.
func (f *Filters) QueriesFor(resourceType, patientID string, withSince bool) []string {
	base := resourceType + "?patient=" + patientID
	if resourceType == fhir.Patient {
		base = "Patient?_id=" + patientID
	}

	var params []string
	if resourceType == fhir.Observation && !f.NoDefaults {
		params = append(params, "category="+strings.Join(ObservationCategories, ","))
	}
	if withSince {
		if clause := f.sinceClause(resourceType); clause != "" {
			params = append(params, clause)
		}
	}

	expressions := f.Extra[resourceType]
	if len(expressions) == 0 {
		return []string{joinQuery(base, params)}
	}
	queries := make([]string, 0, len(expressions))
	for _, expr := range expressions {
		queries = append(queries, joinQuery(base, append(params, expr)))
	}
	return queries
}

// MultipleQueries reports whether a type runs more than one query and so
// needs cross-query de-duplication.
func (f *Filters) MultipleQueries(resourceType string) bool {
	return len(f.Extra[resourceType]) > 1
}

func (f *Filters) sinceClause(resourceType string) string {
	since := f.Since[resourceType]
	if since == "" {
		return ""
	}
	if f.SinceMode == workspace.SinceCreated {
		field := fhir.CreatedSearchFields[resourceType]
		if field == "" {
			// No administrative date to search on; fetch everything.
			return ""
		}
		if f.SupportsParam != nil && !f.SupportsParam(resourceType, field) {
			return ""
		}
		return field + "=ge" + since
	}
	if f.SupportsParam != nil && !f.SupportsParam(resourceType, "_lastUpdated") {
		return ""
	}
	return "_lastUpdated=ge" + since
}

// DateSeen extracts the instant the since mode tracks for transaction-time
// bookkeeping, or "" when the resource carries none.
func (f *Filters) DateSeen(resource map[string]any) string {
	if f.SinceMode == workspace.SinceCreated {
		return fhir.CreatedDate(resource)
	}
	return fhir.UpdatedDate(resource)
}

func joinQuery(base string, params []string) string {
	if len(params) == 0 {
		return base
	}
	return base + "&" + strings.Join(params, "&")
}
