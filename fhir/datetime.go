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

package fhir

import (
	"strings"
	"time"
)

// The earliest timezone in use. Partial dates without a zone are anchored here
// so that a later since-search errs toward duplicate resources instead of
// missed ones.
var earliestZone = time.FixedZone("UTC+14", 14*60*60)

// ParseDateTime converts a FHIR dateTime or instant value to a time.Time.
//
// This is mostly used for comparing dates and timestamps, so it sometimes
// sacrifices a little accuracy to get a useful comparison value. FHIR allows
// YYYY and YYYY-MM forms (https://www.hl7.org/fhir/R4/datatypes.html#dateTime);
// missing parts are filled with the earliest value. Leap seconds are clamped
// to :59 because time.Parse rejects them.
func ParseDateTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}

	switch len(value) {
	case 4:
		value += "-01-01"
	case 7:
		value += "-01"
	}
	value = strings.ReplaceAll(value, ":60", ":59")

	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed, true
	}
	// No timezone present below this point.
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02"} {
		if parsed, err := time.ParseInLocation(layout, value, earliestZone); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// FormatInstant renders a timestamp in the canonical UTC Z form used in
// metadata files and _since parameters.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseReference resolves a FHIR reference value to its (resourceType, id)
// pair. Both the relative "Type/id" form and absolute URLs ending in
// ".../Type/id" resolve; contained references ("#...") and anything else
// return ok=false.
func ParseReference(reference string) (resourceType, id string, ok bool) {
	if reference == "" || strings.HasPrefix(reference, "#") {
		return "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(reference, "/"), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	resourceType, id = parts[len(parts)-2], parts[len(parts)-1]
	if id == "" || !ScopeTypes[resourceType] && !isUpper(resourceType) {
		return "", "", false
	}
	return resourceType, id, true
}

func isUpper(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}
