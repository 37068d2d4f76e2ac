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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateTime(t *testing.T) {
	tests := []struct {
		value string
		want  string
	}{
		{"2024-03-05T10:11:12Z", "2024-03-05T10:11:12Z"},
		{"2024-03-05T10:11:12.500Z", "2024-03-05T10:11:12.5Z"},
		{"2024-03-05T10:11:12+05:00", "2024-03-05T05:11:12Z"},
		// Partial dates anchor at the earliest moment worldwide.
		{"2024", "2023-12-31T10:00:00Z"},
		{"2024-03", "2024-02-29T10:00:00Z"},
		{"2024-03-05", "2024-03-04T10:00:00Z"},
		// No-zone timestamps get the same anchoring.
		{"2024-03-05T10:11:12", "2024-03-04T20:11:12Z"},
		// Leap second clamps instead of failing.
		{"2016-12-31T23:59:60Z", "2016-12-31T23:59:59Z"},
	}
	for _, tt := range tests {
		parsed, ok := ParseDateTime(tt.value)
		require.True(t, ok, tt.value)
		assert.Equal(t, tt.want, parsed.UTC().Format(time.RFC3339Nano), tt.value)
	}
}

func TestParseDateTimeInvalid(t *testing.T) {
	for _, value := range []string{"", "yesterday", "2024-13-01", "24-01-01"} {
		_, ok := ParseDateTime(value)
		assert.False(t, ok, value)
	}
}

func TestFormatInstant(t *testing.T) {
	at := time.Date(2024, 3, 5, 10, 11, 12, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2024-03-05T09:11:12Z", FormatInstant(at))
}

func TestParseReference(t *testing.T) {
	resourceType, id, ok := ParseReference("Observation/o1")
	require.True(t, ok)
	assert.Equal(t, "Observation", resourceType)
	assert.Equal(t, "o1", id)

	resourceType, id, ok = ParseReference("https://example.com/fhir/Medication/m1")
	require.True(t, ok)
	assert.Equal(t, "Medication", resourceType)
	assert.Equal(t, "m1", id)

	for _, value := range []string{"", "#contained", "justanid", "Observation/"} {
		_, _, ok := ParseReference(value)
		assert.False(t, ok, value)
	}
}
