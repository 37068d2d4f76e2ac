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

package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ehrgrab/ehrgrab/workspace"
)

func TestQueriesForUpdatedMode(t *testing.T) {
	filters := &Filters{
		SinceMode: workspace.SinceUpdated,
		Since:     map[string]string{"Condition": "2024-01-01T00:00:00Z"},
	}

	assert.Equal(t, []string{"Condition?patient=p1&_lastUpdated=ge2024-01-01T00:00:00Z"},
		filters.QueriesFor("Condition", "p1", true))

	// New patients get their full history.
	assert.Equal(t, []string{"Condition?patient=p1"},
		filters.QueriesFor("Condition", "p1", false))

	// No recorded bound for the type means no clause.
	assert.Equal(t, []string{"Procedure?patient=p1"},
		filters.QueriesFor("Procedure", "p1", true))
}

func TestQueriesForCreatedMode(t *testing.T) {
	filters := &Filters{
		SinceMode: workspace.SinceCreated,
		Since: map[string]string{
			"Condition": "2024-01-01T00:00:00Z",
			"Encounter": "2024-01-01T00:00:00Z",
		},
	}

	assert.Equal(t, []string{"Condition?patient=p1&recorded-date=ge2024-01-01T00:00:00Z"},
		filters.QueriesFor("Condition", "p1", true))

	// Encounter has no administrative date search; full fetch.
	assert.Equal(t, []string{"Encounter?patient=p1"},
		filters.QueriesFor("Encounter", "p1", true))
}

func TestQueriesForHonorsServerCapabilities(t *testing.T) {
	filters := &Filters{
		SinceMode:     workspace.SinceCreated,
		Since:         map[string]string{"Observation": "2024-01-01T00:00:00Z"},
		NoDefaults:    true,
		SupportsParam: func(resourceType, param string) bool { return false },
	}
	assert.Equal(t, []string{"Observation?patient=p1"},
		filters.QueriesFor("Observation", "p1", true))
}

func TestQueriesForObservationDefaultCategories(t *testing.T) {
	filters := &Filters{SinceMode: workspace.SinceUpdated}
	queries := filters.QueriesFor("Observation", "p1", true)
	assert.Equal(t, []string{
		"Observation?patient=p1&category=social-history,vital-signs,imaging,laboratory,survey,exam,procedure,therapy,activity",
	}, queries)

	filters.NoDefaults = true
	assert.Equal(t, []string{"Observation?patient=p1"}, filters.QueriesFor("Observation", "p1", true))
}

func TestQueriesForExtraFiltersUnion(t *testing.T) {
	filters := &Filters{
		SinceMode: workspace.SinceUpdated,
		Since:     map[string]string{"Condition": "2024-01-01T00:00:00Z"},
		Extra: ParseTypeFilters([]string{
			"Condition?code=http://snomed.info/sct|44054006",
			"Condition?clinical-status=active",
		}),
	}

	queries := filters.QueriesFor("Condition", "p1", true)
	assert.Equal(t, []string{
		"Condition?patient=p1&_lastUpdated=ge2024-01-01T00:00:00Z&code=http://snomed.info/sct|44054006",
		"Condition?patient=p1&_lastUpdated=ge2024-01-01T00:00:00Z&clinical-status=active",
	}, queries)
	assert.True(t, filters.MultipleQueries("Condition"))
	assert.False(t, filters.MultipleQueries("Observation"))
}

func TestQueriesForPatientUsesIDSearch(t *testing.T) {
	filters := &Filters{SinceMode: workspace.SinceUpdated}
	assert.Equal(t, []string{"Patient?_id=p1"}, filters.QueriesFor("Patient", "p1", true))
}

func TestParseTypeFilters(t *testing.T) {
	extra := ParseTypeFilters([]string{"Observation?code=1234-5", "Observation?code=8480-6", "bogus"})
	assert.Equal(t, map[string][]string{
		"Observation": {"code=1234-5", "code=8480-6"},
	}, extra)
	assert.Nil(t, ParseTypeFilters(nil))
}

func TestReplacedPatients(t *testing.T) {
	patient := map[string]any{
		"resourceType": "Patient",
		"id":           "survivor",
		"link": []any{
			map[string]any{"type": "replaces", "other": map[string]any{"reference": "Patient/merged1"}},
			map[string]any{"type": "seealso", "other": map[string]any{"reference": "Patient/other"}},
			map[string]any{"type": "replaces", "other": map[string]any{"reference": "#contained"}},
		},
	}
	assert.Equal(t, []string{"merged1"}, ReplacedPatients(patient))
	assert.Empty(t, ReplacedPatients(map[string]any{"resourceType": "Patient"}))
}
