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

	"github.com/stretchr/testify/assert"
)

func TestCreatedDate(t *testing.T) {
	tests := []struct {
		resource map[string]any
		want     string
	}{
		{map[string]any{"resourceType": Condition, "recordedDate": "2024-01-02"}, "2024-01-02"},
		{map[string]any{"resourceType": Observation, "issued": "2024-01-02T03:04:05Z"}, "2024-01-02T03:04:05Z"},
		{map[string]any{"resourceType": DocumentReference, "date": "2024-01-02T03:04:05Z"}, "2024-01-02T03:04:05Z"},
		{map[string]any{"resourceType": MedicationRequest, "authoredOn": "2024-01-02"}, "2024-01-02"},
		{map[string]any{"resourceType": Immunization, "recorded": "2024-01-02"}, "2024-01-02"},
		// Encounters have no administrative date.
		{map[string]any{"resourceType": Encounter, "period": map[string]any{"start": "2024-01-02"}}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CreatedDate(tt.resource), ResourceType(tt.resource))
	}
}

func TestUpdatedDate(t *testing.T) {
	resource := map[string]any{
		"resourceType": Patient,
		"meta":         map[string]any{"lastUpdated": "2024-01-02T03:04:05Z"},
	}
	assert.Equal(t, "2024-01-02T03:04:05Z", UpdatedDate(resource))
	assert.Equal(t, "", UpdatedDate(map[string]any{"resourceType": Patient}))
}

func TestPatientTypesOrdering(t *testing.T) {
	// Patient must come first so downstream processing always has the cohort
	// before its dependent resources.
	assert.Equal(t, Patient, PatientTypes[0])
	assert.Equal(t, Encounter, PatientTypes[1])
	assert.Len(t, PatientTypes, 12)
}

func TestScopeTypesIncludeHydrationTargets(t *testing.T) {
	assert.True(t, ScopeTypes[Medication])
	assert.True(t, ScopeTypes[Binary])
	assert.False(t, ScopeTypes[Group])
}
