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

// Resource type names used throughout the exporter.
const (
	AllergyIntolerance = "AllergyIntolerance"
	Binary             = "Binary"
	BundleType         = "Bundle"
	Condition          = "Condition"
	Device             = "Device"
	DiagnosticReport   = "DiagnosticReport"
	DocumentReference  = "DocumentReference"
	Encounter          = "Encounter"
	Group              = "Group"
	Immunization       = "Immunization"
	Medication         = "Medication"
	MedicationRequest  = "MedicationRequest"
	Observation        = "Observation"
	OperationOutcome   = "OperationOutcome"
	Patient            = "Patient"
	Procedure          = "Procedure"
	ServiceRequest     = "ServiceRequest"
)

// PatientTypes lists all patient-linked resource types in the order we like to
// process them: Patient first, Encounter second, then the rest.
var PatientTypes = []string{
	Patient,
	Encounter,
	AllergyIntolerance,
	Condition,
	Device,
	DiagnosticReport,
	DocumentReference,
	Immunization,
	MedicationRequest,
	Observation,
	Procedure,
	ServiceRequest,
}

// ScopeTypes is the full set of resource types an export may produce, including
// the types that only appear through hydration (Medication, Binary payloads).
var ScopeTypes = func() map[string]bool {
	types := map[string]bool{Binary: true, Medication: true}
	for _, t := range PatientTypes {
		types[t] = true
	}
	return types
}()

// CreatedSearchFields maps resource types to the search parameter that asks
// "when was this record created?" (the administrative date, not the clinical
// date of the described event). Types without a searchable admin date are
// absent and get fetched without a since filter under created mode.
//
// Clinical dates are deliberately not used as a fallback: older records get
// imported into EHRs from external sources all the time, and a clinical-date
// search would miss them.
var CreatedSearchFields = map[string]string{
	AllergyIntolerance: "date",
	Condition:          "recorded-date",
	DiagnosticReport:   "issued",
	DocumentReference:  "date",
	MedicationRequest:  "authoredon",
	// Not searchable per the R4 spec, but some servers allow it (notably Epic).
	Observation:    "issued",
	ServiceRequest: "authored",
}

// CreatedDate returns the field value matching CreatedSearchFields for the
// given resource, or "" when the type carries no administrative date.
func CreatedDate(resource map[string]any) string {
	switch ResourceType(resource) {
	case AllergyIntolerance, Condition:
		return stringField(resource, "recordedDate")
	case DiagnosticReport, Observation:
		return stringField(resource, "issued")
	case DocumentReference:
		return stringField(resource, "date")
	case Immunization:
		// Not searchable yet, but grab it for transaction-time tracking.
		return stringField(resource, "recorded")
	case MedicationRequest, ServiceRequest:
		return stringField(resource, "authoredOn")
	}
	return ""
}

// UpdatedDate returns meta.lastUpdated or "".
func UpdatedDate(resource map[string]any) string {
	if meta, ok := resource["meta"].(map[string]any); ok {
		if updated, ok := meta["lastUpdated"].(string); ok {
			return updated
		}
	}
	return ""
}

// ResourceType returns the resourceType field of a parsed resource or "".
func ResourceType(resource map[string]any) string {
	t, _ := resource["resourceType"].(string)
	return t
}

// ResourceID returns the id field of a parsed resource or "".
func ResourceID(resource map[string]any) string {
	return stringField(resource, "id")
}

func stringField(resource map[string]any, name string) string {
	v, _ := resource[name].(string)
	return v
}
