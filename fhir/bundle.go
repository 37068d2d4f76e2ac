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
	"encoding/json"
	"net/url"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// SearchBundle is the slice of a Bundle a search consumer needs: raw entry
// resources plus the pagination links. Parsing entries lazily keeps large
// result pages cheap.
type SearchBundle struct {
	ResourceType string          `json:"resourceType"`
	Type         string          `json:"type"`
	Entry        []SearchEntry   `json:"entry,omitempty"`
	Link         []fm.BundleLink `json:"link,omitempty"`
}

// SearchEntry represents the Bundle.entry BackboneElement of a searchset.
type SearchEntry struct {
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *SearchInfo     `json:"search,omitempty"`
	Request  *RequestInfo    `json:"request,omitempty"`
}

// Parse decodes the entry's resource into a generic map.
func (e SearchEntry) Parse() (map[string]any, error) {
	var resource map[string]any
	err := json.Unmarshal(e.Resource, &resource)
	return resource, err
}

// SearchInfo represents the Bundle.entry.search BackboneElement.
type SearchInfo struct {
	Mode string `json:"mode,omitempty"`
}

// RequestInfo represents the Bundle.entry.request BackboneElement, as it
// appears in deletion bundles from bulk export manifests.
type RequestInfo struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NextPageURL extracts the URL of the next result page from a bundle's links,
// per https://www.iana.org/assignments/link-relations. Returns nil when the
// bundle is the last page. An error is only returned for an unparsable URL.
func NextPageURL(links []fm.BundleLink) (*url.URL, error) {
	for _, link := range links {
		if link.Relation == "next" && link.Url != "" {
			return url.Parse(link.Url)
		}
	}
	return nil, nil
}

// UnmarshalSearchBundle reads a searchset Bundle from raw JSON.
func UnmarshalSearchBundle(body []byte) (SearchBundle, error) {
	var bundle SearchBundle
	err := json.Unmarshal(body, &bundle)
	return bundle, err
}
