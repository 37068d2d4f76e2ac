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
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ehrgrab/ehrgrab/bulk"
	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
	"github.com/ehrgrab/ehrgrab/workspace"
)

// identifierBatchSize bounds how many identifier values go into one
// Patient?identifier= search.
const identifierBatchSize = 100

// CohortSource names where the patient set comes from. The fields are
// mutually exclusive and evaluated in declaration order.
type CohortSource struct {
	IDList    []string // identifier or Patient.id values
	IDFile    string   // newline list or CSV with an ID/MRN column
	SourceDir string   // another workspace's Patient NDJSON
	Group     string   // server-side FHIR Group id
	// IDSystem, when set, turns IDList/IDFile values into
	// Patient.identifier lookups under that system.
	IDSystem string
}

// Kind returns the metadata source label, or "" when no source is set.
func (s CohortSource) Kind() string {
	switch {
	case len(s.IDList) > 0:
		return "id-list"
	case s.IDFile != "":
		return "id-file"
	case s.SourceDir != "":
		return "source-dir"
	case s.Group != "":
		return "group"
	}
	return ""
}

// Cohort is a resolved patient set plus its delta against the prior export.
type Cohort struct {
	// IDs are local Patient.id values, sorted.
	IDs []string
	// New marks patients absent from the prior cohort; they are crawled
	// without a since bound.
	New map[string]bool
	// Removed lists patients present before but gone now.
	Removed []string
	Source  string
}

// A Resolver turns a CohortSource into local Patient IDs, using the server
// for identifier lookups and Group membership.
type Resolver struct {
	Client *fhir.Client
	Sub    *workspace.SubExport
	Log    *workspace.EventLog
}

// Resolve produces the cohort and reconciles it against the newest completed
// SubExport of the workspace: removed patients are written to
// deleted/Patient.ndjson, new ones flagged for a full crawl.
func (r *Resolver) Resolve(ctx context.Context, source CohortSource, prior *workspace.SubExport) (*Cohort, error) {
	ids, err := r.localIDs(ctx, source)
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	cohort := &Cohort{IDs: ids, New: map[string]bool{}, Source: source.Kind()}

	var priorIDs map[string]bool
	if prior != nil && prior.Meta.Cohort != nil {
		priorIDs = map[string]bool{}
		for _, id := range prior.Meta.Cohort.IDs {
			priorIDs[id] = true
		}
	}
	if priorIDs != nil {
		current := map[string]bool{}
		for _, id := range ids {
			current[id] = true
			if !priorIDs[id] {
				cohort.New[id] = true
			}
		}
		for id := range priorIDs {
			if !current[id] {
				cohort.Removed = append(cohort.Removed, id)
			}
		}
		slices.Sort(cohort.Removed)
	}

	if len(cohort.Removed) > 0 {
		if err := r.writeRemoved(cohort.Removed); err != nil {
			return nil, err
		}
	}

	r.Sub.Meta.Cohort = workspace.NewCohort(cohort.Source, ids)
	return cohort, r.Sub.SaveMetadata()
}

func (r *Resolver) localIDs(ctx context.Context, source CohortSource) ([]string, error) {
	switch {
	case len(source.IDList) > 0:
		return r.resolveIdentifiers(ctx, source.IDList, source.IDSystem)
	case source.IDFile != "":
		values, err := readIDFile(source.IDFile)
		if err != nil {
			return nil, err
		}
		return r.resolveIdentifiers(ctx, values, source.IDSystem)
	case source.SourceDir != "":
		return readPatientIDs(source.SourceDir)
	case source.Group != "":
		return r.resolveGroup(ctx, source.Group)
	}
	return nil, errors.New("no cohort source given: need --group, --id-list, --id-file, or --source-dir")
}

// resolveIdentifiers maps identifier values to local Patient IDs via batched
// identifier searches. Without a system, values already are Patient IDs.
func (r *Resolver) resolveIdentifiers(ctx context.Context, values []string, system string) ([]string, error) {
	if system == "" {
		return values, nil
	}

	var ids []string
	for batch := range slices.Chunk(values, identifierBatchSize) {
		tokens := make([]string, len(batch))
		for i, value := range batch {
			tokens[i] = url.QueryEscape(system + "|" + value)
		}
		search := "Patient?identifier=" + strings.Join(tokens, ",")
		err := r.Client.SearchPages(ctx, search, func(bundle *fhir.SearchBundle) error {
			for _, entry := range bundle.Entry {
				resource, err := entry.Parse()
				if err != nil {
					return err
				}
				if fhir.ResourceType(resource) == fhir.Patient {
					ids = append(ids, fhir.ResourceID(resource))
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("resolving patient identifiers: %w", err)
		}
	}
	return ids, nil
}

// resolveGroup discovers Group membership the standard way: a Patient-only
// bulk export against the Group. The Patient resources land in the SubExport
// as a side effect, which the crawl then skips re-fetching.
func (r *Resolver) resolveGroup(ctx context.Context, group string) ([]string, error) {
	exporter := &bulk.Exporter{
		Client:      r.Client,
		Sub:         r.Sub,
		Log:         r.Log,
		KickoffPath: "Group/" + group + "/$export",
		Types:       []string{fhir.Patient},
	}
	if err := exporter.Run(ctx); err != nil {
		return nil, fmt.Errorf("resolving group %s membership: %w", group, err)
	}
	return readPatientIDs(r.Sub.Path)
}

func readPatientIDs(dir string) ([]string, error) {
	var ids []string
	err := ndjson.ReadDir(dir, fhir.Patient, func(line ndjson.Line) error {
		if id := fhir.ResourceID(line.Resource); id != "" {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no Patient resources found in %s", dir)
	}
	return ids, nil
}

// readIDFile accepts a plain newline list or a CSV whose header names an ID
// or MRN column (case-insensitive).
func readIDFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, fmt.Errorf("%s is empty", path)
	}

	firstLine, _, _ := strings.Cut(text, "\n")
	if !strings.Contains(firstLine, ",") {
		var values []string
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				values = append(values, line)
			}
		}
		return values, nil
	}

	records, err := csv.NewReader(strings.NewReader(text)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s as CSV: %w", path, err)
	}
	column := -1
	for i, name := range records[0] {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id", "mrn":
			column = i
		}
	}
	if column < 0 {
		return nil, fmt.Errorf("%s has no ID or MRN column", path)
	}
	var values []string
	for _, record := range records[1:] {
		if column < len(record) && strings.TrimSpace(record[column]) != "" {
			values = append(values, strings.TrimSpace(record[column]))
		}
	}
	return values, nil
}

// writeRemoved records patients that left the cohort as a DELETE transaction
// Bundle under deleted/.
func (r *Resolver) writeRemoved(removed []string) error {
	dir, err := r.Sub.DeletedDir()
	if err != nil {
		return err
	}
	urls := make([]string, len(removed))
	for i, id := range removed {
		urls[i] = fhir.Patient + "/" + id
	}
	writer := ndjson.NewWriter(filepath.Join(dir, fhir.Patient+r.Sub.Meta.Params.Ext()))
	if err := writer.Write(bulk.DeletionBundle(urls)); err != nil {
		return err
	}
	return writer.Close()
}

// ReplacedPatients extracts the IDs of patients this Patient resource
// absorbed through a merge, from link entries of type "replaces". Merged-away
// records count as deletions downstream.
func ReplacedPatients(patient map[string]any) []string {
	links, _ := patient["link"].([]any)
	var replaced []string
	for _, raw := range links {
		link, _ := raw.(map[string]any)
		if link["type"] != "replaces" {
			continue
		}
		other, _ := link["other"].(map[string]any)
		reference, _ := other["reference"].(string)
		if resourceType, id, ok := fhir.ParseReference(reference); ok && resourceType == fhir.Patient {
			replaced = append(replaced, id)
		}
	}
	return replaced
}
