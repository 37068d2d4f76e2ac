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

package hydrate

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
	"github.com/ehrgrab/ehrgrab/workspace"
)

// ObservationsTask fetches Observations that are referenced from
// DiagnosticReport.result or Observation.hasMember but absent from the
// SubExport. Fetched Observations can reference further members, so the task
// iterates to closure.
type ObservationsTask struct{}

func (t *ObservationsTask) Name() string { return TaskObservations }

func (t *ObservationsTask) Run(ctx context.Context, h *Hydrator) (int, error) {
	present, err := h.presentIDs(fhir.Observation)
	if err != nil {
		return 0, err
	}

	wanted := map[string]bool{}
	collect := func(resource map[string]any, field string) {
		refs, _ := resource[field].([]any)
		for _, raw := range refs {
			ref, _ := raw.(map[string]any)
			reference, _ := ref["reference"].(string)
			if resourceType, id, ok := fhir.ParseReference(reference); ok &&
				resourceType == fhir.Observation && !present[id] {
				wanted[id] = true
			}
		}
	}
	err = ndjson.ReadDir(h.Sub.Path, fhir.DiagnosticReport, func(line ndjson.Line) error {
		collect(line.Resource, "result")
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = ndjson.ReadDir(h.Sub.Path, fhir.Observation, func(line ndjson.Line) error {
		collect(line.Resource, "hasMember")
		return nil
	})
	if err != nil {
		return 0, err
	}

	writer, err := h.newPage(fhir.Observation)
	if err != nil {
		return 0, err
	}

	total := 0
	for len(wanted) > 0 {
		batch := make([]string, 0, len(wanted))
		for id := range wanted {
			batch = append(batch, id)
			present[id] = true
		}
		slices.Sort(batch)
		wanted = map[string]bool{}

		fetched, err := fetchByID(ctx, h, fhir.Observation, batch)
		if err != nil {
			writer.Abort()
			return total, err
		}
		for _, resource := range fetched {
			if err := writer.Write(resource); err != nil {
				writer.Abort()
				return total, err
			}
			total++
			// Members of members get picked up on the next round.
			collect(resource, "hasMember")
		}
	}
	return total, writer.Close()
}

// MedicationsTask pulls the Medication resources that MedicationRequests
// reference, into their own NDJSON pages.
type MedicationsTask struct{}

func (t *MedicationsTask) Name() string { return TaskMedications }

func (t *MedicationsTask) Run(ctx context.Context, h *Hydrator) (int, error) {
	present, err := h.presentIDs(fhir.Medication)
	if err != nil {
		return 0, err
	}

	wanted := map[string]bool{}
	err = ndjson.ReadDir(h.Sub.Path, fhir.MedicationRequest, func(line ndjson.Line) error {
		ref, _ := line.Resource["medicationReference"].(map[string]any)
		reference, _ := ref["reference"].(string)
		if resourceType, id, ok := fhir.ParseReference(reference); ok &&
			resourceType == fhir.Medication && !present[id] {
			wanted[id] = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(wanted) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	fetched, err := fetchByID(ctx, h, fhir.Medication, ids)
	if err != nil {
		return 0, err
	}

	writer, err := h.newPage(fhir.Medication)
	if err != nil {
		return 0, err
	}
	for _, resource := range fetched {
		if err := writer.Write(resource); err != nil {
			writer.Abort()
			return 0, err
		}
	}
	return len(fetched), writer.Close()
}

// fetchByID fetches resources in parallel under the hydrator's budget.
// Missing references (404) are logged and omitted; result order follows the
// input order.
func fetchByID(ctx context.Context, h *Hydrator, resourceType string, ids []string) ([]map[string]any, error) {
	sem := semaphore.NewWeighted(int64(h.concurrency()))
	group, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	results := make([]map[string]any, len(ids))
	for i, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			resource, err := h.Client.GetResource(ctx, resourceType+"/"+id)
			if err != nil {
				return err
			}
			if resource == nil {
				h.Log.Warning(workspace.EventHydrateWarning).
					Str("resource_type", resourceType).Str("id", id).
					Msg("Referenced resource does not exist on the server")
				return nil
			}
			mu.Lock()
			results[i] = resource
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	fetched := make([]map[string]any, 0, len(ids))
	for _, resource := range results {
		if resource != nil {
			fetched = append(fetched, resource)
		}
	}
	return fetched, nil
}
