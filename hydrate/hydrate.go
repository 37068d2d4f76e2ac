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

// Package hydrate post-processes a finished SubExport: inlining clinical
// note attachments, fetching Observations that are referenced but absent,
// and pulling referenced Medication resources.
package hydrate

import (
	"context"
	"fmt"
	"time"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
	"github.com/ehrgrab/ehrgrab/workspace"
)

// Task names, used as completion-marker keys in the SubExport metadata.
const (
	TaskInline       = "inline"
	TaskObservations = "observations"
	TaskMedications  = "medications"
)

// A Task is one idempotent hydration pass over a SubExport.
type Task interface {
	Name() string
	Run(ctx context.Context, h *Hydrator) (count int, err error)
}

// A Hydrator runs hydration tasks against one SubExport, skipping tasks whose
// completion marker is already set.
type Hydrator struct {
	Client *fhir.Client
	Sub    *workspace.SubExport
	Log    *workspace.EventLog

	// Concurrency bounds parallel resource fetches; zero means 4.
	Concurrency int
	// Force re-runs tasks whose marker says complete.
	Force bool

	// OnTaskDone fires after each task with its fetch/update count.
	OnTaskDone func(task string, count int)
}

// DefaultTasks returns the standard hydration pipeline in run order.
// Observations come before Medications only by convention; the tasks are
// independent.
func DefaultTasks(mimetypes []string) []Task {
	return []Task{
		&InlineTask{Mimetypes: mimetypes},
		&ObservationsTask{},
		&MedicationsTask{},
	}
}

// RunAll executes the given tasks, recording a completion marker per task.
func (h *Hydrator) RunAll(ctx context.Context, tasks []Task) error {
	for _, task := range tasks {
		if h.Sub.Meta.HydrationDone(task.Name()) && !h.Force {
			if h.OnTaskDone != nil {
				h.OnTaskDone(task.Name(), 0)
			}
			continue
		}

		marker := &workspace.HydrationMarker{Started: fhir.FormatInstant(time.Now())}
		count, err := task.Run(ctx, h)
		marker.Count = count
		marker.Finished = fhir.FormatInstant(time.Now())
		marker.Complete = err == nil
		h.Sub.Meta.SetHydration(task.Name(), marker)
		if saveErr := h.Sub.SaveMetadata(); saveErr != nil && err == nil {
			err = saveErr
		}
		if err != nil {
			return fmt.Errorf("hydration task %s: %w", task.Name(), err)
		}
		if h.OnTaskDone != nil {
			h.OnTaskDone(task.Name(), count)
		}
	}
	return nil
}

func (h *Hydrator) concurrency() int {
	if h.Concurrency > 0 {
		return h.Concurrency
	}
	return 4
}

// presentIDs scans the SubExport for the ids of one resource type already on
// disk, so re-runs and reference closures never fetch what is present.
func (h *Hydrator) presentIDs(resourceType string) (map[string]bool, error) {
	ids := map[string]bool{}
	err := ndjson.ReadDir(h.Sub.Path, resourceType, func(line ndjson.Line) error {
		if id := fhir.ResourceID(line.Resource); id != "" {
			ids[id] = true
		}
		return nil
	})
	return ids, err
}

// newPage opens a writer on the next free page of a resource type.
func (h *Hydrator) newPage(resourceType string) (*ndjson.Writer, error) {
	index, err := h.Sub.NextPageIndex(resourceType)
	if err != nil {
		return nil, err
	}
	name := ndjson.FileName(resourceType, index, h.Sub.Meta.Params.Compression)
	return ndjson.NewWriter(h.Sub.Path + "/" + name), nil
}
