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
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrgrab/ehrgrab/bulk"
	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
	"github.com/ehrgrab/ehrgrab/workspace"
)

// A Crawler walks (patient, resource type) pairs with bounded fan-out and
// streams results into the SubExport's NDJSON files. Failed queries are
// logged and counted, never fatal; the SubExport stays incomplete when any
// query finally failed.
type Crawler struct {
	Client  *fhir.Client
	Sub     *workspace.SubExport
	Log     *workspace.EventLog
	Filters *Filters

	Types  []string
	Cohort *Cohort

	// PatientConcurrency bounds patients in flight (default 8);
	// TypeConcurrency bounds resource-type queries per patient (default 4).
	PatientConcurrency int
	TypeConcurrency    int

	// SkipPatientFetch is set when Patient resources already landed through
	// a Group bulk export during cohort resolution.
	SkipPatientFetch bool

	// OnPatientDone fires after all of one patient's types finished.
	OnPatientDone func(patientID string)
	// OnQueryDone fires with the wall time of every finished search query,
	// failed ones included. Used for the latency summary.
	OnQueryDone func(elapsed time.Duration)

	mu     sync.Mutex
	types  map[string]*typeState
	merged []string
	failed int
}

// typeState serializes all writes for one resource type. One goroutine at a
// time holds mu; the dedup set and the writer are only touched under it.
type typeState struct {
	mu      sync.Mutex
	writer  *ndjson.RollingWriter
	seen    map[string]bool
	maxDate time.Time
	started time.Time
}

// Run crawls every (patient, type) pair and records per-type transaction
// times. The caller finalizes the SubExport afterwards.
func (c *Crawler) Run(ctx context.Context) error {
	c.types = map[string]*typeState{}
	for _, resourceType := range c.Types {
		if resourceType == fhir.Patient && c.SkipPatientFetch {
			continue
		}
		index, err := c.Sub.NextPageIndex(resourceType)
		if err != nil {
			return err
		}
		c.types[resourceType] = &typeState{
			writer: ndjson.NewRollingWriter(c.Sub.Path, resourceType,
				c.Sub.Meta.Params.Compression, index),
			seen:    map[string]bool{},
			started: time.Now(),
		}
	}

	patients, ctx := errgroup.WithContext(ctx)
	patients.SetLimit(c.patientConcurrency())
	for _, patientID := range c.Cohort.IDs {
		patients.Go(func() error {
			if err := c.crawlPatient(ctx, patientID); err != nil {
				return err
			}
			if c.OnPatientDone != nil {
				c.OnPatientDone(patientID)
			}
			return nil
		})
	}
	if err := patients.Wait(); err != nil {
		c.closeWriters()
		return err
	}

	if err := c.finish(); err != nil {
		return err
	}
	return c.Sub.SaveMetadata()
}

func (c *Crawler) patientConcurrency() int {
	if c.PatientConcurrency > 0 {
		return c.PatientConcurrency
	}
	return 8
}

func (c *Crawler) typeConcurrency() int {
	if c.TypeConcurrency > 0 {
		return c.TypeConcurrency
	}
	return 4
}

func (c *Crawler) crawlPatient(ctx context.Context, patientID string) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(c.typeConcurrency())
	withSince := !c.Cohort.New[patientID]
	for resourceType := range c.types {
		group.Go(func() error {
			return c.crawlType(ctx, patientID, resourceType, withSince)
		})
	}
	return group.Wait()
}

// crawlType runs every query for one (patient, type) pair. Query failures
// are absorbed here: logged with context, counted, and the crawl moves on.
func (c *Crawler) crawlType(ctx context.Context, patientID, resourceType string, withSince bool) error {
	state := c.types[resourceType]
	for _, query := range c.Filters.QueriesFor(resourceType, patientID, withSince) {
		start := time.Now()
		err := c.Client.SearchPages(ctx, query, func(bundle *fhir.SearchBundle) error {
			return c.writePage(state, resourceType, bundle)
		})
		if c.OnQueryDone != nil {
			c.OnQueryDone(time.Since(start))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Log.Warning(workspace.EventQueryFailed).
				Str("patient", patientID).
				Str("resource_type", resourceType).
				Str("url", query).
				Err(err).Send()
			c.mu.Lock()
			c.failed++
			c.mu.Unlock()
		}
	}
	return nil
}

func (c *Crawler) writePage(state *typeState, resourceType string, bundle *fhir.SearchBundle) error {
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, entry := range bundle.Entry {
		resource, err := entry.Parse()
		if err != nil {
			continue
		}
		// Searches can interleave OperationOutcome or included resources.
		if fhir.ResourceType(resource) != resourceType {
			continue
		}
		id := fhir.ResourceID(resource)
		if id == "" || state.seen[id] {
			continue
		}
		state.seen[id] = true

		if err := state.writer.Write(resource); err != nil {
			return err
		}
		if date, ok := fhir.ParseDateTime(c.Filters.DateSeen(resource)); ok && date.After(state.maxDate) {
			state.maxDate = date
		}
		if resourceType == fhir.Patient {
			if replaced := ReplacedPatients(resource); len(replaced) > 0 {
				c.mu.Lock()
				c.merged = append(c.merged, replaced...)
				c.mu.Unlock()
			}
		}
	}
	return nil
}

// finish closes the writers and records transaction times. The bound for a
// type is the newest relevant date seen, clamped to the type's crawl start;
// claiming anything later would overstate completeness, and erring earlier
// only costs duplicates on the next run.
func (c *Crawler) finish() error {
	for resourceType, state := range c.types {
		if err := state.writer.Close(); err != nil {
			return err
		}
		bound := state.started
		if !state.maxDate.IsZero() && state.maxDate.Before(bound) {
			bound = state.maxDate
		}
		c.Sub.Meta.RecordTransactionTime(resourceType, fhir.FormatInstant(bound))
	}
	c.Sub.Meta.FailedQueries += c.failed

	if len(c.merged) > 0 {
		if err := c.writeMerged(); err != nil {
			return err
		}
	}
	return nil
}

// writeMerged records patients that were merged into another record as
// deletions, alongside any the cohort reconciliation already wrote.
func (c *Crawler) writeMerged() error {
	dir, err := c.Sub.DeletedDir()
	if err != nil {
		return err
	}
	urls := make([]string, 0, len(c.merged))
	seen := map[string]bool{}
	for _, id := range c.merged {
		if !seen[id] {
			seen[id] = true
			urls = append(urls, fhir.Patient+"/"+id)
		}
	}

	path := filepath.Join(dir, fhir.Patient+c.Sub.Meta.Params.Ext())
	var bundles []map[string]any
	_ = ndjson.ReadFile(path, func(line ndjson.Line) error {
		bundles = append(bundles, line.Resource)
		return nil
	})
	bundles = append(bundles, bulk.DeletionBundle(urls))

	writer := ndjson.NewWriter(path)
	for _, bundle := range bundles {
		if err := writer.Write(bundle); err != nil {
			return err
		}
	}
	return writer.Close()
}

func (c *Crawler) closeWriters() {
	for _, state := range c.types {
		_ = state.writer.Close()
	}
}
