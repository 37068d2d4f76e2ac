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

package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ehrgrab/ehrgrab/fhir"
)

// Export modes.
const (
	ModeBulk  = "bulk"
	ModeCrawl = "crawl"
)

// Since modes.
const (
	SinceUpdated = "updated"
	SinceCreated = "created"
)

// MetadataFile is the per-SubExport metadata file name.
const MetadataFile = "metadata.json"

// Params are the invocation parameters that define what a SubExport contains.
// Two runs with equal normalized Params describe the same export.
type Params struct {
	FHIRURL     string   `json:"fhir_url"`
	Types       []string `json:"types"`
	TypeFilters []string `json:"type_filters,omitempty"`
	Since       string   `json:"since,omitempty"`
	SinceMode   string   `json:"since_mode,omitempty"`
	Mode        string   `json:"mode"`
	Nickname    string   `json:"nickname,omitempty"`
	Compression bool     `json:"compression"`
}

// Normalized returns a canonical copy: types sorted and deduplicated, filters
// sorted, since in UTC Z form. Hash and equality checks work on this form.
func (p Params) Normalized() Params {
	p.Types = slices.Clone(p.Types)
	slices.Sort(p.Types)
	p.Types = slices.Compact(p.Types)

	p.TypeFilters = slices.Clone(p.TypeFilters)
	slices.Sort(p.TypeFilters)
	p.TypeFilters = slices.Compact(p.TypeFilters)

	p.FHIRURL = strings.TrimSuffix(p.FHIRURL, "/")
	if at, ok := fhir.ParseDateTime(p.Since); ok {
		p.Since = fhir.FormatInstant(at)
	}
	return p
}

// Hash fingerprints the normalized parameters. The nickname is excluded: it
// names a SubExport but does not change what it contains.
func (p Params) Hash() string {
	n := p.Normalized()
	n.Nickname = ""
	canonical, _ := json.Marshal(n)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Ext returns the NDJSON file extension the compression setting selects.
func (p Params) Ext() string {
	if p.Compression {
		return ".ndjson.gz"
	}
	return ".ndjson"
}

// Cohort is the patient-set snapshot of one SubExport. IDs are kept so a later
// run can compute which patients joined or left.
type Cohort struct {
	Source string   `json:"source"`
	Hash   string   `json:"hash"`
	Count  int      `json:"count"`
	IDs    []string `json:"ids,omitempty"`
}

// NewCohort builds a snapshot from a source kind and the sorted patient IDs.
func NewCohort(source string, ids []string) *Cohort {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return &Cohort{
		Source: source,
		Hash:   hex.EncodeToString(sum[:]),
		Count:  len(ids),
		IDs:    ids,
	}
}

// BulkState is the resume token of an in-flight bulk export.
type BulkState struct {
	StatusURL string `json:"status_url,omitempty"`
	// Downloaded maps a manifest output URL to the files it produced, so a
	// resumed run can verify and skip them.
	Downloaded map[string]DownloadRecord `json:"downloaded,omitempty"`
}

// DownloadRecord lists the finished files of one manifest output URL.
type DownloadRecord struct {
	Files []FileRecord `json:"files"`
}

// FileRecord is one finished file with its on-disk size.
type FileRecord struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// HydrationMarker records one hydration task's completion on a SubExport.
type HydrationMarker struct {
	Complete bool   `json:"complete"`
	Count    int    `json:"count"`
	Started  string `json:"started,omitempty"`
	Finished string `json:"finished,omitempty"`
}

// Metadata is the persistent state of one SubExport.
type Metadata struct {
	Version    int    `json:"version"`
	Params     Params `json:"params"`
	ParamsHash string `json:"params_hash"`
	// TransactionTimes holds the completeness upper bound per resource type.
	// A bulk export stores its single server-asserted transactionTime under
	// every exported type so since resolution stays uniform across modes.
	TransactionTimes map[string]string           `json:"transactionTimes,omitempty"`
	Cohort           *Cohort                     `json:"cohort,omitempty"`
	BulkState        *BulkState                  `json:"bulk_state,omitempty"`
	Hydration        map[string]*HydrationMarker `json:"hydration,omitempty"`
	Complete         bool                        `json:"complete"`
	FailedQueries    int                         `json:"failed_queries,omitempty"`
	Started          string                      `json:"started"`
	Finished         string                      `json:"finished,omitempty"`
}

// RecordTransactionTime stores the completeness bound for one resource type.
func (m *Metadata) RecordTransactionTime(resourceType, instant string) {
	if m.TransactionTimes == nil {
		m.TransactionTimes = map[string]string{}
	}
	m.TransactionTimes[resourceType] = instant
}

// HydrationDone reports whether the named hydration task already completed.
func (m *Metadata) HydrationDone(task string) bool {
	marker := m.Hydration[task]
	return marker != nil && marker.Complete
}

// SetHydration records a hydration marker for the named task.
func (m *Metadata) SetHydration(task string, marker *HydrationMarker) {
	if m.Hydration == nil {
		m.Hydration = map[string]*HydrationMarker{}
	}
	m.Hydration[task] = marker
}

func loadMetadata(dir string) (*Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Join(dir, MetadataFile), err)
	}
	return &meta, nil
}

// saveMetadata writes atomically so a crash never leaves a torn file.
func saveMetadata(dir string, meta *Metadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, MetadataFile)
	tmp := filepath.Join(dir, "."+MetadataFile+".tmp")

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(raw, '\n')); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
