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

// Package bulk drives a FHIR Bulk Data Access export: kickoff, status
// polling, parallel NDJSON download, and manifest cleanup, with a resume
// token persisted in the SubExport's metadata.
package bulk

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
	"github.com/ehrgrab/ehrgrab/workspace"
)

// Manifest is the bulk status response once the server finishes preparing
// the export.
type Manifest struct {
	TransactionTime string         `json:"transactionTime"`
	Output          []ManifestFile `json:"output"`
	Deleted         []ManifestFile `json:"deleted"`
	Error           []ManifestFile `json:"error"`
}

// ManifestFile is one downloadable NDJSON file of a manifest.
type ManifestFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int    `json:"count,omitempty"`
}

// An Exporter runs one bulk export into one SubExport. Safe for a single
// Run call at a time.
type Exporter struct {
	Client *fhir.Client
	Sub    *workspace.SubExport
	Log    *workspace.EventLog

	// KickoffPath is the export endpoint relative to the server base, like
	// "Patient/$export" or "Group/G1/$export".
	KickoffPath string
	Types       []string
	TypeFilters []string
	Since       string

	// Concurrency bounds parallel file downloads; zero means 5.
	Concurrency int
	// PollDelay is the fallback poll interval when the server sends no
	// Retry-After; zero means a minute.
	PollDelay time.Duration
	// RollSize overrides the download writer's roll threshold in tests.
	RollSize int64

	// OnManifest fires once the server's manifest arrives, before any
	// download starts. Used to size the progress display.
	OnManifest func(manifest *Manifest)
	// OnFileDone fires after each manifest output file lands on disk,
	// including skipped ones during a resume. Used for progress display.
	OnFileDone func(file ManifestFile)

	mu          sync.Mutex
	nextIndex   map[string]int
	fatalIssues int
}

// Run drives the export to completion: Init, Polling, Downloading, Done.
// Transaction times are recorded in the SubExport metadata; the caller
// finalizes.
func (e *Exporter) Run(ctx context.Context) error {
	statusURL, err := e.ensureKickedOff(ctx)
	if err != nil {
		return err
	}

	manifest, err := e.poll(ctx, statusURL)
	if err != nil {
		return err
	}
	if e.OnManifest != nil {
		e.OnManifest(manifest)
	}

	if err := e.download(ctx, manifest); err != nil {
		return err
	}

	e.recordTransactionTime(manifest)
	if err := e.Sub.SaveMetadata(); err != nil {
		return err
	}

	// Cleanup is best-effort; the export is already safe on disk.
	if resp, err := e.Client.Delete(ctx, statusURL); err != nil {
		e.Log.Warning(workspace.EventExportWarning).Str("url", statusURL).Err(err).
			Msg("Could not delete export job on the server")
	} else {
		resp.Body.Close()
	}

	e.Log.Event(workspace.EventExportComplete).
		Str("transaction_time", manifest.TransactionTime).
		Int("files", len(manifest.Output)).Send()
	return nil
}

// ensureKickedOff returns the status URL, sending the kickoff request only
// when no resume token exists yet.
func (e *Exporter) ensureKickedOff(ctx context.Context) (string, error) {
	if state := e.Sub.Meta.BulkState; state != nil && state.StatusURL != "" {
		return state.StatusURL, nil
	}

	kickoffURL := e.kickoffURL()
	resp, err := e.Client.KickOff(ctx, kickoffURL)
	if err != nil {
		return "", fmt.Errorf("bulk export kickoff: %w", err)
	}
	defer resp.Body.Close()

	statusURL := resp.Header.Get("Content-Location")
	if statusURL == "" {
		return "", errors.New("bulk export kickoff returned no Content-Location header")
	}
	statusURL = e.Client.Resolve(statusURL)

	e.Log.Event(workspace.EventKickoff).Str("url", kickoffURL).Str("status_url", statusURL).Send()
	e.Sub.Meta.BulkState = &workspace.BulkState{StatusURL: statusURL}
	return statusURL, e.Sub.SaveMetadata()
}

// kickoffURL joins query parameters by hand: the bulk spec wants the commas
// that separate _type and _typeFilter values unescaped, while commas inside
// an individual type filter must be escaped to survive the condensing.
func (e *Exporter) kickoffURL() string {
	params := []string{"_outputFormat=" + url.QueryEscape(fhir.NDJSONMediaType)}
	if len(e.Types) > 0 {
		params = append(params, "_type="+strings.Join(e.Types, ","))
	}
	if len(e.TypeFilters) > 0 {
		escaped := make([]string, len(e.TypeFilters))
		for i, filter := range e.TypeFilters {
			escaped[i] = url.QueryEscape(filter)
		}
		params = append(params, "_typeFilter="+strings.Join(escaped, ","))
	}
	if e.Since != "" {
		params = append(params, "_since="+url.QueryEscape(e.Since))
	}
	return e.KickoffPath + "?" + strings.Join(params, "&")
}

func (e *Exporter) poll(ctx context.Context, statusURL string) (*Manifest, error) {
	for {
		resp, err := e.Client.Poll(ctx, statusURL)
		if err != nil {
			if errors.Is(err, fhir.ErrExpired) {
				return nil, fmt.Errorf("bulk export status: %w", err)
			}
			return nil, fmt.Errorf("bulk export status poll: %w", err)
		}

		if resp.StatusCode == 202 {
			delay := fhir.ParseRetryAfter(resp, e.pollDelay())
			resp.Body.Close()
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		var manifest Manifest
		if err := json.Unmarshal(body, &manifest); err != nil {
			return nil, fmt.Errorf("parsing bulk export manifest: %w", err)
		}
		e.Log.Event(workspace.EventStatusComplete).
			Str("transaction_time", manifest.TransactionTime).
			Int("output_files", len(manifest.Output)).
			Int("deleted_files", len(manifest.Deleted)).
			Int("error_files", len(manifest.Error)).Send()
		return &manifest, nil
	}
}

func (e *Exporter) pollDelay() time.Duration {
	if e.PollDelay > 0 {
		return e.PollDelay
	}
	return time.Minute
}

func (e *Exporter) download(ctx context.Context, manifest *Manifest) error {
	if err := e.removeOrphanPages(manifest); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	concurrency := e.Concurrency
	if concurrency == 0 {
		concurrency = 5
	}
	group.SetLimit(concurrency)

	for _, file := range manifest.Output {
		group.Go(func() error { return e.downloadOutput(ctx, file) })
	}

	deleted := newDeletionSink()
	for _, file := range manifest.Deleted {
		group.Go(func() error { return e.downloadDeleted(ctx, file, deleted) })
	}
	for _, file := range manifest.Error {
		group.Go(func() error { return e.downloadErrors(ctx, file) })
	}

	if err := group.Wait(); err != nil {
		return err
	}
	if err := e.writeDeleted(deleted); err != nil {
		return err
	}
	if e.fatalIssues > 0 {
		return fmt.Errorf("bulk export reported %d fatal issues, see log.ndjson", e.fatalIssues)
	}
	return nil
}

// downloadOutput streams one manifest file to disk, rolling to fresh page
// indexes as needed. Files already on disk from an interrupted run are
// verified by size and skipped.
func (e *Exporter) downloadOutput(ctx context.Context, file ManifestFile) error {
	if e.alreadyDownloaded(file.URL) {
		if e.OnFileDone != nil {
			e.OnFileDone(file)
		}
		return nil
	}

	resp, err := e.Client.Stream(ctx, file.URL, fhir.NDJSONMediaType)
	if err != nil {
		e.Log.Warning(workspace.EventDownloadError).Str("url", file.URL).Err(err).Send()
		return fmt.Errorf("downloading %s: %w", file.URL, err)
	}
	defer resp.Body.Close()

	var record workspace.DownloadRecord
	lines := 0
	writer := e.newPage(file.Type)
	finishPage := func() error {
		if err := writer.Close(); err != nil {
			return err
		}
		if writer.Lines() > 0 {
			info, err := os.Stat(writer.Path())
			if err != nil {
				return err
			}
			record.Files = append(record.Files, workspace.FileRecord{
				Name: filepath.Base(writer.Path()),
				Size: info.Size(),
			})
		}
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 512<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if writer.Bytes() >= e.rollSize() {
			if err := finishPage(); err != nil {
				return err
			}
			writer = e.newPage(file.Type)
		}
		if err := writer.WriteLine(line); err != nil {
			writer.Abort()
			return fmt.Errorf("writing %s: %w", file.URL, err)
		}
		lines++
	}
	if err := scanner.Err(); err != nil {
		writer.Abort()
		return fmt.Errorf("streaming %s: %w", file.URL, err)
	}
	if err := finishPage(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.Sub.Meta.BulkState.Downloaded == nil {
		e.Sub.Meta.BulkState.Downloaded = map[string]workspace.DownloadRecord{}
	}
	e.Sub.Meta.BulkState.Downloaded[file.URL] = record
	err = e.Sub.SaveMetadata()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.Log.Event(workspace.EventDownloadComplete).
		Str("url", file.URL).Str("resource_type", file.Type).Int("lines", lines).Send()
	if e.OnFileDone != nil {
		e.OnFileDone(file)
	}
	return nil
}

func (e *Exporter) rollSize() int64 {
	if e.RollSize > 0 {
		return e.RollSize
	}
	return ndjson.DefaultRollSize
}

// removeOrphanPages deletes pages a crashed download left behind. A run that
// dies mid-file has already renamed its rolled pages into place without a
// Downloaded record; re-downloading next to them would duplicate every
// resource they hold. Only types with at least one file still to fetch are
// touched, so pages added after a finished download stay put.
func (e *Exporter) removeOrphanPages(manifest *Manifest) error {
	pending := map[string]bool{}
	for _, file := range manifest.Output {
		if !e.alreadyDownloaded(file.URL) {
			pending[file.Type] = true
		}
	}
	if len(pending) == 0 {
		return nil
	}

	accounted := map[string]bool{}
	e.mu.Lock()
	if state := e.Sub.Meta.BulkState; state != nil {
		for _, record := range state.Downloaded {
			for _, f := range record.Files {
				accounted[f.Name] = true
			}
		}
	}
	e.mu.Unlock()

	for resourceType := range pending {
		files, err := ndjson.ListFiles(e.Sub.Path, resourceType)
		if err != nil {
			return err
		}
		for _, path := range files {
			if !accounted[filepath.Base(path)] {
				if err := os.Remove(path); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// alreadyDownloaded verifies a recorded download against the files on disk.
// Mismatched leftovers are removed so the retry starts clean.
func (e *Exporter) alreadyDownloaded(fileURL string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.Sub.Meta.BulkState
	if state == nil {
		return false
	}
	record, ok := state.Downloaded[fileURL]
	if !ok {
		return false
	}
	for _, f := range record.Files {
		info, err := os.Stat(filepath.Join(e.Sub.Path, f.Name))
		if err != nil || info.Size() != f.Size {
			for _, stale := range record.Files {
				os.Remove(filepath.Join(e.Sub.Path, stale.Name))
			}
			delete(state.Downloaded, fileURL)
			return false
		}
	}
	return true
}

// newPage allocates the next dense page index for a resource type. Indexes
// continue past files from an interrupted run.
func (e *Exporter) newPage(resourceType string) *ndjson.Writer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextIndex == nil {
		e.nextIndex = map[string]int{}
	}
	index, ok := e.nextIndex[resourceType]
	if !ok {
		index, _ = e.Sub.NextPageIndex(resourceType)
		if index == 0 {
			index = 1
		}
	}
	e.nextIndex[resourceType] = index + 1

	compressed := e.Sub.Meta.Params.Compression
	return ndjson.NewWriter(filepath.Join(e.Sub.Path, ndjson.FileName(resourceType, index, compressed)))
}

type deletionSink struct {
	mu  sync.Mutex
	ids map[string][]string // resource type → "Type/id" request URLs
}

func newDeletionSink() *deletionSink {
	return &deletionSink{ids: map[string][]string{}}
}

// downloadDeleted reads an NDJSON of Bundles whose entries carry DELETE
// requests and collects the referenced identifiers per resource type.
func (e *Exporter) downloadDeleted(ctx context.Context, file ManifestFile, sink *deletionSink) error {
	return e.streamManifestFile(ctx, file, func(line []byte) error {
		var bundle fhir.SearchBundle
		if err := json.Unmarshal(line, &bundle); err != nil {
			return nil // tolerate junk in deletion feeds
		}
		for _, entry := range bundle.Entry {
			if entry.Request == nil || entry.Request.Method != "DELETE" {
				continue
			}
			resourceType, _, ok := fhir.ParseReference(entry.Request.URL)
			if !ok {
				continue
			}
			sink.mu.Lock()
			sink.ids[resourceType] = append(sink.ids[resourceType], entry.Request.URL)
			sink.mu.Unlock()
		}
		return nil
	})
}

// downloadErrors surfaces the manifest's OperationOutcome files in the event
// log. Fatal issues fail the run once every file has been downloaded;
// anything milder is a warning only.
func (e *Exporter) downloadErrors(ctx context.Context, file ManifestFile) error {
	return e.streamManifestFile(ctx, file, func(line []byte) error {
		var outcome struct {
			Issue []struct {
				Severity    string `json:"severity"`
				Code        string `json:"code"`
				Diagnostics string `json:"diagnostics"`
			} `json:"issue"`
		}
		if err := json.Unmarshal(line, &outcome); err != nil {
			return nil
		}
		for _, issue := range outcome.Issue {
			e.Log.Warning(workspace.EventExportWarning).
				Str("severity", issue.Severity).
				Str("code", issue.Code).
				Str("diagnostics", issue.Diagnostics).Send()
			if issue.Severity == "fatal" {
				e.mu.Lock()
				e.fatalIssues++
				e.mu.Unlock()
			}
		}
		return nil
	})
}

func (e *Exporter) streamManifestFile(ctx context.Context, file ManifestFile, fn func(line []byte) error) error {
	resp, err := e.Client.Stream(ctx, file.URL, fhir.NDJSONMediaType)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", file.URL, err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 512<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// writeDeleted records collected deletions as one transaction Bundle per
// resource type under deleted/.
func (e *Exporter) writeDeleted(sink *deletionSink) error {
	if len(sink.ids) == 0 {
		return nil
	}
	dir, err := e.Sub.DeletedDir()
	if err != nil {
		return err
	}
	for resourceType, urls := range sink.ids {
		writer := ndjson.NewWriter(filepath.Join(dir, resourceType+e.Sub.Meta.Params.Ext()))
		if err := writer.Write(DeletionBundle(urls)); err != nil {
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}
	}
	return nil
}

// DeletionBundle renders "Type/id" request URLs as a FHIR transaction Bundle
// of DELETE entries, the shape consumers of deleted/ files expect.
func DeletionBundle(requestURLs []string) map[string]any {
	entries := make([]any, 0, len(requestURLs))
	for _, u := range requestURLs {
		entries = append(entries, map[string]any{
			"request": map[string]any{"method": "DELETE", "url": u},
		})
	}
	return map[string]any{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry":        entries,
	}
}

func (e *Exporter) recordTransactionTime(manifest *Manifest) {
	types := e.Types
	if len(types) == 0 {
		seen := map[string]bool{}
		for _, file := range manifest.Output {
			if !seen[file.Type] {
				seen[file.Type] = true
				types = append(types, file.Type)
			}
		}
	}
	instant := manifest.TransactionTime
	if at, ok := fhir.ParseDateTime(instant); ok {
		instant = fhir.FormatInstant(at)
	}
	for _, resourceType := range types {
		e.Sub.Meta.RecordTransactionTime(resourceType, instant)
	}
}
