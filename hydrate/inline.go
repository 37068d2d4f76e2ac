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
	"crypto/sha1"
	"encoding/base64"
	"io"
	"mime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
	"github.com/ehrgrab/ehrgrab/workspace"
)

// DefaultMimetypes are the attachment content types inlined by default.
// Binary formats like PDFs stay external unless the user opts in.
var DefaultMimetypes = []string{"text/plain", "text/html", "application/xhtml+xml"}

// hydratedTagSystem marks resources whose attachments were inlined.
const hydratedTagSystem = "urn:ehrgrab:hydrated"

// InlineTask downloads clinical note attachments referenced by URL and
// embeds them as base64 data with size and SHA-1 hash, the way the FHIR
// Attachment type defines those fields.
type InlineTask struct {
	Mimetypes []string
}

func (t *InlineTask) Name() string { return TaskInline }

func (t *InlineTask) Run(ctx context.Context, h *Hydrator) (int, error) {
	total := 0
	for _, resourceType := range []string{fhir.DiagnosticReport, fhir.DocumentReference} {
		count, err := t.inlineType(ctx, h, resourceType)
		if err != nil {
			return total, err
		}
		total += count
	}
	return total, nil
}

// inlineType rewrites each of the type's NDJSON files in place, atomically,
// with attachments inlined. Rewriting in place keeps (resourceType, id)
// unique within the SubExport.
func (t *InlineTask) inlineType(ctx context.Context, h *Hydrator, resourceType string) (int, error) {
	files, err := ndjson.ListFiles(h.Sub.Path, resourceType)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, file := range files {
		var resources []map[string]any
		err := ndjson.ReadFile(file, func(line ndjson.Line) error {
			resources = append(resources, line.Resource)
			return nil
		})
		if err != nil {
			return total, err
		}
		count, err := t.inlineAll(ctx, h, resourceType, resources)
		total += count
		if err != nil {
			return total, err
		}
		if count == 0 {
			continue
		}
		writer := ndjson.NewWriter(file)
		for _, resource := range resources {
			if err := writer.Write(resource); err != nil {
				writer.Abort()
				return total, err
			}
		}
		if err := writer.Close(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// inlineAll downloads the attachments of one page's resources in parallel
// under the hydrator's budget. Every attachment map is written by exactly one
// goroutine; the per-resource counts are merged under a lock.
func (t *InlineTask) inlineAll(ctx context.Context, h *Hydrator, resourceType string, resources []map[string]any) (int, error) {
	type pending struct {
		resource   int
		attachment map[string]any
	}
	var work []pending
	for i, resource := range resources {
		for _, attachment := range attachmentsOf(resourceType, resource) {
			work = append(work, pending{resource: i, attachment: attachment})
		}
	}
	if len(work) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(int64(h.concurrency()))
	group, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	total := 0
	counts := make([]int, len(resources))
	for _, item := range work {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			inlined, err := t.inlineAttachment(ctx, h, item.attachment)
			if err != nil {
				return err
			}
			if inlined {
				mu.Lock()
				counts[item.resource]++
				total++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return total, err
	}

	for i, resource := range resources {
		if counts[i] > 0 {
			markHydrated(resource)
		}
	}
	return total, nil
}

// attachmentsOf returns the mutable attachment maps of a resource:
// presentedForm for DiagnosticReport, content[].attachment for
// DocumentReference.
func attachmentsOf(resourceType string, resource map[string]any) []map[string]any {
	var attachments []map[string]any
	switch resourceType {
	case fhir.DiagnosticReport:
		forms, _ := resource["presentedForm"].([]any)
		for _, raw := range forms {
			if attachment, ok := raw.(map[string]any); ok {
				attachments = append(attachments, attachment)
			}
		}
	case fhir.DocumentReference:
		contents, _ := resource["content"].([]any)
		for _, raw := range contents {
			content, _ := raw.(map[string]any)
			if attachment, ok := content["attachment"].(map[string]any); ok {
				attachments = append(attachments, attachment)
			}
		}
	}
	return attachments
}

// inlineAttachment fetches one attachment by URL and fills in data, size,
// and hash. Already-inlined attachments and disallowed content types are
// left alone; fetch failures are warnings, not task failures.
func (t *InlineTask) inlineAttachment(ctx context.Context, h *Hydrator, attachment map[string]any) (bool, error) {
	attachmentURL, _ := attachment["url"].(string)
	if attachmentURL == "" {
		return false, nil
	}
	if data, _ := attachment["data"].(string); data != "" {
		return false, nil
	}
	contentType, _ := attachment["contentType"].(string)
	base := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		base = parsed
	}
	if !t.allowedType(base) {
		h.Log.Warning(workspace.EventHydrateWarning).
			Str("url", attachmentURL).Str("content_type", contentType).
			Msg("Skipping attachment with non-inlined content type")
		return false, nil
	}

	resp, err := h.Client.Get(ctx, attachmentURL, contentType)
	if err != nil {
		h.Log.Warning(workspace.EventHydrateWarning).
			Str("url", attachmentURL).Err(err).Msg("Could not fetch attachment")
		return false, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}

	sum := sha1.Sum(body)
	attachment["data"] = base64.StdEncoding.EncodeToString(body)
	attachment["size"] = len(body)
	attachment["hash"] = base64.StdEncoding.EncodeToString(sum[:])
	return true, nil
}

func (t *InlineTask) allowedType(base string) bool {
	mimetypes := t.Mimetypes
	if len(mimetypes) == 0 {
		mimetypes = DefaultMimetypes
	}
	for _, m := range mimetypes {
		if strings.EqualFold(m, base) {
			return true
		}
	}
	return false
}

// markHydrated tags the resource so consumers can tell original payloads
// from hydrated ones.
func markHydrated(resource map[string]any) {
	meta, _ := resource["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		resource["meta"] = meta
	}
	tags, _ := meta["tag"].([]any)
	for _, raw := range tags {
		if tag, ok := raw.(map[string]any); ok && tag["system"] == hydratedTagSystem {
			return
		}
	}
	meta["tag"] = append(tags, map[string]any{"system": hydratedTagSystem, "code": "inlined"})
}
