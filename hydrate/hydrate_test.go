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
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
	"github.com/ehrgrab/ehrgrab/workspace"
)

const noteText = "Patient is doing fine."

func newHydrateServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		requests.Add(1)
		switch req.URL.Path {
		case "/notes/n1":
			res.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(res, noteText)
		case "/Observation/o99":
			fmt.Fprint(res, `{"resourceType": "Observation", "id": "o99",
				"hasMember": [{"reference": "Observation/o100"}]}`)
		case "/Observation/o100":
			fmt.Fprint(res, `{"resourceType": "Observation", "id": "o100"}`)
		case "/Observation/gone":
			res.WriteHeader(http.StatusNotFound)
		case "/Medication/m1":
			fmt.Fprint(res, `{"resourceType": "Medication", "id": "m1"}`)
		default:
			res.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func writePage(t *testing.T, dir, name string, resources ...map[string]any) {
	t.Helper()
	writer := ndjson.NewWriter(filepath.Join(dir, name))
	for _, resource := range resources {
		require.NoError(t, writer.Write(resource))
	}
	require.NoError(t, writer.Close())
}

func newHydrator(t *testing.T, serverURL string) *Hydrator {
	t.Helper()
	baseURL, err := url.Parse(serverURL)
	require.NoError(t, err)
	client := fhir.NewClient(baseURL, nil)
	client.RetryDelays = []time.Duration{0}

	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	sub, err := ws.Begin(workspace.Params{
		FHIRURL: serverURL,
		Types:   []string{"DiagnosticReport", "Observation", "MedicationRequest"},
		Mode:    workspace.ModeCrawl,
	})
	require.NoError(t, err)
	log, err := sub.OpenEventLog()
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	writePage(t, sub.Path, "DiagnosticReport.001.ndjson", map[string]any{
		"resourceType": "DiagnosticReport",
		"id":           "dr1",
		"result": []any{
			map[string]any{"reference": "Observation/o99"},
			map[string]any{"reference": "Observation/o1"},
			map[string]any{"reference": "Observation/gone"},
		},
		"presentedForm": []any{
			map[string]any{"contentType": "text/plain; charset=utf-8", "url": serverURL + "/notes/n1"},
			map[string]any{"contentType": "application/pdf", "url": serverURL + "/notes/pdf1"},
		},
	})
	writePage(t, sub.Path, "Observation.001.ndjson", map[string]any{
		"resourceType": "Observation", "id": "o1",
	})
	writePage(t, sub.Path, "MedicationRequest.001.ndjson", map[string]any{
		"resourceType":        "MedicationRequest",
		"id":                  "mr1",
		"medicationReference": map[string]any{"reference": "Medication/m1"},
	})

	return &Hydrator{Client: client, Sub: sub, Log: log}
}

func TestHydratorRunAll(t *testing.T) {
	server, _ := newHydrateServer(t)
	h := newHydrator(t, server.URL)

	require.NoError(t, h.RunAll(context.Background(), DefaultTasks(nil)))

	// The text note was inlined with data, size, and SHA-1 hash; the PDF was
	// left external.
	var report map[string]any
	require.NoError(t, ndjson.ReadDir(h.Sub.Path, "DiagnosticReport", func(line ndjson.Line) error {
		report = line.Resource
		return nil
	}))
	forms := report["presentedForm"].([]any)
	note := forms[0].(map[string]any)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(noteText)), note["data"])
	assert.Equal(t, float64(len(noteText)), note["size"])
	sum := sha1.Sum([]byte(noteText))
	assert.Equal(t, base64.StdEncoding.EncodeToString(sum[:]), note["hash"])
	pdf := forms[1].(map[string]any)
	assert.Nil(t, pdf["data"])

	meta := report["meta"].(map[string]any)
	assert.Len(t, meta["tag"], 1)

	// Referenced Observations were closed over: o99 plus its member o100;
	// o1 was present, "gone" was a 404 soft miss.
	ids := map[string]int{}
	require.NoError(t, ndjson.ReadDir(h.Sub.Path, "Observation", func(line ndjson.Line) error {
		ids[line.Resource["id"].(string)]++
		return nil
	}))
	assert.Equal(t, map[string]int{"o1": 1, "o99": 1, "o100": 1}, ids)

	// The referenced Medication landed on its own page.
	count, err := ndjson.CountLines(filepath.Join(h.Sub.Path, "Medication.001.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	for _, task := range []string{TaskInline, TaskObservations, TaskMedications} {
		marker := h.Sub.Meta.Hydration[task]
		require.NotNil(t, marker, task)
		assert.True(t, marker.Complete, task)
	}
	assert.Equal(t, 1, h.Sub.Meta.Hydration[TaskInline].Count)
	assert.Equal(t, 2, h.Sub.Meta.Hydration[TaskObservations].Count)
	assert.Equal(t, 1, h.Sub.Meta.Hydration[TaskMedications].Count)
}

func TestHydratorIdempotent(t *testing.T) {
	server, requests := newHydrateServer(t)
	h := newHydrator(t, server.URL)

	require.NoError(t, h.RunAll(context.Background(), DefaultTasks(nil)))
	afterFirst := requests.Load()

	// Completed markers short-circuit the second run entirely.
	require.NoError(t, h.RunAll(context.Background(), DefaultTasks(nil)))
	assert.Equal(t, afterFirst, requests.Load())

	// A forced re-run only re-probes the still-missing 404 reference; the
	// inlined attachments and fetched resources are all found on disk.
	h.Force = true
	require.NoError(t, h.RunAll(context.Background(), DefaultTasks(nil)))
	assert.Equal(t, afterFirst+1, requests.Load())

	files, err := ndjson.ListFiles(h.Sub.Path, "Medication")
	require.NoError(t, err)
	assert.Len(t, files, 1)
	ids := map[string]int{}
	require.NoError(t, ndjson.ReadDir(h.Sub.Path, "Observation", func(line ndjson.Line) error {
		ids[line.Resource["id"].(string)]++
		return nil
	}))
	assert.Equal(t, map[string]int{"o1": 1, "o99": 1, "o100": 1}, ids)
}

func TestInlineTaskFetchesAttachmentsInParallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		res.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(res, noteText)
	}))
	t.Cleanup(server.Close)

	baseURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(baseURL, nil)
	client.RetryDelays = []time.Duration{0}

	ws, err := workspace.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	sub, err := ws.Begin(workspace.Params{
		FHIRURL: server.URL,
		Types:   []string{"DocumentReference"},
		Mode:    workspace.ModeCrawl,
	})
	require.NoError(t, err)
	log, err := sub.OpenEventLog()
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	var docs []map[string]any
	for i := 1; i <= 4; i++ {
		docs = append(docs, map[string]any{
			"resourceType": "DocumentReference",
			"id":           fmt.Sprintf("doc%d", i),
			"content": []any{map[string]any{"attachment": map[string]any{
				"contentType": "text/plain",
				"url":         fmt.Sprintf("%s/notes/n%d", server.URL, i),
			}}},
		})
	}
	writePage(t, sub.Path, "DocumentReference.001.ndjson", docs...)

	h := &Hydrator{Client: client, Sub: sub, Log: log, Concurrency: 4}
	count, err := (&InlineTask{}).Run(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// The slow handler holds each download long enough that a bounded fan-out
	// overlaps them; a one-at-a-time loop would never exceed one in flight.
	assert.Greater(t, peak.Load(), int32(1))

	data := base64.StdEncoding.EncodeToString([]byte(noteText))
	require.NoError(t, ndjson.ReadDir(sub.Path, "DocumentReference", func(line ndjson.Line) error {
		content := line.Resource["content"].([]any)[0].(map[string]any)
		attachment := content["attachment"].(map[string]any)
		assert.Equal(t, data, attachment["data"])
		return nil
	}))
}
