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
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/ndjson"
	"github.com/ehrgrab/ehrgrab/workspace"
)

func newResolver(t *testing.T, serverURL string) (*Resolver, *workspace.Workspace) {
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
		Types:   []string{"Patient"},
		Mode:    workspace.ModeCrawl,
	})
	require.NoError(t, err)
	log, err := sub.OpenEventLog()
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	return &Resolver{Client: client, Sub: sub, Log: log}, ws
}

func TestResolveIDListWithoutSystem(t *testing.T) {
	resolver, _ := newResolver(t, "http://unused.invalid")

	cohort, err := resolver.Resolve(context.Background(),
		CohortSource{IDList: []string{"p2", "p1", "p2"}}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, cohort.IDs)
	assert.Equal(t, "id-list", cohort.Source)
	assert.Empty(t, cohort.New)

	meta := resolver.Sub.Meta.Cohort
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.Count)
	assert.Equal(t, []string{"p1", "p2"}, meta.IDs)
}

func TestResolveIDListWithSystem(t *testing.T) {
	var sawIdentifier string
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/Patient", req.URL.Path)
		sawIdentifier = req.URL.Query().Get("identifier")
		fmt.Fprint(res, searchBundle(`{"resourceType": "Patient", "id": "123"}`))
	}))
	t.Cleanup(server.Close)

	resolver, _ := newResolver(t, server.URL)
	cohort, err := resolver.Resolve(context.Background(),
		CohortSource{IDList: []string{"abc"}, IDSystem: "uri:oid:1.2.3.4"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "uri:oid:1.2.3.4|abc", sawIdentifier)
	assert.Equal(t, []string{"123"}, cohort.IDs)
}

func TestResolveIDFileCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patients.csv")
	require.NoError(t, os.WriteFile(path, []byte("Name,MRN,Age\nAlice,m1,40\nBob,m2,41\n"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		identifier := req.URL.Query().Get("identifier")
		assert.Equal(t, "sys|m1,sys|m2", identifier)
		fmt.Fprint(res, searchBundle(
			`{"resourceType": "Patient", "id": "p1"}`,
			`{"resourceType": "Patient", "id": "p2"}`))
	}))
	t.Cleanup(server.Close)

	resolver, _ := newResolver(t, server.URL)
	cohort, err := resolver.Resolve(context.Background(),
		CohortSource{IDFile: path, IDSystem: "sys"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, cohort.IDs)
	assert.Equal(t, "id-file", cohort.Source)
}

func TestResolveIDFilePlainList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("p1\n\np2\n"), 0o644))

	resolver, _ := newResolver(t, "http://unused.invalid")
	cohort, err := resolver.Resolve(context.Background(), CohortSource{IDFile: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, cohort.IDs)
}

func TestResolveSourceDir(t *testing.T) {
	dir := t.TempDir()
	writer := ndjson.NewWriter(filepath.Join(dir, "Patient.001.ndjson"))
	require.NoError(t, writer.Write(map[string]any{"resourceType": "Patient", "id": "p9"}))
	require.NoError(t, writer.Close())

	resolver, _ := newResolver(t, "http://unused.invalid")
	cohort, err := resolver.Resolve(context.Background(), CohortSource{SourceDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p9"}, cohort.IDs)
	assert.Equal(t, "source-dir", cohort.Source)
}

func TestResolveGroupViaBulkExport(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/Group/G1/$export":
			assert.Equal(t, "Patient", req.URL.Query().Get("_type"))
			res.Header().Set("Content-Location", server.URL+"/__status/g")
			res.WriteHeader(http.StatusAccepted)
		case "/__status/g":
			if req.Method == http.MethodDelete {
				res.WriteHeader(http.StatusAccepted)
				return
			}
			fmt.Fprintf(res, `{"transactionTime": "2024-03-05T00:00:00Z",
				"output": [{"type": "Patient", "url": "%s/__files/Patient"}]}`, server.URL)
		case "/__files/Patient":
			fmt.Fprintln(res, `{"resourceType": "Patient", "id": "p1"}`)
			fmt.Fprintln(res, `{"resourceType": "Patient", "id": "p2"}`)
		default:
			res.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	resolver, _ := newResolver(t, server.URL)
	cohort, err := resolver.Resolve(context.Background(), CohortSource{Group: "G1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, cohort.IDs)
	assert.Equal(t, "group", cohort.Source)

	// Membership export left the Patient resources in the SubExport.
	count, err := ndjson.CountLines(filepath.Join(resolver.Sub.Path, "Patient.001.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestResolveDeltaReconciliation(t *testing.T) {
	resolver, _ := newResolver(t, "http://unused.invalid")

	prior := &workspace.SubExport{Meta: &workspace.Metadata{
		Cohort: workspace.NewCohort("id-list", []string{"p1", "p3"}),
	}}

	cohort, err := resolver.Resolve(context.Background(),
		CohortSource{IDList: []string{"p1", "p2"}}, prior)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, cohort.IDs)
	assert.True(t, cohort.New["p2"])
	assert.False(t, cohort.New["p1"])
	assert.Equal(t, []string{"p3"}, cohort.Removed)

	var deletedURLs []string
	require.NoError(t, ndjson.ReadFile(
		filepath.Join(resolver.Sub.Path, "deleted", "Patient.ndjson"),
		func(line ndjson.Line) error {
			for _, entry := range line.Resource["entry"].([]any) {
				request := entry.(map[string]any)["request"].(map[string]any)
				deletedURLs = append(deletedURLs, request["url"].(string))
			}
			return nil
		}))
	assert.Equal(t, []string{"Patient/p3"}, deletedURLs)
}

func TestResolveWithoutSourceFails(t *testing.T) {
	resolver, _ := newResolver(t, "http://unused.invalid")
	_, err := resolver.Resolve(context.Background(), CohortSource{}, nil)
	assert.Error(t, err)
}
