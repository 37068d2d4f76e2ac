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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	baseURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	client := NewClient(baseURL, nil)
	client.RetryDelays = []time.Duration{0, 0, 0, 0}
	return client, server
}

func TestGetSuccess(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/Patient/p1", req.URL.Path)
		assert.Equal(t, JSONMediaType, req.Header.Get("Accept"))
		res.Header().Set("Content-Type", JSONMediaType)
		fmt.Fprint(res, `{"resourceType": "Patient", "id": "p1"}`)
	}))

	resp, err := client.Get(context.Background(), "Patient/p1", "")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType": "Patient", "id": "p1"}`, string(body))
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			res.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(res, `{"resourceType": "Patient", "id": "p1"}`)
	}))

	resp, err := client.Get(context.Background(), "Patient/p1", "")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		res.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Get(context.Background(), "Patient/p1", "")
	require.Error(t, err)
	assert.Equal(t, int32(5), calls.Load())

	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusBadGateway, respErr.StatusCode)
}

func TestGetHonorsRetryAfterSeconds(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			res.Header().Set("Retry-After", "1")
			res.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(res, `{"resourceType": "Patient"}`)
	}))

	start := time.Now()
	resp, err := client.Get(context.Background(), "Patient/p1", "")
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		res.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(res, `{"resourceType": "OperationOutcome",
			"issue": [{"severity": "error", "code": "invalid", "diagnostics": "bad _type"}]}`)
	}))

	_, err := client.Get(context.Background(), "Patient", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, err.Error(), "bad _type")
}

func TestGetExpired(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.WriteHeader(http.StatusGone)
	}))

	_, err := client.Get(context.Background(), "__status/abc", "")
	assert.ErrorIs(t, err, ErrExpired)
}

type countingAuth struct {
	refreshes atomic.Int32
}

func (a *countingAuth) Apply(_ context.Context, _ *http.Client, req *http.Request) error {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer token-%d", a.refreshes.Load()))
	return nil
}

func (a *countingAuth) Refresh(context.Context, *http.Client) error {
	a.refreshes.Add(1)
	return nil
}

func TestGetRefreshesTokenOnceOn401(t *testing.T) {
	client, server := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer token-1" {
			res.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(res, `{"resourceType": "Patient"}`)
	}))
	auth := &countingAuth{}
	baseURL, _ := url.Parse(server.URL)
	authed := NewClient(baseURL, auth)
	authed.RetryDelays = client.RetryDelays

	resp, err := authed.Get(context.Background(), "Patient/p1", "")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), auth.refreshes.Load())
}

func TestGetResourceSoftMissOn404(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.WriteHeader(http.StatusNotFound)
	}))

	resource, err := client.GetResource(context.Background(), "Observation/gone")
	require.NoError(t, err)
	assert.Nil(t, resource)
}

func TestKickOffSetsPreferHeader(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "respond-async", req.Header.Get("Prefer"))
		res.Header().Set("Content-Location", "/__status/job1")
		res.WriteHeader(http.StatusAccepted)
	}))

	resp, err := client.KickOff(context.Background(), "$export?_type=Patient")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/__status/job1", resp.Header.Get("Content-Location"))
}

func TestSearchPagesFollowsNextLinks(t *testing.T) {
	var server *httptest.Server
	handler := http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/Observation":
			fmt.Fprintf(res, `{"resourceType": "Bundle", "type": "searchset",
				"link": [{"relation": "next", "url": "%s/page2"}],
				"entry": [{"resource": {"resourceType": "Observation", "id": "o1"}}]}`, server.URL)
		case "/page2":
			fmt.Fprint(res, `{"resourceType": "Bundle", "type": "searchset",
				"entry": [{"resource": {"resourceType": "Observation", "id": "o2"}}]}`)
		default:
			res.WriteHeader(http.StatusNotFound)
		}
	})
	client, s := testClient(t, handler)
	server = s

	var ids []string
	err := client.SearchPages(context.Background(), "Observation?patient=p1", func(bundle *SearchBundle) error {
		for _, entry := range bundle.Entry {
			resource, err := entry.Parse()
			if err != nil {
				return err
			}
			ids = append(ids, ResourceID(resource))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, ids)
}

func TestSearchPagesEscapesPlusSigns(t *testing.T) {
	var rawQuery string
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		rawQuery = req.URL.RawQuery
		fmt.Fprint(res, `{"resourceType": "Bundle", "type": "searchset"}`)
	}))

	err := client.SearchPages(context.Background(), "Observation?date=gt2024-01-01T00:00:00+14:00",
		func(*SearchBundle) error { return nil })
	require.NoError(t, err)
	assert.Contains(t, rawQuery, "%2B14:00")
}

func TestSearchPagesStopsOnCallbackError(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		fmt.Fprint(res, `{"resourceType": "Bundle", "type": "searchset",
			"link": [{"relation": "next", "url": "/never"}],
			"entry": [{"resource": {"resourceType": "Observation", "id": "o1"}}]}`)
	}))

	sentinel := errors.New("stop")
	err := client.SearchPages(context.Background(), "Observation", func(*SearchBundle) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestCapabilitiesCached(t *testing.T) {
	var calls atomic.Int32
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/metadata", req.URL.Path)
		fmt.Fprint(res, `{"resourceType": "CapabilityStatement", "status": "active",
			"date": "2024-01-01", "kind": "instance", "fhirVersion": "4.0.1", "format": ["json"],
			"rest": [{"mode": "server", "resource": [
				{"type": "Patient", "searchParam": [{"name": "_lastUpdated", "type": "date"}]},
				{"type": "Observation", "searchParam": [{"name": "issued", "type": "date"}]}]}]}`)
	}))

	ctx := context.Background()
	assert.True(t, client.SupportsSearchParam(ctx, "Patient", "_lastUpdated"))
	assert.True(t, client.SupportsSearchParam(ctx, "Observation", "issued"))
	assert.False(t, client.SupportsSearchParam(ctx, "Observation", "authored"))

	types := client.ServerResourceTypes(ctx)
	assert.True(t, types["Patient"])
	assert.False(t, types["Condition"])

	assert.Equal(t, int32(1), calls.Load())
}

func TestSupportsBulkExport(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		fmt.Fprint(res, `{"resourceType": "CapabilityStatement", "status": "active",
			"date": "2024-01-01", "kind": "instance", "fhirVersion": "4.0.1", "format": ["json"],
			"instantiates": ["http://hl7.org/fhir/uv/bulkdata/CapabilityStatement/bulk-data"],
			"rest": [{"mode": "server"}]}`)
	}))

	assert.True(t, client.SupportsBulkExport(context.Background()))
}

func TestParseRetryAfter(t *testing.T) {
	resp := func(value string) *http.Response {
		header := http.Header{}
		if value != "" {
			header.Set("Retry-After", value)
		}
		return &http.Response{Header: header}
	}

	assert.Equal(t, 60*time.Second, ParseRetryAfter(resp(""), 60*time.Second))
	assert.Equal(t, 30*time.Second, ParseRetryAfter(resp("30"), 60*time.Second))
	// Clamped to the five minute ceiling.
	assert.Equal(t, 5*time.Minute, ParseRetryAfter(resp("3600"), 60*time.Second))
	// Clamped to the one second floor.
	assert.Equal(t, time.Second, ParseRetryAfter(resp("0"), 60*time.Second))

	at := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	delay := ParseRetryAfter(resp(at), 60*time.Second)
	assert.InDelta(t, 90*time.Second, delay, float64(5*time.Second))
}
