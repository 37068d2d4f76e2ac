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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

const (
	// JSONMediaType is the FHIR JSON media type.
	JSONMediaType = "application/fhir+json"
	// NDJSONMediaType is the FHIR NDJSON media type used by bulk exports.
	NDJSONMediaType = "application/fhir+ndjson"
)

// ErrExpired marks a 410 Gone from a bulk status or download URL. The export
// has been cleaned up server-side and cannot be resumed.
var ErrExpired = errors.New("export expired on the server")

// ResponseError is a non-success response from the FHIR server. When the
// server sent an OperationOutcome body, it is attached for diagnostics.
type ResponseError struct {
	StatusCode int
	URL        string
	Outcome    *fm.OperationOutcome
	Body       []byte
}

func (e *ResponseError) Error() string {
	if e.Outcome != nil {
		for _, issue := range e.Outcome.Issue {
			if issue.Diagnostics != nil {
				return fmt.Sprintf("%s: status %d: %s", e.URL, e.StatusCode, *issue.Diagnostics)
			}
		}
	}
	return fmt.Sprintf("%s: status %d", e.URL, e.StatusCode)
}

// Is lets callers match a 410 with errors.Is(err, ErrExpired).
func (e *ResponseError) Is(target error) bool {
	return target == ErrExpired && e.StatusCode == http.StatusGone
}

// NotFound reports whether the response was a 404, a soft miss during
// hydration lookups.
func (e *ResponseError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// A Client is a FHIR client which combines an HTTP client with the base URL of
// a FHIR server and an optional authentication strategy. Every request is
// retried with exponential backoff and jitter on connection errors, 429s, and
// 5xx responses; a single 401 triggers a token refresh and one more attempt.
type Client struct {
	httpClient *http.Client
	base       *url.URL
	auth       Auth

	// RetryDelays are the backoff base delays between attempts; the total
	// attempt budget is len(RetryDelays)+1. Exposed for test injection.
	RetryDelays []time.Duration
	// RequestTimeout bounds a plain request (connect plus read).
	RequestTimeout time.Duration
	// StreamTimeout bounds a streaming download.
	StreamTimeout time.Duration

	capMu        sync.Mutex
	capabilities *fm.CapabilityStatement
}

// NewClient creates a new Client with the given base URL and Auth. A nil auth
// proceeds unauthenticated.
func NewClient(fhirServerBaseURL *url.URL, auth Auth) *Client {
	return createClient(fhirServerBaseURL, auth, false)
}

// NewClientInsecure creates a new Client as NewClient does but disables TLS
// security checks. Use this with great caution as it opens up
// man-in-the-middle attacks.
func NewClientInsecure(fhirServerBaseURL *url.URL, auth Auth) *Client {
	return createClient(fhirServerBaseURL, auth, true)
}

func createClient(base *url.URL, auth Auth, insecure bool) *Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxConnsPerHost = 100
	t.MaxIdleConnsPerHost = 100
	t.TLSClientConfig.InsecureSkipVerify = insecure

	return &Client{
		httpClient:     &http.Client{Transport: t},
		base:           base,
		auth:           auth,
		RetryDelays:    []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		RequestTimeout: 5 * time.Minute,
		StreamTimeout:  30 * time.Minute,
	}
}

// Base returns the server base URL.
func (c *Client) Base() *url.URL {
	return c.base
}

// Resolve turns a possibly-relative FHIR URL (like "Observation/123" or a
// search with a query string) into an absolute one against the server base.
func (c *Client) Resolve(ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil || parsed.IsAbs() {
		return ref
	}
	base := *c.base
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(parsed).String()
}

// Get performs an authenticated GET with retries. Pass "" for accept to get
// FHIR JSON.
func (c *Client) Get(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	if accept == "" {
		accept = JSONMediaType
	}
	return c.do(ctx, request{method: http.MethodGet, url: rawURL, accept: accept}, c.RequestTimeout)
}

// Post performs an authenticated POST with retries.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte) (*http.Response, error) {
	return c.do(ctx, request{
		method:      http.MethodPost,
		url:         rawURL,
		accept:      JSONMediaType,
		contentType: contentType,
		body:        body,
	}, c.RequestTimeout)
}

// Delete performs an authenticated DELETE with retries.
func (c *Client) Delete(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.do(ctx, request{method: http.MethodDelete, url: rawURL, accept: JSONMediaType}, c.RequestTimeout)
}

// Stream performs an authenticated GET meant for large payloads. The response
// body is not read here; the caller owns it and must close it.
func (c *Client) Stream(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	return c.do(ctx, request{method: http.MethodGet, url: rawURL, accept: accept}, c.StreamTimeout)
}

// KickOff performs the async kickoff request of a bulk export. It expects a
// 202 and does not treat it specially beyond normal success handling.
func (c *Client) KickOff(ctx context.Context, rawURL string) (*http.Response, error) {
	return c.do(ctx, request{
		method: http.MethodGet,
		url:    rawURL,
		accept: JSONMediaType,
		header: map[string]string{"Prefer": "respond-async"},
	}, c.RequestTimeout)
}

// Poll performs one bulk status poll without any 202 handling; the bulk
// exporter owns the delay loop.
func (c *Client) Poll(ctx context.Context, statusURL string) (*http.Response, error) {
	return c.do(ctx, request{method: http.MethodGet, url: statusURL, accept: "application/json"}, c.RequestTimeout)
}

type request struct {
	method      string
	url         string
	accept      string
	contentType string
	header      map[string]string
	body        []byte
}

func (c *Client) do(ctx context.Context, r request, timeout time.Duration) (*http.Response, error) {
	cancel := context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	resp, err := c.doRetry(ctx, r)
	if err != nil {
		cancel()
		return nil, err
	}
	// Cancelling now would kill the body mid-read, so closing the body
	// releases the timeout instead.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) doRetry(ctx context.Context, r request) (*http.Response, error) {
	var lastErr error
	refreshed := false
	attempts := len(c.RetryDelays) + 1
	for attempt := 0; ; attempt++ {
		resp, err := c.send(ctx, r)

		var delay time.Duration
		if err != nil {
			// Connection-level problem, retry.
			lastErr = err
			delay = withJitter(c.retryDelay(attempt))
		} else {
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return resp, nil
			case resp.StatusCode == http.StatusUnauthorized && c.auth != nil && !refreshed:
				drain(resp)
				refreshed = true
				if err := c.auth.Refresh(ctx, c.httpClient); err != nil {
					return nil, fmt.Errorf("token refresh after 401: %w", err)
				}
				attempt-- // the re-auth attempt does not consume retry budget
				continue
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
				lastErr = responseError(r, resp)
				delay = ParseRetryAfter(resp, withJitter(c.retryDelay(attempt)))
			case resp.StatusCode >= 500:
				lastErr = responseError(r, resp)
				delay = withJitter(c.retryDelay(attempt))
			default:
				// Remaining 4xx (including 404 and 410) are not retryable.
				return nil, responseError(r, resp)
			}
		}

		if attempt+1 >= attempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
		}
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
	}
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) retryDelay(attempt int) time.Duration {
	if attempt < len(c.RetryDelays) {
		return c.RetryDelays[attempt]
	}
	return c.RetryDelays[len(c.RetryDelays)-1]
}

func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.Resolve(r.url), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", r.accept)
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}
	if c.auth != nil {
		if err := c.auth.Apply(ctx, c.httpClient, req); err != nil {
			return nil, err
		}
	}
	return c.httpClient.Do(req)
}

func responseError(r request, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	respErr := &ResponseError{StatusCode: resp.StatusCode, URL: r.url, Body: body}
	if outcome, err := fm.UnmarshalOperationOutcome(body); err == nil {
		respErr.Outcome = &outcome
	}
	return respErr
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseRetryAfter interprets a Retry-After header as either a second count or
// an HTTP date. The result is clamped to [1s, 5m]; fallback is used when the
// header is absent or unparsable.
func ParseRetryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	const floor, cap = time.Second, 5 * time.Minute

	value := resp.Header.Get("Retry-After")
	delay := fallback
	if value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			delay = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(value); err == nil {
			delay = time.Until(at)
		}
	}
	return min(max(delay, floor), cap)
}

// Capabilities fetches and caches the server's capability statement.
func (c *Client) Capabilities(ctx context.Context) (*fm.CapabilityStatement, error) {
	c.capMu.Lock()
	defer c.capMu.Unlock()
	if c.capabilities != nil {
		return c.capabilities, nil
	}

	resp, err := c.Get(ctx, "metadata", "")
	if err != nil {
		return nil, fmt.Errorf("fetching capability statement: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	statement, err := fm.UnmarshalCapabilityStatement(body)
	if err != nil {
		return nil, fmt.Errorf("parsing capability statement: %w", err)
	}
	c.capabilities = &statement
	return c.capabilities, nil
}

// SupportsSearchParam reports whether the server declares the given search
// parameter for the given resource type.
func (c *Client) SupportsSearchParam(ctx context.Context, resourceType, param string) bool {
	statement, err := c.Capabilities(ctx)
	if err != nil {
		return false
	}
	for _, rest := range statement.Rest {
		if rest.Mode != fm.RestfulCapabilityModeServer {
			continue
		}
		for _, resource := range rest.Resource {
			if resource.Type.Code() != resourceType {
				continue
			}
			for _, search := range resource.SearchParam {
				if search.Name == param {
					return true
				}
			}
		}
	}
	return false
}

// ServerResourceTypes returns the resource types the server declares, or nil
// when the capability statement does not enumerate them.
func (c *Client) ServerResourceTypes(ctx context.Context) map[string]bool {
	statement, err := c.Capabilities(ctx)
	if err != nil {
		return nil
	}
	var types map[string]bool
	for _, rest := range statement.Rest {
		if rest.Mode != fm.RestfulCapabilityModeServer {
			continue
		}
		for _, resource := range rest.Resource {
			if types == nil {
				types = make(map[string]bool)
			}
			types[resource.Type.Code()] = true
		}
	}
	return types
}

// SupportsBulkExport reports whether the server advertises the bulk data
// $export operation.
func (c *Client) SupportsBulkExport(ctx context.Context) bool {
	statement, err := c.Capabilities(ctx)
	if err != nil {
		return false
	}
	for _, instantiates := range statement.Instantiates {
		if strings.Contains(instantiates, "bulkdata") {
			return true
		}
	}
	for _, rest := range statement.Rest {
		for _, operation := range rest.Operation {
			if operation.Name == "export" {
				return true
			}
		}
	}
	return false
}

// SearchPages runs a FHIR search and follows link[rel=next] until the last
// page or until fn returns an error. Plus signs are escaped manually because
// they would otherwise arrive server-side as spaces.
func (c *Client) SearchPages(ctx context.Context, searchURL string, fn func(*SearchBundle) error) error {
	next := strings.ReplaceAll(searchURL, "+", "%2B")
	for next != "" {
		resp, err := c.Get(ctx, next, "")
		if err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("reading search response from %s: %w", next, err)
		}

		bundle, err := UnmarshalSearchBundle(body)
		if err != nil {
			return fmt.Errorf("parsing search response from %s: %w", next, err)
		}
		if bundle.ResourceType != BundleType {
			return nil
		}
		if err := fn(&bundle); err != nil {
			return err
		}

		nextURL, err := NextPageURL(bundle.Link)
		if err != nil {
			return fmt.Errorf("parsing next page link from %s: %w", next, err)
		}
		next = ""
		if nextURL != nil {
			next = nextURL.String()
		}
	}
	return nil
}

// GetResource fetches a single resource by relative reference like
// "Observation/123". A 404 returns (nil, nil): the reference is a soft miss.
func (c *Client) GetResource(ctx context.Context, reference string) (map[string]any, error) {
	resp, err := c.Get(ctx, reference, "")
	if err != nil {
		var respErr *ResponseError
		if errors.As(err, &respErr) && respErr.NotFound() {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()
	var resource map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&resource); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", reference, err)
	}
	return resource, nil
}

// CloseIdleConnections calls CloseIdleConnections on the HTTP client of the
// FHIR client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
