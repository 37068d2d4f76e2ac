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
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrAuth marks a failure to establish or refresh credentials: an unusable
// key, a broken token endpoint, or rejected credentials. Never retryable.
var ErrAuth = errors.New("authentication failed")

// Auth is a strategy for authenticating requests against the FHIR server.
type Auth interface {
	// Apply adds credentials to an outgoing request, obtaining them first if
	// necessary.
	Apply(ctx context.Context, httpClient *http.Client, req *http.Request) error
	// Refresh discards any cached credentials and obtains fresh ones. Called
	// after a 401.
	Refresh(ctx context.Context, httpClient *http.Client) error
}

// BasicAuth adds HTTP basic authentication to every request.
type BasicAuth struct {
	User     string
	Password string
}

func (a BasicAuth) Apply(_ context.Context, _ *http.Client, req *http.Request) error {
	req.SetBasicAuth(a.User, a.Password)
	return nil
}

func (a BasicAuth) Refresh(context.Context, *http.Client) error {
	return fmt.Errorf("%w: basic auth credentials were rejected", ErrAuth)
}

// TokenAuth adds a fixed bearer token to every request.
type TokenAuth struct {
	Token string
}

func (a TokenAuth) Apply(_ context.Context, _ *http.Client, req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

func (a TokenAuth) Refresh(context.Context, *http.Client) error {
	return fmt.Errorf("%w: bearer token was rejected", ErrAuth)
}

// BackendServicesAuth implements SMART on FHIR backend services
// authorization (https://hl7.org/fhir/smart-app-launch/backend-services.html):
// a confidential client proves its identity with a JWT assertion signed by its
// private key and trades it for a short-lived access token.
type BackendServicesAuth struct {
	ClientID string
	Key      *rsa.PrivateKey
	KeyID    string
	// TokenURL is discovered from the server's SMART configuration when empty.
	TokenURL string
	// SMARTConfigURL is the absolute .well-known/smart-configuration URL.
	SMARTConfigURL string
	// Scopes defaults to system/*.read.
	Scopes []string

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewBackendServicesAuth builds an auth strategy from a client ID and the path
// to the client's private key, either a JWKS file (as issued during SMART
// client registration) or a PEM-encoded RSA key.
func NewBackendServicesAuth(fhirServerBaseURL *url.URL, clientID, keyPath string) (*BackendServicesAuth, error) {
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading private key: %v", ErrAuth, err)
	}
	key, keyID, err := parsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key %s: %v", ErrAuth, keyPath, err)
	}
	return &BackendServicesAuth{
		ClientID:       clientID,
		Key:            key,
		KeyID:          keyID,
		SMARTConfigURL: fhirServerBaseURL.JoinPath(".well-known", "smart-configuration").String(),
		Scopes:         []string{"system/*.read"},
	}, nil
}

func (a *BackendServicesAuth) Apply(ctx context.Context, httpClient *http.Client, req *http.Request) error {
	token, err := a.accessToken(ctx, httpClient, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (a *BackendServicesAuth) Refresh(ctx context.Context, httpClient *http.Client) error {
	if _, err := a.accessToken(ctx, httpClient, true); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

func (a *BackendServicesAuth) accessToken(ctx context.Context, httpClient *http.Client, force bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !force && a.token != "" && time.Now().Before(a.expiry) {
		return a.token, nil
	}

	if a.TokenURL == "" {
		tokenURL, err := discoverTokenURL(ctx, httpClient, a.SMARTConfigURL)
		if err != nil {
			return "", err
		}
		a.TokenURL = tokenURL
	}

	assertion, err := a.signAssertion()
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"scope":                 {strings.Join(a.Scopes, " ")},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint %s returned status %d: %s", a.TokenURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &grant); err != nil {
		return "", fmt.Errorf("parsing token response: %w", err)
	}
	if grant.AccessToken == "" {
		return "", errors.New("token endpoint returned no access_token")
	}

	expiresIn := time.Duration(grant.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 5 * time.Minute
	}
	a.token = grant.AccessToken
	// Expire a bit early so a token never dies mid-request.
	a.expiry = time.Now().Add(expiresIn - 30*time.Second)
	return a.token, nil
}

func (a *BackendServicesAuth) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.ClientID,
		"sub": a.ClientID,
		"aud": a.TokenURL,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if a.KeyID != "" {
		token.Header["kid"] = a.KeyID
	}
	return token.SignedString(a.Key)
}

func discoverTokenURL(ctx context.Context, httpClient *http.Client, configURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, configURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching SMART configuration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("SMART configuration %s returned status %d", configURL, resp.StatusCode)
	}
	var config struct {
		TokenEndpoint string `json:"token_endpoint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return "", fmt.Errorf("parsing SMART configuration: %w", err)
	}
	if config.TokenEndpoint == "" {
		return "", errors.New("SMART configuration declares no token_endpoint")
	}
	return config.TokenEndpoint, nil
}

// parsePrivateKey accepts a PEM-encoded RSA key or a JWKS document holding one
// RSA signing key. The key ID is only available from the JWKS form.
func parsePrivateKey(raw []byte) (*rsa.PrivateKey, string, error) {
	if key, err := jwt.ParseRSAPrivateKeyFromPEM(raw); err == nil {
		return key, "", nil
	}

	var jwks struct {
		Keys []rsaJWK `json:"keys"`
	}
	if err := json.Unmarshal(raw, &jwks); err != nil {
		return nil, "", errors.New("neither a PEM RSA key nor a JWKS document")
	}
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || k.D == "" {
			continue
		}
		key, err := k.privateKey()
		if err != nil {
			return nil, "", err
		}
		return key, k.Kid, nil
	}
	return nil, "", errors.New("JWKS document holds no RSA private key")
}

type rsaJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
}

func (k rsaJWK) privateKey() (*rsa.PrivateKey, error) {
	n, err := decodeBigInt(k.N)
	if err != nil {
		return nil, fmt.Errorf("JWK field n: %w", err)
	}
	e, err := decodeBigInt(k.E)
	if err != nil {
		return nil, fmt.Errorf("JWK field e: %w", err)
	}
	d, err := decodeBigInt(k.D)
	if err != nil {
		return nil, fmt.Errorf("JWK field d: %w", err)
	}
	p, err := decodeBigInt(k.P)
	if err != nil {
		return nil, fmt.Errorf("JWK field p: %w", err)
	}
	q, err := decodeBigInt(k.Q)
	if err != nil {
		return nil, fmt.Errorf("JWK field q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	key.Precompute()
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("JWK key invalid: %w", err)
	}
	return key, nil
}

func decodeBigInt(value string) (*big.Int, error) {
	bytes, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(bytes), nil
}
