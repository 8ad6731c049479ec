// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider implements the HTTP contract with the upstream LLM
// provider: the usage endpoint consumed by the health prober, the OAuth
// refresh-token exchange, and the best-effort profile lookup.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/keywheel/keywheel/pkg/versions"
)

const (
	// DefaultBaseURL is the provider API base.
	DefaultBaseURL = "https://api.anthropic.com/api"

	// betaHeader is sent on every provider request.
	betaHeader = "oauth-2025-04-20"

	// oauthClientID identifies the host assistant's OAuth client on the
	// refresh-token exchange.
	oauthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// requestTimeout bounds every individual provider request so the engine
	// never keeps the host waiting on a hung connection.
	requestTimeout = 10 * time.Second

	// maxResponseSize caps response bodies read from the provider (1MB).
	maxResponseSize = 1024 * 1024

	usagePath   = "/usage"
	profilePath = "/oauth/profile"
	tokenPath   = "/oauth/token"
)

// ErrUnauthorized is returned by FetchUsage when the provider rejects the
// access token with HTTP 401. Callers must treat the key as dead.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInvalidGrant is returned by Refresh when the provider answers HTTP 400
// with an invalid_grant error body. It is a terminal signal that the refresh
// token has been revoked; callers must check for it with errors.Is BEFORE
// treating any non-nil token as success, and must never retry the token.
var ErrInvalidGrant = errors.New("invalid_grant")

// HTTPError represents a non-2xx provider response that is neither a 401 on
// probe nor an invalid_grant on refresh.
type HTTPError struct {
	StatusCode int
	URL        string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
}

// Code returns the classification string for this failure, e.g. "http_503".
func (e *HTTPError) Code() string {
	return fmt.Sprintf("http_%d", e.StatusCode)
}

// Usage holds the three bucket utilizations reported by the usage endpoint,
// each a percentage in [0, 100]. Missing fields default to 0.
type Usage struct {
	FiveHour       float64
	SevenDay       float64
	SevenDaySonnet float64
}

// Max returns the highest of the three bucket utilizations.
func (u Usage) Max() float64 {
	m := u.FiveHour
	if u.SevenDay > m {
		m = u.SevenDay
	}
	if u.SevenDaySonnet > m {
		m = u.SevenDaySonnet
	}
	return m
}

// Profile is the account identity behind a credential.
type Profile struct {
	UUID  string
	Email string
}

// Token is the outcome of a successful refresh-token exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the new expiry in epoch milliseconds.
	ExpiresAt int64
}

// Client talks to the provider endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the provider API base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a provider client with a bounded per-request timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		userAgent:  versions.UserAgent(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path, accessToken string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("anthropic-beta", betaHeader)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// FetchUsage queries the usage endpoint with the given access token.
// Classification: 401 yields ErrUnauthorized (terminal for the key), any
// other non-2xx yields *HTTPError, network and parse failures yield plain
// errors (transient, no status change for the key).
func (c *Client) FetchUsage(ctx context.Context, accessToken string) (*Usage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, usagePath, accessToken, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request failed: %w", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: c.baseURL + usagePath}
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("usage response is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	// Fields may be missing entirely; they default to 0.
	return &Usage{
		FiveHour:       doc.Get("five_hour.utilization").Float(),
		SevenDay:       doc.Get("seven_day.utilization").Float(),
		SevenDaySonnet: doc.Get("seven_day_sonnet.utilization").Float(),
	}, nil
}

// FetchProfile queries the profile endpoint. The lookup only enriches the
// keyring with account identity, so callers treat any failure as non-fatal.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, profilePath, accessToken, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: c.baseURL + profilePath}
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("profile response is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	return &Profile{
		UUID:  doc.Get("account.uuid").String(),
		Email: doc.Get("account.email").String(),
	}, nil
}

// FetchProfileWithRetry wraps FetchProfile with a short capped exponential
// backoff. Still best-effort: the caller ignores the error.
func (c *Client) FetchProfileWithRetry(ctx context.Context, accessToken string) (*Profile, error) {
	return backoff.Retry(ctx, func() (*Profile, error) {
		profile, err := c.FetchProfile(ctx, accessToken)
		if err != nil {
			var httpErr *HTTPError
			if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
				// Client errors will not improve on retry.
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return profile, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

// Refresh performs the OAuth refresh-token exchange. The outcome is
// three-way:
//   - (*Token, nil) on HTTP 200;
//   - ErrInvalidGrant (via errors.Is) on HTTP 400 with an invalid_grant error
//     body, meaning the refresh token is revoked for good;
//   - any other error for transient failures (non-200/400, network errors,
//     unparseable bodies), which leave the key untouched.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	payload, err := json.Marshal(refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     oauthClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("anthropic-beta", betaHeader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Handled below.
	case resp.StatusCode == http.StatusBadRequest:
		if gjson.ValidBytes(body) && gjson.GetBytes(body, "error").String() == "invalid_grant" {
			return nil, ErrInvalidGrant
		}
		// A 400 that is not invalid_grant is indistinguishable from any other
		// transient failure.
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: c.baseURL + tokenPath}
	default:
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: c.baseURL + tokenPath}
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("refresh response is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	access := doc.Get("access_token").String()
	if access == "" {
		return nil, fmt.Errorf("refresh response is missing access_token")
	}

	token := &Token{
		AccessToken:  access,
		RefreshToken: doc.Get("refresh_token").String(),
	}
	if token.RefreshToken == "" {
		// Providers may omit the refresh token when it is unchanged.
		token.RefreshToken = refreshToken
	}
	if expiresIn := doc.Get("expires_in"); expiresIn.Exists() {
		token.ExpiresAt = c.now().UnixMilli() + expiresIn.Int()*1000
	}
	return token, nil
}
