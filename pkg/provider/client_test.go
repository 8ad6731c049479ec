// SPDX-FileCopyrightText: Copyright 2025 Keywheel Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchUsage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    error
		wantHTTP   int
		wantParse  bool
		wantUsage  Usage
		wantOK     bool
	}{
		{
			name:      "full response",
			status:    http.StatusOK,
			body:      `{"five_hour": {"utilization": 30}, "seven_day": {"utilization": 10.5}, "seven_day_sonnet": {"utilization": 5}}`,
			wantOK:    true,
			wantUsage: Usage{FiveHour: 30, SevenDay: 10.5, SevenDaySonnet: 5},
		},
		{
			name:      "missing fields default to zero",
			status:    http.StatusOK,
			body:      `{"five_hour": {"utilization": 95}}`,
			wantOK:    true,
			wantUsage: Usage{FiveHour: 95},
		},
		{
			name:      "empty object",
			status:    http.StatusOK,
			body:      `{}`,
			wantOK:    true,
			wantUsage: Usage{},
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{"error": "unauthorized"}`,
			wantErr: ErrUnauthorized,
		},
		{
			name:     "server error",
			status:   http.StatusServiceUnavailable,
			body:     `oops`,
			wantHTTP: http.StatusServiceUnavailable,
		},
		{
			name:      "invalid json is transient",
			status:    http.StatusOK,
			body:      `{not json`,
			wantParse: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/usage", r.URL.Path)
				assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
				assert.Equal(t, betaHeader, r.Header.Get("anthropic-beta"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.NotEmpty(t, r.Header.Get("User-Agent"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient(WithBaseURL(srv.URL))
			usage, err := client.FetchUsage(context.Background(), "test-token")

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantHTTP != 0:
				var httpErr *HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, tt.wantHTTP, httpErr.StatusCode)
				assert.Equal(t, "http_503", httpErr.Code())
			case tt.wantParse:
				require.Error(t, err)
				assert.NotErrorIs(t, err, ErrUnauthorized)
			default:
				require.NoError(t, err)
				require.True(t, tt.wantOK)
				assert.Equal(t, tt.wantUsage, *usage)
			}
		})
	}
}

func TestUsageMax(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 95.0, Usage{FiveHour: 95, SevenDay: 10, SevenDaySonnet: 10}.Max())
	assert.Equal(t, 80.0, Usage{FiveHour: 10, SevenDay: 80, SevenDaySonnet: 75}.Max())
	assert.Equal(t, 0.0, Usage{}.Max())
}

func TestRefresh(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)

	tests := []struct {
		name          string
		status        int
		body          string
		wantInvalid   bool
		wantTransient bool
		wantToken     *Token
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   `{"access_token": "new-at", "refresh_token": "new-rt", "expires_in": 3600}`,
			wantToken: &Token{
				AccessToken:  "new-at",
				RefreshToken: "new-rt",
				ExpiresAt:    1_700_000_000_000 + 3600*1000,
			},
		},
		{
			name:   "success keeps old refresh token when omitted",
			status: http.StatusOK,
			body:   `{"access_token": "new-at"}`,
			wantToken: &Token{
				AccessToken:  "new-at",
				RefreshToken: "old-rt",
			},
		},
		{
			name:        "invalid grant",
			status:      http.StatusBadRequest,
			body:        `{"error": "invalid_grant", "error_description": "refresh token revoked"}`,
			wantInvalid: true,
		},
		{
			name:          "other 400 is transient",
			status:        http.StatusBadRequest,
			body:          `{"error": "invalid_request"}`,
			wantTransient: true,
		},
		{
			name:          "400 with unparseable body is transient",
			status:        http.StatusBadRequest,
			body:          `<html>bad gateway</html>`,
			wantTransient: true,
		},
		{
			name:          "server error is transient",
			status:        http.StatusInternalServerError,
			body:          `{}`,
			wantTransient: true,
		},
		{
			name:          "success without access token is transient",
			status:        http.StatusOK,
			body:          `{"refresh_token": "new-rt"}`,
			wantTransient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/oauth/token", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient(WithBaseURL(srv.URL), WithClock(func() time.Time { return now }))
			token, err := client.Refresh(context.Background(), "old-rt")

			switch {
			case tt.wantInvalid:
				assert.ErrorIs(t, err, ErrInvalidGrant)
				assert.Nil(t, token)
			case tt.wantTransient:
				require.Error(t, err)
				assert.NotErrorIs(t, err, ErrInvalidGrant)
				assert.Nil(t, token)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantToken, token)
			}
		})
	}
}

func TestFetchProfile(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/oauth/profile", r.URL.Path)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"account": {"uuid": "uuid-1", "email": "a@example.com"}}`))
		}))
		defer srv.Close()

		client := NewClient(WithBaseURL(srv.URL))
		profile, err := client.FetchProfile(context.Background(), "tok")
		require.NoError(t, err)
		assert.Equal(t, &Profile{UUID: "uuid-1", Email: "a@example.com"}, profile)
	})

	t.Run("non-200", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewClient(WithBaseURL(srv.URL))
		_, err := client.FetchProfile(context.Background(), "tok")
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	})
}

func TestFetchProfileWithRetry_PermanentOn4xx(t *testing.T) {
	t.Parallel()

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.FetchProfileWithRetry(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx must not be retried")
}

func TestFetchUsage_NetworkError(t *testing.T) {
	t.Parallel()

	// Point at a closed server to force a connection error.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	_, err := client.FetchUsage(context.Background(), "tok")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}
