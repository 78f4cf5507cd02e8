package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotick/internal/config"
	"cotick/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig() *config.Config {
	return &config.Config{
		Environment:      "local",
		ServerInstanceID: "srv-test",
		Server: config.ServerConfig{
			Port:               "8080",
			CorsAllowedOrigins: []string{"*"},
		},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(testConfig(), discardLogger())
	require.NoError(t, err)
	return srv
}

func TestNewServer_RequiresConfigAndLogger(t *testing.T) {
	_, err := NewServer(nil, discardLogger())
	require.Error(t, err)

	_, err = NewServer(testConfig(), nil)
	require.Error(t, err)
}

func TestMountRoutes_HealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	srv.MountRoutes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")
}

func TestMountRoutes_V1CarriesIdentity(t *testing.T) {
	srv := newTestServer(t)

	var gotUser string
	var gotOK bool
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
			gotUser, gotOK = types.GetUserID(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})
	})
	srv.MountRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("X-User-Id", "user-a")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, gotOK)
	assert.Equal(t, "user-a", gotUser)
}

func TestMountRoutes_MalformedIdentityTreatedAsAnonymous(t *testing.T) {
	srv := newTestServer(t)

	var gotOK bool
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
			_, gotOK = types.GetUserID(r.Context())
			w.WriteHeader(http.StatusNoContent)
		})
	})
	srv.MountRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("X-User-Id", strings.Repeat("x", 200))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.False(t, gotOK)
}

func TestRateLimit_DeniedRequestGets429(t *testing.T) {
	srv := newTestServer(t)
	srv.RateLimitStore = &MockRateLimitStore{
		Result: RateLimitResult{Allowed: false, Remaining: 0, ResetAt: time.Now().Add(30 * time.Second)},
	}
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	srv.MountRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set("X-User-Id", "user-a")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, errCodeRateLimitExceeded, resp.Error.Code)
}

func TestRateLimit_KeysByUser(t *testing.T) {
	srv := newTestServer(t)
	store := &MockRateLimitStore{
		Result: RateLimitResult{Allowed: true, Remaining: 299, ResetAt: time.Now().Add(time.Minute)},
	}
	srv.RateLimitStore = store
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	srv.MountRoutes()

	for _, user := range []string{"user-a", ""} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
		if user != "" {
			req.Header.Set("X-User-Id", user)
		}
		rr := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNoContent, rr.Code)
	}

	require.Len(t, store.Calls, 2)
	assert.Equal(t, "user-a", store.Calls[0].Key)
	assert.Equal(t, rateLimitAnonymousKey, store.Calls[1].Key)
}

func TestRateLimit_FailsOpenOnStoreError(t *testing.T) {
	srv := newTestServer(t)
	srv.RateLimitStore = &MockRateLimitStore{
		Err: context.DeadlineExceeded,
	}
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	srv.MountRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestMetricsMiddleware_RecordsRequests(t *testing.T) {
	srv := newTestServer(t)
	metrics := &MockMetricsCollector{}
	srv.Metrics = metrics
	srv.MountRoutes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	recorded := metrics.Recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, http.MethodGet, recorded[0].Method)
	assert.Equal(t, "200", recorded[0].Status)
}

func TestRequestIDMiddleware_PropagatesAndGenerates(t *testing.T) {
	srv := newTestServer(t)
	srv.MountRoutes()

	// Incoming ID is reused.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "req-123", rr.Header().Get("X-Request-Id"))

	// Absent ID is generated.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestError_WrapsAppErrorAndHidesInternals(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(types.WithRequestID(req.Context(), "req-123"))

	rr := httptest.NewRecorder()
	Error(rr, req, types.NewAppError(types.ErrCodeNotFoundTimer, "timer not found", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, string(types.ErrCodeNotFoundTimer), resp.Error.Code)
	assert.Equal(t, "req-123", resp.Error.RequestID)

	// Generic errors collapse to 500 without leaking the message.
	rr = httptest.NewRecorder()
	Error(rr, req, context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "deadline")
}

func TestDecodeJSON_Validation(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}

	cases := []struct {
		name    string
		payload string
	}{
		{"malformed", `{"name":`},
		{"unknown field", `{"name":"x","bogus":1}`},
		{"empty", ``},
		{"multiple values", `{"name":"x"}{"name":"y"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.payload))
			rr := httptest.NewRecorder()
			var dst body
			err := DecodeJSON(rr, req, &dst)
			require.Error(t, err)
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrCodeValidationInvalidJSON, appErr.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	rr := httptest.NewRecorder()
	var dst body
	require.NoError(t, DecodeJSON(rr, req, &dst))
	assert.Equal(t, "x", dst.Name)
}
