package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicehub/internal/config"
	apierrors "devicehub/internal/errors"
	"devicehub/internal/infrastructure"
	"devicehub/internal/security"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetReqID(r.Context())
		assert.Equal(t, seen, infrastructure.GetTraceID(r.Context()))
		assert.Equal(t, seen, GetRequestID(r.Context()))
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
	})
}

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := StructuredLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/packages/x", nil))

	out := buf.String()
	assert.Contains(t, out, `"status":404`)
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, "/api/packages/x")
}

func TestRateLimiterPerClient(t *testing.T) {
	eh := apierrors.NewErrorHandler(discardLogger(), false)
	rl := NewRateLimiter(1, 2, discardLogger(), eh)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	h := rl.Handler(okHandler())
	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/licenses/validate", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"), "other clients have their own bucket")
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1, discardLogger(), apierrors.NewErrorHandler(discardLogger(), false))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	now = now.Add(time.Hour)
	rl.Allow("b")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.limiters, "a")
	assert.Contains(t, rl.limiters, "b")
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://panel.example"}})(okHandler())

	t.Run("preflight allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/packages", nil)
		req.Header.Set("Origin", "https://panel.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://panel.example", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Operator-Key")
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/packages", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestOperatorAuth(t *testing.T) {
	cfg := security.DefaultKeyDerivationConfig()
	cfg.SCryptN = 1024
	key, err := security.NewOperatorKey("letmein", cfg)
	require.NoError(t, err)

	eh := apierrors.NewErrorHandler(discardLogger(), false)
	h := OperatorAuth(key, discardLogger(), eh)(okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
		{"correct", "letmein", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/licenses", nil)
			if tt.header != "" {
				req.Header.Set("X-Operator-Key", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestOperatorAuthDisabled(t *testing.T) {
	h := OperatorAuth(nil, discardLogger(), apierrors.NewErrorHandler(discardLogger(), false))(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/licenses", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOTelMiddlewareRecordsStatus(t *testing.T) {
	metrics := infrastructure.NoopMetrics()
	providers, err := infrastructure.InitializeOTel(config.Default().Telemetry, discardLogger())
	require.NoError(t, err)

	h := OTel(providers.Tracer, metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestValidatorDecodeAndValidate(t *testing.T) {
	type body struct {
		DeviceID string `json:"deviceId" validate:"required,identifier"`
		TTL      int    `json:"ttlMinutes" validate:"gte=0"`
	}

	v := NewValidator()
	tests := []struct {
		name      string
		payload   string
		wantField string
		wantErr   bool
	}{
		{"valid", `{"deviceId":"D-1","ttlMinutes":5}`, "", false},
		{"missing", `{"ttlMinutes":5}`, "deviceId", true},
		{"bad chars", `{"deviceId":"a b"}`, "deviceId", true},
		{"negative", `{"deviceId":"D1","ttlMinutes":-1}`, "ttlMinutes", true},
		{"not json", `{`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			var dst body
			err := v.DecodeAndValidate(req, &dst)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var apiErr *apierrors.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
			if tt.wantField != "" {
				fields, ok := apiErr.Details.([]apierrors.ValidationError)
				require.True(t, ok)
				assert.Equal(t, tt.wantField, fields[0].Field)
			}
		})
	}
}
