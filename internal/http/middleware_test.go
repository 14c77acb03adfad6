package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/city-weather-service/internal/lifecycle"
	"github.com/kjstillabower/city-weather-service/internal/observability"
	"github.com/kjstillabower/city-weather-service/internal/traffic"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		provided string
	}{
		{"generated", ""},
		{"client provided", "client-provided-id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			var seen string
			router := mux.NewRouter()
			router.Use(CorrelationIDMiddleware(zap.New(core)))
			router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
				seen = observability.CorrelationIDFromContext(r.Context())
				observability.LoggerFromContext(r.Context(), nil).Info("inside handler")
			})

			req := httptest.NewRequest("GET", "/ping", nil)
			if tt.provided != "" {
				req.Header.Set("X-Correlation-ID", tt.provided)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			got := w.Header().Get("X-Correlation-ID")
			if got == "" {
				t.Fatal("X-Correlation-ID header missing")
			}
			if tt.provided != "" && got != tt.provided {
				t.Errorf("X-Correlation-ID = %q, want %q", got, tt.provided)
			}
			if seen != got {
				t.Errorf("context correlation ID = %q, header = %q", seen, got)
			}
			entries := logs.FilterMessage("inside handler").All()
			if len(entries) != 1 {
				t.Fatalf("handler logs = %d, want 1", len(entries))
			}
			if id := entries[0].ContextMap()["correlation_id"]; id != got {
				t.Errorf("logged correlation_id = %v, want %q", id, got)
			}
		})
	}
}

func TestRouteTemplate(t *testing.T) {
	var got string
	router := mux.NewRouter()
	router.HandleFunc("/weather/{key}", func(w http.ResponseWriter, r *http.Request) {
		got = routeTemplate(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/weather/Vancouver_CA", nil))
	if got != "/weather/{key}" {
		t.Errorf("routeTemplate() = %q, want /weather/{key}", got)
	}

	bare := httptest.NewRequest("GET", "/anything", nil)
	if got := routeTemplate(bare); got != "unmatched" {
		t.Errorf("routeTemplate() without route = %q, want unmatched", got)
	}
}

func TestMetricsMiddleware_StatusAndInFlight(t *testing.T) {
	var during int64
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	router.HandleFunc("/teapot", func(w http.ResponseWriter, r *http.Request) {
		during = InFlightCount()
		w.WriteHeader(http.StatusTeapot)
	})

	before := InFlightCount()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/teapot", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	if during != before+1 {
		t.Errorf("in-flight during request = %d, want %d", during, before+1)
	}
	if after := InFlightCount(); after != before {
		t.Errorf("in-flight after request = %d, want %d", after, before)
	}
}

func TestStatusCodeString(t *testing.T) {
	tests := map[int]string{200: "2xx", 404: "4xx", 429: "4xx", 503: "5xx"}
	for code, want := range tests {
		if got := statusCodeString(code); got != want {
			t.Errorf("statusCodeString(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestTimeoutMiddleware_SetsDeadline(t *testing.T) {
	var (
		hasDeadline bool
		ctxErr      error
	)
	router := mux.NewRouter()
	router.Use(TimeoutMiddleware(20 * time.Millisecond))
	router.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
		<-r.Context().Done()
		ctxErr = r.Context().Err()
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/slow", nil))
	if !hasDeadline {
		t.Error("request context has no deadline")
	}
	if ctxErr != context.DeadlineExceeded {
		t.Errorf("ctx.Err() = %v, want DeadlineExceeded", ctxErr)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	t.Cleanup(traffic.Reset)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(RateLimitMiddleware(rate.NewLimiter(1, 2)))
	router.HandleFunc("/weather/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/weather/Seattle_US", nil))
		if i < 2 {
			if w.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, w.Code)
			}
			continue
		}
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("request %d: status = %d, want 429", i, w.Code)
		}
		var body errorBody
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("decode 429 response: %v", err)
		}
		if body.Error.Code != "RATE_LIMITED" {
			t.Errorf("error.code = %q, want RATE_LIMITED", body.Error.Code)
		}
		if body.Error.RequestID != w.Header().Get("X-Correlation-ID") {
			t.Errorf("requestId = %q, want correlation ID", body.Error.RequestID)
		}
	}
	if got := traffic.DenialCount(time.Minute); got != 1 {
		t.Errorf("DenialCount() = %d, want 1", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	router := mux.NewRouter()
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/ok", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}
}

// TestNewRouter_Routes verifies the wiring of every route and that health
// stays reachable when lookups are rate limited.
func TestNewRouter_Routes(t *testing.T) {
	s := newTestServer(t, nil)
	s.handler.rateLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	s.router = NewRouter(s.handler, zap.NewNop(), RouterConfig{RequestTimeout: time.Second})

	if w := s.do("GET", "/weather/Vancouver_CA", ""); w.Code != http.StatusOK {
		t.Errorf("first lookup status = %d, want 200", w.Code)
	}
	if w := s.do("GET", "/cities/Vancouver_CA", ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("second lookup status = %d, want 429", w.Code)
	}
	if w := s.do("GET", "/health", ""); w.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", w.Code)
	}
	if w := s.do("GET", "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", w.Code)
	}
	if w := s.do("GET", "/test", ""); w.Code != http.StatusNotFound {
		t.Errorf("/test without testing mode status = %d, want 404", w.Code)
	}
}

func TestTestMode_Actions(t *testing.T) {
	s := newTestServer(t, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50})
	s.router = NewRouter(s.handler, zap.NewNop(), RouterConfig{TestingMode: true})
	t.Cleanup(func() {
		lifecycle.SetShuttingDown(false)
		traffic.Reset()
	})

	post := func(action, body string) map[string]any {
		t.Helper()
		w := s.do("POST", "/test/"+action, body)
		if w.Code != http.StatusOK {
			t.Fatalf("POST /test/%s status = %d; body = %s", action, w.Code, w.Body.String())
		}
		var resp map[string]any
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	if resp := post("load", `{"count":4}`); resp["accepted"] != float64(4) || resp["state"] != "healthy" {
		t.Errorf("load response = %v", resp)
	}
	if resp := post("error", `{"count":5}`); resp["state"] != "degraded" {
		t.Errorf("error response state = %v, want degraded", resp["state"])
	}
	if resp := post("shutdown", ""); resp["state"] != "shutting-down" {
		t.Errorf("shutdown response state = %v, want shutting-down", resp["state"])
	}
	if resp := post("reset", ""); resp["state"] != "healthy" {
		t.Errorf("reset response state = %v, want healthy", resp["state"])
	}

	w := s.do("GET", "/test", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /test status = %d", w.Code)
	}
	if w := s.do("POST", "/test/explode", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown action status = %d, want 404", w.Code)
	}
}
