package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /v1/rules", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	validator := &fakeHTTPTokenValidator{keyID: "key-test"}
	handler := newHTTPHandler(apiHandler, validator)

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/%76%31/rules", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("authenticated v1 path is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/rules", nil)
		req.Header.Set("Authorization", "Bearer key.secret")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if validator.calls != 1 {
			t.Fatalf("ValidateToken calls = %d, want %d", validator.calls, 1)
		}
	})
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	apiHandler.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	apiHandler.HandleFunc("GET /debug", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := newHTTPHandler(apiHandler, &fakeHTTPTokenValidator{err: errors.New("invalid token")})

	for _, path := range []string{"/healthz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("non-whitelisted public routes are not exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

type fakeHTTPTokenValidator struct {
	err   error
	calls int
	keyID string
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.keyID, f.err
}
