package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithCORSPreflight(t *testing.T) {
	h := WithCORS(PublicCORSPolicy([]string{"https://book.example.com"}))(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/public/slots", nil)
	req.Header.Set("Origin", "https://book.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://book.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestWithCORSIgnoresUnknownOrigin(t *testing.T) {
	h := WithCORS(PublicCORSPolicy([]string{"https://book.example.com"}))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unexpected CORS header for unknown origin")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected passthrough, got %d", rec.Code)
	}
}

func TestWithCORSWildcard(t *testing.T) {
	cases := []struct {
		name        string
		credentials bool
		want        string
	}{
		{"anonymous", false, "*"},
		{"credentials echo origin", true, "https://any.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := PublicCORSPolicy([]string{"*"})
			p.AllowCredentials = tc.credentials
			h := WithCORS(p)(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/api/v1/public/services", nil)
			req.Header.Set("Origin", "https://any.example.com")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("allow origin = %q, want %q", got, tc.want)
			}
			if rec.Header().Get("Access-Control-Allow-Methods") != "" {
				t.Fatalf("methods header only belongs on preflights")
			}
		})
	}
}

func TestWithCORSDisabledWithoutOrigins(t *testing.T) {
	h := WithCORS(PublicCORSPolicy([]string{" "}))(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://book.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no CORS headers")
	}
}
