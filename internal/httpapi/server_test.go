package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/catalog"
	apimw "github.com/hamed0406/dpichecker/internal/httpapi/middleware"
)

func TestRouter_CORSPreflight(t *testing.T) {
	cat, _ := catalog.Parse([]byte(testCatalog))
	s := NewServer(zap.NewNop(), nil, cat)
	h := s.Router(apimw.Keys{}, []string{"https://ui.example.com"}, 0, 0, 0, 0)

	req := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example.com" {
		t.Fatalf("want allowed origin echoed, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin must not be allowed, got %q", got)
	}
}

func TestRouter_RateLimitsAdminGroup(t *testing.T) {
	cat, _ := catalog.Parse([]byte(testCatalog))
	s := NewServer(zap.NewNop(), nil, cat)
	h := s.Router(apimw.Keys{}, nil, 0, 0, 60, 1)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/check", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
	}
	// the first request fails validation, the second never reaches the handler
	if diff := cmp.Diff([]int{http.StatusBadRequest, http.StatusTooManyRequests}, codes); diff != "" {
		t.Fatalf("codes mismatch (-want +got):\n%s", diff)
	}
}
