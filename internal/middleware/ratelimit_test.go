package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"xllm-go/internal/middleware"
)

func TestRateLimiter(t *testing.T) {
	e := echo.New()

	// 1 request per second, burst of 1: a quick second request is rejected.
	e.Use(middleware.RateLimiter(1))
	e.POST("/rpc/ForwardRequest", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/rpc/ForwardRequest", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	var limited *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		req = httptest.NewRequest(http.MethodPost, "/rpc/ForwardRequest", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
	}
	if limited == nil {
		t.Fatal("expected at least one 429 response after burst, got none")
	}

	var doc map[string]string
	if err := json.Unmarshal(limited.Body.Bytes(), &doc); err != nil {
		t.Fatalf("429 body is not JSON: %v", err)
	}
	if doc["error"] != "rate_limited" {
		t.Errorf("error = %q, want rate_limited", doc["error"])
	}
}
