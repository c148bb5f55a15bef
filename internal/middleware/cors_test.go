package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCORS(t *testing.T) {
	e := echo.New()
	e.Use(CORS())
	called := false
	e.POST("/api/proxy", func(c echo.Context) error {
		called = true
		return c.String(http.StatusOK, "ok")
	})

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantBody   string
		wantCalled bool
	}{
		{"preflight", http.MethodOptions, "https://elsewhere.example", http.StatusOK, "", false},
		{"preflight without origin", http.MethodOptions, "", http.StatusOK, "", false},
		{"request", http.MethodPost, "https://elsewhere.example", http.StatusOK, "ok", true},
		{"request without origin", http.MethodPost, "", http.StatusOK, "ok", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(tt.method, "/api/proxy", http.NoBody)
			if tt.origin != "" {
				req.Header.Set(echo.HeaderOrigin, tt.origin)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if called != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called, tt.wantCalled)
			}
			h := rec.Result().Header
			if v := h.Get(echo.HeaderAccessControlAllowOrigin); v != "*" {
				t.Errorf("Allow-Origin = %q, want %q", v, "*")
			}
			if v := h.Get(echo.HeaderAccessControlAllowHeaders); v != corsAllowHeaders {
				t.Errorf("Allow-Headers = %q, want %q", v, corsAllowHeaders)
			}
		})
	}
}
