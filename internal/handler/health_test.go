package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"viewport-proxy/internal/ruleset"
)

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	svc := newTestService(nil)
	h := NewHealthHandler(svc, newTestRelay(svc), "test")
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := decode[map[string]string](t, rec); body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	rules := ruleset.RuleSet{{Name: "a", Hosts: []string{"a.example"}}, {Name: "b", Hosts: []string{"b.example"}}}
	svc := newTestService(rules)
	h := NewHealthHandler(svc, newTestRelay(svc), "1.2.3")
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decode[statusResponse](t, rec)
	if body.Status != "ok" {
		t.Errorf("body.status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if body.Rules != 2 {
		t.Errorf("body.rules = %d, want 2", body.Rules)
	}
	if len(body.Strategies) != 2 || body.Strategies[0] != "direct" || body.Strategies[1] != "placeholder" {
		t.Errorf("body.strategies = %v, want [direct placeholder]", body.Strategies)
	}
	if body.Sessions != 0 {
		t.Errorf("body.sessions = %d, want 0", body.Sessions)
	}
}
