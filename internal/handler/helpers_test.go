package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"viewport-proxy/internal/client"
	"viewport-proxy/internal/config"
	"viewport-proxy/internal/relay"
	"viewport-proxy/internal/rewrite"
	"viewport-proxy/internal/ruleset"
	"viewport-proxy/internal/service"
	"viewport-proxy/internal/shim"
)

const samplePage = `<!DOCTYPE html><html><head><title>Sample</title></head><body><a href="/next">next</a></body></html>`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newUpstream serves samplePage on every path except /forbidden, which
// answers 403.
func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/forbidden" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, samplePage)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(rules ruleset.RuleSet) *service.ProxyService {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  5,
			IdleConnections: 10,
			MaxRedirects:    5,
			MaxBodyBytes:    1 << 20,
			UserAgent:       "TestAgent/1.0",
		},
	}
	logger := discardLogger()
	f := client.NewFetcher(cfg, logger, nil)
	fb := service.NewFallbackPolicy(cfg, f, logger, nil)
	p := rewrite.NewPipeline(shim.NewGenerator(0), logger, nil)
	return service.NewProxyService(fb, p, rules, logger, nil)
}

func newTestRelay(svc *service.ProxyService) *relay.Relay {
	return relay.New(&config.Config{}, svc, discardLogger(), nil)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return v
}
