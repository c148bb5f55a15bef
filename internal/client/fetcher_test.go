package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"viewport-proxy/internal/config"
	"viewport-proxy/internal/metrics"
	"viewport-proxy/internal/model"
	"viewport-proxy/internal/resolve"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			MaxRedirects:    5,
			MaxBodyBytes:    1 << 20,
			UserAgent:       "TestAgent/1.0",
		},
	}
}

func newTestFetcher(cfg *config.Config) *Fetcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFetcher(cfg, logger, nil)
}

func mustResolve(t *testing.T, raw string) *model.ResolvedTarget {
	t.Helper()
	target, err := resolve.Resolve(raw)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", raw, err)
	}
	return target
}

func TestFetcher_Fetch_BrowserHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(testConfig())
	resp, err := f.Fetch(context.Background(), mustResolve(t, srv.URL), map[string]string{
		"Referer":                   "https://ref.example/",
		"upgrade-insecure-requests": "none",
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want %d", resp.Status, http.StatusOK)
	}
	if resp.Body != "<html><body>ok</body></html>" {
		t.Errorf("Body = %q", resp.Body)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"User-Agent", "TestAgent/1.0"},
		{"Accept-Language", "en-US,en;q=0.9"},
		{"Sec-Fetch-Mode", "navigate"},
		{"Referer", "https://ref.example/"},
		{"Upgrade-Insecure-Requests", ""},
	}
	for _, tt := range tests {
		if v := got.Get(tt.key); v != tt.want {
			t.Errorf("header %s = %q, want %q", tt.key, v, tt.want)
		}
	}
}

func TestFetcher_Fetch_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final/page", http.StatusFound)
	})
	mux.HandleFunc("/final/page", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(testConfig())
	resp, err := f.Fetch(context.Background(), mustResolve(t, srv.URL+"/start"), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.FinalURL.Path != "/final/page" {
		t.Errorf("FinalURL.Path = %q, want %q", resp.FinalURL.Path, "/final/page")
	}
}

func TestFetcher_Fetch_TooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Upstream.MaxRedirects = 2
	f := newTestFetcher(cfg)

	_, err := f.Fetch(context.Background(), mustResolve(t, srv.URL+"/r"), nil)
	var netErr *model.NetworkError
	if !errors.As(err, &netErr) || netErr.Transport == nil {
		t.Fatalf("Fetch() error = %v, want transport NetworkError", err)
	}
}

func TestFetcher_Fetch_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	m := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFetcher(testConfig(), logger, m)

	_, err := f.Fetch(context.Background(), mustResolve(t, srv.URL), nil)
	var netErr *model.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Fetch() error = %v, want *model.NetworkError", err)
	}
	if netErr.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want %d", netErr.Status, http.StatusForbidden)
	}
	if netErr.StatusText != "Forbidden" {
		t.Errorf("StatusText = %q, want %q", netErr.StatusText, "Forbidden")
	}
}

func TestFetcher_Fetch_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.TimeoutSeconds = 1
	f := newTestFetcher(cfg)

	_, err := f.Fetch(context.Background(), mustResolve(t, "http://127.0.0.1:1/nonexistent"), nil)
	var netErr *model.NetworkError
	if !errors.As(err, &netErr) || netErr.Transport == nil {
		t.Fatalf("Fetch() error = %v, want transport NetworkError", err)
	}
}

func TestFetcher_Fetch_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newTestFetcher(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, mustResolve(t, srv.URL), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}
}

func TestFetcher_Fetch_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), 2048))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Upstream.MaxBodyBytes = 1024
	f := newTestFetcher(cfg)

	_, err := f.Fetch(context.Background(), mustResolve(t, srv.URL), nil)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("Fetch() error = %v, want ErrBodyTooLarge", err)
	}
}

func TestFetcher_Fetch_ContentEncodings(t *testing.T) {
	const page = "<html><body>compressed</body></html>"

	encoders := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			_, _ = w.Write(b)
			_ = w.Close()
			return buf.Bytes()
		},
		"zstd": func(b []byte) []byte {
			enc, _ := zstd.NewWriter(nil)
			defer func() { _ = enc.Close() }()
			return enc.EncodeAll(b, nil)
		},
	}

	for name, encode := range encoders {
		t.Run(name, func(t *testing.T) {
			body := encode([]byte(page))
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", name)
				_, _ = w.Write(body)
			}))
			defer srv.Close()

			f := newTestFetcher(testConfig())
			resp, err := f.Fetch(context.Background(), mustResolve(t, srv.URL), nil)
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if resp.Body != page {
				t.Errorf("Body = %q, want %q", resp.Body, page)
			}
		})
	}
}

func TestFetcher_Fetch_TranscodesCharset(t *testing.T) {
	// "café" in ISO-8859-1.
	latin1 := []byte{'c', 'a', 'f', 0xe9}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write(latin1)
	}))
	defer srv.Close()

	f := newTestFetcher(testConfig())
	resp, err := f.Fetch(context.Background(), mustResolve(t, srv.URL), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.Body != "café" {
		t.Errorf("Body = %q, want %q", resp.Body, "café")
	}
}

func TestFetcher_Fetch_BinaryBodyUntouched(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00, 0x00, 0x00, 0x0d, 'I', 'H', 'D', 'R', 0xe9, 0xff, 0x80}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	f := newTestFetcher(testConfig())
	resp, err := f.Fetch(context.Background(), mustResolve(t, srv.URL), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(resp.Raw, png) {
		t.Errorf("Raw = % x, want % x", resp.Raw, png)
	}
	if resp.Body != string(png) {
		t.Errorf("Body = % x, want % x", resp.Body, png)
	}
}

func TestToUTF8_MetaCharsetWins(t *testing.T) {
	// "Привет, мир" in windows-1251, declared only by the document itself.
	cyrillic := []byte{0xcf, 0xf0, 0xe8, 0xe2, 0xe5, 0xf2, ',', ' ', 0xec, 0xe8, 0xf0}
	doc := append([]byte(`<html><head><meta charset="windows-1251"></head><body>`), cyrillic...)
	doc = append(doc, "</body></html>"...)

	got := toUTF8(doc, "text/html")
	if !strings.Contains(got, "Привет, мир") {
		t.Errorf("toUTF8() = %q, want the declared windows-1251 decoding", got)
	}
}

func TestIsTextual(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/html; charset=utf-8", true},
		{"text/plain", true},
		{"application/json", true},
		{"application/ld+json", true},
		{"application/javascript", true},
		{"image/svg+xml", true},
		{"image/png", false},
		{"application/octet-stream", false},
		{"font/woff2", false},
	}

	for _, tt := range tests {
		if got := isTextual(tt.contentType); got != tt.want {
			t.Errorf("isTextual(%q) = %v, want %v", tt.contentType, got, tt.want)
		}
	}
}

func TestDeclaresCharset(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"meta charset", `<meta charset="koi8-r">`, true},
		{"http-equiv", `<meta http-equiv="Content-Type" content="text/html; charset=iso-8859-5">`, true},
		{"unknown label", `<meta charset="klingon">`, false},
		{"no meta", `<p>charset=utf-8</p>`, false},
		{"past prescan window", strings.Repeat(" ", 1100) + `<meta charset="koi8-r">`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := declaresCharset([]byte(tt.body)); got != tt.want {
				t.Errorf("declaresCharset() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeReader_Unsupported(t *testing.T) {
	_, _, err := decodeReader(bytes.NewReader(nil), "compress")
	if err == nil {
		t.Fatal("decodeReader() expected error for unsupported encoding, got nil")
	}
}
