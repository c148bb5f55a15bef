// Package client provides the upstream HTTP fetcher.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"viewport-proxy/internal/config"
	"viewport-proxy/internal/metrics"
	"viewport-proxy/internal/model"
)

// ErrBodyTooLarge is wrapped in a transport NetworkError when the upstream
// body exceeds upstream.max_body_bytes.
var ErrBodyTooLarge = errors.New("upstream body exceeds size limit")

// browserHeaders impersonate a desktop Chrome navigation request.
var browserHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.9",
	"Accept-Encoding":           "gzip, deflate, br, zstd",
	"Sec-Ch-Ua":                 `"Not_A Brand";v="8", "Chromium";v="124", "Google Chrome";v="124"`,
	"Sec-Ch-Ua-Mobile":          "?0",
	"Sec-Ch-Ua-Platform":        `"Windows"`,
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
	"Upgrade-Insecure-Requests": "1",
	"Cache-Control":             "no-cache",
	"Pragma":                    "no-cache",
}

// removeHeaderValue in an override deletes the header instead of setting it.
const removeHeaderValue = "none"

// Fetcher performs single upstream requests. It never retries; retry and
// fallback belong to the layer above.
type Fetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	userAgent  string
	maxBody    int64
}

// NewFetcher creates a Fetcher with connection pooling, a per-request timeout
// and a bounded redirect chain. The metrics parameter is optional; pass nil to
// disable upstream metrics recording.
func NewFetcher(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if len(cfg.Upstream.DenyNetworks) > 0 {
		dialer.Control = newAddressGuard(cfg.Upstream.DenyNetworks).control
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Accept-Encoding is set explicitly and decoded in readBody.
		DisableCompression: true,
		DialContext:        dialer.DialContext,
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	return &Fetcher{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		logger:    logger.With("component", "fetcher"),
		metrics:   m,
		userAgent: cfg.Upstream.UserAgent,
		maxBody:   cfg.Upstream.MaxBodyBytes,
	}
}

// Fetch GETs the target with the browser header set plus per-host overrides.
// A non-2xx status or a transport failure returns *model.NetworkError.
func (f *Fetcher) Fetch(ctx context.Context, target *model.ResolvedTarget, overrides map[string]string) (*model.UpstreamResponse, error) {
	return f.Do(ctx, http.MethodGet, target.AbsoluteURL, f.BrowserHeader(overrides))
}

// BrowserHeader returns the impersonation header set with overrides applied.
func (f *Fetcher) BrowserHeader(overrides map[string]string) http.Header {
	h := make(http.Header, len(browserHeaders)+len(overrides)+1)
	for k, v := range browserHeaders {
		h.Set(k, v)
	}
	h.Set("User-Agent", f.userAgent)
	for k, v := range overrides {
		if v == removeHeaderValue {
			h.Del(k)
			continue
		}
		h.Set(k, v)
	}
	return h
}

// Do executes one request and reads the whole body, decoded to UTF-8 text.
func (f *Fetcher) Do(ctx context.Context, method, rawURL string, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, model.TransportError(fmt.Errorf("build upstream request: %w", err))
	}
	req.Header = header

	f.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	label := metrics.NormalizeMethod(method)
	if f.metrics != nil {
		f.metrics.UpstreamDuration.WithLabelValues(label).Observe(duration)
	}
	if err != nil {
		return nil, model.TransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if f.metrics != nil {
		f.metrics.UpstreamResponses.WithLabelValues(label, strconv.Itoa(resp.StatusCode)).Inc()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, model.StatusError(resp.StatusCode)
	}

	raw, err := readBody(resp.Body, resp.Header.Get("Content-Encoding"), f.maxBody)
	if err != nil {
		return nil, model.TransportError(err)
	}

	contentType := resp.Header.Get("Content-Type")
	return &model.UpstreamResponse{
		Status:      resp.StatusCode,
		StatusText:  http.StatusText(resp.StatusCode),
		Header:      resp.Header,
		ContentType: contentType,
		Body:        toUTF8(raw, contentType),
		Raw:         raw,
		FinalURL:    resp.Request.URL,
	}, nil
}
