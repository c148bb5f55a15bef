package service

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/microcosm-cc/bluemonday"
	"github.com/tidwall/gjson"

	"viewport-proxy/internal/client"
	"viewport-proxy/internal/config"
	"viewport-proxy/internal/metrics"
	"viewport-proxy/internal/model"
	"viewport-proxy/internal/ruleset"
)

// Strategy kinds, used as bounded metric labels.
const (
	KindDirect      = "direct"
	KindRelay       = "relay"
	KindPlaceholder = "placeholder"
)

// errNotApplicable tells the policy a strategy does not apply to the target.
var errNotApplicable = errors.New("strategy not applicable")

// Strategy is one way of obtaining a page.
type Strategy interface {
	Name() string
	Kind() string
	Fetch(ctx context.Context, target *model.ResolvedTarget, profile *ruleset.Rule) (*model.UpstreamResponse, error)
}

// FallbackPolicy tries its strategies in order until one produces a page.
// The list is built once and never changes.
type FallbackPolicy struct {
	strategies []Strategy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewFallbackPolicy builds the strategy list: the direct fetch, then each
// configured relay service, then the placeholder page. The metrics parameter
// is optional.
func NewFallbackPolicy(cfg *config.Config, f *client.Fetcher, logger *slog.Logger, m *metrics.Metrics) *FallbackPolicy {
	strategies := []Strategy{&directStrategy{fetcher: f}}
	for _, svc := range cfg.Fallback.Relays {
		strategies = append(strategies, &relayStrategy{fetcher: f, svc: svc})
	}
	if !cfg.Fallback.DisablePlaceholder {
		strategies = append(strategies, placeholderStrategy{})
	}
	return NewFallbackPolicyWith(strategies, logger, m)
}

// NewFallbackPolicyWith creates a policy over an explicit strategy list.
func NewFallbackPolicyWith(strategies []Strategy, logger *slog.Logger, m *metrics.Metrics) *FallbackPolicy {
	return &FallbackPolicy{
		strategies: strategies,
		logger:     logger.With("component", "fallback"),
		metrics:    m,
	}
}

// Strategies returns the strategy names in attempt order.
func (p *FallbackPolicy) Strategies() []string {
	names := make([]string, len(p.strategies))
	for i, s := range p.strategies {
		names[i] = s.Name()
	}
	return names
}

// FetchWithFallback returns the first successful strategy's response. When
// all fail, the error wraps model.ErrAllFallbacksExhausted and every attempt's
// error.
func (p *FallbackPolicy) FetchWithFallback(ctx context.Context, target *model.ResolvedTarget, profile *ruleset.Rule) (*model.UpstreamResponse, error) {
	var errs []error
	for _, s := range p.strategies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		resp, err := s.Fetch(ctx, target, profile)
		if errors.Is(err, errNotApplicable) {
			p.record(s, "skipped")
			continue
		}
		if err != nil {
			p.record(s, "failure")
			p.logger.Info("fetch attempt failed",
				"strategy", s.Name(),
				"host", target.Host,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}

		p.record(s, "success")
		resp.Strategy = s.Name()
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %w", model.ErrAllFallbacksExhausted, errors.Join(errs...))
}

func (p *FallbackPolicy) record(s Strategy, outcome string) {
	if p.metrics != nil {
		p.metrics.FallbackAttempts.WithLabelValues(s.Kind(), outcome).Inc()
	}
}

// directStrategy fetches the target itself with the browser header set.
type directStrategy struct {
	fetcher *client.Fetcher
}

func (d *directStrategy) Name() string { return KindDirect }
func (d *directStrategy) Kind() string { return KindDirect }

func (d *directStrategy) Fetch(ctx context.Context, target *model.ResolvedTarget, profile *ruleset.Rule) (*model.UpstreamResponse, error) {
	var overrides map[string]string
	if profile != nil {
		overrides = profile.Headers
	}
	return d.fetcher.Fetch(ctx, target, overrides)
}

// relayStrategy routes the request through a CORS-unblocking service.
type relayStrategy struct {
	fetcher *client.Fetcher
	svc     config.RelayService
}

func (r *relayStrategy) Name() string { return KindRelay + ":" + r.svc.Name }
func (r *relayStrategy) Kind() string { return KindRelay }

func (r *relayStrategy) Fetch(ctx context.Context, target *model.ResolvedTarget, _ *ruleset.Rule) (*model.UpstreamResponse, error) {
	header := r.fetcher.BrowserHeader(nil)
	// The relay is an API, not a navigation.
	header.Del("Sec-Fetch-User")
	header.Set("Sec-Fetch-Mode", "cors")
	header.Set("Sec-Fetch-Dest", "empty")
	if r.svc.Format == "json" {
		header.Set("Accept", "application/json")
	}

	resp, err := r.fetcher.Do(ctx, http.MethodGet, r.svc.URL+url.QueryEscape(target.AbsoluteURL), header)
	if err != nil {
		return nil, err
	}

	final, err := url.Parse(target.AbsoluteURL)
	if err != nil {
		return nil, model.TransportError(err)
	}

	if r.svc.Format != "json" {
		return &model.UpstreamResponse{
			Status:      resp.Status,
			StatusText:  resp.StatusText,
			Header:      relayHeader(resp.ContentType),
			ContentType: resp.ContentType,
			Body:        resp.Body,
			FinalURL:    final,
		}, nil
	}

	if !gjson.Valid(resp.Body) {
		return nil, model.TransportError(fmt.Errorf("relay %s returned invalid JSON", r.svc.Name))
	}
	if r.svc.StatusPath != "" {
		if code := gjson.Get(resp.Body, r.svc.StatusPath); code.Exists() && (code.Int() < 200 || code.Int() > 299) {
			return nil, model.StatusError(int(code.Int()))
		}
	}
	contents := gjson.Get(resp.Body, r.svc.JSONPath)
	if !contents.Exists() || contents.String() == "" {
		return nil, model.TransportError(fmt.Errorf("relay %s returned no content at %q", r.svc.Name, r.svc.JSONPath))
	}

	// The wrapper hides the page's own headers; the classifier sniffs the body.
	return &model.UpstreamResponse{
		Status:     http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		Header:     relayHeader(""),
		Body:       contents.String(),
		FinalURL:   final,
	}, nil
}

// relayHeader keeps only the content type; relay services answer with their
// own framing headers, which say nothing about the target page.
func relayHeader(contentType string) http.Header {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return h
}

//go:embed placeholder.html
var placeholderHTML string

var placeholderTmpl = template.Must(template.New("placeholder").Parse(placeholderHTML))

// messagePolicy keeps the inline markup a profile's placeholder message may
// carry and drops everything else.
var messagePolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy().
		AllowElements("b", "strong", "i", "em", "code", "br")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	return p.
		RequireNoReferrerOnLinks(true).
		AddTargetBlankToFullyQualifiedLinks(true)
}()

type placeholderPage struct {
	Title   string
	Message template.HTML
	Link    string
	Host    string
	Accent  string
}

// placeholderStrategy serves a static page with a direct link, for hosts on
// the placeholder allow-list only.
type placeholderStrategy struct{}

func (placeholderStrategy) Name() string { return KindPlaceholder }
func (placeholderStrategy) Kind() string { return KindPlaceholder }

func (placeholderStrategy) Fetch(_ context.Context, target *model.ResolvedTarget, profile *ruleset.Rule) (*model.UpstreamResponse, error) {
	if !profile.AllowsPlaceholder() {
		return nil, errNotApplicable
	}

	page := placeholderPage{
		Title:   profile.Placeholder.Title,
		Message: template.HTML(messagePolicy.Sanitize(profile.Placeholder.Message)),
		Link:    profile.Placeholder.Link,
		Host:    target.Hostname(),
		Accent:  profile.Placeholder.Accent,
	}
	if page.Title == "" {
		page.Title = page.Host + " can't be shown here"
	}
	if page.Message == "" {
		page.Message = "This site blocks embedded viewing. Open it directly to continue."
	}
	if page.Link == "" {
		page.Link = target.AbsoluteURL
	}
	if page.Accent == "" {
		page.Accent = "#2563eb"
	}

	var buf bytes.Buffer
	if err := placeholderTmpl.Execute(&buf, page); err != nil {
		return nil, fmt.Errorf("render placeholder: %w", err)
	}

	final, err := url.Parse(target.AbsoluteURL)
	if err != nil {
		return nil, fmt.Errorf("placeholder url: %w", err)
	}
	return &model.UpstreamResponse{
		Status:      http.StatusOK,
		StatusText:  http.StatusText(http.StatusOK),
		Header:      relayHeader("text/html; charset=utf-8"),
		ContentType: "text/html; charset=utf-8",
		Body:        buf.String(),
		FinalURL:    final,
	}, nil
}
