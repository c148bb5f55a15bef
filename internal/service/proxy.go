// Package service turns a target request into a ProxyResult: resolve, fetch
// with fallback, classify and rewrite.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"viewport-proxy/internal/classify"
	"viewport-proxy/internal/metrics"
	"viewport-proxy/internal/model"
	"viewport-proxy/internal/resolve"
	"viewport-proxy/internal/rewrite"
	"viewport-proxy/internal/ruleset"
)

// Suggestions accompany an AllFallbacksExhausted failure.
var Suggestions = []string{
	"Try accessing the site directly in a new browser tab",
	"Check if the site requires login or has geographic restrictions",
	"Some sites block proxies for security reasons",
}

// ProxyService runs one request through the whole pipeline. It keeps no
// per-request state and is safe for concurrent use.
type ProxyService struct {
	fallback *FallbackPolicy
	pipeline *rewrite.Pipeline
	rules    ruleset.RuleSet
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(fb *FallbackPolicy, p *rewrite.Pipeline, rules ruleset.RuleSet, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		fallback: fb,
		pipeline: p,
		rules:    rules,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
}

// Proxy resolves, fetches and rewrites req. Failures are reported in the
// result, never as a panic or a bare error.
func (s *ProxyService) Proxy(ctx context.Context, req model.TargetRequest) *model.ProxyResult {
	target, err := resolve.Resolve(req.RawInput)
	if err != nil {
		s.logger.Debug("rejected target", "input", req.RawInput, "seq", req.Seq, "error", err)
		return &model.ProxyResult{
			Kind:   model.Failure,
			Reason: model.ReasonInvalidURL,
			Detail: err.Error(),
		}
	}

	profile := s.rules.Match(target.Hostname())
	if profile != nil {
		s.logger.Debug("site profile matched", "host", target.Hostname(), "profile", profile.Name)
	}

	resp, err := s.fallback.FetchWithFallback(ctx, target, profile)
	if err != nil {
		s.logger.Warn("all fetch strategies failed",
			"url", target.AbsoluteURL,
			"seq", req.Seq,
			"error", err,
		)
		return &model.ProxyResult{
			Kind:        model.Failure,
			URL:         target.AbsoluteURL,
			Reason:      model.ReasonAllFallbacksExhausted,
			Detail:      fmt.Sprintf("Unable to access %s. This site may be blocked or require special authentication.", target.Hostname()),
			Suggestions: append([]string(nil), Suggestions...),
		}
	}

	return s.render(resp, profile)
}

// render classifies the response and rewrites HTML. The placeholder page is
// ours and goes out untouched.
func (s *ProxyService) render(resp *model.UpstreamResponse, profile *ruleset.Rule) *model.ProxyResult {
	result := &model.ProxyResult{
		Kind:     model.Success,
		URL:      resp.FinalURL.String(),
		Strategy: resp.Strategy,
	}

	if resp.Strategy == KindPlaceholder {
		result.ContentType = resp.ContentType
		result.Body = resp.Body
		return result
	}

	cls := classify.Classify(resp)
	if cls.RestrictsEmbedding {
		s.logger.Info("upstream restricts embedding", "host", resp.FinalURL.Host)
		if s.metrics != nil {
			s.metrics.RestrictsEmbedding.Inc()
		}
	}

	if !cls.IsHTML {
		result.ContentType = cls.ContentType
		result.Body = resp.Body
		result.Raw = resp.Raw
		return result
	}

	out := s.pipeline.Rewrite(resp.Body, model.NewRewriteContext(resp.FinalURL, profile))
	result.ContentType = "text/html; charset=utf-8"
	result.Body = out.HTML
	result.Title = out.Title
	return result
}

// Strategies returns the fallback strategy names in attempt order.
func (s *ProxyService) Strategies() []string {
	return s.fallback.Strategies()
}

// Rules returns the loaded site profile table.
func (s *ProxyService) Rules() ruleset.RuleSet {
	return s.rules
}
