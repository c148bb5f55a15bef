// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"net/url"

	"viewport-proxy/internal/ruleset"
)

// TargetRequest is a URL submitted by the viewer, either typed into the URL
// bar or relayed from a navigation event. Seq is zero for untracked requests.
type TargetRequest struct {
	RawInput string
	Seq      uint64
}

// ResolvedTarget is a validated absolute http(s) URL.
type ResolvedTarget struct {
	Scheme      string
	Host        string
	Path        string
	AbsoluteURL string
}

// Hostname returns the host without any port.
func (t *ResolvedTarget) Hostname() string {
	u, err := url.Parse(t.AbsoluteURL)
	if err != nil {
		return t.Host
	}
	return u.Hostname()
}

// UpstreamResponse is a fully read upstream response. It is never mutated
// after the fetch strategy that produced it returns.
type UpstreamResponse struct {
	Status      int
	StatusText  string
	Header      http.Header
	ContentType string
	Body        string // UTF-8 for textual types
	Raw         []byte // body after content decoding, before any transcoding

	// FinalURL is the URL after redirects; relative URLs are anchored to it.
	FinalURL *url.URL

	// Strategy names the fallback attempt that produced the response.
	Strategy string
}

// RewriteContext carries what the rewrite pipeline needs for one document.
type RewriteContext struct {
	BaseURL  string // scheme://host of the post-redirect URL, no trailing slash
	PageURL  string // full post-redirect URL
	Hostname string
	Profile  *ruleset.Rule // nil when no site profile matched
}

// NewRewriteContext derives the rewrite context from the post-redirect URL.
func NewRewriteContext(final *url.URL, profile *ruleset.Rule) RewriteContext {
	return RewriteContext{
		BaseURL:  final.Scheme + "://" + final.Host,
		PageURL:  final.String(),
		Hostname: final.Hostname(),
		Profile:  profile,
	}
}

// ResultKind tells a successful ProxyResult from a failed one.
type ResultKind string

const (
	Success ResultKind = "success"
	Failure ResultKind = "failure"
)

// FailureReason classifies a failed ProxyResult.
type FailureReason string

const (
	ReasonInvalidURL            FailureReason = "InvalidUrl"
	ReasonAllFallbacksExhausted FailureReason = "AllFallbacksExhausted"
)

// ProxyResult is the only value returned across the proxy boundary.
type ProxyResult struct {
	Kind ResultKind

	// Success fields.
	ContentType string
	Body        string
	Raw         []byte // non-HTML bodies, served verbatim by /raw
	URL         string
	Title       string
	Strategy    string

	// Failure fields.
	Reason      FailureReason
	Detail      string
	Suggestions []string
}

// Err returns the failure as a *FailureError, or nil for a successful
// result.
func (r *ProxyResult) Err() error {
	if r.Kind != Failure {
		return nil
	}
	return &FailureError{Reason: r.Reason, Detail: r.Detail, Suggestions: r.Suggestions}
}

// NavigationEvent is posted by the runtime shim when the rendered page tries
// to navigate.
type NavigationEvent struct {
	URL string `json:"url"`
}

// Request converts the event into a new target request.
func (e NavigationEvent) Request(seq uint64) TargetRequest {
	return TargetRequest{RawInput: e.URL, Seq: seq}
}
