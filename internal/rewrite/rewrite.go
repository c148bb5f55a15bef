// Package rewrite turns an upstream HTML document into one that renders inside
// the sandboxed viewer: embedding restrictions are stripped, frame-busting is
// neutralized, URLs are anchored to the upstream origin and the runtime shim
// is appended.
package rewrite

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"viewport-proxy/internal/metrics"
	"viewport-proxy/internal/model"
)

// Stage names, in pipeline order.
const (
	StageStripSignals = "strip-signals"
	StageFrameChecks  = "frame-checks"
	StageRedirects    = "redirects"
	StageURLs         = "urls"
	StageInjectHead   = "inject-head"
	StageSiteProfile  = "site-profile"
	StageInjectShim   = "inject-shim"
)

// Stages lists every stage name in the order the pipeline runs them.
var Stages = []string{
	StageStripSignals,
	StageFrameChecks,
	StageRedirects,
	StageURLs,
	StageInjectHead,
	StageSiteProfile,
	StageInjectShim,
}

// Skip records a stage that found no anchor and was left out.
type Skip struct {
	Stage  string
	Reason string
}

// Result is the output of one pipeline run.
type Result struct {
	HTML  string
	Title string
	Skips []Skip
}

// Skipped reports whether the named stage was skipped.
func (r Result) Skipped(stage string) bool {
	for _, s := range r.Skips {
		if s.Stage == stage {
			return true
		}
	}
	return false
}

// ShimSource renders the runtime shim for a document.
type ShimSource interface {
	Script(hostname, pageURL string) string
}

// The parser synthesizes <head> and <body> when the source has none, so
// anchor presence is decided on the raw text.
var (
	headAnchor = regexp.MustCompile(`(?i)<head(?:\s[^>]*)?>`)
	bodyAnchor = regexp.MustCompile(`(?i)<body(?:\s[^>]*)?>`)
)

// Pipeline runs the rewrite stages. It holds no per-document state and is
// safe for concurrent use.
type Pipeline struct {
	shim    ShimSource
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a Pipeline. The metrics parameter is optional.
func NewPipeline(shim ShimSource, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		shim:    shim,
		logger:  logger.With("component", "rewrite"),
		metrics: m,
	}
}

// Rewrite applies every stage to body. It never fails: a stage without its
// anchor is skipped and recorded, and the rest still run.
func (p *Pipeline) Rewrite(body string, rctx model.RewriteContext) Result {
	hasHead := headAnchor.MatchString(body)
	hasBody := bodyAnchor.MatchString(body)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		res := Result{HTML: body}
		for _, stage := range Stages {
			res.Skips = append(res.Skips, Skip{Stage: stage, Reason: "unparseable document"})
		}
		p.report(res.Skips, rctx)
		return res
	}

	var res Result
	res.Title = p.title(doc)

	stripSignals(doc)
	eachScript(doc, func(kind scriptKind, src string) string {
		if kind == scriptJS {
			src = NeutralizeFrameChecks(src)
		}
		return src
	})
	eachScript(doc, func(kind scriptKind, src string) string {
		if kind == scriptJS {
			src = NeutralizeRedirects(src)
		}
		return src
	})
	rewriteURLs(doc, rctx.BaseURL)

	if hasHead {
		injectHead(doc, rctx.BaseURL)
	} else {
		res.Skips = append(res.Skips, Skip{Stage: StageInjectHead, Reason: "no <head> element"})
	}

	if rctx.Profile != nil && len(rctx.Profile.Renames) > 0 {
		eachScript(doc, func(kind scriptKind, src string) string {
			if kind != scriptJS {
				return src
			}
			for _, rn := range rctx.Profile.Renames {
				src = RenameIdentifier(src, rn.From, rn.To)
			}
			return src
		})
	}

	if hasBody && p.shim != nil {
		doc.Find("body").First().AppendNodes(scriptNode(p.shim.Script(rctx.Hostname, rctx.PageURL)))
	} else if !hasBody {
		res.Skips = append(res.Skips, Skip{Stage: StageInjectShim, Reason: "no <body> element"})
	}

	out, err := doc.Html()
	if err != nil {
		// Rendering only fails on writer errors; keep the source.
		p.logger.Error("render rewritten document", "host", rctx.Hostname, "error", err)
		out = body
	}
	res.HTML = out

	p.report(res.Skips, rctx)
	return res
}

func (p *Pipeline) report(skips []Skip, rctx model.RewriteContext) {
	for _, s := range skips {
		p.logger.Warn("rewrite stage skipped",
			"stage", s.Stage,
			"reason", s.Reason,
			"host", rctx.Hostname,
		)
		if p.metrics != nil {
			p.metrics.RewriteSkips.WithLabelValues(s.Stage).Inc()
		}
	}
}

// title returns the document title with whitespace collapsed. <title> is raw
// text, so markup-looking content is kept as written.
func (p *Pipeline) title(doc *goquery.Document) string {
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
}
