// Package shim renders the runtime script appended to every rewritten page.
//
// The script runs inside the proxied document. It makes the page believe it is
// top-level and turns every navigation attempt (links, forms, window.open,
// location writes) into a {type: "navigate", url} message to the embedding
// viewer.
package shim

import (
	_ "embed"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasttemplate"
)

//go:embed shim.js
var source string

// DefaultDedupeWindow suppresses repeated posts of the same URL, which
// message delivery does not guarantee against.
const DefaultDedupeWindow = 750 * time.Millisecond

// Generator renders the shim for a host.
type Generator struct {
	tpl    *fasttemplate.Template
	dedupe time.Duration
}

// NewGenerator parses the embedded template. A zero dedupe window selects
// DefaultDedupeWindow.
func NewGenerator(dedupe time.Duration) *Generator {
	if dedupe <= 0 {
		dedupe = DefaultDedupeWindow
	}
	return &Generator{
		tpl:    fasttemplate.New(source, "{{", "}}"),
		dedupe: dedupe,
	}
}

// Script returns the shim source for pageURL, served from hostname. The page
// runs from srcdoc, so pageURL stands in for its own location.
func (g *Generator) Script(hostname, pageURL string) string {
	return g.tpl.ExecuteString(map[string]any{
		"hostname":  jsString(hostname),
		"page_url":  jsString(pageURL),
		"dedupe_ms": strconv.FormatInt(g.dedupe.Milliseconds(), 10),
	})
}

// jsString quotes s as a JavaScript string literal. encoding/json escapes '<',
// '>' and '&', so the result cannot close the surrounding script element.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
