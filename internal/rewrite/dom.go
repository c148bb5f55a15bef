package rewrite

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// permissiveCSP replaces whatever policy the page declared.
const permissiveCSP = "default-src * 'unsafe-inline' 'unsafe-eval' data: blob:; frame-ancestors *;"

// resetStyle forces a readable baseline and hides the usual home-grown
// "you are in a frame" overlays.
const resetStyle = `
body { background: white !important; color: black !important; min-height: 100vh !important; margin: 0 !important; padding: 0 !important; }
* { box-sizing: border-box !important; }
[style*="position: fixed"][style*="z-index"], [style*="position:fixed"][style*="z-index"] { display: none !important; }
.iframe-blocker, .frame-blocker, [class*="frame-deny"] { display: none !important; }
`

// urlAttrs are rewritten when they hold root- or protocol-relative URLs.
var urlAttrs = []string{"href", "src", "action", "formaction", "poster"}

// strippedMeta maps a meta attribute to the values that get the tag removed.
var strippedMeta = map[string][]string{
	"http-equiv": {"x-frame-options", "content-security-policy", "content-security-policy-report-only"},
	"name":       {"referrer"},
}

// stripSignals removes embedding-restriction meta tags and header text left in
// inline scripts and JSON blobs.
func stripSignals(doc *goquery.Document) {
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		for attr, values := range strippedMeta {
			v, ok := s.Attr(attr)
			if !ok {
				continue
			}
			v = strings.ToLower(strings.TrimSpace(v))
			for _, want := range values {
				if v == want {
					s.Remove()
					return
				}
			}
		}
	})
	eachScript(doc, func(kind scriptKind, src string) string {
		if kind == scriptOther {
			return src
		}
		return StripHeaderText(src)
	})
}

// rewriteURLs anchors root-relative values to base and gives
// protocol-relative values an https scheme.
func rewriteURLs(doc *goquery.Document, base string) {
	for _, attr := range urlAttrs {
		doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(attr)
			if out, ok := AbsoluteURL(v, base); ok {
				s.SetAttr(attr, out)
			}
		})
	}
	doc.Find("[srcset]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("srcset")
		if out, ok := rewriteSrcset(v, base); ok {
			s.SetAttr("srcset", out)
		}
	})
}

// AbsoluteURL rewrites one attribute value. Values that are already absolute,
// path-relative or fragments are reported unchanged.
func AbsoluteURL(value, base string) (string, bool) {
	v := strings.TrimSpace(value)
	switch {
	case strings.HasPrefix(v, "//"):
		return "https:" + v, true
	case strings.HasPrefix(v, "/"):
		return base + v, true
	}
	return value, false
}

func rewriteSrcset(value, base string) (string, bool) {
	// Data URIs carry commas of their own.
	if strings.Contains(value, "data:") {
		return value, false
	}
	candidates := strings.Split(value, ",")
	changed := false
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		if out, ok := AbsoluteURL(fields[0], base); ok {
			fields[0] = out
			changed = true
		}
		candidates[i] = strings.Join(fields, " ")
	}
	if !changed {
		return value, false
	}
	return strings.Join(candidates, ", "), true
}

// injectHead prepends the base element, the permissive meta tags and the reset
// style to <head>.
func injectHead(doc *goquery.Document, base string) {
	head := doc.Find("head").First()
	head.PrependNodes(
		element(atom.Base, "href", base+"/"),
		element(atom.Meta, "name", "viewport", "content", "width=device-width, initial-scale=1"),
		element(atom.Meta, "http-equiv", "Content-Security-Policy", "content", permissiveCSP),
		element(atom.Meta, "http-equiv", "X-Frame-Options", "content", "ALLOWALL"),
		withText(element(atom.Style), resetStyle),
	)
}

type scriptKind int

const (
	scriptJS scriptKind = iota
	scriptJSON
	scriptOther
)

func classifyScript(s *goquery.Selection) scriptKind {
	typ, _ := s.Attr("type")
	typ = strings.ToLower(strings.TrimSpace(typ))
	if i := strings.IndexByte(typ, ';'); i >= 0 {
		typ = strings.TrimSpace(typ[:i])
	}
	switch typ {
	case "", "module", "text/javascript", "application/javascript",
		"text/ecmascript", "application/ecmascript", "text/jscript":
		return scriptJS
	}
	if strings.Contains(typ, "json") {
		return scriptJSON
	}
	return scriptOther
}

// eachScript passes the text of every inline script through fn.
func eachScript(doc *goquery.Document, fn func(kind scriptKind, src string) string) {
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		kind := classifyScript(s)
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					c.Data = fn(kind, c.Data)
				}
			}
		}
	})
}

func element(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func withText(n *html.Node, text string) *html.Node {
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return n
}

func scriptNode(src string) *html.Node {
	return withText(element(atom.Script, "data-viewport-shim", ""), src)
}
