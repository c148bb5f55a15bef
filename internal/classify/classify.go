// Package classify inspects an upstream response before rewriting.
package classify

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"viewport-proxy/internal/model"
)

// Classification is the classifier's verdict on one response.
type Classification struct {
	IsHTML bool
	// RestrictsEmbedding is telemetry only. The rewrite pipeline strips
	// restriction signals whether or not it is set.
	RestrictsEmbedding bool
	// ContentType is the declared type, or the sniffed one when the upstream
	// sent none.
	ContentType string
}

// Classify reports whether the response is HTML and whether it declares an
// embedding restriction via X-Frame-Options or a frame-ancestors CSP.
func Classify(resp *model.UpstreamResponse) Classification {
	contentType := resp.ContentType
	if strings.TrimSpace(contentType) == "" {
		contentType = mimetype.Detect([]byte(resp.Body)).String()
	}

	return Classification{
		IsHTML:             strings.Contains(strings.ToLower(contentType), "text/html"),
		RestrictsEmbedding: RestrictsEmbedding(resp),
		ContentType:        contentType,
	}
}

// RestrictsEmbedding reports whether the response headers forbid framing.
func RestrictsEmbedding(resp *model.UpstreamResponse) bool {
	if resp.Header == nil {
		return false
	}
	if resp.Header.Get("X-Frame-Options") != "" {
		return true
	}
	for _, csp := range resp.Header.Values("Content-Security-Policy") {
		if strings.Contains(strings.ToLower(csp), "frame-ancestors") {
			return true
		}
	}
	return false
}
