package client

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// readBody decodes the Content-Encoding chain and reads at most limit bytes of
// the decoded body. A limit of zero or less disables the cap.
func readBody(r io.Reader, contentEncoding string, limit int64) ([]byte, error) {
	dec, closeAll, err := decodeReader(r, contentEncoding)
	if err != nil {
		return nil, err
	}
	defer closeAll()

	if limit <= 0 {
		return io.ReadAll(dec)
	}
	data, err := io.ReadAll(io.LimitReader(dec, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}

// decodeReader wraps r with one decoder per listed encoding, applied in
// reverse order of application.
func decodeReader(r io.Reader, contentEncoding string) (io.Reader, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	encodings := strings.Split(contentEncoding, ",")
	for i := len(encodings) - 1; i >= 0; i-- {
		enc := strings.ToLower(strings.TrimSpace(encodings[i]))
		switch enc {
		case "", "identity":
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(r)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("gzip body: %w", err)
			}
			closers = append(closers, func() { _ = zr.Close() })
			r = zr
		case "deflate":
			dr, err := newDeflateReader(r)
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, func() { _ = dr.Close() })
			r = dr
		case "br":
			r = brotli.NewReader(r)
		case "zstd":
			zr, err := zstd.NewReader(r)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("zstd body: %w", err)
			}
			closers = append(closers, zr.Close)
			r = zr
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unsupported content encoding %q", enc)
		}
	}
	return r, closeAll, nil
}

// newDeflateReader accepts both zlib-wrapped and raw deflate streams; servers
// disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err == nil && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("deflate body: %w", err)
		}
		return zr, nil
	}
	return flate.NewReader(br), nil
}

// toUTF8 transcodes a textual body to UTF-8. The declared charset (header,
// BOM or meta prescan) wins; otherwise chardet guesses. Anything else comes
// back byte for byte.
func toUTF8(body []byte, contentType string) string {
	sniffed := contentType
	if sniffed == "" {
		sniffed = mimetype.Detect(body).String()
	}
	if !isTextual(sniffed) {
		return string(body)
	}
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	if !certain && name != "utf-8" && !declaresCharset(body) {
		if guess := detectCharset(body); guess != "" {
			if e, n := charset.Lookup(guess); e != nil {
				enc, name = e, n
			}
		}
	}
	if name == "utf-8" {
		return string(body)
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(out)
}

// isTextual reports whether a media type carries text that may need
// transcoding.
func isTextual(contentType string) bool {
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	for _, kind := range []string{"html", "json", "javascript", "ecmascript", "xml"} {
		if strings.Contains(mt, kind) {
			return true
		}
	}
	return false
}

var metaCharset = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?\s*([\w:.-]+)`)

// declaresCharset reports whether the first 1024 bytes carry a <meta> charset
// the prescan would honour. DetermineEncoding reports those as uncertain.
func declaresCharset(body []byte) bool {
	if len(body) > 1024 {
		body = body[:1024]
	}
	m := metaCharset.FindSubmatch(body)
	if m == nil {
		return false
	}
	e, _ := charset.Lookup(string(m[1]))
	return e != nil
}

func detectCharset(body []byte) string {
	sample := body
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	result, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil || result == nil || result.Confidence < 50 {
		return ""
	}
	return strings.ToLower(result.Charset)
}
