// Package resolve turns user input into a validated absolute target URL.
package resolve

import (
	"fmt"
	"net/url"
	"strings"

	"viewport-proxy/internal/model"
)

// Resolve normalizes rawInput into a ResolvedTarget. Input without an http or
// https scheme gets "https://" prefixed before parsing. Every failure wraps
// model.ErrInvalidURL.
func Resolve(rawInput string) (*model.ResolvedTarget, error) {
	raw := strings.TrimSpace(rawInput)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty input", model.ErrInvalidURL)
	}

	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(raw, "://") {
			return nil, fmt.Errorf("%w: unsupported scheme in %q", model.ErrInvalidURL, raw)
		}
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", model.ErrInvalidURL, u.Scheme)
	}
	if err := validateHost(u.Hostname()); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidURL, err)
	}

	return &model.ResolvedTarget{
		Scheme:      u.Scheme,
		Host:        u.Host,
		Path:        u.EscapedPath(),
		AbsoluteURL: u.String(),
	}, nil
}

func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if strings.HasPrefix(host, ".") || strings.HasSuffix(host, "..") || strings.Contains(host, "..") {
		return fmt.Errorf("malformed host %q", host)
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '.', r == ':', r == '_':
		case r > 0x7f: // IDN, left to the resolver
		default:
			return fmt.Errorf("malformed host %q", host)
		}
	}
	return nil
}
