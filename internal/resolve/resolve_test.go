package resolve

import (
	"errors"
	"testing"

	"viewport-proxy/internal/model"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		input      string
		wantURL    string
		wantScheme string
		wantHost   string
	}{
		{"github.com", "https://github.com", "https", "github.com"},
		{"  github.com  ", "https://github.com", "https", "github.com"},
		{"http://example.com/a?b=c", "http://example.com/a?b=c", "http", "example.com"},
		{"https://example.com:8443/x", "https://example.com:8443/x", "https", "example.com:8443"},
		{"HTTPS://Example.com", "https://Example.com", "https", "Example.com"},
		{"localhost:3000/path", "https://localhost:3000/path", "https", "localhost:3000"},
		{"news.ycombinator.com/item?id=1", "https://news.ycombinator.com/item?id=1", "https", "news.ycombinator.com"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Resolve(tt.input)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.input, err)
			}
			if got.AbsoluteURL != tt.wantURL {
				t.Errorf("AbsoluteURL = %q, want %q", got.AbsoluteURL, tt.wantURL)
			}
			if got.Scheme != tt.wantScheme {
				t.Errorf("Scheme = %q, want %q", got.Scheme, tt.wantScheme)
			}
			if got.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", got.Host, tt.wantHost)
			}
		})
	}
}

func TestResolve_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"not a url",
		"https://",
		"http://exa mple.com",
		"ftp://example.com",
		"https://.example.com",
		"https://exa..mple.com",
		"https://exa<mple.com",
	}

	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			_, err := Resolve(in)
			if err == nil {
				t.Fatalf("Resolve(%q) expected error, got nil", in)
			}
			if !errors.Is(err, model.ErrInvalidURL) {
				t.Errorf("Resolve(%q) error = %v, want ErrInvalidURL", in, err)
			}
		})
	}
}
