// Package ruleset loads the declarative per-host profile table: header
// overrides for the fetcher, global renames for the rewrite pipeline and the
// placeholder allow-list for the fallback policy.
package ruleset

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinYAML []byte

// identPattern matches a JavaScript identifier usable as a rename target.
var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Rename replaces a global identifier in inline scripts with a shadow name.
type Rename struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Placeholder configures the static page served when every fetch for a host
// fails. Its presence puts the host on the placeholder allow-list.
type Placeholder struct {
	Title   string `yaml:"title,omitempty"`
	Message string `yaml:"message,omitempty"`
	Link    string `yaml:"link,omitempty"`
	Accent  string `yaml:"accent,omitempty"`
}

// Rule is one entry of the table. Hosts match exactly, by subdomain suffix, or
// as a glob pattern when they contain '*'.
type Rule struct {
	Name        string            `yaml:"name"`
	Hosts       []string          `yaml:"hosts"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Renames     []Rename          `yaml:"renames,omitempty"`
	Placeholder *Placeholder      `yaml:"placeholder,omitempty"`
}

// RuleSet is an ordered rule table; the first matching rule wins.
type RuleSet []Rule

// Builtin returns the rules compiled into the binary.
func Builtin() (RuleSet, error) {
	rs, err := Parse(builtinYAML)
	if err != nil {
		return nil, fmt.Errorf("builtin ruleset: %w", err)
	}
	return rs, nil
}

// Parse decodes and validates a YAML rule list.
func Parse(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}
	for i := range rs {
		if err := rs[i].validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rs[i].Name, err)
		}
	}
	return rs, nil
}

// Load reads every .yml/.yaml file under the given paths (files or
// directories) and appends the builtin rules when useBuiltin is set. File
// rules come first so they take precedence over builtin ones.
func Load(paths []string, useBuiltin bool, logger *slog.Logger) (RuleSet, error) {
	var rs RuleSet
	var errs []error

	for _, root := range paths {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || !(strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml")) {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			fileRules, err := Parse(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			rs = append(rs, fileRules...)
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("load rulesets: %v", errs)
	}

	if useBuiltin {
		builtin, err := Builtin()
		if err != nil {
			return nil, err
		}
		rs = append(rs, builtin...)
	}

	if logger != nil {
		logger.Info("ruleset loaded", "rules", len(rs), "hosts", len(rs.Hosts()))
	}
	return rs, nil
}

// Match returns the first rule whose host list matches hostname, or nil.
func (rs RuleSet) Match(hostname string) *Rule {
	host := strings.ToLower(strings.TrimSuffix(hostname, "."))
	for i := range rs {
		if rs[i].Matches(host) {
			return &rs[i]
		}
	}
	return nil
}

// Hosts lists every host pattern in the table.
func (rs RuleSet) Hosts() []string {
	var hosts []string
	for _, r := range rs {
		hosts = append(hosts, r.Hosts...)
	}
	return hosts
}

// Matches reports whether the rule applies to the lower-cased hostname.
func (r *Rule) Matches(host string) bool {
	for _, pattern := range r.Hosts {
		pattern = strings.ToLower(pattern)
		if strings.Contains(pattern, "*") {
			if ok, _ := doublestar.Match(pattern, host); ok {
				return true
			}
			continue
		}
		if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return true
		}
	}
	return false
}

// AllowsPlaceholder reports whether the host is on the placeholder allow-list.
func (r *Rule) AllowsPlaceholder() bool {
	return r != nil && r.Placeholder != nil
}

func (r *Rule) validate() error {
	if len(r.Hosts) == 0 {
		return fmt.Errorf("hosts must not be empty")
	}
	for _, h := range r.Hosts {
		if h == "" {
			return fmt.Errorf("empty host pattern")
		}
		if strings.Contains(h, "*") && !doublestar.ValidatePattern(h) {
			return fmt.Errorf("invalid host pattern %q", h)
		}
	}
	for _, rn := range r.Renames {
		if !identPattern.MatchString(rn.From) || !identPattern.MatchString(rn.To) {
			return fmt.Errorf("rename %q -> %q: both sides must be JavaScript identifiers", rn.From, rn.To)
		}
		if rn.From == rn.To {
			return fmt.Errorf("rename %q maps to itself", rn.From)
		}
	}
	return nil
}
