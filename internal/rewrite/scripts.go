package rewrite

import (
	"regexp"
	"strings"
)

// headerText matches restriction headers echoed into script or JSON text.
var headerText = regexp.MustCompile(`(?i)(?:X-Frame-Options|Content-Security-Policy)\s*:\s*[^;"'\n\r]*`)

// StripHeaderText removes "X-Frame-Options: ..." and
// "Content-Security-Policy: ..." fragments.
func StripHeaderText(src string) string {
	return headerText.ReplaceAllString(src, "")
}

// Frame-check operands. An outer operand names the embedding context, an inner
// one the page itself. Longer forms come first in each alternation.
const (
	outerOperand = `(?:window\.|self\.)?(?:top|parent)(?:\.location(?:\.href)?)?`
	innerOperand = `(?:window\.)?(?:self|window)(?:\.location(?:\.href)?)?|(?:window\.|document\.)?location(?:\.href)?`
)

// frameCheck matches "a OP b" with a guard on both sides so member accesses
// such as node.parent or top.location.href.indexOf are left alone. RE2 has no
// lookaround, so the guards are captured and written back.
var frameCheck = regexp.MustCompile(
	`(^|[^\w.$])(` + outerOperand + `|` + innerOperand + `)\s*(!==?|===?)\s*(` +
		outerOperand + `|` + innerOperand + `)([^\w$.(\[]|$)`,
)

var outerOnly = regexp.MustCompile(`^` + outerOperand + `$`)

// NeutralizeFrameChecks rewrites comparisons between the page and its
// embedding context so they always take the top-level branch: an inequality
// becomes false and an equality becomes true. Comparisons where both operands
// are outer, or both inner, are left unchanged.
func NeutralizeFrameChecks(src string) string {
	// Matches consume their trailing guard, so adjacent checks need another
	// pass. Every replacement removes a comparison, which bounds the loop.
	for range 8 {
		next := replaceSubmatches(frameCheck, src, func(g []string) string {
			lhs, op, rhs := g[2], g[3], g[4]
			if outerOnly.MatchString(lhs) == outerOnly.MatchString(rhs) {
				return g[0]
			}
			verdict := "true"
			if op[0] == '!' {
				verdict = "false"
			}
			return g[1] + verdict + g[5]
		})
		if next == src {
			break
		}
		src = next
	}
	return src
}

// redirect matches a location assignment whose right-hand side is a string
// literal. A bare "location =" is not matched since it may be a declaration.
var redirect = regexp.MustCompile(
	`(^|[^\w.$])(?:(?:window|self|top|document)\.location(?:\.href)?|location\.href)\s*=\s*(?:"(?:[^"\\\n]|\\.)*"|'(?:[^'\\\n]|\\.)*')`,
)

// NeutralizeRedirects replaces top-level redirect assignments with void 0.
func NeutralizeRedirects(src string) string {
	return redirect.ReplaceAllString(src, "${1}void 0")
}

// RenameIdentifier replaces whole-identifier occurrences of from with to.
// Property accesses (window.from) are renamed too.
func RenameIdentifier(src, from, to string) string {
	if from == "" || !strings.Contains(src, from) {
		return src
	}
	var b strings.Builder
	b.Grow(len(src))
	for {
		i := strings.Index(src, from)
		if i < 0 {
			b.WriteString(src)
			return b.String()
		}
		end := i + len(from)
		if (i == 0 || !isIdentByte(src[i-1])) && (end == len(src) || !isIdentByte(src[end])) {
			b.WriteString(src[:i])
			b.WriteString(to)
		} else {
			b.WriteString(src[:end])
		}
		src = src[end:]
	}
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// replaceSubmatches is ReplaceAllStringFunc with access to capture groups.
func replaceSubmatches(re *regexp.Regexp, src string, fn func(groups []string) string) string {
	matches := re.FindAllStringSubmatchIndex(src, -1)
	if len(matches) == 0 {
		return src
	}
	var b strings.Builder
	b.Grow(len(src))
	last := 0
	for _, m := range matches {
		groups := make([]string, len(m)/2)
		for g := range groups {
			if m[2*g] >= 0 {
				groups[g] = src[m[2*g]:m[2*g+1]]
			}
		}
		b.WriteString(src[last:m[0]])
		b.WriteString(fn(groups))
		last = m[1]
	}
	b.WriteString(src[last:])
	return b.String()
}
