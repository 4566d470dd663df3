package script

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

var (
	// First fenced block; the opening fence must start a line.
	fenceBlock = regexp.MustCompile("(?s)(?:^|\\n)[ \\t]*```[\\w+.-]*[ \\t]*\\r?\\n(.*?)(?:\\r?\\n)?[ \\t]*```")
	// Opening fence with no closing one, as seen in truncated replies.
	openFence = regexp.MustCompile("^```[\\w+.-]*[ \\t]*\\r?\\n")

	// An absolute URL: optional scheme, "://", then everything a URL parser
	// would still treat as authority. Quotes and other delimiters are cut
	// later, after userinfo has been removed. A "://" with no scheme in front
	// of it means the URL is assembled at runtime.
	absoluteURL = regexp.MustCompile(`(?i)(?:([a-z][a-z0-9+.\-]*))?://([^\s/\\?#]*)`)
	// A string literal that starts with "//", the tail of a URL whose scheme
	// sits in another literal.
	schemeRelative = regexp.MustCompile("['\"`]//([^\\s/\\\\?#]*)")

	requiredConstructs = []struct {
		name string
		re   *regexp.Regexp
	}{
		{"http import", regexp.MustCompile(`\bimport\s+(?:\*\s+as\s+)?http\s+from\s+['"]k6/http['"]`)},
		{"default export function", regexp.MustCompile(`\bexport\s+default\s+(?:async\s+)?(?:function\b|\([^)]*\)\s*=>)`)},
		{"options declaration", regexp.MustCompile(`\bexport\s+(?:const|let|var)\s+options\s*=`)},
	}

	arrowEntryPoint = regexp.MustCompile(`\bexport\s+default\s+(async\s+)?\(\s*\)\s*=>\s*\{`)
)

// Sanitizer applies a Policy to untrusted text.
type Sanitizer struct {
	policy Policy
}

// New returns a sanitizer enforcing policy.
func New(policy Policy) *Sanitizer {
	return &Sanitizer{policy: policy}
}

// Policy returns the policy this sanitizer enforces.
func (s *Sanitizer) Policy() Policy {
	return s.policy
}

// Sanitize runs fence stripping, the structural check, the URL allowlist and
// cosmetic normalization, in that order. It never panics and never returns
// a valid candidate that references a host outside the sandbox target.
func (s *Sanitizer) Sanitize(raw string, origin types.Origin) Candidate {
	c := Candidate{Raw: raw, Origin: origin}

	text := StripFences(raw)

	rej := &RejectionError{
		Missing:    missingConstructs(text),
		Violations: s.violations(text),
	}
	if len(rej.Missing) > 0 || len(rej.Violations) > 0 {
		c.Reason = rej
		return c
	}

	normalized := Normalize(text)
	if v := s.violations(normalized); len(v) > 0 {
		c.Reason = &RejectionError{Violations: v}
		return c
	}

	c.Sanitized = normalized
	c.Valid = true
	return c
}

// Baseline returns the hand-written fallback script as a valid candidate.
func (s *Sanitizer) Baseline() Candidate {
	raw := renderBaseline(s.policy.BaseURL())
	c := s.Sanitize(raw, types.OriginBaseline)
	if !c.Valid {
		// The template is fixed and only the base URL varies, which the
		// policy itself produced.
		panic("script: baseline rejected by its own policy: " + c.Reason.Error())
	}
	return c
}

// violations lists the distinct host:port values in text that the policy
// does not allow. A URL without a literal scheme is never allowed.
func (s *Sanitizer) violations(text string) []string {
	seen := make(map[string]struct{})
	for _, m := range schemeRelative.FindAllStringSubmatch(text, -1) {
		hp := canonicalHostPort("", m[1])
		if hp == "" {
			hp = "//"
		}
		seen[hp] = struct{}{}
	}
	for _, m := range absoluteURL.FindAllStringSubmatch(text, -1) {
		scheme, authority := strings.ToLower(m[1]), m[2]
		if scheme != "" && s.policy.Allows(scheme, authority) {
			continue
		}
		hp := canonicalHostPort(scheme, authority)
		if hp == "" {
			hp = scheme + "://"
		}
		seen[hp] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for hp := range seen {
		out = append(out, hp)
	}
	sort.Strings(out)
	return out
}

func missingConstructs(text string) []string {
	var missing []string
	for _, rc := range requiredConstructs {
		if !rc.re.MatchString(text) {
			missing = append(missing, rc.name)
		}
	}
	return missing
}

// StripFences unwraps the first markdown code block in text. Text without a
// fence is returned trimmed and without a byte order mark.
func StripFences(text string) string {
	text = strings.TrimPrefix(text, "\ufeff")
	if m := fenceBlock.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	text = strings.TrimSpace(text)
	if loc := openFence.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[loc[1]:])
	}
	return text
}

// Normalize applies the mechanical rewrites the runner expects. It does not
// change whether a script is valid.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = arrowEntryPoint.ReplaceAllString(text, "export default ${1}function () {")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n") + "\n"
}
