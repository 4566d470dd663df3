package script

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

// DefaultTarget is the only address a script may contact inside the sandbox.
const DefaultTarget = "localhost:8080"

// Policy is the security and structural contract every script must meet.
// The same Policy renders the instructions sent to the model and enforces
// them on the reply.
type Policy struct {
	target string // normalized host:port
}

// DefaultPolicy returns the policy for DefaultTarget.
func DefaultPolicy() Policy {
	return Policy{target: DefaultTarget}
}

// NewPolicy builds a policy for the given sandbox target. The target may be
// a bare host:port or an absolute http(s) URL.
func NewPolicy(target string) (Policy, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return DefaultPolicy(), nil
	}

	scheme := "http"
	authority := target
	if strings.Contains(target, "://") {
		u, err := url.Parse(target)
		if err != nil {
			return Policy{}, fmt.Errorf("parsing sandbox target %q: %w", target, err)
		}
		scheme = strings.ToLower(u.Scheme)
		authority = u.Host
	}

	hp := canonicalHostPort(scheme, authority)
	host, _, err := net.SplitHostPort(hp)
	if err != nil || host == "" {
		return Policy{}, fmt.Errorf("invalid sandbox target %q", target)
	}
	return Policy{target: hp}, nil
}

// Target returns the allowed host:port.
func (p Policy) Target() string {
	if p.target == "" {
		return DefaultTarget
	}
	return p.target
}

// BaseURL returns the URL scripts are told to use as their base.
func (p Policy) BaseURL() string {
	return "http://" + p.Target()
}

// Allows reports whether an absolute URL with the given scheme and authority
// stays within the sandbox.
func (p Policy) Allows(scheme, authority string) bool {
	return canonicalHostPort(strings.ToLower(scheme), authority) == p.Target()
}

// Instructions renders the system prompt given to every model backend.
func (p Policy) Instructions() string {
	base := p.BaseURL()
	var b strings.Builder
	b.WriteString("You are an expert k6 performance test engineer. Generate a production-quality k6 test script.\n\n")
	b.WriteString("STRICT RULES. Follow every rule exactly:\n")
	rules := []string{
		"Output ONLY raw JavaScript. No markdown code fences, no triple backticks, no explanation text.",
		"Target base URL: " + base + ". Never reference any other host, scheme or port.",
		"Use these exact stages:\n     stages: [\n       { duration: '10s', target: 10 },\n       { duration: '20s', target: 10 },\n       { duration: '5s',  target: 0  },\n     ]",
		"Use these exact thresholds:\n     thresholds: {\n       'http_req_duration': ['p(95)<500'],\n       'http_req_failed':   ['rate<0.01'],\n     }",
		"Import http from 'k6/http'",
		"Import { check, group, sleep } from 'k6'",
		"Use: const TOKEN = __ENV.API_TOKEN || 'test-token';",
		"Set Authorization: Bearer ${TOKEN} header on all requests.",
		"Wrap each endpoint in a group() call.",
		"Add check() for status code (2xx) and response time (< 500ms) in every group.",
		"Call sleep(1) at the end of the default function.",
		"Use realistic fake data for POST/PUT request bodies inferred from endpoint names.",
		"If no specific endpoints can be inferred from the PR info, test GET / and GET /health.",
		"Export a named options object (export const options = {...}) and a default function (export default function () {...}).",
	}
	for i, r := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r)
	}
	return b.String()
}

// Prompt renders the user message for a generation request.
func (p Policy) Prompt(req types.GenerationRequest) string {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "(No description provided)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Tech stack detected: %s\n\n", req.StackOrDefault())
	fmt.Fprintf(&b, "PR Title: %s\n\n", strings.TrimSpace(req.Title))
	fmt.Fprintf(&b, "PR Description:\n%s\n\n", description)
	if req.HasContext() {
		b.WriteString("Repository files:\n")
		for _, f := range req.Files {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("Based on the above PR information and tech stack, generate a k6 performance test script ")
	b.WriteString("that tests the most likely REST API endpoints this PR touches or introduces. ")
	b.WriteString("If the PR description does not mention specific endpoints, generate a general health-check ")
	b.WriteString("test for GET / and GET /health.")
	return b.String()
}

var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

// Characters that end a URL inside script source once userinfo is gone.
const sourceDelimiters = "'\"`(),;<>"

// canonicalHostPort reduces a URL authority to a lowercase host:port with
// userinfo removed and the scheme's default port applied.
func canonicalHostPort(scheme, authority string) string {
	if i := strings.LastIndexByte(authority, '@'); i >= 0 {
		authority = authority[i+1:]
	}
	if i := strings.IndexAny(authority, sourceDelimiters); i >= 0 {
		authority = authority[:i]
	}
	authority = strings.ToLower(authority)

	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		host, port = strings.Trim(authority, "[]"), ""
	}
	if port == "" {
		port = defaultPorts[scheme]
	}
	if port == "" {
		return host
	}
	return net.JoinHostPort(host, port)
}
