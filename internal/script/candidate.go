// Package script turns untrusted model output into an executable k6 script.
//
// Sanitize is total: it never fails, it returns a Candidate whose Valid flag
// and Reason say whether the text may be executed. Only Executable hands the
// script text onward, and it refuses invalid candidates.
package script

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

var (
	// ErrRejected is wrapped by every RejectionError.
	ErrRejected = errors.New("script rejected")

	// ErrNotExecutable is returned when asking an invalid candidate for its script.
	ErrNotExecutable = errors.New("candidate is not executable")
)

// RejectionError explains why a candidate failed sanitization.
type RejectionError struct {
	Missing    []string // required constructs that were not found
	Violations []string // host:port values outside the sandbox target
}

func (e *RejectionError) Error() string {
	var parts []string
	if len(e.Violations) > 0 {
		parts = append(parts, fmt.Sprintf("disallowed hosts: %s", strings.Join(e.Violations, ", ")))
	}
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("missing: %s", strings.Join(e.Missing, ", ")))
	}
	if len(parts) == 0 {
		return ErrRejected.Error()
	}
	return fmt.Sprintf("%s: %s", ErrRejected, strings.Join(parts, "; "))
}

func (e *RejectionError) Unwrap() error {
	return ErrRejected
}

// Security reports whether the rejection was caused by the URL allowlist.
func (e *RejectionError) Security() bool {
	return len(e.Violations) > 0
}

// Candidate is a script produced by a backend or the baseline, together with
// the sanitizer's verdict. It is a value; copies are safe to share.
type Candidate struct {
	Raw       string
	Sanitized string // empty unless Valid
	Origin    types.Origin
	Valid     bool
	Reason    error // nil when Valid
}

// Executable returns the sanitized script, or ErrNotExecutable when the
// candidate did not pass sanitization.
func (c Candidate) Executable() (string, error) {
	if !c.Valid || c.Sanitized == "" {
		if c.Reason != nil {
			return "", fmt.Errorf("%w: %w", ErrNotExecutable, c.Reason)
		}
		return "", ErrNotExecutable
	}
	return c.Sanitized, nil
}

// Degraded reports whether this candidate is the baseline.
func (c Candidate) Degraded() bool {
	return c.Origin == types.OriginBaseline
}
