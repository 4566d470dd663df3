// Package provider talks to the language-model backends that write k6
// scripts. Every backend is reached through the same Provider interface; the
// set of backends is closed and described by capabilities in a Registry.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

var (
	// ErrUnreachable covers network failures, timeouts and failed probes.
	ErrUnreachable = errors.New("backend unreachable")

	// ErrMalformedResponse is returned when a reply cannot be decoded or has
	// no text where the backend's format puts it.
	ErrMalformedResponse = errors.New("malformed backend response")

	// ErrUnknownKind is returned when building a provider of an unregistered kind.
	ErrUnknownKind = errors.New("unknown provider kind")
)

// Provider generates a k6 script for a request. Implementations make one
// bounded HTTP call and never retry internally.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req types.GenerationRequest) (string, error)
}

// Prober is implemented by providers that can cheaply check reachability
// before an expensive generation call.
type Prober interface {
	Probe(ctx context.Context) error
}

// Prompter renders the system instructions and user message for a request.
type Prompter interface {
	Instructions() string
	Prompt(req types.GenerationRequest) string
}

// Kind identifies a backend variant.
type Kind string

const (
	KindOllama       Kind = "ollama"
	KindOllamaNative Kind = "ollama-native"
	KindOpenAI       Kind = "openai"
	KindGroq         Kind = "groq"
	KindAnthropic    Kind = "anthropic"
)

// DefaultTemperature keeps generations close to the instructed template.
const DefaultTemperature = 0.2

// Spec configures one backend. Zero fields take the kind's defaults.
type Spec struct {
	Kind        Kind          `yaml:"kind"`
	Name        string        `yaml:"name,omitempty"`
	BaseURL     string        `yaml:"baseURL,omitempty"`
	Model       string        `yaml:"model,omitempty"`
	APIKey      string        `yaml:"apiKey,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Temperature *float64      `yaml:"temperature,omitempty"`
}

// DisplayName returns the configured name, or the kind.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return string(s.Kind)
}

// Error attributes a failure to the provider that produced it.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
