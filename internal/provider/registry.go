package provider

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Capabilities describes a backend kind and how to build it.
// Pipeline code asks capabilities, never compares kind names.
type Capabilities struct {
	Kind           Kind
	DefaultBaseURL string
	DefaultModel   string
	DefaultTimeout time.Duration

	// APIKeyEnv names the environment variable holding the credential.
	// Empty for backends that need none.
	APIKeyEnv string

	// Local backends run next to the pipeline and are probed before use.
	Local bool

	build func(spec Spec, prompter Prompter, logger *slog.Logger) Provider
}

// RequiresAPIKey reports whether the backend refuses unauthenticated calls.
func (c *Capabilities) RequiresAPIKey() bool {
	return c != nil && c.APIKeyEnv != ""
}

func (c *Capabilities) String() string {
	if c == nil {
		return "unknown"
	}
	return string(c.Kind)
}

// Registry holds the known backend kinds. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]*Capabilities
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Kind]*Capabilities)}
}

// Register adds or replaces a kind.
func (r *Registry) Register(caps *Capabilities) {
	if caps == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[caps.Kind] = caps
}

// Get returns the capabilities for kind, or nil.
func (r *Registry) Get(kind Kind) *Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[Kind(strings.ToLower(string(kind)))]
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Resolve fills the zero fields of spec from its kind's defaults.
func (r *Registry) Resolve(spec Spec) (Spec, *Capabilities, error) {
	caps := r.Get(spec.Kind)
	if caps == nil {
		return spec, nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	spec.Kind = caps.Kind
	if spec.BaseURL == "" {
		spec.BaseURL = caps.DefaultBaseURL
	}
	spec.BaseURL = strings.TrimRight(spec.BaseURL, "/")
	if spec.Model == "" {
		spec.Model = caps.DefaultModel
	}
	if spec.Timeout <= 0 {
		spec.Timeout = caps.DefaultTimeout
	}
	if spec.Temperature == nil {
		t := DefaultTemperature
		spec.Temperature = &t
	}
	return spec, caps, nil
}

// Build resolves spec and constructs its provider.
func (r *Registry) Build(spec Spec, prompter Prompter, logger *slog.Logger) (Provider, error) {
	spec, caps, err := r.Resolve(spec)
	if err != nil {
		return nil, err
	}
	if caps.RequiresAPIKey() && spec.APIKey == "" {
		return nil, fmt.Errorf("provider %s: API key required (set %s)", spec.DisplayName(), caps.APIKeyEnv)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return caps.build(spec, prompter, logger.With(slog.String("provider", spec.DisplayName()))), nil
}

// DefaultRegistry returns a registry with every built-in backend.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(OllamaCapabilities())
	r.Register(OllamaNativeCapabilities())
	r.Register(OpenAICapabilities())
	r.Register(GroqCapabilities())
	r.Register(AnthropicCapabilities())
	return r
}

// OllamaCapabilities describes a local Ollama server through its
// OpenAI-compatible chat endpoint. CPU inference is slow, hence the long timeout.
func OllamaCapabilities() *Capabilities {
	return &Capabilities{
		Kind:           KindOllama,
		DefaultBaseURL: "http://localhost:11434",
		DefaultModel:   "llama3",
		DefaultTimeout: 10 * time.Minute,
		Local:          true,
		build: func(spec Spec, p Prompter, logger *slog.Logger) Provider {
			return newOllama(spec, p, logger, false)
		},
	}
}

// OllamaNativeCapabilities describes a local Ollama server through its
// native /api/generate endpoint, for servers without the /v1 surface.
func OllamaNativeCapabilities() *Capabilities {
	caps := OllamaCapabilities()
	caps.Kind = KindOllamaNative
	caps.build = func(spec Spec, p Prompter, logger *slog.Logger) Provider {
		return newOllama(spec, p, logger, true)
	}
	return caps
}

// OpenAICapabilities describes the hosted OpenAI chat completions API.
func OpenAICapabilities() *Capabilities {
	return &Capabilities{
		Kind:           KindOpenAI,
		DefaultBaseURL: "https://api.openai.com",
		DefaultModel:   "gpt-4o-mini",
		DefaultTimeout: 60 * time.Second,
		APIKeyEnv:      "OPENAI_API_KEY",
		build: func(spec Spec, p Prompter, logger *slog.Logger) Provider {
			return newChat(spec, p, logger)
		},
	}
}

// GroqCapabilities describes Groq's OpenAI-compatible API.
func GroqCapabilities() *Capabilities {
	return &Capabilities{
		Kind:           KindGroq,
		DefaultBaseURL: "https://api.groq.com/openai",
		DefaultModel:   "llama3-70b-8192",
		DefaultTimeout: 60 * time.Second,
		APIKeyEnv:      "GROQ_API_KEY",
		build: func(spec Spec, p Prompter, logger *slog.Logger) Provider {
			return newChat(spec, p, logger)
		},
	}
}

// AnthropicCapabilities describes the hosted Anthropic messages API.
func AnthropicCapabilities() *Capabilities {
	return &Capabilities{
		Kind:           KindAnthropic,
		DefaultBaseURL: "https://api.anthropic.com",
		DefaultModel:   "claude-3-5-haiku-latest",
		DefaultTimeout: 60 * time.Second,
		APIKeyEnv:      "ANTHROPIC_API_KEY",
		build: func(spec Spec, p Prompter, logger *slog.Logger) Provider {
			return newAnthropic(spec, p, logger)
		},
	}
}
