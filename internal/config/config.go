// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/provider"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/script"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/internal/transport"
	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

// Config holds pipeline configuration.
type Config struct {
	// Change under test
	Title       string
	Description string
	Stack       string // empty means detect from RepoRoot
	RepoRoot    string

	// Generation backends, in priority order. ProviderKinds is used when no
	// providers file is given.
	ProviderKinds []string
	ProvidersFile string
	Providers     []provider.Spec

	// Sandbox
	SandboxCommand  string // split on whitespace
	SandboxTarget   string // host:port generated scripts may call
	VUs             int
	Duration        time.Duration
	ValidateTimeout time.Duration
	RunTimeout      time.Duration

	// Output
	ScriptPath     string
	ResultsDir     string
	PushgatewayURL string
	LogLevel       string
}

// Defaults
const (
	DefaultSandboxCommand  = "mcp-k6"
	DefaultScriptPath      = "tests/k6/performance-test.js"
	DefaultResultsDir      = "k6-results"
	DefaultVUs             = 10
	DefaultDuration        = 30 * time.Second
	DefaultValidateTimeout = 60 * time.Second
	DefaultRunTimeout      = 15 * time.Minute
	DefaultLogLevel        = "info"
	MaxVUs                 = 1000
)

// DefaultProviderKinds is the chain used when PROVIDERS is unset: the local
// model through its chat endpoint, then its native generate endpoint, then
// every hosted backend whose credential is present.
var DefaultProviderKinds = []string{string(provider.KindOllama), string(provider.KindOllamaNative)}

// Default returns a config holding only defaults.
func Default() *Config {
	return &Config{
		RepoRoot:        ".",
		ProviderKinds:   append([]string(nil), DefaultProviderKinds...),
		SandboxCommand:  DefaultSandboxCommand,
		SandboxTarget:   script.DefaultTarget,
		VUs:             DefaultVUs,
		Duration:        DefaultDuration,
		ValidateTimeout: DefaultValidateTimeout,
		RunTimeout:      DefaultRunTimeout,
		ScriptPath:      DefaultScriptPath,
		ResultsDir:      DefaultResultsDir,
		LogLevel:        DefaultLogLevel,
	}
}

// FromEnv returns the defaults overridden by environment variables.
// Malformed numeric values are reported rather than ignored.
func FromEnv() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("PR_TITLE"); v != "" {
		cfg.Title = v
	}
	if v := os.Getenv("PR_BODY"); v != "" {
		cfg.Description = v
	}
	if v := os.Getenv("DETECTED_STACK"); v != "" {
		cfg.Stack = v
	}
	if v := os.Getenv("PROVIDERS"); v != "" {
		cfg.ProviderKinds = splitList(v)
	} else {
		for _, caps := range []*provider.Capabilities{
			provider.GroqCapabilities(),
			provider.OpenAICapabilities(),
			provider.AnthropicCapabilities(),
		} {
			if os.Getenv(caps.APIKeyEnv) != "" {
				cfg.ProviderKinds = append(cfg.ProviderKinds, string(caps.Kind))
			}
		}
	}
	if v := os.Getenv("PROVIDERS_FILE"); v != "" {
		cfg.ProvidersFile = v
	}
	if v := os.Getenv("MCP_K6_COMMAND"); v != "" {
		cfg.SandboxCommand = v
	}
	if v := os.Getenv("SANDBOX_TARGET"); v != "" {
		cfg.SandboxTarget = v
	}
	if v := os.Getenv("K6_SCRIPT_PATH"); v != "" {
		cfg.ScriptPath = v
	}
	if v := os.Getenv("RESULTS_DIR"); v != "" {
		cfg.ResultsDir = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		cfg.PushgatewayURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("VUS: %w", err)
		}
		cfg.VUs = n
	}
	if v := os.Getenv("TEST_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("TEST_DURATION: %w", err)
		}
		cfg.Duration = d
	}
	if v := os.Getenv("RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("RUN_TIMEOUT: %w", err)
		}
		cfg.RunTimeout = d
	}

	return cfg, nil
}

// RegisterFlags binds command-line flags to c. Flag defaults are the current
// field values, so flags take precedence over the environment.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Title, "title", c.Title, "Pull request title")
	fs.StringVar(&c.Description, "body", c.Description, "Pull request description")
	fs.StringVar(&c.Stack, "stack", c.Stack, "Application stack (detected from --repo when empty)")
	fs.StringVar(&c.RepoRoot, "repo", c.RepoRoot, "Repository root to gather context from")
	fs.StringSliceVar(&c.ProviderKinds, "providers", c.ProviderKinds, "Generation backends in priority order")
	fs.StringVar(&c.ProvidersFile, "providers-file", c.ProvidersFile, "YAML file describing the provider chain")
	fs.StringVar(&c.SandboxCommand, "sandbox", c.SandboxCommand, "Command starting the k6 tool server")
	fs.StringVar(&c.SandboxTarget, "target", c.SandboxTarget, "Only host:port generated scripts may call")
	fs.IntVar(&c.VUs, "vus", c.VUs, "Virtual users")
	fs.DurationVar(&c.Duration, "duration", c.Duration, "Test duration")
	fs.DurationVar(&c.ValidateTimeout, "validate-timeout", c.ValidateTimeout, "Timeout for the validation tool call")
	fs.DurationVar(&c.RunTimeout, "run-timeout", c.RunTimeout, "Deadline for the whole run")
	fs.StringVar(&c.ScriptPath, "script", c.ScriptPath, "Where the script artifact is written")
	fs.StringVar(&c.ResultsDir, "results", c.ResultsDir, "Directory for run results")
	fs.StringVar(&c.PushgatewayURL, "pushgateway", c.PushgatewayURL, "Prometheus Pushgateway URL (disabled when empty)")
}

// Finalize resolves the provider chain and validates the result. It is called
// once all sources have been applied.
func (c *Config) Finalize() error {
	if c.ProvidersFile != "" {
		specs, err := LoadProvidersFile(c.ProvidersFile)
		if err != nil {
			return err
		}
		c.Providers = specs
	} else {
		c.Providers = c.Providers[:0]
		for _, kind := range c.ProviderKinds {
			c.Providers = append(c.Providers, provider.Spec{Kind: provider.Kind(strings.ToLower(kind))})
		}
	}
	applyProviderEnv(c.Providers)
	return c.Validate()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}
	reg := provider.DefaultRegistry()
	for i, spec := range c.Providers {
		if reg.Get(spec.Kind) == nil {
			return fmt.Errorf("provider %d: %w: %q (supported: %v)", i, provider.ErrUnknownKind, spec.Kind, reg.Kinds())
		}
	}
	if len(strings.Fields(c.SandboxCommand)) == 0 {
		return errors.New("sandbox command is required")
	}
	if _, err := script.NewPolicy(c.SandboxTarget); err != nil {
		return fmt.Errorf("sandbox target: %w", err)
	}
	if c.VUs <= 0 || c.VUs > MaxVUs {
		return fmt.Errorf("vus must be between 1 and %d", MaxVUs)
	}
	if c.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if c.ValidateTimeout <= 0 {
		return errors.New("validate timeout must be positive")
	}
	if c.RunTimeout <= c.Duration {
		return fmt.Errorf("run timeout %s must exceed test duration %s", c.RunTimeout, c.Duration)
	}
	if c.ScriptPath == "" {
		return errors.New("script path is required")
	}
	if c.ResultsDir == "" {
		return errors.New("results directory is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Request returns the generation request described by c.
func (c *Config) Request() types.GenerationRequest {
	return types.GenerationRequest{
		Stack:       c.Stack,
		Title:       c.Title,
		Description: c.Description,
	}
}

// Policy returns the sandbox policy for c.SandboxTarget.
func (c *Config) Policy() (script.Policy, error) {
	return script.NewPolicy(c.SandboxTarget)
}

// Command returns the sandbox command line.
func (c *Config) Command() transport.Command {
	fields := strings.Fields(c.SandboxCommand)
	if len(fields) == 0 {
		return transport.Command{}
	}
	return transport.Command{Path: fields[0], Args: fields[1:]}
}

// K6Duration formats c.Duration the way k6 expects it ("30s", "2m").
func (c *Config) K6Duration() string {
	return FormatDuration(c.Duration)
}

// FormatDuration renders d in k6 duration syntax.
func FormatDuration(d time.Duration) string {
	switch {
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	default:
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// providersFile is the YAML layout of PROVIDERS_FILE.
type providersFile struct {
	Providers []provider.Spec `yaml:"providers"`
}

// LoadProvidersFile reads a provider chain. Environment references in
// apiKey and baseURL values ("${GROQ_API_KEY}") are expanded.
func LoadProvidersFile(path string) ([]provider.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}
	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing providers file %s: %w", path, err)
	}
	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("providers file %s lists no providers", path)
	}
	for i := range f.Providers {
		f.Providers[i].APIKey = os.ExpandEnv(f.Providers[i].APIKey)
		f.Providers[i].BaseURL = os.ExpandEnv(f.Providers[i].BaseURL)
	}
	return f.Providers, nil
}

// applyProviderEnv fills credentials and Ollama overrides the specs leave empty.
func applyProviderEnv(specs []provider.Spec) {
	reg := provider.DefaultRegistry()
	for i := range specs {
		caps := reg.Get(specs[i].Kind)
		if caps == nil {
			continue
		}
		if specs[i].APIKey == "" && caps.APIKeyEnv != "" {
			specs[i].APIKey = os.Getenv(caps.APIKeyEnv)
		}
		if caps.Local {
			if specs[i].BaseURL == "" {
				specs[i].BaseURL = os.Getenv("OLLAMA_HOST")
			}
			if specs[i].Model == "" {
				specs[i].Model = os.Getenv("OLLAMA_MODEL")
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
