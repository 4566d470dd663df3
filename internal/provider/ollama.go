package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

// ProbeTimeout bounds the reachability check against a local server.
const ProbeTimeout = 10 * time.Second

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// ollama is a local Ollama server. It generates through the OpenAI-compatible
// endpoint, or through /api/generate when native is set.
type ollama struct {
	chat   *chatClient
	native bool
	probe  *http.Client
}

func newOllama(spec Spec, prompter Prompter, logger *slog.Logger, native bool) *ollama {
	return &ollama{
		chat:   newChat(spec, prompter, logger),
		native: native,
		probe:  &http.Client{Timeout: ProbeTimeout},
	}
}

func (o *ollama) Name() string { return o.chat.Name() }

// Probe lists the server's models. A server that cannot answer this quickly
// will not finish a generation either.
func (o *ollama) Probe(ctx context.Context) error {
	url := o.chat.spec.BaseURL + "/api/tags"
	if err := get(ctx, o.probe, url); err != nil {
		return &Error{Provider: o.Name(), Err: fmt.Errorf("%w: probe %s: %w", ErrUnreachable, url, err)}
	}
	o.chat.logger.Debug("backend reachable", slog.String("url", url))
	return nil
}

func (o *ollama) Generate(ctx context.Context, req types.GenerationRequest) (string, error) {
	if !o.native {
		return o.chat.Generate(ctx, req)
	}

	c := o.chat
	url := c.spec.BaseURL + "/api/generate"
	body := generateRequest{
		Model:   c.spec.Model,
		Prompt:  c.prompter.Instructions() + "\n\n" + c.prompter.Prompt(req),
		Options: map[string]any{"temperature": *c.spec.Temperature},
	}

	c.logger.Info("calling backend", slog.String("url", url), slog.String("model", c.spec.Model))
	start := time.Now()

	var resp generateResponse
	if err := postJSON(ctx, c.client, url, nil, body, &resp); err != nil {
		return "", &Error{Provider: o.Name(), Err: err}
	}
	if strings.TrimSpace(resp.Response) == "" {
		return "", &Error{Provider: o.Name(), Err: fmt.Errorf("%w: empty response field", ErrMalformedResponse)}
	}

	c.logger.Info("backend responded", slog.Duration("duration", time.Since(start)))
	return resp.Response, nil
}
