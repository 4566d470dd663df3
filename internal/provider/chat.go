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

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// chatClient speaks the OpenAI chat completions format. OpenAI, Groq and
// Ollama's /v1 surface all accept it.
type chatClient struct {
	spec     Spec
	prompter Prompter
	client   *http.Client
	logger   *slog.Logger
}

func newChat(spec Spec, prompter Prompter, logger *slog.Logger) *chatClient {
	return &chatClient{
		spec:     spec,
		prompter: prompter,
		client:   &http.Client{Timeout: spec.Timeout},
		logger:   logger,
	}
}

func (c *chatClient) Name() string { return c.spec.DisplayName() }

func (c *chatClient) Generate(ctx context.Context, req types.GenerationRequest) (string, error) {
	url := c.spec.BaseURL + "/v1/chat/completions"
	body := chatRequest{
		Model: c.spec.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.prompter.Instructions()},
			{Role: "user", Content: c.prompter.Prompt(req)},
		},
		Temperature: *c.spec.Temperature,
	}

	headers := map[string]string{}
	if c.spec.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.spec.APIKey
	}

	c.logger.Info("calling backend", slog.String("url", url), slog.String("model", c.spec.Model))
	start := time.Now()

	var resp chatResponse
	if err := postJSON(ctx, c.client, url, headers, body, &resp); err != nil {
		return "", &Error{Provider: c.Name(), Err: err}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &Error{Provider: c.Name(), Err: fmt.Errorf("%w: no choices[0].message.content", ErrMalformedResponse)}
	}

	attrs := []any{slog.Duration("duration", time.Since(start))}
	if resp.Usage != nil {
		attrs = append(attrs,
			slog.Int("promptTokens", resp.Usage.PromptTokens),
			slog.Int("completionTokens", resp.Usage.CompletionTokens),
		)
	}
	c.logger.Info("backend responded", attrs...)
	return resp.Choices[0].Message.Content, nil
}
