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

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

type anthropicRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

type anthropic struct {
	spec     Spec
	prompter Prompter
	client   *http.Client
	logger   *slog.Logger
}

func newAnthropic(spec Spec, prompter Prompter, logger *slog.Logger) *anthropic {
	return &anthropic{
		spec:     spec,
		prompter: prompter,
		client:   &http.Client{Timeout: spec.Timeout},
		logger:   logger,
	}
}

func (a *anthropic) Name() string { return a.spec.DisplayName() }

func (a *anthropic) Generate(ctx context.Context, req types.GenerationRequest) (string, error) {
	url := a.spec.BaseURL + "/v1/messages"
	body := anthropicRequest{
		Model:       a.spec.Model,
		System:      a.prompter.Instructions(),
		Messages:    []chatMessage{{Role: "user", Content: a.prompter.Prompt(req)}},
		MaxTokens:   anthropicMaxTokens,
		Temperature: *a.spec.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         a.spec.APIKey,
		"anthropic-version": anthropicVersion,
	}

	a.logger.Info("calling backend", slog.String("url", url), slog.String("model", a.spec.Model))
	start := time.Now()

	var resp anthropicResponse
	if err := postJSON(ctx, a.client, url, headers, body, &resp); err != nil {
		return "", &Error{Provider: a.Name(), Err: err}
	}

	for _, block := range resp.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			attrs := []any{slog.Duration("duration", time.Since(start)), slog.String("stopReason", resp.StopReason)}
			if resp.Usage != nil {
				attrs = append(attrs,
					slog.Int("inputTokens", resp.Usage.InputTokens),
					slog.Int("outputTokens", resp.Usage.OutputTokens),
				)
			}
			a.logger.Info("backend responded", attrs...)
			return block.Text, nil
		}
	}
	return "", &Error{Provider: a.Name(), Err: fmt.Errorf("%w: no text content block", ErrMalformedResponse)}
}
