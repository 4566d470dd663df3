package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadmanakbar/k6-auto-pr-performance-tests/pkg/types"
)

type stubPrompter struct{}

func (stubPrompter) Instructions() string { return "SYSTEM" }
func (stubPrompter) Prompt(req types.GenerationRequest) string {
	return "USER " + req.Title
}

var testReq = types.GenerationRequest{Title: "Add /api/orders endpoint", Stack: "node"}

func build(t *testing.T, spec Spec) Provider {
	t.Helper()
	p, err := DefaultRegistry().Build(spec, stubPrompter{}, nil)
	require.NoError(t, err)
	return p
}

func TestChat_Generate(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"export default function () {}"}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	p := build(t, Spec{Kind: KindOpenAI, BaseURL: srv.URL, APIKey: "sk-test"})
	assert.Equal(t, "openai", p.Name())

	text, err := p.Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "export default function () {}", text)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.InDelta(t, DefaultTemperature, got.Temperature, 1e-9)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chatMessage{Role: "system", Content: "SYSTEM"}, got.Messages[0])
	assert.Equal(t, chatMessage{Role: "user", Content: "USER Add /api/orders endpoint"}, got.Messages[1])
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"no choices", 200, `{"choices":[]}`, ErrMalformedResponse},
		{"empty content", 200, `{"choices":[{"message":{"content":"  "}}]}`, ErrMalformedResponse},
		{"not json", 200, `<html>`, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := build(t, Spec{Kind: KindGroq, BaseURL: srv.URL, APIKey: "gsk"})
			_, err := p.Generate(context.Background(), testReq)
			require.ErrorIs(t, err, tt.wantErr)

			var pErr *Error
			require.ErrorAs(t, err, &pErr)
			assert.Equal(t, "groq", pErr.Provider)
		})
	}
}

func TestChat_HTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	p := build(t, Spec{Kind: KindOpenAI, BaseURL: srv.URL, APIKey: "sk"})
	_, err := p.Generate(context.Background(), testReq)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 429, statusErr.StatusCode)
	assert.Equal(t, 3*time.Second, statusErr.RetryAfter)
	assert.True(t, statusErr.IsRetryable())
	assert.Equal(t, "HTTP 429: Too Many Requests (body: rate limited)", statusErr.Error())
}

func TestChat_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := build(t, Spec{Kind: KindOllama, BaseURL: url})
	_, err := p.Generate(context.Background(), testReq)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestChat_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	p := build(t, Spec{Kind: KindOllama, BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := p.Generate(context.Background(), testReq)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestOllama_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := build(t, Spec{Kind: KindOllama, BaseURL: srv.URL + "/"})
	prober, ok := p.(Prober)
	require.True(t, ok, "ollama must support probing")
	assert.NoError(t, prober.Probe(context.Background()))

	down := build(t, Spec{Kind: KindOllama, BaseURL: "http://127.0.0.1:1"})
	err := down.(Prober).Probe(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestOllama_NativeGenerate(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"llama3","response":"script text","done":true}`))
	}))
	defer srv.Close()

	p := build(t, Spec{Kind: KindOllamaNative, BaseURL: srv.URL})
	text, err := p.Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "script text", text)
	assert.Equal(t, "llama3", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, "SYSTEM\n\nUSER Add /api/orders endpoint", got.Prompt)
	assert.InDelta(t, DefaultTemperature, got.Options["temperature"], 1e-9)
}

func TestAnthropic_Generate(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":[{"type":"thinking","text":""},{"type":"text","text":"the script"}],"stop_reason":"end_turn"}`))
	}))
	defer srv.Close()

	p := build(t, Spec{Kind: KindAnthropic, Name: "claude", BaseURL: srv.URL, APIKey: "ak"})
	assert.Equal(t, "claude", p.Name())

	text, err := p.Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "the script", text)
	assert.Equal(t, "SYSTEM", got.System)
	assert.Equal(t, anthropicMaxTokens, got.MaxTokens)
}

func TestAnthropic_NoText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	p := build(t, Spec{Kind: KindAnthropic, BaseURL: srv.URL, APIKey: "ak"})
	_, err := p.Generate(context.Background(), testReq)
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []Kind{KindAnthropic, KindGroq, KindOllama, KindOllamaNative, KindOpenAI}, r.Kinds())

	tests := []struct {
		kind    Kind
		local   bool
		keyEnv  string
		timeout time.Duration
	}{
		{KindOllama, true, "", 10 * time.Minute},
		{KindOllamaNative, true, "", 10 * time.Minute},
		{KindOpenAI, false, "OPENAI_API_KEY", 60 * time.Second},
		{KindGroq, false, "GROQ_API_KEY", 60 * time.Second},
		{KindAnthropic, false, "ANTHROPIC_API_KEY", 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			caps := r.Get(tt.kind)
			require.NotNil(t, caps)
			assert.Equal(t, tt.local, caps.Local)
			assert.Equal(t, tt.keyEnv, caps.APIKeyEnv)
			assert.Equal(t, tt.keyEnv != "", caps.RequiresAPIKey())
			assert.Equal(t, tt.timeout, caps.DefaultTimeout)
		})
	}

	assert.NotNil(t, r.Get("OLLAMA"), "lookup is case-insensitive")
	assert.Nil(t, r.Get("bard"))
}

func TestRegistry_BuildErrors(t *testing.T) {
	r := DefaultRegistry()

	_, err := r.Build(Spec{Kind: "bard"}, stubPrompter{}, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = r.Build(Spec{Kind: KindGroq}, stubPrompter{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GROQ_API_KEY")
}

func TestRegistry_Resolve(t *testing.T) {
	temp := 0.7
	spec, caps, err := DefaultRegistry().Resolve(Spec{Kind: KindGroq, BaseURL: "https://proxy.local/", Temperature: &temp})
	require.NoError(t, err)
	assert.Equal(t, KindGroq, caps.Kind)
	assert.Equal(t, "https://proxy.local", spec.BaseURL)
	assert.Equal(t, "llama3-70b-8192", spec.Model)
	assert.Equal(t, 60*time.Second, spec.Timeout)
	assert.InDelta(t, 0.7, *spec.Temperature, 1e-9)
}
