package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/imkarma/autofix/internal/config"
)

const (
	anthropicURL = "https://api.anthropic.com/v1"
	googleURL    = "https://generativelanguage.googleapis.com/v1beta"
	maxTokens    = 4096
)

// APIRunner calls an LLM provider's HTTP API directly.
type APIRunner struct {
	name   string
	cfg    config.Agent
	apiKey string
	client *http.Client
	openai *openai.Client
}

// NewAPIRunner creates a runner that calls LLM APIs.
func NewAPIRunner(name string, cfg config.Agent) (*APIRunner, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("agent %s: environment variable %s is not set", name, cfg.APIKeyEnv)
	}

	client := &http.Client{Timeout: time.Duration(cfg.DefaultTimeout()) * time.Second}
	r := &APIRunner{name: name, cfg: cfg, apiKey: apiKey, client: client}

	if cfg.Provider == "openai" {
		oc := openai.DefaultConfig(apiKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		}
		oc.HTTPClient = client
		r.openai = openai.NewClientWithConfig(oc)
	}
	return r, nil
}

func (r *APIRunner) Name() string { return r.name }
func (r *APIRunner) Mode() string { return "api" }

// Run sends the prompt to the configured API provider. Transport and HTTP
// status failures are reported in Response.Error.
func (r *APIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	if req.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
		defer cancel()
	}
	start := time.Now()

	var (
		output string
		err    error
	)
	switch r.cfg.Provider {
	case "openai":
		output, err = r.runOpenAI(ctx, req)
	case "anthropic":
		output, err = r.runAnthropic(ctx, req)
	case "google":
		output, err = r.runGoogle(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported API provider: %s", r.cfg.Provider)
	}

	resp := &Response{Output: output, Duration: time.Since(start).Seconds()}
	if err != nil {
		resp.ExitCode = -1
		if se, ok := err.(*statusError); ok {
			resp.ExitCode = se.code
			resp.Output = se.body
		}
		resp.Error = err
	}
	return resp, nil
}

// runOpenAI handles OpenAI-compatible APIs (OpenAI, OpenRouter, local proxies).
func (r *APIRunner) runOpenAI(ctx context.Context, req Request) (string, error) {
	resp, err := r.openai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// runAnthropic handles Anthropic's Messages API.
func (r *APIRunner) runAnthropic(ctx context.Context, req Request) (string, error) {
	body := map[string]any{
		"model":      r.cfg.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	headers := map[string]string{
		"x-api-key":         r.apiKey,
		"anthropic-version": "2023-06-01",
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := r.postJSON(ctx, r.baseURL(anthropicURL)+"/messages", headers, body, &result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", nil
	}
	return result.Content[0].Text, nil
}

// runGoogle handles Google's Generative AI API (Gemini).
func (r *APIRunner) runGoogle(ctx context.Context, req Request) (string, error) {
	model := r.cfg.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", r.baseURL(googleURL), model, r.apiKey)

	body := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": req.Prompt}}},
		},
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := r.postJSON(ctx, url, nil, body, &result); err != nil {
		return "", err
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}

func (r *APIRunner) baseURL(def string) string {
	if r.cfg.BaseURL != "" {
		return strings.TrimRight(r.cfg.BaseURL, "/")
	}
	return def
}

// statusError is a non-200 reply; the body is kept for the response output.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.code, e.body)
}

func (r *APIRunner) postJSON(ctx context.Context, url string, headers map[string]string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("API call failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return &statusError{code: httpResp.StatusCode, body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
