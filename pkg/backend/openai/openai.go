// Package openai implements the backend.Backend interface for the OpenAI
// chat-completions API. It is also compatible with any OpenAI-compatible
// endpoint (AiHubMix, Zhipu, OpenRouter, local gateways, …) by setting
// BaseURL, so one adapter covers every platform of that shape.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/colloquy-dev/colloquy/pkg/backend"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Backend calls an OpenAI-compatible chat-completions endpoint.
type Backend struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	HTTPClient *http.Client
}

// New creates a Backend. Pass "" for baseURL to use the default OpenAI
// endpoint. name is the platform identifier reported by Name(); pass "" to
// use "openai".
func New(name, baseURL, apiKey, model string) *Backend {
	if name == "" {
		name = "openai"
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Backend{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (b *Backend) Name() string { return b.name }

// ---------------------------------------------------------------------------
// Wire types (OpenAI request/response)
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

type wireError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Think
// ---------------------------------------------------------------------------

func (b *Backend) Think(ctx context.Context, req backend.Request) (*backend.Result, error) {
	msgs := make([]wireMessage, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Name: sanitizeName(m.Name), Content: m.Content})
	}

	body, err := json.Marshal(wireRequest{
		Model:       b.model,
		Messages:    msgs,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
	})
	if err != nil {
		return nil, backend.Wrap(backend.KindPermanent, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backend.Wrap(backend.KindPermanent, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, backend.Wrap(backend.KindOf(err), "chat completion", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, backend.Wrap(backend.KindTransient, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, data)
	}

	var wr wireResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, backend.Wrap(backend.KindTransient, "decode response", err)
	}
	if len(wr.Choices) == 0 {
		return nil, backend.Errorf(backend.KindTransient, "response has no choices")
	}

	choice := wr.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, backend.Errorf(backend.KindPolicyBlocked, "reply blocked by content filter")
	}

	res := &backend.Result{Text: choice.Message.Content}
	if wr.Usage != nil {
		res.Usage = backend.Usage{
			Input:       wr.Usage.PromptTokens,
			Output:      wr.Usage.CompletionTokens,
			TotalTokens: wr.Usage.TotalTokens,
		}
	}
	return res, nil
}

func classifyHTTPError(status int, body []byte) error {
	var we wireError
	_ = json.Unmarshal(body, &we)
	msg := we.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("http %d", status)
	}
	kind := backend.ClassifyStatus(status)
	if we.Error.Code == "content_policy_violation" || we.Error.Type == "content_policy" {
		kind = backend.KindPolicyBlocked
	}
	return backend.Errorf(kind, "%s (status %d)", msg, status)
}

// sanitizeName strips characters the API rejects in the name field.
func sanitizeName(name string) string {
	if name == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
