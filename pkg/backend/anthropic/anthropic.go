// Package anthropic implements the backend.Backend interface for the
// Anthropic messages API (non-streaming).
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// The messages API requires max_tokens; used when the caller passes 0.
	defaultMaxTokens = 1024
)

// Backend calls the Anthropic messages API.
type Backend struct {
	baseURL    string
	apiKey     string
	model      string
	HTTPClient *http.Client
}

// New creates a Backend. Pass "" for baseURL to use the default endpoint.
func New(baseURL, apiKey, model string) *Backend {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Backend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (b *Backend) Name() string { return "anthropic" }

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireResponse struct {
	ID         string        `json:"id"`
	Content    []wireContent `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type wireError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Think
// ---------------------------------------------------------------------------

func (b *Backend) Think(ctx context.Context, req backend.Request) (*backend.Result, error) {
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(wireRequest{
		Model:       b.model,
		System:      req.SystemPrompt,
		Messages:    convertHistory(req.History),
		MaxTokens:   maxTokens,
		Temperature: req.Params.Temperature,
	})
	if err != nil {
		return nil, backend.Wrap(backend.KindPermanent, "marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, backend.Wrap(backend.KindPermanent, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := b.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, backend.Wrap(backend.KindOf(err), "messages call", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, backend.Wrap(backend.KindTransient, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var we wireError
		_ = json.Unmarshal(data, &we)
		msg := we.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode)
		}
		kind := backend.ClassifyStatus(resp.StatusCode)
		if we.Error.Type == "overloaded_error" {
			kind = backend.KindTransient
		}
		return nil, backend.Errorf(kind, "%s (status %d)", msg, resp.StatusCode)
	}

	var wr wireResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return nil, backend.Wrap(backend.KindTransient, "decode response", err)
	}
	if wr.StopReason == "refusal" {
		return nil, backend.Errorf(backend.KindPolicyBlocked, "reply refused by model")
	}

	var sb strings.Builder
	for _, c := range wr.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}

	return &backend.Result{
		Text: sb.String(),
		Usage: backend.Usage{
			Input:       wr.Usage.InputTokens,
			Output:      wr.Usage.OutputTokens,
			TotalTokens: wr.Usage.InputTokens + wr.Usage.OutputTokens,
		},
	}, nil
}

// convertHistory maps engine roles onto the two roles the messages API
// accepts, folding speaker names into the text so attribution survives.
// Consecutive same-role messages are merged because the API rejects them.
func convertHistory(history []backend.Message) []wireMessage {
	var out []wireMessage
	for _, m := range history {
		role := "user"
		if m.Role == backend.RoleAssistant {
			role = "assistant"
		}
		text := m.Content
		if m.Name != "" {
			text = m.Name + ": " + text
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + text
			continue
		}
		out = append(out, wireMessage{Role: role, Content: text})
	}
	// The API requires the first message to be from the user.
	if len(out) > 0 && out[0].Role != "user" {
		out = append([]wireMessage{{Role: "user", Content: "(discussion begins)"}}, out...)
	}
	return out
}
