// Package llmclient adapts an OpenAI-compatible chat endpoint to the
// engine's canonical message model. It is the one component allowed to
// speak raw wire JSON to a model; every caller above it only ever deals in
// types.LoopMessage and types.ToolCall.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/skillrun/skillrun/internal/types"
)

// ToolSpec describes one callable tool in OpenAI function-calling shape.
// The Security Gateway's allow-list is the source of truth for ToolSpecs;
// the gateway package builds these from its loaded config.
type ToolSpec struct {
	Name        string
	Description string
	ParamNames  []string
}

// Client is an OpenAI-compatible chat client for one credential tier
// (Optimizer or Evaluator). Each tier may point at a distinct endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	label      string
	httpClient *http.Client
	log        *slog.Logger
}

func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// NewTier creates a Client for a named tier (e.g. "OPTIMIZER", "EVALUATOR").
// For each config key it first tries {prefix}_{KEY}; if unset it falls back
// to the shared MODEL_ENDPOINT_{KEY}. An empty prefix reads only the shared
// vars.
//
//	OPTIMIZER_API_KEY   → MODEL_ENDPOINT_KEY
//	OPTIMIZER_BASE      → MODEL_ENDPOINT_BASE
//	OPTIMIZER_MODEL     → MODEL_NAME
func NewTier(prefix string, log *slog.Logger) *Client {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	label := prefix
	if label == "" {
		label = "model"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{
		baseURL:    normalizeBaseURL(get("BASE", "MODEL_ENDPOINT_BASE")),
		apiKey:     get("API_KEY", "MODEL_ENDPOINT_KEY"),
		model:      get("MODEL", "MODEL_NAME"),
		label:      label,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        log,
	}
}

// New constructs a Client pointed directly at baseURL, bypassing the
// environment-variable resolution NewTier does. Used where a caller already
// has a concrete endpoint and credential — most notably tests driving the
// engine against an httptest server instead of a live model endpoint.
func New(baseURL, apiKey, model, label string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if label == "" {
		label = "model"
	}
	return &Client{
		baseURL:    normalizeBaseURL(baseURL),
		apiKey:     apiKey,
		model:      model,
		label:      label,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Parameters  any    `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []wireMessage `json:"messages"`
	Tools          []wireTool    `json:"tools,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func toWire(msgs []types.LoopMessage) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.MsgToolResult:
			if m.ToolResult == nil {
				continue
			}
			out = append(out, wireMessage{Role: "tool", Content: &m.ToolResult.Output, ToolCallID: m.ToolResult.ToolCallID})
		case types.MsgAssistant:
			wm := wireMessage{Role: "assistant"}
			if len(m.ToolCalls) > 0 {
				for _, tc := range m.ToolCalls {
					args, _ := json.Marshal(tc.Params)
					wtc := wireToolCall{ID: tc.ID, Type: "function"}
					wtc.Function.Name = tc.Name
					wtc.Function.Arguments = string(args)
					wm.ToolCalls = append(wm.ToolCalls, wtc)
				}
			}
			content := m.Content
			wm.Content = &content
			out = append(out, wm)
		default:
			content := m.Content
			out = append(out, wireMessage{Role: string(m.Role), Content: &content})
		}
	}
	return out
}

func toOpenAITools(specs []ToolSpec) []wireTool {
	tools := make([]wireTool, 0, len(specs))
	for _, s := range specs {
		props := map[string]any{}
		for _, p := range s.ParamNames {
			props[p] = map[string]any{"type": "string"}
		}
		wt := wireTool{Type: "function"}
		wt.Function.Name = s.Name
		wt.Function.Description = s.Description
		wt.Function.Parameters = map[string]any{
			"type":       "object",
			"properties": props,
		}
		tools = append(tools, wt)
	}
	return tools
}

func fromWire(wm wireMessage) types.LoopMessage {
	out := types.LoopMessage{Role: types.MsgAssistant}
	if wm.Content != nil {
		out.Content = *wm.Content
	}
	for _, tc := range wm.ToolCalls {
		var params map[string]string
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &params)
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:     tc.ID,
			Name:   tc.Function.Name,
			Params: params,
		})
	}
	return out
}

// Chat sends the full message history to the model. When tools is non-empty
// the model may respond with tool calls instead of text. When structured is
// true, the endpoint is asked for strict JSON-object output (used by the
// Planner and by Evaluator Phase 2).
func (c *Client) Chat(ctx context.Context, msgs []types.LoopMessage, tools []ToolSpec, structured bool) (types.LoopMessage, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: toWire(msgs),
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}
	if structured {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return types.LoopMessage{}, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	c.log.Debug("model request", "tier", c.label, "messages", len(msgs), "tools", len(tools), "structured", structured)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return types.LoopMessage{}, fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.LoopMessage{}, fmt.Errorf("llmclient: transport: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.LoopMessage{}, fmt.Errorf("llmclient: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return types.LoopMessage{}, fmt.Errorf("llmclient: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return types.LoopMessage{}, fmt.Errorf("llmclient: unmarshal response: %w", err)
	}
	if cr.Error != nil {
		return types.LoopMessage{}, fmt.Errorf("llmclient: API error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return types.LoopMessage{}, fmt.Errorf("llmclient: no choices in response")
	}

	c.log.Debug("model response", "tier", c.label, "prompt_tokens", cr.Usage.PromptTokens, "completion_tokens", cr.Usage.CompletionTokens)

	return fromWire(cr.Choices[0].Message), nil
}

// StripThinkBlocks removes all <think>...</think> blocks emitted by
// reasoning models before any structured-output parse.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences and <think> blocks from a raw
// model response before JSON parsing.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
