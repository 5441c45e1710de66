// Package chatclient is a stateless adapter around the external chat
// endpoint (spec.md §4.7). Single operation: Chat. Grounded on the
// teacher's oriys-nova sibling pack member atlas/client.go — same
// marshal-request/do/unmarshal-response shape as NovaClient.do, generalized
// to the chat-completions wire format and the execute_code tool schema.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neurovisor/control-plane/internal/metrics"
	"github.com/neurovisor/control-plane/internal/model"
)

// DefaultTimeout bounds one chat round trip (spec.md §5).
const DefaultTimeout = 120 * time.Second

// Temperature is pinned at 0 for every call (spec.md §4.7 determinism).
const temperature = 0.0

// ModelError wraps a chat endpoint transport or HTTP failure.
type ModelError struct {
	Op  string
	Err error
}

func (e *ModelError) Error() string { return fmt.Sprintf("chatclient: %s: %v", e.Op, e.Err) }
func (e *ModelError) Unwrap() error { return e.Err }

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a thin HTTP adapter for a chat-completions style endpoint.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New constructs a Client. A zero Timeout falls back to DefaultTimeout.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// toolDef/toolFunction describe the execute_code tool per spec.md §6.
type toolDef struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// executeCodeTool is the one tool the agent loop ever advertises.
var executeCodeTool = toolDef{
	Type: "function",
	Function: toolFunction{
		Name:        model.ToolName,
		Description: "Execute a code snippet inside an isolated microVM and return stdout/stderr/exit_code.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language": map[string]any{
					"type": "string",
					"enum": model.SupportedLanguages,
				},
				"code": map[string]any{
					"type": "string",
				},
			},
			"required": []string{"language", "code"},
		},
	},
}

type wireToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireToolCallFunc `json:"function"`
}

type wireToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []toolDef     `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

// Chat sends the conversation so far and returns the assistant's raw text
// plus any tool calls it emitted, native-structured field first (spec.md
// §4.4, §4.7). Temperature is pinned at 0.
func (c *Client) Chat(ctx context.Context, modelName string, conversation []model.Turn) (string, []model.ToolCall, error) {
	start := time.Now()
	defer func() { metrics.ChatRequestSeconds.Observe(time.Since(start).Seconds()) }()

	req := chatRequest{
		Model:       modelName,
		Messages:    toWireMessages(conversation),
		Tools:       []toolDef{executeCodeTool},
		Temperature: temperature,
	}

	raw, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		metrics.ChatErrorsTotal.Inc()
		return "", nil, &ModelError{Op: "chat", Err: err}
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		metrics.ChatErrorsTotal.Inc()
		return "", nil, &ModelError{Op: "decode response", Err: err}
	}
	if len(resp.Choices) == 0 {
		metrics.ChatErrorsTotal.Inc()
		return "", nil, &ModelError{Op: "chat", Err: fmt.Errorf("empty choices array")}
	}

	msg := resp.Choices[0].Message
	toolCalls, err := fromWireToolCalls(msg.ToolCalls)
	if err != nil {
		metrics.ChatErrorsTotal.Inc()
		return "", nil, &ModelError{Op: "decode tool calls", Err: err}
	}
	return msg.Content, toolCalls, nil
}

func toWireMessages(turns []model.Turn) []wireMessage {
	out := make([]wireMessage, 0, len(turns))
	for _, t := range turns {
		wm := wireMessage{Role: t.Role, Content: t.Content, ToolCallID: t.ToolCallID}
		for _, tc := range t.ToolCalls {
			args, _ := json.Marshal(map[string]string{"language": tc.Language, "code": tc.Code})
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireToolCallFunc{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func fromWireToolCalls(wtc []wireToolCall) ([]model.ToolCall, error) {
	if len(wtc) == 0 {
		return nil, nil
	}
	out := make([]model.ToolCall, 0, len(wtc))
	for _, tc := range wtc {
		var args struct {
			Language string `json:"language"`
			Code     string `json:"code"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("unmarshal arguments for tool call %s: %w", tc.ID, err)
		}
		out = append(out, model.ToolCall{
			ID:       tc.ID,
			Name:     tc.Function.Name,
			Language: args.Language,
			Code:     args.Code,
		})
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("chat endpoint error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}
