package model

import "time"

// Conversation roles (spec.md §3).
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolName is the single tool the agent loop exposes to the chat model.
const ToolName = "execute_code"

// Supported execution languages (spec.md §3, §6).
const (
	LangPython     = "python"
	LangBash       = "bash"
	LangJavaScript = "javascript"
	LangGo         = "go"
	LangRust       = "rust"
)

// SupportedLanguages lists the languages the tool schema advertises.
var SupportedLanguages = []string{LangPython, LangBash, LangJavaScript, LangGo, LangRust}

// Turn is one message in a Session's conversation.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured request from the chat model to run code.
type ToolCall struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ExecResult is what a guest returns for one executed tool call.
type ExecResult struct {
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	ExitCode   int32   `json:"exit_code"`
	DurationMS float64 `json:"duration_ms"`
	TimedOut   bool    `json:"timed_out"`
}

// Session statuses, for the audit trail persisted in internal/store
// (supplemented feature, see SPEC_FULL.md §7 — spec.md's Session itself is
// created-per-request and discarded, this is the operational record of it).
const (
	SessionStatusRunning   = "running"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

// Session is one agent task: the conversation state plus bookkeeping
// required to bound and audit a single task → answer round trip.
type Session struct {
	TraceID string `json:"trace_id"`
	Task    string `json:"task"`
	Model   string `json:"model"`

	MaxIterations int `json:"max_iterations"`

	Conversation []Turn `json:"conversation"`
	Iterations   int    `json:"iterations"`
	ToolCalls    int    `json:"tool_calls"`

	Status    string    `json:"status"`
	Answer    string    `json:"answer,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// NewSession builds the initial conversation: [system(prompt), user(task)]
// (spec.md §4.4 step 1).
func NewSession(task, model, systemPrompt string, maxIterations int) *Session {
	return &Session{
		TraceID:       NewID(),
		Task:          task,
		Model:         model,
		MaxIterations: maxIterations,
		Status:        SessionStatusRunning,
		CreatedAt:     time.Now().UTC(),
		Conversation: []Turn{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: task},
		},
	}
}
