// Package agent implements the agent loop (spec.md §4.4): a bounded chat
// <-> tool-execution mediation that turns one user task into a final
// answer, scoping every tool call to its own pool acquisition so a VM is
// never held across more than one call.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/neurovisor/control-plane/internal/channel"
	"github.com/neurovisor/control-plane/internal/metrics"
	"github.com/neurovisor/control-plane/internal/model"
)

// Defaults (spec.md §4.4, §5).
const (
	DefaultMaxIterations   = 10
	DefaultExecutionTimeout = 30 * time.Second

	// executionGrace extends the host-side execute context past
	// ExecutionTimeout so the guest's own timeout_secs enforcement has a
	// chance to return a structured timed_out response before the host
	// cuts the stream itself.
	executionGrace = 5 * time.Second
)

// ErrMaxIterationsExceeded is returned when the loop exhausts its iteration
// budget without the model returning a final, tool-call-free answer.
var ErrMaxIterationsExceeded = errors.New("agent: max iterations exceeded")

// chatClient is the subset of *chatclient.Client the loop depends on.
type chatClient interface {
	Chat(ctx context.Context, modelName string, conversation []model.Turn) (string, []model.ToolCall, error)
}

// vmPool is the subset of *pool.Pool the loop depends on.
type vmPool interface {
	Acquire(ctx context.Context) (*model.VMHandle, error)
	Release(ctx context.Context, h *model.VMHandle)
}

// guestConn is the subset of *channel.Conn the loop depends on.
type guestConn interface {
	Execute(ctx context.Context, req channel.ExecuteRequest) (channel.ExecuteResponse, error)
	Close() error
}

// dialFunc opens a guestConn. A field (not a direct channel.Dial call) so
// tests can substitute a fake without a real vsock tunnel.
type dialFunc func(ctx context.Context, udsPath string, guestPort int) (guestConn, error)

func defaultDial(ctx context.Context, udsPath string, guestPort int) (guestConn, error) {
	return channel.Dial(ctx, udsPath, guestPort)
}

// Config tunes a Loop's bounds. Zero values fall back to the spec defaults.
type Config struct {
	MaxIterations    int
	ExecutionTimeout time.Duration

	// GuestPort is the vsock port the guest execution server listens on
	// inside every VM. config.Load wires this from vm.Config.VsockPort
	// (NEUROVISOR_VM_VSOCK_PORT) so the two stay in sync; callers that
	// construct a Loop directly (tests, alternate wiring) get
	// channel.DefaultGuestPort if they leave it unset.
	GuestPort int
}

// Loop mediates one Session's conversation against the chat client and the
// VM pool until a final answer, an infrastructure failure, or the
// iteration budget is reached.
type Loop struct {
	chat   chatClient
	pool   vmPool
	dial   dialFunc
	logger *slog.Logger
	cfg    Config
	broker *LogBroker
}

// New constructs a Loop. It owns its own LogBroker, mirroring the
// teacher's Engine owning its LogBroker (spec.md §9, SPEC_FULL.md §7).
func New(chat chatClient, pool vmPool, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	if cfg.GuestPort <= 0 {
		cfg.GuestPort = channel.DefaultGuestPort
	}
	return &Loop{chat: chat, pool: pool, dial: defaultDial, logger: logger, cfg: cfg, broker: NewLogBroker()}
}

// Broker returns the Loop's LogBroker, for the API layer to subscribe
// callers to a session's live tool-call output.
func (l *Loop) Broker() *LogBroker {
	return l.broker
}

// Run drives sess to completion, mutating it in place (spec.md §4.4 steps
// 1-3). A nil return means sess.Answer holds the final answer; any
// returned error means sess.Status is Failed and sess.Error is set.
func (l *Loop) Run(ctx context.Context, sess *model.Session) error {
	maxIter := sess.MaxIterations
	if maxIter <= 0 {
		maxIter = l.cfg.MaxIterations
	}

	for iter := 1; iter <= maxIter; iter++ {
		text, native, err := l.chat.Chat(ctx, sess.Model, sess.Conversation)
		if err != nil {
			return l.fail(sess, fmt.Errorf("chat: %w", err))
		}
		sess.Iterations = iter

		toolCalls, extra := resolveToolCalls(text, native)
		if len(toolCalls) == 0 {
			sess.Answer = text
			sess.Status = model.SessionStatusCompleted
			sess.EndedAt = time.Now().UTC()
			metrics.AgentIterationsTotal.Observe(float64(iter))
			l.broker.Close(sess.TraceID)
			return nil
		}

		sess.Conversation = append(sess.Conversation, model.Turn{
			Role:      model.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		})

		for i := 0; i < extra; i++ {
			sess.Conversation = append(sess.Conversation, model.Turn{
				Role:       model.RoleTool,
				ToolCallID: toolCalls[0].ID,
				Content:    `{"error":"multiple embedded tool calls found; only the first was accepted"}`,
			})
		}

		for _, tc := range toolCalls {
			result, infraErr := l.runToolCall(ctx, sess, tc)
			if infraErr != nil {
				return l.fail(sess, infraErr)
			}

			payload, err := json.Marshal(result)
			if err != nil {
				return l.fail(sess, fmt.Errorf("marshal tool result: %w", err))
			}
			sess.Conversation = append(sess.Conversation, model.Turn{
				Role:       model.RoleTool,
				ToolCallID: tc.ID,
				Content:    string(payload),
			})
			sess.ToolCalls++
		}
	}

	return l.fail(sess, ErrMaxIterationsExceeded)
}

// runToolCall acquires a handle, executes one tool call against it, and
// releases it on every exit path (spec.md §9 "Cancellation semantics").
// Guest-attributable failures (handshake rejection, RPC failure) come back
// as a plain error payload for the model to see as data, not as an error
// return; only pool exhaustion is infrastructure and aborts the session.
func (l *Loop) runToolCall(ctx context.Context, sess *model.Session, tc model.ToolCall) (any, error) {
	if !isSupportedLanguage(tc.Language) {
		return map[string]string{"error": fmt.Sprintf("unsupported language %q", tc.Language)}, nil
	}

	h, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool acquire: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, l.cfg.ExecutionTimeout+executionGrace)
	defer cancel()

	conn, err := l.dial(execCtx, h.GuestSocketPath, l.cfg.GuestPort)
	if err != nil {
		l.pool.Release(ctx, h)
		l.logger.Warn("guest unavailable", "vm_id", h.ID, "trace_id", sess.TraceID, "error", err)
		l.broker.Publish(sess.TraceID, "error: guest unavailable: "+err.Error())
		return map[string]string{"error": "guest unavailable: " + err.Error()}, nil
	}
	defer l.pool.Release(ctx, h)
	defer conn.Close()

	req := channel.ExecuteRequest{
		Language:    tc.Language,
		Code:        tc.Code,
		TimeoutSecs: uint32(l.cfg.ExecutionTimeout.Seconds()),
		Env:         map[string]string{"NEUROVISOR_TRACE_ID": sess.TraceID},
	}

	start := time.Now()
	resp, err := conn.Execute(execCtx, req)
	if err != nil {
		l.logger.Warn("guest execute failed", "vm_id", h.ID, "trace_id", sess.TraceID, "error", err)
		metrics.ExecutionsTotal.WithLabelValues(tc.Language, metrics.StatusFailed).Inc()
		l.broker.Publish(sess.TraceID, "error: guest unavailable: "+err.Error())
		return map[string]string{"error": "guest unavailable: " + err.Error()}, nil
	}

	status := metrics.StatusCompleted
	switch {
	case resp.TimedOut:
		status = metrics.StatusTimeout
	case resp.ExitCode != 0:
		status = metrics.StatusFailed
	}
	metrics.ExecutionsTotal.WithLabelValues(tc.Language, status).Inc()
	metrics.ExecutionSeconds.WithLabelValues(tc.Language).Observe(time.Since(start).Seconds())
	l.publishExecLines(sess.TraceID, resp)

	return model.ExecResult{
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		ExitCode:   resp.ExitCode,
		DurationMS: resp.DurationMS,
		TimedOut:   resp.TimedOut,
	}, nil
}

// publishExecLines fans out a finished tool call's stdout/stderr one line
// at a time. The RPC itself is unary, so this is a post-hoc replay of the
// call's output rather than a true line-by-line live stream.
func (l *Loop) publishExecLines(traceID string, resp channel.ExecuteResponse) {
	for _, line := range strings.Split(resp.Stdout, "\n") {
		if line != "" {
			l.broker.Publish(traceID, line)
		}
	}
	for _, line := range strings.Split(resp.Stderr, "\n") {
		if line != "" {
			l.broker.Publish(traceID, "stderr: "+line)
		}
	}
}

func (l *Loop) fail(sess *model.Session, err error) error {
	sess.Status = model.SessionStatusFailed
	sess.Error = err.Error()
	sess.EndedAt = time.Now().UTC()
	l.broker.Close(sess.TraceID)
	return err
}

func isSupportedLanguage(lang string) bool {
	for _, s := range model.SupportedLanguages {
		if s == lang {
			return true
		}
	}
	return false
}
