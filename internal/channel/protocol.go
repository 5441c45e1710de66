// Package channel implements the host<->guest RPC described in spec.md §4.3
// and §6: a single connection is opened per call across a host-local stream
// socket, a CONNECT/OK handshake bridges it to the guest's vsock listener,
// and the resulting byte pipe carries length-prefixed framed messages.
//
// Grounded on the teacher's internal/backend/firecracker/vsock.go and
// protocol.go, generalized from the teacher's streaming-log workload
// protocol to spec.md's unary ExecuteRequest/ExecuteResponse RPC.
package channel

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame's payload (16 MiB, matching the teacher).
const MaxMessageSize = 16 << 20

// ExecuteRequest is the unary RPC request (spec.md §6).
type ExecuteRequest struct {
	Language    string            `json:"language"`
	Code        string            `json:"code"`
	TimeoutSecs uint32            `json:"timeout_secs"`
	Env         map[string]string `json:"env,omitempty"`
}

// ExecuteResponse is the unary RPC response (spec.md §6).
type ExecuteResponse struct {
	Stdout     string  `json:"stdout"`
	Stderr     string  `json:"stderr"`
	ExitCode   int32   `json:"exit_code"`
	DurationMS float64 `json:"duration_ms"`
	TimedOut   bool    `json:"timed_out"`
}

// Streaming chunk types for ExecuteStream (spec.md §4.3, §6 — specified for
// completeness; the core agent loop only issues the unary Execute call).
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ExecuteChunk is one chunk of the server-streaming ExecuteStream RPC.
type ExecuteChunk struct {
	Stream string `json:"stream"`
	Bytes  []byte `json:"bytes"`
}

// writeMessage writes a length-prefixed JSON message: a 4-byte big-endian
// length prefix followed by the JSON payload.
func writeMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// readMessage reads a length-prefixed JSON message from r into v.
func readMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
