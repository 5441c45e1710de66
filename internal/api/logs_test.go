package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/neurovisor/control-plane/internal/model"
)

// sseEvent is a parsed Server-Sent Event.
type sseEvent struct {
	Type string
	Data string
}

func parseSSEEvents(scanner *bufio.Scanner) []sseEvent {
	var events []sseEvent
	var currentType string
	var currentData []string
	for scanner.Scan() {
		line := scanner.Text()
		if et, ok := strings.CutPrefix(line, "event: "); ok {
			currentType = et
		} else if data, ok := strings.CutPrefix(line, "data: "); ok {
			currentData = append(currentData, data)
		} else if line == "" && len(currentData) > 0 {
			events = append(events, sseEvent{Type: currentType, Data: strings.Join(currentData, "\n")})
			currentType = ""
			currentData = nil
		}
	}
	if len(currentData) > 0 {
		events = append(events, sseEvent{Type: currentType, Data: strings.Join(currentData, "\n")})
	}
	return events
}

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/sessions/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsCompletedSession(t *testing.T) {
	srv := newTestServer(t)

	sess := model.NewSession("task", "test-model", "system", 10)
	sess.Status = model.SessionStatusCompleted
	sess.Answer = "done"
	if err := srv.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/sessions/" + sess.TraceID + "/logs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestStreamLogsReceivesEvents(t *testing.T) {
	srv := newTestServer(t)

	sess := model.NewSession("task", "test-model", "system", 10)
	if err := srv.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/sessions/"+sess.TraceID+"/logs", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	broker := srv.loop.Broker()
	broker.Publish(sess.TraceID, "hello world")
	broker.Publish(sess.TraceID, "goodbye")
	broker.Close(sess.TraceID)

	events := parseSSEEvents(bufio.NewScanner(resp.Body))

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(events), events)
	}
	if events[0].Data != "hello world" || events[0].Type != "" {
		t.Errorf("event[0] = %+v, want unnamed data %q", events[0], "hello world")
	}
	if events[1].Data != "goodbye" || events[1].Type != "" {
		t.Errorf("event[1] = %+v, want unnamed data %q", events[1], "goodbye")
	}
	if events[2].Type != "done" || events[2].Data != "stream complete" {
		t.Errorf("event[2] = %+v, want done event with data %q", events[2], "stream complete")
	}
}
