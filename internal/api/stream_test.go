package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atriumhq/atrium/internal/orchestrator"
	"github.com/atriumhq/atrium/internal/session"
)

func dialStream(t *testing.T, httpURL, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(httpURL, "http") + "/chat/" + sessionID + "/stream"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readTurn collects outbound frames until turn-complete.
func readTurn(t *testing.T, ws *websocket.Conn) []orchestrator.Event {
	t.Helper()
	var evs []orchestrator.Event
	for {
		if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			t.Fatal(err)
		}
		var ev orchestrator.Event
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("read frame: %v (got %d events)", err, len(evs))
		}
		evs = append(evs, ev)
		if ev.Kind == orchestrator.EventTurnComplete {
			return evs
		}
	}
}

func TestStreamRunsTurnsInOrder(t *testing.T) {
	runner := &fakeRunner{}
	ts, _, reg := newTestServer(t, func(c *Config) { c.Runner = runner })

	ws := dialStream(t, ts.URL, "sess-1")

	if _, ok := reg.Lookup("sess-1"); !ok {
		t.Error("opening the stream did not create the session")
	}

	if err := ws.WriteJSON(streamInbound{Message: "list the levels"}); err != nil {
		t.Fatal(err)
	}
	evs := readTurn(t, ws)
	if evs[0].Kind != orchestrator.EventRetrievalContext {
		t.Errorf("first event = %q, want %q", evs[0].Kind, orchestrator.EventRetrievalContext)
	}
	var tokens []string
	for _, ev := range evs {
		if ev.Kind == orchestrator.EventToken {
			tokens = append(tokens, ev.Token)
		}
	}
	if got := strings.Join(tokens, ""); got != "hello world" {
		t.Errorf("streamed text = %q, want %q", got, "hello world")
	}

	// The stream stays open for the next turn.
	if err := ws.WriteJSON(streamInbound{Message: "and the doors", Model: "claude-sonnet-4-5"}); err != nil {
		t.Fatal(err)
	}
	readTurn(t, ws)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 2 {
		t.Fatalf("runner calls = %d, want 2", len(runner.calls))
	}
	if runner.calls[1].Model != "claude-sonnet-4-5" {
		t.Errorf("second turn model = %q, want claude-sonnet-4-5", runner.calls[1].Model)
	}
}

func TestStreamRejectsEmptyMessage(t *testing.T) {
	ts, _, _ := newTestServer(t)
	ws := dialStream(t, ts.URL, "sess-1")

	if err := ws.WriteJSON(streamInbound{}); err != nil {
		t.Fatal(err)
	}
	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var ev orchestrator.Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != orchestrator.EventError || ev.ErrorKind != "request" {
		t.Errorf("got %+v, want error event with kind request", ev)
	}
}

func TestStreamSurfacesBusyAndStaysOpen(t *testing.T) {
	calls := 0
	runner := &fakeRunner{
		run: func(ctx context.Context, sessionID, message, model string, emit orchestrator.EmitFunc) error {
			calls++
			if calls == 1 {
				return session.ErrTurnActive
			}
			emit(orchestrator.Event{Kind: orchestrator.EventTurnComplete})
			return nil
		},
	}
	ts, _, _ := newTestServer(t, func(c *Config) { c.Runner = runner })
	ws := dialStream(t, ts.URL, "sess-1")

	if err := ws.WriteJSON(streamInbound{Message: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := ws.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	var ev orchestrator.Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Kind != orchestrator.EventError || ev.ErrorKind != "busy" {
		t.Errorf("got %+v, want busy error event", ev)
	}

	// Still usable after the rejection.
	if err := ws.WriteJSON(streamInbound{Message: "second"}); err != nil {
		t.Fatal(err)
	}
	readTurn(t, ws)
}
