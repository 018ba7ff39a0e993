package forward

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/pkg/protocol"
)

func TestTranslateVariants(t *testing.T) {
	scope := protocol.EventScope{SessionID: "s1", UserID: "user:alice", ChatID: "chat:1", TaskID: "task:9"}

	tests := []struct {
		name string
		data any
		want protocol.WSMessageType
	}{
		{"status", protocol.StatusData{State: "chat_started"}, protocol.WSStatus},
		{"message", protocol.MessageData{Role: "user", Content: "hi"}, protocol.WSMessageText},
		{"tool_use", protocol.ToolUseData{Name: "search.notes"}, protocol.WSToolUse},
		{"tool_result", protocol.ToolResultData{Name: "search.notes", Result: "{}"}, protocol.WSToolResult},
		{"thought", protocol.ThoughtData{Text: "hmm"}, protocol.WSThought},
		{"token_usage", protocol.TokenUsageData{Total: 12}, protocol.WSTokenUsage},
		{"token_estimate", protocol.TokenEstimateData{Source: "message", Tokens: 3}, protocol.WSTokenEstimate},
		{"task_status", protocol.TaskStatusData{TaskID: "task:9", Status: "completed"}, protocol.WSTaskStatus},
		{"error", protocol.ErrorData{Message: "boom"}, protocol.WSError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Translate(bus.Event{Name: "any", Payload: protocol.BusEvent{Scope: scope, Data: tt.data}})
			if !ok {
				t.Fatal("Translate skipped a known variant")
			}
			if msg.Type != tt.want {
				t.Errorf("type = %q, want %q", msg.Type, tt.want)
			}
			if msg.ChatID != "chat:1" || msg.TaskID != "task:9" {
				t.Errorf("scope not carried: %+v", msg)
			}
			if len(msg.Data) == 0 {
				t.Error("empty data payload")
			}
		})
	}
}

func TestTranslateSkipsForeignPayloads(t *testing.T) {
	if _, ok := Translate(bus.Event{Name: "x", Payload: "not a bus event"}); ok {
		t.Error("translated a non-BusEvent payload")
	}
	if _, ok := Translate(bus.Event{Name: "x", Payload: protocol.BusEvent{Data: 42}}); ok {
		t.Error("translated an unknown data variant")
	}
}

func TestForwarderMirrorsEvents(t *testing.T) {
	b := bus.New()
	f := New("", b)
	for _, name := range forwardedEvents {
		f.unsubs = append(f.unsubs, b.Subscribe(name, "ws-forwarder", f.onEvent))
	}

	srv := httptest.NewServer(http.HandlerFunc(f.handleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the hub to register the client before dispatching.
	deadline := time.Now().Add(time.Second)
	for f.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b.Dispatch(context.Background(), protocol.EventMessageReceived, protocol.BusEvent{
		Scope: protocol.EventScope{SessionID: "s1", UserID: "user:alice", ChatID: "chat:1"},
		Data:  protocol.MessageData{Role: "model", Content: "hello out there"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != protocol.WSMessageText || msg.ChatID != "chat:1" {
		t.Errorf("forwarded message = %+v", msg)
	}
	var data protocol.MessageData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Content != "hello out there" {
		t.Errorf("data = %+v", data)
	}
}
