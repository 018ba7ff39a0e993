// Package forward mirrors bus events to live WebSocket clients. It is an
// optional edge: when disabled nothing subscribes and the runtime is
// unaffected.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfoundry/proactor/internal/bus"
	"github.com/agentfoundry/proactor/pkg/protocol"
)

// sendQueueDepth bounds the per-client buffer; a client that cannot keep up
// loses messages rather than stalling dispatch.
const sendQueueDepth = 64

const writeTimeout = 10 * time.Second

// forwardedEvents is the closed set of bus events mirrored onto the wire.
var forwardedEvents = []string{
	protocol.EventChatStarted,
	protocol.EventMessageSent,
	protocol.EventMessageReceived,
	protocol.EventTurnComplete,
	protocol.EventToolUse,
	protocol.EventToolResult,
	protocol.EventThought,
	protocol.EventSummarized,
	protocol.EventTokenUsage,
	protocol.EventTokenEstimate,
	protocol.EventTaskAdded,
	protocol.EventTaskStarted,
	protocol.EventTaskCompleted,
	protocol.EventTaskFailed,
	protocol.EventTaskStatusChanged,
}

type client struct {
	conn *websocket.Conn
	send chan protocol.WSMessage
}

// Forwarder is the WebSocket hub. One instance serves every connected client.
type Forwarder struct {
	addr string
	bus  *bus.Bus

	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	unsubs  []func()
}

func New(addr string, b *bus.Bus) *Forwarder {
	return &Forwarder{
		addr:    addr,
		bus:     b,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local tooling edge; the listener binds loopback by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start subscribes to the bus and begins serving /ws on the configured
// address. Returns once the listener is running.
func (f *Forwarder) Start(ctx context.Context) error {
	for _, name := range forwardedEvents {
		f.unsubs = append(f.unsubs, f.bus.Subscribe(name, "ws-forwarder", f.onEvent))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	f.server = &http.Server{Addr: f.addr, Handler: mux}

	go func() {
		if err := f.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("forward.listen_failed", "addr", f.addr, "error", err)
		}
	}()
	slog.Info("forward.started", "addr", f.addr)
	return nil
}

// Stop unsubscribes, closes the listener, and drops every client.
func (f *Forwarder) Stop(ctx context.Context) error {
	for _, unsub := range f.unsubs {
		unsub()
	}
	f.unsubs = nil

	f.mu.Lock()
	for c := range f.clients {
		close(c.send)
		delete(f.clients, c)
	}
	f.mu.Unlock()

	if f.server != nil {
		return f.server.Shutdown(ctx)
	}
	return nil
}

// ClientCount reports currently connected clients.
func (f *Forwarder) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Forwarder) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("forward.upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan protocol.WSMessage, sendQueueDepth)}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	slog.Info("forward.client_connected", "remote", r.RemoteAddr)

	go f.writePump(c)
	f.readPump(c)
}

// readPump discards inbound frames; its job is detecting disconnects.
func (f *Forwarder) readPump(c *client) {
	defer f.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Forwarder) writePump(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			f.drop(c)
			return
		}
	}
	c.conn.Close()
}

func (f *Forwarder) drop(c *client) {
	f.mu.Lock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
	f.mu.Unlock()
	c.conn.Close()
}

func (f *Forwarder) onEvent(ctx context.Context, ev bus.Event) (any, error) {
	msg, ok := Translate(ev)
	if !ok {
		return nil, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
			// Queue full; the client is too slow for this message.
		}
	}
	return nil, nil
}

// Translate converts a bus event into its wire form. Events without a
// BusEvent payload or an unknown data variant are skipped.
func Translate(ev bus.Event) (protocol.WSMessage, bool) {
	be, ok := ev.Payload.(protocol.BusEvent)
	if !ok {
		return protocol.WSMessage{}, false
	}

	msg := protocol.WSMessage{
		SessionID: be.Scope.SessionID,
		UserID:    be.Scope.UserID,
		ChatID:    be.Scope.ChatID,
		TaskID:    be.Scope.TaskID,
	}
	switch be.Data.(type) {
	case protocol.StatusData:
		msg.Type = protocol.WSStatus
	case protocol.MessageData:
		msg.Type = protocol.WSMessageText
	case protocol.ToolUseData:
		msg.Type = protocol.WSToolUse
	case protocol.ToolResultData:
		msg.Type = protocol.WSToolResult
	case protocol.ThoughtData:
		msg.Type = protocol.WSThought
	case protocol.TokenUsageData:
		msg.Type = protocol.WSTokenUsage
	case protocol.TokenEstimateData:
		msg.Type = protocol.WSTokenEstimate
	case protocol.TaskStatusData:
		msg.Type = protocol.WSTaskStatus
	case protocol.ErrorData:
		msg.Type = protocol.WSError
	default:
		return protocol.WSMessage{}, false
	}

	data, err := json.Marshal(be.Data)
	if err != nil {
		slog.Warn("forward.marshal_failed", "event", ev.Name, "error", err)
		return protocol.WSMessage{}, false
	}
	msg.Data = data
	return msg, true
}
