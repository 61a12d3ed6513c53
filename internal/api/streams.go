package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/ernie/warden/internal/domain"
	"github.com/gorilla/websocket"
)

// ConsoleMessage is the message format for console streaming
type ConsoleMessage struct {
	Type  string            `json:"type"` // "initial", "lines"
	Lines []domain.LogEntry `json:"lines,omitempty"`
}

// streamClient is a WebSocket client subscribed to one live stream.
// cancel detaches the underlying subscription when the client goes
// away; done stops the forwarding goroutine, since cancelling a
// subscription does not close its channel.
type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel func()
	done   chan struct{}
}

func newStreamClient(conn *websocket.Conn, cancel func()) *streamClient {
	return &streamClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// authFromQuery validates the token query parameter. WebSocket
// upgrades cannot carry an Authorization header from browsers.
func (r *Router) authFromQuery(w http.ResponseWriter, req *http.Request) bool {
	token := req.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return false
	}
	if _, err := r.auth.ValidateToken(token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

// handleConsoleWebSocket streams console lines: a recent-history
// snapshot on connect, then live lines as the tailer ingests them.
func (r *Router) handleConsoleWebSocket(w http.ResponseWriter, req *http.Request) {
	if !r.authFromQuery(w, req) {
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Console WebSocket upgrade error: %v", err)
		return
	}

	lines, cancel := r.console.Subscribe()
	client := newStreamClient(conn, cancel)

	// Send initial history before live lines start flowing
	initial := r.console.Recent(500, true, 0)
	if len(initial) > 0 {
		msg := ConsoleMessage{Type: "initial", Lines: initial}
		data, _ := json.Marshal(msg)
		conn.WriteMessage(websocket.TextMessage, data)
	}

	go func() {
		for {
			select {
			case entry := <-lines:
				msg := ConsoleMessage{Type: "lines", Lines: []domain.LogEntry{entry}}
				data, _ := json.Marshal(msg)
				select {
				case client.send <- data:
				default:
					// Client buffer full, drop the line
				}
			case <-client.done:
				return
			}
		}
	}()

	go client.writePump()
	go client.readPump()
}

// handleMetricsWebSocket streams live metric samples as they are taken
func (r *Router) handleMetricsWebSocket(w http.ResponseWriter, req *http.Request) {
	if !r.authFromQuery(w, req) {
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Metrics WebSocket upgrade error: %v", err)
		return
	}

	samples, cancel := r.collector.Subscribe()
	client := newStreamClient(conn, cancel)

	go func() {
		for {
			select {
			case sample := <-samples:
				data, _ := json.Marshal(sample)
				select {
				case client.send <- data:
				default:
				}
			case <-client.done:
				return
			}
		}
	}()

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket (handles close)
func (c *streamClient) readPump() {
	defer func() {
		c.cancel()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("Stream WebSocket error: %v", err)
			}
			break
		}
	}
}

// writePump sends messages to the WebSocket
func (c *streamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
