package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepbin/backend/internal/events"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be shorter than pongWait
	writeWait  = 10 * time.Second // time allowed to write a frame
	maxMsgSize = 4096             // inbound frames are small control messages
	sendBuffer = 256              // per-client outbound buffer
)

// wsCommand is the inbound control message.
type wsCommand struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// wsFrame is the outbound envelope. Ack and error frames carry Type; event
// frames carry Channel plus the event itself.
type wsFrame struct {
	Type    string        `json:"type"`
	Channel string        `json:"channel,omitempty"`
	Event   *events.Event `json:"event,omitempty"`
	Message string        `json:"message,omitempty"`
}

// WSHub serves the raw WebSocket transport. All writes to a connection go
// through its send channel and writePump so ping, ack, and event frames
// never race.
type WSHub struct {
	gw       *Gateway
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

var _ Sink = (*WSHub)(nil)

func NewWSHub(gw *Gateway, env string, allowedOrigins []string) *WSHub {
	h := &WSHub{
		gw:      gw,
		logger:  log.New(log.Writer(), "[WS] ", log.LstdFlags),
		clients: make(map[*wsClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(env, allowedOrigins, h.logger),
	}
	gw.AttachSink(h)
	return h
}

// buildCheckOrigin returns the origin policy. Production with a configured
// allowlist enforces it; everything else admits any origin.
func buildCheckOrigin(env string, allowedOrigins []string, logger *log.Logger) func(r *http.Request) bool {
	if env == "production" && len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[strings.TrimSpace(origin)] = true
		}
		logger.Printf("Origin allowlist active (%d origins)", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			logger.Printf("⚠️ Rejected connection from origin %q", origin)
			return false
		}
	}
	if env == "production" {
		logger.Printf("⚠️ No allowed origins configured in production, admitting all origins")
	}
	return func(*http.Request) bool { return true }
}

// HandleWS upgrades the request and starts the connection pumps.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("⚠️ Upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("Client connected from %s (%d active)", r.RemoteAddr, count)

	go c.writePump()
	go c.readPump()
}

// Deliver implements Sink: fan the event to every client watching channel.
func (h *WSHub) Deliver(channel string, event *events.Event) {
	payload, err := json.Marshal(wsFrame{Type: "event", Channel: channel, Event: event})
	if err != nil {
		h.logger.Printf("❌ Marshal event %s: %v", event.ID, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.watching(channel) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Saturated client. Dropping keeps the pump moving.
		}
	}
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("Client disconnected (%d active)", count)
}

// Close drops every client connection.
func (h *WSHub) Close() error {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	return nil
}

type wsClient struct {
	hub  *WSHub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	channels map[string]struct{}
}

func (c *wsClient) watching(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channel]
	return ok
}

// close shuts the connection down exactly once and releases its watches.
func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		channels := c.channels
		c.channels = make(map[string]struct{})
		c.mu.Unlock()
		for channel := range channels {
			c.hub.gw.Unwatch(channel)
		}

		c.hub.remove(c)
		c.conn.Close()
	})
}

func (c *wsClient) reply(frame wsFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// readPump owns all reads from the connection.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Printf("⚠️ Read error: %v", err)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.reply(wsFrame{Type: "error", Message: "malformed command"})
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if !ValidChannel(cmd.Channel) {
				c.reply(wsFrame{Type: "error", Message: "unknown channel: " + cmd.Channel})
				continue
			}
			if c.watch(cmd.Channel) {
				c.hub.gw.Watch(cmd.Channel)
			}
			c.reply(wsFrame{Type: "subscribed", Channel: cmd.Channel})
		case "unsubscribe":
			if c.unwatch(cmd.Channel) {
				c.hub.gw.Unwatch(cmd.Channel)
			}
			c.reply(wsFrame{Type: "unsubscribed", Channel: cmd.Channel})
		default:
			c.reply(wsFrame{Type: "error", Message: "unknown action: " + cmd.Action})
		}
	}
}

func (c *wsClient) watch(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.channels[channel]; dup {
		return false
	}
	c.channels[channel] = struct{}{}
	return true
}

func (c *wsClient) unwatch(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return false
	}
	delete(c.channels, channel)
	return true
}

// writePump owns all writes to the connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

			// Flush whatever queued behind this frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
