package gateway

import (
	"log"
	"net/http"
	"sync"

	socketio "github.com/googollee/go-socket.io"

	"github.com/deepbin/backend/internal/events"
)

// SocketServer bridges the gateway to Socket.IO rooms. A client emits
// "subscribe" with a channel name; the server joins it to the room of the
// same name and every event on that channel is broadcast into the room with
// the event kind as the Socket.IO event name.
type SocketServer struct {
	gw     *Gateway
	io     *socketio.Server
	logger *log.Logger

	mu    sync.Mutex
	conns map[string]map[string]struct{} // conn id -> watched channels
}

var _ Sink = (*SocketServer)(nil)

func NewSocketServer(gw *Gateway) *SocketServer {
	s := &SocketServer{
		gw:     gw,
		io:     socketio.NewServer(nil),
		logger: log.New(log.Writer(), "[SocketIO] ", log.LstdFlags),
		conns:  make(map[string]map[string]struct{}),
	}

	s.io.OnConnect("/", func(c socketio.Conn) error {
		c.SetContext("")
		s.logger.Printf("Client connected: %s", c.ID())
		return nil
	})

	s.io.OnEvent("/", "subscribe", func(c socketio.Conn, channel string) {
		if !ValidChannel(channel) {
			c.Emit("error", map[string]interface{}{"message": "unknown channel: " + channel})
			return
		}
		if s.track(c.ID(), channel) {
			c.Join(channel)
			s.gw.Watch(channel)
		}
		c.Emit("subscribed", channel)
	})

	s.io.OnEvent("/", "unsubscribe", func(c socketio.Conn, channel string) {
		if s.untrack(c.ID(), channel) {
			c.Leave(channel)
			s.gw.Unwatch(channel)
		}
	})

	s.io.OnError("/", func(c socketio.Conn, err error) {
		s.logger.Printf("⚠️ Socket error: %v", err)
	})

	s.io.OnDisconnect("/", func(c socketio.Conn, reason string) {
		for channel := range s.drop(c.ID()) {
			s.gw.Unwatch(channel)
		}
		s.logger.Printf("Client disconnected: %s (%s)", c.ID(), reason)
	})

	gw.AttachSink(s)
	return s
}

// track records the conn watching channel. Reports true on the first watch
// so Join and the upstream reference happen once per conn.
func (s *SocketServer) track(connID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[connID]
	if !ok {
		set = make(map[string]struct{})
		s.conns[connID] = set
	}
	if _, dup := set[channel]; dup {
		return false
	}
	set[channel] = struct{}{}
	return true
}

func (s *SocketServer) untrack(connID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[connID]
	if !ok {
		return false
	}
	if _, watching := set[channel]; !watching {
		return false
	}
	delete(set, channel)
	return true
}

// drop removes the conn and returns the channels it was watching.
func (s *SocketServer) drop(connID string) map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.conns[connID]
	delete(s.conns, connID)
	return set
}

// Deliver implements Sink.
func (s *SocketServer) Deliver(channel string, event *events.Event) {
	s.io.BroadcastToRoom("/", channel, string(event.Kind), event)
}

// ServeHTTP mounts the engine's polling and upgrade endpoint.
func (s *SocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.io.ServeHTTP(w, r)
}

// Serve runs the engine loop until Close.
func (s *SocketServer) Serve() error {
	return s.io.Serve()
}

func (s *SocketServer) Close() error {
	return s.io.Close()
}
